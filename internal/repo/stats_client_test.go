package repo

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/fleetsight/fleet-anomaly/internal/models"
)

type roundTripFunc func(req *http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func newTestClient(fn roundTripFunc) *http.Client {
	return &http.Client{Transport: fn}
}

func jsonResponse(t *testing.T, payload any) *http.Response {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return &http.Response{
		StatusCode: http.StatusOK,
		Body:       io.NopCloser(bytes.NewReader(data)),
		Header:     make(http.Header),
	}
}

func TestFetchMetricSeries(t *testing.T) {
	client := NewStatsClient("https://stats.example.com", "/api/v1/stats/containers", "/api/v1/stats/metrics", time.Second)
	client.httpClient = newTestClient(func(req *http.Request) (*http.Response, error) {
		if req.URL.Path != "/api/v1/stats/metrics" {
			t.Fatalf("unexpected path: %s", req.URL.Path)
		}
		query := req.URL.Query()
		if query.Get("container_id") != "ctr-1" || query.Get("metric") != "cpu" {
			t.Fatalf("unexpected query: %s", req.URL.RawQuery)
		}
		return jsonResponse(t, map[string]any{
			"series": []map[string]any{
				{"timestamp": "2026-08-23T10:00:00Z", "value": 21.5},
				{"timestamp": "2026-08-23T10:01:00Z", "value": 22.1},
			},
		}), nil
	})

	start := time.Unix(1_700_000_000, 0)
	samples, err := client.FetchMetricSeries(context.Background(), "ctr-1", models.MetricCPU, start, start.Add(time.Hour))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(samples) != 2 || samples[0].Value != 21.5 {
		t.Fatalf("unexpected samples: %+v", samples)
	}
	if !samples[0].Timestamp.Before(samples[1].Timestamp) {
		t.Fatalf("expected ascending timestamps")
	}
}

func TestFetchMetricSeriesTimeoutDegradesToNoData(t *testing.T) {
	client := NewStatsClient("https://stats.example.com", "/containers", "/metrics", time.Second)
	client.httpClient = newTestClient(func(req *http.Request) (*http.Response, error) {
		return nil, context.DeadlineExceeded
	})

	start := time.Unix(1_700_000_000, 0)
	_, err := client.FetchMetricSeries(context.Background(), "ctr-1", models.MetricCPU, start, start.Add(time.Hour))
	if !errors.Is(err, ErrNoData) {
		t.Fatalf("expected a timeout to degrade to ErrNoData, got %v", err)
	}
}

func TestFetchMetricSeriesSurfacesServerErrors(t *testing.T) {
	client := NewStatsClient("https://stats.example.com", "/containers", "/metrics", time.Second)
	client.httpClient = newTestClient(func(req *http.Request) (*http.Response, error) {
		return &http.Response{
			StatusCode: http.StatusInternalServerError,
			Body:       io.NopCloser(bytes.NewReader([]byte("boom"))),
			Header:     make(http.Header),
		}, nil
	})

	start := time.Unix(1_700_000_000, 0)
	_, err := client.FetchMetricSeries(context.Background(), "ctr-1", models.MetricCPU, start, start.Add(time.Hour))
	if err == nil {
		t.Fatalf("expected an error for a 500 response")
	}
	if errors.Is(err, ErrNoData) {
		t.Fatalf("a server error is not a no-data outcome: %v", err)
	}
}

func TestListContainers(t *testing.T) {
	client := NewStatsClient("https://stats.example.com", "/api/v1/stats/containers", "/metrics", time.Second)
	client.httpClient = newTestClient(func(req *http.Request) (*http.Response, error) {
		if req.URL.Path != "/api/v1/stats/containers" {
			t.Fatalf("unexpected path: %s", req.URL.Path)
		}
		return jsonResponse(t, map[string]any{
			"containers": []map[string]any{
				{"id": "ctr-1", "name": "web-1", "endpoint_id": "endpoint-1"},
				{"id": "ctr-2", "name": "db-1", "endpoint_id": "endpoint-2"},
			},
		}), nil
	})

	refs, err := client.ListContainers(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(refs) != 2 || refs[0].ID != "ctr-1" || refs[1].EndpointID != "endpoint-2" {
		t.Fatalf("unexpected containers: %+v", refs)
	}
}

func TestClientRequiresBaseURL(t *testing.T) {
	client := NewStatsClient("", "/containers", "/metrics", time.Second)
	if _, err := client.ListContainers(context.Background()); err == nil {
		t.Fatalf("expected an error without a base URL")
	}
}
