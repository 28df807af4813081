package repo

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/fleetsight/fleet-anomaly/internal/models"
	"github.com/fleetsight/fleet-anomaly/internal/utils"
)

// ErrNoData signals that a metric read produced no usable samples. Timeouts
// against the stats store degrade to ErrNoData so a slow read is handled
// like an empty window rather than a cycle failure.
var ErrNoData = errors.New("no metric data")

// SampleReader supplies ordered metric samples for a container and time range.
type SampleReader interface {
	FetchMetricSeries(ctx context.Context, containerID string, metric models.MetricType, start, end time.Time) ([]models.MetricSample, error)
}

// ContainerRef identifies a monitored container and its owning endpoint.
type ContainerRef struct {
	ID         string
	Name       string
	EndpointID string
}

// StatsClient reads container inventory and metric series from the fleet
// stats store over HTTP. It is the engine's only I/O dependency.
type StatsClient struct {
	baseURL        string
	containersPath string
	metricsPath    string
	httpClient     *http.Client
}

// NewStatsClient constructs a client targeting the configured stats store.
func NewStatsClient(baseURL, containersPath, metricsPath string, timeout time.Duration) *StatsClient {
	return &StatsClient{
		baseURL:        strings.TrimRight(baseURL, "/"),
		containersPath: containersPath,
		metricsPath:    metricsPath,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// ListContainers returns the containers currently known to the stats store.
func (c *StatsClient) ListContainers(ctx context.Context) ([]ContainerRef, error) {
	if c == nil || c.baseURL == "" {
		return nil, fmt.Errorf("stats client not configured")
	}

	var response struct {
		Containers []struct {
			ID         string `json:"id"`
			Name       string `json:"name"`
			EndpointID string `json:"endpoint_id"`
		} `json:"containers"`
	}

	if err := c.getJSON(ctx, c.joinPath(c.containersPath), nil, &response); err != nil {
		return nil, utils.NewAppError("stats.ListContainers", "containers request failed", err)
	}

	refs := make([]ContainerRef, 0, len(response.Containers))
	for _, entry := range response.Containers {
		refs = append(refs, ContainerRef{ID: entry.ID, Name: entry.Name, EndpointID: entry.EndpointID})
	}
	return refs, nil
}

// FetchMetricSeries queries the stats store for metric samples in ascending
// timestamp order. A request timeout is reported as ErrNoData.
func (c *StatsClient) FetchMetricSeries(ctx context.Context, containerID string, metric models.MetricType, start, end time.Time) ([]models.MetricSample, error) {
	if c == nil || c.baseURL == "" {
		return nil, fmt.Errorf("stats client not configured")
	}

	query := url.Values{}
	query.Set("container_id", containerID)
	query.Set("metric", string(metric))
	query.Set("start", start.Format(time.RFC3339))
	query.Set("end", end.Format(time.RFC3339))

	var response struct {
		Series []struct {
			Timestamp time.Time `json:"timestamp"`
			Value     float64   `json:"value"`
		} `json:"series"`
	}

	if err := c.getJSON(ctx, c.joinPath(c.metricsPath), query, &response); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isClientTimeout(err) {
			return nil, fmt.Errorf("stats metrics read timed out: %w", ErrNoData)
		}
		return nil, utils.NewAppError("stats.FetchMetricSeries", "metrics request failed", err)
	}

	samples := make([]models.MetricSample, 0, len(response.Series))
	for _, point := range response.Series {
		samples = append(samples, models.MetricSample{Timestamp: point.Timestamp, Value: point.Value})
	}
	return samples, nil
}

func (c *StatsClient) joinPath(p string) string {
	parsed, err := url.Parse(c.baseURL)
	if err != nil {
		return c.baseURL + p
	}
	parsed.Path = path.Join(parsed.Path, p)
	return parsed.String()
}

func (c *StatsClient) getJSON(ctx context.Context, rawURL string, query url.Values, out interface{}) error {
	target := rawURL
	if len(query) > 0 {
		target = rawURL + "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var body bytes.Buffer
		_, _ = body.ReadFrom(resp.Body)
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(body.String()))
	}

	return json.NewDecoder(resp.Body).Decode(out)
}

func isClientTimeout(err error) bool {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return urlErr.Timeout()
	}
	return false
}
