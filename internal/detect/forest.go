package detect

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
)

// Point is one (CPU, memory) observation.
type Point [2]float64

const pointDims = 2

// eulerMascheroni appears in the expected path length of a random BST.
const eulerMascheroni = 0.5772156649

// Forest is a trained isolation forest over (CPU, memory) points. It is
// immutable after training; scoring is safe for concurrent use.
type Forest struct {
	trees      []*treeNode
	sampleSize int
	cutoff     float64
}

type treeNode struct {
	dim   int
	split float64
	left  *treeNode
	right *treeNode
	size  int
}

func (n *treeNode) external() bool {
	return n.left == nil && n.right == nil
}

// trainForest builds treeCount trees, each over a random sub-sample of
// sampleSize points, and derives the prediction cutoff from contamination.
// The caller supplies the random source so training can be made
// deterministic.
func trainForest(points []Point, treeCount, sampleSize int, contamination float64, rng *rand.Rand) (forest *Forest, err error) {
	defer func() {
		if r := recover(); r != nil {
			forest = nil
			err = fmt.Errorf("forest training panicked: %v", r)
		}
	}()

	if len(points) < 2 {
		return nil, fmt.Errorf("need at least 2 training points, got %d", len(points))
	}
	if treeCount <= 0 {
		treeCount = 100
	}
	if sampleSize <= 1 || sampleSize > len(points) {
		sampleSize = len(points)
	}

	maxDepth := int(math.Ceil(math.Log2(float64(sampleSize))))
	trees := make([]*treeNode, 0, treeCount)
	for i := 0; i < treeCount; i++ {
		sample := subSample(points, sampleSize, rng)
		trees = append(trees, buildTree(sample, 0, maxDepth, rng))
	}

	forest = &Forest{trees: trees, sampleSize: sampleSize}
	forest.cutoff = deriveCutoff(forest, points, contamination)
	return forest, nil
}

func subSample(points []Point, size int, rng *rand.Rand) []Point {
	indices := rng.Perm(len(points))
	sample := make([]Point, size)
	for i := 0; i < size; i++ {
		sample[i] = points[indices[i]]
	}
	return sample
}

func buildTree(points []Point, depth, maxDepth int, rng *rand.Rand) *treeNode {
	if len(points) <= 1 || depth >= maxDepth {
		return &treeNode{size: len(points)}
	}

	dim := rng.Intn(pointDims)
	min, max := points[0][dim], points[0][dim]
	for _, p := range points[1:] {
		if p[dim] < min {
			min = p[dim]
		}
		if p[dim] > max {
			max = p[dim]
		}
	}
	if min == max {
		// No spread on this dimension; the node cannot be split further.
		return &treeNode{size: len(points)}
	}

	split := min + rng.Float64()*(max-min)
	var left, right []Point
	for _, p := range points {
		if p[dim] < split {
			left = append(left, p)
		} else {
			right = append(right, p)
		}
	}

	return &treeNode{
		dim:   dim,
		split: split,
		left:  buildTree(left, depth+1, maxDepth, rng),
		right: buildTree(right, depth+1, maxDepth, rng),
	}
}

// Score returns the normalized anomaly score in (0, 1): near 0.5 for typical
// points, approaching 1 for points isolated unusually early.
func (f *Forest) Score(p Point) float64 {
	if f == nil || len(f.trees) == 0 {
		return 0
	}

	total := 0.0
	for _, tree := range f.trees {
		total += pathLength(tree, p, 0)
	}
	avg := total / float64(len(f.trees))

	c := expectedPathLength(float64(f.sampleSize))
	if c == 0 {
		return 0
	}
	return math.Pow(2, -avg/c)
}

// Predict reports whether the point's score exceeds the contamination-derived
// cutoff computed at training time.
func (f *Forest) Predict(p Point) bool {
	return f.Score(p) > f.cutoff
}

// Cutoff exposes the trained prediction cutoff.
func (f *Forest) Cutoff() float64 {
	if f == nil {
		return 0
	}
	return f.cutoff
}

func pathLength(node *treeNode, p Point, depth int) float64 {
	if node.external() {
		// Extrapolate for nodes that bottomed out with multiple points.
		return float64(depth) + expectedPathLength(float64(node.size))
	}
	if p[node.dim] < node.split {
		return pathLength(node.left, p, depth+1)
	}
	return pathLength(node.right, p, depth+1)
}

// expectedPathLength is c(n), the average path length of an unsuccessful
// search in a random binary search tree over n points.
func expectedPathLength(n float64) float64 {
	if n <= 1 {
		return 0
	}
	if n == 2 {
		return 1
	}
	return 2*(math.Log(n-1)+eulerMascheroni) - 2*(n-1)/n
}

// deriveCutoff scores the training set and takes the (1-contamination)
// quantile as the prediction boundary, floored at the 0.5 center so a clean
// training set cannot produce a cutoff that flags typical points.
func deriveCutoff(f *Forest, points []Point, contamination float64) float64 {
	if contamination <= 0 || contamination >= 1 || len(points) == 0 {
		return 0.5
	}

	scores := make([]float64, len(points))
	for i, p := range points {
		scores[i] = f.Score(p)
	}
	sort.Sort(sort.Reverse(sort.Float64Slice(scores)))

	idx := int(math.Ceil(contamination*float64(len(scores)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(scores) {
		idx = len(scores) - 1
	}

	cutoff := scores[idx]
	if cutoff < 0.5 {
		cutoff = 0.5
	}
	return cutoff
}
