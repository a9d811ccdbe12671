package vector

import (
	"fmt"
	"strings"

	"github.com/viant/vec/search"
)

// Metric selects the distance function of a collection.
type Metric string

const (
	MetricL2     Metric = "l2"
	MetricCosine Metric = "cosine"
)

// DistanceFunc returns a non-negative distance; smaller is closer.
type DistanceFunc func(a, b []float32) float32

// ParseMetric resolves a metric name, case-insensitively.
func ParseMetric(s string) (Metric, error) {
	switch Metric(strings.ToLower(strings.TrimSpace(s))) {
	case MetricL2, "euclidean":
		return MetricL2, nil
	case MetricCosine:
		return MetricCosine, nil
	}
	return "", Invalidf("unknown metric %q", s)
}

// Func returns the distance function for m.
func (m Metric) Func() (DistanceFunc, error) {
	switch m {
	case MetricL2:
		return L2, nil
	case MetricCosine:
		return CosineDistance, nil
	}
	return nil, Invalidf("unknown metric %q", string(m))
}

// SQLFunction names the engine scalar function that scores this metric and
// reports whether larger values are closer.
func (m Metric) SQLFunction() (name string, similarity bool) {
	if m == MetricCosine {
		return "vec_cosine", true
	}
	return "vec_l2", false
}

// L2 is the Euclidean distance.
func L2(a, b []float32) float32 {
	return search.Float32s(a).EuclideanDistance(b)
}

// CosineDistance is 1 - cosine similarity. A zero-magnitude operand is
// treated as orthogonal to everything.
func CosineDistance(a, b []float32) float32 {
	va := search.Float32s(a)
	ma := va.Magnitude()
	mb := search.Float32s(b).Magnitude()
	if ma == 0 || mb == 0 {
		return 1
	}
	d := va.CosineDistance(b)
	if d < 0 {
		return 0
	}
	return d
}

// CosineSimilarity computes the cosine similarity between two vectors. It
// returns an error if the vectors have different lengths or are empty.
func CosineSimilarity(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, &DimensionMismatchError{Expected: len(a), Actual: len(b)}
	}
	if len(a) == 0 {
		return 0, fmt.Errorf("vector: cosine similarity on empty vectors")
	}
	return 1 - float64(CosineDistance(a, b)), nil
}

// L2Distance computes the Euclidean distance between two vectors of equal length.
func L2Distance(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, &DimensionMismatchError{Expected: len(a), Actual: len(b)}
	}
	return float64(L2(a, b)), nil
}
