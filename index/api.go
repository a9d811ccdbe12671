package index

import (
	"context"
	"fmt"

	"github.com/viant/sqlite-ann/index/bruteforce"
	"github.com/viant/sqlite-ann/index/hnsw"
	"github.com/viant/sqlite-ann/vector"
)

// Index is an in-memory nearest-neighbour structure keyed by rowid. All
// methods are safe for concurrent use; searches share a read latch and
// mutations take the write latch for the duration of one operation.
type Index interface {
	// Insert adds vec under rowid. A live rowid cannot be inserted twice.
	Insert(rowid uint64, vec []float32) error

	// Delete makes rowid invisible to subsequent searches.
	Delete(rowid uint64) error

	// Replace deletes old and inserts vec under rowid as one mutation; no
	// search observes both or neither. On error the index is unchanged.
	Replace(old, rowid uint64, vec []float32) error

	Contains(rowid uint64) bool

	// Search returns up to k neighbours of query ordered by distance. ef is the
	// quality knob; accept, when set, restricts results to matching rowids.
	Search(ctx context.Context, query []float32, k, ef int, accept func(rowid uint64) bool) (vector.SearchResult, error)

	// Len reports live entries; Deleted reports entries awaiting Compact.
	Len() int
	Deleted() int

	// Compact physically removes up to batch logically deleted entries and
	// returns how many were removed.
	Compact(batch int) int

	Dimension() int

	MarshalBinary() ([]byte, error)
	UnmarshalBinary(data []byte) error
}

// Family names an index implementation selected at collection creation.
type Family string

const (
	FamilyHNSW Family = "hnsw"
	// FamilyFlat scans every vector; it is exact and meant for small
	// collections and as a recall reference.
	FamilyFlat Family = "flat"
)

// Params are the tunables persisted with a collection.
type Params struct {
	M              int    `json:"m,omitempty" yaml:"m"`
	EfConstruction int    `json:"efConstruction,omitempty" yaml:"efConstruction"`
	EfSearch       int    `json:"efSearch,omitempty" yaml:"efSearch"`
	MaxElements    int    `json:"maxElements,omitempty" yaml:"maxElements"`
	Seed           uint64 `json:"seed,omitempty" yaml:"seed"`
}

// DefaultParams returns the HNSW defaults.
func DefaultParams() Params {
	return Params{M: 16, EfConstruction: 200, EfSearch: 64}
}

// WithDefaults fills zero fields from DefaultParams.
func (p Params) WithDefaults() Params {
	d := DefaultParams()
	if p.M <= 0 {
		p.M = d.M
	}
	if p.EfConstruction <= 0 {
		p.EfConstruction = d.EfConstruction
	}
	if p.EfSearch <= 0 {
		p.EfSearch = d.EfSearch
	}
	return p
}

// Validate rejects parameters no index can be built with.
func (p Params) Validate() error {
	if p.M > hnsw.MaxM {
		return vector.Invalidf("m must be at most %d, got %d", hnsw.MaxM, p.M)
	}
	if p.EfConstruction < 0 || p.EfSearch < 0 || p.MaxElements < 0 {
		return vector.Invalidf("index params must not be negative")
	}
	return nil
}

// ParseFamily resolves a family name; empty selects HNSW.
func ParseFamily(s string) (Family, error) {
	switch Family(s) {
	case "", FamilyHNSW:
		return FamilyHNSW, nil
	case FamilyFlat:
		return FamilyFlat, nil
	}
	return "", vector.Invalidf("unknown index family %q", s)
}

// New creates an empty index of the given family.
func New(family Family, dim int, metric vector.Metric, params Params) (Index, error) {
	if dim <= 0 {
		return nil, vector.Invalidf("dimension must be positive, got %d", dim)
	}
	if _, err := metric.Func(); err != nil {
		return nil, err
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	params = params.WithDefaults()
	switch family {
	case "", FamilyHNSW:
		return hnsw.New(hnsw.Config{
			Dimension:      dim,
			Metric:         metric,
			M:              params.M,
			EfConstruction: params.EfConstruction,
			EfSearch:       params.EfSearch,
			MaxElements:    params.MaxElements,
			Seed:           params.Seed,
		})
	case FamilyFlat:
		return bruteforce.New(dim, metric, params.MaxElements)
	}
	return nil, fmt.Errorf("%w: unknown index family %q", vector.ErrInvalidRequest, family)
}
