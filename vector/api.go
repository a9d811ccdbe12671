package vector

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Vector is a fixed-length embedding.
type Vector = []float32

// Metadata is the JSON object stored next to every vector.
type Metadata map[string]any

// Row is one durable record of a collection.
type Row struct {
	ID       uint64
	Vector   []float32
	Metadata Metadata
}

// Neighbor is a single search hit.
type Neighbor struct {
	ID       uint64  `json:"id"`
	Distance float32 `json:"distance"`
}

// SearchResult is ordered by ascending distance, ties broken by rowid.
type SearchResult []Neighbor

// Sort orders r by distance then rowid.
func (r SearchResult) Sort() {
	sort.Slice(r, func(i, j int) bool {
		if r[i].Distance != r[j].Distance {
			return r[i].Distance < r[j].Distance
		}
		return r[i].ID < r[j].ID
	})
}

// IDs returns the rowids of r in order.
func (r SearchResult) IDs() []uint64 {
	ids := make([]uint64, len(r))
	for i, n := range r {
		ids[i] = n.ID
	}
	return ids
}

// MarshalMetadata encodes m as a JSON object; nil encodes as "{}".
func MarshalMetadata(m Metadata) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("%w: metadata: %v", ErrInvalidRequest, err)
	}
	return string(data), nil
}

// UnmarshalMetadata decodes a JSON object produced by MarshalMetadata.
func UnmarshalMetadata(s string) (Metadata, error) {
	if s == "" || s == "{}" {
		return Metadata{}, nil
	}
	var m Metadata
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, fmt.Errorf("%w: metadata: %v", ErrCorruptPayload, err)
	}
	return m, nil
}
