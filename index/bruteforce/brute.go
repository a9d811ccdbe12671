package bruteforce

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/viant/sqlite-ann/vector"
)

const (
	magic         = "ANNF"
	formatVersion = uint16(1)
)

// Index scans every live vector on each query.
type Index struct {
	mu          sync.RWMutex
	dim         int
	metric      vector.Metric
	dist        vector.DistanceFunc
	maxElements int
	ids         []uint64
	vecs        [][]float32
	pos         map[uint64]int
}

// New creates an empty flat index.
func New(dim int, metric vector.Metric, maxElements int) (*Index, error) {
	dist, err := metric.Func()
	if err != nil {
		return nil, err
	}
	return &Index{dim: dim, metric: metric, dist: dist, maxElements: maxElements, pos: map[uint64]int{}}, nil
}

func (i *Index) Dimension() int { return i.dim }

func (i *Index) Len() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.ids)
}

// Deleted is always zero; deletes are physical.
func (i *Index) Deleted() int { return 0 }

// Compact is a no-op.
func (i *Index) Compact(int) int { return 0 }

func (i *Index) Contains(rowid uint64) bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	_, ok := i.pos[rowid]
	return ok
}

func (i *Index) Insert(rowid uint64, vec []float32) error {
	if len(vec) != i.dim {
		return &vector.DimensionMismatchError{Expected: i.dim, Actual: len(vec)}
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	if _, ok := i.pos[rowid]; ok {
		return fmt.Errorf("bruteforce: rowid %d: %w", rowid, vector.ErrAlreadyExists)
	}
	if i.maxElements > 0 && len(i.ids) >= i.maxElements {
		return fmt.Errorf("bruteforce: %d entries: %w", i.maxElements, vector.ErrIndexFull)
	}
	i.pos[rowid] = len(i.ids)
	i.ids = append(i.ids, rowid)
	i.vecs = append(i.vecs, append([]float32(nil), vec...))
	return nil
}

// Replace stores vec under rowid in the position of old, in one latched step.
func (i *Index) Replace(old, rowid uint64, vec []float32) error {
	if len(vec) != i.dim {
		return &vector.DimensionMismatchError{Expected: i.dim, Actual: len(vec)}
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	p, ok := i.pos[old]
	if !ok {
		return fmt.Errorf("bruteforce: rowid %d: %w", old, vector.ErrNotFound)
	}
	if _, ok := i.pos[rowid]; ok {
		return fmt.Errorf("bruteforce: rowid %d: %w", rowid, vector.ErrAlreadyExists)
	}
	delete(i.pos, old)
	i.pos[rowid] = p
	i.ids[p] = rowid
	i.vecs[p] = append([]float32(nil), vec...)
	return nil
}

// Delete swaps the last entry into the removed position.
func (i *Index) Delete(rowid uint64) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	p, ok := i.pos[rowid]
	if !ok {
		return fmt.Errorf("bruteforce: rowid %d: %w", rowid, vector.ErrNotFound)
	}
	last := len(i.ids) - 1
	i.ids[p], i.vecs[p] = i.ids[last], i.vecs[last]
	i.pos[i.ids[p]] = p
	i.ids, i.vecs = i.ids[:last], i.vecs[:last]
	delete(i.pos, rowid)
	return nil
}

// Search returns the exact top-k; ef is ignored.
func (i *Index) Search(ctx context.Context, query []float32, k, _ int, accept func(uint64) bool) (vector.SearchResult, error) {
	if len(query) != i.dim {
		return nil, &vector.DimensionMismatchError{Expected: i.dim, Actual: len(query)}
	}
	if k <= 0 {
		return nil, vector.Invalidf("k must be positive, got %d", k)
	}
	i.mu.RLock()
	defer i.mu.RUnlock()
	scored := make(vector.SearchResult, 0, len(i.ids))
	for j, id := range i.ids {
		if j&1023 == 1023 && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if accept != nil && !accept(id) {
			continue
		}
		d := i.dist(query, i.vecs[j])
		if math.IsNaN(float64(d)) {
			continue
		}
		scored = append(scored, vector.Neighbor{ID: id, Distance: d})
	}
	scored.Sort()
	if len(scored) > k {
		scored = scored[:k]
	}
	return scored, nil
}

// MarshalBinary stores: magic, version(u16), dim(u32), n(u32), then for each
// item: rowid(u64), vec(float32[dim]).
func (i *Index) MarshalBinary() ([]byte, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	out := make([]byte, 0, len(magic)+10+len(i.ids)*(8+4*i.dim))
	out = append(out, magic...)
	out = binary.LittleEndian.AppendUint16(out, formatVersion)
	out = binary.LittleEndian.AppendUint32(out, uint32(i.dim))
	out = binary.LittleEndian.AppendUint32(out, uint32(len(i.ids)))
	for idx, id := range i.ids {
		out = binary.LittleEndian.AppendUint64(out, id)
		for _, f := range i.vecs[idx] {
			out = binary.LittleEndian.AppendUint32(out, math.Float32bits(f))
		}
	}
	return out, nil
}

// UnmarshalBinary restores the index from bytes.
func (i *Index) UnmarshalBinary(data []byte) error {
	if len(data) < len(magic)+10 || string(data[:len(magic)]) != magic {
		return fmt.Errorf("%w: bruteforce: invalid data", vector.ErrCorruptPayload)
	}
	off := len(magic)
	if v := binary.LittleEndian.Uint16(data[off:]); v != formatVersion {
		return fmt.Errorf("%w: bruteforce image version %d", vector.ErrUnsupportedVersion, v)
	}
	off += 2
	dim := int(binary.LittleEndian.Uint32(data[off:]))
	n := int(binary.LittleEndian.Uint32(data[off+4:]))
	off += 8
	if dim != i.dim {
		return &vector.DimensionMismatchError{Expected: i.dim, Actual: dim}
	}
	if len(data)-off != n*(8+4*dim) {
		return fmt.Errorf("%w: %w", vector.ErrCorruptPayload, errors.New("bruteforce: truncated"))
	}
	ids := make([]uint64, n)
	vecs := make([][]float32, n)
	pos := make(map[uint64]int, n)
	for idx := 0; idx < n; idx++ {
		ids[idx] = binary.LittleEndian.Uint64(data[off:])
		off += 8
		vec, err := vector.DecodeVector(data[off:off+4*dim], dim)
		if err != nil {
			return err
		}
		off += 4 * dim
		vecs[idx] = vec
		pos[ids[idx]] = idx
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	i.ids, i.vecs, i.pos = ids, vecs, pos
	return nil
}
