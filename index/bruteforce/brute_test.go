package bruteforce

import (
	"context"
	"errors"
	"testing"

	"github.com/viant/sqlite-ann/vector"
)

func TestIndex_SearchDeleteMarshal(t *testing.T) {
	idx, err := New(3, vector.MetricL2, 0)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	for id, v := range map[uint64][]float32{1: {1, 0, 0}, 2: {0, 1, 0}, 3: {0.9, 0.1, 0}} {
		if err := idx.Insert(id, v); err != nil {
			t.Fatalf("Insert(%d) failed: %v", id, err)
		}
	}
	res, err := idx.Search(context.Background(), []float32{1, 0, 0}, 2, 0, nil)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(res) != 2 || res[0].ID != 1 || res[1].ID != 3 {
		t.Fatalf("unexpected result %+v", res)
	}

	if err := idx.Delete(1); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	data, err := idx.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary failed: %v", err)
	}
	restored, _ := New(3, vector.MetricL2, 0)
	if err := restored.UnmarshalBinary(data); err != nil {
		t.Fatalf("UnmarshalBinary failed: %v", err)
	}
	res, err = restored.Search(context.Background(), []float32{1, 0, 0}, 5, 0, nil)
	if err != nil {
		t.Fatalf("Search after restore failed: %v", err)
	}
	if len(res) != 2 || res[0].ID != 3 || res[1].ID != 2 {
		t.Fatalf("unexpected restored result %+v", res)
	}
	if restored.Contains(1) {
		t.Fatalf("deleted rowid survived restore")
	}
}

func TestIndex_Accept(t *testing.T) {
	idx, _ := New(1, vector.MetricL2, 0)
	for id := uint64(1); id <= 10; id++ {
		_ = idx.Insert(id, []float32{float32(id)})
	}
	res, err := idx.Search(context.Background(), []float32{0}, 3, 0, func(id uint64) bool { return id > 5 })
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if got := res.IDs(); len(got) != 3 || got[0] != 6 || got[2] != 8 {
		t.Fatalf("unexpected ids %v", got)
	}
}

func TestIndex_Replace(t *testing.T) {
	idx, _ := New(2, vector.MetricL2, 2)
	_ = idx.Insert(1, []float32{0, 0})
	_ = idx.Insert(2, []float32{5, 5})

	if err := idx.Replace(1, 3, []float32{9, 9}); err != nil {
		t.Fatalf("Replace failed: %v", err)
	}
	if idx.Contains(1) || !idx.Contains(3) || idx.Len() != 2 {
		t.Fatalf("unexpected state after Replace: contains(1)=%v contains(3)=%v len=%d", idx.Contains(1), idx.Contains(3), idx.Len())
	}
	res, err := idx.Search(context.Background(), []float32{9, 9}, 3, 0, nil)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if got := res.IDs(); len(got) != 2 || got[0] != 3 || got[1] != 2 {
		t.Fatalf("unexpected result %v", got)
	}
	if err := idx.Replace(1, 4, []float32{1, 1}); !errors.Is(err, vector.ErrNotFound) {
		t.Fatalf("Replace of a missing rowid: %v, want ErrNotFound", err)
	}
	if err := idx.Replace(3, 2, []float32{1, 1}); !errors.Is(err, vector.ErrAlreadyExists) {
		t.Fatalf("Replace onto a live rowid: %v, want ErrAlreadyExists", err)
	}
	if err := idx.Replace(3, 4, []float32{1}); !errors.Is(err, vector.ErrDimensionMismatch) {
		t.Fatalf("Replace with a short vector: %v, want ErrDimensionMismatch", err)
	}
	if !idx.Contains(3) || idx.Contains(4) {
		t.Fatalf("a refused Replace changed the index")
	}
}
