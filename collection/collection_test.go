package collection

import (
	"context"
	"math/rand/v2"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/viant/sqlite-ann/engine"
	"github.com/viant/sqlite-ann/index"
	"github.com/viant/sqlite-ann/internal/maintenance"
	"github.com/viant/sqlite-ann/planner"
	"github.com/viant/sqlite-ann/store"
	"github.com/viant/sqlite-ann/vector"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := engine.OpenFile(filepath.Join(t.TempDir(), "collection.sqlite"), engine.DefaultOptions())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	s, err := store.New(context.Background(), db)
	require.NoError(t, err)
	return s
}

func create(t *testing.T, s *store.Store, dim int, params index.Params) *store.Table {
	t.Helper()
	tbl, err := s.CreateCollection(context.Background(), store.CollectionInfo{
		Name: "docs", Dimension: dim, Metric: vector.MetricL2, Family: index.FamilyHNSW, Params: params,
	})
	require.NoError(t, err)
	return tbl
}

func open(t *testing.T, s *store.Store, opts Options) *Collection {
	t.Helper()
	tbl, err := s.Collection(context.Background(), "docs")
	require.NoError(t, err)
	c, err := Open(context.Background(), tbl, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close(context.Background(), false) })
	return c
}

func randVec(rng *rand.Rand, dim int) []float32 {
	v := make([]float32, dim)
	for i := range v {
		v[i] = rng.Float32()
	}
	return v
}

func TestCollection_L2Scenario(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	create(t, s, 3, index.DefaultParams())
	c := open(t, s, Options{})

	for i, v := range [][]float32{{1, 0, 0}, {0, 1, 0}, {0.9, 0.1, 0}} {
		id, err := c.Insert(ctx, v, vector.Metadata{"i": i})
		require.NoError(t, err)
		assert.Equal(t, uint64(i+1), id)
	}
	res, err := c.Search(ctx, planner.Request{Vector: []float32{1, 0, 0}, K: 2})
	require.NoError(t, err)
	require.Len(t, res.Neighbors, 2)
	assert.Equal(t, []uint64{1, 3}, res.Neighbors.IDs())
	assert.Equal(t, float32(0), res.Neighbors[0].Distance)
	assert.InDelta(t, 0.1414, res.Neighbors[1].Distance, 1e-3)
	assert.Equal(t, StateIdle, c.State())

	_, err = c.Insert(ctx, []float32{1, 2}, nil)
	assert.ErrorIs(t, err, vector.ErrDimensionMismatch)
	_, err = c.Search(ctx, planner.Request{Vector: []float32{1, 0, 0}, K: 0})
	assert.ErrorIs(t, err, vector.ErrInvalidRequest)
}

func TestCollection_DeleteVisibility(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	create(t, s, 4, index.DefaultParams())
	c := open(t, s, Options{})
	rng := rand.New(rand.NewPCG(1, 1))

	var target []float32
	var targetID uint64
	for i := 0; i < 50; i++ {
		v := randVec(rng, 4)
		id, err := c.Insert(ctx, v, nil)
		require.NoError(t, err)
		if i == 17 {
			target, targetID = v, id
		}
	}
	res, err := c.Search(ctx, planner.Request{Vector: target, K: 1, Quality: planner.MaxQuality})
	require.NoError(t, err)
	assert.Equal(t, []uint64{targetID}, res.Neighbors.IDs())

	require.NoError(t, c.Delete(ctx, targetID))
	res, err = c.Search(ctx, planner.Request{Vector: target, K: 50, Quality: planner.MaxQuality})
	require.NoError(t, err)
	assert.NotContains(t, res.Neighbors.IDs(), targetID)
	assert.Len(t, res.Neighbors, 49)

	_, err = c.Get(ctx, targetID)
	assert.ErrorIs(t, err, vector.ErrNotFound)
	assert.ErrorIs(t, c.Delete(ctx, targetID), vector.ErrNotFound)

	removed, err := c.Compact(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	st := c.Stats()
	assert.Equal(t, 49, st.Live)
	assert.Zero(t, st.Deleted)
	assert.Equal(t, uint64(51), st.LastLSN)
}

func TestCollection_Update(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	create(t, s, 2, index.DefaultParams())
	c := open(t, s, Options{})

	old, err := c.Insert(ctx, []float32{0, 0}, vector.Metadata{"v": "old"})
	require.NoError(t, err)
	_, err = c.Insert(ctx, []float32{5, 5}, nil)
	require.NoError(t, err)

	id, err := c.Update(ctx, old, []float32{9, 9}, vector.Metadata{"v": "new"})
	require.NoError(t, err)
	assert.NotEqual(t, old, id)

	res, err := c.Search(ctx, planner.Request{Vector: []float32{9, 9}, K: 3})
	require.NoError(t, err)
	assert.Equal(t, []uint64{id, 2}, res.Neighbors.IDs())

	row, err := c.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "new", row.Metadata["v"])
	_, err = c.Update(ctx, old, []float32{1, 1}, nil)
	assert.ErrorIs(t, err, vector.ErrNotFound)
}

func TestCollection_ConcurrentUpdateSearch(t *testing.T) {
	for _, family := range []index.Family{index.FamilyFlat, index.FamilyHNSW} {
		t.Run(string(family), func(t *testing.T) {
			ctx := context.Background()
			s := newTestStore(t)
			_, err := s.CreateCollection(ctx, store.CollectionInfo{
				Name: "docs", Dimension: 2, Metric: vector.MetricL2, Family: family,
			})
			require.NoError(t, err)
			c := open(t, s, Options{})

			moving, err := c.Insert(ctx, []float32{0, 0}, nil)
			require.NoError(t, err)
			for _, v := range [][]float32{{5, 5}, {-5, 5}} {
				_, err := c.Insert(ctx, v, nil)
				require.NoError(t, err)
			}

			done := make(chan struct{})
			var readers sync.WaitGroup
			for r := 0; r < 3; r++ {
				readers.Add(1)
				go func() {
					defer readers.Done()
					for {
						select {
						case <-done:
							return
						default:
						}
						res, err := c.Search(ctx, planner.Request{Vector: []float32{0, 0}, K: 10})
						if !assert.NoError(t, err) {
							return
						}
						assert.Len(t, res.Neighbors, 3, "an update is visible as exactly one row")
					}
				}()
			}
			for i := 0; i < 100; i++ {
				moving, err = c.Update(ctx, moving, []float32{float32(i%3) * 0.1, 0}, vector.Metadata{"i": i})
				require.NoError(t, err)
			}
			close(done)
			readers.Wait()
			assert.Equal(t, 3, c.Stats().Live)
		})
	}
}

func TestCollection_RollbackOnIndexFull(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	tbl := create(t, s, 2, index.Params{MaxElements: 2})
	c := open(t, s, Options{})

	_, err := c.Insert(ctx, []float32{1, 1}, nil)
	require.NoError(t, err)
	second, err := c.Insert(ctx, []float32{2, 2}, nil)
	require.NoError(t, err)

	_, err = c.Insert(ctx, []float32{3, 3}, nil)
	assert.ErrorIs(t, err, vector.ErrIndexFull)
	n, err := tbl.Count(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	head, err := tbl.LastLSN(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), head)
	assert.NoError(t, c.Err())

	_, err = c.Update(ctx, second, []float32{4, 4}, nil)
	assert.ErrorIs(t, err, vector.ErrIndexFull)
	row, err := c.Get(ctx, second)
	require.NoError(t, err, "a refused update leaves the old row live")
	assert.Equal(t, []float32{2, 2}, row.Vector)

	require.NoError(t, c.Delete(ctx, second))
	_, err = c.Compact(ctx)
	require.NoError(t, err)
	_, err = c.Insert(ctx, []float32{3, 3}, nil)
	require.NoError(t, err)

	// Recovery reproduces the state that survived the rollbacks.
	other := open(t, s, Options{})
	assert.Equal(t, c.Stats().Live, other.Stats().Live)
}

func TestCollection_Batches(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	tbl := create(t, s, 2, index.Params{MaxElements: 4})
	c := open(t, s, Options{})

	ids, err := c.InsertBatch(ctx, [][]float32{{0, 0}, {1, 0}, {5, 5}}, []vector.Metadata{{"n": 0}, {"n": 1}, {"n": 2}})
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2, 3}, ids)
	st := c.Stats()
	assert.Equal(t, 3, st.Live)
	assert.Equal(t, uint64(3), st.LastLSN)
	assert.Equal(t, int64(3), st.SinceCheckpoint)
	res, err := c.Search(ctx, planner.Request{Vector: []float32{0.9, 0}, K: 2})
	require.NoError(t, err)
	assert.Equal(t, []uint64{2, 1}, res.Neighbors.IDs())

	_, err = c.InsertBatch(ctx, [][]float32{{6, 6}, {7, 7}}, nil)
	assert.ErrorIs(t, err, vector.ErrIndexFull)
	n, err := tbl.Count(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 3, n, "a refused batch stores no row")
	head, err := tbl.LastLSN(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), head)
	assert.NoError(t, c.Err())
	assert.Equal(t, 3, c.Stats().Live)

	assert.ErrorIs(t, c.DeleteBatch(ctx, []uint64{1, 42}), vector.ErrNotFound)
	assert.Equal(t, 3, c.Stats().Live)
	require.NoError(t, c.DeleteBatch(ctx, []uint64{1, 3}))
	res, err = c.Search(ctx, planner.Request{Vector: []float32{0, 0}, K: 3})
	require.NoError(t, err)
	assert.Equal(t, []uint64{2}, res.Neighbors.IDs())

	other := open(t, s, Options{})
	assert.Equal(t, 1, other.Stats().Live)
	assert.Equal(t, c.Stats().LastLSN, other.Stats().LastLSN)
}

func TestCollection_CancelledBeforeApply(t *testing.T) {
	s := newTestStore(t)
	tbl := create(t, s, 2, index.DefaultParams())
	c := open(t, s, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Insert(ctx, []float32{1, 1}, nil)
	assert.ErrorIs(t, err, context.Canceled)
	n, err := tbl.Count(context.Background(), "")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCollection_ConcurrentInsertSearch(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	tbl := create(t, s, 8, index.Params{M: 8, EfConstruction: 64})
	c := open(t, s, Options{})

	const writers, perWriter = 4, 40
	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := map[uint64]bool{}
	stop := make(chan struct{})

	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(seed uint64) {
			defer wg.Done()
			rng := rand.New(rand.NewPCG(seed, 99))
			for i := 0; i < perWriter; i++ {
				_, err := c.Insert(ctx, randVec(rng, 8), vector.Metadata{"w": seed})
				assert.NoError(t, err)
			}
		}(uint64(w))
	}
	var readers sync.WaitGroup
	for r := 0; r < 3; r++ {
		readers.Add(1)
		go func(seed uint64) {
			defer readers.Done()
			rng := rand.New(rand.NewPCG(seed, 7))
			for {
				select {
				case <-stop:
					return
				default:
				}
				res, err := c.Search(ctx, planner.Request{Vector: randVec(rng, 8), K: 5})
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				for _, id := range res.Neighbors.IDs() {
					seen[id] = true
				}
				mu.Unlock()
			}
		}(uint64(r + 10))
	}
	wg.Wait()
	close(stop)
	readers.Wait()

	assert.Equal(t, writers*perWriter, c.Stats().Live)
	ids := make([]uint64, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	rows, err := tbl.Rows(ctx, ids)
	require.NoError(t, err)
	assert.Len(t, rows, len(ids), "every search result is a durable row")
	assert.Equal(t, uint64(writers*perWriter), c.Stats().LastLSN)
}

func TestCollection_RecoveryIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	create(t, s, 6, index.DefaultParams())
	c := open(t, s, Options{})
	rng := rand.New(rand.NewPCG(4, 2))

	var ids []uint64
	for i := 0; i < 60; i++ {
		id, err := c.Insert(ctx, randVec(rng, 6), nil)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	for _, id := range ids[:5] {
		require.NoError(t, c.Delete(ctx, id))
	}
	m, err := c.Checkpoint(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(65), m.LSN)
	for i := 0; i < 10; i++ {
		_, err := c.Insert(ctx, randVec(rng, 6), nil)
		require.NoError(t, err)
	}
	require.NoError(t, c.Delete(ctx, ids[10]))

	query := randVec(rng, 6)
	want, err := c.Search(ctx, planner.Request{Vector: query, K: 10, Quality: 512})
	require.NoError(t, err)

	first := open(t, s, Options{})
	second := open(t, s, Options{})
	for _, r := range []*Collection{first, second} {
		st := r.Stats()
		assert.True(t, st.Available)
		assert.Equal(t, 64, st.Live)
		assert.Equal(t, uint64(65), st.CheckpointLSN)
		assert.Equal(t, uint64(76), st.LastLSN)
		assert.Equal(t, int64(11), st.SinceCheckpoint)
		got, err := r.Search(ctx, planner.Request{Vector: query, K: 10, Quality: 512})
		require.NoError(t, err)
		assert.Equal(t, want.Neighbors.IDs(), got.Neighbors.IDs())
	}
}

func TestCollection_UnavailableAndRepair(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	create(t, s, 3, index.DefaultParams())
	c := open(t, s, Options{})
	rng := rand.New(rand.NewPCG(8, 8))
	for i := 0; i < 20; i++ {
		_, err := c.Insert(ctx, randVec(rng, 3), nil)
		require.NoError(t, err)
	}
	require.NoError(t, c.Delete(ctx, 3))
	require.NoError(t, c.Close(ctx, false))
	_, err := c.Insert(ctx, []float32{1, 1, 1}, nil)
	assert.ErrorIs(t, err, vector.ErrClosed)

	_, err = s.DB().ExecContext(ctx, `DELETE FROM "ann_docs_log" WHERE lsn = 7`)
	require.NoError(t, err)

	broken := open(t, s, Options{})
	assert.ErrorIs(t, broken.Err(), vector.ErrUnavailable)
	assert.ErrorIs(t, broken.Err(), vector.ErrRecovery)
	_, err = broken.Search(ctx, planner.Request{Vector: []float32{0, 0, 0}, K: 1})
	assert.ErrorIs(t, err, vector.ErrUnavailable)
	_, err = broken.Insert(ctx, []float32{0, 0, 0}, nil)
	assert.ErrorIs(t, err, vector.ErrUnavailable)
	assert.False(t, broken.Stats().Available)
	_, err = broken.Get(ctx, 1)
	assert.NoError(t, err, "rows stay readable")

	n, err := broken.Repair(ctx)
	require.NoError(t, err)
	assert.Equal(t, 19, n)
	assert.NoError(t, broken.Err())
	res, err := broken.Search(ctx, planner.Request{Vector: []float32{0, 0, 0}, K: 30})
	require.NoError(t, err)
	assert.Len(t, res.Neighbors, 19)
	assert.NotContains(t, res.Neighbors.IDs(), uint64(3))

	again := open(t, s, Options{})
	assert.NoError(t, again.Err())
	assert.Equal(t, 19, again.Stats().Live)
}

func TestCollection_AutoMaintenance(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	create(t, s, 4, index.DefaultParams())
	sched := maintenance.New(maintenance.Config{Workers: 1}, nil)
	c := open(t, s, Options{Maintenance: sched, CheckpointEvery: 5, CompactRatio: 0.3, CompactBatch: 2})
	t.Cleanup(sched.Close)
	rng := rand.New(rand.NewPCG(2, 3))

	var ids []uint64
	for i := 0; i < 12; i++ {
		id, err := c.Insert(ctx, randVec(rng, 4), nil)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	sched.Wait()
	assert.GreaterOrEqual(t, c.Stats().CheckpointLSN, uint64(5))

	for _, id := range ids[:6] {
		require.NoError(t, c.Delete(ctx, id))
	}
	sched.Wait()
	st := c.Stats()
	assert.Less(t, st.Deleted, 6)
	assert.Equal(t, 6, st.Live)
	assert.Positive(t, sched.Stats().Completed)

	require.NoError(t, c.Close(ctx, true))
	assert.Equal(t, c.Stats().LastLSN, c.Stats().CheckpointLSN, "close flushes a checkpoint")
}
