package collection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/viant/sqlite-ann/index"
	"github.com/viant/sqlite-ann/internal/logging"
	"github.com/viant/sqlite-ann/internal/maintenance"
	"github.com/viant/sqlite-ann/planner"
	"github.com/viant/sqlite-ann/store"
	"github.com/viant/sqlite-ann/vector"
)

// State is the applier state of a collection.
type State int32

const (
	StateIdle State = iota
	StateApplying
)

func (s State) String() string {
	if s == StateApplying {
		return "applying"
	}
	return "idle"
}

// Options configure an open collection.
type Options struct {
	Planner planner.Options
	// CheckpointEvery schedules a checkpoint after that many applied
	// mutations; 0 disables automatic checkpoints.
	CheckpointEvery int
	// CompactRatio schedules compaction once deleted/(live+deleted) reaches
	// it; 0 disables automatic compaction.
	CompactRatio float64
	// CompactBatch bounds the entries unlinked per write latch.
	CompactBatch int
	// Maintenance runs automatic checkpoints and compaction; nil disables both.
	Maintenance *maintenance.Scheduler
	Logger      *slog.Logger
}

// Stats describe a collection.
type Stats struct {
	Name            string        `json:"name"`
	Dimension       int           `json:"dimension"`
	Metric          vector.Metric `json:"metric"`
	Family          index.Family  `json:"family"`
	Live            int           `json:"live"`
	Deleted         int           `json:"deleted"`
	LastLSN         uint64        `json:"lastLsn"`
	CheckpointLSN   uint64        `json:"checkpointLsn"`
	SinceCheckpoint int64         `json:"sinceCheckpoint"`
	State           string        `json:"state"`
	Available       bool          `json:"available"`
	Error           string        `json:"error,omitempty"`
}

// Collection couples the durable rows of one collection with its in-memory
// index. Mutations are applied one at a time, in submission order, by a
// single applier goroutine: first durably, then to the index. Searches run
// concurrently against the index.
type Collection struct {
	name    string
	info    store.CollectionInfo
	table   *store.Table
	planner *planner.Planner
	opts    Options
	logger  *slog.Logger

	mu     sync.RWMutex
	idx    index.Index
	broken error

	queue  chan *mutation
	quit   chan struct{}
	done   chan struct{}
	closed atomic.Bool
	once   sync.Once

	state           atomic.Int32
	lastLSN         atomic.Uint64
	checkpointLSN   atomic.Uint64
	sinceCheckpoint atomic.Int64
}

// Open recovers the index of table and starts the applier. A collection
// whose catalog record cannot build an index, or whose recovery fails, is
// still returned: it is unavailable and reports a RecoveryError until Repair
// succeeds.
func Open(ctx context.Context, table *store.Table, opts Options) (*Collection, error) {
	info := table.Info()
	popts := opts.Planner
	popts.EfSearch = info.Params.WithDefaults().EfSearch
	logger := logging.Or(opts.Logger).With("collection", info.Name)
	c := &Collection{
		name:    info.Name,
		info:    info,
		table:   table,
		planner: planner.New(popts, logger),
		opts:    opts,
		logger:  logger,
		queue:   make(chan *mutation),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	idx, err := c.newIndex()
	if err != nil {
		c.broken = &vector.RecoveryError{Collection: info.Name, Err: err}
		c.logger.Error("collection unavailable", "error", c.broken)
		go c.run()
		return c, nil
	}
	c.idx = idx
	stats, err := table.Recover(ctx, idx)
	if err != nil {
		if !errors.Is(err, vector.ErrRecovery) {
			return nil, err
		}
		c.broken = err
		c.logger.Error("collection unavailable", "error", err)
	} else {
		c.lastLSN.Store(stats.LastLSN)
		c.checkpointLSN.Store(stats.CheckpointLSN)
		c.sinceCheckpoint.Store(int64(stats.LastLSN - stats.CheckpointLSN))
	}
	go c.run()
	return c, nil
}

// newIndex builds an empty index from the catalog record.
func (c *Collection) newIndex() (index.Index, error) {
	if c.info.Err != nil {
		return nil, c.info.Err
	}
	return index.New(c.info.Family, c.info.Dimension, c.info.Metric, c.info.Params)
}

// Name returns the collection name.
func (c *Collection) Name() string { return c.name }

// Info returns the catalog record.
func (c *Collection) Info() store.CollectionInfo { return c.info }

// State reports whether a mutation is being applied.
func (c *Collection) State() State { return State(c.state.Load()) }

// Err returns why the collection is unavailable, or nil.
func (c *Collection) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.broken == nil {
		return nil
	}
	return fmt.Errorf("collection %q: %w: %w", c.name, vector.ErrUnavailable, c.broken)
}

func (c *Collection) index() (index.Index, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.broken != nil {
		return nil, fmt.Errorf("collection %q: %w: %w", c.name, vector.ErrUnavailable, c.broken)
	}
	return c.idx, nil
}

func (c *Collection) markBroken(err error) {
	c.mu.Lock()
	c.broken = err
	c.mu.Unlock()
	c.logger.Error("collection unavailable", "error", err)
}

// Insert stores vec with meta and returns the new rowid.
func (c *Collection) Insert(ctx context.Context, vec []float32, meta vector.Metadata) (uint64, error) {
	out, err := c.submit(ctx, &mutation{kind: opInsert, vec: vec, meta: meta})
	return out.rowid, err
}

// Update replaces rowid with a new row in one durable step and returns the
// new rowid; the old one stops matching searches.
func (c *Collection) Update(ctx context.Context, rowid uint64, vec []float32, meta vector.Metadata) (uint64, error) {
	out, err := c.submit(ctx, &mutation{kind: opUpdate, rowid: rowid, vec: vec, meta: meta})
	return out.rowid, err
}

// Delete removes rowid; it is invisible to searches once Delete returns.
func (c *Collection) Delete(ctx context.Context, rowid uint64) error {
	_, err := c.submit(ctx, &mutation{kind: opDelete, rowid: rowid})
	return err
}

// InsertBatch stores vecs with metas as one durable transaction and returns
// the new rowids in input order. metas is nil or parallel to vecs. On error
// no row of the batch is stored.
func (c *Collection) InsertBatch(ctx context.Context, vecs [][]float32, metas []vector.Metadata) ([]uint64, error) {
	out, err := c.submit(ctx, &mutation{kind: opInsertBatch, vecs: vecs, metas: metas})
	return out.rowids, err
}

// DeleteBatch removes rowids as one durable transaction. If any rowid is
// not live nothing is deleted.
func (c *Collection) DeleteBatch(ctx context.Context, rowids []uint64) error {
	_, err := c.submit(ctx, &mutation{kind: opDeleteBatch, rowids: rowids})
	return err
}

// Checkpoint persists the index image at the current log head.
func (c *Collection) Checkpoint(ctx context.Context) (store.Manifest, error) {
	out, err := c.submit(ctx, &mutation{kind: opCheckpoint})
	return out.manifest, err
}

// Compact physically removes deleted entries from the index and returns how
// many were removed.
func (c *Collection) Compact(ctx context.Context) (int, error) {
	out, err := c.submit(ctx, &mutation{kind: opCompact})
	return out.n, err
}

// Repair rebuilds the index from the live rows, checkpoints it and makes
// the collection available again. It returns the number of rows indexed.
func (c *Collection) Repair(ctx context.Context) (int, error) {
	out, err := c.submit(ctx, &mutation{kind: opRepair})
	return out.n, err
}

// Get returns a live row from the durable store.
func (c *Collection) Get(ctx context.Context, rowid uint64) (vector.Row, error) {
	if c.closed.Load() {
		return vector.Row{}, vector.ErrClosed
	}
	return c.table.Get(ctx, rowid)
}

// Rows returns the live rows among ids.
func (c *Collection) Rows(ctx context.Context, ids []uint64) (map[uint64]vector.Row, error) {
	if c.closed.Load() {
		return nil, vector.ErrClosed
	}
	return c.table.Rows(ctx, ids)
}

// Search answers a k-nearest-neighbour request.
func (c *Collection) Search(ctx context.Context, req planner.Request) (planner.Result, error) {
	if c.closed.Load() {
		return planner.Result{}, vector.ErrClosed
	}
	idx, err := c.index()
	if err != nil {
		return planner.Result{}, err
	}
	return c.planner.Search(ctx, idx, c.table, req)
}

// Stats returns current counters.
func (c *Collection) Stats() Stats {
	s := Stats{
		Name:            c.name,
		Dimension:       c.info.Dimension,
		Metric:          c.info.Metric,
		Family:          c.info.Family,
		LastLSN:         c.lastLSN.Load(),
		CheckpointLSN:   c.checkpointLSN.Load(),
		SinceCheckpoint: c.sinceCheckpoint.Load(),
		State:           c.State().String(),
		Available:       true,
	}
	if idx, err := c.index(); err != nil {
		s.Available = false
		s.Error = err.Error()
	} else {
		s.Live, s.Deleted = idx.Len(), idx.Deleted()
	}
	return s
}

// Close stops the applier after the queued mutations. When flush is set and
// mutations were applied since the last checkpoint, a final checkpoint is
// written first.
func (c *Collection) Close(ctx context.Context, flush bool) error {
	var err error
	if flush && !c.closed.Load() && c.Err() == nil && c.sinceCheckpoint.Load() > 0 {
		_, err = c.Checkpoint(ctx)
	}
	c.once.Do(func() {
		c.closed.Store(true)
		close(c.quit)
	})
	<-c.done
	return err
}
