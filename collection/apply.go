package collection

import (
	"context"
	"errors"
	"fmt"

	"github.com/viant/sqlite-ann/index"
	"github.com/viant/sqlite-ann/store"
	"github.com/viant/sqlite-ann/vector"
)

type opKind uint8

const (
	opInsert opKind = iota + 1
	opUpdate
	opDelete
	opCheckpoint
	opCompact
	opRepair
	opInsertBatch
	opDeleteBatch
)

func (k opKind) String() string {
	switch k {
	case opInsert:
		return "insert"
	case opUpdate:
		return "update"
	case opDelete:
		return "delete"
	case opCheckpoint:
		return "checkpoint"
	case opCompact:
		return "compact"
	case opRepair:
		return "repair"
	case opInsertBatch:
		return "insert batch"
	case opDeleteBatch:
		return "delete batch"
	}
	return fmt.Sprintf("op(%d)", uint8(k))
}

func (k opKind) mutatesRows() bool {
	switch k {
	case opInsert, opUpdate, opDelete, opInsertBatch, opDeleteBatch:
		return true
	}
	return false
}

type mutation struct {
	ctx    context.Context
	kind   opKind
	rowid  uint64
	vec    []float32
	meta   vector.Metadata
	rowids []uint64
	vecs   [][]float32
	metas  []vector.Metadata
	out    chan outcome
}

type outcome struct {
	rowid    uint64
	rowids   []uint64
	n        int
	manifest store.Manifest
	err      error
}

// submit enqueues m and waits for its outcome. Once the applier accepted m
// the caller always receives the definite result, even if ctx ends.
func (c *Collection) submit(ctx context.Context, m *mutation) (outcome, error) {
	if c.closed.Load() {
		return outcome{}, vector.ErrClosed
	}
	m.ctx = ctx
	m.out = make(chan outcome, 1)
	select {
	case c.queue <- m:
	case <-ctx.Done():
		return outcome{}, ctx.Err()
	case <-c.done:
		return outcome{}, vector.ErrClosed
	}
	out := <-m.out
	return out, out.err
}

func (c *Collection) run() {
	defer close(c.done)
	for {
		select {
		case m := <-c.queue:
			m.out <- c.apply(m)
		case <-c.quit:
			return
		}
	}
}

func (c *Collection) apply(m *mutation) (out outcome) {
	c.state.Store(int32(StateApplying))
	defer c.state.Store(int32(StateIdle))

	if err := m.ctx.Err(); err != nil {
		return outcome{err: err}
	}
	if m.kind != opRepair {
		if err := c.Err(); err != nil {
			return outcome{err: err}
		}
	}
	// The durable write is not interrupted once started.
	ctx := context.WithoutCancel(m.ctx)
	switch m.kind {
	case opInsert:
		out = c.applyInsert(ctx, m)
	case opUpdate:
		out = c.applyUpdate(ctx, m)
	case opDelete:
		out = c.applyDelete(ctx, m)
	case opInsertBatch:
		out = c.applyInsertBatch(ctx, m)
	case opDeleteBatch:
		out = c.applyDeleteBatch(ctx, m)
	case opCheckpoint:
		out = c.applyCheckpoint(ctx)
	case opCompact:
		out = c.applyCompact(m.ctx)
	case opRepair:
		out = c.applyRepair(ctx)
	default:
		out = outcome{err: vector.Invalidf("unknown mutation %s", m.kind)}
	}
	if out.err == nil && m.kind.mutatesRows() {
		c.scheduleMaintenance()
	}
	return out
}

func (c *Collection) applyInsert(ctx context.Context, m *mutation) outcome {
	rowid, lsn, err := c.table.Put(ctx, m.vec, m.meta)
	if err != nil {
		return outcome{err: err}
	}
	if err := c.idx.Insert(rowid, m.vec); err != nil {
		return outcome{err: c.rollback(ctx, lsn, lsn, err)}
	}
	c.applied(lsn)
	c.logger.Debug("row inserted", "rowid", rowid, "lsn", lsn)
	return outcome{rowid: rowid}
}

func (c *Collection) applyUpdate(ctx context.Context, m *mutation) outcome {
	rowid, first, last, err := c.table.Replace(ctx, m.rowid, m.vec, m.meta)
	if err != nil {
		return outcome{err: err}
	}
	if err := c.idx.Replace(m.rowid, rowid, m.vec); err != nil {
		return outcome{err: c.rollback(ctx, first, last, err)}
	}
	c.applied(last)
	c.logger.Debug("row updated", "rowid", m.rowid, "newRowid", rowid, "lsn", last)
	return outcome{rowid: rowid}
}

func (c *Collection) applyDelete(ctx context.Context, m *mutation) outcome {
	lsn, err := c.table.Delete(ctx, m.rowid)
	if err != nil {
		return outcome{err: err}
	}
	if err := c.idx.Delete(m.rowid); err != nil {
		return outcome{err: c.rollback(ctx, lsn, lsn, err)}
	}
	c.applied(lsn)
	c.logger.Debug("row deleted", "rowid", m.rowid, "lsn", lsn)
	return outcome{rowid: m.rowid}
}

// applyInsertBatch writes every row durably in one transaction, then indexes
// them in order. An index refusal unlinks the rows already indexed and
// reverts the whole transaction.
func (c *Collection) applyInsertBatch(ctx context.Context, m *mutation) outcome {
	rowids, first, last, err := c.table.PutBatch(ctx, m.vecs, m.metas)
	if err != nil {
		return outcome{err: err}
	}
	for i, rowid := range rowids {
		if err := c.idx.Insert(rowid, m.vecs[i]); err != nil {
			for _, done := range rowids[:i] {
				if undo := c.idx.Delete(done); undo != nil {
					c.markBroken(fmt.Errorf("insert batch at lsn %d: %w", first, errors.Join(err, undo)))
					return outcome{err: err}
				}
			}
			return outcome{err: c.rollback(ctx, first, last, fmt.Errorf("batch row %d: %w", i, err))}
		}
	}
	c.appliedRange(first, last)
	c.logger.Debug("rows inserted", "rows", len(rowids), "lsn", last)
	return outcome{rowids: rowids, n: len(rowids)}
}

// applyDeleteBatch tombstones every rowid in one transaction, then removes
// them from the index.
func (c *Collection) applyDeleteBatch(ctx context.Context, m *mutation) outcome {
	first, last, err := c.table.DeleteBatch(ctx, m.rowids)
	if err != nil {
		return outcome{err: err}
	}
	for _, rowid := range m.rowids {
		if !c.idx.Contains(rowid) {
			err := fmt.Errorf("rowid %d is not indexed: %w", rowid, vector.ErrNotFound)
			return outcome{err: c.rollback(ctx, first, last, err)}
		}
	}
	for _, rowid := range m.rowids {
		if err := c.idx.Delete(rowid); err != nil {
			c.markBroken(fmt.Errorf("delete batch at lsn %d: %w", first, err))
			return outcome{err: err}
		}
	}
	c.appliedRange(first, last)
	c.logger.Debug("rows deleted", "rows", len(m.rowids), "lsn", last)
	return outcome{n: len(m.rowids)}
}

// rollback reverts the durable entries from..to after the index refused a
// mutation. If that fails too the collection becomes unavailable.
func (c *Collection) rollback(ctx context.Context, from, to uint64, cause error) error {
	if err := c.table.Undo(ctx, from, to); err != nil {
		c.markBroken(fmt.Errorf("rollback of lsn %d..%d: %w", from, to, err))
		return errors.Join(cause, err)
	}
	c.logger.Warn("mutation rolled back", "from", from, "to", to, "error", cause)
	return cause
}

func (c *Collection) applied(lsn uint64) { c.appliedRange(lsn, lsn) }

func (c *Collection) appliedRange(first, last uint64) {
	c.lastLSN.Store(last)
	c.sinceCheckpoint.Add(int64(last - first + 1))
}

func (c *Collection) applyCheckpoint(ctx context.Context) outcome {
	m, err := c.checkpoint(ctx, c.idx)
	return outcome{manifest: m, err: err}
}

func (c *Collection) checkpoint(ctx context.Context, idx index.Index) (store.Manifest, error) {
	head, err := c.table.LastLSN(ctx)
	if err != nil {
		return store.Manifest{}, err
	}
	image, err := idx.MarshalBinary()
	if err != nil {
		return store.Manifest{}, err
	}
	m, err := c.table.SaveCheckpoint(ctx, head, image, idx.Len(), idx.Deleted())
	if err != nil {
		return store.Manifest{}, err
	}
	c.lastLSN.Store(head)
	c.checkpointLSN.Store(head)
	c.sinceCheckpoint.Store(0)
	return m, nil
}

// applyCompact unlinks deleted entries batch by batch; ctx may stop it
// between batches.
func (c *Collection) applyCompact(ctx context.Context) outcome {
	total := 0
	for ctx.Err() == nil {
		n := c.idx.Compact(c.opts.CompactBatch)
		if n == 0 {
			break
		}
		total += n
	}
	if total > 0 {
		c.logger.Info("index compacted", "removed", total, "live", c.idx.Len())
	}
	return outcome{n: total}
}

func (c *Collection) applyRepair(ctx context.Context) outcome {
	idx, err := c.newIndex()
	if err != nil {
		return outcome{err: fmt.Errorf("collection %q: %w", c.name, err)}
	}
	n := 0
	for row, err := range c.table.Scan(ctx, nil) {
		if err != nil {
			return outcome{err: err}
		}
		if err := idx.Insert(row.ID, row.Vector); err != nil {
			return outcome{err: err}
		}
		n++
	}
	if _, err := c.checkpoint(ctx, idx); err != nil {
		return outcome{err: err}
	}
	c.mu.Lock()
	c.idx = idx
	c.broken = nil
	c.mu.Unlock()
	c.logger.Info("collection repaired", "rows", n)
	return outcome{n: n}
}

func (c *Collection) scheduleMaintenance() {
	sched := c.opts.Maintenance
	if sched == nil {
		return
	}
	if every := c.opts.CheckpointEvery; every > 0 && c.sinceCheckpoint.Load() >= int64(every) {
		sched.Submit("checkpoint:"+c.name, func(ctx context.Context) error {
			if c.sinceCheckpoint.Load() < int64(every) {
				return nil
			}
			_, err := c.Checkpoint(ctx)
			return ignoreClosed(err)
		})
	}
	if ratio := c.opts.CompactRatio; ratio > 0 {
		deleted := c.idx.Deleted()
		if total := deleted + c.idx.Len(); total > 0 && float64(deleted)/float64(total) >= ratio {
			sched.Submit("compact:"+c.name, func(ctx context.Context) error {
				if _, err := c.Compact(ctx); err != nil {
					return ignoreClosed(err)
				}
				_, err := c.Checkpoint(ctx)
				return ignoreClosed(err)
			})
		}
	}
}

func ignoreClosed(err error) error {
	if errors.Is(err, vector.ErrClosed) {
		return nil
	}
	return err
}
