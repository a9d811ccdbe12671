package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/viant/sqlite-ann/vector"
)

// Replayer is the index surface recovery rebuilds through.
type Replayer interface {
	UnmarshalBinary(data []byte) error
	Insert(rowid uint64, vec []float32) error
	Delete(rowid uint64) error
	Compact(batch int) int
}

// RecoveryStats summarises one recovery run.
type RecoveryStats struct {
	CheckpointLSN uint64
	LastLSN       uint64
	Inserts       int
	Deletes       int
	Elapsed       time.Duration
}

// Recover loads the latest checkpoint into idx and replays every later log
// entry. The log must continue the checkpoint without gaps up to the catalog
// head; any inconsistency fails with a RecoveryError and idx must be
// discarded. Recovering twice from the same durable state yields the same
// index.
func (t *Table) Recover(ctx context.Context, idx Replayer) (RecoveryStats, error) {
	started := time.Now()
	fail := func(err error) (RecoveryStats, error) {
		return RecoveryStats{}, &vector.RecoveryError{Collection: t.info.Name, Err: err}
	}
	if t.info.FormatVersion != FormatVersion {
		return fail(fmt.Errorf("%w: collection format %d", vector.ErrUnsupportedVersion, t.info.FormatVersion))
	}
	head, err := t.LastLSN(ctx)
	if err != nil {
		return fail(err)
	}
	stats := RecoveryStats{LastLSN: head}

	cp, ok, err := t.LoadCheckpoint(ctx)
	if err != nil {
		return fail(err)
	}
	if ok {
		if cp.Manifest.LSN > head {
			return fail(fmt.Errorf("%w: checkpoint lsn %d beyond log head %d", vector.ErrCorruptPayload, cp.Manifest.LSN, head))
		}
		if err := idx.UnmarshalBinary(cp.Image); err != nil {
			return fail(err)
		}
		stats.CheckpointLSN = cp.Manifest.LSN
	}

	expected := stats.CheckpointLSN + 1
	for e, err := range t.Log(ctx, stats.CheckpointLSN) {
		if err != nil {
			return fail(vector.WrapStore("read log", err))
		}
		if e.LSN != expected {
			return fail(fmt.Errorf("%w: log gap, expected lsn %d, found %d", vector.ErrCorruptPayload, expected, e.LSN))
		}
		if !e.Valid() {
			return fail(fmt.Errorf("%w: log entry %d checksum mismatch", vector.ErrCorruptPayload, e.LSN))
		}
		if err := t.replay(idx, e); err != nil {
			return fail(err)
		}
		if e.Op == OpInsert {
			stats.Inserts++
		} else {
			stats.Deletes++
		}
		expected++
	}
	if expected-1 != head {
		return fail(fmt.Errorf("%w: log ends at %d, catalog head is %d", vector.ErrCorruptPayload, expected-1, head))
	}
	stats.Elapsed = time.Since(started)
	t.s.logger.Info("collection recovered", "collection", t.info.Name, "checkpoint", stats.CheckpointLSN,
		"head", head, "inserts", stats.Inserts, "deletes", stats.Deletes, "elapsed", stats.Elapsed)
	return stats, nil
}

func (t *Table) replay(idx Replayer, e LogEntry) error {
	switch e.Op {
	case OpInsert:
		if !e.HasRow {
			return fmt.Errorf("%w: log entry %d refers to missing row %d", vector.ErrCorruptPayload, e.LSN, e.RowID)
		}
		row, err := t.decodeRow(e.RowID, e.Vector, e.Metadata, int64(e.RowCRC))
		if err != nil {
			return err
		}
		err = idx.Insert(e.RowID, row.Vector)
		// Compaction during the original run may have freed capacity the
		// replayed graph still holds.
		if errors.Is(err, vector.ErrIndexFull) && idx.Compact(0) > 0 {
			err = idx.Insert(e.RowID, row.Vector)
		}
		return err
	case OpDelete:
		if err := idx.Delete(e.RowID); err != nil && !errors.Is(err, vector.ErrNotFound) {
			return err
		}
		return nil
	}
	return fmt.Errorf("%w: log entry %d has unknown op %d", vector.ErrCorruptPayload, e.LSN, e.Op)
}
