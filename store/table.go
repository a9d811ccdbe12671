package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/crc32"
	"iter"
	"strings"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"github.com/viant/sqlite-ann/vector"
)

// rowBatch bounds the number of bound parameters per IN (...) lookup.
const rowBatch = 500

// Table is the durable state of one collection.
type Table struct {
	s    *Store
	info CollectionInfo
	rows string
	log  string
}

func newTable(s *Store, info CollectionInfo) *Table {
	return &Table{
		s:    s,
		info: info,
		rows: `"ann_` + info.Name + `_rows"`,
		log:  `"ann_` + info.Name + `_log"`,
	}
}

func (t *Table) ddl() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS ` + t.rows + ` (
    rowid     INTEGER PRIMARY KEY AUTOINCREMENT,
    vector    BLOB NOT NULL,
    metadata  TEXT NOT NULL DEFAULT '{}',
    tombstone INTEGER NOT NULL DEFAULT 0,
    crc       INTEGER NOT NULL
)`,
		`CREATE TABLE IF NOT EXISTS ` + t.log + ` (
    lsn   INTEGER PRIMARY KEY,
    op    INTEGER NOT NULL,
    rowid INTEGER NOT NULL,
    crc   INTEGER NOT NULL
)`,
	}
}

// Info returns the catalog record as of opening; LastLSN is not refreshed.
func (t *Table) Info() CollectionInfo { return t.info }

func (t *Table) Name() string { return t.info.Name }

// Put stores a new live row and returns its rowid and log sequence number.
func (t *Table) Put(ctx context.Context, vec []float32, meta vector.Metadata) (rowid, lsn uint64, err error) {
	blob, metaJSON, err := t.encode(vec, meta)
	if err != nil {
		return 0, 0, err
	}
	err = t.s.inTx(ctx, "put", func(tx *sql.Tx) error {
		rowid, err = t.insertRow(ctx, tx, blob, metaJSON)
		if err != nil {
			return err
		}
		lsn, err = t.appendLog(ctx, tx, OpInsert, rowid)
		return err
	})
	return rowid, lsn, err
}

// PutBatch stores rows in one transaction. Their log entries are the
// contiguous range firstLSN..lastLSN, in input order. metas is either nil or
// parallel to vecs.
func (t *Table) PutBatch(ctx context.Context, vecs [][]float32, metas []vector.Metadata) (rowids []uint64, firstLSN, lastLSN uint64, err error) {
	if len(vecs) == 0 {
		return nil, 0, 0, vector.Invalidf("put batch: no rows")
	}
	if metas != nil && len(metas) != len(vecs) {
		return nil, 0, 0, vector.Invalidf("put batch: %d vectors, %d metadata objects", len(vecs), len(metas))
	}
	blobs := make([][]byte, len(vecs))
	metaJSON := make([]string, len(vecs))
	for i, vec := range vecs {
		var meta vector.Metadata
		if metas != nil {
			meta = metas[i]
		}
		if blobs[i], metaJSON[i], err = t.encode(vec, meta); err != nil {
			return nil, 0, 0, fmt.Errorf("put batch row %d: %w", i, err)
		}
	}
	err = t.s.inTx(ctx, "put batch", func(tx *sql.Tx) error {
		rowids = make([]uint64, len(vecs))
		for i := range vecs {
			rowid, err := t.insertRow(ctx, tx, blobs[i], metaJSON[i])
			if err != nil {
				return err
			}
			lsn, err := t.appendLog(ctx, tx, OpInsert, rowid)
			if err != nil {
				return err
			}
			if i == 0 {
				firstLSN = lsn
			}
			rowids[i], lastLSN = rowid, lsn
		}
		return nil
	})
	if err != nil {
		return nil, 0, 0, err
	}
	return rowids, firstLSN, lastLSN, nil
}

// DeleteBatch tombstones rowids in one transaction. Any rowid that is not
// live fails the whole batch.
func (t *Table) DeleteBatch(ctx context.Context, rowids []uint64) (firstLSN, lastLSN uint64, err error) {
	if len(rowids) == 0 {
		return 0, 0, vector.Invalidf("delete batch: no rowids")
	}
	err = t.s.inTx(ctx, "delete batch", func(tx *sql.Tx) error {
		for i, rowid := range rowids {
			if err := t.tombstone(ctx, tx, rowid); err != nil {
				return err
			}
			lsn, err := t.appendLog(ctx, tx, OpDelete, rowid)
			if err != nil {
				return err
			}
			if i == 0 {
				firstLSN = lsn
			}
			lastLSN = lsn
		}
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	return firstLSN, lastLSN, nil
}

// Delete tombstones a live row. The row stays readable by recovery until a
// checkpoint covers the delete.
func (t *Table) Delete(ctx context.Context, rowid uint64) (lsn uint64, err error) {
	err = t.s.inTx(ctx, "delete", func(tx *sql.Tx) error {
		if err := t.tombstone(ctx, tx, rowid); err != nil {
			return err
		}
		lsn, err = t.appendLog(ctx, tx, OpDelete, rowid)
		return err
	})
	return lsn, err
}

// Replace tombstones old and stores a new row in one transaction. The log
// receives the delete first.
func (t *Table) Replace(ctx context.Context, old uint64, vec []float32, meta vector.Metadata) (rowid, firstLSN, lastLSN uint64, err error) {
	blob, metaJSON, err := t.encode(vec, meta)
	if err != nil {
		return 0, 0, 0, err
	}
	err = t.s.inTx(ctx, "replace", func(tx *sql.Tx) error {
		if err := t.tombstone(ctx, tx, old); err != nil {
			return err
		}
		if firstLSN, err = t.appendLog(ctx, tx, OpDelete, old); err != nil {
			return err
		}
		if rowid, err = t.insertRow(ctx, tx, blob, metaJSON); err != nil {
			return err
		}
		lastLSN, err = t.appendLog(ctx, tx, OpInsert, rowid)
		return err
	})
	return rowid, firstLSN, lastLSN, err
}

// Undo reverts the log entries from..to, which must be the newest ones.
func (t *Table) Undo(ctx context.Context, from, to uint64) error {
	return t.s.inTx(ctx, "undo", func(tx *sql.Tx) error {
		last, err := t.lastLSN(ctx, tx)
		if err != nil {
			return err
		}
		if last != to || from == 0 || from > to {
			return fmt.Errorf("undo %d..%d: log head is %d", from, to, last)
		}
		entries, err := collect(t.logEntries(ctx, tx, from-1))
		if err != nil {
			return err
		}
		for i := len(entries) - 1; i >= 0; i-- {
			e := entries[i]
			switch e.Op {
			case OpInsert:
				_, err = tx.ExecContext(ctx, `DELETE FROM `+t.rows+` WHERE rowid = ?`, e.RowID)
			case OpDelete:
				_, err = tx.ExecContext(ctx, `UPDATE `+t.rows+` SET tombstone = 0 WHERE rowid = ?`, e.RowID)
			}
			if err != nil {
				return err
			}
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+t.log+` WHERE lsn >= ?`, from); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `UPDATE ann_collections SET last_lsn = ? WHERE name = ?`, from-1, t.info.Name)
		return err
	})
}

// Get returns a live row.
func (t *Table) Get(ctx context.Context, rowid uint64) (vector.Row, error) {
	var (
		blob      []byte
		meta      string
		tombstone int
		crc       int64
	)
	err := t.s.db.QueryRowContext(ctx, `SELECT vector, metadata, tombstone, crc FROM `+t.rows+` WHERE rowid = ?`, rowid).Scan(&blob, &meta, &tombstone, &crc)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && tombstone != 0) {
		return vector.Row{}, fmt.Errorf("rowid %d in %q: %w", rowid, t.info.Name, vector.ErrNotFound)
	}
	if err != nil {
		return vector.Row{}, vector.WrapStore("get", err)
	}
	return t.decodeRow(rowid, blob, meta, crc)
}

// Rows fetches live rows by id; missing or deleted ids are absent from the map.
func (t *Table) Rows(ctx context.Context, ids []uint64) (map[uint64]vector.Row, error) {
	out := make(map[uint64]vector.Row, len(ids))
	for start := 0; start < len(ids); start += rowBatch {
		chunk := ids[start:min(start+rowBatch, len(ids))]
		args := make([]any, len(chunk))
		for i, id := range chunk {
			args[i] = int64(id)
		}
		query := `SELECT rowid, vector, metadata, crc FROM ` + t.rows + ` WHERE tombstone = 0 AND rowid IN (` + placeholders(len(chunk)) + `)`
		if err := t.scanRows(ctx, query, args, func(r vector.Row) bool {
			out[r.ID] = r
			return true
		}); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Scan lazily yields live rows in rowid order for which pred holds (all when
// pred is nil). Each range over the sequence starts a fresh query.
func (t *Table) Scan(ctx context.Context, pred func(vector.Row) bool) iter.Seq2[vector.Row, error] {
	return func(yield func(vector.Row, error) bool) {
		query := `SELECT rowid, vector, metadata, crc FROM ` + t.rows + ` WHERE tombstone = 0 ORDER BY rowid`
		stopped := false
		err := t.scanRows(ctx, query, nil, func(r vector.Row) bool {
			if pred != nil && !pred(r) {
				return true
			}
			if !yield(r, nil) {
				stopped = true
				return false
			}
			return true
		})
		if err != nil && !stopped {
			yield(vector.Row{}, err)
		}
	}
}

// Count returns the number of live rows matching where (all when empty).
func (t *Table) Count(ctx context.Context, where string, args ...any) (int, error) {
	var n int
	err := t.s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+t.rows+` WHERE tombstone = 0 AND (`+orTrue(where)+`)`, args...).Scan(&n)
	return n, vector.WrapStore("count", err)
}

// MatchingRowIDs collects the live rowids matching where.
func (t *Table) MatchingRowIDs(ctx context.Context, where string, args ...any) (*roaring64.Bitmap, error) {
	rows, err := t.s.db.QueryContext(ctx, `SELECT rowid FROM `+t.rows+` WHERE tombstone = 0 AND (`+orTrue(where)+`)`, args...)
	if err != nil {
		return nil, vector.WrapStore("match rowids", err)
	}
	defer rows.Close()
	bm := roaring64.New()
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, vector.WrapStore("match rowids", err)
		}
		bm.Add(uint64(id))
	}
	return bm, vector.WrapStore("match rowids", rows.Err())
}

// ExactSearch ranks the live rows matching where inside SQLite with the
// metric's scalar function and returns the k closest.
func (t *Table) ExactSearch(ctx context.Context, query []float32, k int, where string, args ...any) (vector.SearchResult, error) {
	blob, err := vector.EncodeVector(query, t.info.Dimension)
	if err != nil {
		return nil, err
	}
	dist, err := t.info.Metric.Func()
	if err != nil {
		return nil, err
	}
	fn, similarity := t.info.Metric.SQLFunction()
	order := "ASC"
	if similarity {
		order = "DESC"
	}
	sqlText := `SELECT rowid, vector, metadata, crc FROM ` + t.rows + ` WHERE tombstone = 0 AND (` + orTrue(where) + `)
ORDER BY ` + fn + `(vector, ?) ` + order + `, rowid LIMIT ?`
	bound := append(append([]any{}, args...), blob, k)
	result := make(vector.SearchResult, 0, k)
	err = t.scanRows(ctx, sqlText, bound, func(r vector.Row) bool {
		result = append(result, vector.Neighbor{ID: r.ID, Distance: dist(query, r.Vector)})
		return true
	})
	if err != nil {
		return nil, err
	}
	result.Sort()
	return result, nil
}

// LastLSN reads the current log head.
func (t *Table) LastLSN(ctx context.Context) (uint64, error) {
	lsn, err := t.lastLSN(ctx, t.s.db)
	return lsn, vector.WrapStore("last lsn", err)
}

func (t *Table) lastLSN(ctx context.Context, q queryer) (uint64, error) {
	var lsn int64
	if err := q.QueryRowContext(ctx, `SELECT last_lsn FROM ann_collections WHERE name = ?`, t.info.Name).Scan(&lsn); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("collection %q: %w", t.info.Name, vector.ErrNotFound)
		}
		return 0, err
	}
	return uint64(lsn), nil
}

func (t *Table) encode(vec []float32, meta vector.Metadata) ([]byte, string, error) {
	blob, err := vector.EncodeVector(vec, t.info.Dimension)
	if err != nil {
		return nil, "", err
	}
	metaJSON, err := vector.MarshalMetadata(meta)
	if err != nil {
		return nil, "", err
	}
	return blob, metaJSON, nil
}

func (t *Table) insertRow(ctx context.Context, tx *sql.Tx, blob []byte, meta string) (uint64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO `+t.rows+`(vector, metadata, tombstone, crc) VALUES(?, ?, 0, ?)`, blob, meta, rowChecksum(blob, meta))
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	return uint64(id), err
}

func (t *Table) tombstone(ctx context.Context, tx *sql.Tx, rowid uint64) error {
	res, err := tx.ExecContext(ctx, `UPDATE `+t.rows+` SET tombstone = 1 WHERE rowid = ? AND tombstone = 0`, rowid)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("rowid %d in %q: %w", rowid, t.info.Name, vector.ErrNotFound)
	}
	return nil
}

func (t *Table) scanRows(ctx context.Context, query string, args []any, fn func(vector.Row) bool) error {
	rows, err := t.s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return vector.WrapStore("scan", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			id   int64
			blob []byte
			meta string
			crc  int64
		)
		if err := rows.Scan(&id, &blob, &meta, &crc); err != nil {
			return vector.WrapStore("scan", err)
		}
		row, err := t.decodeRow(uint64(id), blob, meta, crc)
		if err != nil {
			return err
		}
		if !fn(row) {
			return nil
		}
	}
	return vector.WrapStore("scan", rows.Err())
}

func (t *Table) decodeRow(rowid uint64, blob []byte, meta string, crc int64) (vector.Row, error) {
	if uint32(crc) != rowChecksum(blob, meta) {
		return vector.Row{}, fmt.Errorf("%w: rowid %d in %q: checksum mismatch", vector.ErrCorruptPayload, rowid, t.info.Name)
	}
	vec, err := vector.DecodeVector(blob, t.info.Dimension)
	if err != nil {
		return vector.Row{}, err
	}
	m, err := vector.UnmarshalMetadata(meta)
	if err != nil {
		return vector.Row{}, err
	}
	return vector.Row{ID: rowid, Vector: vec, Metadata: m}, nil
}

func rowChecksum(blob []byte, meta string) uint32 {
	h := crc32.NewIEEE()
	h.Write(blob)
	h.Write([]byte(meta))
	return h.Sum32()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func orTrue(where string) string {
	if strings.TrimSpace(where) == "" {
		return "1=1"
	}
	return where
}
