package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"iter"
)

// Op is a mutation log operation.
type Op uint8

const (
	OpInsert Op = 1
	OpDelete Op = 2
)

func (o Op) String() string {
	switch o {
	case OpInsert:
		return "insert"
	case OpDelete:
		return "delete"
	}
	return fmt.Sprintf("op(%d)", uint8(o))
}

// LogEntry is one durable mutation joined with its row, so replay has the
// vector at hand. HasRow is false when the row is missing.
type LogEntry struct {
	LSN      uint64
	Op       Op
	RowID    uint64
	Checksum uint32

	Vector   []byte
	Metadata string
	RowCRC   uint32
	HasRow   bool
}

// Valid reports whether the entry checksum matches its content.
func (e LogEntry) Valid() bool {
	return e.Checksum == logChecksum(e.LSN, e.Op, e.RowID)
}

func logChecksum(lsn uint64, op Op, rowid uint64) uint32 {
	var buf [17]byte
	binary.LittleEndian.PutUint64(buf[0:], lsn)
	buf[8] = byte(op)
	binary.LittleEndian.PutUint64(buf[9:], rowid)
	return crc32.ChecksumIEEE(buf[:])
}

type rowsQueryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// appendLog advances the collection log head and records the entry.
func (t *Table) appendLog(ctx context.Context, tx *sql.Tx, op Op, rowid uint64) (uint64, error) {
	var lsn int64
	if err := tx.QueryRowContext(ctx, `UPDATE ann_collections SET last_lsn = last_lsn + 1 WHERE name = ? RETURNING last_lsn`, t.info.Name).Scan(&lsn); err != nil {
		return 0, fmt.Errorf("advance log of %q: %w", t.info.Name, err)
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO `+t.log+`(lsn, op, rowid, crc) VALUES(?, ?, ?, ?)`, lsn, uint8(op), rowid, logChecksum(uint64(lsn), op, rowid))
	return uint64(lsn), err
}

// Log yields the entries after lsn in order.
func (t *Table) Log(ctx context.Context, after uint64) iter.Seq2[LogEntry, error] {
	return t.logEntries(ctx, t.s.db, after)
}

func (t *Table) logEntries(ctx context.Context, q rowsQueryer, after uint64) iter.Seq2[LogEntry, error] {
	return func(yield func(LogEntry, error) bool) {
		rows, err := q.QueryContext(ctx, `SELECT l.lsn, l.op, l.rowid, l.crc, r.vector, r.metadata, r.crc
FROM `+t.log+` l LEFT JOIN `+t.rows+` r ON r.rowid = l.rowid
WHERE l.lsn > ? ORDER BY l.lsn`, after)
		if err != nil {
			yield(LogEntry{}, err)
			return
		}
		defer rows.Close()
		for rows.Next() {
			var (
				e               LogEntry
				lsn, rowid, crc int64
				op              int64
				blob            []byte
				meta            sql.NullString
				rowCRC          sql.NullInt64
			)
			if err := rows.Scan(&lsn, &op, &rowid, &crc, &blob, &meta, &rowCRC); err != nil {
				yield(LogEntry{}, err)
				return
			}
			e.LSN, e.Op, e.RowID, e.Checksum = uint64(lsn), Op(op), uint64(rowid), uint32(crc)
			if rowCRC.Valid {
				e.HasRow = true
				e.Vector, e.Metadata, e.RowCRC = blob, meta.String, uint32(rowCRC.Int64)
			}
			if !yield(e, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(LogEntry{}, err)
		}
	}
}

func collect[T any](seq iter.Seq2[T, error]) ([]T, error) {
	var out []T
	for v, err := range seq {
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}
