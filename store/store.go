package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/viant/sqlite-ann/engine"
	"github.com/viant/sqlite-ann/index"
	"github.com/viant/sqlite-ann/vector"
)

// FormatVersion is the on-disk format written to the catalog and to every
// checkpoint. Collections persisted with another version are refused.
const FormatVersion = 1

var namePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

const catalogSchema = `
CREATE TABLE IF NOT EXISTS ann_collections (
    name           TEXT PRIMARY KEY,
    dimension      INTEGER NOT NULL,
    metric         TEXT NOT NULL,
    family         TEXT NOT NULL,
    params         TEXT NOT NULL DEFAULT '{}',
    format_version INTEGER NOT NULL,
    last_lsn       INTEGER NOT NULL DEFAULT 0,
    created_at     INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS ann_checkpoints (
    collection     TEXT PRIMARY KEY,
    lsn            INTEGER NOT NULL,
    format_version INTEGER NOT NULL,
    manifest       BLOB NOT NULL,
    image          BLOB NOT NULL,
    created_at     INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS ann_leases (
    name      TEXT PRIMARY KEY,
    owner     TEXT NOT NULL,
    locked_at INTEGER NOT NULL
);`

// CollectionInfo is the catalog record of a collection. Everything except
// LastLSN is fixed at creation.
type CollectionInfo struct {
	Name          string        `json:"name"`
	Dimension     int           `json:"dimension"`
	Metric        vector.Metric `json:"metric"`
	Family        index.Family  `json:"family"`
	Params        index.Params  `json:"params"`
	FormatVersion int           `json:"formatVersion"`
	LastLSN       uint64        `json:"lastLsn"`
	CreatedAt     time.Time     `json:"createdAt"`

	// Err is set when the record was read but a field could not be
	// decoded. Such a collection is listed and opens unavailable.
	Err error `json:"-"`
}

// Store is the durable side of every collection: a catalog plus, per
// collection, a rows table and a mutation log, and checkpoint images.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	codec  Codec
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger; the default discards.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithCodec selects the checkpoint compression.
func WithCodec(c Codec) Option { return func(s *Store) { s.codec = c } }

// New ensures the catalog schema on db. db should come from engine.Open so
// the vector SQL functions are available on its connections.
func New(ctx context.Context, db *sql.DB, opts ...Option) (*Store, error) {
	s := &Store{db: db, logger: slog.New(slog.DiscardHandler), codec: CodecZstd}
	for _, opt := range opts {
		opt(s)
	}
	if err := engine.RegisterVectorFunctions(db); err != nil {
		return nil, err
	}
	if _, err := db.ExecContext(ctx, catalogSchema); err != nil {
		return nil, vector.WrapStore("ensure schema", err)
	}
	return s, nil
}

// DB returns the underlying database.
func (s *Store) DB() *sql.DB { return s.db }

// ValidateName reports whether name can be used as a collection name.
func ValidateName(name string) error {
	if !namePattern.MatchString(name) {
		return vector.Invalidf("collection name %q must match %s", name, namePattern)
	}
	return nil
}

// CreateCollection records info in the catalog and creates its tables.
func (s *Store) CreateCollection(ctx context.Context, info CollectionInfo) (*Table, error) {
	if err := ValidateName(info.Name); err != nil {
		return nil, err
	}
	if info.Dimension <= 0 {
		return nil, vector.Invalidf("dimension must be positive, got %d", info.Dimension)
	}
	if _, err := info.Metric.Func(); err != nil {
		return nil, err
	}
	if _, err := index.ParseFamily(string(info.Family)); err != nil {
		return nil, err
	}
	if err := info.Params.Validate(); err != nil {
		return nil, err
	}
	params, err := json.Marshal(info.Params)
	if err != nil {
		return nil, vector.Invalidf("params: %v", err)
	}
	info.FormatVersion = FormatVersion
	info.LastLSN = 0
	info.CreatedAt = time.Now().UTC().Truncate(time.Second)

	t := newTable(s, info)
	err = s.inTx(ctx, "create collection", func(tx *sql.Tx) error {
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM ann_collections WHERE name = ?`, info.Name).Scan(&exists); err != nil {
			return err
		}
		if exists > 0 {
			return fmt.Errorf("collection %q: %w", info.Name, vector.ErrAlreadyExists)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO ann_collections(name, dimension, metric, family, params, format_version, last_lsn, created_at)
VALUES(?, ?, ?, ?, ?, ?, 0, ?)`, info.Name, info.Dimension, string(info.Metric), string(info.Family), string(params), info.FormatVersion, info.CreatedAt.Unix()); err != nil {
			return err
		}
		for _, ddl := range t.ddl() {
			if _, err := tx.ExecContext(ctx, ddl); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("collection created", "collection", info.Name, "dimension", info.Dimension, "metric", info.Metric, "family", info.Family)
	return t, nil
}

// Collection opens the catalog record of name.
func (s *Store) Collection(ctx context.Context, name string) (*Table, error) {
	info, err := s.collectionInfo(ctx, s.db, name)
	if err != nil {
		return nil, err
	}
	return newTable(s, info), nil
}

// Collections lists every catalog record ordered by name. Records with an
// unknown format version or undecodable params are listed; recovering them
// fails.
func (s *Store) Collections(ctx context.Context) ([]CollectionInfo, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, dimension, metric, family, params, format_version, last_lsn, created_at FROM ann_collections ORDER BY name`)
	if err != nil {
		return nil, vector.WrapStore("list collections", err)
	}
	defer rows.Close()
	var out []CollectionInfo
	for rows.Next() {
		info, err := scanInfo(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, vector.WrapStore("list collections", rows.Err())
}

// DropCollection removes name, its tables and its checkpoint.
func (s *Store) DropCollection(ctx context.Context, name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	t := newTable(s, CollectionInfo{Name: name})
	err := s.inTx(ctx, "drop collection", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM ann_collections WHERE name = ?`, name)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("collection %q: %w", name, vector.ErrNotFound)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM ann_checkpoints WHERE collection = ?`, name); err != nil {
			return err
		}
		for _, table := range []string{t.rows, t.log} {
			if _, err := tx.ExecContext(ctx, `DROP TABLE IF EXISTS `+table); err != nil {
				return err
			}
		}
		return nil
	})
	if err == nil {
		s.logger.Info("collection dropped", "collection", name)
	}
	return err
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) collectionInfo(ctx context.Context, q queryer, name string) (CollectionInfo, error) {
	if err := ValidateName(name); err != nil {
		return CollectionInfo{}, err
	}
	row := q.QueryRowContext(ctx, `SELECT name, dimension, metric, family, params, format_version, last_lsn, created_at FROM ann_collections WHERE name = ?`, name)
	info, err := scanInfo(row)
	if errors.Is(err, sql.ErrNoRows) {
		return CollectionInfo{}, fmt.Errorf("collection %q: %w", name, vector.ErrNotFound)
	}
	return info, err
}

type scanner interface{ Scan(dest ...any) error }

func scanInfo(r scanner) (CollectionInfo, error) {
	var (
		info            CollectionInfo
		metric, family  string
		params          string
		lastLSN, create int64
	)
	if err := r.Scan(&info.Name, &info.Dimension, &metric, &family, &params, &info.FormatVersion, &lastLSN, &create); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return info, err
		}
		return info, vector.WrapStore("read catalog", err)
	}
	info.Metric = vector.Metric(metric)
	info.Family = index.Family(family)
	info.LastLSN = uint64(lastLSN)
	info.CreatedAt = time.Unix(create, 0).UTC()
	if err := json.Unmarshal([]byte(params), &info.Params); err != nil {
		info.Params = index.Params{}
		info.Err = fmt.Errorf("%w: collection %q params: %v", vector.ErrCorruptPayload, info.Name, err)
	}
	return info, nil
}

// inTx runs fn in a write transaction and wraps failures as StoreError.
func (s *Store) inTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return vector.WrapStore(op, err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return vector.WrapStore(op, err)
	}
	return vector.WrapStore(op, tx.Commit())
}
