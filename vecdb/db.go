package vecdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/viant/sqlite-ann/collection"
	"github.com/viant/sqlite-ann/engine"
	"github.com/viant/sqlite-ann/index"
	"github.com/viant/sqlite-ann/internal/logging"
	"github.com/viant/sqlite-ann/internal/maintenance"
	"github.com/viant/sqlite-ann/planner"
	"github.com/viant/sqlite-ann/store"
	"github.com/viant/sqlite-ann/vec"
	"github.com/viant/sqlite-ann/vecadmin"
	"github.com/viant/sqlite-ann/vector"
)

const leaseName = "writer"

// DB is an open vector database: the SQLite file, its catalog and one
// recovered collection per catalog record.
type DB struct {
	cfg    Config
	db     *sql.DB
	sqlDB  *sql.DB
	store  *store.Store
	sched  *maintenance.Scheduler
	logger *slog.Logger

	lease     *store.Lease
	stopLease context.CancelFunc
	leaseDone chan struct{}

	mu          sync.RWMutex
	collections map[string]*collection.Collection
	closed      bool
}

// Option configures Open.
type Option func(*options)

type options struct {
	logger    *slog.Logger
	logWriter io.Writer
}

// WithLogger replaces the logger built from Config.Log.
func WithLogger(l *slog.Logger) Option { return func(o *options) { o.logger = l } }

// WithLogWriter directs the configured logger to w instead of stderr.
func WithLogWriter(w io.Writer) Option { return func(o *options) { o.logWriter = w } }

// Open opens the database described by cfg and recovers every collection.
// A collection whose recovery fails is opened unavailable; Open itself only
// fails on errors affecting the whole database.
func Open(ctx context.Context, cfg Config, opts ...Option) (*DB, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	logger := o.logger
	if logger == nil {
		var err error
		if logger, err = logging.New(cfg.Log, o.logWriter); err != nil {
			return nil, err
		}
	}
	codec, err := store.ParseCodec(cfg.Checkpoint.Codec)
	if err != nil {
		return nil, err
	}
	d := &DB{cfg: cfg, logger: logger, collections: map[string]*collection.Collection{}}

	if !cfg.SQL.Disabled {
		if err := d.openSQL(); err != nil {
			return nil, err
		}
	}
	fail := func(err error) (*DB, error) {
		_ = d.closeSQL()
		if d.db != nil {
			_ = d.db.Close()
		}
		return nil, err
	}
	if d.db, err = engine.OpenFile(cfg.Storage.Path, cfg.engineOptions()); err != nil {
		return fail(vector.WrapStore("open database", err))
	}
	if d.store, err = store.New(ctx, d.db, store.WithLogger(logger), store.WithCodec(codec)); err != nil {
		return fail(err)
	}
	if cfg.Lease.Enabled {
		if err := d.acquireLease(ctx); err != nil {
			return fail(err)
		}
	}
	d.sched = maintenance.New(maintenance.Config{Workers: cfg.Maintenance.Workers, Rate: cfg.Maintenance.Rate}, logger)
	if err := d.recover(ctx); err != nil {
		_ = d.Close(ctx)
		return nil, err
	}
	logger.Info("database opened", "path", cfg.Storage.Path, "collections", len(d.collections))
	return d, nil
}

// installed maps module names already created on a connection in this
// process to the database that received them. modernc.org/sqlite creates a
// Go virtual table module on the first connection opened after its
// registration and on no later one.
var installed = struct {
	sync.Mutex
	names map[string]string
}{names: map[string]string{}}

// openSQL binds the modules to d and opens the single connection that
// carries them.
func (d *DB) openSQL() error {
	mod, admin := d.cfg.SQL.Module, d.cfg.SQL.AdminModule
	installed.Lock()
	defer installed.Unlock()
	for _, name := range []string{mod, admin} {
		if path, ok := installed.names[name]; ok {
			return fmt.Errorf("vecdb: SQL module %q was created on a connection to %s earlier in this process and cannot serve another: %w",
				name, path, vector.ErrUnavailable)
		}
	}
	if err := vec.Register(mod, d); err != nil {
		return err
	}
	if err := vecadmin.Register(admin, d); err != nil {
		vec.Unbind(mod, d)
		return err
	}
	db, err := engine.OpenDedicated(d.cfg.Storage.Path, d.cfg.engineOptions())
	if err != nil {
		vec.Unbind(mod, d)
		vecadmin.Unbind(admin, d)
		return vector.WrapStore("open sql connection", err)
	}
	installed.names[mod] = d.cfg.Storage.Path
	installed.names[admin] = d.cfg.Storage.Path
	d.sqlDB = db
	return nil
}

func (d *DB) closeSQL() error {
	if d.sqlDB == nil {
		return nil
	}
	vec.Unbind(d.cfg.SQL.Module, d)
	vecadmin.Unbind(d.cfg.SQL.AdminModule, d)
	return d.sqlDB.Close()
}

// recover opens every catalogued collection, in parallel.
func (d *DB) recover(ctx context.Context) error {
	infos, err := d.store.Collections(ctx)
	if err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	var mu sync.Mutex
	for _, info := range infos {
		g.Go(func() error {
			started := time.Now()
			tbl, err := d.store.Collection(gctx, info.Name)
			if err != nil {
				return err
			}
			c, err := collection.Open(gctx, tbl, d.collectionOptions())
			if err != nil {
				return fmt.Errorf("collection %q: %w", info.Name, err)
			}
			st := c.Stats()
			d.logger.Info("collection recovered", "collection", info.Name, "live", st.Live,
				"lsn", st.LastLSN, "available", st.Available, "elapsed", time.Since(started))
			mu.Lock()
			d.collections[info.Name] = c
			mu.Unlock()
			return nil
		})
	}
	return g.Wait()
}

func (d *DB) acquireLease(ctx context.Context) error {
	wait := d.cfg.Lease.Wait
	if wait <= 0 {
		wait = 5 * time.Second
	}
	stale := d.cfg.Lease.Stale
	if stale <= 0 {
		stale = 30 * time.Second
	}
	actx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	lease, err := d.store.AcquireLease(actx, leaseName, stale)
	if err != nil {
		return err
	}
	d.lease = lease
	rctx, stop := context.WithCancel(context.Background())
	d.stopLease, d.leaseDone = stop, make(chan struct{})
	go func() {
		defer close(d.leaseDone)
		ticker := time.NewTicker(stale / 3)
		defer ticker.Stop()
		for {
			select {
			case <-rctx.Done():
				return
			case <-ticker.C:
				if err := lease.Refresh(rctx); err != nil && rctx.Err() == nil {
					d.logger.Error("lease refresh failed", "owner", lease.Owner(), "error", err)
				}
			}
		}
	}()
	d.logger.Debug("lease acquired", "owner", lease.Owner())
	return nil
}

func (d *DB) collectionOptions() collection.Options {
	return collection.Options{
		Planner:         d.cfg.Planner,
		CheckpointEvery: d.cfg.Maintenance.CheckpointEvery,
		CompactRatio:    d.cfg.Maintenance.CompactRatio,
		CompactBatch:    d.cfg.Maintenance.CompactBatch,
		Maintenance:     d.sched,
		Logger:          d.logger,
	}
}

// CollectionOption overrides the configured defaults of a new collection.
type CollectionOption func(*store.CollectionInfo)

// WithFamily selects the index family.
func WithFamily(f index.Family) CollectionOption {
	return func(info *store.CollectionInfo) { info.Family = f }
}

// WithParams sets the index parameters.
func WithParams(p index.Params) CollectionOption {
	return func(info *store.CollectionInfo) { info.Params = p }
}

// WithMaxElements bounds the index size; 0 leaves it unbounded.
func WithMaxElements(n int) CollectionOption {
	return func(info *store.CollectionInfo) { info.Params.MaxElements = n }
}

// CreateCollection creates an empty collection of dimension dim. An empty
// metric selects the configured default.
func (d *DB) CreateCollection(ctx context.Context, name string, dim int, metric vector.Metric, opts ...CollectionOption) (*collection.Collection, error) {
	if metric == "" {
		metric = vector.Metric(d.cfg.Index.Metric)
	}
	metric, err := vector.ParseMetric(string(metric))
	if err != nil {
		return nil, err
	}
	family, _ := index.ParseFamily(d.cfg.Index.Family)
	info := store.CollectionInfo{Name: name, Dimension: dim, Metric: metric, Family: family, Params: d.cfg.Index.Params}
	for _, opt := range opts {
		opt(&info)
	}
	if info.Family, err = index.ParseFamily(string(info.Family)); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, vector.ErrClosed
	}
	tbl, err := d.store.CreateCollection(ctx, info)
	if err != nil {
		return nil, err
	}
	c, err := collection.Open(ctx, tbl, d.collectionOptions())
	if err != nil {
		return nil, err
	}
	d.collections[name] = c
	return c, nil
}

// Collection returns an open collection.
func (d *DB) Collection(name string) (*collection.Collection, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return nil, vector.ErrClosed
	}
	c, ok := d.collections[name]
	if !ok {
		return nil, fmt.Errorf("collection %q: %w", name, vector.ErrNotFound)
	}
	return c, nil
}

// Collections returns the names of all collections, sorted.
func (d *DB) Collections() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.collections))
	for name := range d.collections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DropCollection stops the collection and removes its rows, log and
// checkpoint.
func (d *DB) DropCollection(ctx context.Context, name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return vector.ErrClosed
	}
	c, ok := d.collections[name]
	if !ok {
		return fmt.Errorf("collection %q: %w", name, vector.ErrNotFound)
	}
	if err := c.Close(ctx, false); err != nil {
		return err
	}
	delete(d.collections, name)
	return d.store.DropCollection(ctx, name)
}

// Insert stores vec with meta in collection name and returns its rowid.
func (d *DB) Insert(ctx context.Context, name string, vec []float32, meta vector.Metadata) (uint64, error) {
	c, err := d.Collection(name)
	if err != nil {
		return 0, err
	}
	return c.Insert(ctx, vec, meta)
}

// InsertBatch stores vecs with metas in collection name in one transaction
// and returns their rowids.
func (d *DB) InsertBatch(ctx context.Context, name string, vecs [][]float32, metas []vector.Metadata) ([]uint64, error) {
	c, err := d.Collection(name)
	if err != nil {
		return nil, err
	}
	return c.InsertBatch(ctx, vecs, metas)
}

// DeleteBatch removes rowids from collection name in one transaction.
func (d *DB) DeleteBatch(ctx context.Context, name string, rowids []uint64) error {
	c, err := d.Collection(name)
	if err != nil {
		return err
	}
	return c.DeleteBatch(ctx, rowids)
}

// Update replaces rowid and returns the rowid of the replacement.
func (d *DB) Update(ctx context.Context, name string, rowid uint64, vec []float32, meta vector.Metadata) (uint64, error) {
	c, err := d.Collection(name)
	if err != nil {
		return 0, err
	}
	return c.Update(ctx, rowid, vec, meta)
}

// Delete removes rowid from collection name.
func (d *DB) Delete(ctx context.Context, name string, rowid uint64) error {
	c, err := d.Collection(name)
	if err != nil {
		return err
	}
	return c.Delete(ctx, rowid)
}

// Get returns a live row.
func (d *DB) Get(ctx context.Context, name string, rowid uint64) (vector.Row, error) {
	c, err := d.Collection(name)
	if err != nil {
		return vector.Row{}, err
	}
	return c.Get(ctx, rowid)
}

// Rows returns the live rows among ids.
func (d *DB) Rows(ctx context.Context, name string, ids []uint64) (map[uint64]vector.Row, error) {
	c, err := d.Collection(name)
	if err != nil {
		return nil, err
	}
	return c.Rows(ctx, ids)
}

// Search runs a k-nearest-neighbour request against collection name.
func (d *DB) Search(ctx context.Context, name string, req planner.Request) (planner.Result, error) {
	c, err := d.Collection(name)
	if err != nil {
		return planner.Result{}, err
	}
	return c.Search(ctx, req)
}

// Checkpoint persists the index of collection name.
func (d *DB) Checkpoint(ctx context.Context, name string) (store.Manifest, error) {
	c, err := d.Collection(name)
	if err != nil {
		return store.Manifest{}, err
	}
	return c.Checkpoint(ctx)
}

// Compact removes deleted entries from the index of collection name.
func (d *DB) Compact(ctx context.Context, name string) (int, error) {
	c, err := d.Collection(name)
	if err != nil {
		return 0, err
	}
	return c.Compact(ctx)
}

// Repair rebuilds the index of collection name from its rows.
func (d *DB) Repair(ctx context.Context, name string) (int, error) {
	c, err := d.Collection(name)
	if err != nil {
		return 0, err
	}
	return c.Repair(ctx)
}

// Stats returns the counters of collection name.
func (d *DB) Stats(name string) (collection.Stats, error) {
	c, err := d.Collection(name)
	if err != nil {
		return collection.Stats{}, err
	}
	return c.Stats(), nil
}

// SQL returns the handle for application SQL. Its connections carry the
// vec_l2 and vec_cosine functions. Unless SQL is disabled it is a single
// connection that also carries the configured virtual table modules, so
// statements on it run one at a time.
func (d *DB) SQL() *sql.DB {
	if d.sqlDB != nil {
		return d.sqlDB
	}
	return d.db
}

// Close stops background work, checkpoints collections with unsaved
// mutations, releases the lease and closes the database.
func (d *DB) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	collections := d.collections
	d.mu.Unlock()

	if d.sched != nil {
		d.sched.Close()
	}
	var errs []error
	for name, c := range collections {
		if err := c.Close(ctx, true); err != nil {
			errs = append(errs, fmt.Errorf("collection %q: %w", name, err))
		}
	}
	if d.lease != nil {
		d.stopLease()
		<-d.leaseDone
		if err := d.lease.Release(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := d.closeSQL(); err != nil {
		errs = append(errs, vector.WrapStore("close sql connection", err))
	}
	if err := d.db.Close(); err != nil {
		errs = append(errs, vector.WrapStore("close database", err))
	}
	d.logger.Info("database closed", "path", d.cfg.Storage.Path)
	return errors.Join(errs...)
}
