package vec

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"reflect"
	"slices"
	"sync"
	"testing"

	"github.com/viant/sqlite-ann/collection"
	"github.com/viant/sqlite-ann/engine"
	"github.com/viant/sqlite-ann/index"
	"github.com/viant/sqlite-ann/store"
	"github.com/viant/sqlite-ann/vector"
)

const testModule = "ann_test"

type mapBackend struct {
	collections map[string]*collection.Collection
}

func newBackend() *mapBackend {
	return &mapBackend{collections: map[string]*collection.Collection{}}
}

func (m *mapBackend) Collection(name string) (*collection.Collection, error) {
	c, ok := m.collections[name]
	if !ok {
		return nil, fmt.Errorf("collection %q: %w", name, vector.ErrNotFound)
	}
	return c, nil
}

type neighbour struct {
	id       int64
	distance float64
	metadata string
}

// The driver creates a module on one connection per process, so every test
// reads the database opened in TestMain.
var shared *sql.DB

func TestMain(m *testing.M) {
	os.Exit(runTests(m))
}

// runTests registers the module, opens the SQL connection right after it and
// fills collection "docs" with three 3-dimensional rows.
func runTests(m *testing.M) int {
	ctx := context.Background()
	dir, err := os.MkdirTemp("", "vec")
	if err != nil {
		fmt.Fprintf(os.Stderr, "MkdirTemp failed: %v\n", err)
		return 1
	}
	defer os.RemoveAll(dir)

	backend := newBackend()
	if err := Register(testModule, backend); err != nil {
		fmt.Fprintf(os.Stderr, "Register failed: %v\n", err)
		return 1
	}
	defer Unbind(testModule, backend)
	path := filepath.Join(dir, "vec.sqlite")
	sqlDB, err := engine.OpenDedicated(path, engine.DefaultOptions())
	if err != nil {
		fmt.Fprintf(os.Stderr, "OpenDedicated failed: %v\n", err)
		return 1
	}
	defer sqlDB.Close()
	db, err := engine.OpenFile(path, engine.DefaultOptions())
	if err != nil {
		fmt.Fprintf(os.Stderr, "OpenFile failed: %v\n", err)
		return 1
	}
	defer db.Close()
	s, err := store.New(ctx, db)
	if err != nil {
		fmt.Fprintf(os.Stderr, "store.New failed: %v\n", err)
		return 1
	}
	tbl, err := s.CreateCollection(ctx, store.CollectionInfo{Name: "docs", Dimension: 3, Metric: vector.MetricL2, Family: index.FamilyHNSW})
	if err != nil {
		fmt.Fprintf(os.Stderr, "CreateCollection failed: %v\n", err)
		return 1
	}
	c, err := collection.Open(ctx, tbl, collection.Options{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "collection.Open failed: %v\n", err)
		return 1
	}
	defer c.Close(ctx, false)
	backend.collections["docs"] = c
	for i, v := range [][]float32{{1, 0, 0}, {0, 1, 0}, {0.9, 0.1, 0}} {
		if _, err := c.Insert(ctx, v, vector.Metadata{"i": i, "tag": []string{"a", "b", "b"}[i]}); err != nil {
			fmt.Fprintf(os.Stderr, "Insert failed: %v\n", err)
			return 1
		}
	}
	if _, err := sqlDB.ExecContext(ctx, `CREATE VIRTUAL TABLE knn USING `+testModule+`(docs)`); err != nil {
		fmt.Fprintf(os.Stderr, "CREATE VIRTUAL TABLE failed: %v\n", err)
		return 1
	}
	shared = sqlDB
	return m.Run()
}

func setup(t *testing.T) *sql.DB {
	t.Helper()
	if shared == nil {
		t.Fatalf("shared database is not open")
	}
	return shared
}

func query(t *testing.T, db *sql.DB, q string, args ...any) []neighbour {
	t.Helper()
	rows, err := db.QueryContext(context.Background(), q, args...)
	if err != nil {
		t.Fatalf("query %q failed: %v", q, err)
	}
	defer rows.Close()
	var out []neighbour
	for rows.Next() {
		var n neighbour
		if err := rows.Scan(&n.id, &n.distance, &n.metadata); err != nil {
			t.Fatalf("scan failed: %v", err)
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		t.Fatalf("rows failed: %v", err)
	}
	return out
}

func ids(ns []neighbour) []int64 {
	out := make([]int64, len(ns))
	for i, n := range ns {
		out[i] = n.id
	}
	return out
}

func expectIDs(t *testing.T, got []neighbour, want ...int64) {
	t.Helper()
	if !slices.Equal(ids(got), want) {
		t.Fatalf("ids = %v, want %v", ids(got), want)
	}
}

func TestAnn_MatchBlob(t *testing.T) {
	db := setup(t)
	blob, err := vector.EncodeEmbedding([]float32{1, 0, 0})
	if err != nil {
		t.Fatalf("EncodeEmbedding failed: %v", err)
	}

	got := query(t, db, `SELECT rowid, distance, metadata FROM knn WHERE query MATCH ? AND k = 2`, blob)
	expectIDs(t, got, 1, 3)
	if got[0].distance != 0 {
		t.Errorf("distance[0] = %v, want 0", got[0].distance)
	}
	if math.Abs(got[1].distance-0.1414) > 1e-3 {
		t.Errorf("distance[1] = %v, want ~0.1414", got[1].distance)
	}
	var meta map[string]any
	if err := json.Unmarshal([]byte(got[0].metadata), &meta); err != nil {
		t.Fatalf("metadata %q: %v", got[0].metadata, err)
	}
	if want := map[string]any{"i": float64(0), "tag": "a"}; !reflect.DeepEqual(meta, want) {
		t.Errorf("metadata = %v, want %v", meta, want)
	}
}

func TestAnn_QueryForms(t *testing.T) {
	db := setup(t)
	for name, q := range map[string]string{
		"json": `[0, 1, 0]`,
		"csv":  `0, 1, 0`,
	} {
		t.Run(name, func(t *testing.T) {
			got := query(t, db, `SELECT id, distance, metadata FROM knn WHERE query MATCH ? AND k = 1 AND quality = 32`, q)
			expectIDs(t, got, 2)
		})
	}

	got := query(t, db, `SELECT id, distance, metadata FROM knn WHERE query MATCH '[1,0,0]' ORDER BY distance LIMIT 2`)
	expectIDs(t, got, 1, 3)

	got = query(t, db, `SELECT id, distance, metadata FROM knn WHERE query MATCH '[1,0,0]'`)
	if len(got) != 3 {
		t.Fatalf("default k returned %d rows, want 3", len(got))
	}
}

func TestAnn_Filter(t *testing.T) {
	db := setup(t)
	got := query(t, db, `SELECT rowid, distance, metadata FROM knn WHERE query MATCH '[1,0,0]' AND k = 1 AND filter = '.tag == "b"'`)
	expectIDs(t, got, 3)

	got = query(t, db, `SELECT rowid, distance, metadata FROM knn WHERE query MATCH '[1,0,0]' AND k = 3 AND filter = '.i > 5'`)
	if len(got) != 0 {
		t.Fatalf("expected no rows, got %v", ids(got))
	}
}

func TestAnn_Errors(t *testing.T) {
	db := setup(t)
	ctx := context.Background()
	for name, q := range map[string]string{
		"no match":  `SELECT rowid FROM knn`,
		"dimension": `SELECT rowid FROM knn WHERE query MATCH '[1,0]'`,
		"k":         `SELECT rowid FROM knn WHERE query MATCH '[1,0,0]' AND k = 0`,
		"jq":        `SELECT rowid FROM knn WHERE query MATCH '[1,0,0]' AND filter = '.a |||'`,
		"garbage":   `SELECT rowid FROM knn WHERE query MATCH 'not a vector'`,
	} {
		t.Run(name, func(t *testing.T) {
			rows, err := db.QueryContext(ctx, q)
			if err == nil {
				for rows.Next() {
				}
				err = rows.Err()
				_ = rows.Close()
			}
			if err == nil {
				t.Fatalf("%s: expected error", q)
			}
		})
	}
	if _, err := db.ExecContext(ctx, `CREATE VIRTUAL TABLE missing USING `+testModule+`(nope)`); err == nil {
		t.Fatalf("CREATE VIRTUAL TABLE over a missing collection: expected error")
	}
}

func TestAnn_RepeatedAndConcurrentQueries(t *testing.T) {
	db := setup(t)
	for i := 0; i < 5; i++ {
		got := query(t, db, `SELECT id, distance, metadata FROM knn WHERE query MATCH '[1,0,0]' AND k = 2`)
		expectIDs(t, got, 1, 3)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var n int
			errs <- db.QueryRowContext(context.Background(), `SELECT count(*) FROM knn WHERE query MATCH '[0,1,0]' AND k = 3`).Scan(&n)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("concurrent query failed: %v", err)
		}
	}
	if n := db.Stats().OpenConnections; n != 1 {
		t.Fatalf("open connections = %d, want 1", n)
	}
}

func TestRegister(t *testing.T) {
	a, b := newBackend(), newBackend()
	if err := Register("ann_register", a); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := Register("ann_register", a); err != nil {
		t.Fatalf("Register with the same backend failed: %v", err)
	}
	if err := Register("ann_register", b); !errors.Is(err, vector.ErrAlreadyExists) {
		t.Fatalf("Register with another backend: got %v", err)
	}
	Unbind("ann_register", b)
	if err := Register("ann_register", b); !errors.Is(err, vector.ErrAlreadyExists) {
		t.Fatalf("Unbind of a foreign backend released the name: %v", err)
	}
	Unbind("ann_register", a)
	if err := Register("ann_register", b); err != nil {
		t.Fatalf("Register after Unbind failed: %v", err)
	}
	Unbind("ann_register", b)
	if err := Register("ann_register", nil); !errors.Is(err, vector.ErrInvalidRequest) {
		t.Fatalf("Register(nil): got %v", err)
	}
}

func TestDecodeQuery(t *testing.T) {
	blob, err := vector.EncodeEmbedding([]float32{1.5, -2})
	if err != nil {
		t.Fatalf("EncodeEmbedding failed: %v", err)
	}
	for name, v := range map[string]any{
		"blob": blob,
		"json": "[1.5, -2]",
		"csv":  " 1.5 ,-2 ",
	} {
		got, err := decodeQuery(v)
		if err != nil {
			t.Fatalf("%s: decodeQuery failed: %v", name, err)
		}
		if !slices.Equal(got, []float32{1.5, -2}) {
			t.Errorf("%s: got %v", name, got)
		}
	}
	for _, tc := range []struct {
		in   any
		want error
	}{
		{nil, vector.ErrInvalidRequest},
		{int64(3), vector.ErrInvalidRequest},
		{[]byte{1, 2, 3}, vector.ErrCorruptPayload},
	} {
		if _, err := decodeQuery(tc.in); !errors.Is(err, tc.want) {
			t.Errorf("decodeQuery(%v): got %v, want %v", tc.in, err, tc.want)
		}
	}
}
