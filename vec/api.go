package vec

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"

	"modernc.org/sqlite/vtab"

	"github.com/viant/sqlite-ann/collection"
	"github.com/viant/sqlite-ann/planner"
	"github.com/viant/sqlite-ann/vector"
)

// DefaultModule is the module name used when Register is given none.
const DefaultModule = "ann"

// DefaultK is the neighbour count of a query without k or LIMIT.
const DefaultK = 10

// Backend resolves the collections a virtual table reads from.
type Backend interface {
	Collection(name string) (*collection.Collection, error)
}

// Column positions of the declared schema.
const (
	colID = iota
	colDistance
	colMetadata
	colQuery
	colK
	colQuality
	colFilter
)

const schema = `CREATE TABLE x(id INTEGER, distance REAL, metadata TEXT, query HIDDEN, k HIDDEN, quality HIDDEN, filter HIDDEN)`

// idxNum bits describing which arguments Filter receives, in this order.
const (
	argQuery = 1 << iota
	argK
	argQuality
	argFilter
	argLimit
)

var errQueryRequired = errors.New("ann: a query MATCH constraint is required")

var bindings = struct {
	sync.RWMutex
	byModule map[string]Backend
}{byModule: map[string]Backend{}}

// Register binds backend to the module name and registers the module with
// the driver. The driver creates the module only on the first connection
// opened afterwards, so run vtab SQL on that connection (engine.OpenDedicated).
// A name serves one backend until Unbind.
func Register(name string, backend Backend) error {
	if name == "" {
		name = DefaultModule
	}
	if backend == nil {
		return vector.Invalidf("ann: nil backend for module %q", name)
	}
	bindings.Lock()
	if bound, ok := bindings.byModule[name]; ok && bound != backend {
		bindings.Unlock()
		return fmt.Errorf("ann: module %q is bound to another open database: %w", name, vector.ErrAlreadyExists)
	}
	bindings.byModule[name] = backend
	bindings.Unlock()
	if err := vtab.RegisterModule(nil, name, &Module{name: name}); err != nil {
		if !strings.Contains(err.Error(), "already registered") {
			return err
		}
	}
	return nil
}

// Unbind detaches backend from name if it is still the bound one.
func Unbind(name string, backend Backend) {
	if name == "" {
		name = DefaultModule
	}
	bindings.Lock()
	if bindings.byModule[name] == backend {
		delete(bindings.byModule, name)
	}
	bindings.Unlock()
}

func backendOf(module string) (Backend, error) {
	bindings.RLock()
	defer bindings.RUnlock()
	b, ok := bindings.byModule[module]
	if !ok {
		return nil, fmt.Errorf("ann: module %q is not bound to an open database: %w", module, vector.ErrClosed)
	}
	return b, nil
}

// Module implements vtab.Module. USING <module>(<collection>) exposes one
// collection for k-nearest-neighbour queries.
type Module struct {
	name string
}

// Table is a virtual table over one collection.
type Table struct {
	module     string
	tableName  string
	collection string
}

// Create validates that the collection exists and declares the schema.
func (m *Module) Create(ctx vtab.Context, args []string) (vtab.Table, error) {
	t, err := m.connect(ctx, args)
	if err != nil {
		return nil, err
	}
	if _, err := t.resolve(); err != nil {
		return nil, err
	}
	return t, nil
}

// Connect attaches to an existing table; the collection is resolved per query.
func (m *Module) Connect(ctx vtab.Context, args []string) (vtab.Table, error) {
	return m.connect(ctx, args)
}

func (m *Module) connect(ctx vtab.Context, args []string) (*Table, error) {
	if len(args) != 4 {
		return nil, vector.Invalidf("ann: USING %s(<collection>) expects one argument, got %d", m.name, len(args)-3)
	}
	name := unquote(args[3])
	if name == "" {
		return nil, vector.Invalidf("ann: collection name is empty")
	}
	if err := ctx.Declare(schema); err != nil {
		return nil, err
	}
	return &Table{module: m.name, tableName: args[2], collection: name}, nil
}

func (t *Table) resolve() (*collection.Collection, error) {
	b, err := backendOf(t.module)
	if err != nil {
		return nil, err
	}
	return b.Collection(t.collection)
}

// BestIndex consumes the query MATCH and the k, quality and filter
// equalities. A plan without MATCH is priced out and fails in Filter.
func (t *Table) BestIndex(info *vtab.IndexInfo) error {
	slots := map[int]int{}
	offset := false
	for i, c := range info.Constraints {
		if !c.Usable {
			continue
		}
		switch {
		case c.Column == colQuery && (c.Op == vtab.OpMATCH || c.Op == vtab.OpEQ):
			slots[argQuery] = i
		case c.Column == colK && c.Op == vtab.OpEQ:
			slots[argK] = i
		case c.Column == colQuality && c.Op == vtab.OpEQ:
			slots[argQuality] = i
		case c.Column == colFilter && c.Op == vtab.OpEQ:
			slots[argFilter] = i
		case c.Op == vtab.OpLIMIT:
			slots[argLimit] = i
		case c.Op == vtab.OpOFFSET:
			offset = true
		}
	}
	if _, ok := slots[argQuery]; !ok {
		info.IdxNum = 0
		info.EstimatedCost = math.MaxFloat64 / 2
		info.EstimatedRows = math.MaxInt32
		return nil
	}
	if len(info.OrderBy) == 1 && info.OrderBy[0].Column == colDistance && !info.OrderBy[0].Desc {
		info.OrderByConsumed = true
	}
	if offset || (!info.OrderByConsumed && len(info.OrderBy) > 0) {
		delete(slots, argLimit)
	}
	next := 0
	for bit := argQuery; bit <= argLimit; bit <<= 1 {
		i, ok := slots[bit]
		if !ok {
			continue
		}
		info.IdxNum |= int64(bit)
		info.Constraints[i].ArgIndex = next
		info.Constraints[i].Omit = bit != argLimit
		next++
	}
	info.EstimatedCost = 10
	info.EstimatedRows = DefaultK
	return nil
}

// Open allocates a cursor.
func (t *Table) Open() (vtab.Cursor, error) { return &Cursor{table: t}, nil }

// Disconnect is a no-op; collections outlive table connections.
func (t *Table) Disconnect() error { return nil }

// Destroy leaves the collection in place; DROP TABLE only removes the view.
func (t *Table) Destroy() error { return nil }

type resultRow struct {
	id       uint64
	distance float32
	metadata string
}

// Cursor iterates the neighbours of one query.
type Cursor struct {
	table *Table
	rows  []resultRow
	pos   int
}

// Filter runs the search described by idxNum and vals.
func (c *Cursor) Filter(idxNum int, _ string, vals []vtab.Value) error {
	c.rows, c.pos = nil, 0
	if idxNum&argQuery == 0 {
		return errQueryRequired
	}
	coll, err := c.table.resolve()
	if err != nil {
		return err
	}
	req, err := parseRequest(idxNum, vals)
	if err != nil {
		return err
	}
	ctx := context.Background()
	res, err := coll.Search(ctx, req)
	if err != nil {
		return err
	}
	rows, err := coll.Rows(ctx, res.Neighbors.IDs())
	if err != nil {
		return err
	}
	c.rows = make([]resultRow, 0, len(res.Neighbors))
	for _, n := range res.Neighbors {
		row, ok := rows[n.ID]
		if !ok {
			// deleted after the search
			continue
		}
		meta, err := vector.MarshalMetadata(row.Metadata)
		if err != nil {
			return err
		}
		c.rows = append(c.rows, resultRow{id: n.ID, distance: n.Distance, metadata: meta})
	}
	return nil
}

func parseRequest(idxNum int, vals []vtab.Value) (planner.Request, error) {
	req := planner.Request{K: DefaultK}
	next := 0
	arg := func() vtab.Value {
		if next >= len(vals) {
			return nil
		}
		v := vals[next]
		next++
		return v
	}
	var err error
	if req.Vector, err = decodeQuery(arg()); err != nil {
		return req, err
	}
	if idxNum&argK != 0 {
		if req.K, err = asInt("k", arg()); err != nil {
			return req, err
		}
	}
	if idxNum&argQuality != 0 {
		if req.Quality, err = asInt("quality", arg()); err != nil {
			return req, err
		}
	}
	if idxNum&argFilter != 0 {
		expr, ok := arg().(string)
		if !ok {
			return req, vector.Invalidf("ann: filter must be a jq expression string")
		}
		if strings.TrimSpace(expr) != "" {
			if req.Filter, err = planner.NewJQ(expr); err != nil {
				return req, err
			}
		}
	}
	if idxNum&argLimit != 0 && idxNum&argK == 0 {
		limit, err := asInt("limit", arg())
		if err != nil {
			return req, err
		}
		if limit > 0 && limit <= planner.MaxK {
			req.K = limit
		}
	}
	return req, nil
}

// decodeQuery accepts a little-endian float32 BLOB, a JSON array, a
// comma-separated list or a base64 encoded BLOB.
func decodeQuery(v vtab.Value) ([]float32, error) {
	switch val := v.(type) {
	case []byte:
		return vector.DecodeEmbedding(val)
	case string:
		return decodeQueryString(val)
	case nil:
		return nil, vector.Invalidf("ann: query is NULL")
	}
	return nil, vector.Invalidf("ann: query must be a BLOB or string, got %T", v)
}

func decodeQueryString(raw string) ([]float32, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil, vector.Invalidf("ann: query string is empty")
	}
	if strings.HasPrefix(s, "[") {
		var floats []float32
		if err := json.Unmarshal([]byte(s), &floats); err != nil {
			return nil, vector.Invalidf("ann: query JSON: %v", err)
		}
		return floats, nil
	}
	if strings.Contains(s, ",") {
		parts := strings.Split(s, ",")
		vec := make([]float32, 0, len(parts))
		for _, p := range parts {
			f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
			if err != nil {
				return nil, vector.Invalidf("ann: query float %q", p)
			}
			vec = append(vec, float32(f))
		}
		return vec, nil
	}
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return vector.DecodeEmbedding(b)
	}
	return nil, vector.Invalidf("ann: query must be a BLOB, a JSON or CSV float list, or base64")
}

func asInt(name string, v vtab.Value) (int, error) {
	switch val := v.(type) {
	case int64:
		return int(val), nil
	case float64:
		if val == math.Trunc(val) {
			return int(val), nil
		}
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(val)); err == nil {
			return n, nil
		}
	}
	return 0, vector.Invalidf("ann: %s must be an integer, got %v", name, v)
}

func unquote(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 {
		switch {
		case s[0] == '\'' && s[len(s)-1] == '\'',
			s[0] == '"' && s[len(s)-1] == '"',
			s[0] == '`' && s[len(s)-1] == '`',
			s[0] == '[' && s[len(s)-1] == ']':
			return s[1 : len(s)-1]
		}
	}
	return s
}

// Next advances the cursor.
func (c *Cursor) Next() error {
	if c.pos < len(c.rows) {
		c.pos++
	}
	return nil
}

// Eof reports end-of-rows.
func (c *Cursor) Eof() bool { return c.pos >= len(c.rows) }

// Column returns the value of a column in the current row.
func (c *Cursor) Column(col int) (vtab.Value, error) {
	if c.Eof() {
		return nil, nil
	}
	r := c.rows[c.pos]
	switch col {
	case colID:
		return int64(r.id), nil
	case colDistance:
		return float64(r.distance), nil
	case colMetadata:
		return r.metadata, nil
	}
	return nil, nil
}

// Rowid returns the collection rowid of the current row.
func (c *Cursor) Rowid() (int64, error) {
	if c.Eof() {
		return 0, errors.New("ann: rowid past end")
	}
	return int64(c.rows[c.pos].id), nil
}

// Close releases the result set.
func (c *Cursor) Close() error { c.rows = nil; c.pos = 0; return nil }
