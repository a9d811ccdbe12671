package vecadmin

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"modernc.org/sqlite/vtab"

	"github.com/viant/sqlite-ann/collection"
	"github.com/viant/sqlite-ann/vector"
)

// DefaultModule is the module name used when Register is given none.
const DefaultModule = "ann_admin"

// Backend resolves collections by name.
type Backend interface {
	Collection(name string) (*collection.Collection, error)
}

// Module provides administrative operations via a virtual table.
// Usage:
//
//	CREATE VIRTUAL TABLE admin USING ann_admin(op);
//	SELECT op FROM admin WHERE op MATCH 'checkpoint docs';
//
// Supported verbs are checkpoint, compact, repair and stats. Each returns a
// single row: "checkpointed:<lsn>", "compacted:<n>", "repaired:<n>" or the
// collection stats as JSON.
type Module struct{ name string }

type Table struct{ module string }

type Cursor struct {
	table *Table
	rows  []string
	pos   int
}

var bindings = struct {
	sync.RWMutex
	byModule map[string]Backend
}{byModule: map[string]Backend{}}

// Register binds backend to the module name and registers the module for
// the first connection opened afterwards.
func Register(name string, backend Backend) error {
	if name == "" {
		name = DefaultModule
	}
	if backend == nil {
		return vector.Invalidf("ann_admin: nil backend for module %q", name)
	}
	bindings.Lock()
	if bound, ok := bindings.byModule[name]; ok && bound != backend {
		bindings.Unlock()
		return fmt.Errorf("ann_admin: module %q is bound to another open database: %w", name, vector.ErrAlreadyExists)
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

func (m *Module) Create(ctx vtab.Context, args []string) (vtab.Table, error) {
	return m.Connect(ctx, args)
}

func (m *Module) Connect(ctx vtab.Context, args []string) (vtab.Table, error) {
	if len(args) < 3 {
		return nil, fmt.Errorf("ann_admin: need at least 3 args")
	}
	if err := ctx.Declare("CREATE TABLE x(op TEXT)"); err != nil {
		return nil, err
	}
	return &Table{module: m.name}, nil
}

func (t *Table) BestIndex(info *vtab.IndexInfo) error {
	for i := range info.Constraints {
		c := &info.Constraints[i]
		if !c.Usable {
			continue
		}
		if c.Column == 0 && (c.Op == vtab.OpMATCH || c.Op == vtab.OpEQ) {
			c.ArgIndex = 0
			c.Omit = true
			info.IdxNum = 1
			info.EstimatedCost = 1
			info.EstimatedRows = 1
			return nil
		}
	}
	info.EstimatedCost = 1e12
	return nil
}

func (t *Table) Open() (vtab.Cursor, error) { return &Cursor{table: t}, nil }
func (t *Table) Disconnect() error          { return nil }
func (t *Table) Destroy() error             { return nil }

func (c *Cursor) Filter(idxNum int, _ string, vals []vtab.Value) error {
	c.rows, c.pos = nil, 0
	if idxNum != 1 || len(vals) == 0 || vals[0] == nil {
		return nil
	}
	cmd, ok := vals[0].(string)
	if !ok {
		return vector.Invalidf("ann_admin: MATCH expects '<verb> <collection>' as TEXT")
	}
	out, err := c.table.exec(context.Background(), cmd)
	if err != nil {
		return err
	}
	c.rows = []string{out}
	return nil
}

func (t *Table) exec(ctx context.Context, cmd string) (string, error) {
	fields := strings.Fields(cmd)
	if len(fields) != 2 {
		return "", vector.Invalidf("ann_admin: expected '<verb> <collection>', got %q", cmd)
	}
	bindings.RLock()
	backend, ok := bindings.byModule[t.module]
	bindings.RUnlock()
	if !ok {
		return "", fmt.Errorf("ann_admin: module %q is not bound to an open database: %w", t.module, vector.ErrClosed)
	}
	coll, err := backend.Collection(fields[1])
	if err != nil {
		return "", err
	}
	switch strings.ToLower(fields[0]) {
	case "checkpoint":
		m, err := coll.Checkpoint(ctx)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("checkpointed:%d", m.LSN), nil
	case "compact":
		n, err := coll.Compact(ctx)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("compacted:%d", n), nil
	case "repair":
		n, err := coll.Repair(ctx)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("repaired:%d", n), nil
	case "stats":
		data, err := json.Marshal(coll.Stats())
		if err != nil {
			return "", err
		}
		return string(data), nil
	}
	return "", vector.Invalidf("ann_admin: unknown verb %q", fields[0])
}

func (c *Cursor) Next() error {
	if c.pos < len(c.rows) {
		c.pos++
	}
	return nil
}
func (c *Cursor) Eof() bool { return c.pos >= len(c.rows) }
func (c *Cursor) Column(col int) (vtab.Value, error) {
	if c.pos < 0 || c.pos >= len(c.rows) {
		return nil, fmt.Errorf("ann_admin: Column out of range")
	}
	if col == 0 {
		return c.rows[c.pos], nil
	}
	return nil, nil
}
func (c *Cursor) Rowid() (int64, error) { return int64(c.pos + 1), nil }
func (c *Cursor) Close() error          { c.rows = nil; c.pos = 0; return nil }
