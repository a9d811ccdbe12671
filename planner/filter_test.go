package planner

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/viant/sqlite-ann/engine"
	"github.com/viant/sqlite-ann/index"
	"github.com/viant/sqlite-ann/store"
	"github.com/viant/sqlite-ann/vector"
)

func TestFilter_Match(t *testing.T) {
	ctx := context.Background()
	meta := vector.Metadata{
		"lang":  "go",
		"stars": float64(42),
		"draft": false,
		"owner": map[string]any{"name": "viant"},
	}
	jq, err := NewJQ(`.stars > 40 and .lang == "go"`)
	require.NoError(t, err)

	cases := []struct {
		name   string
		filter Filter
		want   bool
	}{
		{"eq string", Eq{Field: "lang", Value: "go"}, true},
		{"eq int vs float", Eq{Field: "stars", Value: 42}, true},
		{"eq bool", Eq{Field: "draft", Value: false}, true},
		{"eq missing", Eq{Field: "nope", Value: 1}, false},
		{"eq nested", Eq{Field: "owner.name", Value: "viant"}, true},
		{"eq kind mismatch", Eq{Field: "lang", Value: 1}, false},
		{"in", In{Field: "lang", Values: []any{"rust", "go"}}, true},
		{"in miss", In{Field: "lang", Values: []any{"rust"}}, false},
		{"range inside", Range{Field: "stars", Min: 10, Max: 50}, true},
		{"range open max", Range{Field: "stars", Min: 43}, false},
		{"range open min", Range{Field: "stars", Max: 42}, true},
		{"range string", Range{Field: "lang", Min: "a", Max: "m"}, true},
		{"and", And{Eq{Field: "lang", Value: "go"}, Range{Field: "stars", Min: 50}}, false},
		{"jq", jq, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := tc.filter.Match(ctx, meta)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestFilter_Pushdown(t *testing.T) {
	jq, err := NewJQ(`.a`)
	require.NoError(t, err)

	assert.True(t, Pushable(Eq{Field: "a", Value: 1}))
	assert.True(t, Pushable(And{In{Field: "a", Values: []any{1}}, Range{Field: "b", Min: 1}}))
	assert.False(t, Pushable(jq))
	assert.False(t, Pushable(And{Eq{Field: "a", Value: 1}, jq}))

	where, args := Range{Field: "n", Min: 1, Max: 5}.SQL()
	assert.Equal(t, `json_type(metadata, ?) IN ('integer', 'real', 'true', 'false') AND json_extract(metadata, ?) >= ? AND json_extract(metadata, ?) <= ?`, where)
	assert.Equal(t, []any{"$.n", "$.n", 1, "$.n", 5}, args)

	where, args = And{Eq{Field: "ok", Value: true}, In{Field: "tag", Values: []any{"x", "y"}}}.SQL()
	assert.Equal(t, `(json_type(metadata, ?) IN ('integer', 'real', 'true', 'false') AND json_extract(metadata, ?) = ?) AND `+
		`((json_type(metadata, ?) = 'text' AND json_extract(metadata, ?) IN (?,?)))`, where)
	assert.Equal(t, []any{"$.ok", "$.ok", 1, "$.tag", "$.tag", "x", "y"}, args)

	where, args = Range{Field: "n", Min: 1, Max: "z"}.SQL()
	assert.Equal(t, "0", where)
	assert.Empty(t, args)
	where, _ = Eq{Field: "n", Value: []any{1}}.SQL()
	assert.Equal(t, "0", where)
}

// TestFilter_SQLAgreesWithMatch runs every pushable filter both in SQLite and
// in Go over metadata values of mixed JSON types.
func TestFilter_SQLAgreesWithMatch(t *testing.T) {
	ctx := context.Background()
	db, err := engine.OpenFile(filepath.Join(t.TempDir(), "filter.sqlite"), engine.DefaultOptions())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	s, err := store.New(ctx, db)
	require.NoError(t, err)
	tbl, err := s.CreateCollection(ctx, store.CollectionInfo{Name: "mixed", Dimension: 2, Metric: vector.MetricL2, Family: index.FamilyFlat})
	require.NoError(t, err)
	idx, err := index.New(index.FamilyFlat, 2, vector.MetricL2, index.Params{})
	require.NoError(t, err)

	values := []any{5, 5.5, 1, 0, "5", "abc", "a", "Z", true, false, nil, []any{1}, map[string]any{"x": 1}}
	metas := make([]vector.Metadata, 0, len(values)+2)
	for _, v := range values {
		metas = append(metas, vector.Metadata{"v": v, "o": map[string]any{"x": v}})
	}
	metas = append(metas, vector.Metadata{}, vector.Metadata{"o": "flat"})
	var ids []uint64
	for i, meta := range metas {
		vec := []float32{float32(i), 0}
		id, _, err := tbl.Put(ctx, vec, meta)
		require.NoError(t, err)
		require.NoError(t, idx.Insert(id, vec))
		ids = append(ids, id)
	}
	rows, err := tbl.Rows(ctx, ids)
	require.NoError(t, err)
	require.Len(t, rows, len(ids))

	always, err := NewJQ(`true`)
	require.NoError(t, err)
	p := New(DefaultOptions(), nil)
	filters := []Filter{
		Eq{Field: "v", Value: 5},
		Eq{Field: "v", Value: "5"},
		Eq{Field: "v", Value: true},
		Eq{Field: "v", Value: 0},
		Eq{Field: "v", Value: nil},
		Eq{Field: "v", Value: []any{1}},
		Eq{Field: "o.x", Value: "abc"},
		In{Field: "v", Values: []any{5, "abc", nil}},
		In{Field: "v", Values: []any{"5", 1}},
		Range{Field: "v", Min: 1},
		Range{Field: "v", Max: "b"},
		Range{Field: "v", Min: "a"},
		Range{Field: "v", Min: false, Max: 5},
		Range{Field: "v", Min: 0, Max: "z"},
		Range{Field: "o.x", Min: 2},
		And{Range{Field: "v", Min: 1}, Eq{Field: "o.x", Value: 5}},
	}
	for _, f := range filters {
		t.Run(f.String(), func(t *testing.T) {
			want := map[uint64]bool{}
			for id, row := range rows {
				ok, err := f.Match(ctx, row.Metadata)
				require.NoError(t, err)
				if ok {
					want[id] = true
				}
			}

			where, args := f.(Pushdown).SQL()
			allowed, err := tbl.MatchingRowIDs(ctx, where, args...)
			require.NoError(t, err)
			got := map[uint64]bool{}
			for _, id := range allowed.ToArray() {
				got[id] = true
			}
			assert.Equal(t, want, got, "SQL %s %v", where, args)

			pushed, err := p.Search(ctx, idx, tbl, Request{Vector: []float32{0, 0}, K: len(ids), Filter: f})
			require.NoError(t, err)
			filtered, err := p.Search(ctx, idx, tbl, Request{Vector: []float32{0, 0}, K: len(ids), Filter: And{f, always}})
			require.NoError(t, err)
			assert.ElementsMatch(t, pushed.Neighbors.IDs(), filtered.Neighbors.IDs())
			assert.Len(t, pushed.Neighbors, len(want))
		})
	}
}

func TestJQ(t *testing.T) {
	_, err := NewJQ(`.a |||`)
	assert.ErrorIs(t, err, vector.ErrInvalidRequest)

	nullish, err := NewJQ(`.missing`)
	require.NoError(t, err)
	ok, err := nullish.Match(context.Background(), vector.Metadata{"a": 1.0})
	require.NoError(t, err)
	assert.False(t, ok)

	empty, err := NewJQ(`empty`)
	require.NoError(t, err)
	ok, err = empty.Match(context.Background(), nil)
	require.NoError(t, err)
	assert.False(t, ok)

	failing, err := NewJQ(`error("boom")`)
	require.NoError(t, err)
	_, err = failing.Match(context.Background(), vector.Metadata{})
	assert.ErrorIs(t, err, vector.ErrInvalidRequest)

	assert.ErrorIs(t, ValidateFilter((*JQ)(nil)), vector.ErrInvalidRequest)
	assert.Equal(t, "jq(.missing)", nullish.String())
}
