package planner

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/itchyny/gojq"
	"github.com/viant/sqlite-ann/vector"
)

// Filter restricts a search to rows whose metadata matches. Every filter can
// be evaluated in Go; the ones implementing Pushdown can also run in SQLite.
type Filter interface {
	Match(ctx context.Context, meta vector.Metadata) (bool, error)
	String() string
}

// Pushdown is a filter expressible as a SQL predicate over the rows table.
type Pushdown interface {
	Filter
	SQL() (where string, args []any)
}

var fieldPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)*$`)

// Eq matches rows whose metadata Field equals Value.
type Eq struct {
	Field string
	Value any
}

// In matches rows whose metadata Field equals any of Values.
type In struct {
	Field  string
	Values []any
}

// Range matches Min <= Field <= Max; a nil bound is open.
type Range struct {
	Field    string
	Min, Max any
}

// And matches when every member matches. It is pushable only when every
// member is.
type And []Filter

// JQ matches when the first output of a jq program run against the
// metadata object is truthy.
type JQ struct {
	expr string
	code *gojq.Code
}

// NewJQ compiles expr.
func NewJQ(expr string) (*JQ, error) {
	query, err := gojq.Parse(expr)
	if err != nil {
		return nil, vector.Invalidf("jq filter %q: %v", expr, err)
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return nil, vector.Invalidf("jq filter %q: %v", expr, err)
	}
	return &JQ{expr: expr, code: code}, nil
}

// ValidateFilter checks field names and nesting; it returns InvalidRequest.
func ValidateFilter(f Filter) error {
	switch f := f.(type) {
	case nil:
		return nil
	case Eq:
		return validField(f.Field)
	case In:
		if len(f.Values) == 0 {
			return vector.Invalidf("in filter on %q needs values", f.Field)
		}
		return validField(f.Field)
	case Range:
		if f.Min == nil && f.Max == nil {
			return vector.Invalidf("range filter on %q needs a bound", f.Field)
		}
		return validField(f.Field)
	case And:
		for _, m := range f {
			if err := ValidateFilter(m); err != nil {
				return err
			}
		}
		return nil
	case *JQ:
		if f == nil || f.code == nil {
			return vector.Invalidf("jq filter is not compiled")
		}
		return nil
	}
	return vector.Invalidf("unsupported filter %T", f)
}

func validField(field string) error {
	if !fieldPattern.MatchString(field) {
		return vector.Invalidf("filter field %q", field)
	}
	return nil
}

func jsonPath(field string) string { return "$." + field }

// Kinds of JSON scalar that compare with each other in Match.
const (
	kindOther = iota
	kindNull
	kindNumber
	kindText
)

// guards select, by json_type, the values json_extract compares with a
// filter operand of the same kind. JSON booleans extract as 0 and 1 and
// compare as numbers.
var guards = map[int]string{
	kindNull:   `json_type(metadata, ?) = 'null'`,
	kindNumber: `json_type(metadata, ?) IN ('integer', 'real', 'true', 'false')`,
	kindText:   `json_type(metadata, ?) = 'text'`,
}

func kindOf(v any) int {
	if v == nil {
		return kindNull
	}
	if _, ok := number(v); ok {
		return kindNumber
	}
	if _, ok := v.(string); ok {
		return kindText
	}
	return kindOther
}

func (f Eq) SQL() (string, []any) {
	path := jsonPath(f.Field)
	switch kind := kindOf(f.Value); kind {
	case kindNull:
		return guards[kind], []any{path}
	case kindNumber, kindText:
		return guards[kind] + ` AND json_extract(metadata, ?) = ?`, []any{path, path, sqlValue(f.Value)}
	}
	return "0", nil
}

func (f In) SQL() (string, []any) {
	path := jsonPath(f.Field)
	byKind := map[int][]any{}
	for _, v := range f.Values {
		kind := kindOf(v)
		byKind[kind] = append(byKind[kind], sqlValue(v))
	}
	var parts []string
	var args []any
	if _, ok := byKind[kindNull]; ok {
		parts = append(parts, "("+guards[kindNull]+")")
		args = append(args, path)
	}
	for _, kind := range []int{kindNumber, kindText} {
		values := byKind[kind]
		if len(values) == 0 {
			continue
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(values)), ",")
		parts = append(parts, "("+guards[kind]+` AND json_extract(metadata, ?) IN (`+placeholders+"))")
		args = append(args, path, path)
		args = append(args, values...)
	}
	if len(parts) == 0 {
		return "0", nil
	}
	return strings.Join(parts, " OR "), args
}

// SQL compares only values of the bounds' kind; bounds of different kinds
// match nothing.
func (f Range) SQL() (string, []any) {
	kind := kindOther
	for _, bound := range []any{f.Min, f.Max} {
		if bound == nil {
			continue
		}
		k := kindOf(bound)
		if (k != kindNumber && k != kindText) || (kind != kindOther && k != kind) {
			return "0", nil
		}
		kind = k
	}
	if kind == kindOther {
		return "0", nil
	}
	path := jsonPath(f.Field)
	parts := []string{guards[kind]}
	args := []any{path}
	if f.Min != nil {
		parts = append(parts, `json_extract(metadata, ?) >= ?`)
		args = append(args, path, sqlValue(f.Min))
	}
	if f.Max != nil {
		parts = append(parts, `json_extract(metadata, ?) <= ?`)
		args = append(args, path, sqlValue(f.Max))
	}
	return strings.Join(parts, " AND "), args
}

func (f And) SQL() (string, []any) {
	var parts []string
	var args []any
	for _, m := range f {
		p, ok := m.(Pushdown)
		if !ok {
			continue
		}
		where, a := p.SQL()
		parts = append(parts, "("+where+")")
		args = append(args, a...)
	}
	if len(parts) == 0 {
		return "1=1", nil
	}
	return strings.Join(parts, " AND "), args
}

// Pushable reports whether f can be evaluated entirely in SQL.
func Pushable(f Filter) bool {
	switch f := f.(type) {
	case Eq, In, Range:
		return true
	case And:
		for _, m := range f {
			if !Pushable(m) {
				return false
			}
		}
		return true
	}
	return false
}

func (f Eq) Match(_ context.Context, meta vector.Metadata) (bool, error) {
	v, ok := lookup(meta, f.Field)
	return ok && compare(v, f.Value) == 0, nil
}

func (f In) Match(_ context.Context, meta vector.Metadata) (bool, error) {
	v, ok := lookup(meta, f.Field)
	if !ok {
		return false, nil
	}
	for _, want := range f.Values {
		if compare(v, want) == 0 {
			return true, nil
		}
	}
	return false, nil
}

func (f Range) Match(_ context.Context, meta vector.Metadata) (bool, error) {
	v, ok := lookup(meta, f.Field)
	if !ok || v == nil {
		return false, nil
	}
	if f.Min != nil {
		if c := compare(v, f.Min); c == incomparable || c < 0 {
			return false, nil
		}
	}
	if f.Max != nil {
		if c := compare(v, f.Max); c == incomparable || c > 0 {
			return false, nil
		}
	}
	return true, nil
}

func (f And) Match(ctx context.Context, meta vector.Metadata) (bool, error) {
	for _, m := range f {
		ok, err := m.Match(ctx, meta)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func (f *JQ) Match(ctx context.Context, meta vector.Metadata) (bool, error) {
	input := map[string]any(meta)
	if input == nil {
		input = map[string]any{}
	}
	it := f.code.RunWithContext(ctx, input)
	v, ok := it.Next()
	if !ok {
		return false, nil
	}
	if err, ok := v.(error); ok {
		return false, vector.Invalidf("jq filter %q: %v", f.expr, err)
	}
	return v != nil && v != false, nil
}

func (f Eq) String() string    { return fmt.Sprintf("%s = %v", f.Field, f.Value) }
func (f In) String() string    { return fmt.Sprintf("%s in %v", f.Field, f.Values) }
func (f Range) String() string { return fmt.Sprintf("%v <= %s <= %v", f.Min, f.Field, f.Max) }
func (f *JQ) String() string   { return "jq(" + f.expr + ")" }

func (f And) String() string {
	parts := make([]string, len(f))
	for i, m := range f {
		parts[i] = m.String()
	}
	return strings.Join(parts, " and ")
}

func lookup(meta vector.Metadata, field string) (any, bool) {
	var cur any = map[string]any(meta)
	for _, key := range strings.Split(field, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = obj[key]; !ok {
			return nil, false
		}
	}
	return cur, true
}

const incomparable = 2

// compare orders JSON scalars the way json_extract results compare in
// SQLite for same-kind values; mixed kinds are incomparable.
func compare(a, b any) int {
	if fa, ok := number(a); ok {
		fb, ok := number(b)
		if !ok {
			return incomparable
		}
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		}
		return 0
	}
	switch a := a.(type) {
	case string:
		s, ok := b.(string)
		if !ok {
			return incomparable
		}
		return strings.Compare(a, s)
	case nil:
		if b == nil {
			return 0
		}
	}
	return incomparable
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case uint32:
		return float64(n), true
	}
	return 0, false
}

// sqlValue maps booleans to the integers json_extract returns for JSON
// true and false.
func sqlValue(v any) any {
	if b, ok := v.(bool); ok {
		if b {
			return 1
		}
		return 0
	}
	return v
}
