package postgres

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/lib/pq"

	"github.com/engramdev/engram/internal/storage"
)

// identPattern restricts category names and metadata keys to identifiers
// that are safe to interpolate as SQL table/column names. Everything else is
// rejected before any DDL or DML is built.
var identPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// validIdent reports whether s is a safe SQL identifier.
func validIdent(s string) bool {
	return identPattern.MatchString(s)
}

// whereBuilder accumulates parameterized WHERE clauses with a running
// placeholder index, so filter conditions can be appended after the fixed
// statement arguments (query vector, limit, and so on).
type whereBuilder struct {
	clauses []string
	args    []any
	next    int // next placeholder number
}

func newWhereBuilder(firstPlaceholder int) *whereBuilder {
	return &whereBuilder{next: firstPlaceholder}
}

// placeholder appends an argument and returns its $n placeholder.
func (w *whereBuilder) placeholder(arg any) string {
	w.args = append(w.args, arg)
	p := "$" + strconv.Itoa(w.next)
	w.next++
	return p
}

// addFilter compiles a FilterExpression tree into a single AND-joined clause.
func (w *whereBuilder) addFilter(f storage.Filter) error {
	if len(f) == 0 {
		return nil
	}
	clause, err := w.compile(f)
	if err != nil {
		return err
	}
	if clause != "" {
		w.clauses = append(w.clauses, clause)
	}
	return nil
}

// addDocumentContains appends a document-substring condition.
func (w *whereBuilder) addDocumentContains(text string) {
	if text == "" {
		return
	}
	w.clauses = append(w.clauses, "document LIKE "+w.placeholder("%"+text+"%"))
}

// addIDs appends an id-list condition.
func (w *whereBuilder) addIDs(ids []int64) {
	if len(ids) == 0 {
		return
	}
	w.clauses = append(w.clauses, "id = ANY("+w.placeholder(pq.Array(ids))+")")
}

// where renders the accumulated conditions as a WHERE clause, or an empty
// string when no condition was added.
func (w *whereBuilder) where() string {
	if len(w.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.clauses, " AND ")
}

// empty reports whether no condition has been accumulated.
func (w *whereBuilder) empty() bool {
	return len(w.clauses) == 0
}

// compile recursively lowers a filter tree into one parenthesizable SQL
// expression. $or groups are parenthesized and OR-joined; each member is
// internally AND-joined. Bare {key: value} leaves compile to key = value.
func (w *whereBuilder) compile(f storage.Filter) (string, error) {
	// Deterministic clause order regardless of map iteration.
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var parts []string
	for _, key := range keys {
		val := f[key]
		switch key {
		case storage.OpAnd, storage.OpOr:
			subs, err := filterList(val)
			if err != nil {
				return "", fmt.Errorf("%w: %s: %v", storage.ErrInvalidInput, key, err)
			}
			var members []string
			for _, sub := range subs {
				member, err := w.compile(sub)
				if err != nil {
					return "", err
				}
				members = append(members, member)
			}
			joiner := " AND "
			if key == storage.OpOr {
				joiner = " OR "
			}
			parts = append(parts, "("+strings.Join(members, joiner)+")")
		default:
			leaf, err := w.compileLeaf(key, val)
			if err != nil {
				return "", err
			}
			parts = append(parts, leaf)
		}
	}
	return strings.Join(parts, " AND "), nil
}

// opMap recognizes a leaf operator spec built as either a plain map or a
// nested storage.Filter.
func opMap(spec any) (map[string]any, bool) {
	switch m := spec.(type) {
	case map[string]any:
		return m, true
	case storage.Filter:
		return map[string]any(m), true
	}
	return nil, false
}

// compileLeaf lowers one {field: spec} leaf.
func (w *whereBuilder) compileLeaf(field string, spec any) (string, error) {
	if !validIdent(field) {
		return "", fmt.Errorf("%w: invalid metadata field %q", storage.ErrInvalidInput, field)
	}
	col := pq.QuoteIdentifier(field)

	ops, ok := opMap(spec)
	if !ok {
		return col + " = " + w.placeholder(storage.CoerceValue(spec)), nil
	}

	opKeys := make([]string, 0, len(ops))
	for op := range ops {
		opKeys = append(opKeys, op)
	}
	sort.Strings(opKeys)

	var parts []string
	for _, op := range opKeys {
		operand := storage.CoerceValue(ops[op])
		switch op {
		case storage.OpEq:
			parts = append(parts, col+" = "+w.placeholder(operand))
		case storage.OpNe:
			parts = append(parts, col+" IS DISTINCT FROM "+w.placeholder(operand))
		case storage.OpGt:
			parts = append(parts, w.compileOrdered(col, ">", operand))
		case storage.OpLt:
			parts = append(parts, w.compileOrdered(col, "<", operand))
		case storage.OpContains:
			parts = append(parts, col+" LIKE "+w.placeholder("%"+operand+"%"))
		default:
			return "", fmt.Errorf("%w: unknown filter operator %q for field %q", storage.ErrInvalidInput, op, field)
		}
	}
	return strings.Join(parts, " AND "), nil
}

// sqlNumericPattern matches stored values that compare numerically, the SQL
// counterpart of the ParseFloat check in the in-memory evaluation.
const sqlNumericPattern = `^[+-]?[0-9]+(\.[0-9]+)?([eE][+-]?[0-9]+)?$`

// compileOrdered lowers a $gt/$lt comparison. Metadata columns are TEXT, so
// the comparison mirrors the in-memory rule: values compare as numbers only
// when both sides look numeric, as text otherwise. The regex guard keeps rows
// holding non-numeric text on the text branch instead of aborting the whole
// query with a cast error.
func (w *whereBuilder) compileOrdered(col, op, operand string) string {
	num, err := strconv.ParseFloat(operand, 64)
	if err != nil {
		return col + " " + op + " " + w.placeholder(operand)
	}
	guard := col + " ~ '" + sqlNumericPattern + "'"
	return "((" + guard + " AND " + col + "::numeric " + op + " " + w.placeholder(num) + ")" +
		" OR (NOT " + guard + " AND " + col + " " + op + " " + w.placeholder(operand) + "))"
}

// filterList coerces an $and/$or node value into []storage.Filter.
func filterList(v any) ([]storage.Filter, error) {
	switch list := v.(type) {
	case []storage.Filter:
		return list, nil
	case []map[string]any:
		out := make([]storage.Filter, len(list))
		for i, m := range list {
			out[i] = storage.Filter(m)
		}
		return out, nil
	case []any:
		out := make([]storage.Filter, len(list))
		for i, item := range list {
			switch m := item.(type) {
			case map[string]any:
				out[i] = storage.Filter(m)
			case storage.Filter:
				out[i] = m
			default:
				return nil, fmt.Errorf("expected filter object, got %T", item)
			}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected filter list, got %T", v)
	}
}

// buildDelete compiles a DELETE statement. At least one condition (id list,
// document-contains, or metadata filter) is required; an unconditional
// delete refuses to compile.
func buildDelete(table string, ids []int64, where storage.Filter, containsText string) (string, []any, error) {
	w := newWhereBuilder(1)
	w.addIDs(ids)
	if err := w.addFilter(where); err != nil {
		return "", nil, err
	}
	w.addDocumentContains(containsText)

	if w.empty() {
		return "", nil, storage.ErrNoCondition
	}
	return "DELETE FROM " + table + w.where(), w.args, nil
}
