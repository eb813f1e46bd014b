package storage

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Filter operators. A filter is a tree: leaves are {field: {op: value}} or
// bare {field: value} equality; internal nodes are {"$and": [...]} or
// {"$or": [...]}. Evaluation against a record's metadata is deterministic and
// backend-independent in result, even though each backend compiles the tree
// to its own native query form.
const (
	OpEq       = "$eq"
	OpNe       = "$ne"
	OpGt       = "$gt"
	OpLt       = "$lt"
	OpAnd      = "$and"
	OpOr       = "$or"
	OpContains = "$contains"
)

// Filter is a backend-agnostic metadata query expression.
type Filter map[string]any

// opMap recognizes a leaf operator spec regardless of whether it was built as
// a plain map or as a nested Filter. JSON decoding yields map[string]any;
// programmatic construction often nests Filter itself.
func opMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case Filter:
		return map[string]any(m), true
	}
	return nil, false
}

// Normalize rewrites a bare multi-key filter into an explicit $and of
// per-key $eq clauses, the form backends compile directly. Single-key and
// already-explicit filters are returned unchanged. Keys are ordered so the
// rewrite is deterministic.
func (f Filter) Normalize() Filter {
	if len(f) <= 1 {
		return f
	}
	if _, ok := f[OpAnd]; ok {
		return f
	}
	if _, ok := f[OpOr]; ok {
		return f
	}

	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	clauses := make([]Filter, 0, len(keys))
	for _, k := range keys {
		if sub, ok := opMap(f[k]); ok {
			clauses = append(clauses, Filter{k: sub})
			continue
		}
		clauses = append(clauses, Filter{k: map[string]any{OpEq: f[k]}})
	}
	return Filter{OpAnd: clauses}
}

// Validate checks the tree for unknown operators and malformed nodes.
func (f Filter) Validate() error {
	for key, val := range f {
		switch key {
		case OpAnd, OpOr:
			subs, err := asFilterList(val)
			if err != nil {
				return fmt.Errorf("%w: %s: %v", ErrInvalidInput, key, err)
			}
			for _, sub := range subs {
				if err := sub.Validate(); err != nil {
					return err
				}
			}
		default:
			ops, ok := opMap(val)
			if !ok {
				continue // bare equality leaf
			}
			for op := range ops {
				switch op {
				case OpEq, OpNe, OpGt, OpLt, OpContains:
				default:
					return fmt.Errorf("%w: unknown filter operator %q for field %q", ErrInvalidInput, op, key)
				}
			}
		}
	}
	return nil
}

// Matches evaluates the filter against a record's metadata. All top-level
// entries are AND-joined; $or members are internally AND-joined and the
// group succeeds when any member matches.
func (f Filter) Matches(meta map[string]string) bool {
	for key, val := range f {
		switch key {
		case OpAnd:
			subs, err := asFilterList(val)
			if err != nil {
				return false
			}
			for _, sub := range subs {
				if !sub.Matches(meta) {
					return false
				}
			}
		case OpOr:
			subs, err := asFilterList(val)
			if err != nil {
				return false
			}
			matched := false
			for _, sub := range subs {
				if sub.Matches(meta) {
					matched = true
					break
				}
			}
			if !matched {
				return false
			}
		default:
			if !matchLeaf(meta, key, val) {
				return false
			}
		}
	}
	return true
}

// EqualityClauses extracts the field→value pairs of every equality leaf
// reachable through $and nodes, along with whether the whole tree consists
// only of such leaves. Backends that natively support only exact-match
// filtering (the vector backend) push these down and post-filter the rest
// via Matches when exact is false.
func (f Filter) EqualityClauses() (eq map[string]string, exact bool) {
	eq = make(map[string]string)
	exact = true
	f.collectEquality(eq, &exact)
	return eq, exact
}

func (f Filter) collectEquality(eq map[string]string, exact *bool) {
	for key, val := range f {
		switch key {
		case OpAnd:
			subs, err := asFilterList(val)
			if err != nil {
				*exact = false
				continue
			}
			for _, sub := range subs {
				sub.collectEquality(eq, exact)
			}
		case OpOr:
			*exact = false
		default:
			if ops, ok := opMap(val); ok {
				if v, isEq := ops[OpEq]; isEq && len(ops) == 1 {
					eq[key] = CoerceValue(v)
				} else {
					*exact = false
				}
				continue
			}
			eq[key] = CoerceValue(val)
		}
	}
}

// matchLeaf evaluates one {field: spec} leaf against the metadata map.
func matchLeaf(meta map[string]string, field string, spec any) bool {
	stored, present := meta[field]

	ops, ok := opMap(spec)
	if !ok {
		return present && stored == CoerceValue(spec)
	}

	for op, operand := range ops {
		want := CoerceValue(operand)
		switch op {
		case OpEq:
			if !present || stored != want {
				return false
			}
		case OpNe:
			if present && stored == want {
				return false
			}
		case OpGt:
			if !present || !compareValues(stored, want, func(c int) bool { return c > 0 }) {
				return false
			}
		case OpLt:
			if !present || !compareValues(stored, want, func(c int) bool { return c < 0 }) {
				return false
			}
		case OpContains:
			if !present || !strings.Contains(stored, want) {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// compareValues orders two stored string values: numerically when both parse
// as floats (so epoch timestamps and counters compare as numbers), otherwise
// lexicographically. ok receives -1/0/+1 semantics via the cmp callback.
func compareValues(a, b string, ok func(int) bool) bool {
	fa, errA := strconv.ParseFloat(a, 64)
	fb, errB := strconv.ParseFloat(b, 64)
	if errA == nil && errB == nil {
		switch {
		case fa > fb:
			return ok(1)
		case fa < fb:
			return ok(-1)
		default:
			return ok(0)
		}
	}
	return ok(strings.Compare(a, b))
}

// asFilterList coerces the value of an $and/$or node into a list of filters.
// JSON decoding yields []any of map[string]any; programmatic construction
// may use []Filter or []map[string]any directly.
func asFilterList(v any) ([]Filter, error) {
	switch list := v.(type) {
	case []Filter:
		return list, nil
	case []map[string]any:
		out := make([]Filter, len(list))
		for i, m := range list {
			out[i] = Filter(m)
		}
		return out, nil
	case []any:
		out := make([]Filter, len(list))
		for i, item := range list {
			switch m := item.(type) {
			case map[string]any:
				out[i] = Filter(m)
			case Filter:
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
