package livedb

import (
	"log/slog"
	"reflect"
	"runtime"
)

// ID identifies a record within a table.
//
// It must hold a comparable scalar: an integer, float, string, bool, or a
// named type over one of those (e.g. ksid.ID). Storing a non-comparable value
// panics on first use as a map key.
type ID any

// Finder maps a record to its stable ID. It must be total and pure.
type Finder[T any] func(T) ID

// Predicate selects the records kept by a view.
type Predicate[T any] func(T) bool

// OrderFunc returns the sort key of a record.
type OrderFunc[T any] func(T) SortKey

// pipe receives the mutations applied to a base table.
type pipe[T any] interface {
	set(records []T)
	add(records []T)
	delBy(ids []ID)
}

// registry is the derivation cache owned by one base table. It is shared by
// every view derived from that table and is the propagation list: pipes are
// notified in registration order.
type registry[T any] struct {
	keys  []string
	pipes map[string]pipe[T]
	seq   int
}

func newRegistry[T any]() *registry[T] {
	return &registry[T]{pipes: make(map[string]pipe[T])}
}

func (r *registry[T]) get(key string) (pipe[T], bool) {
	p, ok := r.pipes[key]
	return p, ok
}

func (r *registry[T]) put(key string, p pipe[T]) {
	if _, ok := r.pipes[key]; !ok {
		r.keys = append(r.keys, key)
	}
	r.pipes[key] = p
}

func (r *registry[T]) drop(key string) bool {
	if _, ok := r.pipes[key]; !ok {
		return false
	}
	delete(r.pipes, key)
	for i, k := range r.keys {
		if k == key {
			r.keys = append(r.keys[:i], r.keys[i+1:]...)
			break
		}
	}
	return true
}

// snapshot returns the pipes registered now, so that pipes created while
// propagating do not receive the mutation twice.
func (r *registry[T]) snapshot() []pipe[T] {
	out := make([]pipe[T], 0, len(r.keys))
	for _, k := range r.keys {
		out = append(out, r.pipes[k])
	}
	return out
}

// Table is the canonical record set. It owns the registry of every view,
// aggregation and relation binding derived from it, and propagates each
// mutation to them before returning.
//
// A Table is not safe for concurrent use. All mutations must come from a
// single owner.
type Table[T any] struct {
	*View[T]
}

// New creates a table and loads records into it.
func New[T any](finder Finder[T], records []T) *Table[T] {
	v := newView(finder, newRegistry[T](), nil, "", nil, "", false)
	t := &Table[T]{View: v}
	v.base = v
	t.Set(records)
	return t
}

// Set replaces the full membership of the table.
//
// Every derived view, aggregation and binding re-derives from scratch.
func (t *Table[T]) Set(records []T) {
	t.View.set(records)
	for _, p := range t.reg.snapshot() {
		p.set(records)
	}
}

// Add upserts records.
//
// A record whose ID is already present replaces the previous one, moving to
// its new sorted position. Dependents update incrementally.
func (t *Table[T]) Add(records ...T) {
	if len(records) == 0 {
		return
	}
	t.View.add(records)
	for _, p := range t.reg.snapshot() {
		p.add(records)
	}
}

// DelBy removes the records with the given IDs. Unknown IDs are ignored.
func (t *Table[T]) DelBy(ids ...ID) {
	if len(ids) == 0 {
		return
	}
	t.View.delBy(ids)
	for _, p := range t.reg.snapshot() {
		p.delBy(ids)
	}
}

// Drop forgets the derivation registered under key: a view key, an
// aggregation key or a relation binding key. The dropped derivation stops
// receiving updates. It returns false if nothing was registered under key.
func (t *Table[T]) Drop(key string) bool {
	if !t.reg.drop(key) {
		return false
	}
	slog.Debug("livedb: derivation dropped", "key", key)
	return true
}

// Derivations returns the registered derivation keys in propagation order.
func (t *Table[T]) Derivations() []string {
	return append([]string(nil), t.reg.keys...)
}

// funcLabel derives a memoization label from a function value.
//
// Two closures created by the same literal share a label even when they
// capture different values: pass an explicit label for those.
func funcLabel(fn any) string {
	v := reflect.ValueOf(fn)
	if !v.IsValid() || v.Kind() != reflect.Func || v.IsNil() {
		return ""
	}
	if f := runtime.FuncForPC(v.Pointer()); f != nil {
		return f.Name()
	}
	return ""
}
