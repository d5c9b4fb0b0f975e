package livedb

import (
	"iter"
	"log/slog"
	"math/rand/v2"
	"slices"
)

// shuffleLabel is the ordering label installed by [View.Shuffle].
const shuffleLabel = "shuffle"

// View is a filtered and/or sorted projection of a table.
//
// Views are memoized in the base table's registry by derivation key and kept
// up to date as the base table is mutated. The base table itself is the view
// with no predicate and no ordering.
type View[T any] struct {
	finder Finder[T]
	reg    *registry[T]
	base   *View[T]

	key        string
	where      Predicate[T]
	whereLabel string
	order      OrderFunc[T]
	orderLabel string
	desc       bool

	rows    []T
	keys    []SortKey // parallel to rows, only when ordered
	byID    map[ID]T
	keyByID map[ID]SortKey
	obs     observers[*View[T]]
}

func newView[T any](finder Finder[T], reg *registry[T], where Predicate[T], whereLabel string, order OrderFunc[T], orderLabel string, desc bool) *View[T] {
	return &View[T]{
		finder:     finder,
		reg:        reg,
		key:        derivationKey(whereLabel, desc, orderLabel),
		where:      where,
		whereLabel: whereLabel,
		order:      order,
		orderLabel: orderLabel,
		desc:       desc,
		byID:       make(map[ID]T),
		keyByID:    make(map[ID]SortKey),
	}
}

// derivationKey is the memoization key of a view.
func derivationKey(whereLabel string, desc bool, orderLabel string) string {
	dir := "-"
	if desc {
		dir = "+"
	}
	return whereLabel + dir + orderLabel
}

// Key returns the derivation key of the view.
func (v *View[T]) Key() string { return v.key }

// WhereLabel returns the label of the active predicate, if any.
func (v *View[T]) WhereLabel() string { return v.whereLabel }

// OrderLabel returns the label of the active ordering, if any.
func (v *View[T]) OrderLabel() string { return v.orderLabel }

// Desc reports whether the view is sorted in descending order.
func (v *View[T]) Desc() bool { return v.desc }

// Len returns the number of records in the view.
func (v *View[T]) Len() int { return len(v.rows) }

// Find returns the current record for id.
func (v *View[T]) Find(id ID) (T, bool) {
	r, ok := v.byID[id]
	return r, ok
}

// At returns the i-th record in view order.
func (v *View[T]) At(i int) T { return v.rows[i] }

// Rows returns a copy of the records in view order.
func (v *View[T]) Rows() []T { return slices.Clone(v.rows) }

// All returns an iterator over the records in view order.
func (v *View[T]) All() iter.Seq[T] {
	return func(yield func(T) bool) {
		for _, r := range v.rows {
			if !yield(r) {
				return
			}
		}
	}
}

// Subscribe implements [Observable]. The snapshot is the view itself.
func (v *View[T]) Subscribe(onNext func(*View[T]), onInvalidate func()) func() {
	return v.obs.subscribe(v, onNext, onInvalidate)
}

// Where returns the view of the records of v that also satisfy pred.
//
// An empty label is derived from the function name.
func (v *View[T]) Where(pred Predicate[T], label string) *View[T] {
	if pred == nil {
		return v
	}
	if label == "" {
		label = funcLabel(pred)
	}
	where, whereLabel := pred, label
	if parent := v.where; parent != nil {
		where = func(r T) bool { return parent(r) && pred(r) }
		whereLabel = v.whereLabel + "&" + label
	}
	return v.derive(where, whereLabel, v.order, v.orderLabel, v.desc)
}

// Order returns the view of v sorted by fn.
//
// Ordering again with the label of the current ordering toggles the direction;
// any other label starts a fresh ascending ordering. A nil fn removes the
// ordering.
func (v *View[T]) Order(fn OrderFunc[T], label string) *View[T] {
	if fn == nil {
		return v.derive(v.where, v.whereLabel, nil, "", false)
	}
	if label == "" {
		label = funcLabel(fn)
	}
	desc := false
	if v.order != nil && v.orderLabel == label {
		desc = !v.desc
	}
	return v.derive(v.where, v.whereLabel, fn, label, desc)
}

// Shuffle returns the view of v in random order.
//
// The shuffled view is memoized like any other, but its order is not
// reproducible: callers must not rely on identity or order across calls.
func (v *View[T]) Shuffle() *View[T] {
	return v.derive(v.where, v.whereLabel, func(T) SortKey { return SortKey{rand.Float64()} }, shuffleLabel, false)
}

func (v *View[T]) derive(where Predicate[T], whereLabel string, order OrderFunc[T], orderLabel string, desc bool) *View[T] {
	key := derivationKey(whereLabel, desc, orderLabel)
	if key == v.base.key {
		return v.base
	}
	if p, ok := v.reg.get(key); ok {
		if child, ok := p.(*View[T]); ok {
			return child
		}
	}
	child := newView(v.finder, v.reg, where, whereLabel, order, orderLabel, desc)
	child.base = v.base
	child.set(v.base.rows)
	v.reg.put(key, child)
	slog.Debug("livedb: view materialized", "key", key, "rows", child.Len())
	return child
}

func (v *View[T]) accepts(r T) bool {
	return v.where == nil || v.where(r)
}

// set rebuilds the view from scratch. Duplicate IDs keep the last occurrence.
func (v *View[T]) set(records []T) {
	last := make(map[ID]int, len(records))
	for i, r := range records {
		last[v.finder(r)] = i
	}
	v.rows = make([]T, 0, len(last))
	v.keys = nil
	v.byID = make(map[ID]T, len(last))
	v.keyByID = make(map[ID]SortKey)
	for i, r := range records {
		id := v.finder(r)
		if last[id] != i || !v.accepts(r) {
			continue
		}
		v.byID[id] = r
		v.rows = append(v.rows, r)
	}
	if v.order != nil {
		v.sortRows()
	}
	v.publish()
}

// sortRows sorts freshly loaded rows. A stable sort yields the same order as
// inserting the rows one by one.
func (v *View[T]) sortRows() {
	type entry struct {
		row T
		key SortKey
	}
	entries := make([]entry, len(v.rows))
	for i, r := range v.rows {
		entries[i] = entry{row: r, key: v.order(r)}
	}
	slices.SortStableFunc(entries, func(a, b entry) int {
		return CompareKeys(a.key, b.key, v.desc)
	})
	v.keys = make([]SortKey, len(entries))
	for i, e := range entries {
		v.rows[i] = e.row
		v.keys[i] = e.key
		v.keyByID[v.finder(e.row)] = e.key
	}
}

func (v *View[T]) add(records []T) {
	for _, r := range records {
		if !v.accepts(r) {
			v.remove(v.finder(r))
			continue
		}
		v.insert(r)
	}
	v.publish()
}

func (v *View[T]) delBy(ids []ID) {
	for _, id := range ids {
		v.remove(id)
	}
	v.publish()
}

// insert upserts one record at its sorted position.
func (v *View[T]) insert(r T) {
	id := v.finder(r)
	v.remove(id)
	v.byID[id] = r
	if v.order == nil {
		v.rows = append(v.rows, r)
		return
	}
	k := v.order(r)
	i := SpliceAtKey(v.keys, k, v.desc)
	v.rows = slices.Insert(v.rows, i, r)
	v.keys = slices.Insert(v.keys, i, k)
	v.keyByID[id] = k
}

func (v *View[T]) remove(id ID) bool {
	if _, ok := v.byID[id]; !ok {
		return false
	}
	i := v.indexOf(id)
	if i >= 0 {
		v.rows = slices.Delete(v.rows, i, i+1)
		if v.order != nil {
			v.keys = slices.Delete(v.keys, i, i+1)
		}
	}
	delete(v.byID, id)
	delete(v.keyByID, id)
	return true
}

// indexOf locates id in rows. Sorted views search the run of equal keys.
func (v *View[T]) indexOf(id ID) int {
	if k, ok := v.keyByID[id]; ok && v.order != nil {
		for i := searchKey(v.keys, k, v.desc); i < len(v.keys) && CompareKeys(v.keys[i], k, v.desc) == 0; i++ {
			if v.finder(v.rows[i]) == id {
				return i
			}
		}
	}
	for i, r := range v.rows {
		if v.finder(r) == id {
			return i
		}
	}
	return -1
}

func (v *View[T]) publish() {
	v.obs.publish(v)
}
