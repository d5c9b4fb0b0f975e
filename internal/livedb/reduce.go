// Incremental map-reduce over the records of a view.

package livedb

import (
	"log/slog"
	"strconv"
)

// Mapper maps one record to aggregation tool calls. It must be pure: the
// engine runs it again whenever the record is upserted.
type Mapper[T any] func(item T, id ID, x *Tools)

// Contribution is the input one record made to one tool call-site.
type Contribution struct {
	Value any
	Item  any
	ID    ID
}

// Hook is the state of one aggregation tool call-site.
//
// Reset runs when the hook is created and on every full resync. Add applies
// one record's contribution and Del retracts it. Calc derives the published
// fields once per batch, after every Add and Del.
type Hook interface {
	Reset()
	Calc()
	Add(c Contribution)
	Del(c Contribution)
}

// HookFactory creates the hook of a call-site. out is the result the hook
// writes into: the root result or the group active at the call.
type HookFactory func(out *Result) Hook

// Reducer maintains the aggregation result of one mapper over one view.
type Reducer[T any] struct {
	key    string
	view   *View[T]
	mapper Mapper[T]
	e      *engine
	tools  *Tools
	obs    observers[*Result]
}

// Reduce returns the aggregation of mapper over the records of v.
//
// Reducers are memoized by view key and label; an empty label is derived from
// the function name.
func (v *View[T]) Reduce(mapper Mapper[T], label string) *Reducer[T] {
	if label == "" {
		label = funcLabel(mapper)
	}
	key := v.key + ":" + label
	if p, ok := v.reg.get(key); ok {
		if r, ok := p.(*Reducer[T]); ok {
			return r
		}
	}
	e := newEngine()
	r := &Reducer[T]{key: key, view: v, mapper: mapper, e: e, tools: &Tools{e: e}}
	r.set(v.base.rows)
	v.reg.put(key, r)
	slog.Debug("livedb: reducer materialized", "key", key, "items", len(e.items))
	return r
}

// Key returns the memoization key of the reducer.
func (r *Reducer[T]) Key() string { return r.key }

// Result returns the live aggregation result.
func (r *Reducer[T]) Result() *Result { return r.e.root }

// Subscribe implements [Observable]. The snapshot is the live result.
func (r *Reducer[T]) Subscribe(onNext func(*Result), onInvalidate func()) func() {
	return r.obs.subscribe(r.e.root, onNext, onInvalidate)
}

func (r *Reducer[T]) set(records []T) {
	r.e.reset()
	for _, item := range records {
		r.apply(item)
	}
	r.publish()
}

func (r *Reducer[T]) add(records []T) {
	for _, item := range records {
		r.apply(item)
	}
	r.publish()
}

func (r *Reducer[T]) delBy(ids []ID) {
	for _, id := range ids {
		r.e.retract(id)
	}
	r.publish()
}

func (r *Reducer[T]) apply(item T) {
	id := r.view.finder(item)
	if !r.view.accepts(item) {
		r.e.retract(id)
		return
	}
	r.e.run(item, id, func() { r.mapper(item, id, r.tools) })
}

func (r *Reducer[T]) publish() {
	r.e.calc()
	r.obs.publish(r.e.root)
}

type applied struct {
	path string
	c    Contribution
}

// frame is the write target and namespace saved by [Tools.At].
type frame struct {
	target  *Result
	group   string
	ordinal int
}

// engine holds the hook registry of one reducer, keyed by invocation path,
// and the cursor used while a mapper runs.
type engine struct {
	root  *Result
	hooks map[string]Hook
	paths []string // creation order
	items map[ID][]applied

	item    any
	id      ID
	cur     frame
	stack   []frame
	pending []applied
}

func newEngine() *engine {
	return &engine{
		root:  newResult(),
		hooks: make(map[string]Hook),
		items: make(map[ID][]applied),
	}
}

// reset empties the result, re-arms every hook and forgets every
// contribution.
func (e *engine) reset() {
	e.root.clear()
	for _, p := range e.paths {
		e.hooks[p].Reset()
	}
	e.items = make(map[ID][]applied)
}

// run maps one record, retracts its previous contributions and applies the
// new ones.
func (e *engine) run(item any, id ID, mapFn func()) {
	e.item, e.id = item, id
	e.cur = frame{target: e.root}
	e.stack = e.stack[:0]
	e.pending = nil
	mapFn()
	next := e.pending
	e.pending = nil
	e.item, e.id = nil, nil

	for _, a := range e.items[id] {
		e.hooks[a.path].Del(a.c)
	}
	for _, a := range next {
		e.hooks[a.path].Add(a.c)
	}
	e.items[id] = next
}

func (e *engine) retract(id ID) {
	prev, ok := e.items[id]
	if !ok {
		return
	}
	for _, a := range prev {
		e.hooks[a.path].Del(a.c)
	}
	delete(e.items, id)
}

func (e *engine) calc() {
	for _, p := range e.paths {
		e.hooks[p].Calc()
	}
}

// invoke registers a call-site and records the current record's contribution
// to it.
func (e *engine) invoke(name string, factory HookFactory, value any) {
	e.cur.ordinal++
	path := e.cur.group + "/" + strconv.Itoa(e.cur.ordinal) + "/" + name
	if _, ok := e.hooks[path]; !ok {
		h := factory(e.cur.target)
		e.hooks[path] = h
		e.paths = append(e.paths, path)
		h.Reset()
	}
	e.pending = append(e.pending, applied{path: path, c: Contribution{Value: value, Item: e.item, ID: e.id}})
}

func (e *engine) push(label string) {
	e.stack = append(e.stack, e.cur)
	e.cur = frame{
		target: e.cur.target.at(label),
		group:  e.cur.group + "/" + strconv.Itoa(e.cur.ordinal) + "/" + label,
	}
}

func (e *engine) pop() {
	n := len(e.stack) - 1
	e.cur = e.stack[n]
	e.stack = e.stack[:n]
}
