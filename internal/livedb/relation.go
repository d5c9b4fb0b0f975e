// Bidirectional key bindings between tables and traversals over them.

package livedb

import (
	"log/slog"
	"slices"
	"strconv"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// KeyFunc extracts the join keys of a record. A nil or empty result means the
// record is not bound. Keys must be comparable; 1 and 1.0 are different keys.
type KeyFunc[T any] func(T) []any

// Key adapts a single-valued extractor into a KeyFunc. A nil value is
// absent.
func Key[T any](fn func(T) any) KeyFunc[T] {
	return func(r T) []any {
		if k := fn(r); k != nil {
			return []any{k}
		}
		return nil
	}
}

// TreeMode selects the partition returned by [Repeat].
type TreeMode int

const (
	// TreeAll returns every reachable record.
	TreeAll TreeMode = iota
	// TreeLeaf returns the reachable records without further matches.
	TreeLeaf
	// TreeNode returns the reachable records with further matches.
	TreeNode
)

// String implements fmt.Stringer.
func (m TreeMode) String() string {
	switch m {
	case TreeAll:
		return "all"
	case TreeLeaf:
		return "leaf"
	case TreeNode:
		return "node"
	default:
		return "TreeMode(" + strconv.Itoa(int(m)) + ")"
	}
}

const (
	left  = 0
	right = 1
)

type side struct {
	id    func(any) ID
	keys  func(any) []any
	bound map[ID][]any // keys each record is currently bound under
}

type bucket struct {
	members [2]*orderedmap.OrderedMap[ID, any]
}

// binding is the key -> (left members, right members) index of one hop.
type binding struct {
	label   string
	sides   [2]side
	buckets map[any]*bucket
}

func newBinding(label string, l, r side) *binding {
	l.bound = make(map[ID][]any)
	r.bound = make(map[ID][]any)
	return &binding{label: label, sides: [2]side{l, r}, buckets: make(map[any]*bucket)}
}

// bind retracts any previous binding of rec's ID, then binds rec under its
// current keys.
func (b *binding) bind(s int, rec any) {
	id := b.sides[s].id(rec)
	b.unbind(s, id)
	keys := b.sides[s].keys(rec)
	var bound []any
	for _, k := range keys {
		if k == nil || slices.Contains(bound, k) {
			continue
		}
		bk := b.buckets[k]
		if bk == nil {
			bk = &bucket{members: [2]*orderedmap.OrderedMap[ID, any]{
				orderedmap.New[ID, any](),
				orderedmap.New[ID, any](),
			}}
			b.buckets[k] = bk
		}
		bk.members[s].Set(id, rec)
		bound = append(bound, k)
	}
	if len(bound) > 0 {
		b.sides[s].bound[id] = bound
	}
}

func (b *binding) unbind(s int, id ID) {
	keys, ok := b.sides[s].bound[id]
	if !ok {
		return
	}
	for _, k := range keys {
		bk := b.buckets[k]
		if bk == nil {
			continue
		}
		bk.members[s].Delete(id)
		if bk.members[left].Len() == 0 && bk.members[right].Len() == 0 {
			delete(b.buckets, k)
		}
	}
	delete(b.sides[s].bound, id)
}

func (b *binding) reset(s int) {
	for id := range b.sides[s].bound {
		b.unbind(s, id)
	}
}

// match returns the records on the opposite side of s bound under the keys
// of recs, in discovery order without duplicates.
func (b *binding) match(s int, recs []any) []any {
	o := 1 - s
	seen := make(map[ID]bool)
	var out []any
	for _, rec := range recs {
		for _, k := range b.sides[s].keys(rec) {
			if k == nil {
				continue
			}
			bk := b.buckets[k]
			if bk == nil {
				continue
			}
			for pair := bk.members[o].Oldest(); pair != nil; pair = pair.Next() {
				if seen[pair.Key] {
					continue
				}
				seen[pair.Key] = true
				out = append(out, pair.Value)
			}
		}
	}
	return out
}

// bindingSide feeds one table's mutations into one side of a binding.
type bindingSide[T any] struct {
	b *binding
	s int
}

func (p *bindingSide[T]) set(records []T) {
	p.b.reset(p.s)
	for _, r := range records {
		p.b.bind(p.s, r)
	}
}

func (p *bindingSide[T]) add(records []T) {
	for _, r := range records {
		p.b.bind(p.s, r)
	}
}

func (p *bindingSide[T]) delBy(ids []ID) {
	for _, id := range ids {
		p.b.unbind(p.s, id)
	}
}

// hop is one binding in a relation chain, with the ordering applied to its
// forward matches.
type hop struct {
	b          *binding
	order      func(any) SortKey
	orderLabel string
	desc       bool
}

func (h *hop) forward(recs []any) []any {
	out := h.b.match(left, recs)
	if h.order != nil && len(out) > 1 {
		keys := make([]SortKey, len(out))
		idx := make([]int, len(out))
		for i, r := range out {
			idx[i] = i
			keys[i] = h.order(r)
		}
		slices.SortStableFunc(idx, func(a, b int) int { return CompareKeys(keys[a], keys[b], h.desc) })
		sorted := make([]any, len(out))
		for i, j := range idx {
			sorted[i] = out[j]
		}
		out = sorted
	}
	return out
}

func (h *hop) backward(recs []any) []any {
	return h.b.match(right, recs)
}

// Relation is a chain of bindings from records of a root table (R) to records
// of a tip table (U).
type Relation[R, U any] struct {
	root *Table[R]
	tip  *Table[U]
	hops []*hop
}

// Join starts a relation chain at t. With no hop, traversals return their
// input.
func Join[T any](t *Table[T]) *Relation[T, T] {
	return &Relation[T, T]{root: t, tip: t}
}

// To extends the chain by one hop to target. A record of the current tip
// matches the records of target sharing a key: fk extracts the keys on the
// tip side and pk on the target side. A nil pk binds target records by their
// ID.
//
// The binding is registered on both tables and updated with them. A non-empty
// label memoizes the binding: calling To again with the same label and tables
// shares the index. An empty label always creates a new binding.
func To[R, T, U any](r *Relation[R, T], target *Table[U], label string, fk KeyFunc[T], pk KeyFunc[U]) *Relation[R, U] {
	if pk == nil {
		finder := target.finder
		pk = func(u U) []any { return []any{finder(u)} }
	}
	src := r.tip
	var b *binding
	if label != "" {
		b = lookupBinding(src, target, label)
	}
	if b == nil {
		if label == "" {
			src.reg.seq++
			label = "#" + strconv.Itoa(src.reg.seq)
		}
		srcFinder, dstFinder := src.finder, target.finder
		b = newBinding(label,
			side{id: func(a any) ID { return srcFinder(a.(T)) }, keys: func(a any) []any { return fk(a.(T)) }},
			side{id: func(a any) ID { return dstFinder(a.(U)) }, keys: func(a any) []any { return pk(a.(U)) }},
		)
		ls := &bindingSide[T]{b: b, s: left}
		rs := &bindingSide[U]{b: b, s: right}
		ls.set(src.base.rows)
		rs.set(target.base.rows)
		src.reg.put(relationKey(label, left), ls)
		target.reg.put(relationKey(label, right), rs)
		slog.Debug("livedb: relation bound", "label", label, "keys", len(b.buckets))
	}
	hops := append(slices.Clone(r.hops), &hop{b: b})
	return &Relation[R, U]{root: r.root, tip: target, hops: hops}
}

func relationKey(label string, s int) string {
	if s == left {
		return "relation:" + label + ":fk"
	}
	return "relation:" + label + ":pk"
}

func lookupBinding[T, U any](src *Table[T], dst *Table[U], label string) *binding {
	lp, ok := src.reg.get(relationKey(label, left))
	if !ok {
		return nil
	}
	rp, ok := dst.reg.get(relationKey(label, right))
	if !ok {
		return nil
	}
	ls, ok1 := lp.(*bindingSide[T])
	rs, ok2 := rp.(*bindingSide[U])
	if !ok1 || !ok2 || ls.b != rs.b {
		return nil
	}
	return ls.b
}

// Order returns the relation whose last hop sorts its matches by fn.
// Ordering again with the same label toggles the direction.
func (r *Relation[R, U]) Order(fn OrderFunc[U], label string) *Relation[R, U] {
	if len(r.hops) == 0 {
		return r
	}
	if label == "" {
		label = funcLabel(fn)
	}
	last := *r.hops[len(r.hops)-1]
	desc := false
	if last.order != nil && last.orderLabel == label {
		desc = !last.desc
	}
	last.orderLabel, last.desc = label, desc
	last.order = nil
	if fn != nil {
		last.order = func(a any) SortKey { return fn(a.(U)) }
	}
	hops := slices.Clone(r.hops)
	hops[len(hops)-1] = &last
	return &Relation[R, U]{root: r.root, tip: r.tip, hops: hops}
}

// Forward returns the tip records reachable from roots through every hop.
func (r *Relation[R, U]) Forward(roots ...R) []U {
	cur := make([]any, len(roots))
	for i, x := range roots {
		cur[i] = x
	}
	for _, h := range r.hops {
		cur = h.forward(cur)
	}
	return castAll[U](cur)
}

// Backward returns the root records reaching tips through every hop.
func (r *Relation[R, U]) Backward(tips ...U) []R {
	cur := make([]any, len(tips))
	for i, x := range tips {
		cur[i] = x
	}
	for i := len(r.hops) - 1; i >= 0; i-- {
		cur = r.hops[i].backward(cur)
	}
	return castAll[R](cur)
}

// Members returns the tip records bound under key by the last hop.
func (r *Relation[R, U]) Members(key any) []U {
	if len(r.hops) == 0 {
		return nil
	}
	bk := r.hops[len(r.hops)-1].b.buckets[key]
	if bk == nil {
		return nil
	}
	out := make([]U, 0, bk.members[right].Len())
	for pair := bk.members[right].Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value.(U))
	}
	return out
}

// Reduce aggregates mapper over the tip table.
func (r *Relation[R, U]) Reduce(mapper Mapper[U], label string) *Reducer[U] {
	return r.tip.Reduce(mapper, label)
}

// Repeat walks the relation transitively from roots, depth first: each match
// is reported before its own matches. A record without matches is a leaf,
// otherwise a node; mode selects which are returned.
//
// Each record is walked and reported at most once, even when several paths
// reach it, so cyclic data terminates. Roots count as visited.
func Repeat[T any](r *Relation[T, T], mode TreeMode, roots ...T) []T {
	visited := make(map[ID]bool)
	for _, x := range roots {
		visited[r.root.finder(x)] = true
	}
	step := func(rec any) []any {
		cur := []any{rec}
		for _, h := range r.hops {
			cur = h.forward(cur)
		}
		return cur
	}
	var out []T
	var expand func(matches []any)
	expand = func(matches []any) {
		for _, m := range matches {
			id := r.tip.finder(m.(T))
			if visited[id] {
				continue
			}
			visited[id] = true
			kids := step(m)
			leaf := len(kids) == 0
			if mode == TreeAll || (mode == TreeLeaf) == leaf {
				out = append(out, m.(T))
			}
			if !leaf {
				expand(kids)
			}
		}
	}
	if len(r.hops) == 0 {
		return nil
	}
	for _, x := range roots {
		expand(step(x))
	}
	return out
}

func castAll[U any](in []any) []U {
	out := make([]U, len(in))
	for i, x := range in {
		out[i] = x.(U)
	}
	return out
}
