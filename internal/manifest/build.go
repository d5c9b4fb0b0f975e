// Materializes a manifest over a live table.

package manifest

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/maruel/livetable/internal/livedb"
	"github.com/maruel/livetable/internal/source"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Live holds the derivations declared by a manifest, kept up to date by
// their table.
type Live struct {
	Table     *livedb.Table[source.Record]
	Views     *orderedmap.OrderedMap[string, *livedb.View[source.Record]]
	Reduces   *orderedmap.OrderedMap[string, *livedb.Reducer[source.Record]]
	Relations *orderedmap.OrderedMap[string, *Relation]
}

// Relation is a materialized relation declaration.
type Relation struct {
	Config *RelationConfig
	Rel    *livedb.Relation[source.Record, source.Record]
	// Step is the single hop used by transitive walks.
	Step *livedb.Relation[source.Record, source.Record]
}

// Build materializes every declaration of m over tbl. Derivations are
// registered on tbl and share its memoization.
func (m *Manifest) Build(tbl *livedb.Table[source.Record]) (*Live, error) {
	l := &Live{
		Table:     tbl,
		Views:     orderedmap.New[string, *livedb.View[source.Record]](),
		Reduces:   orderedmap.New[string, *livedb.Reducer[source.Record]](),
		Relations: orderedmap.New[string, *Relation](),
	}
	for i := range m.Views {
		cfg := &m.Views[i]
		l.Views.Set(cfg.Name, buildView(tbl, cfg))
	}
	for i := range m.Reduces {
		cfg := &m.Reduces[i]
		var v *livedb.View[source.Record] = tbl.View
		if cfg.View != "" {
			var ok bool
			if v, ok = l.Views.Get(cfg.View); !ok {
				return nil, fmt.Errorf("reduce %q: unknown view %q", cfg.Name, cfg.View)
			}
		}
		l.Reduces.Set(cfg.Name, v.Reduce(mapper(cfg), "reduce:"+cfg.Name))
	}
	for i := range m.Relations {
		cfg := &m.Relations[i]
		l.Relations.Set(cfg.Name, buildRelation(tbl, cfg))
	}
	slog.Debug("manifest: built", "views", l.Views.Len(), "reduces", l.Reduces.Len(), "relations", l.Relations.Len())
	return l, nil
}

func buildView(tbl *livedb.Table[source.Record], cfg *ViewConfig) *livedb.View[source.Record] {
	v := tbl.View
	if len(cfg.Filters) > 0 {
		filters := cfg.Filters
		v = v.Where(func(r source.Record) bool { return matchesFilters(r, filters) }, "view:"+cfg.Name)
	}
	switch {
	case cfg.Shuffle:
		v = v.Shuffle()
	case len(cfg.Sorts) > 0:
		sorts := cfg.Sorts
		fn := func(r source.Record) livedb.SortKey {
			k := make(livedb.SortKey, len(sorts))
			for i := range sorts {
				k[i] = r[sorts[i].Property]
			}
			return k
		}
		label := "sort:" + cfg.Name
		v = v.Order(fn, label)
		if sorts[0].desc() {
			// Ordering again by the same label flips the direction.
			asc := v
			v = v.Order(fn, label)
			tbl.Drop(asc.Key())
		}
	}
	return v
}

func buildRelation(tbl *livedb.Table[source.Record], cfg *RelationConfig) *Relation {
	label := "manifest:" + cfg.Name
	from, to := cfg.From, cfg.To
	fk := livedb.Key(func(r source.Record) any { return r[from] })
	pk := func(r source.Record) []any {
		var keys []any
		for _, p := range to {
			if v, ok := r[p]; ok && v != nil {
				keys = append(keys, v)
			}
		}
		return keys
	}
	step := livedb.To(livedb.Join(tbl), tbl, label, fk, pk)
	rel := step
	for range max(cfg.Depth, 1) - 1 {
		rel = livedb.To(rel, tbl, label, fk, pk)
	}
	return &Relation{Config: cfg, Rel: rel, Step: step}
}

// Query evaluates the relation from root.
func (r *Relation) Query(root source.Record) []source.Record {
	switch r.Config.Tree {
	case "all":
		return livedb.Repeat(r.Step, livedb.TreeAll, root)
	case "leaf":
		return livedb.Repeat(r.Step, livedb.TreeLeaf, root)
	case "node":
		return livedb.Repeat(r.Step, livedb.TreeNode, root)
	default:
		return r.Rel.Forward(root)
	}
}

// Snapshot returns the current state of every declaration: view rows,
// aggregation results and, when root names a record, the relation matches
// from that record.
func (l *Live) Snapshot(root livedb.ID) *orderedmap.OrderedMap[string, any] {
	out := orderedmap.New[string, any]()
	views := orderedmap.New[string, any]()
	for pair := l.Views.Oldest(); pair != nil; pair = pair.Next() {
		views.Set(pair.Key, pair.Value.Rows())
	}
	out.Set("views", views)
	reduces := orderedmap.New[string, any]()
	for pair := l.Reduces.Oldest(); pair != nil; pair = pair.Next() {
		reduces.Set(pair.Key, pair.Value.Result())
	}
	out.Set("reduces", reduces)
	if rec, ok := l.Table.Find(root); ok && l.Relations.Len() > 0 {
		rels := orderedmap.New[string, any]()
		for pair := l.Relations.Oldest(); pair != nil; pair = pair.Next() {
			rels.Set(pair.Key, pair.Value.Query(rec))
		}
		out.Set("relations", rels)
	}
	return out
}

// Close drops every derivation of l from its table.
func (l *Live) Close() {
	for pair := l.Reduces.Oldest(); pair != nil; pair = pair.Next() {
		l.Table.Drop(pair.Value.Key())
	}
	for pair := l.Views.Oldest(); pair != nil; pair = pair.Next() {
		if k := pair.Value.Key(); k != l.Table.Key() {
			l.Table.Drop(k)
		}
	}
	for _, k := range l.Table.Derivations() {
		if strings.HasPrefix(k, "relation:manifest:") {
			l.Table.Drop(k)
		}
	}
}

// mapper compiles the tools of cfg into a mapper. Each tool makes exactly one
// call per record, or one [livedb.Tools.Skip] when the record lacks the
// property, so that call-sites stay aligned across records.
func mapper(cfg *ReduceConfig) livedb.Mapper[source.Record] {
	tools := cfg.Tools
	groupBy := cfg.GroupBy
	return func(r source.Record, _ livedb.ID, x *livedb.Tools) {
		run := func() {
			for i := range tools {
				applyTool(&tools[i], r, x)
			}
		}
		if groupBy == "" {
			run()
			return
		}
		label := "(none)"
		if v, ok := r[groupBy]; ok && v != nil {
			label = fmt.Sprint(v)
		}
		x.At(label, run)
	}
}

func applyTool(t *ToolConfig, r source.Record, x *livedb.Tools) {
	switch t.Tool {
	case "count":
		if t.Property == "" || !isEmpty(r[t.Property]) {
			x.Count()
		} else {
			x.Skip()
		}
		return
	case "average":
		x.Average()
		return
	}
	v, ok := r[t.Property]
	if !ok || v == nil {
		x.Skip()
		return
	}
	switch t.Tool {
	case "frequency":
		x.Frequency(v)
		return
	case "min":
		x.Min(v)
		return
	case "max":
		x.Max(v)
		return
	case "range":
		x.Range(v)
		return
	case "median":
		x.Median(v)
		return
	case "tertile":
		x.Tertile(v)
		return
	case "quintile":
		x.Quintile(v)
		return
	case "quantile":
		x.Quantile(t.Labels...)(v)
		return
	}
	f, ok := toFloat(v)
	if !ok {
		x.Skip()
		return
	}
	switch t.Tool {
	case "sum":
		x.Sum(f)
	case "pow":
		x.Pow(f)
	case "variance":
		x.Variance(f)
	default:
		x.Skip()
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}
