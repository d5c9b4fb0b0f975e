package livedb

import (
	"encoding/json"
	"math"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Result is the aggregation output of one mapper: an ordered mapping from
// field name to value. Groups created with [Tools.At] are nested *Result
// values.
type Result struct {
	fields *orderedmap.OrderedMap[string, any]
	claims map[string]int // live publishers per field
}

func newResult() *Result {
	return &Result{fields: orderedmap.New[string, any]()}
}

// Get returns the value of a field.
func (r *Result) Get(name string) (any, bool) {
	return r.fields.Get(name)
}

// Has reports whether a field is set.
func (r *Result) Has(name string) bool {
	_, ok := r.fields.Get(name)
	return ok
}

// Float returns a numeric field as float64.
func (r *Result) Float(name string) (float64, bool) {
	v, ok := r.fields.Get(name)
	if !ok {
		return 0, false
	}
	f, ok := v.(float64)
	return f, ok
}

// Set sets a field. Custom tools use it from their hooks.
func (r *Result) Set(name string, value any) {
	r.fields.Set(name, value)
}

// Delete unsets a field.
func (r *Result) Delete(name string) {
	r.fields.Delete(name)
}

// Group returns the nested result created by [Tools.At] under label.
func (r *Result) Group(label string) (*Result, bool) {
	v, ok := r.fields.Get(label)
	if !ok {
		return nil, false
	}
	g, ok := v.(*Result)
	return g, ok
}

// Keys returns the field names in insertion order.
func (r *Result) Keys() []string {
	keys := make([]string, 0, r.fields.Len())
	for pair := r.fields.Oldest(); pair != nil; pair = pair.Next() {
		keys = append(keys, pair.Key)
	}
	return keys
}

// Len returns the number of fields.
func (r *Result) Len() int {
	return r.fields.Len()
}

// Standard returns the standard score of value against the "avg" and "sd"
// fields published by [Tools.Variance].
func (r *Result) Standard(value float64) (float64, bool) {
	avg, ok := r.Float("avg")
	if !ok {
		return 0, false
	}
	sd, ok := r.Float("sd")
	if !ok || sd == 0 {
		return 0, false
	}
	return (value - avg) / sd, true
}

// MarshalJSON implements json.Marshaler. Non-finite floats are emitted as
// null since JSON cannot represent them.
func (r *Result) MarshalJSON() ([]byte, error) {
	out := orderedmap.New[string, any]()
	for pair := r.fields.Oldest(); pair != nil; pair = pair.Next() {
		v := pair.Value
		if f, ok := v.(float64); ok && (math.IsNaN(f) || math.IsInf(f, 0)) {
			v = nil
		}
		out.Set(pair.Key, v)
	}
	return json.Marshal(out)
}

// at returns the nested group under label, creating it when needed. A
// non-group value already stored under label is replaced.
func (r *Result) at(label string) *Result {
	if g, ok := r.Group(label); ok {
		return g
	}
	g := newResult()
	r.fields.Set(label, g)
	return g
}

func (r *Result) float(name string) float64 {
	f, _ := r.Float(name)
	return f
}

// init sets a field unless it is already set. Tools sharing a field keep
// each other's contributions.
func (r *Result) init(name string, value any) {
	if !r.Has(name) {
		r.fields.Set(name, value)
	}
}

// clear unsets every field and claim. Nested groups are kept, emptied, since
// hooks hold on to them.
func (r *Result) clear() {
	for pair := r.fields.Oldest(); pair != nil; {
		next := pair.Next()
		if g, ok := pair.Value.(*Result); ok {
			g.clear()
		} else {
			r.fields.Delete(pair.Key)
		}
		pair = next
	}
	r.claims = nil
}

// claim records one more publisher of each field.
func (r *Result) claim(names []string) {
	if r.claims == nil {
		r.claims = make(map[string]int)
	}
	for _, n := range names {
		r.claims[n]++
	}
}

// release drops one publisher of each field and unsets the fields left
// without any.
func (r *Result) release(names []string) {
	for _, n := range names {
		if r.claims[n]--; r.claims[n] <= 0 {
			delete(r.claims, n)
			r.fields.Delete(n)
		}
	}
}
