// Aggregation tool catalog.

package livedb

import (
	"fmt"
	"math"
	"slices"
	"sort"
	"strconv"
	"strings"
)

// Tools is handed to a [Mapper]. Each method call is one aggregation
// call-site; its state is isolated by invocation path.
type Tools struct {
	e *engine
}

// Invoke registers a custom tool call-site named name. factory creates the
// hook the first time the call-site is seen; value is the current record's
// contribution.
func (x *Tools) Invoke(name string, factory HookFactory, value any) {
	x.e.invoke(name, factory, value)
}

// At redirects the tool calls made inside fn into the nested result under
// label. The previous target is restored when fn returns, including on panic.
func (x *Tools) At(label string, fn func()) {
	x.e.push(label)
	defer x.e.pop()
	fn()
}

// Skip stands in for one tool call the current record does not make, so that
// the call-sites after it keep their invocation paths.
func (x *Tools) Skip() {
	x.e.cur.ordinal++
}

// Count adds 1 to "count".
func (x *Tools) Count() { x.CountN(1) }

// CountN adds n to "count".
func (x *Tools) CountN(n float64) {
	x.e.invoke("COUNT", func(out *Result) Hook { return &accumHook{out: out, field: "count"} }, n)
}

// Sum adds n to "sum".
func (x *Tools) Sum(n float64) {
	x.e.invoke("SUM", func(out *Result) Hook { return &accumHook{out: out, field: "sum"} }, n)
}

// Pow multiplies "pow" by n.
func (x *Tools) Pow(n float64) {
	x.e.invoke("POW", func(out *Result) Hook { return &powHook{out: out} }, n)
}

// Average publishes "avg" from the "sum" and "count" fields of the same
// target, or the geometric mean from "pow" and "count". "avg" stays unset
// while neither pair is present.
func (x *Tools) Average() {
	x.e.invoke("AVERAGE", func(out *Result) Hook { return &averageHook{out: out} }, nil)
}

// Frequency counts the records per distinct value of v, one field per value.
func (x *Tools) Frequency(v any) {
	field := fmt.Sprint(v)
	x.e.invoke("FREQUENCY."+field, func(out *Result) Hook { return &accumHook{out: out, field: field} }, 1.0)
}

// Variance publishes "avg", "variance" (sample variance) and "sd" over the
// samples v. Each sample also adds to the "sum" and "count" fields it shares
// with [Tools.Sum] and [Tools.Count] on the same target. See [Result.Standard].
func (x *Tools) Variance(v float64) { x.VarianceN(v, 1) }

// VarianceN is Variance where the sample counts n times in "count".
func (x *Tools) VarianceN(v, n float64) {
	x.e.invoke("VARIANCE", func(out *Result) Hook { return &varianceHook{out: out} }, sample{x: v, n: n})
}

// Quantile returns a tool publishing, for each label, the key at that rank
// along with the owning record ID ("<label>_id") and record ("<label>_is").
//
// Labels are "min", "max", "med", "median", fractions such as "1/3", or
// decimals such as "0.25". Invalid labels are ignored.
func (x *Tools) Quantile(labels ...string) func(key any) {
	ranks := parseRanks(labels)
	return func(key any) {
		x.e.invoke("QUANTILE", func(out *Result) Hook { return newQuantileHook(out, ranks) }, key)
	}
}

// Max publishes the largest key under "max".
func (x *Tools) Max(key any) { x.Quantile("max")(key) }

// Min publishes the smallest key under "min".
func (x *Tools) Min(key any) { x.Quantile("min")(key) }

// Range publishes "min" and "max".
func (x *Tools) Range(key any) { x.Quantile("min", "max")(key) }

// Median publishes "median".
func (x *Tools) Median(key any) { x.Quantile("median")(key) }

// Tertile publishes "min", "1/3", "2/3" and "max".
func (x *Tools) Tertile(key any) { x.Quantile("min", "1/3", "2/3", "max")(key) }

// Quintile publishes "min", "1/5" to "4/5" and "max".
func (x *Tools) Quintile(key any) { x.Quantile("min", "1/5", "2/5", "3/5", "4/5", "max")(key) }

// accumHook adds contributions into one field. Used by COUNT, SUM and
// FREQUENCY.
type accumHook struct {
	out   *Result
	field string
}

func (h *accumHook) Reset() { h.out.init(h.field, 0.0) }
func (h *accumHook) Calc()  {}

func (h *accumHook) Add(c Contribution) {
	h.out.Set(h.field, h.out.float(h.field)+c.Value.(float64))
}

func (h *accumHook) Del(c Contribution) {
	h.out.Set(h.field, h.out.float(h.field)-c.Value.(float64))
}

type powHook struct {
	out *Result
}

func (h *powHook) Reset() { h.out.init("pow", 1.0) }
func (h *powHook) Calc()  {}

func (h *powHook) Add(c Contribution) {
	h.out.Set("pow", h.out.float("pow")*c.Value.(float64))
}

func (h *powHook) Del(c Contribution) {
	h.out.Set("pow", h.out.float("pow")/c.Value.(float64))
}

type averageHook struct {
	out *Result
}

func (h *averageHook) Reset()           {}
func (h *averageHook) Add(Contribution) {}
func (h *averageHook) Del(Contribution) {}

func (h *averageHook) Calc() {
	count, ok := h.out.Float("count")
	if !ok {
		return
	}
	if sum, ok := h.out.Float("sum"); ok {
		h.out.Set("avg", mean(sum, count))
	} else if pow, ok := h.out.Float("pow"); ok {
		if count == 0 {
			h.out.Set("avg", 0.0)
		} else {
			h.out.Set("avg", math.Pow(pow, 1/count))
		}
	}
}

// mean is sum/count, 0 for an empty count.
func mean(sum, count float64) float64 {
	if count == 0 {
		return 0
	}
	return sum / count
}

type sample struct {
	x, n float64
}

// varianceHook keeps the samples; "sum" and "count" live on the target.
type varianceHook struct {
	out  *Result
	data []float64
}

func (h *varianceHook) Reset() {
	h.data = nil
	for _, f := range []string{"sum", "count", "avg", "variance", "sd"} {
		h.out.init(f, 0.0)
	}
}

func (h *varianceHook) Add(c Contribution) {
	s := c.Value.(sample)
	h.data = slices.Insert(h.data, SpliceAt(h.data, s.x, false), s.x)
	h.out.Set("sum", h.out.float("sum")+s.x)
	h.out.Set("count", h.out.float("count")+s.n)
}

func (h *varianceHook) Del(c Contribution) {
	s := c.Value.(sample)
	if i := SpliceAt(h.data, s.x, false); i > 0 && h.data[i-1] == s.x {
		h.data = slices.Delete(h.data, i-1, i)
	}
	h.out.Set("sum", h.out.float("sum")-s.x)
	h.out.Set("count", h.out.float("count")-s.n)
}

// Calc publishes the sample variance. A count below two publishes 0.
func (h *varianceHook) Calc() {
	count := h.out.float("count")
	avg := mean(h.out.float("sum"), count)
	variance := 0.0
	if count > 1 {
		sq := 0.0
		for _, v := range h.data {
			sq += (v - avg) * (v - avg)
		}
		variance = sq / (count - 1)
	}
	h.out.Set("avg", avg)
	h.out.Set("variance", variance)
	h.out.Set("sd", math.Sqrt(variance))
}

type rank struct {
	label string
	at    float64
}

var namedRanks = map[string]float64{
	"max":    1,
	"min":    0,
	"med":    0.5,
	"median": 0.5,
}

func parseRanks(labels []string) []rank {
	out := make([]rank, 0, len(labels))
	for _, l := range labels {
		if at, ok := parseRank(l); ok {
			out = append(out, rank{label: l, at: at})
		}
	}
	return out
}

func parseRank(label string) (float64, bool) {
	if at, ok := namedRanks[label]; ok {
		return at, true
	}
	var at float64
	if c, m, ok := strings.Cut(label, "/"); ok {
		num, err1 := strconv.ParseFloat(c, 64)
		den, err2 := strconv.ParseFloat(m, 64)
		if err1 != nil || err2 != nil || den == 0 {
			return 0, false
		}
		at = num / den
	} else {
		v, err := strconv.ParseFloat(label, 64)
		if err != nil {
			return 0, false
		}
		at = v
	}
	if math.IsNaN(at) {
		return 0, false
	}
	return min(max(at, 0), 1), true
}

// nearestIndex rounds a fractional index to the closer of floor and ceil.
// Ties go to the ceiling.
func nearestIndex(v float64) int {
	low, high := math.Floor(v), math.Ceil(v)
	if high-v <= v-low {
		return int(high)
	}
	return int(low)
}

type quantileEntry struct {
	key  any
	item any
	id   ID
}

// quantileHook claims its fields on the target while its sample is not
// empty. Several call-sites may publish the same labels; a field is unset
// only once none of them has samples.
type quantileHook struct {
	out     *Result
	ranks   []rank
	fields  []string
	data    []quantileEntry
	claimed bool
}

func newQuantileHook(out *Result, ranks []rank) *quantileHook {
	fields := make([]string, 0, 3*len(ranks))
	for _, r := range ranks {
		fields = append(fields, r.label, r.label+"_id", r.label+"_is")
	}
	return &quantileHook{out: out, ranks: ranks, fields: fields}
}

func (h *quantileHook) Reset() {
	h.data = nil
	h.claimed = false
}

func (h *quantileHook) Add(c Contribution) {
	i := sort.Search(len(h.data), func(i int) bool { return Compare(c.Value, h.data[i].key) < 0 })
	h.data = slices.Insert(h.data, i, quantileEntry{key: c.Value, item: c.Item, id: c.ID})
}

// Del removes the entry of the contributing record within the run of equal
// keys, or the last equal entry if that record is not found.
func (h *quantileHook) Del(c Contribution) {
	lo := sort.Search(len(h.data), func(i int) bool { return Compare(c.Value, h.data[i].key) <= 0 })
	hi := lo
	for hi < len(h.data) && Compare(c.Value, h.data[hi].key) == 0 {
		if h.data[hi].id == c.ID {
			h.data = slices.Delete(h.data, hi, hi+1)
			return
		}
		hi++
	}
	if hi > lo {
		h.data = slices.Delete(h.data, hi-1, hi)
	}
}

func (h *quantileHook) Calc() {
	if len(h.data) == 0 {
		if h.claimed {
			h.out.release(h.fields)
			h.claimed = false
		}
		return
	}
	if !h.claimed {
		h.out.claim(h.fields)
		h.claimed = true
	}
	tail := float64(len(h.data) - 1)
	for _, r := range h.ranks {
		e := h.data[nearestIndex(r.at*tail)]
		h.out.Set(r.label, e.key)
		h.out.Set(r.label+"_id", e.id)
		h.out.Set(r.label+"_is", e.item)
	}
}
