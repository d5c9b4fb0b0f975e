package livedb

import (
	"encoding/json"
	"math"
	"slices"
	"testing"
)

type sample1 struct {
	ID int
	V  float64
}

func bySampleID(s sample1) ID { return s.ID }

func samples(values ...float64) []sample1 {
	out := make([]sample1, len(values))
	for i, v := range values {
		out[i] = sample1{ID: i + 1, V: v}
	}
	return out
}

func wantFloat(t *testing.T, r *Result, field string, want float64) {
	t.Helper()
	got, ok := r.Float(field)
	if !ok {
		t.Errorf("%s unset, want %g", field, want)
		return
	}
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("%s = %g, want %g", field, got, want)
	}
}

func TestReduce(t *testing.T) {
	t.Run("count sum average", func(t *testing.T) {
		tbl := newPeople()
		r := tbl.Reduce(func(p person, _ ID, x *Tools) {
			x.Count()
			x.Sum(float64(p.Age))
			x.Average()
		}, "stats")
		wantFloat(t, r.Result(), "count", 3)
		wantFloat(t, r.Result(), "sum", 87)
		wantFloat(t, r.Result(), "avg", 29)

		tbl.Add(person{Name: "dave", Age: 13})
		wantFloat(t, r.Result(), "count", 4)
		wantFloat(t, r.Result(), "avg", 25)

		// Upserting retracts the previous contribution.
		tbl.Add(person{Name: "alice", Age: 10})
		wantFloat(t, r.Result(), "count", 4)
		wantFloat(t, r.Result(), "sum", 80)

		tbl.DelBy("alice", "bob", "unknown")
		wantFloat(t, r.Result(), "count", 2)
		wantFloat(t, r.Result(), "sum", 58)

		tbl.Set(nil)
		wantFloat(t, r.Result(), "count", 0)
		wantFloat(t, r.Result(), "sum", 0)
	})

	t.Run("memoized", func(t *testing.T) {
		tbl := newPeople()
		m := func(_ person, _ ID, x *Tools) { x.Count() }
		a := tbl.Reduce(m, "n")
		if a != tbl.Reduce(m, "n") {
			t.Error("Reduce() not memoized")
		}
		if a.Key() != "-:n" {
			t.Errorf("Key() = %q", a.Key())
		}
		if b := tbl.Where(isAdult, "adult").Reduce(m, "n"); b == a || b.Key() != "adult-:n" {
			t.Errorf("filtered reducer key = %q", b.Key())
		}
	})

	t.Run("filtered view", func(t *testing.T) {
		tbl := newPeople()
		r := tbl.Where(isAdult, "adult").Reduce(func(_ person, _ ID, x *Tools) { x.Count() }, "n")
		wantFloat(t, r.Result(), "count", 2)
		tbl.Add(person{Name: "alice", Age: 3})
		wantFloat(t, r.Result(), "count", 1)
		tbl.Add(person{Name: "bob", Age: 30})
		wantFloat(t, r.Result(), "count", 2)
	})

	t.Run("count delta", func(t *testing.T) {
		tbl := New(bySampleID, samples(1, 2, 3, 4, 5))
		r := tbl.Reduce(func(_ sample1, _ ID, x *Tools) { x.Count() }, "n")
		tbl.Add(sample1{ID: 6}, sample1{ID: 7})
		tbl.DelBy(1, 2, 3)
		wantFloat(t, r.Result(), "count", 4)
	})

	t.Run("geometric mean", func(t *testing.T) {
		tbl := New(bySampleID, samples(2, 8))
		r := tbl.Reduce(func(s sample1, _ ID, x *Tools) {
			x.Count()
			x.Pow(s.V)
			x.Average()
		}, "geo")
		wantFloat(t, r.Result(), "pow", 16)
		wantFloat(t, r.Result(), "avg", 4)
		tbl.DelBy(2)
		wantFloat(t, r.Result(), "pow", 2)
		wantFloat(t, r.Result(), "avg", 2)
	})

	t.Run("frequency", func(t *testing.T) {
		tbl := newPeople()
		r := tbl.Reduce(func(p person, _ ID, x *Tools) { x.Frequency(p.City) }, "cities")
		wantFloat(t, r.Result(), "paris", 2)
		wantFloat(t, r.Result(), "tokyo", 1)
		tbl.DelBy("carol")
		wantFloat(t, r.Result(), "paris", 1)
		tbl.Add(person{Name: "bob", City: "paris"})
		wantFloat(t, r.Result(), "paris", 2)
		wantFloat(t, r.Result(), "tokyo", 0)
	})

	t.Run("variance", func(t *testing.T) {
		tbl := New(bySampleID, samples(2, 4, 4, 4, 5, 5, 7, 9))
		r := tbl.Reduce(func(s sample1, _ ID, x *Tools) { x.Variance(s.V) }, "var")
		res := r.Result()
		wantFloat(t, res, "count", 8)
		wantFloat(t, res, "sum", 40)
		wantFloat(t, res, "avg", 5)
		wantFloat(t, res, "variance", 32.0/7)
		wantFloat(t, res, "sd", math.Sqrt(32.0/7))
		z, ok := res.Standard(9)
		if !ok || math.Abs(z-4/math.Sqrt(32.0/7)) > 1e-9 {
			t.Errorf("Standard(9) = %g, %t", z, ok)
		}

		tbl.Set(samples(3))
		wantFloat(t, res, "variance", 0)
		wantFloat(t, res, "sd", 0)
		if _, ok := res.Standard(3); ok {
			t.Error("Standard() with sd 0 should fail")
		}
	})

	t.Run("variance shares count and sum", func(t *testing.T) {
		// The first record creates COUNT alone; VARIANCE joins on the second.
		tbl := New(bySampleID, samples(0, 2, 4))
		r := tbl.Reduce(func(s sample1, _ ID, x *Tools) {
			x.Count()
			if s.V == 0 {
				x.Skip()
			} else {
				x.Variance(s.V)
			}
		}, "mixed")
		res := r.Result()
		// One unit per record from Count plus one per sample from Variance.
		wantFloat(t, res, "count", 5)
		wantFloat(t, res, "sum", 6)
		tbl.DelBy(1)
		wantFloat(t, res, "count", 4)
		tbl.DelBy(2)
		wantFloat(t, res, "count", 2)
		wantFloat(t, res, "sum", 4)
		tbl.Set(samples(0))
		wantFloat(t, res, "count", 1)
		wantFloat(t, res, "sum", 0)
	})

	t.Run("average missing dependency", func(t *testing.T) {
		tbl := newPeople()
		r := tbl.Reduce(func(p person, _ ID, x *Tools) {
			x.Sum(float64(p.Age))
			x.Average()
		}, "no count")
		res := r.Result()
		wantFloat(t, res, "sum", 87)
		if v, ok := res.Get("avg"); ok {
			t.Errorf("avg = %v without count, want unset", v)
		}
		tbl.Add(person{Name: "dave", Age: 1})
		if res.Has("avg") {
			t.Error("avg published after update without count")
		}
	})

	t.Run("median", func(t *testing.T) {
		tbl := New(bySampleID, samples(5, 3, 1, 4, 2))
		r := tbl.Reduce(func(s sample1, _ ID, x *Tools) { x.Median(s.V) }, "median")
		res := r.Result()
		if v, _ := res.Get("median"); v != 3.0 {
			t.Errorf("median = %v, want 3", v)
		}
		if id, _ := res.Get("median_id"); id != 2 {
			t.Errorf("median_id = %v, want 2", id)
		}
		if is, _ := res.Get("median_is"); is != (sample1{ID: 2, V: 3}) {
			t.Errorf("median_is = %v", is)
		}

		// Ties between two middle ranks go to the upper one.
		tbl.DelBy(1)
		if v, _ := res.Get("median"); v != 3.0 {
			t.Errorf("even median = %v, want 3", v)
		}

		tbl.Set(nil)
		if res.Has("median") || res.Has("median_id") {
			t.Errorf("empty sample published %v", res.Keys())
		}
	})

	t.Run("quantiles", func(t *testing.T) {
		tbl := New(bySampleID, samples(1, 2, 3, 4, 5))
		r := tbl.Reduce(func(s sample1, _ ID, x *Tools) {
			x.Tertile(s.V)
			x.Quintile(s.V)
		}, "q")
		res := r.Result()
		want := map[string]float64{
			"min": 1, "max": 5,
			"1/3": 2, "2/3": 4,
			"1/5": 2, "2/5": 3, "3/5": 3, "4/5": 4,
		}
		for label, w := range want {
			if v, _ := res.Get(label); v != w {
				t.Errorf("%s = %v, want %g", label, v, w)
			}
		}
	})

	t.Run("quantile labels", func(t *testing.T) {
		tbl := New(bySampleID, samples(10, 20, 30, 40, 50))
		r := tbl.Reduce(func(s sample1, _ ID, x *Tools) { x.Quantile("0.25", "med", "bogus", "2")(s.V) }, "q")
		res := r.Result()
		if v, _ := res.Get("0.25"); v != 20.0 {
			t.Errorf("0.25 = %v", v)
		}
		if v, _ := res.Get("med"); v != 30.0 {
			t.Errorf("med = %v", v)
		}
		if v, _ := res.Get("2"); v != 50.0 {
			t.Errorf("clamped rank = %v", v)
		}
		if res.Has("bogus") {
			t.Error("invalid label published")
		}
	})

	t.Run("quantile equal keys", func(t *testing.T) {
		tbl := New(bySampleID, samples(7, 7, 7))
		r := tbl.Reduce(func(s sample1, _ ID, x *Tools) { x.Range(s.V) }, "range")
		tbl.DelBy(1)
		res := r.Result()
		if id, _ := res.Get("min_id"); id != 2 {
			t.Errorf("min_id = %v, want 2", id)
		}
		if id, _ := res.Get("max_id"); id != 3 {
			t.Errorf("max_id = %v, want 3", id)
		}
	})

	t.Run("quantile shared labels", func(t *testing.T) {
		tbl := New(bySampleID, samples(9, 5))
		r := tbl.Reduce(func(s sample1, id ID, x *Tools) {
			x.Max(s.V)
			if id == 1 {
				x.Range(s.V)
			} else {
				x.Skip()
			}
		}, "max range")
		res := r.Result()
		if v, _ := res.Get("min"); v != 9.0 {
			t.Errorf("min = %v, want 9", v)
		}
		// Range loses its only sample; Max still has record 2.
		tbl.DelBy(1)
		if v, ok := res.Get("max"); !ok || v != 5.0 {
			t.Errorf("max = %v, %t, want 5", v, ok)
		}
		if id, _ := res.Get("max_id"); id != 2 {
			t.Errorf("max_id = %v, want 2", id)
		}
		if res.Has("min") || res.Has("min_id") {
			t.Errorf("min kept without samples: %v", res.Keys())
		}
		tbl.DelBy(2)
		if res.Has("max") {
			t.Errorf("max kept without samples: %v", res.Keys())
		}
	})

	t.Run("groups", func(t *testing.T) {
		tbl := newPeople()
		r := tbl.Reduce(func(p person, _ ID, x *Tools) {
			x.At(p.City, func() {
				x.Count()
				x.Max(p.Age)
			})
			x.Count()
		}, "by city")
		res := r.Result()
		wantFloat(t, res, "count", 3)
		paris, ok := res.Group("paris")
		if !ok {
			t.Fatalf("no paris group in %v", res.Keys())
		}
		wantFloat(t, paris, "count", 2)
		if v, _ := paris.Get("max"); v != 45 {
			t.Errorf("paris max = %v", v)
		}
		tbl.Add(person{Name: "carol", Age: 45, City: "tokyo"})
		wantFloat(t, paris, "count", 1)
		tokyo, _ := res.Group("tokyo")
		wantFloat(t, tokyo, "count", 2)
		if v, _ := tokyo.Get("max"); v != 45 {
			t.Errorf("tokyo max = %v", v)
		}
		if v, _ := paris.Get("max"); v != 30 {
			t.Errorf("paris max = %v", v)
		}
		if got := res.Keys(); !slices.Equal(got, []string{"paris", "count", "tokyo"}) {
			t.Errorf("Keys() = %v", got)
		}
	})

	t.Run("subscribe", func(t *testing.T) {
		tbl := newPeople()
		r := tbl.Reduce(func(_ person, _ ID, x *Tools) { x.Count() }, "n")
		var counts []float64
		r.Subscribe(func(res *Result) {
			c, _ := res.Float("count")
			counts = append(counts, c)
		}, nil)
		tbl.Add(person{Name: "dave"})
		tbl.DelBy("dave", "alice")
		if !slices.Equal(counts, []float64{3, 4, 2}) {
			t.Errorf("counts = %v", counts)
		}
	})

	t.Run("json", func(t *testing.T) {
		tbl := New(bySampleID, samples(1, 3))
		r := tbl.Reduce(func(s sample1, _ ID, x *Tools) {
			x.Count()
			x.Sum(s.V)
			x.Average()
		}, "stats")
		b, err := json.Marshal(r.Result())
		if err != nil {
			t.Fatal(err)
		}
		if got, want := string(b), `{"count":2,"sum":4,"avg":2}`; got != want {
			t.Errorf("json = %s, want %s", got, want)
		}
	})
}

// tallyHook counts the Add and Del calls it receives.
type tallyHook struct {
	out    *Result
	resets int
}

func (h *tallyHook) Reset() {
	h.resets++
	h.out.Set("resets", float64(h.resets))
	h.out.Set("seen", 0.0)
}

func (h *tallyHook) Calc() {}

func (h *tallyHook) Add(c Contribution) {
	h.out.Set("seen", h.out.float("seen")+1)
	h.out.Set("last", c.Value)
}

func (h *tallyHook) Del(Contribution) {
	h.out.Set("seen", h.out.float("seen")-1)
}

func TestInvoke(t *testing.T) {
	tbl := newPeople()
	r := tbl.Reduce(func(p person, _ ID, x *Tools) {
		x.Invoke("TALLY", func(out *Result) Hook { return &tallyHook{out: out} }, p.Name)
	}, "tally")
	res := r.Result()
	wantFloat(t, res, "resets", 1)
	wantFloat(t, res, "seen", 3)
	tbl.Add(person{Name: "alice", Age: 1})
	wantFloat(t, res, "seen", 3)
	if v, _ := res.Get("last"); v != "alice" {
		t.Errorf("last = %v", v)
	}
	tbl.Set(nil)
	wantFloat(t, res, "resets", 2)
	wantFloat(t, res, "seen", 0)
}

func TestAtRestoresTarget(t *testing.T) {
	e := newEngine()
	x := &Tools{e: e}
	e.cur = frame{target: e.root}
	func() {
		defer func() { _ = recover() }()
		x.At("g", func() { panic("boom") })
	}()
	if e.cur.target != e.root || len(e.stack) != 0 {
		t.Errorf("target not restored: stack depth %d", len(e.stack))
	}
}

func TestSkip(t *testing.T) {
	tbl := New(byName, []person{{Name: "a", Age: 10}, {Name: "b"}, {Name: "c", Age: 30}})
	r := tbl.Reduce(func(p person, _ ID, x *Tools) {
		if p.Age == 0 {
			x.Skip()
		} else {
			x.Sum(float64(p.Age))
		}
		x.Count()
	}, "skip")
	wantFloat(t, r.Result(), "sum", 40)
	wantFloat(t, r.Result(), "count", 3)
	tbl.Add(person{Name: "b", Age: 5})
	wantFloat(t, r.Result(), "sum", 45)
	wantFloat(t, r.Result(), "count", 3)
}
