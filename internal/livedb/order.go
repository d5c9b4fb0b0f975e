// Ordering primitives shared by views and aggregation tools.

package livedb

import (
	"cmp"
	"reflect"
	"sort"
	"time"
)

// SortKey is a composite sort key, most significant field first.
//
// A nil field is absent and sorts after every present value, in both
// directions.
type SortKey []any

// Compare compares two orderable scalars.
//
// Integers, unsigned integers and floats compare numerically with each other.
// Strings, bools and time.Time compare naturally. Named types are compared by
// their underlying kind. Values of unrelated kinds are ordered by kind rank:
// bool < number < string < time. nil sorts last.
func Compare(a, b any) int {
	if a == nil || b == nil {
		switch {
		case a == nil && b == nil:
			return 0
		case a == nil:
			return 1
		default:
			return -1
		}
	}
	if ta, ok := a.(time.Time); ok {
		if tb, ok := b.(time.Time); ok {
			return ta.Compare(tb)
		}
	}
	ra, rb := kindRank(a), kindRank(b)
	if ra != rb {
		return cmp.Compare(ra, rb)
	}
	va, vb := reflect.ValueOf(a), reflect.ValueOf(b)
	switch ra {
	case rankBool:
		return compareBool(va.Bool(), vb.Bool())
	case rankNumber:
		return compareNumber(va, vb)
	case rankString:
		return cmp.Compare(va.String(), vb.String())
	}
	return 0
}

// CompareKeys compares two composite keys field by field.
//
// desc inverts the polarity of present values only: absent fields stay last.
// A shorter key behaves as if padded with absent fields.
func CompareKeys(a, b SortKey, desc bool) int {
	n := max(len(a), len(b))
	for i := range n {
		var x, y any
		if i < len(a) {
			x = a[i]
		}
		if i < len(b) {
			y = b[i]
		}
		if c := compareField(x, y, desc); c != 0 {
			return c
		}
	}
	return 0
}

// SpliceAt returns the index at which key must be inserted into the sorted
// keys to keep them ordered. Equal keys insert after the last equal run.
func SpliceAt[K cmp.Ordered](keys []K, key K, desc bool) int {
	return sort.Search(len(keys), func(i int) bool {
		if desc {
			return cmp.Compare(key, keys[i]) > 0
		}
		return cmp.Compare(key, keys[i]) < 0
	})
}

// SpliceAtKey is SpliceAt for composite keys.
func SpliceAtKey(keys []SortKey, key SortKey, desc bool) int {
	return sort.Search(len(keys), func(i int) bool {
		return CompareKeys(key, keys[i], desc) < 0
	})
}

// searchKey returns the first index whose key is not before key.
func searchKey(keys []SortKey, key SortKey, desc bool) int {
	return sort.Search(len(keys), func(i int) bool {
		return CompareKeys(key, keys[i], desc) <= 0
	})
}

func compareField(a, b any, desc bool) int {
	if a == nil || b == nil {
		return Compare(a, b)
	}
	c := Compare(a, b)
	if desc {
		return -c
	}
	return c
}

const (
	rankBool = iota
	rankNumber
	rankString
	rankTime
	rankOther
)

func kindRank(v any) int {
	if _, ok := v.(time.Time); ok {
		return rankTime
	}
	switch reflect.ValueOf(v).Kind() {
	case reflect.Bool:
		return rankBool
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64:
		return rankNumber
	case reflect.String:
		return rankString
	default:
		return rankOther
	}
}

func compareBool(a, b bool) int {
	switch {
	case a == b:
		return 0
	case !a:
		return -1
	default:
		return 1
	}
}

func compareNumber(a, b reflect.Value) int {
	ka, kb := numberClass(a.Kind()), numberClass(b.Kind())
	switch {
	case ka == classInt && kb == classInt:
		return cmp.Compare(a.Int(), b.Int())
	case ka == classUint && kb == classUint:
		return cmp.Compare(a.Uint(), b.Uint())
	case ka == classInt && kb == classUint:
		if a.Int() < 0 {
			return -1
		}
		return cmp.Compare(uint64(a.Int()), b.Uint())
	case ka == classUint && kb == classInt:
		if b.Int() < 0 {
			return 1
		}
		return cmp.Compare(a.Uint(), uint64(b.Int()))
	}
	return cmp.Compare(toFloat(a), toFloat(b))
}

const (
	classInt = iota
	classUint
	classFloat
)

func numberClass(k reflect.Kind) int {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return classInt
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return classUint
	default:
		return classFloat
	}
}

func toFloat(v reflect.Value) float64 {
	switch numberClass(v.Kind()) {
	case classInt:
		return float64(v.Int())
	case classUint:
		return float64(v.Uint())
	default:
		return v.Float()
	}
}
