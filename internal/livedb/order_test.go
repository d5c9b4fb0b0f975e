package livedb

import (
	"testing"
	"time"

	"github.com/maruel/ksid"
)

func TestCompare(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	type named string
	tests := []struct {
		name string
		a, b any
		want int
	}{
		{"ints", 1, 2, -1},
		{"int vs float", 3, 2.5, 1},
		{"int64 vs uint8", int64(3), uint8(3), 0},
		{"negative int vs uint", -1, uint(0), -1},
		{"uint vs negative int", uint(0), -1, 1},
		{"strings", "a", "b", -1},
		{"named string", named("b"), "a", 1},
		{"bools", true, false, 1},
		{"times", t0, t0.Add(time.Second), -1},
		{"ksid", ksid.ID(5), ksid.ID(4), 1},
		{"number before string", 1, "a", -1},
		{"bool before number", true, 0, -1},
		{"nil last", nil, 1, 1},
		{"nil vs present", "x", nil, -1},
		{"nil equal", nil, nil, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Compare(tt.a, tt.b); got != tt.want {
				t.Errorf("Compare(%v, %v) = %d, want %d", tt.a, tt.b, got, tt.want)
			}
		})
	}
}

func TestCompareKeys(t *testing.T) {
	tests := []struct {
		name string
		a, b SortKey
		desc bool
		want int
	}{
		{"first field wins", SortKey{1, "z"}, SortKey{2, "a"}, false, -1},
		{"second field breaks tie", SortKey{1, "a"}, SortKey{1, "b"}, false, -1},
		{"desc inverts", SortKey{1, "a"}, SortKey{1, "b"}, true, 1},
		{"equal", SortKey{1, "a"}, SortKey{1, "a"}, false, 0},
		{"absent last asc", SortKey{nil}, SortKey{1}, false, 1},
		{"absent last desc", SortKey{nil}, SortKey{1}, true, 1},
		{"shorter is padded", SortKey{1}, SortKey{1, "a"}, false, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CompareKeys(tt.a, tt.b, tt.desc); got != tt.want {
				t.Errorf("CompareKeys(%v, %v, %t) = %d, want %d", tt.a, tt.b, tt.desc, got, tt.want)
			}
		})
	}
}

func TestSpliceAt(t *testing.T) {
	tests := []struct {
		name string
		keys []int
		key  int
		desc bool
		want int
	}{
		{"empty", nil, 5, false, 0},
		{"front", []int{1, 2}, 0, false, 0},
		{"back", []int{1, 2}, 9, false, 2},
		{"middle", []int{1, 3}, 2, false, 1},
		{"after equal run", []int{1, 2, 2, 3}, 2, false, 3},
		{"desc middle", []int{3, 1}, 2, true, 1},
		{"desc after equal run", []int{3, 2, 2, 1}, 2, true, 3},
		{"desc front", []int{3, 1}, 4, true, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SpliceAt(tt.keys, tt.key, tt.desc); got != tt.want {
				t.Errorf("SpliceAt(%v, %d, %t) = %d, want %d", tt.keys, tt.key, tt.desc, got, tt.want)
			}
		})
	}
}

func TestSpliceAtKey(t *testing.T) {
	asc := []SortKey{{1, "a"}, {1, "c"}, {2, "a"}}
	desc := []SortKey{{2, "a"}, {1, "c"}, {1, "a"}}
	absentAsc := []SortKey{{1}, {2}, {nil}}
	absentDesc := []SortKey{{2}, {1}, {nil}}
	tests := []struct {
		name string
		keys []SortKey
		key  SortKey
		desc bool
		want int
	}{
		{"composite asc", asc, SortKey{1, "b"}, false, 1},
		{"composite asc equal", asc, SortKey{1, "c"}, false, 2},
		{"composite desc", desc, SortKey{1, "b"}, true, 2},
		{"present before absent asc", absentAsc, SortKey{3}, false, 2},
		{"absent after absent asc", absentAsc, SortKey{nil}, false, 3},
		{"present before absent desc", absentDesc, SortKey{3}, true, 0},
		{"absent after absent desc", absentDesc, SortKey{nil}, true, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SpliceAtKey(tt.keys, tt.key, tt.desc); got != tt.want {
				t.Errorf("SpliceAtKey(%v, %v, %t) = %d, want %d", tt.keys, tt.key, tt.desc, got, tt.want)
			}
		})
	}
}
