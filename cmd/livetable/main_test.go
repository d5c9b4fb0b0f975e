package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/maruel/livetable/internal/livedb"
	"github.com/maruel/livetable/internal/source"
)

func TestResolveRoot(t *testing.T) {
	tbl := livedb.New(source.Finder(""), []source.Record{
		{"id": "a"},
		{"id": 2},
		{"id": 3.0},
	})
	tests := []struct {
		in   string
		want livedb.ID
	}{
		{"", nil},
		{"a", "a"},
		{"2", 2},
		{"3", 3.0},
		{"zz", "zz"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := resolveRoot(tbl, tt.in); got != tt.want {
				t.Errorf("resolveRoot(%q) = %#v, want %#v", tt.in, got, tt.want)
			}
		})
	}
}

func TestPrintJSON(t *testing.T) {
	var b bytes.Buffer
	if err := printJSON(&b, map[string]int{"a": 1}); err != nil {
		t.Fatal(err)
	}
	if got := b.String(); !strings.Contains(got, "\n  \"a\": 1\n") {
		t.Errorf("printJSON() = %q", got)
	}
}

func TestBuildVersion(t *testing.T) {
	got := buildVersion()
	if !strings.HasPrefix(got, "livetable ") || !strings.HasSuffix(got, ")") {
		t.Errorf("buildVersion() = %q", got)
	}
}
