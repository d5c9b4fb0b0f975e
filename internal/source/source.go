// Loads JSONL and YAML record files into live tables.

// Package source reads record files into a [livedb.Table] and keeps the table
// in sync with the file while it changes on disk.
package source

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/maruel/ksid"
	"github.com/maruel/livetable/internal/livedb"
	"gopkg.in/yaml.v3"
)

// DefaultIDField is the record field holding the record ID when none is
// configured.
const DefaultIDField = "id"

// ErrFormat is returned for files whose extension is neither JSONL nor YAML.
var ErrFormat = errors.New("unsupported data file format")

// Record is one loaded record. JSON numbers decode as float64 and YAML
// integers as int.
type Record map[string]any

// Format is the encoding of a data file.
type Format int

const (
	// JSONL is one JSON object per line.
	JSONL Format = iota + 1
	// YAML is a sequence of mappings.
	YAML
)

func (f Format) String() string {
	switch f {
	case JSONL:
		return "jsonl"
	case YAML:
		return "yaml"
	default:
		return fmt.Sprintf("Format(%d)", int(f))
	}
}

// FormatOf returns the format implied by the file extension of path.
func FormatOf(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jsonl", ".ndjson":
		return JSONL, nil
	case ".yaml", ".yml":
		return YAML, nil
	default:
		return 0, fmt.Errorf("%s: %w", path, ErrFormat)
	}
}

// Finder returns the finder reading the ID of a record from idField.
func Finder(idField string) livedb.Finder[Record] {
	if idField == "" {
		idField = DefaultIDField
	}
	return func(r Record) livedb.ID { return r[idField] }
}

// Load reads every record of the file at path.
func Load(path, idField string) ([]Record, error) {
	format, err := FormatOf(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path) //nolint:gosec // User-specified data path
	if err != nil {
		return nil, fmt.Errorf("failed to open data file: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()
	records, err := Decode(f, format, idField)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", path, err)
	}
	return records, nil
}

// Open loads the file at path into a new table keyed by idField.
func Open(path, idField string) (*livedb.Table[Record], error) {
	records, err := Load(path, idField)
	if err != nil {
		return nil, err
	}
	return livedb.New(Finder(idField), records), nil
}

// Decode reads records from r.
//
// Records without a usable ID under idField get a fresh ksid.ID. Such IDs are
// not stable across reloads.
func Decode(r io.Reader, format Format, idField string) ([]Record, error) {
	if idField == "" {
		idField = DefaultIDField
	}
	var records []Record
	var err error
	switch format {
	case JSONL:
		records, err = decodeJSONL(r)
	case YAML:
		records, err = decodeYAML(r)
	default:
		return nil, ErrFormat
	}
	if err != nil {
		return nil, err
	}
	for _, rec := range records {
		if !validID(rec[idField]) {
			rec[idField] = ksid.NewID()
		}
	}
	return records, nil
}

func decodeJSONL(r io.Reader) ([]Record, error) {
	var records []Record
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		b := bytes.TrimSpace(scanner.Bytes())
		if len(b) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(b, &rec); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if rec == nil {
			return nil, fmt.Errorf("line %d: not an object", line)
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read records: %w", err)
	}
	return records, nil
}

func decodeYAML(r io.Reader) ([]Record, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read records: %w", err)
	}
	var raw []map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse records: %w", err)
	}
	records := make([]Record, 0, len(raw))
	for i, m := range raw {
		if m == nil {
			return nil, fmt.Errorf("record %d: not a mapping", i)
		}
		records = append(records, Record(m))
	}
	return records, nil
}

// validID reports whether v can serve as a map key.
func validID(v any) bool {
	if v == nil {
		return false
	}
	if s, ok := v.(string); ok {
		return s != ""
	}
	return reflect.TypeOf(v).Comparable()
}
