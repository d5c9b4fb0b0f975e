// Package main is the entry point for the livetable CLI.
//
// livetable loads a JSONL or YAML data file into a live table, materializes
// the views, aggregations and relations declared in a YAML manifest, and
// prints them as JSON. With -watch it keeps the table in sync with the data
// file and prints again after every change.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/maruel/livetable/internal/livedb"
	"github.com/maruel/livetable/internal/manifest"
	"github.com/maruel/livetable/internal/source"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

func main() {
	if err := mainImpl(); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "livetable: %v\n", err)
		os.Exit(1)
	}
}

func mainImpl() error {
	version := flag.Bool("version", false, "Print version and exit")
	dataPath := flag.String("data", "", "Data file (.jsonl, .ndjson, .yaml or .yml)")
	manifestPath := flag.String("manifest", "", "View manifest (YAML)")
	watch := flag.Bool("watch", false, "Keep watching the data file and print after every change")
	interval := flag.Duration("interval", 200*time.Millisecond, "Minimum delay between two reloads in watch mode")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	schema := flag.Bool("schema", false, "Print the manifest JSON schema and exit")
	root := flag.String("root", "", "ID of the record relations are evaluated from")
	flag.Parse()
	if len(flag.Args()) > 0 {
		return fmt.Errorf("unknown arguments: %v", flag.Args())
	}

	if *version {
		fmt.Println(buildVersion())
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, os.Interrupt)
	defer stop()
	ll := &slog.LevelVar{}
	ll.Set(slog.LevelInfo)
	logger := slog.New(tint.NewHandler(colorable.NewColorable(os.Stderr), &tint.Options{
		Level:      ll,
		TimeFormat: "15:04:05.000", // Like time.TimeOnly plus milliseconds.
		NoColor:    !isatty.IsTerminal(os.Stderr.Fd()),
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			val := a.Value.Any()
			skip := false
			switch t := val.(type) {
			case string:
				skip = t == ""
			case int64:
				skip = t == 0
			case time.Duration:
				skip = t == 0
			case nil:
				skip = true
			}
			if skip {
				return slog.Attr{}
			}
			return a
		},
	}))
	slog.SetDefault(logger)

	// Environment variables fill in the flags not explicitly set.
	set := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})
	if !set["data"] {
		if v := os.Getenv("LIVETABLE_DATA"); v != "" {
			*dataPath = v
		}
	}
	if !set["manifest"] {
		if v := os.Getenv("LIVETABLE_MANIFEST"); v != "" {
			*manifestPath = v
		}
	}
	if !set["log-level"] {
		if v := os.Getenv("LOG_LEVEL"); v != "" {
			*logLevel = v
		}
	}

	switch *logLevel {
	case "debug":
		ll.Set(slog.LevelDebug)
	case "info":
	case "warn":
		ll.Set(slog.LevelWarn)
	case "error":
		ll.Set(slog.LevelError)
	default:
		return fmt.Errorf("unknown log level: %q", *logLevel)
	}

	if *schema {
		return printJSON(os.Stdout, manifest.Schema())
	}
	if *dataPath == "" {
		return errors.New("-data is required")
	}

	m := &manifest.Manifest{Version: 1}
	if *manifestPath != "" {
		var err error
		if m, err = manifest.Parse(*manifestPath); err != nil {
			return err
		}
	}
	tbl, err := source.Open(*dataPath, m.IDField())
	if err != nil {
		return err
	}
	slog.InfoContext(ctx, "Loaded data file", "path", *dataPath, "rows", tbl.Len(), "version", buildVersion())
	live, err := m.Build(tbl)
	if err != nil {
		return err
	}
	defer live.Close()

	rootID := resolveRoot(tbl, *root)
	if err := printJSON(os.Stdout, live.Snapshot(rootID)); err != nil {
		return err
	}
	if !*watch {
		return nil
	}

	for pair := live.Reduces.Oldest(); pair != nil; pair = pair.Next() {
		name := pair.Key
		unsubscribe := pair.Value.Subscribe(func(r *livedb.Result) {
			slog.DebugContext(ctx, "Aggregation updated", "name", name, "fields", r.Len())
		}, nil)
		defer unsubscribe()
	}
	return source.Watch(ctx, *dataPath, tbl, source.WatchOptions{
		IDField:     m.IDField(),
		MinInterval: *interval,
		OnReload: func(c source.Change) {
			if c.IsZero() {
				return
			}
			slog.InfoContext(ctx, "Data file changed", "added", c.Added, "updated", c.Updated, "removed", c.Removed)
			if err := printJSON(os.Stdout, live.Snapshot(resolveRoot(tbl, *root))); err != nil {
				slog.ErrorContext(ctx, "Failed to print snapshot", "err", err)
			}
		},
	})
}

// resolveRoot maps the -root flag to a record ID. JSON numbers load as
// float64 and YAML integers as int, so numeric spellings are tried too.
func resolveRoot(tbl *livedb.Table[source.Record], s string) livedb.ID {
	if s == "" {
		return nil
	}
	if _, ok := tbl.Find(s); ok {
		return s
	}
	if i, err := strconv.Atoi(s); err == nil {
		if _, ok := tbl.Find(i); ok {
			return i
		}
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		if _, ok := tbl.Find(f); ok {
			return f
		}
	}
	return s
}

func printJSON(w io.Writer, v any) error {
	e := json.NewEncoder(w)
	e.SetIndent("", "  ")
	return e.Encode(v)
}

// buildVersion describes the binary from its embedded build info.
func buildVersion() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "livetable (unknown build)"
	}
	v := info.Main.Version
	if v == "" || v == "(devel)" {
		v = "dev"
	}
	parts := []string{info.GoVersion}
	for _, s := range info.Settings {
		switch {
		case s.Key == "vcs.revision":
			parts = append(parts, s.Value)
		case s.Key == "vcs.modified" && s.Value == "true":
			parts = append(parts, "modified")
		}
	}
	return fmt.Sprintf("livetable %s (%s)", v, strings.Join(parts, ", "))
}
