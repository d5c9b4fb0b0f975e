// Reloads a data file into its table as the file changes.

package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"reflect"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/maruel/livetable/internal/livedb"
	"golang.org/x/time/rate"
)

// Change summarizes one reload.
type Change struct {
	Added   int
	Updated int
	Removed int
}

// IsZero reports whether the reload changed nothing.
func (c Change) IsZero() bool {
	return c.Added == 0 && c.Updated == 0 && c.Removed == 0
}

// Sync brings tbl in line with records using incremental upserts and
// deletions, so that derived views and aggregations update instead of
// re-deriving. Unchanged records are not touched.
func Sync(tbl *livedb.Table[Record], records []Record, idField string) Change {
	finder := Finder(idField)
	var c Change
	var upserts []Record
	seen := make(map[livedb.ID]bool, len(records))
	for _, rec := range records {
		id := finder(rec)
		seen[id] = true
		old, ok := tbl.Find(id)
		switch {
		case !ok:
			c.Added++
		case reflect.DeepEqual(old, rec):
			continue
		default:
			c.Updated++
		}
		upserts = append(upserts, rec)
	}
	var removed []livedb.ID
	for rec := range tbl.All() {
		if id := finder(rec); !seen[id] {
			removed = append(removed, id)
		}
	}
	c.Removed = len(removed)
	tbl.DelBy(removed...)
	tbl.Add(upserts...)
	return c
}

// WatchOptions configures [Watch].
type WatchOptions struct {
	// IDField is the record field holding the ID.
	IDField string
	// MinInterval is the minimum delay between two reloads. Bursts of file
	// events within it are coalesced into one reload.
	MinInterval time.Duration
	// OnReload is called on the watching goroutine after each successful
	// reload.
	OnReload func(Change)
}

// Watch reloads the file at path into tbl every time it changes, until ctx is
// canceled. It blocks; the calling goroutine becomes the owner of tbl.
//
// A reload that fails to parse is logged and skipped: the file may be
// mid-write.
func Watch(ctx context.Context, path string, tbl *livedb.Table[Record], opts WatchOptions) error {
	path, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = w.Close() }()
	// Watch the directory: editors often replace the file instead of writing
	// it in place.
	if err := w.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", path, err)
	}
	interval := opts.MinInterval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	limiter := rate.NewLimiter(rate.Every(interval), 1)
	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	slog.InfoContext(ctx, "Watching data file", "path", path, "interval", interval)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-w.Events:
			if !ok {
				return errors.New("watcher closed")
			}
			if filepath.Clean(event.Name) != path || fire != nil {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			timer = time.NewTimer(limiter.Reserve().Delay())
			fire = timer.C
		case <-fire:
			fire = nil
			records, err := Load(path, opts.IDField)
			if err != nil {
				slog.WarnContext(ctx, "Failed to reload data file", "err", err)
				continue
			}
			c := Sync(tbl, records, opts.IDField)
			slog.DebugContext(ctx, "Reloaded data file", "added", c.Added, "updated", c.Updated, "removed", c.Removed)
			if opts.OnReload != nil {
				opts.OnReload(c)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return errors.New("watcher closed")
			}
			slog.WarnContext(ctx, "Error watching data file", "err", err)
		}
	}
}
