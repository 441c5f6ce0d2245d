// Package journal owns the schedule and the ping log of a running TagTime
// and serialises every access to them. Both are single-owner types; the
// journal is what the scheduler loop, the API and the CLI share.
package journal

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/kalambet/tagtime/internal/catchup"
	"github.com/kalambet/tagtime/internal/pingfile"
	"github.com/kalambet/tagtime/internal/schedule"
)

const reloadDebounce = 300 * time.Millisecond

// Options configures a Journal.
type Options struct {
	CancelTags []string
	// Annotate is the default for pushes that do not choose.
	Annotate bool
	// OnChange runs after Watch sees the log edited by someone else.
	OnChange func()
	Logger   *slog.Logger
}

// Journal is safe for concurrent use.
type Journal struct {
	mu         sync.Mutex
	sched      *schedule.Schedule
	store      *pingfile.Store
	reconciler *catchup.Reconciler

	cancelTags []string
	annotate   bool
	onChange   func()
	logger     *slog.Logger
}

// New wraps sched and store. The journal takes ownership of both.
func New(sched *schedule.Schedule, store *pingfile.Store, opts Options) *Journal {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cancel := pingfile.NewTags(opts.CancelTags...)
	return &Journal{
		sched: sched,
		store: store,
		reconciler: &catchup.Reconciler{
			Schedule:   sched,
			Log:        store,
			CancelTags: cancel,
			Annotate:   opts.Annotate,
			Logger:     logger,
		},
		cancelTags: cancel,
		annotate:   opts.Annotate,
		onChange:   opts.OnChange,
		logger:     logger,
	}
}

// Path returns the ping log location.
func (j *Journal) Path() string { return j.store.Path() }

// CancelTags returns the placeholder tags for unanswered pings.
func (j *Journal) CancelTags() []string { return slices.Clone(j.cancelTags) }

// Period returns the mean gap between pings.
func (j *Journal) Period() time.Duration {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.sched.Period()
}

// Reconfigure swaps in new schedule parameters and reports whether any of
// them differed. Cached pings are dropped when the sequence changes.
func (j *Journal) Reconfigure(period time.Duration, seed uint32, start int64) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	changed := false
	if period != j.sched.Period() {
		j.sched.SetPeriod(period)
		changed = true
	}
	if seed != j.sched.Seed() {
		j.sched.SetSeed(seed)
		changed = true
	}
	if before := j.sched.Start(); start != before {
		j.sched.SetStart(start)
		changed = j.sched.Start() != before || changed
	}
	if changed {
		j.logger.Info("schedule reconfigured",
			"period", j.sched.Period(), "seed", j.sched.Seed(), "start", j.sched.Start())
	}
	return changed
}

// Next returns the first scheduled ping strictly after t.
func (j *Journal) Next(t int64) int64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.sched.Next(t)
}

// Prev returns the last scheduled ping strictly before t.
func (j *Journal) Prev(t int64) (int64, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.sched.Prev(t)
}

// Push appends p using the default annotation setting.
func (j *Journal) Push(p pingfile.Ping) error {
	return j.PushAnnotated(p, j.annotate)
}

// PushAnnotated appends p, choosing whether to annotate its comment.
func (j *Journal) PushAnnotated(p pingfile.Ping, annotate bool) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.store.Push(p, annotate)
}

// Cancel appends an unanswered ping at t carrying the cancel tags.
func (j *Journal) Cancel(t int64) error {
	return j.Push(pingfile.Ping{Time: t, Tags: j.CancelTags()})
}

// Pings returns a copy of every valid ping in file order.
func (j *Journal) Pings() ([]pingfile.Ping, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	ps, err := j.store.Pings()
	return slices.Clone(ps), err
}

// Recent returns up to n of the latest pings, oldest first. n <= 0 means all.
func (j *Journal) Recent(n int) ([]pingfile.Ping, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	ps, err := j.store.Pings()
	if err != nil {
		return nil, err
	}
	if n > 0 && len(ps) > n {
		ps = ps[len(ps)-n:]
	}
	return slices.Clone(ps), nil
}

// Last returns the latest valid ping.
func (j *Journal) Last() (pingfile.Ping, bool, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.store.Last()
}

// Entries returns every line of the log including malformed ones.
func (j *Journal) Entries() ([]pingfile.Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	es, err := j.store.Entries()
	return slices.Clone(es), err
}

// Tags returns the distinct tags sorted by name.
func (j *Journal) Tags() ([]string, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.store.Tags()
}

// TagsOrdered returns the distinct tags, most used first.
func (j *Journal) TagsOrdered() ([]pingfile.TagCount, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.store.TagsOrdered()
}

// CatchUp backfills missed pings up to till and returns how many were added.
func (j *Journal) CatchUp(till int64) (int, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.reconciler.CatchUp(till)
}

// PendingCatchUp lists what CatchUp(till) would add.
func (j *Journal) PendingCatchUp(till int64) ([]int64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.reconciler.Pending(till)
}

// Invalidate forces the next read to parse the log again.
func (j *Journal) Invalidate() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.store.Invalidate()
}

// Watch drops the log cache whenever the file is changed by another writer,
// until ctx is cancelled. The parent directory is watched so editors that
// replace the file on save are seen too.
func (j *Journal) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("ping file watcher: %w", err)
	}
	defer watcher.Close()

	path := filepath.Clean(j.store.Path())
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watching %s: %w", filepath.Dir(path), err)
	}
	j.logger.Debug("watching ping file", "path", path)

	var (
		reload   *time.Timer
		reloadCh <-chan time.Time
	)
	defer func() {
		if reload != nil {
			reload.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != path || ev.Op == fsnotify.Chmod {
				continue
			}
			if reload == nil {
				reload = time.NewTimer(reloadDebounce)
			} else {
				reload.Reset(reloadDebounce)
			}
			reloadCh = reload.C
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			j.logger.Warn("ping file watcher error", "error", err)
		case <-reloadCh:
			reloadCh = nil
			j.reload()
		}
	}
}

func (j *Journal) reload() {
	j.mu.Lock()
	stale := j.store.Stale()
	if stale {
		j.store.Invalidate()
	}
	j.mu.Unlock()

	if !stale {
		return
	}
	j.logger.Info("ping file changed on disk", "path", j.store.Path())
	if j.onChange != nil {
		j.onChange()
	}
}
