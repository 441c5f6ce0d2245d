// Package catchup backfills pings the schedule produced while nobody was
// around to answer them.
package catchup

import (
	"fmt"
	"log/slog"

	"github.com/kalambet/tagtime/internal/pingfile"
)

// Generator lists the scheduled pings in (from, till].
type Generator interface {
	Between(from, till int64) []int64
}

// Log is the part of the ping log the reconciler reads and appends to.
type Log interface {
	Last() (pingfile.Ping, bool, error)
	Push(p pingfile.Ping, annotate bool) error
}

// Reconciler fills the gap between the last logged ping and a point in time
// with placeholder pings carrying CancelTags.
type Reconciler struct {
	Schedule   Generator
	Log        Log
	CancelTags []string
	// Annotate prefixes placeholder comments with their local time.
	Annotate bool
	Logger   *slog.Logger
}

// CatchUp appends a placeholder for every scheduled ping after the last
// logged one and at or before till. It returns how many were written; a
// non-zero count means pings were missed. An empty log has nothing to anchor
// on and is left alone. On a write error the count covers the pings already
// written.
func (r *Reconciler) CatchUp(till int64) (int, error) {
	times, err := r.Pending(till)
	if err != nil || len(times) == 0 {
		return 0, err
	}

	tags := pingfile.NewTags(r.CancelTags...)
	for i, t := range times {
		if err := r.Log.Push(pingfile.Ping{Time: t, Tags: tags}, r.Annotate); err != nil {
			return i, fmt.Errorf("writing placeholder ping %d: %w", t, err)
		}
	}
	r.logger().Info("caught up on missed pings", "count", len(times), "till", till)
	return len(times), nil
}

// Pending lists the placeholder times CatchUp would write, oldest first,
// without touching the log.
func (r *Reconciler) Pending(till int64) ([]int64, error) {
	last, ok, err := r.Log.Last()
	if err != nil {
		return nil, fmt.Errorf("reading last ping: %w", err)
	}
	if !ok {
		return nil, nil
	}

	return r.Schedule.Between(last.Time, till), nil
}

func (r *Reconciler) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}
