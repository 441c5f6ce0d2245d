// Package scheduler fires a prompt at every scheduled ping while the daemon
// runs. Missed pings from before start-up are the catch-up's job, not this
// loop's.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kalambet/tagtime/internal/prompt"
)

// Generator yields the first scheduled ping strictly after t.
type Generator interface {
	Next(t int64) int64
}

// Prompter offers a ping to the user.
type Prompter interface {
	Open(ctx context.Context, t int64) (prompt.Prompt, bool, error)
}

// Scheduler waits for each ping in turn and hands it to the prompter.
type Scheduler struct {
	gen      Generator
	prompter Prompter
	logger   *slog.Logger
	now      func() time.Time

	mu       sync.Mutex
	next     int64
	cancel   chan struct{}
	wake     chan struct{}
	stopOnce sync.Once
}

// New returns a Scheduler. Call Run to start it.
func New(gen Generator, prompter Prompter, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		gen:      gen,
		prompter: prompter,
		logger:   logger,
		now:      time.Now,
		cancel:   make(chan struct{}),
		wake:     make(chan struct{}, 1),
	}
}

// Run blocks until ctx is done or Cancel is called. Each ping is offered at
// most once; when the timer fires late the loop moves on to the first ping
// after the current time. A wall clock stepping backwards never brings an
// offered ping back.
func (s *Scheduler) Run(ctx context.Context) error {
	var last int64
	for {
		now := s.now().UnixMilli()
		next := s.gen.Next(max(now, last))
		s.setNext(next)
		s.logger.Debug("next ping scheduled", "time", time.UnixMilli(next).Format(time.RFC3339))

		timer := time.NewTimer(time.Duration(next-now) * time.Millisecond)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.setNext(0)
			return nil
		case <-s.cancel:
			timer.Stop()
			s.setNext(0)
			return nil
		case <-s.wake:
			timer.Stop()
			continue
		case <-timer.C:
		}

		last = next
		if _, _, err := s.prompter.Open(ctx, next); err != nil {
			s.logger.Error("opening prompt failed", "time", next, "error", err)
		}
	}
}

// Reschedule makes Run drop its timer and ask the generator again, for
// instance after the schedule was reconfigured.
func (s *Scheduler) Reschedule() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Cancel clears the pending timer and stops Run. A prompt already opened is
// left as it is.
func (s *Scheduler) Cancel() {
	s.stopOnce.Do(func() { close(s.cancel) })
}

// Next returns the ping the loop is waiting for, if it is running.
func (s *Scheduler) Next() (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next, s.next != 0
}

func (s *Scheduler) setNext(t int64) {
	s.mu.Lock()
	s.next = t
	s.mu.Unlock()
}
