// Package prompt asks the user what they are doing at each scheduled ping.
//
// At most one prompt is outstanding. A ping that comes due while one is open
// is skipped, not queued. Closing a prompt writes exactly one line to the
// ping log: the user's answer, or the cancel tags when the prompt was
// dismissed or expired. A prompt whose time the log has already moved past
// is closed as expired with no line written.
package prompt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/kalambet/tagtime/internal/pingfile"
	"github.com/kalambet/tagtime/internal/storage"
)

var (
	// ErrNoOutstanding is returned when no prompt is waiting for an answer.
	ErrNoOutstanding = errors.New("no outstanding prompt")
	// ErrPromptClosed is returned when answering a prompt that was already closed.
	ErrPromptClosed = errors.New("prompt already closed")
	// ErrUnknownPrompt is returned for an ID the ledger has never seen.
	ErrUnknownPrompt = errors.New("unknown prompt")
	// ErrAlreadyLogged is returned when the log already holds a ping at or
	// after the prompt's time. The prompt is expired instead of answered.
	ErrAlreadyLogged = errors.New("ping time already logged")
)

// Ledger records prompts and their outcome.
type Ledger interface {
	SavePrompt(p storage.Prompt) (storage.Prompt, error)
	GetPrompt(id string) (storage.Prompt, error)
	PendingPrompt() (*storage.Prompt, error)
	ClosePrompt(id string, status storage.Status, tags []string, comment string) (storage.Prompt, error)
	RecentPrompts(limit int) ([]storage.Prompt, error)
}

// Log is where closed prompts end up.
type Log interface {
	Push(p pingfile.Ping) error
	Last() (pingfile.Ping, bool, error)
	TagsOrdered() ([]pingfile.TagCount, error)
	CancelTags() []string
}

// Prompt is the public view of a ledger entry.
type Prompt struct {
	ID        string         `json:"id"`
	Time      int64          `json:"time"`
	Status    storage.Status `json:"status"`
	Tags      []string       `json:"tags"`
	Comment   string         `json:"comment"`
	CreatedAt time.Time      `json:"created_at"`
}

func fromStorage(p storage.Prompt) Prompt {
	return Prompt{
		ID:        p.ID,
		Time:      p.PingTime,
		Status:    p.Status,
		Tags:      p.Tags,
		Comment:   p.Comment,
		CreatedAt: p.CreatedAt,
	}
}

// Payload is what a prompt window needs to render a question.
type Payload struct {
	ID           string   `json:"id"`
	Time         int64    `json:"time"`
	Tags         []string `json:"tags"`
	PreviousTags []string `json:"previous_tags"`
	CancelTags   []string `json:"cancel_tags"`
}

// Options configures a Manager.
type Options struct {
	// Command, if set, is started for every opened prompt with the ping time
	// in UNIX seconds and the prompt ID as arguments.
	Command string
	// Timeout expires prompts left open longer than this. Zero disables expiry.
	Timeout time.Duration
	Hub     *Hub
	Logger  *slog.Logger
	Now     func() time.Time
}

// Manager runs the prompt lifecycle. It is safe for concurrent use.
type Manager struct {
	mu      sync.Mutex
	ledger  Ledger
	log     Log
	hub     *Hub
	command string
	timeout time.Duration
	logger  *slog.Logger
	now     func() time.Time
}

// NewManager wires a Manager to its ledger and ping log.
func NewManager(ledger Ledger, log Log, opts Options) *Manager {
	m := &Manager{
		ledger:  ledger,
		log:     log,
		hub:     opts.Hub,
		command: opts.Command,
		timeout: opts.Timeout,
		logger:  opts.Logger,
		now:     opts.Now,
	}
	if m.hub == nil {
		m.hub = NewHub()
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m
}

// Hub returns the event hub the manager publishes to.
func (m *Manager) Hub() *Hub { return m.hub }

// Open offers the ping at t to the user. When a prompt is already
// outstanding the ping is recorded as skipped and opened is false.
func (m *Manager) Open(ctx context.Context, t int64) (p Prompt, opened bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pending, err := m.ledger.PendingPrompt()
	if err != nil {
		return Prompt{}, false, fmt.Errorf("checking outstanding prompt: %w", err)
	}
	if pending != nil {
		m.logger.Info("Skipping prompt because current prompt hasn't been answered",
			"time", t, "outstanding", pending.ID)
		skipped, err := m.ledger.SavePrompt(storage.Prompt{PingTime: t, Status: storage.StatusSkipped})
		if err != nil {
			return Prompt{}, false, fmt.Errorf("recording skipped prompt: %w", err)
		}
		p = fromStorage(skipped)
		m.hub.Publish(Event{Type: EventSkipped, Prompt: p})
		return p, false, nil
	}

	saved, err := m.ledger.SavePrompt(storage.Prompt{PingTime: t})
	if err != nil {
		return Prompt{}, false, fmt.Errorf("recording prompt: %w", err)
	}
	p = fromStorage(saved)
	payload, err := m.payload(p)
	if err != nil {
		m.logger.Warn("could not build prompt payload", "prompt", p.ID, "error", err)
	}
	m.hub.Publish(Event{Type: EventOpened, Prompt: p, Payload: &payload})
	m.logger.Info("prompt opened", "prompt", p.ID, "time", time.UnixMilli(t).Format(time.RFC3339))

	if m.command != "" {
		go m.runCommand(ctx, p)
	}
	return p, true, nil
}

func (m *Manager) runCommand(ctx context.Context, p Prompt) {
	cmd := exec.CommandContext(ctx, m.command, strconv.FormatInt(p.Time/1000, 10), p.ID)
	if out, err := cmd.CombinedOutput(); err != nil {
		m.logger.Warn("prompt command failed", "command", m.command, "prompt", p.ID,
			"error", err, "output", string(out))
	}
}

// Outstanding returns the open prompt, or ErrNoOutstanding.
func (m *Manager) Outstanding() (Prompt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pending, err := m.ledger.PendingPrompt()
	if err != nil {
		return Prompt{}, err
	}
	if pending == nil {
		return Prompt{}, ErrNoOutstanding
	}
	return fromStorage(*pending), nil
}

// Payload builds the data a prompt window shows for p.
func (m *Manager) Payload(p Prompt) (Payload, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.payload(p)
}

func (m *Manager) payload(p Prompt) (Payload, error) {
	out := Payload{ID: p.ID, Time: p.Time, Tags: []string{}, PreviousTags: []string{}, CancelTags: m.log.CancelTags()}

	ranked, err := m.log.TagsOrdered()
	if err != nil {
		return out, err
	}
	for _, tc := range ranked {
		out.Tags = append(out.Tags, tc.Tag)
	}

	last, ok, err := m.log.Last()
	if err != nil {
		return out, err
	}
	if ok {
		out.PreviousTags = append(out.PreviousTags, last.Tags...)
	}
	return out, nil
}

// Answer logs the user's tags and comment for prompt id and closes it.
// Tags may be comma or space separated; a lone `"` repeats the previous
// ping's tags.
func (m *Manager) Answer(id string, tags []string, comment string) (Prompt, error) {
	var previous []string
	if last, ok, err := m.log.Last(); err != nil {
		return Prompt{}, err
	} else if ok {
		previous = last.Tags
	}
	return m.close(id, storage.StatusAnswered, ExpandTags(tags, previous), comment)
}

// Dismiss closes prompt id without an answer, logging the cancel tags.
func (m *Manager) Dismiss(id string) (Prompt, error) {
	return m.close(id, storage.StatusDismissed, m.log.CancelTags(), "")
}

func (m *Manager) close(id string, status storage.Status, tags []string, comment string) (Prompt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sp, err := m.ledger.GetPrompt(id)
	if errors.Is(err, storage.ErrNotFound) {
		return Prompt{}, fmt.Errorf("%w: %s", ErrUnknownPrompt, id)
	}
	if err != nil {
		return Prompt{}, err
	}
	if sp.Status.Closed() {
		return fromStorage(sp), ErrPromptClosed
	}

	last, ok, err := m.log.Last()
	if err != nil {
		return fromStorage(sp), err
	}
	if ok && sp.PingTime <= last.Time {
		closed, err := m.ledger.ClosePrompt(id, storage.StatusExpired, []string{}, "")
		if errors.Is(err, storage.ErrNotPending) {
			return fromStorage(closed), ErrPromptClosed
		}
		if err != nil {
			return Prompt{}, fmt.Errorf("closing prompt %s: %w", id, err)
		}
		p := fromStorage(closed)
		m.hub.Publish(Event{Type: EventClosed, Prompt: p})
		m.logger.Warn("prompt time already in the log, expired without writing",
			"prompt", id, "time", sp.PingTime, "last", last.Time)
		return p, ErrAlreadyLogged
	}

	// The log line is written first; a failed write leaves the prompt open.
	if err := m.log.Push(pingfile.Ping{Time: sp.PingTime, Tags: tags, Comment: comment}); err != nil {
		return fromStorage(sp), err
	}
	closed, err := m.ledger.ClosePrompt(id, status, tags, comment)
	if errors.Is(err, storage.ErrNotPending) {
		return fromStorage(closed), ErrPromptClosed
	}
	if err != nil {
		return Prompt{}, fmt.Errorf("closing prompt %s: %w", id, err)
	}

	p := fromStorage(closed)
	m.hub.Publish(Event{Type: EventClosed, Prompt: p})
	m.logger.Info("prompt closed", "prompt", id, "status", status)
	return p, nil
}

// Expire closes the outstanding prompt with the cancel tags when it has been
// open longer than the timeout. It reports whether a prompt was expired.
func (m *Manager) Expire() (bool, error) {
	if m.timeout <= 0 {
		return false, nil
	}

	m.mu.Lock()
	pending, err := m.ledger.PendingPrompt()
	m.mu.Unlock()
	if err != nil || pending == nil {
		return false, err
	}
	if m.now().Sub(time.UnixMilli(pending.PingTime)) < m.timeout {
		return false, nil
	}

	_, err = m.close(pending.ID, storage.StatusExpired, m.log.CancelTags(), "")
	if errors.Is(err, ErrPromptClosed) {
		return false, nil
	}
	if errors.Is(err, ErrAlreadyLogged) {
		return true, nil
	}
	return err == nil, err
}

// Recover closes every prompt left pending by an earlier run as expired,
// without touching the log. Catch-up then fills those times with the cancel
// tags like any other missed ping. Call it before catching up.
func (m *Manager) Recover() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for {
		pending, err := m.ledger.PendingPrompt()
		if err != nil {
			return n, fmt.Errorf("checking outstanding prompt: %w", err)
		}
		if pending == nil {
			return n, nil
		}
		closed, err := m.ledger.ClosePrompt(pending.ID, storage.StatusExpired, []string{}, "")
		if err != nil && !errors.Is(err, storage.ErrNotPending) {
			return n, fmt.Errorf("closing stale prompt %s: %w", pending.ID, err)
		}
		n++
		m.hub.Publish(Event{Type: EventClosed, Prompt: fromStorage(closed)})
		m.logger.Info("stale prompt expired", "prompt", pending.ID,
			"time", time.UnixMilli(pending.PingTime).Format(time.RFC3339))
	}
}

// Recent returns up to limit prompts, newest ping first.
func (m *Manager) Recent(limit int) ([]Prompt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, err := m.ledger.RecentPrompts(limit)
	if err != nil {
		return nil, err
	}
	out := make([]Prompt, 0, len(stored))
	for _, sp := range stored {
		out = append(out, fromStorage(sp))
	}
	return out, nil
}

// RunExpiry checks for stale prompts every poll until ctx is cancelled.
func (m *Manager) RunExpiry(ctx context.Context, poll time.Duration) {
	if m.timeout <= 0 {
		return
	}
	if poll <= 0 {
		poll = 30 * time.Second
	}
	for {
		if expired, err := m.Expire(); err != nil {
			m.logger.Error("expiring prompt failed", "error", err)
		} else if expired {
			m.logger.Info("outstanding prompt expired", "timeout", m.timeout)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(poll):
		}
	}
}
