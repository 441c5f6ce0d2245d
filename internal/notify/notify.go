// Package notify reports problems the user has to act on, such as a ping
// file that cannot be opened. The core never talks to the user directly.
package notify

import (
	"context"
	"log/slog"
	"os/exec"
	"time"
)

// Notifier shows an error to the user.
type Notifier interface {
	Error(title, message string)
}

// Func adapts a plain function to Notifier.
type Func func(title, message string)

func (f Func) Error(title, message string) { f(title, message) }

// Log writes notifications to a structured logger.
type Log struct {
	Logger *slog.Logger
}

func (n Log) Error(title, message string) {
	l := n.Logger
	if l == nil {
		l = slog.Default()
	}
	l.Error(title, "detail", message)
}

// Command runs an external program (for example notify-send) with the
// title and message appended to Args. Failures are logged and swallowed.
type Command struct {
	Name    string
	Args    []string
	Timeout time.Duration
	Logger  *slog.Logger
}

func (n Command) Error(title, message string) {
	l := n.Logger
	if l == nil {
		l = slog.Default()
	}
	timeout := n.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	args := append(append([]string{}, n.Args...), title, message)
	if out, err := exec.CommandContext(ctx, n.Name, args...).CombinedOutput(); err != nil {
		l.Warn("notification command failed", "command", n.Name, "error", err, "output", string(out))
	}
}

// Multi fans a notification out to several notifiers.
type Multi []Notifier

func (m Multi) Error(title, message string) {
	for _, n := range m {
		if n != nil {
			n.Error(title, message)
		}
	}
}
