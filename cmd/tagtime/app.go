package main

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/kalambet/tagtime/internal/config"
	"github.com/kalambet/tagtime/internal/journal"
	"github.com/kalambet/tagtime/internal/notify"
	"github.com/kalambet/tagtime/internal/pingfile"
	"github.com/kalambet/tagtime/internal/schedule"
)

// loadConfig loads and validates the configuration.
var loadConfig = func() (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

type journalOptions struct {
	// create makes the log when it is missing.
	create   bool
	logger   *slog.Logger
	onChange func()
}

// newSchedule builds the ping sequence described by cfg.
func newSchedule(cfg config.Config) (*schedule.Schedule, error) {
	start, err := cfg.StartMillis()
	if err != nil {
		return nil, err
	}
	return schedule.New(cfg.PeriodDuration(), cfg.SeedValue(), start), nil
}

// newNotifier logs problems and, when notify.command is set, also runs it.
func newNotifier(cfg config.Config, logger *slog.Logger) notify.Notifier {
	n := notify.Multi{notify.Log{Logger: logger}}
	if fields := strings.Fields(cfg.Notify.Command); len(fields) > 0 {
		n = append(n, notify.Command{Name: fields[0], Args: fields[1:], Logger: logger})
	}
	return n
}

// openJournal wires the schedule and ping log described by cfg.
func openJournal(cfg config.Config, opts journalOptions) (*journal.Journal, error) {
	if opts.logger == nil {
		opts.logger = slog.Default()
	}
	sched, err := newSchedule(cfg)
	if err != nil {
		return nil, fmt.Errorf("building schedule: %w", err)
	}
	store := pingfile.Open(cfg.Ping.File, pingfile.Options{
		Create:   opts.create,
		Width:    cfg.Ping.TagWidth,
		Notifier: newNotifier(cfg, opts.logger),
		Logger:   opts.logger,
	})
	return journal.New(sched, store, journal.Options{
		CancelTags: cfg.CancelTagList(),
		Annotate:   cfg.Ping.Annotate,
		OnChange:   opts.onChange,
		Logger:     opts.logger,
	}), nil
}
