// Package pingfile reads and appends the plain-text ping log.
//
// One ping per line:
//
//	<unix-seconds> [<tag> <tag> ...] [[<comment>]]
//
// The file is append-only and is the source of truth. Store caches the parsed
// contents and keeps the cache in step with its own appends; changes made
// behind its back (an editor, another process) are detected by size and
// modification time and trigger a reload.
package pingfile

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/afero"

	"github.com/kalambet/tagtime/internal/notify"
)

// Options configures a Store.
type Options struct {
	// Fs defaults to the OS filesystem.
	Fs afero.Fs
	// Create makes an empty log if none exists yet.
	Create bool
	// Width pads encoded tags to this many characters.
	Width    int
	Notifier notify.Notifier
	Logger   *slog.Logger
}

type fileStamp struct {
	size    int64
	modTime time.Time
}

// Store is the parsed, cached view of one ping log. Not goroutine-safe.
type Store struct {
	fs       afero.Fs
	path     string
	width    int
	notifier notify.Notifier
	logger   *slog.Logger

	loaded  bool
	stamp   fileStamp
	entries []Entry
	pings   []Ping
	freq    map[string]int
}

// Open returns a Store for path. The file is not read until it is needed.
// With opts.Create a missing file is created; failing to do so is reported to
// the notifier and is not fatal.
func Open(path string, opts Options) *Store {
	s := &Store{
		fs:       opts.Fs,
		path:     path,
		width:    opts.Width,
		notifier: opts.Notifier,
		logger:   opts.Logger,
	}
	if s.fs == nil {
		s.fs = afero.NewOsFs()
	}
	if s.notifier == nil {
		s.notifier = notify.Log{Logger: s.logger}
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}

	if opts.Create {
		if err := s.create(); err != nil {
			s.logger.Warn("could not create ping file", "path", path, "error", err)
			s.notifier.Error("TagTime - can't create ping file",
				fmt.Sprintf("Can't create the ping file '%s'. Please change the path in settings.", path))
		}
	}
	return s
}

func (s *Store) create() error {
	exists, err := afero.Exists(s.fs, s.path)
	if err != nil || exists {
		return err
	}
	s.logger.Debug("creating ping file", "path", s.path)
	f, err := s.fs.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	return f.Close()
}

// Path returns the log file location.
func (s *Store) Path() string { return s.path }

// Invalidate drops the cache; the next read parses the file again.
func (s *Store) Invalidate() {
	s.loaded = false
	s.entries = nil
	s.pings = nil
	s.freq = nil
}

// Stale reports whether the file changed since the cache was filled.
func (s *Store) Stale() bool {
	if !s.loaded {
		return true
	}
	st, err := s.stat()
	if err != nil {
		return true
	}
	return st.size != s.stamp.size || !st.modTime.Equal(s.stamp.modTime)
}

func (s *Store) stat() (fileStamp, error) {
	fi, err := s.fs.Stat(s.path)
	if err != nil {
		return fileStamp{}, err
	}
	return fileStamp{size: fi.Size(), modTime: fi.ModTime()}, nil
}

// load fills the cache. A missing file is reported to the notifier and
// reads as empty without being cached; other read errors are returned.
func (s *Store) load() error {
	if s.loaded && !s.Stale() {
		return nil
	}
	s.Invalidate()

	st, err := s.stat()
	if err == nil {
		var data []byte
		data, err = afero.ReadFile(s.fs, s.path)
		if err == nil {
			s.fill(string(data))
			s.stamp = st
			s.loaded = true
			return nil
		}
	}
	if errors.Is(err, fs.ErrNotExist) {
		s.logger.Error("could not open ping file", "path", s.path, "error", err)
		s.notifier.Error("TagTime - can't open ping file",
			fmt.Sprintf("Can't open the ping file '%s'. Please check the path in settings.", s.path))
		return nil
	}
	return fmt.Errorf("reading ping file %s: %w", s.path, err)
}

func (s *Store) fill(data string) {
	s.freq = make(map[string]int)
	data = strings.TrimSpace(data)
	if data == "" {
		return
	}
	for i, line := range strings.Split(data, "\n") {
		e := Entry{Line: i + 1, Raw: line}
		e.Ping, e.OK = Parse(line)
		if !e.OK {
			s.logger.Warn("could not parse entry", "path", s.path, "line", e.Line, "entry", line)
		}
		s.add(e)
	}
}

func (s *Store) add(e Entry) {
	s.entries = append(s.entries, e)
	if !e.OK {
		return
	}
	s.pings = append(s.pings, e.Ping)
	for _, t := range e.Ping.Tags {
		s.freq[t]++
	}
}

// Entries returns every line of the log, malformed ones included.
func (s *Store) Entries() ([]Entry, error) {
	if err := s.load(); err != nil {
		return nil, err
	}
	return s.entries, nil
}

// Pings returns the valid pings in file order. The slice is shared with
// the cache and must not be modified.
func (s *Store) Pings() ([]Ping, error) {
	if err := s.load(); err != nil {
		return nil, err
	}
	return s.pings, nil
}

// Last returns the most recent valid ping, if any.
func (s *Store) Last() (Ping, bool, error) {
	ps, err := s.Pings()
	if err != nil || len(ps) == 0 {
		return Ping{}, false, err
	}
	return ps[len(ps)-1], true, nil
}

// Push appends p to the log. A newline is inserted first when the file does
// not already end with one, so a hand-edited last line is never joined to
// the new entry. Write failures are returned; nothing is retried.
func (s *Store) Push(p Ping, annotate bool) error {
	line, err := Encode(p, annotate, s.width)
	if err != nil {
		return err
	}

	// The cache is extended after the write only if it still matches the file.
	if s.loaded && s.Stale() {
		s.Invalidate()
	}

	nl, err := s.needsNewline()
	if err != nil {
		return fmt.Errorf("inspecting ping file %s: %w", s.path, err)
	}

	f, err := s.fs.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening ping file %s: %w", s.path, err)
	}
	if _, err := f.Write([]byte(nl + line + "\n")); err != nil {
		f.Close()
		s.Invalidate()
		return fmt.Errorf("appending to ping file %s: %w", s.path, err)
	}
	if err := f.Close(); err != nil {
		s.Invalidate()
		return fmt.Errorf("closing ping file %s: %w", s.path, err)
	}

	if !s.loaded {
		return nil
	}
	e := Entry{Line: len(s.entries) + 1, Raw: line}
	e.Ping, e.OK = Parse(line)
	s.add(e)
	if st, err := s.stat(); err == nil {
		s.stamp = st
	} else {
		s.Invalidate()
	}
	return nil
}

func (s *Store) needsNewline() (string, error) {
	f, err := s.fs.Open(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return "", err
	}
	if fi.Size() == 0 {
		return "", nil
	}
	last := make([]byte, 1)
	if _, err := f.ReadAt(last, fi.Size()-1); err != nil && err != io.EOF {
		return "", err
	}
	if last[0] != '\n' {
		return "\n", nil
	}
	return "", nil
}
