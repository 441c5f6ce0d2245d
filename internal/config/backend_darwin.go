//go:build darwin

package config

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cast"
)

const defaultsDomain = "com.tagtime.app"

// defaultsDate is how `defaults read` prints a value written with -date.
const defaultsDate = "2006-01-02 15:04:05 -0700"

func defaultDataDir() string {
	return configDir()
}

func configDir() string {
	if homeDir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(homeDir, "Library", "Application Support", "tagtime")
	}
	return "tagtime-data"
}

// darwinBackend keeps settings in the com.tagtime.app UserDefaults domain
// through the defaults CLI. Boolean keys are stored as real plist booleans
// so they can be toggled with `defaults write ... -bool`.
type darwinBackend struct {
	domain string
	run    func(args ...string) ([]byte, error)
}

func newPlatformBackend() ConfigBackend {
	return &darwinBackend{
		domain: defaultsDomain,
		run: func(args ...string) ([]byte, error) {
			return exec.Command("defaults", args...).CombinedOutput()
		},
	}
}

func (b *darwinBackend) read(key string) (string, bool, error) {
	out, err := b.run("read", b.domain, key)
	s := strings.TrimSpace(string(out))
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
			return "", false, nil
		}
		return "", false, fmt.Errorf("reading %s from %s: %w, output: %s", key, b.domain, err, s)
	}
	return normalizeDefault(key, s), true, nil
}

// normalizeDefault turns what `defaults read` prints into the form the key
// specs parse: plist booleans become true/false and a -date ping.start
// becomes RFC 3339.
func normalizeDefault(key, s string) string {
	switch typeOf(key) {
	case kBool:
		if v, err := cast.ToBoolE(s); err == nil {
			return strconv.FormatBool(v)
		}
	case kString:
		if key == "ping.start" {
			if t, err := time.Parse(defaultsDate, s); err == nil {
				return t.Format(time.RFC3339)
			}
		}
	}
	return s
}

func typeOf(key string) keyType {
	for _, s := range specs {
		if s.key == key {
			return s.typ
		}
	}
	return kString
}

func (b *darwinBackend) write(key, kind, val string) error {
	if out, err := b.run("write", b.domain, key, kind, val); err != nil {
		return fmt.Errorf("writing %s to %s: %w, output: %s", key, b.domain, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (b *darwinBackend) GetString(key string) (string, bool, error) {
	return b.read(key)
}

func (b *darwinBackend) GetInt(key string) (int, bool, error) {
	s, ok, err := b.read(key)
	if !ok || err != nil {
		return 0, ok, err
	}
	i, err := strconv.Atoi(s)
	if err != nil {
		return 0, true, fmt.Errorf("invalid integer for %s: %w", key, err)
	}
	return i, true, nil
}

func (b *darwinBackend) SetString(key, val string) error {
	if typeOf(key) == kBool {
		return b.write(key, "-bool", val)
	}
	return b.write(key, "-string", val)
}

func (b *darwinBackend) SetInt(key string, val int) error {
	return b.write(key, "-int", strconv.Itoa(val))
}

func (b *darwinBackend) Delete(key string) error {
	if out, err := b.run("delete", b.domain, key); err != nil {
		return fmt.Errorf("deleting %s from %s: %w, output: %s", key, b.domain, err, strings.TrimSpace(string(out)))
	}
	return nil
}
