package config

import (
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cast"
)

// KeyInfo describes a config key for display purposes.
type KeyInfo struct {
	Key    string
	EnvVar string
	Value  string
}

// ShowAll returns all config key/value pairs from the current config.
func ShowAll(cfg Config) []KeyInfo {
	var result []KeyInfo
	for _, s := range specs {
		if s.secret {
			continue
		}
		result = append(result, KeyInfo{
			Key:    s.key,
			EnvVar: s.env,
			Value:  fmt.Sprintf("%v", s.extract(cfg)),
		})
	}
	return result
}

// SetKey writes a config key to the platform backend.
func SetKey(key, value string) error {
	return setKeyWith(newPlatformBackend(), key, value)
}

func setKeyWith(b ConfigBackend, key, value string) error {
	for _, s := range specs {
		if s.key != key {
			continue
		}
		if s.secret {
			return fmt.Errorf("cannot set secret %q via config; use environment variable %s", key, s.env)
		}
		switch s.typ {
		case kString:
			return b.SetString(key, value)
		case kInt:
			i, err := cast.ToIntE(value)
			if err != nil {
				return fmt.Errorf("invalid integer value for %s: %w", key, err)
			}
			return b.SetInt(key, i)
		case kBool:
			v, err := cast.ToBoolE(value)
			if err != nil {
				return fmt.Errorf("invalid boolean value for %s: %w", key, err)
			}
			return b.SetString(key, strconv.FormatBool(v))
		}
	}
	return fmt.Errorf("unknown config key: %q (valid keys: %s)", key, strings.Join(ValidKeys(), ", "))
}

// UnsetKey removes a stored value so the default applies again.
func UnsetKey(key string) error {
	return unsetKeyWith(newPlatformBackend(), key)
}

func unsetKeyWith(b ConfigBackend, key string) error {
	for _, s := range specs {
		if s.key == key && !s.secret {
			return b.Delete(key)
		}
	}
	return fmt.Errorf("unknown config key: %q", key)
}

// ValidKeys returns the list of valid non-secret config key names.
func ValidKeys() []string {
	var keys []string
	for _, s := range specs {
		if !s.secret {
			keys = append(keys, s.key)
		}
	}
	return keys
}

// FirstRun gives a fresh install its own ping sequence: a random seed, and a
// start time of now so the new sequence never reaches back over older logs.
// It does nothing once a seed has been stored and reports whether it ran.
func FirstRun() (bool, error) {
	return firstRunWith(newPlatformBackend(), time.Now(), rand.Uint32)
}

func firstRunWith(b ConfigBackend, now time.Time, seed func() uint32) (bool, error) {
	if _, ok, err := b.GetInt("ping.seed"); err != nil || ok {
		return false, err
	}
	if err := b.SetInt("ping.seed", int(seed())); err != nil {
		return false, fmt.Errorf("storing ping.seed: %w", err)
	}
	if _, ok, err := b.GetString("ping.start"); err != nil {
		return false, err
	} else if !ok {
		if err := b.SetString("ping.start", now.Format(time.RFC3339)); err != nil {
			return false, fmt.Errorf("storing ping.start: %w", err)
		}
	}
	return true, nil
}

// EnsureAPIToken returns cfg's API token, generating and storing one in the
// platform secret store when none exists.
func EnsureAPIToken(cfg *Config) (string, error) {
	return ensureAPITokenWith(cfg, keychainStore{})
}

func ensureAPITokenWith(cfg *Config, kc keychain) (string, error) {
	if cfg.API.Token != "" {
		return cfg.API.Token, nil
	}
	tok := strings.ReplaceAll(uuid.NewString(), "-", "")
	if err := kc.Set(keychainService, tokenAccount, tok); err != nil {
		return "", fmt.Errorf("storing API token: %w", err)
	}
	cfg.API.Token = tok
	return tok, nil
}
