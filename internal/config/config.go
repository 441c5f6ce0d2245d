package config

import (
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"strings"
	"time"

	"github.com/kalambet/tagtime/internal/pingfile"
	"github.com/kalambet/tagtime/internal/schedule"
)

// ErrInvalidConfiguration is returned by Validate.
var ErrInvalidConfiguration = errors.New("invalid configuration")

type Config struct {
	Ping    PingConfig
	Server  ServerConfig
	Storage StorageConfig
	Log     LogConfig
	Prompt  PromptConfig
	Editor  EditorConfig
	Notify  NotifyConfig
	API     APIConfig
}

type PingConfig struct {
	File string
	// Start is the instant before which no ping counts; empty means the epoch.
	Start string
	// Period is the mean gap between pings in minutes.
	Period     int
	Seed       int
	CancelTags string
	TagWidth   int
	Annotate   bool
}

type ServerConfig struct {
	Port int
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level string
}

type PromptConfig struct {
	Command string
	Timeout string
}

type EditorConfig struct {
	OnStartup bool
	Command   string
}

// NotifyConfig names an extra program, such as notify-send, that is run with
// a title and message when the log cannot be used.
type NotifyConfig struct {
	Command string
}

type APIConfig struct {
	Token string
}

func defaults() Config {
	return Config{
		Ping: PingConfig{
			Period:     45,
			Seed:       int(schedule.ClassicSeed),
			CancelTags: "afk,RETRO",
			TagWidth:   80,
			Annotate:   true,
		},
		Server: ServerConfig{
			Port: 4100,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the platform-native backend, the dotenv file
// next to it, environment variables, and the platform secret store.
//
// On macOS the backend is UserDefaults (domain: com.tagtime.app). Elsewhere
// it is a TOML file at $XDG_CONFIG_HOME/tagtime/config.toml.
//
// Environment variables (TAGTIME_*) override everything else; tagtime.env in
// the config directory supplies values for variables that are not set.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), keychainStore{}, envLookup(filepath.Join(configDir(), "tagtime.env")))
}

// loadFromPath loads from a TOML file at path, ignoring the platform backend.
func loadFromPath(path string, kc keychain) (Config, error) {
	b, err := openTOMLBackend(path)
	if err != nil {
		return Config{}, err
	}
	return loadWith(b, kc, envLookup(filepath.Join(filepath.Dir(path), "tagtime.env")))
}

// keychain abstracts secret storage for testing.
type keychain interface {
	Get(service, account string) (string, error)
	Set(service, account, value string) error
}

const (
	keychainService = "tagtime"
	tokenAccount    = "api_token"
)

func loadWith(b ConfigBackend, kc keychain, lookup func(string) string) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}
	applyEnvOverrides(&cfg, lookup)

	if cfg.Ping.File == "" {
		cfg.Ping.File = filepath.Join(cfg.Storage.DataDir, "tagtime.log")
	}
	if cfg.API.Token == "" {
		if tok, err := kc.Get(keychainService, tokenAccount); err == nil {
			cfg.API.Token = tok
		}
	}
	return cfg, nil
}

// Validate reports settings the scheduler cannot run with.
func (c Config) Validate() error {
	var problems []string
	if c.Ping.Period <= 0 {
		problems = append(problems, fmt.Sprintf("ping.period must be positive, got %d", c.Ping.Period))
	}
	if c.Ping.Seed < 0 || c.Ping.Seed > math.MaxUint32 {
		problems = append(problems, fmt.Sprintf("ping.seed must fit in 32 unsigned bits, got %d", c.Ping.Seed))
	}
	if c.Ping.TagWidth < 0 {
		problems = append(problems, fmt.Sprintf("ping.tag_width must not be negative, got %d", c.Ping.TagWidth))
	}
	if strings.TrimSpace(c.Ping.File) == "" {
		problems = append(problems, "ping.file must be set")
	}
	if _, err := c.StartMillis(); err != nil {
		problems = append(problems, err.Error())
	}
	for _, t := range c.CancelTagList() {
		if strings.ContainsAny(t, " \t[]") {
			problems = append(problems, fmt.Sprintf("ping.cancel_tags: %q is not a valid tag", t))
		}
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		problems = append(problems, fmt.Sprintf("server.port out of range: %d", c.Server.Port))
	}
	if _, err := c.PromptTimeout(); err != nil {
		problems = append(problems, err.Error())
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfiguration, strings.Join(problems, "; "))
	}
	return nil
}

// PeriodDuration returns ping.period as a duration.
func (c Config) PeriodDuration() time.Duration {
	return time.Duration(c.Ping.Period) * time.Minute
}

// SeedValue returns ping.seed as the schedule takes it.
func (c Config) SeedValue() uint32 {
	return uint32(c.Ping.Seed)
}

var startLayouts = []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02T15:04", "2006-01-02"}

// StartMillis parses ping.start. Times without a zone are local.
func (c Config) StartMillis() (int64, error) {
	s := strings.TrimSpace(c.Ping.Start)
	if s == "" {
		return schedule.Epoch, nil
	}
	for _, layout := range startLayouts {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t.UnixMilli(), nil
		}
	}
	return 0, fmt.Errorf("ping.start: cannot parse %q", s)
}

// CancelTagList splits ping.cancel_tags on commas.
func (c Config) CancelTagList() []string {
	return pingfile.NewTags(strings.Split(c.Ping.CancelTags, ",")...)
}

// PromptTimeout parses prompt.timeout; empty means prompts never expire.
func (c Config) PromptTimeout() (time.Duration, error) {
	if strings.TrimSpace(c.Prompt.Timeout) == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.Prompt.Timeout)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("prompt.timeout: invalid duration %q", c.Prompt.Timeout)
	}
	return d, nil
}

// EditorCommand returns editor.command, then $VISUAL, then $EDITOR, then vi.
func (c Config) EditorCommand(getenv func(string) string) string {
	for _, v := range []string{c.Editor.Command, getenv("VISUAL"), getenv("EDITOR")} {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return "vi"
}
