package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cast"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "ping.file", typ: kString, env: "TAGTIME_PING_FILE",
		apply:   func(cfg *Config, v any) { cfg.Ping.File = v.(string) },
		extract: func(cfg Config) any { return cfg.Ping.File },
	},
	{
		key: "ping.start", typ: kString, env: "TAGTIME_PING_START",
		apply:   func(cfg *Config, v any) { cfg.Ping.Start = v.(string) },
		extract: func(cfg Config) any { return cfg.Ping.Start },
	},
	{
		key: "ping.period", typ: kInt, env: "TAGTIME_PING_PERIOD",
		apply:   func(cfg *Config, v any) { cfg.Ping.Period = v.(int) },
		extract: func(cfg Config) any { return cfg.Ping.Period },
	},
	{
		key: "ping.seed", typ: kInt, env: "TAGTIME_PING_SEED",
		apply:   func(cfg *Config, v any) { cfg.Ping.Seed = v.(int) },
		extract: func(cfg Config) any { return cfg.Ping.Seed },
	},
	{
		key: "ping.cancel_tags", typ: kString, env: "TAGTIME_PING_CANCEL_TAGS",
		apply:   func(cfg *Config, v any) { cfg.Ping.CancelTags = v.(string) },
		extract: func(cfg Config) any { return cfg.Ping.CancelTags },
	},
	{
		key: "ping.tag_width", typ: kInt, env: "TAGTIME_PING_TAG_WIDTH",
		apply:   func(cfg *Config, v any) { cfg.Ping.TagWidth = v.(int) },
		extract: func(cfg Config) any { return cfg.Ping.TagWidth },
	},
	{
		key: "ping.annotate", typ: kBool, env: "TAGTIME_PING_ANNOTATE",
		apply:   func(cfg *Config, v any) { cfg.Ping.Annotate = v.(bool) },
		extract: func(cfg Config) any { return cfg.Ping.Annotate },
	},
	{
		key: "server.port", typ: kInt, env: "TAGTIME_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "storage.data_dir", typ: kString, env: "TAGTIME_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "log.level", typ: kString, env: "TAGTIME_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "prompt.command", typ: kString, env: "TAGTIME_PROMPT_COMMAND",
		apply:   func(cfg *Config, v any) { cfg.Prompt.Command = v.(string) },
		extract: func(cfg Config) any { return cfg.Prompt.Command },
	},
	{
		key: "prompt.timeout", typ: kString, env: "TAGTIME_PROMPT_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Prompt.Timeout = v.(string) },
		extract: func(cfg Config) any { return cfg.Prompt.Timeout },
	},
	{
		key: "editor.on_startup", typ: kBool, env: "TAGTIME_EDITOR_ON_STARTUP",
		apply:   func(cfg *Config, v any) { cfg.Editor.OnStartup = v.(bool) },
		extract: func(cfg Config) any { return cfg.Editor.OnStartup },
	},
	{
		key: "editor.command", typ: kString, env: "TAGTIME_EDITOR_COMMAND",
		apply:   func(cfg *Config, v any) { cfg.Editor.Command = v.(string) },
		extract: func(cfg Config) any { return cfg.Editor.Command },
	},
	{
		key: "notify.command", typ: kString, env: "TAGTIME_NOTIFY_COMMAND",
		apply:   func(cfg *Config, v any) { cfg.Notify.Command = v.(string) },
		extract: func(cfg Config) any { return cfg.Notify.Command },
	},
	{
		key: "api.token", typ: kString, env: "TAGTIME_API_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.API.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.API.Token },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kBool:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if bv, err := cast.ToBoolE(v); err == nil {
					s.apply(cfg, bv)
				} else {
					slog.Warn("could not parse bool from config, using default", "key", s.key, "value", v, "error", err)
				}
			}
		}
	}
	return nil
}

// envLookup reads the process environment, falling back to the dotenv file
// at path. A missing file is not an error.
func envLookup(path string) func(string) string {
	file, err := godotenv.Read(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("could not read env file", "path", path, "error", err)
	}
	return func(key string) string {
		if v := os.Getenv(key); v != "" {
			return v
		}
		return file[key]
	}
}

func applyEnvOverrides(cfg *Config, lookup func(string) string) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := lookup(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := cast.ToIntE(raw); err == nil {
				s.apply(cfg, i)
			} else {
				slog.Warn("could not parse integer from env, using default", "env", s.env, "value", raw, "error", err)
			}
		case kBool:
			if b, err := cast.ToBoolE(raw); err == nil {
				s.apply(cfg, b)
			} else {
				slog.Warn("could not parse bool from env, using default", "env", s.env, "value", raw, "error", err)
			}
		}
	}
}
