package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kalambet/tagtime/internal/schedule"
)

// mockKeychain is a test double for the keychain interface.
type mockKeychain struct {
	value string
	err   error
	set   map[string]string
}

func (m *mockKeychain) Get(service, account string) (string, error) {
	return m.value, m.err
}

func (m *mockKeychain) Set(service, account, value string) error {
	if m.set == nil {
		m.set = make(map[string]string)
	}
	m.set[service+"/"+account] = value
	return nil
}

// memBackend is an in-memory ConfigBackend.
type memBackend map[string]any

func (m memBackend) GetString(key string) (string, bool, error) {
	v, ok := m[key]
	if !ok {
		return "", false, nil
	}
	s, _ := v.(string)
	return s, true, nil
}

func (m memBackend) GetInt(key string) (int, bool, error) {
	v, ok := m[key]
	if !ok {
		return 0, false, nil
	}
	i, isInt := v.(int)
	if !isInt {
		return 0, true, errors.New("not an int")
	}
	return i, true, nil
}

func (m memBackend) SetString(key, val string) error { m[key] = val; return nil }
func (m memBackend) SetInt(key string, val int) error { m[key] = val; return nil }
func (m memBackend) Delete(key string) error          { delete(m, key); return nil }

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, s := range specs {
		t.Setenv(s.env, "")
	}
}

// TestDefaults verifies all default values are applied when loading an empty config file.
func TestDefaults(t *testing.T) {
	clearEnv(t)
	path := writeTempConfig(t, `# empty`)

	cfg, err := loadFromPath(path, &mockKeychain{err: errors.New("none")})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Ping.Period != 45 {
		t.Errorf("Ping.Period = %d, want 45", cfg.Ping.Period)
	}
	if cfg.Ping.CancelTags != "afk,RETRO" {
		t.Errorf("Ping.CancelTags = %q", cfg.Ping.CancelTags)
	}
	if cfg.Ping.TagWidth != 80 {
		t.Errorf("Ping.TagWidth = %d, want 80", cfg.Ping.TagWidth)
	}
	if !cfg.Ping.Annotate {
		t.Error("Ping.Annotate = false, want true")
	}
	if cfg.Server.Port != 4100 {
		t.Errorf("Server.Port = %d, want 4100", cfg.Server.Port)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %q", cfg.Log.Level)
	}
	if want := filepath.Join(cfg.Storage.DataDir, "tagtime.log"); cfg.Ping.File != want {
		t.Errorf("Ping.File = %q, want %q", cfg.Ping.File, want)
	}
	if cfg.API.Token != "" {
		t.Errorf("API.Token = %q, want empty", cfg.API.Token)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults do not validate: %v", err)
	}
}

// TestTOMLParsing verifies that all fields are correctly read from a TOML file.
func TestTOMLParsing(t *testing.T) {
	clearEnv(t)
	content := `
[ping]
file = "/tmp/pings.log"
start = "2020-01-01T09:00"
period = 30
seed = 123456
cancel_tags = ["away", "sleep"]
tag_width = 0
annotate = false

[server]
port = 5000

[storage]
data_dir = "/tmp/tagtime-test"

[log]
level = "debug"

[prompt]
command = "tagtime-dialog"
timeout = "10m"

[editor]
on_startup = true
command = "nano"
`
	path := writeTempConfig(t, content)

	cfg, err := loadFromPath(path, &mockKeychain{value: "tok"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Ping.File != "/tmp/pings.log" {
		t.Errorf("Ping.File = %q", cfg.Ping.File)
	}
	if cfg.Ping.Start != "2020-01-01T09:00" {
		t.Errorf("Ping.Start = %q", cfg.Ping.Start)
	}
	if cfg.Ping.Period != 30 || cfg.Ping.Seed != 123456 || cfg.Ping.TagWidth != 0 {
		t.Errorf("Ping = %+v", cfg.Ping)
	}
	if cfg.Ping.CancelTags != "away,sleep" {
		t.Errorf("Ping.CancelTags = %q", cfg.Ping.CancelTags)
	}
	if cfg.Ping.Annotate {
		t.Error("Ping.Annotate = true, want false")
	}
	if cfg.Server.Port != 5000 {
		t.Errorf("Server.Port = %d", cfg.Server.Port)
	}
	if cfg.Storage.DataDir != "/tmp/tagtime-test" {
		t.Errorf("Storage.DataDir = %q", cfg.Storage.DataDir)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q", cfg.Log.Level)
	}
	if cfg.Prompt.Command != "tagtime-dialog" || cfg.Prompt.Timeout != "10m" {
		t.Errorf("Prompt = %+v", cfg.Prompt)
	}
	if !cfg.Editor.OnStartup || cfg.Editor.Command != "nano" {
		t.Errorf("Editor = %+v", cfg.Editor)
	}
	if cfg.API.Token != "tok" {
		t.Errorf("API.Token = %q, want keychain value", cfg.API.Token)
	}
}

func TestInvalidTOML(t *testing.T) {
	clearEnv(t)
	path := writeTempConfig(t, "[ping\nperiod = ")
	if _, err := loadFromPath(path, &mockKeychain{}); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestMissingFileUsesDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := loadFromPath(filepath.Join(t.TempDir(), "absent.toml"), &mockKeychain{})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Ping.Period != 45 {
		t.Errorf("Ping.Period = %d", cfg.Ping.Period)
	}
}

// TestEnvOverride verifies that environment variables override config file values.
func TestEnvOverride(t *testing.T) {
	clearEnv(t)
	path := writeTempConfig(t, "[ping]\nperiod = 30\n")

	t.Setenv("TAGTIME_PING_PERIOD", "15")
	t.Setenv("TAGTIME_PING_ANNOTATE", "false")
	t.Setenv("TAGTIME_API_TOKEN", "env-token")

	cfg, err := loadFromPath(path, &mockKeychain{value: "keychain-token"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Ping.Period != 15 {
		t.Errorf("Ping.Period = %d, want 15", cfg.Ping.Period)
	}
	if cfg.Ping.Annotate {
		t.Error("Ping.Annotate = true, want false")
	}
	if cfg.API.Token != "env-token" {
		t.Errorf("API.Token = %q, want env-token", cfg.API.Token)
	}
}

func TestBadEnvValueKeepsDefault(t *testing.T) {
	clearEnv(t)
	path := writeTempConfig(t, "")
	t.Setenv("TAGTIME_SERVER_PORT", "not-a-number")

	cfg, err := loadFromPath(path, &mockKeychain{})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != 4100 {
		t.Errorf("Server.Port = %d, want 4100", cfg.Server.Port)
	}
}

func TestDotenvFile(t *testing.T) {
	clearEnv(t)
	path := writeTempConfig(t, "[ping]\nperiod = 30\n")
	env := "TAGTIME_PING_PERIOD=20\nTAGTIME_LOG_LEVEL=debug\n"
	if err := os.WriteFile(filepath.Join(filepath.Dir(path), "tagtime.env"), []byte(env), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("TAGTIME_LOG_LEVEL", "warn")

	cfg, err := loadFromPath(path, &mockKeychain{})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Ping.Period != 20 {
		t.Errorf("Ping.Period = %d, want 20 from env file", cfg.Ping.Period)
	}
	if cfg.Log.Level != "warn" {
		t.Errorf("Log.Level = %q, want process env to win", cfg.Log.Level)
	}
}

func TestValidate(t *testing.T) {
	valid := defaults()
	valid.Ping.File = "/tmp/x.log"

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero period", func(c *Config) { c.Ping.Period = 0 }},
		{"negative period", func(c *Config) { c.Ping.Period = -5 }},
		{"seed too large", func(c *Config) { c.Ping.Seed = 1 << 33 }},
		{"negative width", func(c *Config) { c.Ping.TagWidth = -1 }},
		{"no file", func(c *Config) { c.Ping.File = " " }},
		{"bad start", func(c *Config) { c.Ping.Start = "yesterday" }},
		{"bad cancel tag", func(c *Config) { c.Ping.CancelTags = "afk,[x" }},
		{"bad port", func(c *Config) { c.Server.Port = 70000 }},
		{"bad timeout", func(c *Config) { c.Prompt.Timeout = "soon" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid
			tt.mutate(&c)
			if err := c.Validate(); !errors.Is(err, ErrInvalidConfiguration) {
				t.Errorf("Validate = %v, want ErrInvalidConfiguration", err)
			}
		})
	}
	if err := valid.Validate(); err != nil {
		t.Errorf("valid config rejected: %v", err)
	}
}

func TestStartMillis(t *testing.T) {
	c := defaults()
	if got, _ := c.StartMillis(); got != schedule.Epoch {
		t.Errorf("empty start = %d, want epoch", got)
	}

	c.Ping.Start = "2018-11-24T17:20:00Z"
	if got, _ := c.StartMillis(); got != 1543080000000 {
		t.Errorf("RFC3339 start = %d", got)
	}

	c.Ping.Start = "2018-11-24T17:20"
	want := time.Date(2018, 11, 24, 17, 20, 0, 0, time.Local).UnixMilli()
	if got, _ := c.StartMillis(); got != want {
		t.Errorf("local start = %d, want %d", got, want)
	}
}

func TestCancelTagList(t *testing.T) {
	c := defaults()
	c.Ping.CancelTags = " afk, RETRO ,,afk"
	got := c.CancelTagList()
	if strings.Join(got, "|") != "afk|RETRO" {
		t.Errorf("CancelTagList = %v", got)
	}
}

func TestEditorCommand(t *testing.T) {
	env := map[string]string{"EDITOR": "nano"}
	getenv := func(k string) string { return env[k] }

	c := defaults()
	if got := c.EditorCommand(getenv); got != "nano" {
		t.Errorf("EditorCommand = %q, want $EDITOR", got)
	}
	env["VISUAL"] = "code -w"
	if got := c.EditorCommand(getenv); got != "code -w" {
		t.Errorf("EditorCommand = %q, want $VISUAL", got)
	}
	c.Editor.Command = "emacs"
	if got := c.EditorCommand(getenv); got != "emacs" {
		t.Errorf("EditorCommand = %q, want configured", got)
	}
	if got := defaults().EditorCommand(func(string) string { return "" }); got != "vi" {
		t.Errorf("fallback = %q, want vi", got)
	}
}

func TestSetKey(t *testing.T) {
	b := memBackend{}
	if err := setKeyWith(b, "ping.period", "30"); err != nil {
		t.Fatal(err)
	}
	if b["ping.period"] != 30 {
		t.Errorf("stored %v", b["ping.period"])
	}
	if err := setKeyWith(b, "ping.annotate", "no"); err == nil {
		t.Error("accepted a non-boolean")
	}
	if err := setKeyWith(b, "ping.annotate", "false"); err != nil || b["ping.annotate"] != "false" {
		t.Errorf("bool set = %v, %v", b["ping.annotate"], err)
	}
	if err := setKeyWith(b, "ping.period", "soon"); err == nil {
		t.Error("accepted a non-integer")
	}
	if err := setKeyWith(b, "api.token", "x"); err == nil {
		t.Error("allowed setting a secret")
	}
	if err := setKeyWith(b, "nope", "x"); err == nil {
		t.Error("allowed an unknown key")
	}

	if err := unsetKeyWith(b, "ping.period"); err != nil {
		t.Fatal(err)
	}
	if _, ok := b["ping.period"]; ok {
		t.Error("UnsetKey left the value behind")
	}
}

func TestTOMLBackendRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	b, err := openTOMLBackend(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := setKeyWith(b, "ping.seed", "42"); err != nil {
		t.Fatal(err)
	}
	if err := setKeyWith(b, "ping.start", "2024-01-01T00:00:00Z"); err != nil {
		t.Fatal(err)
	}

	reopened, err := openTOMLBackend(path)
	if err != nil {
		t.Fatal(err)
	}
	if v, ok, err := reopened.GetInt("ping.seed"); err != nil || !ok || v != 42 {
		t.Errorf("ping.seed = %d, %v, %v", v, ok, err)
	}
	if v, ok, _ := reopened.GetString("ping.start"); !ok || v != "2024-01-01T00:00:00Z" {
		t.Errorf("ping.start = %q, %v", v, ok)
	}
	if err := reopened.Delete("ping.seed"); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := reopened.GetInt("ping.seed"); ok {
		t.Error("ping.seed still present after Delete")
	}
}

func TestFirstRun(t *testing.T) {
	b := memBackend{}
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	ran, err := firstRunWith(b, now, func() uint32 { return 987654 })
	if err != nil || !ran {
		t.Fatalf("firstRun = %v, %v", ran, err)
	}
	if b["ping.seed"] != 987654 {
		t.Errorf("seed = %v", b["ping.seed"])
	}
	if b["ping.start"] != "2024-05-01T12:00:00Z" {
		t.Errorf("start = %v", b["ping.start"])
	}

	ran, err = firstRunWith(b, now.Add(time.Hour), func() uint32 { return 1 })
	if err != nil || ran {
		t.Fatalf("second firstRun = %v, %v", ran, err)
	}
	if b["ping.seed"] != 987654 {
		t.Errorf("seed overwritten: %v", b["ping.seed"])
	}
}

func TestFirstRunKeepsExistingStart(t *testing.T) {
	b := memBackend{"ping.start": "2019-01-01"}
	if _, err := firstRunWith(b, time.Now(), func() uint32 { return 5 }); err != nil {
		t.Fatal(err)
	}
	if b["ping.start"] != "2019-01-01" {
		t.Errorf("start overwritten: %v", b["ping.start"])
	}
}

func TestEnsureAPIToken(t *testing.T) {
	kc := &mockKeychain{}
	cfg := defaults()

	tok, err := ensureAPITokenWith(&cfg, kc)
	if err != nil {
		t.Fatal(err)
	}
	if len(tok) != 32 || cfg.API.Token != tok {
		t.Errorf("token = %q, cfg = %q", tok, cfg.API.Token)
	}
	if kc.set["tagtime/api_token"] != tok {
		t.Errorf("token not stored: %v", kc.set)
	}

	again, _ := ensureAPITokenWith(&cfg, kc)
	if again != tok {
		t.Error("existing token replaced")
	}
}

func TestShowAllHidesSecrets(t *testing.T) {
	cfg := defaults()
	cfg.API.Token = "secret"
	for _, ki := range ShowAll(cfg) {
		if ki.Key == "api.token" || ki.Value == "secret" {
			t.Errorf("ShowAll exposed %s", ki.Key)
		}
	}
	if len(ShowAll(cfg)) != len(ValidKeys()) {
		t.Error("ShowAll and ValidKeys disagree")
	}
}
