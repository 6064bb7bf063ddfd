package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadLayersDefaultsFileEnv(t *testing.T) {
	path := writeConfig(t, `
channels:
  discord:
    token: tok-d
    allow_from: [alice, bob]
respond:
  timeout: 45s
  always: true
counting:
  moderators: [mod-file]
  autopost:
    cron: "*/5 * * * *"
    channels: ["discord:100"]
log:
  level: debug
`)
	t.Setenv("TALLYBOT_RESPOND_TIMEOUT", "90s")
	t.Setenv("TALLYBOT_CHANNELS_TELEGRAM_TOKEN", "tok-t")
	t.Setenv("TALLYBOT_COUNTING_MODERATORS", "m1,m2")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	// Defaults survive where no layer touches them.
	if cfg.History.Limit != 20 {
		t.Errorf("history.limit = %d, want default 20", cfg.History.Limit)
	}
	if cfg.Respond.MaxTokens != 1000 {
		t.Errorf("respond.max_tokens = %d, want default 1000", cfg.Respond.MaxTokens)
	}

	// The file layers over defaults.
	if cfg.Channels.Discord.Token != "tok-d" {
		t.Errorf("discord token = %q", cfg.Channels.Discord.Token)
	}
	if len(cfg.Channels.Discord.AllowFrom) != 2 {
		t.Errorf("allow_from = %v", cfg.Channels.Discord.AllowFrom)
	}
	if !cfg.Respond.Always {
		t.Error("respond.always from file lost")
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("log.level = %q, want debug", cfg.Log.Level)
	}

	// The environment wins over the file.
	if cfg.Respond.Timeout.Duration != 90*time.Second {
		t.Errorf("respond.timeout = %v, want env's 90s", cfg.Respond.Timeout.Duration)
	}
	if cfg.Channels.Telegram.Token != "tok-t" {
		t.Errorf("telegram token = %q, want env's tok-t", cfg.Channels.Telegram.Token)
	}
	if len(cfg.Counting.Moderators) != 2 || cfg.Counting.Moderators[0] != "m1" {
		t.Errorf("moderators = %v, want env's [m1 m2]", cfg.Counting.Moderators)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("loaded config should validate: %v", err)
	}
}

func TestLoadExplicitMissingFileFails(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("explicit missing file should error")
	}
}

func TestLoadWithoutFileUsesDefaults(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("TALLYBOT_CHANNELS_CONSOLE_ENABLED", "true")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load without a file: %v", err)
	}
	if cfg.Respond.Timeout.Duration != 30*time.Second {
		t.Errorf("timeout = %v, want default 30s", cfg.Respond.Timeout.Duration)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("console-only config should validate: %v", err)
	}
}

func TestLoadRejectsBadYAML(t *testing.T) {
	path := writeConfig(t, "respond: [not, a, map]")
	if _, err := Load(path); err == nil {
		t.Fatal("mistyped YAML should error")
	}
}

func TestDurationParsing(t *testing.T) {
	tests := []struct {
		name string
		text string
		want time.Duration
		ok   bool
	}{
		{name: "seconds", text: "30s", want: 30 * time.Second, ok: true},
		{name: "minutes", text: "2m", want: 2 * time.Minute, ok: true},
		{name: "padded", text: " 1h ", want: time.Hour, ok: true},
		{name: "no unit", text: "30", ok: false},
		{name: "word", text: "banana", ok: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var d Duration
			err := d.UnmarshalText([]byte(tt.text))
			if (err == nil) != tt.ok {
				t.Fatalf("UnmarshalText(%q) err = %v, ok = %v", tt.text, err, tt.ok)
			}
			if tt.ok && d.Duration != tt.want {
				t.Errorf("parsed %v, want %v", d.Duration, tt.want)
			}
		})
	}
}

func TestDurationFromYAML(t *testing.T) {
	var out struct {
		Every Duration `yaml:"every"`
	}
	if err := yaml.Unmarshal([]byte("every: 45s"), &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Every.Duration != 45*time.Second {
		t.Errorf("every = %v, want 45s", out.Every.Duration)
	}

	if err := yaml.Unmarshal([]byte("every: nonsense"), &out); err == nil {
		t.Error("bad duration should fail to unmarshal")
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg := Default()
		cfg.Channels.Console.Enabled = true
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   error // nil means valid
	}{
		{name: "console only", mutate: func(c *Config) {}},
		{
			name:   "no transport",
			mutate: func(c *Config) { c.Channels.Console.Enabled = false },
			want:   ErrNoTransport,
		},
		{
			name:   "zero history limit",
			mutate: func(c *Config) { c.History.Limit = 0 },
			want:   ErrBadLimit,
		},
		{
			name:   "negative timeout",
			mutate: func(c *Config) { c.Respond.Timeout.Duration = -time.Second },
			want:   ErrBadLimit,
		},
		{
			name:   "negative ceiling",
			mutate: func(c *Config) { c.Counting.Ceiling = -1 },
			want:   ErrBadLimit,
		},
		{
			name:   "unknown default provider",
			mutate: func(c *Config) { c.Providers.Default = "cohere" },
			want:   ErrUnknownProvider,
		},
		{
			name:   "bare monitor channel id",
			mutate: func(c *Config) { c.Monitor.Channels = []string{"100"} },
			want:   ErrBadChannelKey,
		},
		{
			name:   "bad cron",
			mutate: func(c *Config) { c.Counting.Autopost.Cron = "every tuesday" },
			want:   ErrBadCron,
		},
		{
			name: "autopost into unconfigured origin",
			mutate: func(c *Config) {
				c.Counting.Autopost.Channels = []string{"discord:100"}
			},
			want: ErrDeadOrigin,
		},
		{
			name: "autopost into configured origin",
			mutate: func(c *Config) {
				c.Channels.Discord.Token = "tok"
				c.Counting.Autopost.Channels = []string{"discord:100"}
			},
		},
		{
			name: "api without addr",
			mutate: func(c *Config) {
				c.API.Enabled = true
				c.API.Addr = ""
			},
			want: ErrNoAddr,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.want == nil {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			if !errors.Is(err, tt.want) {
				t.Errorf("Validate() = %v, want %v", err, tt.want)
			}
		})
	}
}
