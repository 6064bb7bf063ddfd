// Package config loads the layered runtime configuration: built-in defaults,
// then a YAML file, then TALLYBOT_* environment overrides. Each layer only
// touches the settings it names, so a one-line file or a single variable is
// enough to run.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adhocore/gronx"
	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/tallybot/tallybot/pkg/events"
)

const envPrefix = "TALLYBOT_"

// ConfigError is a typed error for the config package.
type ConfigError string

func (e ConfigError) Error() string { return string(e) }

const (
	ErrNoTransport     ConfigError = "no transport configured: set a discord or telegram token, or enable the console"
	ErrBadLimit        ConfigError = "must be positive"
	ErrBadCron         ConfigError = "invalid cron rule"
	ErrBadChannelKey   ConfigError = "channel keys are origin:id"
	ErrUnknownProvider ConfigError = "unknown provider"
	ErrNoAddr          ConfigError = "api.addr cannot be empty while the api is enabled"
	ErrDeadOrigin      ConfigError = "origin has no configured transport"
)

// ---------------------------------------------------------------------------
// Schema
// ---------------------------------------------------------------------------

// Config is the full runtime configuration tree.
type Config struct {
	// SelfID overrides the identity used for self-detection on origins whose
	// transport cannot report one. Normally left empty.
	SelfID string `yaml:"self_id" env:"SELF_ID"`

	Channels   Channels   `yaml:"channels" envPrefix:"CHANNELS_"`
	Monitor    Monitor    `yaml:"monitor" envPrefix:"MONITOR_"`
	History    History    `yaml:"history" envPrefix:"HISTORY_"`
	Respond    Respond    `yaml:"respond" envPrefix:"RESPOND_"`
	Providers  Providers  `yaml:"providers" envPrefix:"PROVIDERS_"`
	Counting   Counting   `yaml:"counting" envPrefix:"COUNTING_"`
	Checkpoint Checkpoint `yaml:"checkpoint" envPrefix:"CHECKPOINT_"`
	API        API        `yaml:"api" envPrefix:"API_"`
	Log        Log        `yaml:"log" envPrefix:"LOG_"`
}

// Channels holds per-transport credentials and user allow-lists. A transport
// runs when its token is set (the console when enabled).
type Channels struct {
	Discord  Discord  `yaml:"discord" envPrefix:"DISCORD_"`
	Telegram Telegram `yaml:"telegram" envPrefix:"TELEGRAM_"`
	Console  Console  `yaml:"console" envPrefix:"CONSOLE_"`
}

// Discord configures the discord transport.
type Discord struct {
	Token string `yaml:"token" env:"TOKEN"`
	// AllowFrom restricts which user IDs may address the bot on this origin.
	// Empty allows everyone.
	AllowFrom []string `yaml:"allow_from" env:"ALLOW_FROM"`
}

// Telegram configures the telegram transport.
type Telegram struct {
	Token     string   `yaml:"token" env:"TOKEN"`
	AllowFrom []string `yaml:"allow_from" env:"ALLOW_FROM"`
}

// Console enables the local REPL transport.
type Console struct {
	Enabled bool   `yaml:"enabled" env:"ENABLED"`
	Prompt  string `yaml:"prompt" env:"PROMPT"`
}

// Monitor is the inbound allow-list. Entries are origin:id keys; an empty
// list monitors everything the transports deliver.
type Monitor struct {
	Channels []string `yaml:"channels" env:"CHANNELS"`
	Guilds   []string `yaml:"guilds" env:"GUILDS"`
}

// History bounds the per-channel conversation context.
type History struct {
	Limit int `yaml:"limit" env:"LIMIT"`
}

// Respond tunes the mention responder.
type Respond struct {
	Timeout      Duration `yaml:"timeout" env:"TIMEOUT"`
	Always       bool     `yaml:"always" env:"ALWAYS"`
	Prefix       string   `yaml:"prefix" env:"PREFIX"`
	Fallback     string   `yaml:"fallback" env:"FALLBACK"`
	SystemPrompt string   `yaml:"system_prompt" env:"SYSTEM_PROMPT"`
	MaxTokens    int      `yaml:"max_tokens" env:"MAX_TOKENS"`
	ReplyRef     bool     `yaml:"reply_ref" env:"REPLY_REF"`
}

// Providers selects and configures completion backends. A backend with no
// api key (and no api base) is simply not built.
type Providers struct {
	Default   string   `yaml:"default" env:"DEFAULT"`
	OpenAI    Provider `yaml:"openai" envPrefix:"OPENAI_"`
	Anthropic Provider `yaml:"anthropic" envPrefix:"ANTHROPIC_"`
}

// Provider is one backend's credentials and model choice. An empty model
// means the backend's default.
type Provider struct {
	APIKey  string `yaml:"api_key" env:"API_KEY"`
	APIBase string `yaml:"api_base" env:"API_BASE"`
	Model   string `yaml:"model" env:"MODEL"`
}

// Counting configures the counting game.
type Counting struct {
	Enabled       bool     `yaml:"enabled" env:"ENABLED"`
	Ceiling       int64    `yaml:"ceiling" env:"CEILING"`
	ResetNotice   string   `yaml:"reset_notice" env:"RESET_NOTICE"`
	Moderators    []string `yaml:"moderators" env:"MODERATORS"`
	ApproveEmojis []string `yaml:"approve_emojis" env:"APPROVE_EMOJIS"`
	ResetEmoji    string   `yaml:"reset_emoji" env:"RESET_EMOJI"`
	Autopost      Autopost `yaml:"autopost" envPrefix:"AUTOPOST_"`
}

// Autopost schedules the bot's own counting turns. Channels are origin:id
// keys; no cron or no channels means no autoposting.
type Autopost struct {
	Cron     string   `yaml:"cron" env:"CRON"`
	Channels []string `yaml:"channels" env:"CHANNELS"`
}

// Checkpoint configures session durability. An empty path disables it.
type Checkpoint struct {
	Path  string   `yaml:"path" env:"PATH"`
	Every Duration `yaml:"every" env:"EVERY"`
}

// API configures the diagnostics server.
type API struct {
	Enabled bool   `yaml:"enabled" env:"ENABLED"`
	Addr    string `yaml:"addr" env:"ADDR"`
	Token   string `yaml:"token" env:"TOKEN"`
}

// Log configures the structured logger.
type Log struct {
	Level string `yaml:"level" env:"LEVEL"`
}

// ---------------------------------------------------------------------------
// Duration
// ---------------------------------------------------------------------------

// Duration wraps time.Duration so YAML values ("30s") and environment values
// parse the same way.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	return d.UnmarshalText([]byte(raw))
}

func (d Duration) MarshalYAML() (interface{}, error) { return d.String(), nil }

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Default returns the built-in configuration. It has no transport or provider
// credentials, so it loads but does not validate on its own.
func Default() *Config {
	return &Config{
		History: History{Limit: 20},
		Respond: Respond{
			Timeout:      Duration{30 * time.Second},
			Prefix:       "🗣️ ",
			SystemPrompt: "You are a superior human. Keep responses short and simple. Do not behave like a bot.",
			MaxTokens:    1000,
			ReplyRef:     true,
		},
		Providers: Providers{Default: "openai"},
		Counting:  Counting{Enabled: true},
		Checkpoint: Checkpoint{
			Path:  homePath("tallybot.db"),
			Every: Duration{5 * time.Second},
		},
		API: API{Addr: "127.0.0.1:8793"},
		Log: Log{Level: "info"},
	}
}

// DefaultPath is where Load looks when no -config flag is given.
func DefaultPath() string {
	return homePath("config.yaml")
}

func homePath(name string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".tallybot", name)
}

// Load builds the configuration: defaults, then the YAML file at path (the
// default path when empty), then the environment. A missing file is only an
// error when the path was given explicitly.
func Load(path string) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if path == "" {
		path = DefaultPath()
	}
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("config: parse %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist) && !explicit:
			// Defaults plus environment carry a fileless setup.
		default:
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: envPrefix}); err != nil {
		return nil, fmt.Errorf("config: environment: %w", err)
	}
	return cfg, nil
}

// ---------------------------------------------------------------------------
// Validation
// ---------------------------------------------------------------------------

// Validate rejects configurations that cannot run. Called once at boot so a
// typo fails loudly instead of surfacing mid-conversation.
func (c *Config) Validate() error {
	if c.Channels.Discord.Token == "" && c.Channels.Telegram.Token == "" && !c.Channels.Console.Enabled {
		return ErrNoTransport
	}
	if c.History.Limit <= 0 {
		return fmt.Errorf("config: history.limit: %w", ErrBadLimit)
	}
	if c.Respond.Timeout.Duration <= 0 {
		return fmt.Errorf("config: respond.timeout: %w", ErrBadLimit)
	}
	if c.Respond.MaxTokens <= 0 {
		return fmt.Errorf("config: respond.max_tokens: %w", ErrBadLimit)
	}
	if c.Counting.Ceiling < 0 {
		return fmt.Errorf("config: counting.ceiling: %w", ErrBadLimit)
	}
	if c.Checkpoint.Path != "" && c.Checkpoint.Every.Duration <= 0 {
		return fmt.Errorf("config: checkpoint.every: %w", ErrBadLimit)
	}

	switch c.Providers.Default {
	case "", "openai", "anthropic":
	default:
		return fmt.Errorf("config: providers.default %q: %w", c.Providers.Default, ErrUnknownProvider)
	}

	for _, key := range c.Monitor.Channels {
		if _, _, ok := events.SplitKey(key); !ok {
			return fmt.Errorf("config: monitor.channels %q: %w", key, ErrBadChannelKey)
		}
	}
	for _, key := range c.Monitor.Guilds {
		if _, _, ok := events.SplitKey(key); !ok {
			return fmt.Errorf("config: monitor.guilds %q: %w", key, ErrBadChannelKey)
		}
	}

	if c.Counting.Autopost.Cron != "" && !gronx.New().IsValid(c.Counting.Autopost.Cron) {
		return fmt.Errorf("config: counting.autopost.cron %q: %w", c.Counting.Autopost.Cron, ErrBadCron)
	}
	for _, key := range c.Counting.Autopost.Channels {
		origin, _, ok := events.SplitKey(key)
		if !ok {
			return fmt.Errorf("config: counting.autopost.channels %q: %w", key, ErrBadChannelKey)
		}
		// Autoposts send into the channel, so the origin must come up.
		if !c.originConfigured(origin) {
			return fmt.Errorf("config: counting.autopost.channels %q: %w", key, ErrDeadOrigin)
		}
	}

	if c.API.Enabled && c.API.Addr == "" {
		return fmt.Errorf("config: %w", ErrNoAddr)
	}
	return nil
}

func (c *Config) originConfigured(origin events.Origin) bool {
	switch origin {
	case events.OriginDiscord:
		return c.Channels.Discord.Token != ""
	case events.OriginTelegram:
		return c.Channels.Telegram.Token != ""
	case events.OriginConsole:
		return c.Channels.Console.Enabled
	default:
		return false
	}
}
