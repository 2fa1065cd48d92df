// Package config defines the storeclaw configuration file and its loading:
// YAML over defaults, ${VAR} expansion, STORECLAW_* environment overrides
// and validation.
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/jholhewres/storeclaw/pkg/storeclaw/backoff"
	"github.com/jholhewres/storeclaw/pkg/storeclaw/channels/whatsapp"
	"github.com/jholhewres/storeclaw/pkg/storeclaw/credentials"
	"github.com/jholhewres/storeclaw/pkg/storeclaw/database"
	"github.com/jholhewres/storeclaw/pkg/storeclaw/queue"
	"github.com/jholhewres/storeclaw/pkg/storeclaw/responder"
	"github.com/jholhewres/storeclaw/pkg/storeclaw/session"
)

// Config is the root configuration.
type Config struct {
	// Name identifies this deployment in logs.
	Name string `yaml:"name"`

	Logging     LoggingConfig      `yaml:"logging"`
	Database    database.Config    `yaml:"database"`
	Credentials credentials.Config `yaml:"credentials"`
	WhatsApp    whatsapp.Config    `yaml:"whatsapp"`
	Session     session.Config     `yaml:"session"`
	Queue       QueueConfig        `yaml:"queue"`
	Responder   ResponderConfig    `yaml:"responder"`
	Outbound    OutboundConfig     `yaml:"outbound"`
	Gateway     GatewayConfig      `yaml:"gateway"`

	// Tenants are the stores served by this process.
	Tenants []TenantConfig `yaml:"tenants" validate:"unique=ID,dive"`
}

// LoggingConfig selects the slog handler.
type LoggingConfig struct {
	// Level is debug, info, warn or error. Default: info.
	Level string `yaml:"level" env:"STORECLAW_LOG_LEVEL" validate:"omitempty,oneof=debug info warn error"`

	// Format is json or text. Default: json.
	Format string `yaml:"format" env:"STORECLAW_LOG_FORMAT" validate:"omitempty,oneof=json text"`
}

// QueueConfig configures dedup and per-sender serialization.
type QueueConfig struct {
	// DedupWindow is the default dedup window. Default: 30s.
	DedupWindow time.Duration `yaml:"dedup_window"`

	// RedisURL moves the dedup cache to Redis when set, so that several
	// processes share it.
	RedisURL string `yaml:"redis_url" env:"STORECLAW_REDIS_URL"`

	// RedisPrefix namespaces dedup keys. Default: "storeclaw:dedup:".
	RedisPrefix string `yaml:"redis_prefix"`

	// SweepSchedule drops expired in-memory dedup keys. Default: "@every 1m".
	SweepSchedule string `yaml:"sweep_schedule"`
}

// ProviderConfig configures one AI provider.
type ProviderConfig struct {
	// Name is "anthropic" or "openai".
	Name string `yaml:"name" validate:"required,oneof=anthropic openai"`

	// APIKey falls back to ANTHROPIC_API_KEY or OPENAI_API_KEY.
	APIKey string `yaml:"api_key"`

	// BaseURL points at a compatible endpoint. Empty uses the vendor's.
	BaseURL string `yaml:"base_url" validate:"omitempty,url"`

	Model       string  `yaml:"model" validate:"required"`
	Temperature float64 `yaml:"temperature" validate:"gte=0,lte=2"`
	MaxTokens   int     `yaml:"max_tokens" validate:"gte=0"`

	// Timeout bounds one call. Default: 30s.
	Timeout time.Duration `yaml:"timeout"`
}

// Options returns the provider call options.
func (p ProviderConfig) Options() responder.Options {
	return responder.Options{Model: p.Model, Temperature: p.Temperature, MaxTokens: p.MaxTokens}
}

// ResponderConfig configures reply generation.
type ResponderConfig struct {
	// SystemPrompt overrides the built-in sales prompt.
	SystemPrompt string `yaml:"system_prompt"`

	// HistoryLimit is how many conversation lines feed the prompt. Default: 10.
	HistoryLimit int `yaml:"history_limit" validate:"gte=0"`

	// Providers are tried in order.
	Providers []ProviderConfig `yaml:"providers" validate:"dive"`

	// Canned replies answer when every provider failed.
	Canned []responder.CannedReply `yaml:"canned"`

	// Fallback is the last-resort reply. Default: an Arabic apology.
	Fallback string `yaml:"fallback"`
}

// OutboundConfig configures delivery and redelivery.
type OutboundConfig struct {
	// Redelivery bounds how often a pending reply is retried.
	Redelivery backoff.Policy `yaml:"redelivery"`

	// RedeliverySchedule is the cron schedule of the redelivery pass. Default: "@every 1m".
	RedeliverySchedule string `yaml:"redelivery_schedule"`

	// AlertQuiet suppresses repeats of the same alert. Default: 5m.
	AlertQuiet time.Duration `yaml:"alert_quiet"`
}

// GatewayConfig configures the admin HTTP API.
type GatewayConfig struct {
	Enabled bool `yaml:"enabled"`

	// Address to listen on. Default: "127.0.0.1:8090".
	Address string `yaml:"address" env:"STORECLAW_GATEWAY_ADDRESS"`

	// AuthToken is required as a bearer token when set.
	AuthToken string `yaml:"auth_token" env:"STORECLAW_GATEWAY_TOKEN"`

	// CORSOrigins lists allowed browser origins.
	CORSOrigins []string `yaml:"cors_origins"`
}

// TenantConfig is one store. Zero fields inherit the global settings.
type TenantConfig struct {
	// ID is the tenant key. It must be stable: credentials and history are
	// stored under it.
	ID string `yaml:"id" validate:"required,excludesall=/: "`

	// Name is the store's display name.
	Name string `yaml:"name"`

	// Disabled tenants are not connected by serve.
	Disabled bool `yaml:"disabled"`

	DedupWindow  time.Duration           `yaml:"dedup_window"`
	Reconnect    *backoff.Policy         `yaml:"reconnect"`
	SystemPrompt string                  `yaml:"system_prompt"`
	Canned       []responder.CannedReply `yaml:"canned"`
	Fallback     string                  `yaml:"fallback"`
}

// DefaultConfig returns a configuration with sensible defaults and no tenants.
func DefaultConfig() *Config {
	return &Config{
		Name: "storeclaw",
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Database:    database.DefaultConfig(),
		Credentials: credentials.DefaultConfig(),
		WhatsApp:    whatsapp.DefaultConfig(),
		Session:     session.DefaultConfig(),
		Queue: QueueConfig{
			DedupWindow:   queue.DefaultConfig().DedupWindow,
			RedisPrefix:   "storeclaw:dedup:",
			SweepSchedule: "@every 1m",
		},
		Responder: ResponderConfig{
			HistoryLimit: 10,
		},
		Outbound: OutboundConfig{
			Redelivery:         backoff.Policy{Base: time.Minute, Max: 30 * time.Minute, Cap: 5},
			RedeliverySchedule: "@every 1m",
			AlertQuiet:         5 * time.Minute,
		},
		Gateway: GatewayConfig{
			Address: "127.0.0.1:8090",
		},
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Tenant returns the tenant with the given ID.
func (c *Config) Tenant(id string) (TenantConfig, bool) {
	for _, t := range c.Tenants {
		if t.ID == id {
			return t, true
		}
	}
	return TenantConfig{}, false
}

// EnabledTenants returns the tenants serve should connect.
func (c *Config) EnabledTenants() []TenantConfig {
	out := make([]TenantConfig, 0, len(c.Tenants))
	for _, t := range c.Tenants {
		if !t.Disabled {
			out = append(out, t)
		}
	}
	return out
}

// QueueConfig returns the tenant's queue settings.
func (c *Config) QueueConfig(t TenantConfig) queue.Config {
	window := c.Queue.DedupWindow
	if t.DedupWindow > 0 {
		window = t.DedupWindow
	}
	return queue.Config{DedupWindow: window}
}

// SessionConfig returns the tenant's session settings.
func (c *Config) SessionConfig(t TenantConfig) session.Config {
	cfg := c.Session
	if t.Reconnect != nil {
		cfg.Reconnect = *t.Reconnect
	}
	cfg.Reconnect = cfg.Reconnect.Normalize()
	return cfg
}

// SystemPrompt returns the tenant's system prompt.
func (c *Config) SystemPrompt(t TenantConfig) string {
	if t.SystemPrompt != "" {
		return t.SystemPrompt
	}
	return c.Responder.SystemPrompt
}

// CannedReplies returns the tenant's rules followed by the global ones.
func (c *Config) CannedReplies(t TenantConfig) []responder.CannedReply {
	out := make([]responder.CannedReply, 0, len(t.Canned)+len(c.Responder.Canned))
	out = append(out, t.Canned...)
	return append(out, c.Responder.Canned...)
}

// FallbackText returns the tenant's last-resort reply.
func (c *Config) FallbackText(t TenantConfig) string {
	if t.Fallback != "" {
		return t.Fallback
	}
	return c.Responder.Fallback
}
