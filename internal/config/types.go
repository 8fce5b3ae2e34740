package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/l0p7/mapinfo/internal/expr"
)

// Config is the agent's full configuration.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	API      APIConfig      `koanf:"api"`
	Requests RequestsConfig `koanf:"requests"`
	Cache    CacheConfig    `koanf:"cache"`
	Page     PageConfig     `koanf:"page"`
	Render   RenderConfig   `koanf:"render"`
}

// ServerConfig covers the control surface listener and logging.
type ServerConfig struct {
	Listen  ListenConfig  `koanf:"listen"`
	Logging LoggingConfig `koanf:"logging"`
}

// ListenConfig instructs the HTTP listener about bind address and port.
type ListenConfig struct {
	Address string `koanf:"address"`
	Port    int    `koanf:"port"`
}

// LoggingConfig expresses log level and format.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// APIConfig points the agent at the intermediate server.
type APIConfig struct {
	BaseURL            string `koanf:"baseURL"`
	ClientID           string `koanf:"clientID"`
	TimeoutSeconds     int    `koanf:"timeoutSeconds"`
	TokenPath          string `koanf:"tokenPath"`
	TokenFile          string `koanf:"tokenFile"`
	TokenLifetimeDays  int    `koanf:"tokenLifetimeDays"`
	CanonicalSourceURL string `koanf:"canonicalSourceURL"`
	UseServerCache     bool   `koanf:"useServerCache"`
	MaxBodyBytes       int64  `koanf:"maxBodyBytes"`
}

// RequestsConfig tunes duplicate suppression, banning and notifications.
// Durations use Go syntax ("4s", "1.3s").
type RequestsConfig struct {
	BanAfter         int                `koanf:"banAfter"`
	BanCooldown      string             `koanf:"banCooldown"`
	ReissueAttempts  int                `koanf:"reissueAttempts"`
	ManualRetries    int                `koanf:"manualRetries"`
	ReloadRetryDelay string             `koanf:"reloadRetryDelay"`
	Notification     NotificationConfig `koanf:"notification"`
}

type NotificationConfig struct {
	ReloadAfter  string `koanf:"reloadAfter"`
	DismissAfter string `koanf:"dismissAfter"`
}

// CacheConfig selects the persistent store backend and per-namespace limits.
type CacheConfig struct {
	Backend    string            `koanf:"backend"`
	Folder     string            `koanf:"folder"`
	QuotaBytes int               `koanf:"quotaBytes"`
	Redis      RedisCacheConfig  `koanf:"redis"`
	Mapsets    CachePolicyConfig `koanf:"mapsets"`
	Beatmaps   CachePolicyConfig `koanf:"beatmaps"`
}

type RedisCacheConfig struct {
	Address  string         `koanf:"address"`
	Username string         `koanf:"username"`
	Password string         `koanf:"password"`
	DB       int            `koanf:"db"`
	Prefix   string         `koanf:"prefix"`
	TLS      RedisTLSConfig `koanf:"tls"`
}

type RedisTLSConfig struct {
	Enabled bool   `koanf:"enabled"`
	CAFile  string `koanf:"caFile"`
}

// CachePolicyConfig is a namespace size limit and how many of the oldest
// entries to drop once it is reached.
type CachePolicyConfig struct {
	Limit int `koanf:"limit"`
	Evict int `koanf:"evict"`
}

// PageConfig names the page snapshot the document is loaded from. Rewrites of
// the file are re-rendered into the live document.
type PageConfig struct {
	SnapshotFile string `koanf:"snapshotFile"`
}

// RenderConfig controls the text mounted into blocks.
type RenderConfig struct {
	TemplatesFolder     string `koanf:"templatesFolder"`
	InfoTemplate        string `koanf:"infoTemplate"`
	InfoTemplateFile    string `koanf:"infoTemplateFile"`
	PPTemplate          string `koanf:"ppTemplate"`
	PPTemplateFile      string `koanf:"ppTemplateFile"`
	TooltipTemplate     string `koanf:"tooltipTemplate"`
	TooltipTemplateFile string `koanf:"tooltipTemplateFile"`
	// DeepInfoWhen is a CEL predicate over `beatmap` deciding which blocks
	// get the deep info button.
	DeepInfoWhen string `koanf:"deepInfoWhen"`
}

func (c APIConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

func (c APIConfig) TokenLifetime() time.Duration {
	return time.Duration(c.TokenLifetimeDays) * 24 * time.Hour
}

func (c RequestsConfig) BanCooldownDuration() time.Duration {
	return mustDuration(c.BanCooldown)
}

func (c RequestsConfig) ReloadRetryDelayDuration() time.Duration {
	return mustDuration(c.ReloadRetryDelay)
}

func (c NotificationConfig) ReloadAfterDuration() time.Duration {
	return mustDuration(c.ReloadAfter)
}

func (c NotificationConfig) DismissAfterDuration() time.Duration {
	return mustDuration(c.DismissAfter)
}

// mustDuration parses a validated duration; empty or invalid input yields 0
// so callers fall back to their defaults.
func mustDuration(s string) time.Duration {
	if strings.TrimSpace(s) == "" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}

// Validate enforces invariants that keep the runtime predictable before serving traffic.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config: nil")
	}
	if c.Server.Listen.Port <= 0 || c.Server.Listen.Port > 65535 {
		return fmt.Errorf("config: listen.port invalid: %d", c.Server.Listen.Port)
	}
	if strings.TrimSpace(c.API.BaseURL) == "" {
		return errors.New("config: api.baseURL required")
	}
	if c.API.TimeoutSeconds <= 0 {
		return fmt.Errorf("config: api.timeoutSeconds invalid: %d", c.API.TimeoutSeconds)
	}
	if c.API.TokenLifetimeDays < 0 {
		return fmt.Errorf("config: api.tokenLifetimeDays invalid: %d", c.API.TokenLifetimeDays)
	}
	if c.Requests.BanAfter < 1 {
		return fmt.Errorf("config: requests.banAfter invalid: %d", c.Requests.BanAfter)
	}
	if c.Requests.ReissueAttempts < 0 || c.Requests.ManualRetries < 0 {
		return errors.New("config: requests retry counts must not be negative")
	}
	for name, value := range map[string]string{
		"requests.banCooldown":               c.Requests.BanCooldown,
		"requests.reloadRetryDelay":          c.Requests.ReloadRetryDelay,
		"requests.notification.reloadAfter":  c.Requests.Notification.ReloadAfter,
		"requests.notification.dismissAfter": c.Requests.Notification.DismissAfter,
	} {
		if strings.TrimSpace(value) == "" {
			continue
		}
		if d, err := time.ParseDuration(value); err != nil || d < 0 {
			return fmt.Errorf("config: %s invalid: %q", name, value)
		}
	}

	backend := strings.TrimSpace(strings.ToLower(c.Cache.Backend))
	switch backend {
	case "", "memory":
	case "file":
		if strings.TrimSpace(c.Cache.Folder) == "" {
			return errors.New("config: cache.folder required for file backend")
		}
	case "redis":
		if strings.TrimSpace(c.Cache.Redis.Address) == "" {
			return errors.New("config: cache.redis.address required for redis backend")
		}
	default:
		return fmt.Errorf("config: cache.backend unsupported: %s", c.Cache.Backend)
	}
	if c.Cache.QuotaBytes < 0 {
		return fmt.Errorf("config: cache.quotaBytes invalid: %d", c.Cache.QuotaBytes)
	}
	for name, policy := range map[string]CachePolicyConfig{"mapsets": c.Cache.Mapsets, "beatmaps": c.Cache.Beatmaps} {
		if policy.Limit < 1 || policy.Evict < 1 || policy.Evict > policy.Limit {
			return fmt.Errorf("config: cache.%s policy invalid: limit %d evict %d", name, policy.Limit, policy.Evict)
		}
	}

	if c.Render.InfoTemplate != "" && c.Render.InfoTemplateFile != "" {
		return errors.New("config: render.infoTemplate and render.infoTemplateFile are mutually exclusive")
	}
	if c.Render.PPTemplate != "" && c.Render.PPTemplateFile != "" {
		return errors.New("config: render.ppTemplate and render.ppTemplateFile are mutually exclusive")
	}
	if c.Render.TooltipTemplate != "" && c.Render.TooltipTemplateFile != "" {
		return errors.New("config: render.tooltipTemplate and render.tooltipTemplateFile are mutually exclusive")
	}
	if strings.TrimSpace(c.Render.DeepInfoWhen) != "" {
		env, err := expr.NewEnvironment()
		if err != nil {
			return fmt.Errorf("config: cel environment: %w", err)
		}
		if _, err := expr.NewPredicate(env, c.Render.DeepInfoWhen); err != nil {
			return fmt.Errorf("config: render.deepInfoWhen invalid: %w", err)
		}
	}
	return nil
}

// DefaultConfig returns the baseline values.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Listen: ListenConfig{
				Address: "127.0.0.1",
				Port:    8080,
			},
			Logging: LoggingConfig{
				Level:  "info",
				Format: "json",
			},
		},
		API: APIConfig{
			BaseURL:            "http://localhost:3000",
			TimeoutSeconds:     12,
			TokenPath:          "/api/token",
			TokenLifetimeDays:  100,
			CanonicalSourceURL: "https://osu.ppy.sh/osu/",
			UseServerCache:     true,
		},
		Requests: RequestsConfig{
			BanAfter:         2,
			BanCooldown:      "4s",
			ReissueAttempts:  2,
			ReloadRetryDelay: "1.3s",
			Notification: NotificationConfig{
				ReloadAfter:  "10s",
				DismissAfter: "25s",
			},
		},
		Cache: CacheConfig{
			Backend:  "memory",
			Mapsets:  CachePolicyConfig{Limit: 600, Evict: 300},
			Beatmaps: CachePolicyConfig{Limit: 50, Evict: 40},
		},
		Render: RenderConfig{
			TemplatesFolder: "./templates",
			DeepInfoWhen:    expr.DefaultDeepInfoWhen,
		},
	}
}
