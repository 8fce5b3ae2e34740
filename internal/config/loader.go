package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Loader hydrates the runtime configuration while respecting env > file > default precedence.
type Loader struct {
	envPrefix string
	files     []string
}

func NewLoader(envPrefix string, files ...string) *Loader {
	return &Loader{
		envPrefix: envPrefix,
		files:     files,
	}
}

// envKeys maps lower-cased env paths back to their camelCase koanf keys.
var envKeys = map[string]string{
	"api.baseurl":                        "api.baseURL",
	"api.clientid":                       "api.clientID",
	"api.timeoutseconds":                 "api.timeoutSeconds",
	"api.tokenpath":                      "api.tokenPath",
	"api.tokenfile":                      "api.tokenFile",
	"api.tokenlifetimedays":              "api.tokenLifetimeDays",
	"api.canonicalsourceurl":             "api.canonicalSourceURL",
	"api.useservercache":                 "api.useServerCache",
	"api.maxbodybytes":                   "api.maxBodyBytes",
	"requests.banafter":                  "requests.banAfter",
	"requests.bancooldown":               "requests.banCooldown",
	"requests.reissueattempts":           "requests.reissueAttempts",
	"requests.manualretries":             "requests.manualRetries",
	"requests.reloadretrydelay":          "requests.reloadRetryDelay",
	"requests.notification.reloadafter":  "requests.notification.reloadAfter",
	"requests.notification.dismissafter": "requests.notification.dismissAfter",
	"cache.quotabytes":                   "cache.quotaBytes",
	"cache.redis.tls.cafile":             "cache.redis.tls.caFile",
	"page.snapshotfile":                  "page.snapshotFile",
	"render.templatesfolder":             "render.templatesFolder",
	"render.infotemplate":                "render.infoTemplate",
	"render.infotemplatefile":            "render.infoTemplateFile",
	"render.pptemplate":                  "render.ppTemplate",
	"render.pptemplatefile":              "render.ppTemplateFile",
	"render.tooltiptemplate":             "render.tooltipTemplate",
	"render.tooltiptemplatefile":         "render.tooltipTemplateFile",
	"render.deepinfowhen":                "render.deepInfoWhen",
}

// Load assembles the effective snapshot from defaults, files and env.
func (l *Loader) Load(ctx context.Context) (Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(structToMap(DefaultConfig()), "."), nil); err != nil {
		return Config{}, fmt.Errorf("config: load defaults: %w", err)
	}

	for _, path := range l.files {
		if path == "" {
			continue
		}
		select {
		case <-ctx.Done():
			return Config{}, ctx.Err()
		default:
		}
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("config: file %s not found", path)
			}
			return Config{}, fmt.Errorf("config: stat %s: %w", path, err)
		}
		parser, err := parserFor(path)
		if err != nil {
			return Config{}, err
		}
		if err := k.Load(file.Provider(path), parser); err != nil {
			return Config{}, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	if l.envPrefix != "" {
		transform := func(s string) string {
			// Double underscores signal a nested path (MAPINFO_CACHE__REDIS__ADDRESS -> cache.redis.address).
			key := strings.TrimPrefix(s, l.envPrefix+"_")
			key = strings.ReplaceAll(key, "__", ".")
			key = strings.ReplaceAll(key, "_", "")
			lower := strings.ToLower(key)
			if mapped, ok := envKeys[lower]; ok {
				return mapped
			}
			return lower
		}
		if err := k.Load(env.Provider(l.envPrefix, ".", transform), nil); err != nil {
			return Config{}, fmt.Errorf("config: load env: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func parserFor(path string) (koanf.Parser, error) {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		return yaml.Parser(), nil
	case ".json":
		return kjson.Parser(), nil
	case ".toml", ".tml":
		return toml.Parser(), nil
	default:
		return nil, fmt.Errorf("config: unsupported config file extension %s", ext)
	}
}

// structToMap converts DefaultConfig into a map for the koanf confmap provider.
func structToMap(cfg Config) map[string]any {
	return map[string]any{
		"server": map[string]any{
			"listen": map[string]any{
				"address": cfg.Server.Listen.Address,
				"port":    cfg.Server.Listen.Port,
			},
			"logging": map[string]any{
				"level":  cfg.Server.Logging.Level,
				"format": cfg.Server.Logging.Format,
			},
		},
		"api": map[string]any{
			"baseURL":            cfg.API.BaseURL,
			"clientID":           cfg.API.ClientID,
			"timeoutSeconds":     cfg.API.TimeoutSeconds,
			"tokenPath":          cfg.API.TokenPath,
			"tokenFile":          cfg.API.TokenFile,
			"tokenLifetimeDays":  cfg.API.TokenLifetimeDays,
			"canonicalSourceURL": cfg.API.CanonicalSourceURL,
			"useServerCache":     cfg.API.UseServerCache,
			"maxBodyBytes":       cfg.API.MaxBodyBytes,
		},
		"requests": map[string]any{
			"banAfter":         cfg.Requests.BanAfter,
			"banCooldown":      cfg.Requests.BanCooldown,
			"reissueAttempts":  cfg.Requests.ReissueAttempts,
			"manualRetries":    cfg.Requests.ManualRetries,
			"reloadRetryDelay": cfg.Requests.ReloadRetryDelay,
			"notification": map[string]any{
				"reloadAfter":  cfg.Requests.Notification.ReloadAfter,
				"dismissAfter": cfg.Requests.Notification.DismissAfter,
			},
		},
		"cache": map[string]any{
			"backend":    cfg.Cache.Backend,
			"folder":     cfg.Cache.Folder,
			"quotaBytes": cfg.Cache.QuotaBytes,
			"redis": map[string]any{
				"address":  cfg.Cache.Redis.Address,
				"username": cfg.Cache.Redis.Username,
				"password": cfg.Cache.Redis.Password,
				"db":       cfg.Cache.Redis.DB,
				"prefix":   cfg.Cache.Redis.Prefix,
				"tls": map[string]any{
					"enabled": cfg.Cache.Redis.TLS.Enabled,
					"caFile":  cfg.Cache.Redis.TLS.CAFile,
				},
			},
			"mapsets": map[string]any{
				"limit": cfg.Cache.Mapsets.Limit,
				"evict": cfg.Cache.Mapsets.Evict,
			},
			"beatmaps": map[string]any{
				"limit": cfg.Cache.Beatmaps.Limit,
				"evict": cfg.Cache.Beatmaps.Evict,
			},
		},
		"page": map[string]any{
			"snapshotFile": cfg.Page.SnapshotFile,
		},
		"render": map[string]any{
			"templatesFolder":     cfg.Render.TemplatesFolder,
			"infoTemplate":        cfg.Render.InfoTemplate,
			"infoTemplateFile":    cfg.Render.InfoTemplateFile,
			"ppTemplate":          cfg.Render.PPTemplate,
			"ppTemplateFile":      cfg.Render.PPTemplateFile,
			"tooltipTemplate":     cfg.Render.TooltipTemplate,
			"tooltipTemplateFile": cfg.Render.TooltipTemplateFile,
			"deepInfoWhen":        cfg.Render.DeepInfoWhen,
		},
	}
}
