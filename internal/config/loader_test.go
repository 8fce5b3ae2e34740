package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoader(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(t *testing.T) []string
		wantErr bool
		assert  func(t *testing.T, cfg Config)
	}{
		{
			name:  "returns defaults when no overrides",
			setup: func(t *testing.T) []string { return nil },
			assert: func(t *testing.T, cfg Config) {
				require.Equal(t, 8080, cfg.Server.Listen.Port)
				require.Equal(t, "memory", cfg.Cache.Backend)
				require.Equal(t, 12*time.Second, cfg.API.Timeout())
				require.Equal(t, 4*time.Second, cfg.Requests.BanCooldownDuration())
				require.Equal(t, 1300*time.Millisecond, cfg.Requests.ReloadRetryDelayDuration())
				require.Equal(t, 10*time.Second, cfg.Requests.Notification.ReloadAfterDuration())
				require.Equal(t, 25*time.Second, cfg.Requests.Notification.DismissAfterDuration())
				require.Equal(t, 100*24*time.Hour, cfg.API.TokenLifetime())
			},
		},
		{
			name: "merges file overrides",
			setup: func(t *testing.T) []string {
				path := filepath.Join(t.TempDir(), "mapinfo.yaml")
				require.NoError(t, os.WriteFile(path, []byte("server:\n  listen:\n    port: 9090\napi:\n  clientID: abc\n"), 0o600))
				return []string{path}
			},
			assert: func(t *testing.T, cfg Config) {
				require.Equal(t, 9090, cfg.Server.Listen.Port)
				require.Equal(t, "abc", cfg.API.ClientID)
				require.Equal(t, "http://localhost:3000", cfg.API.BaseURL)
			},
		},
		{
			name: "prefers env overrides",
			setup: func(t *testing.T) []string {
				path := filepath.Join(t.TempDir(), "mapinfo.yaml")
				require.NoError(t, os.WriteFile(path, []byte("server:\n  listen:\n    port: 9090\n"), 0o600))
				t.Setenv("MAPINFO_SERVER__LISTEN__PORT", "9091")
				return []string{path}
			},
			assert: func(t *testing.T, cfg Config) {
				require.Equal(t, 9091, cfg.Server.Listen.Port)
			},
		},
		{
			name: "maps camel case env keys",
			setup: func(t *testing.T) []string {
				t.Setenv("MAPINFO_API__BASE_URL", "https://api.example.test")
				t.Setenv("MAPINFO_CACHE__REDIS__TLS__CA_FILE", "/etc/ca.pem")
				t.Setenv("MAPINFO_REQUESTS__NOTIFICATION__RELOAD_AFTER", "3s")
				return nil
			},
			assert: func(t *testing.T, cfg Config) {
				require.Equal(t, "https://api.example.test", cfg.API.BaseURL)
				require.Equal(t, "/etc/ca.pem", cfg.Cache.Redis.TLS.CAFile)
				require.Equal(t, 3*time.Second, cfg.Requests.Notification.ReloadAfterDuration())
			},
		},
		{
			name: "reads json",
			setup: func(t *testing.T) []string {
				path := filepath.Join(t.TempDir(), "mapinfo.json")
				require.NoError(t, os.WriteFile(path, []byte(`{"cache":{"backend":"file","folder":"/var/lib/mapinfo"}}`), 0o600))
				return []string{path}
			},
			assert: func(t *testing.T, cfg Config) {
				require.Equal(t, "file", cfg.Cache.Backend)
				require.Equal(t, "/var/lib/mapinfo", cfg.Cache.Folder)
			},
		},
		{
			name: "rejects unknown extension",
			setup: func(t *testing.T) []string {
				path := filepath.Join(t.TempDir(), "mapinfo.ini")
				require.NoError(t, os.WriteFile(path, []byte("x=1"), 0o600))
				return []string{path}
			},
			wantErr: true,
		},
		{
			name: "errors on missing file",
			setup: func(t *testing.T) []string {
				return []string{filepath.Join(t.TempDir(), "missing.yaml")}
			},
			wantErr: true,
		},
		{
			name: "rejects invalid merged config",
			setup: func(t *testing.T) []string {
				path := filepath.Join(t.TempDir(), "mapinfo.yaml")
				require.NoError(t, os.WriteFile(path, []byte("cache:\n  backend: redis\n"), 0o600))
				return []string{path}
			},
			wantErr: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			files := tc.setup(t)
			cfg, err := NewLoader("MAPINFO", files...).Load(context.Background())
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			tc.assert(t, cfg)
		})
	}
}

func TestLoaderHonorsCancelledContext(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mapinfo.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: {}\n"), 0o600))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewLoader("MAPINFO", path).Load(ctx)
	require.True(t, errors.Is(err, context.Canceled))
}
