package httpclient

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenStore keeps the bearer token between requests.
type TokenStore interface {
	Token() (string, bool)
	SetToken(token string) error
}

// MemoryTokens keeps the token in process memory.
type MemoryTokens struct {
	mu    sync.RWMutex
	token string
}

func (m *MemoryTokens) Token() (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.token, m.token != ""
}

func (m *MemoryTokens) SetToken(token string) error {
	m.mu.Lock()
	m.token = token
	m.mu.Unlock()
	return nil
}

// DefaultTokenLifetime bounds how long a persisted token is reused.
const DefaultTokenLifetime = 100 * 24 * time.Hour

// FileTokens persists the token as JSON so it survives restarts.
type FileTokens struct {
	path     string
	lifetime time.Duration
	now      func() time.Time

	mu sync.Mutex
}

type tokenFile struct {
	Token   string    `json:"token"`
	Expires time.Time `json:"expires"`
}

func NewFileTokens(path string, lifetime time.Duration) *FileTokens {
	if lifetime <= 0 {
		lifetime = DefaultTokenLifetime
	}
	return &FileTokens{path: path, lifetime: lifetime, now: time.Now}
}

func (f *FileTokens) Token() (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, err := os.ReadFile(f.path)
	if err != nil {
		return "", false
	}
	var stored tokenFile
	if err := json.Unmarshal(data, &stored); err != nil {
		return "", false
	}
	if stored.Token == "" || !f.now().Before(stored.Expires) {
		return "", false
	}
	return stored.Token, true
}

func (f *FileTokens) SetToken(token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if token == "" {
		if err := os.Remove(f.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("httpclient: remove token: %w", err)
		}
		return nil
	}
	data, err := json.Marshal(tokenFile{Token: token, Expires: f.now().Add(f.lifetime)})
	if err != nil {
		return fmt.Errorf("httpclient: encode token: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return fmt.Errorf("httpclient: token folder: %w", err)
	}
	if err := os.WriteFile(f.path, data, 0o600); err != nil {
		return fmt.Errorf("httpclient: write token: %w", err)
	}
	return nil
}

// tokenExpired reports whether token is a JWT whose exp claim has passed.
// Opaque tokens never expire locally; the server answers 403 instead.
func tokenExpired(token string, now time.Time) bool {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return false
	}
	return claims.ExpiresAt != nil && !now.Before(claims.ExpiresAt.Time)
}
