package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

type fileBackend struct {
	dir string
}

// NewFile stores each namespace as <dir>/<namespace>.json.
func NewFile(dir string) (Backend, error) {
	if dir == "" {
		return nil, errors.New("store: file backend folder required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("store: create folder: %w", err)
	}
	return &fileBackend{dir: dir}, nil
}

func (b *fileBackend) path(namespace string) string {
	return filepath.Join(b.dir, namespace+".json")
}

func (b *fileBackend) Load(_ context.Context, namespace string) ([]byte, error) {
	data, err := os.ReadFile(b.path(namespace))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: read %s: %w", namespace, err)
	}
	return data, nil
}

func (b *fileBackend) Save(_ context.Context, namespace string, blob []byte) error {
	tmp, err := os.CreateTemp(b.dir, namespace+".*.tmp")
	if err != nil {
		return fmt.Errorf("store: temp file: %w", err)
	}
	if _, err := tmp.Write(blob); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("store: write %s: %w", namespace, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("store: close %s: %w", namespace, err)
	}
	if err := os.Rename(tmp.Name(), b.path(namespace)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("store: replace %s: %w", namespace, err)
	}
	return nil
}

func (b *fileBackend) Close(context.Context) error {
	return nil
}
