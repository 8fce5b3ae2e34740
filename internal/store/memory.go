package store

import (
	"context"
	"errors"
	"sync"
)

// ErrQuotaExceeded is returned by the memory backend when a write would push
// the total stored size past its quota.
var ErrQuotaExceeded = errors.New("store: quota exceeded")

type memoryBackend struct {
	quota int

	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemory returns an in-process backend. A positive quota caps the summed
// size of all namespaces in bytes.
func NewMemory(quota int) Backend {
	return &memoryBackend{quota: quota, blobs: make(map[string][]byte)}
}

func (b *memoryBackend) Load(_ context.Context, namespace string) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	blob, ok := b.blobs[namespace]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), blob...), nil
}

func (b *memoryBackend) Save(_ context.Context, namespace string, blob []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.quota > 0 {
		total := len(blob)
		for key, existing := range b.blobs {
			if key != namespace {
				total += len(existing)
			}
		}
		if total > b.quota {
			return ErrQuotaExceeded
		}
	}
	b.blobs[namespace] = append([]byte(nil), blob...)
	return nil
}

func (b *memoryBackend) Close(context.Context) error {
	return nil
}
