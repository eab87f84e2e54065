package kvstore

import (
	"context"
	"fmt"

	"pocketllm/internal/crypto"
)

// Encrypted wraps a Store so that record values are sealed at rest.
// Conversations are private user data; the chat host may share its storage
// with other processes, so the value bytes never leave the process in clear.
type Encrypted struct {
	inner   Store
	manager *crypto.Manager
}

func NewEncrypted(inner Store, manager *crypto.Manager) *Encrypted {
	return &Encrypted{inner: inner, manager: manager}
}

func (e *Encrypted) Save(ctx context.Context, key string, value []byte) error {
	sealed, err := e.manager.Seal(value)
	if err != nil {
		return fmt.Errorf("seal record %q: %w", key, err)
	}
	return e.inner.Save(ctx, key, sealed)
}

func (e *Encrypted) Load(ctx context.Context, key string) ([]byte, bool, error) {
	sealed, found, err := e.inner.Load(ctx, key)
	if err != nil || !found {
		return nil, found, err
	}
	value, err := e.manager.Open(sealed)
	if err != nil {
		return nil, false, fmt.Errorf("open record %q: %w", key, err)
	}
	return value, true, nil
}

func (e *Encrypted) Remove(ctx context.Context, key string) error {
	return e.inner.Remove(ctx, key)
}

func (e *Encrypted) Close() error {
	return e.inner.Close()
}
