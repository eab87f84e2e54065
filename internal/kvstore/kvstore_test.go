package kvstore

import (
	"bytes"
	"context"
	"encoding/base64"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"pocketllm/internal/crypto"
)

func TestSQLStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, err := openSQL(ctx, "sqlite", filepath.Join(t.TempDir(), "kv.db"), true, "")
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	defer store.Close()

	exerciseStore(ctx, t, store)
}

func TestRedisStoreRoundTrip(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	defer mr.Close()

	store := NewRedis(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	defer store.Close()

	exerciseStore(context.Background(), t, store)
}

func TestEncryptedStoreSealsValues(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	defer mr.Close()

	inner := NewRedis(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	key, err := base64.StdEncoding.DecodeString("AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=")
	if err != nil {
		t.Fatalf("decode key: %v", err)
	}
	manager, err := crypto.NewManager("k1", map[string][]byte{"k1": key})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	store := NewEncrypted(inner, manager)
	defer store.Close()

	ctx := context.Background()
	if err := store.Save(ctx, "k", []byte("secret transcript")); err != nil {
		t.Fatalf("save: %v", err)
	}

	raw, found, err := inner.Load(ctx, "k")
	if err != nil || !found {
		t.Fatalf("load sealed: found=%v err=%v", found, err)
	}
	if bytes.Contains(raw, []byte("secret transcript")) {
		t.Fatalf("value stored in clear: %q", raw)
	}

	value, found, err := store.Load(ctx, "k")
	if err != nil || !found {
		t.Fatalf("load: found=%v err=%v", found, err)
	}
	if string(value) != "secret transcript" {
		t.Fatalf("unexpected value %q", value)
	}
}

func TestKeyDerivationIsCollisionFree(t *testing.T) {
	keys := []string{
		ConversationListKey("gemma-2b"),
		MessagesKey("gemma-2b"),
		LastConversationKey("gemma-2b"),
		LegacyMessagesKey("gemma-2b"),
		SelectedModelKey,
	}
	seen := map[string]bool{}
	for _, k := range keys {
		if seen[k] {
			t.Fatalf("duplicate key %q", k)
		}
		seen[k] = true
	}
	if LegacyMessagesKey("gemma-2b") != "gemma-2b" {
		t.Fatalf("legacy key must be the bare model id")
	}
}

func exerciseStore(ctx context.Context, t *testing.T, store Store) {
	t.Helper()

	_, found, err := store.Load(ctx, "missing")
	if err != nil {
		t.Fatalf("load missing: %v", err)
	}
	if found {
		t.Fatalf("expected missing key to be absent")
	}

	if err := store.Save(ctx, "a", []byte("one")); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := store.Save(ctx, "a", []byte("two")); err != nil {
		t.Fatalf("overwrite: %v", err)
	}

	value, found, err := store.Load(ctx, "a")
	if err != nil || !found {
		t.Fatalf("load: found=%v err=%v", found, err)
	}
	if string(value) != "two" {
		t.Fatalf("expected overwritten value, got %q", value)
	}

	if err := store.Remove(ctx, "a"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, found, _ := store.Load(ctx, "a"); found {
		t.Fatalf("expected key removed")
	}
}
