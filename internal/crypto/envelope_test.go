package crypto

import (
	"bytes"
	"encoding/base64"
	"testing"
)

func TestSealOpen(t *testing.T) {
	keys := map[string][]byte{
		"k1": mustKey(t, "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA="),
	}
	m, err := NewManager("k1", keys)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	raw, err := m.Seal([]byte(`{"title":"private chat"}`))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	out, err := m.Open(raw)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !bytes.Equal(out, []byte(`{"title":"private chat"}`)) {
		t.Fatalf("expected original record, got %q", out)
	}
}

func TestRotationOpensOldSealsNew(t *testing.T) {
	oldKey := mustKey(t, "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=")
	newKey := mustKey(t, "AQEBAQEBAQEBAQEBAQEBAQEBAQEBAQEBAQEBAQEBAQE=")

	oldManager, err := NewManager("old", map[string][]byte{"old": oldKey})
	if err != nil {
		t.Fatalf("old manager: %v", err)
	}
	oldCipher, err := oldManager.Seal([]byte("legacy"))
	if err != nil {
		t.Fatalf("old seal: %v", err)
	}

	rotated, err := NewManager("new", map[string][]byte{
		"old": oldKey,
		"new": newKey,
	})
	if err != nil {
		t.Fatalf("rotated manager: %v", err)
	}

	plain, err := rotated.Open(oldCipher)
	if err != nil {
		t.Fatalf("open with old key failed: %v", err)
	}
	if string(plain) != "legacy" {
		t.Fatalf("unexpected plaintext: %q", plain)
	}

	newCipher, err := rotated.Seal([]byte("fresh"))
	if err != nil {
		t.Fatalf("new seal failed: %v", err)
	}
	fresh, err := rotated.Open(newCipher)
	if err != nil {
		t.Fatalf("new open failed: %v", err)
	}
	if string(fresh) != "fresh" {
		t.Fatalf("unexpected new plaintext: %q", fresh)
	}
}

func mustKey(t *testing.T, b64 string) []byte {
	t.Helper()
	k, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		t.Fatalf("decode key: %v", err)
	}
	if len(k) != 32 {
		t.Fatalf("expected 32-byte key, got %d", len(k))
	}
	return k
}
