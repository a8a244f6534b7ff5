package middleware_test

import (
	"context"
	"crypto/rand"
	"io"
	"testing"

	"github.com/aretw0/espalier/internal/adapters/memory"
	"github.com/aretw0/espalier/pkg/domain"
	"github.com/aretw0/espalier/pkg/persistence/middleware"
	"github.com/aretw0/espalier/pkg/tracker"
)

func generateKey(t *testing.T) []byte {
	k := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, k); err != nil {
		t.Fatal(err)
	}
	return k
}

func secretSnapshot(conversationID, secret string) *tracker.Snapshot {
	dom := domain.NewDomain([]domain.Slot{{Name: "secret", Type: domain.SlotTypeText}})
	tr := tracker.New(conversationID, dom)
	tr.Update(tracker.SlotSet{Key: "secret", Value: secret})
	return tr.Snapshot()
}

func TestEncryptionMiddleware_Roundtrip(t *testing.T) {
	underlyingStore := memory.NewStore()
	key := generateKey(t)
	mw := middleware.NewEncryptionMiddleware(middleware.EncryptionConfig{ActiveKey: key})
	secureStore := mw(underlyingStore)

	ctx := context.Background()
	conversationID := "test-conversation"
	original := secretSnapshot(conversationID, "my-secret-sauce")

	if err := secureStore.Save(ctx, conversationID, original); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	// The underlying store must only see the opaque envelope.
	stored, err := underlyingStore.Load(ctx, conversationID)
	if err != nil {
		t.Fatalf("Underlying load failed: %v", err)
	}
	if val, ok := stored.Slots["secret"]; ok {
		t.Fatalf("Expected secret to be hidden, found: %v", val)
	}
	if _, ok := stored.Slots["__encrypted__"]; !ok {
		t.Fatal("Expected __encrypted__ slot in envelope")
	}

	loaded, err := secureStore.Load(ctx, conversationID)
	if err != nil {
		t.Fatalf("Load via middleware failed: %v", err)
	}
	if loaded.Slots["secret"] != "my-secret-sauce" {
		t.Errorf("Expected 'my-secret-sauce', got %v", loaded.Slots["secret"])
	}
}

func TestEncryptionMiddleware_KeyRotation(t *testing.T) {
	underlyingStore := memory.NewStore()
	oldKey := generateKey(t)
	newKey := generateKey(t)

	mwOld := middleware.NewEncryptionMiddleware(middleware.EncryptionConfig{ActiveKey: oldKey})
	secureStoreOld := mwOld(underlyingStore)

	ctx := context.Background()
	conversationID := "rotation-conversation"

	if err := secureStoreOld.Save(ctx, conversationID, secretSnapshot(conversationID, "encrypted-with-old-key")); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	// New active key, old key demoted to fallback.
	mwNew := middleware.NewEncryptionMiddleware(middleware.EncryptionConfig{
		ActiveKey:    newKey,
		FallbackKeys: [][]byte{oldKey},
	})
	secureStoreNew := mwNew(underlyingStore)

	loaded, err := secureStoreNew.Load(ctx, conversationID)
	if err != nil {
		t.Fatalf("Load with rotated key failed: %v", err)
	}
	if loaded.Slots["secret"] != "encrypted-with-old-key" {
		t.Errorf("Decryption with fallback key failed")
	}

	// Saving re-encrypts with the new active key.
	loaded.Slots["secret"] = "encrypted-with-new-key"
	if err := secureStoreNew.Save(ctx, conversationID, loaded); err != nil {
		t.Fatalf("Save with new key failed: %v", err)
	}

	if _, err := secureStoreOld.Load(ctx, conversationID); err == nil {
		t.Error("Expected failure when loading new-key encryption with old-key middleware")
	}
}

func TestEncryptionMiddleware_PlainSnapshotRejected(t *testing.T) {
	underlyingStore := memory.NewStore()
	ctx := context.Background()

	if err := underlyingStore.Save(ctx, "plain", secretSnapshot("plain", "x")); err != nil {
		t.Fatal(err)
	}

	mw := middleware.NewEncryptionMiddleware(middleware.EncryptionConfig{ActiveKey: generateKey(t)})
	if _, err := mw(underlyingStore).Load(ctx, "plain"); err == nil {
		t.Error("Expected error when loading a snapshot without an envelope")
	}
}

func TestEncryptionMiddleware_InvalidKey(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Errorf("Expected panic for invalid key size")
		}
	}()
	middleware.NewEncryptionMiddleware(middleware.EncryptionConfig{ActiveKey: []byte("short-key")})
}
