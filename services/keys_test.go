package services

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"

	"github.com/giantswarm/oidc-engine/internal/testutil"
)

func privateJWK(t *testing.T, kid string) jose.JSONWebKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	return jose.JSONWebKey{Key: key, KeyID: kid, Algorithm: string(jose.RS256), Use: "sig"}
}

func TestSigningKeyCache(t *testing.T) {
	clock := testutil.NewMockTime(testNow)
	cache := NewSigningKeyCache(clock.Now)

	if keys := cache.GetKeys(); keys != nil {
		t.Fatalf("GetKeys() on empty cache = %v", keys)
	}

	cache.StoreKeys([]jose.JSONWebKey{privateJWK(t, "k1")}, time.Hour)
	if keys := cache.GetKeys(); len(keys) != 1 {
		t.Errorf("GetKeys() = %d keys, want 1", len(keys))
	}

	clock.Advance(time.Hour)
	if keys := cache.GetKeys(); len(keys) != 1 {
		t.Error("keys should still be served at the expiration instant")
	}
	clock.Advance(time.Second)
	if keys := cache.GetKeys(); keys != nil {
		t.Error("GetKeys() after expiration should return nil")
	}
}

func TestKeyMaterialService(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewMockTime(testNow)
	k1, k2 := privateJWK(t, "k1"), privateJWK(t, "k2")

	loads := 0
	svc := NewKeyMaterialService(func(context.Context) ([]jose.JSONWebKey, error) {
		loads++
		return []jose.JSONWebKey{k1, k2}, nil
	}, NewSigningKeyCache(clock.Now), time.Minute)

	signing, err := svc.SigningKey(ctx)
	if err != nil {
		t.Fatalf("SigningKey() error = %v", err)
	}
	if signing.KeyID != "k1" || signing.IsPublic() {
		t.Errorf("SigningKey() = %q public=%v, want private k1", signing.KeyID, signing.IsPublic())
	}

	set, err := svc.ValidationKeys(ctx)
	if err != nil {
		t.Fatalf("ValidationKeys() error = %v", err)
	}
	if len(set.Keys) != 2 {
		t.Fatalf("ValidationKeys() = %d keys, want 2", len(set.Keys))
	}
	for _, key := range set.Keys {
		if !key.IsPublic() {
			t.Errorf("validation key %q is not public", key.KeyID)
		}
	}
	if loads != 1 {
		t.Errorf("loader called %d times, want 1", loads)
	}

	clock.Advance(2 * time.Minute)
	if _, err := svc.SigningKey(ctx); err != nil {
		t.Fatalf("SigningKey() error = %v", err)
	}
	if loads != 2 {
		t.Errorf("loader called %d times after expiry, want 2", loads)
	}
}

func TestKeyMaterialService_Errors(t *testing.T) {
	ctx := context.Background()

	empty := NewKeyMaterialService(StaticKeys(), nil, 0)
	if _, err := empty.SigningKey(ctx); !errors.Is(err, ErrNoSigningKey) {
		t.Errorf("SigningKey() with no keys error = %v, want ErrNoSigningKey", err)
	}

	private := privateJWK(t, "pub")
	public := private.Public()
	publicOnly := NewKeyMaterialService(StaticKeys(public), nil, 0)
	if _, err := publicOnly.SigningKey(ctx); err == nil {
		t.Error("SigningKey() with a public key should fail")
	}
}
