package idempotency

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"
)

func TestPostgresStoreLifecycle(t *testing.T) {
	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_TEST_DSN not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	store, err := NewPostgresStore(ctx, dsn)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer store.Close()

	key := "test-key-" + time.Now().Format("150405.000000")
	rec := Record{
		StatusCode:  201,
		Response:    []byte("payload"),
		Fingerprint: Fingerprint([]byte("payload")),
		CreatedAt:   time.Now().UTC(),
		ExpiresAt:   time.Now().Add(time.Minute).UTC(),
	}

	if err := store.Save(ctx, key, rec); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil || got.StatusCode != rec.StatusCode || got.Fingerprint != rec.Fingerprint {
		t.Fatalf("unexpected record: %#v", got)
	}

	second := rec
	second.StatusCode = 500
	if err := store.Save(ctx, key, second); !errors.Is(err, ErrKeyReused) {
		t.Fatalf("expected live key to be kept, got %v", err)
	}
}

func TestPostgresStoreExpiryAndPurge(t *testing.T) {
	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_TEST_DSN not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	store, err := NewPostgresStore(ctx, dsn)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer store.Close()

	key := "expired-key-" + time.Now().Format("150405.000000")
	stale := Record{
		StatusCode: 201,
		Response:   []byte("old"),
		CreatedAt:  time.Now().Add(-2 * time.Hour).UTC(),
		ExpiresAt:  time.Now().Add(-time.Hour).UTC(),
	}
	if err := store.Save(ctx, key, stale); err != nil {
		t.Fatalf("save stale: %v", err)
	}
	if got, err := store.Get(ctx, key); err != nil || got != nil {
		t.Fatalf("expected expired key to be hidden, got %#v %v", got, err)
	}

	fresh := stale
	fresh.Response = []byte("new")
	fresh.ExpiresAt = time.Now().Add(time.Minute).UTC()
	if err := store.Save(ctx, key, fresh); err != nil {
		t.Fatalf("expired key should be replaceable: %v", err)
	}

	other := "purge-key-" + time.Now().Format("150405.000000")
	if err := store.Save(ctx, other, stale); err != nil {
		t.Fatalf("save purge candidate: %v", err)
	}
	n, err := store.Purge(ctx, time.Now())
	if err != nil || n < 1 {
		t.Fatalf("purge: n=%d err=%v", n, err)
	}
	if got, _ := store.Get(ctx, key); got == nil || string(got.Response) != "new" {
		t.Fatalf("purge removed a live key: %#v", got)
	}
}
