package redis

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"

	"github.com/vietddude/pipewarden/internal/infra/storage"
)

func TestKeys(t *testing.T) {
	if got := documentKey("budgets", "2026-03"); got != "doc:budgets:2026-03" {
		t.Errorf("documentKey = %s", got)
	}
	if got := indexKey("budgets"); got != "docs:budgets" {
		t.Errorf("indexKey = %s", got)
	}
	if got := lockKey("health-sweep"); got != "lock:health-sweep" {
		t.Errorf("lockKey = %s", got)
	}
}

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := NewClient(context.Background(), Config{URL: "redis://" + mr.Addr()})
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client, mr
}

func TestDocumentRepo_CreateIndexesDocument(t *testing.T) {
	client, mr := newTestClient(t)
	ctx := context.Background()
	repo := NewDocumentRepo(client)

	if err := repo.CreateDocument(ctx, "costs", "a", map[string]any{"date": "2026-03-01"}); err != nil {
		t.Fatal(err)
	}
	if err := repo.CreateDocument(ctx, "costs", "a", map[string]any{"date": "2026-03-02"}); !errors.Is(err, storage.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}

	members, err := mr.Members(indexKey("costs"))
	if err != nil || len(members) != 1 || members[0] != "a" {
		t.Fatalf("index members=%v err=%v", members, err)
	}

	docs, err := repo.QueryDocuments(ctx, "costs", storage.Where("date", storage.OpEq, "2026-03-01"))
	if err != nil || len(docs) != 1 {
		t.Fatalf("query err=%v len=%d", err, len(docs))
	}
}

func TestDocumentRepo_PutReplaces(t *testing.T) {
	client, mr := newTestClient(t)
	ctx := context.Background()
	repo := NewDocumentRepo(client)

	if err := repo.PutDocument(ctx, "costs", "k", map[string]any{"provider": "openai", "attempt": 2}); err != nil {
		t.Fatal(err)
	}
	if err := repo.PutDocument(ctx, "costs", "k", map[string]any{"service": "tts"}); err != nil {
		t.Fatal(err)
	}

	doc, err := repo.GetDocument(ctx, "costs", "k")
	if err != nil {
		t.Fatal(err)
	}
	if len(doc) != 1 || doc["service"] != "tts" {
		t.Errorf("expected the document to be replaced, got %v", doc)
	}
	if !mr.Exists(indexKey("costs")) {
		t.Error("put must index the document")
	}
}

func TestDocumentRepo_ConcurrentIncrement(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()
	repo := NewDocumentRepo(client)
	coll := "test-" + uuid.NewString()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := repo.IncrementField(ctx, coll, "a", "spentUsd", 1); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	doc, err := repo.GetDocument(ctx, coll, "a")
	if err != nil {
		t.Fatal(err)
	}
	if spent, _ := storage.Number(doc, "spentUsd"); spent != 20 {
		t.Errorf("expected 20, got %v", spent)
	}
}

func TestLock(t *testing.T) {
	client, mr := newTestClient(t)
	ctx := context.Background()

	lock, err := client.AcquireLock(ctx, "rollover", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := client.AcquireLock(ctx, "rollover", time.Minute); !errors.Is(err, ErrLockHeld) {
		t.Fatalf("expected ErrLockHeld, got %v", err)
	}
	if err := lock.Release(ctx); err != nil {
		t.Fatal(err)
	}

	again, err := client.AcquireLock(ctx, "rollover", time.Minute)
	if err != nil {
		t.Fatalf("lock not released: %v", err)
	}
	// A stale holder must not drop the new owner's lock.
	if err := lock.Release(ctx); err != nil {
		t.Fatal(err)
	}
	if !mr.Exists(lockKey("rollover")) {
		t.Fatal("stale release dropped the lock")
	}
	_ = again.Release(ctx)

	// Expired locks can be taken again.
	if _, err := client.AcquireLock(ctx, "expiring", time.Second); err != nil {
		t.Fatal(err)
	}
	mr.FastForward(2 * time.Second)
	if _, err := client.AcquireLock(ctx, "expiring", time.Second); err != nil {
		t.Fatalf("expired lock still held: %v", err)
	}
}
