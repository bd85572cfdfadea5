package cache

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"
)

func TestFileStore_RoundTrip(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	payload := map[string]any{"data": map[string]any{"content": "hello"}, "metadata": map[string]any{"url": "u"}}
	s.Set(ctx, "scrape:https://acme.example", payload)

	got, ok := s.Get(ctx, "scrape:https://acme.example", nil)
	if !ok {
		t.Fatal("expected hit")
	}
	data, ok := got["data"].(map[string]any)
	if !ok || data["content"] != "hello" {
		t.Errorf("payload = %v", got)
	}
}

func TestFileStore_MissOnUnknownKey(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := s.Get(context.Background(), "scrape:nope", nil); ok {
		t.Error("expected miss")
	}
}

func TestFileStore_ExpiredEntryEvicted(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir, WithDefaultTTL(time.Nanosecond))
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	s.Set(ctx, "scrape:u", map[string]any{"data": "x"})
	time.Sleep(5 * time.Millisecond)

	if _, ok := s.Get(ctx, "scrape:u", nil); ok {
		t.Error("expired entry should miss")
	}
	if _, err := os.Stat(s.path("scrape:u")); !os.IsNotExist(err) {
		t.Error("expired entry file should be removed")
	}
}

func TestFileStore_ValidationFailureIsMissAndEvicts(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	s.Set(ctx, "scrape:u", map[string]any{"wrong": "shape"})

	requireData := func(p map[string]any) bool {
		_, ok := p["data"]
		return ok
	}
	if _, ok := s.Get(ctx, "scrape:u", requireData); ok {
		t.Fatal("invalid payload should miss")
	}
	// Entry must be gone entirely, not just hidden.
	if _, ok := s.Get(ctx, "scrape:u", nil); ok {
		t.Error("invalid entry should have been evicted")
	}
}

func TestFileStore_CorruptFileOnDiskIsMiss(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	s.Set(ctx, "scrape:u", map[string]any{"data": "x"})

	// Simulate external mutation to a non-object value.
	if err := os.WriteFile(s.path("scrape:u"), []byte(`"not a dict"`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, ok := s.Get(ctx, "scrape:u", nil); ok {
		t.Error("mutated entry should miss")
	}
}

func TestNamespaceTTL(t *testing.T) {
	s := NewMemoryStore(
		WithDefaultTTL(time.Hour),
		WithNamespaceTTL("volatile", time.Nanosecond),
	)
	ctx := context.Background()

	s.Set(ctx, "stable:k", map[string]any{"v": 1.0})
	s.Set(ctx, "volatile:k", map[string]any{"v": 2.0})
	time.Sleep(5 * time.Millisecond)

	if _, ok := s.Get(ctx, "stable:k", nil); !ok {
		t.Error("stable namespace entry should survive")
	}
	if _, ok := s.Get(ctx, "volatile:k", nil); ok {
		t.Error("volatile namespace entry should expire")
	}
}

func TestMemoryStore_ConcurrentAccess(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				s.Set(ctx, "k:shared", map[string]any{"n": float64(j)})
				s.Get(ctx, "k:shared", nil)
			}
		}()
	}
	wg.Wait()

	if _, ok := s.Get(ctx, "k:shared", nil); !ok {
		t.Error("expected final value present")
	}
}

func TestFileStore_SerializationFailureDoesNotPropagate(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	// Channels cannot be marshaled; Set must swallow the failure.
	s.Set(ctx, "bad:k", map[string]any{"ch": make(chan int)})

	if _, ok := s.Get(ctx, "bad:k", nil); ok {
		t.Error("failed write should leave no entry")
	}
}
