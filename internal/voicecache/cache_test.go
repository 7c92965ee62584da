package voicecache_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/mr-ryan-james/circuit-breaker-sub001/internal/voicecache"
)

func TestMemoryCache_EvictsLeastRecentlyUsed(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := voicecache.NewMemoryCache(2)

	_ = c.Put(ctx, "a", []byte("A"))
	_ = c.Put(ctx, "b", []byte("B"))
	if _, ok, _ := c.Get(ctx, "a"); !ok {
		t.Fatal("a should be cached")
	}
	_ = c.Put(ctx, "c", []byte("C"))

	if _, ok, _ := c.Get(ctx, "b"); ok {
		t.Error("b should have been evicted")
	}
	for _, k := range []string{"a", "c"} {
		if _, ok, _ := c.Get(ctx, k); !ok {
			t.Errorf("%s should still be cached", k)
		}
	}
	if c.Len() != 2 {
		t.Errorf("Len = %d, want 2", c.Len())
	}
}

func TestMemoryCache_PutReplaces(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := voicecache.NewMemoryCache(0)
	_ = c.Put(ctx, "a", []byte("1"))
	_ = c.Put(ctx, "a", []byte("2"))
	got, ok, _ := c.Get(ctx, "a")
	if !ok || string(got) != "2" || c.Len() != 1 {
		t.Errorf("got %q ok=%v len=%d", got, ok, c.Len())
	}
}

func TestDirCache_RoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()
	c, err := voicecache.NewDirCache(filepath.Join(dir, "clips"))
	if err != nil {
		t.Fatalf("NewDirCache: %v", err)
	}
	h := voicecache.Handle("Round trip", voice)

	if _, ok, err := c.Get(ctx, h); ok || err != nil {
		t.Fatalf("empty cache Get = ok %v err %v", ok, err)
	}
	if err := c.Put(ctx, h, []byte("RIFF")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, ok, err := c.Get(ctx, h)
	if err != nil || !ok || string(got) != "RIFF" {
		t.Fatalf("Get = %q ok %v err %v", got, ok, err)
	}
	if _, err := os.Stat(filepath.Join(dir, "clips", h[:2], h+".wav")); err != nil {
		t.Errorf("clip file missing: %v", err)
	}
}

func TestDirCache_RejectsInvalidHandle(t *testing.T) {
	t.Parallel()
	c, err := voicecache.NewDirCache(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Put(context.Background(), "../escape", []byte("x")); err == nil {
		t.Error("expected error for invalid handle")
	}
	if _, ok, err := c.Get(context.Background(), "../escape"); ok || err != nil {
		t.Errorf("Get invalid = ok %v err %v", ok, err)
	}
}
