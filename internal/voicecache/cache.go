package voicecache

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// Cache stores encoded WAV clips by handle. Implementations must be safe for
// concurrent use.
type Cache interface {
	// Get returns the clip stored under handle. ok is false on a miss.
	Get(ctx context.Context, handle string) (wav []byte, ok bool, err error)

	// Put stores wav under handle, replacing any previous value.
	Put(ctx context.Context, handle string, wav []byte) error
}

// MemoryCache is an LRU-bounded in-process [Cache].
type MemoryCache struct {
	mu      sync.Mutex
	max     int
	order   *list.List
	entries map[string]*list.Element
}

type memEntry struct {
	handle string
	wav    []byte
}

var _ Cache = (*MemoryCache)(nil)

// NewMemoryCache returns a cache that keeps at most maxEntries clips. A
// non-positive maxEntries means unbounded.
func NewMemoryCache(maxEntries int) *MemoryCache {
	return &MemoryCache{
		max:     maxEntries,
		order:   list.New(),
		entries: make(map[string]*list.Element),
	}
}

// Get implements [Cache].
func (c *MemoryCache) Get(_ context.Context, handle string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[handle]
	if !ok {
		return nil, false, nil
	}
	c.order.MoveToFront(el)
	return el.Value.(*memEntry).wav, true, nil
}

// Put implements [Cache].
func (c *MemoryCache) Put(_ context.Context, handle string, wav []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[handle]; ok {
		el.Value.(*memEntry).wav = wav
		c.order.MoveToFront(el)
		return nil
	}
	c.entries[handle] = c.order.PushFront(&memEntry{handle: handle, wav: wav})
	for c.max > 0 && c.order.Len() > c.max {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*memEntry).handle)
	}
	return nil
}

// Len returns the number of cached clips.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// DirCache stores clips as WAV files below a directory, sharded by the first
// two characters of the handle.
type DirCache struct {
	dir string
}

var _ Cache = (*DirCache)(nil)

// NewDirCache creates dir if needed and returns a cache rooted there.
func NewDirCache(dir string) (*DirCache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("voicecache: create cache dir: %w", err)
	}
	return &DirCache{dir: dir}, nil
}

func (c *DirCache) path(handle string) string {
	return filepath.Join(c.dir, handle[:2], handle+".wav")
}

// Get implements [Cache].
func (c *DirCache) Get(_ context.Context, handle string) ([]byte, bool, error) {
	if !ValidHandle(handle) {
		return nil, false, nil
	}
	wav, err := os.ReadFile(c.path(handle))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("voicecache: read %s: %w", handle, err)
	}
	return wav, true, nil
}

// Put implements [Cache]. The file is written to a temporary name and
// renamed so readers never observe a partial clip.
func (c *DirCache) Put(_ context.Context, handle string, wav []byte) error {
	if !ValidHandle(handle) {
		return fmt.Errorf("voicecache: invalid handle %q", handle)
	}
	dst := c.path(handle)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("voicecache: create shard dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), handle+".*.tmp")
	if err != nil {
		return fmt.Errorf("voicecache: create temp file: %w", err)
	}
	if _, err := tmp.Write(wav); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("voicecache: write %s: %w", handle, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("voicecache: close %s: %w", handle, err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("voicecache: rename %s: %w", handle, err)
	}
	return nil
}
