package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// AvatarCache is a two-tier cache for peer avatar images: a hot in-memory
// map over a durable on-disk store, both keyed by peer address. Disk hits
// are promoted into memory.
type AvatarCache struct {
	dir string

	mu  sync.Mutex
	hot map[string][]byte
}

// NewAvatarCache opens the durable avatar store under dir.
func NewAvatarCache(dir string) (*AvatarCache, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create avatar cache directory: %w", err)
	}
	return &AvatarCache{
		dir: dir,
		hot: make(map[string][]byte),
	}, nil
}

// Get returns the cached avatar for a peer, consulting memory first and the
// disk store second.
func (c *AvatarCache) Get(peerKey string) ([]byte, bool) {
	c.mu.Lock()
	data, ok := c.hot[peerKey]
	c.mu.Unlock()
	if ok {
		return data, true
	}

	data, err := os.ReadFile(c.path(peerKey))
	if err != nil {
		return nil, false
	}

	c.mu.Lock()
	c.hot[peerKey] = data
	c.mu.Unlock()
	return data, true
}

// Put stores an avatar in both tiers.
func (c *AvatarCache) Put(peerKey string, data []byte) error {
	if err := os.WriteFile(c.path(peerKey), data, 0o600); err != nil {
		return fmt.Errorf("write avatar for %q: %w", peerKey, err)
	}

	c.mu.Lock()
	c.hot[peerKey] = data
	c.mu.Unlock()
	return nil
}

// Remove drops the avatar from both tiers.
func (c *AvatarCache) Remove(peerKey string) {
	c.mu.Lock()
	delete(c.hot, peerKey)
	c.mu.Unlock()

	if err := os.Remove(c.path(peerKey)); err != nil && !errors.Is(err, os.ErrNotExist) {
		// Best effort; a stale file is re-read into a consistent state on
		// the next Get.
		return
	}
}

// Contains reports whether either tier holds an avatar for the peer.
func (c *AvatarCache) Contains(peerKey string) bool {
	c.mu.Lock()
	_, ok := c.hot[peerKey]
	c.mu.Unlock()
	if ok {
		return true
	}

	_, err := os.Stat(c.path(peerKey))
	return err == nil
}

func (c *AvatarCache) path(peerKey string) string {
	return filepath.Join(c.dir, sanitizeKey(peerKey)+".avatar")
}

// sanitizeKey maps a peer address to a safe filename.
func sanitizeKey(peerKey string) string {
	var b strings.Builder
	for _, r := range peerKey {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "_"
	}
	return b.String()
}
