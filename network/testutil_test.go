package network

import (
	"sync"
	"testing"
	"time"

	"github.com/fsoft72/woxxy-sub000/models"
)

type testSettings struct {
	username    string
	avatarPath  string
	downloadDir string
	checksum    bool
}

func (s *testSettings) Username() string          { return s.username }
func (s *testSettings) AvatarPath() string        { return s.avatarPath }
func (s *testSettings) DownloadDirectory() string { return s.downloadDir }
func (s *testSettings) ChecksumEnabled() bool     { return s.checksum }

type recordingHistory struct {
	mu      sync.Mutex
	records []models.TransferRecord
}

func (h *recordingHistory) Record(record models.TransferRecord) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, record)
	return nil
}

func (h *recordingHistory) all() []models.TransferRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]models.TransferRecord, len(h.records))
	copy(out, h.records)
	return out
}

type recordingAvatarCache struct {
	mu    sync.Mutex
	items map[string][]byte
}

func newRecordingAvatarCache() *recordingAvatarCache {
	return &recordingAvatarCache{items: make(map[string][]byte)}
}

func (c *recordingAvatarCache) Get(peerKey string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, ok := c.items[peerKey]
	return data, ok
}

func (c *recordingAvatarCache) Put(peerKey string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[peerKey] = data
	return nil
}

func (c *recordingAvatarCache) Remove(peerKey string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, peerKey)
}

func waitFor(t *testing.T, timeout time.Duration, condition func() bool, message string) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v: %s", timeout, message)
}
