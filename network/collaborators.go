package network

import "github.com/fsoft72/woxxy-sub000/models"

// SettingsProvider supplies the live user settings the engine consumes.
type SettingsProvider interface {
	Username() string
	AvatarPath() string
	DownloadDirectory() string
	ChecksumEnabled() bool
}

// HistoryRecorder receives one record per completed user-visible transfer.
type HistoryRecorder interface {
	Record(record models.TransferRecord) error
}

// AvatarCache stores capability payloads keyed by the sending peer's address.
type AvatarCache interface {
	Get(peerKey string) ([]byte, bool)
	Put(peerKey string, data []byte) error
	Remove(peerKey string)
}

// ProgressFunc reports outbound transfer progress after each chunk.
type ProgressFunc func(totalBytes, sentBytes int64)
