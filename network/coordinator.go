package network

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/fsoft72/woxxy-sub000/models"
)

var (
	// ErrTransferInProgress indicates the source key already has a live
	// inbound transfer; overlapping transfers from one source are rejected.
	ErrTransferInProgress = errors.New("network: transfer already in progress for source")
	// ErrUnknownTransfer indicates a write or finalize for a key with no
	// table entry, typically stray data arriving after cleanup.
	ErrUnknownTransfer = errors.New("network: no active transfer for source")
	// ErrChecksumMismatch indicates the received bytes do not match the
	// declared digest. The file is deleted before this is returned.
	ErrChecksumMismatch = errors.New("network: checksum mismatch")
	// ErrIncompleteTransfer indicates the stream closed before the declared
	// size was received. The file is deleted before this is returned.
	ErrIncompleteTransfer = errors.New("network: transfer ended before declared size")
)

// CoordinatorOptions wires the coordinator to its external collaborators.
type CoordinatorOptions struct {
	Settings SettingsProvider
	History  HistoryRecorder
	Avatars  AvatarCache

	// OnFileReceived fires after a user-visible transfer finalizes, for
	// UI/notification hookup.
	OnFileReceived func(record models.TransferRecord)
	// OnAvatarFetchDone fires on completion or terminal failure of a
	// capability transfer so the registry can clear its pending marker.
	OnAvatarFetchDone func(peerKey string)

	// AvatarDir overrides the staging directory for capability payloads.
	AvatarDir string

	Logger zerolog.Logger
}

// inboundTransfer is the per-connection inbound state: destination sink,
// byte counter, elapsed timer and optional digest accumulator. One live
// instance per source key.
type inboundTransfer struct {
	sourceKey string
	meta      TransferMetadata
	path      string
	sink      *os.File
	digest    hash.Hash
	received  int64
	started   time.Time
}

// Coordinator owns the single authoritative table mapping source peer key to
// its active inbound transfer.
type Coordinator struct {
	opts CoordinatorOptions

	mu     sync.Mutex
	active map[string]*inboundTransfer
}

// NewCoordinator creates a coordinator with no active transfers.
func NewCoordinator(options CoordinatorOptions) (*Coordinator, error) {
	if options.Settings == nil {
		return nil, errors.New("settings provider is required")
	}
	if options.AvatarDir == "" {
		options.AvatarDir = filepath.Join(os.TempDir(), "woxxy-avatars")
	}
	return &Coordinator{
		opts:   options,
		active: make(map[string]*inboundTransfer),
	}, nil
}

// Begin opens the destination sink for a new inbound transfer and registers
// it under sourceKey. It fails closed: on any filesystem error no entry is
// registered. A begin for a key with a live entry is rejected.
func (c *Coordinator) Begin(sourceKey string, meta TransferMetadata) error {
	if err := meta.validate(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.active[sourceKey]; exists {
		return ErrTransferInProgress
	}

	dir := c.opts.Settings.DownloadDirectory()
	if meta.Kind == KindAvatar {
		dir = c.opts.AvatarDir
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create destination directory %q: %w", dir, err)
	}

	path, sink, err := createUniqueFile(dir, meta.Name)
	if err != nil {
		return fmt.Errorf("open destination sink: %w", err)
	}

	transfer := &inboundTransfer{
		sourceKey: sourceKey,
		meta:      meta,
		path:      path,
		sink:      sink,
		started:   time.Now(),
	}
	if meta.Verifiable() {
		transfer.digest = md5.New()
	}

	c.active[sourceKey] = transfer
	return nil
}

// Write appends a chunk to the transfer registered under sourceKey.
// Writes for unknown keys fail without side effects.
func (c *Coordinator) Write(sourceKey string, chunk []byte) error {
	c.mu.Lock()
	transfer, ok := c.active[sourceKey]
	c.mu.Unlock()
	if !ok {
		return ErrUnknownTransfer
	}

	if _, err := transfer.sink.Write(chunk); err != nil {
		return fmt.Errorf("write chunk: %w", err)
	}
	if transfer.digest != nil {
		_, _ = transfer.digest.Write(chunk)
	}
	transfer.received += int64(len(chunk))
	return nil
}

// Received returns the byte count for the transfer under sourceKey.
func (c *Coordinator) Received(sourceKey string) (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	transfer, ok := c.active[sourceKey]
	if !ok {
		return 0, false
	}
	return transfer.received, true
}

// Finalize closes the sink, verifies the digest when one was declared, and
// runs the completion path. The table entry is removed before returning on
// every path.
func (c *Coordinator) Finalize(sourceKey string) error {
	transfer, err := c.take(sourceKey)
	if err != nil {
		return err
	}

	if err := transfer.sink.Close(); err != nil {
		c.fail(transfer)
		return fmt.Errorf("close destination sink: %w", err)
	}

	if transfer.received < transfer.meta.Size {
		c.fail(transfer)
		return fmt.Errorf("%w: %d of %d bytes", ErrIncompleteTransfer, transfer.received, transfer.meta.Size)
	}

	if transfer.digest != nil {
		got := hex.EncodeToString(transfer.digest.Sum(nil))
		if !strings.EqualFold(got, transfer.meta.MD5Checksum) {
			c.fail(transfer)
			return fmt.Errorf("%w: declared %s, got %s", ErrChecksumMismatch, transfer.meta.MD5Checksum, got)
		}
	}

	return c.complete(transfer)
}

// Abort closes the sink and deletes the file, except when a digest was being
// accumulated and the bytes on disk happen to satisfy it, in which case the
// transfer completes. Ambiguous partials are always discarded rather than
// risking a corrupt file. The table entry is removed before returning.
func (c *Coordinator) Abort(sourceKey string) error {
	transfer, err := c.take(sourceKey)
	if err != nil {
		return err
	}

	if closeErr := transfer.sink.Close(); closeErr != nil {
		c.opts.Logger.Debug().Err(closeErr).Str("source", sourceKey).Msg("close sink on abort")
	}

	if transfer.digest != nil && transfer.received > 0 {
		got := hex.EncodeToString(transfer.digest.Sum(nil))
		if strings.EqualFold(got, transfer.meta.MD5Checksum) {
			return c.complete(transfer)
		}
	}

	c.fail(transfer)
	return nil
}

// ActiveCount returns the number of live inbound transfers.
func (c *Coordinator) ActiveCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.active)
}

// take removes and returns the entry for sourceKey. Removal happens here so
// no finalize/abort path can leave a stale entry behind.
func (c *Coordinator) take(sourceKey string) (*inboundTransfer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	transfer, ok := c.active[sourceKey]
	if !ok {
		return nil, ErrUnknownTransfer
	}
	delete(c.active, sourceKey)
	return transfer, nil
}

func (c *Coordinator) complete(transfer *inboundTransfer) error {
	elapsed := time.Since(transfer.started)
	speed := float64(transfer.received)
	if seconds := elapsed.Seconds(); seconds > 0 {
		speed = float64(transfer.received) / seconds
	}

	if transfer.meta.Kind == KindAvatar {
		return c.completeAvatar(transfer)
	}

	record := models.TransferRecord{
		Path:             transfer.path,
		Sender:           transfer.meta.SenderUsername,
		Size:             transfer.received,
		SpeedBytesPerSec: speed,
		ReceivedAt:       time.Now(),
	}
	if c.opts.History != nil {
		if err := c.opts.History.Record(record); err != nil {
			c.opts.Logger.Warn().Err(err).Str("path", record.Path).Msg("record transfer history")
		}
	}
	if c.opts.OnFileReceived != nil {
		c.opts.OnFileReceived(record)
	}
	return nil
}

// completeAvatar decodes the capability payload into the avatar cache and
// removes the staging file; capability payloads never surface as downloads.
func (c *Coordinator) completeAvatar(transfer *inboundTransfer) error {
	defer c.avatarFetchDone(transfer.sourceKey)

	data, err := os.ReadFile(transfer.path)
	if removeErr := os.Remove(transfer.path); removeErr != nil {
		c.opts.Logger.Debug().Err(removeErr).Str("path", transfer.path).Msg("remove avatar staging file")
	}
	if err != nil {
		return fmt.Errorf("read avatar payload: %w", err)
	}
	if c.opts.Avatars == nil {
		return nil
	}
	if err := c.opts.Avatars.Put(transfer.sourceKey, data); err != nil {
		return fmt.Errorf("cache avatar for %q: %w", transfer.sourceKey, err)
	}
	return nil
}

// fail deletes the destination file and, for capability payloads, signals
// terminal fetch failure so a future re-discovery can retry. Cleanup
// failures are logged and swallowed so they never mask the original failure.
func (c *Coordinator) fail(transfer *inboundTransfer) {
	if err := os.Remove(transfer.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		c.opts.Logger.Warn().Err(err).Str("path", transfer.path).Msg("delete partial file")
	}
	if transfer.meta.Kind == KindAvatar {
		c.avatarFetchDone(transfer.sourceKey)
	}
}

func (c *Coordinator) avatarFetchDone(peerKey string) {
	if c.opts.OnAvatarFetchDone != nil {
		c.opts.OnAvatarFetchDone(peerKey)
	}
}

// createUniqueFile opens a new destination file, appending " (n)" before the
// extension until an unused name is found, so repeat sends of one filename
// never overwrite each other.
func createUniqueFile(dir, name string) (string, *os.File, error) {
	base := filepath.Base(name)
	if base == "" || base == "." || base == string(filepath.Separator) {
		base = "file.bin"
	}
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)

	for attempt := 0; ; attempt++ {
		candidate := base
		if attempt > 0 {
			candidate = fmt.Sprintf("%s (%d)%s", stem, attempt, ext)
		}
		path := filepath.Join(dir, candidate)
		sink, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			return path, sink, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return "", nil, err
		}
	}
}
