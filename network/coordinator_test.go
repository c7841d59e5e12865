package network

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func newTestCoordinator(t *testing.T) (*Coordinator, *recordingHistory, *recordingAvatarCache, string) {
	t.Helper()

	downloadDir := t.TempDir()
	history := &recordingHistory{}
	avatars := newRecordingAvatarCache()

	coordinator, err := NewCoordinator(CoordinatorOptions{
		Settings:  &testSettings{username: "local", downloadDir: downloadDir, checksum: true},
		History:   history,
		Avatars:   avatars,
		AvatarDir: t.TempDir(),
	})
	if err != nil {
		t.Fatalf("NewCoordinator failed: %v", err)
	}
	return coordinator, history, avatars, downloadDir
}

func md5Hex(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

func TestCoordinatorFinalizeVerifiesChecksum(t *testing.T) {
	coordinator, history, _, downloadDir := newTestCoordinator(t)

	payload := make([]byte, 1024)
	meta := TransferMetadata{
		Name:           "a.bin",
		Size:           int64(len(payload)),
		SenderUsername: "alice",
		MD5Checksum:    md5Hex(payload),
		Kind:           KindFile,
	}

	if err := coordinator.Begin("10.0.0.2", meta); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if err := coordinator.Write("10.0.0.2", payload); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := coordinator.Finalize("10.0.0.2"); err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}

	path := filepath.Join(downloadDir, "a.bin")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read finalized file: %v", err)
	}
	if md5Hex(data) != meta.MD5Checksum {
		t.Fatalf("persisted digest does not match declared digest")
	}

	records := history.all()
	if len(records) != 1 {
		t.Fatalf("expected 1 history record, got %d", len(records))
	}
	if records[0].Path != path || records[0].Sender != "alice" || records[0].Size != 1024 {
		t.Fatalf("unexpected history record: %+v", records[0])
	}
	if coordinator.ActiveCount() != 0 {
		t.Fatalf("table entry left after finalize")
	}
}

func TestCoordinatorFinalizeDeletesOnChecksumMismatch(t *testing.T) {
	coordinator, history, _, downloadDir := newTestCoordinator(t)

	meta := TransferMetadata{
		Name:        "bad.bin",
		Size:        4,
		MD5Checksum: md5Hex([]byte("good")),
		Kind:        KindFile,
	}
	if err := coordinator.Begin("10.0.0.2", meta); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if err := coordinator.Write("10.0.0.2", []byte("evil")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	if err := coordinator.Finalize("10.0.0.2"); !errors.Is(err, ErrChecksumMismatch) {
		t.Fatalf("expected ErrChecksumMismatch, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(downloadDir, "bad.bin")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("mismatched file not deleted")
	}
	if len(history.all()) != 0 {
		t.Fatalf("failed receive must produce no history record")
	}
	if coordinator.ActiveCount() != 0 {
		t.Fatalf("table entry left after failed finalize")
	}
}

func TestCoordinatorFinalizeSkipsSentinelChecksums(t *testing.T) {
	for _, sentinel := range []string{ChecksumSkip, ChecksumUnavailable} {
		coordinator, history, _, _ := newTestCoordinator(t)

		meta := TransferMetadata{Name: "s.bin", Size: 3, MD5Checksum: sentinel, Kind: KindFile}
		if err := coordinator.Begin("10.0.0.2", meta); err != nil {
			t.Fatalf("Begin failed: %v", err)
		}
		if err := coordinator.Write("10.0.0.2", []byte("abc")); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
		if err := coordinator.Finalize("10.0.0.2"); err != nil {
			t.Fatalf("Finalize with sentinel %q failed: %v", sentinel, err)
		}
		if len(history.all()) != 1 {
			t.Fatalf("expected completion with sentinel %q", sentinel)
		}
	}
}

func TestCoordinatorRejectsOverlappingBegin(t *testing.T) {
	coordinator, _, _, _ := newTestCoordinator(t)

	meta := TransferMetadata{Name: "x.bin", Size: 10, MD5Checksum: ChecksumSkip, Kind: KindFile}
	if err := coordinator.Begin("10.0.0.2", meta); err != nil {
		t.Fatalf("first Begin failed: %v", err)
	}
	if err := coordinator.Begin("10.0.0.2", meta); !errors.Is(err, ErrTransferInProgress) {
		t.Fatalf("expected ErrTransferInProgress, got %v", err)
	}

	// A different source key is unaffected.
	if err := coordinator.Begin("10.0.0.3", meta); err != nil {
		t.Fatalf("Begin for distinct source failed: %v", err)
	}
}

func TestCoordinatorWriteUnknownKeyFails(t *testing.T) {
	coordinator, _, _, _ := newTestCoordinator(t)

	if err := coordinator.Write("10.9.9.9", []byte("stray")); !errors.Is(err, ErrUnknownTransfer) {
		t.Fatalf("expected ErrUnknownTransfer, got %v", err)
	}
}

func TestCoordinatorAbortDeletesPartialFile(t *testing.T) {
	coordinator, history, _, downloadDir := newTestCoordinator(t)

	payload := make([]byte, 1024)
	meta := TransferMetadata{
		Name:        "partial.bin",
		Size:        1024,
		MD5Checksum: md5Hex(payload),
		Kind:        KindFile,
	}
	if err := coordinator.Begin("10.0.0.2", meta); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if err := coordinator.Write("10.0.0.2", payload[:512]); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := coordinator.Abort("10.0.0.2"); err != nil {
		t.Fatalf("Abort failed: %v", err)
	}

	if _, err := os.Stat(filepath.Join(downloadDir, "partial.bin")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("partial file not deleted on abort")
	}
	if len(history.all()) != 0 {
		t.Fatalf("aborted receive must produce no history record")
	}
	if coordinator.ActiveCount() != 0 {
		t.Fatalf("table entry left after abort")
	}
}

func TestCoordinatorAbortKeepsBytesThatSatisfyDigest(t *testing.T) {
	coordinator, history, _, downloadDir := newTestCoordinator(t)

	payload := []byte("complete content")
	// Declared size overshoots, so the stream looks short, but the digest
	// covers exactly the bytes that arrived.
	meta := TransferMetadata{
		Name:        "salvaged.bin",
		Size:        int64(len(payload)) + 100,
		MD5Checksum: md5Hex(payload),
		Kind:        KindFile,
	}
	if err := coordinator.Begin("10.0.0.2", meta); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if err := coordinator.Write("10.0.0.2", payload); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := coordinator.Abort("10.0.0.2"); err != nil {
		t.Fatalf("Abort failed: %v", err)
	}

	if _, err := os.Stat(filepath.Join(downloadDir, "salvaged.bin")); err != nil {
		t.Fatalf("digest-satisfying bytes should be kept: %v", err)
	}
	if len(history.all()) != 1 {
		t.Fatalf("salvaged transfer should complete")
	}
}

func TestCoordinatorAvatarCompletionCachesAndDeletes(t *testing.T) {
	coordinator, history, avatars, _ := newTestCoordinator(t)

	var doneKey string
	coordinator.opts.OnAvatarFetchDone = func(peerKey string) { doneKey = peerKey }

	payload := []byte("png-bytes")
	meta := TransferMetadata{
		Name:        "avatar.png",
		Size:        int64(len(payload)),
		MD5Checksum: md5Hex(payload),
		Kind:        KindAvatar,
	}
	if err := coordinator.Begin("10.0.0.7", meta); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if err := coordinator.Write("10.0.0.7", payload); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := coordinator.Finalize("10.0.0.7"); err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}

	data, ok := avatars.Get("10.0.0.7")
	if !ok || string(data) != string(payload) {
		t.Fatalf("avatar not cached by sender key")
	}
	if doneKey != "10.0.0.7" {
		t.Fatalf("avatar fetch completion not signalled")
	}
	if len(history.all()) != 0 {
		t.Fatalf("capability payloads must not appear in history")
	}

	entries, err := os.ReadDir(coordinator.opts.AvatarDir)
	if err != nil {
		t.Fatalf("read avatar staging dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("avatar staging file not deleted")
	}
}

func TestCoordinatorAvatarAbortSignalsFetchDone(t *testing.T) {
	coordinator, _, _, _ := newTestCoordinator(t)

	var doneKey string
	coordinator.opts.OnAvatarFetchDone = func(peerKey string) { doneKey = peerKey }

	meta := TransferMetadata{Name: "avatar.png", Size: 100, MD5Checksum: ChecksumSkip, Kind: KindAvatar}
	if err := coordinator.Begin("10.0.0.7", meta); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if err := coordinator.Abort("10.0.0.7"); err != nil {
		t.Fatalf("Abort failed: %v", err)
	}
	if doneKey != "10.0.0.7" {
		t.Fatalf("terminal avatar failure must clear the pending fetch")
	}
}

func TestCoordinatorUniquifiesRepeatedFilenames(t *testing.T) {
	coordinator, history, _, downloadDir := newTestCoordinator(t)

	for i := 0; i < 2; i++ {
		meta := TransferMetadata{Name: "dup.txt", Size: 2, MD5Checksum: ChecksumSkip, Kind: KindFile}
		if err := coordinator.Begin("10.0.0.2", meta); err != nil {
			t.Fatalf("Begin %d failed: %v", i, err)
		}
		if err := coordinator.Write("10.0.0.2", []byte("ok")); err != nil {
			t.Fatalf("Write %d failed: %v", i, err)
		}
		if err := coordinator.Finalize("10.0.0.2"); err != nil {
			t.Fatalf("Finalize %d failed: %v", i, err)
		}
	}

	if _, err := os.Stat(filepath.Join(downloadDir, "dup.txt")); err != nil {
		t.Fatalf("first file missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(downloadDir, "dup (1).txt")); err != nil {
		t.Fatalf("second file not uniquified: %v", err)
	}

	records := history.all()
	if len(records) != 2 || records[0].Path == records[1].Path {
		t.Fatalf("expected two distinct recorded paths, got %+v", records)
	}
}

func TestCoordinatorBeginFailsClosedOnFilesystemError(t *testing.T) {
	history := &recordingHistory{}
	coordinator, err := NewCoordinator(CoordinatorOptions{
		Settings: &testSettings{downloadDir: filepath.Join(string(os.PathSeparator), "dev", "null", "impossible")},
		History:  history,
	})
	if err != nil {
		t.Fatalf("NewCoordinator failed: %v", err)
	}

	meta := TransferMetadata{Name: "x.bin", Size: 1, MD5Checksum: ChecksumSkip, Kind: KindFile}
	if err := coordinator.Begin("10.0.0.2", meta); err == nil {
		t.Fatalf("expected filesystem error")
	}
	if coordinator.ActiveCount() != 0 {
		t.Fatalf("failed begin must register no entry")
	}
}
