package network

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fsoft72/woxxy-sub000/models"
)

// ErrTransferCancelled reports a sender-initiated cancellation. It is
// deliberately distinct from network errors: a cancelled send is not a
// failure.
var ErrTransferCancelled = errors.New("network: transfer cancelled")

// SenderOptions controls outbound transfer behavior.
type SenderOptions struct {
	Settings SettingsProvider

	ConnectTimeout time.Duration
	ReadyTokenWait time.Duration
	ChunkSize      int

	Logger zerolog.Logger
}

func (o SenderOptions) withDefaults() SenderOptions {
	out := o
	if out.ConnectTimeout <= 0 {
		out.ConnectTimeout = DefaultConnectTimeout
	}
	if out.ReadyTokenWait <= 0 {
		out.ReadyTokenWait = DefaultReadyTokenWait
	}
	if out.ChunkSize <= 0 {
		out.ChunkSize = DefaultChunkSize
	}
	return out
}

// outboundHandle tracks one in-flight send. release performs the
// socket-close-plus-deregistration cleanup exactly once regardless of which
// exit path (success, error, cancel) runs first.
type outboundHandle struct {
	transferID string
	conn       net.Conn
	release    func()
}

// Sender streams files to peers over the transfer protocol.
type Sender struct {
	opts SenderOptions

	mu       sync.Mutex
	inflight map[string]*outboundHandle
}

// NewSender creates a sender with an empty in-flight table.
func NewSender(options SenderOptions) (*Sender, error) {
	if options.Settings == nil {
		return nil, errors.New("settings provider is required")
	}
	return &Sender{
		opts:     options.withDefaults(),
		inflight: make(map[string]*outboundHandle),
	}, nil
}

// Send streams the file at sourcePath to the destination peer, reporting
// progress after each chunk. It blocks until the transfer finishes, fails,
// or is cancelled. Connection establishment is time-bounded; total transfer
// duration is not.
func (s *Sender) Send(transferID, sourcePath string, destination models.PeerIdentity, onProgress ProgressFunc) error {
	return s.send(transferID, sourcePath, destination, KindFile, onProgress)
}

// SendAvatar streams a capability payload (the local avatar image) to the
// destination peer. Capability sends share the wire protocol and cancel
// semantics of regular sends.
func (s *Sender) SendAvatar(sourcePath string, destination models.PeerIdentity) error {
	return s.send(uuid.NewString(), sourcePath, destination, KindAvatar, nil)
}

func (s *Sender) send(transferID, sourcePath string, destination models.PeerIdentity, kind string, onProgress ProgressFunc) error {
	info, err := os.Stat(sourcePath)
	if err != nil {
		return fmt.Errorf("stat source file: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("source path %q is a directory", sourcePath)
	}

	checksum := s.sourceChecksum(sourcePath, kind)

	file, err := os.Open(sourcePath)
	if err != nil {
		return fmt.Errorf("open source file: %w", err)
	}
	defer func() {
		_ = file.Close()
	}()

	conn, err := net.DialTimeout("tcp", destination.TransferAddr(), s.opts.ConnectTimeout)
	if err != nil {
		return fmt.Errorf("connect to %q: %w", destination.TransferAddr(), err)
	}

	handle := s.register(transferID, conn)
	defer handle.release()

	meta := TransferMetadata{
		Name:           filepath.Base(sourcePath),
		Size:           info.Size(),
		SenderUsername: s.opts.Settings.Username(),
		SenderIP:       localHost(conn),
		MD5Checksum:    checksum,
		TransferID:     transferID,
		Kind:           kind,
	}
	if err := WriteMetadataFrame(conn, meta); err != nil {
		if !s.registered(transferID) {
			return ErrTransferCancelled
		}
		return fmt.Errorf("send metadata: %w", err)
	}

	if !awaitReadyToken(conn, s.opts.ReadyTokenWait) {
		// Missing token is non-fatal; proceed after the bounded wait.
		s.opts.Logger.Debug().
			Str("transfer_id", transferID).
			Str("peer", destination.Address).
			Msg("no ready token from receiver, proceeding")
	}

	var sent int64
	buffer := make([]byte, s.opts.ChunkSize)
	for {
		if !s.registered(transferID) {
			return ErrTransferCancelled
		}

		n, readErr := file.Read(buffer)
		if n > 0 {
			if _, writeErr := conn.Write(buffer[:n]); writeErr != nil {
				if !s.registered(transferID) {
					return ErrTransferCancelled
				}
				return fmt.Errorf("send chunk: %w", writeErr)
			}
			sent += int64(n)
			if onProgress != nil {
				onProgress(info.Size(), sent)
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				break
			}
			return fmt.Errorf("read source file: %w", readErr)
		}
	}

	// The receiver infers completion from closure; release closes the socket.
	return nil
}

// Cancel removes a transfer from the in-flight table and forcibly closes its
// socket. The chunk loop notices the missing registration and stops.
// It reports whether the transfer id was in flight.
func (s *Sender) Cancel(transferID string) bool {
	s.mu.Lock()
	handle, ok := s.inflight[transferID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	handle.release()
	return true
}

// ActiveCount returns the number of in-flight outbound transfers.
func (s *Sender) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight)
}

// register places the handle in the in-flight table before any bytes are
// written, so a cancel issued immediately after Send starts still lands.
func (s *Sender) register(transferID string, conn net.Conn) *outboundHandle {
	handle := &outboundHandle{
		transferID: transferID,
		conn:       conn,
	}

	var once sync.Once
	handle.release = func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.inflight, transferID)
			s.mu.Unlock()
			_ = conn.Close()
		})
	}

	s.mu.Lock()
	s.inflight[transferID] = handle
	s.mu.Unlock()
	return handle
}

func (s *Sender) registered(transferID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.inflight[transferID]
	return ok
}

// sourceChecksum digests the source file for the metadata document. Failure
// to compute falls back to the sender-failed sentinel rather than aborting
// the send; the skip sentinel is used when verification is disabled.
func (s *Sender) sourceChecksum(sourcePath, kind string) string {
	if kind == KindFile && !s.opts.Settings.ChecksumEnabled() {
		return ChecksumSkip
	}

	file, err := os.Open(sourcePath)
	if err != nil {
		return ChecksumUnavailable
	}
	defer func() {
		_ = file.Close()
	}()

	digest := md5.New()
	if _, err := io.Copy(digest, file); err != nil {
		return ChecksumUnavailable
	}
	return hex.EncodeToString(digest.Sum(nil))
}

func localHost(conn net.Conn) string {
	local := conn.LocalAddr().String()
	host, _, err := net.SplitHostPort(local)
	if err != nil {
		return local
	}
	return host
}
