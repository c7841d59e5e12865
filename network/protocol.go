package network

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"
)

const (
	// DefaultTransferPort is the fixed TCP port file transfers arrive on.
	DefaultTransferPort = 42425
	// MaxMetadataSize caps the metadata frame (1 MiB). Anything larger is a
	// corrupt or hostile sender and the connection is dropped.
	MaxMetadataSize = 1 << 20
	// DefaultChunkSize is the streaming read/write buffer size.
	DefaultChunkSize = 32 * 1024
	// DefaultConnectTimeout bounds outbound TCP connection establishment.
	DefaultConnectTimeout = 10 * time.Second
	// DefaultReadyTokenWait bounds the sender's wait for the ready token.
	DefaultReadyTokenWait = 2 * time.Second
)

const (
	// KindFile marks a user-visible file payload.
	KindFile = "FILE"
	// KindAvatar marks a capability payload cached by peer identity and
	// never exposed as a download.
	KindAvatar = "AVATAR_FILE"

	// ChecksumSkip means verification was intentionally skipped by the sender.
	ChecksumSkip = "no-check"
	// ChecksumUnavailable means the sender failed to compute a digest.
	ChecksumUnavailable = "CHECKSUM_ERROR"
)

// ReadyToken is sent receiver-to-sender once the destination sink is open,
// before any payload bytes are accepted. Spelled "RDY".
var ReadyToken = []byte{0x52, 0x44, 0x59}

var (
	// ErrMetadataTooLarge indicates the metadata frame exceeds MaxMetadataSize.
	ErrMetadataTooLarge = errors.New("network: metadata frame exceeds max size")
	// ErrInvalidMetadata indicates a metadata document that fails validation.
	ErrInvalidMetadata = errors.New("network: invalid transfer metadata")
)

// TransferMetadata is the JSON document carried in the metadata frame.
// It is immutable once serialized onto the wire.
type TransferMetadata struct {
	Name           string `json:"name"`
	Size           int64  `json:"size"`
	SenderUsername string `json:"senderUsername"`
	SenderIP       string `json:"senderIp"`
	MD5Checksum    string `json:"md5Checksum"`
	TransferID     string `json:"transferId"`
	Kind           string `json:"type"`
}

// Verifiable reports whether the declared checksum is a real digest rather
// than one of the skip sentinels.
func (m TransferMetadata) Verifiable() bool {
	return m.MD5Checksum != "" &&
		m.MD5Checksum != ChecksumSkip &&
		m.MD5Checksum != ChecksumUnavailable
}

func (m TransferMetadata) validate() error {
	if strings.TrimSpace(m.Name) == "" {
		return fmt.Errorf("%w: empty file name", ErrInvalidMetadata)
	}
	if m.Size < 0 {
		return fmt.Errorf("%w: negative size %d", ErrInvalidMetadata, m.Size)
	}
	if m.Kind != KindFile && m.Kind != KindAvatar {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidMetadata, m.Kind)
	}
	return nil
}

// WriteMetadataFrame writes the 4-byte big-endian length prefix followed by
// the metadata JSON document. The raw payload bytes follow the frame with no
// further framing; byte counting alone defines the data boundary.
func WriteMetadataFrame(w io.Writer, meta TransferMetadata) error {
	payload, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal transfer metadata: %w", err)
	}
	if len(payload) > MaxMetadataSize {
		return ErrMetadataTooLarge
	}

	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(payload)))

	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("write metadata length: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write metadata document: %w", err)
	}
	return nil
}

// ReadMetadataFrame reads and validates one metadata frame.
func ReadMetadataFrame(r io.Reader) (TransferMetadata, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return TransferMetadata{}, fmt.Errorf("read metadata length: %w", err)
	}

	length := binary.BigEndian.Uint32(header)
	if length > MaxMetadataSize {
		return TransferMetadata{}, ErrMetadataTooLarge
	}
	if length == 0 {
		return TransferMetadata{}, fmt.Errorf("%w: empty metadata frame", ErrInvalidMetadata)
	}

	payload := make([]byte, int(length))
	if _, err := io.ReadFull(r, payload); err != nil {
		return TransferMetadata{}, fmt.Errorf("read metadata document: %w", err)
	}

	var meta TransferMetadata
	if err := json.Unmarshal(payload, &meta); err != nil {
		return TransferMetadata{}, fmt.Errorf("%w: %v", ErrInvalidMetadata, err)
	}
	if err := meta.validate(); err != nil {
		return TransferMetadata{}, err
	}
	return meta, nil
}

// awaitReadyToken reads the 3-byte ready token with a bounded deadline.
// A missing or timed-out token is non-fatal; the sender proceeds regardless.
func awaitReadyToken(conn net.Conn, wait time.Duration) bool {
	if wait <= 0 {
		wait = DefaultReadyTokenWait
	}
	if err := conn.SetReadDeadline(time.Now().Add(wait)); err != nil {
		return false
	}
	defer func() {
		_ = conn.SetReadDeadline(time.Time{})
	}()

	token := make([]byte, len(ReadyToken))
	if _, err := io.ReadFull(conn, token); err != nil {
		return false
	}
	return string(token) == string(ReadyToken)
}
