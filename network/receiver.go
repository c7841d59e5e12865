package network

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultEarlyCloseWindow is the window inside which a zero-byte close for a
// nonzero declared size is treated as a transient early-closure artifact.
const DefaultEarlyCloseWindow = 250 * time.Millisecond

// ListenerOptions controls the inbound transfer listener.
type ListenerOptions struct {
	Coordinator *Coordinator

	ChunkSize        int
	EarlyCloseWindow time.Duration

	Logger zerolog.Logger
}

func (o ListenerOptions) withDefaults() ListenerOptions {
	out := o
	if out.ChunkSize <= 0 {
		out.ChunkSize = DefaultChunkSize
	}
	if out.EarlyCloseWindow <= 0 {
		out.EarlyCloseWindow = DefaultEarlyCloseWindow
	}
	return out
}

// Listener accepts inbound TCP transfer connections and runs each one
// through its own inbound state machine. Connections share no state except
// the coordinator table.
type Listener struct {
	listener net.Listener
	options  ListenerOptions

	errs chan error

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Listen starts the TCP transfer listener.
func Listen(address string, options ListenerOptions) (*Listener, error) {
	opts := options.withDefaults()
	if opts.Coordinator == nil {
		return nil, errors.New("coordinator is required")
	}

	if address == "" {
		address = fmt.Sprintf(":%d", DefaultTransferPort)
	}

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listen on %q: %w", address, err)
	}

	l := &Listener{
		listener: listener,
		options:  opts,
		errs:     make(chan error, 16),
		closed:   make(chan struct{}),
	}

	l.wg.Add(1)
	go l.acceptLoop()
	return l, nil
}

// Addr returns the listening address.
func (l *Listener) Addr() net.Addr {
	return l.listener.Addr()
}

// Errors returns asynchronous per-connection errors.
func (l *Listener) Errors() <-chan error {
	return l.errs
}

// Close stops accepting and waits for in-flight connections to settle.
func (l *Listener) Close() error {
	var closeErr error
	l.closeOnce.Do(func() {
		close(l.closed)
		closeErr = l.listener.Close()
		l.wg.Wait()
		close(l.errs)
	})
	return closeErr
}

func (l *Listener) acceptLoop() {
	defer l.wg.Done()

	for {
		conn, err := l.listener.Accept()
		if err != nil {
			select {
			case <-l.closed:
				return
			default:
			}
			l.reportError(fmt.Errorf("accept transfer connection: %w", err))
			continue
		}

		l.wg.Add(1)
		go l.handleConn(conn)
	}
}

// handleConn drives one connection through the inbound states: await the
// metadata frame, stream payload bytes, then finalize or abort once the
// remote closes. Completion is inferred from stream closure, never from
// reaching the declared size while the connection stays open.
func (l *Listener) handleConn(conn net.Conn) {
	defer l.wg.Done()
	defer func() {
		_ = conn.Close()
	}()

	sourceKey := remoteHost(conn)
	logger := l.options.Logger.With().Str("source", sourceKey).Logger()

	meta, err := ReadMetadataFrame(conn)
	if err != nil {
		logger.Debug().Err(err).Msg("dropping connection with bad metadata frame")
		l.reportError(err)
		return
	}

	coordinator := l.options.Coordinator
	if err := coordinator.Begin(sourceKey, meta); err != nil {
		logger.Warn().Err(err).Str("file", meta.Name).Msg("rejecting inbound transfer")
		l.reportError(err)
		return
	}

	// Sink is open; tell the sender it may stream. Some platforms flush and
	// close fast enough that data would otherwise race the receiver setup.
	if _, err := conn.Write(ReadyToken); err != nil {
		logger.Debug().Err(err).Msg("write ready token")
	}

	started := time.Now()
	received, streamErr := l.streamPayload(conn, sourceKey)

	if streamErr != nil {
		logger.Debug().Err(streamErr).Msg("stream interrupted, aborting")
		l.abort(sourceKey, logger)
		return
	}

	if received == 0 && meta.Size > 0 && time.Since(started) < l.options.EarlyCloseWindow {
		// Transient early-closure artifact, not a legitimate empty result.
		logger.Debug().Msg("zero-byte early close, aborting")
		l.abort(sourceKey, logger)
		return
	}

	if received < meta.Size {
		logger.Warn().
			Int64("received", received).
			Int64("declared", meta.Size).
			Msg("stream closed short, aborting")
		l.abort(sourceKey, logger)
		return
	}

	if err := coordinator.Finalize(sourceKey); err != nil {
		logger.Warn().Err(err).Str("file", meta.Name).Msg("finalize failed")
		l.reportError(err)
		return
	}
	logger.Info().
		Str("file", meta.Name).
		Int64("bytes", received).
		Msg("transfer complete")
}

// streamPayload copies connection bytes into the coordinator until the
// remote closes. io.EOF is the normal end of stream, not an error.
func (l *Listener) streamPayload(conn net.Conn, sourceKey string) (int64, error) {
	var received int64
	buffer := make([]byte, l.options.ChunkSize)

	for {
		n, err := conn.Read(buffer)
		if n > 0 {
			if writeErr := l.options.Coordinator.Write(sourceKey, buffer[:n]); writeErr != nil {
				return received, writeErr
			}
			received += int64(n)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return received, nil
			}
			return received, fmt.Errorf("read payload: %w", err)
		}
	}
}

func (l *Listener) abort(sourceKey string, logger zerolog.Logger) {
	if err := l.options.Coordinator.Abort(sourceKey); err != nil && !errors.Is(err, ErrUnknownTransfer) {
		logger.Debug().Err(err).Msg("abort cleanup")
	}
}

func (l *Listener) reportError(err error) {
	if err == nil || errors.Is(err, net.ErrClosed) {
		return
	}
	select {
	case l.errs <- err:
	default:
	}
}

// remoteHost extracts the peer address without the port; announcements key
// peers by bare address, so inbound transfers are attributed the same way.
func remoteHost(conn net.Conn) string {
	remote := conn.RemoteAddr().String()
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		return remote
	}
	return host
}
