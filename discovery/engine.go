// Package discovery broadcasts local presence over UDP and parses incoming
// announcements and avatar requests from other peers on the LAN.
package discovery

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/fsoft72/woxxy-sub000/models"
)

const (
	// DefaultDiscoveryPort is the fixed UDP port announcements travel on.
	DefaultDiscoveryPort = 42424
	// DefaultAnnounceInterval is the presence broadcast period.
	DefaultAnnounceInterval = 5 * time.Second

	// AnnouncePrefix starts a presence announcement datagram. The address
	// appears twice as a cheap spoof check.
	AnnouncePrefix = "WOXXY_ANNOUNCE:"
	// AvatarRequestPrefix starts an avatar request datagram.
	AvatarRequestPrefix = "AVATAR_REQUEST:"

	maxDatagramSize = 1024
)

// PeerSink receives validated announcements.
type PeerSink interface {
	AddOrRefresh(identity models.PeerIdentity)
}

// Config controls the discovery engine.
type Config struct {
	// Username is the display name broadcast in announcements.
	Username string
	// LocalAddress is this host's LAN address, embedded in outgoing
	// datagrams and used to ignore our own broadcasts.
	LocalAddress string

	DiscoveryPort    int
	TransferPort     int
	AnnounceInterval time.Duration

	// Peers receives every validated announcement.
	Peers PeerSink
	// AvatarRequests supplies peers whose avatar we want; the engine
	// unicasts a request datagram for each.
	AvatarRequests <-chan models.PeerIdentity
	// OnAvatarRequest is invoked with the requesting identity when a valid
	// avatar request arrives. The engine never touches the filesystem; the
	// callback owns sending the avatar.
	OnAvatarRequest func(identity models.PeerIdentity)

	Logger zerolog.Logger

	// BroadcastAddress overrides the LAN broadcast destination.
	BroadcastAddress string
}

func (c Config) withDefaults() Config {
	out := c
	if out.DiscoveryPort <= 0 {
		out.DiscoveryPort = DefaultDiscoveryPort
	}
	if out.AnnounceInterval <= 0 {
		out.AnnounceInterval = DefaultAnnounceInterval
	}
	if out.BroadcastAddress == "" {
		out.BroadcastAddress = "255.255.255.255"
	}
	return out
}

func (c Config) validate() error {
	if strings.TrimSpace(c.Username) == "" {
		return errors.New("username is required")
	}
	if strings.Contains(c.Username, ":") {
		return errors.New("username must not contain ':'")
	}
	if net.ParseIP(c.LocalAddress) == nil {
		return fmt.Errorf("invalid local address %q", c.LocalAddress)
	}
	if c.TransferPort <= 0 {
		return errors.New("transfer port is required")
	}
	if c.Peers == nil {
		return errors.New("peer sink is required")
	}
	return nil
}

// Engine owns the discovery UDP socket: one broadcast loop, one listen loop,
// and one avatar-request consumer.
type Engine struct {
	cfg  Config
	conn *net.UDPConn

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Start binds the discovery socket and launches the engine loops. A bind
// failure is fatal and returned to the caller.
func Start(config Config) (*Engine, error) {
	cfg := config.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: cfg.DiscoveryPort})
	if err != nil {
		return nil, fmt.Errorf("bind discovery port %d: %w", cfg.DiscoveryPort, err)
	}

	e := &Engine{
		cfg:  cfg,
		conn: conn,
		stop: make(chan struct{}),
	}

	e.wg.Add(2)
	go e.announceLoop()
	go e.listenLoop()
	if cfg.AvatarRequests != nil {
		e.wg.Add(1)
		go e.avatarRequestLoop()
	}
	return e, nil
}

// Stop closes the socket and waits for the loops to exit.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		close(e.stop)
		_ = e.conn.Close()
		e.wg.Wait()
	})
}

// Announcement returns the presence datagram this engine broadcasts.
func (e *Engine) Announcement() string {
	return AnnouncePrefix + strings.Join([]string{
		e.cfg.Username,
		e.cfg.LocalAddress,
		strconv.Itoa(e.cfg.TransferPort),
		e.cfg.LocalAddress,
	}, ":")
}

func (e *Engine) announceLoop() {
	defer e.wg.Done()

	destination := &net.UDPAddr{
		IP:   net.ParseIP(e.cfg.BroadcastAddress),
		Port: e.cfg.DiscoveryPort,
	}
	payload := []byte(e.Announcement())

	broadcast := func() {
		if _, err := e.conn.WriteToUDP(payload, destination); err != nil {
			e.cfg.Logger.Debug().Err(err).Msg("broadcast announcement")
		}
	}

	broadcast()
	ticker := time.NewTicker(e.cfg.AnnounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			broadcast()
		case <-e.stop:
			return
		}
	}
}

// listenLoop parses incoming datagrams. Malformed or spoofed datagrams are
// logged and dropped; they never terminate the loop.
func (e *Engine) listenLoop() {
	defer e.wg.Done()

	buffer := make([]byte, maxDatagramSize)
	for {
		n, source, err := e.conn.ReadFromUDP(buffer)
		if err != nil {
			select {
			case <-e.stop:
				return
			default:
			}
			e.cfg.Logger.Debug().Err(err).Msg("read discovery datagram")
			continue
		}
		e.handleDatagram(string(buffer[:n]), source.IP.String())
	}
}

func (e *Engine) avatarRequestLoop() {
	defer e.wg.Done()

	for {
		select {
		case identity, ok := <-e.cfg.AvatarRequests:
			if !ok {
				return
			}
			e.sendAvatarRequest(identity)
		case <-e.stop:
			return
		}
	}
}

// sendAvatarRequest unicasts an avatar request to the peer's discovery port,
// advertising our own address and transfer port as the reply destination.
func (e *Engine) sendAvatarRequest(identity models.PeerIdentity) {
	payload := AvatarRequestPrefix + strings.Join([]string{
		e.cfg.LocalAddress,
		e.cfg.LocalAddress,
		strconv.Itoa(e.cfg.TransferPort),
	}, ":")

	destination := &net.UDPAddr{
		IP:   net.ParseIP(identity.Address),
		Port: e.cfg.DiscoveryPort,
	}
	if destination.IP == nil {
		e.cfg.Logger.Debug().Str("peer", identity.Address).Msg("skip avatar request for bad address")
		return
	}
	if _, err := e.conn.WriteToUDP([]byte(payload), destination); err != nil {
		e.cfg.Logger.Debug().Err(err).Str("peer", identity.Address).Msg("send avatar request")
	}
}

func (e *Engine) handleDatagram(payload, sourceAddr string) {
	switch {
	case strings.HasPrefix(payload, AnnouncePrefix):
		identity, err := parseAnnouncement(payload, sourceAddr, e.cfg.LocalAddress)
		if err != nil {
			e.cfg.Logger.Debug().Err(err).Str("source", sourceAddr).Msg("dropping announcement")
			return
		}
		e.cfg.Peers.AddOrRefresh(identity)

	case strings.HasPrefix(payload, AvatarRequestPrefix):
		identity, err := parseAvatarRequest(payload, sourceAddr, e.cfg.LocalAddress)
		if err != nil {
			e.cfg.Logger.Debug().Err(err).Str("source", sourceAddr).Msg("dropping avatar request")
			return
		}
		if e.cfg.OnAvatarRequest != nil {
			e.cfg.OnAvatarRequest(identity)
		}

	default:
		e.cfg.Logger.Debug().Str("source", sourceAddr).Msg("dropping unrecognized datagram")
	}
}

// parseAnnouncement validates "WOXXY_ANNOUNCE:<name>:<addr>:<port>:<addr>".
// The two embedded addresses must match each other, match the datagram's
// actual source, and differ from the local address.
func parseAnnouncement(payload, sourceAddr, localAddr string) (models.PeerIdentity, error) {
	parts := strings.Split(strings.TrimPrefix(payload, AnnouncePrefix), ":")
	if len(parts) != 4 {
		return models.PeerIdentity{}, fmt.Errorf("expected 4 fields, got %d", len(parts))
	}

	name, addr, portRaw, addrEcho := parts[0], parts[1], parts[2], parts[3]
	if strings.TrimSpace(name) == "" {
		return models.PeerIdentity{}, errors.New("empty peer name")
	}
	if err := checkAddresses(addr, addrEcho, sourceAddr, localAddr); err != nil {
		return models.PeerIdentity{}, err
	}

	port, err := strconv.Atoi(portRaw)
	if err != nil || port <= 0 || port > 65535 {
		return models.PeerIdentity{}, fmt.Errorf("invalid transfer port %q", portRaw)
	}

	return models.PeerIdentity{
		Name:         name,
		Address:      addr,
		TransferPort: port,
	}, nil
}

// parseAvatarRequest validates "AVATAR_REQUEST:<addr>:<addr>:<port>" with
// the same double-address check as announcements.
func parseAvatarRequest(payload, sourceAddr, localAddr string) (models.PeerIdentity, error) {
	parts := strings.Split(strings.TrimPrefix(payload, AvatarRequestPrefix), ":")
	if len(parts) != 3 {
		return models.PeerIdentity{}, fmt.Errorf("expected 3 fields, got %d", len(parts))
	}

	addr, addrEcho, portRaw := parts[0], parts[1], parts[2]
	if err := checkAddresses(addr, addrEcho, sourceAddr, localAddr); err != nil {
		return models.PeerIdentity{}, err
	}

	port, err := strconv.Atoi(portRaw)
	if err != nil || port <= 0 || port > 65535 {
		return models.PeerIdentity{}, fmt.Errorf("invalid transfer port %q", portRaw)
	}

	return models.PeerIdentity{
		Address:      addr,
		TransferPort: port,
	}, nil
}

func checkAddresses(addr, addrEcho, sourceAddr, localAddr string) error {
	if net.ParseIP(addr) == nil {
		return fmt.Errorf("invalid address %q", addr)
	}
	if addr != addrEcho {
		return fmt.Errorf("address fields disagree: %q vs %q", addr, addrEcho)
	}
	if addr != sourceAddr {
		return fmt.Errorf("embedded address %q does not match datagram source %q", addr, sourceAddr)
	}
	if addr == localAddr {
		return errors.New("own announcement")
	}
	return nil
}

// ProbeLocalAddress determines the host's outbound LAN address. No packets
// are sent; the connected UDP socket only resolves the route.
func ProbeLocalAddress() (string, error) {
	conn, err := net.Dial("udp4", "255.255.255.255:1")
	if err != nil {
		return "", fmt.Errorf("probe local address: %w", err)
	}
	defer func() {
		_ = conn.Close()
	}()

	local, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok || local.IP == nil {
		return "", errors.New("probe local address: no usable address")
	}
	return local.IP.String(), nil
}
