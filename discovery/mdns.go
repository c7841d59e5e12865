package discovery

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/grandcat/zeroconf"
)

const (
	// MDNSService is the mDNS service name without domain suffix.
	MDNSService = "_woxxy._tcp"
	// MDNSDomain is the mDNS domain.
	MDNSDomain = "local."
	// MDNSVersion is the TXT record protocol version.
	MDNSVersion = 1
)

// AdvertiserConfig controls the optional mDNS advertisement of the transfer
// endpoint. Advertisement is informational; peer discovery itself runs on
// the UDP announcement protocol.
type AdvertiserConfig struct {
	Username     string
	TransferPort int
}

func (c AdvertiserConfig) validate() error {
	if strings.TrimSpace(c.Username) == "" {
		return errors.New("username is required")
	}
	if c.TransferPort <= 0 {
		return errors.New("transfer port must be > 0")
	}
	return nil
}

// Advertiser publishes the transfer endpoint via mDNS.
type Advertiser struct {
	server *zeroconf.Server
}

// StartAdvertiser registers and starts the mDNS advertisement.
func StartAdvertiser(config AdvertiserConfig) (*Advertiser, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}

	txt := []string{
		"username=" + config.Username,
		"version=" + strconv.Itoa(MDNSVersion),
	}

	server, err := zeroconf.Register(config.Username, MDNSService, MDNSDomain, config.TransferPort, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}

	return &Advertiser{server: server}, nil
}

// Stop stops the mDNS advertisement.
func (a *Advertiser) Stop() {
	if a == nil || a.server == nil {
		return
	}
	a.server.Shutdown()
}
