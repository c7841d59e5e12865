package models

import (
	"fmt"
	"time"
)

// PeerIdentity identifies a remote device on the LAN.
//
// The network address doubles as the peer key: one address maps to exactly
// one peer, and inbound transfers are attributed by it.
type PeerIdentity struct {
	Name         string `json:"name"`
	Address      string `json:"address"`
	TransferPort int    `json:"transfer_port"`
}

// Key returns the registry/coordinator key for this peer.
func (p PeerIdentity) Key() string {
	return p.Address
}

// TransferAddr returns the peer's TCP transfer endpoint as "address:port".
func (p PeerIdentity) TransferAddr() string {
	return fmt.Sprintf("%s:%d", p.Address, p.TransferPort)
}

// Peer is a known peer with liveness bookkeeping.
type Peer struct {
	Identity      PeerIdentity `json:"identity"`
	LastSeen      time.Time    `json:"last_seen"`
	AvatarPending bool         `json:"avatar_pending"`
}
