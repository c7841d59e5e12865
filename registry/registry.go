// Package registry tracks known LAN peers: liveness, snapshot fan-out to
// subscribers, and avatar-fetch deduplication.
package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/fsoft72/woxxy-sub000/models"
)

// DefaultPeerTimeout is how long a peer stays listed without being
// re-announced. The eviction sweep runs at the same interval.
const DefaultPeerTimeout = 30 * time.Second

// AvatarStore is the slice of the avatar cache the registry needs: presence
// checks for fetch dedup and removal on peer eviction.
type AvatarStore interface {
	Contains(peerKey string) bool
	Remove(peerKey string)
}

// Options configures a Registry.
type Options struct {
	// LocalAddress is this host's LAN address. The registry never reports a
	// peer whose address equals it.
	LocalAddress string

	PeerTimeout time.Duration
	Avatars     AvatarStore

	Logger zerolog.Logger
}

func (o Options) withDefaults() Options {
	out := o
	if out.PeerTimeout <= 0 {
		out.PeerTimeout = DefaultPeerTimeout
	}
	return out
}

type peerState struct {
	identity      models.PeerIdentity
	lastSeen      time.Time
	avatarPending bool
}

// Registry is the authoritative table of known peers. All mutation is
// serialized behind one mutex; the eviction sweep races announcements only
// through that lock.
type Registry struct {
	opts Options

	mu          sync.Mutex
	peers       map[string]*peerState
	subscribers []chan []models.Peer

	avatarNeeds chan models.PeerIdentity

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates and starts a registry, including its eviction sweep.
func New(options Options) *Registry {
	r := &Registry{
		opts:        options.withDefaults(),
		peers:       make(map[string]*peerState),
		avatarNeeds: make(chan models.PeerIdentity, 32),
		stop:        make(chan struct{}),
	}

	r.wg.Add(1)
	go r.sweepLoop()
	return r
}

// Stop halts the eviction sweep.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() {
		close(r.stop)
		r.wg.Wait()
	})
}

// AddOrRefresh inserts or refreshes a peer from a validated announcement.
// New peers and observable field changes emit a snapshot; a bare liveness
// refresh does not. The local address is never admitted.
func (r *Registry) AddOrRefresh(identity models.PeerIdentity) {
	if identity.Address == "" || identity.Address == r.opts.LocalAddress {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := identity.Key()
	existing, ok := r.peers[key]
	if ok {
		existing.lastSeen = time.Now()
		if existing.identity == identity {
			return
		}
		r.opts.Logger.Debug().
			Str("peer", key).
			Str("name", identity.Name).
			Msg("peer metadata changed")
		existing.identity = identity
		r.emitLocked()
		return
	}

	state := &peerState{
		identity: identity,
		lastSeen: time.Now(),
	}
	r.peers[key] = state
	r.opts.Logger.Info().
		Str("peer", key).
		Str("name", identity.Name).
		Msg("peer discovered")

	r.maybeRequestAvatarLocked(state)
	r.emitLocked()
}

// AvatarNeeds delivers "need avatar for this peer" events. The discovery
// engine consumes them and unicasts avatar requests, keeping the registry
// decoupled from the sender.
func (r *Registry) AvatarNeeds() <-chan models.PeerIdentity {
	return r.avatarNeeds
}

// AvatarFetchDone clears the pending marker after a fetch completes or
// terminally fails, so a future re-discovery can retry.
func (r *Registry) AvatarFetchDone(peerKey string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if state, ok := r.peers[peerKey]; ok {
		state.avatarPending = false
	}
}

// Subscribe registers a snapshot channel with latest-value semantics: the
// current snapshot is delivered immediately, and a slow subscriber only ever
// lags by one snapshot.
func (r *Registry) Subscribe() <-chan []models.Peer {
	ch := make(chan []models.Peer, 1)

	r.mu.Lock()
	r.subscribers = append(r.subscribers, ch)
	snapshot := r.snapshotLocked()
	r.mu.Unlock()

	ch <- snapshot
	return ch
}

// Snapshot returns the current peer list sorted by name.
func (r *Registry) Snapshot() []models.Peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

// maybeRequestAvatarLocked deduplicates avatar fetches: only peers with no
// cached avatar and no fetch in flight trigger a request.
func (r *Registry) maybeRequestAvatarLocked(state *peerState) {
	if state.avatarPending {
		return
	}
	if r.opts.Avatars != nil && r.opts.Avatars.Contains(state.identity.Key()) {
		return
	}

	state.avatarPending = true
	select {
	case r.avatarNeeds <- state.identity:
	default:
		// Consumer is backed up; leave the marker clear so the next
		// announcement retries.
		state.avatarPending = false
	}
}

func (r *Registry) sweepLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.opts.PeerTimeout)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.sweep()
		case <-r.stop:
			return
		}
	}
}

// sweep evicts peers whose last announcement is older than the timeout.
// Eviction clears the pending-avatar marker and drops the cached avatar.
func (r *Registry) sweep() {
	cutoff := time.Now().Add(-r.opts.PeerTimeout)

	r.mu.Lock()
	var evicted []string
	for key, state := range r.peers {
		if state.lastSeen.Before(cutoff) {
			delete(r.peers, key)
			evicted = append(evicted, key)
		}
	}
	if len(evicted) > 0 {
		r.emitLocked()
	}
	r.mu.Unlock()

	for _, key := range evicted {
		r.opts.Logger.Info().Str("peer", key).Msg("peer timed out")
		if r.opts.Avatars != nil {
			r.opts.Avatars.Remove(key)
		}
	}
}

func (r *Registry) snapshotLocked() []models.Peer {
	out := make([]models.Peer, 0, len(r.peers))
	for _, state := range r.peers {
		out = append(out, models.Peer{
			Identity:      state.identity,
			LastSeen:      state.lastSeen,
			AvatarPending: state.avatarPending,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Identity.Name == out[j].Identity.Name {
			return out[i].Identity.Address < out[j].Identity.Address
		}
		return out[i].Identity.Name < out[j].Identity.Name
	})
	return out
}

// emitLocked pushes the current snapshot to every subscriber, replacing any
// undelivered previous snapshot so subscribers always see the latest value.
func (r *Registry) emitLocked() {
	snapshot := r.snapshotLocked()
	for _, ch := range r.subscribers {
		select {
		case ch <- snapshot:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snapshot:
			default:
			}
		}
	}
}
