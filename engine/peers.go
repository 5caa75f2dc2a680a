package engine

import (
	"sort"
	"sync"
	"time"

	"github.com/blockberries/overlord/types"
)

// PeerState is what this node knows about one peer's progress
type PeerState struct {
	Address types.Address
	// Committed is the highest height the peer is known to have decided
	Committed types.Height
	LastSeen  time.Time
	// Failures counts sync requests the peer left unanswered since its
	// last response
	Failures int
}

// PeerSet tracks peers seen through status announcements, future messages
// and certificates. It picks whom to ask for committed values.
type PeerSet struct {
	mu    sync.RWMutex
	peers map[types.Address]*PeerState
}

// NewPeerSet creates an empty set
func NewPeerSet() *PeerSet {
	return &PeerSet{peers: make(map[types.Address]*PeerState)}
}

// Update records that peer decided committed. Heights never move back.
func (ps *PeerSet) Update(peer types.Address, committed types.Height) {
	if peer.IsZero() {
		return
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()

	p, ok := ps.peers[peer]
	if !ok {
		p = &PeerState{Address: peer}
		ps.peers[peer] = p
	}
	if committed > p.Committed {
		p.Committed = committed
	}
	p.LastSeen = time.Now()
}

// MarkFailed counts an unanswered request against peer
func (ps *PeerSet) MarkFailed(peer types.Address) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if p, ok := ps.peers[peer]; ok {
		p.Failures++
	}
}

// MarkResponded clears the failures of peer
func (ps *PeerSet) MarkResponded(peer types.Address) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if p, ok := ps.peers[peer]; ok {
		p.Failures = 0
		p.LastSeen = time.Now()
	}
}

// Remove forgets peer
func (ps *PeerSet) Remove(peer types.Address) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	delete(ps.peers, peer)
}

// Get returns a copy of the state of peer
func (ps *PeerSet) Get(peer types.Address) (PeerState, bool) {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	p, ok := ps.peers[peer]
	if !ok {
		return PeerState{}, false
	}
	return *p, true
}

// Size returns the number of tracked peers
func (ps *PeerSet) Size() int {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return len(ps.peers)
}

// MaxCommitted returns the highest height any peer decided
func (ps *PeerSet) MaxCommitted() types.Height {
	ps.mu.RLock()
	defer ps.mu.RUnlock()

	var max types.Height
	for _, p := range ps.peers {
		if p.Committed > max {
			max = p.Committed
		}
	}
	return max
}

// Best returns the peer to fetch height from: among peers that decided it,
// the one with the fewest failures, then the highest height.
func (ps *PeerSet) Best(height types.Height) (PeerState, bool) {
	candidates := ps.AllPeers()
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Failures != b.Failures {
			return a.Failures < b.Failures
		}
		if a.Committed != b.Committed {
			return a.Committed > b.Committed
		}
		return a.LastSeen.After(b.LastSeen)
	})
	for _, p := range candidates {
		if p.Committed >= height {
			return p, true
		}
	}
	return PeerState{}, false
}

// AllPeers returns copies of every peer state
func (ps *PeerSet) AllPeers() []PeerState {
	ps.mu.RLock()
	defer ps.mu.RUnlock()

	peers := make([]PeerState, 0, len(ps.peers))
	for _, p := range ps.peers {
		peers = append(peers, *p)
	}
	return peers
}
