package swarm

import (
	"sort"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/nmxmxh/swarmjit/internal/core"
)

// PeerRecord is what this node knows about a connected peer. It is created
// by the capability handshake, refreshed on re-handshake and dropped on
// disconnect.
type PeerRecord struct {
	ID        peer.ID
	Addrs     []ma.Multiaddr
	PublicKey crypto.PubKey
	Profile   core.CapabilityProfile
	Holdings  *Holdings
	LastSeen  time.Time
}

// PeerTable is the set of known peers.
type PeerTable struct {
	mu    sync.RWMutex
	peers map[peer.ID]*PeerRecord
	now   func() time.Time
}

// NewPeerTable creates an empty table.
func NewPeerTable() *PeerTable {
	return &PeerTable{peers: make(map[peer.ID]*PeerRecord), now: time.Now}
}

// Upsert inserts or replaces the record for rec.ID and stamps LastSeen.
func (t *PeerTable) Upsert(rec PeerRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec.LastSeen = t.now()
	t.peers[rec.ID] = &rec
}

// Touch refreshes LastSeen for a known peer.
func (t *PeerTable) Touch(id peer.ID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if rec, ok := t.peers[id]; ok {
		rec.LastSeen = t.now()
	}
}

// Remove drops a peer.
func (t *PeerTable) Remove(id peer.ID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.peers[id]
	delete(t.peers, id)
	return ok
}

// Get returns a copy of the record for id.
func (t *PeerTable) Get(id peer.ID) (PeerRecord, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rec, ok := t.peers[id]
	if !ok {
		return PeerRecord{}, false
	}
	return *rec, true
}

// Peers returns copies of all records, most recently seen first.
func (t *PeerTable) Peers() []PeerRecord {
	t.mu.RLock()
	out := make([]PeerRecord, 0, len(t.peers))
	for _, rec := range t.peers {
		out = append(out, *rec)
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastSeen.Equal(out[j].LastSeen) {
			return out[i].LastSeen.After(out[j].LastSeen)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Len returns the number of known peers.
func (t *PeerTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.peers)
}
