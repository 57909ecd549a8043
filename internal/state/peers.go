package state

import (
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// SeenPeer is what presence pulses told us about a LAN peer.
type SeenPeer struct {
	PeerID       string    `json:"peer_id"`
	Name         string    `json:"name"`
	Status       string    `json:"status"`
	Playing      string    `json:"playing,omitempty"`
	Reachable    bool      `json:"reachable"`
	LastSeen     time.Time `json:"last_seen"`
	OfflineSince time.Time `json:"offline_since,omitempty"`
}

type PeerEvent struct {
	Type   string    `json:"type"`
	PeerID string    `json:"peer_id,omitempty"`
	Peer   *SeenPeer `json:"peer,omitempty"`
}

type PeerTable struct {
	clock     clock.Clock
	mu        sync.Mutex
	peers     map[string]SeenPeer
	listeners []chan PeerEvent
}

func NewPeerTable(clk clock.Clock) *PeerTable {
	return &PeerTable{
		clock: clk,
		peers: map[string]SeenPeer{},
	}
}

// Upsert records a presence pulse. A peer that was offline comes back
// reachable.
func (t *PeerTable) Upsert(id, name, status, playing string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sp := SeenPeer{
		PeerID:    id,
		Name:      name,
		Status:    status,
		Playing:   playing,
		Reachable: true,
		LastSeen:  t.clock.Now(),
	}
	t.peers[id] = sp
	t.notifyListeners(PeerEvent{Type: "update", PeerID: id, Peer: &sp})
}

// Seed adds a peer known from the cache as offline. Known peers are left
// alone.
func (t *PeerTable) Seed(id, name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.peers[id]; ok {
		return
	}
	now := t.clock.Now()
	sp := SeenPeer{PeerID: id, Name: name, LastSeen: now, OfflineSince: now}
	t.peers[id] = sp
	t.notifyListeners(PeerEvent{Type: "update", PeerID: id, Peer: &sp})
}

func (t *PeerTable) Remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.peers[id]; !ok {
		return
	}
	delete(t.peers, id)
	t.notifyListeners(PeerEvent{Type: "remove", PeerID: id})
}

func (t *PeerTable) MarkOffline(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sp, ok := t.peers[id]
	if !ok || !sp.OfflineSince.IsZero() {
		return
	}
	sp.Reachable = false
	sp.OfflineSince = t.clock.Now()
	t.peers[id] = sp
	t.notifyListeners(PeerEvent{Type: "update", PeerID: id, Peer: &sp})
}

func (t *PeerTable) Get(id string) (SeenPeer, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sp, ok := t.peers[id]
	return sp, ok
}

// Snapshot lists peers, reachable first, then by name.
func (t *PeerTable) Snapshot() []SeenPeer {
	t.mu.Lock()
	out := make([]SeenPeer, 0, len(t.peers))
	for _, sp := range t.peers {
		out = append(out, sp)
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Reachable != out[j].Reachable {
			return out[i].Reachable
		}
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].PeerID < out[j].PeerID
	})
	return out
}

// PruneStale moves online peers not heard from since ttlCutoff to offline,
// then removes offline peers older than graceCutoff.
func (t *PeerTable) PruneStale(ttlCutoff, graceCutoff time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, sp := range t.peers {
		if sp.OfflineSince.IsZero() {
			if sp.LastSeen.Before(ttlCutoff) {
				sp.Reachable = false
				sp.OfflineSince = t.clock.Now()
				t.peers[id] = sp
				t.notifyListeners(PeerEvent{Type: "update", PeerID: id, Peer: &sp})
			}
		} else if sp.OfflineSince.Before(graceCutoff) {
			delete(t.peers, id)
			t.notifyListeners(PeerEvent{Type: "remove", PeerID: id})
		}
	}
}

func (t *PeerTable) Subscribe() chan PeerEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch := make(chan PeerEvent, 16)
	t.listeners = append(t.listeners, ch)
	return ch
}

func (t *PeerTable) Unsubscribe(ch chan PeerEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, listener := range t.listeners {
		if listener == ch {
			close(listener)
			t.listeners = append(t.listeners[:i], t.listeners[i+1:]...)
			return
		}
	}
}

func (t *PeerTable) notifyListeners(evt PeerEvent) {
	for _, ch := range t.listeners {
		select {
		case ch <- evt:
		default:
		}
	}
}
