package storage

import (
	"encoding/json"
	"time"
)

// CachedPeer is the persistent record of a remote peer's last known state.
// It is written whenever a presence pulse is received and never cleared
// just because the peer goes offline.
type CachedPeer struct {
	PeerID   string
	Name     string
	Addrs    []string
	LastSeen time.Time
}

// UpsertCachedPeer stores or fully replaces the cached state for a peer.
// An empty address list keeps the previously cached addresses.
func (d *DB) UpsertCachedPeer(p CachedPeer) error {
	if p.Addrs == nil {
		p.Addrs = []string{}
	}
	addrs, _ := json.Marshal(p.Addrs)
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`
		INSERT INTO _peer_cache (peer_id, name, addrs, last_seen)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(peer_id) DO UPDATE SET
			name      = excluded.name,
			addrs     = CASE WHEN excluded.addrs = '[]' THEN _peer_cache.addrs ELSE excluded.addrs END,
			last_seen = CURRENT_TIMESTAMP`,
		p.PeerID, p.Name, string(addrs),
	)
	return err
}

// GetCachedPeer returns the last known state for a peer, or false if unknown.
func (d *DB) GetCachedPeer(peerID string) (CachedPeer, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var p CachedPeer
	var addrsJSON, lastSeen string
	err := d.db.QueryRow(`
		SELECT peer_id, name, addrs, last_seen
		FROM _peer_cache WHERE peer_id = ?`, peerID).
		Scan(&p.PeerID, &p.Name, &addrsJSON, &lastSeen)
	if err != nil {
		return CachedPeer{}, false
	}
	json.Unmarshal([]byte(addrsJSON), &p.Addrs)
	p.LastSeen, _ = time.Parse("2006-01-02 15:04:05", lastSeen)
	return p, true
}

// GetPeerName returns just the display name for a peer ID, or "" if unknown.
func (d *DB) GetPeerName(peerID string) string {
	p, ok := d.GetCachedPeer(peerID)
	if !ok {
		return ""
	}
	return p.Name
}

// ListCachedPeers returns all cached peers, most recently seen first.
func (d *DB) ListCachedPeers() ([]CachedPeer, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rows, err := d.db.Query(`
		SELECT peer_id, name, addrs, last_seen
		FROM _peer_cache ORDER BY last_seen DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var peers []CachedPeer
	for rows.Next() {
		var p CachedPeer
		var addrsJSON, lastSeen string
		if err := rows.Scan(&p.PeerID, &p.Name, &addrsJSON, &lastSeen); err != nil {
			return nil, err
		}
		json.Unmarshal([]byte(addrsJSON), &p.Addrs)
		p.LastSeen, _ = time.Parse("2006-01-02 15:04:05", lastSeen)
		peers = append(peers, p)
	}
	return peers, rows.Err()
}

// DeleteCachedPeer removes a peer from the cache entirely.
func (d *DB) DeleteCachedPeer(peerID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`DELETE FROM _peer_cache WHERE peer_id = ?`, peerID)
	return err
}
