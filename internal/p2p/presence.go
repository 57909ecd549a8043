package p2p

import (
	"context"
	"encoding/json"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"

	"github.com/petervdpas/together/internal/proto"
	"github.com/petervdpas/together/internal/storage"
)

// Publish announces this peer on the presence topic.
func (n *Node) Publish(ctx context.Context, typ string) {
	msg := proto.PresenceMsg{
		Type:   typ,
		PeerID: n.ID(),
		TS:     proto.NowMillis(),
	}
	if typ == proto.TypeOnline || typ == proto.TypeUpdate {
		n.mu.RLock()
		msg.Name = n.label
		describe := n.describe
		n.mu.RUnlock()
		msg.Status, msg.Playing = describe()
		msg.Addrs = n.lanAddrs()
	}

	b, err := json.Marshal(msg)
	if err != nil {
		return
	}
	if err := n.topic.Publish(ctx, b); err != nil {
		log.Debugf("presence publish: %v", err)
	}
}

// lanAddrs returns the host's addresses without loopback and link-local.
func (n *Node) lanAddrs() []string {
	var out []string
	for _, a := range n.Host.Addrs() {
		ip, err := manet.ToIP(a)
		if err != nil {
			continue
		}
		if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
			continue
		}
		out = append(out, a.String())
	}
	return out
}

// addPeerAddrs parses multiaddr strings into the peerstore for peerID.
func (n *Node) addPeerAddrs(peerID string, addrs []string) {
	if len(addrs) == 0 {
		return
	}
	pid, err := peer.Decode(peerID)
	if err != nil {
		return
	}
	var keep []ma.Multiaddr
	for _, s := range addrs {
		a, err := ma.NewMultiaddr(s)
		if err != nil {
			continue
		}
		if ip, err := manet.ToIP(a); err == nil && (ip.IsLoopback() || ip.IsLinkLocalUnicast()) {
			continue
		}
		keep = append(keep, a)
	}
	if len(keep) == 0 {
		return
	}
	ttl := n.presenceTTL
	if ttl <= 0 {
		ttl = 20 * time.Second
	}
	n.Host.Peerstore().AddAddrs(pid, keep, ttl)
}

// RunPresenceLoop feeds presence pulses from other peers into the peer
// table and the peer cache. onEvent, if set, sees every accepted pulse.
func (n *Node) RunPresenceLoop(ctx context.Context, onEvent func(msg proto.PresenceMsg)) {
	go func() {
		for {
			m, err := n.sub.Next(ctx)
			if err != nil {
				return
			}

			var pm proto.PresenceMsg
			if err := json.Unmarshal(m.Data, &pm); err != nil {
				continue
			}
			if pm.PeerID == "" || pm.Type == "" || pm.PeerID == n.ID() {
				continue
			}
			// Pulses must come from the peer they describe.
			if m.GetFrom().String() != pm.PeerID {
				log.Debugf("presence for %s relayed as %s, ignoring", pm.PeerID, m.GetFrom())
				continue
			}

			switch pm.Type {
			case proto.TypeOnline, proto.TypeUpdate:
				n.peers.Upsert(pm.PeerID, pm.Name, pm.Status, pm.Playing)
				n.addPeerAddrs(pm.PeerID, pm.Addrs)
				if n.cache != nil {
					if err := n.cache.UpsertCachedPeer(storage.CachedPeer{PeerID: pm.PeerID, Name: pm.Name, Addrs: pm.Addrs}); err != nil {
						log.Warnf("cache peer %s: %v", pm.PeerID, err)
					}
				}
			case proto.TypeOffline:
				n.peers.MarkOffline(pm.PeerID)
			}

			if onEvent != nil {
				onEvent(pm)
			}
		}
	}()
}

// RunHeartbeat announces online, re-announces every interval, prunes the
// peer table, and announces offline when ctx ends.
func (n *Node) RunHeartbeat(ctx context.Context, interval, ttl time.Duration) {
	n.Publish(ctx, proto.TypeOnline)
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			octx, cancel := context.WithTimeout(context.Background(), time.Second)
			n.Publish(octx, proto.TypeOffline)
			cancel()
			return
		case now := <-t.C:
			n.Publish(ctx, proto.TypeUpdate)
			n.peers.PruneStale(now.Add(-ttl), now.Add(-10*ttl))
		}
	}
}
