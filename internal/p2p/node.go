package p2p

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"

	"github.com/petervdpas/together/internal/proto"
	"github.com/petervdpas/together/internal/session"
	"github.com/petervdpas/together/internal/state"
	"github.com/petervdpas/together/internal/storage"
	"github.com/petervdpas/together/internal/util"
)

var log = logging.Logger("together/p2p")

func init() {
	// Dial failures and backoff errors are noisy at the default level.
	logging.SetLogLevel("swarm2", "error")
	logging.SetLogLevel("autonat", "warn")
	logging.SetLogLevel("mdns", "warn")
}

// PeerCache remembers addresses of peers seen before, so a bare peer ID can
// be dialed after a restart.
type PeerCache interface {
	UpsertCachedPeer(p storage.CachedPeer) error
	GetCachedPeer(peerID string) (storage.CachedPeer, bool)
	ListCachedPeers() ([]storage.CachedPeer, error)
}

type Options struct {
	ListenPort  int
	MdnsTag     string
	Topic       string
	PresenceTTL time.Duration
	// KeyName is the identity store key holding the private key.
	KeyName string
}

// Node is a libp2p host that serves as the session transport and runs LAN
// discovery and presence.
type Node struct {
	Host  host.Host
	ps    *pubsub.PubSub
	topic *pubsub.Topic
	sub   *pubsub.Subscription
	mdns  mdns.Service

	peers       *state.PeerTable
	cache       PeerCache
	presenceTTL time.Duration

	incoming chan session.Conn

	mu       sync.RWMutex
	label    string
	describe func() (status, playing string)
}

var _ session.Transport = (*Node)(nil)

type mdnsNotifee struct {
	h host.Host
}

func (n *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == n.h.ID() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), util.DefaultConnectTimeout)
	defer cancel()
	if err := n.h.Connect(ctx, pi); err != nil {
		log.Debugf("mdns connect %s: %v", pi.ID, err)
	}
}

// loadOrCreateKey reads the private key from the identity store, or
// generates an Ed25519 key and stores it on first run.
func loadOrCreateKey(ctx context.Context, store storage.IdentityStore, name string) (crypto.PrivKey, bool, error) {
	v, err := store.Get(ctx, name)
	switch {
	case err == nil:
		raw, derr := base64.StdEncoding.DecodeString(v)
		if derr == nil {
			priv, uerr := crypto.UnmarshalPrivateKey(raw)
			if uerr == nil {
				return priv, false, nil
			}
			derr = uerr
		}
		log.Warnf("corrupt identity key %q: %v (generating new key)", name, derr)
	case !errors.Is(err, storage.ErrNotFound):
		return nil, false, fmt.Errorf("read identity key: %w", err)
	}

	priv, _, err := crypto.GenerateEd25519Key(nil)
	if err != nil {
		return nil, false, err
	}
	raw, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, false, fmt.Errorf("marshal identity key: %w", err)
	}
	if err := store.Set(ctx, name, base64.StdEncoding.EncodeToString(raw)); err != nil {
		return nil, false, fmt.Errorf("save identity key: %w", err)
	}
	return priv, true, nil
}

func New(ctx context.Context, opts Options, store storage.IdentityStore, peers *state.PeerTable, cache PeerCache) (*Node, error) {
	priv, isNew, err := loadOrCreateKey(ctx, store, opts.KeyName)
	if err != nil {
		return nil, err
	}
	if isNew {
		log.Infof("generated new identity key %q", opts.KeyName)
	} else {
		log.Infof("loaded identity key %q", opts.KeyName)
	}

	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", opts.ListenPort)),
	)
	if err != nil {
		return nil, err
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		_ = h.Close()
		return nil, err
	}
	topic, err := ps.Join(opts.Topic)
	if err != nil {
		_ = h.Close()
		return nil, err
	}
	sub, err := topic.Subscribe()
	if err != nil {
		_ = h.Close()
		return nil, err
	}

	n := &Node{
		Host:        h,
		ps:          ps,
		topic:       topic,
		sub:         sub,
		peers:       peers,
		cache:       cache,
		presenceTTL: opts.PresenceTTL,
		incoming:    make(chan session.Conn, 16),
		describe:    func() (string, string) { return "", "" },
	}

	h.SetStreamHandler(protocol.ID(proto.SyncProtoID), n.handleSync)

	md := mdns.NewMdnsService(h, opts.MdnsTag, &mdnsNotifee{h: h})
	if err := md.Start(); err != nil {
		_ = h.Close()
		return nil, err
	}
	n.mdns = md

	if cache != nil {
		n.seedFromCache()
	}
	log.Infow("p2p node up", "peer", h.ID().String(), "addrs", h.Addrs())
	return n, nil
}

func (n *Node) ID() string { return n.Host.ID().String() }

// SelfID is the peer identity other peers dial.
func (n *Node) SelfID() string { return n.ID() }

// SetLabel changes the display name sent in hello replies and presence.
func (n *Node) SetLabel(label string) {
	n.mu.Lock()
	n.label = label
	n.mu.Unlock()
}

func (n *Node) Label() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.label
}

// SetDescriber supplies the session status and current item carried by
// presence pulses.
func (n *Node) SetDescriber(fn func() (status, playing string)) {
	n.mu.Lock()
	n.describe = fn
	n.mu.Unlock()
}

// Addrs lists full dialable addresses, including the /p2p/ suffix.
func (n *Node) Addrs() []string {
	info := peer.AddrInfo{ID: n.Host.ID(), Addrs: n.Host.Addrs()}
	mas, err := peer.AddrInfoToP2pAddrs(&info)
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(mas))
	for _, a := range mas {
		out = append(out, a.String())
	}
	return out
}

func (n *Node) Connected(id string) bool {
	pid, err := peer.Decode(id)
	if err != nil {
		return false
	}
	return n.Host.Network().Connectedness(pid) == network.Connected
}

func (n *Node) Close() error {
	if n.mdns != nil {
		_ = n.mdns.Close()
	}
	n.sub.Cancel()
	return n.Host.Close()
}

func (n *Node) seedFromCache() {
	cached, err := n.cache.ListCachedPeers()
	if err != nil {
		log.Warnf("peer cache: %v", err)
		return
	}
	for _, p := range cached {
		n.peers.Seed(p.PeerID, p.Name)
		n.addPeerAddrs(p.PeerID, p.Addrs)
	}
	if len(cached) > 0 {
		log.Infof("seeded %d peer(s) from cache", len(cached))
	}
}
