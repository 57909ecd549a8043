package p2p

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/petervdpas/together/internal/proto"
	"github.com/petervdpas/together/internal/session"
	"github.com/petervdpas/together/internal/util"
)

const writeTimeout = 5 * time.Second

// streamConn is a sync channel over one libp2p stream. Frames are JSON
// envelopes separated by newlines; the first line each way is the hello.
type streamConn struct {
	s      network.Stream
	rd     *bufio.Reader
	remote string
	hello  proto.Hello

	wmu    sync.Mutex
	closed atomic.Bool
}

var _ session.Conn = (*streamConn)(nil)

func newStreamConn(s network.Stream) *streamConn {
	return &streamConn{
		s:      s,
		rd:     bufio.NewReader(s),
		remote: s.Conn().RemotePeer().String(),
	}
}

func (c *streamConn) RemoteID() string { return c.remote }

func (c *streamConn) Hello() proto.Hello { return c.hello }

func (c *streamConn) Send(m proto.Message) error {
	b, err := proto.Encode(m)
	if err != nil {
		return err
	}
	return c.writeLine(b)
}

func (c *streamConn) writeLine(b []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.closed.Load() {
		return network.ErrReset
	}
	_ = c.s.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := c.s.Write(append(b, '\n')); err != nil {
		return err
	}
	return nil
}

func (c *streamConn) readLine() ([]byte, error) {
	for {
		line, err := c.rd.ReadBytes('\n')
		line = bytes.TrimSpace(line)
		if len(line) > 0 {
			return line, nil
		}
		if err != nil {
			return nil, err
		}
	}
}

func (c *streamConn) Recv() (proto.Message, error) {
	line, err := c.readLine()
	if err != nil {
		return nil, err
	}
	return proto.Decode(line)
}

func (c *streamConn) Writable() bool { return !c.closed.Load() }

func (c *streamConn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.s.Close()
}

func (c *streamConn) sendHello(h proto.Hello) error {
	b, err := json.Marshal(h)
	if err != nil {
		return err
	}
	return c.writeLine(b)
}

// readHello reads the remote's hello. The peer ID always comes from the
// authenticated stream, never from the payload.
func (c *streamConn) readHello() error {
	_ = c.s.SetReadDeadline(time.Now().Add(util.HandshakeTimeout))
	defer c.s.SetReadDeadline(time.Time{})
	line, err := c.readLine()
	if err != nil {
		return fmt.Errorf("read hello: %w", err)
	}
	var h proto.Hello
	if err := json.Unmarshal(line, &h); err != nil {
		return fmt.Errorf("%w: hello: %v", proto.ErrMalformed, err)
	}
	h.PeerID = c.remote
	if strings.TrimSpace(h.Name) == "" {
		h.Name = c.remote
	}
	c.hello = h
	return nil
}

func (n *Node) handleSync(s network.Stream) {
	c := newStreamConn(s)
	if err := c.readHello(); err != nil {
		log.Warnf("sync stream from %s: %v", c.remote, err)
		_ = s.Reset()
		return
	}
	if err := c.sendHello(proto.Hello{Name: n.Label(), PeerID: n.ID()}); err != nil {
		log.Warnf("hello to %s: %v", c.remote, err)
		_ = s.Reset()
		return
	}
	select {
	case n.incoming <- c:
	default:
		log.Warnf("dropping sync stream from %s, session is not accepting", c.remote)
		_ = s.Reset()
	}
}

// Incoming yields channels opened by remote peers.
func (n *Node) Incoming() <-chan session.Conn { return n.incoming }

// Open dials target, which is a peer ID or a multiaddr ending in /p2p/<id>,
// and exchanges hellos.
func (n *Node) Open(ctx context.Context, target string, hello proto.Hello) (session.Conn, error) {
	pid, err := n.resolve(target)
	if err != nil {
		return nil, err
	}
	if pid == n.Host.ID() {
		return nil, session.ErrSelfConnect
	}

	if n.Host.Network().Connectedness(pid) != network.Connected {
		cctx, cancel := context.WithTimeout(ctx, util.DefaultConnectTimeout)
		err := n.Host.Connect(cctx, peer.AddrInfo{ID: pid})
		cancel()
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", pid, err)
		}
	}

	s, err := n.Host.NewStream(ctx, pid, protocol.ID(proto.SyncProtoID))
	if err != nil {
		return nil, fmt.Errorf("open sync stream: %w", err)
	}
	c := newStreamConn(s)
	hello.PeerID = n.ID()
	if err := c.sendHello(hello); err != nil {
		_ = s.Reset()
		return nil, err
	}
	if err := c.readHello(); err != nil {
		_ = s.Reset()
		return nil, err
	}
	return c, nil
}

var errBadTarget = errors.New("not a peer ID or /p2p/ multiaddr")

// resolve turns a connect target into a peer ID, learning addresses from a
// multiaddr or from the peer cache along the way.
func (n *Node) resolve(target string) (peer.ID, error) {
	target = strings.TrimSpace(target)
	if strings.HasPrefix(target, "/") {
		addr, err := ma.NewMultiaddr(target)
		if err != nil {
			return "", fmt.Errorf("%w: %v", errBadTarget, err)
		}
		info, err := peer.AddrInfoFromP2pAddr(addr)
		if err != nil {
			return "", fmt.Errorf("%w: %v", errBadTarget, err)
		}
		n.Host.Peerstore().AddAddrs(info.ID, info.Addrs, 10*time.Minute)
		return info.ID, nil
	}

	pid, err := peer.Decode(target)
	if err != nil {
		return "", fmt.Errorf("%w: %v", errBadTarget, err)
	}
	if len(n.Host.Peerstore().Addrs(pid)) == 0 && n.cache != nil {
		if cp, ok := n.cache.GetCachedPeer(pid.String()); ok {
			n.addPeerAddrs(cp.PeerID, cp.Addrs)
		}
	}
	return pid, nil
}
