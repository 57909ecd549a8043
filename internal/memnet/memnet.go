// Package memnet is an in-process Transport. Channels deliver encoded
// frames in order through unbounded pipes, so peers wired through it
// exercise the same codec as the libp2p transport.
package memnet

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/petervdpas/together/internal/proto"
	"github.com/petervdpas/together/internal/session"
)

var (
	ErrUnreachable = errors.New("memnet: peer unreachable")
	ErrClosed      = errors.New("memnet: channel closed")
)

// Network is a registry of endpoints that can reach each other.
type Network struct {
	mu        sync.Mutex
	endpoints map[string]*Endpoint
}

func NewNetwork() *Network {
	return &Network{endpoints: make(map[string]*Endpoint)}
}

// Endpoint is one peer's Transport on the network.
type Endpoint struct {
	net      *Network
	id       string
	name     string
	incoming chan session.Conn
	closed   atomic.Bool
}

var _ session.Transport = (*Endpoint)(nil)

// Join registers id on the network. name is returned to dialers as the
// endpoint's hello metadata.
func (n *Network) Join(id, name string) *Endpoint {
	e := &Endpoint{net: n, id: id, name: name, incoming: make(chan session.Conn, 16)}
	n.mu.Lock()
	n.endpoints[id] = e
	n.mu.Unlock()
	return e
}

func (n *Network) lookup(id string) *Endpoint {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.endpoints[id]
}

func (e *Endpoint) SelfID() string { return e.id }

func (e *Endpoint) Incoming() <-chan session.Conn { return e.incoming }

func (e *Endpoint) Open(ctx context.Context, remoteID string, hello proto.Hello) (session.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	remote := e.net.lookup(remoteID)
	if remote == nil || remote.closed.Load() {
		return nil, fmt.Errorf("%w: %s", ErrUnreachable, remoteID)
	}

	ab, ba := newPipe(), newPipe()
	local := &Conn{remote: remoteID, hello: proto.Hello{Name: remote.name, PeerID: remoteID}, in: ba, out: ab}
	peer := &Conn{remote: e.id, hello: hello, in: ab, out: ba}
	local.writable.Store(true)
	peer.writable.Store(true)
	local.peer, peer.peer = peer, local

	select {
	case remote.incoming <- peer:
		return local, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close leaves the network; later dials to this endpoint fail.
func (e *Endpoint) Close() error {
	if e.closed.Swap(true) {
		return nil
	}
	e.net.mu.Lock()
	if e.net.endpoints[e.id] == e {
		delete(e.net.endpoints, e.id)
	}
	e.net.mu.Unlock()
	return nil
}

// Conn is one side of an in-process channel.
type Conn struct {
	remote   string
	hello    proto.Hello
	in, out  *pipe
	peer     *Conn
	writable atomic.Bool
}

var _ session.Conn = (*Conn)(nil)

func (c *Conn) RemoteID() string { return c.remote }

func (c *Conn) Hello() proto.Hello { return c.hello }

func (c *Conn) Send(m proto.Message) error {
	b, err := proto.Encode(m)
	if err != nil {
		return err
	}
	return c.out.push(b)
}

// SendRaw writes an arbitrary frame, bypassing the encoder.
func (c *Conn) SendRaw(b []byte) error {
	return c.out.push(append([]byte(nil), b...))
}

func (c *Conn) Recv() (proto.Message, error) {
	b, err := c.in.pop()
	if err != nil {
		return nil, err
	}
	return proto.Decode(b)
}

func (c *Conn) Writable() bool { return c.writable.Load() && !c.out.isClosed() }

// SetWritable simulates a channel that is open but temporarily unwritable.
func (c *Conn) SetWritable(v bool) { c.writable.Store(v) }

// Close tears down both directions; the remote side sees io.EOF.
func (c *Conn) Close() error {
	c.in.close()
	c.out.close()
	return nil
}

type pipe struct {
	mu     sync.Mutex
	cond   *sync.Cond
	frames [][]byte
	closed bool
}

func newPipe() *pipe {
	p := &pipe{}
	p.cond = sync.NewCond(&p.mu)
	return p
}

func (p *pipe) push(b []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	p.frames = append(p.frames, b)
	p.cond.Signal()
	return nil
}

func (p *pipe) pop() ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.frames) == 0 && !p.closed {
		p.cond.Wait()
	}
	if len(p.frames) == 0 {
		return nil, io.EOF
	}
	b := p.frames[0]
	p.frames = p.frames[1:]
	return b, nil
}

func (p *pipe) close() {
	p.mu.Lock()
	p.closed = true
	p.cond.Broadcast()
	p.mu.Unlock()
}

func (p *pipe) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
