package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/petervdpas/together/internal/proto"
)

var (
	ErrSelfConnect  = errors.New("cannot connect to own identity")
	ErrUnknownPeer  = errors.New("no open channel to peer")
	ErrNotConnected = errors.New("not connected")
)

// Conn is one open channel to a remote peer. Send must be safe for
// concurrent use; Recv is only called from the channel's read loop.
type Conn interface {
	RemoteID() string
	// Hello is the metadata the remote sent when the channel opened.
	Hello() proto.Hello
	Send(proto.Message) error
	// Recv blocks for the next frame. Errors wrapping proto.ErrMalformed
	// leave the channel usable; any other error means it is gone.
	Recv() (proto.Message, error)
	Writable() bool
	Close() error
}

// Transport opens and accepts channels. Delivery is in order per channel.
type Transport interface {
	SelfID() string
	Open(ctx context.Context, remoteID string, hello proto.Hello) (Conn, error)
	Incoming() <-chan Conn
}

// Sink receives roster and message events. The engine implements it.
type Sink interface {
	Opened(remote string, incoming bool)
	Received(remote string, msg proto.Message)
	Closed(remote string)
}

// ConnectionError reports a failed open or send on one channel. It never
// affects other channels.
type ConnectionError struct {
	Remote string
	Err    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection to %s: %v", e.Remote, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }
