package engine

import (
	"context"
	"errors"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/petervdpas/together/internal/config"
	"github.com/petervdpas/together/internal/proto"
)

var ErrStopped = errors.New("engine loop stopped")

// idleWake is how long the loop sleeps when the wheel is empty.
const idleWake = time.Hour

// Loop owns an Engine and runs everything that touches it on one goroutine:
// peer messages, device events, the poll ticker and wheel deadlines.
type Loop struct {
	e    *Engine
	ops  chan func()
	done chan struct{}
}

func NewLoop(e *Engine) *Loop {
	return &Loop{
		e:    e,
		ops:  make(chan func(), 256),
		done: make(chan struct{}),
	}
}

// Run processes events until ctx is done.
func (l *Loop) Run(ctx context.Context) error {
	defer close(l.done)

	e := l.e
	pollMs := e.cfg.PollIntervalMs
	poll := e.clock.Ticker(config.Ms(pollMs))
	defer poll.Stop()
	wake := e.clock.Timer(idleWake)
	defer wake.Stop()
	events := e.dev.Events()

	log.Infof("engine loop started (poll %dms)", pollMs)
	for {
		l.rearm(wake)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case fn := <-l.ops:
			fn()
		case ev, ok := <-events:
			if !ok {
				log.Warnf("device event stream closed")
				events = nil
				continue
			}
			e.HandleDevice(ev)
		case <-poll.C:
			e.Poll()
		case <-wake.C:
		}
		e.Advance()

		if e.cfg.PollIntervalMs != pollMs {
			pollMs = e.cfg.PollIntervalMs
			poll.Reset(config.Ms(pollMs))
		}
	}
}

func (l *Loop) rearm(wake *clock.Timer) {
	d := idleWake
	if at, ok := l.e.NextDeadline(); ok {
		d = at.Sub(l.e.clock.Now())
		if d < 0 {
			d = 0
		}
	}
	wake.Reset(d)
}

func (l *Loop) post(fn func()) {
	select {
	case l.ops <- fn:
	case <-l.done:
	}
}

// Do runs fn on the loop and waits for its result.
func (l *Loop) Do(ctx context.Context, fn func(e *Engine) error) error {
	errc := make(chan error, 1)
	select {
	case l.ops <- func() { errc <- fn(l.e) }:
	case <-l.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-errc:
		return err
	case <-l.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status is a convenience over Do for read-only callers.
func (l *Loop) Status(ctx context.Context) (Status, error) {
	var st Status
	err := l.Do(ctx, func(e *Engine) error {
		st = e.Status()
		return nil
	})
	return st, err
}

// SetConfig applies new tunables on the loop.
func (l *Loop) SetConfig(cfg config.Sync) {
	l.post(func() { l.e.SetConfig(cfg) })
}

// Opened, Received and Closed let the loop act as the session's sink.

func (l *Loop) Opened(remote string, incoming bool) {
	l.post(func() { l.e.PeerOpened(remote, incoming) })
}

func (l *Loop) Received(remote string, msg proto.Message) {
	l.post(func() { l.e.HandleRemote(remote, msg) })
}

func (l *Loop) Closed(remote string) {
	l.post(func() { l.e.PeerClosed(remote) })
}
