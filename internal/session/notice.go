package session

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/petervdpas/together/internal/util"
)

type Severity string

const (
	SeverityInfo    Severity = "info"
	SeveritySuccess Severity = "success"
	SeverityError   Severity = "error"
	SeverityChat    Severity = "chat"
)

// Notice is a transient message for whoever is watching the session.
type Notice struct {
	ID       string    `json:"id"`
	Message  string    `json:"message"`
	Severity Severity  `json:"severity"`
	At       time.Time `json:"at"`
}

// Feed keeps recent notices; Active hides those older than the TTL.
type Feed struct {
	clock clock.Clock
	ttl   atomic.Int64
	buf   *util.RingBuffer[Notice]
}

func NewFeed(clk clock.Clock, ttl time.Duration) *Feed {
	f := &Feed{clock: clk, buf: util.NewRingBuffer[Notice](32)}
	f.ttl.Store(int64(ttl))
	return f
}

func (f *Feed) Post(sev Severity, format string, args ...any) Notice {
	n := Notice{
		ID:       uuid.NewString(),
		Message:  fmt.Sprintf(format, args...),
		Severity: sev,
		At:       f.clock.Now(),
	}
	f.buf.Push(n)
	return n
}

// Active returns notices younger than the TTL, oldest first.
func (f *Feed) Active() []Notice {
	cutoff := f.clock.Now().Add(-time.Duration(f.ttl.Load()))
	return f.buf.Filter(func(n Notice) bool { return n.At.After(cutoff) })
}

func (f *Feed) SetTTL(ttl time.Duration) {
	f.ttl.Store(int64(ttl))
}
