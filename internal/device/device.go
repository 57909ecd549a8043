// Package device holds the playback collaborators the sync engine drives:
// a clock-driven simulator and an adapter for an MPD server.
package device

import (
	"errors"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/together/internal/proto"
)

var log = logging.Logger("together/device")

var (
	ErrNoItem      = errors.New("no item loaded")
	ErrUnknownItem = errors.New("unknown item")
)

type EventKind int

const (
	ItemChanged EventKind = iota + 1
	PlayPauseChanged
	Progress
)

func (k EventKind) String() string {
	switch k {
	case ItemChanged:
		return "item_changed"
	case PlayPauseChanged:
		return "play_pause_changed"
	case Progress:
		return "progress"
	default:
		return "unknown"
	}
}

// Event is raised by a device whenever its state moves, whether the user
// or the engine caused it.
type Event struct {
	Kind      EventKind
	Item      proto.Track
	IsPlaying bool
	Position  int64
}

// Device is a local player. Positions are in milliseconds and volume is
// 0..100. Implementations must be safe for concurrent use.
type Device interface {
	Progress() int64
	IsPlaying() bool
	Current() (proto.Track, bool)

	Play() error
	Pause() error
	Seek(ms int64) error
	LoadAndPlay(uri string, startMs int64) error
	Next() error
	Back() error

	Volume() int
	SetVolume(v int) error

	Events() <-chan Event
	Close() error
}
