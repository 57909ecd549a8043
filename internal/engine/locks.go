package engine

import "time"

// LockKind names what remote command is being applied to the device.
type LockKind int

const (
	LockChange LockKind = iota
	LockPlayPause
	LockSeek
	LockSkip
	numLocks
)

func (k LockKind) String() string {
	switch k {
	case LockChange:
		return "change"
	case LockPlayPause:
		return "play_pause"
	case LockSeek:
		return "seek"
	case LockSkip:
		return "skip"
	default:
		return "unknown"
	}
}

// LockView is one lock as shown to observers.
type LockView struct {
	Kind     string    `json:"kind"`
	Held     bool      `json:"held"`
	Deadline time.Time `json:"deadline"`
}

type slot struct {
	held     bool
	deadline time.Time
	timer    uint64
}

// Locks is the per-kind state machine Idle -> ApplyingRemote(deadline) -> Idle.
// While a kind is held the matching local event is not broadcast. Every hold
// is released by the wheel at its deadline even if nothing else clears it.
type Locks struct {
	wheel *Wheel
	slots [numLocks]slot
}

func NewLocks(w *Wheel) *Locks { return &Locks{wheel: w} }

// Hold (re)arms kind to expire d after now. The returned id names this hold
// for ReleaseHold.
func (l *Locks) Hold(kind LockKind, now time.Time, d time.Duration) uint64 {
	s := &l.slots[kind]
	if s.held {
		l.wheel.Cancel(s.timer)
	}
	s.held = true
	s.deadline = now.Add(d)
	s.timer = l.wheel.Schedule(s.deadline, func() {
		log.Debugf("lock %s expired", kind)
		l.clear(kind)
	})
	return s.timer
}

// Release returns kind to idle ahead of its deadline.
func (l *Locks) Release(kind LockKind) {
	s := &l.slots[kind]
	if !s.held {
		return
	}
	l.wheel.Cancel(s.timer)
	l.clear(kind)
}

// ReleaseHold releases kind only if id is still its current hold. A hold
// re-armed since then belongs to a newer command and is left alone.
func (l *Locks) ReleaseHold(kind LockKind, id uint64) {
	if s := l.slots[kind]; s.held && s.timer == id {
		l.Release(kind)
	}
}

func (l *Locks) ReleaseAll() {
	for k := LockKind(0); k < numLocks; k++ {
		l.Release(k)
	}
}

func (l *Locks) clear(kind LockKind) {
	l.slots[kind] = slot{}
}

func (l *Locks) Held(kind LockKind) bool { return l.slots[kind].held }

// Any reports whether some remote command is still being applied.
func (l *Locks) Any() bool {
	for _, s := range l.slots {
		if s.held {
			return true
		}
	}
	return false
}

func (l *Locks) Snapshot() []LockView {
	out := make([]LockView, 0, numLocks)
	for k := LockKind(0); k < numLocks; k++ {
		s := l.slots[k]
		out = append(out, LockView{Kind: k.String(), Held: s.held, Deadline: s.deadline})
	}
	return out
}

// ControlToken is a soft hint of who last drove playback. It only breaks
// ties in the end-of-item race.
type ControlToken struct {
	LastControlPeer  string `json:"last_control_peer"`
	HasLocalPriority bool   `json:"has_local_priority"`
}
