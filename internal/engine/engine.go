// Package engine is the sync control loop. It turns local device events into
// broadcasts and applies remote commands to the device, using per-kind locks
// so that the events a remote command causes are not sent back out.
//
// Engine methods are not safe for concurrent use; Loop serializes them.
package engine

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/together/internal/config"
	"github.com/petervdpas/together/internal/device"
	"github.com/petervdpas/together/internal/proto"
	"github.com/petervdpas/together/internal/queue"
	"github.com/petervdpas/together/internal/session"
	"github.com/petervdpas/together/internal/telemetry"
	"github.com/petervdpas/together/internal/util"
)

var log = logging.Logger("together/engine")

var ErrEmptyChat = errors.New("chat message is empty")

// maxTransit bounds the latency compensation applied to play_pause. Larger
// gaps are clock skew between peers, not transit time.
const maxTransit = 5000

// Session is the part of the session manager the engine talks to.
type Session interface {
	SelfID() string
	Paired() bool
	Broadcast(proto.Message) int
	SendTo(remote string, msg proto.Message) error
	MemberName(remote string) string
	Notify(sev session.Severity, format string, args ...any)
	Publish(topic string)
}

// PlaybackState is a track plus where it was at UpdatedAt.
type PlaybackState struct {
	Track     proto.Track `json:"track"`
	Position  int64       `json:"position"`
	IsPlaying bool        `json:"is_playing"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// PositionAt extrapolates the position to now.
func (p PlaybackState) PositionAt(now time.Time) int64 {
	pos := p.Position
	if p.IsPlaying && !p.UpdatedAt.IsZero() {
		pos += now.Sub(p.UpdatedAt).Milliseconds()
	}
	if d := p.Track.Duration; d > 0 && pos > d {
		pos = d
	}
	return pos
}

// Status is a snapshot for presentation layers.
type Status struct {
	Device PlaybackState `json:"device"`
	Shared PlaybackState `json:"shared"`
	Token  ControlToken  `json:"token"`
	Locks  []LockView    `json:"locks"`
	Volume int           `json:"volume"`
}

type Engine struct {
	dev   device.Device
	sess  Session
	queue *queue.Queue
	clock clock.Clock
	cfg   config.Sync

	wheel *Wheel
	locks *Locks
	token ControlToken

	// shared is the last state this peer broadcast or accepted from a peer.
	shared PlaybackState
	// obs is what the device last reported.
	obs PlaybackState

	lastTrackSent time.Time
	driftPending  bool
	advanceTask   uint64
	trailTask     uint64

	// pending is the remote load still being confirmed, if any.
	pending pendingLoad
}

// New wires an engine to its collaborators and registers it as the queue's
// player.
func New(dev device.Device, sess Session, q *queue.Queue, clk clock.Clock, cfg config.Sync) *Engine {
	w := &Wheel{}
	e := &Engine{
		dev:   dev,
		sess:  sess,
		queue: q,
		clock: clk,
		cfg:   cfg,
		wheel: w,
		locks: NewLocks(w),
	}
	q.SetPlayer(e)
	return e
}

// SetConfig swaps the tunables. Holds already armed keep their deadlines.
func (e *Engine) SetConfig(cfg config.Sync) { e.cfg = cfg }

func (e *Engine) Config() config.Sync { return e.cfg }

// Advance runs the timers that are due.
func (e *Engine) Advance() int { return e.wheel.RunDue(e.clock.Now()) }

// NextDeadline is when Advance next has work, if ever.
func (e *Engine) NextDeadline() (time.Time, bool) { return e.wheel.Next() }

func (e *Engine) Token() ControlToken { return e.token }

func (e *Engine) Locks() *Locks { return e.locks }

func (e *Engine) Shared() PlaybackState { return e.shared }

func (e *Engine) Queue() *queue.Queue { return e.queue }

func (e *Engine) now() time.Time { return e.clock.Now() }

func (e *Engine) after(ms int, fn func()) uint64 {
	return e.wheel.Schedule(e.now().Add(config.Ms(ms)), fn)
}

func (e *Engine) hold(kind LockKind, ms int) uint64 {
	id := e.locks.Hold(kind, e.now(), config.Ms(ms))
	telemetry.RemoteLocks.WithLabelValues(kind.String()).Inc()
	return id
}

func (e *Engine) self() string { return e.sess.SelfID() }

func (e *Engine) suppressed(reason string, kind proto.Kind) {
	telemetry.BroadcastsSuppressed.WithLabelValues(reason).Inc()
	log.Debugf("not broadcasting %s: %s", kind, reason)
}

func (e *Engine) drive(what string, err error) {
	if err != nil {
		log.Warnf("device %s: %v", what, err)
	}
}

// Status reads the device and engine state.
func (e *Engine) Status() Status {
	now := e.now()
	st := Status{
		Shared: e.shared,
		Token:  e.token,
		Locks:  e.locks.Snapshot(),
		Volume: e.dev.Volume(),
	}
	if cur, ok := e.dev.Current(); ok {
		st.Device = PlaybackState{Track: cur, Position: e.dev.Progress(), IsPlaying: e.dev.IsPlaying(), UpdatedAt: now}
	}
	st.Shared.Position = e.shared.PositionAt(now)
	st.Shared.UpdatedAt = now
	return st
}

// ── local device events ──────────────────────────────────────────────────────

func (e *Engine) HandleDevice(ev device.Event) {
	switch ev.Kind {
	case device.ItemChanged:
		e.onItemChanged(ev)
	case device.PlayPauseChanged:
		e.onPlayPauseChanged(ev)
	case device.Progress:
		e.observe(ev)
		e.checkDrift()
	}
	e.sess.Publish(session.TopicPlayback)
}

func (e *Engine) observe(ev device.Event) {
	e.obs = PlaybackState{Track: ev.Item, Position: ev.Position, IsPlaying: ev.IsPlaying, UpdatedAt: e.now()}
}

func (e *Engine) onItemChanged(ev device.Event) {
	now := e.now()
	prev := e.obs
	e.observe(ev)

	if e.locks.Held(LockChange) || e.locks.Held(LockSkip) {
		e.suppressed("lock", proto.KindTrackChange)
		return
	}
	if !e.sess.Paired() {
		return
	}

	nearEnd := !prev.Track.IsZero() && prev.Track.Duration > 0 &&
		prev.Track.Duration-prev.PositionAt(now) < int64(e.cfg.NearEndMs)
	if nearEnd && !e.token.HasLocalPriority {
		log.Debugf("%s ended naturally, waiting for the peer with priority", prev.Track)
		e.deferAdvance()
		return
	}
	if nearEnd && e.queue.Len() > 0 {
		// The queued item raises its own change.
		_, err := e.queue.PlayNext()
		if err == nil {
			return
		}
		log.Warnf("auto-advance from queue: %v", err)
	}
	e.broadcastTrackChange()
}

// deferAdvance waits out the auto-advance window and only speaks up if
// nobody else has announced what comes next.
func (e *Engine) deferAdvance() {
	e.cancelAdvance()
	e.advanceTask = e.after(e.cfg.AutoAdvanceWindowMs, func() {
		e.advanceTask = 0
		cur, ok := e.dev.Current()
		if !ok {
			return
		}
		if cur.URI == e.shared.Track.URI {
			e.suppressed("deferred", proto.KindTrackChange)
			return
		}
		if e.locks.Held(LockChange) || e.locks.Held(LockSkip) {
			e.suppressed("lock", proto.KindTrackChange)
			return
		}
		e.broadcastTrackChange()
	})
}

func (e *Engine) cancelAdvance() {
	if e.advanceTask != 0 {
		e.wheel.Cancel(e.advanceTask)
		e.advanceTask = 0
	}
}

// broadcastTrackChange announces the device's current item unless another
// announcement went out within the debounce interval. A debounced change is
// looked at again once the interval is over.
func (e *Engine) broadcastTrackChange() bool {
	now := e.now()
	if !e.lastTrackSent.IsZero() && now.Sub(e.lastTrackSent) < config.Ms(e.cfg.DebounceMs) {
		e.suppressed("debounce", proto.KindTrackChange)
		e.trailTrackChange()
		return false
	}
	cur, ok := e.dev.Current()
	if !ok {
		return false
	}
	e.cancelAdvance()
	pos, playing := e.dev.Progress(), e.dev.IsPlaying()
	e.sess.Broadcast(proto.TrackChange{
		Track:       cur,
		Position:    pos,
		IsPlaying:   playing,
		Timestamp:   now.UnixMilli(),
		ControlPeer: e.self(),
	})
	e.lastTrackSent = now
	e.token = ControlToken{LastControlPeer: e.self(), HasLocalPriority: true}
	e.shared = PlaybackState{Track: cur, Position: pos, IsPlaying: playing, UpdatedAt: now}
	log.Infow("track_change sent", "uri", cur.URI, "position", pos, "playing", playing)
	e.sess.Notify(session.SeverityInfo, "Changed to %s", cur)
	return true
}

// trailTrackChange sends the item the device settled on after a debounced
// change, unless it is already the shared one.
func (e *Engine) trailTrackChange() {
	if e.trailTask != 0 {
		return
	}
	at := e.lastTrackSent.Add(config.Ms(e.cfg.DebounceMs))
	e.trailTask = e.wheel.Schedule(at, func() {
		e.trailTask = 0
		if !e.sess.Paired() || e.locks.Held(LockChange) || e.locks.Held(LockSkip) {
			return
		}
		cur, ok := e.dev.Current()
		if !ok || cur.URI == e.shared.Track.URI {
			return
		}
		e.broadcastTrackChange()
	})
}

func (e *Engine) onPlayPauseChanged(ev device.Event) {
	e.observe(ev)
	if e.locks.Held(LockPlayPause) || e.locks.Held(LockChange) {
		e.suppressed("lock", proto.KindPlayPause)
		return
	}
	if !e.sess.Paired() {
		return
	}
	now := e.now()
	e.sess.Broadcast(proto.PlayPause{IsPlaying: ev.IsPlaying, Timestamp: now.UnixMilli(), Position: ev.Position})
	e.shared.IsPlaying = ev.IsPlaying
	e.shared.Position = ev.Position
	e.shared.UpdatedAt = now
	if ev.IsPlaying {
		e.sess.Notify(session.SeverityInfo, "Playing for everyone")
	} else {
		e.sess.Notify(session.SeverityInfo, "Paused for everyone")
	}
}

// Poll samples the device and looks for position drift.
func (e *Engine) Poll() {
	cur, ok := e.dev.Current()
	if !ok {
		return
	}
	e.obs = PlaybackState{Track: cur, Position: e.dev.Progress(), IsPlaying: e.dev.IsPlaying(), UpdatedAt: e.now()}
	e.checkDrift()
}

// checkDrift compares the device position against the shared one and, if
// they still disagree after a short confirmation delay, broadcasts a seek.
func (e *Engine) checkDrift() {
	if e.driftPending || e.locks.Any() || !e.sess.Paired() {
		return
	}
	if !e.drifted() {
		return
	}
	e.driftPending = true
	e.after(e.cfg.DriftConfirmMs, func() {
		e.driftPending = false
		if e.locks.Any() || !e.drifted() {
			return
		}
		now := e.now()
		pos := e.dev.Progress()
		e.sess.Broadcast(proto.Seek{Position: pos, Timestamp: now.UnixMilli()})
		e.shared.Position = pos
		e.shared.IsPlaying = e.dev.IsPlaying()
		e.shared.UpdatedAt = now
		log.Infow("seek sent", "position", pos)
	})
}

func (e *Engine) drifted() bool {
	cur, ok := e.dev.Current()
	if !ok || cur.URI != e.shared.Track.URI {
		return false
	}
	return util.AbsDiff(e.dev.Progress(), e.shared.PositionAt(e.now())) > int64(e.cfg.DriftThresholdMs)
}

// ── local commands ───────────────────────────────────────────────────────────

// Play and Pause only drive the device; the device event is what gets
// broadcast.
func (e *Engine) Play() error  { return e.dev.Play() }
func (e *Engine) Pause() error { return e.dev.Pause() }

func (e *Engine) Toggle() error {
	if e.dev.IsPlaying() {
		return e.dev.Pause()
	}
	return e.dev.Play()
}

// SeekTo moves the device and tells everyone.
func (e *Engine) SeekTo(ms int64) error {
	if err := e.dev.Seek(ms); err != nil {
		return fmt.Errorf("seek: %w", err)
	}
	now := e.now()
	pos := e.dev.Progress()
	e.shared.Position, e.shared.IsPlaying, e.shared.UpdatedAt = pos, e.dev.IsPlaying(), now
	if e.sess.Paired() {
		e.sess.Broadcast(proto.Seek{Position: pos, Timestamp: now.UnixMilli()})
		e.sess.Notify(session.SeverityInfo, "Moved position for everyone")
	}
	return nil
}

// Skip moves the device to the next or previous item. It is always
// broadcast, whatever locks are held.
func (e *Engine) Skip(next bool) error {
	var err error
	if next {
		err = e.dev.Next()
	} else {
		err = e.dev.Back()
	}
	if err != nil {
		return fmt.Errorf("skip: %w", err)
	}
	e.cancelAdvance()
	e.token = ControlToken{LastControlPeer: e.self(), HasLocalPriority: true}
	if !e.sess.Paired() {
		return nil
	}
	ts := e.now().UnixMilli()
	if next {
		e.sess.Broadcast(proto.SkipNext{Timestamp: ts, ControlPeer: e.self()})
	} else {
		e.sess.Broadcast(proto.SkipPrevious{Timestamp: ts, ControlPeer: e.self()})
	}
	return nil
}

// PlayTrack starts t on this device. This peer becomes the source of truth
// for what follows it.
func (e *Engine) PlayTrack(t proto.Track) error {
	e.supersedeLoad()
	if err := e.dev.LoadAndPlay(t.URI, 0); err != nil {
		return fmt.Errorf("play %s: %w", t.URI, err)
	}
	e.token = ControlToken{LastControlPeer: e.self(), HasLocalPriority: true}
	return nil
}

// PlayItem lets the queue start its head on this device.
func (e *Engine) PlayItem(t proto.Track) error { return e.PlayTrack(t) }

// SetVolume is local only.
func (e *Engine) SetVolume(v int) error {
	if err := e.dev.SetVolume(v); err != nil {
		return err
	}
	e.sess.Publish(session.TopicPlayback)
	return nil
}

func (e *Engine) Chat(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyChat
	}
	e.sess.Broadcast(proto.ChatMessage{Text: text})
	e.sess.Notify(session.SeverityChat, "You: %s", text)
	return nil
}
