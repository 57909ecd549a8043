package engine

import (
	"fmt"

	"github.com/petervdpas/together/internal/config"
	"github.com/petervdpas/together/internal/proto"
	"github.com/petervdpas/together/internal/session"
	"github.com/petervdpas/together/internal/telemetry"
	"github.com/petervdpas/together/internal/util"
)

// HandleRemote applies a message received from a peer.
func (e *Engine) HandleRemote(from string, msg proto.Message) {
	switch m := msg.(type) {
	case proto.TrackChange:
		e.applyTrackChange(from, m)
	case proto.PlayPause:
		e.applyPlayPause(m)
	case proto.Seek:
		e.applySeek(m)
	case proto.SkipNext:
		e.applySkip(from, m.ControlPeer, true)
	case proto.SkipPrevious:
		e.applySkip(from, m.ControlPeer, false)
	case proto.InitialState:
		e.applyInitialState(from, m)
	case proto.PlayerState:
		e.applyPlayerState(m)
	case proto.ChatMessage:
		e.sess.Notify(session.SeverityChat, "%s: %s", e.sess.MemberName(from), m.Text)
	case proto.QueueAdd, proto.QueueRemove, proto.QueueMove, proto.QueueClear,
		proto.QueueSync, proto.QueuePlayNext:
		e.queue.Apply(from, msg)
	case proto.Unknown:
		log.Debugf("ignoring %q from %s", m.Type, from)
		telemetry.MessagesDropped.WithLabelValues("unknown").Inc()
		return
	default:
		log.Warnf("unhandled message %T from %s", msg, from)
		return
	}
	e.sess.Publish(session.TopicPlayback)
}

func (e *Engine) applyTrackChange(from string, m proto.TrackChange) {
	e.supersedeLoad()
	hold := e.hold(LockChange, e.cfg.LockChangeMs)

	peer := m.ControlPeer
	if peer == "" {
		peer = from
	}
	e.token = ControlToken{LastControlPeer: peer, HasLocalPriority: peer == e.self()}
	e.cancelAdvance()
	e.shared = PlaybackState{Track: m.Track, Position: m.Position, IsPlaying: m.IsPlaying, UpdatedAt: e.now()}

	cur, ok := e.dev.Current()
	if !ok || cur.URI != m.Track.URI {
		log.Infow("track_change applied", "from", from, "uri", m.Track.URI, "position", m.Position)
		e.sess.Notify(session.SeverityInfo, "%s changed to %s", e.sess.MemberName(from), m.Track)
		e.load(m.Track, []ownedHold{{LockChange, hold}}, 0)
		return
	}

	if e.correct(m.Position, m.IsPlaying) {
		e.sess.Notify(session.SeverityInfo, "Synced position")
	}
	// Same item: only the correction's own events need covering.
	e.locks.Hold(LockChange, e.now(), config.Ms(e.cfg.LockSeekMs))
}

// correct seeks when the device is off by more than the tolerance and fixes
// play/pause. It reports whether it seeked.
func (e *Engine) correct(pos int64, playing bool) bool {
	seeked := false
	if util.AbsDiff(e.dev.Progress(), pos) > int64(e.cfg.SeekToleranceMs) {
		e.drive("seek", e.dev.Seek(pos))
		seeked = true
	}
	e.fixPlayState(playing)
	return seeked
}

func (e *Engine) fixPlayState(playing bool) {
	switch {
	case playing && !e.dev.IsPlaying():
		e.drive("play", e.dev.Play())
	case !playing && e.dev.IsPlaying():
		e.drive("pause", e.dev.Pause())
	}
}

type ownedHold struct {
	kind LockKind
	id   uint64
}

// pendingLoad is a remote load waiting for the device to confirm it: the
// timers still due for it and the holds it releases when it is over.
type pendingLoad struct {
	tasks []uint64
	holds []ownedHold
}

// supersedeLoad retires the pending load before a newer command touches the
// device, so its verification can no longer act on the wrong item.
func (e *Engine) supersedeLoad() {
	for _, id := range e.pending.tasks {
		e.wheel.Cancel(id)
	}
	e.finishLoad()
}

func (e *Engine) finishLoad() {
	for _, h := range e.pending.holds {
		e.locks.ReleaseHold(h.kind, h.id)
	}
	e.pending = pendingLoad{}
}

func (e *Engine) loadAfter(ms int, fn func()) {
	e.pending.tasks = append(e.pending.tasks, e.after(ms, fn))
}

// load starts t on the device at the shared position and confirms it after
// the verify delay. A failed or unconfirmed load is retried once with a
// plain load and an explicit seek. holds are released when the attempt is
// over either way, grace ms later if grace is set.
func (e *Engine) load(t proto.Track, holds []ownedHold, grace int) {
	e.pending.holds = holds
	done := func() {
		if grace <= 0 {
			e.finishLoad()
			return
		}
		e.loadAfter(grace, e.finishLoad)
	}

	pos := e.shared.Position
	if err := e.dev.LoadAndPlay(t.URI, pos); err != nil {
		log.Warnf("load %s: %v, retrying", t.URI, err)
		if err := e.reload(t.URI, pos); err != nil {
			e.loadFailed(t, err)
			done()
			return
		}
	}
	e.loadAfter(e.cfg.LoadVerifyMs/2, func() { e.fixPlayState(e.shared.IsPlaying) })
	e.loadAfter(e.cfg.LoadVerifyMs, func() { e.verifyLoad(t, false, done) })
}

// verifyLoad checks the device against the shared state, which a play_pause
// or seek applied meanwhile has already moved.
func (e *Engine) verifyLoad(t proto.Track, retried bool, done func()) {
	want := e.shared.PositionAt(e.now())

	cur, ok := e.dev.Current()
	if !ok || cur.URI != t.URI {
		if retried {
			e.loadFailed(t, fmt.Errorf("device is on %q", cur.URI))
			done()
			return
		}
		log.Infof("load of %s not confirmed, reloading at %dms", t.URI, want)
		if err := e.reload(t.URI, want); err != nil {
			e.loadFailed(t, err)
			done()
			return
		}
		e.loadAfter(e.cfg.LoadVerifyMs, func() { e.verifyLoad(t, true, done) })
		return
	}

	if util.AbsDiff(e.dev.Progress(), want) > int64(e.cfg.SeekToleranceMs) {
		e.drive("seek", e.dev.Seek(want))
	}
	e.fixPlayState(e.shared.IsPlaying)
	done()
}

func (e *Engine) reload(uri string, pos int64) error {
	if err := e.dev.LoadAndPlay(uri, 0); err != nil {
		return err
	}
	if pos > 0 {
		return e.dev.Seek(pos)
	}
	return nil
}

func (e *Engine) loadFailed(t proto.Track, err error) {
	telemetry.LoadFailures.Inc()
	log.Warnf("giving up on %s: %v", t.URI, err)
	e.sess.Notify(session.SeverityError, "Could not play %s", t)
}

// transit estimates how long a message took to arrive.
func (e *Engine) transit(ts int64) int64 {
	d := e.now().UnixMilli() - ts
	if d < 0 || d > maxTransit {
		return 0
	}
	return d
}

func (e *Engine) applyPlayPause(m proto.PlayPause) {
	e.hold(LockPlayPause, e.cfg.LockPlayPauseMs)

	// Older peers send only the play state.
	if m.Timestamp == 0 {
		e.fixPlayState(m.IsPlaying)
		e.shared.IsPlaying = m.IsPlaying
		e.shared.UpdatedAt = e.now()
		return
	}

	target := m.Position
	if m.IsPlaying {
		target += e.transit(m.Timestamp)
	}
	e.correct(target, m.IsPlaying)
	e.shared.Position, e.shared.IsPlaying, e.shared.UpdatedAt = target, m.IsPlaying, e.now()
}

func (e *Engine) applySeek(m proto.Seek) {
	e.hold(LockSeek, e.cfg.LockSeekMs)
	e.drive("seek", e.dev.Seek(m.Position))
	e.shared.Position, e.shared.UpdatedAt = m.Position, e.now()
}

func (e *Engine) applySkip(from, peer string, next bool) {
	if peer == e.self() {
		return
	}
	if peer == "" {
		peer = from
	}
	e.supersedeLoad()
	e.hold(LockSkip, e.cfg.LockSkipMs)
	if next {
		e.drive("next", e.dev.Next())
	} else {
		e.drive("back", e.dev.Back())
	}
	e.token = ControlToken{LastControlPeer: peer, HasLocalPriority: false}
	e.cancelAdvance()
	if cur, ok := e.dev.Current(); ok {
		e.shared = PlaybackState{Track: cur, IsPlaying: e.dev.IsPlaying(), UpdatedAt: e.now()}
	}
	if next {
		e.sess.Notify(session.SeverityInfo, "%s skipped ahead", e.sess.MemberName(from))
	} else {
		e.sess.Notify(session.SeverityInfo, "%s went back", e.sess.MemberName(from))
	}
}

var joinLocks = []LockKind{LockChange, LockPlayPause, LockSeek}

func (e *Engine) applyInitialState(from string, m proto.InitialState) {
	e.supersedeLoad()
	holds := make([]ownedHold, 0, len(joinLocks))
	for _, k := range joinLocks {
		holds = append(holds, ownedHold{k, e.hold(k, e.cfg.LockChangeMs)})
	}
	if m.Track == nil {
		log.Infof("%s is idle, nothing to load", from)
		for _, h := range holds {
			e.locks.ReleaseHold(h.kind, h.id)
		}
		return
	}

	peer := m.PeerID
	if peer == "" {
		peer = from
	}
	e.token = ControlToken{LastControlPeer: peer, HasLocalPriority: false}
	e.cancelAdvance()
	e.shared = PlaybackState{Track: *m.Track, Position: m.Position, IsPlaying: m.IsPlaying, UpdatedAt: e.now()}
	e.sess.Notify(session.SeverityInfo, "Syncing with %s", m.Track)

	e.load(*m.Track, holds, e.cfg.LockGraceMs)
}

// applyPlayerState handles the periodic snapshot some peers send.
func (e *Engine) applyPlayerState(m proto.PlayerState) {
	if e.locks.Any() {
		return
	}
	e.hold(LockPlayPause, e.cfg.LockPlayPauseMs)
	e.correct(m.Position, m.IsPlaying)
}

// ── roster events ────────────────────────────────────────────────────────────

// PeerOpened schedules the join handshake. Only the accepting side sends
// its state, and only to the peer that joined.
func (e *Engine) PeerOpened(remote string, incoming bool) {
	if !incoming {
		return
	}
	e.after(e.cfg.SettleMs, func() { e.welcome(remote) })
}

func (e *Engine) welcome(remote string) {
	now := e.now()
	msg := proto.InitialState{PeerID: e.self()}
	if cur, ok := e.dev.Current(); ok {
		t := cur
		msg.Track = &t
		msg.Position = e.dev.Progress()
		msg.IsPlaying = e.dev.IsPlaying()
		e.shared = PlaybackState{Track: cur, Position: msg.Position, IsPlaying: msg.IsPlaying, UpdatedAt: now}
	}
	if err := e.sess.SendTo(remote, msg); err != nil {
		log.Warnf("initial_state to %s: %v", remote, err)
		return
	}
	if err := e.queue.SyncTo(remote); err != nil {
		log.Warnf("queue_sync to %s: %v", remote, err)
	}
	log.Infow("welcomed peer", "peer", remote, "playing", msg.Track != nil)
}

func (e *Engine) PeerClosed(remote string) {
	if !e.sess.Paired() {
		e.cancelAdvance()
		log.Debugf("last peer %s left", remote)
	}
	e.sess.Publish(session.TopicPlayback)
}
