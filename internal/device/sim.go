package device

import (
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/petervdpas/together/internal/proto"
)

// DemoLibrary seeds a simulator when no library directory is configured.
var DemoLibrary = []proto.Track{
	{URI: "sim:track:tide", Name: "Low Tide", Artist: "Harbor Lights", Album: "Coastline", Duration: 214000},
	{URI: "sim:track:static", Name: "Static Bloom", Artist: "Vela", Album: "Antenna", Duration: 187000},
	{URI: "sim:track:paper", Name: "Paper Planes at Noon", Artist: "The Lindens", Album: "Overcast", Duration: 242000},
	{URI: "sim:track:ember", Name: "Ember", Artist: "North Atlas", Album: "Ember", Duration: 201000},
	{URI: "sim:track:glass", Name: "Glasshouse", Artist: "Mira Sol", Album: "Greenroom", Duration: 176000},
}

// Sim is an in-memory player. Position follows the clock while playing and
// the item advances along the context list when it runs out.
type Sim struct {
	clock  clock.Clock
	events chan Event

	mu      sync.Mutex
	library map[string]proto.Track
	context []string
	idx     int
	playing bool
	basePos int64
	baseAt  time.Time
	volume  int
	reject  map[string]bool
	endT    *clock.Timer
	closed  bool
}

func NewSim(clk clock.Clock, library []proto.Track) *Sim {
	s := &Sim{
		clock:   clk,
		events:  make(chan Event, 64),
		library: make(map[string]proto.Track, len(library)),
		idx:     -1,
		volume:  80,
		reject:  make(map[string]bool),
	}
	for _, t := range library {
		s.library[t.URI] = t
		s.context = append(s.context, t.URI)
	}
	return s
}

// Reject makes LoadAndPlay fail for uri until Allow is called.
func (s *Sim) Reject(uri string) {
	s.mu.Lock()
	s.reject[uri] = true
	s.mu.Unlock()
}

func (s *Sim) Allow(uri string) {
	s.mu.Lock()
	delete(s.reject, uri)
	s.mu.Unlock()
}

// Library lists the known items in context order.
func (s *Sim) Library() []proto.Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]proto.Track, 0, len(s.context))
	for _, uri := range s.context {
		out = append(out, s.library[uri])
	}
	return out
}

func (s *Sim) Events() <-chan Event { return s.events }

func (s *Sim) Progress() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.positionLocked()
}

func (s *Sim) IsPlaying() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playing
}

func (s *Sim) Current() (proto.Track, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.idx < 0 {
		return proto.Track{}, false
	}
	return s.library[s.context[s.idx]], true
}

func (s *Sim) Play() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.idx < 0 {
		return ErrNoItem
	}
	if s.playing {
		return nil
	}
	s.basePos, s.baseAt = s.positionLocked(), s.clock.Now()
	s.playing = true
	s.armEndLocked()
	s.emitLocked(PlayPauseChanged)
	return nil
}

func (s *Sim) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.idx < 0 {
		return ErrNoItem
	}
	if !s.playing {
		return nil
	}
	s.basePos, s.baseAt = s.positionLocked(), s.clock.Now()
	s.playing = false
	s.stopEndLocked()
	s.emitLocked(PlayPauseChanged)
	return nil
}

func (s *Sim) Seek(ms int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.idx < 0 {
		return ErrNoItem
	}
	d := s.library[s.context[s.idx]].Duration
	if ms < 0 {
		ms = 0
	}
	if d > 0 && ms > d {
		ms = d
	}
	s.basePos, s.baseAt = ms, s.clock.Now()
	s.armEndLocked()
	s.emitLocked(Progress)
	return nil
}

func (s *Sim) LoadAndPlay(uri string, startMs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reject[uri] {
		return fmt.Errorf("load %s: %w", uri, ErrUnknownItem)
	}
	if _, ok := s.library[uri]; !ok {
		return fmt.Errorf("load %s: %w", uri, ErrUnknownItem)
	}
	i := s.indexLocked(uri)
	if i < 0 {
		s.context = append(s.context, uri)
		i = len(s.context) - 1
	}
	s.jumpLocked(i, startMs, true)
	return nil
}

func (s *Sim) Next() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.idx+1 >= len(s.context) {
		return ErrNoItem
	}
	s.jumpLocked(s.idx+1, 0, s.playing || s.idx < 0)
	return nil
}

// Back restarts the item when it is past three seconds, otherwise it goes
// to the previous one.
func (s *Sim) Back() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.idx < 0 {
		return ErrNoItem
	}
	if s.idx == 0 || s.positionLocked() > 3000 {
		s.basePos, s.baseAt = 0, s.clock.Now()
		s.armEndLocked()
		return nil
	}
	s.jumpLocked(s.idx-1, 0, s.playing)
	return nil
}

func (s *Sim) Volume() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.volume
}

func (s *Sim) SetVolume(v int) error {
	if v < 0 || v > 100 {
		return fmt.Errorf("volume %d out of range 0..100", v)
	}
	s.mu.Lock()
	s.volume = v
	s.mu.Unlock()
	return nil
}

func (s *Sim) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.stopEndLocked()
	close(s.events)
	return nil
}

func (s *Sim) jumpLocked(i int, startMs int64, play bool) {
	changed := i != s.idx
	wasPlaying := s.playing
	s.idx = i
	s.basePos, s.baseAt = startMs, s.clock.Now()
	s.playing = play
	s.armEndLocked()
	if changed {
		s.emitLocked(ItemChanged)
	}
	if wasPlaying != play {
		s.emitLocked(PlayPauseChanged)
	}
}

func (s *Sim) positionLocked() int64 {
	if s.idx < 0 {
		return 0
	}
	pos := s.basePos
	if s.playing {
		pos += s.clock.Since(s.baseAt).Milliseconds()
	}
	if d := s.library[s.context[s.idx]].Duration; d > 0 && pos > d {
		pos = d
	}
	return pos
}

func (s *Sim) indexLocked(uri string) int {
	for i, u := range s.context {
		if u == uri {
			return i
		}
	}
	return -1
}

func (s *Sim) armEndLocked() {
	s.stopEndLocked()
	if !s.playing || s.idx < 0 {
		return
	}
	d := s.library[s.context[s.idx]].Duration
	if d <= 0 {
		return
	}
	left := d - s.positionLocked()
	if left < 0 {
		left = 0
	}
	s.endT = s.clock.AfterFunc(time.Duration(left)*time.Millisecond, s.finish)
}

func (s *Sim) stopEndLocked() {
	if s.endT != nil {
		s.endT.Stop()
		s.endT = nil
	}
}

// finish runs when the current item reaches its end.
func (s *Sim) finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || !s.playing {
		return
	}
	if s.idx+1 < len(s.context) {
		s.jumpLocked(s.idx+1, 0, true)
		return
	}
	s.basePos, s.baseAt = s.positionLocked(), s.clock.Now()
	s.playing = false
	s.emitLocked(PlayPauseChanged)
}

func (s *Sim) emitLocked(kind EventKind) {
	if s.closed {
		return
	}
	ev := Event{Kind: kind, IsPlaying: s.playing, Position: s.positionLocked()}
	if s.idx >= 0 {
		ev.Item = s.library[s.context[s.idx]]
	}
	select {
	case s.events <- ev:
	default:
		log.Warnf("sim event %s dropped, consumer is behind", kind)
	}
}
