package device

import (
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/fhs/gompd/v2/mpd"

	"github.com/petervdpas/together/internal/proto"
)

// stateTTL is how long a status read answers Current, Progress and
// IsPlaying before the next one goes to the server.
const stateTTL = 250 * time.Millisecond

// MPD drives a Music Player Daemon. Every command uses its own short-lived
// connection; state changes arrive through an idle watcher on the player
// subsystem. Reads share one cached status, refreshed by the watcher, by
// every command and at most once per stateTTL otherwise.
type MPD struct {
	network  string
	addr     string
	password string
	clock    clock.Clock
	fetch    func() (mpdState, error)

	watcher *mpd.Watcher
	events  chan Event
	done    chan struct{}
	once    sync.Once

	mu      sync.Mutex
	lastURI string
	lastOn  bool
	cached  mpdState
}

func DialMPD(network, addr, password string) (*MPD, error) {
	d := &MPD{
		network:  network,
		addr:     addr,
		password: password,
		clock:    clock.New(),
		events:   make(chan Event, 64),
		done:     make(chan struct{}),
	}
	d.fetch = d.snapshot
	// Fail fast when the server is not there.
	c, err := d.client()
	if err != nil {
		return nil, err
	}
	c.Close()

	w, err := mpd.NewWatcher(network, addr, password, "player")
	if err != nil {
		return nil, fmt.Errorf("mpd watcher: %w", err)
	}
	d.watcher = w

	if st, err := d.fetch(); err == nil {
		d.lastURI, d.lastOn = st.item.URI, st.playing
		st.at = d.clock.Now()
		d.cached = st
	}
	go d.watch()
	log.Infof("mpd device at %s://%s", network, addr)
	return d, nil
}

func (d *MPD) client() (*mpd.Client, error) {
	var (
		c   *mpd.Client
		err error
	)
	if d.password != "" {
		c, err = mpd.DialAuthenticated(d.network, d.addr, d.password)
	} else {
		c, err = mpd.Dial(d.network, d.addr)
	}
	if err != nil {
		return nil, fmt.Errorf("mpd dial %s: %w", d.addr, err)
	}
	return c, nil
}

func (d *MPD) do(fn func(c *mpd.Client) error) error {
	c, err := d.client()
	if err != nil {
		return err
	}
	defer c.Close()
	return fn(c)
}

// command runs a player command and drops the cached status it outdates.
func (d *MPD) command(fn func(c *mpd.Client) error) error {
	defer d.invalidate()
	return d.do(fn)
}

func (d *MPD) invalidate() {
	d.mu.Lock()
	d.cached.at = time.Time{}
	d.mu.Unlock()
}

// state returns the cached status, reading a new one once it is stale.
func (d *MPD) state() (mpdState, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.clock.Now()
	if !d.cached.at.IsZero() && now.Sub(d.cached.at) < stateTTL {
		return d.cached, nil
	}
	st, err := d.fetch()
	if err != nil {
		return mpdState{}, err
	}
	st.at = now
	d.cached = st
	return st, nil
}

type mpdState struct {
	item     proto.Track
	hasItem  bool
	playing  bool
	position int64
	volume   int
	// at is when the server reported it.
	at time.Time
}

func (d *MPD) snapshot() (mpdState, error) {
	var st mpdState
	err := d.do(func(c *mpd.Client) error {
		status, err := c.Status()
		if err != nil {
			return err
		}
		st.playing = status["state"] == "play"
		st.position = secondsToMs(status["elapsed"])
		st.volume, _ = strconv.Atoi(status["volume"])

		song, err := c.CurrentSong()
		if err != nil {
			return err
		}
		if file := song["file"]; file != "" {
			st.hasItem = true
			st.item = songTrack(song)
		}
		return nil
	})
	return st, err
}

func songTrack(song mpd.Attrs) proto.Track {
	t := proto.Track{
		URI:    song["file"],
		Name:   song["Title"],
		Artist: song["Artist"],
		Album:  song["Album"],
	}
	if t.Name == "" {
		t.Name = song["file"]
	}
	if v, ok := song["duration"]; ok {
		t.Duration = secondsToMs(v)
	} else if v, ok := song["Time"]; ok {
		t.Duration = secondsToMs(v)
	}
	return t
}

func secondsToMs(s string) int64 {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return int64(math.Round(f * 1000))
}

func (d *MPD) watch() {
	for {
		select {
		case <-d.done:
			return
		case err, ok := <-d.watcher.Error:
			if !ok {
				return
			}
			log.Warnf("mpd watcher: %v", err)
		case subsystem, ok := <-d.watcher.Event:
			if !ok {
				return
			}
			if subsystem != "player" {
				continue
			}
			d.refresh()
		}
	}
}

// refresh turns a player notification into item and play/pause events.
func (d *MPD) refresh() {
	st, err := d.fetch()
	if err != nil {
		log.Warnf("mpd status: %v", err)
		return
	}
	d.mu.Lock()
	evs := diffState(d.lastURI, d.lastOn, st)
	d.lastURI, d.lastOn = st.item.URI, st.playing
	st.at = d.clock.Now()
	d.cached = st
	d.mu.Unlock()

	for _, ev := range evs {
		d.emit(ev)
	}
}

// diffState lists the events that lead from the previous item and play
// state to st. A notification that changed neither reports progress.
func diffState(prevURI string, prevOn bool, st mpdState) []Event {
	itemChanged := st.item.URI != prevURI
	playChanged := st.playing != prevOn
	ev := func(k EventKind) Event {
		return Event{Kind: k, Item: st.item, IsPlaying: st.playing, Position: st.position}
	}

	var out []Event
	if itemChanged && st.hasItem {
		out = append(out, ev(ItemChanged))
	}
	if playChanged {
		out = append(out, ev(PlayPauseChanged))
	}
	if !itemChanged && !playChanged {
		out = append(out, ev(Progress))
	}
	return out
}

func (d *MPD) emit(ev Event) {
	select {
	case d.events <- ev:
	default:
		log.Warnf("mpd event %s dropped, consumer is behind", ev.Kind)
	}
}

func (d *MPD) Events() <-chan Event { return d.events }

// Progress extrapolates the cached position while playing.
func (d *MPD) Progress() int64 {
	st, err := d.state()
	if err != nil {
		log.Debugf("mpd progress: %v", err)
		return 0
	}
	pos := st.position
	if st.playing {
		pos += d.clock.Since(st.at).Milliseconds()
	}
	if dur := st.item.Duration; dur > 0 && pos > dur {
		pos = dur
	}
	return pos
}

func (d *MPD) IsPlaying() bool {
	st, err := d.state()
	return err == nil && st.playing
}

func (d *MPD) Current() (proto.Track, bool) {
	st, err := d.state()
	if err != nil {
		return proto.Track{}, false
	}
	return st.item, st.hasItem
}

func (d *MPD) Play() error {
	return d.command(func(c *mpd.Client) error { return c.Pause(false) })
}

func (d *MPD) Pause() error {
	return d.command(func(c *mpd.Client) error { return c.Pause(true) })
}

func (d *MPD) Seek(ms int64) error {
	return d.command(func(c *mpd.Client) error {
		return c.SeekCur(time.Duration(ms)*time.Millisecond, false)
	})
}

// LoadAndPlay starts uri at startMs. An entry already in the play queue is
// reused; otherwise uri goes in right after the current song so Next and
// Back keep walking the queue in order.
func (d *MPD) LoadAndPlay(uri string, startMs int64) error {
	return d.command(func(c *mpd.Client) error {
		found, err := c.Command("playlistfind file %s", uri).AttrsList("file")
		if err != nil {
			return fmt.Errorf("find %s: %w", uri, err)
		}
		status, err := c.Status()
		if err != nil {
			return err
		}
		id, pos := placeItem(found, status["song"])
		if id < 0 {
			if id, err = c.AddID(uri, pos); err != nil {
				return fmt.Errorf("add %s: %w", uri, err)
			}
		}
		if err := c.PlayID(id); err != nil {
			return fmt.Errorf("play %s: %w", uri, err)
		}
		if startMs > 0 {
			return c.SeekCur(time.Duration(startMs)*time.Millisecond, false)
		}
		return nil
	})
}

// placeItem picks the queue entry for an item: the id of an entry already
// holding it, or else the position after the current song (-1 appends).
func placeItem(found []mpd.Attrs, currentPos string) (id, pos int) {
	for _, a := range found {
		if n, err := strconv.Atoi(a["Id"]); err == nil {
			return n, -1
		}
	}
	if n, err := strconv.Atoi(currentPos); err == nil {
		return -1, n + 1
	}
	return -1, -1
}

func (d *MPD) Next() error {
	return d.command(func(c *mpd.Client) error { return c.Next() })
}

func (d *MPD) Back() error {
	return d.command(func(c *mpd.Client) error { return c.Previous() })
}

func (d *MPD) Volume() int {
	st, err := d.state()
	if err != nil {
		return 0
	}
	return st.volume
}

func (d *MPD) SetVolume(v int) error {
	if v < 0 || v > 100 {
		return fmt.Errorf("volume %d out of range 0..100", v)
	}
	return d.command(func(c *mpd.Client) error { return c.SetVolume(v) })
}

func (d *MPD) Close() error {
	var err error
	d.once.Do(func() {
		close(d.done)
		err = d.watcher.Close()
	})
	return err
}
