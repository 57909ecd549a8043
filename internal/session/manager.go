package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/together/internal/proto"
	"github.com/petervdpas/together/internal/telemetry"
)

var log = logging.Logger("together/session")

type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusError        Status = "error"
)

type Role string

const (
	RoleHost  Role = "host"
	RoleGuest Role = "guest"
)

// Member is the roster view of one remote peer. Role only records who
// accepted the channel; it carries no authority.
type Member struct {
	PeerID   string    `json:"peer_id"`
	Name     string    `json:"name"`
	Role     Role      `json:"role"`
	JoinedAt time.Time `json:"joined_at"`
}

// Info is a point-in-time copy of the session for presentation layers.
type Info struct {
	SelfID        string   `json:"self_id"`
	Label         string   `json:"label"`
	Status        Status   `json:"status"`
	StatusMessage string   `json:"status_message"`
	Paired        bool     `json:"paired"`
	IsHost        bool     `json:"is_host"`
	Members       []Member `json:"members"`
}

type handle struct {
	conn     Conn
	incoming bool
	member   Member
}

// Manager owns the roster: at most one handle per remote identity, the
// derived member list, and the connection status.
type Manager struct {
	tr     Transport
	selfID string
	clock  clock.Clock
	hub    *Hub
	feed   *Feed

	mu        sync.RWMutex
	label     string
	handles   map[string]*handle
	status    Status
	statusMsg string
	isHost    bool
	sink      Sink
}

// New creates a manager over tr. SetSink must be called before Run.
func New(tr Transport, label string, clk clock.Clock, hub *Hub, feed *Feed) *Manager {
	return &Manager{
		tr:      tr,
		selfID:  tr.SelfID(),
		clock:   clk,
		hub:     hub,
		feed:    feed,
		label:   label,
		handles: make(map[string]*handle),
		status:  StatusDisconnected,
		sink:    nopSink{},
	}
}

func (m *Manager) SetSink(s Sink) {
	m.mu.Lock()
	m.sink = s
	m.mu.Unlock()
}

// SetLabel changes the display name sent on future connections.
func (m *Manager) SetLabel(label string) {
	m.mu.Lock()
	m.label = label
	m.mu.Unlock()
}

func (m *Manager) SelfID() string { return m.selfID }

// Run accepts incoming channels until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	in := m.tr.Incoming()
	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-in:
			if !ok {
				return
			}
			m.acceptIncoming(c)
		}
	}
}

// Connect opens a channel to remote. A failure is reported through the
// status and the notice feed; other channels are untouched.
func (m *Manager) Connect(ctx context.Context, remote string) error {
	if remote == "" || remote == m.selfID {
		m.Notify(SeverityError, "Invalid peer ID or your own ID")
		return ErrSelfConnect
	}

	m.mu.Lock()
	if len(m.handles) == 0 {
		m.status = StatusConnecting
	}
	m.statusMsg = "Connecting..."
	hello := proto.Hello{Name: m.label, PeerID: m.selfID}
	m.mu.Unlock()
	m.hub.Publish(TopicRoster)

	c, err := m.tr.Open(ctx, remote, hello)
	if err != nil {
		cerr := &ConnectionError{Remote: remote, Err: err}
		m.mu.Lock()
		if len(m.handles) == 0 {
			m.status = StatusError
		}
		m.statusMsg = "Connection error: " + err.Error()
		m.mu.Unlock()
		log.Warnf("connect %s: %v", remote, err)
		m.Notify(SeverityError, "Connection error: %v", err)
		m.hub.Publish(TopicRoster)
		return cerr
	}

	m.onOpen(c, false)
	return nil
}

func (m *Manager) acceptIncoming(c Conn) {
	if c.RemoteID() == m.selfID {
		c.Close()
		return
	}
	m.onOpen(c, true)
}

func (m *Manager) onOpen(c Conn, incoming bool) {
	remote := c.RemoteID()
	name := c.Hello().Name
	if name == "" {
		name = "Listener"
	}
	role := RoleHost
	if incoming {
		role = RoleGuest
	}
	h := &handle{
		conn:     c,
		incoming: incoming,
		member:   Member{PeerID: remote, Name: name, Role: role, JoinedAt: m.clock.Now()},
	}

	m.mu.Lock()
	old := m.handles[remote]
	m.handles[remote] = h
	m.status = StatusConnected
	m.isHost = incoming
	if incoming {
		m.statusMsg = "Someone connected to you. You are hosting."
	} else {
		m.statusMsg = "Connected. Everyone can control playback."
	}
	n := len(m.handles)
	sink := m.sink
	m.mu.Unlock()

	if old != nil {
		// The old read loop sees it is no longer current and exits quietly.
		log.Debugf("replacing channel to %s", remote)
		old.conn.Close()
	}
	telemetry.RosterSize.Set(float64(n))

	log.Infow("peer connected", "peer", remote, "name", name, "incoming", incoming)
	if incoming {
		m.Notify(SeveritySuccess, "%s joined. Listening together.", name)
	} else {
		m.Notify(SeveritySuccess, "Connected to %s. Everyone can control the music.", name)
	}

	sink.Opened(remote, incoming)
	m.hub.Publish(TopicRoster)

	go m.readLoop(h)
}

func (m *Manager) readLoop(h *handle) {
	remote := h.conn.RemoteID()
	for {
		msg, err := h.conn.Recv()
		if err != nil {
			if errors.Is(err, proto.ErrMalformed) {
				log.Warnf("dropping frame from %s: %v", remote, err)
				telemetry.MessagesDropped.WithLabelValues("malformed").Inc()
				continue
			}
			log.Debugf("channel to %s ended: %v", remote, err)
			break
		}
		telemetry.MessagesReceived.WithLabelValues(string(msg.Kind())).Inc()

		m.mu.RLock()
		current := m.handles[remote] == h
		sink := m.sink
		m.mu.RUnlock()
		if !current {
			break
		}
		sink.Received(remote, msg)
	}
	m.onClose(h)
}

func (m *Manager) onClose(h *handle) {
	remote := h.conn.RemoteID()

	m.mu.Lock()
	if m.handles[remote] != h {
		m.mu.Unlock()
		h.conn.Close()
		return
	}
	delete(m.handles, remote)
	n := len(m.handles)
	if n == 0 {
		m.status = StatusDisconnected
		m.isHost = false
		m.statusMsg = "Session ended. Waiting for a new connection..."
	} else {
		m.statusMsg = "A listener left."
	}
	sink := m.sink
	m.mu.Unlock()

	h.conn.Close()
	telemetry.RosterSize.Set(float64(n))
	log.Infow("peer disconnected", "peer", remote, "remaining", n)
	m.Notify(SeverityInfo, "%s left the session", h.member.Name)
	sink.Closed(remote)
	m.hub.Publish(TopicRoster)
}

// Broadcast sends msg to every open channel, skipping those that are not
// writable. It returns how many channels accepted the message.
func (m *Manager) Broadcast(msg proto.Message) int {
	m.mu.RLock()
	targets := make([]*handle, 0, len(m.handles))
	for _, h := range m.handles {
		targets = append(targets, h)
	}
	m.mu.RUnlock()

	sent := 0
	for _, h := range targets {
		if !h.conn.Writable() {
			continue
		}
		if err := h.conn.Send(msg); err != nil {
			log.Warnf("send %s to %s: %v", msg.Kind(), h.conn.RemoteID(), err)
			continue
		}
		sent++
	}
	if sent > 0 {
		telemetry.MessagesSent.WithLabelValues(string(msg.Kind())).Add(float64(sent))
	}
	return sent
}

// SendTo sends msg to a single remote.
func (m *Manager) SendTo(remote string, msg proto.Message) error {
	m.mu.RLock()
	h := m.handles[remote]
	m.mu.RUnlock()
	if h == nil {
		return ErrUnknownPeer
	}
	if err := h.conn.Send(msg); err != nil {
		return &ConnectionError{Remote: remote, Err: err}
	}
	telemetry.MessagesSent.WithLabelValues(string(msg.Kind())).Inc()
	return nil
}

// Disconnect closes every channel. Identity is kept.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	closing := m.handles
	m.handles = make(map[string]*handle)
	m.status = StatusDisconnected
	m.isHost = false
	m.statusMsg = "Disconnected. Start a new session."
	sink := m.sink
	m.mu.Unlock()

	for remote, h := range closing {
		h.conn.Close()
		sink.Closed(remote)
	}
	telemetry.RosterSize.Set(0)
	log.Infof("disconnected from %d peer(s)", len(closing))
	m.Notify(SeverityInfo, "Disconnected from the session")
	m.hub.Publish(TopicRoster)
}

// Paired reports whether at least one channel is open.
func (m *Manager) Paired() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.handles) > 0
}

// Members returns the roster ordered by join time.
func (m *Manager) Members() []Member {
	m.mu.RLock()
	out := make([]Member, 0, len(m.handles))
	for _, h := range m.handles {
		out = append(out, h.member)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].PeerID < out[j].PeerID
		}
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return out
}

// MemberName returns the display name of remote, or the ID if unknown.
func (m *Manager) MemberName(remote string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if h, ok := m.handles[remote]; ok {
		return h.member.Name
	}
	return remote
}

func (m *Manager) Info() Info {
	members := m.Members()
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Info{
		SelfID:        m.selfID,
		Label:         m.label,
		Status:        m.status,
		StatusMessage: m.statusMsg,
		Paired:        len(m.handles) > 0,
		IsHost:        m.isHost,
		Members:       members,
	}
}

// Notify posts to the notice feed and wakes observers.
func (m *Manager) Notify(sev Severity, format string, args ...any) {
	m.feed.Post(sev, format, args...)
	m.hub.Publish(TopicNotice)
}

func (m *Manager) Notices() []Notice { return m.feed.Active() }

// Publish wakes observers for topic.
func (m *Manager) Publish(topic string) { m.hub.Publish(topic) }

// Attach registers a presentation-layer observer.
func (m *Manager) Attach() (<-chan Update, func()) { return m.hub.Attach() }

type nopSink struct{}

func (nopSink) Opened(string, bool)            {}
func (nopSink) Received(string, proto.Message) {}
func (nopSink) Closed(string)                  {}
