package session_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/together/internal/memnet"
	"github.com/petervdpas/together/internal/proto"
	"github.com/petervdpas/together/internal/session"
)

const wait = 2 * time.Second

type event struct {
	kind     string
	remote   string
	incoming bool
	msg      proto.Message
}

type recorder struct {
	mu     sync.Mutex
	events []event
}

func (r *recorder) Opened(remote string, incoming bool) {
	r.add(event{kind: "opened", remote: remote, incoming: incoming})
}

func (r *recorder) Received(remote string, msg proto.Message) {
	r.add(event{kind: "received", remote: remote, msg: msg})
}

func (r *recorder) Closed(remote string) {
	r.add(event{kind: "closed", remote: remote})
}

func (r *recorder) add(e event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) of(kind string) []event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []event
	for _, e := range r.events {
		if e.kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// capture keeps the dialer-side conns so tests can poke at them.
type capture struct {
	*memnet.Endpoint
	mu    sync.Mutex
	conns []*memnet.Conn
}

func (c *capture) Open(ctx context.Context, remote string, hello proto.Hello) (session.Conn, error) {
	conn, err := c.Endpoint.Open(ctx, remote, hello)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.conns = append(c.conns, conn.(*memnet.Conn))
	c.mu.Unlock()
	return conn, nil
}

func (c *capture) last() *memnet.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conns[len(c.conns)-1]
}

type peer struct {
	m    *session.Manager
	sink *recorder
	tr   *capture
}

func newPeer(t *testing.T, ctx context.Context, n *memnet.Network, id, name string) *peer {
	t.Helper()
	tr := &capture{Endpoint: n.Join(id, name)}
	clk := clock.New()
	m := session.New(tr, name, clk, session.NewHub(), session.NewFeed(clk, 5*time.Second))
	rec := &recorder{}
	m.SetSink(rec)
	go m.Run(ctx)
	return &peer{m: m, sink: rec, tr: tr}
}

func pair(t *testing.T) (context.Context, *peer, *peer) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	n := memnet.NewNetwork()
	return ctx, newPeer(t, ctx, n, "host", "Hana"), newPeer(t, ctx, n, "guest", "Gil")
}

func TestConnectBuildsBothRosters(t *testing.T) {
	ctx, h, g := pair(t)

	require.NoError(t, g.m.Connect(ctx, "host"))
	require.Eventually(t, func() bool { return len(h.sink.of("opened")) == 1 }, wait, 10*time.Millisecond)

	gm := g.m.Members()
	require.Len(t, gm, 1)
	assert.Equal(t, "host", gm[0].PeerID)
	assert.Equal(t, "Hana", gm[0].Name)
	assert.Equal(t, session.RoleHost, gm[0].Role)

	hm := h.m.Members()
	require.Len(t, hm, 1)
	assert.Equal(t, "Gil", hm[0].Name)
	assert.Equal(t, session.RoleGuest, hm[0].Role)

	assert.True(t, h.m.Info().IsHost)
	assert.False(t, g.m.Info().IsHost)
	assert.Equal(t, session.StatusConnected, g.m.Info().Status)

	opened := h.sink.of("opened")
	require.Len(t, opened, 1)
	assert.True(t, opened[0].incoming)
	assert.False(t, g.sink.of("opened")[0].incoming)
}

func TestDuplicateConnectKeepsOneHandle(t *testing.T) {
	ctx, h, g := pair(t)

	require.NoError(t, g.m.Connect(ctx, "host"))
	first := g.tr.last()
	require.NoError(t, g.m.Connect(ctx, "host"))

	assert.Len(t, g.m.Members(), 1)
	assert.False(t, first.Writable(), "replaced channel must be closed")

	require.Eventually(t, func() bool {
		return len(h.m.Members()) == 1 && len(h.sink.of("opened")) == 2
	}, wait, 10*time.Millisecond)
	assert.True(t, g.m.Paired())

	// The replaced channel must not surface as a departure on the dialer.
	assert.Empty(t, g.sink.of("closed"))
}

func TestConnectRejectsSelf(t *testing.T) {
	ctx, h, _ := pair(t)

	err := h.m.Connect(ctx, "host")
	assert.ErrorIs(t, err, session.ErrSelfConnect)
	notices := h.m.Notices()
	require.NotEmpty(t, notices)
	assert.Equal(t, session.SeverityError, notices[len(notices)-1].Severity)
}

func TestConnectFailureSurfacesStatus(t *testing.T) {
	ctx, _, g := pair(t)
	require.NoError(t, g.m.Connect(ctx, "host"))

	err := g.m.Connect(ctx, "nobody")
	var cerr *session.ConnectionError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "nobody", cerr.Remote)
	assert.ErrorIs(t, err, memnet.ErrUnreachable)

	// Existing channel is untouched.
	assert.Equal(t, session.StatusConnected, g.m.Info().Status)
	assert.Len(t, g.m.Members(), 1)
}

func TestConnectFailureWithEmptyRosterIsError(t *testing.T) {
	ctx, _, g := pair(t)
	require.Error(t, g.m.Connect(ctx, "nobody"))
	assert.Equal(t, session.StatusError, g.m.Info().Status)
}

func TestBroadcastSkipsUnwritable(t *testing.T) {
	ctx, h, g := pair(t)
	require.NoError(t, g.m.Connect(ctx, "host"))
	require.Eventually(t, func() bool { return h.m.Paired() }, wait, 10*time.Millisecond)

	g.tr.last().SetWritable(false)
	assert.Equal(t, 0, g.m.Broadcast(proto.Seek{Position: 1}))

	g.tr.last().SetWritable(true)
	assert.Equal(t, 1, g.m.Broadcast(proto.Seek{Position: 2}))

	require.Eventually(t, func() bool { return len(h.sink.of("received")) == 1 }, wait, 10*time.Millisecond)
	assert.Equal(t, proto.Seek{Position: 2}, h.sink.of("received")[0].msg)
}

func TestMalformedFrameIsDropped(t *testing.T) {
	ctx, h, g := pair(t)
	require.NoError(t, g.m.Connect(ctx, "host"))

	c := g.tr.last()
	require.NoError(t, c.SendRaw([]byte(`{"type":"seek","data":"nope"}`)))
	require.NoError(t, c.SendRaw([]byte(`not json`)))
	require.NoError(t, g.m.SendTo("host", proto.ChatMessage{Text: "still here"}))

	require.Eventually(t, func() bool { return len(h.sink.of("received")) == 1 }, wait, 10*time.Millisecond)
	assert.Equal(t, proto.ChatMessage{Text: "still here"}, h.sink.of("received")[0].msg)
	assert.True(t, h.m.Paired())
}

func TestUnknownTypeReachesSink(t *testing.T) {
	ctx, h, g := pair(t)
	require.NoError(t, g.m.Connect(ctx, "host"))
	require.NoError(t, g.tr.last().SendRaw([]byte(`{"type":"reaction","data":{"emoji":"x"}}`)))

	require.Eventually(t, func() bool { return len(h.sink.of("received")) == 1 }, wait, 10*time.Millisecond)
	u, ok := h.sink.of("received")[0].msg.(proto.Unknown)
	require.True(t, ok)
	assert.Equal(t, "reaction", u.Type)
}

func TestRemoteCloseEmptiesRoster(t *testing.T) {
	ctx, h, g := pair(t)
	require.NoError(t, g.m.Connect(ctx, "host"))
	require.Eventually(t, func() bool { return h.m.Paired() }, wait, 10*time.Millisecond)

	g.tr.last().Close()

	require.Eventually(t, func() bool {
		return len(h.sink.of("closed")) == 1 && len(g.sink.of("closed")) == 1
	}, wait, 10*time.Millisecond)
	assert.False(t, h.m.Paired())
	assert.False(t, g.m.Paired())
	assert.Equal(t, session.StatusDisconnected, h.m.Info().Status)
}

func TestPairedStaysWhileOthersRemain(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	n := memnet.NewNetwork()
	h := newPeer(t, ctx, n, "host", "Hana")
	a := newPeer(t, ctx, n, "a", "Ari")
	b := newPeer(t, ctx, n, "b", "Bo")

	require.NoError(t, a.m.Connect(ctx, "host"))
	require.NoError(t, b.m.Connect(ctx, "host"))
	require.Eventually(t, func() bool { return len(h.m.Members()) == 2 }, wait, 10*time.Millisecond)

	a.m.Disconnect()
	require.Eventually(t, func() bool { return len(h.m.Members()) == 1 }, wait, 10*time.Millisecond)
	assert.True(t, h.m.Paired())
	assert.Equal(t, session.StatusConnected, h.m.Info().Status)
}

func TestDisconnectClosesEverything(t *testing.T) {
	ctx, h, g := pair(t)
	require.NoError(t, g.m.Connect(ctx, "host"))
	require.Eventually(t, func() bool { return h.m.Paired() }, wait, 10*time.Millisecond)

	h.m.Disconnect()
	assert.False(t, h.m.Paired())
	assert.Equal(t, "host", h.m.SelfID())
	assert.Len(t, h.sink.of("closed"), 1)
	require.Eventually(t, func() bool { return !g.m.Paired() }, wait, 10*time.Millisecond)
	assert.ErrorIs(t, h.m.SendTo("guest", proto.QueueClear{}), session.ErrUnknownPeer)
}
