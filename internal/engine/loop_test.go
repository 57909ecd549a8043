package engine_test

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/together/internal/config"
	"github.com/petervdpas/together/internal/device"
	"github.com/petervdpas/together/internal/engine"
	"github.com/petervdpas/together/internal/memnet"
	"github.com/petervdpas/together/internal/queue"
	"github.com/petervdpas/together/internal/session"
)

const wait = 3 * time.Second

// fastSync shortens every delay so a real-clock pair converges quickly.
func fastSync() config.Sync {
	s := config.DefaultSync()
	s.SettleMs = 30
	s.LoadVerifyMs = 60
	s.LockGraceMs = 30
	s.PollIntervalMs = 50
	s.DriftConfirmMs = 20
	return s
}

type node struct {
	dev  *device.Sim
	sess *session.Manager
	q    *queue.Queue
	loop *engine.Loop
}

func startNode(t *testing.T, ctx context.Context, n *memnet.Network, id, name string) *node {
	t.Helper()
	clk := clock.New()
	sess := session.New(n.Join(id, name), name, clk, session.NewHub(), session.NewFeed(clk, 5*time.Second))
	dev := device.NewSim(clk, device.DemoLibrary)
	t.Cleanup(func() { dev.Close() })
	q := queue.New(sess, clk, 50)
	loop := engine.NewLoop(engine.New(dev, sess, q, clk, fastSync()))
	sess.SetSink(loop)
	go sess.Run(ctx)
	go loop.Run(ctx)
	return &node{dev: dev, sess: sess, q: q, loop: loop}
}

func TestJoinConverges(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	n := memnet.NewNetwork()
	host := startNode(t, ctx, n, "host", "Hana")
	guest := startNode(t, ctx, n, "guest", "Gil")

	track := device.DemoLibrary[2]
	require.NoError(t, host.loop.Do(ctx, func(e *engine.Engine) error { return e.PlayTrack(track) }))
	_, err := host.q.Enqueue(device.DemoLibrary[4])
	require.NoError(t, err)

	require.NoError(t, guest.sess.Connect(ctx, "host"))

	require.Eventually(t, func() bool {
		cur, ok := guest.dev.Current()
		return ok && cur.URI == track.URI && guest.dev.IsPlaying()
	}, wait, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return len(guest.q.Snapshot()) == 1
	}, wait, 10*time.Millisecond)
	assert.Equal(t, host.q.Snapshot(), guest.q.Snapshot())
	assert.InDelta(t, host.dev.Progress(), guest.dev.Progress(), 2000)

	// The joiner's own load must not bounce back to the host.
	cur, _ := host.dev.Current()
	assert.Equal(t, track.URI, cur.URI)

	st, err := guest.loop.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "host", st.Token.LastControlPeer)
	assert.False(t, st.Token.HasLocalPriority)
}

func TestPauseReachesPeer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	n := memnet.NewNetwork()
	host := startNode(t, ctx, n, "host", "Hana")
	guest := startNode(t, ctx, n, "guest", "Gil")

	require.NoError(t, host.loop.Do(ctx, func(e *engine.Engine) error { return e.PlayTrack(device.DemoLibrary[0]) }))
	require.NoError(t, guest.sess.Connect(ctx, "host"))
	require.Eventually(t, guest.dev.IsPlaying, wait, 10*time.Millisecond)

	// Let the join locks lapse before acting locally.
	require.Eventually(t, func() bool {
		st, err := guest.loop.Status(ctx)
		if err != nil {
			return false
		}
		for _, l := range st.Locks {
			if l.Held {
				return false
			}
		}
		return true
	}, wait, 10*time.Millisecond)

	require.NoError(t, guest.loop.Do(ctx, func(e *engine.Engine) error { return e.Pause() }))
	require.Eventually(t, func() bool { return !host.dev.IsPlaying() }, wait, 10*time.Millisecond)
	assert.False(t, guest.dev.IsPlaying(), "the pause is not echoed back as a play")
}

func TestChatReachesPeer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	n := memnet.NewNetwork()
	host := startNode(t, ctx, n, "host", "Hana")
	guest := startNode(t, ctx, n, "guest", "Gil")
	require.NoError(t, guest.sess.Connect(ctx, "host"))
	require.Eventually(t, host.sess.Paired, wait, 10*time.Millisecond)

	require.NoError(t, guest.loop.Do(ctx, func(e *engine.Engine) error { return e.Chat("hello") }))
	require.Eventually(t, func() bool {
		for _, nt := range host.sess.Notices() {
			if nt.Severity == session.SeverityChat && nt.Message == "Gil: hello" {
				return true
			}
		}
		return false
	}, wait, 10*time.Millisecond)
}

func TestDoAfterStop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	n := memnet.NewNetwork()
	nd := startNode(t, ctx, n, "solo", "Solo")
	cancel()
	require.Eventually(t, func() bool {
		return nd.loop.Do(context.Background(), func(*engine.Engine) error { return nil }) == engine.ErrStopped
	}, wait, 10*time.Millisecond)
}
