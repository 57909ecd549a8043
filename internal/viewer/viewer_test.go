package viewer_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/together/internal/config"
	"github.com/petervdpas/together/internal/device"
	"github.com/petervdpas/together/internal/engine"
	"github.com/petervdpas/together/internal/memnet"
	"github.com/petervdpas/together/internal/proto"
	"github.com/petervdpas/together/internal/queue"
	"github.com/petervdpas/together/internal/session"
	"github.com/petervdpas/together/internal/state"
	"github.com/petervdpas/together/internal/viewer"
	"github.com/petervdpas/together/internal/viewer/routes"
)

type fixture struct {
	srv  *httptest.Server
	dev  *device.Sim
	sess *session.Manager
	q    *queue.Queue
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	clk := clock.New()
	n := memnet.NewNetwork()
	sess := session.New(n.Join("alice", "Alice"), "Alice", clk, session.NewHub(), session.NewFeed(clk, time.Minute))
	dev := device.NewSim(clk, device.DemoLibrary)
	t.Cleanup(func() { dev.Close() })
	q := queue.New(sess, clk, 3)
	loop := engine.NewLoop(engine.New(dev, sess, q, clk, config.DefaultSync()))
	sess.SetSink(loop)
	go sess.Run(ctx)
	go loop.Run(ctx)

	srv := httptest.NewServer(viewer.Handler(routes.Deps{
		Session: sess,
		Loop:    loop,
		Queue:   q,
		Peers:   state.NewPeerTable(clk),
		Library: dev.Library,
		Logs:    viewer.NewLogBuffer(10, clk),
	}))
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, dev: dev, sess: sess, q: q}
}

func (f *fixture) call(t *testing.T, method, path, body string) (int, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, buf.Bytes()
}

func TestPlayShowsUpInState(t *testing.T) {
	f := newFixture(t)

	code, body := f.call(t, http.MethodPost, "/api/play", `{"uri":"sim:track:ember"}`)
	require.Equal(t, http.StatusOK, code, string(body))
	var played proto.Track
	require.NoError(t, json.Unmarshal(body, &played))
	assert.Equal(t, "Ember", played.Name, "metadata comes from the library")

	code, body = f.call(t, http.MethodGet, "/api/state", "")
	require.Equal(t, http.StatusOK, code)
	var v routes.StateView
	require.NoError(t, json.Unmarshal(body, &v))
	assert.Equal(t, "alice", v.Session.SelfID)
	assert.Equal(t, "sim:track:ember", v.Playback.Device.Track.URI)
	assert.True(t, v.Playback.Device.IsPlaying)
	assert.Empty(t, v.Queue)
}

func TestControlActions(t *testing.T) {
	f := newFixture(t)

	code, _ := f.call(t, http.MethodPost, "/api/control", `{"action":"pause"}`)
	assert.Equal(t, http.StatusConflict, code, "nothing loaded")

	code, _ = f.call(t, http.MethodPost, "/api/play", `{"uri":"sim:track:tide"}`)
	require.Equal(t, http.StatusOK, code)

	code, body := f.call(t, http.MethodPost, "/api/control", `{"action":"seek","position":60000}`)
	require.Equal(t, http.StatusOK, code, string(body))
	assert.InDelta(t, 60000, f.dev.Progress(), 1000)

	code, _ = f.call(t, http.MethodPost, "/api/control", `{"action":"pause"}`)
	require.Equal(t, http.StatusOK, code)
	assert.False(t, f.dev.IsPlaying())

	code, _ = f.call(t, http.MethodPost, "/api/control", `{"action":"next"}`)
	require.Equal(t, http.StatusOK, code)
	cur, ok := f.dev.Current()
	require.True(t, ok)
	assert.Equal(t, "sim:track:static", cur.URI)

	code, _ = f.call(t, http.MethodPut, "/api/volume", `{"volume":35}`)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 35, f.dev.Volume())
}

func TestRequestValidation(t *testing.T) {
	f := newFixture(t)

	cases := []struct {
		name, method, path, body string
	}{
		{"unknown action", http.MethodPost, "/api/control", `{"action":"dance"}`},
		{"seek without position", http.MethodPost, "/api/control", `{"action":"seek"}`},
		{"negative position", http.MethodPost, "/api/control", `{"action":"seek","position":-5}`},
		{"unknown field", http.MethodPost, "/api/control", `{"action":"play","speed":2}`},
		{"broken json", http.MethodPost, "/api/play", `{"uri":`},
		{"missing uri", http.MethodPost, "/api/queue", `{"name":"x"}`},
		{"volume too loud", http.MethodPut, "/api/volume", `{"volume":101}`},
		{"volume missing", http.MethodPut, "/api/volume", `{}`},
		{"blank chat", http.MethodPost, "/api/chat", `{"message":"   "}`},
		{"empty peer", http.MethodPost, "/api/connect", `{"peer":""}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			code, body := f.call(t, tc.method, tc.path, tc.body)
			assert.Equal(t, http.StatusBadRequest, code, string(body))
			assert.Contains(t, string(body), `"error"`)
		})
	}
}

func TestQueueEndpoints(t *testing.T) {
	f := newFixture(t)

	add := func(uri string) proto.QueueItem {
		code, body := f.call(t, http.MethodPost, "/api/queue", `{"uri":"`+uri+`"}`)
		require.Equal(t, http.StatusCreated, code, string(body))
		var item proto.QueueItem
		require.NoError(t, json.Unmarshal(body, &item))
		return item
	}
	a := add("sim:track:tide")
	b := add("sim:track:paper")
	c := add("custom:thing")
	assert.Equal(t, "alice", a.AddedBy)
	assert.Equal(t, "custom:thing", c.Name, "unknown items are named by URI")

	code, _ := f.call(t, http.MethodPost, "/api/queue", `{"uri":"sim:track:glass"}`)
	assert.Equal(t, http.StatusConflict, code, "limit is three")

	code, body := f.call(t, http.MethodPost, "/api/queue/move", `{"fromIndex":1,"toIndex":0}`)
	require.Equal(t, http.StatusOK, code, string(body))
	var items []proto.QueueItem
	require.NoError(t, json.Unmarshal(body, &items))
	require.Len(t, items, 3)
	assert.Equal(t, []string{b.ID, a.ID, c.ID}, []string{items[0].ID, items[1].ID, items[2].ID})

	code, _ = f.call(t, http.MethodPost, "/api/queue/move", `{"fromIndex":7,"toIndex":0}`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = f.call(t, http.MethodDelete, "/api/queue/"+a.ID, "")
	require.Equal(t, http.StatusOK, code)
	code, _ = f.call(t, http.MethodDelete, "/api/queue/"+a.ID, "")
	assert.Equal(t, http.StatusNotFound, code)

	code, body = f.call(t, http.MethodPost, "/api/queue/next", "")
	require.Equal(t, http.StatusOK, code, string(body))
	var next proto.QueueItem
	require.NoError(t, json.Unmarshal(body, &next))
	assert.Equal(t, b.ID, next.ID)
	assert.Equal(t, []proto.QueueItem{c}, f.q.Snapshot())
	cur, ok := f.dev.Current()
	require.True(t, ok)
	assert.Equal(t, "sim:track:paper", cur.URI)

	code, _ = f.call(t, http.MethodPost, "/api/queue/clear", "")
	require.Equal(t, http.StatusOK, code)
	assert.Empty(t, f.q.Snapshot())

	code, _ = f.call(t, http.MethodPost, "/api/queue/next", "")
	assert.Equal(t, http.StatusConflict, code)
}

func TestConnectErrors(t *testing.T) {
	f := newFixture(t)

	code, _ := f.call(t, http.MethodPost, "/api/connect", `{"peer":"alice"}`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = f.call(t, http.MethodPost, "/api/connect", `{"peer":"nobody"}`)
	assert.Equal(t, http.StatusBadGateway, code)
	assert.Equal(t, session.StatusError, f.sess.Info().Status)

	code, body := f.call(t, http.MethodGet, "/api/peers", "")
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `[]`, string(body))
}

func TestEventsSocket(t *testing.T) {
	f := newFixture(t)

	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/api/events"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()

	var frame routes.EventFrame
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, "hello", frame.Topic)
	assert.Equal(t, "alice", frame.State.Session.SelfID)

	code, _ := f.call(t, http.MethodPost, "/api/queue", `{"uri":"sim:track:ember"}`)
	require.Equal(t, http.StatusCreated, code)

	for {
		require.NoError(t, conn.ReadJSON(&frame))
		if frame.Topic == session.TopicQueue {
			break
		}
	}
	require.Len(t, frame.State.Queue, 1)
	assert.Equal(t, "sim:track:ember", frame.State.Queue[0].URI)
}

func TestEventsRejectsForeignOrigin(t *testing.T) {
	f := newFixture(t)

	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/api/events"
	hdr := http.Header{"Origin": []string{"http://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(url, hdr)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestMetricsAndLogs(t *testing.T) {
	f := newFixture(t)

	f.call(t, http.MethodGet, "/api/state", "")
	code, body := f.call(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), "together_requests_total")

	code, body = f.call(t, http.MethodGet, "/api/logs", "")
	require.Equal(t, http.StatusOK, code)
	assert.True(t, json.Valid(body))
}
