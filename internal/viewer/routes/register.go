package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/together/internal/engine"
	"github.com/petervdpas/together/internal/proto"
	"github.com/petervdpas/together/internal/queue"
	"github.com/petervdpas/together/internal/session"
	"github.com/petervdpas/together/internal/state"
	"github.com/petervdpas/together/internal/telemetry"
)

var log = logging.Logger("together/viewer")

type Logs interface {
	ServeLogsJSON(w http.ResponseWriter, r *http.Request)
	ServeLogsSSE(w http.ResponseWriter, r *http.Request)
}

type Deps struct {
	Session *session.Manager
	Loop    *engine.Loop
	// Queue is read directly; mutations go through Loop.
	Queue *queue.Queue
	Peers *state.PeerTable
	// Library lists items the local device knows about.
	Library func() []proto.Track
	// Addrs lists this peer's dialable addresses.
	Addrs func() []string
	Logs  Logs
}

func Register(r chi.Router, d Deps) {
	handle := func(method, pattern, op string, fn http.HandlerFunc) {
		r.Method(method, pattern, telemetry.Instrument(op, fn))
	}

	handle(http.MethodGet, "/api/state", "state", d.getState)
	handle(http.MethodGet, "/api/library", "library", d.getLibrary)

	handle(http.MethodPost, "/api/connect", "connect", d.connect)
	handle(http.MethodPost, "/api/disconnect", "disconnect", d.disconnect)
	handle(http.MethodGet, "/api/peers", "peers", d.getPeers)

	handle(http.MethodPost, "/api/control", "control", d.control)
	handle(http.MethodPost, "/api/play", "play", d.play)
	handle(http.MethodPut, "/api/volume", "volume", d.volume)
	handle(http.MethodPost, "/api/chat", "chat", d.chat)

	handle(http.MethodGet, "/api/queue", "queue_get", d.getQueue)
	handle(http.MethodPost, "/api/queue", "queue_add", d.addQueue)
	handle(http.MethodDelete, "/api/queue/{id}", "queue_remove", d.removeQueue)
	handle(http.MethodPost, "/api/queue/move", "queue_move", d.moveQueue)
	handle(http.MethodPost, "/api/queue/clear", "queue_clear", d.clearQueue)
	handle(http.MethodPost, "/api/queue/next", "queue_next", d.nextQueue)

	handle(http.MethodGet, "/api/events", "events", d.events)

	registerAPILogRoutes(r, d)
}
