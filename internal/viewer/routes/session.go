package routes

import (
	"errors"
	"net/http"

	"github.com/petervdpas/together/internal/session"
	"github.com/petervdpas/together/internal/state"
)

type connectRequest struct {
	// Peer is a peer ID or a multiaddr ending in /p2p/<id>.
	Peer string `json:"peer" validate:"required,max=512"`
}

func (d Deps) connect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if decodeJSON(w, r, &req) != nil {
		return
	}
	if err := d.Session.Connect(r.Context(), req.Peer); err != nil {
		var cerr *session.ConnectionError
		switch {
		case errors.Is(err, session.ErrSelfConnect):
			writeError(w, http.StatusBadRequest, err)
		case errors.As(err, &cerr):
			writeError(w, http.StatusBadGateway, err)
		default:
			writeError(w, http.StatusInternalServerError, err)
		}
		return
	}
	writeJSON(w, d.Session.Info())
}

func (d Deps) disconnect(w http.ResponseWriter, r *http.Request) {
	d.Session.Disconnect()
	writeJSON(w, d.Session.Info())
}

func (d Deps) getPeers(w http.ResponseWriter, r *http.Request) {
	peers := []state.SeenPeer{}
	if d.Peers != nil {
		peers = append(peers, d.Peers.Snapshot()...)
	}
	writeJSON(w, peers)
}
