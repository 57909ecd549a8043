package routes

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/petervdpas/together/internal/engine"
	"github.com/petervdpas/together/internal/proto"
	"github.com/petervdpas/together/internal/queue"
)

func (d Deps) getQueue(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, d.Queue.Snapshot())
}

func (d Deps) addQueue(w http.ResponseWriter, r *http.Request) {
	var req trackRequest
	if decodeJSON(w, r, &req) != nil {
		return
	}
	t := d.resolveTrack(req)
	var item proto.QueueItem
	err := d.do(r, func(e *engine.Engine) error {
		var err error
		item, err = e.Queue().Enqueue(t)
		return err
	})
	if err != nil {
		writeQueueError(w, err)
		return
	}
	writeJSONStatus(w, http.StatusCreated, item)
}

func (d Deps) removeQueue(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := d.do(r, func(e *engine.Engine) error {
		q := e.Queue()
		return q.Remove(id, d.Session.SelfID())
	})
	if err != nil {
		writeQueueError(w, err)
		return
	}
	writeOK(w)
}

type moveRequest struct {
	From *int `json:"fromIndex" validate:"required,min=0"`
	To   *int `json:"toIndex" validate:"required,min=0"`
}

func (d Deps) moveQueue(w http.ResponseWriter, r *http.Request) {
	var req moveRequest
	if decodeJSON(w, r, &req) != nil {
		return
	}
	err := d.do(r, func(e *engine.Engine) error {
		return e.Queue().Move(*req.From, *req.To, d.Session.SelfID())
	})
	if err != nil {
		writeQueueError(w, err)
		return
	}
	writeJSON(w, d.Queue.Snapshot())
}

func (d Deps) clearQueue(w http.ResponseWriter, r *http.Request) {
	err := d.do(r, func(e *engine.Engine) error {
		e.Queue().Clear(d.Session.SelfID())
		return nil
	})
	if err != nil {
		writeQueueError(w, err)
		return
	}
	writeOK(w)
}

func (d Deps) nextQueue(w http.ResponseWriter, r *http.Request) {
	var item proto.QueueItem
	err := d.do(r, func(e *engine.Engine) error {
		var err error
		item, err = e.Queue().PlayNext()
		return err
	})
	if err != nil {
		writeQueueError(w, err)
		return
	}
	writeJSON(w, item)
}

func writeQueueError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, queue.ErrItemNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, queue.ErrIndexOutOfRange):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, queue.ErrQueueFull), errors.Is(err, queue.ErrEmpty):
		writeError(w, http.StatusConflict, err)
	default:
		writeEngineError(w, err)
	}
}
