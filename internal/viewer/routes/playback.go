package routes

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/petervdpas/together/internal/device"
	"github.com/petervdpas/together/internal/engine"
	"github.com/petervdpas/together/internal/proto"
	"github.com/petervdpas/together/internal/session"
)

const opTimeout = 5 * time.Second

// StateView is everything a presentation layer needs in one read.
type StateView struct {
	Session  session.Info      `json:"session"`
	Playback engine.Status     `json:"playback"`
	Queue    []proto.QueueItem `json:"queue"`
	Notices  []session.Notice  `json:"notices"`
	Addrs    []string          `json:"addrs,omitempty"`
}

func (d Deps) snapshot(ctx context.Context) (StateView, error) {
	st, err := d.Loop.Status(ctx)
	if err != nil {
		return StateView{}, err
	}
	v := StateView{
		Session:  d.Session.Info(),
		Playback: st,
		Queue:    d.Queue.Snapshot(),
		Notices:  d.Session.Notices(),
	}
	if d.Addrs != nil {
		v.Addrs = d.Addrs()
	}
	return v, nil
}

func (d Deps) do(r *http.Request, fn func(e *engine.Engine) error) error {
	ctx, cancel := context.WithTimeout(r.Context(), opTimeout)
	defer cancel()
	return d.Loop.Do(ctx, fn)
}

func (d Deps) getState(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), opTimeout)
	defer cancel()
	v, err := d.snapshot(ctx)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, v)
}

func (d Deps) getLibrary(w http.ResponseWriter, r *http.Request) {
	lib := []proto.Track{}
	if d.Library != nil {
		lib = append(lib, d.Library()...)
	}
	writeJSON(w, lib)
}

type controlRequest struct {
	Action   string `json:"action" validate:"required,oneof=play pause toggle seek next previous"`
	Position *int64 `json:"position" validate:"omitempty,min=0"`
}

var errNoPosition = errors.New("seek needs a position")

func (d Deps) control(w http.ResponseWriter, r *http.Request) {
	var req controlRequest
	if decodeJSON(w, r, &req) != nil {
		return
	}
	if req.Action == "seek" && req.Position == nil {
		writeError(w, http.StatusBadRequest, errNoPosition)
		return
	}
	err := d.do(r, func(e *engine.Engine) error {
		switch req.Action {
		case "play":
			return e.Play()
		case "pause":
			return e.Pause()
		case "toggle":
			return e.Toggle()
		case "seek":
			return e.SeekTo(*req.Position)
		case "next":
			return e.Skip(true)
		case "previous":
			return e.Skip(false)
		}
		return fmt.Errorf("unknown action %q", req.Action)
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeOK(w)
}

func (d Deps) play(w http.ResponseWriter, r *http.Request) {
	var req trackRequest
	if decodeJSON(w, r, &req) != nil {
		return
	}
	t := d.resolveTrack(req)
	if err := d.do(r, func(e *engine.Engine) error { return e.PlayTrack(t) }); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, t)
}

type volumeRequest struct {
	Volume *int `json:"volume" validate:"required,min=0,max=100"`
}

func (d Deps) volume(w http.ResponseWriter, r *http.Request) {
	var req volumeRequest
	if decodeJSON(w, r, &req) != nil {
		return
	}
	if err := d.do(r, func(e *engine.Engine) error { return e.SetVolume(*req.Volume) }); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, map[string]int{"volume": *req.Volume})
}

type chatRequest struct {
	Message string `json:"message" validate:"required,max=500"`
}

func (d Deps) chat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if decodeJSON(w, r, &req) != nil {
		return
	}
	if err := d.do(r, func(e *engine.Engine) error { return e.Chat(req.Message) }); err != nil {
		writeEngineError(w, err)
		return
	}
	writeOK(w)
}

func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrEmptyChat):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, device.ErrNoItem):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, device.ErrUnknownItem):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, engine.ErrStopped), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusServiceUnavailable, err)
	default:
		log.Warnf("control request failed: %v", err)
		writeError(w, http.StatusBadGateway, err)
	}
}
