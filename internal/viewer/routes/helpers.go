package routes

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/petervdpas/together/internal/proto"
)

const maxBody = 64 << 10

var validate = validator.New(validator.WithRequiredStructEnabled())

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSONStatus(w, status, map[string]string{"error": err.Error()})
}

func writeOK(w http.ResponseWriter) {
	writeJSON(w, map[string]string{"status": "ok"})
}

// decodeJSON reads and validates a request body, answering 400 itself on
// failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		err = fmt.Errorf("invalid JSON: %w", err)
		writeError(w, http.StatusBadRequest, err)
		return err
	}
	if err := validate.Struct(v); err != nil {
		err = validationError(err)
		writeError(w, http.StatusBadRequest, err)
		return err
	}
	return nil
}

func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s: %s=%s", fe.Field(), fe.Tag(), fe.Param()))
		} else {
			parts = append(parts, fmt.Sprintf("%s: %s", fe.Field(), fe.Tag()))
		}
	}
	return errors.New(strings.Join(parts, "; "))
}

// trackRequest names an item by URI. Metadata is filled from the library
// when the device knows the item.
type trackRequest struct {
	URI      string `json:"uri" validate:"required,max=1024"`
	Name     string `json:"name" validate:"max=512"`
	Artist   string `json:"artist" validate:"max=512"`
	Album    string `json:"album" validate:"max=512"`
	Duration int64  `json:"duration" validate:"min=0"`
	Image    string `json:"image" validate:"max=1024"`
}

func (d Deps) resolveTrack(req trackRequest) proto.Track {
	if d.Library != nil {
		for _, t := range d.Library() {
			if t.URI == req.URI {
				return t
			}
		}
	}
	name := req.Name
	if name == "" {
		name = req.URI
	}
	return proto.Track{
		URI:      req.URI,
		Name:     name,
		Artist:   req.Artist,
		Album:    req.Album,
		Duration: req.Duration,
		Image:    req.Image,
	}
}
