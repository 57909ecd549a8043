package proto

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformed is returned by Decode for frames that cannot be interpreted.
var ErrMalformed = errors.New("malformed message")

// envelope is the JSON frame on the wire. Only track_change uses the
// top-level position/isPlaying/timestamp/controlPeer fields.
type envelope struct {
	Type        Kind            `json:"type"`
	Data        json.RawMessage `json:"data,omitempty"`
	Position    *int64          `json:"position,omitempty"`
	IsPlaying   *bool           `json:"isPlaying,omitempty"`
	Timestamp   *int64          `json:"timestamp,omitempty"`
	ControlPeer string          `json:"controlPeer,omitempty"`
}

type initialStateData struct {
	Track     *Track `json:"track"`
	IsPlaying bool   `json:"isPlaying"`
	Position  int64  `json:"position"`
	PeerID    string `json:"peerId,omitempty"`
	HostID    string `json:"hostId,omitempty"`
}

// Encode renders a message as a single JSON frame (no trailing newline).
func Encode(m Message) ([]byte, error) {
	env := envelope{Type: m.Kind()}
	var data any

	switch v := m.(type) {
	case TrackChange:
		data = v.Track
		env.Position = &v.Position
		env.IsPlaying = &v.IsPlaying
		env.Timestamp = &v.Timestamp
		env.ControlPeer = v.ControlPeer
	case InitialState:
		data = initialStateData{Track: v.Track, IsPlaying: v.IsPlaying, Position: v.Position, PeerID: v.PeerID}
	case QueueAdd:
		data = v.Item
	case QueueClear:
		data = nil
	case QueueSync:
		if v.Queue == nil {
			v.Queue = []QueueItem{}
		}
		data = v
	case Unknown:
		if len(v.Raw) > 0 {
			return v.Raw, nil
		}
		return nil, fmt.Errorf("encode %q: %w", v.Type, ErrMalformed)
	case PlayPause, Seek, SkipNext, SkipPrevious, PlayerState, QueueRemove, QueueMove, QueuePlayNext, ChatMessage:
		data = v
	default:
		return nil, fmt.Errorf("encode %T: unsupported message", m)
	}

	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", env.Type, err)
		}
		env.Data = raw
	}
	return json.Marshal(env)
}

// Decode parses one JSON frame. Unrecognised types decode to Unknown with a
// nil error; frames that are not valid envelopes, or whose payload does not
// fit the declared type, return an error wrapping ErrMalformed.
func Decode(b []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	}

	if env.Type == KindQueueClear {
		return QueueClear{}, nil
	}
	if !env.Type.known() {
		raw := make([]byte, len(b))
		copy(raw, b)
		return Unknown{Type: string(env.Type), Raw: raw}, nil
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return nil, fmt.Errorf("%w: %s without data", ErrMalformed, env.Type)
	}

	switch env.Type {
	case KindTrackChange:
		var t Track
		if err := unmarshalData(env, &t); err != nil {
			return nil, err
		}
		if t.IsZero() {
			return nil, fmt.Errorf("%w: track_change without uri", ErrMalformed)
		}
		m := TrackChange{Track: t, ControlPeer: env.ControlPeer}
		if env.Position != nil {
			m.Position = *env.Position
		}
		if env.IsPlaying != nil {
			m.IsPlaying = *env.IsPlaying
		}
		if env.Timestamp != nil {
			m.Timestamp = *env.Timestamp
		}
		return m, nil
	case KindPlayPause:
		return decodeAs[PlayPause](env)
	case KindSeek:
		return decodeAs[Seek](env)
	case KindSkipNext:
		return decodeAs[SkipNext](env)
	case KindSkipPrevious:
		return decodeAs[SkipPrevious](env)
	case KindPlayerState:
		return decodeAs[PlayerState](env)
	case KindInitialState:
		var d initialStateData
		if err := unmarshalData(env, &d); err != nil {
			return nil, err
		}
		m := InitialState{Track: d.Track, IsPlaying: d.IsPlaying, Position: d.Position, PeerID: d.PeerID}
		if m.PeerID == "" {
			m.PeerID = d.HostID
		}
		if m.Track != nil && m.Track.IsZero() {
			m.Track = nil
		}
		return m, nil
	case KindQueueAdd:
		var item QueueItem
		if err := unmarshalData(env, &item); err != nil {
			return nil, err
		}
		if item.ID == "" || item.URI == "" {
			return nil, fmt.Errorf("%w: queue_add item needs id and uri", ErrMalformed)
		}
		return QueueAdd{Item: item}, nil
	case KindQueueRemove:
		var m QueueRemove
		if err := unmarshalData(env, &m); err != nil {
			return nil, err
		}
		if m.ItemID == "" {
			return nil, fmt.Errorf("%w: queue_remove without itemId", ErrMalformed)
		}
		return m, nil
	case KindQueueMove:
		return decodeAs[QueueMove](env)
	case KindQueueSync:
		var m QueueSync
		if err := unmarshalData(env, &m); err != nil {
			return nil, err
		}
		if m.Queue == nil {
			m.Queue = []QueueItem{}
		}
		return m, nil
	case KindQueuePlayNext:
		return decodeAs[QueuePlayNext](env)
	case KindChatMessage:
		return decodeAs[ChatMessage](env)
	}
	return nil, fmt.Errorf("%w: unhandled type %s", ErrMalformed, env.Type)
}

func decodeAs[T Message](env envelope) (Message, error) {
	var m T
	if err := unmarshalData(env, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func unmarshalData(env envelope, v any) error {
	if err := json.Unmarshal(env.Data, v); err != nil {
		return fmt.Errorf("%w: %s data: %v", ErrMalformed, env.Type, err)
	}
	return nil
}

func (k Kind) known() bool {
	switch k {
	case KindTrackChange, KindPlayPause, KindSeek, KindSkipNext, KindSkipPrevious,
		KindInitialState, KindPlayerState, KindQueueAdd, KindQueueRemove, KindQueueMove,
		KindQueueClear, KindQueueSync, KindQueuePlayNext, KindChatMessage:
		return true
	}
	return false
}
