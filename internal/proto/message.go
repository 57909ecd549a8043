package proto

import "fmt"

// Kind is the wire discriminator carried in the envelope "type" field.
type Kind string

const (
	KindTrackChange   Kind = "track_change"
	KindPlayPause     Kind = "play_pause"
	KindSeek          Kind = "seek"
	KindSkipNext      Kind = "skip_next"
	KindSkipPrevious  Kind = "skip_previous"
	KindInitialState  Kind = "initial_state"
	KindPlayerState   Kind = "player_state"
	KindQueueAdd      Kind = "queue_add"
	KindQueueRemove   Kind = "queue_remove"
	KindQueueMove     Kind = "queue_move"
	KindQueueClear    Kind = "queue_clear"
	KindQueueSync     Kind = "queue_sync"
	KindQueuePlayNext Kind = "queue_play_next"
	KindChatMessage   Kind = "chat_message"
)

// Track is the item descriptor shared between peers. Field names follow
// the existing peers on the wire.
type Track struct {
	URI      string `json:"uri"`
	Name     string `json:"name"`
	Artist   string `json:"artist"`
	Album    string `json:"album,omitempty"`
	Duration int64  `json:"duration"`
	Image    string `json:"image,omitempty"`
}

// IsZero reports whether the track carries no item reference.
func (t Track) IsZero() bool { return t.URI == "" }

func (t Track) String() string {
	if t.Artist == "" {
		return t.Name
	}
	return fmt.Sprintf("%s - %s", t.Name, t.Artist)
}

// QueueItem is an immutable entry of the shared queue.
type QueueItem struct {
	ID       string `json:"id"`
	URI      string `json:"uri"`
	Name     string `json:"name"`
	Artist   string `json:"artist"`
	Duration int64  `json:"duration"`
	Image    string `json:"image,omitempty"`
	AddedBy  string `json:"addedBy"`
	AddedAt  int64  `json:"addedAt"`
}

// Track returns the playable part of the item.
func (q QueueItem) Track() Track {
	return Track{URI: q.URI, Name: q.Name, Artist: q.Artist, Duration: q.Duration, Image: q.Image}
}

// Message is the closed set of sync messages. Every variant lives in this
// package; Decode never returns a type outside it.
type Message interface {
	Kind() Kind
	sealed()
}

type TrackChange struct {
	Track       Track
	Position    int64
	IsPlaying   bool
	Timestamp   int64
	ControlPeer string
}

type PlayPause struct {
	IsPlaying bool  `json:"isPlaying"`
	Timestamp int64 `json:"timestamp"`
	Position  int64 `json:"position"`
}

type Seek struct {
	Position  int64 `json:"position"`
	Timestamp int64 `json:"timestamp"`
}

type SkipNext struct {
	Timestamp   int64  `json:"timestamp"`
	ControlPeer string `json:"controlPeer"`
}

type SkipPrevious struct {
	Timestamp   int64  `json:"timestamp"`
	ControlPeer string `json:"controlPeer"`
}

// InitialState is sent by the accepting side once a channel settles.
// A nil Track means the sender was idle.
type InitialState struct {
	Track     *Track
	IsPlaying bool
	Position  int64
	PeerID    string
}

// PlayerState is a periodic play/position snapshot.
type PlayerState struct {
	IsPlaying bool  `json:"isPlaying"`
	Position  int64 `json:"position"`
}

type QueueAdd struct {
	Item QueueItem
}

type QueueRemove struct {
	ItemID string `json:"itemId"`
}

type QueueMove struct {
	From int `json:"fromIndex"`
	To   int `json:"toIndex"`
}

type QueueClear struct{}

type QueueSync struct {
	Queue []QueueItem `json:"queue"`
}

// QueuePlayNext announces that the sender dequeued an item and started it.
// It carries no playback command; the track change follows separately.
type QueuePlayNext struct {
	ID     string `json:"id,omitempty"`
	URI    string `json:"uri"`
	Name   string `json:"name"`
	Artist string `json:"artist"`
	Image  string `json:"image,omitempty"`
}

type ChatMessage struct {
	Text string `json:"message"`
}

// Unknown wraps a frame whose type is not recognised. Receivers ignore it.
type Unknown struct {
	Type string
	Raw  []byte
}

func (TrackChange) Kind() Kind   { return KindTrackChange }
func (PlayPause) Kind() Kind     { return KindPlayPause }
func (Seek) Kind() Kind          { return KindSeek }
func (SkipNext) Kind() Kind      { return KindSkipNext }
func (SkipPrevious) Kind() Kind  { return KindSkipPrevious }
func (InitialState) Kind() Kind  { return KindInitialState }
func (PlayerState) Kind() Kind   { return KindPlayerState }
func (QueueAdd) Kind() Kind      { return KindQueueAdd }
func (QueueRemove) Kind() Kind   { return KindQueueRemove }
func (QueueMove) Kind() Kind     { return KindQueueMove }
func (QueueClear) Kind() Kind    { return KindQueueClear }
func (QueueSync) Kind() Kind     { return KindQueueSync }
func (QueuePlayNext) Kind() Kind { return KindQueuePlayNext }
func (ChatMessage) Kind() Kind   { return KindChatMessage }
func (u Unknown) Kind() Kind     { return Kind(u.Type) }

func (TrackChange) sealed()   {}
func (PlayPause) sealed()     {}
func (Seek) sealed()          {}
func (SkipNext) sealed()      {}
func (SkipPrevious) sealed()  {}
func (InitialState) sealed()  {}
func (PlayerState) sealed()   {}
func (QueueAdd) sealed()      {}
func (QueueRemove) sealed()   {}
func (QueueMove) sealed()     {}
func (QueueClear) sealed()    {}
func (QueueSync) sealed()     {}
func (QueuePlayNext) sealed() {}
func (ChatMessage) sealed()   {}
func (Unknown) sealed()       {}
