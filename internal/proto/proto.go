package proto

import "time"

const (
	PresenceTopic = "together.presence.v1"
	MdnsTag       = "together-mdns"

	// libp2p stream protocol ID for the playback sync channel (newline-delimited JSON)
	SyncProtoID = "/together/sync/1.0.0"
)

const (
	TypeOnline  = "online"
	TypeUpdate  = "update"
	TypeOffline = "offline"
)

// PresenceMsg is published on the presence topic so LAN peers can find
// each other before opening a sync channel.
type PresenceMsg struct {
	Type    string   `json:"type"` // online|update|offline
	PeerID  string   `json:"peerId"`
	Name    string   `json:"name,omitempty"`
	Status  string   `json:"status,omitempty"`  // session status of the announcing peer
	Playing string   `json:"playing,omitempty"` // "title - author" of the current item
	Addrs   []string `json:"addrs,omitempty"`
	TS      int64    `json:"ts"`
}

// Hello is the metadata record exchanged once when a sync channel opens.
type Hello struct {
	Name   string `json:"name"`
	PeerID string `json:"peerId"`
}

func NowMillis() int64 { return time.Now().UnixMilli() }
