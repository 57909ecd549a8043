// Package queue replicates the shared upcoming-items list. Mutations apply
// locally first and are broadcast only when this peer originated them.
// There is no global order: concurrent edits may diverge until the next
// full queue_sync, which every join sends.
package queue

import (
	"errors"
	"fmt"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/together/internal/proto"
	"github.com/petervdpas/together/internal/session"
	"github.com/petervdpas/together/internal/telemetry"
)

var log = logging.Logger("together/queue")

var (
	ErrItemNotFound    = errors.New("queue item not found")
	ErrIndexOutOfRange = errors.New("queue index out of range")
	ErrQueueFull       = errors.New("queue is full")
	ErrEmpty           = errors.New("queue is empty")
)

// Session is the part of the session manager the queue talks to.
type Session interface {
	SelfID() string
	Broadcast(proto.Message) int
	SendTo(remote string, msg proto.Message) error
	MemberName(remote string) string
	Notify(sev session.Severity, format string, args ...any)
	Publish(topic string)
}

// Player starts an item on the local device and announces the change.
type Player interface {
	PlayItem(t proto.Track) error
}

type Queue struct {
	sess  Session
	clock clock.Clock

	mu     sync.RWMutex
	items  []proto.QueueItem
	limit  int
	player Player
}

func New(sess Session, clk clock.Clock, limit int) *Queue {
	return &Queue{sess: sess, clock: clk, limit: limit, items: []proto.QueueItem{}}
}

func (q *Queue) SetPlayer(p Player) {
	q.mu.Lock()
	q.player = p
	q.mu.Unlock()
}

func (q *Queue) SetLimit(n int) {
	q.mu.Lock()
	q.limit = n
	q.mu.Unlock()
}

func (q *Queue) local(origin string) bool { return origin == q.sess.SelfID() }

// Snapshot returns a copy of the queue in order.
func (q *Queue) Snapshot() []proto.QueueItem {
	q.mu.RLock()
	defer q.mu.RUnlock()
	out := make([]proto.QueueItem, len(q.items))
	copy(out, q.items)
	return out
}

func (q *Queue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.items)
}

// Enqueue appends a track on behalf of this peer.
func (q *Queue) Enqueue(t proto.Track) (proto.QueueItem, error) {
	item := proto.QueueItem{
		URI:      t.URI,
		Name:     t.Name,
		Artist:   t.Artist,
		Duration: t.Duration,
		Image:    t.Image,
	}
	return q.Add(item, q.sess.SelfID())
}

// Add appends item. Local additions get a fresh ID and attribution; remote
// ones are taken as sent, and a repeated ID is ignored.
func (q *Queue) Add(item proto.QueueItem, origin string) (proto.QueueItem, error) {
	isLocal := q.local(origin)
	if isLocal {
		item.ID = uuid.NewString()
		item.AddedBy = origin
		item.AddedAt = q.clock.Now().UnixMilli()
	}

	q.mu.Lock()
	if isLocal && q.limit > 0 && len(q.items) >= q.limit {
		q.mu.Unlock()
		return proto.QueueItem{}, ErrQueueFull
	}
	if !isLocal && q.indexOf(item.ID) >= 0 {
		q.mu.Unlock()
		log.Debugf("ignoring duplicate queue_add %s from %s", item.ID, origin)
		return item, nil
	}
	q.items = append(q.items, item)
	n := len(q.items)
	q.mu.Unlock()

	q.changed(n)
	if isLocal {
		q.sess.Broadcast(proto.QueueAdd{Item: item})
	} else {
		q.sess.Notify(session.SeverityInfo, "%s queued %s", q.sess.MemberName(origin), item.Track())
	}
	return item, nil
}

func (q *Queue) Remove(id, origin string) error {
	q.mu.Lock()
	i := q.indexOf(id)
	if i < 0 {
		q.mu.Unlock()
		return fmt.Errorf("remove %s: %w", id, ErrItemNotFound)
	}
	q.items = append(q.items[:i], q.items[i+1:]...)
	n := len(q.items)
	q.mu.Unlock()

	q.changed(n)
	if q.local(origin) {
		q.sess.Broadcast(proto.QueueRemove{ItemID: id})
	}
	return nil
}

// Move relocates the item at from so that it ends up at index to.
func (q *Queue) Move(from, to int, origin string) error {
	q.mu.Lock()
	n := len(q.items)
	if from < 0 || from >= n || to < 0 || to >= n {
		q.mu.Unlock()
		return fmt.Errorf("move %d->%d of %d: %w", from, to, n, ErrIndexOutOfRange)
	}
	if from != to {
		item := q.items[from]
		q.items = append(q.items[:from], q.items[from+1:]...)
		q.items = append(q.items[:to], append([]proto.QueueItem{item}, q.items[to:]...)...)
	}
	q.mu.Unlock()

	q.changed(n)
	if q.local(origin) {
		q.sess.Broadcast(proto.QueueMove{From: from, To: to})
	}
	return nil
}

func (q *Queue) Clear(origin string) {
	q.mu.Lock()
	q.items = []proto.QueueItem{}
	q.mu.Unlock()

	q.changed(0)
	if q.local(origin) {
		q.sess.Broadcast(proto.QueueClear{})
	}
}

// PlayNext dequeues the head and starts it on this peer's device. Other
// peers only get a queue_play_next notice; the device change reaches them
// through the usual track_change.
func (q *Queue) PlayNext() (proto.QueueItem, error) {
	q.mu.Lock()
	if len(q.items) == 0 {
		q.mu.Unlock()
		return proto.QueueItem{}, ErrEmpty
	}
	item := q.items[0]
	q.items = q.items[1:]
	n := len(q.items)
	player := q.player
	q.mu.Unlock()

	q.changed(n)
	q.sess.Broadcast(proto.QueuePlayNext{
		ID:     item.ID,
		URI:    item.URI,
		Name:   item.Name,
		Artist: item.Artist,
		Image:  item.Image,
	})
	if player == nil {
		return item, errors.New("no player attached")
	}
	if err := player.PlayItem(item.Track()); err != nil {
		return item, fmt.Errorf("play %s: %w", item.URI, err)
	}
	q.sess.Notify(session.SeverityInfo, "Playing %s for everyone", item.Track())
	return item, nil
}

// Replace installs a full snapshot received from a peer.
func (q *Queue) Replace(items []proto.QueueItem) {
	cp := make([]proto.QueueItem, len(items))
	copy(cp, items)
	q.mu.Lock()
	q.items = cp
	q.mu.Unlock()
	q.changed(len(cp))
}

// SyncTo sends the whole queue to one peer.
func (q *Queue) SyncTo(remote string) error {
	return q.sess.SendTo(remote, proto.QueueSync{Queue: q.Snapshot()})
}

// Apply handles a queue message from a peer. It reports whether msg was a
// queue message at all.
func (q *Queue) Apply(from string, msg proto.Message) bool {
	var err error
	switch m := msg.(type) {
	case proto.QueueAdd:
		_, err = q.Add(m.Item, from)
	case proto.QueueRemove:
		err = q.Remove(m.ItemID, from)
	case proto.QueueMove:
		err = q.Move(m.From, m.To, from)
	case proto.QueueClear:
		q.Clear(from)
	case proto.QueueSync:
		q.Replace(m.Queue)
	case proto.QueuePlayNext:
		q.playedElsewhere(from, m)
	default:
		return false
	}
	if err != nil {
		// Expected when edits race; the next queue_sync reconciles.
		log.Infof("queue op %s from %s not applied: %v", msg.Kind(), from, err)
	}
	return true
}

func (q *Queue) playedElsewhere(from string, m proto.QueuePlayNext) {
	q.mu.Lock()
	i := -1
	if m.ID != "" {
		i = q.indexOf(m.ID)
	}
	if i < 0 && len(q.items) > 0 && q.items[0].URI == m.URI {
		i = 0
	}
	if i >= 0 {
		q.items = append(q.items[:i], q.items[i+1:]...)
	}
	n := len(q.items)
	q.mu.Unlock()

	if i >= 0 {
		q.changed(n)
	}
	t := proto.Track{Name: m.Name, Artist: m.Artist}
	q.sess.Notify(session.SeverityInfo, "%s is playing %s for everyone", q.sess.MemberName(from), t)
}

func (q *Queue) indexOf(id string) int {
	for i, it := range q.items {
		if it.ID == id {
			return i
		}
	}
	return -1
}

func (q *Queue) changed(n int) {
	telemetry.QueueLength.Set(float64(n))
	q.sess.Publish(session.TopicQueue)
}
