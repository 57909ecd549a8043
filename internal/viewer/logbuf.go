package viewer

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/petervdpas/together/internal/util"
)

type LogEntry struct {
	TS    time.Time `json:"ts"`
	Level string    `json:"level,omitempty"`
	Msg   string    `json:"msg"`
}

// LogBuffer keeps the most recent log lines for the /api/logs endpoints.
// It is fed from a go-log pipe reader in JSON format; plain lines are kept
// as they are.
type LogBuffer struct {
	mu      sync.Mutex
	clock   clock.Clock
	entries *util.RingBuffer[LogEntry]

	subs map[chan LogEntry]struct{}

	partial bytes.Buffer
}

func NewLogBuffer(max int, clk clock.Clock) *LogBuffer {
	if max <= 0 {
		max = 500
	}
	if clk == nil {
		clk = clock.New()
	}
	return &LogBuffer{
		clock:   clk,
		entries: util.NewRingBuffer[LogEntry](max),
		subs:    make(map[chan LogEntry]struct{}),
	}
}

func (b *LogBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.partial.Write(p)

	for {
		data := b.partial.Bytes()
		i := bytes.IndexByte(data, '\n')
		if i == -1 {
			break
		}

		line := string(data[:i])
		b.partial.Next(i + 1)

		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}

		e := b.parse(line)
		b.appendLocked(e)
		b.broadcastLocked(e)
	}

	return len(p), nil
}

// zap's JSON encoder as configured by go-log.
type jsonLine struct {
	Level  string `json:"level"`
	Logger string `json:"logger"`
	Msg    string `json:"msg"`
}

func (b *LogBuffer) parse(line string) LogEntry {
	e := LogEntry{TS: b.clock.Now(), Msg: line}
	if !strings.HasPrefix(line, "{") {
		return e
	}
	var jl jsonLine
	if json.Unmarshal([]byte(line), &jl) != nil || jl.Msg == "" {
		return e
	}
	e.Level = jl.Level
	e.Msg = jl.Msg
	if jl.Logger != "" {
		e.Msg = jl.Logger + ": " + jl.Msg
	}
	return e
}

func (b *LogBuffer) appendLocked(e LogEntry) {
	b.entries.Push(e)
}

func (b *LogBuffer) broadcastLocked(e LogEntry) {
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// slow subscriber
		}
	}
}

func (b *LogBuffer) Snapshot() []LogEntry {
	return b.entries.Snapshot()
}

func (b *LogBuffer) Subscribe() (ch chan LogEntry, cancel func()) {
	ch = make(chan LogEntry, 64)

	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	cancel = func() {
		b.mu.Lock()
		if _, ok := b.subs[ch]; ok {
			delete(b.subs, ch)
			close(ch)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// GET /api/logs
func (b *LogBuffer) ServeLogsJSON(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(b.Snapshot())
}

// GET /api/logs/stream, server-sent events, new lines only.
func (b *LogBuffer) ServeLogsSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch, cancel := b.Subscribe()
	defer cancel()

	for {
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			writeSSE(w, e)
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, e LogEntry) {
	b, _ := json.Marshal(e)
	_, _ = w.Write([]byte("event: message\n"))
	_, _ = w.Write([]byte("data: " + string(b) + "\n\n"))
}
