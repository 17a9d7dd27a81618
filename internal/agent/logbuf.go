package agent

import (
	"bytes"
	"strings"
	"sync"
	"time"

	"github.com/HK9750/sentinal-chat-frontend-sub001/internal/util"
)

// LogEntry is one captured log line. Level and Subsystem are parsed from the
// go-log plaintext format (tab-separated); lines from other writers land in
// Msg untouched.
type LogEntry struct {
	TS        time.Time `json:"ts"`
	Level     string    `json:"level,omitempty"`
	Subsystem string    `json:"subsystem,omitempty"`
	Msg       string    `json:"msg"`
}

// LogBuffer captures process log output for the /api/logs endpoints. It
// implements io.Writer so it can sit at the end of a go-log pipe reader.
type LogBuffer struct {
	mu      sync.Mutex
	entries *util.RingBuffer[LogEntry]

	subs map[chan LogEntry]struct{}

	partial bytes.Buffer
}

func NewLogBuffer(max int) *LogBuffer {
	if max <= 0 {
		max = 500
	}
	return &LogBuffer{
		entries: util.NewRingBuffer[LogEntry](max),
		subs:    make(map[chan LogEntry]struct{}),
	}
}

// Write implements io.Writer. Input may arrive in arbitrary chunks; only
// complete lines become entries, the rest waits in the partial buffer.
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

		e := parseLogLine(line)
		b.entries.Push(e)
		b.broadcastLocked(e)
	}

	return len(p), nil
}

// parseLogLine splits a go-log plaintext line into its parts. Format:
// ts \t LEVEL \t subsystem \t caller \t message. Anything that does not
// match is kept whole.
func parseLogLine(line string) LogEntry {
	e := LogEntry{TS: time.Now(), Msg: line}
	parts := strings.SplitN(line, "\t", 5)
	if len(parts) < 4 {
		return e
	}
	if ts, err := time.Parse(time.RFC3339Nano, parts[0]); err == nil {
		e.TS = ts
	}
	e.Level = strings.ToLower(strings.TrimSpace(parts[1]))
	e.Subsystem = parts[2]
	e.Msg = parts[len(parts)-1]
	return e
}

func (b *LogBuffer) broadcastLocked(e LogEntry) {
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// drop on slow subscriber
		}
	}
}

// Snapshot returns all buffered entries, oldest first.
func (b *LogBuffer) Snapshot() []LogEntry {
	return b.entries.Snapshot()
}

// Tail returns the newest n entries, oldest first.
func (b *LogBuffer) Tail(n int) []LogEntry {
	return b.entries.Tail(n)
}

// Subscribe registers a live tail. The channel drops entries rather than
// block; cancel is idempotent.
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
