// Package notify carries engine events to in-process subscribers and, over
// WebSocket, to a GUI.
package notify

import (
	"encoding/json"
	"log"
	"os"
	"sync"
	"time"
)

// EventType names an engine event.
type EventType string

const (
	// TransferUpdated reports upload or download progress.
	TransferUpdated EventType = "transfer_updated"
	// SessionUpdated reports Direct Transfer session progress.
	SessionUpdated EventType = "session_updated"
	// NewConflict reports a pair entering the conflicted state.
	NewConflict EventType = "new_conflict"
	// NewError reports a pair failure, frozen or retried.
	NewError EventType = "new_error"
	// NewItem reports a pair reaching the synchronized state.
	NewItem EventType = "new_item"
	// EngineState reports engine lifecycle changes.
	EngineState EventType = "engine_state"
)

// Event is one message on the bus and on the wire.
type Event struct {
	Type      EventType       `json:"type"`
	Engine    string          `json:"engine,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Decode unmarshals the payload of e into v.
func (e Event) Decode(v any) error {
	return json.Unmarshal(e.Data, v)
}

// TransferData is the payload of TransferUpdated.
type TransferData struct {
	Kind     string  `json:"kind"`
	DocPair  int64   `json:"doc_pair"`
	Path     string  `json:"path"`
	Status   string  `json:"status"`
	Progress float64 `json:"progress"`
	Filesize int64   `json:"filesize"`
}

// SessionData is the payload of SessionUpdated.
type SessionData struct {
	UID      int64  `json:"uid"`
	Status   string `json:"status"`
	Uploaded int    `json:"uploaded"`
	Total    int    `json:"total"`
}

// PairData is the payload of NewConflict, NewError and NewItem.
type PairData struct {
	ID        int64  `json:"id"`
	Path      string `json:"path"`
	RemoteRef string `json:"remote_ref,omitempty"`
	PairState string `json:"pair_state"`
	Error     string `json:"error,omitempty"`
	Details   string `json:"details,omitempty"`
}

// EngineStateData is the payload of EngineState.
type EngineStateData struct {
	State  string `json:"state"`
	Queued int    `json:"queued"`
	Errors int    `json:"errors"`
}

// NewEvent builds an event with data marshalled as its payload.
func NewEvent(typ EventType, engine string, data any) (Event, error) {
	ev := Event{Type: typ, Engine: engine, Timestamp: time.Now().UTC()}
	if data == nil {
		return ev, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return ev, err
	}
	ev.Data = raw
	return ev, nil
}

// DefaultBuffer is the channel size of a subscription.
const DefaultBuffer = 64

// Bus fans events out to subscribers. Publishing never blocks: a
// subscriber whose buffer is full misses the event.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]chan Event
	nextID int
	closed bool
	logger *log.Logger
}

// NewBus creates a Bus.
func NewBus(logger *log.Logger) *Bus {
	if logger == nil {
		logger = log.New(os.Stderr, "[notify] ", log.LstdFlags)
	}
	return &Bus{subs: make(map[int]chan Event), logger: logger}
}

// Subscribe returns a channel receiving every later event and a func that
// ends the subscription and closes the channel.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		})
	}
}

// Publish sends ev to every subscriber.
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.logger.Printf("subscriber full, dropping %s", ev.Type)
		}
	}
}

// Emit builds and publishes an event, logging marshalling failures.
func (b *Bus) Emit(typ EventType, engine string, data any) {
	ev, err := NewEvent(typ, engine, data)
	if err != nil {
		b.logger.Printf("failed to encode %s: %v", typ, err)
		return
	}
	b.Publish(ev)
}

// Subscribers returns the number of live subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close ends every subscription.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
