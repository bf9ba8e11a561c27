package events

import (
	"sync"
	"time"

	"github.com/LeventeLantos/messaging-gateway/internal/model"
)

type Type string

const (
	StatusChanged    Type = "status_changed"
	CodeRequired     Type = "code_required"
	PasswordRequired Type = "password_required"
	QRCode           Type = "qr_code"
	MessageSent      Type = "message_sent"
	MessageFailed    Type = "message_failed"
)

type Event struct {
	Type    Type                        `json:"type"`
	Service model.Service               `json:"service"`
	State   string                      `json:"state,omitempty"`
	Detail  *model.AuthenticatingDetail `json:"detail,omitempty"`
	Message string                      `json:"message,omitempty"`
	At      time.Time                   `json:"at"`
}

// Publisher is the narrow interface producers depend on.
type Publisher interface {
	Publish(Event)
}

// Sink receives every event after local fan-out.
type Sink interface {
	Deliver(Event)
}

// Bus fans events out to in-process subscribers. Publish never blocks:
// subscribers that fall behind lose events.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]chan Event
	nextID int
	sinks  []Sink
	now    func() time.Time
}

func NewBus(sinks ...Sink) *Bus {
	return &Bus{
		subs:  make(map[int]chan Event),
		sinks: sinks,
		now:   time.Now,
	}
}

func (b *Bus) Publish(e Event) {
	if e.At.IsZero() {
		e.At = b.now().UTC()
	}

	b.mu.RLock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
	sinks := b.sinks
	b.mu.RUnlock()

	for _, s := range sinks {
		s.Deliver(e)
	}
}

// Subscribe returns a buffered event channel and a cancel func that closes it.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

type nopPublisher struct{}

func (nopPublisher) Publish(Event) {}

// Discard drops every event.
var Discard Publisher = nopPublisher{}
