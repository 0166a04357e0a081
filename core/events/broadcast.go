package events

import (
	"sync"
)

const defaultBacklog = 256

// Envelope is a rendered event tagged with its position in the stream.
type Envelope struct {
	Sequence   uint64            `json:"sequence"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}

// Broadcaster renders events and fans them out to live subscribers. It keeps
// a bounded backlog so reconnecting clients can resume from a sequence.
type Broadcaster struct {
	mu      sync.Mutex
	seq     uint64
	limit   int
	backlog []Envelope
	nextID  uint64
	subs    map[uint64]chan Envelope
	buffer  int
}

// NewBroadcaster retains up to backlog events for replay. Zero selects the
// default.
func NewBroadcaster(backlog int) *Broadcaster {
	if backlog <= 0 {
		backlog = defaultBacklog
	}
	return &Broadcaster{
		limit:  backlog,
		subs:   make(map[uint64]chan Envelope),
		buffer: 64,
	}
}

// Emit implements the Emitter interface. Events that cannot be rendered are
// ignored. A subscriber whose buffer is full is dropped and its channel
// closed; it can resume with its last sequence.
func (b *Broadcaster) Emit(e Event) {
	r, ok := e.(Renderable)
	if !ok {
		return
	}
	rendered := r.Event()
	if rendered == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	env := Envelope{Sequence: b.seq, Type: rendered.Type, Attributes: rendered.Attributes}
	b.backlog = append(b.backlog, env)
	if len(b.backlog) > b.limit {
		b.backlog = append([]Envelope(nil), b.backlog[len(b.backlog)-b.limit:]...)
	}
	for id, ch := range b.subs {
		select {
		case ch <- env:
		default:
			close(ch)
			delete(b.subs, id)
		}
	}
}

// Subscribe returns retained events after the given sequence and a channel
// of subsequent ones. The cancel function must be called to release the
// subscription.
func (b *Broadcaster) Subscribe(after uint64) (<-chan Envelope, func(), []Envelope) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var replay []Envelope
	for _, env := range b.backlog {
		if env.Sequence > after {
			replay = append(replay, env)
		}
	}
	b.nextID++
	id := b.nextID
	ch := make(chan Envelope, b.buffer)
	b.subs[id] = ch
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if existing, ok := b.subs[id]; ok {
				close(existing)
				delete(b.subs, id)
			}
		})
	}
	return ch, cancel, replay
}

// Sequence returns the sequence of the latest event.
func (b *Broadcaster) Sequence() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq
}
