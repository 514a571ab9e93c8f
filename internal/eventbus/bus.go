package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Job lifecycle event types.
const (
	JobStarted   = "job.started"
	JobCompleted = "job.completed"
	JobRetry     = "job.retry"
	JobFailed    = "job.failed"
	JobDiscarded = "job.discarded"
	JobStalled   = "job.stalled"

	AccountReauth    = "account.reauth"
	ProducerEnqueued = "producer.enqueued"
)

// Event is an in-memory signal used to decouple the pipeline from its observers.
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Subscribers MUST use buffered channels.
//   - Slow subscribers may drop events (bounded backpressure).
//
// Data should be small and JSON-serializable; the NATS bridge forwards it.
type Event struct {
	Type string    `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data,omitempty"`
}

// JobEvent is the payload of every job.* event.
type JobEvent struct {
	JobID      string        `json:"jobId"`
	PostID     string        `json:"postId"`
	Platform   string        `json:"platform"`
	AccountID  string        `json:"accountId"`
	Attempts   int           `json:"attempts,omitempty"`
	Kind       string        `json:"kind,omitempty"`
	Error      string        `json:"error,omitempty"`
	PostURL    string        `json:"postUrl,omitempty"`
	RetryAfter time.Duration `json:"retryAfter,omitempty"`
}

type AccountEvent struct {
	AccountID string `json:"accountId"`
	Platform  string `json:"platform"`
	Status    string `json:"status"`
	Reason    string `json:"reason,omitempty"`
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

// Publish is a nil-safe helper for components that take an optional bus.
func Publish(b Bus, typ string, data any) {
	if b == nil {
		return
	}
	b.Publish(Event{Type: typ, Time: time.Now(), Data: data})
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	chs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chs {
		// A concurrent unsubscribe may close ch under us.
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
			}
		}()
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}
