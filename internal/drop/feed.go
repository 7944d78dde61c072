package drop

import (
	"sync"
	"time"
)

// Outcome is the tagged result of resolving a provisional file.
type Outcome string

const (
	OutcomeNew       Outcome = "new"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeFailed    Outcome = "failed"
)

// EventKind identifies a change feed event.
type EventKind string

const (
	EventFileResolved  EventKind = "fileResolved"
	EventFileReclaimed EventKind = "fileReclaimed"
)

// Event is a change feed notification. CanonicalID, Digest and Outcome are
// only set for fileResolved.
type Event struct {
	Kind        EventKind
	FileID      int64
	CanonicalID int64
	Digest      string
	Outcome     Outcome
	At          time.Time
}

// Feed fans events out to subscribers. Delivery is at-most-once: a
// subscriber whose buffer is full misses the event.
type Feed struct {
	mu     sync.Mutex
	subs   map[int]chan Event
	nextID int
	buffer int
}

// NewFeed creates a Feed whose subscriptions buffer up to buffer events.
func NewFeed(buffer int) *Feed {
	if buffer < 1 {
		buffer = 1
	}
	return &Feed{subs: make(map[int]chan Event), buffer: buffer}
}

// Subscribe returns a channel of events and a function that ends the
// subscription and closes the channel.
func (f *Feed) Subscribe() (<-chan Event, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()

	id := f.nextID
	f.nextID++
	ch := make(chan Event, f.buffer)
	f.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			delete(f.subs, id)
			close(ch)
		})
	}
}

// Publish delivers e to every subscriber without blocking. It returns the
// number of subscribers that received it.
func (f *Feed) Publish(e Event) int {
	if f == nil {
		return 0
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	delivered := 0
	for _, ch := range f.subs {
		select {
		case ch <- e:
			delivered++
		default:
		}
	}
	return delivered
}
