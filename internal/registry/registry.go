// Package registry holds the process-local map from user id to that user's
// delivery channel. One transport backend produces into it; every live
// connection consumes from it through its own Reader.
package registry

import (
	"log"
	"sync"
	"sync/atomic"

	"github.com/caelansar/chat/internal/event"
)

// readerBuffer is the per-reader channel capacity. A reader that falls more
// than this far behind starts losing its oldest unread events.
const readerBuffer = 100

// Registry is safe for concurrent use. Entries are created lazily on first
// subscribe and keep only an empty slot once all readers detach.
type Registry struct {
	users sync.Map // int64 -> *entry
}

type entry struct {
	mu      sync.RWMutex
	readers []*Reader
}

// New allocates an empty registry.
func New() *Registry {
	return &Registry{}
}

// Subscribe attaches a new independent reader for userID, creating the
// user's entry if absent. Concurrent first-subscribes for the same id share
// a single entry.
func (r *Registry) Subscribe(userID int64) *Reader {
	v, _ := r.users.LoadOrStore(userID, &entry{})
	e := v.(*entry)

	rd := &Reader{
		ch:    make(chan event.Event, readerBuffer),
		entry: e,
	}
	e.mu.Lock()
	e.readers = append(e.readers, rd)
	e.mu.Unlock()
	return rd
}

// Publish delivers ev to every reader currently attached for userID. A user
// nobody ever subscribed for, or one whose readers have all closed, receives
// nothing; neither case is an error and the call never blocks.
func (r *Registry) Publish(userID int64, ev event.Event) {
	v, ok := r.users.Load(userID)
	if !ok {
		return
	}
	e := v.(*entry)

	e.mu.RLock()
	defer e.mu.RUnlock()
	if len(e.readers) == 0 {
		log.Printf("registry: no live readers for user %d, dropping %s", userID, ev.Type())
		return
	}
	for _, rd := range e.readers {
		rd.push(ev)
	}
}

// Subscribers reports how many readers are attached for userID.
func (r *Registry) Subscribers(userID int64) int {
	v, ok := r.users.Load(userID)
	if !ok {
		return 0
	}
	e := v.(*entry)
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.readers)
}

// Reader is one connection's view of a user's event stream. It must be
// closed when the connection ends.
type Reader struct {
	ch     chan event.Event
	entry  *entry
	missed atomic.Int64
	once   sync.Once
}

// C returns the delivery channel. It is closed by Close.
func (rd *Reader) C() <-chan event.Event {
	return rd.ch
}

// Missed returns the number of events lost to buffer overflow since the last
// call and resets the counter. A non-zero value means the consumer should
// resynchronize with a fresh query rather than trust the stream to be
// gapless.
func (rd *Reader) Missed() int64 {
	return rd.missed.Swap(0)
}

// Close detaches the reader from its user's entry and closes the channel.
// It is idempotent.
func (rd *Reader) Close() {
	rd.once.Do(func() {
		e := rd.entry
		e.mu.Lock()
		for i, other := range e.readers {
			if other == rd {
				e.readers = append(e.readers[:i], e.readers[i+1:]...)
				break
			}
		}
		e.mu.Unlock()
		// No publisher can hold a reference past the detach above, so the
		// close cannot race a push.
		close(rd.ch)
	})
}

// push enqueues ev without ever blocking the publisher. When the buffer is
// full it evicts the oldest unread event and counts the loss.
func (rd *Reader) push(ev event.Event) {
	for {
		select {
		case rd.ch <- ev:
			return
		default:
		}
		select {
		case <-rd.ch:
			rd.missed.Add(1)
		default:
		}
	}
}
