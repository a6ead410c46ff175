package identity

import "sync"

// feed fans change events out to subscribers in registration order. Delivery
// is synchronous with the call that produced the event, so a single producer
// observes its own events in order.
type feed struct {
	mu   sync.Mutex
	subs map[int]func(Event, *Session)
	next int
}

func newFeed() *feed {
	return &feed{subs: make(map[int]func(Event, *Session))}
}

// subscribe registers a handler and returns an idempotent unsubscribe func.
// After unsubscribe returns, the handler receives no further events.
func (f *feed) subscribe(fn func(Event, *Session)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.next
	f.next++
	f.subs[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subs, id)
			f.mu.Unlock()
		})
	}
}

func (f *feed) broadcast(evt Event, sess *Session) {
	f.mu.Lock()
	handlers := make([]func(Event, *Session), 0, len(f.subs))
	for i := 0; i < f.next; i++ {
		if fn, ok := f.subs[i]; ok {
			handlers = append(handlers, fn)
		}
	}
	f.mu.Unlock()

	for _, fn := range handlers {
		fn(evt, sess)
	}
}
