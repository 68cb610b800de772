package events

import (
	"sync"
	"sync/atomic"
)

// Dispatcher fans events out to subscribers. Post never blocks: a
// subscriber whose buffer is full drops the event, counted by Dropped.
type Dispatcher struct {
	mu   sync.RWMutex
	subs map[int]chan Event
	next int

	dropped atomic.Int64
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{subs: make(map[int]chan Event)}
}

// Subscribe registers a subscriber with |buffer| capacity, returning its
// channel and a cancel function. The channel closes on cancel.
func (d *Dispatcher) Subscribe(buffer int) (<-chan Event, func()) {
	var ch = make(chan Event, buffer)

	d.mu.Lock()
	var id = d.next
	d.next++
	d.subs[id] = ch
	d.mu.Unlock()

	return ch, func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		if _, ok := d.subs[id]; ok {
			delete(d.subs, id)
			close(ch)
		}
	}
}

// Post delivers |ev| to every subscriber without blocking. A nil Dispatcher
// discards events, so components can hold one unconditionally.
func (d *Dispatcher) Post(ev Event) {
	if d == nil {
		return
	}
	d.mu.RLock()
	defer d.mu.RUnlock()

	for _, ch := range d.subs {
		select {
		case ch <- ev:
		default:
			d.dropped.Add(1)
		}
	}
}

// Dropped returns the count of events dropped on full subscriber buffers.
func (d *Dispatcher) Dropped() int64 { return d.dropped.Load() }
