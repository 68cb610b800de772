// Package stats tracks per-channel message statistics: counts of RECEIVED,
// FILTERED, SENT and ERROR per connector, plus a channel-level aggregate row.
// Channels accumulate increments while a pipeline phase runs and flush them
// into that phase's store transaction; totals update in memory regardless of
// whether the store write succeeded.
package stats

import (
	"sync"

	"github.com/tsmada/interflow/message"
)

// AggregateID keys the channel-level aggregate row, which in the persisted
// schema is metadata id -1.
const AggregateID = -1

// Deltas is one batch of counter increments for a single statistics row.
type Deltas struct {
	Received int64
	Filtered int64
	Sent     int64
	Errored  int64
	Queued   int64
	Pending  int64
}

// IsZero is true when no counter changed.
func (d Deltas) IsZero() bool { return d == Deltas{} }

func (d *Deltas) add(st message.Status, n int64) {
	switch st {
	case message.Received:
		d.Received += n
	case message.Filtered:
		d.Filtered += n
	case message.Sent:
		d.Sent += n
	case message.Error:
		d.Errored += n
	case message.Queued:
		d.Queued += n
	case message.Pending:
		d.Pending += n
	}
}

// Accumulator tracks the statistics of one channel. It's safe for concurrent
// use by the dispatch pipeline and every queue worker.
type Accumulator struct {
	channelID      string
	allowNegatives bool

	mu      sync.Mutex
	totals  map[int]map[message.Status]int64
	pending map[int]Deltas
}

func NewAccumulator(channelID string) *Accumulator {
	return &Accumulator{
		channelID: channelID,
		totals:    make(map[int]map[message.Status]int64),
		pending:   make(map[int]Deltas),
	}
}

// AllowNegatives disables the zero clamp applied to decremented counters.
func (a *Accumulator) AllowNegatives() { a.allowNegatives = true }

// Load replaces in-memory totals with counts read back from the store.
func (a *Accumulator) Load(totals map[int]map[message.Status]int64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.totals = make(map[int]map[message.Status]int64, len(totals))
	for id, counts := range totals {
		var m = make(map[message.Status]int64, len(counts))
		for st, n := range counts {
			m[st] = n
		}
		a.totals[id] = m
	}
}

// UpdateStatus records an increment of |st| for |metaDataID|, applying the
// aggregate accumulation rules: RECEIVED accumulates into the channel
// aggregate only from the source, SENT only from destinations, and FILTERED
// and ERROR from any connector.
func (a *Accumulator) UpdateStatus(metaDataID int, st message.Status) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.update(metaDataID, st, 1)
}

// UpdateStatusReplacing records an increment of |st| paired with a decrement
// of |replaced|, as when a QUEUED destination finally reaches SENT.
func (a *Accumulator) UpdateStatusReplacing(metaDataID int, st, replaced message.Status) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.update(metaDataID, st, 1)
	a.update(metaDataID, replaced, -1)
}

func (a *Accumulator) update(metaDataID int, st message.Status, n int64) {
	var d = a.pending[metaDataID]
	d.add(st, n)
	a.pending[metaDataID] = d

	if aggregates(metaDataID, st) {
		d = a.pending[AggregateID]
		d.add(st, n)
		a.pending[AggregateID] = d
	}
}

func aggregates(metaDataID int, st message.Status) bool {
	switch st {
	case message.Received:
		return metaDataID == 0
	case message.Sent:
		return metaDataID > 0
	default:
		return true
	}
}

// Flush atomically removes and returns the accumulated deltas of the current
// phase, keyed by metadata id. Callers persist them within the enclosing
// transaction and then Apply them.
func (a *Accumulator) Flush() map[int]Deltas {
	a.mu.Lock()
	defer a.mu.Unlock()

	var out = a.pending
	a.pending = make(map[int]Deltas)
	for id, d := range out {
		if d.IsZero() {
			delete(out, id)
		}
	}
	return out
}

// Apply folds flushed deltas into in-memory totals, clamping counters at
// zero unless negatives were explicitly allowed, and advances the exported
// Prometheus series.
func (a *Accumulator) Apply(deltas map[int]Deltas) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for id, d := range deltas {
		var counts = a.totals[id]
		if counts == nil {
			counts = make(map[message.Status]int64)
			a.totals[id] = counts
		}
		for st, n := range map[message.Status]int64{
			message.Received: d.Received,
			message.Filtered: d.Filtered,
			message.Sent:     d.Sent,
			message.Error:    d.Errored,
			message.Queued:   d.Queued,
			message.Pending:  d.Pending,
		} {
			if n == 0 {
				continue
			}
			counts[st] += n
			if counts[st] < 0 && !a.allowNegatives {
				counts[st] = 0
			}
		}
		if id == AggregateID {
			observeAggregate(a.channelID, d)
		}
	}
}

// Snapshot returns a deep copy of the current totals.
func (a *Accumulator) Snapshot() map[int]map[message.Status]int64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	var out = make(map[int]map[message.Status]int64, len(a.totals))
	for id, counts := range a.totals {
		var m = make(map[message.Status]int64, len(counts))
		for st, n := range counts {
			m[st] = n
		}
		out[id] = m
	}
	return out
}

// Total returns the aggregate count of |st| for the channel.
func (a *Accumulator) Total(st message.Status) int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.totals[AggregateID][st]
}
