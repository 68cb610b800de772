package engine

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	log "github.com/sirupsen/logrus"

	"github.com/tsmada/interflow/events"
	"github.com/tsmada/interflow/message"
	"github.com/tsmada/interflow/stats"
	"github.com/tsmada/interflow/store"
)

// destinationQueue is the in-memory FIFO of one queue-enabled destination,
// durably backed by QUEUED connector-message rows. Retries re-insert at the
// tail.
type destinationQueue struct {
	channelID string
	connector string

	mu     sync.Mutex
	items  []*message.ConnectorMessage
	notify chan struct{}
}

func newDestinationQueue(channelID, connector string) *destinationQueue {
	return &destinationQueue{
		channelID: channelID,
		connector: connector,
		notify:    make(chan struct{}, 1),
	}
}

// Enqueue appends |cm| and wakes the worker.
func (q *destinationQueue) Enqueue(cm *message.ConnectorMessage) {
	q.mu.Lock()
	q.items = append(q.items, cm)
	var depth = len(q.items)
	q.mu.Unlock()

	stats.SetQueueDepth(q.channelID, q.connector, depth)
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// tryDequeue pops the head, if any.
func (q *destinationQueue) tryDequeue() (*message.ConnectorMessage, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil, false
	}
	var cm = q.items[0]
	q.items = q.items[1:]
	stats.SetQueueDepth(q.channelID, q.connector, len(q.items))
	return cm, true
}

// Depth returns the current queue depth.
func (q *destinationQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// retryInterval resolves the destination's configured retry pause.
func (d *destination) retryInterval() time.Duration {
	if d.cfg.RetryIntervalMillis > 0 {
		return time.Duration(d.cfg.RetryIntervalMillis) * time.Millisecond
	}
	return DefaultRetryIntervalMillis * time.Millisecond
}

// rehydrateQueue reloads QUEUED rows into the in-memory queue at channel
// start.
func (d *destination) rehydrateQueue(ctx context.Context) {
	var cs = d.ch.channelStore(ctx)
	if cs == nil || d.queue == nil {
		return
	}
	var cms, err = cs.QueuedMessages(ctx, d.cfg.MetaDataID)
	if err != nil {
		log.WithFields(log.Fields{
			"channel":   d.ch.cfg.ID,
			"connector": d.cfg.Name,
			"err":       err,
		}).Error("rehydrating destination queue")
		return
	}
	for _, cm := range cms {
		cm.ChannelName = d.ch.cfg.Name
		d.queue.Enqueue(cm)
	}
	if len(cms) > 0 {
		log.WithFields(log.Fields{
			"channel":   d.ch.cfg.ID,
			"connector": d.cfg.Name,
			"count":     len(cms),
		}).Info("rehydrated destination queue")
	}
}

// runQueueWorker drains the destination queue until cancelled: acquire an
// entry or sleep the retry interval; back off before re-attempting an entry
// that has been tried; send; and settle the outcome.
func (d *destination) runQueueWorker(ctx context.Context) {
	var interval = d.retryInterval()
	log.WithFields(log.Fields{
		"channel":   d.ch.cfg.ID,
		"connector": d.cfg.Name,
	}).Info("destination queue worker started")

	for {
		var cm, ok = d.queue.tryDequeue()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-d.queue.notify:
			case <-d.ch.clock.After(interval):
			}
			continue
		}

		if cm.SendAttempts > 0 && !sleepClock(ctx, d.ch.clock, interval) {
			// Cancelled mid-backoff. The row is still QUEUED; rehydration
			// reloads it at next start.
			return
		}
		d.processQueued(ctx, cm)

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

// processQueued performs one queue send attempt and settles its outcome:
// SENT, re-queued for retry, or terminal ERROR once retryCount is exhausted.
func (d *destination) processQueued(ctx context.Context, cm *message.ConnectorMessage) {
	var cs = d.ch.channelStore(ctx)

	var resp, err = d.sendOnce(ctx, cm)
	if err = d.checkResponse(cm, resp, err); err == nil {
		d.completeSend(ctx, cs, cm, resp, message.Queued, true)
		d.ch.pruneOnCompletion(ctx, cs, cm.MessageID)
		return
	}

	if d.cfg.RetryCount > 0 && cm.SendAttempts >= d.cfg.RetryCount {
		cm.Status = message.Error
		cm.ErrorCode = failureCode(err)
		cm.ProcessingError = err.Error()
		d.ch.stats.UpdateStatusReplacing(cm.MetaDataID, message.Error, message.Queued)

		log.WithFields(log.Fields{
			"channel":   d.ch.cfg.ID,
			"connector": d.cfg.Name,
			"message":   cm.MessageID,
			"attempts":  cm.SendAttempts,
			"err":       err,
		}).Error("destination retries exhausted")
		d.ch.events.Post(events.ErrorEvent{
			ChannelID:  d.ch.cfg.ID,
			MetaDataID: d.cfg.MetaDataID,
			Code:       cm.ErrorCode,
			Text:       err.Error(),
		})

		d.ch.withTxn(ctx, cs, "queue retries exhausted", func(txn *store.Txn) error {
			if uErr := txn.UpdateStatus(ctx, cm); uErr != nil {
				return uErr
			}
			return txn.UpdateErrors(ctx, cm)
		})
		d.ch.pruneOnCompletion(ctx, cs, cm.MessageID)
		return
	}

	// Release for retry: the row stays QUEUED with its attempt count
	// persisted; the entry re-inserts at the tail.
	cm.Status = message.Queued
	cm.ProcessingError = err.Error()
	log.WithFields(log.Fields{
		"channel":   d.ch.cfg.ID,
		"connector": d.cfg.Name,
		"message":   cm.MessageID,
		"attempts":  cm.SendAttempts,
		"err":       err,
	}).Warn("destination send failed; will retry")

	d.ch.withTxn(ctx, cs, "queue retry", func(txn *store.Txn) error {
		if uErr := txn.UpdateStatus(ctx, cm); uErr != nil {
			return uErr
		}
		return txn.UpdateErrors(ctx, cm)
	})
	d.queue.Enqueue(cm)
}

// sleepClock sleeps |dur| against |c|, waking early on cancellation.
func sleepClock(ctx context.Context, c clock.Clock, dur time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-c.After(dur):
		return true
	}
}
