package engine

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/tsmada/interflow/message"
	"github.com/tsmada/interflow/store"
)

// recoverMessages re-enters every unfinished message at the point its last
// committed transaction left it. PENDING destinations replay the response
// transformer from their stored RESPONSE and never the send; pre-send rows
// re-enqueue to their destination queue; ERROR sources are closed out
// without retry. Failures are logged and the channel starts regardless.
func (ch *Channel) recoverMessages(ctx context.Context, cs *store.ChannelStore) error {
	if !ch.settings.MessageRecoveryEnabled {
		return nil
	}
	var ids, err = cs.UnfinishedMessageIDs(ctx)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}

	log.WithFields(log.Fields{
		"channel": ch.cfg.ID,
		"count":   len(ids),
	}).Info("recovering unfinished messages")

	// Queue inserts during replay persist the QUEUED row only; rehydration
	// loads it into the worker's queue afterwards.
	ch.recovering = true
	defer func() { ch.recovering = false }()

	for _, id := range ids {
		var msg, err = cs.LoadMessage(ctx, id)
		if err != nil {
			log.WithFields(log.Fields{"channel": ch.cfg.ID, "message": id, "err": err}).
				Error("loading unfinished message")
			continue
		}
		ch.recoverMessage(ctx, cs, msg)
	}
	return nil
}

func (ch *Channel) recoverMessage(ctx context.Context, cs *store.ChannelStore, msg *message.Message) {
	var src = msg.Source()
	if src == nil {
		// A message row without its source connector message: T1 is the
		// only transaction that writes both, so this shouldn't happen,
		// but close the row out rather than rescanning it forever.
		if err := cs.SetProcessed(ctx, msg.MessageID); err != nil {
			log.WithFields(log.Fields{"channel": ch.cfg.ID, "message": msg.MessageID, "err": err}).
				Error("closing sourceless message")
		}
		return
	}
	src.ChannelName = ch.cfg.Name
	for _, cm := range msg.Destinations() {
		cm.ChannelName = ch.cfg.Name
	}

	switch src.Status {
	case message.Error:
		// Errored sources are not retried; mark the message processed so
		// recovery doesn't revisit it.
		if err := cs.SetProcessed(ctx, msg.MessageID); err != nil {
			log.WithFields(log.Fields{"channel": ch.cfg.ID, "message": msg.MessageID, "err": err}).
				Error("closing errored message")
		}

	case message.Received:
		// Crashed after intake, before source processing. No destination
		// rows can exist yet; re-enter the pipeline from the stored RAW.
		var raw = src.ContentValue(message.Raw)
		if raw == "" {
			ch.sourceError(ctx, cs, msg, ErrCodeSend,
				fmt.Errorf("recovery: raw content unavailable"))
			if err := cs.SetProcessed(ctx, msg.MessageID); err != nil {
				log.WithFields(log.Fields{"channel": ch.cfg.ID, "message": msg.MessageID, "err": err}).
					Error("closing unrecoverable message")
			}
			return
		}
		ch.process(ctx, msg, raw)

	case message.Filtered:
		// The filtered transaction marks processed with the status, so
		// reaching here means only the processed flip was lost.
		if err := cs.SetProcessed(ctx, msg.MessageID); err != nil {
			log.WithFields(log.Fields{"channel": ch.cfg.ID, "message": msg.MessageID, "err": err}).
				Error("closing filtered message")
		}

	case message.Transformed:
		ch.recoverDestinations(ctx, cs, msg, src)

	default:
		log.WithFields(log.Fields{
			"channel": ch.cfg.ID,
			"message": msg.MessageID,
			"status":  src.Status,
		}).Warn("unexpected source status during recovery")
		if err := cs.SetProcessed(ctx, msg.MessageID); err != nil {
			log.WithFields(log.Fields{"channel": ch.cfg.ID, "message": msg.MessageID, "err": err}).
				Error("closing message")
		}
	}
}

// recoverDestinations resumes a message which crashed somewhere in its
// destination loop or finish.
func (ch *Channel) recoverDestinations(ctx context.Context, cs *store.ChannelStore, msg *message.Message, src *message.ConnectorMessage) {
	// The destination input, recomputed the same way the pipeline does.
	var destRaw = src.ContentValue(message.Encoded)
	if destRaw == "" {
		destRaw = src.ContentValue(message.TransformedContent)
	}
	if destRaw == "" {
		destRaw = src.ContentValue(message.Raw)
	}

	for _, d := range ch.dests {
		var cm = msg.ConnectorMessage(d.cfg.MetaDataID)
		if cm == nil {
			// The dispatch loop never reached this destination; run its
			// full leg now.
			d.process(ctx, cs, msg, src, destRaw)
			continue
		}

		switch cm.Status {
		case message.Pending:
			d.recoverPending(ctx, cs, cm)

		case message.Received, message.Transformed:
			// Pre-send. Queue-enabled destinations park at QUEUED and are
			// picked up by rehydration; the send may not have happened, and
			// for others there is no safe way to tell, so they error out.
			if d.cfg.QueueEnabled {
				d.markQueued(ctx, cs, cm, fmt.Errorf("recovered before send completed"))
			} else {
				d.fail(ctx, cs, cm, ErrCodeSend,
					fmt.Errorf("recovery: interrupted before send completed"))
			}

		case message.Queued:
			// Rehydration reloads QUEUED rows into the worker's queue.

		default:
			// Terminal. Nothing to replay.
		}
	}

	// Close the message without re-running the postprocessor: it may have
	// already run before the crash and is not assumed idempotent.
	msg.Processed = true
	ch.withTxn(ctx, cs, "recovery finish", func(txn *store.Txn) error {
		if err := txn.UpdateStatus(ctx, src); err != nil {
			return err
		}
		if err := ch.storeSourceMapContent(ctx, txn, src); err != nil {
			return err
		}
		return txn.SetProcessed(ctx, msg.MessageID)
	})
}

// recoverPending replays the response transformer of a PENDING destination
// from its stored RESPONSE content, restores SENT, and finalizes. The
// network send is never repeated.
func (d *destination) recoverPending(ctx context.Context, cs *store.ChannelStore, cm *message.ConnectorMessage) {
	var resp *message.Response
	if v := cm.ContentValue(message.ResponseContent); v != "" {
		var decoded, err = message.DecodeResponse(v)
		if err != nil {
			log.WithFields(log.Fields{
				"channel":   d.ch.cfg.ID,
				"connector": d.cfg.Name,
				"message":   cm.MessageID,
				"err":       err,
			}).Warn("stored response unreadable during recovery")
		} else {
			resp = decoded
		}
	}
	if resp == nil {
		resp = message.NewResponse(message.Sent, "")
	}

	var final = message.Sent
	if err := d.runResponseTransformer(ctx, cm, resp); err != nil {
		final = message.Error
		cm.ErrorCode = ErrCodeResponseTransformer
		cm.ResponseError = err.Error()
		log.WithFields(log.Fields{
			"channel":   d.ch.cfg.ID,
			"connector": d.cfg.Name,
			"message":   cm.MessageID,
			"err":       err,
		}).Error("response transformer failed during recovery")
	}
	cm.Status = final
	d.ch.stats.UpdateStatusReplacing(cm.MetaDataID, final, message.Pending)
	d.finalizeDest(ctx, cs, cm)

	log.WithFields(log.Fields{
		"channel":   d.ch.cfg.ID,
		"connector": d.cfg.Name,
		"message":   cm.MessageID,
		"status":    final,
	}).Info("recovered pending destination")
}
