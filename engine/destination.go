package engine

import (
	"context"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/tsmada/interflow/connector"
	"github.com/tsmada/interflow/events"
	"github.com/tsmada/interflow/message"
	"github.com/tsmada/interflow/scripting"
	"github.com/tsmada/interflow/store"
)

// destination wraps one destination transport with the engine-level
// semantics above it: filter, transformer, the send with its PENDING
// response checkpoint, and the retry queue.
type destination struct {
	ch        *Channel
	cfg       DestinationConfig
	transport connector.Destination
	validator connector.ResponseValidator
	queue     *destinationQueue
}

func newDestination(ch *Channel, b DestinationBinding) *destination {
	var d = &destination{
		ch:        ch,
		cfg:       b.Config,
		transport: b.Transport,
		validator: b.Validator,
	}
	if d.cfg.QueueAlways {
		d.cfg.QueueEnabled = true
	}
	if d.cfg.QueueEnabled {
		d.queue = newDestinationQueue(ch.cfg.ID, d.cfg.Name)
	}
	return d
}

func (d *destination) env() connector.Env {
	return connector.Env{
		ChannelID:     d.ch.cfg.ID,
		ChannelName:   d.ch.cfg.Name,
		MetaDataID:    d.cfg.MetaDataID,
		ConnectorName: d.cfg.Name,
		Events:        d.ch.events,
	}
}

// process runs this destination's leg of the pipeline for one message:
// clone, filter, transform, then send or enqueue. Errors are contained to
// this destination.
func (d *destination) process(ctx context.Context, cs *store.ChannelStore, msg *message.Message, src *message.ConnectorMessage, rawInput string) {
	var cm = src.CloneForDestination(d.cfg.MetaDataID, d.cfg.Name)
	cm.SetContent(message.Raw, rawInput, d.ch.source.DataType())
	msg.AddConnectorMessage(cm)

	d.ch.withTxn(ctx, cs, "destination intake", func(txn *store.Txn) error {
		if err := txn.InsertConnectorMessage(ctx, cm, false); err != nil {
			return err
		}
		if d.ch.settings.StoreRaw {
			return txn.StoreContent(ctx, cm, message.Raw)
		}
		return nil
	})

	// Destination filter.
	if d.cfg.FilterScript != "" {
		var verdict, err = d.ch.runScript(ctx, d.cfg.FilterScript, scripting.Bindings(cm, rawInput))
		if err != nil {
			d.fail(ctx, cs, cm, ErrCodeFilterTransformer, fmt.Errorf("filter: %w", err))
			return
		}
		if !scripting.AsBool(verdict) {
			cm.Status = message.Filtered
			d.ch.stats.UpdateStatus(cm.MetaDataID, message.Filtered)
			d.ch.withTxn(ctx, cs, "destination filter", func(txn *store.Txn) error {
				if err := txn.UpdateStatus(ctx, cm); err != nil {
					return err
				}
				if d.ch.settings.StoreMaps {
					return txn.UpdateMaps(ctx, cm)
				}
				return nil
			})
			return
		}
	}

	// Destination transformer.
	var encoded = rawInput
	if d.cfg.TransformerScript != "" {
		var result, err = d.ch.runScript(ctx, d.cfg.TransformerScript, scripting.Bindings(cm, rawInput))
		if err != nil {
			d.fail(ctx, cs, cm, ErrCodeFilterTransformer, fmt.Errorf("transformer: %w", err))
			return
		}
		if s, ok := scripting.AsString(result); ok {
			cm.SetContent(message.TransformedContent, s, d.ch.source.DataType())
			encoded = s
		}
	}
	cm.Status = message.Transformed
	cm.SetContent(message.Encoded, encoded, d.ch.source.DataType())

	d.ch.withTxn(ctx, cs, "destination processing", func(txn *store.Txn) error {
		if err := txn.UpdateStatus(ctx, cm); err != nil {
			return err
		}
		if d.ch.settings.StoreTransformed {
			if err := txn.StoreContent(ctx, cm, message.TransformedContent); err != nil {
				return err
			}
		}
		if d.ch.settings.StoreDestinationEncoded {
			return txn.StoreContent(ctx, cm, message.Encoded)
		}
		return nil
	})

	if d.cfg.QueueAlways {
		d.enqueue(ctx, cs, cm, nil)
		return
	}

	var resp, err = d.sendOnce(ctx, cm)
	if err = d.checkResponse(cm, resp, err); err != nil {
		if d.cfg.QueueEnabled {
			d.enqueue(ctx, cs, cm, err)
		} else {
			d.fail(ctx, cs, cm, failureCode(err), err)
		}
		return
	}
	d.completeSend(ctx, cs, cm, resp, 0, false)
}

// sendOnce performs one transport send attempt.
func (d *destination) sendOnce(ctx context.Context, cm *message.ConnectorMessage) (*message.Response, error) {
	cm.SendAttempts++
	var resp, err = d.transport.Send(ctx, cm)
	cm.SendDate = d.ch.clock.Now()
	return resp, err
}

// validationError marks a response-validator rejection, which is retried
// like a transport failure but persisted with its own error code.
type validationError struct{ err error }

func (e validationError) Error() string { return e.err.Error() }
func (e validationError) Unwrap() error { return e.err }

// checkResponse folds a transport response into the error surface: a
// QUEUED or ERROR response status, or a validator override, becomes a send
// failure.
func (d *destination) checkResponse(cm *message.ConnectorMessage, resp *message.Response, err error) error {
	if err != nil {
		return err
	}
	if resp != nil {
		switch resp.Status {
		case message.Queued, message.Error:
			if resp.Error != "" {
				return errors.New(resp.Error)
			}
			return fmt.Errorf("destination %q send returned %s", d.cfg.Name, resp.Status)
		}
	}
	if d.validator != nil && resp != nil {
		if validated := d.validator.Validate(resp, cm); validated != nil {
			*resp = *validated
			if resp.Status == message.Error {
				if resp.Error != "" {
					return validationError{errors.New(resp.Error)}
				}
				return validationError{errors.New("response validation failed")}
			}
		}
	}
	return nil
}

// failureCode maps a send failure onto its persisted error code.
func failureCode(err error) int {
	var ve validationError
	if errors.As(err, &ve) {
		return ErrCodeResponseValidation
	}
	return ErrCodeSend
}

// completeSend records a successful send: the RESPONSE content and PENDING
// checkpoint when responses are stored, the response transformer, and then
// the per-destination finishing transaction. |replaced| with |replace| set
// names the statistics counter this send supersedes (QUEUED for a queue
// worker send).
func (d *destination) completeSend(ctx context.Context, cs *store.ChannelStore, cm *message.ConnectorMessage, resp *message.Response, replaced message.Status, replace bool) {
	cm.ResponseDate = d.ch.clock.Now()

	var wasPending bool
	if resp != nil && resp.Message != "" {
		cm.SetContent(message.ResponseContent, message.EncodeResponse(resp), "JSON")

		// The PENDING checkpoint directs recovery: the send is durable
		// before the response transformer runs, so a crash replays the
		// transformer but never the send.
		if d.ch.settings.StoreResponse && cs != nil {
			wasPending = true
			cm.Status = message.Pending
			if replace {
				d.ch.stats.UpdateStatusReplacing(cm.MetaDataID, message.Pending, replaced)
				replace = false
			} else {
				d.ch.stats.UpdateStatus(cm.MetaDataID, message.Pending)
			}
			d.ch.withTxn(ctx, cs, "response checkpoint", func(txn *store.Txn) error {
				if err := txn.UpdateStatus(ctx, cm); err != nil {
					return err
				}
				return txn.StoreContent(ctx, cm, message.ResponseContent)
			})
		}
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
		}).Error("response transformer failed")
		d.ch.events.Post(events.ErrorEvent{
			ChannelID:  d.ch.cfg.ID,
			MetaDataID: d.cfg.MetaDataID,
			Code:       ErrCodeResponseTransformer,
			Text:       err.Error(),
		})
	}

	cm.Status = final
	switch {
	case wasPending:
		d.ch.stats.UpdateStatusReplacing(cm.MetaDataID, final, message.Pending)
	case replace:
		d.ch.stats.UpdateStatusReplacing(cm.MetaDataID, final, replaced)
	default:
		d.ch.stats.UpdateStatus(cm.MetaDataID, final)
	}

	d.finalizeDest(ctx, cs, cm)
}

// runResponseTransformer runs the configured response transformer and
// derives the PROCESSED_RESPONSE content.
func (d *destination) runResponseTransformer(ctx context.Context, cm *message.ConnectorMessage, resp *message.Response) error {
	if d.cfg.ResponseTransformerScript == "" {
		if resp != nil && resp.Message != "" {
			cm.SetContent(message.ProcessedResponse, message.EncodeResponse(resp), "JSON")
		}
		return nil
	}
	if resp == nil {
		resp = message.NewResponse(message.Sent, "")
	}

	var bindings = scripting.With(scripting.Bindings(cm, cm.ContentValue(message.Encoded)), map[string]any{
		"response":       resp.Message,
		"responseStatus": resp.Status.String(),
		"responseError":  resp.Error,
	})
	var result, err = d.ch.runScript(ctx, d.cfg.ResponseTransformerScript, bindings)
	if err != nil {
		return fmt.Errorf("response transformer: %w", err)
	}
	if s, ok := scripting.AsString(result); ok && s != resp.Message {
		resp.Message = s
		cm.SetContent(message.ResponseTransformed, s, "JSON")
	}
	cm.SetContent(message.ProcessedResponse, message.EncodeResponse(resp), "JSON")
	return nil
}

// finalizeDest commits the per-destination finishing transaction: status,
// send bookkeeping, content slots as enabled, maps and custom metadata.
func (d *destination) finalizeDest(ctx context.Context, cs *store.ChannelStore, cm *message.ConnectorMessage) {
	d.ch.withTxn(ctx, cs, "destination finish", func(txn *store.Txn) error {
		if err := txn.UpdateStatus(ctx, cm); err != nil {
			return err
		}
		if cm.ErrorCode != 0 || cm.ProcessingError != "" || cm.ResponseError != "" {
			if err := txn.UpdateErrors(ctx, cm); err != nil {
				return err
			}
		}
		for _, c := range []struct {
			enabled bool
			ct      message.ContentType
		}{
			{d.ch.settings.StoreSent, message.SentContent},
			{d.ch.settings.StoreResponse, message.ResponseContent},
			{d.ch.settings.StoreResponseTransformed, message.ResponseTransformed},
			{d.ch.settings.StoreProcessedResponse, message.ProcessedResponse},
		} {
			if !c.enabled {
				continue
			}
			if err := txn.StoreContent(ctx, cm, c.ct); err != nil {
				return err
			}
		}
		if d.ch.settings.StoreMaps {
			if err := txn.UpdateMaps(ctx, cm); err != nil {
				return err
			}
		}
		if d.ch.settings.StoreCustomMetaData {
			return txn.StoreCustomMetaData(ctx, cm, d.ch.cfg.MetaDataColumns)
		}
		return nil
	})
}

// fail marks this destination ERROR, persists it, and contains the error.
func (d *destination) fail(ctx context.Context, cs *store.ChannelStore, cm *message.ConnectorMessage, code int, err error) {
	cm.Status = message.Error
	cm.ErrorCode = code
	if code == ErrCodeResponseValidation {
		cm.ResponseError = err.Error()
	} else {
		cm.ProcessingError = err.Error()
	}
	d.ch.stats.UpdateStatus(cm.MetaDataID, message.Error)

	log.WithFields(log.Fields{
		"channel":   d.ch.cfg.ID,
		"connector": d.cfg.Name,
		"message":   cm.MessageID,
		"err":       err,
	}).Error("destination processing failed")
	d.ch.events.Post(events.ErrorEvent{
		ChannelID:  d.ch.cfg.ID,
		MetaDataID: d.cfg.MetaDataID,
		Code:       code,
		Text:       err.Error(),
	})

	d.ch.withTxn(ctx, cs, "destination error", func(txn *store.Txn) error {
		if uErr := txn.UpdateStatus(ctx, cm); uErr != nil {
			return uErr
		}
		if uErr := txn.UpdateErrors(ctx, cm); uErr != nil {
			return uErr
		}
		if d.ch.settings.StoreMaps {
			return txn.UpdateMaps(ctx, cm)
		}
		return nil
	})
}

// enqueue marks this destination QUEUED, persists it, and pushes the
// connector message onto the retry queue. During recovery replay the push is
// skipped: rehydration loads the persisted row once workers start, and
// pushing it here as well would deliver the message twice.
func (d *destination) enqueue(ctx context.Context, cs *store.ChannelStore, cm *message.ConnectorMessage, cause error) {
	d.markQueued(ctx, cs, cm, cause)
	if d.ch.recovering {
		return
	}
	d.queue.Enqueue(cm)
}

// markQueued persists the QUEUED transition without touching the in-memory
// queue. Recovery uses it directly: rehydration loads the row into the
// worker's queue afterwards, and enqueueing it here as well would deliver
// the message twice.
func (d *destination) markQueued(ctx context.Context, cs *store.ChannelStore, cm *message.ConnectorMessage, cause error) {
	cm.Status = message.Queued
	if cause != nil {
		cm.ProcessingError = cause.Error()
	}
	d.ch.stats.UpdateStatus(cm.MetaDataID, message.Queued)

	d.ch.withTxn(ctx, cs, "destination queue", func(txn *store.Txn) error {
		if err := txn.UpdateStatus(ctx, cm); err != nil {
			return err
		}
		if cause != nil {
			return txn.UpdateErrors(ctx, cm)
		}
		return nil
	})
}

// synthesizeFiltered records a FILTERED ConnectorMessage for a destination
// the DestinationSet excluded, so accounting stays complete without its
// transport ever being invoked.
func (d *destination) synthesizeFiltered(ctx context.Context, cs *store.ChannelStore, msg *message.Message, src *message.ConnectorMessage, rawInput string) {
	var cm = src.CloneForDestination(d.cfg.MetaDataID, d.cfg.Name)
	cm.SetContent(message.Raw, rawInput, d.ch.source.DataType())
	cm.Status = message.Filtered
	msg.AddConnectorMessage(cm)
	d.ch.stats.UpdateStatus(cm.MetaDataID, message.Filtered)

	d.ch.withTxn(ctx, cs, "destination excluded", func(txn *store.Txn) error {
		if err := txn.InsertConnectorMessage(ctx, cm, false); err != nil {
			return err
		}
		if d.ch.settings.StoreRaw {
			return txn.StoreContent(ctx, cm, message.Raw)
		}
		return nil
	})
}
