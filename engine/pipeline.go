package engine

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/tsmada/interflow/events"
	"github.com/tsmada/interflow/message"
	"github.com/tsmada/interflow/scripting"
	"github.com/tsmada/interflow/store"
)

// Error codes persisted with ERROR connector messages.
const (
	ErrCodePreprocessor        = 1
	ErrCodeFilterTransformer   = 2
	ErrCodeSend                = 3
	ErrCodeResponseTransformer = 4
	ErrCodePostprocessor       = 5
	ErrCodeResponseValidation  = 6
)

// Dispatch ingests one raw payload: it allocates a message id, creates the
// Message and source ConnectorMessage, extracts attachments, and commits the
// intake transaction. Synchronous channels then run the full pipeline before
// returning; asynchronous channels enqueue the message on the source queue
// and return it partially processed.
//
// Processing errors are recorded on the message rather than returned; a
// non-nil error means intake itself failed and no Message exists.
func (ch *Channel) Dispatch(ctx context.Context, rawData string, sourceMap map[string]any) (*message.Message, error) {
	var messageID, err = ch.nextMessageID(ctx)
	if err != nil {
		return nil, fmt.Errorf("allocating message id: %w", err)
	}

	var msg = message.NewMessage(messageID, ch.serverID, ch.cfg.ID, time.Now())
	var src = message.NewConnectorMessage(ch.cfg.ID, ch.cfg.Name, messageID, 0, ch.serverID)
	src.ConnectorName = ch.source.Name()
	for k, v := range sourceMap {
		src.SourceMap[k] = v
	}

	var raw = rawData
	var atts []Attachment
	if modified, extracted, aErr := ch.attach.Extract(ctx, rawData); aErr != nil {
		log.WithFields(log.Fields{"channel": ch.cfg.ID, "err": aErr}).
			Warn("attachment extraction failed; keeping original content")
	} else {
		raw, atts = modified, extracted
	}

	src.SetContent(message.Raw, raw, ch.source.DataType())
	msg.AddConnectorMessage(src)
	ch.stats.UpdateStatus(0, message.Received)

	var cs = ch.channelStore(ctx)
	ch.withTxn(ctx, cs, "source intake", func(txn *store.Txn) error {
		if err := txn.InsertMessage(ctx, msg); err != nil {
			return err
		}
		if err := txn.InsertConnectorMessage(ctx, src, ch.settings.StoreMaps); err != nil {
			return err
		}
		if ch.settings.StoreRaw {
			if err := txn.StoreContent(ctx, src, message.Raw); err != nil {
				return err
			}
		}
		if ch.settings.StoreAttachments {
			for _, a := range atts {
				if err := txn.InsertAttachment(ctx, messageID, a.ID, a.Type, a.Content); err != nil {
					return err
				}
			}
		}
		return nil
	})

	if !ch.srcCfg.RespondAfterProcessing && ch.srcQueue != nil {
		src.SourceMap[message.RawPayloadKey] = raw
		select {
		case ch.srcQueue <- &sourceWork{msg: msg, raw: raw}:
			return msg, nil
		case <-ctx.Done():
			return msg, ctx.Err()
		}
	}

	ch.process(ctx, msg, raw)
	return msg, nil
}

// runSourceQueueWorker drains the source queue of an asynchronous channel.
func (ch *Channel) runSourceQueueWorker(ctx context.Context) {
	for {
		select {
		case work := <-ch.srcQueue:
			ch.process(ctx, work.msg, work.raw)
		case <-ctx.Done():
			return
		}
	}
}

// process runs the pipeline from preprocessor through finalization.
func (ch *Channel) process(ctx context.Context, msg *message.Message, raw string) {
	var cs = ch.channelStore(ctx)
	var src = msg.Source()
	delete(src.SourceMap, message.RawPayloadKey)

	// Preprocessor.
	var working = raw
	if ch.cfg.PreprocessorScript != "" {
		var result, err = ch.runScript(ctx, ch.cfg.PreprocessorScript, scripting.Bindings(src, working))
		if err != nil {
			ch.sourceError(ctx, cs, msg, ErrCodePreprocessor, fmt.Errorf("preprocessor: %w", err))
			return
		}
		if s, ok := scripting.AsString(result); ok && s != working {
			working = s
			src.SetContent(message.ProcessedRaw, s, ch.source.DataType())
		}
	}

	// The DestinationSet and name index are visible to the source filter
	// and transformer, which may exclude destinations.
	var dset = ch.newDestinationSet()
	src.SourceMap[message.DestinationSetKey] = dset
	src.SourceMap[message.DestinationNamesKey] = ch.destinationNames()
	var scriptExtras = map[string]any{
		"removeDestination":       func(id int) bool { return dset.Remove(id) },
		"removeDestinationByName": func(name string) bool { return dset.RemoveByName(name) },
	}

	// Source filter.
	if ch.srcCfg.FilterScript != "" {
		var verdict, err = ch.runScript(ctx, ch.srcCfg.FilterScript,
			scripting.With(scripting.Bindings(src, working), scriptExtras))
		if err != nil {
			ch.sourceError(ctx, cs, msg, ErrCodeFilterTransformer, fmt.Errorf("source filter: %w", err))
			return
		}
		if !scripting.AsBool(verdict) {
			src.Status = message.Filtered
			msg.Processed = true
			ch.stats.UpdateStatus(0, message.Filtered)
			ch.withTxn(ctx, cs, "source filter", func(txn *store.Txn) error {
				if err := txn.UpdateStatus(ctx, src); err != nil {
					return err
				}
				if ch.settings.StoreMaps {
					if err := txn.UpdateMaps(ctx, src); err != nil {
						return err
					}
				}
				if err := ch.storeSourceMapContent(ctx, txn, src); err != nil {
					return err
				}
				return txn.SetProcessed(ctx, msg.MessageID)
			})
			return
		}
	}

	// Source transformer, then T2: status with intermediate content and
	// custom metadata.
	var encoded = working
	if ch.srcCfg.TransformerScript != "" {
		var result, err = ch.runScript(ctx, ch.srcCfg.TransformerScript,
			scripting.With(scripting.Bindings(src, working), scriptExtras))
		if err != nil {
			ch.sourceError(ctx, cs, msg, ErrCodeFilterTransformer, fmt.Errorf("source transformer: %w", err))
			return
		}
		if s, ok := scripting.AsString(result); ok {
			src.SetContent(message.TransformedContent, s, ch.source.DataType())
			encoded = s
		}
	}
	src.Status = message.Transformed
	src.SetContent(message.Encoded, encoded, ch.source.DataType())

	ch.withTxn(ctx, cs, "source processing", func(txn *store.Txn) error {
		if err := txn.UpdateStatus(ctx, src); err != nil {
			return err
		}
		for _, c := range []struct {
			enabled bool
			ct      message.ContentType
		}{
			{ch.settings.StoreProcessedRaw, message.ProcessedRaw},
			{ch.settings.StoreTransformed, message.TransformedContent},
			{ch.settings.StoreSourceEncoded, message.Encoded},
		} {
			if !c.enabled {
				continue
			}
			if err := txn.StoreContent(ctx, src, c.ct); err != nil {
				return err
			}
		}
		if ch.settings.StoreCustomMetaData {
			return txn.StoreCustomMetaData(ctx, src, ch.cfg.MetaDataColumns)
		}
		return nil
	})

	// Destination input: ENCODED, else TRANSFORMED, else RAW.
	var destRaw = src.ContentValue(message.Encoded)
	if destRaw == "" {
		destRaw = src.ContentValue(message.TransformedContent)
	}
	if destRaw == "" {
		destRaw = src.ContentValue(message.Raw)
	}

	// Dispatch each destination the scripts left in the set, in declared
	// order; destination errors are contained and never stop the loop.
	var excluded []*destination
	for _, d := range ch.dests {
		if dset.Contains(d.cfg.MetaDataID) {
			d.process(ctx, cs, msg, src, destRaw)
		} else {
			excluded = append(excluded, d)
		}
	}
	for _, d := range excluded {
		d.synthesizeFiltered(ctx, cs, msg, src, destRaw)
	}

	ch.finalize(ctx, cs, msg, src, encoded)

	if ch.events != nil {
		ch.events.Post(events.MessageComplete{
			ChannelID:   ch.cfg.ID,
			ChannelName: ch.cfg.Name,
			MessageID:   msg.MessageID,
		})
	}
}

// finalize runs the postprocessor and commits the finishing transaction:
// source response, timestamps, maps, the unconditional SOURCE_MAP trace
// blob, the processed mark, and any completion pruning.
func (ch *Channel) finalize(ctx context.Context, cs *store.ChannelStore, msg *message.Message, src *message.ConnectorMessage, encoded string) {
	// The first SENT destination's response becomes the source response.
	if ch.settings.StoreResponse {
		for _, cm := range msg.Destinations() {
			if cm.Status != message.Sent {
				continue
			}
			var val = cm.ContentValue(message.ProcessedResponse)
			if val == "" {
				val = cm.ContentValue(message.ResponseContent)
			}
			if val != "" {
				src.SetContent(message.ResponseContent, val, "JSON")
				break
			}
		}
	}

	var now = time.Now()
	src.SendAttempts = 1
	src.SendDate = now
	src.ResponseDate = now

	// Postprocessor runs outside the finishing transaction; its error is
	// written separately so a failed script can't lose the finish.
	if ch.cfg.PostprocessorScript != "" {
		if _, err := ch.runScript(ctx, ch.cfg.PostprocessorScript, scripting.Bindings(src, encoded)); err != nil {
			src.PostProcessorError = fmt.Sprintf("postprocessor: %v", err)
			log.WithFields(log.Fields{
				"channel": ch.cfg.ID,
				"message": msg.MessageID,
				"err":     err,
			}).Error("postprocessor script failed")
			ch.withTxn(ctx, cs, "postprocessor error", func(txn *store.Txn) error {
				return txn.UpdateErrors(ctx, src)
			})
		}
	}

	if ch.settings.StoreMergedResponseMap {
		src.SetContent(message.ResponseMapContent, message.EncodeMap(msg.MergedResponseMap()), "JSON")
	}

	msg.Processed = true
	ch.withTxn(ctx, cs, "finish", func(txn *store.Txn) error {
		if err := txn.UpdateStatus(ctx, src); err != nil {
			return err
		}
		if ch.settings.StoreResponse {
			if err := txn.StoreContent(ctx, src, message.ResponseContent); err != nil {
				return err
			}
		}
		if ch.settings.StoreMergedResponseMap {
			if err := txn.StoreContent(ctx, src, message.ResponseMapContent); err != nil {
				return err
			}
		}
		if ch.settings.StoreMaps {
			if err := txn.UpdateMaps(ctx, src); err != nil {
				return err
			}
		}
		if err := ch.storeSourceMapContent(ctx, txn, src); err != nil {
			return err
		}
		return txn.SetProcessed(ctx, msg.MessageID)
	})

	ch.pruneOnCompletion(ctx, cs, msg.MessageID)
}

// pruneOnCompletion applies the channel's completion-removal options, but
// only once every destination row is terminal. It runs at message finish and
// again whenever a queue worker settles a destination, since queued rows are
// rarely terminal by finish.
func (ch *Channel) pruneOnCompletion(ctx context.Context, cs *store.ChannelStore, messageID int64) {
	if cs == nil {
		return
	}
	if !ch.settings.RemoveContentOnCompletion && !ch.settings.RemoveAttachmentsOnCompletion {
		return
	}

	var terminal, err = cs.AllDestinationsTerminal(ctx, messageID)
	if err != nil {
		log.WithFields(log.Fields{"channel": ch.cfg.ID, "message": messageID, "err": err}).
			Error("checking completion state")
		return
	}
	if !terminal {
		return
	}

	if ch.settings.RemoveContentOnCompletion {
		if err = cs.DeleteMessageContent(ctx, messageID, ch.settings.RemoveOnlyFilteredOnCompletion); err != nil {
			log.WithFields(log.Fields{"channel": ch.cfg.ID, "message": messageID, "err": err}).
				Error("pruning message content")
		}
	}
	if ch.settings.RemoveAttachmentsOnCompletion {
		if err = cs.DeleteAttachments(ctx, messageID); err != nil {
			log.WithFields(log.Fields{"channel": ch.cfg.ID, "message": messageID, "err": err}).
				Error("pruning message attachments")
		}
	}
}

// sourceError marks the source ERROR, persists status, error text and
// statistics, and abandons the remainder of the pipeline. The message row
// stays unprocessed; recovery closes it out at next start.
func (ch *Channel) sourceError(ctx context.Context, cs *store.ChannelStore, msg *message.Message, code int, err error) {
	var src = msg.Source()
	src.Status = message.Error
	src.ErrorCode = code
	src.ProcessingError = err.Error()
	ch.stats.UpdateStatus(0, message.Error)

	log.WithFields(log.Fields{
		"channel": ch.cfg.ID,
		"message": msg.MessageID,
		"err":     err,
	}).Error("source processing failed")

	if ch.events != nil {
		ch.events.Post(events.ErrorEvent{
			ChannelID:  ch.cfg.ID,
			MetaDataID: 0,
			Code:       code,
			Text:       err.Error(),
		})
	}

	ch.withTxn(ctx, cs, "source error", func(txn *store.Txn) error {
		if uErr := txn.UpdateStatus(ctx, src); uErr != nil {
			return uErr
		}
		if uErr := txn.UpdateErrors(ctx, src); uErr != nil {
			return uErr
		}
		if ch.settings.StoreMaps {
			return txn.UpdateMaps(ctx, src)
		}
		return nil
	})
}

// storeSourceMapContent persists the SOURCE_MAP content slot. It is written
// at pipeline end regardless of the map-storage flags, with the pipeline's
// reserved keys stripped.
func (ch *Channel) storeSourceMapContent(ctx context.Context, txn *store.Txn, src *message.ConnectorMessage) error {
	return txn.StoreContentValue(ctx, src.MessageID, 0, message.SourceMapContent,
		message.EncodeMap(persistableSourceMap(src.SourceMap)), "JSON", false)
}

// persistableSourceMap strips the pipeline's reserved keys.
func persistableSourceMap(m map[string]any) map[string]any {
	var out = make(map[string]any, len(m))
	for k, v := range m {
		switch k {
		case message.DestinationSetKey, message.DestinationNamesKey, message.RawPayloadKey:
			// Pass.
		default:
			out[k] = v
		}
	}
	return out
}

// withTxn runs one pipeline phase's writes inside a transaction. Store
// errors never propagate: a failed phase logs, the in-memory message keeps
// its intended state, and recovery reconciles at next start. Statistics
// accumulated during the phase ride inside the transaction and fold into
// in-memory totals regardless of commit outcome.
func (ch *Channel) withTxn(ctx context.Context, cs *store.ChannelStore, phase string, fn func(*store.Txn) error) {
	var pending = ch.stats.Flush()
	defer ch.stats.Apply(pending)

	if cs == nil {
		return
	}

	var txn, err = cs.Begin(ctx)
	if err != nil {
		log.WithFields(log.Fields{"channel": ch.cfg.ID, "phase": phase, "err": err}).
			Error("beginning message transaction")
		return
	}
	if err = fn(txn); err == nil {
		err = txn.UpdateStatisticsBatch(ctx, ch.serverID, pending)
	}
	if err != nil {
		_ = txn.Rollback()
	} else {
		err = txn.Commit()
	}
	if err != nil {
		log.WithFields(log.Fields{"channel": ch.cfg.ID, "phase": phase, "err": err}).
			Error("message store write failed")
	}
}

// runScript executes an operator script with the channel's executor.
func (ch *Channel) runScript(ctx context.Context, script string, bindings map[string]any) (any, error) {
	if ch.executor == nil {
		return nil, fmt.Errorf("no script executor configured")
	}
	return scripting.ExecuteWithTimeout(ctx, ch.executor, script, bindings, scripting.DefaultTimeout)
}

// newDestinationSet returns the full set of configured destinations.
func (ch *Channel) newDestinationSet() *DestinationSet {
	var configs = make([]DestinationConfig, 0, len(ch.dests))
	for _, d := range ch.dests {
		configs = append(configs, d.cfg)
	}
	return NewDestinationSet(configs)
}

// destinationNames returns the name to metadata id index exposed to scripts.
// With duplicate names, the first declared id wins.
func (ch *Channel) destinationNames() map[string]int {
	var out = make(map[string]int, len(ch.dests))
	for _, d := range ch.dests {
		if _, ok := out[d.cfg.Name]; !ok {
			out[d.cfg.Name] = d.cfg.MetaDataID
		}
	}
	return out
}
