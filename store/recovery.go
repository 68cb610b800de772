package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/tsmada/interflow/message"
)

// UnfinishedMessageIDs returns ids of messages whose pipeline never
// finalized (processed = false), in id order.
func (cs *ChannelStore) UnfinishedMessageIDs(ctx context.Context) ([]int64, error) {
	var rows, err = cs.query(ctx, fmt.Sprintf(
		`SELECT id FROM %s WHERE processed = FALSE ORDER BY id`, cs.tblMessage))
	if err != nil {
		return nil, fmt.Errorf("querying unfinished messages: %w", err)
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err = rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning message id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// LoadMessage reassembles a full Message: its row, every connector message
// with maps decoded, and every content slot.
func (cs *ChannelStore) LoadMessage(ctx context.Context, messageID int64) (*message.Message, error) {
	var serverID string
	var receivedDate sql.NullTime
	var processed bool

	var err = cs.queryRow(ctx, fmt.Sprintf(
		`SELECT server_id, received_date, processed FROM %s WHERE id = ?`, cs.tblMessage),
		messageID).Scan(&serverID, &receivedDate, &processed)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("message %d not found", messageID)
	} else if err != nil {
		return nil, fmt.Errorf("loading message row: %w", err)
	}

	var msg = message.NewMessage(messageID, serverID, cs.ChannelID, receivedDate.Time)
	msg.Processed = processed

	if err = cs.loadConnectorMessages(ctx, msg); err != nil {
		return nil, err
	}
	if err = cs.loadContent(ctx, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

func (cs *ChannelStore) loadConnectorMessages(ctx context.Context, msg *message.Message) error {
	var rows, err = cs.query(ctx, fmt.Sprintf(
		`SELECT id, message_id, server_id, received_date, status, connector_name, send_attempts,
			send_date, response_date, error_code, chain_id,
			processing_error, postprocessor_error, response_error,
			source_map, connector_map, channel_map, response_map
		 FROM %s WHERE message_id = ? ORDER BY id`, cs.tblConnector), msg.MessageID)
	if err != nil {
		return fmt.Errorf("querying connector messages: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var cm, err = scanConnectorMessage(rows, cs.ChannelID)
		if err != nil {
			return err
		}
		msg.AddConnectorMessage(cm)
	}
	return rows.Err()
}

func scanConnectorMessage(rows *sql.Rows, channelID string) (*message.ConnectorMessage, error) {
	var (
		cm           = message.NewConnectorMessage(channelID, "", 0, 0, "")
		receivedDate sql.NullTime
		statusCode   string
		sendDate     sql.NullTime
		responseDate sql.NullTime
		procErr      sql.NullString
		postErr      sql.NullString
		respErr      sql.NullString
		srcMap       sql.NullString
		conMap       sql.NullString
		chanMap      sql.NullString
		respMap      sql.NullString
	)
	var err = rows.Scan(&cm.MetaDataID, &cm.MessageID, &cm.ServerID, &receivedDate, &statusCode,
		&cm.ConnectorName, &cm.SendAttempts, &sendDate, &responseDate,
		&cm.ErrorCode, &cm.ChainID, &procErr, &postErr, &respErr,
		&srcMap, &conMap, &chanMap, &respMap)
	if err != nil {
		return nil, fmt.Errorf("scanning connector message: %w", err)
	}

	cm.ReceivedDate = receivedDate.Time
	if cm.Status, err = message.StatusFromCode(statusCode); err != nil {
		return nil, err
	}
	cm.SendDate = sendDate.Time
	cm.ResponseDate = responseDate.Time
	cm.ProcessingError = procErr.String
	cm.PostProcessorError = postErr.String
	cm.ResponseError = respErr.String

	for _, m := range []struct {
		raw sql.NullString
		dst *map[string]any
	}{
		{srcMap, &cm.SourceMap},
		{conMap, &cm.ConnectorMap},
		{chanMap, &cm.ChannelMap},
		{respMap, &cm.ResponseMap},
	} {
		if !m.raw.Valid {
			continue
		}
		var decoded, err = message.DecodeMap(m.raw.String)
		if err != nil {
			return nil, err
		}
		*m.dst = decoded
	}
	return cm, nil
}

func (cs *ChannelStore) loadContent(ctx context.Context, msg *message.Message) error {
	var rows, err = cs.query(ctx, fmt.Sprintf(
		`SELECT metadata_id, content_type, content, data_type FROM %s WHERE message_id = ?`,
		cs.tblContent), msg.MessageID)
	if err != nil {
		return fmt.Errorf("querying content: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var metaDataID, contentType int
		var content, dataType string
		if err = rows.Scan(&metaDataID, &contentType, &content, &dataType); err != nil {
			return fmt.Errorf("scanning content row: %w", err)
		}
		if cm := msg.ConnectorMessage(metaDataID); cm != nil {
			cm.SetContent(message.ContentType(contentType), content, dataType)
		}
	}
	return rows.Err()
}

// QueuedMessages loads the QUEUED connector messages of destination
// |metaDataID| in message id order, with their content, for queue
// rehydration at channel start.
func (cs *ChannelStore) QueuedMessages(ctx context.Context, metaDataID int) ([]*message.ConnectorMessage, error) {
	var rows, err = cs.query(ctx, fmt.Sprintf(
		`SELECT id, message_id, server_id, received_date, status, connector_name, send_attempts,
			send_date, response_date, error_code, chain_id,
			processing_error, postprocessor_error, response_error,
			source_map, connector_map, channel_map, response_map
		 FROM %s WHERE id = ? AND status = 'Q' ORDER BY message_id`, cs.tblConnector), metaDataID)
	if err != nil {
		return nil, fmt.Errorf("querying queued messages: %w", err)
	}
	defer rows.Close()

	var out []*message.ConnectorMessage
	for rows.Next() {
		var cm, err = scanConnectorMessage(rows, cs.ChannelID)
		if err != nil {
			return nil, err
		}
		out = append(out, cm)
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}

	for _, cm := range out {
		if err = cs.loadConnectorContent(ctx, cm); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (cs *ChannelStore) loadConnectorContent(ctx context.Context, cm *message.ConnectorMessage) error {
	var rows, err = cs.query(ctx, fmt.Sprintf(
		`SELECT content_type, content, data_type FROM %s WHERE message_id = ? AND metadata_id = ?`,
		cs.tblContent), cm.MessageID, cm.MetaDataID)
	if err != nil {
		return fmt.Errorf("querying connector content: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var contentType int
		var content, dataType string
		if err = rows.Scan(&contentType, &content, &dataType); err != nil {
			return fmt.Errorf("scanning content row: %w", err)
		}
		cm.SetContent(message.ContentType(contentType), content, dataType)
	}
	return rows.Err()
}
