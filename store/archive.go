package store

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/tsmada/interflow/message"
)

// OpenArchiveWriter opens |name| for writing under the archive |rawURL|.
// Supported schemes are file:// (and bare paths) and gs://.
func OpenArchiveWriter(ctx context.Context, rawURL, name string) (io.WriteCloser, error) {
	var u, err = url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing archive URL: %w", err)
	}

	switch u.Scheme {
	case "", "file":
		var dir = filepath.Join(u.Host, u.Path)
		if err = os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating archive directory: %w", err)
		}
		var f *os.File
		if f, err = os.Create(filepath.Join(dir, name)); err != nil {
			return nil, fmt.Errorf("creating archive file: %w", err)
		}
		return f, nil

	case "gs":
		var client *storage.Client
		if client, err = storage.NewClient(ctx, option.WithScopes(storage.ScopeReadWrite)); err != nil {
			return nil, fmt.Errorf("building StorageClient: %w", err)
		}
		var object = strings.TrimPrefix(u.Path+"/"+name, "/")
		var w = client.Bucket(u.Host).Object(object).NewWriter(ctx)
		return &gcsArchive{Writer: w, client: client}, nil

	default:
		return nil, fmt.Errorf("unsupported archive scheme %q", u.Scheme)
	}
}

type gcsArchive struct {
	*storage.Writer
	client *storage.Client
}

func (a *gcsArchive) Close() error {
	var err = a.Writer.Close()
	if cErr := a.client.Close(); err == nil {
		err = cErr
	}
	return err
}

// Archived JSON-lines row shapes.
type archivedMessage struct {
	ChannelID    string              `json:"channelId"`
	MessageID    int64               `json:"messageId"`
	ServerID     string              `json:"serverId"`
	ReceivedDate time.Time           `json:"receivedDate"`
	Connectors   []archivedConnector `json:"connectors"`
}

type archivedConnector struct {
	MetaDataID    int               `json:"metaDataId"`
	ConnectorName string            `json:"connectorName,omitempty"`
	Status        string            `json:"status"`
	SendAttempts  int               `json:"sendAttempts,omitempty"`
	Content       map[string]string `json:"content,omitempty"`
}

// ArchiveMessagesBefore streams processed messages received before |cutoff|
// to |w| as JSON lines, returning the number written.
func (cs *ChannelStore) ArchiveMessagesBefore(ctx context.Context, cutoff time.Time, w io.Writer) (int, error) {
	var rows, err = cs.query(ctx, fmt.Sprintf(
		`SELECT id FROM %s WHERE processed = TRUE AND received_date < ? ORDER BY id`, cs.tblMessage),
		cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("querying prunable messages: %w", err)
	}

	var ids []int64
	for rows.Next() {
		var id int64
		if err = rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scanning message id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err = rows.Err(); err != nil {
		return 0, err
	}

	var enc = json.NewEncoder(w)
	for _, id := range ids {
		var msg *message.Message
		if msg, err = cs.LoadMessage(ctx, id); err != nil {
			return 0, err
		}
		var row = archivedMessage{
			ChannelID:    msg.ChannelID,
			MessageID:    msg.MessageID,
			ServerID:     msg.ServerID,
			ReceivedDate: msg.ReceivedDate,
		}
		for _, cm := range msg.ConnectorMessages() {
			var content map[string]string
			for _, ct := range cm.ContentTypes() {
				if content == nil {
					content = make(map[string]string)
				}
				content[ct.String()] = cm.ContentValue(ct)
			}
			row.Connectors = append(row.Connectors, archivedConnector{
				MetaDataID:    cm.MetaDataID,
				ConnectorName: cm.ConnectorName,
				Status:        cm.Status.String(),
				SendAttempts:  cm.SendAttempts,
				Content:       content,
			})
		}
		if err = enc.Encode(row); err != nil {
			return 0, fmt.Errorf("encoding archived message: %w", err)
		}
	}
	return len(ids), nil
}

// PruneMessagesBefore deletes processed messages received before |cutoff|.
// Connector messages, content, metadata and attachments cascade.
func (cs *ChannelStore) PruneMessagesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var res, err = cs.db.ExecContext(ctx, cs.dialect.rebind(fmt.Sprintf(
		`DELETE FROM %s WHERE processed = TRUE AND received_date < ?`, cs.tblMessage)),
		cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("pruning messages: %w", err)
	}
	var n, _ = res.RowsAffected()
	return n, nil
}
