package connector

import (
	"context"
	"fmt"

	"github.com/tsmada/interflow/message"
)

// ChannelWriter is a destination which dispatches each message into another
// deployed channel in the same process, the transport-free way to chain
// channels. The target channel's source sees the writer's encoded content as
// its raw input.
type ChannelWriter struct {
	target string
	router Router
	env    Env
}

var _ Destination = (*ChannelWriter)(nil)

// NewChannelWriter builds a writer targeting |channelID|, routed through
// |router| (typically the engine controller).
func NewChannelWriter(channelID string, router Router) (*ChannelWriter, error) {
	if channelID == "" {
		return nil, fmt.Errorf("channel writer: target channel id is required")
	}
	if router == nil {
		return nil, fmt.Errorf("channel writer: router is required")
	}
	return &ChannelWriter{target: channelID, router: router}, nil
}

func (w *ChannelWriter) Name() string { return "Channel Writer" }

func (w *ChannelWriter) OnDeploy(context.Context) error { return nil }

func (w *ChannelWriter) Start(_ context.Context, env Env) error {
	w.env = env
	return nil
}

func (w *ChannelWriter) Stop() error { return nil }

// Send routes the message's encoded content into the target channel. The
// target pipeline may run synchronously; its outcome maps onto this
// destination's response so a rejection there is visible here.
func (w *ChannelWriter) Send(ctx context.Context, cm *message.ConnectorMessage) (*message.Response, error) {
	var payload = cm.ContentValue(message.Encoded)
	if payload == "" {
		payload = cm.ContentValue(message.Raw)
	}
	cm.SetContent(message.SentContent, payload, "RAW")

	var sourceMap = map[string]any{
		"sourceChannelId":  cm.ChannelID,
		"sourceMessageId":  cm.MessageID,
		"sourceConnector":  cm.ConnectorName,
		"sourceMetaDataId": cm.MetaDataID,
	}
	var msg, err = w.router.Route(ctx, w.target, payload, sourceMap)
	if err != nil {
		return nil, fmt.Errorf("routing to channel %s: %w", w.target, err)
	}

	var resp = message.NewResponse(message.Sent, "")
	resp.StatusMessage = fmt.Sprintf("Message routed to channel %s", w.target)
	if src := msg.Source(); src != nil && src.Status == message.Error {
		resp.Status = message.Error
		resp.Error = src.ProcessingError
	}
	return resp, nil
}
