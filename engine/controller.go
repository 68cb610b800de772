package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/tsmada/interflow/events"
	"github.com/tsmada/interflow/message"
)

// Controller owns the deployed channels of one runtime process: it
// registers them, drives their lifecycles in bulk, and routes messages
// between them for channel-writer destinations.
type Controller struct {
	mu       sync.RWMutex
	channels map[string]*Channel
}

func NewController() *Controller {
	return &Controller{channels: make(map[string]*Channel)}
}

// Deploy registers |ch| under its id. Deploying an already-deployed id is
// an error; undeploy it first.
func (c *Controller) Deploy(ch *Channel) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.channels[ch.ID()]; ok {
		return fmt.Errorf("channel %s is already deployed", ch.ID())
	}
	c.channels[ch.ID()] = ch

	log.WithFields(log.Fields{
		"channel": ch.ID(),
		"name":    ch.Name(),
	}).Info("channel deployed")
	return nil
}

// Undeploy stops |id| if needed and removes it.
func (c *Controller) Undeploy(ctx context.Context, id string) error {
	c.mu.Lock()
	var ch, ok = c.channels[id]
	if ok {
		delete(c.channels, id)
	}
	c.mu.Unlock()

	if !ok {
		return fmt.Errorf("channel %s is not deployed", id)
	}
	if ch.State() != events.StateStopped {
		if err := ch.Stop(ctx); err != nil {
			return fmt.Errorf("stopping channel %s: %w", id, err)
		}
	}
	log.WithField("channel", id).Info("channel undeployed")
	return nil
}

// Channel returns the deployed channel with |id|.
func (c *Controller) Channel(id string) (*Channel, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var ch, ok = c.channels[id]
	return ch, ok
}

// Channels returns every deployed channel, ordered by name then id.
func (c *Controller) Channels() []*Channel {
	c.mu.RLock()
	var out = make([]*Channel, 0, len(c.channels))
	for _, ch := range c.channels {
		out = append(out, ch)
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Name() != out[j].Name() {
			return out[i].Name() < out[j].Name()
		}
		return out[i].ID() < out[j].ID()
	})
	return out
}

// StartAll drives every deployed channel to its configured initial state.
// Failures are logged per channel; the first is returned after all were
// attempted.
func (c *Controller) StartAll(ctx context.Context) error {
	var firstErr error
	for _, ch := range c.Channels() {
		var cfg = ch.Config()
		if cfg.Disabled || cfg.InitialState == "STOPPED" {
			continue
		}
		var err = ch.Start(ctx)
		if err == nil && cfg.InitialState == "PAUSED" {
			err = ch.Pause(ctx)
		}
		if err != nil {
			log.WithFields(log.Fields{"channel": ch.ID(), "err": err}).
				Error("starting channel")
			if firstErr == nil {
				firstErr = fmt.Errorf("starting channel %s: %w", ch.ID(), err)
			}
		}
	}
	return firstErr
}

// StopAll stops every deployed channel; with |halt| the undeploy scripts
// are skipped, as at process teardown.
func (c *Controller) StopAll(ctx context.Context, halt bool) error {
	var firstErr error
	for _, ch := range c.Channels() {
		if ch.State() == events.StateStopped {
			continue
		}
		var err error
		if halt {
			err = ch.Halt(ctx)
		} else {
			err = ch.Stop(ctx)
		}
		if err != nil {
			log.WithFields(log.Fields{"channel": ch.ID(), "err": err}).
				Error("stopping channel")
			if firstErr == nil {
				firstErr = fmt.Errorf("stopping channel %s: %w", ch.ID(), err)
			}
		}
	}
	return firstErr
}

// Route dispatches |rawData| into the started channel |channelID|,
// implementing connector.Router for channel-writer destinations.
func (c *Controller) Route(ctx context.Context, channelID, rawData string, sourceMap map[string]any) (*message.Message, error) {
	var ch, ok = c.Channel(channelID)
	if !ok {
		return nil, fmt.Errorf("channel %s is not deployed", channelID)
	}
	if state := ch.State(); state != events.StateStarted {
		return nil, fmt.Errorf("channel %s is %s", channelID, state)
	}
	return ch.Dispatch(ctx, rawData, sourceMap)
}
