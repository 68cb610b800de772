// Package engine implements the channel runtime: lifecycle state machines,
// the message dispatch pipeline, destination queue workers, and crash
// recovery. Connector transports plug in underneath it and the store
// persists what it produces.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	log "github.com/sirupsen/logrus"
	"go.gazette.dev/core/task"

	"github.com/tsmada/interflow/connector"
	"github.com/tsmada/interflow/events"
	"github.com/tsmada/interflow/message"
	"github.com/tsmada/interflow/scripting"
	"github.com/tsmada/interflow/stats"
	"github.com/tsmada/interflow/store"
)

// IDAllocator hands out message ids for one channel. The default allocator
// reads the channel's persisted sequence; a clustered deployment substitutes
// a block allocator so that peers never collide.
type IDAllocator interface {
	Next(ctx context.Context) (int64, error)
}

// DestinationBinding pairs a destination's engine-level settings with its
// transport and optional response validator.
type DestinationBinding struct {
	Config    DestinationConfig
	Transport connector.Destination
	Validator connector.ResponseValidator
}

// Deps are the shared services a channel runs against.
type Deps struct {
	Store    *store.Store
	Executor scripting.Executor
	Events   *events.Dispatcher
	ServerID string

	// Allocator overrides message-id allocation. Nil uses the store
	// sequence, or an in-memory counter when persistence is disabled.
	Allocator IDAllocator
	// Attachments overrides attachment extraction. Nil extracts nothing
	// unless the channel configures an attachment pattern.
	Attachments AttachmentHandler
	// Clock drives queue retry pacing. Nil uses the wall clock.
	Clock clock.Clock
}

// Channel is a deployed channel instance. All lifecycle transitions are
// serialized by its mutex; Dispatch is safe for concurrent use once the
// channel is started.
type Channel struct {
	cfg      ChannelConfig
	srcCfg   SourceConfig
	source   connector.Source
	dests    []*destination
	settings message.StorageSettings

	store    *store.Store
	executor scripting.Executor
	events   *events.Dispatcher
	stats    *stats.Accumulator
	attach   AttachmentHandler
	alloc    IDAllocator
	clock    clock.Clock
	serverID string

	// memSeq allocates ids when neither an allocator nor persistence is
	// available.
	memSeq atomic.Int64

	mu       sync.Mutex
	state    events.DeployedState
	runCtx   context.Context
	cancel   context.CancelFunc
	tasks    *task.Group
	srcQueue chan *sourceWork

	// recovering is true while recoverMessages replays unfinished messages.
	// Replay runs before the source and queue workers start, so only the
	// replay itself observes it.
	recovering bool
}

// sourceWork is one queued asynchronous dispatch.
type sourceWork struct {
	msg *message.Message
	raw string
}

// NewChannel assembles a channel from its configuration and connector
// bindings. The channel starts in the STOPPED state.
func NewChannel(
	cfg ChannelConfig,
	srcCfg SourceConfig,
	source connector.Source,
	bindings []DestinationBinding,
	deps Deps,
) (*Channel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var settings, err = cfg.StorageSettings()
	if err != nil {
		return nil, err
	}

	var ch = &Channel{
		cfg:      cfg,
		srcCfg:   srcCfg,
		source:   source,
		settings: settings,
		store:    deps.Store,
		executor: deps.Executor,
		events:   deps.Events,
		stats:    stats.NewAccumulator(cfg.ID),
		attach:   deps.Attachments,
		alloc:    deps.Allocator,
		clock:    deps.Clock,
		serverID: deps.ServerID,
		state:    events.StateStopped,
	}
	if cfg.AllowNegatives {
		ch.stats.AllowNegatives()
	}
	if ch.clock == nil {
		ch.clock = clock.New()
	}
	if ch.attach == nil {
		if cfg.AttachmentPattern != "" {
			var h, err = NewRegexAttachmentHandler(cfg.AttachmentPattern, cfg.AttachmentMimeType)
			if err != nil {
				return nil, fmt.Errorf("channel %s: %w", cfg.ID, err)
			}
			ch.attach = h
		} else {
			ch.attach = PassthroughAttachmentHandler{}
		}
	}

	var seen = make(map[int]struct{}, len(bindings))
	for _, b := range bindings {
		if err := b.Config.Validate(); err != nil {
			return nil, fmt.Errorf("channel %s: %w", cfg.ID, err)
		}
		if _, ok := seen[b.Config.MetaDataID]; ok {
			return nil, fmt.Errorf("channel %s: duplicate destination metaDataId %d", cfg.ID, b.Config.MetaDataID)
		}
		seen[b.Config.MetaDataID] = struct{}{}
		ch.dests = append(ch.dests, newDestination(ch, b))
	}
	return ch, nil
}

// ID returns the channel id.
func (ch *Channel) ID() string { return ch.cfg.ID }

// Name returns the channel name.
func (ch *Channel) Name() string { return ch.cfg.Name }

// Config returns the channel configuration.
func (ch *Channel) Config() ChannelConfig { return ch.cfg }

// State returns the current lifecycle state.
func (ch *Channel) State() events.DeployedState {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.state
}

// Statistics returns a snapshot of per-connector counters, keyed on
// metadata id with the aggregate row under stats.AggregateID.
func (ch *Channel) Statistics() map[int]map[message.Status]int64 {
	return ch.stats.Snapshot()
}

// setState transitions the lifecycle state and publishes the change.
// Callers hold ch.mu.
func (ch *Channel) setState(next events.DeployedState) {
	var prev = ch.state
	ch.state = next

	log.WithFields(log.Fields{
		"channel": ch.cfg.ID,
		"from":    prev,
		"to":      next,
	}).Info("channel state changed")

	if ch.events != nil {
		ch.events.Post(events.StateChange{
			ChannelID:   ch.cfg.ID,
			ChannelName: ch.cfg.Name,
			Previous:    prev,
			State:       next,
		})
	}
}

// Start deploys and starts the channel. From STOPPED it runs the deploy
// script, loads statistics, recovers unfinished messages, starts
// destinations and their queue workers, and finally starts the source.
// From PAUSED it restarts the source only. A failure partway through rolls
// back whatever already started and leaves the channel STOPPED.
func (ch *Channel) Start(ctx context.Context) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	switch ch.state {
	case events.StateStarted:
		return fmt.Errorf("channel %s is already started", ch.cfg.ID)
	case events.StatePaused:
		return ch.resumeSourceLocked()
	case events.StateStopped:
		return ch.startLocked(ctx)
	default:
		return fmt.Errorf("channel %s cannot start while %s", ch.cfg.ID, ch.state)
	}
}

func (ch *Channel) startLocked(ctx context.Context) (err error) {
	ch.runCtx, ch.cancel = context.WithCancel(ctx)
	ch.tasks = task.NewGroup(ch.runCtx)

	// Track successfully started connectors for rollback.
	var started []interface{ Stop() error }
	defer func() {
		if err == nil {
			return
		}
		for i := len(started) - 1; i >= 0; i-- {
			if sErr := started[i].Stop(); sErr != nil {
				log.WithFields(log.Fields{
					"channel": ch.cfg.ID,
					"err":     sErr,
				}).Warn("stopping connector during start rollback")
			}
		}
		ch.cancel()
		ch.tasks.Cancel()
		_ = ch.tasks.Wait()
		ch.setState(events.StateStopped)
	}()

	ch.setState(events.StateDeploying)
	if err = ch.runLifecycleScript(ch.runCtx, "deploy", ch.cfg.DeployScript); err != nil {
		return fmt.Errorf("deploy script: %w", err)
	}

	// Register storage and load persisted statistics before any message
	// can move.
	if ch.settings.Enabled && ch.store != nil {
		if _, err = ch.store.RegisterChannel(ch.runCtx, ch.cfg.ID, ch.cfg.Name, ch.cfg.MetaDataColumns); err != nil {
			return fmt.Errorf("registering channel storage: %w", err)
		}
		var cs, ok = ch.store.ForChannel(ch.runCtx, ch.cfg.ID)
		if ok {
			if loaded, lErr := cs.LoadStatistics(ch.runCtx); lErr != nil {
				log.WithFields(log.Fields{"channel": ch.cfg.ID, "err": lErr}).
					Error("loading channel statistics")
			} else {
				ch.stats.Load(loaded)
			}
			if rErr := ch.recoverMessages(ch.runCtx, cs); rErr != nil {
				log.WithFields(log.Fields{"channel": ch.cfg.ID, "err": rErr}).
					Error("recovering unfinished messages")
			}
		}
	}

	ch.setState(events.StateStarting)

	// Deploy hooks run destination-first so a source can't produce into
	// an undeployed destination.
	for _, d := range ch.dests {
		if err = d.transport.OnDeploy(ch.runCtx); err != nil {
			return fmt.Errorf("deploying destination %q: %w", d.cfg.Name, err)
		}
	}
	if err = ch.source.OnDeploy(ch.runCtx); err != nil {
		return fmt.Errorf("deploying source: %w", err)
	}

	for _, d := range ch.dests {
		if err = d.transport.Start(ch.runCtx, d.env()); err != nil {
			return fmt.Errorf("starting destination %q: %w", d.cfg.Name, err)
		}
		started = append(started, d.transport)
	}

	// Queue workers are queued before GoRun; they outlive pause / resume
	// and exit on cancellation at stop.
	for _, d := range ch.dests {
		if d.cfg.QueueEnabled {
			d.rehydrateQueue(ch.runCtx)
			var dd = d
			ch.tasks.Queue(fmt.Sprintf("queueWorker(%d)", dd.cfg.MetaDataID), func() error {
				dd.runQueueWorker(ch.tasks.Context())
				return nil
			})
		}
	}
	if !ch.srcCfg.RespondAfterProcessing {
		var size = ch.srcCfg.QueueBufferSize
		if size <= 0 {
			size = DefaultQueueBufferSize
		}
		ch.srcQueue = make(chan *sourceWork, size)
		ch.tasks.Queue("sourceQueueWorker", func() error {
			ch.runSourceQueueWorker(ch.tasks.Context())
			return nil
		})
	}
	ch.tasks.GoRun()

	if err = ch.source.Start(ch.runCtx, ch.sourceEnv()); err != nil {
		return fmt.Errorf("starting source: %w", err)
	}
	started = append(started, ch.source)

	ch.setState(events.StateStarted)
	return nil
}

// Stop gracefully stops the channel: the source first, then workers, then
// destinations, and finally the undeploy script. The channel always ends
// STOPPED even when a step fails; the first failure is returned.
func (ch *Channel) Stop(ctx context.Context) error { return ch.stop(ctx, false) }

// Halt force-stops the channel. It skips the undeploy script.
func (ch *Channel) Halt(ctx context.Context) error { return ch.stop(ctx, true) }

func (ch *Channel) stop(ctx context.Context, halt bool) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if ch.state == events.StateStopped {
		log.WithField("channel", ch.cfg.ID).Warn("channel is already stopped")
		return nil
	}
	var wasPaused = ch.state == events.StatePaused

	ch.setState(events.StateStopping)
	var firstErr error
	var keep = func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if !wasPaused {
		keep(ch.source.Stop())
	}

	ch.cancel()
	ch.tasks.Cancel()
	if err := ch.tasks.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		keep(fmt.Errorf("channel workers: %w", err))
	}

	for i := len(ch.dests) - 1; i >= 0; i-- {
		keep(ch.dests[i].transport.Stop())
	}

	ch.flushStatistics(ctx)

	if !halt {
		ch.setState(events.StateUndeploying)
		if err := ch.runLifecycleScript(ctx, "undeploy", ch.cfg.UndeployScript); err != nil {
			log.WithFields(log.Fields{"channel": ch.cfg.ID, "err": err}).
				Error("undeploy script failed")
			keep(fmt.Errorf("undeploy script: %w", err))
		}
	}

	ch.setState(events.StateStopped)
	return firstErr
}

// Pause stops the source connector while destinations and queue workers
// keep draining. Pausing a paused channel logs and returns nil.
func (ch *Channel) Pause(ctx context.Context) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if ch.state == events.StatePaused {
		log.WithField("channel", ch.cfg.ID).Warn("channel is already paused")
		return nil
	}
	if ch.state != events.StateStarted {
		return fmt.Errorf("channel %s cannot pause while %s", ch.cfg.ID, ch.state)
	}

	ch.setState(events.StatePausing)
	var err = ch.source.Stop()
	ch.setState(events.StatePaused)
	if err != nil {
		return fmt.Errorf("stopping source: %w", err)
	}
	return nil
}

// Resume restarts the source connector of a paused channel.
func (ch *Channel) Resume(ctx context.Context) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if ch.state == events.StateStarted {
		return fmt.Errorf("channel %s is already started", ch.cfg.ID)
	}
	if ch.state != events.StatePaused {
		return fmt.Errorf("channel %s cannot resume while %s", ch.cfg.ID, ch.state)
	}
	return ch.resumeSourceLocked()
}

func (ch *Channel) resumeSourceLocked() error {
	ch.setState(events.StateStarting)
	if err := ch.source.Start(ch.runCtx, ch.sourceEnv()); err != nil {
		ch.setState(events.StatePaused)
		return fmt.Errorf("starting source: %w", err)
	}
	ch.setState(events.StateStarted)
	return nil
}

func (ch *Channel) sourceEnv() connector.Env {
	return connector.Env{
		ChannelID:     ch.cfg.ID,
		ChannelName:   ch.cfg.Name,
		MetaDataID:    0,
		ConnectorName: ch.source.Name(),
		Receiver:      ch,
		Events:        ch.events,
	}
}

// runLifecycleScript executes a deploy or undeploy script, if configured.
func (ch *Channel) runLifecycleScript(ctx context.Context, phase, script string) error {
	if script == "" || ch.executor == nil {
		return nil
	}
	var bindings = map[string]any{
		"channelId":   ch.cfg.ID,
		"channelName": ch.cfg.Name,
		"phase":       phase,
	}
	var _, err = scripting.ExecuteWithTimeout(ctx, ch.executor, script, bindings, scripting.DefaultTimeout)
	return err
}

// nextMessageID allocates the next message id.
func (ch *Channel) nextMessageID(ctx context.Context) (int64, error) {
	if ch.alloc != nil {
		return ch.alloc.Next(ctx)
	}
	if ch.settings.Enabled && ch.store != nil {
		if cs, ok := ch.store.ForChannel(ctx, ch.cfg.ID); ok {
			return cs.NextMessageID(ctx)
		}
	}
	return ch.memSeq.Add(1), nil
}

// channelStore returns the channel's store handle, or nil when persistence
// is disabled or unavailable.
func (ch *Channel) channelStore(ctx context.Context) *store.ChannelStore {
	if !ch.settings.Enabled || ch.store == nil {
		return nil
	}
	if cs, ok := ch.store.ForChannel(ctx, ch.cfg.ID); ok {
		return cs
	}
	return nil
}

// flushStatistics persists pending statistics deltas outside of a message
// transaction, as at channel stop.
func (ch *Channel) flushStatistics(ctx context.Context) {
	var pending = ch.stats.Flush()
	if len(pending) == 0 {
		return
	}
	ch.stats.Apply(pending)

	var cs = ch.channelStore(ctx)
	if cs == nil {
		return
	}
	var txn, err = cs.Begin(ctx)
	if err == nil {
		if err = txn.UpdateStatisticsBatch(ctx, ch.serverID, pending); err == nil {
			err = txn.Commit()
		} else {
			_ = txn.Rollback()
		}
	}
	if err != nil {
		log.WithFields(log.Fields{"channel": ch.cfg.ID, "err": err}).
			Error("persisting channel statistics")
	}
}
