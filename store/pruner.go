package store

import (
	"context"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"
	"go.gazette.dev/core/task"
)

// PrunerConfig configures the scheduled data pruner.
type PrunerConfig struct {
	Enabled    bool   `long:"enabled" env:"ENABLED" description:"Enable the scheduled data pruner"`
	Schedule   string `long:"schedule" env:"SCHEDULE" default:"0 3 * * *" description:"Cron schedule on which the pruner runs"`
	RetainDays int    `long:"retain-days" env:"RETAIN_DAYS" default:"30" description:"Prune processed messages received more than this many days ago"`
	ArchiveURL string `long:"archive-url" env:"ARCHIVE_URL" description:"Optional file:// or gs:// URL receiving pruned messages as JSON lines before deletion"`
}

// Pruner deletes aged, processed messages across every registered channel,
// optionally archiving them first.
type Pruner struct {
	store *Store
	cfg   PrunerConfig
	clock clock.Clock
}

func NewPruner(store *Store, cfg PrunerConfig) *Pruner {
	return &Pruner{store: store, cfg: cfg, clock: clock.New()}
}

// QueueTasks schedules pruner runs under |tasks| per the configured cron
// expression. It's a no-op when the pruner is disabled.
func (p *Pruner) QueueTasks(tasks *task.Group) error {
	if !p.cfg.Enabled {
		return nil
	}

	var c = cron.New()
	var _, err = c.AddFunc(p.cfg.Schedule, func() {
		if err := p.Run(tasks.Context()); err != nil {
			log.WithField("err", err).Error("data pruner run failed")
		}
	})
	if err != nil {
		return fmt.Errorf("parsing pruner schedule %q: %w", p.cfg.Schedule, err)
	}

	tasks.Queue("store.Pruner", func() error {
		c.Start()
		<-tasks.Context().Done()
		<-c.Stop().Done()
		return nil
	})
	return nil
}

// Run prunes every registered channel once.
func (p *Pruner) Run(ctx context.Context) error {
	var cutoff = p.clock.Now().Add(-time.Duration(p.cfg.RetainDays) * 24 * time.Hour)

	var channels, err = p.store.Channels(ctx)
	if err != nil {
		return err
	}

	for channelID, localID := range channels {
		var cs = newChannelStore(p.store, channelID, localID)

		if p.cfg.ArchiveURL != "" {
			if err = p.archiveChannel(ctx, cs, cutoff); err != nil {
				log.WithFields(log.Fields{
					"channel": channelID,
					"err":     err,
				}).Error("archiving channel before prune; skipping channel")
				continue
			}
		}

		var pruned int64
		if pruned, err = cs.PruneMessagesBefore(ctx, cutoff); err != nil {
			log.WithFields(log.Fields{
				"channel": channelID,
				"err":     err,
			}).Error("pruning channel")
			continue
		}
		if pruned != 0 {
			log.WithFields(log.Fields{
				"channel": channelID,
				"pruned":  pruned,
				"cutoff":  cutoff,
			}).Info("pruned messages")
		}
	}
	return nil
}

func (p *Pruner) archiveChannel(ctx context.Context, cs *ChannelStore, cutoff time.Time) error {
	var name = fmt.Sprintf("%s-%s.jsonl", cs.ChannelID, p.clock.Now().UTC().Format("20060102T150405"))
	var w, err = OpenArchiveWriter(ctx, p.cfg.ArchiveURL, name)
	if err != nil {
		return err
	}

	var n int
	if n, err = cs.ArchiveMessagesBefore(ctx, cutoff, w); err != nil {
		_ = w.Close()
		return err
	}
	if err = w.Close(); err != nil {
		return fmt.Errorf("closing archive: %w", err)
	}
	if n != 0 {
		log.WithFields(log.Fields{
			"channel":  cs.ChannelID,
			"archived": n,
			"name":     name,
		}).Info("archived messages")
	}
	return nil
}
