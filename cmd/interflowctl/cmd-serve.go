package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	log "github.com/sirupsen/logrus"
	clientv3 "go.etcd.io/etcd/client/v3"
	mbp "go.gazette.dev/core/mainboilerplate"
	"go.gazette.dev/core/task"

	"github.com/tsmada/interflow/catalog"
	"github.com/tsmada/interflow/cluster"
	"github.com/tsmada/interflow/dashboard"
	"github.com/tsmada/interflow/engine"
	"github.com/tsmada/interflow/events"
	"github.com/tsmada/interflow/scripting"
	"github.com/tsmada/interflow/sessions"
	"github.com/tsmada/interflow/store"
)

// etcdConfig configures cluster-wide message id allocation.
type etcdConfig struct {
	Address   string `long:"address" env:"ADDRESS" description:"Etcd endpoint for cluster-wide message id allocation; empty runs single-server"`
	BlockSize int64  `long:"block-size" env:"BLOCK_SIZE" default:"1000" description:"Message ids claimed per etcd round trip"`
}

type cmdServe struct {
	Catalog string `long:"catalog" env:"CATALOG" default:"catalog" description:"Directory of channel definition YAML files"`
	DataDir string `long:"data-dir" env:"DATA_DIR" default:"." description:"Directory holding the server identity file"`

	Store     store.Config       `group:"Store" namespace:"store" env-namespace:"STORE"`
	Pruner    store.PrunerConfig `group:"Pruner" namespace:"pruner" env-namespace:"PRUNER"`
	Sessions  sessions.Config    `group:"Sessions" namespace:"sessions" env-namespace:"SESSIONS"`
	Dashboard dashboard.Config   `group:"Dashboard" namespace:"dashboard" env-namespace:"DASHBOARD"`
	Etcd      etcdConfig         `group:"Etcd" namespace:"etcd" env-namespace:"ETCD"`

	Log         mbp.LogConfig         `group:"Logging" namespace:"log" env-namespace:"LOG"`
	Diagnostics mbp.DiagnosticsConfig `group:"Debug" namespace:"debug" env-namespace:"DEBUG"`
}

func (cmd cmdServe) Execute(_ []string) error {
	defer mbp.InitDiagnosticsAndRecover(cmd.Diagnostics)()
	mbp.InitLog(cmd.Log)

	log.WithFields(log.Fields{
		"config":    cmd,
		"version":   mbp.Version,
		"buildDate": mbp.BuildDate,
	}).Info("interflowctl configuration")

	var serverID, err = cluster.LoadOrCreateServerID(cmd.DataDir)
	if err != nil {
		return err
	}

	var tasks = task.NewGroup(context.Background())

	st, err := store.Open(tasks.Context(), cmd.Store)
	if err != nil {
		return err
	}
	defer st.Close()

	var etcd *clientv3.Client
	if cmd.Etcd.Address != "" {
		if etcd, err = clientv3.New(clientv3.Config{
			Endpoints:   []string{cmd.Etcd.Address},
			DialTimeout: 10 * time.Second,
		}); err != nil {
			return fmt.Errorf("dialing etcd: %w", err)
		}
		defer etcd.Close()
	}

	var sessionStore = sessions.NewStore(cmd.Sessions, clock.New())
	defer sessionStore.Close()
	if ms, ok := sessionStore.(*sessions.MemoryStore); ok {
		ms.StartCleaner(tasks.Context())
	}
	var auth = sessions.NewAuthenticator(st, sessionStore)

	// Load and validate the catalog before anything deploys.
	defs, err := catalog.LoadDir(cmd.Catalog)
	if err != nil {
		return err
	}
	var executor = scripting.NewExprExecutor()
	for _, def := range defs {
		if err = def.Validate(executor); err != nil {
			return err
		}
	}
	warnings, err := catalog.ValidateSet(defs)
	if err != nil {
		return err
	}
	for _, w := range warnings {
		log.Warn(w)
	}

	var dispatcher = events.NewDispatcher()
	var controller = engine.NewController()

	for _, def := range defs {
		var deps = engine.Deps{
			Store:    st,
			Executor: executor,
			Events:   dispatcher,
			ServerID: serverID,
		}
		if etcd != nil {
			deps.Allocator = cluster.NewBlockAllocator(etcd, def.ID, cmd.Etcd.BlockSize)
		}
		ch, err := catalog.Build(def, controller, deps)
		if err != nil {
			return err
		}
		if err = controller.Deploy(ch); err != nil {
			return err
		}
	}

	var aggregator = dashboard.NewAggregator()
	var server = dashboard.NewServer(cmd.Dashboard, aggregator, controller, auth, dispatcher)

	tasks.Queue("dashboard.Aggregator", func() error {
		aggregator.Run(tasks.Context(), dispatcher)
		return nil
	})
	tasks.Queue("dashboard.Server", func() error {
		return server.Serve(tasks.Context())
	})
	if err = store.NewPruner(st, cmd.Pruner).QueueTasks(tasks); err != nil {
		return err
	}

	var signalCh = make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGTERM, syscall.SIGINT)
	tasks.Queue("signal-handler", func() error {
		select {
		case sig := <-signalCh:
			log.WithField("signal", sig).Info("caught signal; stopping")
			tasks.Cancel()
		case <-tasks.Context().Done():
		}
		return nil
	})

	tasks.GoRun()

	if err = controller.StartAll(tasks.Context()); err != nil {
		log.WithField("err", err).Error("not every channel started")
	}

	var waitErr = tasks.Wait()

	var stopCtx, cancel = context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err = controller.StopAll(stopCtx, false); err != nil {
		log.WithField("err", err).Warn("stopping channels")
	}

	if waitErr != nil && !errors.Is(waitErr, context.Canceled) {
		return waitErr
	}
	return nil
}
