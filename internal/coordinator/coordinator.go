// Package coordinator assembles the daemon: one store, one mail bus, the
// background loops (allocator, watchdog, merger) and the socket server, with
// a single shutdown path.
package coordinator

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/zjrosen/maestro/internal/allocator"
	"github.com/zjrosen/maestro/internal/config"
	"github.com/zjrosen/maestro/internal/events"
	"github.com/zjrosen/maestro/internal/log"
	"github.com/zjrosen/maestro/internal/mail"
	"github.com/zjrosen/maestro/internal/merger"
	"github.com/zjrosen/maestro/internal/pubsub"
	"github.com/zjrosen/maestro/internal/rpc"
	"github.com/zjrosen/maestro/internal/store"
	"github.com/zjrosen/maestro/internal/supervisor"
	"github.com/zjrosen/maestro/internal/tracing"
	"github.com/zjrosen/maestro/internal/watchdog"
)

// Version is stamped at build time.
var Version = "dev"

// Coordinator owns the daemon's components.
type Coordinator struct {
	cfg      config.Config
	store    *store.Store
	broker   *pubsub.Broker[events.Event]
	bus      *mail.Bus
	server   *rpc.Server
	tracing  *tracing.Provider
	logClose func()
}

// New builds a Coordinator from cfg. Nothing starts running until Run.
func New(cfg config.Config) (*Coordinator, error) {
	if err := cfg.Normalize(); err != nil {
		return nil, err
	}

	logClose, err := log.Init(filepath.Join(store.StateDir(cfg.ProjectDir), "maestro.log"))
	if err != nil {
		return nil, fmt.Errorf("init logging: %w", err)
	}
	if cfg.Debug {
		log.SetMinLevel(log.LevelDebug)
	}

	provider, err := tracing.NewProvider(cfg.Tracing.ToTracing(cfg.ProjectDir))
	if err != nil {
		logClose()
		return nil, fmt.Errorf("init tracing: %w", err)
	}

	broker := pubsub.NewBroker[events.Event]()
	st, err := store.Open(store.DBPath(cfg.ProjectDir), broker)
	if err != nil {
		logClose()
		return nil, err
	}
	if err := st.SeedConfigDefaults(); err != nil {
		_ = st.Close()
		logClose()
		return nil, err
	}
	// The YAML file seeds runtime settings once; later edits go through the
	// command surface into the config table.
	_ = st.SetConfig(store.KeyProjectDir, cfg.ProjectDir)
	_ = st.SetConfig(store.KeyVersion, Version)
	if cfg.MaxWorkers > 0 {
		if err := st.SetConfig(store.KeyMaxWorkers, strconv.Itoa(cfg.MaxWorkers)); err != nil {
			log.Warn(log.CatConfig, "max_workers seed rejected", "error", err)
		}
	}

	bus := mail.New(st)

	socketPath := cfg.SocketPath
	if socketPath == "" {
		socketPath = store.SocketPath(cfg.ProjectDir)
	}
	server := rpc.NewServer(rpc.ServerConfig{
		Handlers:   rpc.NewHandlers(st, bus, Version),
		SocketPath: socketPath,
		ProjectDir: cfg.ProjectDir,
		Tracer:     provider.Tracer(),
	})

	return &Coordinator{
		cfg:      cfg,
		store:    st,
		broker:   broker,
		bus:      bus,
		server:   server,
		tracing:  provider,
		logClose: logClose,
	}, nil
}

// Store exposes the store for tests and the repair CLI path.
func (c *Coordinator) Store() *store.Store {
	return c.store
}

// Run starts the loops and the socket server, then blocks until ctx is
// cancelled or SIGINT/SIGTERM arrives. It returns after everything has shut
// down cleanly.
func (c *Coordinator) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	sup := supervisor.NewTmux(c.cfg.SessionName)

	alloc := allocator.New(allocator.Config{
		Store:           c.store,
		Bus:             c.bus,
		Supervisor:      sup,
		Interval:        c.store.AllocatorInterval(),
		SentinelCommand: c.cfg.SentinelCommand,
		ProjectDir:      c.cfg.ProjectDir,
	})
	dog := watchdog.New(watchdog.Config{
		Store:      c.store,
		Bus:        c.bus,
		Supervisor: sup,
		Interval:   c.store.WatchdogInterval(),
	})
	mrg := merger.New(merger.Config{
		Store:      c.store,
		Bus:        c.bus,
		Git:        merger.NewCLIGitOps(c.cfg.ProjectDir),
		Interval:   c.cfg.MergeInterval,
		MainBranch: c.cfg.MainBranch,
	})

	if err := c.server.Listen(); err != nil {
		c.shutdown()
		return err
	}

	log.Info(log.CatOrch, "coordinator started",
		"project", c.cfg.ProjectDir, "version", Version,
		"max_workers", c.store.MaxWorkers())

	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); alloc.Run(ctx) }()
	go func() { defer wg.Done(); dog.Run(ctx) }()
	go func() { defer wg.Done(); mrg.Run(ctx) }()

	serveErr := c.server.Serve(ctx)

	wg.Wait()
	c.shutdown()
	log.Info(log.CatOrch, "coordinator stopped")
	return serveErr
}

// shutdown releases everything Run (or a failed New caller) acquired.
func (c *Coordinator) shutdown() {
	c.server.Close()
	c.broker.Close()

	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.tracing.Shutdown(flushCtx); err != nil {
		log.Warn(log.CatOrch, "tracing shutdown failed", "error", err)
	}

	if err := c.store.Close(); err != nil {
		log.Warn(log.CatOrch, "store close failed", "error", err)
	}
	c.logClose()
}
