package main

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/prakriti-bh/disaster-mgmt-platform/internal/apiclient"
	"github.com/prakriti-bh/disaster-mgmt-platform/internal/config"
	"github.com/prakriti-bh/disaster-mgmt-platform/internal/connectivity"
	"github.com/prakriti-bh/disaster-mgmt-platform/internal/localstore"
	"github.com/prakriti-bh/disaster-mgmt-platform/internal/queue"
	"github.com/prakriti-bh/disaster-mgmt-platform/internal/storage"
	"github.com/prakriti-bh/disaster-mgmt-platform/internal/syncer"
)

const healthProbeTimeout = 2 * time.Second

// clientEnv is the client side of relief: the local cache, the offline
// queue and the engine syncing them with the server.
type clientEnv struct {
	cfg     config.Config
	db      *storage.Store
	remote  *apiclient.Client
	monitor *connectivity.Monitor
	store   *localstore.Store
	queue   *queue.Queue
	engine  *syncer.Engine
}

func clientDataDir(cfg config.Config) string {
	return filepath.Join(cfg.Storage.DataDir, "client")
}

// openClient opens the client database and probes the server once so
// one-shot commands know whether to go online.
var openClient = func(ctx context.Context, cfg config.Config) (*clientEnv, error) {
	strategies, err := cfg.Strategies()
	if err != nil {
		return nil, err
	}

	db, err := storage.Open(clientDataDir(cfg))
	if err != nil {
		return nil, fmt.Errorf("opening local store: %w", err)
	}

	remote := apiclient.New(cfg.Client.ServerURL, cfg.Client.Token, cfg.Client.Timeout)
	probeCtx, cancel := context.WithTimeout(ctx, healthProbeTimeout)
	online := remote.Health(probeCtx) == nil
	cancel()

	logger := slog.Default()
	monitor := connectivity.NewMonitor(online, logger)
	store := localstore.Open(db, localstore.WithOnline(monitor.Online), localstore.WithLogger(logger))
	q := queue.Open(db, queue.WithMaxRetries(cfg.Sync.MaxRetries), queue.WithLogger(logger))

	engine, err := syncer.New(syncer.Deps{
		Store:      store,
		Queue:      q,
		Remote:     remote,
		Online:     monitor.Online,
		Strategies: strategies,
		Interval:   cfg.Sync.Interval,
		Logger:     logger,
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	monitor.OnOnline(engine.Reconnect)

	return &clientEnv{
		cfg:     cfg,
		db:      db,
		remote:  remote,
		monitor: monitor,
		store:   store,
		queue:   q,
		engine:  engine,
	}, nil
}

func (c *clientEnv) Close() {
	c.engine.Shutdown()
	if err := c.db.Close(); err != nil {
		slog.Warn("closing local store", "error", err)
	}
}

// source picks the connectivity source named by sync.connectivity.
func (c *clientEnv) source() connectivity.Source {
	if c.cfg.Sync.Connectivity == "networkmanager" {
		return connectivity.NetworkManager{}
	}
	return c.prober()
}

func (c *clientEnv) prober() *connectivity.Prober {
	return &connectivity.Prober{
		Checker:  c.remote,
		Interval: c.cfg.Sync.ProbeInterval,
		Timeout:  healthProbeTimeout,
	}
}

// withClient loads config, opens the client and runs fn.
func withClient(ctx context.Context, fn func(env *clientEnv) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	env, err := openClient(ctx, cfg)
	if err != nil {
		return err
	}
	defer env.Close()
	if !env.monitor.Online() {
		printWarning("server %s unreachable; working offline", cfg.Client.ServerURL)
	}
	return fn(env)
}
