package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/stocksync/stocksync/internal/config"
	"github.com/stocksync/stocksync/internal/kv"
	"github.com/stocksync/stocksync/internal/netstate"
	"github.com/stocksync/stocksync/internal/orchestrator"
	"github.com/stocksync/stocksync/internal/remote"
	"github.com/stocksync/stocksync/internal/ui"
)

// app is one opened stocksync session: local store, remote client and
// orchestrator.
type app struct {
	identity string
	store    *kv.SQLite
	backend  remote.Backend
	client   *remote.Client
	probe    *netstate.Probe
	conn     orchestrator.Connectivity
	registry *prometheus.Registry
	orch     *orchestrator.Orchestrator
}

// openApp opens the local database and builds the remote client and
// orchestrator. Without daemon set, connectivity is probed once up front.
func openApp(ctx context.Context, daemon bool) (*app, error) {
	identity, err := cfg.RequireIdentity()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	backend, err := newBackend(ctx, cfg)
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	if daemon {
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	client := remote.New(backend, remote.Config{
		Retry: remote.RetryConfig{
			MaxAttempts:    cfg.Sync.MaxAttempts,
			InitialBackoff: cfg.Sync.InitialBackoff,
			MaxBackoff:     cfg.Sync.MaxBackoff,
			Jitter:         0.1,
		},
		Logger:  logs.Logger("remote"),
		Metrics: remote.NewMetrics(registry),
	})

	a := &app{
		identity: identity,
		backend:  backend,
		client:   client,
		registry: registry,
	}

	if addr := cfg.ProbeAddress(); addr != "" {
		a.probe = netstate.NewProbe(&netstate.ProbeConfig{
			Address:  addr,
			Interval: cfg.Daemon.ProbeInterval,
			Logger:   logs.Logger("netstate"),
		})
		if !daemon {
			a.probe.Check(ctx)
		}
		a.conn = a.probe
	} else {
		a.conn = netstate.NewStatic(true)
	}

	store, err := kv.Open(cfg.KVPath())
	if err != nil {
		return nil, fmt.Errorf("failed to open local database: %w", err)
	}
	a.store = store

	template := cfg.Remote.Path
	orch, err := orchestrator.New(store, client, a.conn, &orchestrator.Config{
		PushInterval:       cfg.Sync.PushInterval,
		TombstoneRetention: cfg.Sync.TombstoneRetention,
		KeyFor:             func(identity string) string { return remote.KeyFor(template, identity) },
		Logger:             logs.Logger("sync"),
		Metrics:            orchestrator.NewMetrics(registry),
	})
	if err != nil {
		store.Close()
		return nil, err
	}
	a.orch = orch
	return a, nil
}

// newBackend builds the configured remote backend.
func newBackend(ctx context.Context, c *config.Config) (remote.Backend, error) {
	switch c.Remote.Backend {
	case config.BackendFile:
		return remote.NewFileBackend(c.Remote.File.Dir), nil
	case config.BackendGitHub:
		gh := c.Remote.GitHub
		b, err := remote.NewGitHubBackend(remote.GitHubConfig{
			APIURL:     gh.APIURL,
			Owner:      gh.Owner,
			Repo:       gh.Repo,
			Branch:     gh.Branch,
			Token:      gh.Token,
			HTTPClient: &http.Client{Timeout: 30 * time.Second},
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create GitHub backend: %w", err)
		}
		return b, nil
	case config.BackendS3:
		s := c.Remote.S3
		b, err := remote.NewS3Backend(ctx, remote.S3Config{
			Bucket:          s.Bucket,
			Region:          s.Region,
			Endpoint:        s.Endpoint,
			AccessKeyID:     s.AccessKeyID,
			SecretAccessKey: s.SecretAccessKey,
			Prefix:          s.Prefix,
			UsePathStyle:    s.UsePathStyle,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create S3 backend: %w", err)
		}
		return b, nil
	case config.BackendMemory:
		return remote.NewMemoryBackend(), nil
	}
	return nil, fmt.Errorf("unknown backend %q", c.Remote.Backend)
}

// login logs in and reports why the pull did not complete, if it did not.
// Offline or failed pulls leave the session usable on local data.
func (a *app) login(ctx context.Context) {
	err := a.orch.Login(ctx, a.identity)
	switch {
	case err == nil && a.orch.Status().PullPending:
		fmt.Fprintf(os.Stderr, "%s offline, using local data\n", ui.RenderWarn("!"))
	case err != nil:
		fmt.Fprintf(os.Stderr, "%s pull failed, using local data: %v\n", ui.RenderWarn("!"), err)
	}
}

// push flushes pending changes when online.
func (a *app) push(ctx context.Context) error {
	if !a.conn.Online() {
		fmt.Printf("%s Saved locally; will push when online\n", ui.RenderWarn("!"))
		return nil
	}
	if err := a.orch.Flush(ctx); err != nil {
		if errors.Is(err, orchestrator.ErrPushCanceled) {
			return nil
		}
		return fmt.Errorf("push failed (changes are saved locally): %w", err)
	}
	return nil
}

// stayOffline marks the remote unreachable so Login loads local state
// without pulling.
func (a *app) stayOffline() {
	if s, ok := a.conn.(interface{ Set(online bool) }); ok {
		s.Set(false)
	}
}

func (a *app) Close() error {
	err := a.orch.Close()
	if cerr := a.store.Close(); err == nil {
		err = cerr
	}
	return err
}
