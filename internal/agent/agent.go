// Package agent wires the reconciliation loop to its adapters and runs it
// as a long-lived process.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	systemd "github.com/coreos/go-systemd/v22/daemon"
	"github.com/docker/docker/client"
	"github.com/gofrs/flock"
	"golang.org/x/sync/errgroup"

	"keelhaul/config"
	"keelhaul/internal/adapter/docker"
	"keelhaul/internal/adapter/sqlite"
	"keelhaul/internal/health"
	"keelhaul/internal/metrics"
	"keelhaul/internal/notify"
	"keelhaul/internal/policy"
	"keelhaul/internal/reconcile"
	"keelhaul/internal/registry"
	"keelhaul/internal/telemetry"
)

const lockFile = "keelhaul.lock"

// ErrLocked is returned by Run when another agent holds the data directory.
var ErrLocked = errors.New("data directory is locked by another keelhaul instance")

// Options override adapters. Nil adapters are built from the Docker Engine
// configured in config.Docker.
type Options struct {
	Version string
	Commit  string

	Orchestrator reconcile.Orchestrator
	Resolver     reconcile.Resolver
	Credentials  reconcile.CredentialSource
	Clock        reconcile.Clock
}

// Agent owns every long-lived component of a running keelhaul.
type Agent struct {
	Loop    *reconcile.Loop
	Metrics *metrics.Metrics
	Health  *health.Server
	History *sqlite.History

	cfg       *config.Config
	engine    *client.Client
	cache     *registry.Cache
	telemetry *telemetry.Provider
	readyOnce sync.Once
	log       *slog.Logger
}

// New builds an agent from a validated configuration. Close releases what
// New acquired.
func New(ctx context.Context, cfg *config.Config, opts Options) (_ *Agent, err error) {
	a := &Agent{cfg: cfg, log: slog.With("component", "agent")}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	if opts.Orchestrator == nil || opts.Resolver == nil {
		if a.engine, err = DockerClient(cfg.Docker); err != nil {
			return nil, err
		}
	}

	creds := opts.Credentials
	if creds == nil {
		if creds, err = Credentials(cfg.Registry); err != nil {
			return nil, err
		}
	}

	orch := opts.Orchestrator
	if orch == nil {
		if orch, err = docker.NewOrchestrator(a.engine, cfg.Docker.Filters, creds); err != nil {
			return nil, &config.Error{Key: "docker.filters", Value: cfg.Docker.Filters, Err: err}
		}
	}
	var resolver reconcile.Resolver = opts.Resolver
	if resolver == nil {
		resolver = docker.NewResolver(a.engine)
	}

	a.Metrics = metrics.New(opts.Version, opts.Commit)
	a.cache = registry.NewCache(resolver, registry.CacheOptions{
		TTL:           cfg.Registry.CacheTTL,
		NegativeTTL:   cfg.Registry.NegativeTTL,
		LookupTimeout: cfg.CallTimeout,
		RateLimit:     cfg.Registry.RateLimit,
		RateBurst:     cfg.Registry.RateBurst,
		Clock:         opts.Clock,
		OnLookup:      a.Metrics.CacheLookup,
	})

	if a.telemetry, err = telemetry.Setup(ctx, cfg.Tracing.Endpoint, opts.Version); err != nil {
		return nil, err
	}

	reporters := reconcile.Reporters{reconcile.LogReporter{Logger: slog.Default()}, a.Metrics}
	if cfg.History.Path != "" {
		if a.History, err = sqlite.Open(cfg.History.Path); err != nil {
			return nil, err
		}
		a.History.Keep = cfg.History.Keep
		reporters = append(reporters, a.History)
	}
	if cfg.Notify.Telegram.Enabled() {
		reporters = append(reporters, notify.NewTelegram(cfg.Notify.Telegram.Token, cfg.Notify.Telegram.ChatID, notify.Options{
			IncludeOldImage: cfg.Notify.IncludeOldImage,
			IncludeNewImage: cfg.Notify.IncludeNewImage,
		}))
	}
	a.Health = health.NewServer()
	reporters = append(reporters, a.Health, reconcile.ReporterFunc(a.notifyReady))

	a.Loop = &reconcile.Loop{
		Orchestrator:  orch,
		Resolver:      a.cache,
		Credentials:   creds,
		Filter:        policy.NewFilter(policy.KeysWithPrefix(cfg.Policy.LabelPrefix), cfg.Policy.DefaultEnabled, cfg.Docker.Exclude),
		State:         reconcile.NewState(),
		Reporter:      reporters,
		Clock:         opts.Clock,
		Tracer:        a.telemetry.Tracer(),
		MaxConcurrent: cfg.MaxConcurrent,
		CallTimeout:   cfg.CallTimeout,
		PassTimeout:   cfg.PassTimeout,
		DryRun:        cfg.DryRun,
	}
	return a, nil
}

// DockerClient builds the engine client described by the docker section.
func DockerClient(cfg config.Docker) (*client.Client, error) {
	return docker.NewClient(docker.ClientOptions{
		Host:       cfg.Host,
		APIVersion: cfg.APIVersion,
		TLSCACert:  cfg.TLSCACert,
		TLSCert:    cfg.TLSCert,
		TLSKey:     cfg.TLSKey,
		TLSVerify:  cfg.TLSVerify,
	})
}

// Credentials builds the credential source selected by registry.credentials.
func Credentials(cfg config.Registry) (reconcile.CredentialSource, error) {
	switch cfg.Credentials {
	case config.CredentialsStatic:
		return registry.StaticCredentials{Host: cfg.Host, Username: cfg.Username, Password: cfg.Password}, nil
	case config.CredentialsNone:
		return registry.Anonymous{}, nil
	default:
		c, err := registry.NewDockerConfigCredentials(cfg.DockerConfigDir)
		if err != nil {
			return nil, fmt.Errorf("load registry credentials: %w", err)
		}
		return c, nil
	}
}

// Engine returns the Docker client, or nil when adapters were injected.
func (a *Agent) Engine() *client.Client { return a.engine }

// RunOnce executes a single pass without locking, serving or notifying
// systemd.
func (a *Agent) RunOnce(ctx context.Context) (reconcile.Summary, error) {
	if err := a.waitEngine(ctx); err != nil {
		return reconcile.Summary{}, err
	}
	return a.Loop.RunPass(ctx), nil
}

// Run locks the data directory, waits for the engine, then serves metrics
// and health while the loop runs. It returns nil on cancellation.
func (a *Agent) Run(ctx context.Context) error {
	unlock, err := a.lock()
	if err != nil {
		return err
	}
	defer unlock()

	if err := a.waitEngine(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	a.log.Info("agent starting",
		"interval", a.cfg.Interval.String(),
		"max_concurrent", a.cfg.MaxConcurrent,
		"dry_run", a.cfg.DryRun,
		"enable_label", a.Loop.Filter.Keys.Enable)

	g, ctx := errgroup.WithContext(ctx)
	if addr := a.cfg.Metrics.Listen; addr != "" {
		g.Go(func() error { return a.Metrics.Serve(ctx, addr) })
	}
	if addr := a.cfg.Health.Listen; addr != "" {
		g.Go(func() error { return a.Health.ListenAndServe(ctx, addr) })
	}
	g.Go(func() error {
		err := a.Loop.Run(ctx, a.cfg.Interval)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	err = g.Wait()

	if _, nerr := systemd.SdNotify(false, systemd.SdNotifyStopping); nerr != nil {
		a.log.Warn("failed to notify systemd of shutdown", "err", nerr)
	}
	a.log.Info("agent stopped")
	return err
}

func (a *Agent) waitEngine(ctx context.Context) error {
	if a.engine == nil {
		return nil
	}
	if err := docker.WaitReady(ctx, a.engine); err != nil {
		return err
	}
	return docker.RequireManager(ctx, a.engine)
}

// lock takes an exclusive lock on the data directory for the lifetime of Run.
func (a *Agent) lock() (func(), error) {
	if err := os.MkdirAll(a.cfg.DataDir, 0o750); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	path := filepath.Join(a.cfg.DataDir, lockFile)
	fl := flock.New(path)
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLocked, path)
	}
	return func() {
		if err := fl.Unlock(); err != nil {
			a.log.Warn("failed to release data directory lock", "err", err)
		}
	}, nil
}

// notifyReady tells systemd the agent is up once the first pass finished.
func (a *Agent) notifyReady(context.Context, reconcile.Summary) {
	a.readyOnce.Do(func() {
		if _, err := systemd.SdNotify(false, systemd.SdNotifyReady); err != nil {
			a.log.Error("failed to notify systemd of readiness", "err", err)
		}
	})
}

// Close releases the history database, the cache, the tracer provider and
// the engine client.
func (a *Agent) Close() error {
	var errs []error
	if a.History != nil {
		errs = append(errs, a.History.Close())
	}
	if a.cache != nil {
		a.cache.Stop()
	}
	if a.telemetry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		errs = append(errs, a.telemetry.Shutdown(ctx))
		cancel()
	}
	if a.engine != nil {
		errs = append(errs, a.engine.Close())
	}
	return errors.Join(errs...)
}
