// Package app assembles storage, capture, transports and the client registry
// from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/funnyzak/tapkit/internal/config"
	"github.com/funnyzak/tapkit/internal/logger"
	"github.com/funnyzak/tapkit/internal/metrics"
	"github.com/funnyzak/tapkit/internal/printer"
	"github.com/funnyzak/tapkit/internal/storage"
	"github.com/funnyzak/tapkit/internal/watcher"
	"github.com/funnyzak/tapkit/internal/web"
	"github.com/funnyzak/tapkit/pkg/capture"
	"github.com/funnyzak/tapkit/pkg/progress"
	"github.com/funnyzak/tapkit/pkg/registry"
	"github.com/funnyzak/tapkit/pkg/service"
)

// Options tunes New.
type Options struct {
	// Out receives printed records; nil means stdout.
	Out io.Writer
	// Quiet disables record printing regardless of the output config.
	Quiet bool
}

// App owns every long-lived component.
type App struct {
	logger  logger.Logger
	metrics *metrics.Collector
	toggles *capture.Toggles
	filter  capture.Filter
	printer *printer.AsyncSink

	// progress callbacks go through dispatch when progress.serial is set
	dispatch *progress.SerialDispatcher

	store     storage.Store
	sink      *storage.AsyncSink
	scheduler *storage.Scheduler
	web       *web.Service

	registry *registry.Registry[*service.Client]

	mu       sync.RWMutex
	cfg      *config.Config
	services map[string]config.ServiceConfig
}

// New builds an App. Clients are created lazily on first use.
func New(cfg *config.Config, log logger.Logger, opts Options) (*App, error) {
	if log == nil {
		log = logger.Nop()
	}
	a := &App{
		logger:   log,
		metrics:  metrics.NewCollector(nil),
		toggles:  capture.NewToggles(true),
		cfg:      cfg,
		services: make(map[string]config.ServiceConfig, len(cfg.Services)),
	}

	filter, err := capture.NewURLFilter(cfg.Capture.Include, cfg.Capture.Exclude)
	if err != nil {
		return nil, fmt.Errorf("invalid capture filter: %w", err)
	}
	if filter != nil {
		a.filter = filter
	}

	if cfg.Progress.Serial {
		a.dispatch = progress.NewSerialDispatcher(64)
	}

	if !opts.Quiet && !cfg.Output.Silence {
		p := printer.New(cfg.Output.Mode, log, &cfg.Output, opts.Out)
		a.printer = printer.NewAsyncSink(p, 0, log.With("component", "printer"))
	}

	if cfg.Capture.Enable {
		storeOpts, err := storage.OptionsFromConfig(&cfg.Capture)
		if err != nil {
			return nil, err
		}
		a.store, err = storage.New(storeOpts, log.With("component", "storage"))
		if err != nil {
			return nil, err
		}
		a.scheduler = storage.NewScheduler(a.store, cfg.Capture.PruneSchedule, log.With("component", "prune"))
	}

	if cfg.Web.Enable {
		webOpts := web.Options{Store: a.store, Toggles: a.toggles, Services: a}
		if cfg.Metrics.Enable {
			webOpts.Metrics = a.metrics.Handler()
			webOpts.MetricsPath = cfg.Metrics.Path
		}
		a.web = web.NewService(&cfg.Web, webOpts, log.With("component", "web"))
	}

	if a.store != nil {
		asyncOpts := storage.AsyncOptions{
			Buffer:       cfg.Capture.AsyncBuffer,
			WriteTimeout: cfg.Capture.WriteTimeout,
			Observer:     a.metrics,
		}
		if a.web != nil {
			asyncOpts.OnWrite = a.web.Hub().Publish
		}
		a.sink = storage.NewAsyncSink(a.store, asyncOpts, log.With("component", "capture"))
	}

	a.registry = registry.New[*service.Client](registry.TransportBuilderFunc(a.createTransport))
	a.registry.ObserveBuilds(a.metrics.ObserveBuild)
	a.registry.Observe(metrics.ResetObserver[*service.Client](a.metrics))
	a.registry.Observe(a.onReset)

	for _, svc := range cfg.Services {
		if err := a.register(svc); err != nil {
			a.Close()
			return nil, err
		}
	}
	return a, nil
}

// Config returns the configuration currently applied.
func (a *App) Config() *config.Config {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.cfg
}

// Metrics exposes the collector.
func (a *App) Metrics() *metrics.Collector { return a.metrics }

// Store returns the capture store, or nil when capture is disabled.
func (a *App) Store() storage.Store { return a.store }

// Toggles returns the shared capture switches.
func (a *App) Toggles() *capture.Toggles { return a.toggles }

// Web returns the inspection service, or nil when disabled.
func (a *App) Web() *web.Service { return a.web }

// Client returns the client registered under key, building it on first use.
func (a *App) Client(key string) (*service.Client, error) {
	return a.registry.GetOrBuild(key)
}

// Statuses lists registered services. Keys without an override report their
// configured base URL.
func (a *App) Statuses() []registry.Status {
	statuses := a.registry.Statuses()
	a.mu.RLock()
	defer a.mu.RUnlock()
	for i := range statuses {
		if statuses[i].BaseURL == "" {
			statuses[i].BaseURL = a.services[statuses[i].Key].BaseURL
		}
	}
	return statuses
}

// Reset rebuilds the client of key. An empty baseURL keeps the current one.
func (a *App) Reset(key, baseURL string) error {
	_, err := a.registry.Reset(key, baseURL)
	return err
}

func (a *App) register(svc config.ServiceConfig) error {
	a.mu.Lock()
	a.services[svc.Key] = svc
	a.mu.Unlock()
	a.toggles.Enable(svc.ModuleName(), svc.CaptureOr(true))

	return a.registry.Register(svc.Key, &service.Builder{
		Name:    svc.Key,
		BaseURL: svc.BaseURL,
		Headers: svc.Headers,
		Logger:  a.logger,
	})
}

// onReset cancels the requests still running on a replaced client.
func (a *App) onReset(ev registry.Event[*service.Client]) {
	switch ev.Phase {
	case registry.PhaseResetBefore:
		if ev.Old == nil {
			return
		}
		if n := ev.Old.CancelAll(); n > 0 {
			a.logger.Warn("Cancelled in-flight requests of replaced client", "service", ev.Key, "count", n)
		}
	case registry.PhaseReset:
		if ev.Old != nil {
			ev.Old.CloseIdleConnections()
		}
		a.logger.Info("Service client reset", "service", ev.Key, "base_url", ev.New.BaseURL())
	}
}

// Reload applies cfg to the running app. Services whose base URL or
// transport settings changed are reset, new services are registered and
// capture switches follow the file. Sections that need a restart (storage,
// web, logging) are left as they are.
func (a *App) Reload(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	a.mu.Lock()
	old := a.cfg
	previous := make(map[string]config.ServiceConfig, len(a.services))
	for k, v := range a.services {
		previous[k] = v
	}
	a.cfg = cfg
	a.mu.Unlock()

	transportChanged := old.Transport != cfg.Transport ||
		old.Progress != cfg.Progress ||
		old.Capture.MaxBodyBytes != cfg.Capture.MaxBodyBytes

	var errs []error
	seen := make(map[string]struct{}, len(cfg.Services))
	for _, svc := range cfg.Services {
		seen[svc.Key] = struct{}{}
		prev, known := previous[svc.Key]
		if !known {
			if err := a.register(svc); err != nil {
				errs = append(errs, err)
				continue
			}
			a.logger.Info("Service registered", "service", svc.Key)
			continue
		}

		if err := a.register(svc); err != nil {
			errs = append(errs, err)
			continue
		}
		if prev.BaseURL == svc.BaseURL && !transportChanged && serviceTransportEqual(prev, svc) {
			continue
		}
		if _, built := a.registry.Built(svc.Key); !built {
			if err := a.registry.SetBaseURL(svc.Key, svc.BaseURL); err != nil {
				errs = append(errs, err)
			}
			continue
		}
		if svc.BaseURL == "" {
			// Reset keeps the current override when given an empty URL
			if err := a.registry.SetBaseURL(svc.Key, ""); err != nil {
				errs = append(errs, err)
				continue
			}
		}
		c, err := a.registry.Reset(svc.Key, svc.BaseURL)
		if err != nil {
			errs = append(errs, fmt.Errorf("reset %s: %w", svc.Key, err))
			continue
		}
		// rebuilt clients inherit headers from the client they replace
		for k, v := range svc.Headers {
			c.SetHeader(k, v)
		}
	}
	for key := range previous {
		if _, ok := seen[key]; !ok {
			a.logger.Warn("Service removed from config; its client stays registered until restart", "service", key)
		}
	}
	return errors.Join(errs...)
}

// ReloadFile reads path and applies it with Reload.
func (a *App) ReloadFile(path string) error {
	cfg, err := config.LoadConfig(path, nil)
	if err != nil {
		return err
	}
	if err := a.Reload(cfg); err != nil {
		return err
	}
	a.logger.Info("Configuration reloaded", "path", path)
	return nil
}

// Serve runs the inspection API, the prune scheduler and, when configPath is
// set, the config watcher until ctx is done.
func (a *App) Serve(ctx context.Context, configPath string) error {
	g, ctx := errgroup.WithContext(ctx)

	if a.scheduler != nil {
		if err := a.scheduler.Start(ctx); err != nil {
			return err
		}
	}

	if a.web != nil {
		srv := web.NewServer(a.Config().Web.Listen, a.web, a.logger.With("component", "web"))
		g.Go(func() error { return srv.Run(ctx) })
	}

	if configPath != "" {
		w, err := watcher.New(configPath, 0, a.logger.With("component", "watcher"))
		if err != nil {
			return err
		}
		g.Go(func() error {
			return w.Run(ctx, func(context.Context) error { return a.ReloadFile(configPath) })
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		return nil
	})
	return g.Wait()
}

// Prune runs one retention pass.
func (a *App) Prune(ctx context.Context) (int, error) {
	if a.store == nil {
		return 0, errors.New("capture storage is disabled")
	}
	return a.store.Prune(ctx)
}

// Close flushes queued records and releases storage.
func (a *App) Close() error {
	var errs []error
	if a.scheduler != nil {
		a.scheduler.Stop()
	}
	if a.sink != nil {
		if err := a.sink.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.printer != nil {
		a.printer.Close()
	}
	if a.web != nil {
		a.web.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.dispatch != nil {
		a.dispatch.Close()
	}
	return errors.Join(errs...)
}

func serviceTransportEqual(a, b config.ServiceConfig) bool {
	if a.Timeout != b.Timeout || a.RetriesOr(-1) != b.RetriesOr(-1) || a.ModuleName() != b.ModuleName() {
		return false
	}
	if len(a.Headers) != len(b.Headers) {
		return false
	}
	for k, v := range a.Headers {
		if b.Headers[k] != v {
			return false
		}
	}
	return pathStrategyEqual(a.PathStrategy, b.PathStrategy)
}

func pathStrategyEqual(a, b config.PathStrategyConfig) bool {
	if a.Mode != b.Mode || a.StripPrefix != b.StripPrefix || len(a.Rules) != len(b.Rules) {
		return false
	}
	for i := range a.Rules {
		if a.Rules[i] != b.Rules[i] {
			return false
		}
	}
	return true
}
