package bootstrap

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/WizardTales/MicroWizard/balance"
	"github.com/WizardTales/MicroWizard/config"
	"github.com/WizardTales/MicroWizard/core"
	"github.com/WizardTales/MicroWizard/gateway"
	"github.com/WizardTales/MicroWizard/mesh"
	"github.com/WizardTales/MicroWizard/transport"
)

// Service names registered by App
const (
	ServiceRouter    = "router"
	ServiceBalance   = "balance"
	ServiceTransport = "transport"
	ServiceMesh      = "mesh"
	ServiceGateway   = "gateway"
)

// ShutdownTimeout bounds a graceful shutdown
const ShutdownTimeout = 30 * time.Second

// Option configures an App
type Option func(*App)

// WithRegistry replaces the Redis registry built from the mesh section.
func WithRegistry(r mesh.Registry) Option {
	return func(a *App) {
		a.registry = r
	}
}

// WithMetrics sets the prometheus registry shared by balance and gateway.
func WithMetrics(reg *prometheus.Registry) Option {
	return func(a *App) {
		a.metrics = reg
	}
}

// WithRoutes mounts application routes on the gateway.
func WithRoutes(routes func(r chi.Router, d gateway.Dispatcher)) Option {
	return func(a *App) {
		a.routes = routes
	}
}

// App is one node: a router, its balanced clients, the TCP listener and the
// optional mesh and gateway, managed as services.
type App struct {
	config   *config.Config
	logger   *zap.Logger
	metrics  *prometheus.Registry
	registry mesh.Registry
	routes   func(r chi.Router, d gateway.Dispatcher)

	router    *core.Router
	balance   *balance.Client
	listener  *transport.Listener
	mesh      *mesh.Mesh
	gateway   *gateway.Gateway
	lifecycle *LifecycleManager

	mutex   sync.Mutex
	running bool
}

// New builds every component cfg enables. Nothing is started.
func New(cfg *config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, &ApplicationError{Operation: "configure", Err: err}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	app := &App{
		config:    cfg,
		logger:    logger.With(zap.String("app", cfg.App.Name)),
		lifecycle: NewLifecycleManager(logger),
	}
	for _, opt := range opts {
		opt(app)
	}
	if app.metrics == nil {
		app.metrics = prometheus.NewRegistry()
	}

	if err := app.build(); err != nil {
		return nil, &ApplicationError{Operation: "configure", Err: err}
	}
	if err := app.registerServices(); err != nil {
		return nil, err
	}
	return app, nil
}

func (app *App) build() error {
	cfg := app.config

	app.router = core.New(
		core.WithLogger(app.logger),
		core.WithCacheSize(cfg.Router.CacheSize),
		core.WithCacheInvalidation(cfg.Router.InvalidateCache()),
	)

	bopts := cfg.BalanceOptions()
	bopts.Logger = app.logger
	bopts.Registerer = app.metrics
	client, err := balance.NewClient(bopts)
	if err != nil {
		return err
	}
	app.balance = client

	app.listener = transport.NewListener(transport.ListenerConfig{
		Host:              cfg.Transport.Host,
		Port:              cfg.Transport.Port,
		MaxListenAttempts: cfg.Transport.MaxListenAttempts,
		AttemptDelay:      cfg.Transport.AttemptDelay,
		QueueSize:         transport.DefaultListenerConfig().QueueSize,
	}, app.router, app.logger)

	if cfg.Mesh.Enabled {
		if app.registry == nil {
			app.registry = mesh.NewRedisRegistry(cfg.Mesh.RedisAddress, cfg.Mesh.RedisPassword, cfg.Mesh.RedisDB,
				mesh.WithPrefix(cfg.Mesh.Prefix))
		}

		mcfg := mesh.DefaultConfig()
		mcfg.Host = cfg.Mesh.Advertise
		if mcfg.Host == "" {
			mcfg.Host = cfg.Transport.Host
		}
		mcfg.Port = cfg.Transport.Port
		mcfg.Pins = cfg.Mesh.Pins
		mcfg.Model = cfg.Mesh.Model
		mcfg.Base = cfg.Mesh.Base
		mcfg.Instance = cfg.App.Name
		mcfg.Heartbeat = cfg.Mesh.Heartbeat
		mcfg.TTL = cfg.Mesh.TTL
		mcfg.Poll = cfg.Mesh.Poll
		mcfg.Client.Timeout = cfg.Transport.ClientTimeout
		mcfg.Client.FailAfter = cfg.Transport.FailAfter

		m, err := mesh.New(mcfg, app.router, app.balance, app.registry, app.logger)
		if err != nil {
			return err
		}
		app.mesh = m
	}

	if cfg.Gateway.Enabled {
		g, err := gateway.New(app.router, gateway.Options{
			Address:     cfg.Gateway.Address,
			MetricsPath: cfg.Gateway.MetricsPath,
			Registry:    app.metrics,
			Routes:      app.routes,
			Logger:      app.logger,
		})
		if err != nil {
			return err
		}
		app.gateway = g
	}
	return nil
}

func (app *App) registerServices() error {
	type entry struct {
		service Service
		deps    []string
	}

	services := []entry{
		{&funcService{
			name: ServiceRouter,
			stop: func(ctx context.Context) error { return app.router.Close() },
			health: func(ctx context.Context) HealthStatus {
				return HealthStatus{State: HealthHealthy, Data: map[string]any{"patterns": len(app.router.Patterns())}}
			},
		}, nil},
		{&funcService{
			name: ServiceBalance,
			stop: func(ctx context.Context) error { return app.balance.Close() },
			health: func(ctx context.Context) HealthStatus {
				return HealthStatus{State: HealthHealthy, Data: map[string]any{"groups": len(app.balance.Groups())}}
			},
		}, []string{ServiceRouter}},
		{&funcService{
			name:  ServiceTransport,
			start: app.listener.Listen,
			stop:  func(ctx context.Context) error { return app.listener.Close() },
			health: func(ctx context.Context) HealthStatus {
				stats := app.listener.Statistics()
				return HealthStatus{State: HealthHealthy, Data: map[string]any{
					"port":        app.listener.Port(),
					"connections": stats.Connections,
					"requests":    stats.Requests,
				}}
			},
		}, []string{ServiceRouter}},
	}

	if app.mesh != nil {
		services = append(services, entry{&funcService{
			name: ServiceMesh,
			start: func(ctx context.Context) error {
				// the listener may have bound an ephemeral port
				app.mesh.SetPort(app.listener.Port())
				return app.mesh.Join(ctx)
			},
			stop: func(ctx context.Context) error {
				err := app.mesh.Close()
				if cerr := app.registry.Close(); err == nil {
					err = cerr
				}
				return err
			},
			health: func(ctx context.Context) HealthStatus {
				return HealthStatus{State: HealthHealthy, Data: map[string]any{
					"id":      app.mesh.ID(),
					"members": len(app.mesh.Members()),
				}}
			},
		}, []string{ServiceTransport, ServiceBalance}})
	}

	if app.gateway != nil {
		services = append(services, entry{&funcService{
			name:  ServiceGateway,
			start: app.gateway.Start,
			stop:  app.gateway.Stop,
		}, []string{ServiceRouter}})
	}

	for _, s := range services {
		if err := app.lifecycle.Register(s.service, s.deps...); err != nil {
			return err
		}
	}
	return nil
}

// Router returns the node's router, where handlers are added.
func (app *App) Router() *core.Router { return app.router }

// Balance returns the balanced client.
func (app *App) Balance() *balance.Client { return app.balance }

// Listener returns the TCP listener.
func (app *App) Listener() *transport.Listener { return app.listener }

// Mesh returns the mesh, or nil when disabled.
func (app *App) Mesh() *mesh.Mesh { return app.mesh }

// Gateway returns the gateway, or nil when disabled.
func (app *App) Gateway() *gateway.Gateway { return app.gateway }

// Lifecycle returns the lifecycle manager.
func (app *App) Lifecycle() *LifecycleManager { return app.lifecycle }

// Start starts every service.
func (app *App) Start(ctx context.Context) error {
	app.mutex.Lock()
	defer app.mutex.Unlock()

	if app.running {
		return &ApplicationError{Operation: "start", Err: ErrAlreadyStarted}
	}
	if err := app.lifecycle.Start(ctx); err != nil {
		return err
	}
	app.running = true

	app.logger.Info("node started",
		zap.String("version", app.config.App.Version),
		zap.Int("port", app.listener.Port()),
		zap.Bool("mesh", app.mesh != nil),
		zap.Bool("gateway", app.gateway != nil))
	return nil
}

// Shutdown stops every service in reverse order. The router is closed, so an
// App is not started again.
func (app *App) Shutdown(ctx context.Context) error {
	app.mutex.Lock()
	defer app.mutex.Unlock()

	if !app.running {
		return nil
	}
	app.running = false

	ctx, cancel := context.WithTimeout(ctx, ShutdownTimeout)
	defer cancel()

	if err := app.lifecycle.Stop(ctx); err != nil {
		return err
	}
	app.logger.Info("node stopped")
	return nil
}

// Health reports every service.
func (app *App) Health(ctx context.Context) (map[string]HealthStatus, error) {
	app.mutex.Lock()
	running := app.running
	app.mutex.Unlock()

	if !running {
		return nil, ErrApplicationNotReady
	}
	return app.lifecycle.Health(ctx), nil
}

// Run starts the node and blocks until ctx is done or SIGINT or SIGTERM
// arrives, then shuts down.
func (app *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Start(ctx); err != nil {
		return fmt.Errorf("failed to start node: %w", err)
	}

	<-ctx.Done()
	app.logger.Info("shutting down", zap.Error(context.Cause(ctx)))

	return app.Shutdown(context.Background())
}
