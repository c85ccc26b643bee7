package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/c360studio/goi/config"
	"github.com/c360studio/goi/executor"
	"github.com/c360studio/goi/goi/checkpoint"
	"github.com/c360studio/goi/goi/collaboration"
	"github.com/c360studio/goi/goi/events"
	"github.com/c360studio/goi/goi/recovery"
	"github.com/c360studio/goi/goi/session"
	"github.com/c360studio/goi/goi/todo"
	"github.com/c360studio/goi/metrics"
	goiapi "github.com/c360studio/goi/processor/goi-api"
	"github.com/c360studio/goi/storage"
	"github.com/c360studio/semstreams/component"
	"github.com/c360studio/semstreams/natsclient"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// app is the wired service graph behind one HTTP API.
type app struct {
	store    storage.Store
	sessions *session.Manager
	library  *checkpoint.Library
	api      *goiapi.Component
}

// buildApp wires storage, the event bus, the session manager and the API
// component from cfg. nc is nil when no NATS connection is configured.
func buildApp(ctx context.Context, cfg *config.Config, nc *natsclient.Client, logger *slog.Logger) (*app, error) {
	store, err := openStore(ctx, cfg.Storage, nc)
	if err != nil {
		return nil, err
	}

	a, err := wire(cfg, store, nc, logger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return a, nil
}

func wire(cfg *config.Config, store storage.Store, nc *natsclient.Client, logger *slog.Logger) (*app, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	var sinks []events.Sink
	if nc != nil && !cfg.Events.DisableMirror {
		sinks = append(sinks, events.NewNATSSink(nc, cfg.Events.SubjectPrefix))
		logger.Info("Mirroring events to NATS", "prefix", cfg.Events.SubjectPrefix)
	}
	bus := events.NewBus(store, events.Config{
		Buffer:  cfg.Events.Buffer,
		Logger:  logger,
		Metrics: m,
		Sinks:   sinks,
	})

	library := checkpoint.NewLibrary(checkpoint.LibraryConfig{
		Dir:    cfg.Checkpoint.RulesDir,
		Logger: logger,
	})
	if err := library.Reload(); err != nil {
		return nil, fmt.Errorf("load rule presets: %w", err)
	}

	exec, planner, classifier := newExecutor(cfg.Executor)

	registry := session.NewRegistry()
	todos := todo.NewStore(store)
	checkpoints := checkpoint.NewStore(store)
	reports := recovery.NewReportStore(store)
	control := collaboration.NewManager(registry, bus, logger, m)

	mgr, err := session.NewManager(session.Deps{
		Registry:    registry,
		Todos:       todos,
		Bus:         bus,
		Rules:       checkpoint.NewEngine(m),
		Checkpoints: checkpoints,
		Control:     control,
		Reports:     reports,
		Executor:    exec,
		Planner:     planner,
		Classifier:  classifier,
	}, session.Config{
		StepTimeout:   cfg.Session.StepTimeout,
		IdleTTL:       cfg.Session.IdleTTL,
		SweepInterval: cfg.Session.SweepInterval,
		DefaultMode:   collaboration.Mode(cfg.Session.DefaultMode),
		Logger:        logger,
		Metrics:       m,
	})
	if err != nil {
		return nil, fmt.Errorf("create session manager: %w", err)
	}

	factories := newFactoryRegistry()
	if err := goiapi.Register(factories, goiapi.Services{
		Sessions:    mgr,
		Todos:       todos,
		Bus:         bus,
		Checkpoints: checkpoints,
		Recovery:    recovery.NewEngine(reports, mgr, logger, m),
		Library:     library,
		Gatherer:    reg,
	}); err != nil {
		mgr.Close()
		return nil, fmt.Errorf("register goi-api: %w", err)
	}
	api, err := newAPI(factories, cfg.Server, logger)
	if err != nil {
		mgr.Close()
		return nil, err
	}

	return &app{
		store:    store,
		sessions: mgr,
		library:  library,
		api:      api,
	}, nil
}

// factoryRegistry holds component factories by name.
type factoryRegistry struct {
	factories map[string]component.RegistrationConfig
}

func newFactoryRegistry() *factoryRegistry {
	return &factoryRegistry{factories: make(map[string]component.RegistrationConfig)}
}

// RegisterWithConfig implements goiapi.RegistryInterface.
func (r *factoryRegistry) RegisterWithConfig(cfg component.RegistrationConfig) error {
	if _, ok := r.factories[cfg.Name]; ok {
		return fmt.Errorf("component %s already registered", cfg.Name)
	}
	r.factories[cfg.Name] = cfg
	return nil
}

// create builds the named component from its raw JSON config.
func (r *factoryRegistry) create(name string, raw json.RawMessage, deps component.Dependencies) (component.Discoverable, error) {
	cfg, ok := r.factories[name]
	if !ok {
		return nil, fmt.Errorf("component %s not registered", name)
	}
	return cfg.Factory(raw, deps)
}

// newAPI builds the goi-api component through its registered factory.
func newAPI(factories *factoryRegistry, server config.ServerConfig, logger *slog.Logger) (*goiapi.Component, error) {
	apiCfg := goiapi.DefaultConfig()
	if server.UserHeader != "" {
		apiCfg.UserHeader = server.UserHeader
	}
	raw, err := json.Marshal(apiCfg)
	if err != nil {
		return nil, fmt.Errorf("marshal goi-api config: %w", err)
	}
	d, err := factories.create("goi-api", raw, component.Dependencies{Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("create goi-api: %w", err)
	}
	api, ok := d.(*goiapi.Component)
	if !ok {
		return nil, fmt.Errorf("goi-api factory returned %T", d)
	}
	return api, nil
}

// openStore opens the configured record backend.
func openStore(ctx context.Context, cfg config.StorageConfig, nc *natsclient.Client) (storage.Store, error) {
	switch cfg.Backend {
	case config.StorageSQLite:
		s, err := storage.NewSQLiteStore(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return s, nil
	case config.StorageKV:
		if nc == nil {
			return nil, fmt.Errorf("kv storage requires a NATS connection")
		}
		js, err := nc.JetStream()
		if err != nil {
			return nil, fmt.Errorf("get jetstream: %w", err)
		}
		s, err := storage.NewKVStore(ctx, js, cfg.Bucket)
		if err != nil {
			return nil, fmt.Errorf("open kv store: %w", err)
		}
		return s, nil
	default:
		return storage.NewMemoryStore(), nil
	}
}

// newExecutor selects the step executor, planner and classifier.
func newExecutor(cfg config.ExecutorConfig) (executor.StepExecutor, executor.Planner, executor.OperationClassifier) {
	classifier := executor.KeywordClassifier{
		Estimator: executor.NewCostEstimator(executor.EncodingForModel(cfg.Model), cfg.PricePerKToken),
	}
	if cfg.Provider != config.ProviderOpenAI {
		return executor.EchoExecutor{}, executor.StaticPlanner{}, classifier
	}
	client := executor.NewOpenAIClient(executor.OpenAIConfig{
		BaseURL:     cfg.Endpoint,
		APIKey:      cfg.APIKey,
		Model:       cfg.Model,
		Temperature: float32(cfg.Temperature),
		Timeout:     cfg.Timeout,
	})
	return client, client, classifier
}

func (a *app) close() {
	a.sessions.Close()
	if err := a.store.Close(); err != nil {
		slog.Warn("Failed to close store", "error", err)
	}
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	if ctx == nil {
		ctx = context.Background()
	}

	// Setup signal handling
	signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	var nc *natsclient.Client
	if cfg.NATS.URL != "" {
		client, err := connectToNATS(signalCtx, cfg.NATS, logger)
		if err != nil {
			return err
		}
		defer client.Close(context.Background())
		nc = client
	}

	a, err := buildApp(signalCtx, cfg, nc, logger)
	if err != nil {
		return err
	}
	defer a.close()

	if cfg.Checkpoint.Watch {
		if err := a.library.Watch(signalCtx); err != nil {
			logger.Warn("Rule library watcher not started", "error", err)
		}
	}
	if err := a.sessions.StartSweeper(signalCtx); err != nil {
		return fmt.Errorf("start sweeper: %w", err)
	}
	if err := a.api.Initialize(); err != nil {
		return fmt.Errorf("initialize goi-api: %w", err)
	}
	if err := a.api.Start(signalCtx); err != nil {
		return fmt.Errorf("start goi-api: %w", err)
	}
	defer func() {
		if err := a.api.Stop(cfg.Server.ShutdownTimeout); err != nil {
			logger.Warn("Failed to stop goi-api", "error", err)
		}
	}()

	mux := http.NewServeMux()
	a.api.RegisterHTTPHandlers(cfg.Server.Prefix, mux)
	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: mux,
		// Open SSE streams end with the signal instead of holding Shutdown.
		BaseContext: func(net.Listener) context.Context { return signalCtx },
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("GOI ready",
			"version", Version,
			"addr", cfg.Server.Addr,
			"prefix", cfg.Server.Prefix,
			"storage", cfg.Storage.Backend,
			"executor", cfg.Executor.Provider)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Block until shutdown signal or listener failure
	select {
	case <-signalCtx.Done():
		logger.Info("Received shutdown signal")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error stopping HTTP server", "error", err)
	}

	logger.Info("GOI shutdown complete")
	return nil
}
