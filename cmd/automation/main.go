package main

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ticnutai10-gif/ten-archflow-crm-sub005/internal/automation"
	"github.com/ticnutai10-gif/ten-archflow-crm-sub005/internal/config"
	"github.com/ticnutai10-gif/ten-archflow-crm-sub005/internal/events"
	"github.com/ticnutai10-gif/ten-archflow-crm-sub005/internal/metrics"
	"github.com/ticnutai10-gif/ten-archflow-crm-sub005/internal/scheduler"
	"github.com/ticnutai10-gif/ten-archflow-crm-sub005/internal/server"
	"github.com/ticnutai10-gif/ten-archflow-crm-sub005/internal/storage"
	"github.com/ticnutai10-gif/ten-archflow-crm-sub005/internal/transport"
	"github.com/ticnutai10-gif/ten-archflow-crm-sub005/pkg/utils"
)

// AppVersion contains the application version
const AppVersion = "1.0.0"

// Application wires the automation engine to its stores, transports and
// outer surfaces.
type Application struct {
	config    *config.Config
	logger    *logrus.Logger
	metrics   *metrics.Manager
	storage   storage.Storage
	transport *transport.Router
	emitter   automation.EventEmitter
	nats      *events.NATSEmitter
	executor  *automation.RuleExecutor
	scheduler *scheduler.Scheduler
	server    *server.HTTPServer
	startedAt time.Time
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewApplication creates a new application instance. The HTTP server and
// scheduler are only built when serve is true.
func NewApplication(cfg *config.Config, serve bool) (*Application, error) {
	ctx, cancel := context.WithCancel(context.Background())

	app := &Application{
		config: cfg,
		ctx:    ctx,
		cancel: cancel,
	}

	if err := app.initializeLogger(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	if err := app.initializeComponents(serve); err != nil {
		app.Stop()
		return nil, fmt.Errorf("failed to initialize components: %w", err)
	}

	return app, nil
}

// initializeLogger initializes the application logger
func (app *Application) initializeLogger() error {
	logCfg := app.config.Logging

	if err := utils.InitLogger(logCfg.Level, logCfg.Format, logCfg.Output, logCfg.File); err != nil {
		return err
	}

	app.logger = utils.GetLogger()
	app.logger.WithFields(logrus.Fields{
		"level":  logCfg.Level,
		"format": logCfg.Format,
		"output": logCfg.Output,
	}).Debug("Logger initialized")

	return nil
}

// initializeComponents initializes all application components
func (app *Application) initializeComponents(serve bool) error {
	app.metrics = metrics.NewManager()

	if err := app.initializeStorage(); err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	if err := app.initializeTransport(); err != nil {
		return fmt.Errorf("failed to initialize transport: %w", err)
	}
	if err := app.initializeEvents(); err != nil {
		return fmt.Errorf("failed to initialize events: %w", err)
	}
	app.initializeExecutor()

	if serve {
		if err := app.initializeScheduler(); err != nil {
			return fmt.Errorf("failed to initialize scheduler: %w", err)
		}
		app.initializeServer()
	}

	app.logger.Info("All components initialized successfully")
	return nil
}

// initializeStorage connects and migrates the store, then imports the
// configured rules file if there is one.
func (app *Application) initializeStorage() error {
	store, err := storage.NewStorage(&app.config.Storage)
	if err != nil {
		return err
	}
	if err := store.Connect(); err != nil {
		return err
	}
	app.storage = storage.NewStorageWithMetrics(store, app.metrics)

	if err := app.storage.Migrate(); err != nil {
		return fmt.Errorf("failed to run storage migrations: %w", err)
	}

	if path := app.config.Storage.RulesFile; path != "" {
		if _, err := storage.ImportRulesFile(app.ctx, app.storage, path); err != nil {
			return fmt.Errorf("failed to import rules: %w", err)
		}
	}

	app.logger.WithField("type", app.config.Storage.Type).Info("Storage layer initialized")
	return nil
}

func (app *Application) initializeTransport() error {
	router, err := transport.NewRouterFromConfig(app.config.Transport, app.metrics.GetPrometheusMetrics(), app.logger)
	if err != nil {
		return err
	}
	app.transport = router
	return nil
}

func (app *Application) initializeEvents() error {
	if !app.config.Events.Enabled {
		app.emitter = events.NopEmitter{}
		return nil
	}

	emitter, err := events.Connect(app.config.Events, app.metrics.GetPrometheusMetrics(), app.logger)
	if err != nil {
		return err
	}
	app.nats = emitter
	app.emitter = emitter
	return nil
}

func (app *Application) initializeExecutor() {
	autoCfg := app.config.Automation
	execCfg := &automation.ExecutorConfig{
		RuleLimit: autoCfg.RuleLimit,
		Limits: automation.Limits{
			DryRunSampleSize:  autoCfg.DryRunSampleSize,
			BulkUpdateLimit:   autoCfg.BulkUpdateLimit,
			BodyPreviewLength: autoCfg.BodyPreviewLength,
		},
	}

	env := &automation.Env{
		Records:   app.storage,
		Transport: app.transport,
		Events:    app.emitter,
	}

	app.executor = automation.NewRuleExecutor(
		app.storage,
		env,
		automation.NewAuditLogger(app.storage, app.metrics, app.logger),
		execCfg,
		automation.WithRecorder(app.metrics),
		automation.WithLogger(app.logger),
	)
}

func (app *Application) initializeScheduler() error {
	app.scheduler = scheduler.New(app.executor, app.metrics.GetPrometheusMetrics(), app.logger)
	for _, sc := range app.config.Schedules {
		if err := app.scheduler.Add(sc); err != nil {
			return err
		}
	}
	return nil
}

func (app *Application) initializeServer() {
	srvCfg := app.config.Server
	app.server = server.NewHTTPServer(&server.ServerConfig{
		Port:          srvCfg.Port,
		Host:          srvCfg.Host,
		ReadTimeout:   srvCfg.ReadTimeout,
		WriteTimeout:  srvCfg.WriteTimeout,
		EnableMetrics: srvCfg.EnableMetrics,
		EnableHealth:  srvCfg.EnableHealth,
		Version:       AppVersion,
	}, app.storage, app.executor, app.metrics, app.logger)
}

// Start starts the scheduler and the HTTP server
func (app *Application) Start() error {
	app.startedAt = time.Now()
	app.logger.WithFields(logrus.Fields{
		"version":     AppVersion,
		"environment": app.config.App.Environment,
	}).Info("Starting CRM automation engine")

	if app.scheduler != nil {
		app.scheduler.Start(app.ctx)
	}
	if app.server != nil {
		if err := app.server.Start(); err != nil {
			return err
		}
	}

	app.logger.Info("CRM automation engine started")
	return nil
}

// Stop stops the application gracefully
func (app *Application) Stop() error {
	if app.logger != nil {
		app.logger.Info("Stopping CRM automation engine")
	}
	app.cancel()

	if !app.startedAt.IsZero() {
		app.logger.WithField("uptime", time.Since(app.startedAt).Round(time.Second).String()).Info("Shutting down")
	}
	if app.server != nil {
		if err := app.server.Stop(); err != nil {
			app.logger.WithError(err).Error("Failed to stop HTTP server")
		}
	}
	if app.scheduler != nil {
		app.scheduler.Stop()
	}
	if app.nats != nil {
		app.nats.Close()
	}
	if app.storage != nil {
		if err := app.storage.Close(); err != nil {
			app.logger.WithError(err).Error("Failed to close storage")
		}
	}

	return nil
}
