package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/nugget/vigil/internal/analysis"
	"github.com/nugget/vigil/internal/api"
	"github.com/nugget/vigil/internal/buildinfo"
	"github.com/nugget/vigil/internal/config"
	"github.com/nugget/vigil/internal/connwatch"
	"github.com/nugget/vigil/internal/events"
	"github.com/nugget/vigil/internal/homeassistant"
	"github.com/nugget/vigil/internal/llm"
	"github.com/nugget/vigil/internal/metrics"
	"github.com/nugget/vigil/internal/mqtt"
	"github.com/nugget/vigil/internal/notify"
	"github.com/nugget/vigil/internal/scheduler"
	"github.com/nugget/vigil/internal/trigger"
)

// runDrainTimeout bounds how long shutdown waits for an in-flight
// analysis run.
const runDrainTimeout = 30 * time.Second

func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting Vigil", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "branch", buildinfo.GitBranch, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Everything after the config load uses the configured level and
	// format.
	logger = configuredLogger(stdout, cfg)
	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"devices", len(cfg.Devices),
		"llm_provider", cfg.LLM.Provider,
		"interval", cfg.Analysis.Interval(),
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	bus := events.New()
	met := metrics.New(nil)

	// --- Persisted state ---
	c, err := openCore(ctx, cfg, bus, met, logger)
	if err != nil {
		return err
	}
	defer c.Close()

	// --- Connection resilience ---
	connMgr := connwatch.NewManager(met, logger)
	defer connMgr.Stop()

	// --- Home Assistant ---
	// Optional. Without it sensor events arrive only through the ingest
	// API.
	var ha *homeassistant.Client
	var haWS *homeassistant.WSClient
	if cfg.HomeAssistant.Configured() {
		ha = homeassistant.NewClient(cfg.HomeAssistant.URL, cfg.HomeAssistant.Token, logger)
		haWS = homeassistant.NewWSClient(cfg.HomeAssistant.URL, cfg.HomeAssistant.Token, logger)
		defer haWS.Close()
	} else {
		logger.Warn("Home Assistant not configured, events arrive only via the ingest API")
	}

	// --- Analysis ---
	completer, err := llm.New(cfg.LLM, logger)
	if err != nil {
		return fmt.Errorf("create llm client: %w", err)
	}
	if completer == nil {
		logger.Warn("no completion provider configured, analyses will report AI not initialized")
	}

	engine := analysis.NewEngine(analysis.Options{
		Completer:       completer,
		History:         c.history,
		Logbook:         c.logbook,
		Surface:         c.surface,
		Notifier:        buildNotifier(cfg, ha, met, c, logger),
		Persona:         cfg.Analysis.Persona,
		Keywords:        cfg.Analysis.Keywords,
		MaxOutputTokens: cfg.Analysis.MaxOutputTokens,
		Location:        c.loc,
		Bus:             bus,
		Metrics:         met,
		Logger:          logger,
	})
	runner := analysis.NewRunner(engine, met, logger)

	cmd := trigger.New(c.surface, runner, trigger.Options{Bus: bus, Metrics: met, Logger: logger})
	if err := cmd.Reset(ctx); err != nil {
		logger.Warn("failed to reset trigger", "error", err)
	}

	sched := scheduler.New(scheduler.Options{
		History: c.history,
		Runner:  runner,
		Alerts:  engine,
		Bus:     bus,
		Metrics: met,
		Logger:  logger,
	})
	sched.Arm(cfg.Analysis.Interval())
	defer sched.Stop()

	// --- Home Assistant state feed ---
	if ha != nil {
		startHomeAssistant(ctx, cfg, ha, haWS, connMgr, c, logger)
	}

	// --- MQTT publisher ---
	var mqttPub *mqtt.Publisher
	if cfg.MQTT.Configured() {
		instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("load mqtt instance id: %w", err)
		}
		logger.Info("mqtt instance ID loaded", "instance_id", instanceID)

		mqttPub = mqtt.New(cfg.MQTT, instanceID, mqtt.Options{
			State:    c.surface,
			Commands: cmd,
			Bus:      bus,
			Location: c.loc,
			Logger:   logger,
		})
		go func() {
			if err := mqttPub.Start(ctx); err != nil {
				logger.Error("mqtt publisher failed", "error", err)
			}
		}()

		connMgr.Watch(ctx, connwatch.WatcherConfig{
			Name: "mqtt",
			Probe: func(pCtx context.Context) error {
				awaitCtx, awaitCancel := context.WithTimeout(pCtx, 2*time.Second)
				defer awaitCancel()
				return mqttPub.AwaitConnection(awaitCtx)
			},
			Backoff: connwatch.DefaultBackoffConfig(),
			Logger:  logger,
		})

		logger.Info("mqtt publishing enabled", "broker", cfg.MQTT.Broker, "device_name", cfg.MQTT.DeviceName)
	} else {
		logger.Info("mqtt publishing disabled (not configured)")
	}

	// --- API server ---
	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, api.Deps{
		History:  c.history,
		Ingestor: c.ingestor,
		Logbook:  c.logbook,
		Surface:  c.surface,
		Trigger:  cmd,
		Bus:      bus,
		Metrics:  met,
		Health:   connMgr,
	}, api.Options{
		IngestRate:  cfg.Listen.IngestRate,
		IngestBurst: cfg.Listen.IngestBurst,
		Logger:      logger,
	})

	// --- Reload ---
	// SIGHUP re-reads the config file and re-arms the scheduler with the
	// new interval. Other settings need a restart.
	go watchReload(ctx, cfgPath, sched, logger)

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")

		sched.Stop()

		if mqttPub != nil {
			offlineCtx, offlineCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer offlineCancel()
			if err := mqttPub.Stop(offlineCtx); err != nil {
				logger.Error("mqtt shutdown failed", "error", err)
			}
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	if err := server.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		if ctx.Err() == nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	drainRunner(runner, runDrainTimeout, logger)
	logger.Info("Vigil stopped")
	return nil
}

// buildNotifier assembles the configured alert channels. It returns nil
// when none are configured so the engine skips notification entirely.
func buildNotifier(cfg *config.Config, ha *homeassistant.Client, met *metrics.Metrics, c *core, logger *slog.Logger) notify.Notifier {
	multi := notify.NewMulti(met, logger)
	if cfg.Notify.Email.Configured() {
		multi.Add("email", notify.NewEmailNotifier(cfg.Notify.Email, c.loc))
		logger.Info("email alerts enabled", "host", cfg.Notify.Email.Host, "recipients", len(cfg.Notify.Email.To))
	}
	if cfg.Notify.HomeAssistant.Service != "" && ha != nil {
		multi.Add("homeassistant", notify.NewHANotifier(ha, cfg.Notify.HomeAssistant.Service))
		logger.Info("Home Assistant alerts enabled", "service", cfg.Notify.HomeAssistant.Service)
	}
	if multi.Len() == 0 {
		return nil
	}
	return multi
}

// startHomeAssistant registers the REST health watcher and starts the
// state_changed feed. The WebSocket is (re)connected every time the REST
// probe recovers; subscriptions are restored by the client itself.
func startHomeAssistant(ctx context.Context, cfg *config.Config, ha *homeassistant.Client, haWS *homeassistant.WSClient, connMgr *connwatch.Manager, c *core, logger *slog.Logger) {
	// Later reconnects restore the subscription inside WSClient.
	var subscribed atomic.Bool

	haWatcher := connMgr.Watch(ctx, connwatch.WatcherConfig{
		Name:    "homeassistant",
		Probe:   ha.Ping,
		Backoff: connwatch.DefaultBackoffConfig(),
		OnReady: func(rCtx context.Context) {
			infoCtx, infoCancel := context.WithTimeout(rCtx, 10*time.Second)
			defer infoCancel()
			if haCfg, err := ha.GetConfig(infoCtx); err == nil {
				logger.Info("connected to Home Assistant",
					"url", cfg.HomeAssistant.URL,
					"version", haCfg.Version,
					"location", haCfg.LocationName,
				)
			}

			wsCtx, wsCancel := context.WithTimeout(rCtx, 30*time.Second)
			defer wsCancel()
			if err := haWS.Reconnect(wsCtx); err != nil {
				logger.Error("WebSocket reconnect failed", "error", err)
				return
			}

			if subscribed.Load() {
				return
			}
			if err := haWS.Subscribe(wsCtx, "state_changed"); err != nil {
				logger.Error("subscribe to state_changed failed", "error", err)
				return
			}
			subscribed.Store(true)
			logger.Info("subscribed to state_changed events")
		},
		OnDown: func(err error) {
			logger.Warn("Home Assistant unreachable", "error", err)
		},
		Logger: logger,
	})
	ha.SetWatcher(haWatcher)

	watcher := homeassistant.NewStateWatcher(
		haWS.Events(),
		homeassistant.NewEntityFilter(c.registry.IDs(), cfg.HomeAssistant.Entities, logger),
		homeassistant.NewEntityRateLimiter(cfg.HomeAssistant.RateLimitPerMinute),
		homeassistant.IngestHandler(c.ingestor, c.registry, logger),
		logger,
	)
	go watcher.Run(ctx)
}

// watchReload re-reads the config on SIGHUP until ctx is done.
func watchReload(ctx context.Context, cfgPath string, sched *scheduler.Scheduler, logger *slog.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			reloadConfig(cfgPath, sched, logger)
		}
	}
}

// reloadConfig applies the analysis interval from the file at cfgPath.
// An unreadable or invalid file leaves the running configuration alone.
func reloadConfig(cfgPath string, sched *scheduler.Scheduler, logger *slog.Logger) {
	cfg, _, err := loadConfig(cfgPath)
	if err != nil {
		logger.Error("config reload failed, keeping current settings", "error", err)
		return
	}
	interval := cfg.Analysis.Interval()
	if interval == sched.Interval() {
		logger.Info("config reloaded, analysis interval unchanged", "interval", interval)
		return
	}
	sched.Arm(interval)
	logger.Info("config reloaded, scheduler re-armed", "interval", interval)
}

// drainRunner waits up to timeout for an in-flight analysis to finish.
func drainRunner(runner *analysis.Runner, timeout time.Duration, logger *slog.Logger) {
	done := make(chan struct{})
	go func() {
		runner.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		logger.Warn("analysis still running at shutdown, abandoning", "timeout", timeout)
	}
}
