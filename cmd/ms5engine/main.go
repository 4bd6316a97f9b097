// Command ms5engine is the manufacturing floor telemetry/OEE/Andon
// engine's entrypoint: it wires every component (C1-C11 plus the
// storage and HTTP/WS layers) in dependency order, starts them, and
// waits for SIGINT/SIGTERM to shut down gracefully. Wiring order and
// shutdown shape are adapted from the teacher's cmd/iotsense/main.go.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ms5/telemetry-engine/internal/andon"
	"github.com/ms5/telemetry-engine/internal/api"
	"github.com/ms5/telemetry-engine/internal/config"
	"github.com/ms5/telemetry-engine/internal/downtime"
	"github.com/ms5/telemetry-engine/internal/equipctx"
	"github.com/ms5/telemetry-engine/internal/eventbus"
	"github.com/ms5/telemetry-engine/internal/faultcatalog"
	"github.com/ms5/telemetry-engine/internal/hub"
	"github.com/ms5/telemetry-engine/internal/jobmapper"
	"github.com/ms5/telemetry-engine/internal/logging"
	"github.com/ms5/telemetry-engine/internal/maintenance"
	"github.com/ms5/telemetry-engine/internal/oee"
	"github.com/ms5/telemetry-engine/internal/plcdriver"
	"github.com/ms5/telemetry-engine/internal/poller"
	"github.com/ms5/telemetry-engine/internal/storage"
	"github.com/ms5/telemetry-engine/internal/workerpool"
	"github.com/ms5/telemetry-engine/pkg/models"
)

func main() {
	os.Exit(run())
}

// run returns the process exit code: 0 clean shutdown, 1 configuration
// error, 2 unrecoverable runtime error — matching spec.md §6's exit codes.
func run() int {
	var cfg *config.Config
	if configPath := os.Getenv("CONFIG_PATH"); configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "load config: %v\n", err)
			return 1
		}
		cfg = loaded
	} else {
		cfg = config.LoadFromEnv()
	}

	log := logging.New(logging.Config{
		Level:     os.Getenv("LOG_LEVEL"),
		Pretty:    cfg.Server.Environment == "development",
		Component: "ms5engine",
	})
	log.Info().Str("environment", cfg.Server.Environment).Msg("starting telemetry engine")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := storage.Open(ctx, cfg.Database.URL, int32(cfg.Database.MaxConns), int32(cfg.Database.MinConns))
	if err != nil {
		log.Error().Err(err).Msg("connect to database")
		return 2
	}
	defer db.Close()

	cache, err := storage.NewEquipmentContextCache(ctx, cfg.Redis.URL, "ms5:context:", log)
	if err != nil {
		log.Error().Err(err).Msg("connect to redis")
		return 2
	}
	defer cache.Close()

	configRepo := storage.NewConfigRepository(db)
	downtimeRepo := storage.NewDowntimeRepository(db)
	andonRepo := storage.NewAndonRepository(db, log)
	auditRepo := storage.NewAuditRepository(db, log)

	catalog, err := faultcatalog.Load(cfg.Poller.FaultCatalogPath)
	if err != nil {
		if _, statErr := os.Stat(cfg.Poller.FaultCatalogPath); statErr == nil {
			log.Error().Err(err).Msg("load fault catalog")
			return 1
		}
		log.Warn().Err(err).Msg("fault catalog file not found, falling back to default")
		catalog = faultcatalog.LoadDefault()
	}

	lines, err := configRepo.ListEnabledLines(ctx)
	if err != nil {
		log.Error().Err(err).Msg("list production lines")
		return 2
	}
	equipConfig, err := configRepo.ListEquipmentConfig(ctx)
	if err != nil {
		log.Error().Err(err).Msg("list equipment config")
		return 2
	}

	store := equipctx.New(cache, auditRepo, log)
	for _, row := range equipConfig {
		store.Seed(models.EquipmentContext{
			EquipmentCode:        row.EquipmentCode,
			LineID:               row.LineID,
			ProductTypeID:        row.DefaultProductType,
			TargetSpeed:          row.TargetSpeed,
			QualityRate:          row.DefaultQualityRate,
			DefaultQualityRate:   row.DefaultQualityRate,
			LastProductionUpdate: time.Now(),
		})
	}

	downtimeTracker := downtime.New(catalog, downtimeRepo, log)
	if err := downtimeTracker.Recover(ctx); err != nil {
		log.Error().Err(err).Msg("recover downtime events")
		return 2
	}

	oeeCalc := oee.New(cfg.OEE.WindowMinutes, downtimeTracker)
	mapper := jobmapper.New(store)

	pool := workerpool.New(workerpool.Config{
		Workers:         8,
		QueueSize:       512,
		ShutdownTimeout: 10 * time.Second,
	})
	defer pool.Stop()

	bus := eventbus.New(auditRepo, log)

	andonEngine := andon.New(andon.NoopRecipientDirectory{}, andon.NewBusPublisher(bus), andonRepo, pool, log)
	andonEngine.Recover(ctx)

	scorer := maintenance.New(0.2)

	// The simulated driver is this build's only wired plcdriver.Driver:
	// no MQTT/OPC-UA listener exists to feed plcdriver.GatewayDriver's
	// snapshotBuffer, consistent with internal/edge's protocol-adapter
	// registry having been dropped as out of scope.
	equipmentCodes := make([]string, 0, len(equipConfig))
	avgTargetSpeed := 0.0
	for _, row := range equipConfig {
		equipmentCodes = append(equipmentCodes, row.EquipmentCode)
		avgTargetSpeed += row.TargetSpeed
	}
	if len(equipConfig) > 0 {
		avgTargetSpeed /= float64(len(equipConfig))
	} else {
		avgTargetSpeed = 60
	}
	driver := plcdriver.NewSimulatedDriver(equipmentCodes, avgTargetSpeed, time.Now().UnixNano())

	p := poller.New(lines, poller.Deps{
		Driver:       driver,
		ContextStore: store,
		Downtime:     downtimeTracker,
		OEE:          oeeCalc,
		JobMapper:    mapper,
		Andon:        andonEngine,
		Bus:          bus,
		Catalog:      catalog,
		Scorer:       scorer,
		Pool:         pool,
	}, poller.Config{
		Interval:             cfg.Poller.Interval,
		DriverTimeout:        cfg.Driver.Timeout,
		TickBudget:           cfg.Poller.TickBudget,
		FailureThreshold:     cfg.Driver.FailureThreshold,
	}, log)

	h := hub.New(bus, []byte(cfg.Server.JWTSecret), log)
	go h.Run(ctx)
	defer h.Stop()

	materializer := storage.NewMaterializer(db, bus, 5*time.Second, 200, log)
	go materializer.Run(ctx)
	defer materializer.Stop()

	p.Start(ctx)
	defer p.Stop()
	log.Info().Int("lines", len(lines)).Msg("poller started")

	server := api.NewServer(p, bus, h, log)
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{
		Addr:    addr,
		Handler: server.Handler(),
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("http server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.Info().Msg("shutdown signal received")
	case err := <-serveErr:
		log.Error().Err(err).Msg("http server error")
		return 2
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http server shutdown")
	}

	log.Info().Msg("telemetry engine stopped")
	return 0
}
