package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"execution-core/internal/api"
	"execution-core/internal/events"
	"execution-core/internal/monitor"
	"execution-core/internal/order"
	"execution-core/internal/persistence"
	"execution-core/internal/reconciliation"
	"execution-core/internal/registry"
	"execution-core/internal/risk"
	"execution-core/pkg/config"
	"execution-core/pkg/crypto"
	"execution-core/pkg/db"
	"execution-core/pkg/exchanges/common"
	"execution-core/pkg/logger"
)

const version = "0.3.0"

func main() {
	if keysCommand() {
		if err := runKeys(os.Args[2:], os.Stdin, os.Stdout); err != nil {
			fmt.Fprintln(os.Stderr, "execution-core:", err)
			os.Exit(1)
		}
		return
	}
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "execution-core:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log, err := logger.New(logger.Options{
		Level:       cfg.App.LogLevel,
		Development: strings.EqualFold(cfg.App.Environment, "development"),
	})
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer func() { _ = log.Sync() }()
	log = log.With(zap.String("service", cfg.App.Name))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	database, err := db.Open(ctx, cfg.App.DBPath)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer database.Close()

	// Events fan out to the bus (monitor, websocket), the log, the audit
	// table and, when configured, Kafka.
	bus := events.NewBus()
	audit := persistence.NewBatchWriter[db.AuditEvent](database.InsertAuditEvents, cfg.Audit.BatchSize, cfg.Audit.FlushInterval, log.Named("audit"))
	defer audit.Close()
	sink := events.MultiSink{bus, events.NewLogSink(log), events.NewAuditSink(audit, log)}
	if len(cfg.Kafka.Brokers) > 0 {
		ks := events.NewKafkaSink(cfg.Kafka.Brokers, cfg.Kafka.Topic, log)
		defer ks.Close()
		sink = append(sink, ks)
		log.Info("kafka audit stream enabled", zap.Strings("brokers", cfg.Kafka.Brokers), zap.String("topic", cfg.Kafka.Topic))
	}

	telemetry, err := monitor.NewProvider(ctx, cfg.Telemetry)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := telemetry.Shutdown(shutdownCtx); err != nil {
			log.Warn("telemetry shutdown", zap.Error(err))
		}
	}()
	inst, err := monitor.NewInstruments(telemetry.Meter("execution-core/monitor"))
	if err != nil {
		return err
	}
	mon := monitor.New(bus,
		monitor.WithInstruments(inst),
		monitor.WithAlertSinks(monitor.NewLogAlertSink(log)),
		monitor.WithLogger(log))
	monDone := mon.Start(ctx)

	reg, err := buildRegistry(ctx, cfg, database, sink, mon.ObserveCall, log)
	if err != nil {
		return err
	}
	defer reg.Stop()
	reg.Start(ctx)
	runSimulations(ctx, reg, log)

	checker := risk.NewChecker(risk.FromConfig(cfg.Risk))
	managers := make(map[string]*order.Manager)
	modes := make([]reconciliation.Mode, 0, len(cfg.Modes()))
	for _, mode := range cfg.Modes() {
		m := order.NewManager(order.FromConfig(mode, cfg.Orders), reg, order.NewSQLStore(database, mode),
			order.WithSink(sink), order.WithRiskChecker(checker), order.WithLogger(log))
		if err := m.Start(ctx); err != nil {
			return fmt.Errorf("start %s orders: %w", mode, err)
		}
		defer m.Stop()
		managers[mode] = m
		modes = append(modes, reconciliation.Mode{Ledger: m, Records: database.Mode(mode)})
	}
	if len(managers) == 0 {
		return errors.New("no trading modes enabled")
	}

	recon, err := reconciliation.NewService(reconciliation.FromConfig(cfg.Reconciliation), reg, modes,
		reconciliation.WithSink(sink), reconciliation.WithLogger(log))
	if err != nil {
		return err
	}
	defer recon.Stop()
	if cfg.Reconciliation.AutoStart {
		recon.Start(ctx)
	}

	if !strings.EqualFold(cfg.App.Environment, "development") {
		gin.SetMode(gin.ReleaseMode)
	}
	server := api.NewServer(api.Deps{
		Bus:       bus,
		Orders:    managers,
		Recon:     recon,
		Registry:  reg,
		Monitor:   mon,
		Log:       log,
		RateLimit: cfg.App.RateLimit,
		Burst:     cfg.App.RateBurst,
		Timeout:   cfg.App.RequestTimeout,
	}, api.SystemMeta{Version: version, DefaultMode: cfg.Modes()[0]})

	log.Info("execution core started",
		zap.String("version", version),
		zap.Strings("modes", cfg.Modes()),
		zap.Int("exchanges", len(reg.List())),
		zap.Bool("reconciliation", recon.Running()))

	err = server.Start(ctx, ":"+cfg.App.Port)
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}
	stop()
	<-monDone
	log.Info("execution core stopped")
	return err
}

func buildRegistry(ctx context.Context, cfg *config.Config, database *db.Database, sink events.Sink, observe common.CallObserver, log *zap.Logger) (*registry.Registry, error) {
	specs, err := config.LoadExchanges(cfg.App.ExchangesFile)
	if err != nil {
		return nil, err
	}

	var keys *crypto.KeyManager
	if needsKeys(specs) {
		if keys, err = crypto.NewKeyManager(); err != nil {
			return nil, fmt.Errorf("load credential keys: %w", err)
		}
	}

	reg := registry.New(registry.FromConfig(cfg),
		registry.WithStore(database),
		registry.WithSink(sink),
		registry.WithObserver(observe),
		registry.WithFactory(registry.NewFactory(crypto.NewResolver(keys))),
		registry.WithLogger(log))
	// Venues feeding paper simulations must be registered first; the
	// exchanges file lists them in that order.
	for _, spec := range specs {
		if err := reg.RegisterSpec(ctx, spec); err != nil {
			return nil, fmt.Errorf("register %s: %w", spec.Name, err)
		}
	}
	return reg, nil
}

func needsKeys(specs []config.ExchangeSpec) bool {
	for _, s := range specs {
		if strings.HasPrefix(s.APIKeyRef, "enc:") || strings.HasPrefix(s.APISecretRef, "enc:") {
			return true
		}
	}
	return false
}

// runSimulations starts the price feed of every paper venue.
func runSimulations(ctx context.Context, reg *registry.Registry, log *zap.Logger) {
	type runner interface {
		Run(ctx context.Context, interval time.Duration)
	}
	for _, ex := range reg.List() {
		if ex.Type != common.TypePaper {
			continue
		}
		a, err := reg.Adapter(ex.Name)
		if err != nil {
			continue
		}
		if r, ok := a.(*common.Resilient); ok {
			a = r.Unwrap()
		}
		if sim, ok := a.(runner); ok {
			go sim.Run(ctx, time.Second)
			log.Info("paper simulation running", zap.String("exchange", ex.Name))
		}
	}
}
