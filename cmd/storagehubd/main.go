package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os/signal"
	"strings"
	"syscall"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"storagehub/checkout"
	"storagehub/config"
	"storagehub/models"
	"storagehub/observability"
	"storagehub/observability/logging"
	"storagehub/observability/otel"
	"storagehub/orchestrator"
	"storagehub/payment"
	"storagehub/provider"
	"storagehub/provider/akash"
	"storagehub/provider/filecoin"
	"storagehub/provider/greenfield"
	"storagehub/provider/lighthouse"
	"storagehub/provider/storj"
	"storagehub/report"
	"storagehub/server"
	"storagehub/store"
	"storagehub/syncer"
	"storagehub/webhook"
)

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	logger := logging.Setup("storagehubd", cfg.Env, cfg.LogFile)

	db, err := gorm.Open(postgres.Open(cfg.DBURL), &gorm.Config{})
	if err != nil {
		log.Fatalf("database connection error: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		log.Fatalf("auto migrate error: %v", err)
	}
	st := store.New(db)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.OTELEndpoint != "" {
		shutdown, err := otel.Init(ctx, otel.Config{
			ServiceName: "storagehubd",
			Environment: cfg.Env,
			Endpoint:    cfg.OTELEndpoint,
			Insecure:    cfg.OTELInsecure,
			Headers:     otel.ParseHeaders(cfg.OTELHeaders),
			Traces:      true,
			Metrics:     cfg.OTELMetrics,
		})
		if err != nil {
			log.Fatalf("telemetry error: %v", err)
		}
		defer func() {
			if err := shutdown(context.Background()); err != nil {
				logger.Error("telemetry shutdown failed", "error", err)
			}
		}()
	}

	registry := provider.NewRegistry(logger)
	registerProviders(ctx, registry, cfg, logger)

	metrics := observability.Default()
	processor := payment.NewHTTPClient(cfg.ProcessorAPIBase, cfg.ProcessorSecretKey)
	initiator := checkout.New(st, processor, logger)

	orch := orchestrator.New(st, registry, logger,
		orchestrator.WithMetrics(metrics),
		orchestrator.WithPollInterval(cfg.PollInterval),
		orchestrator.WithPollAttempts(cfg.PollAttempts),
		orchestrator.WithWorkers(cfg.DispatchWorkers),
	)
	orch.Start(ctx)
	go orch.RunSweeper(ctx, cfg.ConfirmationInterval)

	catalogSync := syncer.New(st, registry, logger)
	go catalogSync.Run(ctx, cfg.ProviderSyncInterval)

	ingestor := webhook.New(st, orch, []byte(cfg.ProcessorWebhookSecret), logger, metrics)
	exporter := report.New(st, cfg.ReportOutputDir, logger)

	// The limiter expresses the window/max pair as a sustained rate with
	// the full window allowance as burst.
	rps := float64(cfg.RateLimitMax) / cfg.RateLimitWindow.Seconds()

	srv := server.New(server.Config{
		Store:          st,
		Checkout:       initiator,
		Ingestor:       ingestor,
		Orchestrator:   orch,
		Registry:       registry,
		Exporter:       exporter,
		Metrics:        metrics,
		Logger:         logger,
		Env:            cfg.Env,
		JWTSecret:      []byte(cfg.SessionSecret),
		JWTIssuer:      cfg.JWTIssuer,
		RateLimitRPS:   rps,
		RateLimitBurst: cfg.RateLimitMax,
		PublishableKey: cfg.ProcessorPublishableKey,
		CORSOrigins:    cfg.CORSOrigins,
	})

	httpSrv := &http.Server{Addr: ":" + cfg.Port, Handler: srv.Handler()}
	go func() {
		<-ctx.Done()
		_ = httpSrv.Shutdown(context.Background())
	}()

	logger.Info("starting storagehubd", "port", cfg.Port, "env", cfg.Env)
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server error: %v", err)
	}
	orch.Wait()
}

// registerProviders builds each configured adapter and registers it. A
// backend that fails initialization stays in the registry degraded so the
// catalog endpoints can still report it.
func registerProviders(ctx context.Context, registry *provider.Registry, cfg *config.Config, logger *slog.Logger) {
	for _, pc := range cfg.Providers {
		if !pc.Enabled {
			continue
		}
		adapter, err := buildAdapter(pc)
		if err != nil {
			logger.Error("provider construction failed", "slug", pc.Slug, "error", err)
			continue
		}
		if err := registry.Register(ctx, adapter); err != nil {
			logger.Error("provider registration degraded", "slug", pc.Slug, "error", err)
		}
	}
}

func buildAdapter(pc config.ProviderConfig) (provider.Adapter, error) {
	network := models.NetworkTestnet
	if strings.EqualFold(pc.Network, string(models.NetworkMainnet)) {
		network = models.NetworkMainnet
	}
	switch pc.Slug {
	case filecoin.Slug:
		return filecoin.New(filecoin.Config{
			Network:       network,
			ChainID:       pc.ChainID,
			RPCURL:        pc.RPCURL,
			PrivateKeyHex: pc.PrivateKey(),
			AllowMock:     pc.AllowMock,
			AllocatorAddr: pc.AllocatorAddr,
			ExplorerBase:  pc.ExplorerBase,
		})
	case greenfield.Slug:
		return greenfield.New(greenfield.Config{
			Network:       network,
			ChainID:       pc.ChainID,
			RPCURL:        pc.RPCURL,
			PrivateKeyHex: pc.PrivateKey(),
			AllowMock:     pc.AllowMock,
			AllocatorAddr: pc.AllocatorAddr,
			ExplorerBase:  pc.ExplorerBase,
		})
	case storj.Slug:
		return storj.New(storj.Config{
			Network: network,
			BaseURL: pc.BaseURL,
			APIKey:  pc.APIKey(),
		})
	case lighthouse.Slug:
		return lighthouse.New(lighthouse.Config{
			Network: network,
			BaseURL: pc.BaseURL,
			APIKey:  pc.APIKey(),
		})
	case akash.Slug:
		return akash.New(akash.Config{
			Network: network,
			BaseURL: pc.BaseURL,
			APIKey:  pc.APIKey(),
		})
	}
	return nil, errUnknownProvider(pc.Slug)
}

type errUnknownProvider string

func (e errUnknownProvider) Error() string {
	return "unknown provider slug: " + string(e)
}
