// Command x402-gateway serves the paid cover letter API behind an x402
// payment gate settled in USDC on Celo.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	x402 "github.com/vitwit/x402-gateway"
	"github.com/vitwit/x402-gateway/config"
	"github.com/vitwit/x402-gateway/coverletter"
	"github.com/vitwit/x402-gateway/discovery"
	"github.com/vitwit/x402-gateway/ginx402"
	"github.com/vitwit/x402-gateway/ledger"
	"github.com/vitwit/x402-gateway/logger"
	"github.com/vitwit/x402-gateway/metrics"
	"github.com/vitwit/x402-gateway/settlement"
	"github.com/vitwit/x402-gateway/types"
)

const (
	serviceName     = "x402-gateway"
	janitorInterval = time.Minute
	checkTimeout    = 10 * time.Second
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", serviceName, err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(nil)
	if err != nil {
		return err
	}

	log, err := logger.NewZapLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	rec := metrics.NewPrometheusRecorder()

	nonces, closeLedger, err := openLedger(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeLedger()

	gwCfg := cfg.Gateway
	facilitator := settlement.NewFacilitatorClient(settlement.Config{
		BaseURL:    gwCfg.FacilitatorURL,
		APIKey:     gwCfg.FacilitatorAPIKey,
		Timeout:    gwCfg.SettleTimeout,
		MaxRetries: gwCfg.SettleMaxRetries,
		BaseDelay:  gwCfg.RetryBaseDelay,
		MaxDelay:   gwCfg.RetryMaxDelay,
	}, settlement.WithLogger(log), settlement.WithMetrics(rec))

	if cfg.CheckFacilitator {
		checkFacilitator(ctx, facilitator, gwCfg.Network, log)
	}

	opts := []x402.Option{
		x402.WithLogger(log),
		x402.WithMetrics(rec),
		x402.WithLedger(nonces),
		x402.WithSettler(facilitator),
		x402.WithPrecheck(http.MethodPost, coverletter.Path, coverletter.Precheck),
	}
	if cfg.VerifiedHumanToken != "" {
		opts = append(opts, x402.WithTierFunc(x402.HeaderTier(x402.VerifiedHumanHeader, cfg.VerifiedHumanToken)))
	}
	if gwCfg.RemoteVerify {
		opts = append(opts, x402.WithRemoteVerifier(facilitator))
	}
	gw, err := x402.New(&gwCfg, opts...)
	if err != nil {
		return err
	}

	publisher, err := discovery.NewPublisher(discovery.Build(gw.Config(), gw.Resolver()), gwCfg.DiscoveryCacheSeconds)
	if err != nil {
		return err
	}

	handler := coverletter.NewHandler(
		coverletter.NewOpenAIGenerator(coverletter.OpenAIConfig{
			APIURL: cfg.OpenAI.APIURL,
			APIKey: cfg.OpenAI.APIKey,
			Model:  cfg.OpenAI.Model,
		}),
		coverletter.NewSMTPMailer(coverletter.SMTPConfig{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			User:     cfg.SMTP.User,
			Password: cfg.SMTP.Password,
			From:     cfg.SMTP.From,
			FromName: cfg.SMTP.FromName,
		}),
		gw.Config(),
		coverletter.WithLogger(log),
		coverletter.WithMetrics(rec),
	)

	if os.Getenv("GIN_MODE") != gin.DebugMode {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(ginx402.RequestID(), ginx402.Recovery(log), ginx402.Logging(log))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "healthy",
			"service":   serviceName,
			"version":   x402.Version,
			"network":   gwCfg.Network,
			"timestamp": time.Now().UTC(),
		})
	})
	router.GET("/metrics", gin.WrapH(rec.Handler()))
	publisher.Register(router)
	handler.Register(router, ginx402.Middleware(gw))

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("starting HTTP server", map[string]any{
			"addr":        cfg.ListenAddr,
			"network":     gwCfg.Network.String(),
			"payTo":       gwCfg.PayTo,
			"facilitator": gwCfg.FacilitatorURL,
			"ledger":      cfg.LedgerBackend,
		})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	log.Info("shutting down", nil)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	handler.Wait()

	log.Info("server stopped", nil)
	return nil
}

// openLedger builds the configured nonce ledger and returns its closer.
func openLedger(ctx context.Context, cfg *config.AppConfig, log logger.Logger) (ledger.Ledger, func(), error) {
	switch cfg.LedgerBackend {
	case config.LedgerRedis:
		client, err := ledger.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		log.Info("using redis nonce ledger", map[string]any{"prefix": cfg.RedisKeyPrefix})
		return ledger.NewRedisLedger(client, cfg.RedisKeyPrefix), func() { _ = client.Close() }, nil
	default:
		mem := ledger.NewMemoryLedger()
		go mem.RunJanitor(ctx, janitorInterval)
		log.Warn("using in-memory nonce ledger; replay protection does not survive restarts or span replicas", nil)
		return mem, func() {}, nil
	}
}

func checkFacilitator(ctx context.Context, f *settlement.FacilitatorClient, n types.Network, log logger.Logger) {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	supported, err := f.Supported(ctx)
	if err != nil {
		log.Warn("facilitator check failed", map[string]any{"error": err})
		return
	}
	if !supported.Supports(n) {
		log.Warn("facilitator does not advertise exact payments on this network", map[string]any{"network": n.String()})
		return
	}
	log.Info("facilitator reachable", map[string]any{"kinds": len(supported.Kinds)})
}
