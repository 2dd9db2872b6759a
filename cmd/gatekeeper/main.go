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
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/highstation/gatekeeper/internal/auth"
	"github.com/highstation/gatekeeper/internal/chain"
	"github.com/highstation/gatekeeper/internal/config"
	"github.com/highstation/gatekeeper/internal/demo"
	"github.com/highstation/gatekeeper/internal/discovery"
	"github.com/highstation/gatekeeper/internal/domainverify"
	"github.com/highstation/gatekeeper/internal/gateway"
	"github.com/highstation/gatekeeper/internal/netguard"
	"github.com/highstation/gatekeeper/internal/proxy"
	"github.com/highstation/gatekeeper/internal/reputation"
	"github.com/highstation/gatekeeper/internal/service"
	"github.com/highstation/gatekeeper/internal/store"
	"github.com/highstation/gatekeeper/internal/telemetry"
	"github.com/highstation/gatekeeper/internal/x402"
)

var version = "dev"

func main() {
	flags := pflag.NewFlagSet("gatekeeper", pflag.ExitOnError)
	flags.String("config", "", "path to config.yaml")
	flags.Parse(os.Args[1:]) //nolint:errcheck

	log, _ := zap.NewProduction()
	defer log.Sync() //nolint:errcheck

	cfg, err := config.Load(flags)
	if err != nil {
		log.Fatal("config load failed", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Postgres ──────────────────────────────────────────────────────────────
	pool, err := store.NewPool(ctx, cfg.Database, log)
	if err != nil {
		log.Fatal("postgres connect failed", zap.Error(err))
	}
	defer pool.Close()
	if err := store.Migrate(ctx, pool, log); err != nil {
		log.Fatal("migrate failed", zap.Error(err))
	}
	db := store.New(pool)

	// ── Redis ─────────────────────────────────────────────────────────────────
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal("redis ping failed", zap.Error(err))
	}
	defer rdb.Close()

	// ── Price oracle ──────────────────────────────────────────────────────────
	oracle, closeOracle, err := chain.NewOracle(cfg.Oracle, log)
	if err != nil {
		log.Fatal("price oracle init failed", zap.Error(err))
	}
	defer closeOracle()

	// ── Payment guard ─────────────────────────────────────────────────────────
	guard, err := x402.NewGuard(
		x402.NewFacilitatorClient(cfg.Payment.FacilitatorURL, cfg.Payment.Timeout),
		db,
		oracle,
		x402.Params{
			Asset:             cfg.Payment.Asset,
			AssetName:         cfg.Payment.AssetName,
			AssetVersion:      cfg.Payment.AssetVersion,
			Decimals:          cfg.Payment.AssetDecimals,
			ChainID:           cfg.Payment.ChainID,
			Network:           cfg.Payment.Network,
			MarginPct:         cfg.Payment.MarginPct,
			MaxTimeoutSeconds: cfg.Payment.MaxTimeoutSec,
		},
		log,
	)
	if err != nil {
		log.Fatal("payment guard init failed", zap.Error(err))
	}

	// ── Demo signer ───────────────────────────────────────────────────────────
	demoSigner, err := demo.NewSigner(cfg.OpenSeal.DemoPrivateKey, cfg.OpenSeal.DemoRootHash)
	if err != nil {
		log.Fatal("demo signer init failed", zap.Error(err))
	}

	// ── Reputation + telemetry ────────────────────────────────────────────────
	rep := reputation.NewService(db, rdb, log)
	logs := telemetry.NewLogger(db, rep, telemetry.Options{
		SlowThreshold: cfg.Telemetry.SlowThreshold,
		PenaltyPoints: cfg.Telemetry.PenaltyPoints,
		WriteTimeout:  cfg.Telemetry.WriteTimeout,
	}, log)

	registry := discovery.NewRegistry()

	// ── Goroutines ────────────────────────────────────────────────────────────
	go rep.Run(ctx)
	go guard.RunNonceSweeper(ctx, cfg.Nonce.TTL, cfg.Nonce.SweepInterval)

	// ── HTTP server ───────────────────────────────────────────────────────────
	netGuard := netguard.New(log,
		netguard.WithDNSTimeout(cfg.Network.DNSTimeout),
		netguard.WithAllowedCIDRs(cfg.Network.AllowCIDRs),
	)
	r := newRouter(routerDeps{
		cfg:      cfg,
		repo:     db,
		rdb:      rdb,
		net:      netGuard,
		payments: guard,
		trust:    rep,
		logs:     logs,
		prices:   oracle,
		signer:   demoSigner,
		registry: registry,
		log:      log,
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("HTTP server starting", zap.Int("port", cfg.Server.Port), zap.String("version", version))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("HTTP server error", zap.Error(err))
		}
	}()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	<-quit

	log.Info("shutting down...")
	cancel()
	registry.CloseAll()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	logs.Wait()
	log.Info("shutdown complete")
}

type routerDeps struct {
	cfg      *config.Config
	repo     service.Repository
	rdb      *redis.Client
	net      *netguard.Guard
	payments gateway.Payments
	trust    gateway.TrustSource
	logs     gateway.RequestLogger
	prices   demo.PriceSource
	signer   *demo.Signer
	registry *discovery.Registry
	log      *zap.Logger
}

// newRouter assembles every HTTP surface on one engine. The engine also
// serves as the in-process handler for demo upstreams.
func newRouter(d routerDeps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	ownerCheck := func(ctx context.Context, slug string, h http.Header) (string, error) {
		if !auth.Present(h) {
			return "", auth.ErrMissing
		}
		cred, err := auth.AuthenticateFor(ctx, d.rdb, h, slug)
		if err != nil {
			return "", err
		}
		return cred.Wallet.Hex(), nil
	}
	resolver := service.NewResolver(d.repo, d.net, ownerCheck, d.cfg.Server.PublicURL, d.cfg.IsProduction(), d.log)

	var observer proxy.LatencyObserver
	if o, ok := d.logs.(proxy.LatencyObserver); ok {
		observer = o
	}
	forwarder := proxy.NewForwarder(d.net.Client(d.cfg.Network.UpstreamTimeout), d.log,
		proxy.WithLocalHandler(r),
		proxy.WithLatencyObserver(observer),
	)

	pipeline := gateway.NewPipeline(resolver, d.payments, forwarder, d.trust, d.logs, d.cfg.Server.PublicURL, d.log)
	pipeline.Register(r)

	verifier := domainverify.NewVerifier(d.repo, d.net, d.cfg.Network.UpstreamTimeout, d.log)
	api := r.Group("/api", auth.Middleware(d.rdb, "slug"))
	gateway.NewProviderAPI(resolver, verifier, d.log).Register(api)

	discovery.NewServer(d.registry, gateway.NewCatalog(d.repo, pipeline), version, d.log).Register(r)

	if !d.cfg.IsProduction() {
		demo.NewHandler(d.signer, d.prices, d.cfg.Payment.AssetName, d.log).Register(r)
	}
	return r
}
