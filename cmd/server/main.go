package main

import (
	"context"
	"crypto/x509"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"fedhub/internal/federation/events"
	"fedhub/internal/federation/handler"
	"fedhub/internal/federation/identity"
	fedmetrics "fedhub/internal/federation/metrics"
	"fedhub/internal/federation/replay"
	"fedhub/internal/federation/service"
	"fedhub/internal/federation/store"
	jwttoken "fedhub/internal/jwt_token"
	"fedhub/internal/platform/config"
	"fedhub/internal/platform/httpserver"
	"fedhub/internal/platform/logger"
	platformmetrics "fedhub/internal/platform/metrics"
	platformredis "fedhub/internal/platform/redis"
	id "fedhub/pkg/domain"
	audit "fedhub/pkg/platform/audit"
	auditpublisher "fedhub/pkg/platform/audit/publisher"
	auditmemory "fedhub/pkg/platform/audit/store/memory"
	auditpostgres "fedhub/pkg/platform/audit/store/postgres"
	adminmw "fedhub/pkg/platform/middleware/admin"
)

// main wires high-level dependencies, exposes the HTTP router, and keeps the
// server lifecycle small. Protocol logic lives in internal/federation.
func main() {
	cfg := config.FromEnv()
	log := logger.New()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	instanceCode, err := id.ParseInstanceCode(cfg.InstanceCode)
	if err != nil {
		log.Error("invalid instance code", "error", err)
		os.Exit(1)
	}

	var identityOpts []identity.Option
	if cfg.TrustRootFile != "" {
		rootPEM, err := os.ReadFile(cfg.TrustRootFile)
		if err != nil {
			log.Error("read trust root file", "error", err)
			os.Exit(1)
		}
		roots := x509.NewCertPool()
		if !roots.AppendCertsFromPEM(rootPEM) {
			log.Error("trust root file contains no certificates", "file", cfg.TrustRootFile)
			os.Exit(1)
		}
		identityOpts = append(identityOpts, identity.WithTrustRoots(roots))
	}
	idp, err := identity.LoadFromFiles(instanceCode, cfg.CertFile, cfg.KeyFile, identityOpts...)
	if err != nil {
		log.Error("load instance identity", "error", err)
		os.Exit(1)
	}

	var enrollments service.EnrollmentStore
	var auditStore audit.Store
	if cfg.PostgresDSN != "" {
		db, err := sql.Open("pgx", cfg.PostgresDSN)
		if err != nil {
			log.Error("open postgres", "error", err)
			os.Exit(1)
		}
		defer db.Close()
		pg := store.NewPostgres(db)
		if err := pg.EnsureSchema(ctx); err != nil {
			log.Error("ensure enrollment schema", "error", err)
			os.Exit(1)
		}
		enrollments = pg

		auditPG := auditpostgres.New(db)
		if err := auditPG.EnsureSchema(ctx); err != nil {
			log.Error("ensure audit schema", "error", err)
			os.Exit(1)
		}
		auditStore = auditPG
	} else {
		log.Warn("no postgres DSN configured, using in-memory enrollment store")
		enrollments = store.NewMemory()
		auditStore = auditmemory.NewInMemoryStore()
	}

	var nonces replay.Cache
	redisClient, err := platformredis.New(cfg.Redis)
	if err != nil {
		log.Error("connect redis", "error", err)
		os.Exit(1)
	}
	if redisClient != nil {
		defer redisClient.Close()
		nonces = replay.NewRedis(redisClient.Client)
	} else {
		log.Warn("no redis configured, using in-memory nonce cache")
		nonces = replay.NewMemory()
	}

	protocolMetrics := fedmetrics.New()
	bus := events.NewBus(
		events.WithLogger(log),
		events.WithDropCounter(protocolMetrics.EventsDropped.Inc),
	)

	auditor := auditpublisher.NewPublisher(auditStore,
		auditpublisher.WithAsyncBuffer(256),
		auditpublisher.WithLogger(log),
	)
	defer auditor.Close()

	engine := service.New(enrollments, idp, nonces, bus,
		service.WithLogger(log),
		service.WithMetrics(protocolMetrics),
		service.WithAuditPublisher(auditor),
		service.WithPendingTTL(cfg.PendingTTL),
	)

	jwtService := jwttoken.NewJWTService(cfg.JWTSigningKey, "fedhub", "fedhub-admin")
	httpMetrics := platformmetrics.New()

	router := chi.NewRouter()
	handler.New(engine, log, httpMetrics, jwttoken.NewJWTServiceAdapter(jwtService)).Register(router)

	metricsHandler := http.Handler(promhttp.Handler())
	if cfg.AdminToken != "" {
		metricsHandler = adminmw.RequireAdminToken(cfg.AdminToken, log)(metricsHandler)
	}
	router.Method(http.MethodGet, "/metrics", metricsHandler)
	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := httpserver.New(cfg.Addr, router)

	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		log.Info("starting federation hub", "addr", cfg.Addr, "instance", instanceCode.String())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	group.Go(func() error {
		err := engine.StartSweeper(ctx, cfg.SweepInterval)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	if len(cfg.KafkaBrokers) > 0 {
		sink, err := events.NewKafkaSink(ctx, cfg.KafkaBrokers, cfg.KafkaTopic, log)
		if err != nil {
			log.Error("connect kafka", "error", err)
			os.Exit(1)
		}
		sub, cancelSub := bus.Subscribe(256)
		group.Go(func() error {
			sink.Run(ctx, sub)
			return nil
		})
		group.Go(func() error {
			<-ctx.Done()
			cancelSub()
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return sink.Close(flushCtx)
		})
	}

	if err := group.Wait(); err != nil {
		log.Error("server exited", "error", err)
		bus.Close()
		os.Exit(1)
	}
	bus.Close()
	log.Info("shutdown complete")
}
