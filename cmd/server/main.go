// Command server runs the labtrace sample lifecycle API: HTTP transport,
// domain services, audit pipeline and notification dispatch in one process.
// Business logic lives in the internal service packages; main only wires
// dependencies and owns the process lifecycle.
package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"labtrace/internal/audit"
	"labtrace/internal/audit/dispatch"
	nchandler "labtrace/internal/nonconformity/handler"
	ncservice "labtrace/internal/nonconformity/service"
	ncstore "labtrace/internal/nonconformity/store"
	"labtrace/internal/notify"
	"labtrace/internal/platform/config"
	"labtrace/internal/platform/httpserver"
	"labtrace/internal/platform/logger"
	"labtrace/internal/platform/metrics"
	"labtrace/internal/platform/middleware"
	"labtrace/internal/sample/codegen"
	samplehandler "labtrace/internal/sample/handler"
	sampleservice "labtrace/internal/sample/service"
	analysisstore "labtrace/internal/sample/store/analysis"
	samplestore "labtrace/internal/sample/store/sample"
	"labtrace/internal/signature"
	httptransport "labtrace/internal/transport/http"
)

const jwtIssuer = "labtrace"

func main() {
	if err := run(); err != nil {
		slog.Error("server exited", "error", err.Error())
		os.Exit(1)
	}
}

func run() error {
	cfg := config.FromEnv()
	log := logger.New()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.JWTSecret == "" {
		return errors.New("LABTRACE_JWT_SECRET is required")
	}

	m := metrics.New()

	// Stores. An empty DSN selects the in-memory stores for local development;
	// everything downstream is wired against the interfaces, so the choice
	// stays invisible to the services.
	var (
		samples   sampleservice.SampleStore
		analyses  sampleservice.AnalysisStore
		ncs       ncservice.Store
		auditSt   audit.Store
		outbox    dispatch.OutboxSource
		resolver  ncservice.SampleResolver
		sverifier signature.Verifier
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer db.Close() //nolint:errcheck
		if err := db.PingContext(ctx); err != nil {
			return err
		}

		pg := samplestore.NewPostgres(db)
		samples, resolver = pg, pg
		analyses = analysisstore.NewPostgres(db)
		ncs = ncstore.NewPostgres(db)
		auditPg := audit.NewPostgres(db)
		auditSt, outbox = auditPg, auditPg
		sverifier = signature.NewBcryptVerifier(db)
		log.Info("postgres stores initialized")
	} else {
		mem := samplestore.NewMemory()
		samples, resolver = mem, mem
		analyses = analysisstore.NewMemory()
		ncs = ncstore.NewMemory()
		auditSt = audit.NewMemoryStore()
		log.Warn("no database configured, using in-memory stores; e-signature checks are disabled")
	}

	group, ctx := errgroup.WithContext(ctx)

	// Audit pipeline: services enqueue into the async sink, the worker
	// persists into the store (outbox included), the dispatcher drains the
	// outbox into Kafka when brokers are configured.
	trail := audit.NewPublisher(auditSt)
	sink := audit.NewAsyncSink(cfg.AuditBuffer, log, m.AuditDrop)
	worker := audit.NewWorker(auditSt, sink.Inbox(), log, m.AuditFailure)
	group.Go(func() error {
		err := worker.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	if len(cfg.KafkaBrokers) > 0 && outbox != nil {
		dispatcher, err := dispatch.New(ctx, outbox, cfg.KafkaBrokers, cfg.AuditTopic, log,
			dispatch.WithInterval(cfg.DispatchInterval))
		if err != nil {
			return err
		}
		group.Go(func() error {
			err := dispatcher.Run(ctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
		log.Info("audit dispatcher started", "topic", cfg.AuditTopic)
	}

	notifier := notify.NewDispatcher(notify.NewLogPort(log), cfg.NotifyBuffer, log, m.NotifyDeadLetter)
	group.Go(func() error {
		err := notifier.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	generator := codegen.Generator(codegen.NewTimestamp())
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rdb.Close() //nolint:errcheck
		generator = codegen.NewRedis(rdb, codegen.WithLogger(log))
	} else {
		log.Warn("no redis configured, sample codes use timestamp sequences")
	}

	ncSvc := ncservice.New(ncs, resolver,
		ncservice.WithAuditSink(sink),
		ncservice.WithNotifier(notifier),
		ncservice.WithSignatureVerifier(sverifier),
		ncservice.WithMetrics(m),
		ncservice.WithLogger(log),
	)
	sampleSvc := sampleservice.New(samples, analyses,
		sampleservice.WithCodeGenerator(generator),
		sampleservice.WithNCCreator(ncSvc),
		sampleservice.WithAuditSink(sink),
		sampleservice.WithNotifier(notifier),
		sampleservice.WithSignatureVerifier(sverifier),
		sampleservice.WithMetrics(m),
		sampleservice.WithLogger(log),
	)

	router := httptransport.NewRouter(log,
		middleware.NewJWTValidator(cfg.JWTSecret, jwtIssuer),
		samplehandler.New(sampleSvc, trail, log),
		nchandler.New(ncSvc, log),
	)
	srv := httpserver.New(cfg.Addr, router)

	group.Go(func() error {
		log.Info("listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err := group.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
