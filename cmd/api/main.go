package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"collections/internal/awsutil"
	"collections/internal/config"
	"collections/internal/httpserver"
	"collections/internal/jobs"
	"collections/internal/logging"
	"collections/internal/observability"
	"collections/internal/outreach"
	"collections/internal/providers/twilio"
	sqsqueue "collections/internal/queue/sqs"
	"collections/internal/service"
	"collections/internal/store/pg"
)

func main() {
	cfg := config.LoadAPI()
	logging.Init("api", cfg.LogFormat, cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := pg.NewPool(ctx, cfg.DBDSN, pg.PoolOptions{
		MaxConns:          cfg.DBPoolMaxConns,
		MinConns:          cfg.DBPoolMinConns,
		MaxConnLifetime:   cfg.DBPoolMaxConnLifetime,
		MaxConnIdleTime:   cfg.DBPoolMaxConnIdleTime,
		HealthCheckPeriod: cfg.DBPoolHealthCheckPeriod,
	})
	if err != nil {
		slog.Error("api db connect failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	sqsClient, err := awsutil.NewSQSClient(ctx, cfg.AWSRegion, cfg.LocalstackEndpoint)
	if err != nil {
		slog.Error("api sqs client init failed", "err", err)
		os.Exit(1)
	}

	observability.Register(prometheus.DefaultRegisterer)

	store := pg.New(db)
	runs := jobs.NewClient(cfg.AsynqOpts())
	runs.UniqueFor = cfg.RunUniqueFor
	defer runs.Close()

	svc := &service.OutreachService{
		Store:              store,
		Tracker:            outreach.NewTracker(store, cfg.ClaimStaleAfter),
		Queue:              runs,
		Location:           cfg.Location(),
		UseDefaultWorkflow: cfg.UseDefaultWorkflow,
	}

	s := httpserver.New()
	s.Mux.Use(httpserver.Recover, httpserver.Logging, httpserver.Metrics(observability.APIRequests))
	httpserver.NewAPI(svc).Register(s.Mux)

	if cfg.TwilioAuthToken != "" {
		wh := &httpserver.Webhook{
			Queue:           &sqsqueue.WebhookProducer{SQS: sqsClient, QueueURL: cfg.WebhookEventsQueueURL},
			VerifySignature: twilio.VerifySignature,
			AuthToken:       cfg.TwilioAuthToken,
			PublicURL:       cfg.PublicWebhookURL,
		}
		wh.Register(s.Mux)
	}

	s.Mux.HandleFunc("/healthz", httpserver.Healthz()).Methods(http.MethodGet)
	s.Mux.HandleFunc("/readyz", httpserver.Readyz(2*time.Second,
		func(ctx context.Context) error { return db.Ping(ctx) },
		awsutil.QueueReachable(sqsClient, cfg.WebhookEventsQueueURL),
	)).Methods(http.MethodGet)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           s.Mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("api shutdown", "signal", sig.String())
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("api listening", "port", cfg.Port)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("api server failed", "err", err)
		os.Exit(1)
	}
}
