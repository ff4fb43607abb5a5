package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"collections/internal/cache"
	"collections/internal/collections"
	"collections/internal/config"
	"collections/internal/content"
	"collections/internal/dispatch"
	"collections/internal/httpserver"
	"collections/internal/jobs"
	"collections/internal/logging"
	"collections/internal/observability"
	"collections/internal/outreach"
	"collections/internal/providers/openai"
	"collections/internal/providers/resend"
	"collections/internal/providers/twilio"
	"collections/internal/store/pg"
)

func main() {
	cfg := config.LoadWorker()
	logger := logging.Init("worker", cfg.LogFormat, cfg.LogLevel)
	loc := cfg.Location()

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
		slog.Error("worker db connect failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()
	store := pg.New(db)

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	defer rdb.Close()

	observability.Register(prometheus.DefaultRegisterer)

	// providers, each behind its own limiter and breaker
	httpClient := &http.Client{Timeout: 8 * time.Second}
	dispatcher := &dispatch.Dispatcher{
		MaxAttempts:       cfg.ProviderMaxAttempts,
		CallTimeout:       cfg.ProviderCallTimeout,
		StatusCallbackURL: cfg.PublicWebhookURL,
	}
	email := &resend.Client{
		APIKey:  cfg.ResendAPIKey,
		From:    cfg.ResendFrom,
		ReplyTo: cfg.ResendReplyTo,
		BaseURL: cfg.ResendBaseURL,
		HTTP:    httpClient,
	}
	if email.Configured() {
		dispatcher.Email = email
		dispatcher.EmailGuard = dispatch.NewGuard("resend", cfg.ResendRPS, cfg.ResendBurst)
	} else {
		slog.Warn("email provider not configured, email steps will fail")
	}
	sms := &twilio.Client{
		AccountSID:          cfg.TwilioAccountSID,
		AuthToken:           cfg.TwilioAuthToken,
		MessagingServiceSID: cfg.TwilioMessagingServiceSID,
		FromNumber:          cfg.TwilioFromNumber,
		BaseURL:             cfg.TwilioBaseURL,
		HTTP:                httpClient,
	}
	if sms.Configured() {
		dispatcher.SMS = sms
		dispatcher.SMSGuard = dispatch.NewGuard("twilio", cfg.TwilioRPSPerPod, cfg.TwilioBurst)
	} else {
		slog.Warn("sms provider not configured, sms steps will fail")
	}

	var ai content.Generator
	if cfg.OpenAIAPIKey != "" {
		ai = &content.AIGenerator{Model: &openai.Client{
			APIKey:  cfg.OpenAIAPIKey,
			Model:   cfg.OpenAIModel,
			BaseURL: cfg.OpenAIBaseURL,
			HTTP:    &http.Client{Timeout: cfg.GenerateTimeout},
		}}
	}

	runner := &collections.Runner{
		Store:              store,
		Tracker:            outreach.NewTracker(store, cfg.ClaimStaleAfter),
		Content:            content.NewRouter(ai),
		Sender:             dispatcher,
		Concurrency:        cfg.RunConcurrency,
		GenerateTimeout:    cfg.GenerateTimeout,
		DispatchTimeout:    cfg.DispatchTimeout,
		MaxPerDay:          cfg.MaxPerDay,
		UseDefaultWorkflow: cfg.UseDefaultWorkflow,
		Location:           loc,
		Logger:             logger,
	}
	handler := &jobs.RunHandler{
		Runner:   runner,
		Lock:     cache.NewRunLock(rdb, cfg.RunLockTTL),
		Location: loc,
		Logger:   logger,
		Runs:     store,
	}

	var cron []jobs.CronRegistration
	if cfg.CollectionsSchedule != "" {
		task, err := jobs.NewRunTask(jobs.RunPayload{Trigger: "schedule"})
		if err != nil {
			slog.Error("build scheduled task failed", "err", err)
			os.Exit(1)
		}
		cron = append(cron, jobs.CronRegistration{
			Spec:    cfg.CollectionsSchedule,
			Task:    task,
			Options: []asynq.Option{asynq.Queue(jobs.QueueDefault), asynq.MaxRetry(3), asynq.Timeout(2 * time.Hour)},
		})
	}
	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   cfg.AsynqOpts(),
		Concurrency: cfg.WorkerConcurrency,
		Location:    loc,
		Logger:      logger,
		Handlers:    []jobs.TaskHandler{{Type: jobs.TaskCollectionsRun, Handler: handler.Handle}},
		Cron:        cron,
	})
	if err != nil {
		slog.Error("worker init failed", "err", err)
		os.Exit(1)
	}

	// health + metrics
	healthMux := httpserver.New().Mux
	healthMux.Use(httpserver.Logging)
	healthMux.HandleFunc("/healthz", httpserver.Healthz()).Methods(http.MethodGet)
	healthMux.HandleFunc("/readyz", httpserver.Readyz(2*time.Second,
		func(c context.Context) error { return db.Ping(c) },
		func(c context.Context) error { return rdb.Ping(c).Err() },
	)).Methods(http.MethodGet)
	healthSrv := &http.Server{Addr: ":" + cfg.Port, Handler: healthMux}

	healthErrCh := make(chan error, 1)
	go func() {
		slog.Info("worker health listening", "port", cfg.Port)
		healthErrCh <- healthSrv.ListenAndServe()
	}()

	runErrCh := make(chan error, 1)
	go func() {
		slog.Info("worker starting", "schedule", cfg.CollectionsSchedule, "timezone", loc.String())
		runErrCh <- worker.Run(ctx)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-runErrCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("worker failed", "err", err)
			os.Exit(1)
		}
	case err := <-healthErrCh:
		if err != nil && err != http.ErrServerClosed {
			slog.Error("worker health server failed", "err", err)
			os.Exit(1)
		}
	case sig := <-sigCh:
		slog.Info("worker shutdown", "signal", sig.String())
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = healthSrv.Shutdown(shutdownCtx)

	select {
	case <-runErrCh:
	case <-time.After(30 * time.Second):
		slog.Info("worker shutdown timeout waiting for tasks")
	}
}
