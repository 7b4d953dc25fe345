package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/austindbirch/mailhook/internal/api"
	"github.com/austindbirch/mailhook/internal/auth"
	"github.com/austindbirch/mailhook/internal/config"
	"github.com/austindbirch/mailhook/internal/db"
	"github.com/austindbirch/mailhook/internal/delivery"
	"github.com/austindbirch/mailhook/internal/dispatch"
	"github.com/austindbirch/mailhook/internal/health"
	"github.com/austindbirch/mailhook/internal/logging"
	"github.com/austindbirch/mailhook/internal/metrics"
	"github.com/austindbirch/mailhook/internal/queue"
	"github.com/austindbirch/mailhook/internal/retry"
	"github.com/austindbirch/mailhook/internal/signer"
	"github.com/austindbirch/mailhook/internal/store/postgres"
	"github.com/austindbirch/mailhook/internal/store/redislog"
	"github.com/austindbirch/mailhook/internal/tracing"
)

const serviceName = "mailhook-worker"

func policyFrom(cfg config.Config) retry.Policy {
	p := retry.Default()
	if cfg.Webhook.MaxAttempts > 0 {
		p.MaxAttempts = cfg.Webhook.MaxAttempts
	}
	if cfg.Webhook.RetryStep > 0 {
		p.Step = cfg.Webhook.RetryStep
	}
	return p
}

func headerNames(cfg config.Config) signer.HeaderNames {
	return signer.HeaderNames{
		Signature:    cfg.Webhook.SignatureHeader,
		Signature256: cfg.Webhook.Signature256Header,
		KeyID:        cfg.Webhook.KeyIDHeader,
	}
}

// consumerConfig sizes MaxInFlight so every handler goroutine can hold a message
func consumerConfig(concurrency int) *nsq.Config {
	conf := nsq.NewConfig()
	if concurrency < 1 {
		concurrency = 1
	}
	conf.MaxInFlight = concurrency
	return conf
}

// newMux serves health and metrics openly and the audit log behind validator.
// A nil validator leaves the audit log unmounted.
func newMux(reg *prometheus.Registry, deps map[string]health.Pinger, logs delivery.LogReader, validator *auth.JWTValidator, logger *logging.Logger) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", health.HTTPHandler(deps))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	if validator == nil {
		return mux
	}
	api.NewHandler(logs, logger).Register(mux)
	return validator.HTTPMiddleware(mux)
}

func main() {
	cfg := config.FromEnv()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	logger := logging.New(serviceName)
	logging.SetDefaultService(serviceName)
	if lvl := os.Getenv("LOG_LEVEL"); lvl != "" {
		logger.SetLevel(logging.ParseLevel(lvl))
	}

	shutdown, err := tracing.InitTracing(ctx, serviceName)
	if err != nil {
		logger.Plain().WithError(err).Fatal("Failed to initialize tracing")
	}
	defer shutdown()

	pool, err := db.Connect(ctx, cfg.DSN(), cfg.DB.MaxConns)
	if err != nil {
		logger.Plain().WithError(err).Fatal("db connect failed")
	}
	defer pool.Close()

	store := postgres.New(pool)
	if err := store.Migrate(ctx); err != nil {
		logger.Plain().WithError(err).Fatal("schema migration failed")
	}

	deps := map[string]health.Pinger{"database": pool}
	var (
		logWriter delivery.LogWriter = store
		logReader delivery.LogReader = store
	)
	if cfg.UseRedisLog() {
		rl, err := redislog.Open(cfg.Redis.URL, cfg.Redis.Retention)
		if err != nil {
			logger.Plain().WithError(err).Fatal("redis log store setup failed")
		}
		defer rl.Close()
		logWriter, logReader = rl, rl
		deps["redis"] = rl
		logger.Plain().WithField("retention", cfg.Redis.Retention).Info("audit log stored in redis")
	}

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	var deadLetters delivery.DeadLetterPublisher
	if cfg.NSQ.PublishDLQ {
		producer, err := nsq.NewProducer(cfg.NSQ.NsqdTCPAddr, nsq.NewConfig())
		if err != nil {
			logger.Plain().WithError(err).Fatal("nsq producer for DLQ creation failed")
		}
		defer producer.Stop()
		deadLetters = queue.NewPublisher(producer, cfg.NSQ.WebhookTopic, cfg.NSQ.DLQTopic)
	}

	svc := delivery.NewService(delivery.Options{
		Store: store,
		Logs:  logWriter,
		Sender: dispatch.New(dispatch.Config{
			Timeout:       cfg.Webhook.Timeout,
			UserAgent:     cfg.Webhook.UserAgent,
			ResponseLimit: cfg.Webhook.ResponseLimit,
		}),
		Policy:      policyFrom(cfg),
		Headers:     headerNames(cfg),
		DeadLetters: deadLetters,
		Logger:      logger,
	})

	var validator *auth.JWTValidator
	if cfg.JWT.PublicKeyPEM != "" {
		validator, err = auth.NewJWTValidator(cfg.JWT.PublicKeyPEM, cfg.JWT.Issuer, cfg.JWT.Audience)
		if err != nil {
			logger.Plain().WithError(err).Fatal("invalid JWT public key")
		}
	} else {
		logger.Plain().Warn("JWT_PUBLIC_KEY_PEM not set, audit log API disabled")
	}

	httpSrv := &http.Server{
		Addr:              cfg.Worker.HTTPPort,
		Handler:           newMux(reg, deps, logReader, validator, logger),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("worker HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Plain().WithError(err).Fatal("worker HTTP server failed")
		}
	}()

	consumer, err := nsq.NewConsumer(cfg.NSQ.WebhookTopic, cfg.NSQ.WorkerChannel, consumerConfig(cfg.Worker.Concurrency))
	if err != nil {
		logger.Plain().WithError(err).Fatal("nsq consumer creation failed")
	}
	consumer.AddConcurrentHandlers(queue.NewHandler(queue.HandlerOptions{
		Loader:    store,
		Deliverer: svc,
		MaxRPS:    cfg.Worker.MaxRPS,
		Logger:    logger,
	}), max(cfg.Worker.Concurrency, 1))

	// Connecting directly to nsqd creates the channel before the first publish
	if err := consumer.ConnectToNSQD(cfg.NSQ.NsqdTCPAddr); err != nil {
		logger.Plain().WithError(err).Fatal("connect to nsqd failed")
	}
	if err := consumer.ConnectToNSQLookupd(cfg.NSQ.LookupHTTPAddr); err != nil {
		logger.Plain().WithError(err).Fatal("connect to lookupd failed")
	}

	go (&queue.Monitor{
		StatsURL: queue.StatsURL(cfg.NSQ.NsqdTCPAddr),
		Topic:    cfg.NSQ.WebhookTopic,
		Channel:  cfg.NSQ.WorkerChannel,
		Logger:   logger,
	}).Run(ctx)

	logger.Plain().WithFields(map[string]any{
		"topic":       cfg.NSQ.WebhookTopic,
		"channel":     cfg.NSQ.WorkerChannel,
		"concurrency": cfg.Worker.Concurrency,
	}).Info("worker service started")

	<-ctx.Done()

	logger.Plain().Info("Shutting down worker service")
	consumer.Stop()
	<-consumer.StopChan
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	logger.Plain().Info("worker service stopped")
}
