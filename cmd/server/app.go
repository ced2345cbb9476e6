package main

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	idemmetrics "payguard/internal/idempotency/metrics"
	idemmw "payguard/internal/idempotency/middleware"
	idemservice "payguard/internal/idempotency/service"
	idemstore "payguard/internal/idempotency/store"
	jwttoken "payguard/internal/jwt_token"
	outboxconsumer "payguard/internal/outbox/consumer"
	outboxmetrics "payguard/internal/outbox/metrics"
	outboxmodels "payguard/internal/outbox/models"
	"payguard/internal/outbox/publisher"
	outboxstore "payguard/internal/outbox/store"
	"payguard/internal/outbox/transport"
	"payguard/internal/payments/gateway"
	paymenthandler "payguard/internal/payments/handler"
	paymentmetrics "payguard/internal/payments/metrics"
	paymentservice "payguard/internal/payments/service"
	paymentstore "payguard/internal/payments/store"
	"payguard/internal/platform/config"
	"payguard/internal/platform/kafka"
	kafkaconsumer "payguard/internal/platform/kafka/consumer"
	httpmetrics "payguard/internal/platform/metrics"
	platformmw "payguard/internal/platform/middleware"
	"payguard/internal/platform/postgres"
	webhookhandler "payguard/internal/webhooks/handler"
	"payguard/internal/webhooks/handlers"
	webhookmetrics "payguard/internal/webhooks/metrics"
	"payguard/internal/webhooks/registry"
	"payguard/internal/webhooks/retry"
	webhookservice "payguard/internal/webhooks/service"
	"payguard/internal/webhooks/signature"
	webhookstore "payguard/internal/webhooks/store"
	"payguard/pkg/platform/httputil"
	"payguard/pkg/platform/middleware/admin"
	"payguard/pkg/platform/middleware/auth"
	"payguard/pkg/platform/middleware/metadata"
	"payguard/pkg/platform/middleware/request"
	"payguard/pkg/platform/middleware/requesttime"
	"payguard/pkg/platform/tx"
)

// eventLogProcessor names the in-process consumer of payment events in
// processed_events.
const eventLogProcessor = "payguard-event-log"

type app struct {
	log         *slog.Logger
	httpMetrics *httpmetrics.Metrics

	idempotency *idemservice.Service
	payments    *paymenthandler.Handler
	webhooks    *webhookhandler.Handler
	jwt         auth.JWTValidator

	webhookService *webhookservice.Service
	publisher      *publisher.Publisher
	consumer       *kafkaconsumer.Consumer
}

type stores struct {
	tx         tx.Runner
	idem       idemservice.Store
	operations paymentservice.Store
	webhooks   webhookservice.Store
	outbox     outboxStore
	processed  outboxconsumer.ProcessedStore
	failed     outboxconsumer.FailedStore
}

// outboxStore is satisfied by both outbox backends.
type outboxStore interface {
	paymentservice.OutboxWriter
	publisher.Store
}

func newStores(cfg config.Config, in *infra) stores {
	var s stores
	if in.db != nil {
		s.tx = postgres.NewTxRunner(in.db, 0)
		s.idem = idemstore.NewPostgres(in.db)
		s.operations = paymentstore.NewPostgres(in.db)
		s.webhooks = webhookstore.NewPostgres(in.db)
		s.outbox = outboxstore.NewPostgres(in.db)
		s.processed = outboxstore.NewPostgresProcessed(in.db)
		s.failed = outboxstore.NewPostgresFailed(in.db)
	} else {
		s.tx = tx.Nop{}
		s.idem = idemstore.NewInMemory()
		s.operations = paymentstore.NewInMemory()
		s.webhooks = webhookstore.NewInMemory()
		s.outbox = outboxstore.NewInMemory()
		s.processed = outboxstore.NewInMemoryProcessed()
		s.failed = outboxstore.NewInMemoryFailed()
	}
	switch cfg.Idempotency.Backend {
	case "redis":
		s.idem = idemstore.NewRedis(in.redis.Client)
	case "memory":
		s.idem = idemstore.NewInMemory()
	}
	return s
}

func buildApp(cfg config.Config, in *infra, reg prometheus.Registerer, log *slog.Logger) (*app, error) {
	st := newStores(cfg, in)
	ob := st.outbox

	idem, err := idemservice.New(st.idem,
		idemservice.WithLogger(log),
		idemservice.WithMetrics(idemmetrics.New(reg)),
		idemservice.WithTTL(cfg.Idempotency.TTL),
	)
	if err != nil {
		return nil, err
	}

	payments, err := paymentservice.New(st.operations, newGateway(cfg, log),
		paymentservice.WithOutbox(ob),
		paymentservice.WithTxRunner(st.tx),
		paymentservice.WithSettleWait(cfg.Stripe.CallTimeout),
		paymentservice.WithEventSource(outboxmodels.Source{Module: cfg.Outbox.SourceModule, Version: cfg.Outbox.Version}),
		paymentservice.WithLogger(log),
		paymentservice.WithMetrics(paymentmetrics.New(reg)),
	)
	if err != nil {
		return nil, err
	}

	dispatcher := registry.New(log, registry.DefaultCatalog...)
	if err := handlers.NewPayments(payments, log).Register(dispatcher); err != nil {
		return nil, err
	}
	webhooks, err := webhookservice.New(st.webhooks, dispatcher,
		signature.NewSecrets(cfg.Webhooks.Secrets, cfg.Webhooks.MasterSecret),
		webhookservice.WithTxRunner(st.tx),
		webhookservice.WithRetryPolicy(retry.Policy{MaxAttempts: cfg.Webhooks.MaxAttempts, Jitter: cfg.Webhooks.Jitter}),
		webhookservice.WithTolerance(cfg.Webhooks.Tolerance),
		webhookservice.WithStaleAfter(cfg.Webhooks.StaleAfter),
		webhookservice.WithBatchSize(cfg.Webhooks.BatchSize),
		webhookservice.WithLogger(log),
		webhookservice.WithMetrics(webhookmetrics.New(reg)),
	)
	if err != nil {
		return nil, err
	}

	obMetrics := outboxmetrics.New(reg)
	var tp publisher.Transport = transport.NewMemory(log)
	if in.producer != nil {
		tp = transport.NewKafka(in.producer, cfg.Kafka.TopicPrefix)
	}
	pub, err := publisher.New(ob, tp,
		publisher.WithTxRunner(st.tx),
		publisher.WithBatchSize(cfg.Outbox.BatchSize),
		publisher.WithInterval(cfg.Outbox.PollInterval),
		publisher.WithLogger(log),
		publisher.WithMetrics(obMetrics),
	)
	if err != nil {
		return nil, err
	}

	a := &app{
		log:            log,
		httpMetrics:    httpmetrics.New(reg),
		idempotency:    idem,
		payments:       paymenthandler.New(payments, log),
		webhooks:       webhookhandler.New(webhooks, log),
		jwt:            jwttoken.NewJWTService(cfg.Auth.JWTSigningKey, cfg.Auth.JWTIssuer, jwttoken.WithLeeway(cfg.Auth.JWTLeeway)).Middleware(),
		webhookService: webhooks,
		publisher:      pub,
	}

	if len(cfg.Kafka.Brokers) > 0 {
		c, err := outboxconsumer.New(eventLogProcessor, st.processed,
			outboxconsumer.WithTxRunner(st.tx),
			outboxconsumer.WithLogger(log),
			outboxconsumer.WithMetrics(obMetrics),
		)
		if err != nil {
			return nil, err
		}
		router := kafkaconsumer.NewRouter(log, nil)
		router.Register(kafka.TopicName(cfg.Kafka.TopicPrefix, paymentservice.AggregateType), c.MessageHandler(a.logPaymentEvent))
		a.consumer, err = kafkaconsumer.New(cfg.Kafka.Brokers, cfg.Kafka.ConsumerGroup, router.Topics(), router,
			kafkaconsumer.WithLogger(log),
			kafkaconsumer.WithMaxAttempts(cfg.Kafka.ConsumeMaxAttempts),
			kafkaconsumer.WithDeadLetter(c.DeadLetters(st.failed)),
		)
		if err != nil {
			return nil, err
		}
	}
	return a, nil
}

func newGateway(cfg config.Config, log *slog.Logger) gateway.Gateway {
	if cfg.Stripe.SecretKey == "" {
		log.Warn("STRIPE_SECRET_KEY not set; using the in-memory processor")
		return gateway.NewFake()
	}
	return gateway.NewStripe(cfg.Stripe.SecretKey,
		gateway.WithRateLimit(cfg.Stripe.RequestsPerSec, cfg.Stripe.Burst),
		gateway.WithCallTimeout(cfg.Stripe.CallTimeout),
		gateway.WithStripeLogger(log),
	)
}

// logPaymentEvent is the in-process consumer of published payment events.
// It records terminal operations for operators tailing the log.
func (a *app) logPaymentEvent(ctx context.Context, env *outboxmodels.Envelope) error {
	a.log.InfoContext(ctx, "payment event",
		"event_id", env.EventID.String(),
		"event_type", env.EventType,
		"tenant_id", env.TenantID,
		"correlation_id", env.CorrelationID,
	)
	return nil
}

func (a *app) routes(r chi.Router, cfg config.Config, reg *prometheus.Registry, in *infra) {
	r.Use(request.RequestID)
	r.Use(requesttime.Middleware)
	r.Use(metadata.ClientMetadata)
	r.Use(platformmw.Recover(a.log))
	r.Use(platformmw.AccessLog(a.log, a.httpMetrics))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := in.health(r.Context()); err != nil {
			httputil.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", metricsHandler(reg))

	a.webhooks.Register(r)

	r.Group(func(r chi.Router) {
		r.Use(auth.RequireTenant(a.jwt, a.log))
		r.Use(idemmw.Idempotency(a.idempotency, a.log))
		a.payments.Register(r)
	})

	r.Group(func(r chi.Router) {
		r.Use(admin.RequireAdminToken(cfg.Server.AdminTokens, a.log))
		a.payments.RegisterAdmin(r)
		a.webhooks.RegisterAdmin(r)
	})
}

func (a *app) startWorkers(ctx context.Context, g *errgroup.Group, cfg config.Config) {
	g.Go(func() error {
		return a.webhookService.Run(ctx, cfg.Webhooks.PollInterval)
	})
	g.Go(func() error {
		return a.publisher.Run(ctx)
	})
	g.Go(func() error {
		return a.idempotency.RunPurger(ctx, cfg.Idempotency.PurgeInterval)
	})
	if a.consumer != nil {
		g.Go(func() error {
			return a.consumer.Run(ctx)
		})
	}
}
