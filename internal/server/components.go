package server

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"

	"github.com/mbd888/homeserv/internal/circuitbreaker"
	"github.com/mbd888/homeserv/internal/commission"
	"github.com/mbd888/homeserv/internal/dbtx"
	"github.com/mbd888/homeserv/internal/health"
	"github.com/mbd888/homeserv/internal/jobs"
	"github.com/mbd888/homeserv/internal/ledger"
	"github.com/mbd888/homeserv/internal/matching"
	"github.com/mbd888/homeserv/internal/outbox"
	"github.com/mbd888/homeserv/internal/payment"
	"github.com/mbd888/homeserv/internal/pricing"
	"github.com/mbd888/homeserv/internal/processor"
	"github.com/mbd888/homeserv/internal/realtime"
	"github.com/mbd888/homeserv/internal/retry"
	"github.com/mbd888/homeserv/internal/scheduler"
	"github.com/mbd888/homeserv/internal/wallet"
	"github.com/mbd888/homeserv/internal/webhooks"
)

// stores is one backend (Postgres or memory) for every aggregate, plus the
// unit-of-work runner that spans them.
type stores struct {
	runner    dbtx.Runner
	ledger    ledger.Store
	wallets   wallet.Store
	payments  payment.Store
	webhooks  webhooks.Store
	pricing   pricing.RuleStore
	directory matching.Directory
	jobs      jobs.Store
	outbox    outbox.Store
	rates     commission.RateProvider
}

func (s *Server) postgresStores(db *sql.DB) *stores {
	fallback := s.staticRates()
	return &stores{
		runner:    dbtx.NewSQLRunner(db).WithIsolation(sql.LevelSerializable),
		ledger:    ledger.NewPostgresStore(db),
		wallets:   wallet.NewPostgresStore(db),
		payments:  payment.NewPostgresStore(db),
		webhooks:  webhooks.NewPostgresStore(db),
		pricing:   pricing.NewPostgresStore(db),
		directory: matching.NewPostgresDirectory(db),
		jobs:      jobs.NewPostgresStore(db),
		outbox:    outbox.NewPostgresStore(db),
		rates:     commission.NewCachedRates(commission.NewPostgresSource(db), s.cfg.RatesTTL, commission.Rates(fallback), s.logger),
	}
}

func (s *Server) memoryStores() *stores {
	return &stores{
		runner:    dbtx.NewMemoryRunner(),
		ledger:    ledger.NewMemoryStore(),
		wallets:   wallet.NewMemoryStore(),
		payments:  payment.NewMemoryStore(),
		webhooks:  webhooks.NewMemoryStore(),
		pricing:   pricing.NewMemoryStore(pricing.DefaultRules()...),
		directory: matching.NewMemoryDirectory(),
		jobs:      jobs.NewMemoryStore(),
		outbox:    outbox.NewMemoryStore(),
		rates:     s.staticRates(),
	}
}

func (s *Server) staticRates() commission.StaticRates {
	return commission.StaticRates{
		PlatformFeeRate: s.cfg.PlatformFeeRate,
		GatewayFeeRate:  s.cfg.GatewayFeeRate,
		TaxRate:         s.cfg.TaxRate,
	}
}

// seedPricingRules adds the default rule for every category the store does
// not have yet. Operator edits are never overwritten.
func seedPricingRules(ctx context.Context, rules pricing.RuleStore) (int, error) {
	existing, err := rules.List(ctx)
	if err != nil {
		return 0, err
	}
	have := make(map[string]bool, len(existing))
	for _, r := range existing {
		have[r.Category] = true
	}
	added := 0
	for _, r := range pricing.DefaultRules() {
		if have[r.Category] {
			continue
		}
		if err := rules.Put(ctx, r); err != nil {
			return added, err
		}
		added++
	}
	return added, nil
}

// gateway builds the payment processor named by PAYMENT_GATEWAY, wrapped
// with a circuit breaker, retries and a per-call timeout.
func (s *Server) gateway() processor.Processor {
	var next processor.Processor
	switch s.cfg.Gateway {
	case "stripe":
		next = processor.NewStripeProcessor(s.cfg.StripeSecretKey, s.cfg.CheckoutSuccessURL, s.cfg.CheckoutCancelURL)
	default:
		s.sandbox = processor.NewSandbox(s.cfg.SandboxBaseURL)
		next = s.sandbox
	}
	breaker := circuitbreaker.New(next.Name(), 5, 30*time.Second).WithLogger(s.logger)
	return processor.NewResilient(next, breaker, retry.DefaultPolicy, s.cfg.GatewayTimeout, s.logger)
}

// buildDomain wires money, payments and the job lifecycle over st.
func (s *Server) buildDomain(st *stores) {
	engine := commission.NewEngine(st.rates, s.cfg.Currency)
	gw := s.gateway()

	s.ledger = ledger.New(st.ledger, st.runner).WithLogger(s.logger)
	s.wallets = wallet.NewManager(st.wallets, s.ledger, st.runner, s.cfg.DebtLimit).
		WithLogger(s.logger).
		WithCurrency(s.cfg.Currency)
	s.payments = payment.NewOrchestrator(st.payments, st.runner, engine, gw, s.ledger, s.wallets).
		WithOutbox(st.outbox).
		WithLogger(s.logger)
	s.wallets.WithDebtCharger(s.payments)

	s.gate = webhooks.NewGate(st.webhooks, st.runner, s.payments, gw).WithLogger(s.logger)

	s.pricingRules = st.pricing
	s.estimator = pricing.NewRuleBasedEstimator(st.pricing)

	s.directory = st.directory
	s.matcher = matching.NewMatcher(st.directory, s.wallets).
		WithDefaultRadius(s.cfg.SearchRadiusKm).
		WithLogger(s.logger)

	s.jobs = jobs.NewService(st.jobs, st.runner, engine, s.estimator, s.matcher, jobs.Config{
		OfferTimeout:      s.cfg.OfferTimeout,
		MaxAttempts:       s.cfg.MaxAttempts,
		AutoReleaseAfter:  s.cfg.AutoReleaseAfter,
		PayoutRetryAfter:  s.cfg.PayoutRetryAfter,
		SearchRadiusKm:    s.cfg.SearchRadiusKm,
		ClientPenaltyRate: s.cfg.ClientPenaltyRate,
		WorkerPenaltyRate: s.cfg.WorkerPenaltyRate,
	}).
		WithPayments(s.payments).
		WithEligibility(s.wallets).
		WithOutbox(st.outbox).
		WithLogger(s.logger)
}

// buildEvents wires the outbox relay to every configured sink. The realtime
// hub is always a sink; the webhook and RabbitMQ sinks are opt-in.
func (s *Server) buildEvents(st *stores) error {
	s.realtimeHub = realtime.NewHub(s.logger)
	sinks := outbox.MultiPublisher{s.realtimeHub}

	if s.cfg.NotifyWebhookURL != "" {
		sinks = append(sinks, outbox.NewHTTPPublisher(s.cfg.NotifyWebhookURL, s.cfg.NotifyWebhookSecret))
		s.logger.Info("event webhook enabled", "url", s.cfg.NotifyWebhookURL)
	}

	if s.cfg.AMQPURL != "" {
		conn, err := amqp.Dial(s.cfg.AMQPURL)
		if err != nil {
			return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
		}
		ch, err := conn.Channel()
		if err != nil {
			_ = conn.Close()
			return fmt.Errorf("failed to open RabbitMQ channel: %w", err)
		}
		if err := ch.ExchangeDeclare(s.cfg.AMQPExchange, "topic", true, false, false, false, nil); err != nil {
			_ = conn.Close()
			return fmt.Errorf("failed to declare exchange %s: %w", s.cfg.AMQPExchange, err)
		}
		s.amqpConn = conn
		sinks = append(sinks, outbox.NewAMQPPublisher(ch, s.cfg.AMQPExchange))
		s.logger.Info("RabbitMQ publishing enabled", "exchange", s.cfg.AMQPExchange)
	}

	s.relay = outbox.NewRelay(st.outbox, sinks, s.cfg.OutboxInterval, s.logger)
	return nil
}

// buildScheduler creates the sweep loops. Every loop holds a process-local
// flag; with Redis or Postgres available it also takes a shared lease so
// only one instance sweeps at a time.
func (s *Server) buildScheduler() error {
	guards := []scheduler.Guard{scheduler.NewLocalGuard()}
	switch {
	case s.cfg.RedisURL != "":
		opts, err := redis.ParseURL(s.cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		s.redis = redis.NewClient(opts)
		guards = append(guards, scheduler.NewRedisLease(s.redis, s.cfg.InstanceID, s.cfg.LeaseTTL))
		s.logger.Info("sweep leases in Redis", "instance", s.cfg.InstanceID)
	case s.db != nil:
		guards = append(guards, scheduler.NewPostgresLease(s.db, s.cfg.InstanceID, s.cfg.LeaseTTL))
		s.logger.Info("sweep leases in PostgreSQL", "instance", s.cfg.InstanceID)
	}
	guard := scheduler.Chain(guards...)

	s.loops = []*scheduler.Loop{
		scheduler.NewLoop(scheduler.NewTimeoutSweep(s.jobs, s.logger), s.cfg.TimeoutSweepInterval, s.logger).WithGuard(guard),
		scheduler.NewLoop(scheduler.NewPayoutSweep(s.jobs, s.logger), s.cfg.PayoutSweepInterval, s.logger).WithGuard(guard),
	}
	return nil
}

func (s *Server) registerHealthChecks() {
	if s.db != nil {
		s.health.Critical("database", health.Database(s.db))
	}
	if s.redis != nil {
		s.health.Optional("redis", health.Redis(s.redis))
	}
	s.health.Optional("outbox_relay", health.Loop(s.relay.Running))
	for _, l := range s.loops {
		s.health.Optional(l.Name(), health.Loop(l.Running))
	}
}
