// Package executor drives triggered close orders to a terminal state.
//
// Workers compete for trigger jobs. Each job runs preflight, swap routing,
// simulation, broadcast and confirmation for one order, and every failure
// goes through a single decision point that either schedules a retry
// through the broker's delay topic or suspends the order.
package executor

import (
	"context"
	"errors"
	"time"

	"github.com/Aidin1998/pincex_autoclose/internal/chain"
	"github.com/Aidin1998/pincex_autoclose/internal/closeorder/model"
	"github.com/Aidin1998/pincex_autoclose/internal/closeorder/notify"
	"github.com/Aidin1998/pincex_autoclose/internal/closeorder/swaprouter"
	"github.com/Aidin1998/pincex_autoclose/internal/infrastructure/messaging"
	"github.com/Aidin1998/pincex_autoclose/pkg/metrics"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Config for the executor pool
type Config struct {
	Workers      int
	MaxAttempts  int
	LeaseTimeout time.Duration
	// RetryDelay is only used to report next_attempt_at; the broker owns the delay
	RetryDelay           time.Duration
	SuspendOnConfigError bool
	FeeRecipient         string
	FeeBps               uint16
	TriggerTopic         messaging.Topic
}

// DefaultConfig returns the production defaults
func DefaultConfig() Config {
	return Config{
		Workers:              4,
		MaxAttempts:          3,
		LeaseTimeout:         10 * time.Minute,
		RetryDelay:           60 * time.Second,
		SuspendOnConfigError: true,
		TriggerTopic:         messaging.DefaultTopics().Trigger,
	}
}

// Executor executes trigger jobs
type Executor struct {
	cfg      Config
	orders   model.OrderRepository
	attempts model.ExecutionRepository
	subs     model.SubscriptionRepository
	gateway  chain.Gateway
	router   swaprouter.Router
	notifier *notify.Notifier
	logger   *zap.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

// NewExecutor creates an executor
func NewExecutor(
	cfg Config,
	orders model.OrderRepository,
	attempts model.ExecutionRepository,
	subs model.SubscriptionRepository,
	gateway chain.Gateway,
	router swaprouter.Router,
	notifier *notify.Notifier,
	logger *zap.Logger,
) *Executor {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.LeaseTimeout <= 0 {
		cfg.LeaseTimeout = def.LeaseTimeout
	}
	if cfg.TriggerTopic == "" {
		cfg.TriggerTopic = def.TriggerTopic
	}
	return &Executor{
		cfg:      cfg,
		orders:   orders,
		attempts: attempts,
		subs:     subs,
		gateway:  gateway,
		router:   router,
		notifier: notifier,
		logger:   logger.Named("executor"),
		tracer:   otel.Tracer("github.com/Aidin1998/pincex_autoclose/internal/closeorder/executor"),
		now:      time.Now,
	}
}

// Run consumes trigger jobs with the configured number of workers and
// sweeps stuck orders until ctx is cancelled
func (e *Executor) Run(ctx context.Context, broker messaging.Broker) error {
	e.logger.Info("Starting executor pool",
		zap.Int("workers", e.cfg.Workers),
		zap.Int("max_attempts", e.cfg.MaxAttempts),
		zap.Duration("lease_timeout", e.cfg.LeaseTimeout))

	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		e.runRecovery(ctx, broker)
	}()
	err := broker.Consume(ctx, e.cfg.Workers, e.HandleJob)
	<-sweepDone
	return err
}

// HandleJob is the broker handler for one trigger job
func (e *Executor) HandleJob(ctx context.Context, msg *messaging.ReceivedMessage) messaging.Outcome {
	start := e.now()
	job, orderID, err := model.DecodeTriggerJob(msg.Value)
	if err != nil {
		e.logger.Error("Malformed trigger job",
			zap.String("key", msg.Key),
			zap.Error(err))
		metrics.ExecutionsTotal.WithLabelValues("rejected").Inc()
		return messaging.Reject
	}

	outcome := e.ExecuteOrder(ctx, job, orderID)
	metrics.ExecutionLatency.Observe(e.now().Sub(start).Seconds())
	return outcome
}

// run carries the state of one execution
type run struct {
	job     model.TriggerJob
	order   *model.CloseOrder
	attempt *model.ExecutionAttempt
	// resumeTx is a transaction broadcast by a previous owner of the attempt
	resumeTx string
	logger   *zap.Logger

	onChain  *chain.OnChainOrder
	ref      chain.OrderRef
	snapshot *model.PositionSnapshot
	txHash   string
	receipt  *chain.Receipt
}

// ExecuteOrder runs one trigger job to an outcome
func (e *Executor) ExecuteOrder(ctx context.Context, job model.TriggerJob, orderID uuid.UUID) messaging.Outcome {
	ctx, span := e.tracer.Start(ctx, "closeorder.execute", trace.WithAttributes(
		attribute.String("order.id", orderID.String()),
		attribute.Int64("chain.id", job.ChainID),
		attribute.String("trigger.side", job.TriggerSide),
	))
	defer span.End()

	r, outcome, proceed := e.claim(ctx, job, orderID)
	if !proceed {
		span.SetAttributes(attribute.String("outcome", outcome.String()))
		return outcome
	}

	err := e.execute(ctx, r)
	if err == nil {
		outcome = e.succeed(ctx, r)
	} else {
		span.RecordError(err)
		outcome = e.fail(ctx, r, err)
	}
	span.SetAttributes(attribute.String("outcome", outcome.String()))
	return outcome
}

// claim decides whether this delivery owns the order's attempt
func (e *Executor) claim(ctx context.Context, job model.TriggerJob, orderID uuid.UUID) (*run, messaging.Outcome, bool) {
	logger := e.logger.With(zap.String("order_id", orderID.String()))
	drop := func(reason string) (*run, messaging.Outcome, bool) {
		logger.Info("Dropping trigger job", zap.String("reason", reason))
		metrics.ExecutionsTotal.WithLabelValues("dropped").Inc()
		return nil, messaging.Ack, false
	}
	requeue := func(err error) (*run, messaging.Outcome, bool) {
		logger.Error("Repository error while claiming order, redelivering", zap.Error(err))
		metrics.ExecutionFailures.WithLabelValues("infrastructure").Inc()
		return nil, messaging.Requeue, false
	}

	order, err := e.orders.FindByID(ctx, orderID)
	if errors.Is(err, model.ErrOrderNotFound) {
		return drop("order not found")
	}
	if err != nil {
		return requeue(err)
	}
	logger = logger.With(
		zap.String("position_id", order.PositionID.String()),
		zap.Int64("chain_id", order.ChainID),
		zap.String("platform", string(order.Config.Protocol)))
	r := &run{job: job, order: order, logger: logger}

	switch order.MonitoringState {
	case model.StateExecuted, model.StateSuspended:
		return drop("order is " + string(order.MonitoringState))

	case model.StateTriggered:
		if _, outcome, ok := e.claimTriggered(ctx, r, drop, requeue); !ok {
			return nil, outcome, false
		}

	case model.StateMonitoring:
		won, err := e.orders.AtomicTransitionToTriggered(ctx, order.ID)
		if err != nil {
			return requeue(err)
		}
		if !won {
			return drop("order claimed by another worker")
		}
		order.MonitoringState = model.StateTriggered

		attempt, err := e.openAttempt(ctx, r)
		if err != nil {
			// release the claim so the order is not stuck until the lease sweep
			if rerr := e.orders.TransitionToMonitoring(ctx, order.ID); rerr != nil {
				logger.Error("Failed to release order claim", zap.Error(rerr))
			}
			return requeue(err)
		}
		r.attempt = attempt
	default:
		return drop("unknown monitoring state " + string(order.MonitoringState))
	}

	if err := e.attempts.MarkExecuting(ctx, r.attempt.ID); err != nil {
		return requeue(err)
	}
	r.logger = r.logger.With(
		zap.String("attempt_id", r.attempt.ID.String()),
		zap.Int("retry_count", r.attempt.RetryCount))
	r.logger.Info("Executing close order", zap.String("trigger_side", job.TriggerSide))
	return r, messaging.Ack, true
}

// openAttempt reuses a retryable failed attempt or creates the first one
func (e *Executor) openAttempt(ctx context.Context, r *run) (*model.ExecutionAttempt, error) {
	latest, err := e.attempts.FindLatestByOrderID(ctx, r.order.ID)
	switch {
	case err == nil && latest.AttemptStatus == model.AttemptFailed && latest.RetryCount < e.cfg.MaxAttempts:
		if err := e.attempts.ReopenFailed(ctx, latest.ID); err != nil {
			return nil, err
		}
		latest.AttemptStatus = model.AttemptPending
		latest.TxHash = nil
		return latest, nil
	case err == nil && latest.AttemptStatus.Open():
		return nil, model.ErrAttemptInFlight
	case err != nil && !errors.Is(err, model.ErrAttemptNotFound):
		return nil, err
	}

	attempt := &model.ExecutionAttempt{
		CloseOrderID:     r.order.ID,
		AttemptStatus:    model.AttemptPending,
		TriggerSqrtPrice: r.job.CurrentPrice,
	}
	if err := e.attempts.Create(ctx, attempt); err != nil {
		return nil, err
	}
	return attempt, nil
}

// claimTriggered handles a job for an order some worker already claimed.
// Inside the lease it is a duplicate; past the lease the previous owner is
// presumed dead and this delivery finishes its work.
func (e *Executor) claimTriggered(
	ctx context.Context,
	r *run,
	drop func(string) (*run, messaging.Outcome, bool),
	requeue func(error) (*run, messaging.Outcome, bool),
) (*run, messaging.Outcome, bool) {
	now := e.now()
	orderStale := now.Sub(r.order.UpdatedAt) >= e.cfg.LeaseTimeout

	latest, err := e.attempts.FindLatestByOrderID(ctx, r.order.ID)
	if errors.Is(err, model.ErrAttemptNotFound) {
		if !orderStale {
			return drop("duplicate delivery, attempt being created")
		}
		attempt, err := e.openAttempt(ctx, r)
		if err != nil {
			return requeue(err)
		}
		r.attempt = attempt
		r.logger.Warn("Taking over triggered order without attempt")
		return r, messaging.Ack, true
	}
	if err != nil {
		return requeue(err)
	}

	switch {
	case latest.AttemptStatus.Open():
		if !latest.Stale(now, e.cfg.LeaseTimeout) {
			return drop("duplicate delivery, attempt in flight")
		}
		r.attempt = latest
		if latest.TxHash != nil {
			r.resumeTx = *latest.TxHash
		}
		r.logger.Warn("Taking over stale execution attempt",
			zap.String("attempt_id", latest.ID.String()),
			zap.String("tx_hash", r.resumeTx),
			zap.Time("last_update", latest.UpdatedAt))
		return r, messaging.Ack, true

	case !orderStale:
		return drop("duplicate delivery, bookkeeping in progress")

	case latest.AttemptStatus == model.AttemptCompleted:
		r.attempt = latest
		return nil, e.finishExecuted(ctx, r), false

	default:
		// failed attempt whose order transition never landed
		r.attempt = latest
		return nil, e.decide(ctx, r, latest.RetryCount, errors.New(derefString(latest.ErrorMessage))), false
	}
}

func derefString(s *string) string {
	if s == nil {
		return "previous attempt failed"
	}
	return *s
}
