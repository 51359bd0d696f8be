package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/lucylow/verytippers/internal/domain/model"
	"github.com/lucylow/verytippers/internal/metrics"
	"github.com/lucylow/verytippers/internal/retry"
	"github.com/lucylow/verytippers/internal/store"
)

// Handler processes one leased job. Returned errors are classified: transient
// errors reschedule the job, terminal errors acknowledge it. A handler that
// fails terminally is responsible for recording the business-level outcome
// before returning.
type Handler interface {
	Handle(ctx context.Context, job *model.RelayJob) error
}

type HandlerFunc func(ctx context.Context, job *model.RelayJob) error

func (f HandlerFunc) Handle(ctx context.Context, job *model.RelayJob) error {
	return f(ctx, job)
}

// ExhaustedHandler is implemented by handlers that must settle business state
// when a job runs out of retries. It runs after the dead letter is recorded;
// the job itself is already done by then, so the hook must not return work to
// the queue.
type ExhaustedHandler interface {
	HandleExhausted(ctx context.Context, job *model.RelayJob, lastError string)
}

type Config struct {
	Concurrency   int
	RatePerSecond float64
	RateBurst     int
	BackoffBase   time.Duration
	BackoffCap    time.Duration
	LeaseTTL      time.Duration
	PollInterval  time.Duration
	ConsumerName  string
}

// Consumer drains the relay queue with a fixed-size worker pool. A shared
// token bucket caps aggregate throughput across all workers.
type Consumer struct {
	cfg      Config
	jobs     store.JobRepository
	handlers map[model.JobKind]Handler
	limiter  *rate.Limiter
	logger   *slog.Logger
}

func NewConsumer(cfg Config, jobs store.JobRepository, logger *slog.Logger) *Consumer {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 250 * time.Millisecond
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 2 * time.Minute
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 500 * time.Millisecond
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = time.Minute
	}
	return &Consumer{
		cfg:      cfg,
		jobs:     jobs,
		handlers: make(map[model.JobKind]Handler),
		limiter:  rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.RateBurst),
		logger:   logger.With("component", "queue"),
	}
}

func (c *Consumer) Register(kind model.JobKind, h Handler) {
	c.handlers[kind] = h
}

// Run blocks until ctx is done, supervising the worker pool and the depth
// gauge updater.
func (c *Consumer) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for i := 0; i < c.cfg.Concurrency; i++ {
		worker := fmt.Sprintf("%s-%d", c.cfg.ConsumerName, i)
		g.Go(func() error {
			return c.workerLoop(ctx, worker)
		})
	}
	g.Go(func() error {
		return c.depthLoop(ctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (c *Consumer) workerLoop(ctx context.Context, worker string) error {
	kinds := make([]model.JobKind, 0, len(c.handlers))
	for kind := range c.handlers {
		kinds = append(kinds, kind)
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := c.waitRate(ctx); err != nil {
			return err
		}

		job, err := c.jobs.Lease(ctx, store.LeaseRequest{
			Kinds:    kinds,
			LeasedBy: worker,
			LeaseTTL: c.cfg.LeaseTTL,
		})
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(c.cfg.PollInterval):
				}
				continue
			}
			c.logger.Error("lease failed", "worker", worker, "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.cfg.PollInterval):
			}
			continue
		}

		c.process(ctx, worker, job)
	}
}

// waitRate consumes exactly one token, honoring ctx while blocked.
func (c *Consumer) waitRate(ctx context.Context) error {
	r := c.limiter.Reserve()
	if !r.OK() {
		return fmt.Errorf("rate: cannot reserve token")
	}
	delay := r.Delay()
	if delay > 0 {
		metrics.QueueRateLimitWaits.Inc()
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			r.Cancel()
			return ctx.Err()
		}
	}
	return nil
}

func (c *Consumer) process(ctx context.Context, worker string, job *model.RelayJob) {
	kind := string(job.Kind)

	handler, ok := c.handlers[job.Kind]
	if !ok {
		// An unroutable payload can never succeed on retry.
		c.logger.Error("no handler for job kind", "kind", kind, "job_id", job.ID)
		c.deadLetter(ctx, job, "no handler registered for kind "+kind)
		return
	}

	start := time.Now()
	err := handler.Handle(ctx, job)
	metrics.QueueJobDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())

	if err == nil {
		if ackErr := c.jobs.Ack(ctx, job.ID); ackErr != nil {
			// The lease will expire and the job will be redelivered; handlers
			// are idempotent so this costs a duplicate attempt, not
			// correctness.
			c.logger.Error("ack failed", "job_id", job.ID, "error", ackErr)
			return
		}
		metrics.QueueCompletedTotal.WithLabelValues(kind).Inc()
		return
	}

	decision := retry.Classify(err)
	c.logger.Warn("job attempt failed",
		"worker", worker, "job_id", job.ID, "kind", kind,
		"attempt", job.Attempt, "max_attempts", job.MaxAttempts,
		"class", string(decision.Class), "reason", decision.Reason, "error", err)

	if !decision.IsTransient() {
		// Terminal errors are settled by the handler (the tip is already
		// FAILED); the job itself is simply done. No dead letter.
		if ackErr := c.jobs.Ack(ctx, job.ID); ackErr != nil {
			c.logger.Error("ack after terminal failure failed", "job_id", job.ID, "error", ackErr)
		}
		metrics.QueueCompletedTotal.WithLabelValues(kind).Inc()
		return
	}

	if job.Attempt >= job.MaxAttempts {
		c.deadLetter(ctx, job, err.Error())
		// The dead letter preserves the job for replay, but the business row
		// behind it must not wait for an operator to learn its fate.
		if eh, ok := handler.(ExhaustedHandler); ok {
			eh.HandleExhausted(ctx, job, err.Error())
		}
		return
	}

	runAt := time.Now().Add(c.backoff(job.Attempt))
	if resErr := c.jobs.Reschedule(ctx, job.ID, runAt, err.Error()); resErr != nil {
		c.logger.Error("reschedule failed", "job_id", job.ID, "error", resErr)
		return
	}
	metrics.QueueRetriesTotal.WithLabelValues(kind).Inc()
}

func (c *Consumer) deadLetter(ctx context.Context, job *model.RelayJob, lastError string) {
	if err := c.jobs.DeadLetter(ctx, job.ID, lastError); err != nil {
		c.logger.Error("dead letter failed", "job_id", job.ID, "error", err)
		return
	}
	metrics.QueueDeadLettersTotal.WithLabelValues(string(job.Kind)).Inc()
	c.logger.Error("job exhausted, dead lettered",
		"job_id", job.ID, "kind", string(job.Kind), "attempts", job.Attempt, "last_error", lastError)
}

// backoff doubles per attempt from the base, capped. Attempt is 1-based.
func (c *Consumer) backoff(attempt int) time.Duration {
	d := c.cfg.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= c.cfg.BackoffCap {
			return c.cfg.BackoffCap
		}
	}
	if d > c.cfg.BackoffCap {
		return c.cfg.BackoffCap
	}
	return d
}

func (c *Consumer) depthLoop(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		for kind := range c.handlers {
			n, err := c.jobs.CountQueued(ctx, kind)
			if err != nil {
				continue
			}
			metrics.QueueDepth.WithLabelValues(string(kind)).Set(float64(n))
		}
	}
}
