// Package dispatch runs recognition calls under a hard concurrency cap
// with FIFO queueing and retry with exponential backoff.
package dispatch

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"plate-watcher/internal/domain/plate"
	"plate-watcher/internal/metrics"
	"plate-watcher/internal/recognizer"
)

// Job is one admitted dispatch request. Fetch materialises the image
// reference inside the worker so ingestion never blocks on I/O; Done is
// invoked exactly once with either a result or a terminal error.
type Job struct {
	ID      uuid.UUID
	EventID string
	Fetch   func(ctx context.Context) ([]byte, error)
	Done    func(res *plate.RecognitionResult, err error)
}

// Config holds the pool and retry knobs.
type Config struct {
	MaxWorkers     int
	QueueSize      int
	EnqueueTimeout time.Duration
	MaxRetries     int
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	JitterFactor   float64
}

// Dispatcher owns the bounded worker pool. At most MaxWorkers calls are
// in flight at once; excess jobs queue in arrival order.
type Dispatcher struct {
	engine recognizer.Engine
	cfg    Config
	queue  chan Job
	sem    *semaphore.Weighted
	log    zerolog.Logger

	// injectable for tests
	sleep func(ctx context.Context, d time.Duration) error
	rnd   func() float64
}

func New(engine recognizer.Engine, cfg Config, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		engine: engine,
		cfg:    cfg,
		queue:  make(chan Job, cfg.QueueSize),
		sem:    semaphore.NewWeighted(int64(cfg.MaxWorkers)),
		log:    log,
		sleep:  sleepCtx,
		rnd:    rand.Float64,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Submit queues a job, blocking up to the enqueue timeout when the
// queue is full. A job accepted here is guaranteed a Done callback.
func (d *Dispatcher) Submit(ctx context.Context, job Job) error {
	select {
	case d.queue <- job:
		return nil
	default:
	}
	timer := time.NewTimer(d.cfg.EnqueueTimeout)
	defer timer.Stop()
	select {
	case d.queue <- job:
		return nil
	case <-timer.C:
		return ErrCapacityExceeded
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run consumes the queue until ctx is canceled, then fails any jobs
// still queued so nothing is dropped silently. In-flight calls keep the
// ctx they started with and stop at their next retry boundary.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			d.failQueued(ctx.Err())
			return
		case job := <-d.queue:
			if err := d.sem.Acquire(ctx, 1); err != nil {
				job.Done(nil, &CallError{Class: ClassCanceled, Err: err})
				d.failQueued(ctx.Err())
				return
			}
			go d.execute(ctx, job)
		}
	}
}

func (d *Dispatcher) failQueued(cause error) {
	for {
		select {
		case job := <-d.queue:
			job.Done(nil, &CallError{Class: ClassCanceled, Err: cause})
		default:
			return
		}
	}
}

// Drain blocks until every in-flight call has finished or ctx expires.
func (d *Dispatcher) Drain(ctx context.Context) error {
	if err := d.sem.Acquire(ctx, int64(d.cfg.MaxWorkers)); err != nil {
		return err
	}
	d.sem.Release(int64(d.cfg.MaxWorkers))
	return nil
}

func (d *Dispatcher) execute(ctx context.Context, job Job) {
	defer d.sem.Release(1)
	d.process(ctx, job)
}

func (d *Dispatcher) process(ctx context.Context, job Job) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error().
				Str("dispatch_id", job.ID.String()).
				Str("event_id", job.EventID).
				Interface("panic", r).
				Msg("recovered panic in dispatch worker")
			job.Done(nil, &CallError{Class: ClassPermanent, Attempts: 1, Err: fmt.Errorf("panic: %v", r)})
		}
	}()

	image, err := job.Fetch(ctx)
	if err != nil {
		job.Done(nil, &CallError{Class: Classify(err), Attempts: 0, Err: fmt.Errorf("fetch image: %w", err)})
		return
	}

	var lastErr error
	for attempt := 0; attempt < d.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := Delay(attempt-1, d.cfg.BackoffBase, d.cfg.BackoffMax, d.cfg.JitterFactor, d.rnd)
			d.log.Debug().
				Str("dispatch_id", job.ID.String()).
				Str("event_id", job.EventID).
				Int("attempt", attempt+1).
				Dur("delay", delay).
				Msg("retrying recognition call")
			if err := d.sleep(ctx, delay); err != nil {
				job.Done(nil, &CallError{Class: ClassCanceled, Attempts: attempt, Err: err})
				return
			}
		}

		metrics.EngineCalls.WithLabelValues(string(d.engine.Name())).Inc()
		res, err := d.engine.Recognize(ctx, image)
		if err == nil {
			job.Done(res, nil)
			return
		}
		lastErr = err

		class := Classify(err)
		if class != ClassTransient {
			job.Done(nil, &CallError{Class: class, Attempts: attempt + 1, Err: err})
			return
		}
		d.log.Warn().
			Err(err).
			Str("dispatch_id", job.ID.String()).
			Str("event_id", job.EventID).
			Int("attempt", attempt+1).
			Msg("transient recognition failure")
	}

	job.Done(nil, &CallError{Class: ClassTransient, Attempts: d.cfg.MaxRetries, Err: lastErr})
}
