package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"plate-watcher/internal/domain/plate"
	"plate-watcher/internal/metrics"
	"plate-watcher/internal/recognizer"
)

type fakeEngine struct {
	mu       sync.Mutex
	calls    int
	inflight int32
	maxSeen  int32
	delay    time.Duration
	respond  func(call int) (*plate.RecognitionResult, error)
}

func (f *fakeEngine) Name() plate.Engine { return plate.EnginePlateRecognizer }

func (f *fakeEngine) Recognize(ctx context.Context, image []byte) (*plate.RecognitionResult, error) {
	cur := atomic.AddInt32(&f.inflight, 1)
	defer atomic.AddInt32(&f.inflight, -1)
	for {
		seen := atomic.LoadInt32(&f.maxSeen)
		if cur <= seen || atomic.CompareAndSwapInt32(&f.maxSeen, seen, cur) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	f.calls++
	call := f.calls
	f.mu.Unlock()

	if f.respond != nil {
		return f.respond(call)
	}
	return &plate.RecognitionResult{Plate: "ABC123", Score: 0.9, SourceEngine: f.Name()}, nil
}

func (f *fakeEngine) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testConfig() Config {
	return Config{
		MaxWorkers:     2,
		QueueSize:      16,
		EnqueueTimeout: 100 * time.Millisecond,
		MaxRetries:     3,
		BackoffBase:    time.Millisecond,
		BackoffMax:     time.Second,
		JitterFactor:   0,
	}
}

func fetchBytes(b []byte) func(context.Context) ([]byte, error) {
	return func(context.Context) ([]byte, error) { return b, nil }
}

func TestConcurrencyCapIsHard(t *testing.T) {
	engine := &fakeEngine{delay: 20 * time.Millisecond}
	cfg := testConfig()
	cfg.MaxWorkers = 3
	cfg.QueueSize = 64
	d := New(engine, cfg, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	const jobs = 30
	var wg sync.WaitGroup
	wg.Add(jobs)
	for i := 0; i < jobs; i++ {
		err := d.Submit(ctx, Job{
			ID:      uuid.New(),
			EventID: "ev",
			Fetch:   fetchBytes([]byte("img")),
			Done:    func(*plate.RecognitionResult, error) { wg.Done() },
		})
		require.NoError(t, err)
	}
	wg.Wait()

	assert.Equal(t, jobs, engine.callCount())
	assert.LessOrEqual(t, engine.maxSeen, int32(3), "in-flight calls must never exceed the worker cap")
}

func TestRetriesTransientThenSucceeds(t *testing.T) {
	engine := &fakeEngine{
		respond: func(call int) (*plate.RecognitionResult, error) {
			if call < 3 {
				return nil, &recognizer.StatusError{Engine: plate.EnginePlateRecognizer, StatusCode: 500}
			}
			return &plate.RecognitionResult{Plate: "XYZ999", Score: 0.8}, nil
		},
	}
	cfg := testConfig()
	cfg.BackoffBase = 100 * time.Millisecond
	d := New(engine, cfg, zerolog.Nop())

	var delays []time.Duration
	d.sleep = func(_ context.Context, delay time.Duration) error {
		delays = append(delays, delay)
		return nil
	}
	d.rnd = func() float64 { return 0 }

	var res *plate.RecognitionResult
	var resErr error
	done := make(chan struct{})
	d.process(context.Background(), Job{
		ID:    uuid.New(),
		Fetch: fetchBytes([]byte("img")),
		Done: func(r *plate.RecognitionResult, err error) {
			res, resErr = r, err
			close(done)
		},
	})
	<-done

	require.NoError(t, resErr)
	require.NotNil(t, res)
	assert.Equal(t, "XYZ999", res.Plate)
	assert.Equal(t, 3, engine.callCount())
	require.Len(t, delays, 2)
	assert.Equal(t, 100*time.Millisecond, delays[0])
	assert.Equal(t, 200*time.Millisecond, delays[1])
	assert.Greater(t, delays[1], delays[0], "delays increase between retries")
}

func TestPermanentFailureNotRetried(t *testing.T) {
	engine := &fakeEngine{
		respond: func(int) (*plate.RecognitionResult, error) {
			return nil, &recognizer.StatusError{Engine: plate.EnginePlateRecognizer, StatusCode: 403}
		},
	}
	d := New(engine, testConfig(), zerolog.Nop())

	var resErr error
	d.process(context.Background(), Job{
		ID:    uuid.New(),
		Fetch: fetchBytes([]byte("img")),
		Done:  func(_ *plate.RecognitionResult, err error) { resErr = err },
	})

	var callErr *CallError
	require.ErrorAs(t, resErr, &callErr)
	assert.Equal(t, ClassPermanent, callErr.Class)
	assert.Equal(t, 1, callErr.Attempts)
	assert.Equal(t, 1, engine.callCount())
}

func TestRetriesExhausted(t *testing.T) {
	engine := &fakeEngine{
		respond: func(int) (*plate.RecognitionResult, error) {
			return nil, &recognizer.StatusError{Engine: plate.EnginePlateRecognizer, StatusCode: 429}
		},
	}
	cfg := testConfig()
	cfg.MaxRetries = 2
	d := New(engine, cfg, zerolog.Nop())
	d.sleep = func(context.Context, time.Duration) error { return nil }

	var resErr error
	d.process(context.Background(), Job{
		ID:    uuid.New(),
		Fetch: fetchBytes([]byte("img")),
		Done:  func(_ *plate.RecognitionResult, err error) { resErr = err },
	})

	var callErr *CallError
	require.ErrorAs(t, resErr, &callErr)
	assert.Equal(t, ClassTransient, callErr.Class)
	assert.Equal(t, 2, callErr.Attempts)
	assert.Equal(t, 2, engine.callCount())
}

func TestSubmitCapacityExceeded(t *testing.T) {
	cfg := testConfig()
	cfg.QueueSize = 1
	cfg.EnqueueTimeout = 20 * time.Millisecond
	d := New(&fakeEngine{}, cfg, zerolog.Nop())

	// No Run loop: the queue fills and the second submit times out.
	job := Job{ID: uuid.New(), Fetch: fetchBytes(nil), Done: func(*plate.RecognitionResult, error) {}}
	require.NoError(t, d.Submit(context.Background(), job))
	err := d.Submit(context.Background(), job)
	assert.ErrorIs(t, err, ErrCapacityExceeded)
}

func TestFetchErrorSurfaces(t *testing.T) {
	d := New(&fakeEngine{}, testConfig(), zerolog.Nop())

	var resErr error
	d.process(context.Background(), Job{
		ID:    uuid.New(),
		Fetch: func(context.Context) ([]byte, error) { return nil, errors.New("snapshot gone") },
		Done:  func(_ *plate.RecognitionResult, err error) { resErr = err },
	})

	var callErr *CallError
	require.ErrorAs(t, resErr, &callErr)
	assert.Contains(t, callErr.Error(), "fetch image")
}

func TestPanicReleasesWorkerSlot(t *testing.T) {
	boom := true
	engine := &fakeEngine{}
	cfg := testConfig()
	cfg.MaxWorkers = 1
	d := New(engine, cfg, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	var wg sync.WaitGroup
	wg.Add(2)
	first := Job{
		ID: uuid.New(),
		Fetch: func(context.Context) ([]byte, error) {
			if boom {
				boom = false
				panic("bad image")
			}
			return nil, nil
		},
		Done: func(*plate.RecognitionResult, error) { wg.Done() },
	}
	second := Job{
		ID:    uuid.New(),
		Fetch: fetchBytes([]byte("img")),
		Done:  func(*plate.RecognitionResult, error) { wg.Done() },
	}

	require.NoError(t, d.Submit(ctx, first))
	require.NoError(t, d.Submit(ctx, second))

	doneCh := make(chan struct{})
	go func() { wg.Wait(); close(doneCh) }()
	select {
	case <-doneCh:
	case <-time.After(2 * time.Second):
		t.Fatal("worker slot leaked after panic")
	}
}

func TestShutdownFailsQueuedJobs(t *testing.T) {
	cfg := testConfig()
	cfg.QueueSize = 4
	d := New(&fakeEngine{}, cfg, zerolog.Nop())

	var mu sync.Mutex
	var errs []error
	for i := 0; i < 3; i++ {
		require.NoError(t, d.Submit(context.Background(), Job{
			ID:    uuid.New(),
			Fetch: fetchBytes(nil),
			Done: func(_ *plate.RecognitionResult, err error) {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			},
		}))
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d.Run(ctx)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, errs, 3, "queued jobs are failed, never dropped silently")
	for _, err := range errs {
		var callErr *CallError
		require.ErrorAs(t, err, &callErr)
		assert.Equal(t, ClassCanceled, callErr.Class)
	}
}

func engineCallCount(t *testing.T) float64 {
	t.Helper()
	return testutil.ToFloat64(metrics.EngineCalls.WithLabelValues(string(plate.EnginePlateRecognizer)))
}

func TestEngineCallsCountedPerInvocation(t *testing.T) {
	engine := &fakeEngine{
		respond: func(call int) (*plate.RecognitionResult, error) {
			if call == 1 {
				return nil, &recognizer.StatusError{Engine: plate.EnginePlateRecognizer, StatusCode: 500}
			}
			return &plate.RecognitionResult{Plate: "ABC123", Score: 0.9}, nil
		},
	}
	d := New(engine, testConfig(), zerolog.Nop())
	d.sleep = func(context.Context, time.Duration) error { return nil }

	before := engineCallCount(t)
	d.process(context.Background(), Job{
		ID:    uuid.New(),
		Fetch: fetchBytes([]byte("img")),
		Done:  func(*plate.RecognitionResult, error) {},
	})

	// One transient failure plus the successful retry: two real calls.
	assert.Equal(t, 2.0, engineCallCount(t)-before)
}

func TestFailedFetchCountsNoEngineCalls(t *testing.T) {
	d := New(&fakeEngine{}, testConfig(), zerolog.Nop())

	before := engineCallCount(t)
	d.process(context.Background(), Job{
		ID:    uuid.New(),
		Fetch: func(context.Context) ([]byte, error) { return nil, errors.New("snapshot gone") },
		Done:  func(*plate.RecognitionResult, error) {},
	})

	assert.Equal(t, 0.0, engineCallCount(t)-before)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{"rate limited", &recognizer.StatusError{StatusCode: 429}, ClassTransient},
		{"server error", &recognizer.StatusError{StatusCode: 503}, ClassTransient},
		{"client error", &recognizer.StatusError{StatusCode: 400}, ClassPermanent},
		{"malformed body", recognizer.ErrMalformedResponse, ClassPermanent},
		{"network error", errors.New("connection refused"), ClassTransient},
		{"canceled", context.Canceled, ClassCanceled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}
