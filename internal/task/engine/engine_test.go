package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"postrelay/internal/eventbus"
	logx "postrelay/pkg/logx"
)

func startEngine(t *testing.T, cfg Config) *Service {
	t.Helper()
	s := New(cfg, logx.Nop(), eventbus.New())
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

type doneRecorder struct {
	mu    sync.Mutex
	calls map[string][]error
	ch    chan string
}

func newDoneRecorder() *doneRecorder {
	return &doneRecorder{calls: map[string][]error{}, ch: make(chan string, 64)}
}

func (r *doneRecorder) fn(id string) func(error) {
	return func(err error) {
		r.mu.Lock()
		r.calls[id] = append(r.calls[id], err)
		r.mu.Unlock()
		r.ch <- id
	}
}

func (r *doneRecorder) wait(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-r.ch:
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out waiting for done callback %d/%d", i+1, n)
		}
	}
}

func (r *doneRecorder) errs(id string) []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.calls[id]...)
}

func TestDoneCalledOnceOnSuccess(t *testing.T) {
	s := startEngine(t, Config{Workers: 2})
	rec := newDoneRecorder()

	require.NoError(t, s.Enqueue(Task{Name: "ok", Run: func(context.Context) error { return nil }, Done: rec.fn("ok")}))
	rec.wait(t, 1)

	errs := rec.errs("ok")
	require.Len(t, errs, 1)
	assert.NoError(t, errs[0])
}

func TestRetryDefaultIsZero(t *testing.T) {
	s := startEngine(t, Config{Workers: 1})
	rec := newDoneRecorder()
	var runs int32
	boom := errors.New("boom")

	require.NoError(t, s.Enqueue(Task{Name: "fail", Run: func(context.Context) error {
		atomic.AddInt32(&runs, 1)
		return boom
	}, Done: rec.fn("fail")}))
	rec.wait(t, 1)

	assert.EqualValues(t, 1, atomic.LoadInt32(&runs))
	assert.ErrorIs(t, rec.errs("fail")[0], boom)
}

func TestRetriesThenSucceeds(t *testing.T) {
	s := startEngine(t, Config{Workers: 1})
	rec := newDoneRecorder()
	var runs int32

	require.NoError(t, s.Enqueue(Task{
		Name: "flaky",
		Opt:  TaskOptions{RetryMax: 2, RetryBase: time.Millisecond, RetryMaxDelay: 5 * time.Millisecond},
		Run: func(context.Context) error {
			if atomic.AddInt32(&runs, 1) < 3 {
				return errors.New("transient")
			}
			return nil
		},
		Done: rec.fn("flaky"),
	}))
	rec.wait(t, 1)

	assert.EqualValues(t, 3, atomic.LoadInt32(&runs))
	assert.NoError(t, rec.errs("flaky")[0])
}

func TestNoRetryStopsAttempts(t *testing.T) {
	s := startEngine(t, Config{Workers: 1, RetryMax: 5})
	rec := newDoneRecorder()
	var runs int32
	perm := errors.New("unsupported")

	require.NoError(t, s.Enqueue(Task{Name: "perm", Run: func(context.Context) error {
		atomic.AddInt32(&runs, 1)
		return NoRetry(perm)
	}, Done: rec.fn("perm")}))
	rec.wait(t, 1)

	assert.EqualValues(t, 1, atomic.LoadInt32(&runs))
	err := rec.errs("perm")[0]
	assert.ErrorIs(t, err, perm)
	assert.False(t, IsNoRetry(err))
}

func TestPanicBecomesError(t *testing.T) {
	s := startEngine(t, Config{Workers: 1})
	rec := newDoneRecorder()

	require.NoError(t, s.Enqueue(Task{Name: "panics", Run: func(context.Context) error { panic("bad") }, Done: rec.fn("p")}))
	rec.wait(t, 1)
	require.Error(t, rec.errs("p")[0])
	assert.Contains(t, rec.errs("p")[0].Error(), "panic: bad")

	// The worker is still alive.
	require.NoError(t, s.Enqueue(Task{Name: "after", Run: func(context.Context) error { return nil }, Done: rec.fn("after")}))
	rec.wait(t, 1)
	assert.NoError(t, rec.errs("after")[0])
}

func TestTimeoutAppliesPerAttempt(t *testing.T) {
	s := startEngine(t, Config{Workers: 1, DefaultTimeout: 20 * time.Millisecond})
	rec := newDoneRecorder()

	require.NoError(t, s.Enqueue(Task{Name: "slow", Run: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}, Done: rec.fn("slow")}))
	rec.wait(t, 1)
	assert.ErrorIs(t, rec.errs("slow")[0], context.DeadlineExceeded)
}

func TestQueueFullRejectsWithoutDone(t *testing.T) {
	s := startEngine(t, Config{Workers: 1, QueueSize: 1})
	rec := newDoneRecorder()
	release := make(chan struct{})
	started := make(chan struct{})

	require.NoError(t, s.Enqueue(Task{Name: "blocker", Run: func(context.Context) error {
		close(started)
		<-release
		return nil
	}, Done: rec.fn("blocker")}))
	<-started
	require.NoError(t, s.Enqueue(Task{Name: "queued", Run: func(context.Context) error { return nil }, Done: rec.fn("queued")}))

	err := s.Enqueue(Task{Name: "overflow", Run: func(context.Context) error { return nil }, Done: rec.fn("overflow")})
	assert.ErrorIs(t, err, ErrQueueFull)

	close(release)
	rec.wait(t, 2)
	assert.Empty(t, rec.errs("overflow"))
	assert.EqualValues(t, 1, s.Snapshot().DroppedQueueFull)
}

func TestSubmitWaitsForQueueRoom(t *testing.T) {
	s := startEngine(t, Config{Workers: 1, QueueSize: 1})
	rec := newDoneRecorder()
	release := make(chan struct{})
	started := make(chan struct{})

	require.NoError(t, s.Enqueue(Task{Name: "blocker", Run: func(context.Context) error {
		close(started)
		<-release
		return nil
	}, Done: rec.fn("blocker")}))
	<-started
	require.NoError(t, s.Enqueue(Task{Name: "queued", Run: func(context.Context) error { return nil }, Done: rec.fn("queued")}))

	// A full queue and a done context: nothing is accepted.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := s.Submit(ctx, Task{Name: "late", Run: func(context.Context) error { return nil }, Done: rec.fn("late")})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	accepted := make(chan error, 1)
	go func() {
		accepted <- s.Submit(context.Background(), Task{Name: "waits", Run: func(context.Context) error { return nil }, Done: rec.fn("waits")})
	}()
	select {
	case err := <-accepted:
		t.Fatalf("submit returned before the queue had room: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case err := <-accepted:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("submit never accepted")
	}
	rec.wait(t, 3)
	assert.Empty(t, rec.errs("late"))
	assert.Len(t, rec.errs("waits"), 1)
	assert.Zero(t, s.Snapshot().DroppedQueueFull)
}

func TestStopFailsQueuedTasks(t *testing.T) {
	s := New(Config{Workers: 1, QueueSize: 8}, logx.Nop(), nil)
	s.Start(context.Background())
	rec := newDoneRecorder()
	started := make(chan struct{})

	require.NoError(t, s.Enqueue(Task{Name: "running", Run: func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}, Done: rec.fn("running")}))
	<-started
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.Enqueue(Task{Name: id, Run: func(context.Context) error { return nil }, Done: rec.fn(id)}))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)
	rec.wait(t, 4)

	for _, id := range []string{"a", "b", "c"} {
		errs := rec.errs(id)
		require.Len(t, errs, 1, id)
		assert.ErrorIs(t, errs[0], ErrStopped)
	}
	require.Len(t, rec.errs("running"), 1)
	assert.Error(t, rec.errs("running")[0])

	err := s.Enqueue(Task{Name: "late", Run: func(context.Context) error { return nil }})
	assert.ErrorIs(t, err, ErrStopped)
}

func TestStaleTaskDropped(t *testing.T) {
	s := startEngine(t, Config{Workers: 1, MaxQueueDelay: 10 * time.Millisecond})
	rec := newDoneRecorder()
	release := make(chan struct{})
	started := make(chan struct{})

	require.NoError(t, s.Enqueue(Task{Name: "blocker", Run: func(context.Context) error {
		close(started)
		<-release
		return nil
	}, Done: rec.fn("blocker")}))
	<-started
	require.NoError(t, s.Enqueue(Task{Name: "stale", Run: func(context.Context) error { return nil }, Done: rec.fn("stale")}))
	time.Sleep(30 * time.Millisecond)
	close(release)
	rec.wait(t, 2)

	assert.ErrorIs(t, rec.errs("stale")[0], ErrStaleQueue)
	assert.EqualValues(t, 1, s.Snapshot().DroppedStale)
}

func TestOverlapSkip(t *testing.T) {
	s := startEngine(t, Config{Workers: 2})
	rec := newDoneRecorder()
	release := make(chan struct{})
	st := &RunState{}

	task := Task{Name: "fill", State: st, Opt: TaskOptions{Overlap: OverlapSkipIfRunning}, Run: func(context.Context) error {
		<-release
		return nil
	}, Done: rec.fn("fill")}
	require.NoError(t, s.Enqueue(task))
	assert.True(t, st.Busy())
	assert.ErrorIs(t, s.Enqueue(task), ErrOverlapSkip)

	close(release)
	rec.wait(t, 1)
	require.Eventually(t, func() bool { return !st.Busy() }, time.Second, 5*time.Millisecond)
	require.Len(t, rec.errs("fill"), 1)
}

func TestConcurrencyGroupLimit(t *testing.T) {
	s := startEngine(t, Config{Workers: 4})
	rec := newDoneRecorder()
	var cur, peak int32

	for i := 0; i < 8; i++ {
		require.NoError(t, s.Enqueue(Task{
			Name:           "send",
			ConcurrencyKey: "bot:1",
			Opt:            TaskOptions{ConcurrencyLimit: 1},
			Run: func(context.Context) error {
				n := atomic.AddInt32(&cur, 1)
				for {
					p := atomic.LoadInt32(&peak)
					if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				atomic.AddInt32(&cur, -1)
				return nil
			},
			Done: rec.fn("send"),
		}))
	}
	rec.wait(t, 8)
	assert.EqualValues(t, 1, atomic.LoadInt32(&peak))
}

func TestApplyResizeCarriesQueuedTasks(t *testing.T) {
	s := startEngine(t, Config{Workers: 1, QueueSize: 4})
	rec := newDoneRecorder()
	release := make(chan struct{})
	started := make(chan struct{})

	require.NoError(t, s.Enqueue(Task{Name: "blocker", Run: func(ctx context.Context) error {
		close(started)
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	}, Done: rec.fn("blocker")}))
	<-started
	require.NoError(t, s.Enqueue(Task{Name: "carried", Run: func(context.Context) error { return nil }, Done: rec.fn("carried")}))

	close(release)
	s.Apply(context.Background(), Config{Workers: 3, QueueSize: 16})
	rec.wait(t, 2)

	assert.NoError(t, rec.errs("carried")[0])
	snap := s.Snapshot()
	assert.Equal(t, 3, snap.Workers)
	assert.Equal(t, 16, snap.QueueCap)
	assert.True(t, snap.Running)
}

func TestBackoffDelayHonorsRetryAfter(t *testing.T) {
	opt := TaskOptions{RetryMaxDelay: time.Second, RetryJitter: 0.0001}.withDefaults(Config{})
	d := backoffDelayWithHint(opt, 1, RetryAfter(errors.New("429"), 400*time.Millisecond), nil)
	assert.Equal(t, 400*time.Millisecond, d)

	d = backoffDelayWithHint(opt, 1, RetryAfter(errors.New("429"), time.Hour), nil)
	assert.Equal(t, time.Second, d)

	d = backoffDelay(TaskOptions{RetryBase: 10 * time.Millisecond, RetryMaxDelay: time.Second}, 3, nil)
	assert.Equal(t, 40*time.Millisecond, d)
}
