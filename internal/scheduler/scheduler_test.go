package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scanforge/socscan/internal/domain"
	"github.com/scanforge/socscan/internal/ratelimit"
	"github.com/scanforge/socscan/internal/taskstore/memory"
)

type stubEngine struct {
	mu      sync.Mutex
	calls   int
	run     func(ctx context.Context, task domain.ScanTask, token *CancelToken) (EngineResult, error)
	waitFor chan struct{}
}

func (e *stubEngine) Run(ctx context.Context, task domain.ScanTask, token *CancelToken, onProgress func(domain.Progress)) (EngineResult, error) {
	e.mu.Lock()
	e.calls++
	e.mu.Unlock()
	if e.waitFor != nil {
		<-e.waitFor
	}
	if e.run != nil {
		return e.run(ctx, task, token)
	}
	return EngineResult{Success: true}, nil
}

func newTestScheduler(t *testing.T, engine Engine) (*Scheduler, *memory.Store) {
	t.Helper()
	store := memory.New()
	limiter := ratelimit.New(ratelimit.Config{PerMinute: 1000, Burst: 1000})
	cfg := DefaultConfig()
	cfg.PollInterval = 10 * time.Millisecond
	s := New(store, limiter, engine, nil, cfg)
	return s, store
}

func TestScheduler_SubmitAndCompleteTransitionsToCompleted(t *testing.T) {
	engine := &stubEngine{run: func(ctx context.Context, task domain.ScanTask, token *CancelToken) (EngineResult, error) {
		return EngineResult{Success: true, Findings: []domain.Finding{{Title: "x", Severity: domain.SeverityLow}}}, nil
	}}
	s, store := newTestScheduler(t, engine)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Start(ctx))
	defer s.Stop(context.Background())

	task, err := s.Submit(ctx, domain.ScanTask{
		Name: "t1", TaskType: domain.TaskTypePortScan, Creator: "alice",
		Targets: []string{"example.com"}, Priority: domain.PriorityNormal,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := store.Get(ctx, task.ID)
		return err == nil && got.State == domain.StateCompleted
	}, time.Second, 5*time.Millisecond)

	findings, err := store.GetFindings(ctx, task.ID)
	require.NoError(t, err)
	assert.Len(t, findings, 1)
}

func TestScheduler_SubmitRejectsUnknownTaskType(t *testing.T) {
	s, _ := newTestScheduler(t, &stubEngine{})
	_, err := s.Submit(context.Background(), domain.ScanTask{
		Name: "bad", TaskType: "not-a-type", Creator: "alice", Targets: []string{"x"},
	})
	require.Error(t, err)
}

func TestScheduler_SubmitRejectsEmptyTargets(t *testing.T) {
	s, _ := newTestScheduler(t, &stubEngine{})
	_, err := s.Submit(context.Background(), domain.ScanTask{
		Name: "bad", TaskType: domain.TaskTypePortScan, Creator: "alice",
	})
	require.Error(t, err)
}

func TestScheduler_RateLimitedSubmissionNeverEntersQueue(t *testing.T) {
	store := memory.New()
	limiter := ratelimit.New(ratelimit.Config{PerMinute: 1, Burst: 1})
	s := New(store, limiter, &stubEngine{}, nil, DefaultConfig())

	_, err := s.Submit(context.Background(), domain.ScanTask{
		Name: "t1", TaskType: domain.TaskTypePortScan, Creator: "alice", Targets: []string{"x"},
	})
	require.NoError(t, err)

	_, err = s.Submit(context.Background(), domain.ScanTask{
		Name: "t2", TaskType: domain.TaskTypePortScan, Creator: "alice", Targets: []string{"x"},
	})
	require.Error(t, err)
	assert.Equal(t, 0, s.queue.Len())
}

func TestScheduler_CancelPendingTaskIsImmediate(t *testing.T) {
	s, store := newTestScheduler(t, &stubEngine{waitFor: make(chan struct{})})
	ctx := context.Background()

	task, err := s.Submit(ctx, domain.ScanTask{
		Name: "t1", TaskType: domain.TaskTypePortScan, Creator: "alice", Targets: []string{"x"},
	})
	require.NoError(t, err)

	// The dispatch loop is never started, so the task stays PENDING.
	require.NoError(t, s.Cancel(ctx, task.ID, "alice", false, "no longer needed"))

	got, err := store.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCancelled, got.State)
}

func TestScheduler_CancelForbiddenForNonOwner(t *testing.T) {
	s, _ := newTestScheduler(t, &stubEngine{})
	ctx := context.Background()

	task, err := s.Submit(ctx, domain.ScanTask{
		Name: "t1", TaskType: domain.TaskTypePortScan, Creator: "alice", Targets: []string{"x"},
	})
	require.NoError(t, err)

	err = s.Cancel(ctx, task.ID, "mallory", false, "nope")
	require.Error(t, err)
}

func TestScheduler_RunningTaskCancelFlipsToken(t *testing.T) {
	release := make(chan struct{})
	var capturedToken *CancelToken
	var mu sync.Mutex
	engine := &stubEngine{run: func(ctx context.Context, task domain.ScanTask, token *CancelToken) (EngineResult, error) {
		mu.Lock()
		capturedToken = token
		mu.Unlock()
		<-release
		return EngineResult{}, nil
	}}
	s, store := newTestScheduler(t, engine)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Start(ctx))
	defer s.Stop(context.Background())

	task, err := s.Submit(ctx, domain.ScanTask{
		Name: "t1", TaskType: domain.TaskTypePortScan, Creator: "alice", Targets: []string{"x"},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := store.Get(ctx, task.ID)
		return err == nil && got.State == domain.StateRunning
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, s.Cancel(ctx, task.ID, "alice", false, "stop it"))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return capturedToken != nil && capturedToken.Cancelled()
	}, time.Second, 5*time.Millisecond)

	close(release)

	require.Eventually(t, func() bool {
		got, err := store.Get(ctx, task.ID)
		return err == nil && got.State == domain.StateCancelled
	}, time.Second, 5*time.Millisecond)
}
