// Package scheduler implements the task scheduler and worker pool: a
// priority queue feeding a bounded pool of workers that run tasks through
// an Engine, with CAS-linearised state transitions against the TaskStore
// (spec §4.1).
package scheduler

import (
	"container/heap"
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	cronparse "github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/scanforge/socscan/internal/apisec/ssrf"
	"github.com/scanforge/socscan/internal/apperr"
	"github.com/scanforge/socscan/internal/domain"
	"github.com/scanforge/socscan/internal/logger"
	"github.com/scanforge/socscan/internal/ratelimit"
)

// EngineResult is what one task execution yields back to the Scheduler.
type EngineResult struct {
	Success       bool
	Findings      []domain.Finding
	StageStatuses []domain.StageStatus
	ErrorMessages []string
	Progress      domain.Progress
	// Artifacts carries the APISecurityPipeline's js_resources /
	// api_endpoints / microservices / api_security_issues output (spec
	// §4.4). Left nil by task types other than api_security.
	Artifacts *domain.APIArtifacts
}

// Engine is the ScannerEngine seam: the Scheduler never knows about stages
// or tool adapters, only that a task runs to an EngineResult.
type Engine interface {
	Run(ctx context.Context, task domain.ScanTask, token *CancelToken, onProgress func(domain.Progress)) (EngineResult, error)
}

// Config controls worker pool sizing and dispatch cadence (spec §6
// "scheduler.worker_count" / "scheduler.inflight_cap").
type Config struct {
	WorkerCount        int
	InflightCap        int
	CancelHardDeadline time.Duration
	PollInterval       time.Duration
	DefaultRetry       domain.RetryPolicy
}

// DefaultConfig matches spec.md §6's defaults.
func DefaultConfig() Config {
	return Config{
		WorkerCount:        8,
		InflightCap:        64,
		CancelHardDeadline: 60 * time.Second,
		PollInterval:       500 * time.Millisecond,
		DefaultRetry:       domain.RetryPolicy{MaxRetries: 2, RetryDelay: 5 * time.Second},
	}
}

// TerminalNotifier is the Scheduler's seam into the EventBus for terminal
// task-state events (spec §6 "terminal events"; §8 "A cancelled task's
// terminal transition is observed by at least one subscriber event").
type TerminalNotifier interface {
	PublishTerminal(principal, taskID, state, reason string)
}

// Scheduler is the admission control, queueing, and dispatch component
// (spec §4.1).
type Scheduler struct {
	store    domain.Store
	limiter  *ratelimit.PrincipalLimiter
	engine   Engine
	log      *logger.Logger
	cfg      Config
	notifier TerminalNotifier

	ssrfCfg     ssrf.Config
	ssrfResolver ssrf.Resolver

	sem    *semaphore.Weighted
	active int64

	mu       sync.Mutex
	queue    priorityQueue
	tokens   map[string]*CancelToken
	cronLast map[string]time.Time

	notify chan struct{}

	lifecycleMu sync.Mutex
	running     bool
	cancelFn    context.CancelFunc
	wg          sync.WaitGroup
}

// New constructs a Scheduler. engine may be nil during construction and
// wired later via WithEngine, mirroring the teacher's scheduler/dispatcher
// split so the HTTP layer can be wired before the engine exists.
func New(store domain.Store, limiter *ratelimit.PrincipalLimiter, engine Engine, log *logger.Logger, cfg Config) *Scheduler {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = DefaultConfig().WorkerCount
	}
	if cfg.InflightCap <= 0 {
		cfg.InflightCap = DefaultConfig().InflightCap
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	if cfg.CancelHardDeadline <= 0 {
		cfg.CancelHardDeadline = DefaultConfig().CancelHardDeadline
	}
	if log == nil {
		log = logger.NewDefault("scheduler")
	}
	return &Scheduler{
		store:        store,
		limiter:      limiter,
		engine:       engine,
		log:          log,
		cfg:          cfg,
		sem:          semaphore.NewWeighted(int64(cfg.WorkerCount)),
		tokens:       make(map[string]*CancelToken),
		cronLast:     make(map[string]time.Time),
		notify:       make(chan struct{}, 1),
		ssrfCfg:      ssrf.DefaultConfig(),
		ssrfResolver: &net.Resolver{},
	}
}

// WithNotifier attaches the EventBus seam used to emit terminal events.
func (s *Scheduler) WithNotifier(n TerminalNotifier) *Scheduler {
	s.notifier = n
	return s
}

// WithSSRFConfig overrides the SSRF-safe URL validator config applied to
// every target at submission time (spec §4.1 "target URLs MUST pass the
// SSRF-safe URL validator").
func (s *Scheduler) WithSSRFConfig(cfg ssrf.Config) *Scheduler {
	s.ssrfCfg = cfg
	return s
}

func (s *Scheduler) notifyTerminal(task domain.ScanTask) {
	if s.notifier == nil {
		return
	}
	reason := task.CancelReason
	if reason == "" && len(task.ErrorMessages) > 0 {
		reason = task.ErrorMessages[len(task.ErrorMessages)-1]
	}
	s.notifier.PublishTerminal(task.Creator, task.ID, string(task.State), reason)
}

// Name identifies this lifecycle-managed component.
func (s *Scheduler) Name() string { return "scan-scheduler" }

// Start begins the dispatch and schedule-admission loops.
func (s *Scheduler) Start(ctx context.Context) error {
	s.lifecycleMu.Lock()
	if s.running {
		s.lifecycleMu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelFn = cancel
	s.running = true
	s.lifecycleMu.Unlock()

	if err := s.Recover(runCtx); err != nil {
		s.log.WithError(err).Warn("scheduler recovery failed")
	}

	s.wg.Add(2)
	go s.dispatchLoop(runCtx)
	go s.scheduleLoop(runCtx)

	s.log.Info("scheduler started")
	return nil
}

// Stop halts both loops and waits for in-flight executions to return from
// their goroutines (it does not force-kill running subprocesses; that is
// the engine's responsibility via CancelToken).
func (s *Scheduler) Stop(ctx context.Context) error {
	s.lifecycleMu.Lock()
	if !s.running {
		s.lifecycleMu.Unlock()
		return nil
	}
	cancel := s.cancelFn
	s.running = false
	s.lifecycleMu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.wg.Wait()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	s.log.Info("scheduler stopped")
	return nil
}

// Submit validates and admits a new task. A failed admission never enters
// the queue (spec §5 "Admission control").
func (s *Scheduler) Submit(ctx context.Context, task domain.ScanTask) (domain.ScanTask, error) {
	if !domain.ValidTaskTypes[task.TaskType] {
		return domain.ScanTask{}, apperr.New(apperr.CodeInvalidConfig, "unknown task type").WithDetail("task_type", string(task.TaskType))
	}
	if len(task.Targets) == 0 {
		return domain.ScanTask{}, apperr.New(apperr.CodeInvalidTarget, "at least one target is required")
	}
	if task.MaxExecutionTime < 0 {
		return domain.ScanTask{}, apperr.New(apperr.CodeInvalidConfig, "max_execution_time must not be negative")
	}
	// Targets are domains/IPs/URLs/asset references (spec §3); the
	// SSRF-safe URL validator only applies where a target is itself a URL
	// this core will fetch directly (web_discovery, api_security). Other
	// task types hand bare hosts to tool adapters, which have no scheme
	// to validate.
	if task.TaskType == domain.TaskTypeAPISecurity || task.TaskType == domain.TaskTypeWebDiscovery {
		for _, target := range task.Targets {
			if _, err := ssrf.Validate(ctx, s.ssrfResolver, target, s.ssrfCfg); err != nil {
				return domain.ScanTask{}, err
			}
		}
	}

	if s.limiter != nil && !s.limiter.Allow(task.Creator) {
		return domain.ScanTask{}, apperr.New(apperr.CodeRateLimited, "submission rate limit exceeded").WithDetail("principal", task.Creator)
	}

	s.mu.Lock()
	inflight := s.queue.Len() + int(atomic.LoadInt64(&s.active))
	s.mu.Unlock()
	if inflight >= s.cfg.InflightCap {
		return domain.ScanTask{}, apperr.New(apperr.CodeQuotaExceeded, "scheduler inflight capacity exceeded")
	}

	now := time.Now().UTC()
	task.ID = uuid.NewString()
	task.State = domain.StatePending
	task.CreatedAt = now
	task.UpdatedAt = now
	if task.Priority == "" {
		task.Priority = domain.PriorityNormal
	}
	if task.Retry.MaxRetries == 0 {
		task.Retry = s.cfg.DefaultRetry
	}
	if task.Schedule.Kind == "" {
		task.Schedule.Kind = domain.ScheduleImmediate
	}

	if err := s.store.Put(ctx, task); err != nil {
		return domain.ScanTask{}, err
	}

	if task.Schedule.Kind == domain.ScheduleImmediate {
		s.admit(task)
	}
	return task, nil
}

// admit pushes a PENDING task into the priority queue.
func (s *Scheduler) admit(task domain.ScanTask) {
	s.mu.Lock()
	heap.Push(&s.queue, newQueueItem(task))
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Cancel requests cancellation of a task, enforcing ownership (spec §7
// Forbidden) and the terminal-state invariant (§7 NotCancellable).
func (s *Scheduler) Cancel(ctx context.Context, id, principal string, isAdmin bool, reason string) error {
	task, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if !isAdmin && task.Creator != principal {
		return apperr.New(apperr.CodeForbidden, "not the task owner")
	}
	if task.State.Terminal() {
		return apperr.New(apperr.CodeNotCancellable, "task is already in a terminal state").WithDetail("state", string(task.State))
	}

	switch task.State {
	case domain.StatePending:
		if err := s.store.UpdateState(ctx, id, domain.StatePending, domain.StateCancelled, func(t *domain.ScanTask) {
			t.CancelReason = reason
		}); err != nil {
			return err
		}
		if cancelled, err := s.store.Get(ctx, id); err == nil {
			s.notifyTerminal(cancelled)
		}
		return nil
	case domain.StateRunning:
		if err := s.store.UpdateState(ctx, id, domain.StateRunning, domain.StateCancelling, func(t *domain.ScanTask) {
			t.CancelReason = reason
		}); err != nil {
			return err
		}
		s.mu.Lock()
		token := s.tokens[id]
		s.mu.Unlock()
		if token != nil {
			token.Flip(reason)
		}
		s.wg.Add(1)
		go s.enforceHardDeadline(id)
		return nil
	case domain.StateCancelling:
		return nil
	default:
		return apperr.New(apperr.CodeNotCancellable, "task cannot be cancelled in its current state")
	}
}

// MetadataPatch carries the mutable fields PATCH /scans/{id} may change.
// Nil pointers leave the corresponding field untouched.
type MetadataPatch struct {
	Name        *string
	Description *string
	Priority    *domain.Priority
}

// UpdateMetadata applies patch to a task's mutable metadata (spec §6
// "PATCH /scans/{id}"). Targets, task type, and schedule are immutable
// after submission; only descriptive fields and dispatch priority can
// change in place.
func (s *Scheduler) UpdateMetadata(ctx context.Context, id, principal string, isAdmin bool, patch MetadataPatch) (domain.ScanTask, error) {
	task, err := s.store.Get(ctx, id)
	if err != nil {
		return domain.ScanTask{}, err
	}
	if !isAdmin && task.Creator != principal {
		return domain.ScanTask{}, apperr.New(apperr.CodeForbidden, "not the task owner")
	}

	err = s.store.UpdateState(ctx, id, task.State, task.State, func(t *domain.ScanTask) {
		if patch.Name != nil {
			t.Name = *patch.Name
		}
		if patch.Description != nil {
			t.Description = *patch.Description
		}
		if patch.Priority != nil {
			t.Priority = *patch.Priority
		}
	})
	if err != nil {
		return domain.ScanTask{}, err
	}
	return s.store.Get(ctx, id)
}

// StartNow admits a PENDING task that was submitted with a non-immediate
// schedule (at_time/recurring_cron) onto the queue immediately, skipping
// its schedule's wait (spec §6 "POST /scans/{id}/start").
func (s *Scheduler) StartNow(ctx context.Context, id, principal string, isAdmin bool) (domain.ScanTask, error) {
	task, err := s.store.Get(ctx, id)
	if err != nil {
		return domain.ScanTask{}, err
	}
	if !isAdmin && task.Creator != principal {
		return domain.ScanTask{}, apperr.New(apperr.CodeForbidden, "not the task owner")
	}
	if task.State != domain.StatePending {
		return domain.ScanTask{}, apperr.New(apperr.CodeNotCancellable, "only a PENDING task can be started").WithDetail("state", string(task.State))
	}
	s.admit(task)
	return task, nil
}

// Restart re-enters a FAILED or CANCELLED task into PENDING, clearing its
// findings and progress, preserving its id in place (spec §4.1 "restart":
// this implementation picks in-place restart over a new minted id; see
// DESIGN.md Open Questions). retry_count is preserved, matching spec §8
// scenario 6's "preserved" branch.
func (s *Scheduler) Restart(ctx context.Context, id, principal string, isAdmin bool) (domain.ScanTask, error) {
	task, err := s.store.Get(ctx, id)
	if err != nil {
		return domain.ScanTask{}, err
	}
	if !isAdmin && task.Creator != principal {
		return domain.ScanTask{}, apperr.New(apperr.CodeForbidden, "not the task owner")
	}
	if task.State != domain.StateFailed && task.State != domain.StateCancelled {
		return domain.ScanTask{}, apperr.New(apperr.CodeNotCancellable, "only FAILED or CANCELLED tasks can be restarted").WithDetail("state", string(task.State))
	}

	from := task.State
	err = s.store.UpdateState(ctx, id, from, domain.StatePending, func(t *domain.ScanTask) {
		t.Progress = domain.Progress{}
		t.StageStatuses = nil
		t.ErrorMessages = nil
		t.CancelReason = ""
		t.StartedAt = nil
		t.CompletedAt = nil
	})
	if err != nil {
		return domain.ScanTask{}, err
	}

	if err := s.store.ClearFindings(ctx, id); err != nil {
		return domain.ScanTask{}, err
	}

	restarted, err := s.store.Get(ctx, id)
	if err != nil {
		return domain.ScanTask{}, err
	}
	s.admit(restarted)
	return restarted, nil
}

// Clone creates a new PENDING task copying the definition but not the
// results, linked to the source task via ParentTaskID (spec §4.1 "clone").
func (s *Scheduler) Clone(ctx context.Context, id, principal string, isAdmin bool) (domain.ScanTask, error) {
	source, err := s.store.Get(ctx, id)
	if err != nil {
		return domain.ScanTask{}, err
	}
	if !isAdmin && source.Creator != principal {
		return domain.ScanTask{}, apperr.New(apperr.CodeForbidden, "not the task owner")
	}

	now := time.Now().UTC()
	clone := domain.ScanTask{
		ID:               uuid.NewString(),
		Name:             source.Name,
		Description:      source.Description,
		TaskType:         source.TaskType,
		Priority:         source.Priority,
		Creator:          principal,
		Targets:          append([]string(nil), source.Targets...),
		ToolConfig:       copyToolConfig(source.ToolConfig),
		Schedule:         domain.Schedule{Kind: domain.ScheduleImmediate},
		MaxExecutionTime: source.MaxExecutionTime,
		State:            domain.StatePending,
		CreatedAt:        now,
		UpdatedAt:        now,
		Retry:            s.cfg.DefaultRetry,
		ParentTaskID:     source.ID,
	}

	if s.limiter != nil && !s.limiter.Allow(principal) {
		return domain.ScanTask{}, apperr.New(apperr.CodeRateLimited, "submission rate limit exceeded").WithDetail("principal", principal)
	}
	if err := s.store.Put(ctx, clone); err != nil {
		return domain.ScanTask{}, err
	}
	s.admit(clone)
	return clone, nil
}

func copyToolConfig(cfg map[string]string) map[string]string {
	if cfg == nil {
		return nil
	}
	out := make(map[string]string, len(cfg))
	for k, v := range cfg {
		out[k] = v
	}
	return out
}

// List pages through tasks visible to principal: non-admins see only their
// own (spec §4.1 "list").
func (s *Scheduler) List(ctx context.Context, principal string, isAdmin bool, filter domain.ListFilter, cursor string, limit int) (domain.Page, error) {
	filter.Principal = principal
	filter.IsAdmin = isAdmin
	return s.store.List(ctx, filter, cursor, limit)
}

// Stats aggregates counts by state/type/priority and average completed
// duration for tasks visible to principal (spec §4.1 "stats").
func (s *Scheduler) Stats(ctx context.Context, principal string, isAdmin bool) (domain.Stats, error) {
	return s.store.Stats(ctx, principal, isAdmin)
}

// Get fetches a single task, enforcing ownership for non-admins.
func (s *Scheduler) Get(ctx context.Context, id, principal string, isAdmin bool) (domain.ScanTask, error) {
	task, err := s.store.Get(ctx, id)
	if err != nil {
		return domain.ScanTask{}, err
	}
	if !isAdmin && task.Creator != principal {
		return domain.ScanTask{}, apperr.New(apperr.CodeForbidden, "not the task owner")
	}
	return task, nil
}

// Results returns a task's merged findings, enforcing ownership for
// non-admins (spec §6 "GET /scans/{id}/results").
func (s *Scheduler) Results(ctx context.Context, id, principal string, isAdmin bool) ([]domain.Finding, error) {
	if _, err := s.Get(ctx, id, principal, isAdmin); err != nil {
		return nil, err
	}
	return s.store.GetFindings(ctx, id)
}

// Artifacts returns a task's APISecurityPipeline output, enforcing
// ownership for non-admins.
func (s *Scheduler) Artifacts(ctx context.Context, id, principal string, isAdmin bool) (domain.APIArtifacts, error) {
	if _, err := s.Get(ctx, id, principal, isAdmin); err != nil {
		return domain.APIArtifacts{}, err
	}
	return s.store.GetAPIArtifacts(ctx, id)
}

// Delete removes a task and, per the store's cascade, its findings and API
// artefacts. Running tasks are refused rather than implicitly cancelled
// (spec §8 "Deleting a task in RUNNING": this implementation picks the
// "refused" branch; see DESIGN.md Open Questions).
func (s *Scheduler) Delete(ctx context.Context, id, principal string, isAdmin bool) error {
	task, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if !isAdmin && task.Creator != principal {
		return apperr.New(apperr.CodeForbidden, "not the task owner")
	}
	if task.State == domain.StateRunning || task.State == domain.StateCancelling {
		return apperr.New(apperr.CodeNotCancellable, "cannot delete a task while it is running; cancel it first")
	}
	return s.store.Delete(ctx, id)
}

// enforceHardDeadline force-transitions a CANCELLING task to CANCELLED if
// the worker has not acknowledged within cancel_hard_deadline (spec §5).
func (s *Scheduler) enforceHardDeadline(id string) {
	defer s.wg.Done()
	timer := time.NewTimer(s.cfg.CancelHardDeadline)
	defer timer.Stop()
	<-timer.C

	task, err := s.store.Get(context.Background(), id)
	if err != nil || task.State != domain.StateCancelling {
		return
	}
	if err := s.store.UpdateState(context.Background(), id, domain.StateCancelling, domain.StateCancelled, func(t *domain.ScanTask) {
		t.ErrorMessages = append(t.ErrorMessages, "worker unresponsive past cancel_hard_deadline; force-transitioned")
	}); err == nil {
		if forced, err := s.store.Get(context.Background(), id); err == nil {
			s.notifyTerminal(forced)
		}
	}
	s.log.WithField("task_id", id).Warn("forced CANCELLING->CANCELLED past hard deadline; worker marked suspect")
}

// dispatchLoop pops the highest-priority admitted task whenever a worker
// slot is free, grounded on the teacher's ticker-driven tick() loop.
func (s *Scheduler) dispatchLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.notify:
			s.drainQueue(ctx)
		case <-ticker.C:
			s.drainQueue(ctx)
		}
	}
}

func (s *Scheduler) drainQueue(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		s.mu.Lock()
		if s.queue.Len() == 0 {
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()

		if !s.sem.TryAcquire(1) {
			return
		}

		s.mu.Lock()
		item, ok := heap.Pop(&s.queue).(*queueItem)
		s.mu.Unlock()
		if !ok {
			s.sem.Release(1)
			return
		}

		atomic.AddInt64(&s.active, 1)
		s.wg.Add(1)
		go func(taskID string) {
			defer s.wg.Done()
			defer s.sem.Release(1)
			defer atomic.AddInt64(&s.active, -1)
			s.execute(ctx, taskID)
		}(item.taskID)
	}
}

// execute runs one task from PENDING through to a terminal state.
func (s *Scheduler) execute(ctx context.Context, taskID string) {
	log := s.log.WithField("task_id", taskID)

	err := s.store.UpdateState(ctx, taskID, domain.StatePending, domain.StateRunning, func(t *domain.ScanTask) {
		now := time.Now().UTC()
		t.StartedAt = &now
	})
	if err != nil {
		if err == domain.ErrCASMismatch {
			log.Debug("task no longer PENDING at dispatch time, skipping")
			return
		}
		log.WithError(err).Warn("failed to transition task to RUNNING")
		return
	}

	task, err := s.store.Get(ctx, taskID)
	if err != nil {
		log.WithError(err).Warn("failed to reload task after RUNNING transition")
		return
	}

	token := NewCancelToken()
	s.mu.Lock()
	s.tokens[taskID] = token
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.tokens, taskID)
		s.mu.Unlock()
	}()

	execCtx := ctx
	var cancelTimeout context.CancelFunc
	if task.MaxExecutionTime > 0 {
		execCtx, cancelTimeout = context.WithTimeout(ctx, task.MaxExecutionTime)
		defer cancelTimeout()
	}

	onProgress := func(p domain.Progress) {
		_ = s.store.UpdateState(ctx, taskID, domain.StateRunning, domain.StateRunning, func(t *domain.ScanTask) {
			t.Progress = p
		})
	}

	var result EngineResult
	if s.engine != nil {
		result, err = s.engine.Run(execCtx, task, token, onProgress)
	} else {
		err = apperr.New(apperr.CodeStageFailed, "no engine configured")
	}

	if token.Cancelled() {
		reason := token.Reason()
		if reason == "" && execCtx.Err() != nil {
			reason = "deadline exceeded"
		}
		if err := s.store.UpdateState(ctx, taskID, domain.StateCancelling, domain.StateCancelled, func(t *domain.ScanTask) {
			t.CancelReason = reason
			now := time.Now().UTC()
			t.CompletedAt = &now
		}); err == nil {
			if cancelled, gerr := s.store.Get(ctx, taskID); gerr == nil {
				s.notifyTerminal(cancelled)
			}
		}
		if len(result.Findings) > 0 {
			_ = s.store.AppendFindings(ctx, taskID, result.Findings)
		}
		return
	}

	if len(result.Findings) > 0 {
		if aerr := s.store.AppendFindings(ctx, taskID, result.Findings); aerr != nil {
			log.WithError(aerr).Warn("failed to persist findings")
		}
	}
	if result.Artifacts != nil {
		s.persistArtifacts(ctx, taskID, *result.Artifacts, log)
	}

	if err != nil || !result.Success {
		if s.shouldRetry(task, err) {
			s.retry(ctx, task)
			return
		}
		msg := "engine run failed"
		if err != nil {
			msg = err.Error()
		}
		if err := s.store.UpdateState(ctx, taskID, domain.StateRunning, domain.StateFailed, func(t *domain.ScanTask) {
			now := time.Now().UTC()
			t.CompletedAt = &now
			t.StageStatuses = result.StageStatuses
			t.ErrorMessages = append(t.ErrorMessages, append([]string{msg}, result.ErrorMessages...)...)
			t.Progress = result.Progress
		}); err == nil {
			if failed, gerr := s.store.Get(ctx, taskID); gerr == nil {
				s.notifyTerminal(failed)
			}
		}
		return
	}

	if err := s.store.UpdateState(ctx, taskID, domain.StateRunning, domain.StateCompleted, func(t *domain.ScanTask) {
		now := time.Now().UTC()
		t.CompletedAt = &now
		t.StageStatuses = result.StageStatuses
		t.ErrorMessages = append(t.ErrorMessages, result.ErrorMessages...)
		t.Progress = result.Progress
	}); err == nil {
		if completed, gerr := s.store.Get(ctx, taskID); gerr == nil {
			s.notifyTerminal(completed)
		}
	}
}

// persistArtifacts stores the APISecurityPipeline's per-phase output
// (spec §4.4); a failure on any one table is logged, not fatal, so a
// partial-persist never turns an otherwise-successful scan into FAILED.
func (s *Scheduler) persistArtifacts(ctx context.Context, taskID string, artifacts domain.APIArtifacts, log *logrus.Entry) {
	if len(artifacts.JSResources) > 0 {
		if err := s.store.PutJSResources(ctx, taskID, artifacts.JSResources); err != nil {
			log.WithError(err).Warn("failed to persist js resources")
		}
	}
	if len(artifacts.Endpoints) > 0 {
		if err := s.store.PutAPIEndpoints(ctx, taskID, artifacts.Endpoints); err != nil {
			log.WithError(err).Warn("failed to persist api endpoints")
		}
	}
	if len(artifacts.Microservices) > 0 {
		if err := s.store.PutMicroservices(ctx, taskID, artifacts.Microservices); err != nil {
			log.WithError(err).Warn("failed to persist microservices")
		}
	}
	if len(artifacts.Issues) > 0 {
		if err := s.store.PutAPISecurityIssues(ctx, taskID, artifacts.Issues); err != nil {
			log.WithError(err).Warn("failed to persist api security issues")
		}
	}
}

// shouldRetry applies the Scheduler's transient-failure requeue policy
// (spec §4.1 "retry policy for transient failures").
func (s *Scheduler) shouldRetry(task domain.ScanTask, err error) bool {
	if apperr.CodeOf(err) != apperr.CodeTransientTool {
		return false
	}
	return task.Retry.RetryCount < task.Retry.MaxRetries
}

func (s *Scheduler) retry(ctx context.Context, task domain.ScanTask) {
	delay := task.Retry.RetryDelay
	if delay <= 0 {
		delay = s.cfg.DefaultRetry.RetryDelay
	}
	err := s.store.UpdateState(ctx, task.ID, domain.StateRunning, domain.StatePending, func(t *domain.ScanTask) {
		t.Retry.RetryCount++
	})
	if err != nil {
		s.log.WithError(err).WithField("task_id", task.ID).Warn("failed to requeue task for retry")
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return
		}
		if refreshed, err := s.store.Get(ctx, task.ID); err == nil && refreshed.State == domain.StatePending {
			s.admit(refreshed)
		}
	}()
}

// Recover re-admits PENDING tasks and resets orphaned RUNNING tasks back
// to PENDING on process start (spec §4.1 "Persistence on transition").
func (s *Scheduler) Recover(ctx context.Context) error {
	for _, state := range []domain.State{domain.StateRunning, domain.StatePending} {
		cursor := ""
		for {
			page, err := s.store.List(ctx, domain.ListFilter{State: state, IsAdmin: true}, cursor, 100)
			if err != nil {
				return err
			}
			for _, task := range page.Tasks {
				if state == domain.StateRunning {
					if err := s.store.UpdateState(ctx, task.ID, domain.StateRunning, domain.StatePending, func(t *domain.ScanTask) {}); err != nil {
						continue
					}
					task.State = domain.StatePending
				}
				if task.Schedule.Kind == domain.ScheduleImmediate || task.Schedule.AtTime.Before(time.Now()) {
					s.admit(task)
				}
			}
			if page.NextCursor == "" {
				break
			}
			cursor = page.NextCursor
		}
	}
	return nil
}

// scheduleLoop evaluates at_time and recurring_cron schedules once per
// tick and admits tasks whose time has arrived, grounded on the teacher's
// automation.Scheduler.tick polling loop.
func (s *Scheduler) scheduleLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	parser := cronparse.NewParser(cronparse.Minute | cronparse.Hour | cronparse.Dom | cronparse.Month | cronparse.Dow)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tickSchedules(ctx, parser)
		}
	}
}

func (s *Scheduler) tickSchedules(ctx context.Context, parser cronparse.Parser) {
	now := time.Now()
	page, err := s.store.List(ctx, domain.ListFilter{State: domain.StatePending, IsAdmin: true}, "", 200)
	if err != nil {
		s.log.WithError(err).Debug("schedule tick: list failed")
		return
	}

	for _, task := range page.Tasks {
		switch task.Schedule.Kind {
		case domain.ScheduleAtTime:
			if !task.Schedule.AtTime.IsZero() && !task.Schedule.AtTime.After(now) {
				s.admit(task)
			}
		case domain.ScheduleCron:
			sched, err := parser.Parse(task.Schedule.Cron)
			if err != nil {
				continue
			}
			s.mu.Lock()
			last, seen := s.cronLast[task.ID]
			if !seen {
				last = task.CreatedAt
			}
			s.mu.Unlock()
			next := sched.Next(last)
			if next.After(now) {
				continue
			}
			s.mu.Lock()
			s.cronLast[task.ID] = now
			s.mu.Unlock()
			s.admit(s.cloneForRun(task))
		}
	}
}

// cloneForRun materialises one immediate run of a recurring-cron task,
// leaving the parent PENDING so future ticks fire again.
func (s *Scheduler) cloneForRun(parent domain.ScanTask) domain.ScanTask {
	now := time.Now().UTC()
	child := parent
	child.ID = uuid.NewString()
	child.ParentTaskID = parent.ID
	child.ChildTaskIDs = nil
	child.Schedule = domain.Schedule{Kind: domain.ScheduleImmediate}
	child.State = domain.StatePending
	child.CreatedAt = now
	child.UpdatedAt = now
	child.StartedAt = nil
	child.CompletedAt = nil
	child.Progress = domain.Progress{}
	child.StageStatuses = nil
	child.ErrorMessages = nil
	if err := s.store.Put(context.Background(), child); err != nil {
		s.log.WithError(err).Warn("failed to materialise cron run")
	}
	return child
}
