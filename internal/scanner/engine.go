// Package scanner implements the ScannerEngine: for one task, it runs the
// declared stage DAG's tool adapters with bounded concurrency, feeds their
// findings into a per-task VulnerabilityMerger, and reports partial
// success per spec §4.2.
package scanner

import (
	"bytes"
	"context"
	"os/exec"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/scanforge/socscan/internal/apperr"
	"github.com/scanforge/socscan/internal/domain"
	"github.com/scanforge/socscan/internal/logger"
	"github.com/scanforge/socscan/internal/merger"
	"github.com/scanforge/socscan/internal/scheduler"
)

// EventPublisher is the engine's seam into the EventBus, kept narrow so
// this package never imports the HTTP layer. principal routes the event to
// the right subscriber set (spec §2 "per-user subscribers"); the Engine is
// shared across every task regardless of who created it, so it is passed
// per call rather than bound once at construction.
type EventPublisher interface {
	PublishProgress(principal, taskID string, seq uint64, phase string, percent, processed, total int)
	PublishFinding(principal, taskID, findingID, severity, title, source string)
}

// APISecurityRunner is the engine's seam into the APISecurityPipeline
// (spec §4.2 stage-selection table: "api_security | delegated to
// APISecurityPipeline (§4.4)"). Kept narrow and interface-typed so this
// package doesn't import internal/apisec's HTTP/goja dependencies unless
// a pipeline is actually wired in.
type APISecurityRunner interface {
	Run(ctx context.Context, taskID string, targets []string) (domain.APIArtifacts, []domain.Finding, error)
}

// Config controls subprocess concurrency and default timeouts (spec §6
// "engine.max_concurrent_subprocesses_per_task").
type Config struct {
	MaxConcurrentSubprocessesPerTask int
	DefaultStageTimeout              time.Duration
	CancelGracePeriod                time.Duration
	StderrCaptureBytes               int
	Merger                           merger.Config
}

// DefaultConfig matches spec.md §6's defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentSubprocessesPerTask: 4,
		DefaultStageTimeout:              120 * time.Second,
		CancelGracePeriod:                5 * time.Second,
		StderrCaptureBytes:               4096,
		Merger:                           merger.DefaultConfig(),
	}
}

// Engine is the ScannerEngine (spec §4.2). It implements
// scheduler.Engine so the Scheduler can drive it without knowing about
// stages or tool adapters.
type Engine struct {
	cfg         Config
	log         *logger.Logger
	bus         EventPublisher
	stages      map[domain.TaskType]StageDAG
	apiSecurity APISecurityRunner
}

var _ scheduler.Engine = (*Engine)(nil)

// New constructs an Engine with no stages registered; call RegisterStages
// per task type before Run is invoked for that type.
func New(cfg Config, log *logger.Logger, bus EventPublisher) *Engine {
	if cfg.MaxConcurrentSubprocessesPerTask <= 0 {
		cfg.MaxConcurrentSubprocessesPerTask = DefaultConfig().MaxConcurrentSubprocessesPerTask
	}
	if cfg.DefaultStageTimeout <= 0 {
		cfg.DefaultStageTimeout = DefaultConfig().DefaultStageTimeout
	}
	if cfg.CancelGracePeriod <= 0 {
		cfg.CancelGracePeriod = DefaultConfig().CancelGracePeriod
	}
	if log == nil {
		log = logger.NewDefault("scanner-engine")
	}
	return &Engine{cfg: cfg, log: log, bus: bus, stages: make(map[domain.TaskType]StageDAG)}
}

// RegisterStages binds a stage DAG to a task type.
func (e *Engine) RegisterStages(taskType domain.TaskType, dag StageDAG) {
	e.stages[taskType] = dag
}

// WithAPISecurity attaches the APISecurityPipeline seam used for
// domain.TaskTypeAPISecurity, which bypasses the stage DAG entirely (spec
// §4.2 stage-selection table).
func (e *Engine) WithAPISecurity(r APISecurityRunner) *Engine {
	e.apiSecurity = r
	return e
}

// Run executes task's stage DAG to completion, cancellation, or timeout
// (spec §4.2).
func (e *Engine) Run(ctx context.Context, task domain.ScanTask, token *scheduler.CancelToken, onProgress func(domain.Progress)) (scheduler.EngineResult, error) {
	if task.TaskType == domain.TaskTypeAPISecurity {
		return e.runAPISecurity(ctx, task, onProgress)
	}

	dag, ok := e.stages[task.TaskType]
	if !ok || len(dag) == 0 {
		return scheduler.EngineResult{}, apperr.New(apperr.CodeInvalidConfig, "no stages registered for task type").WithDetail("task_type", string(task.TaskType))
	}

	mergerCfg := e.cfg.Merger
	m := merger.New(mergerCfg)

	var (
		mu              sync.Mutex
		done            = make(map[string]bool)
		statuses        []domain.StageStatus
		seq             uint64
		completedStages int
	)
	sem := semaphore.NewWeighted(int64(e.cfg.MaxConcurrentSubprocessesPerTask))
	totalStages := len(dag)

	progress := domain.Progress{TotalTargets: len(task.Targets)}
	reportProgress := func(phase string) {
		mu.Lock()
		p := progress
		seq++
		s := seq
		mu.Unlock()
		if onProgress != nil {
			onProgress(p)
		}
		if e.bus != nil {
			e.bus.PublishProgress(task.Creator, task.ID, s, phase, p.Percent(), p.ProcessedTargets, p.TotalTargets)
		}
	}

	for {
		select {
		case <-token.Done():
			mu.Lock()
			for _, stage := range dag {
				if !done[stage.ID] {
					statuses = append(statuses, domain.StageStatus{StageID: stage.ID, Status: "STAGE_CANCELLED", EndedAt: time.Now().UTC()})
					done[stage.ID] = true
				}
			}
			mu.Unlock()
			return scheduler.EngineResult{Success: false, Findings: m.Merged(), StageStatuses: statuses, Progress: progress}, nil
		case <-ctx.Done():
			mu.Lock()
			for _, stage := range dag {
				if !done[stage.ID] {
					statuses = append(statuses, domain.StageStatus{StageID: stage.ID, Status: "STAGE_TIMEOUT", Error: ctx.Err().Error(), EndedAt: time.Now().UTC()})
					done[stage.ID] = true
				}
			}
			mu.Unlock()
			return scheduler.EngineResult{Success: false, Findings: m.Merged(), StageStatuses: statuses, Progress: progress}, nil
		default:
		}

		mu.Lock()
		ready := dag.ready(done)
		stillRemaining := dag.remaining(done)
		mu.Unlock()

		if len(ready) == 0 {
			if stillRemaining {
				// A finished stage counts as done whatever its status, so
				// only a DependsOn naming a stage absent from this DAG
				// lands here; mark the rest skipped and stop.
				mu.Lock()
				for _, stage := range dag {
					if !done[stage.ID] {
						statuses = append(statuses, domain.StageStatus{StageID: stage.ID, Status: "STAGE_SKIPPED", Error: "unmet dependency", EndedAt: time.Now().UTC()})
						done[stage.ID] = true
					}
				}
				mu.Unlock()
			}
			break
		}

		group, groupCtx := errgroup.WithContext(ctx)
		for _, stage := range ready {
			stage := stage
			group.Go(func() error {
				if err := sem.Acquire(groupCtx, 1); err != nil {
					return nil
				}
				defer sem.Release(1)

				status, findings := e.runStage(groupCtx, stage, task, token)

				mu.Lock()
				statuses = append(statuses, status)
				done[stage.ID] = true
				completedStages++
				// ProcessedTargets tracks the fraction of the target set
				// covered by completed stages, not a raw stage count, so the
				// persisted processed_targets <= total_targets invariant
				// holds regardless of how many DAG stages run per target.
				if completedStages >= totalStages {
					progress.ProcessedTargets = progress.TotalTargets
				} else {
					progress.ProcessedTargets = completedStages * progress.TotalTargets / totalStages
				}
				if status.Status == "COMPLETED" {
					progress.SuccessCount++
				} else {
					progress.ErrorCount++
				}
				mu.Unlock()

				now := time.Now().UTC()
				for _, f := range findings {
					f.StageID = stage.ID
					m.Add(f, stage.Adapter.Name(), now)
					if e.bus != nil {
						e.bus.PublishFinding(task.Creator, task.ID, f.ID, string(f.Severity), f.Title, stage.Adapter.Name())
					}
				}
				reportProgress(stage.ID)
				return nil
			})
		}
		_ = group.Wait()
	}

	merged := m.Merged()
	completedCount := 0
	var errorMessages []string
	for _, st := range statuses {
		if st.Status == "COMPLETED" {
			completedCount++
		}
		if st.Error != "" {
			errorMessages = append(errorMessages, st.StageID+": "+st.Error)
		}
	}

	return scheduler.EngineResult{
		Success:       completedCount > 0,
		Findings:      merged,
		StageStatuses: statuses,
		ErrorMessages: errorMessages,
		Progress:      progress,
	}, nil
}

// runAPISecurity delegates an api_security task to the APISecurityPipeline
// seam in full (spec §4.2: "api_security | delegated to APISecurityPipeline
// (§4.4)"), reporting a single progress tick on completion since the
// pipeline's five phases are opaque to the Scheduler's progress model.
func (e *Engine) runAPISecurity(ctx context.Context, task domain.ScanTask, onProgress func(domain.Progress)) (scheduler.EngineResult, error) {
	if e.apiSecurity == nil {
		return scheduler.EngineResult{}, apperr.New(apperr.CodeInvalidConfig, "no APISecurityPipeline configured")
	}

	artifacts, findings, err := e.apiSecurity.Run(ctx, task.ID, task.Targets)
	progress := domain.Progress{
		TotalTargets:     len(task.Targets),
		ProcessedTargets: len(task.Targets),
		SuccessCount:     len(task.Targets),
	}
	if err != nil {
		progress.ErrorCount = len(task.Targets)
		progress.SuccessCount = 0
	}
	if onProgress != nil {
		onProgress(progress)
	}
	if e.bus != nil {
		e.bus.PublishProgress(task.Creator, task.ID, 1, "api-security", progress.Percent(), progress.ProcessedTargets, progress.TotalTargets)
		for _, f := range findings {
			e.bus.PublishFinding(task.Creator, task.ID, f.ID, string(f.Severity), f.Title, "apisec")
		}
	}
	if err != nil {
		return scheduler.EngineResult{Success: false, ErrorMessages: []string{err.Error()}, Progress: progress}, err
	}

	return scheduler.EngineResult{
		Success:  true,
		Findings: findings,
		StageStatuses: []domain.StageStatus{{
			StageID: "api-security", Status: "COMPLETED", EndedAt: time.Now().UTC(),
		}},
		Progress:  progress,
		Artifacts: &artifacts,
	}, nil
}

// runStage invokes one tool adapter: resolves the executable, enforces the
// stage timeout, captures stdout/stderr, and parses the result.
func (e *Engine) runStage(ctx context.Context, stage StageSpec, task domain.ScanTask, token *scheduler.CancelToken) (domain.StageStatus, []domain.Finding) {
	logEntry := e.log.WithField("task_id", task.ID).WithField("stage", stage.ID)

	path, err := exec.LookPath(stage.Adapter.Executable())
	if err != nil {
		logEntry.Warn("tool executable not found, skipping stage")
		return domain.StageStatus{StageID: stage.ID, Status: "STAGE_SKIPPED", Error: "executable not found", EndedAt: time.Now().UTC()}, nil
	}

	timeout := stage.Timeout
	if timeout <= 0 {
		timeout = e.cfg.DefaultStageTimeout
	}
	stageCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	stopWatch := make(chan struct{})
	defer close(stopWatch)
	watchCtx, watchCancel := context.WithCancel(stageCtx)
	defer watchCancel()
	go func() {
		select {
		case <-token.Done():
			watchCancel()
		case <-stopWatch:
		}
	}()

	args := stage.Adapter.Build(task.Targets, task.ToolConfig)
	cmd := exec.CommandContext(watchCtx, path, args...)

	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()

	if token.Cancelled() {
		return domain.StageStatus{StageID: stage.ID, Status: "STAGE_CANCELLED", EndedAt: time.Now().UTC()}, nil
	}
	if stageCtx.Err() == context.DeadlineExceeded {
		return domain.StageStatus{StageID: stage.ID, Status: "STAGE_TIMEOUT", Error: "stage timed out", EndedAt: time.Now().UTC()}, nil
	}
	if runErr != nil {
		return domain.StageStatus{
			StageID: stage.ID,
			Status:  "STAGE_FAILED",
			Error:   truncate(stderr.String(), e.cfg.StderrCaptureBytes),
			EndedAt: time.Now().UTC(),
		}, nil
	}

	findings, parseErr := stage.Adapter.Parse(&stdout)
	if parseErr != nil {
		return domain.StageStatus{StageID: stage.ID, Status: "STAGE_FAILED", Error: parseErr.Error(), EndedAt: time.Now().UTC()}, nil
	}

	return domain.StageStatus{StageID: stage.ID, Status: "COMPLETED", Findings: len(findings), EndedAt: time.Now().UTC()}, findings
}

func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	return s[:n]
}
