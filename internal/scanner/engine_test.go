package scanner

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scanforge/socscan/internal/domain"
	"github.com/scanforge/socscan/internal/scheduler"
)

// passThroughAdapter drives Engine.Run's stage machinery down to
// exec.LookPath using real POSIX utilities ("true") or a deliberately
// absent binary, without depending on any real scan tool being installed.
type passThroughAdapter struct {
	name string
	exec string
}

func (a passThroughAdapter) Name() string      { return a.name }
func (a passThroughAdapter) Executable() string { return a.exec }
func (a passThroughAdapter) Build(targets []string, cfg map[string]string) []string { return nil }
func (a passThroughAdapter) OutputFormat() OutputFormat                              { return FormatPlainLines }
func (a passThroughAdapter) Parse(r io.Reader) ([]domain.Finding, error) {
	return []domain.Finding{{Title: "ok", Severity: domain.SeverityLow, Target: domain.Target{Host: "h"}}}, nil
}

func TestEngine_RunMissingExecutableSkipsStage(t *testing.T) {
	e := New(DefaultConfig(), nil, nil)
	e.RegisterStages(domain.TaskTypePortScan, StageDAG{
		{ID: "s1", Adapter: passThroughAdapter{name: "s1", exec: "socscan-definitely-not-a-real-binary"}},
	})

	task := domain.ScanTask{ID: "t1", TaskType: domain.TaskTypePortScan, Targets: []string{"example.com"}}
	token := scheduler.NewCancelToken()
	result, err := e.Run(context.Background(), task, token, nil)
	require.NoError(t, err)
	require.Len(t, result.StageStatuses, 1)
	assert.Equal(t, "STAGE_SKIPPED", result.StageStatuses[0].Status)
	assert.False(t, result.Success)
}

func TestEngine_RunUnregisteredTaskTypeErrors(t *testing.T) {
	e := New(DefaultConfig(), nil, nil)
	task := domain.ScanTask{ID: "t1", TaskType: domain.TaskTypeAPISecurity, Targets: []string{"x"}}
	_, err := e.Run(context.Background(), task, scheduler.NewCancelToken(), nil)
	require.Error(t, err)
}

func TestEngine_RunAlreadyCancelledTokenProducesCancelledStages(t *testing.T) {
	e := New(DefaultConfig(), nil, nil)
	e.RegisterStages(domain.TaskTypePortScan, StageDAG{
		{ID: "s1", Adapter: passThroughAdapter{name: "s1", exec: "true"}},
	})
	task := domain.ScanTask{ID: "t1", TaskType: domain.TaskTypePortScan, Targets: []string{"example.com"}}
	token := scheduler.NewCancelToken()
	token.Flip("test-cancel")

	result, err := e.Run(context.Background(), task, token, nil)
	require.NoError(t, err)
	require.Len(t, result.StageStatuses, 1)
	assert.Equal(t, "STAGE_CANCELLED", result.StageStatuses[0].Status)
}

// TestEngine_RunProgressNeverExceedsTotalTargets guards against the
// stage-count-vs-target-count mismatch: a multi-stage DAG run against a
// single target must never report processed_targets > total_targets, in
// any progress tick or in the final result.
func TestEngine_RunProgressNeverExceedsTotalTargets(t *testing.T) {
	e := New(DefaultConfig(), nil, nil)
	e.RegisterStages(domain.TaskTypeComprehensive, StageDAG{
		{ID: "s1", Adapter: passThroughAdapter{name: "s1", exec: "true"}},
		{ID: "s2", Adapter: passThroughAdapter{name: "s2", exec: "true"}, DependsOn: []string{"s1"}},
		{ID: "s3", Adapter: passThroughAdapter{name: "s3", exec: "true"}, DependsOn: []string{"s2"}},
		{ID: "s4", Adapter: passThroughAdapter{name: "s4", exec: "true"}, DependsOn: []string{"s3"}},
	})

	task := domain.ScanTask{ID: "t1", TaskType: domain.TaskTypeComprehensive, Targets: []string{"example.com"}}
	token := scheduler.NewCancelToken()

	var ticks []domain.Progress
	result, err := e.Run(context.Background(), task, token, func(p domain.Progress) {
		ticks = append(ticks, p)
	})
	require.NoError(t, err)
	require.NotEmpty(t, ticks)
	for _, p := range ticks {
		assert.LessOrEqual(t, p.ProcessedTargets, p.TotalTargets)
	}
	assert.Equal(t, result.Progress.TotalTargets, result.Progress.ProcessedTargets)
}

func TestStageDAG_ReadyRespectsDependencies(t *testing.T) {
	dag := StageDAG{
		{ID: "a"},
		{ID: "b", DependsOn: []string{"a"}},
	}
	ready := dag.ready(map[string]bool{})
	require.Len(t, ready, 1)
	assert.Equal(t, "a", ready[0].ID)

	ready = dag.ready(map[string]bool{"a": true})
	require.Len(t, ready, 1)
	assert.Equal(t, "b", ready[0].ID)
}
