package scanner

import "time"

// StageSpec is one node in a task-type's stage DAG (spec §4.2).
type StageSpec struct {
	ID         string
	DependsOn  []string
	Optional   bool
	Timeout    time.Duration
	Adapter    ToolAdapter
}

// StageDAG is the declared set of stages for one task type, keyed by
// spec.domain.TaskType at registration time (see Engine.RegisterStages).
type StageDAG []StageSpec

// ready returns the subset of stages whose dependencies are all present
// in done, excluding stages already in done.
func (d StageDAG) ready(done map[string]bool) []StageSpec {
	var out []StageSpec
	for _, stage := range d {
		if done[stage.ID] {
			continue
		}
		allDepsMet := true
		for _, dep := range stage.DependsOn {
			if !done[dep] {
				allDepsMet = false
				break
			}
		}
		if allDepsMet {
			out = append(out, stage)
		}
	}
	return out
}

func (d StageDAG) remaining(done map[string]bool) bool {
	for _, stage := range d {
		if !done[stage.ID] {
			return true
		}
	}
	return false
}
