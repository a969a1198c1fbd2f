package router

import "github.com/stewardai/steward/pkg/schema"

// Worker identifiers the router dispatches to.
const (
	WorkerResearcher = "researcher"
	WorkerTools      = "tools"
	WorkerDatabase   = "database"
	WorkerMaster     = "master"
)

// WorkerFor maps a step kind to the worker that executes it. Unknown
// kinds fall back to the master worker, which can handle free-form work.
func WorkerFor(kind schema.StepKind) string {
	switch kind {
	case schema.StepKindResearch:
		return WorkerResearcher
	case schema.StepKindCode, schema.StepKindCalculate, schema.StepKindChart:
		return WorkerTools
	case schema.StepKindDatabase:
		return WorkerDatabase
	case schema.StepKindReview, schema.StepKindThink:
		return WorkerMaster
	default:
		return WorkerMaster
	}
}

// DefaultMaxBatch bounds how many steps a single batch may dispatch.
const DefaultMaxBatch = 3

// FindParallelBatch returns the 0-based indices of plan steps that may be
// dispatched together starting at start. Construction is greedy
// left-to-right and fully deterministic for a given plan:
//
//   - the step at start is always included (a valid start never yields an
//     empty batch);
//   - review/think steps run alone: a sequential-only step at start forms
//     a singleton batch, and scanning stops at the first one after start;
//   - a step whose depends_on is not satisfied — completed before start
//     or already included in this batch — is excluded and ends the scan,
//     since later steps usually chain on it;
//   - the batch never exceeds maxBatch (DefaultMaxBatch when <= 0).
func FindParallelBatch(plan *schema.Plan, start, maxBatch int) []int {
	if plan == nil || start < 0 || start >= len(plan.Steps) {
		return nil
	}
	if maxBatch <= 0 {
		maxBatch = DefaultMaxBatch
	}

	first := plan.Steps[start]
	if first.Kind.Sequential() {
		return []int{start}
	}

	batch := []int{start}
	included := map[int]bool{first.Number: true}

	for i := start + 1; i < len(plan.Steps) && len(batch) < maxBatch; i++ {
		step := plan.Steps[i]
		if step.Kind.Sequential() {
			break
		}
		if !depsSatisfied(step, start, included) {
			break
		}
		batch = append(batch, i)
		included[step.Number] = true
	}
	return batch
}

// depsSatisfied reports whether every dependency of step is satisfied:
// either completed before the batch start or already a member of this
// batch. dep is a 1-indexed step number; steps numbered <= start have
// already completed when the batch begins.
func depsSatisfied(step schema.Step, start int, included map[int]bool) bool {
	for _, dep := range step.DependsOn {
		if dep <= start {
			continue
		}
		if !included[dep] {
			return false
		}
	}
	return true
}
