package schema

import "encoding/json"

// StepKind classifies a plan step and determines which worker executes it.
type StepKind string

const (
	StepKindResearch  StepKind = "research"
	StepKindCode      StepKind = "code"
	StepKindDatabase  StepKind = "database"
	StepKindCalculate StepKind = "calculate"
	StepKindChart     StepKind = "chart"
	StepKindThink     StepKind = "think"
	StepKindReview    StepKind = "review"
)

// Sequential reports whether the kind must run alone, never inside a
// parallel batch. Review and think steps read the full accumulated state
// and cannot tolerate concurrent siblings.
func (k StepKind) Sequential() bool {
	return k == StepKindReview || k == StepKindThink
}

// Step is a single unit of work inside a plan.
type Step struct {
	Number      int             `json:"step_number"`
	Description string          `json:"description"`
	Worker      string          `json:"assigned_worker,omitempty"`
	Kind        StepKind        `json:"step_kind"`
	DependsOn   []int           `json:"depends_on,omitempty"`
	Condition   string          `json:"condition,omitempty"` // expr expression over collected results
	Params      json.RawMessage `json:"params,omitempty"`
}

// Plan is the ordered list of steps produced for a query.
type Plan struct {
	Steps   []Step `json:"steps"`
	Version int    `json:"plan_version"`
}

// StepResult records the outcome of one executed step.
type StepResult struct {
	Step   int    `json:"step"`
	Result string `json:"result"`
	Agent  string `json:"agent"`
}

// Phase is the engine's top-level state.
type Phase string

const (
	PhasePlan        Phase = "plan"
	PhaseExecuteStep Phase = "execute_step"
	PhaseSynthesize  Phase = "synthesize"
	PhaseDone        Phase = "done"
)

// InterventionAction is an external decision on an exhausted failure.
type InterventionAction string

const (
	ActionRetry InterventionAction = "retry"
	ActionSkip  InterventionAction = "skip"
	ActionAbort InterventionAction = "abort"
)

// ValidAction reports whether s names a known intervention action.
func ValidAction(s string) bool {
	switch InterventionAction(s) {
	case ActionRetry, ActionSkip, ActionAbort:
		return true
	}
	return false
}

// NodeType classifies a working-memory node.
type NodeType string

const (
	NodeThought NodeType = "thought"
	NodeStep    NodeType = "step"
	NodeError   NodeType = "error"
	NodeSkipped NodeType = "skipped"
	NodeAborted NodeType = "aborted"
	NodeResult  NodeType = "result"
)

// NodeStatus is the lifecycle state of a working-memory node.
type NodeStatus string

const (
	StatusPending   NodeStatus = "pending"
	StatusRunning   NodeStatus = "running"
	StatusCompleted NodeStatus = "completed"
	StatusFailed    NodeStatus = "failed"
)
