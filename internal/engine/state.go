package engine

import (
	"sync"

	"github.com/stewardai/steward/pkg/schema"
)

// WorkflowState is the single mutable record threaded through phase
// transitions. Transitions never mutate it directly; each returns a
// Patch that Apply folds in. The one exception is the intervention
// window: the resolution hooks record CurrentError while the run is
// parked inside the supervisor, where no patch can flow.
type WorkflowState struct {
	SessionID   string
	UserMessage string
	Phase       schema.Phase

	Plan        *schema.Plan
	PlanVersion int
	ActiveStep  int

	Results     []schema.StepResult
	LastOutputs map[string]string

	RetryCount int
	ErrorLog   []*schema.AgentError

	// errMu guards Awaiting/CurrentError: failing members of a parallel
	// batch write them from pool goroutines.
	errMu        sync.Mutex
	Awaiting     bool
	CurrentError *schema.AgentError

	ReplanFeedback string
	FinalAnswer    string
}

// NewWorkflowState seeds the record for a fresh run.
func NewWorkflowState(sessionID, query string) *WorkflowState {
	return &WorkflowState{
		SessionID:   sessionID,
		UserMessage: query,
		Phase:       schema.PhasePlan,
		LastOutputs: make(map[string]string),
	}
}

// Patch is the delta one transition produces. Zero-valued fields leave
// the state untouched; Results and Errors append; Outputs merge.
type Patch struct {
	Phase       schema.Phase
	Plan        *schema.Plan
	PlanVersion *int
	ActiveStep  *int

	Results []schema.StepResult
	Outputs map[string]string

	RetryCount *int
	Errors     []*schema.AgentError

	ReplanFeedback *string
	FinalAnswer    *string
}

// setCurrentError records the fault the session is parked on, or clears
// it on resolution. The awaiting flag is derived, never set
// independently: awaiting == (current error != nil) always holds.
func (s *WorkflowState) setCurrentError(agentErr *schema.AgentError) {
	s.errMu.Lock()
	s.CurrentError = agentErr
	s.Awaiting = agentErr != nil
	s.errMu.Unlock()
}

// awaiting reports the pending intervention error, if any.
func (s *WorkflowState) awaiting() (*schema.AgentError, bool) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.CurrentError, s.Awaiting
}

// Apply folds a patch into the state.
func (s *WorkflowState) Apply(p Patch) {
	if p.Phase != "" {
		s.Phase = p.Phase
	}
	if p.Plan != nil {
		s.Plan = p.Plan
	}
	if p.PlanVersion != nil {
		s.PlanVersion = *p.PlanVersion
	}
	if p.ActiveStep != nil {
		s.ActiveStep = *p.ActiveStep
	}
	s.Results = append(s.Results, p.Results...)
	for worker, out := range p.Outputs {
		s.LastOutputs[worker] = out
	}
	if p.RetryCount != nil {
		s.RetryCount = *p.RetryCount
	}
	s.ErrorLog = append(s.ErrorLog, p.Errors...)
	if p.ReplanFeedback != nil {
		s.ReplanFeedback = *p.ReplanFeedback
	}
	if p.FinalAnswer != nil {
		s.FinalAnswer = *p.FinalAnswer
	}
}

// phaseTransitions is the allowed phase graph.
var phaseTransitions = map[schema.Phase][]schema.Phase{
	schema.PhasePlan:        {schema.PhaseExecuteStep, schema.PhaseSynthesize, schema.PhaseDone},
	schema.PhaseExecuteStep: {schema.PhaseExecuteStep, schema.PhasePlan, schema.PhaseSynthesize, schema.PhaseDone},
	schema.PhaseSynthesize:  {schema.PhaseDone},
	schema.PhaseDone:        {},
}

// ValidTransition reports whether from → to is an allowed phase move.
func ValidTransition(from, to schema.Phase) bool {
	for _, allowed := range phaseTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

func intPtr(v int) *int       { return &v }
func strPtr(v string) *string { return &v }
