package schema

// Event type constants for the per-session outbound stream.
const (
	EventMemoryUpdate   = "memory_update"
	EventNodeAdded      = "node_added"
	EventNodeUpdated    = "node_updated"
	EventTimelineUpdate = "timeline_update"
	EventStepProgress   = "step_progress"
	EventThought        = "thought"
	EventMessageChunk   = "message_chunk"
	EventError          = "error"
	EventRetry          = "retry"
	EventIntervention   = "intervention"
	EventComplete       = "complete"
)

// StepProgress is the payload of a step_progress event.
// StepNumber is 1-indexed.
type StepProgress struct {
	StepNumber         int     `json:"step_number"`
	TotalSteps         int     `json:"total_steps"`
	Description        string  `json:"description,omitempty"`
	ProgressPercentage float64 `json:"progress_percentage"`
}

// MessageChunk is the payload of a message_chunk event.
type MessageChunk struct {
	Delta      string `json:"delta"`
	IsComplete bool   `json:"is_complete"`
}

// InterventionPrompt is the payload of an error event that requires an
// external decision. Actions is always {retry, skip, abort}.
type InterventionPrompt struct {
	Error   *AgentError          `json:"error"`
	Actions []InterventionAction `json:"actions"`
}

// AvailableActions returns the action set offered on retry exhaustion.
func AvailableActions() []InterventionAction {
	return []InterventionAction{ActionRetry, ActionSkip, ActionAbort}
}
