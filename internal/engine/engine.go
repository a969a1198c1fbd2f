package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/stewardai/steward/internal/condition"
	"github.com/stewardai/steward/internal/extract"
	"github.com/stewardai/steward/internal/logging"
	"github.com/stewardai/steward/internal/memory"
	"github.com/stewardai/steward/internal/policy"
	"github.com/stewardai/steward/internal/registry"
	"github.com/stewardai/steward/internal/router"
	"github.com/stewardai/steward/internal/stream"
	"github.com/stewardai/steward/pkg/schema"
)

// Planner produces and refines plans for a query.
type Planner interface {
	CreatePlan(ctx context.Context, query string, prior []schema.StepResult) (*schema.Plan, error)
	RefinePlan(ctx context.Context, plan *schema.Plan, feedback string, prior []schema.StepResult) (*schema.Plan, error)
}

// Workers invokes worker capabilities keyed by worker identifier.
type Workers interface {
	Invoke(ctx context.Context, worker string, step schema.Step, query, stepContext string) (string, error)
	Chat(ctx context.Context, query string, onDelta func(delta string)) (string, error)
	Synthesize(ctx context.Context, query string, results []schema.StepResult) (string, error)
}

// Store is the persistence collaborator. The engine tolerates a nil
// store and logs persistence failures without failing the workflow.
type Store interface {
	AppendMessage(ctx context.Context, sessionID, role, content string) error
	SaveSnapshot(ctx context.Context, snap *memory.Snapshot) error
}

// Config tunes the engine.
type Config struct {
	MaxBatch            int
	PoolSize            int
	InterventionTimeout time.Duration
}

const defaultPoolSize = 8

// Engine drives one workflow per session through the PLAN, EXECUTE_STEP,
// SYNTHESIZE, DONE phases. It owns no retry logic: faults are handed to
// the policy supervisor and come back settled.
type Engine struct {
	planner     Planner
	workers     Workers
	store       Store
	shards      *memory.Shards
	bus         *stream.Bus
	coordinator *policy.Coordinator
	supervisor  *policy.Supervisor
	tasks       *registry.Registry
	conditions  *condition.Evaluator
	extractor   *extract.Extractor
	pool        *Pool
	logger      *slog.Logger
	maxBatch    int
}

// New wires an Engine. store may be nil; logger defaults to slog.Default.
func New(cfg Config, planner Planner, workers Workers, store Store, shards *memory.Shards, bus *stream.Bus, tasks *registry.Registry, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	maxBatch := cfg.MaxBatch
	if maxBatch <= 0 {
		maxBatch = router.DefaultMaxBatch
	}
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = defaultPoolSize
	}
	coordinator := policy.NewCoordinator(cfg.InterventionTimeout)
	return &Engine{
		planner:     planner,
		workers:     workers,
		store:       store,
		shards:      shards,
		bus:         bus,
		coordinator: coordinator,
		supervisor:  policy.NewSupervisor(coordinator, logger),
		tasks:       tasks,
		conditions:  condition.New(),
		extractor:   extract.New(),
		pool:        NewPool(poolSize),
		logger:      logger,
		maxBatch:    maxBatch,
	}
}

// Result is what start_workflow returns to the caller.
type Result struct {
	FinalAnswer string       `json:"final_answer"`
	Plan        *schema.Plan `json:"plan,omitempty"`
}

// Run executes a workflow to completion for the session. deep_search
// false short-circuits to a single-turn chat reply with no planning.
// Run is synchronous; callers wanting fire-and-forget spawn it through
// the task registry.
func (e *Engine) Run(ctx context.Context, query, sessionID string, deepSearch bool) (*Result, error) {
	if sessionID == "" {
		return nil, schema.NewError(schema.ErrKindValidation, "session_id is required")
	}
	if query == "" {
		return nil, schema.NewError(schema.ErrKindValidation, "query is required")
	}

	ctx = logging.WithSessionID(ctx, sessionID)
	sessCtx := e.tasks.SessionContext(ctx, sessionID)
	mem := e.shards.ForSession(sessionID)

	e.appendMessage(sessCtx, sessionID, "user", query)

	if !deepSearch {
		return e.runChat(sessCtx, sessionID, query)
	}

	state := NewWorkflowState(sessionID, query)
	for state.Phase != schema.PhaseDone {
		if err := sessCtx.Err(); err != nil {
			e.logger.InfoContext(sessCtx, "workflow cancelled")
			e.bus.Close(sessionID)
			return nil, err
		}

		var patch Patch
		var err error
		switch state.Phase {
		case schema.PhasePlan:
			patch, err = e.runPlan(sessCtx, mem, state)
		case schema.PhaseExecuteStep:
			patch, err = e.runExecute(sessCtx, mem, state)
		case schema.PhaseSynthesize:
			patch, err = e.runSynthesize(sessCtx, mem, state)
		default:
			err = schema.NewErrorf(schema.ErrKindExecution, "engine in unknown phase %q", state.Phase)
		}
		if err != nil {
			e.bus.Close(sessionID)
			return nil, err
		}
		if patch.Phase != "" && !ValidTransition(state.Phase, patch.Phase) {
			e.bus.Close(sessionID)
			return nil, schema.NewErrorf(schema.ErrKindExecution,
				"invalid phase transition %s -> %s", state.Phase, patch.Phase)
		}
		state.Apply(patch)
	}

	e.finish(sessCtx, mem, state)
	return &Result{FinalAnswer: state.FinalAnswer, Plan: state.Plan}, nil
}

// ResolveIntervention delivers an external retry/skip/abort decision to
// a session awaiting one.
func (e *Engine) ResolveIntervention(sessionID string, action schema.InterventionAction) error {
	return e.coordinator.Resolve(sessionID, action)
}

// Awaiting reports the session's pending intervention error, if any.
func (e *Engine) Awaiting(sessionID string) (*schema.AgentError, bool) {
	return e.coordinator.Pending(sessionID)
}

// AwaitingSessions lists every session parked on an intervention.
func (e *Engine) AwaitingSessions() []string {
	return e.coordinator.AwaitingSessions()
}

// Cancel cooperatively cancels every task the session spawned and closes
// its event stream. Returns the number of tasks that were still live.
func (e *Engine) Cancel(sessionID string) int {
	n := e.tasks.CancelSession(sessionID)
	e.bus.Close(sessionID)
	return n
}

// Snapshot returns the session's working-memory snapshot, or nil when
// the session has no live shard.
func (e *Engine) Snapshot(sessionID string) *memory.Snapshot {
	m, ok := e.shards.Peek(sessionID)
	if !ok {
		return nil
	}
	return m.ToSnapshot()
}

// Shutdown cancels every session, waits up to timeout for tasks to
// settle, and drains the worker pool.
func (e *Engine) Shutdown(timeout time.Duration) (cancelled, pending int) {
	cancelled, pending = e.tasks.ShutdownAll(timeout)
	e.pool.Shutdown()
	return cancelled, pending
}

// --- phases ---

func (e *Engine) runPlan(ctx context.Context, mem *memory.WorkingMemory, state *WorkflowState) (Patch, error) {
	desc := "creating plan"
	if state.PlanVersion > 0 {
		desc = "revising plan"
	}

	nodeID, err := mem.AddNode(router.WorkerMaster, schema.NodeThought, desc, "", nil)
	if err != nil {
		return Patch{}, err
	}
	running := schema.StatusRunning
	_ = mem.UpdateNode(nodeID, memory.NodeUpdate{Status: &running})
	e.bus.Emit(state.SessionID, schema.EventThought, map[string]any{"thought": desc})

	var plan *schema.Plan
	out := e.supervisor.Execute(ctx, state.SessionID, 0,
		e.stepHooks(ctx, mem, state, router.WorkerMaster, nodeID),
		func(ctx context.Context) (string, error) {
			var perr error
			if state.PlanVersion == 0 {
				plan, perr = e.planner.CreatePlan(ctx, state.UserMessage, state.Results)
			} else {
				plan, perr = e.planner.RefinePlan(ctx, state.Plan, state.ReplanFeedback, state.Results)
			}
			if perr != nil {
				return "", perr
			}
			if plan == nil || len(plan.Steps) == 0 {
				return "", schema.NewError(schema.ErrKindValidation, "planner returned an empty plan")
			}
			return "", nil
		})

	switch {
	case out.Aborted && out.AbortReason == "cancelled":
		return Patch{}, context.Canceled
	case out.Aborted:
		return e.abortPatch(mem, state, nodeID, out), nil
	case out.Skipped:
		// Skipping the planner leaves nothing to execute.
		return Patch{Phase: schema.PhaseSynthesize}, nil
	case out.Replan:
		return Patch{}, schema.NewError(schema.ErrKindExecution, "planner signalled a replan")
	}

	version := state.PlanVersion + 1
	plan.Version = version
	completed := schema.StatusCompleted
	content, _ := json.Marshal(plan)
	_ = mem.UpdateNode(nodeID, memory.NodeUpdate{Status: &completed, Content: content, Completed: true})
	e.logger.InfoContext(ctx, "plan ready", "steps", len(plan.Steps), "plan_version", version)

	return Patch{
		Phase:          schema.PhaseExecuteStep,
		Plan:           plan,
		PlanVersion:    intPtr(version),
		ActiveStep:     intPtr(0),
		RetryCount:     intPtr(0),
		ReplanFeedback: strPtr(""),
	}, nil
}

// batchMember is the per-step bookkeeping of one fan-out.
type batchMember struct {
	idx      int
	worker   string
	nodeID   string
	condErr  error
	condSkip bool
	outcome  policy.Outcome
}

func (e *Engine) runExecute(ctx context.Context, mem *memory.WorkingMemory, state *WorkflowState) (Patch, error) {
	plan := state.Plan
	if state.ActiveStep >= len(plan.Steps) {
		return Patch{Phase: schema.PhaseSynthesize}, nil
	}

	batch := router.FindParallelBatch(plan, state.ActiveStep, e.maxBatch)
	if len(batch) == 0 {
		return Patch{}, schema.NewErrorf(schema.ErrKindExecution, "no dispatchable batch at step %d", state.ActiveStep+1)
	}

	total := len(plan.Steps)
	members := make([]*batchMember, len(batch))

	// Condition gates, progress events, and node creation happen serially
	// in batch order so the stream stays deterministic.
	for i, idx := range batch {
		step := plan.Steps[idx]
		m := &batchMember{idx: idx, worker: router.WorkerFor(step.Kind)}
		members[i] = m

		ok, condErr := e.conditions.ShouldRun(step, map[string]any{
			"results": state.Results,
			"query":   state.UserMessage,
		})
		if condErr == nil && !ok {
			m.condSkip = true
			_, _ = mem.AddNode(m.worker, schema.NodeSkipped,
				fmt.Sprintf("step %d skipped: condition not met", step.Number), "", nil)
			continue
		}
		m.condErr = condErr

		e.bus.Emit(state.SessionID, schema.EventStepProgress, schema.StepProgress{
			StepNumber:         step.Number,
			TotalSteps:         total,
			Description:        step.Description,
			ProgressPercentage: float64(step.Number-1) / float64(total) * 100,
		})
		nodeID, err := mem.AddNode(m.worker, schema.NodeStep, step.Description, "", nil)
		if err != nil {
			return Patch{}, err
		}
		m.nodeID = nodeID
		running := schema.StatusRunning
		_ = mem.UpdateNode(nodeID, memory.NodeUpdate{Status: &running})
	}

	// Fan-out. Every member runs to settlement: a failing member parks on
	// the supervisor while its siblings finish and record their results.
	var wg sync.WaitGroup
	for _, m := range members {
		if m.condSkip {
			continue
		}
		m := m
		step := plan.Steps[m.idx]
		stepCtx := logging.WithWorker(logging.WithStep(ctx, step.Number), m.worker)
		hooks := e.stepHooks(ctx, mem, state, m.worker, m.nodeID)

		wg.Add(1)
		err := e.pool.Submit(stepCtx, func(taskCtx context.Context) error {
			defer wg.Done()
			m.outcome = e.supervisor.Execute(taskCtx, state.SessionID, step.Number, hooks,
				func(attemptCtx context.Context) (string, error) {
					if m.condErr != nil {
						return "", m.condErr
					}
					stepContext := buildStepContext(attemptCtx, e.extractor, state.Results)
					return e.workers.Invoke(attemptCtx, m.worker, step, state.UserMessage, stepContext)
				})
			if m.outcome.Err != nil {
				return m.outcome.Err
			}
			return nil
		})
		if err != nil {
			wg.Done()
			m.outcome = policy.Outcome{Aborted: true, AbortReason: "cancelled"}
		}
	}
	wg.Wait()

	// Fan-in, batch order. Sibling results are recorded even when one
	// member aborted the workflow.
	patch := Patch{Outputs: make(map[string]string)}
	maxRetries := 0
	var abortOut, replanOut *policy.Outcome

	for _, m := range members {
		if m.condSkip {
			continue
		}
		step := plan.Steps[m.idx]
		out := m.outcome
		if out.Retries > maxRetries {
			maxRetries = out.Retries
		}
		if out.Err != nil {
			patch.Errors = append(patch.Errors, out.Err)
		}

		switch {
		case out.Aborted:
			if abortOut == nil {
				abortOut = &m.outcome
			}
			e.markNode(ctx, mem, m.nodeID, schema.StatusFailed, nil)
		case out.Skipped:
			// The skipped child node is already attached under the error
			// node by the resolution hook.
			e.markNode(ctx, mem, m.nodeID, schema.StatusFailed, nil)
		case out.Replan:
			if replanOut == nil {
				replanOut = &m.outcome
			}
			e.markNode(ctx, mem, m.nodeID, schema.StatusCompleted, mustJSON(map[string]string{"replan_feedback": out.Feedback}))
		default:
			e.markNode(ctx, mem, m.nodeID, schema.StatusCompleted, mustJSON(map[string]string{"result": out.Result}))
			patch.Results = append(patch.Results, schema.StepResult{Step: step.Number, Result: out.Result, Agent: m.worker})
			patch.Outputs[m.worker] = out.Result
		}
	}
	patch.RetryCount = intPtr(maxRetries)

	switch {
	case abortOut != nil && abortOut.AbortReason == "cancelled":
		if err := ctx.Err(); err != nil {
			return Patch{}, err
		}
		return Patch{}, ErrPoolShutdown
	case abortOut != nil:
		patch.Phase = schema.PhaseDone
		patch.FinalAnswer = strPtr(abortAnswer(abortOut))
		return patch, nil
	case replanOut != nil:
		patch.Phase = schema.PhasePlan
		patch.ReplanFeedback = strPtr(replanOut.Feedback)
		return patch, nil
	default:
		patch.Phase = schema.PhaseExecuteStep
		patch.ActiveStep = intPtr(state.ActiveStep + len(batch))
		return patch, nil
	}
}

func (e *Engine) runSynthesize(ctx context.Context, mem *memory.WorkingMemory, state *WorkflowState) (Patch, error) {
	nodeID, err := mem.AddNode(router.WorkerMaster, schema.NodeResult, "composing final answer", "", nil)
	if err != nil {
		return Patch{}, err
	}
	running := schema.StatusRunning
	_ = mem.UpdateNode(nodeID, memory.NodeUpdate{Status: &running})
	e.bus.Emit(state.SessionID, schema.EventThought, map[string]any{"thought": "composing final answer"})

	out := e.supervisor.Execute(ctx, state.SessionID, 0,
		e.stepHooks(ctx, mem, state, router.WorkerMaster, nodeID),
		func(ctx context.Context) (string, error) {
			return e.workers.Synthesize(ctx, state.UserMessage, state.Results)
		})

	switch {
	case out.Aborted && out.AbortReason == "cancelled":
		return Patch{}, context.Canceled
	case out.Aborted:
		return e.abortPatch(mem, state, nodeID, out), nil
	case out.Skipped:
		// Synthesis skipped: fall back to the raw collected results.
		answer := rawAnswer(state.Results)
		e.markNode(ctx, mem, nodeID, schema.StatusFailed, nil)
		return Patch{Phase: schema.PhaseDone, FinalAnswer: strPtr(answer)}, nil
	case out.Replan:
		return Patch{}, schema.NewError(schema.ErrKindExecution, "synthesis signalled a replan")
	}

	e.markNode(ctx, mem, nodeID, schema.StatusCompleted, mustJSON(map[string]string{"final_answer": out.Result}))
	return Patch{Phase: schema.PhaseDone, FinalAnswer: strPtr(out.Result)}, nil
}

// --- chat short-circuit ---

func (e *Engine) runChat(ctx context.Context, sessionID, query string) (*Result, error) {
	out := e.supervisor.Execute(ctx, sessionID, 0, policy.Hooks{
		OnRetry: func(agentErr *schema.AgentError, delay time.Duration) {
			e.bus.Emit(sessionID, schema.EventRetry, retryPayload(agentErr, delay))
		},
		OnIntervention: func(agentErr *schema.AgentError) {
			e.bus.Emit(sessionID, schema.EventError, schema.InterventionPrompt{Error: agentErr, Actions: schema.AvailableActions()})
		},
		OnResolution: func(res policy.Resolution) {
			e.bus.Emit(sessionID, schema.EventIntervention, res)
		},
	}, func(ctx context.Context) (string, error) {
		return e.workers.Chat(ctx, query, func(delta string) {
			e.bus.Emit(sessionID, schema.EventMessageChunk, schema.MessageChunk{Delta: delta})
		})
	})

	switch {
	case out.Aborted && out.AbortReason == "cancelled":
		e.bus.Close(sessionID)
		return nil, context.Canceled
	case out.Aborted, out.Skipped:
		answer := abortAnswer(&out)
		if out.Skipped {
			answer = skipAnswer(&out)
		}
		e.bus.Emit(sessionID, schema.EventMessageChunk, schema.MessageChunk{IsComplete: true})
		e.bus.Emit(sessionID, schema.EventComplete, map[string]any{"final_answer": answer})
		e.bus.Close(sessionID)
		return &Result{FinalAnswer: answer}, nil
	}

	e.bus.Emit(sessionID, schema.EventMessageChunk, schema.MessageChunk{IsComplete: true})
	e.bus.Emit(sessionID, schema.EventComplete, map[string]any{"final_answer": out.Result})
	e.appendMessage(ctx, sessionID, "assistant", out.Result)
	e.bus.Close(sessionID)
	return &Result{FinalAnswer: out.Result}, nil
}

// --- helpers ---

// stepHooks wires the supervisor's recovery callbacks to working memory
// and the stream: every fault leaves an error node, retries and
// interventions go out as events, and skip/abort decisions attach child
// nodes under the most recent error node. The intervention hooks also
// mirror the window onto the workflow state, so current_error is set
// exactly while the session is parked. All writes are suppressed once
// the session context is cancelled.
func (e *Engine) stepHooks(ctx context.Context, mem *memory.WorkingMemory, state *WorkflowState, worker, parentID string) policy.Hooks {
	sessionID := state.SessionID
	var lastErrNode string

	logError := func(agentErr *schema.AgentError) {
		if ctx.Err() != nil {
			return
		}
		id, err := mem.AddNode(worker, schema.NodeError, agentErr.Message, parentID, mustJSON(agentErr))
		if err != nil {
			e.logger.WarnContext(ctx, "record error node", "error", err.Error())
			return
		}
		lastErrNode = id
		failed := schema.StatusFailed
		_ = mem.UpdateNode(id, memory.NodeUpdate{Status: &failed})
	}

	return policy.Hooks{
		OnRetry: func(agentErr *schema.AgentError, delay time.Duration) {
			logError(agentErr)
			e.bus.Emit(sessionID, schema.EventRetry, retryPayload(agentErr, delay))
		},
		OnIntervention: func(agentErr *schema.AgentError) {
			logError(agentErr)
			state.setCurrentError(agentErr)
			e.bus.Emit(sessionID, schema.EventError, schema.InterventionPrompt{Error: agentErr, Actions: schema.AvailableActions()})
		},
		OnResolution: func(res policy.Resolution) {
			state.setCurrentError(nil)
			if ctx.Err() == nil {
				switch res.Action {
				case schema.ActionSkip:
					_, _ = mem.AddNode(worker, schema.NodeSkipped, "step skipped by intervention", lastErrNode, nil)
				case schema.ActionAbort:
					_, _ = mem.AddNode(worker, schema.NodeAborted, "workflow aborted ("+res.Reason+")", lastErrNode, mustJSON(res))
				}
			}
			e.bus.Emit(sessionID, schema.EventIntervention, res)
		},
	}
}

func (e *Engine) abortPatch(mem *memory.WorkingMemory, state *WorkflowState, nodeID string, out policy.Outcome) Patch {
	failed := schema.StatusFailed
	_ = mem.UpdateNode(nodeID, memory.NodeUpdate{Status: &failed, Completed: true})
	patch := Patch{Phase: schema.PhaseDone, FinalAnswer: strPtr(abortAnswer(&out))}
	if out.Err != nil {
		patch.Errors = []*schema.AgentError{out.Err}
	}
	return patch
}

func (e *Engine) markNode(ctx context.Context, mem *memory.WorkingMemory, nodeID string, status schema.NodeStatus, content json.RawMessage) {
	if ctx.Err() != nil || nodeID == "" {
		return
	}
	_ = mem.UpdateNode(nodeID, memory.NodeUpdate{Status: &status, Content: content, Completed: true})
}

func (e *Engine) appendMessage(ctx context.Context, sessionID, role, content string) {
	if e.store == nil || content == "" {
		return
	}
	if err := e.store.AppendMessage(ctx, sessionID, role, content); err != nil {
		e.logger.WarnContext(ctx, "append message", "role", role, "error", err.Error())
	}
}

func (e *Engine) finish(ctx context.Context, mem *memory.WorkingMemory, state *WorkflowState) {
	e.bus.Emit(state.SessionID, schema.EventComplete, map[string]any{
		"final_answer": state.FinalAnswer,
		"plan_version": state.PlanVersion,
	})
	e.appendMessage(ctx, state.SessionID, "assistant", state.FinalAnswer)
	if e.store != nil {
		if err := e.store.SaveSnapshot(ctx, mem.ToSnapshot()); err != nil {
			e.logger.WarnContext(ctx, "save snapshot", "error", err.Error())
		}
	}
	e.bus.Close(state.SessionID)
}

func retryPayload(agentErr *schema.AgentError, delay time.Duration) map[string]any {
	return map[string]any{
		"error":       agentErr,
		"retry_count": agentErr.RetryCount + 1,
		"backoff_ms":  delay.Milliseconds(),
	}
}

func abortAnswer(out *policy.Outcome) string {
	switch out.AbortReason {
	case "timeout":
		if out.Err != nil {
			return fmt.Sprintf("The workflow was aborted: step %d failed (%s) and no intervention decision arrived in time.", out.Err.Step, out.Err.Message)
		}
		return "The workflow was aborted: no intervention decision arrived in time."
	case "shutdown":
		return "The workflow was aborted because the service is shutting down."
	default:
		if out.Err != nil {
			return fmt.Sprintf("The workflow was aborted after step %d failed: %s.", out.Err.Step, out.Err.Message)
		}
		return "The workflow was aborted."
	}
}

func skipAnswer(out *policy.Outcome) string {
	if out.Err != nil {
		return fmt.Sprintf("The reply was skipped after a failure: %s.", out.Err.Message)
	}
	return "The reply was skipped."
}

func rawAnswer(results []schema.StepResult) string {
	if len(results) == 0 {
		return "No results were collected."
	}
	var b []byte
	for i, r := range results {
		if i > 0 {
			b = append(b, '\n')
		}
		b = append(b, fmt.Sprintf("step %d: %s", r.Step, r.Result)...)
	}
	return string(b)
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}
