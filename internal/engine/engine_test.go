package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stewardai/steward/internal/memory"
	"github.com/stewardai/steward/internal/policy"
	"github.com/stewardai/steward/internal/registry"
	"github.com/stewardai/steward/internal/router"
	"github.com/stewardai/steward/internal/stream"
	"github.com/stewardai/steward/pkg/schema"
)

// --- fakes ---

type fakePlanner struct {
	mu         sync.Mutex
	plans      []*schema.Plan
	next       int
	refineFeed []string
	refinePrev int
}

func (p *fakePlanner) CreatePlan(ctx context.Context, query string, prior []schema.StepResult) (*schema.Plan, error) {
	return p.take(prior)
}

func (p *fakePlanner) RefinePlan(ctx context.Context, plan *schema.Plan, feedback string, prior []schema.StepResult) (*schema.Plan, error) {
	p.mu.Lock()
	p.refineFeed = append(p.refineFeed, feedback)
	p.refinePrev = len(prior)
	p.mu.Unlock()
	return p.take(prior)
}

func (p *fakePlanner) take(_ []schema.StepResult) (*schema.Plan, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.next >= len(p.plans) {
		return nil, errors.New("planner exhausted")
	}
	plan := p.plans[p.next]
	p.next++
	return plan, nil
}

type fakeWorkers struct {
	mu       sync.Mutex
	invokeFn func(worker string, step schema.Step, stepContext string) (string, error)
	invoked  []int
}

func (w *fakeWorkers) Invoke(ctx context.Context, worker string, step schema.Step, query, stepContext string) (string, error) {
	w.mu.Lock()
	w.invoked = append(w.invoked, step.Number)
	fn := w.invokeFn
	w.mu.Unlock()
	if fn != nil {
		return fn(worker, step, stepContext)
	}
	return fmt.Sprintf("result-%d", step.Number), nil
}

func (w *fakeWorkers) Chat(ctx context.Context, query string, onDelta func(string)) (string, error) {
	onDelta("hel")
	onDelta("lo")
	return "hello", nil
}

func (w *fakeWorkers) Synthesize(ctx context.Context, query string, results []schema.StepResult) (string, error) {
	parts := make([]string, len(results))
	for i, r := range results {
		parts[i] = r.Result
	}
	return "final: " + strings.Join(parts, " + "), nil
}

func (w *fakeWorkers) invocations() []int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]int(nil), w.invoked...)
}

type testHarness struct {
	engine *Engine
	bus    *stream.Bus
	shards *memory.Shards
}

func newHarness(planner Planner, workers Workers, interventionTimeout time.Duration) *testHarness {
	bus := stream.NewBus()
	shards := memory.NewShards(stream.NewMemoryObserver(bus))
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e := New(Config{InterventionTimeout: interventionTimeout},
		planner, workers, nil, shards, bus, registry.New(logger), logger)
	e.supervisor.Sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	return &testHarness{engine: e, bus: bus, shards: shards}
}

func testPlan(kinds ...schema.StepKind) *schema.Plan {
	plan := &schema.Plan{}
	for i, k := range kinds {
		plan.Steps = append(plan.Steps, schema.Step{
			Number:      i + 1,
			Description: fmt.Sprintf("step %d", i+1),
			Kind:        k,
		})
	}
	return plan
}

// drainEvents consumes the session stream until the close sentinel.
func drainEvents(t *testing.T, bus *stream.Bus, sessionID string) []stream.Event {
	t.Helper()
	var evs []stream.Event
	deadline := time.Now().Add(5 * time.Second)
	for {
		ev, err := bus.Next(sessionID, 50*time.Millisecond)
		if err != nil {
			return evs
		}
		if ev == nil {
			require.True(t, time.Now().Before(deadline), "stream never closed")
			continue
		}
		evs = append(evs, *ev)
	}
}

func countEvents(evs []stream.Event, eventType string) int {
	n := 0
	for _, ev := range evs {
		if ev.Type == eventType {
			n++
		}
	}
	return n
}

func findNode(n *memory.Node, nodeType schema.NodeType) *memory.Node {
	if n.Type == nodeType {
		return n
	}
	for _, c := range n.Children {
		if found := findNode(c, nodeType); found != nil {
			return found
		}
	}
	return nil
}

// --- scenarios ---

func TestRun_TwoStepPlanCompletes(t *testing.T) {
	planner := &fakePlanner{plans: []*schema.Plan{testPlan(schema.StepKindResearch, schema.StepKindReview)}}
	workers := &fakeWorkers{}
	h := newHarness(planner, workers, time.Second)

	res, err := h.engine.Run(context.Background(), "what is steward", "sess-a", true)
	require.NoError(t, err)
	assert.Equal(t, "final: result-1 + result-2", res.FinalAnswer)
	require.NotNil(t, res.Plan)
	assert.Equal(t, 1, res.Plan.Version)

	evs := drainEvents(t, h.bus, "sess-a")
	assert.Equal(t, 1, countEvents(evs, schema.EventComplete))
	assert.Equal(t, 2, countEvents(evs, schema.EventStepProgress))
	assert.Equal(t, 0, countEvents(evs, schema.EventError))

	mem, ok := h.shards.Peek("sess-a")
	require.True(t, ok)
	// plan thought + 2 step nodes + synthesis node, each with at least a
	// creation entry and a status change.
	assert.GreaterOrEqual(t, mem.TimelineLen(), 4)
}

func TestRun_RateLimitedStepRetriesThenSucceeds(t *testing.T) {
	planner := &fakePlanner{plans: []*schema.Plan{testPlan(schema.StepKindResearch)}}
	var attempts atomic.Int32
	workers := &fakeWorkers{
		invokeFn: func(worker string, step schema.Step, _ string) (string, error) {
			if attempts.Add(1) <= 2 {
				return "", errors.New("429 too many requests")
			}
			return "recovered", nil
		},
	}
	h := newHarness(planner, workers, time.Second)

	res, err := h.engine.Run(context.Background(), "q", "sess-b", true)
	require.NoError(t, err)
	assert.Equal(t, "final: recovered", res.FinalAnswer)

	evs := drainEvents(t, h.bus, "sess-b")
	assert.Equal(t, 2, countEvents(evs, schema.EventRetry))
	assert.Equal(t, 0, countEvents(evs, schema.EventError), "awaiting_intervention never set")
	assert.Equal(t, 1, countEvents(evs, schema.EventComplete))

	_, awaiting := h.engine.Awaiting("sess-b")
	assert.False(t, awaiting)
}

func TestRun_AuthErrorGoesStraightToIntervention(t *testing.T) {
	planner := &fakePlanner{plans: []*schema.Plan{testPlan(schema.StepKindResearch)}}
	workers := &fakeWorkers{
		invokeFn: func(string, schema.Step, string) (string, error) {
			return "", errors.New("401 unauthorized")
		},
	}
	h := newHarness(planner, workers, 200*time.Millisecond)

	done := make(chan *Result, 1)
	go func() {
		res, _ := h.engine.Run(context.Background(), "q", "sess-c", true)
		done <- res
	}()

	// Zero automatic retries: the session parks immediately.
	require.Eventually(t, func() bool {
		agentErr, awaiting := h.engine.Awaiting("sess-c")
		return awaiting && agentErr.Kind == schema.ErrKindAuth && agentErr.RetryCount == 0
	}, 2*time.Second, 5*time.Millisecond)

	// No decision arrives; the timer aborts with reason "timeout".
	res := <-done
	require.NotNil(t, res)
	assert.Contains(t, res.FinalAnswer, "aborted")

	evs := drainEvents(t, h.bus, "sess-c")
	assert.Equal(t, 0, countEvents(evs, schema.EventRetry))
	assert.Equal(t, 1, countEvents(evs, schema.EventError))
	assert.Equal(t, 1, countEvents(evs, schema.EventIntervention))

	mem, ok := h.shards.Peek("sess-c")
	require.True(t, ok)
	aborted := findNode(mem.ToSnapshot().Tree, schema.NodeAborted)
	require.NotNil(t, aborted)
	errNode := findNode(mem.ToSnapshot().Tree, schema.NodeError)
	require.NotNil(t, errNode)
	assert.Equal(t, errNode.ID, aborted.ParentID, "aborted node attaches under the error node")
}

func TestRun_SkipResolutionAdvancesPastFailedStep(t *testing.T) {
	planner := &fakePlanner{plans: []*schema.Plan{testPlan(schema.StepKindResearch, schema.StepKindReview)}}
	workers := &fakeWorkers{
		invokeFn: func(worker string, step schema.Step, _ string) (string, error) {
			if step.Number == 1 {
				return "", errors.New("validation: malformed input")
			}
			return fmt.Sprintf("result-%d", step.Number), nil
		},
	}
	h := newHarness(planner, workers, 5*time.Second)

	done := make(chan *Result, 1)
	go func() {
		res, _ := h.engine.Run(context.Background(), "q", "sess-d", true)
		done <- res
	}()

	require.Eventually(t, func() bool {
		_, awaiting := h.engine.Awaiting("sess-d")
		return awaiting
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, h.engine.ResolveIntervention("sess-d", schema.ActionSkip))

	res := <-done
	require.NotNil(t, res)
	assert.Equal(t, "final: result-2", res.FinalAnswer, "workflow resumed past the skipped step")

	mem, ok := h.shards.Peek("sess-d")
	require.True(t, ok)
	tree := mem.ToSnapshot().Tree
	skipped := findNode(tree, schema.NodeSkipped)
	require.NotNil(t, skipped)
	errNode := findNode(tree, schema.NodeError)
	require.NotNil(t, errNode)
	assert.Equal(t, errNode.ID, skipped.ParentID, "skipped node attaches under the error node")
}

func TestRun_CancelMidExecution(t *testing.T) {
	planner := &fakePlanner{plans: []*schema.Plan{testPlan(schema.StepKindResearch)}}
	started := make(chan struct{})
	var startOnce sync.Once
	var observedCancel atomic.Bool

	workers := &fakeWorkers{
		invokeFn: nil, // set below, needs ctx
	}
	h := newHarness(planner, workers, time.Second)

	// The worker polls its context cooperatively, the way long steps must.
	invoke := func(ctx context.Context) (string, error) {
		startOnce.Do(func() { close(started) })
		ticker := time.NewTicker(5 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				observedCancel.Store(true)
				return "", ctx.Err()
			case <-ticker.C:
			}
		}
	}
	ctxWorkers := &ctxAwareWorkers{fakeWorkers: workers, invoke: invoke}
	h.engine.workers = ctxWorkers

	runErr := make(chan error, 1)
	go func() {
		_, err := h.engine.Run(context.Background(), "q", "sess-e", true)
		runErr <- err
	}()

	<-started
	live := h.engine.Cancel("sess-e")
	assert.GreaterOrEqual(t, live, 0)

	// The task observes cancellation within one polling interval.
	require.Eventually(t, func() bool { return observedCancel.Load() }, time.Second, 5*time.Millisecond)
	require.Error(t, <-runErr)

	mem, ok := h.shards.Peek("sess-e")
	require.True(t, ok)
	frozen := mem.TimelineLen()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, frozen, mem.TimelineLen(), "no nodes written after cancellation")
}

type ctxAwareWorkers struct {
	*fakeWorkers
	invoke func(ctx context.Context) (string, error)
}

func (w *ctxAwareWorkers) Invoke(ctx context.Context, worker string, step schema.Step, query, stepContext string) (string, error) {
	return w.invoke(ctx)
}

func TestRun_ReplanPreservesResults(t *testing.T) {
	planner := &fakePlanner{plans: []*schema.Plan{
		testPlan(schema.StepKindResearch, schema.StepKindCode),
		testPlan(schema.StepKindChart),
	}}
	workers := &fakeWorkers{
		invokeFn: func(worker string, step schema.Step, _ string) (string, error) {
			if step.Kind == schema.StepKindCode {
				return "", &schema.ReplanError{Feedback: "data source moved"}
			}
			return fmt.Sprintf("result-%d-%s", step.Number, step.Kind), nil
		},
	}
	h := newHarness(planner, workers, time.Second)

	res, err := h.engine.Run(context.Background(), "q", "sess-f", true)
	require.NoError(t, err)
	require.NotNil(t, res.Plan)
	assert.Equal(t, 2, res.Plan.Version, "replanning increments plan_version")

	planner.mu.Lock()
	feed := append([]string(nil), planner.refineFeed...)
	prev := planner.refinePrev
	planner.mu.Unlock()
	require.Len(t, feed, 1)
	assert.Equal(t, "data source moved", feed[0])
	assert.Equal(t, 1, prev, "collected results passed to the replanner")

	// Step 1 of plan v1 and step 1 of plan v2 both contribute.
	assert.Contains(t, res.FinalAnswer, "result-1-research")
	assert.Contains(t, res.FinalAnswer, "result-1-chart")
}

func TestRun_ChatShortCircuit(t *testing.T) {
	h := newHarness(&fakePlanner{}, &fakeWorkers{}, time.Second)

	res, err := h.engine.Run(context.Background(), "hi", "sess-g", false)
	require.NoError(t, err)
	assert.Equal(t, "hello", res.FinalAnswer)
	assert.Nil(t, res.Plan, "no planning on the chat path")

	evs := drainEvents(t, h.bus, "sess-g")
	var deltas []string
	complete := false
	for _, ev := range evs {
		if ev.Type != schema.EventMessageChunk {
			continue
		}
		chunk := ev.Data.(schema.MessageChunk)
		if chunk.IsComplete {
			complete = true
		} else {
			deltas = append(deltas, chunk.Delta)
		}
	}
	assert.Equal(t, []string{"hel", "lo"}, deltas)
	assert.True(t, complete)
	assert.Equal(t, 0, countEvents(evs, schema.EventStepProgress))
	assert.Equal(t, 1, countEvents(evs, schema.EventComplete))
}

func TestRun_ConditionFalseSkipsStep(t *testing.T) {
	plan := testPlan(schema.StepKindResearch, schema.StepKindChart)
	plan.Steps[1].Condition = `false`
	planner := &fakePlanner{plans: []*schema.Plan{plan}}
	workers := &fakeWorkers{}
	h := newHarness(planner, workers, time.Second)

	res, err := h.engine.Run(context.Background(), "q", "sess-h", true)
	require.NoError(t, err)
	assert.Equal(t, "final: result-1", res.FinalAnswer)
	assert.Equal(t, []int{1}, workers.invocations(), "conditioned-out step never dispatched")

	mem, _ := h.shards.Peek("sess-h")
	skipped := findNode(mem.ToSnapshot().Tree, schema.NodeSkipped)
	require.NotNil(t, skipped)
	assert.Contains(t, skipped.Description, "condition not met")
}

func TestRun_ParallelBatchSiblingsFinishWhenOneFails(t *testing.T) {
	planner := &fakePlanner{plans: []*schema.Plan{
		testPlan(schema.StepKindResearch, schema.StepKindCode, schema.StepKindDatabase),
	}}
	workers := &fakeWorkers{
		invokeFn: func(worker string, step schema.Step, _ string) (string, error) {
			if step.Number == 2 {
				return "", errors.New("403 forbidden")
			}
			time.Sleep(20 * time.Millisecond)
			return fmt.Sprintf("result-%d", step.Number), nil
		},
	}
	h := newHarness(planner, workers, 5*time.Second)

	done := make(chan *Result, 1)
	go func() {
		res, _ := h.engine.Run(context.Background(), "q", "sess-i", true)
		done <- res
	}()

	require.Eventually(t, func() bool {
		_, awaiting := h.engine.Awaiting("sess-i")
		return awaiting
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, h.engine.ResolveIntervention("sess-i", schema.ActionSkip))

	res := <-done
	require.NotNil(t, res)
	// Siblings 1 and 3 completed despite member 2 failing.
	assert.Contains(t, res.FinalAnswer, "result-1")
	assert.Contains(t, res.FinalAnswer, "result-3")
	assert.NotContains(t, res.FinalAnswer, "result-2")
}

func TestValidTransition(t *testing.T) {
	assert.True(t, ValidTransition(schema.PhasePlan, schema.PhaseExecuteStep))
	assert.True(t, ValidTransition(schema.PhaseExecuteStep, schema.PhaseExecuteStep))
	assert.True(t, ValidTransition(schema.PhaseExecuteStep, schema.PhasePlan))
	assert.True(t, ValidTransition(schema.PhaseExecuteStep, schema.PhaseSynthesize))
	assert.True(t, ValidTransition(schema.PhaseSynthesize, schema.PhaseDone))
	assert.False(t, ValidTransition(schema.PhaseSynthesize, schema.PhaseExecuteStep))
	assert.False(t, ValidTransition(schema.PhaseDone, schema.PhasePlan))
	assert.False(t, ValidTransition(schema.PhaseSynthesize, schema.PhasePlan))
}

func TestWorkflowState_CurrentErrorDrivesAwaiting(t *testing.T) {
	s := NewWorkflowState("sess", "q")
	assert.False(t, s.Awaiting)

	agentErr := schema.NewError(schema.ErrKindAuth, "denied")
	s.setCurrentError(agentErr)
	assert.True(t, s.Awaiting)
	assert.Equal(t, agentErr, s.CurrentError)

	s.setCurrentError(nil)
	assert.False(t, s.Awaiting)
	assert.Nil(t, s.CurrentError)
}

func TestStepHooks_MirrorInterventionWindow(t *testing.T) {
	h := newHarness(&fakePlanner{}, &fakeWorkers{}, time.Second)
	mem := h.shards.ForSession("sess-j")
	state := NewWorkflowState("sess-j", "q")

	hooks := h.engine.stepHooks(context.Background(), mem, state, router.WorkerResearcher, "")

	agentErr := schema.NewError(schema.ErrKindAuth, "401 unauthorized")
	hooks.OnIntervention(agentErr)
	current, awaiting := state.awaiting()
	assert.True(t, awaiting)
	assert.Same(t, agentErr, current)

	hooks.OnResolution(policy.Resolution{Action: schema.ActionSkip})
	current, awaiting = state.awaiting()
	assert.False(t, awaiting)
	assert.Nil(t, current)
}

type failingChatWorkers struct {
	*fakeWorkers
}

func (w *failingChatWorkers) Chat(context.Context, string, func(string)) (string, error) {
	return "", errors.New("401 unauthorized")
}

func TestRun_ChatSkipResolutionSaysSkipped(t *testing.T) {
	workers := &failingChatWorkers{fakeWorkers: &fakeWorkers{}}
	h := newHarness(&fakePlanner{}, workers, 5*time.Second)

	done := make(chan *Result, 1)
	go func() {
		res, _ := h.engine.Run(context.Background(), "hi", "sess-l", false)
		done <- res
	}()

	require.Eventually(t, func() bool {
		_, awaiting := h.engine.Awaiting("sess-l")
		return awaiting
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, h.engine.ResolveIntervention("sess-l", schema.ActionSkip))

	res := <-done
	require.NotNil(t, res)
	assert.Contains(t, res.FinalAnswer, "skipped")
	assert.NotContains(t, res.FinalAnswer, "aborted")
}
