package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"

	"github.com/stewardai/steward/pkg/schema"
)

const plannerSystemPrompt = `You are a research planner. Break the user's
query into an ordered plan of steps. Respond with JSON only, no prose,
matching this shape:

{"steps": [{"step_number": 1, "description": "...", "step_kind": "research",
"depends_on": [], "condition": ""}]}

step_kind must be one of: research, code, database, calculate, chart,
think, review. step_number starts at 1 and is contiguous. depends_on
lists earlier step numbers whose output a step needs. Keep plans short:
only add a step when it earns its place. End with a review step when the
findings need checking against the original question.`

// Planner turns a query into a validated plan via the chat model.
type Planner struct {
	model llms.Model
}

// NewPlanner creates a Planner over the given model.
func NewPlanner(model llms.Model) *Planner {
	return &Planner{model: model}
}

// CreatePlan asks the model for a fresh plan and validates it against
// the plan schema before returning it.
func (p *Planner) CreatePlan(ctx context.Context, query string, prior []schema.StepResult) (*schema.Plan, error) {
	user := "Query: " + query
	if len(prior) > 0 {
		user += "\n\nResults already collected (do not redo these):\n" + formatResults(prior)
	}
	return p.ask(ctx, user)
}

// RefinePlan asks the model for a replacement plan, seeded with the
// feedback that invalidated the old one and everything collected so far.
func (p *Planner) RefinePlan(ctx context.Context, plan *schema.Plan, feedback string, prior []schema.StepResult) (*schema.Plan, error) {
	old, _ := json.Marshal(plan)
	user := fmt.Sprintf("The current plan is no longer viable.\n\nOld plan: %s\n\nReason: %s\n", old, feedback)
	if len(prior) > 0 {
		user += "\nResults already collected (do not redo these):\n" + formatResults(prior)
	}
	user += "\nProduce a replacement plan for the remaining work."
	return p.ask(ctx, user)
}

func (p *Planner) ask(ctx context.Context, user string) (*schema.Plan, error) {
	raw, err := generate(ctx, p.model, plannerSystemPrompt, user, llms.WithJSONMode())
	if err != nil {
		return nil, err
	}
	plan, err := schema.ParsePlan([]byte(stripFences(raw)))
	if err != nil {
		return nil, err
	}
	return plan, nil
}

// stripFences removes a markdown code fence if the model wrapped its
// JSON in one anyway.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func formatResults(results []schema.StepResult) string {
	var b strings.Builder
	for _, r := range results {
		fmt.Fprintf(&b, "- step %d (%s): %s\n", r.Step, r.Agent, r.Result)
	}
	return b.String()
}
