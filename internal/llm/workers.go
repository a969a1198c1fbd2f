package llm

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/llms"

	"github.com/stewardai/steward/internal/router"
	"github.com/stewardai/steward/pkg/schema"
)

// workerPrompts gives each worker its operating instructions.
var workerPrompts = map[string]string{
	router.WorkerResearcher: `You are a research worker. Investigate the
step you are given and report your findings as concise, sourced prose.
When earlier results are provided, build on them instead of repeating
them.`,
	router.WorkerTools: `You are a tools worker handling code, calculation
and charting steps. Produce the computation or artifact the step asks
for. Return code or data as a fenced block and explain it in one or two
sentences.`,
	router.WorkerDatabase: `You are a database worker. Translate the step
into the query it needs, state your assumptions about the schema, and
report the result.`,
	router.WorkerMaster: `You are the master worker. Handle reasoning,
review and free-form steps. Be direct about gaps or contradictions in
the collected results.`,
}

const chatSystemPrompt = `You are a helpful assistant. Answer the user's
message directly in a single turn.`

const synthesisSystemPrompt = `You are composing the final answer to the
user's original query from the collected step results. Synthesize, don't
enumerate: resolve the results into one coherent answer and flag
anything that remained unresolved.`

// Workers implements the engine's worker capabilities over one chat
// model with per-worker instructions.
type Workers struct {
	model llms.Model
}

// NewWorkers creates the worker set over the given model.
func NewWorkers(model llms.Model) *Workers {
	return &Workers{model: model}
}

// Invoke runs one plan step on the named worker.
func (w *Workers) Invoke(ctx context.Context, worker string, step schema.Step, query, stepContext string) (string, error) {
	system, ok := workerPrompts[worker]
	if !ok {
		system = workerPrompts[router.WorkerMaster]
	}
	user := fmt.Sprintf("Original query: %s\n\nYour step (%d, %s): %s\n", query, step.Number, step.Kind, step.Description)
	if len(step.Params) > 0 {
		user += fmt.Sprintf("\nStep parameters: %s\n", step.Params)
	}
	if stepContext != "" {
		user += "\nResults so far:\n" + stepContext
	}
	return generate(ctx, w.model, system, user)
}

// Chat answers a single-turn message, streaming deltas through onDelta.
func (w *Workers) Chat(ctx context.Context, query string, onDelta func(delta string)) (string, error) {
	return generate(ctx, w.model, chatSystemPrompt, query,
		llms.WithStreamingFunc(func(_ context.Context, chunk []byte) error {
			if onDelta != nil && len(chunk) > 0 {
				onDelta(string(chunk))
			}
			return nil
		}))
}

// Synthesize composes the final answer from the query and step results.
func (w *Workers) Synthesize(ctx context.Context, query string, results []schema.StepResult) (string, error) {
	user := "Original query: " + query + "\n\nCollected results:\n" + formatResults(results)
	return generate(ctx, w.model, synthesisSystemPrompt, user)
}
