package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/stewardai/steward/internal/extract"
	"github.com/stewardai/steward/pkg/schema"
)

// Context budget for a single worker invocation, in characters. Workers
// see a digest of prior results, newest last, truncated from the front so
// the most recent results survive.
const maxContextChars = 8000

// maxResultChars bounds any single prior result inside the digest.
const maxResultChars = 1500

// buildStepContext condenses prior step results into the bounded context
// string handed to the next worker. JSON outputs are reduced to their
// salient fields first; oversized entries are truncated with a marker.
func buildStepContext(ctx context.Context, ex *extract.Extractor, results []schema.StepResult) string {
	if len(results) == 0 {
		return ""
	}

	var b strings.Builder
	for _, r := range results {
		digest := ex.Digest(ctx, r.Result)
		if len(digest) > maxResultChars {
			digest = digest[:maxResultChars] + " [truncated]"
		}
		fmt.Fprintf(&b, "step %d (%s): %s\n", r.Step, r.Agent, digest)
	}

	out := b.String()
	if len(out) > maxContextChars {
		out = "[earlier results truncated]\n" + out[len(out)-maxContextChars:]
	}
	return out
}
