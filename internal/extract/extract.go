package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/itchyny/gojq"

	"github.com/stewardai/steward/pkg/schema"
)

// Extractor pulls salient fields out of JSON worker output using jq
// programs, so the context builder can hand workers a digest instead of
// raw payload dumps. Thread-safe: compiled *gojq.Code objects are cached
// and reused across goroutines.
type Extractor struct {
	mu    sync.RWMutex
	cache map[string]*gojq.Code
}

// New creates an Extractor with an empty program cache.
func New() *Extractor {
	return &Extractor{cache: make(map[string]*gojq.Code)}
}

// Run compiles (or retrieves from cache) a jq program and evaluates it
// against the given document. A single output is returned directly;
// multiple outputs are collected into []any.
func (e *Extractor) Run(ctx context.Context, program string, doc any) (any, error) {
	if program == "" {
		return nil, schema.NewError(schema.ErrKindValidation, "empty jq program")
	}

	code, err := e.getOrCompile(program)
	if err != nil {
		return nil, err
	}

	iter := code.RunWithContext(ctx, doc)

	var results []any
	for {
		val, ok := iter.Next()
		if !ok {
			break
		}
		if runErr, isErr := val.(error); isErr {
			return nil, schema.NewErrorf(schema.ErrKindExecution,
				"jq evaluation failed for %q: %s", program, runErr.Error()).WithCause(runErr)
		}
		results = append(results, val)
	}

	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

// Digest condenses a worker's raw output for context building. JSON
// objects are reduced to their summary-ish fields when present; anything
// else passes through as a string.
func (e *Extractor) Digest(ctx context.Context, raw string) string {
	trimmed := strings.TrimSpace(raw)
	if !strings.HasPrefix(trimmed, "{") && !strings.HasPrefix(trimmed, "[") {
		return trimmed
	}

	var doc any
	if err := json.Unmarshal([]byte(trimmed), &doc); err != nil {
		return trimmed
	}

	// Prefer an explicit summary/answer/result field; fall back to the
	// whole document.
	out, err := e.Run(ctx, `.summary // .answer // .result // .`, doc)
	if err != nil || out == nil {
		return trimmed
	}
	if s, ok := out.(string); ok {
		return s
	}
	condensed, err := json.Marshal(out)
	if err != nil {
		return trimmed
	}
	return string(condensed)
}

func (e *Extractor) getOrCompile(program string) (*gojq.Code, error) {
	e.mu.RLock()
	if code, ok := e.cache[program]; ok {
		e.mu.RUnlock()
		return code, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	if code, ok := e.cache[program]; ok {
		return code, nil
	}

	query, err := gojq.Parse(program)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrKindValidation,
			"parse jq program %q: %s", program, err.Error()).WithCause(err)
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return nil, schema.NewError(schema.ErrKindValidation,
			fmt.Sprintf("compile jq program %q: %s", program, err.Error())).WithCause(err)
	}
	e.cache[program] = code
	return code, nil
}
