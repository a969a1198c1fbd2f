package policy

import (
	"context"
	"sync"
	"time"

	"github.com/stewardai/steward/pkg/schema"
)

// DefaultInterventionTimeout bounds how long a session waits for an
// external decision before defaulting to abort.
const DefaultInterventionTimeout = 300 * time.Second

// Resolution is the outcome of an intervention wait.
type Resolution struct {
	Action schema.InterventionAction `json:"action"`
	// Reason is "user" for an external decision, "timeout" when the wait
	// expired, or "shutdown" when the process is stopping.
	Reason string `json:"reason"`
}

type pendingIntervention struct {
	err      *schema.AgentError
	decision chan schema.InterventionAction
}

// Coordinator arbitrates the retry/skip/abort decision once automatic
// retries are exhausted. Each waiting session parks on its own channel
// future resolved either by Resolve or by a timer; no session ever blocks
// another, and nothing busy-polls.
type Coordinator struct {
	mu      sync.Mutex
	pending map[string]*pendingIntervention
	timeout time.Duration
}

// NewCoordinator creates a Coordinator with the given wait timeout
// (DefaultInterventionTimeout when zero).
func NewCoordinator(timeout time.Duration) *Coordinator {
	if timeout <= 0 {
		timeout = DefaultInterventionTimeout
	}
	return &Coordinator{
		pending: make(map[string]*pendingIntervention),
		timeout: timeout,
	}
}

// Await parks the session until an external decision arrives, the timeout
// expires (abort, reason "timeout"), or ctx is cancelled (abort, reason
// "shutdown"). The session's pending error is cleared before returning,
// preserving awaiting == (current error != nil).
func (c *Coordinator) Await(ctx context.Context, sessionID string, agentErr *schema.AgentError) Resolution {
	p := &pendingIntervention{
		err:      agentErr,
		decision: make(chan schema.InterventionAction, 1),
	}

	c.mu.Lock()
	c.pending[sessionID] = p
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		if cur, ok := c.pending[sessionID]; ok && cur == p {
			delete(c.pending, sessionID)
		}
		c.mu.Unlock()
	}()

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case action := <-p.decision:
		return Resolution{Action: action, Reason: "user"}
	case <-timer.C:
		return Resolution{Action: schema.ActionAbort, Reason: "timeout"}
	case <-ctx.Done():
		return Resolution{Action: schema.ActionAbort, Reason: "shutdown"}
	}
}

// Resolve delivers an external decision to a waiting session. Fails when
// the session has nothing pending or the action is unknown.
func (c *Coordinator) Resolve(sessionID string, action schema.InterventionAction) error {
	if !schema.ValidAction(string(action)) {
		return schema.NewErrorf(schema.ErrKindValidation, "unknown intervention action %q", action)
	}

	c.mu.Lock()
	p, ok := c.pending[sessionID]
	if ok {
		delete(c.pending, sessionID)
	}
	c.mu.Unlock()

	if !ok {
		return schema.NewErrorf(schema.ErrKindValidation, "session %s is not awaiting intervention", sessionID)
	}

	p.decision <- action
	return nil
}

// Pending returns the session's awaited error, if any. awaiting is true
// iff the error is non-nil.
func (c *Coordinator) Pending(sessionID string) (*schema.AgentError, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[sessionID]
	if !ok {
		return nil, false
	}
	return p.err, true
}

// AwaitingSessions lists sessions currently parked on a decision.
func (c *Coordinator) AwaitingSessions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.pending))
	for id := range c.pending {
		ids = append(ids, id)
	}
	return ids
}
