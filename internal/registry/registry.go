package registry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Registry tracks the asynchronous tasks a running workflow spawns per
// session and coordinates session cancellation and process shutdown.
// Cancellation is cooperative: tasks observe their context; nothing is
// preempted mid-instruction.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*session
	logger   *slog.Logger
}

type session struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	tasks  map[string]context.CancelFunc
}

// New creates an empty Registry.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		sessions: make(map[string]*session),
		logger:   logger,
	}
}

// SessionContext returns the session-scoped context, creating the session
// entry on first use. Cancelling the session cancels this context and
// every task context derived from it.
func (r *Registry) SessionContext(parent context.Context, sessionID string) context.Context {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessionLocked(parent, sessionID).ctx
}

func (r *Registry) sessionLocked(parent context.Context, sessionID string) *session {
	if s, ok := r.sessions[sessionID]; ok {
		return s
	}
	ctx, cancel := context.WithCancel(parent)
	s := &session{
		ctx:    ctx,
		cancel: cancel,
		tasks:  make(map[string]context.CancelFunc),
	}
	r.sessions[sessionID] = s
	return s
}

// Spawn runs fn on its own goroutine under a task context derived from
// the session context. The task is tracked until fn returns and is
// individually cancellable via the session. When the last tracked task
// finishes, the session entry is released and its context cancelled, so
// settled sessions do not accumulate. Returns the task id.
func (r *Registry) Spawn(parent context.Context, sessionID, name string, fn func(ctx context.Context)) string {
	r.mu.Lock()
	s := r.sessionLocked(parent, sessionID)
	taskID := name + "-" + uuid.New().String()[:8]
	taskCtx, taskCancel := context.WithCancel(s.ctx)
	s.tasks[taskID] = taskCancel
	s.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer func() {
			taskCancel()
			r.mu.Lock()
			delete(s.tasks, taskID)
			if len(s.tasks) == 0 && r.sessions[sessionID] == s {
				delete(r.sessions, sessionID)
				s.cancel()
			}
			s.wg.Done()
			r.mu.Unlock()
		}()
		fn(taskCtx)
	}()

	return taskID
}

// Prune removes the session entry if it has no tracked tasks, cancelling
// its derived context. Covers sessions that only ever called
// SessionContext and never spawned; the janitor runs this alongside its
// shard sweep. Returns true when an entry was removed.
func (r *Registry) Prune(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok || len(s.tasks) > 0 {
		return false
	}
	delete(r.sessions, sessionID)
	s.cancel()
	return true
}

// ActiveTasks returns the number of tracked tasks for the session.
func (r *Registry) ActiveTasks(sessionID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return 0
	}
	return len(s.tasks)
}

// CancelSession raises the session-scoped cancellation signal, cancels
// every tracked task, and clears the session's bookkeeping. Returns the
// number of tasks that were still live.
func (r *Registry) CancelSession(sessionID string) int {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return 0
	}
	delete(r.sessions, sessionID)
	live := len(s.tasks)
	for _, cancel := range s.tasks {
		cancel()
	}
	s.cancel()
	r.mu.Unlock()

	return live
}

// ShutdownAll cancels every live session and waits up to timeout for
// their tasks to settle. Returns the number of sessions cancelled and
// the number of tasks still pending when the timeout expired; pending
// tasks are abandoned, not force-killed.
func (r *Registry) ShutdownAll(timeout time.Duration) (cancelled, pending int) {
	r.mu.Lock()
	snapshot := make(map[string]*session, len(r.sessions))
	for id, s := range r.sessions {
		snapshot[id] = s
	}
	r.sessions = make(map[string]*session)
	for _, s := range snapshot {
		for _, cancel := range s.tasks {
			cancel()
		}
		s.cancel()
	}
	r.mu.Unlock()

	cancelled = len(snapshot)
	deadlineAt := time.Now().Add(timeout)

	// Watch every session's WaitGroup before waiting on any of them, so
	// the shared deadline applies to the whole set rather than serially.
	settled := make(map[string]chan struct{}, len(snapshot))
	for id, s := range snapshot {
		ch := make(chan struct{})
		settled[id] = ch
		go func(s *session, ch chan struct{}) {
			s.wg.Wait()
			close(ch)
		}(s, ch)
	}

	for id, s := range snapshot {
		remaining := time.Until(deadlineAt)
		if remaining < 0 {
			remaining = 0
		}
		timer := time.NewTimer(remaining)
		select {
		case <-settled[id]:
			timer.Stop()
			continue
		case <-timer.C:
		}

		// Deadline hit: one last non-blocking check before abandoning —
		// the session may have settled while we waited on a sibling.
		select {
		case <-settled[id]:
			continue
		default:
		}

		r.mu.Lock()
		n := len(s.tasks)
		r.mu.Unlock()
		pending += n
		r.logger.Warn("abandoning session tasks at shutdown",
			"session_id", id, "pending_tasks", n)
	}
	return cancelled, pending
}
