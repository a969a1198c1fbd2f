package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stewardai/steward/internal/memory"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

func notFound(kind, id string) error {
	return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
}

// Session is one persisted conversation.
type Session struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Message is one transcript entry within a session.
type Message struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Store is the persistence collaborator: sessions, their transcript, and
// the working-memory snapshot handed over on workflow completion.
type Store interface {
	EnsureSession(ctx context.Context, id string) error
	GetSession(ctx context.Context, id string) (*Session, error)
	ListSessions(ctx context.Context, limit int) ([]Session, error)
	DeleteSession(ctx context.Context, id string) error

	AppendMessage(ctx context.Context, sessionID, role, content string) error
	Messages(ctx context.Context, sessionID string, limit int) ([]Message, error)

	SaveSnapshot(ctx context.Context, snap *memory.Snapshot) error
	LoadSnapshot(ctx context.Context, sessionID string) (*memory.Snapshot, error)

	Close() error
}
