// Package repositories provides the data-access layer over the application
// database. Each repository is an interface so higher layers (API handlers,
// the agent endpoint, the orchestrator) can be unit-tested against fakes.
package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/custard-io/custard/internal/db"
)

// -----------------------------------------------------------------------------
// Common
// -----------------------------------------------------------------------------

// ListOptions contains common pagination options for list queries.
type ListOptions struct {
	Limit  int
	Offset int
}

// -----------------------------------------------------------------------------
// UserRepository
// -----------------------------------------------------------------------------

type UserRepository interface {
	Create(ctx context.Context, user *db.User) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.User, error)
	GetBySubject(ctx context.Context, subject string) (*db.User, error)
	Update(ctx context.Context, user *db.User) error
}

// -----------------------------------------------------------------------------
// ConnectionRepository
// -----------------------------------------------------------------------------

type ConnectionRepository interface {
	Create(ctx context.Context, conn *db.Connection) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Connection, error)
	GetByAgentID(ctx context.Context, agentID uuid.UUID) (*db.Connection, error)
	ListByOwner(ctx context.Context, ownerID uuid.UUID, opts ListOptions) ([]db.Connection, int64, error)
	ListByStatus(ctx context.Context, status string) ([]db.Connection, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status string, lastSeenAt time.Time) error
	Delete(ctx context.Context, id uuid.UUID) error
}

// -----------------------------------------------------------------------------
// FileRepository
// -----------------------------------------------------------------------------

type FileRepository interface {
	Create(ctx context.Context, file *db.UploadedFile) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.UploadedFile, error)
	ListByOwner(ctx context.Context, ownerID uuid.UUID, opts ListOptions) ([]db.UploadedFile, int64, error)
	Delete(ctx context.Context, id uuid.UUID) error
}
