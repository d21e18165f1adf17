package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/custard-io/custard/internal/db"
)

// gormConnectionRepository is the GORM implementation of ConnectionRepository.
type gormConnectionRepository struct {
	db *gorm.DB
}

// NewConnectionRepository returns a ConnectionRepository backed by the
// provided *gorm.DB.
func NewConnectionRepository(db *gorm.DB) ConnectionRepository {
	return &gormConnectionRepository{db: db}
}

// Create inserts a new connection record into the database.
func (r *gormConnectionRepository) Create(ctx context.Context, conn *db.Connection) error {
	if err := r.db.WithContext(ctx).Create(conn).Error; err != nil {
		return fmt.Errorf("connections: create: %w", err)
	}
	return nil
}

// GetByID retrieves a connection by its UUID. Soft-deleted connections are
// excluded. Returns ErrNotFound if no record exists.
func (r *gormConnectionRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Connection, error) {
	var conn db.Connection
	err := r.db.WithContext(ctx).First(&conn, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("connections: get by id: %w", err)
	}
	return &conn, nil
}

// GetByAgentID retrieves a non-deleted connection by its transport identity.
// Used by the agent endpoint during the hello handshake to resolve the
// presented agent_id to the connection record holding the key hash.
func (r *gormConnectionRepository) GetByAgentID(ctx context.Context, agentID uuid.UUID) (*db.Connection, error) {
	var conn db.Connection
	err := r.db.WithContext(ctx).First(&conn, "agent_id = ?", agentID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("connections: get by agent id: %w", err)
	}
	return &conn, nil
}

// ListByOwner returns a paginated list of one user's connections and the
// total count. Soft-deleted connections are excluded.
func (r *gormConnectionRepository) ListByOwner(ctx context.Context, ownerID uuid.UUID, opts ListOptions) ([]db.Connection, int64, error) {
	var conns []db.Connection
	var total int64

	if err := r.db.WithContext(ctx).
		Model(&db.Connection{}).
		Where("owner_id = ?", ownerID).
		Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("connections: list count: %w", err)
	}

	if err := r.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("created_at ASC").
		Find(&conns).Error; err != nil {
		return nil, 0, fmt.Errorf("connections: list: %w", err)
	}

	return conns, total, nil
}

// ListByStatus returns every non-deleted connection with the given status.
// Used by the reconciliation sweep; not paginated.
func (r *gormConnectionRepository) ListByStatus(ctx context.Context, status string) ([]db.Connection, error) {
	var conns []db.Connection
	if err := r.db.WithContext(ctx).
		Where("status = ?", status).
		Find(&conns).Error; err != nil {
		return nil, fmt.Errorf("connections: list by status: %w", err)
	}
	return conns, nil
}

// UpdateStatus updates only the status and last_seen_at fields of a
// connection. Called on every registry attach/detach — updating only two
// columns avoids unnecessary write amplification on the full row.
func (r *gormConnectionRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status string, lastSeenAt time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&db.Connection{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":       status,
			"last_seen_at": lastSeenAt,
		})
	if result.Error != nil {
		return fmt.Errorf("connections: update status: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete soft-deletes a connection by setting deleted_at. The caller is
// responsible for evicting the live session, schema cache entry, and
// pending correlations that referenced it.
func (r *gormConnectionRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).Delete(&db.Connection{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("connections: delete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
