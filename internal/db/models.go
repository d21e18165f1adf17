package db

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// base contains the common fields shared by all models.
// ID uses UUID v7 (time-ordered) for efficient B-tree indexing and natural
// chronological ordering without a separate created_at sort. CreatedAt and
// UpdatedAt are managed automatically by GORM.
type base struct {
	ID        uuid.UUID `gorm:"type:text;primaryKey"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// BeforeCreate generates a new UUID v7 if the ID is not already set.
func (b *base) BeforeCreate(tx *gorm.DB) error {
	if b.ID == (uuid.UUID{}) {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		b.ID = id
	}
	return nil
}

// softDelete extends base with a nullable DeletedAt field for soft deletion.
// GORM automatically filters out soft-deleted records from all queries unless
// Unscoped() is used explicitly.
type softDelete struct {
	base
	DeletedAt gorm.DeletedAt `gorm:"index"`
}

// -----------------------------------------------------------------------------
// Users
// -----------------------------------------------------------------------------

// User mirrors an identity from the external identity provider. Records are
// created lazily the first time a verified token for an unknown subject is
// seen. Custard never stores passwords — authentication happens entirely at
// the provider.
type User struct {
	base
	Email       string `gorm:"uniqueIndex;not null"`
	DisplayName string `gorm:"not null;default:''"`
	Subject     string `gorm:"uniqueIndex;not null"` // subject claim from the identity provider
	Role        string `gorm:"not null;default:'user'"` // "admin" or "user"
	LastLoginAt *time.Time
}

// -----------------------------------------------------------------------------
// Connections
// -----------------------------------------------------------------------------

// Connection is a user-declared reference to one remote customer database.
// The server never holds the database's credentials — those live with the
// connector agent inside the customer's network. AgentID is the transport
// identity the agent presents on its WebSocket handshake; it is distinct
// from the Connection's own ID and both are immutable for the lifetime of
// the record.
//
// AgentKeyHash is the bcrypt hash of the agent key. The raw key is returned
// exactly once, at creation time, and cannot be recovered or rotated in
// place — replacing a leaked key means creating a new Connection.
type Connection struct {
	softDelete
	Name         string    `gorm:"not null"`
	DBType       string    `gorm:"not null"` // "postgres", "mysql", "mariadb", "sqlserver", "snowflake", "other"
	OwnerID      uuid.UUID `gorm:"type:text;not null;index"`
	AgentID      uuid.UUID `gorm:"type:text;not null;uniqueIndex"`
	AgentKeyHash string    `gorm:"not null"`
	Status       string    `gorm:"not null;default:'offline'"` // "online" or "offline"
	LastSeenAt   *time.Time
}

// -----------------------------------------------------------------------------
// Uploaded files
// -----------------------------------------------------------------------------

// UploadedFile records the metadata of one CSV uploaded to the external
// blob store. Only metadata is persisted — the bytes live in the blob store
// and are fetched through short-lived signed URLs when a CSV session is
// materialized.
type UploadedFile struct {
	softDelete
	OwnerID     uuid.UUID `gorm:"type:text;not null;index"`
	Name        string    `gorm:"not null"`           // original filename, display only
	BlobKey     string    `gorm:"not null;uniqueIndex"` // object key in the blob store
	SizeBytes   int64     `gorm:"not null;default:0"`
	ContentType string    `gorm:"not null;default:'text/csv'"`
}
