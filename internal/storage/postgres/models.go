package postgres

import (
	"time"

	"github.com/google/uuid"
)

// AuditRecordModel maps to the "audit_records" table.
// No UpdatedAt or DeletedAt: the log is append-only and rows only leave through retention.
type AuditRecordModel struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	Tool        string    `gorm:"not null;index"`
	Caller      string    `gorm:"not null"`
	Verb        string
	ArgCount    int
	Status      string `gorm:"not null;index"`
	Kind        string
	ExitCode    *int
	TimedOut    bool
	Truncated   bool
	OutputBytes int
	DurationMS  int64
	CreatedAt   time.Time `gorm:"index"`
}

func (AuditRecordModel) TableName() string { return "audit_records" }
