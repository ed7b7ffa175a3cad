package postgres

import (
	"time"

	"github.com/google/uuid"
)

// ExecutionModel maps to the "executions" table.
type ExecutionModel struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	ContextID   string    `gorm:"not null;index"`
	ExecutionID string    `gorm:"not null;uniqueIndex"`
	Language    string    `gorm:"not null"`
	Backend     string    `gorm:"not null;default:''"`
	Status      string    `gorm:"not null;index"`
	Error       string
	ErrorKind   string
	DurationMS  int64     `gorm:"not null;default:0"`
	StartedAt   time.Time `gorm:"not null;index"`
	FinishedAt  time.Time `gorm:"not null"`
	CreatedAt   time.Time
}

func (ExecutionModel) TableName() string { return "executions" }
