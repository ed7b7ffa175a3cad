package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/jkaninda/coderunner/internal/storage"
)

// ExecutionRepository reads and writes execution records. It works on any
// GORM dialect; the sqlite backend reuses it.
type ExecutionRepository struct {
	db *gorm.DB
}

// NewExecutionRepository creates an ExecutionRepository.
func NewExecutionRepository(db *gorm.DB) *ExecutionRepository {
	return &ExecutionRepository{db: db}
}

// Save inserts rec and writes the assigned id back into it.
func (r *ExecutionRepository) Save(ctx context.Context, rec *storage.Record) error {
	if rec == nil {
		return fmt.Errorf("saving execution: nil record")
	}
	if rec.ExecutionID == "" {
		return fmt.Errorf("saving execution: execution id is required")
	}
	model := toModel(rec)
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return fmt.Errorf("saving execution %s: %w", rec.ExecutionID, err)
	}
	rec.ID = model.ID.String()
	return nil
}

// Get returns the record for executionID or storage.ErrNotFound.
func (r *ExecutionRepository) Get(ctx context.Context, executionID string) (*storage.Record, error) {
	var model ExecutionModel
	err := r.db.WithContext(ctx).
		Where("execution_id = ?", executionID).
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting execution %s: %w", executionID, err)
	}
	return toRecord(&model), nil
}

// List returns the newest records first, optionally for a single context.
func (r *ExecutionRepository) List(ctx context.Context, contextID string, limit int) ([]*storage.Record, error) {
	if limit <= 0 {
		limit = storage.DefaultListLimit
	}
	var models []ExecutionModel
	err := r.db.WithContext(ctx).
		Scopes(ContextScope(contextID)).
		Order("started_at DESC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("listing executions: %w", err)
	}
	records := make([]*storage.Record, 0, len(models))
	for i := range models {
		records = append(records, toRecord(&models[i]))
	}
	return records, nil
}

// Prune deletes records that started before the cutoff and returns how many
// were removed.
func (r *ExecutionRepository) Prune(ctx context.Context, before time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("started_at < ?", before.UTC()).
		Delete(&ExecutionModel{})
	if res.Error != nil {
		return 0, fmt.Errorf("pruning executions: %w", res.Error)
	}
	return res.RowsAffected, nil
}
