package postgres

import (
	"github.com/google/uuid"

	"github.com/jkaninda/coderunner/internal/storage"
)

func toRecord(m *ExecutionModel) *storage.Record {
	return &storage.Record{
		ID:          m.ID.String(),
		ContextID:   m.ContextID,
		ExecutionID: m.ExecutionID,
		Language:    m.Language,
		Backend:     m.Backend,
		Status:      storage.Status(m.Status),
		Error:       m.Error,
		ErrorKind:   m.ErrorKind,
		DurationMS:  m.DurationMS,
		StartedAt:   m.StartedAt,
		FinishedAt:  m.FinishedAt,
	}
}

// toModel converts rec, assigning a fresh id when rec has none or an
// unparsable one.
func toModel(rec *storage.Record) *ExecutionModel {
	id, err := uuid.Parse(rec.ID)
	if err != nil {
		id = uuid.New()
	}
	return &ExecutionModel{
		ID:          id,
		ContextID:   rec.ContextID,
		ExecutionID: rec.ExecutionID,
		Language:    rec.Language,
		Backend:     rec.Backend,
		Status:      string(rec.Status),
		Error:       rec.Error,
		ErrorKind:   rec.ErrorKind,
		DurationMS:  rec.DurationMS,
		StartedAt:   rec.StartedAt.UTC(),
		FinishedAt:  rec.FinishedAt.UTC(),
	}
}
