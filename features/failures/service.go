package failures

import (
	"context"
	"log/slog"

	"recordexport/internal/batch"
)

const (
	DefaultListLimit = 100
	MaxListLimit     = 1000
)

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

func (s *Service) List(ctx context.Context, batchID string, limit int) ([]Failure, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	return s.repo.List(ctx, batchID, min(limit, MaxListLimit))
}

func (s *Service) Count(ctx context.Context) (int, error) {
	return s.repo.Count(ctx)
}

// Recorder returns a batch failure hook that stores every failed row under
// batchID. Storage errors are logged and never reach the batch.
func (s *Service) Recorder(batchID string) batch.FailureFunc {
	return func(ctx context.Context, row batch.Row, err error) {
		f := &Failure{
			BatchID:  batchID,
			EntityID: row.EntityID,
			RecordID: row.RecordID,
			Error:    err.Error(),
		}
		if saveErr := s.repo.Save(context.WithoutCancel(ctx), f); saveErr != nil {
			slog.WarnContext(ctx, "failed to record batch failure", "batch_id", batchID, "entity_id", row.EntityID, "record_id", row.RecordID, "error", saveErr)
		}
	}
}
