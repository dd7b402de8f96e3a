package sqlite

import (
	"context"
	"database/sql"

	"github.com/italolelis/artifactd/internal/storage"
	"github.com/italolelis/artifactd/internal/telemetry"
)

// InstrumentedHistoryRepository wraps HistoryRepository with telemetry.
type InstrumentedHistoryRepository struct {
	repo      *HistoryRepository
	telemetry *telemetry.Telemetry
}

var _ storage.HistoryRepository = (*InstrumentedHistoryRepository)(nil)

// NewInstrumentedHistoryRepository creates a new instrumented history repository.
func NewInstrumentedHistoryRepository(dbConn *sql.DB, tel *telemetry.Telemetry) *InstrumentedHistoryRepository {
	return &InstrumentedHistoryRepository{
		repo:      NewHistoryRepository(dbConn),
		telemetry: tel,
	}
}

// RecordOutcome stores a download outcome with telemetry.
func (r *InstrumentedHistoryRepository) RecordOutcome(ctx context.Context, rec storage.HistoryRecord) error {
	return r.telemetry.InstrumentDBOperation(ctx, "record_outcome", func(ctx context.Context) error {
		return r.repo.RecordOutcome(ctx, rec)
	})
}

// GetHistory retrieves recent outcomes with telemetry.
func (r *InstrumentedHistoryRepository) GetHistory(ctx context.Context, limit int) ([]storage.HistoryRecord, error) {
	var result []storage.HistoryRecord

	err := r.telemetry.InstrumentDBOperation(ctx, "get_history", func(ctx context.Context) error {
		var err error

		result, err = r.repo.GetHistory(ctx, limit)

		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// GetArtifactHistory retrieves the outcomes of one artifact with telemetry.
func (r *InstrumentedHistoryRepository) GetArtifactHistory(ctx context.Context, artifactID string, limit int) ([]storage.HistoryRecord, error) {
	var result []storage.HistoryRecord

	err := r.telemetry.InstrumentDBOperation(ctx, "get_artifact_history", func(ctx context.Context) error {
		var err error

		result, err = r.repo.GetArtifactHistory(ctx, artifactID, limit)

		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// GetRecord retrieves a single outcome with telemetry.
func (r *InstrumentedHistoryRepository) GetRecord(ctx context.Context, downloadID string) (storage.HistoryRecord, error) {
	var result storage.HistoryRecord

	err := r.telemetry.InstrumentDBOperation(ctx, "get_record", func(ctx context.Context) error {
		var err error

		result, err = r.repo.GetRecord(ctx, downloadID)

		return err
	})

	return result, err
}
