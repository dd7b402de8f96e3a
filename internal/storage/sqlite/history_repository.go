package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/italolelis/artifactd/internal/storage"
)

const (
	selectColumns = `download_id, artifact_id, status, bytes_downloaded, total_bytes, error, finished_at, instance_id`

	// Fixed width so that finished_at sorts as text.
	timeLayout = "2006-01-02T15:04:05.000000000Z07:00"
)

// HistoryRepository implements storage.HistoryRepository on SQLite.
type HistoryRepository struct {
	db *sql.DB
}

var _ storage.HistoryRepository = (*HistoryRepository)(nil)

func NewHistoryRepository(dbConn *sql.DB) *HistoryRepository {
	return &HistoryRepository{db: dbConn}
}

func (r *HistoryRepository) RecordOutcome(ctx context.Context, rec storage.HistoryRecord) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO downloads (download_id, artifact_id, status, bytes_downloaded, total_bytes, error, finished_at, instance_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(download_id) DO UPDATE SET
			status = excluded.status,
			bytes_downloaded = excluded.bytes_downloaded,
			total_bytes = excluded.total_bytes,
			error = excluded.error,
			finished_at = excluded.finished_at,
			instance_id = excluded.instance_id
	`,
		rec.DownloadID,
		rec.ArtifactID,
		rec.Status,
		rec.BytesDownloaded,
		rec.TotalBytes,
		nullString(rec.Error),
		rec.FinishedAt.UTC().Format(timeLayout),
		nullString(rec.InstanceID),
	)

	return err
}

func (r *HistoryRepository) GetHistory(ctx context.Context, limit int) ([]storage.HistoryRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+selectColumns+` FROM downloads ORDER BY finished_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanRecords(rows)
}

func (r *HistoryRepository) GetArtifactHistory(ctx context.Context, artifactID string, limit int) ([]storage.HistoryRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+selectColumns+` FROM downloads
		WHERE artifact_id = ?
		ORDER BY finished_at DESC, id DESC
		LIMIT ?`, artifactID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanRecords(rows)
}

func (r *HistoryRepository) GetRecord(ctx context.Context, downloadID string) (storage.HistoryRecord, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM downloads WHERE download_id = ?`, downloadID)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.HistoryRecord{}, storage.ErrNotFound
	}

	return rec, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (storage.HistoryRecord, error) {
	var (
		record     storage.HistoryRecord
		errText    sql.NullString
		instanceID sql.NullString
		finishedAt string
	)

	err := s.Scan(
		&record.DownloadID,
		&record.ArtifactID,
		&record.Status,
		&record.BytesDownloaded,
		&record.TotalBytes,
		&errText,
		&finishedAt,
		&instanceID,
	)
	if err != nil {
		return storage.HistoryRecord{}, err
	}

	record.Error = errText.String
	record.InstanceID = instanceID.String

	if t, err := time.Parse(time.RFC3339Nano, finishedAt); err == nil {
		record.FinishedAt = t
	}

	return record, nil
}

func scanRecords(rows *sql.Rows) ([]storage.HistoryRecord, error) {
	records := []storage.HistoryRecord{}

	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}

		records = append(records, record)
	}

	return records, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
