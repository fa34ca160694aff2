package storyboard

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

type Repository interface {
	CreateBatch(ctx context.Context, batch *Batch, scenes []*Scene) error
	GetBatch(ctx context.Context, id string) (*Batch, error)
	ListBatches(ctx context.Context, limit int) ([]*Batch, error)
	NextPendingBatch(ctx context.Context) (*Batch, error)
	UpdateBatchStatus(ctx context.Context, id, status, errorMsg string) error
	UpdateBatchCursor(ctx context.Context, id string, cursor int) error

	GetScenes(ctx context.Context, batchID string) ([]*Scene, error)
	UpdateSceneStatus(ctx context.Context, id, status string) error
	UpdateSceneResult(ctx context.Context, id, status, assetURI string, usedContinuity bool, errorMsg string) error

	GetPreference(ctx context.Context, key string) (string, error)
	SetPreference(ctx context.Context, key, value string) error
}

type SQLiteRepository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

func (r *SQLiteRepository) CreateBatch(ctx context.Context, b *Batch, scenes []*Scene) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO batches (id, status, cursor, scene_count, aspect_ratio, duration_seconds, transition_seconds, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, b.ID, b.Status, b.Cursor, b.SceneCount, b.AspectRatio, b.DurationSeconds, b.TransitionSeconds,
		nullString(b.Error), b.CreatedAt.Format(time.RFC3339), b.UpdatedAt.Format(time.RFC3339))
	if err != nil {
		return err
	}

	for _, s := range scenes {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO scenes (id, batch_id, idx, prompt, duration_seconds, status, asset_uri, used_continuity, error, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, s.ID, s.BatchID, s.Index, s.Prompt, s.DurationSeconds, s.Status,
			nullString(s.AssetURI), boolToInt(s.UsedContinuity), nullString(s.Error),
			s.UpdatedAt.Format(time.RFC3339))
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

const batchColumns = "id, status, cursor, scene_count, aspect_ratio, duration_seconds, transition_seconds, error, created_at, updated_at"

func (r *SQLiteRepository) GetBatch(ctx context.Context, id string) (*Batch, error) {
	row := r.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT %s FROM batches WHERE id = ?", batchColumns), id)
	return scanBatch(row)
}

func (r *SQLiteRepository) ListBatches(ctx context.Context, limit int) ([]*Batch, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx,
		fmt.Sprintf("SELECT %s FROM batches ORDER BY created_at DESC LIMIT ?", batchColumns), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var batches []*Batch
	for rows.Next() {
		b, err := scanBatchRow(rows)
		if err != nil {
			return nil, err
		}
		batches = append(batches, b)
	}
	return batches, rows.Err()
}

// NextPendingBatch returns the oldest batch waiting to run, or nil.
func (r *SQLiteRepository) NextPendingBatch(ctx context.Context) (*Batch, error) {
	row := r.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT %s FROM batches WHERE status = ? ORDER BY created_at ASC LIMIT 1", batchColumns),
		BatchStatusPending)
	return scanBatch(row)
}

func (r *SQLiteRepository) UpdateBatchStatus(ctx context.Context, id, status, errorMsg string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE batches SET status = ?, error = ?, updated_at = datetime('now') WHERE id = ?
	`, status, nullString(errorMsg), id)
	return err
}

func (r *SQLiteRepository) UpdateBatchCursor(ctx context.Context, id string, cursor int) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE batches SET cursor = ?, updated_at = datetime('now') WHERE id = ?
	`, cursor, id)
	return err
}

func (r *SQLiteRepository) GetScenes(ctx context.Context, batchID string) ([]*Scene, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, batch_id, idx, prompt, duration_seconds, status, asset_uri, used_continuity, error, updated_at
		FROM scenes WHERE batch_id = ? ORDER BY idx ASC
	`, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var scenes []*Scene
	for rows.Next() {
		var s Scene
		var assetURI, errMsg sql.NullString
		var usedContinuity int
		var updatedAt string

		if err := rows.Scan(&s.ID, &s.BatchID, &s.Index, &s.Prompt, &s.DurationSeconds,
			&s.Status, &assetURI, &usedContinuity, &errMsg, &updatedAt); err != nil {
			return nil, err
		}
		s.AssetURI = assetURI.String
		s.UsedContinuity = usedContinuity == 1
		s.Error = errMsg.String
		s.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
		scenes = append(scenes, &s)
	}
	return scenes, rows.Err()
}

func (r *SQLiteRepository) UpdateSceneStatus(ctx context.Context, id, status string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE scenes SET status = ?, updated_at = datetime('now') WHERE id = ?
	`, status, id)
	return err
}

func (r *SQLiteRepository) UpdateSceneResult(ctx context.Context, id, status, assetURI string, usedContinuity bool, errorMsg string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE scenes SET status = ?, asset_uri = ?, used_continuity = ?, error = ?, updated_at = datetime('now') WHERE id = ?
	`, status, nullString(assetURI), boolToInt(usedContinuity), nullString(errorMsg), id)
	return err
}

func (r *SQLiteRepository) GetPreference(ctx context.Context, key string) (string, error) {
	var value string
	err := r.db.QueryRowContext(ctx, "SELECT value FROM preferences WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

func (r *SQLiteRepository) SetPreference(ctx context.Context, key, value string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO preferences (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBatch(row *sql.Row) (*Batch, error) {
	b, err := scanBatchRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return b, err
}

func scanBatchRow(row rowScanner) (*Batch, error) {
	var b Batch
	var errMsg sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(&b.ID, &b.Status, &b.Cursor, &b.SceneCount, &b.AspectRatio,
		&b.DurationSeconds, &b.TransitionSeconds, &errMsg, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	b.Error = errMsg.String
	b.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	b.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &b, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
