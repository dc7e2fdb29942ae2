package files

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/memoryweaver/internal/common"
	"github.com/dmitrijs2005/memoryweaver/internal/dbx"
	"github.com/dmitrijs2005/memoryweaver/internal/server/models"
)

type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const fileColumns = `id, memory_id, original_name, content_type, size_bytes, storage_key, storage_url,
	ipfs_cid, ipfs_url, pin_status, processing_status, uploaded_at, updated_at`

func (r *PostgresRepository) Create(ctx context.Context, f *models.File) error {
	query := `INSERT INTO files (` + fileColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	_, err := r.db.ExecContext(ctx, query, f.ID, f.MemoryID, f.OriginalName, f.ContentType, f.SizeBytes,
		f.StorageKey, f.StorageURL, nullable(f.IPFSCID), nullable(f.IPFSURL), f.PinStatus, f.ProcessingStatus,
		f.UploadedAt, f.UpdatedAt)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*models.File, error) {
	query := `SELECT ` + fileColumns + ` FROM files WHERE id = $1`

	f, err := scanFile(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrorNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select file: %w", err)
	}
	return f, nil
}

func (r *PostgresRepository) ListByMemory(ctx context.Context, memoryID string) ([]*models.File, error) {
	query := `SELECT ` + fileColumns + ` FROM files WHERE memory_id = $1 ORDER BY uploaded_at DESC, id ASC`
	return r.list(ctx, query, memoryID)
}

func (r *PostgresRepository) ListPendingEnrichment(ctx context.Context, uploadedBefore time.Time, limit int) ([]*models.File, error) {
	query := `SELECT ` + fileColumns + ` FROM files
		WHERE ipfs_cid IS NULL AND uploaded_at < $1
		ORDER BY uploaded_at ASC, id ASC LIMIT $2`
	return r.list(ctx, query, uploadedBefore, limit)
}

func (r *PostgresRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM files WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete file: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected error: %w", err)
	}
	if n == 0 {
		return common.ErrorNotFound
	}
	return nil
}

func (r *PostgresRepository) DeleteByMemory(ctx context.Context, memoryID string) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM files WHERE memory_id = $1`, memoryID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete files: %w", err)
	}
	return rowsAffected(res)
}

func (r *PostgresRepository) SetContentAddress(ctx context.Context, memoryID, cid, url string) (int64, error) {
	query := `UPDATE files SET ipfs_cid = $1, ipfs_url = $2, processing_status = $3
		WHERE memory_id = $4 AND (ipfs_cid IS NULL OR ipfs_cid = $1)`
	res, err := r.db.ExecContext(ctx, query, cid, url, models.ProcessingCompleted, memoryID)
	if err != nil {
		return 0, fmt.Errorf("failed to set content address: %w", err)
	}
	return rowsAffected(res)
}

func (r *PostgresRepository) SetFileContentAddress(ctx context.Context, fileID, cid, url string) (int64, error) {
	query := `UPDATE files SET ipfs_cid = $1, ipfs_url = $2, processing_status = $3
		WHERE id = $4 AND (ipfs_cid IS NULL OR ipfs_cid = $1)`
	res, err := r.db.ExecContext(ctx, query, cid, url, models.ProcessingCompleted, fileID)
	if err != nil {
		return 0, fmt.Errorf("failed to set content address: %w", err)
	}
	return rowsAffected(res)
}

func (r *PostgresRepository) SetPinStatus(ctx context.Context, fileID, status string, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `UPDATE files SET pin_status = $1, updated_at = $2 WHERE id = $3`, status, at, fileID)
	if err != nil {
		return fmt.Errorf("failed to set pin status: %w", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return common.ErrorNotFound
	}
	return nil
}

func (r *PostgresRepository) MarkFailed(ctx context.Context, memoryID string, at time.Time) (int64, error) {
	query := `UPDATE files SET processing_status = $1, updated_at = $2
		WHERE memory_id = $3 AND ipfs_cid IS NULL`
	res, err := r.db.ExecContext(ctx, query, models.ProcessingFailed, at, memoryID)
	if err != nil {
		return 0, fmt.Errorf("failed to mark files failed: %w", err)
	}
	return rowsAffected(res)
}

func (r *PostgresRepository) list(ctx context.Context, query string, args ...any) ([]*models.File, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list files: %w", err)
	}
	defer rows.Close()

	result := []*models.File{}
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, f)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanFile(s scanner) (*models.File, error) {
	f := &models.File{}
	var cid, url sql.NullString
	err := s.Scan(&f.ID, &f.MemoryID, &f.OriginalName, &f.ContentType, &f.SizeBytes, &f.StorageKey, &f.StorageURL,
		&cid, &url, &f.PinStatus, &f.ProcessingStatus, &f.UploadedAt, &f.UpdatedAt)
	if err != nil {
		return nil, err
	}
	f.IPFSCID = cid.String
	f.IPFSURL = url.String
	return f, nil
}

func rowsAffected(res sql.Result) (int64, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected error: %w", err)
	}
	return n, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
