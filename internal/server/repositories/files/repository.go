package files

import (
	"context"
	"time"

	"github.com/dmitrijs2005/memoryweaver/internal/server/models"
)

type Repository interface {
	Create(ctx context.Context, f *models.File) error
	GetByID(ctx context.Context, id string) (*models.File, error)
	ListByMemory(ctx context.Context, memoryID string) ([]*models.File, error)
	Delete(ctx context.Context, id string) error
	DeleteByMemory(ctx context.Context, memoryID string) (int64, error)
	// SetContentAddress records cid on every file of the memory that has no
	// address yet or already carries the same one. Repeating it changes
	// nothing.
	SetContentAddress(ctx context.Context, memoryID, cid, url string) (int64, error)
	SetFileContentAddress(ctx context.Context, fileID, cid, url string) (int64, error)
	SetPinStatus(ctx context.Context, fileID, status string, at time.Time) error
	// MarkFailed flags files of the memory still lacking an address.
	MarkFailed(ctx context.Context, memoryID string, at time.Time) (int64, error)
	ListPendingEnrichment(ctx context.Context, uploadedBefore time.Time, limit int) ([]*models.File, error)
}
