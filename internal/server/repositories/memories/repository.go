package memories

import (
	"context"
	"time"

	"github.com/dmitrijs2005/memoryweaver/internal/server/models"
)

type Repository interface {
	Create(ctx context.Context, m *models.Memory) error
	GetByID(ctx context.Context, id string) (*models.Memory, error)
	// AdjustFileCount adds delta to file_count. It never touches other columns
	// besides updated_at.
	AdjustFileCount(ctx context.Context, id string, delta int, at time.Time) error
	Delete(ctx context.Context, id string) error
	SearchByOwner(ctx context.Context, ownerID string, f models.SearchFilter) ([]*models.Memory, error)
	// SearchByGuild applies the privacy predicate for requesterID, which may
	// be empty for anonymous requests.
	SearchByGuild(ctx context.Context, guildID, requesterID string, f models.SearchFilter) ([]*models.Memory, error)
}
