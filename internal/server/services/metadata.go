// Package services contains server-side business logic. This file implements
// MetadataService, the transactional store for memories and their files.
package services

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/memoryweaver/internal/common"
	"github.com/dmitrijs2005/memoryweaver/internal/dbx"
	"github.com/dmitrijs2005/memoryweaver/internal/server/models"
	"github.com/dmitrijs2005/memoryweaver/internal/server/repositories/repomanager"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// MetadataStore is the metadata surface the upload pipeline depends on.
type MetadataStore interface {
	CommitMemoryWithFile(ctx context.Context, m *models.Memory, f *models.File) (memoryID, fileID string, err error)
	AttachFile(ctx context.Context, memoryID, requesterID string, f *models.File) (*models.Memory, error)
	RemoveFile(ctx context.Context, fileID, requesterID string) (string, error)
	EnrichOwned(ctx context.Context, memoryID, requesterID, cid, url string) (int64, error)
	EnrichFile(ctx context.Context, fileID, cid, url string) (int64, error)
	RecordPinStatus(ctx context.Context, fileID, status string) error
	MarkContentAddressFailed(ctx context.Context, memoryID string) (int64, error)
	ListPendingEnrichment(ctx context.Context, olderThan time.Duration, limit int) ([]*models.File, error)
	Search(ctx context.Context, ownerID string, f models.SearchFilter) ([]*models.Memory, error)
	SearchShared(ctx context.Context, guildID, requesterID string, f models.SearchFilter) ([]*models.Memory, error)
	Delete(ctx context.Context, memoryID, requesterID string) ([]string, error)
}

// MetadataService commits memory and file rows. Every operation that
// changes the number of files of a memory adjusts file_count in the same
// transaction.
type MetadataService struct {
	db          *sql.DB
	repomanager repomanager.RepositoryManager
	now         func() time.Time
}

func NewMetadataService(db *sql.DB, m repomanager.RepositoryManager) *MetadataService {
	return &MetadataService{
		db:          db,
		repomanager: m,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// NewFileID returns a time-sortable file id.
func NewFileID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
}

func (s *MetadataService) prepareFile(f *models.File, memoryID string, t time.Time) {
	if f.ID == "" {
		f.ID = NewFileID()
	}
	f.MemoryID = memoryID
	if f.PinStatus == "" {
		f.PinStatus = models.PinUnknown
	}
	if f.ProcessingStatus == "" {
		f.ProcessingStatus = models.ProcessingPending
	}
	if f.UploadedAt.IsZero() {
		f.UploadedAt = t
	}
	f.UpdatedAt = t
}

// CommitMemoryWithFile inserts m, inserts f referencing it and bumps the
// file count, all in one transaction. Missing ids are generated.
func (s *MetadataService) CommitMemoryWithFile(ctx context.Context, m *models.Memory, f *models.File) (string, string, error) {
	t := s.now()
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Privacy == "" {
		m.Privacy = models.PrivacyPrivate
	}
	if m.Status == "" {
		m.Status = models.MemoryStatusActive
	}
	m.Tags = models.NormalizeTags(m.Tags)
	m.FileCount = 0
	m.CreatedAt = t
	m.UpdatedAt = t
	s.prepareFile(f, m.ID, t)

	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		memRepo := s.repomanager.Memories(tx)
		fileRepo := s.repomanager.Files(tx)

		if err := memRepo.Create(ctx, m); err != nil {
			return fmt.Errorf("insert memory: %w", err)
		}
		if err := fileRepo.Create(ctx, f); err != nil {
			return fmt.Errorf("insert file: %w", err)
		}
		if err := memRepo.AdjustFileCount(ctx, m.ID, 1, t); err != nil {
			return fmt.Errorf("increment file count: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", "", err
	}

	m.FileCount = 1
	return m.ID, f.ID, nil
}

// AttachFile adds f to an existing memory owned by requesterID.
func (s *MetadataService) AttachFile(ctx context.Context, memoryID, requesterID string, f *models.File) (*models.Memory, error) {
	t := s.now()
	s.prepareFile(f, memoryID, t)

	var m *models.Memory
	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		memRepo := s.repomanager.Memories(tx)

		var err error
		m, err = s.ownedMemory(ctx, memRepo.GetByID, memoryID, requesterID)
		if err != nil {
			return err
		}
		if err := s.repomanager.Files(tx).Create(ctx, f); err != nil {
			return fmt.Errorf("insert file: %w", err)
		}
		if err := memRepo.AdjustFileCount(ctx, memoryID, 1, t); err != nil {
			return fmt.Errorf("increment file count: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.FileCount++
	m.UpdatedAt = t
	return m, nil
}

// RemoveFile deletes one file of a memory owned by requesterID and returns
// its object key for purging.
func (s *MetadataService) RemoveFile(ctx context.Context, fileID, requesterID string) (string, error) {
	var key string
	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		memRepo := s.repomanager.Memories(tx)
		fileRepo := s.repomanager.Files(tx)

		f, err := fileRepo.GetByID(ctx, fileID)
		if errors.Is(err, common.ErrorNotFound) {
			return common.Errorf(common.CodeNotFound, "file not found", "file %s", fileID)
		}
		if err != nil {
			return err
		}
		if _, err := s.ownedMemory(ctx, memRepo.GetByID, f.MemoryID, requesterID); err != nil {
			return err
		}
		if err := fileRepo.Delete(ctx, fileID); err != nil {
			return fmt.Errorf("delete file: %w", err)
		}
		if err := memRepo.AdjustFileCount(ctx, f.MemoryID, -1, s.now()); err != nil {
			return fmt.Errorf("decrement file count: %w", err)
		}
		key = f.StorageKey
		return nil
	})
	if err != nil {
		return "", err
	}
	return key, nil
}

func (s *MetadataService) ownedMemory(ctx context.Context, get func(context.Context, string) (*models.Memory, error), memoryID, requesterID string) (*models.Memory, error) {
	m, err := get(ctx, memoryID)
	if errors.Is(err, common.ErrorNotFound) {
		return nil, common.Errorf(common.CodeNotFound, "memory not found", "memory %s", memoryID)
	}
	if err != nil {
		return nil, err
	}
	if m.OwnerID != requesterID {
		return nil, common.Errorf(common.CodePermissionDenied, "only the owner can change this memory",
			"requester %s does not own memory %s", requesterID, memoryID)
	}
	return m, nil
}

// EnrichWithContentAddress attaches cid to the files of memoryID that have
// no address yet. Zero rows is a valid outcome: the memory may be gone.
func (s *MetadataService) EnrichWithContentAddress(ctx context.Context, memoryID, cid, url string) (int64, error) {
	return s.repomanager.Files(s.db).SetContentAddress(ctx, memoryID, cid, url)
}

// EnrichOwned is EnrichWithContentAddress for a caller that must own the
// memory. A missing memory enriches nothing.
func (s *MetadataService) EnrichOwned(ctx context.Context, memoryID, requesterID, cid, url string) (int64, error) {
	_, err := s.ownedMemory(ctx, s.repomanager.Memories(s.db).GetByID, memoryID, requesterID)
	if errors.Is(err, common.ErrMemoryNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return s.EnrichWithContentAddress(ctx, memoryID, cid, url)
}

// EnrichFile attaches cid to a single file that has no address yet.
func (s *MetadataService) EnrichFile(ctx context.Context, fileID, cid, url string) (int64, error) {
	return s.repomanager.Files(s.db).SetFileContentAddress(ctx, fileID, cid, url)
}

func (s *MetadataService) RecordPinStatus(ctx context.Context, fileID, status string) error {
	return s.repomanager.Files(s.db).SetPinStatus(ctx, fileID, status, s.now())
}

func (s *MetadataService) MarkContentAddressFailed(ctx context.Context, memoryID string) (int64, error) {
	return s.repomanager.Files(s.db).MarkFailed(ctx, memoryID, s.now())
}

// ListPendingEnrichment returns files uploaded more than olderThan ago that
// still lack a content address, oldest first.
func (s *MetadataService) ListPendingEnrichment(ctx context.Context, olderThan time.Duration, limit int) ([]*models.File, error) {
	return s.repomanager.Files(s.db).ListPendingEnrichment(ctx, s.now().Add(-olderThan), limit)
}

func (s *MetadataService) Search(ctx context.Context, ownerID string, f models.SearchFilter) ([]*models.Memory, error) {
	return s.repomanager.Memories(s.db).SearchByOwner(ctx, ownerID, f)
}

// SearchShared lists memories of a guild visible to requesterID. An empty
// requester is anonymous and sees public memories only.
func (s *MetadataService) SearchShared(ctx context.Context, guildID, requesterID string, f models.SearchFilter) ([]*models.Memory, error) {
	return s.repomanager.Memories(s.db).SearchByGuild(ctx, guildID, requesterID, f)
}

// Delete removes a memory and its files when requesterID owns it, and
// returns the object keys the caller must purge.
func (s *MetadataService) Delete(ctx context.Context, memoryID, requesterID string) ([]string, error) {
	var keys []string
	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		memRepo := s.repomanager.Memories(tx)
		fileRepo := s.repomanager.Files(tx)

		if _, err := s.ownedMemory(ctx, memRepo.GetByID, memoryID, requesterID); err != nil {
			return err
		}

		files, err := fileRepo.ListByMemory(ctx, memoryID)
		if err != nil {
			return err
		}
		keys = make([]string, 0, len(files))
		for _, f := range files {
			keys = append(keys, f.StorageKey)
		}

		if _, err := fileRepo.DeleteByMemory(ctx, memoryID); err != nil {
			return err
		}
		return memRepo.Delete(ctx, memoryID)
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}
