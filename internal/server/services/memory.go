package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dmitrijs2005/memoryweaver/internal/common"
	"github.com/dmitrijs2005/memoryweaver/internal/ipfs"
	"github.com/dmitrijs2005/memoryweaver/internal/logging"
	"github.com/dmitrijs2005/memoryweaver/internal/objectstore"
	"github.com/dmitrijs2005/memoryweaver/internal/server/models"
	"github.com/dmitrijs2005/memoryweaver/internal/validator"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "memoryweaver/services"

// Pipeline stages reported to the Observer.
const (
	StageValidate = "validate"
	StageStore    = "object_store"
	StageCommit   = "metadata_commit"
	StageEnrich   = "content_address"
)

// sniffBytes is how much of the payload the validator inspects.
const sniffBytes = 64 << 10

// ObjectStore is the durable blob store. Write failures are fatal for the
// calling operation.
type ObjectStore interface {
	Write(ctx context.Context, key string, data []byte, contentType string) error
	Read(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	URL(key string) string
}

// ContentStore is the content-addressed network.
type ContentStore interface {
	Upload(ctx context.Context, data []byte, filename string) (*ipfs.UploadResult, error)
	HealthCheck(ctx context.Context) ipfs.Diagnostics
}

// Observer receives pipeline measurements.
type Observer interface {
	ObserveStage(stage string, d time.Duration, err error)
	RecordUploadedBytes(n int)
}

type nopObserver struct{}

func (nopObserver) ObserveStage(string, time.Duration, error) {}
func (nopObserver) RecordUploadedBytes(int)                   {}

// CreateRequest is one file plus the memory fields supplied at intake.
type CreateRequest struct {
	OwnerID     string
	GuildID     string
	Title       string
	Description string
	Category    string
	Tags        []string
	Privacy     string

	Filename    string
	ContentType string
	Data        []byte
}

// CreateResult is returned once the object store and metadata agree.
// Content-address fields are filled later in the background.
type CreateResult struct {
	MemoryID   string   `json:"memory_id"`
	FileID     string   `json:"file_id"`
	FileCount  int      `json:"file_count"`
	StorageKey string   `json:"storage_key"`
	StorageURL string   `json:"storage_url"`
	Warnings   []string `json:"warnings,omitempty"`
}

type SearchResult struct {
	Memories []*models.Memory `json:"memories"`
	Count    int              `json:"count"`
}

type DeleteResult struct {
	MemoryID        string   `json:"memory_id"`
	FileKeysToPurge []string `json:"file_keys_to_purge"`
}

// MemoryService runs the upload pipeline: validate, write the object,
// commit metadata, then publish to the content store in the background.
type MemoryService struct {
	metadata   MetadataStore
	objects    ObjectStore
	content    ContentStore
	validation validator.Config
	logger     logging.Logger
	observer   Observer

	// background content-address uploads
	wg sync.WaitGroup
}

type MemoryServiceOption func(*MemoryService)

func WithMemoryLogger(l logging.Logger) MemoryServiceOption {
	return func(s *MemoryService) { s.logger = l }
}

func WithObserver(o Observer) MemoryServiceOption {
	return func(s *MemoryService) { s.observer = o }
}

func NewMemoryService(metadata MetadataStore, objects ObjectStore, content ContentStore, validation validator.Config, opts ...MemoryServiceOption) *MemoryService {
	s := &MemoryService{
		metadata:   metadata,
		objects:    objects,
		content:    content,
		validation: validation,
		logger:     logging.Discard(),
		observer:   nopObserver{},
	}
	for _, o := range opts {
		o(s)
	}
	s.logger = s.logger.With("module", "memories")
	return s
}

func tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (s *MemoryService) stage(name string, start time.Time, err error) {
	s.observer.ObserveStage(name, time.Since(start), err)
}

// validate screens req against cfg and returns the accepted result.
func (s *MemoryService) validate(req *CreateRequest, cfg validator.Config) (validator.Result, error) {
	start := time.Now()
	prefix := req.Data
	if len(prefix) > sniffBytes {
		prefix = prefix[:sniffBytes]
	}
	res := validator.Validate(validator.Input{
		Name:        req.Filename,
		ContentType: req.ContentType,
		Size:        int64(len(req.Data)),
		Prefix:      prefix,
	}, cfg)

	var reasons []string
	reasons = append(reasons, res.Reasons...)
	if req.Privacy != "" && !models.ValidPrivacy(req.Privacy) {
		reasons = append(reasons, fmt.Sprintf("unknown privacy level %q", req.Privacy))
	}

	var err error
	if len(reasons) > 0 {
		err = &common.Error{
			Code:    common.CodeValidationFailed,
			Message: "the file was rejected",
			Reasons: reasons,
		}
	}
	s.stage(StageValidate, start, err)
	return res, err
}

// write stores data under a fresh key for memoryID.
func (s *MemoryService) write(ctx context.Context, memoryID string, req *CreateRequest, name string) (string, error) {
	start := time.Now()
	key := objectstore.NewKey(memoryID, name)
	err := s.objects.Write(ctx, key, req.Data, req.ContentType)
	s.stage(StageStore, start, err)
	if err != nil {
		s.logger.Error(ctx, "object store write failed", "code", common.CodeStorageWriteFailed, "key", key, "error", err)
		return "", common.NewError(common.CodeStorageWriteFailed, "could not store the file, please try again later", err)
	}
	return key, nil
}

// discard removes an object whose metadata never committed.
func (s *MemoryService) discard(ctx context.Context, key string) {
	if err := s.objects.Delete(context.WithoutCancel(ctx), key); err != nil {
		s.logger.Error(ctx, "failed to remove orphaned object", "key", key, "error", err)
		return
	}
	s.logger.Info(ctx, "orphaned object removed", "key", key)
}

func (s *MemoryService) newFile(req *CreateRequest, res validator.Result, key string) *models.File {
	contentType := req.ContentType
	if contentType == "" {
		contentType = res.DetectedType
	}
	return &models.File{
		OriginalName: res.SanitizedName,
		ContentType:  contentType,
		SizeBytes:    int64(len(req.Data)),
		StorageKey:   key,
		StorageURL:   s.objects.URL(key),
	}
}

// CreateMemoryWithFile is the synchronous entry point. When it returns
// nil the object store and the metadata store agree.
func (s *MemoryService) CreateMemoryWithFile(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	return s.CreateWithConfig(ctx, req, s.validation)
}

// CreateWithConfig is CreateMemoryWithFile screened with cfg instead of
// the service defaults.
func (s *MemoryService) CreateWithConfig(ctx context.Context, req CreateRequest, cfg validator.Config) (res *CreateResult, err error) {
	ctx, span := tracer().Start(ctx, "memories.create")
	defer func() { endSpan(span, err) }()

	v, err := s.validate(&req, cfg)
	if err != nil {
		return nil, err
	}
	category := req.Category
	if category == "" {
		category = string(v.Category)
	}

	memoryID := uuid.NewString()
	span.SetAttributes(attribute.String("memory.id", memoryID), attribute.Int("file.size", len(req.Data)))

	key, err := s.write(ctx, memoryID, &req, v.SanitizedName)
	if err != nil {
		return nil, err
	}

	m := &models.Memory{
		ID:          memoryID,
		OwnerID:     req.OwnerID,
		GuildID:     req.GuildID,
		Title:       req.Title,
		Description: req.Description,
		Category:    category,
		Privacy:     req.Privacy,
		Tags:        req.Tags,
	}
	f := s.newFile(&req, v, key)

	start := time.Now()
	_, fileID, err := s.metadata.CommitMemoryWithFile(ctx, m, f)
	s.stage(StageCommit, start, err)
	if err != nil {
		s.logger.Error(ctx, "metadata commit failed", "code", common.CodeMetadataCommitFailed, "memory_id", memoryID, "error", err)
		s.discard(ctx, key)
		return nil, common.NewError(common.CodeMetadataCommitFailed, "could not save the memory, please try again later", err)
	}

	s.observer.RecordUploadedBytes(len(req.Data))
	s.logger.Info(ctx, "memory created", "memory_id", memoryID, "file_id", fileID, "owner_id", req.OwnerID)

	s.publishAsync(ctx, memoryID, fileID, v.SanitizedName, req.Data)

	return &CreateResult{
		MemoryID:   memoryID,
		FileID:     fileID,
		FileCount:  m.FileCount,
		StorageKey: key,
		StorageURL: f.StorageURL,
		Warnings:   v.Warnings,
	}, nil
}

// AddFile appends one file to an existing memory owned by req.OwnerID,
// screened with cfg.
func (s *MemoryService) AddFile(ctx context.Context, memoryID string, req CreateRequest, cfg validator.Config) (res *CreateResult, err error) {
	ctx, span := tracer().Start(ctx, "memories.add_file", trace.WithAttributes(attribute.String("memory.id", memoryID)))
	defer func() { endSpan(span, err) }()

	v, err := s.validate(&req, cfg)
	if err != nil {
		return nil, err
	}

	key, err := s.write(ctx, memoryID, &req, v.SanitizedName)
	if err != nil {
		return nil, err
	}
	f := s.newFile(&req, v, key)

	start := time.Now()
	m, err := s.metadata.AttachFile(ctx, memoryID, req.OwnerID, f)
	s.stage(StageCommit, start, err)
	if err != nil {
		s.discard(ctx, key)
		switch common.CodeOf(err) {
		case common.CodePermissionDenied, common.CodeNotFound:
			return nil, err
		}
		s.logger.Error(ctx, "metadata commit failed", "code", common.CodeMetadataCommitFailed, "memory_id", memoryID, "error", err)
		return nil, common.NewError(common.CodeMetadataCommitFailed, "could not save the file, please try again later", err)
	}

	s.observer.RecordUploadedBytes(len(req.Data))
	s.publishAsync(ctx, memoryID, f.ID, v.SanitizedName, req.Data)

	return &CreateResult{
		MemoryID:   memoryID,
		FileID:     f.ID,
		FileCount:  m.FileCount,
		StorageKey: key,
		StorageURL: f.StorageURL,
		Warnings:   v.Warnings,
	}, nil
}

// publishAsync uploads data to the content store without holding up the
// caller. The request context's values are kept but its cancellation is not.
func (s *MemoryService) publishAsync(ctx context.Context, memoryID, fileID, filename string, data []byte) {
	if s.content == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		_ = s.publish(ctx, memoryID, fileID, filename, data)
	}()
}

// publish uploads one file and enriches its row. Failures are logged and
// recorded on the row, never returned to the original caller.
func (s *MemoryService) publish(ctx context.Context, memoryID, fileID, filename string, data []byte) (err error) {
	ctx, span := tracer().Start(ctx, "memories.publish", trace.WithAttributes(
		attribute.String("memory.id", memoryID), attribute.String("file.id", fileID)))
	defer func() { endSpan(span, err) }()

	start := time.Now()
	res, err := s.content.Upload(ctx, data, filename)
	if err != nil {
		err = common.NewError(common.CodeContentAddressUploadFailed, "content address upload failed", err)
		s.stage(StageEnrich, start, err)
		s.logger.Warn(ctx, "content address upload failed, file keeps object store copy only",
			"code", common.CodeContentAddressUploadFailed, "memory_id", memoryID, "file_id", fileID, "error", err)
		if _, merr := s.metadata.MarkContentAddressFailed(ctx, memoryID); merr != nil {
			s.logger.Error(ctx, "failed to mark content address failure", "memory_id", memoryID, "error", merr)
		}
		return err
	}

	n, err := s.metadata.EnrichFile(ctx, fileID, res.CID, res.URL)
	s.stage(StageEnrich, start, err)
	if err != nil {
		s.logger.Error(ctx, "enrichment failed", "memory_id", memoryID, "file_id", fileID, "cid", res.CID, "error", err)
		return err
	}
	if n == 0 {
		s.logger.Info(ctx, "file gone before enrichment", "memory_id", memoryID, "file_id", fileID, "cid", res.CID)
		return nil
	}

	if status := pinStatus(res); status != models.PinUnknown {
		if err := s.metadata.RecordPinStatus(ctx, fileID, status); err != nil && !errors.Is(err, common.ErrorNotFound) {
			s.logger.Warn(ctx, "failed to record pin status", "file_id", fileID, "error", err)
		}
	}
	s.logger.Info(ctx, "file enriched", "memory_id", memoryID, "file_id", fileID, "cid", res.CID,
		"strategy", res.Strategy, "attempts", res.Attempts)
	return nil
}

func pinStatus(res *ipfs.UploadResult) string {
	switch {
	case res.Pinned:
		return models.PinPinned
	case res.PinError != "":
		return models.PinUnpinned
	}
	return models.PinUnknown
}

// Wait blocks until background uploads finish or ctx is done.
func (s *MemoryService) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *MemoryService) SearchMemories(ctx context.Context, ownerID string, f models.SearchFilter) (*SearchResult, error) {
	ms, err := s.metadata.Search(ctx, ownerID, f)
	if err != nil {
		return nil, fmt.Errorf("search memories: %w", err)
	}
	return &SearchResult{Memories: ms, Count: len(ms)}, nil
}

func (s *MemoryService) SearchShared(ctx context.Context, guildID, requesterID string, f models.SearchFilter) (*SearchResult, error) {
	ms, err := s.metadata.SearchShared(ctx, guildID, requesterID, f)
	if err != nil {
		return nil, fmt.Errorf("search shared memories: %w", err)
	}
	return &SearchResult{Memories: ms, Count: len(ms)}, nil
}

// DeleteMemory removes the metadata and returns the object keys still to
// purge. Objects are left alone; see PurgeObjects.
func (s *MemoryService) DeleteMemory(ctx context.Context, memoryID, requesterID string) (res *DeleteResult, err error) {
	ctx, span := tracer().Start(ctx, "memories.delete", trace.WithAttributes(attribute.String("memory.id", memoryID)))
	defer func() { endSpan(span, err) }()

	keys, err := s.metadata.Delete(ctx, memoryID, requesterID)
	if err != nil {
		return nil, err
	}
	s.logger.Info(ctx, "memory deleted", "memory_id", memoryID, "files", len(keys))
	return &DeleteResult{MemoryID: memoryID, FileKeysToPurge: keys}, nil
}

// PurgeObjects deletes keys from the object store and returns those that
// could not be removed.
func (s *MemoryService) PurgeObjects(ctx context.Context, keys []string) []string {
	var failed []string
	for _, k := range keys {
		if err := s.objects.Delete(ctx, k); err != nil {
			s.logger.Warn(ctx, "object purge failed", "key", k, "error", err)
			failed = append(failed, k)
		}
	}
	return failed
}

// RemoveFile deletes one file and its object.
func (s *MemoryService) RemoveFile(ctx context.Context, fileID, requesterID string) error {
	key, err := s.metadata.RemoveFile(ctx, fileID, requesterID)
	if err != nil {
		return err
	}
	s.PurgeObjects(ctx, []string{key})
	return nil
}

// EnrichIPFS records a content address for a memory whose upload finished
// out of band. Only the owner may enrich; repeating the call is harmless.
func (s *MemoryService) EnrichIPFS(ctx context.Context, memoryID, requesterID, cid, url string) (n int64, err error) {
	ctx, span := tracer().Start(ctx, "memories.enrich", trace.WithAttributes(attribute.String("memory.id", memoryID)))
	defer func() { endSpan(span, err) }()

	if cid == "" {
		return 0, &common.Error{Code: common.CodeValidationFailed, Message: "content address is required",
			Reasons: []string{"cid cannot be empty"}}
	}
	n, err = s.metadata.EnrichOwned(ctx, memoryID, requesterID, cid, url)
	if err != nil {
		return 0, fmt.Errorf("enrich memory %s: %w", memoryID, err)
	}
	if n == 0 {
		s.logger.Info(ctx, "enrichment matched no files", "memory_id", memoryID, "cid", cid)
	}
	return n, nil
}

// RetryPendingEnrichment reads back files that never got a content address
// and publishes them again. It returns how many were enriched.
func (s *MemoryService) RetryPendingEnrichment(ctx context.Context, olderThan time.Duration, limit int) (int, error) {
	if s.content == nil {
		return 0, nil
	}
	files, err := s.metadata.ListPendingEnrichment(ctx, olderThan, limit)
	if err != nil {
		return 0, fmt.Errorf("list pending enrichment: %w", err)
	}

	done := 0
	for _, f := range files {
		if ctx.Err() != nil {
			return done, ctx.Err()
		}
		data, err := s.objects.Read(ctx, f.StorageKey)
		if err != nil {
			s.logger.Warn(ctx, "cannot read object for enrichment retry", "file_id", f.ID, "key", f.StorageKey, "error", err)
			continue
		}
		if err := s.publish(ctx, f.MemoryID, f.ID, f.OriginalName, data); err == nil {
			done++
		}
	}
	return done, nil
}

// ContentStoreHealth reports the content store probes. It never fails.
func (s *MemoryService) ContentStoreHealth(ctx context.Context) ipfs.Diagnostics {
	if s.content == nil {
		return ipfs.Diagnostics{CheckedAt: time.Now().UTC()}
	}
	return s.content.HealthCheck(ctx)
}
