package services

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/dmitrijs2005/memoryweaver/internal/common"
	"github.com/dmitrijs2005/memoryweaver/internal/logging"
	"github.com/dmitrijs2005/memoryweaver/internal/sessions"
	"github.com/dmitrijs2005/memoryweaver/internal/validator"
)

// UploadSessionService drives multi-file uploads: the first file creates
// the memory, later files attach to it, and each completion is recorded
// on the session.
type UploadSessionService struct {
	sessions *sessions.Manager
	memories *MemoryService
	base     validator.Config
	maxFiles int
	logger   logging.Logger

	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

func NewUploadSessionService(m *sessions.Manager, memories *MemoryService, base validator.Config, maxFiles int, logger logging.Logger) *UploadSessionService {
	if logger == nil {
		logger = logging.Discard()
	}
	return &UploadSessionService{
		sessions: m,
		memories: memories,
		base:     base,
		maxFiles: maxFiles,
		logger:   logger.With("module", "upload_sessions"),
		locks:    make(map[string]*keyedLock),
	}
}

// lock serializes uploads into one session so only the first file creates
// a memory.
func (s *UploadSessionService) lock(id string) func() {
	s.mu.Lock()
	l, ok := s.locks[id]
	if !ok {
		l = &keyedLock{}
		s.locks[id] = l
	}
	l.refs++
	s.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, id)
		}
		s.mu.Unlock()
	}
}

// Start opens a session. Empty fields of cfg fall back to server defaults.
func (s *UploadSessionService) Start(ctx context.Context, ownerID, guildID string, cfg sessions.Config) (*sessions.Session, error) {
	if cfg.MaxFiles <= 0 {
		cfg.MaxFiles = s.maxFiles
	}
	if s.maxFiles > 0 && cfg.MaxFiles > s.maxFiles {
		return nil, &common.Error{
			Code:    common.CodeValidationFailed,
			Message: "too many files requested",
			Reasons: []string{"max_files exceeds the server limit"},
		}
	}
	return s.sessions.Create(ctx, "", ownerID, guildID, cfg)
}

// Get returns a live session owned by requesterID.
func (s *UploadSessionService) Get(ctx context.Context, id, requesterID string) (*sessions.Session, error) {
	sess, err := s.sessions.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.OwnerID != requesterID {
		return nil, common.Errorf(common.CodePermissionDenied, "this upload belongs to someone else",
			"requester %s does not own session %s", requesterID, id)
	}
	return sess, nil
}

// UploadFile runs one file of the session through the pipeline. req's
// owner must match the session owner; the guild comes from the session.
func (s *UploadSessionService) UploadFile(ctx context.Context, id string, req CreateRequest) (*CreateResult, *sessions.Session, error) {
	unlock := s.lock(id)
	defer unlock()

	sess, err := s.Get(ctx, id, req.OwnerID)
	if err != nil {
		return nil, nil, err
	}
	if sess.Status == sessions.StatusCompleted || len(sess.Files) >= sess.Config.MaxFiles {
		return nil, nil, common.Errorf(common.CodeSessionLimitReached, "this upload already has all of its files",
			"session %s holds %d of %d files", id, len(sess.Files), sess.Config.MaxFiles)
	}

	req.GuildID = sess.GuildID
	cfg := s.validationConfig(sess.Config)
	var res *CreateResult
	if sess.MemoryID == "" {
		res, err = s.memories.CreateWithConfig(ctx, req, cfg)
	} else {
		res, err = s.memories.AddFile(ctx, sess.MemoryID, req, cfg)
	}
	if err != nil {
		return nil, nil, err
	}

	updated, err := s.sessions.RecordFileComplete(ctx, id, sessions.FileRecord{
		FileID:     res.FileID,
		MemoryID:   res.MemoryID,
		Name:       req.Filename,
		Size:       int64(len(req.Data)),
		Status:     "completed",
		StorageURL: res.StorageURL,
	})
	if err != nil {
		// the file is stored and committed; only the bookkeeping is lost
		s.logger.Warn(ctx, "file committed but session not updated", "session_id", id, "file_id", res.FileID, "error", err)
		return res, nil, err
	}
	return res, updated, nil
}

// validationConfig narrows the server defaults with what the session
// declared. A session can only drop extensions and categories or lower a
// ceiling, never widen them.
func (s *UploadSessionService) validationConfig(c sessions.Config) validator.Config {
	cfg := s.base
	if len(c.AllowedExtensions) > 0 {
		cfg.AllowedExtensions = intersectFold(s.base.AllowedExtensions, c.AllowedExtensions)
	}
	if len(c.AllowedCategories) > 0 {
		cats := make([]validator.Category, 0, len(c.AllowedCategories))
		for _, v := range s.base.AllowedCategories {
			if slices.Contains(c.AllowedCategories, string(v)) {
				cats = append(cats, v)
			}
		}
		cfg.AllowedCategories = cats
	}
	if len(c.MaxSizeBytes) > 0 {
		sizes := make(map[validator.Category]int64, len(s.base.MaxSizeBytes)+len(c.MaxSizeBytes))
		for k, v := range s.base.MaxSizeBytes {
			sizes[k] = v
		}
		for k, v := range c.MaxSizeBytes {
			cat := validator.Category(k)
			if v > 0 && v < s.base.MaxSizeFor(cat) {
				sizes[cat] = v
			}
		}
		cfg.MaxSizeBytes = sizes
	}
	return cfg
}

// intersectFold keeps the entries of base that also appear in declared,
// ignoring case.
func intersectFold(base, declared []string) []string {
	out := make([]string, 0, len(declared))
	for _, b := range base {
		if slices.ContainsFunc(declared, func(d string) bool { return strings.EqualFold(b, d) }) {
			out = append(out, b)
		}
	}
	return out
}
