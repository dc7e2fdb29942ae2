package sessions

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dmitrijs2005/memoryweaver/internal/common"
	"github.com/dmitrijs2005/memoryweaver/internal/logging"
	"github.com/oklog/ulid/v2"
)

// DefaultTTL is the session lifetime when none is configured.
const DefaultTTL = 24 * time.Hour

// Manager creates sessions and records file completions against them.
type Manager struct {
	store  Store
	ttl    time.Duration
	logger logging.Logger
	now    func() time.Time

	// serializes read-modify-write of a single session
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewManager(store Store, ttl time.Duration, logger logging.Logger) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Manager{
		store:  store,
		ttl:    ttl,
		logger: logger.With("module", "sessions"),
		now:    time.Now,
		locks:  make(map[string]*sync.Mutex),
	}
}

// NewID returns a time-sortable session id.
func NewID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
}

func (m *Manager) lock(id string) func() {
	m.mu.Lock()
	l, ok := m.locks[id]
	if !ok {
		l = &sync.Mutex{}
		m.locks[id] = l
	}
	m.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// Create starts a session. An empty id is replaced with a fresh one.
func (m *Manager) Create(ctx context.Context, id, ownerID, guildID string, cfg Config) (*Session, error) {
	if id == "" {
		id = NewID()
	}
	if cfg.MaxFiles <= 0 {
		cfg.MaxFiles = 1
	}
	t := m.now().UTC()
	s := &Session{
		ID:          id,
		OwnerID:     ownerID,
		GuildID:     guildID,
		Config:      cfg,
		Files:       []FileRecord{},
		Status:      StatusInitialized,
		CreatedAt:   t,
		LastUpdated: t,
		ExpiresAt:   t.Add(m.ttl),
	}
	if err := m.store.Put(ctx, s); err != nil {
		return nil, fmt.Errorf("store session: %w", err)
	}
	m.logger.Debug(ctx, "upload session created", "session_id", id, "owner_id", ownerID, "max_files", cfg.MaxFiles)
	return s.Clone(), nil
}

// Get returns a live session. Expired sessions behave as not found.
func (m *Manager) Get(ctx context.Context, id string) (*Session, error) {
	s, err := m.store.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, common.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if s.Expired(m.now()) {
		return nil, common.ErrSessionNotFound
	}
	return s, nil
}

// RecordFileComplete appends rec to the session and advances its status.
// The first recorded file pins the session to its memory.
func (m *Manager) RecordFileComplete(ctx context.Context, id string, rec FileRecord) (*Session, error) {
	unlock := m.lock(id)
	defer unlock()

	s, err := m.store.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, common.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}

	t := m.now().UTC()
	if s.Expired(t) {
		return nil, common.NewError(common.CodeSessionExpired, "upload session expired, start a new upload", nil)
	}
	if s.Status == StatusCompleted || len(s.Files) >= s.Config.MaxFiles {
		return nil, common.Errorf(common.CodeSessionLimitReached, "this upload already has all of its files",
			"session %s holds %d of %d files", id, len(s.Files), s.Config.MaxFiles)
	}

	if rec.CompletedAt.IsZero() {
		rec.CompletedAt = t
	}
	if s.MemoryID == "" {
		s.MemoryID = rec.MemoryID
	}
	s.Files = append(s.Files, rec)
	s.LastUpdated = t
	s.Status = StatusInProgress
	if len(s.Files) >= s.Config.MaxFiles {
		s.Status = StatusCompleted
	}

	if err := m.store.Put(ctx, s); err != nil {
		return nil, fmt.Errorf("store session: %w", err)
	}
	return s, nil
}

// Sweep removes expired sessions from stores that need it.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	n, err := m.store.Sweep(ctx, m.now())
	if err != nil {
		return 0, fmt.Errorf("sweep sessions: %w", err)
	}

	m.mu.Lock()
	for id := range m.locks {
		if _, err := m.store.Get(ctx, id); errors.Is(err, ErrNotFound) {
			delete(m.locks, id)
		}
	}
	m.mu.Unlock()
	return n, nil
}
