// Package sessions keeps ephemeral bookkeeping for multi-file uploads. A
// session never commits metadata itself; callers do that and then record
// the completed file here.
package sessions

import (
	"slices"
	"time"
)

// Status is the overall state of an upload session.
type Status string

const (
	StatusInitialized Status = "initialized"
	StatusInProgress  Status = "in_progress"
	StatusCompleted   Status = "completed"
	StatusExpired     Status = "expired"
)

// Config is the upload configuration declared when the session starts.
type Config struct {
	AllowedExtensions []string         `dynamodbav:"allowed_extensions" json:"allowed_extensions,omitempty"`
	AllowedCategories []string         `dynamodbav:"allowed_categories" json:"allowed_categories,omitempty"`
	MaxSizeBytes      map[string]int64 `dynamodbav:"max_size_bytes" json:"max_size_bytes,omitempty"`
	MaxFiles          int              `dynamodbav:"max_files" json:"max_files"`
}

// FileRecord is one file progressed through the pipeline.
type FileRecord struct {
	FileID      string    `dynamodbav:"file_id" json:"file_id"`
	MemoryID    string    `dynamodbav:"memory_id" json:"memory_id"`
	Name        string    `dynamodbav:"name" json:"name"`
	Size        int64     `dynamodbav:"size" json:"size"`
	Status      string    `dynamodbav:"status" json:"status"`
	StorageURL  string    `dynamodbav:"storage_url" json:"storage_url,omitempty"`
	CompletedAt time.Time `dynamodbav:"completed_at" json:"completed_at"`
}

// Session is an upload session. ExpiresAtUnix mirrors ExpiresAt for TTL
// indexes that want epoch seconds.
type Session struct {
	ID            string       `dynamodbav:"session_id" json:"id"`
	OwnerID       string       `dynamodbav:"owner_id" json:"owner_id"`
	GuildID       string       `dynamodbav:"guild_id" json:"guild_id"`
	MemoryID      string       `dynamodbav:"memory_id" json:"memory_id,omitempty"`
	Config        Config       `dynamodbav:"config" json:"config"`
	Files         []FileRecord `dynamodbav:"files" json:"files"`
	Status        Status       `dynamodbav:"status" json:"status"`
	CreatedAt     time.Time    `dynamodbav:"created_at" json:"created_at"`
	LastUpdated   time.Time    `dynamodbav:"last_updated" json:"last_updated"`
	ExpiresAt     time.Time    `dynamodbav:"expires_at" json:"expires_at"`
	ExpiresAtUnix int64        `dynamodbav:"ttl" json:"-"`
}

// Expired reports whether the session is past its lifetime at t.
func (s *Session) Expired(t time.Time) bool {
	return !t.Before(s.ExpiresAt)
}

// Clone returns a deep copy so stores never hand out shared state.
func (s *Session) Clone() *Session {
	c := *s
	c.Files = slices.Clone(s.Files)
	c.Config.AllowedExtensions = slices.Clone(s.Config.AllowedExtensions)
	c.Config.AllowedCategories = slices.Clone(s.Config.AllowedCategories)
	if s.Config.MaxSizeBytes != nil {
		c.Config.MaxSizeBytes = make(map[string]int64, len(s.Config.MaxSizeBytes))
		for k, v := range s.Config.MaxSizeBytes {
			c.Config.MaxSizeBytes[k] = v
		}
	}
	return &c
}
