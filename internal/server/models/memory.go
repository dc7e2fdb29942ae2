// Package models defines server-side data models persisted in the database.
package models

import (
	"strings"
	"time"
)

// Privacy levels.
const (
	PrivacyPublic      = "public"
	PrivacyMembersOnly = "members_only"
	PrivacyPrivate     = "private"
)

// Memory statuses.
const (
	MemoryStatusActive   = "active"
	MemoryStatusArchived = "archived"
	MemoryStatusDeleted  = "deleted"
)

// Memory is the logical container a user uploads files into.
type Memory struct {
	ID          string    `json:"id"`
	OwnerID     string    `json:"owner_id"`
	GuildID     string    `json:"guild_id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Category    string    `json:"category"`
	Privacy     string    `json:"privacy"`
	Tags        []string  `json:"tags"`
	Status      string    `json:"status"`
	FileCount   int       `json:"file_count"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`

	// PrimaryFile is the most recently uploaded file, filled by searches.
	PrimaryFile *File `json:"primary_file,omitempty"`
}

// ValidPrivacy reports whether p is a known privacy level.
func ValidPrivacy(p string) bool {
	switch p {
	case PrivacyPublic, PrivacyMembersOnly, PrivacyPrivate:
		return true
	}
	return false
}

// NormalizeTags lower-cases, trims and de-duplicates tags, keeping the
// first occurrence order. Empty tags are dropped.
func NormalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

// SearchFilter narrows memory searches. Zero values mean "any".
type SearchFilter struct {
	Category string
	Tag      string
	// Query matches title or description, case-insensitively.
	Query  string
	Status string
	Limit  int
	Offset int
}
