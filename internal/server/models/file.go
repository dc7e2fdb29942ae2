package models

import "time"

// File processing statuses. They track content-address enrichment only;
// the durable object is always written before the row exists.
const (
	ProcessingPending   = "pending"
	ProcessingCompleted = "completed"
	ProcessingFailed    = "failed"
)

// Pin statuses.
const (
	PinUnknown  = "unknown"
	PinPinned   = "pinned"
	PinUnpinned = "unpinned"
)

// File describes one stored payload of a Memory.
type File struct {
	ID           string `json:"id"`
	MemoryID     string `json:"memory_id"`
	OriginalName string `json:"original_name"`
	ContentType  string `json:"content_type"`
	SizeBytes    int64  `json:"size_bytes"`

	// StorageKey and StorageURL locate the object-store copy.
	StorageKey string `json:"storage_key"`
	StorageURL string `json:"storage_url"`

	// IPFSCID and IPFSURL stay empty until enrichment succeeds.
	IPFSCID string `json:"ipfs_cid,omitempty"`
	IPFSURL string `json:"ipfs_url,omitempty"`

	PinStatus        string    `json:"pin_status"`
	ProcessingStatus string    `json:"processing_status"`
	UploadedAt       time.Time `json:"uploaded_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}
