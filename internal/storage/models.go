// Package storage implements the engine's persistent store (PS): an
// embedded, WAL-mode SQL database holding downloads, their chunks, and
// their history, using gorm over a pure-Go SQLite driver.
package storage

import (
	"time"

	"gorm.io/gorm"
)

// State is a download's position in the state machine (spec.md §4.8).
type State string

const (
	StateQueued      State = "queued"
	StateReserved    State = "reserved" // in-memory only, never persisted
	StateDownloading State = "downloading"
	StatePaused      State = "paused"
	StateAwaiting    State = "awaiting"
	StateCompleted   State = "completed"
	StateFailed      State = "failed"
	StateCancelled   State = "cancelled"
)

// Terminal reports whether a state requires an explicit restart/delete to leave.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Download is the durable record for one file transfer (spec.md §3).
type Download struct {
	ID                int64  `gorm:"primaryKey;autoIncrement:false" json:"id"`
	Title             string `json:"title"`
	URL               string `json:"url"`
	SavePath          string `json:"save_path"`
	DownloadPath      string `json:"download_path"`
	PreserveStructure bool   `json:"preserve_structure"`
	ForceOverwrite    bool   `json:"force_overwrite"`
	Priority          int    `gorm:"default:1;index:idx_state_priority_pos,priority:2" json:"priority"`
	State             State  `gorm:"index:idx_state_priority_pos,priority:1;index:idx_state" json:"state"`
	Progress          float64 `json:"progress"`
	DownloadedBytes   int64  `json:"downloaded_bytes"`
	TotalBytes        int64  `json:"total_bytes"`
	RetryCount        int    `json:"retry_count"`
	MaxRetries        int    `gorm:"default:3" json:"max_retries"`
	LastError         string `json:"last_error"`
	ExpectedHash      string `json:"expected_hash"`
	ActualHash        string `json:"actual_hash"`
	HashAlgorithm     string `json:"hash_algorithm"`
	ETag              string `json:"etag"`
	LastModified      string `json:"last_modified"`
	QueuePosition     int    `gorm:"index:idx_state_priority_pos,priority:3" json:"queue_position"`
	CreatedAt         time.Time `gorm:"index:idx_created_at" json:"created_at"`
	StartedAt         *time.Time `json:"started_at,omitempty"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
	UpdatedAt         time.Time `json:"updated_at"`

	Chunks  []Chunk        `gorm:"constraint:OnDelete:CASCADE" json:"-"`
	History []HistoryEvent `gorm:"constraint:OnDelete:CASCADE" json:"-"`
}

func (Download) TableName() string { return "downloads" }

// ChunkState is the lifecycle of one byte-range of a chunked transfer.
type ChunkState string

const (
	ChunkPending     ChunkState = "pending"
	ChunkDownloading ChunkState = "downloading"
	ChunkCompleted   ChunkState = "completed"
	ChunkFailed      ChunkState = "failed"
)

// Chunk is one contiguous byte range of a chunked download (spec.md §3).
type Chunk struct {
	DownloadID      int64      `gorm:"primaryKey;index:idx_chunks_download" json:"download_id"`
	ChunkIndex      int        `gorm:"primaryKey" json:"chunk_index"`
	StartByte       int64      `json:"start_byte"`
	EndByte         int64      `json:"end_byte"`
	DownloadedBytes int64      `json:"downloaded_bytes"`
	State           ChunkState `json:"state"`
	TempFile        string     `json:"temp_file"`
	RetryCount      int        `json:"retry_count"`
}

func (Chunk) TableName() string { return "download_chunks" }

// HistoryEvent is an append-only lifecycle record for a download.
type HistoryEvent struct {
	ID         string    `gorm:"primaryKey" json:"id"`
	DownloadID int64     `gorm:"index:idx_history_download" json:"download_id"`
	EventType  string    `json:"event_type"`
	EventData  string    `json:"event_data"` // JSON-serialized, may be empty
	CreatedAt  time.Time `gorm:"index:idx_history_created_at" json:"created_at"`
}

func (HistoryEvent) TableName() string { return "download_history" }

// Metadata is a small key/value table for schema/engine bookkeeping.
type Metadata struct {
	Key   string `gorm:"primaryKey"`
	Value string
}

func (Metadata) TableName() string { return "metadata" }

const schemaVersion = "1"

// autoMigrate is split out so tests can run it against an in-memory db.
func autoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&Download{}, &Chunk{}, &HistoryEvent{}, &Metadata{})
}
