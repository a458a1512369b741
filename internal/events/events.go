// Package events declares the one-way messages the engine emits to the
// host event sink (spec.md §6 "Events emitted"), and the Sink type the
// host provides. Kept as its own package so both internal/engine and
// internal/transfer can depend on the event vocabulary without a cycle
// between the dispatcher and the downloaders it drives.
package events

// Type is the closed set of event kinds emitted to the host sink.
type Type string

const (
	Starting               Type = "starting"
	Progressing            Type = "progressing"
	AwaitingConfirmation   Type = "awaiting-confirmation"
	Paused                 Type = "paused"
	Completed              Type = "completed"
	Interrupted            Type = "interrupted"
	Cancelled              Type = "cancelled"
	Queued                 Type = "queued"
	DownloadsRestored      Type = "downloads-restored"
)

// Event is a single one-way message keyed by download id. Payload
// carries the type-specific fields documented per event in spec.md §6;
// it is left as `any` so the engine can hand off typed payload structs
// (StartingPayload, ProgressingPayload, ...) without this package
// depending on them.
type Event struct {
	Type    Type
	ID      int64
	Payload any
}

// Sink is the host-provided one-way channel the engine reports through.
type Sink func(Event)

type StartingPayload struct {
	Title          string
	Resuming       bool
	ResumeFromByte int64
	Chunked        bool
	NumChunks      int
}

type ChunkProgress struct {
	Index           int
	DownloadedBytes int64
	TotalBytes      int64
}

type ProgressingPayload struct {
	Percent          float64
	SpeedMBps        float64
	TotalBytes       int64
	DownloadedBytes  int64
	RemainingSeconds float64
	Chunked          bool
	ActiveChunks     int
	CompletedChunks  int
	TotalChunks      int
	ChunkProgress    []ChunkProgress
}

type FileCheck struct {
	ExistingSize   int64
	ExpectedSize   int64
	SizeDifference int64
	SimilarSize    bool
}

type AwaitingConfirmationPayload struct {
	Title     string
	SavePath  string
	FileCheck FileCheck
}

type PausedPayload struct {
	Percent float64
}

type CompletedPayload struct {
	SavePath string
	Percent  float64
	Chunked  bool
}

type InterruptedPayload struct {
	Error    string
	SavePath string
}

type QueuedPayload struct {
	Title    string
	Position int
}
