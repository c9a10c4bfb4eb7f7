package types

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrSourceNotFound    = errors.New("source not found")
	ErrNoContent         = errors.New("no content extracted")
	ErrInvalidDocument   = errors.New("invalid document")
	ErrDimensionMismatch = errors.New("vector dimension mismatch")
	ErrNotReady          = errors.New("vector store not ready")
	ErrNoJob             = errors.New("no job available")
	ErrJobNotFound       = errors.New("job not found")
	ErrConsumerGone      = errors.New("stream consumer gone")
)

type Distance string

const (
	DistanceCosine Distance = "Cosine"
	DistanceDot    Distance = "Dot"
	DistanceEuclid Distance = "Euclid"
)

func (d Distance) Valid() bool {
	switch d {
	case DistanceCosine, DistanceDot, DistanceEuclid:
		return true
	}
	return false
}

// IngestionJob is one uploaded document waiting for the worker.
// SourcePath must stay on disk until the job is acknowledged.
type IngestionJob struct {
	ID             uuid.UUID `json:"id"`
	SourceFilename string    `json:"filename"`
	SourcePath     string    `json:"path"`
	DestinationDir string    `json:"destination"`
	Attempts       int       `json:"attempts"`
	EnqueuedAt     time.Time `json:"enqueued_at"`
}

type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobProcessing JobStatus = "processing"
	JobSucceeded  JobStatus = "succeeded"
	JobFailed     JobStatus = "failed"
)

// DocumentChunk is the payload stored next to every vector.
type DocumentChunk struct {
	Content        string    `json:"content"`
	SourceFilename string    `json:"filename"`
	ChunkIndex     int       `json:"chunkIndex"`
	TotalChunks    int       `json:"totalChunks"`
	UploadedAt     time.Time `json:"uploadedAt"`
}

type IndexedVector struct {
	ID      uuid.UUID
	Vector  []float32
	Payload DocumentChunk
}

// ScoredChunk is a query hit. Score grows with similarity for every distance.
type ScoredChunk struct {
	Payload DocumentChunk
	Score   float64
}

type CollectionSpec struct {
	Name       string
	Dimensions int
	Distance   Distance
}

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

type ChatTurn struct {
	Role    Role
	Text    string
	Sources []string
}

// StoredFilename is the on-disk name of an accepted upload. The id prefix
// keeps two uploads with the same original name apart.
func StoredFilename(id uuid.UUID, original string) string {
	return id.String() + " - " + original
}
