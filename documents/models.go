package documents

import (
	"time"

	"gorm.io/datatypes"
)

// Document processing statuses. A document moves pending -> processing and
// terminates in processed or failed.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusProcessed  = "processed"
	StatusFailed     = "failed"
)

type Document struct {
	ID               string         `gorm:"type:char(36);primaryKey" json:"id"`
	Filename         string         `gorm:"size:255;not null" json:"filename"`
	OriginalFilename string         `gorm:"size:255;not null" json:"original_filename"`
	FileType         string         `gorm:"size:50;not null" json:"file_type"`
	FileSize         int64          `gorm:"not null" json:"file_size"`
	UploadDate       time.Time      `json:"upload_date"`
	Status           string         `gorm:"size:16;not null;default:'pending';index" json:"status"`
	ErrorReason      *string        `gorm:"size:500" json:"error_reason,omitempty"`
	NumChunks        int            `gorm:"not null;default:0" json:"num_chunks"`
	StorageKey       *string        `gorm:"size:255" json:"storage_key,omitempty"`
	Metadata         datatypes.JSON `gorm:"type:json" json:"metadata,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

func (Document) TableName() string {
	return "documents"
}

// Chunk is one retrievable segment of a document. VectorID stays empty until
// the chunk's embedding has been written to the vector index; a document is
// only flipped to processed once every chunk has a non-empty VectorID.
type Chunk struct {
	ID         string         `gorm:"type:char(36);primaryKey" json:"id"`
	DocumentID string         `gorm:"type:char(36);not null;index:idx_document_chunk" json:"document_id"`
	ChunkIndex int            `gorm:"not null;index:idx_document_chunk" json:"chunk_index"`
	Content    string         `gorm:"type:text;not null" json:"content"`
	PageNumber *int           `json:"page_number,omitempty"`
	VectorID   string         `gorm:"size:128" json:"vector_id,omitempty"`
	Metadata   datatypes.JSON `gorm:"type:json" json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

func (Chunk) TableName() string {
	return "chunks"
}

// QueryLog is an append-only record of answered chat queries, kept for
// analytics. The pipeline never reads it back.
type QueryLog struct {
	ID             string         `gorm:"type:char(36);primaryKey" json:"id"`
	QueryText      string         `gorm:"type:text;not null" json:"query_text"`
	ResponseText   string         `gorm:"type:text" json:"response_text"`
	DocumentsUsed  datatypes.JSON `gorm:"type:json" json:"documents_used,omitempty"`
	ResponseTimeMs int            `json:"response_time_ms"`
	CreatedAt      time.Time      `json:"created_at"`
}

func (QueryLog) TableName() string {
	return "queries"
}
