package core

import "time"

// DefaultSubLibraryID is the reserved sub-library every store carries.
// It cannot be deleted; deleting another library may re-home chunks here.
const DefaultSubLibraryID = "default"

// Chunk is the unit of retrieval for knowledge-base documents.
type Chunk struct {
	ID           string            `json:"id"`
	DocumentID   string            `json:"document_id"`
	SubLibraryID string            `json:"sub_library_id,omitempty"` // empty means unassigned
	ChunkIndex   int               `json:"chunk_index"`
	Text         string            `json:"text"`
	Metadata     map[string]string `json:"metadata,omitempty"` // may carry "revision"
	CreatedAt    string            `json:"created_at"`         // RFC3339, set by the writer
	Embedding    []float32         `json:"embedding"`
}

// Revision returns the chunk's revision tag, or "" when untagged.
func (c *Chunk) Revision() string {
	if c.Metadata == nil {
		return ""
	}
	return c.Metadata["revision"]
}

// ScoredChunk pairs a chunk with its retrieval score. Scores are cosine
// similarity in [-1, 1] for vector and hybrid retrieval, or a raw
// (non-normalized) lexical score for pure full-text retrieval.
type ScoredChunk struct {
	Chunk
	Score float64 `json:"score"`
}

// ChatMessageVector is the dense representation of one chat message.
type ChatMessageVector struct {
	MessageID string    `json:"message_id"`
	MistakeID string    `json:"mistake_id"` // groups messages of one study session
	Role      string    `json:"role"`
	Timestamp string    `json:"timestamp"` // RFC3339
	Text      string    `json:"text"`      // plain-text extraction of the message
	Embedding []float32 `json:"embedding"`
}

// ScoredMessage pairs a chat message vector with its retrieval score.
type ScoredMessage struct {
	ChatMessageVector
	Score float64 `json:"score"`
}

// DocumentHeader is the relational-store record describing one document.
type DocumentHeader struct {
	DocumentID     string    `json:"document_id"`
	FileName       string    `json:"file_name"`
	SubLibraryID   string    `json:"sub_library_id,omitempty"`
	TotalChunks    int       `json:"total_chunks"`
	ActiveRevision string    `json:"active_revision"` // "A" or "B"
	UpdateState    string    `json:"update_state,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// SubLibrary is a named bucket partitioning chunks for scoped retrieval.
type SubLibrary struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Stats summarizes store contents.
type Stats struct {
	TotalDocuments   int   `json:"total_documents"`
	TotalChunks      int   `json:"total_chunks"`
	StorageSizeBytes int64 `json:"storage_size_bytes"`
}

// CacheSample is one entry of an integrity audit over the embedding cache.
type CacheSample struct {
	ID           string `json:"id"`
	Dim          int    `json:"dim"`
	AllFinite    bool   `json:"all_finite"`
	SubLibraryID string `json:"sub_library_id,omitempty"`
}
