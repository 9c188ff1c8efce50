package model

type Document struct {
	ID        string `json:"id"`
	SourceURI string `json:"source_uri"`
	RawText   string `json:"raw_text"`
	Tenant    string `json:"tenant"`
	Ctime     int64  `json:"created_at"`
}

type ChunkType string

const (
	ChunkTypeText  ChunkType = "text"
	ChunkTypeCode  ChunkType = "code"
	ChunkTypeMixed ChunkType = "mixed"
)

// Chunk is the unit of retrieval. DocumentID is a lookup key, not an owner.
type Chunk struct {
	ID         string    `json:"id"`
	DocumentID string    `json:"document_id"`
	Text       string    `json:"text"`
	Position   int       `json:"position"`
	ChunkType  ChunkType `json:"chunk_type"`
	TokenCount int       `json:"token_count"`
	Embedding  []float32 `json:"embedding,omitempty"`
}
