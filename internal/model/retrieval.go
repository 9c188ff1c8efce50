package model

type Query struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	Tenant    string    `json:"tenant,omitempty"`
	Embedding []float32 `json:"-"`
	IssuedAt  int64     `json:"issued_at"`
}

type ScoredChunk struct {
	ChunkID string  `json:"chunk_id"`
	Score   float32 `json:"score"`
}

// RetrievalResult is sorted by descending score and never longer than the
// requested top-k.
type RetrievalResult []ScoredChunk

func (r RetrievalResult) ChunkIDs() []string {
	ids := make([]string, 0, len(r))
	for _, item := range r {
		ids = append(ids, item.ChunkID)
	}
	return ids
}

type SearchFilter struct {
	Tenant      string   `json:"tenant,omitempty"`
	DocumentIDs []string `json:"document_ids,omitempty"`
}

type VectorMetadata struct {
	DocumentID string `json:"document_id"`
	Position   int    `json:"position"`
	Tenant     string `json:"tenant,omitempty"`
}

type ContextFragment struct {
	Index      int     `json:"index"`
	ChunkID    string  `json:"chunk_id"`
	DocumentID string  `json:"document_id"`
	Text       string  `json:"text"`
	Score      float32 `json:"score"`
}

// Context is the grounding handed to generation. Fragments keep the
// retrieval order; Size is the sum of fragment text lengths in runes.
type Context struct {
	Fragments []ContextFragment `json:"fragments"`
	Size      int               `json:"size"`
	Dropped   int               `json:"dropped"`
}

func (c *Context) Empty() bool {
	return c == nil || len(c.Fragments) == 0
}

func (c *Context) ChunkIDs() []string {
	if c == nil {
		return nil
	}
	ids := make([]string, 0, len(c.Fragments))
	for _, f := range c.Fragments {
		ids = append(ids, f.ChunkID)
	}
	return ids
}

type Citation struct {
	ChunkID string `json:"chunk_id"`
	Start   int    `json:"start"`
	End     int    `json:"end"`
}

type Answer struct {
	Text      string     `json:"answer"`
	Citations []Citation `json:"citations"`
	// Coarse marks citations that name contributing chunks without spans.
	Coarse   bool `json:"coarse_citations"`
	Grounded bool `json:"grounded"`
	Declined bool `json:"declined,omitempty"`
}
