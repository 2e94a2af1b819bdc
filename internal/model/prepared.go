package model

// Prepared is the intermediate representation produced once by the prepare
// step and shared by every apply task of a workflow.
type Prepared struct {
	DocumentID string          `json:"document_id"`
	Title      string          `json:"title"`
	Version    int64           `json:"version"`
	Chunks     []PreparedChunk `json:"chunks"`
	Sentences  []string        `json:"sentences"`
}

// PreparedChunk is one retrievable section of a document.
type PreparedChunk struct {
	ID      string   `json:"id"`
	Ordinal int      `json:"ordinal"`
	Heading string   `json:"heading,omitempty"`
	Text    string   `json:"text"`
	Terms   []string `json:"terms"`
}

// ChunkIDs returns the chunk identifiers in order.
func (p *Prepared) ChunkIDs() []string {
	ids := make([]string, len(p.Chunks))
	for i, c := range p.Chunks {
		ids[i] = c.ID
	}
	return ids
}
