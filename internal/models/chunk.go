package models

// Chunk is one embedded text segment of an account's knowledge collection.
type Chunk struct {
	ID           string    `json:"id"`
	CollectionID string    `json:"collection_id"`
	Text         string    `json:"text"`
	Source       string    `json:"source,omitempty"`
	Embedding    []float32 `json:"embedding,omitempty"`
}
