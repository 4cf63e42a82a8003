package models

// Vector is an embedded message ready for the vector index
type Vector struct {
	ID       string            `json:"id"`
	Values   []float32         `json:"values"`
	Content  string            `json:"content,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Match is one vector search hit
type Match struct {
	ID       string            `json:"id"`
	Score    float32           `json:"score"`
	Content  string            `json:"content,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}
