package models

import "time"

// Document is a user-authored knowledge-base entry ("file").
type Document struct {
	ID           int64     `json:"id"`
	ProjectID    string    `json:"project_id"`
	UserID       int64     `json:"user_id"`
	Title        string    `json:"title"`
	Content      string    `json:"content"`
	IsDirectFile bool      `json:"is_direct_file"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// DocumentSection is one embedded chunk of a document. Sections are derived
// from Document.Content and replaced as a set on every write.
type DocumentSection struct {
	ID         int64     `json:"id"`
	DocumentID int64     `json:"document_id"`
	ChunkIndex int       `json:"chunk_index"`
	Content    string    `json:"content"`
	Embedding  []float32 `json:"-"`
}

// SectionMatch is a retrieval hit ordered by similarity.
type SectionMatch struct {
	DocumentID int64   `json:"document_id"`
	Title      string  `json:"title"`
	Content    string  `json:"content"`
	Similarity float64 `json:"similarity"`
}
