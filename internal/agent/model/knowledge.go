package model

import "context"

type KnowledgeDocument struct {
	ID   string `yaml:"id" json:"id"`
	Text string `yaml:"text" json:"text"`
}

type ScoredDocument struct {
	KnowledgeDocument
	Score float64 `json:"score"`
}

type KnowledgeRepository interface {
	// AddDocument stores or replaces the document with the same ID
	AddDocument(ctx context.Context, doc KnowledgeDocument) error

	// Search returns at most topK documents relevant to query, best first
	Search(ctx context.Context, query string, topK int) ([]ScoredDocument, error)

	// Clear removes every stored document
	Clear(ctx context.Context) error

	// Count returns the number of stored documents
	Count(ctx context.Context) (int, error)
}
