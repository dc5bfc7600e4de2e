package repo

import (
	"context"
	"sync"

	"github.com/cota-go/dialogue/internal/agent/model"
)

// MemoryKnowledgeRepository keeps documents in process. It is safe for
// concurrent use, so one instance can back every session of an agent.
type MemoryKnowledgeRepository struct {
	mu   sync.RWMutex
	docs map[string]model.KnowledgeDocument
}

func NewMemoryKnowledgeRepository(docs ...model.KnowledgeDocument) *MemoryKnowledgeRepository {
	r := &MemoryKnowledgeRepository{docs: make(map[string]model.KnowledgeDocument, len(docs))}
	for _, d := range docs {
		r.docs[d.ID] = d
	}
	return r
}

func (r *MemoryKnowledgeRepository) AddDocument(_ context.Context, doc model.KnowledgeDocument) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.docs[doc.ID] = doc
	return nil
}

func (r *MemoryKnowledgeRepository) Search(ctx context.Context, query string, topK int) ([]model.ScoredDocument, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	docs := make([]model.KnowledgeDocument, 0, len(r.docs))
	for _, d := range r.docs {
		docs = append(docs, d)
	}
	r.mu.RUnlock()
	return rank(query, docs, topK), nil
}

func (r *MemoryKnowledgeRepository) Clear(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.docs)
	return nil
}

func (r *MemoryKnowledgeRepository) Count(_ context.Context) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.docs), nil
}

var _ model.KnowledgeRepository = (*MemoryKnowledgeRepository)(nil)
