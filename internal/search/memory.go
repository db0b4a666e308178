package search

import (
	"context"
	"sync"

	"github.com/recordvault/recordvault/internal/model"
)

// MemoryIndex is an in-process inverted index guarded by an RWMutex. It
// backs tests and single-node development; the Postgres index carries the
// same contract for multi-process deployments.
type MemoryIndex struct {
	mu       sync.RWMutex
	docs     map[string]model.SearchDocument
	postings map[string]map[string]struct{}
}

// NewMemoryIndex constructs a MemoryIndex.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{
		docs:     make(map[string]model.SearchDocument),
		postings: make(map[string]map[string]struct{}),
	}
}

// Index inserts or replaces a document's tokens.
func (m *MemoryIndex) Index(ctx context.Context, doc model.SearchDocument) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLocked(doc.ID)
	m.docs[doc.ID] = doc
	for _, tok := range doc.Tokens {
		ids, ok := m.postings[tok]
		if !ok {
			ids = make(map[string]struct{})
			m.postings[tok] = ids
		}
		ids[doc.ID] = struct{}{}
	}
	return nil
}

// Remove deletes a document from the index.
func (m *MemoryIndex) Remove(ctx context.Context, recordID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLocked(recordID)
	return nil
}

func (m *MemoryIndex) removeLocked(recordID string) {
	doc, ok := m.docs[recordID]
	if !ok {
		return
	}
	for _, tok := range doc.Tokens {
		if ids, ok := m.postings[tok]; ok {
			delete(ids, recordID)
			if len(ids) == 0 {
				delete(m.postings, tok)
			}
		}
	}
	delete(m.docs, recordID)
}

// Query returns ids of documents containing any of the tokens, ranked by
// overlap count with updatedAt breaking ties.
func (m *MemoryIndex) Query(ctx context.Context, tokens []string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	scores := make(map[string]int)
	for _, tok := range tokens {
		for id := range m.postings[tok] {
			scores[id]++
		}
	}
	ranked := make([]rankedID, 0, len(scores))
	for id, score := range scores {
		ranked = append(ranked, rankedID{
			id:        id,
			score:     score,
			updatedAt: m.docs[id].UpdatedAt.UnixNano(),
		})
	}
	return sortRanked(ranked), nil
}

// Rebuild drops the whole index and reindexes the given documents; the
// metadata store is the source of truth the caller reads them from.
func (m *MemoryIndex) Rebuild(ctx context.Context, docs []model.SearchDocument) error {
	m.mu.Lock()
	m.docs = make(map[string]model.SearchDocument)
	m.postings = make(map[string]map[string]struct{})
	m.mu.Unlock()
	for _, doc := range docs {
		if err := m.Index(ctx, doc); err != nil {
			return err
		}
	}
	return nil
}

// Len reports the number of indexed documents.
func (m *MemoryIndex) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.docs)
}

var _ Indexer = (*MemoryIndex)(nil)
