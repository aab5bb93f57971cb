// Package rag retrieves reference passages for an incoming question.
package rag

import (
	"context"
	"log"
	"sort"
	"time"

	"ragbot/internal/config"
	"ragbot/internal/models"
	"ragbot/internal/service/ai"
)

// Searcher runs a similarity query against the vector store.
type Searcher interface {
	Search(ctx context.Context, vector []float32, limit int, scoreThreshold float64) ([]models.Passage, error)
}

type Retriever struct {
	embedder ai.Embedder
	searcher Searcher
	topK     int
	minScore float64

	attempts int
	backoff  time.Duration
}

func NewRetriever(embedder ai.Embedder, searcher Searcher, cfg *config.RAGConfig) *Retriever {
	return &Retriever{
		embedder: embedder,
		searcher: searcher,
		topK:     cfg.TopK,
		minScore: cfg.MinScore,
		attempts: 3,
		backoff:  500 * time.Millisecond,
	}
}

// Retrieve returns the best-matching passages for the query, sorted by
// score descending. The retrieval backend is optional context: when all
// attempts fail, Retrieve logs the failure and returns an empty slice so
// the conversation can continue without references.
func (r *Retriever) Retrieve(ctx context.Context, query string) ([]models.Passage, error) {
	var lastErr error
	for attempt := 1; attempt <= r.attempts; attempt++ {
		passages, err := r.retrieveOnce(ctx, query)
		if err == nil {
			return passages, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		if attempt < r.attempts {
			select {
			case <-time.After(r.backoff * time.Duration(attempt)):
			case <-ctx.Done():
			}
		}
	}
	log.Printf("rag: retrieval unavailable, answering without references: %v", lastErr)
	return []models.Passage{}, nil
}

func (r *Retriever) retrieveOnce(ctx context.Context, query string) ([]models.Passage, error) {
	vector, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	passages, err := r.searcher.Search(ctx, vector, r.topK, r.minScore)
	if err != nil {
		return nil, err
	}

	filtered := passages[:0]
	for _, p := range passages {
		if p.Score >= r.minScore {
			filtered = append(filtered, p)
		}
	}
	sort.SliceStable(filtered, func(i, j int) bool {
		return filtered[i].Score > filtered[j].Score
	})
	if len(filtered) > r.topK {
		filtered = filtered[:r.topK]
	}
	return filtered, nil
}
