package rag

import (
	"context"
	"errors"
	"testing"
	"time"

	"ragbot/internal/config"
	"ragbot/internal/models"
)

type fakeEmbedder struct {
	vector []float32
	err    error
	calls  int
}

func (e *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	e.calls++
	if e.err != nil {
		return nil, e.err
	}
	return e.vector, nil
}

type fakeSearcher struct {
	passages []models.Passage
	errs     []error
	calls    int
}

func (s *fakeSearcher) Search(ctx context.Context, vector []float32, limit int, scoreThreshold float64) ([]models.Passage, error) {
	s.calls++
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return s.passages, nil
}

func newTestRetriever(e *fakeEmbedder, s *fakeSearcher) *Retriever {
	r := NewRetriever(e, s, &config.RAGConfig{TopK: 3, MinScore: 0.7})
	r.backoff = time.Millisecond
	return r
}

func TestRetrieveFiltersAndSorts(t *testing.T) {
	searcher := &fakeSearcher{passages: []models.Passage{
		{Text: "low", Score: 0.5},
		{Text: "mid", Score: 0.75},
		{Text: "high", Score: 0.95},
	}}
	r := newTestRetriever(&fakeEmbedder{vector: []float32{0.1}}, searcher)

	passages, err := r.Retrieve(context.Background(), "query")
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(passages) != 2 {
		t.Fatalf("want 2 passages above threshold, got %d", len(passages))
	}
	if passages[0].Text != "high" || passages[1].Text != "mid" {
		t.Fatalf("passages not sorted by score: %+v", passages)
	}
}

func TestRetrieveCapsAtTopK(t *testing.T) {
	searcher := &fakeSearcher{passages: []models.Passage{
		{Text: "a", Score: 0.9}, {Text: "b", Score: 0.9},
		{Text: "c", Score: 0.9}, {Text: "d", Score: 0.9},
	}}
	r := newTestRetriever(&fakeEmbedder{vector: []float32{0.1}}, searcher)

	passages, err := r.Retrieve(context.Background(), "query")
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(passages) != 3 {
		t.Fatalf("want top 3, got %d", len(passages))
	}
}

func TestRetrieveRetriesTransientFailures(t *testing.T) {
	searcher := &fakeSearcher{
		passages: []models.Passage{{Text: "fact", Score: 0.9}},
		errs:     []error{errors.New("timeout"), nil},
	}
	r := newTestRetriever(&fakeEmbedder{vector: []float32{0.1}}, searcher)

	passages, err := r.Retrieve(context.Background(), "query")
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(passages) != 1 {
		t.Fatalf("retry should recover the result")
	}
	if searcher.calls != 2 {
		t.Fatalf("want 2 search attempts, got %d", searcher.calls)
	}
}

func TestRetrieveDegradesToEmpty(t *testing.T) {
	embedder := &fakeEmbedder{err: errors.New("connection refused")}
	r := newTestRetriever(embedder, &fakeSearcher{})

	passages, err := r.Retrieve(context.Background(), "query")
	if err != nil {
		t.Fatalf("exhausted retrieval must not fail the stage: %v", err)
	}
	if passages == nil || len(passages) != 0 {
		t.Fatalf("want empty slice, got %v", passages)
	}
	if embedder.calls != 3 {
		t.Fatalf("want 3 attempts, got %d", embedder.calls)
	}
}
