package vector

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestSearchDecodesPassages(t *testing.T) {
	var got struct {
		Vector         []float32 `json:"vector"`
		Limit          int       `json:"limit"`
		ScoreThreshold float64   `json:"score_threshold"`
		WithPayload    bool      `json:"with_payload"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/collections/docs/points/search" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("api-key") != "qdrant-key" {
			t.Fatalf("api key header missing")
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"result":[
			{"score":0.91,"payload":{"text":"refunds within 30 days","source":"faq.md"}},
			{"score":0.74,"payload":{"text":"see the policy page","title":"policy"}}
		]}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "qdrant-key", "docs", 5*time.Second)
	passages, err := client.Search(context.Background(), []float32{0.1, 0.2}, 5, 0.7)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if got.Limit != 5 || got.ScoreThreshold != 0.7 || !got.WithPayload {
		t.Fatalf("unexpected request %+v", got)
	}
	if len(passages) != 2 {
		t.Fatalf("want 2 passages, got %d", len(passages))
	}
	if passages[0].Text != "refunds within 30 days" || passages[0].Score != 0.91 || passages[0].Source != "faq.md" {
		t.Fatalf("unexpected passage %+v", passages[0])
	}
	// Title stands in when no source is set.
	if passages[1].Source != "policy" {
		t.Fatalf("title fallback failed: %+v", passages[1])
	}
}

func TestSearchErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "collection not found", http.StatusNotFound)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "", "docs", 5*time.Second)
	if _, err := client.Search(context.Background(), []float32{0.1}, 5, 0.7); err == nil {
		t.Fatalf("expected error for 404 response")
	}
}

func TestPing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/collections" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write([]byte(`{"result":{"collections":[]}}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "", "docs", 5*time.Second)
	if err := client.Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}
}
