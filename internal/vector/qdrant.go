package vector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"ragbot/internal/models"
)

// Client is a focused Qdrant REST client for similarity search. The
// collection is managed by the document-ingestion side; this client only
// reads from it.
type Client struct {
	baseURL    string
	apiKey     string
	collection string
	httpClient *http.Client
}

func NewClient(baseURL, apiKey, collection string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		collection: collection,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type searchRequest struct {
	Vector         []float32 `json:"vector"`
	Limit          int       `json:"limit"`
	ScoreThreshold float64   `json:"score_threshold,omitempty"`
	WithPayload    bool      `json:"with_payload"`
}

type searchResponse struct {
	Result []struct {
		Score   float64 `json:"score"`
		Payload struct {
			Text   string `json:"text"`
			Title  string `json:"title"`
			Source string `json:"source"`
		} `json:"payload"`
	} `json:"result"`
}

// Search returns the highest-scoring passages for the query vector, at most
// limit results, all scoring at or above scoreThreshold.
func (c *Client) Search(ctx context.Context, vector []float32, limit int, scoreThreshold float64) ([]models.Passage, error) {
	body, err := json.Marshal(searchRequest{
		Vector:         vector,
		Limit:          limit,
		ScoreThreshold: scoreThreshold,
		WithPayload:    true,
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant: marshal search request: %w", err)
	}

	url := fmt.Sprintf("%s/collections/%s/points/search", c.baseURL, c.collection)
	raw, err := c.doJSON(ctx, http.MethodPost, url, body)
	if err != nil {
		return nil, err
	}

	var payload searchResponse
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("qdrant: decode search response: %w", err)
	}

	passages := make([]models.Passage, 0, len(payload.Result))
	for _, hit := range payload.Result {
		source := hit.Payload.Source
		if source == "" {
			source = hit.Payload.Title
		}
		passages = append(passages, models.Passage{
			Text:   hit.Payload.Text,
			Score:  hit.Score,
			Source: source,
		})
	}
	return passages, nil
}

// Ping verifies the collections endpoint answers.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.doJSON(ctx, http.MethodGet, c.baseURL+"/collections", nil)
	return err
}

func (c *Client) doJSON(ctx context.Context, method, url string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("qdrant: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("api-key", c.apiKey)
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("qdrant: request failed: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return nil, fmt.Errorf("qdrant: unexpected status %d from %s: %s", res.StatusCode, url, buf)
	}
	raw, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("qdrant: read response: %w", err)
	}
	return raw, nil
}
