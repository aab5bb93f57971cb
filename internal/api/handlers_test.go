package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"ragbot/internal/admission"
	"ragbot/internal/models"
	"ragbot/internal/ratelimit"
	"ragbot/internal/service/chat"
	"ragbot/internal/storage"

	_ "github.com/mattn/go-sqlite3"
)

type memLimiterStore struct {
	counts map[string]int64
}

func (s *memLimiterStore) Incr(ctx context.Context, key string) (int64, error) {
	if s.counts == nil {
		s.counts = make(map[string]int64)
	}
	s.counts[key]++
	return s.counts[key], nil
}
func (s *memLimiterStore) Expire(ctx context.Context, key string, ttl time.Duration) error { return nil }
func (s *memLimiterStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	return 30 * time.Second, nil
}

type memDeduper struct {
	keys map[string]bool
}

func (d *memDeduper) SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error) {
	if d.keys == nil {
		d.keys = make(map[string]bool)
	}
	if d.keys[key] {
		return false, nil
	}
	d.keys[key] = true
	return true, nil
}

type captureEnqueuer struct {
	jobs []*models.Job
}

func (e *captureEnqueuer) Enqueue(ctx context.Context, job *models.Job) error {
	e.jobs = append(e.jobs, job)
	return nil
}

type stubPinger struct{ err error }

func (p stubPinger) Ping(ctx context.Context) error { return p.err }

func newTestServer(t *testing.T, secret string, limit int) (*gin.Engine, *chat.Service, *captureEnqueuer) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.SetMaxOpenConns(1)
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	chats := chat.NewService(db, "sqlite3")
	enq := &captureEnqueuer{}
	limiter := ratelimit.New(&memLimiterStore{}, limit, time.Minute)
	adm := admission.New(secret, limiter, &memDeduper{}, chats, enq)

	handler := NewHandler(adm, chats, map[string]Pinger{
		"database": chats,
		"redis":    stubPinger{},
		"qdrant":   stubPinger{},
		"waha":     stubPinger{},
	})
	router := gin.New()
	handler.RegisterRoutes(router)
	return router, chats, enq
}

func postWebhook(t *testing.T, router *gin.Engine, body []byte, signature string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/webhook", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if signature != "" {
		req.Header.Set("X-Signature", signature)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decodeJSON(t *testing.T, data []byte, out interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, out); err != nil {
		t.Fatalf("decode json: %v (%s)", err, data)
	}
}

func webhookBody(id, from, text string) []byte {
	return []byte(fmt.Sprintf(
		`{"event":"message","payload":{"id":%q,"from":%q,"body":%q}}`, id, from, text))
}

func TestWebhookEndToEndFlow(t *testing.T) {
	router, chats, enq := newTestServer(t, "", 10)

	resp := postWebhook(t, router, webhookBody("wamid.1", "31612345678@c.us", "what is the refund policy?"), "")
	if resp.Code != http.StatusOK {
		t.Fatalf("want 200, got %d: %s", resp.Code, resp.Body.String())
	}
	var body struct {
		Status    string `json:"status"`
		JobID     string `json:"job_id"`
		MessageID int64  `json:"message_id"`
	}
	decodeJSON(t, resp.Body.Bytes(), &body)
	if body.Status != "queued" || body.JobID == "" || body.MessageID == 0 {
		t.Fatalf("unexpected response %+v", body)
	}
	if len(enq.jobs) != 1 || enq.jobs[0].Stage != models.StageRetrieve {
		t.Fatalf("retrieve job not enqueued")
	}

	// The stored message is visible through the query API.
	listReq := httptest.NewRequest(http.MethodGet, "/api/messages?role=user", nil)
	listResp := httptest.NewRecorder()
	router.ServeHTTP(listResp, listReq)
	if listResp.Code != http.StatusOK {
		t.Fatalf("list messages: %d", listResp.Code)
	}
	var list struct {
		Total int               `json:"total"`
		Data  []*models.Message `json:"data"`
	}
	decodeJSON(t, listResp.Body.Bytes(), &list)
	if list.Total != 1 || list.Data[0].Content != "what is the refund policy?" {
		t.Fatalf("stored message missing: %+v", list)
	}

	// A redelivery of the same gateway id is acknowledged but ignored.
	resp = postWebhook(t, router, webhookBody("wamid.1", "31612345678@c.us", "what is the refund policy?"), "")
	if resp.Code != http.StatusOK {
		t.Fatalf("redelivery should still be 200, got %d", resp.Code)
	}
	var dup struct {
		Status string `json:"status"`
	}
	decodeJSON(t, resp.Body.Bytes(), &dup)
	if dup.Status != "ignored" {
		t.Fatalf("redelivery should be ignored, got %s", dup.Status)
	}
	if len(enq.jobs) != 1 {
		t.Fatalf("redelivery must not enqueue another job")
	}

	_, _, err := chats.ResolveConversation(context.Background(), "31612345678")
	if err != nil {
		t.Fatalf("conversation should exist: %v", err)
	}
}

func TestWebhookIgnoresGroupTraffic(t *testing.T) {
	router, _, enq := newTestServer(t, "", 10)

	resp := postWebhook(t, router, webhookBody("wamid.g", "1203631111-222@g.us", "hi all"), "")
	if resp.Code != http.StatusOK {
		t.Fatalf("want 200, got %d", resp.Code)
	}
	var body struct {
		Status string `json:"status"`
	}
	decodeJSON(t, resp.Body.Bytes(), &body)
	if body.Status != "ignored" {
		t.Fatalf("group message should be ignored, got %s", body.Status)
	}
	if len(enq.jobs) != 0 {
		t.Fatalf("ignored traffic must not enqueue jobs")
	}
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	router, _, _ := newTestServer(t, "topsecret", 10)

	resp := postWebhook(t, router, webhookBody("wamid.1", "31612345678@c.us", "hi"), "sha256=deadbeef")
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("want 401, got %d", resp.Code)
	}
}

func TestWebhookRejectsMalformedBody(t *testing.T) {
	router, _, _ := newTestServer(t, "", 10)

	resp := postWebhook(t, router, []byte("not json"), "")
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("want 400, got %d", resp.Code)
	}
}

func TestWebhookRateLimitResponse(t *testing.T) {
	router, _, _ := newTestServer(t, "", 1)

	resp := postWebhook(t, router, webhookBody("wamid.1", "31612345678@c.us", "one"), "")
	if resp.Code != http.StatusOK {
		t.Fatalf("first message: %d", resp.Code)
	}

	resp = postWebhook(t, router, webhookBody("wamid.2", "31612345678@c.us", "two"), "")
	if resp.Code != http.StatusOK {
		t.Fatalf("rejection still answers 200, got %d", resp.Code)
	}
	var body struct {
		Status     string `json:"status"`
		RetryAfter int    `json:"retry_after_seconds"`
	}
	decodeJSON(t, resp.Body.Bytes(), &body)
	if body.Status != "rejected" {
		t.Fatalf("want rejected, got %s", body.Status)
	}
	if body.RetryAfter != 30 {
		t.Fatalf("retry after mismatch: %d", body.RetryAfter)
	}
}

func TestHealthEndpoint(t *testing.T) {
	router, _, _ := newTestServer(t, "", 10)

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("want 200, got %d: %s", w.Code, w.Body.String())
	}
	var body struct {
		Status       string            `json:"status"`
		Dependencies map[string]string `json:"dependencies"`
	}
	decodeJSON(t, w.Body.Bytes(), &body)
	if body.Status != "ok" || body.Dependencies["database"] != "connected" {
		t.Fatalf("unexpected health payload %+v", body)
	}
}

func TestHealthReportsRequiredOutage(t *testing.T) {
	gin.SetMode(gin.TestMode)
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.SetMaxOpenConns(1)
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	defer db.Close()

	chats := chat.NewService(db, "sqlite3")
	limiter := ratelimit.New(&memLimiterStore{}, 10, time.Minute)
	adm := admission.New("", limiter, &memDeduper{}, chats, &captureEnqueuer{})
	handler := NewHandler(adm, chats, map[string]Pinger{
		"database": chats,
		"redis":    stubPinger{err: errors.New("connection refused")},
		"qdrant":   stubPinger{},
	})
	router := gin.New()
	handler.RegisterRoutes(router)

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("redis outage should report 503, got %d", w.Code)
	}
}

func TestHealthReportsOptionalOutageAsDegraded(t *testing.T) {
	gin.SetMode(gin.TestMode)
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.SetMaxOpenConns(1)
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	defer db.Close()

	chats := chat.NewService(db, "sqlite3")
	limiter := ratelimit.New(&memLimiterStore{}, 10, time.Minute)
	adm := admission.New("", limiter, &memDeduper{}, chats, &captureEnqueuer{})
	handler := NewHandler(adm, chats, map[string]Pinger{
		"database": chats,
		"redis":    stubPinger{},
		"qdrant":   stubPinger{err: errors.New("connection refused")},
		"waha":     stubPinger{},
	})
	router := gin.New()
	handler.RegisterRoutes(router)

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("qdrant outage must not fail health, got %d", w.Code)
	}
	var body struct {
		Status       string            `json:"status"`
		Dependencies map[string]string `json:"dependencies"`
	}
	decodeJSON(t, w.Body.Bytes(), &body)
	if body.Status != "degraded" || body.Dependencies["qdrant"] != "degraded" {
		t.Fatalf("unexpected health payload %+v", body)
	}
	if body.Dependencies["database"] != "connected" || body.Dependencies["waha"] != "connected" {
		t.Fatalf("healthy dependencies misreported: %+v", body.Dependencies)
	}
}

func TestListMessagesValidation(t *testing.T) {
	router, _, _ := newTestServer(t, "", 10)

	cases := []string{
		"/api/messages?conversation_id=abc",
		"/api/messages?role=robot",
		"/api/messages?since=yesterday",
		"/api/messages?limit=-1",
		"/api/messages?offset=x",
	}
	for _, url := range cases {
		req := httptest.NewRequest(http.MethodGet, url, nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		if w.Code != http.StatusBadRequest {
			t.Fatalf("%s: want 400, got %d", url, w.Code)
		}
	}
}
