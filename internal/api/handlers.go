package api

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"ragbot/internal/admission"
	"ragbot/internal/models"
	"ragbot/internal/service/chat"
)

// maxWebhookBody caps how much of a delivery is read before signature
// verification.
const maxWebhookBody = 1 << 20

// Pinger reports whether one backing dependency answers.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler wires HTTP routes to the admission pipeline and message store.
type Handler struct {
	admission *admission.Admission
	chats     *chat.Service
	checks    map[string]Pinger
}

// NewHandler constructs a Handler. checks maps dependency names to their
// health probes; database and redis are the required ones.
func NewHandler(adm *admission.Admission, chats *chat.Service, checks map[string]Pinger) *Handler {
	return &Handler{
		admission: adm,
		chats:     chats,
		checks:    checks,
	}
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api")
	api.POST("/webhook", h.receiveWebhook)
	api.GET("/health", h.healthCheck)
	api.GET("/messages", h.listMessages)
}

func (h *Handler) receiveWebhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable request body"})
		return
	}

	result, err := h.admission.Admit(c.Request.Context(), body, c.GetHeader("X-Signature"))
	if err != nil {
		switch {
		case errors.Is(err, admission.ErrInvalidSignature):
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
		case errors.Is(err, admission.ErrMalformedEvent):
			c.JSON(http.StatusBadRequest, gin.H{"error": "malformed event"})
		default:
			log.Printf("api: admit webhook: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		}
		return
	}

	resp := gin.H{
		"status":     string(result.Outcome),
		"request_id": uuid.NewString(),
	}
	if result.Reason != "" {
		resp["reason"] = result.Reason
	}
	switch result.Outcome {
	case admission.OutcomeQueued:
		resp["job_id"] = result.JobID
		resp["message_id"] = result.MessageID
	case admission.OutcomeRejected:
		resp["retry_after_seconds"] = int(result.RetryAfter / time.Second)
	}
	// Always 200 for admitted traffic so the gateway does not redeliver.
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) healthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	// Admission cannot run without database and redis; qdrant and waha
	// failures only degrade the pipeline.
	state := "ok"
	deps := gin.H{}
	for name, p := range h.checks {
		if err := p.Ping(ctx); err != nil {
			if name == "database" || name == "redis" {
				deps[name] = "unavailable"
				state = "unavailable"
				continue
			}
			deps[name] = "degraded"
			if state == "ok" {
				state = "degraded"
			}
			continue
		}
		deps[name] = "connected"
	}

	status := http.StatusOK
	if state == "unavailable" {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"status": state, "dependencies": deps})
}

func (h *Handler) listMessages(c *gin.Context) {
	var f chat.MessageFilter

	if raw := c.Query("conversation_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid conversation_id"})
			return
		}
		f.ConversationID = id
	}
	if raw := c.Query("role"); raw != "" {
		role := models.Role(raw)
		if role != models.RoleUser && role != models.RoleAssistant && role != models.RoleSystem {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid role"})
			return
		}
		f.Role = role
	}
	var err error
	if f.Since, err = parseTimeParam(c.Query("since")); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid since timestamp"})
		return
	}
	if f.Until, err = parseTimeParam(c.Query("until")); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid until timestamp"})
		return
	}
	if raw := c.Query("limit"); raw != "" {
		if f.Limit, err = strconv.Atoi(raw); err != nil || f.Limit < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
	}
	if raw := c.Query("offset"); raw != "" {
		if f.Offset, err = strconv.Atoi(raw); err != nil || f.Offset < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid offset"})
			return
		}
	}

	if f.Limit <= 0 || f.Limit > 100 {
		f.Limit = 50
	}

	total, messages, err := h.chats.ListMessages(c.Request.Context(), f)
	if err != nil {
		log.Printf("api: list messages: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"total":  total,
		"limit":  f.Limit,
		"offset": f.Offset,
		"data":   messages,
	})
}

func parseTimeParam(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, raw)
}
