package risk

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/commwatch/commwatch/internal/validation"
)

// Handler provides the HTTP surface over the pipeline and the persisted
// records: event ingestion for platform adapters and read/triage endpoints
// for moderator tooling.
type Handler struct {
	store    Store
	pipeline *Pipeline
}

// NewHandler creates a handler over the store and pipeline.
func NewHandler(store Store, pipeline *Pipeline) *Handler {
	return &Handler{store: store, pipeline: pipeline}
}

// RegisterRoutes sets up all risk routes on the given group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/events", h.SubmitEvent)
	r.GET("/assessments", h.ListAssessments)
	r.GET("/assessments/:id", h.GetAssessment)
	r.GET("/alerts", h.ListAlerts)
	r.GET("/alerts/:id", h.GetAlert)
	r.PATCH("/alerts/:id/status", h.UpdateAlertStatus)
	r.GET("/actors/:id", h.GetActor)
	r.GET("/actors/:id/assessments", h.ListActorAssessments)
	r.GET("/stats", h.GetStats)
}

// SubmitEvent handles POST /v1/events. The platform adapter posts observed
// messages here; enqueueing blocks while the queue is full (bounded by the
// request context), so slow consumers surface as slow ingests, not data loss.
func (h *Handler) SubmitEvent(c *gin.Context) {
	var req struct {
		ExternalID  string       `json:"externalId" binding:"required"`
		ActorID     string       `json:"actorId" binding:"required"`
		ActorName   string       `json:"actorName"`
		ActorIsBot  bool         `json:"actorIsBot"`
		ChannelID   string       `json:"channelId" binding:"required"`
		Text        string       `json:"text"`
		Attachments []Attachment `json:"attachments"`
		CreatedAt   time.Time    `json:"createdAt"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "externalId, actorId and channelId required"})
		return
	}

	ev := &Event{
		ExternalID:  req.ExternalID,
		ActorID:     req.ActorID,
		ActorName:   validation.SanitizeString(req.ActorName, 255),
		ActorIsBot:  req.ActorIsBot,
		ChannelID:   req.ChannelID,
		Text:        validation.SanitizeText(req.Text),
		Attachments: req.Attachments,
		CreatedAt:   req.CreatedAt,
	}

	if err := h.pipeline.Submit(c.Request.Context(), ev); err != nil {
		if errors.Is(err, ErrShuttingDown) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "shutting_down"})
			return
		}
		c.JSON(http.StatusRequestTimeout, gin.H{"error": "enqueue_timeout"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
}

// ListAssessments handles GET /v1/assessments.
func (h *Handler) ListAssessments(c *gin.Context) {
	f := AssessmentFilter{
		ChannelID:   c.Query("channelId"),
		ActorID:     c.Query("actorId"),
		FlaggedOnly: c.Query("flagged") == "true",
		Offset:      intQuery(c, "offset", 0),
		Limit:       intQuery(c, "limit", 50),
	}

	assessments, err := h.store.ListAssessments(c.Request.Context(), f)
	if err != nil {
		serverError(c, err)
		return
	}
	if assessments == nil {
		assessments = []*Assessment{}
	}
	c.JSON(http.StatusOK, gin.H{"assessments": assessments})
}

// GetAssessment handles GET /v1/assessments/:id.
func (h *Handler) GetAssessment(c *gin.Context) {
	a, err := h.store.GetAssessment(c.Request.Context(), c.Param("id"))
	if err != nil {
		notFoundOr500(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

// ListAlerts handles GET /v1/alerts.
func (h *Handler) ListAlerts(c *gin.Context) {
	f := AlertFilter{
		ChannelID: c.Query("channelId"),
		Status:    c.Query("status"),
		Severity:  Severity(c.Query("severity")),
		Offset:    intQuery(c, "offset", 0),
		Limit:     intQuery(c, "limit", 50),
	}

	alerts, err := h.store.ListAlerts(c.Request.Context(), f)
	if err != nil {
		serverError(c, err)
		return
	}
	if alerts == nil {
		alerts = []*Alert{}
	}
	c.JSON(http.StatusOK, gin.H{"alerts": alerts})
}

// GetAlert handles GET /v1/alerts/:id.
func (h *Handler) GetAlert(c *gin.Context) {
	al, err := h.store.GetAlert(c.Request.Context(), c.Param("id"))
	if err != nil {
		notFoundOr500(c, err)
		return
	}
	c.JSON(http.StatusOK, al)
}

// UpdateAlertStatus handles PATCH /v1/alerts/:id/status. Moderator-driven
// lifecycle: open -> acknowledged -> resolved.
func (h *Handler) UpdateAlertStatus(c *gin.Context) {
	var req struct {
		Status string `json:"status" binding:"required"`
		Notes  string `json:"notes"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "status required"})
		return
	}
	if req.Status != StatusAcknowledged && req.Status != StatusResolved {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_status", "message": "status must be acknowledged or resolved"})
		return
	}

	al, err := h.store.UpdateAlertStatus(c.Request.Context(), c.Param("id"),
		req.Status, validation.SanitizeString(req.Notes, 2000))
	if err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			c.JSON(http.StatusConflict, gin.H{"error": "invalid_transition"})
			return
		}
		notFoundOr500(c, err)
		return
	}
	c.JSON(http.StatusOK, al)
}

// GetActor handles GET /v1/actors/:id. Accepts internal or external IDs.
func (h *Handler) GetActor(c *gin.Context) {
	a, err := h.store.GetActor(c.Request.Context(), c.Param("id"))
	if err != nil {
		notFoundOr500(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

// ListActorAssessments handles GET /v1/actors/:id/assessments.
func (h *Handler) ListActorAssessments(c *gin.Context) {
	actor, err := h.store.GetActor(c.Request.Context(), c.Param("id"))
	if err != nil {
		notFoundOr500(c, err)
		return
	}

	assessments, err := h.store.RecentAssessments(c.Request.Context(), actor.ID, intQuery(c, "limit", 50))
	if err != nil {
		serverError(c, err)
		return
	}
	if assessments == nil {
		assessments = []*Assessment{}
	}
	c.JSON(http.StatusOK, gin.H{"actor": actor, "assessments": assessments})
}

// GetStats handles GET /v1/stats.
func (h *Handler) GetStats(c *gin.Context) {
	stats, err := h.store.GetStats(c.Request.Context(), c.Query("channelId"))
	if err != nil {
		serverError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// --- helpers ---

func intQuery(c *gin.Context, name string, def int) int {
	v := c.Query(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func serverError(c *gin.Context, err error) {
	if errors.Is(err, context.Canceled) {
		c.Status(499) // client closed request
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
}

func notFoundOr500(c *gin.Context, err error) {
	if errors.Is(err, ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	serverError(c, err)
}
