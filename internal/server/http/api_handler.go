package http

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"linkops/internal/generation"
	"linkops/internal/logging"
	"linkops/internal/server/app"
)

// maxStartBodySize bounds the start request body. Seeds carry article drafts,
// not attachments.
const maxStartBodySize = 1 << 20 // 1MB

// APIHandler serves the pull-path JSON API.
type APIHandler struct {
	coordinator *app.Coordinator
	snapshots   *snapshotCache
	logger      logging.Logger
}

// NewAPIHandler creates the API handler. snapshotTTL of zero disables the
// snapshot cache.
func NewAPIHandler(coordinator *app.Coordinator, snapshotTTL time.Duration) *APIHandler {
	var cache *snapshotCache
	if snapshotTTL > 0 {
		cache = newSnapshotCache(snapshotTTL)
	}
	return &APIHandler{
		coordinator: coordinator,
		snapshots:   cache,
		logger:      logging.NewComponentLogger("APIHandler"),
	}
}

// StartRequest is the POST /api/generations body.
type StartRequest struct {
	SubjectKey string         `json:"subject_key" binding:"required"`
	Seed       map[string]any `json:"seed"`
}

// HandleStart handles POST /api/generations. Starting is idempotent: an
// already-active subject returns its session with reused=true.
func (h *APIHandler) HandleStart(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxStartBodySize)

	var req StartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	result, err := h.coordinator.StartGeneration(c.Request.Context(), req.SubjectKey, req.Seed)
	if err != nil {
		h.writeDomainError(c, err)
		return
	}

	status := http.StatusAccepted
	if result.Reused {
		status = http.StatusOK
	}
	c.JSON(status, result)
}

// HandleLatest handles GET /api/generations/latest?subject_key=...; it is the
// reattachment endpoint: the full snapshot reconstructs a client view from
// nothing.
func (h *APIHandler) HandleLatest(c *gin.Context) {
	subjectKey := c.Query("subject_key")
	if subjectKey == "" {
		writeError(c, http.StatusBadRequest, "bad_request", "subject_key query parameter is required")
		return
	}

	if h.snapshots != nil {
		if snapshot, ok := h.snapshots.get(subjectKey); ok {
			c.JSON(http.StatusOK, snapshot)
			return
		}
	}

	snapshot, err := h.coordinator.LatestSnapshot(c.Request.Context(), subjectKey)
	if err != nil {
		h.writeDomainError(c, err)
		return
	}
	if h.snapshots != nil {
		h.snapshots.set(subjectKey, snapshot)
	}
	c.JSON(http.StatusOK, snapshot)
}

// HandleGet handles GET /api/generations/:session_id.
func (h *APIHandler) HandleGet(c *gin.Context) {
	snapshot, err := h.coordinator.Snapshot(c.Request.Context(), c.Param("session_id"))
	if err != nil {
		h.writeDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

// HandleCancel handles POST /api/generations/:session_id/cancel.
func (h *APIHandler) HandleCancel(c *gin.Context) {
	sessionID := c.Param("session_id")
	if err := h.coordinator.Cancel(c.Request.Context(), sessionID); err != nil {
		h.writeDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session_id": sessionID, "status": generation.StatusCancelled})
}

// HandleHistory handles GET /api/subjects/:subject_key/sessions.
func (h *APIHandler) HandleHistory(c *gin.Context) {
	snapshots, err := h.coordinator.History(c.Request.Context(), c.Param("subject_key"))
	if err != nil {
		h.writeDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": snapshots})
}

// HandlePhases handles GET /api/subjects/:subject_key/phases.
func (h *APIHandler) HandlePhases(c *gin.Context) {
	states, current, err := h.coordinator.Phases(c.Request.Context(), c.Param("subject_key"))
	if err != nil {
		h.writeDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"phases": states, "current": current})
}

// PhaseInputRequest is the body for providing a human-input artifact.
type PhaseInputRequest struct {
	Artifact map[string]any `json:"artifact" binding:"required"`
}

// HandlePhaseInput handles POST /api/subjects/:subject_key/phases/:phase/input.
func (h *APIHandler) HandlePhaseInput(c *gin.Context) {
	var req PhaseInputRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	subjectKey := c.Param("subject_key")
	phase := generation.PhaseName(c.Param("phase"))
	if err := h.coordinator.ProvideInput(c.Request.Context(), subjectKey, phase, req.Artifact); err != nil {
		h.writeDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"subject_key": subjectKey, "phase": phase, "status": generation.PhaseProvided})
}

// AdvanceRequest is the body for advancing a multi-phase subject.
type AdvanceRequest struct {
	Seed map[string]any `json:"seed"`
}

// HandleAdvance handles POST /api/subjects/:subject_key/advance.
func (h *APIHandler) HandleAdvance(c *gin.Context) {
	var req AdvanceRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, http.StatusBadRequest, "bad_request", err.Error())
			return
		}
	}

	result, err := h.coordinator.Advance(c.Request.Context(), c.Param("subject_key"), req.Seed)
	if err != nil {
		h.writeDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// HandleHealth handles GET /health.
func (h *APIHandler) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"time":        time.Now().UTC(),
		"broadcaster": h.coordinator.Broadcaster().GetMetrics(),
	})
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeError(c *gin.Context, status int, code, message string) {
	c.JSON(status, errorResponse{Error: message, Code: code})
}

// writeDomainError maps the orchestration error taxonomy onto HTTP statuses.
func (h *APIHandler) writeDomainError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, generation.ErrInvalidSubject):
		writeError(c, http.StatusBadRequest, "invalid_subject", err.Error())
	case errors.Is(err, generation.ErrSessionNotFound):
		writeError(c, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, generation.ErrAlreadyTerminal):
		writeError(c, http.StatusConflict, "already_terminal", err.Error())
	case errors.Is(err, generation.ErrAwaitingInput):
		writeError(c, http.StatusConflict, "awaiting_input", err.Error())
	case errors.Is(err, generation.ErrActiveSessionExists):
		writeError(c, http.StatusConflict, "active_session_exists", err.Error())
	default:
		h.logger.Error("Unhandled error on %s %s: %v", c.Request.Method, c.Request.URL.Path, err)
		writeError(c, http.StatusInternalServerError, "internal", "internal server error")
	}
}
