package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/NERVE-labs-team/sallar-network-server-library/internal/journal"
)

// WorkerLister returns the ids of the confirmed workers.
type WorkerLister interface {
	Workers() []string
}

// HistoryReader reads the presence journal.
type HistoryReader interface {
	List(ctx context.Context, limit int) ([]journal.Entry, error)
	ListByWorker(ctx context.Context, workerID string, limit int) ([]journal.Entry, error)
}

// WorkerHandler handles HTTP requests about worker presence.
type WorkerHandler struct {
	workers WorkerLister
	history HistoryReader // nil when the journal is disabled
}

// NewWorkerHandler creates a new WorkerHandler. history may be nil.
func NewWorkerHandler(workers WorkerLister, history HistoryReader) *WorkerHandler {
	return &WorkerHandler{workers: workers, history: history}
}

// WorkersResponse lists the confirmed workers in admission order.
type WorkersResponse struct {
	Workers []string `json:"workers"`
	Count   int      `json:"count"`
}

// PresenceEventResponse represents a journal entry in API responses.
type PresenceEventResponse struct {
	ID        int64  `json:"id"`
	WorkerID  string `json:"workerId"`
	SessionID string `json:"sessionId"`
	Kind      string `json:"kind"`
	Detail    string `json:"detail,omitempty"`
	CreatedAt string `json:"createdAt"`
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains error details.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func toPresenceEventResponse(e journal.Entry) PresenceEventResponse {
	return PresenceEventResponse{
		ID:        e.ID,
		WorkerID:  e.WorkerID,
		SessionID: e.SessionID,
		Kind:      string(e.Kind),
		Detail:    e.Detail,
		CreatedAt: e.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// sendError sends an error response with the appropriate status code.
func sendError(c *gin.Context, statusCode int, code, message string) {
	c.JSON(statusCode, ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
	})
}

// List handles GET /api/workers - lists the confirmed workers.
func (h *WorkerHandler) List(c *gin.Context) {
	ids := h.workers.Workers()
	if ids == nil {
		ids = []string{}
	}
	c.JSON(http.StatusOK, WorkersResponse{Workers: ids, Count: len(ids)})
}

// History handles GET /api/workers/history - lists recent presence events,
// newest first. ?worker_id= narrows the listing to one worker.
func (h *WorkerHandler) History(c *gin.Context) {
	if h.history == nil {
		sendError(c, http.StatusNotFound, "JOURNAL_DISABLED", "Presence journal is not enabled")
		return
	}

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	var (
		entries []journal.Entry
		err     error
	)
	if workerID := c.Query("worker_id"); workerID != "" {
		entries, err = h.history.ListByWorker(c.Request.Context(), workerID, limit)
	} else {
		entries, err = h.history.List(c.Request.Context(), limit)
	}
	if err != nil {
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to read history: "+err.Error())
		return
	}

	response := make([]PresenceEventResponse, len(entries))
	for i, e := range entries {
		response[i] = toPresenceEventResponse(e)
	}
	c.JSON(http.StatusOK, response)
}

// RegisterRoutes registers the worker routes on a Gin router group.
func (h *WorkerHandler) RegisterRoutes(rg *gin.RouterGroup) {
	workers := rg.Group("/workers")
	{
		workers.GET("", h.List)
		workers.GET("/history", h.History)
	}
}
