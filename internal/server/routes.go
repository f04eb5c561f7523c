package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"extremis/internal/audit"
	"extremis/internal/chat"
	"extremis/internal/orchestrator"
	"extremis/internal/session"
	"extremis/internal/storage"

	"github.com/gin-gonic/gin"
)

type handlers struct {
	opts Options
}

func registerRoutes(router *gin.Engine, h *handlers) {
	api := router.Group("/api")
	api.GET("/health", h.health)

	api.GET("/sessions", h.listSessions)
	api.POST("/sessions", h.createSession)
	byID := api.Group("/sessions/:id", wellFormedSessionID)
	byID.GET("", h.getSession)
	byID.DELETE("", h.deleteSession)
	byID.POST("/messages", h.sendMessage)
	byID.POST("/cancel", h.cancel)
	byID.POST("/retry", h.retry)
	byID.GET("/permissions", h.permissions)
	byID.GET("/events", h.events)

	api.GET("/approvals", h.listApprovals)
	api.POST("/approvals/approve-all", h.approveAll)
	api.POST("/approvals/dismiss", h.dismiss)
	api.POST("/approvals/:id/approve", h.approve)
	api.POST("/approvals/:id/deny", h.deny)

	api.GET("/tools", h.listTools)
	api.GET("/audit", h.listAudit)
	api.GET("/audit/stats", h.auditStats)
	api.GET("/mcp", h.mcpStatus)
}

// wellFormedSessionID answers 404 for ids no session could have.
func wellFormedSessionID(c *gin.Context) {
	if !storage.IsSessionID(c.Param("id")) {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	c.Next()
}

func (h *handlers) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "sessions": len(h.opts.Sessions.List())})
}

type sessionSummary struct {
	ID           string `json:"id"`
	Title        string `json:"title,omitempty"`
	CreatedAt    string `json:"created_at"`
	Open         bool   `json:"open"`
	Generating   bool   `json:"generating"`
	MessageCount int    `json:"message_count"`
}

func (h *handlers) listSessions(c *gin.Context) {
	byID := make(map[string]sessionSummary)
	if h.opts.Store != nil {
		stored, err := h.opts.Store.ListSessions(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		for _, m := range stored {
			byID[m.ID] = sessionSummary{ID: m.ID, Title: m.Title, CreatedAt: m.CreatedAt, MessageCount: m.MessageCount}
		}
	}
	for _, s := range h.opts.Sessions.List() {
		byID[s.ID()] = sessionSummary{
			ID:           s.ID(),
			Title:        s.Title(),
			CreatedAt:    s.CreatedAt().Format(time.RFC3339),
			Open:         true,
			Generating:   s.Generating(),
			MessageCount: len(s.Messages()),
		}
	}
	out := make([]sessionSummary, 0, len(byID))
	for _, s := range byID {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt > out[j].CreatedAt })
	c.JSON(http.StatusOK, gin.H{"sessions": out})
}

func (h *handlers) createSession(c *gin.Context) {
	var body struct {
		Title string `json:"title"`
	}
	if err := bindOptionalJSON(c, &body); err != nil {
		return
	}
	sess, err := h.opts.Sessions.Create(c.Request.Context(), body.Title)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, sess.Snapshot())
}

// session resolves :id, restoring it from storage when needed. It writes the
// error response itself and returns nil on failure.
func (h *handlers) session(c *gin.Context) *session.Session {
	sess, err := h.opts.Sessions.Open(c.Request.Context(), c.Param("id"))
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, session.ErrNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return nil
	}
	return sess
}

func (h *handlers) getSession(c *gin.Context) {
	if sess := h.session(c); sess != nil {
		c.JSON(http.StatusOK, sess.Snapshot())
	}
}

func (h *handlers) deleteSession(c *gin.Context) {
	id := c.Param("id")
	closed := h.opts.Sessions.Close(id)
	if h.opts.Store != nil {
		if err := h.opts.Store.DeleteSession(c.Request.Context(), id); err != nil && !closed {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
	} else if !closed {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	c.Status(http.StatusNoContent)
}

type sendRequest struct {
	Text    string `json:"text" binding:"required"`
	Context *struct {
		Source  string          `json:"source"`
		Payload json.RawMessage `json:"payload"`
	} `json:"context"`
}

func (h *handlers) sendMessage(c *gin.Context) {
	var body sendRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	sess := h.session(c)
	if sess == nil {
		return
	}
	var snapshot *chat.ContextSnapshot
	if body.Context != nil && len(body.Context.Payload) > 0 {
		snapshot = &chat.ContextSnapshot{
			Source:     body.Context.Source,
			Payload:    body.Context.Payload,
			CapturedAt: time.Now().UTC(),
		}
	}
	if _, err := h.opts.Orchestrator.Send(c.Request.Context(), sess, body.Text, snapshot); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, sess.Snapshot())
}

func (h *handlers) cancel(c *gin.Context) {
	sess := h.session(c)
	if sess == nil {
		return
	}
	wait := c.Query("wait") == "true"
	if !wait {
		h.opts.Orchestrator.Cancel(sess)
		c.JSON(http.StatusAccepted, gin.H{"cancelled": true})
		return
	}
	if err := sess.CancelGenerationAndWait(c.Request.Context()); err != nil {
		c.JSON(http.StatusRequestTimeout, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, sess.Snapshot())
}

func (h *handlers) retry(c *gin.Context) {
	var body struct {
		MessageID string `json:"message_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	sess := h.session(c)
	if sess == nil {
		return
	}
	_, err := h.opts.Orchestrator.Retry(c.Request.Context(), sess, body.MessageID)
	switch {
	case errors.Is(err, orchestrator.ErrBusy):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, orchestrator.ErrNothingToRetry):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusAccepted, sess.Snapshot())
	}
}

func (h *handlers) permissions(c *gin.Context) {
	if h.opts.Store == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no persistent store"})
		return
	}
	entries, err := h.opts.Store.ListPermissions(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"permissions": entries})
}

func (h *handlers) listApprovals(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"pending": h.opts.Approvals.Pending(),
		"queued":  h.opts.Approvals.Queued(),
	})
}

func (h *handlers) approve(c *gin.Context) {
	var body struct {
		Remember bool `json:"remember"`
	}
	if err := bindOptionalJSON(c, &body); err != nil {
		return
	}
	resolved(c, h.opts.Approvals.Approve(c.Param("id"), body.Remember))
}

func (h *handlers) deny(c *gin.Context) {
	var body struct {
		Reason string `json:"reason"`
	}
	if err := bindOptionalJSON(c, &body); err != nil {
		return
	}
	resolved(c, h.opts.Approvals.Deny(c.Param("id"), body.Reason))
}

func (h *handlers) approveAll(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"approved": h.opts.Approvals.ApproveAllPending()})
}

// dismiss resolves one session's requests, or every request when session_id is empty.
func (h *handlers) dismiss(c *gin.Context) {
	var body struct {
		SessionID string `json:"session_id"`
	}
	if err := bindOptionalJSON(c, &body); err != nil {
		return
	}
	var n int
	if id := strings.TrimSpace(body.SessionID); id != "" {
		n = h.opts.Approvals.DismissSession(id)
	} else {
		n = h.opts.Approvals.DismissAll()
	}
	c.JSON(http.StatusOK, gin.H{"dismissed": n})
}

// resolved reports whether the decision took effect. A request that is not
// pending in the active batch is a no-op, not an error.
func resolved(c *gin.Context, ok bool) {
	c.JSON(http.StatusOK, gin.H{"resolved": ok})
}

func (h *handlers) listTools(c *gin.Context) {
	if h.opts.Tools == nil {
		c.JSON(http.StatusOK, gin.H{"tools": []chat.ToolDef{}})
		return
	}
	type toolView struct {
		Name        string `json:"name"`
		ConnectorID string `json:"connector_id,omitempty"`
		Description string `json:"description,omitempty"`
	}
	defs := h.opts.Tools.Search(c.Query("q"))
	out := make([]toolView, 0, len(defs))
	for _, d := range defs {
		out = append(out, toolView{Name: d.Function.Name, ConnectorID: d.ConnectorID, Description: d.Function.Description})
	}
	c.JSON(http.StatusOK, gin.H{"tools": out})
}

func (h *handlers) listAudit(c *gin.Context) {
	if h.opts.Audit == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "audit log disabled"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	rows, err := h.opts.Audit.List(c.Request.Context(), audit.Query{
		SessionID: c.Query("session_id"),
		ToolName:  c.Query("tool"),
		Limit:     limit,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"executions": rows})
}

func (h *handlers) auditStats(c *gin.Context) {
	if h.opts.Audit == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "audit log disabled"})
		return
	}
	stats, err := h.opts.Audit.Stats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"stats": stats})
}

func (h *handlers) mcpStatus(c *gin.Context) {
	if h.opts.MCP == nil {
		c.JSON(http.StatusOK, gin.H{"servers": []any{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"servers": h.opts.MCP.Snapshots()})
}

// bindOptionalJSON accepts an empty body. On a malformed body it writes 400.
func bindOptionalJSON(c *gin.Context, v any) error {
	if c.Request.ContentLength == 0 {
		return nil
	}
	if err := c.ShouldBindJSON(v); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return err
	}
	return nil
}
