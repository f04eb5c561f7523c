package server

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/gin-gonic/gin"
)

// events streams session snapshots and the pending approval list as SSE. Each
// change signal produces a fresh snapshot; signals coalesce, so a slow client
// only ever sees the latest state. With ?once=true the current state is sent and
// the stream ends.
func (h *handlers) events(c *gin.Context) {
	sess := h.session(c)
	if sess == nil {
		return
	}
	sessCh, unsubSess := sess.Subscribe()
	defer unsubSess()
	apprCh, unsubAppr := h.opts.Approvals.Subscribe()
	defer unsubAppr()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	writeSSE(c.Writer, "snapshot", sess.Snapshot())
	writeSSE(c.Writer, "approvals", h.opts.Approvals.Pending())
	c.Writer.Flush()
	if c.Query("once") == "true" {
		return
	}

	ctx := c.Request.Context()
	heartbeat := time.NewTicker(h.opts.Heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			writeSSE(c.Writer, "heartbeat", map[string]string{
				"timestamp": time.Now().UTC().Format(time.RFC3339),
			})
		case <-sessCh:
			writeSSE(c.Writer, "snapshot", sess.Snapshot())
		case <-apprCh:
			writeSSE(c.Writer, "approvals", h.opts.Approvals.Pending())
		}
		c.Writer.Flush()
	}
}

// writeSSE writes a single SSE event to the writer.
func writeSSE(w io.Writer, event string, data any) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, string(jsonData))
}
