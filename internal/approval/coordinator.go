package approval

import (
	"context"
	"strings"
	"sync"

	"extremis/internal/notify"

	"github.com/rs/zerolog"
)

// batch 一轮工具调用产生的审批请求组
// batch groups the requests produced by one generation round
type batch struct {
	seq       uint64
	sessionID string
	requests  []Request
	decisions map[string]Decision
	remaining int
	resolved  bool
	done      chan []Decision
}

func (b *batch) state(id string) State {
	if d, ok := b.decisions[id]; ok {
		return d.Action
	}
	return StatePending
}

func (b *batch) find(id string) (Request, bool) {
	for _, r := range b.requests {
		if r.ID == id {
			return r, true
		}
	}
	return Request{}, false
}

// Coordinator 进程级审批仲裁器：同一时刻只有一个批次处于活动状态，其余按 FIFO 排队
// Coordinator serializes approval batches from all sessions into one visible surface.
// Exactly one batch is active at a time; the rest wait in submission order.
type Coordinator struct {
	mu     sync.Mutex
	active *batch
	queue  []*batch
	seq    uint64
	logger zerolog.Logger
	hub    notify.Hub
}

func NewCoordinator(logger zerolog.Logger) *Coordinator {
	return &Coordinator{logger: logger.With().Str("component", "approval").Logger()}
}

// Submit 提交一批审批请求并阻塞直到全部得到终态
// Submit enqueues requests for sessionID and blocks until every request is terminal.
// When ctx ends first, the batch is dismissed and the resulting decisions are
// returned together with ctx.Err().
func (c *Coordinator) Submit(ctx context.Context, sessionID string, reqs []Request) ([]Decision, error) {
	if len(reqs) == 0 {
		return nil, nil
	}
	c.mu.Lock()
	c.seq++
	b := &batch{
		seq:       c.seq,
		sessionID: sessionID,
		requests:  append([]Request(nil), reqs...),
		decisions: make(map[string]Decision, len(reqs)),
		remaining: len(reqs),
		done:      make(chan []Decision, 1),
	}
	if c.active == nil {
		c.active = b
	} else {
		c.queue = append(c.queue, b)
	}
	c.mu.Unlock()
	c.logger.Debug().Str("session_id", sessionID).Int("requests", len(reqs)).Uint64("batch", b.seq).Msg("approval batch submitted")
	c.hub.Broadcast()

	select {
	case decisions := <-b.done:
		return decisions, nil
	case <-ctx.Done():
		c.mu.Lock()
		c.dismissBatchLocked(b, DismissedReason)
		c.mu.Unlock()
		c.hub.Broadcast()
		return <-b.done, ctx.Err()
	}
}

// Approve 批准活动批次中的单个请求；需要显式审批的请求不会被记住
// Approve resolves a pending request of the active batch. remember is ignored for
// requests that require explicit approval.
func (c *Coordinator) Approve(requestID string, remember bool) bool {
	c.mu.Lock()
	req, ok := c.pendingInActiveLocked(requestID, "approve")
	if !ok {
		c.mu.Unlock()
		return false
	}
	if req.RequiresExplicitApproval && remember {
		c.logger.Debug().Str("request_id", requestID).Msg("remember dropped for explicit approval request")
		remember = false
	}
	c.decideLocked(c.active, Decision{RequestID: requestID, Action: StateApproved, Remember: remember})
	c.mu.Unlock()
	c.hub.Broadcast()
	return true
}

// Deny resolves a pending request of the active batch as denied.
func (c *Coordinator) Deny(requestID, reason string) bool {
	c.mu.Lock()
	if _, ok := c.pendingInActiveLocked(requestID, "deny"); !ok {
		c.mu.Unlock()
		return false
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = DeniedReason
	}
	c.decideLocked(c.active, Decision{RequestID: requestID, Action: StateDenied, Reason: reason})
	c.mu.Unlock()
	c.hub.Broadcast()
	return true
}

// ApproveAllPending 一次性批准活动批次中所有未标记为危险的请求
// ApproveAllPending approves every pending request of the active batch except those
// requiring explicit approval. Nothing is remembered. Returns how many were approved.
func (c *Coordinator) ApproveAllPending() int {
	c.mu.Lock()
	b := c.active
	if b == nil {
		c.mu.Unlock()
		c.logger.Warn().Msg("approve all with no active batch")
		return 0
	}
	approved := 0
	for _, r := range b.requests {
		if b.resolved || r.RequiresExplicitApproval || b.state(r.ID) != StatePending {
			continue
		}
		c.decideLocked(b, Decision{RequestID: r.ID, Action: StateApproved})
		approved++
	}
	c.mu.Unlock()
	if approved > 0 {
		c.hub.Broadcast()
	}
	return approved
}

// DismissSession 仅解决属于该会话的批次（活动或排队中）
// DismissSession dismisses pending requests in batches owned by sessionID, active or
// queued. An empty id targets batches submitted without a session. Batches of other
// sessions are untouched. Returns the number of requests dismissed.
func (c *Coordinator) DismissSession(sessionID string) int {
	c.mu.Lock()
	n := 0
	for _, b := range c.ownedLocked(sessionID) {
		n += c.dismissBatchLocked(b, DismissedReason)
	}
	c.mu.Unlock()
	if n > 0 {
		c.hub.Broadcast()
	}
	return n
}

// DismissActive dismisses whatever is left of the visible batch.
func (c *Coordinator) DismissActive() int {
	c.mu.Lock()
	n := 0
	if c.active != nil {
		n = c.dismissBatchLocked(c.active, DismissedReason)
	}
	c.mu.Unlock()
	if n > 0 {
		c.hub.Broadcast()
	}
	return n
}

// DismissAll resolves every outstanding request. Used on global teardown.
func (c *Coordinator) DismissAll() int {
	c.mu.Lock()
	all := make([]*batch, 0, len(c.queue)+1)
	if c.active != nil {
		all = append(all, c.active)
	}
	all = append(all, c.queue...)
	n := 0
	for _, b := range all {
		n += c.dismissBatchLocked(b, DismissedReason)
	}
	c.mu.Unlock()
	if n > 0 {
		c.hub.Broadcast()
	}
	return n
}

// Pending 返回活动批次中仍待决定的请求的展示模型
// Pending returns display models for the still-pending requests of the active batch.
func (c *Coordinator) Pending() []DisplayModel {
	c.mu.Lock()
	defer c.mu.Unlock()
	b := c.active
	if b == nil {
		return []DisplayModel{}
	}
	out := make([]DisplayModel, 0, b.remaining)
	for i, r := range b.requests {
		st := b.state(r.ID)
		if st != StatePending {
			continue
		}
		out = append(out, DisplayModel{
			RequestID:                r.ID,
			SessionID:                b.sessionID,
			ToolName:                 r.Call.Name,
			ConnectorID:              r.Call.ConnectorID,
			Summary:                  r.Summary,
			Reason:                   r.Reason,
			RequiresExplicitApproval: r.RequiresExplicitApproval,
			CanRemember:              !r.RequiresExplicitApproval,
			State:                    st,
			Position:                 i + 1,
			BatchSize:                len(b.requests),
		})
	}
	return out
}

// Queued reports how many batches wait behind the active one.
func (c *Coordinator) Queued() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Subscribe returns a coalescing change signal for UI layers.
func (c *Coordinator) Subscribe() (<-chan struct{}, func()) {
	return c.hub.Subscribe()
}

func (c *Coordinator) pendingInActiveLocked(requestID, op string) (Request, bool) {
	if c.active == nil {
		c.logger.Warn().Str("request_id", requestID).Str("op", op).Msg("no active approval batch")
		return Request{}, false
	}
	req, ok := c.active.find(requestID)
	if !ok {
		c.logger.Warn().Str("request_id", requestID).Str("op", op).Msg("request is not in the active batch")
		return Request{}, false
	}
	if st := c.active.state(requestID); st != StatePending {
		c.logger.Warn().Str("request_id", requestID).Str("op", op).Str("state", string(st)).Msg("request already resolved")
		return Request{}, false
	}
	return req, true
}

func (c *Coordinator) ownedLocked(sessionID string) []*batch {
	var out []*batch
	if c.active != nil && c.active.sessionID == sessionID {
		out = append(out, c.active)
	}
	for _, b := range c.queue {
		if b.sessionID == sessionID {
			out = append(out, b)
		}
	}
	return out
}

func (c *Coordinator) decideLocked(b *batch, d Decision) {
	b.decisions[d.RequestID] = d
	b.remaining--
	if b.remaining == 0 {
		c.resolveLocked(b)
	}
}

func (c *Coordinator) dismissBatchLocked(b *batch, reason string) int {
	if b.resolved {
		return 0
	}
	n := 0
	for _, r := range b.requests {
		if b.state(r.ID) != StatePending {
			continue
		}
		b.decisions[r.ID] = Decision{RequestID: r.ID, Action: StateDismissed, Reason: reason}
		b.remaining--
		n++
	}
	c.resolveLocked(b)
	return n
}

// resolveLocked delivers decisions exactly once and promotes the next queued batch.
func (c *Coordinator) resolveLocked(b *batch) {
	if b.resolved {
		return
	}
	b.resolved = true
	decisions := make([]Decision, 0, len(b.requests))
	for _, r := range b.requests {
		decisions = append(decisions, b.decisions[r.ID])
	}
	b.done <- decisions

	if c.active == b {
		c.active = nil
		if len(c.queue) > 0 {
			c.active = c.queue[0]
			c.queue = c.queue[1:]
		}
		return
	}
	for i, q := range c.queue {
		if q == b {
			c.queue = append(c.queue[:i], c.queue[i+1:]...)
			return
		}
	}
}
