package bootstrap

import (
	"context"

	"extremis/internal/approval"
)

type ApprovalDecision int

const (
	ApprovalDecisionDeny ApprovalDecision = iota
	ApprovalDecisionAllowOnce
	ApprovalDecisionAllowAlways
	// ApprovalDecisionAllowAll approves the shown request and every unflagged request of its batch.
	ApprovalDecisionAllowAll
	// ApprovalDecisionDismiss resolves the rest of the batch without running anything.
	ApprovalDecisionDismiss
)

// ApprovalPrompter 为单个待审批请求取得用户决定
// ApprovalPrompter obtains a decision for one pending request
type ApprovalPrompter interface {
	PromptApproval(ctx context.Context, req approval.DisplayModel) (ApprovalDecision, error)
}

// ApprovalSource is the slice of the coordinator a prompter loop drives.
type ApprovalSource interface {
	Pending() []approval.DisplayModel
	Subscribe() (<-chan struct{}, func())
	Approve(requestID string, remember bool) bool
	Deny(requestID, reason string) bool
	ApproveAllPending() int
	DismissActive() int
}

// WatchApprovals 逐个把活动批次中的待审批请求交给 prompter，直到 ctx 结束
// WatchApprovals hands each pending request of the active batch to p, in batch
// order, until ctx ends. A prompter error ends the loop.
func WatchApprovals(ctx context.Context, src ApprovalSource, p ApprovalPrompter) error {
	changed, unsubscribe := src.Subscribe()
	defer unsubscribe()
	for {
		if pending := src.Pending(); len(pending) > 0 {
			req := pending[0]
			decision, err := p.PromptApproval(ctx, req)
			if err != nil {
				return err
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			ApplyDecision(src, req, decision)
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
}

// ApplyDecision maps a prompt answer onto the coordinator. A request that was
// resolved elsewhere while the prompt was open is left alone.
func ApplyDecision(src ApprovalSource, req approval.DisplayModel, d ApprovalDecision) {
	switch d {
	case ApprovalDecisionAllowOnce:
		src.Approve(req.RequestID, false)
	case ApprovalDecisionAllowAlways:
		src.Approve(req.RequestID, req.CanRemember)
	case ApprovalDecisionAllowAll:
		src.Approve(req.RequestID, false)
		src.ApproveAllPending()
	case ApprovalDecisionDismiss:
		src.DismissActive()
	default:
		src.Deny(req.RequestID, "")
	}
}
