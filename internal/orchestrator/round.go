package orchestrator

import (
	"context"
	"sync"

	"extremis/internal/approval"
	"extremis/internal/chat"
	"extremis/internal/permission"
	"extremis/internal/session"
	"extremis/internal/tools"
)

// plannedCall is one call of a round on its way through policy and approval.
type plannedCall struct {
	call    chat.ToolCall
	req     tools.Requirement
	result  *chat.ToolResult // set once the call is settled without running
	request *approval.Request
}

// executeRound 依次经过策略、审批，再并发执行获准的调用；返回与调用顺序一致的结果
// executeRound settles one round: policy first, then one approval batch for the
// calls that need a human, then the approved calls run concurrently. Results follow
// call order.
func (o *Orchestrator) executeRound(ctx context.Context, g *session.Generation, calls []chat.ToolCall) []chat.ToolResult {
	sess := g.Session()
	planned := make([]*plannedCall, len(calls))
	var requests []approval.Request

	for i, call := range calls {
		p := &plannedCall{call: call, req: o.catalog.Requirement(call)}
		planned[i] = p
		g.SetCallState(session.CallState{CallID: call.ID, Name: call.Name, ConnectorID: call.ConnectorID, Status: chat.CallRequested})

		decision := o.decide(call)
		switch {
		case decision.Decision == permission.DecisionDeny:
			p.settle(chat.Failure(decision.Reason, false))
			o.logPermission(ctx, sess.ID(), call, string(permission.DecisionDeny), decision.Reason)
			continue
		case p.req.Dangerous:
			// dangerous calls always get an individual decision
		case decision.Decision == permission.DecisionAllow:
			o.logPermission(ctx, sess.ID(), call, string(permission.DecisionAllow), decision.Reason)
			continue
		case sess.Memory().Allows(call, false):
			o.logPermission(ctx, sess.ID(), call, "remembered", "approved earlier in this session")
			continue
		}

		req := approval.NewRequest(call, p.req.Dangerous, p.req.Reason)
		p.request = &req
		requests = append(requests, req)
		g.SetCallState(session.CallState{CallID: call.ID, Status: chat.CallAwaitingApproval, Detail: req.Reason})
	}

	if len(requests) > 0 {
		decisions, err := o.approver.Submit(ctx, sess.ID(), requests)
		if err != nil {
			o.logger.Debug().Err(err).Str("session_id", sess.ID()).Msg("approval interrupted")
		}
		byID := make(map[string]approval.Decision, len(decisions))
		for _, d := range decisions {
			byID[d.RequestID] = d
		}
		for _, p := range planned {
			if p.request == nil {
				continue
			}
			d, ok := byID[p.request.ID]
			if !ok {
				d = approval.Decision{RequestID: p.request.ID, Action: approval.StateDismissed, Reason: approval.DismissedReason}
			}
			o.logPermission(ctx, sess.ID(), p.call, string(d.Action), d.Reason)
			switch d.Action {
			case approval.StateApproved:
				if d.Remember && !p.request.RequiresExplicitApproval {
					sess.Memory().Remember(p.call)
				}
			case approval.StateDenied:
				p.settle(chat.Failure(refusal(d.Reason, approval.DeniedReason), false))
			default:
				p.settle(chat.Failure(refusal(d.Reason, approval.DismissedReason), false))
			}
		}
	}

	// nothing runs once the turn is cancelled
	if ctx.Err() != nil {
		for _, p := range planned {
			if p.result == nil {
				p.settle(chat.Failure("tool call cancelled", false))
			}
		}
	}

	var wg sync.WaitGroup
	toolCtx := tools.WithSessionID(ctx, sess.ID())
	for _, p := range planned {
		if p.result != nil {
			g.SetCallState(session.CallState{CallID: p.call.ID, Status: chat.CallSkipped, Detail: p.result.Outcome.Text()})
			continue
		}
		wg.Add(1)
		go func(p *plannedCall) {
			defer wg.Done()
			g.SetCallState(session.CallState{CallID: p.call.ID, Status: chat.CallRunning})
			res := o.catalog.Execute(toolCtx, p.call)
			p.result = &res
			st := session.CallState{CallID: p.call.ID, Status: chat.CallSucceeded}
			if res.Outcome.IsError() {
				st.Status, st.Detail = chat.CallFailed, res.Outcome.Text()
			}
			g.SetCallState(st)
		}(p)
	}
	wg.Wait()

	results := make([]chat.ToolResult, 0, len(planned))
	for _, p := range planned {
		results = append(results, *p.result)
	}
	return results
}

func (p *plannedCall) settle(o chat.Outcome) {
	p.result = &chat.ToolResult{CallID: p.call.ID, Outcome: o}
}

func (o *Orchestrator) decide(call chat.ToolCall) permission.Result {
	if o.policy == nil {
		return permission.Result{Decision: permission.DecisionAsk}
	}
	return o.policy.Decide(call)
}

func refusal(reason, fallback string) string {
	if reason == "" {
		return fallback
	}
	return reason
}
