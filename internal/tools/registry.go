package tools

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"extremis/internal/chat"

	"github.com/rs/zerolog"
	"github.com/sahilm/fuzzy"
)

// ExecutionRecord is what the registry reports for every executed call.
type ExecutionRecord struct {
	SessionID   string
	CallID      string
	Tool        string
	ConnectorID string
	Arguments   string
	Outcome     chat.Outcome
	Duration    time.Duration
	StartedAt   time.Time
}

// Recorder receives one record per executed call. Implementations must not block for long.
type Recorder interface {
	Record(ctx context.Context, rec ExecutionRecord)
}

type RegistryOptions struct {
	// Timeout bounds a single call; zero disables it.
	Timeout  time.Duration
	Recorder Recorder
	Logger   zerolog.Logger
}

type entry struct {
	tool      Tool
	connector string
}

// Registry 工具目录：定义、审批需求、执行
// Registry is the tool catalog: definitions, approval requirements and execution
type Registry struct {
	mu    sync.RWMutex
	tools map[string]entry
	opts  RegistryOptions
}

func NewRegistry(opts RegistryOptions) *Registry {
	return &Registry{tools: make(map[string]entry), opts: opts}
}

// Register adds tools under connectorID. Tool names are global; a duplicate is an error.
func (r *Registry) Register(connectorID string, ts ...Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range ts {
		name := t.Name()
		if strings.TrimSpace(name) == "" {
			return errors.New("tool name is empty")
		}
		if prev, ok := r.tools[name]; ok {
			return fmt.Errorf("tool %s already registered by connector %q", name, prev.connector)
		}
		r.tools[name] = entry{tool: t, connector: connectorID}
	}
	return nil
}

func (r *Registry) Definitions() []chat.ToolDef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]chat.ToolDef, 0, len(r.tools))
	for _, name := range r.namesLocked() {
		out = append(out, r.definitionLocked(name))
	}
	return out
}

func (r *Registry) definitionLocked(name string) chat.ToolDef {
	e := r.tools[name]
	def := e.tool.Definition()
	def.ConnectorID = e.connector
	return def
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.namesLocked()
}

func (r *Registry) namesLocked() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// Connector returns the connector a tool was registered under.
func (r *Registry) Connector(name string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name].connector
}

// Search 模糊匹配工具名、连接器和描述
// Search fuzzy-matches tools by connector, name and description, best match first.
// An empty query returns every definition.
func (r *Registry) Search(query string) []chat.ToolDef {
	query = strings.TrimSpace(query)
	if query == "" {
		return r.Definitions()
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := r.namesLocked()
	haystack := make([]string, len(names))
	for i, name := range names {
		e := r.tools[name]
		haystack[i] = e.connector + " " + name + " " + e.tool.Definition().Function.Description
	}
	matches := fuzzy.Find(query, haystack)
	out := make([]chat.ToolDef, 0, len(matches))
	for _, m := range matches {
		out = append(out, r.definitionLocked(names[m.Index]))
	}
	return out
}

// Requirement classifies a call. Arguments that cannot be analysed fail closed.
func (r *Registry) Requirement(call chat.ToolCall) Requirement {
	r.mu.RLock()
	e, ok := r.tools[call.Name]
	r.mu.RUnlock()
	if !ok {
		return Requirement{}
	}
	aware, ok := e.tool.(RequirementAware)
	if !ok {
		return Requirement{}
	}
	if _, raw := call.Arguments["_raw"]; raw {
		return Requirement{Dangerous: true, Reason: "arguments could not be parsed (fail closed)"}
	}
	req, err := aware.Requirement([]byte(call.ArgumentsJSON()))
	if err != nil {
		return Requirement{Dangerous: true, Reason: fmt.Sprintf("cannot analyse arguments: %v", err)}
	}
	return req
}

// Execute runs one call and always answers with a result; tool errors become error outcomes.
func (r *Registry) Execute(ctx context.Context, call chat.ToolCall) chat.ToolResult {
	start := time.Now()
	outcome := r.execute(ctx, call)
	res := chat.ToolResult{CallID: call.ID, Outcome: outcome, Duration: time.Since(start)}

	r.opts.Logger.Debug().
		Str("tool", call.Name).
		Str("call_id", call.ID).
		Bool("ok", !outcome.IsError()).
		Dur("duration", res.Duration).
		Msg("tool executed")

	if r.opts.Recorder != nil {
		r.opts.Recorder.Record(context.WithoutCancel(ctx), ExecutionRecord{
			SessionID:   SessionIDFrom(ctx),
			CallID:      call.ID,
			Tool:        call.Name,
			ConnectorID: r.Connector(call.Name),
			Arguments:   call.ArgumentsJSON(),
			Outcome:     outcome,
			Duration:    res.Duration,
			StartedAt:   start.UTC(),
		})
	}
	return res
}

func (r *Registry) execute(ctx context.Context, call chat.ToolCall) chat.Outcome {
	r.mu.RLock()
	e, ok := r.tools[call.Name]
	r.mu.RUnlock()
	if !ok {
		return chat.Failure(fmt.Sprintf("unknown tool: %s", call.Name), false)
	}
	if raw, bad := call.Arguments["_raw"]; bad {
		return chat.Failure(fmt.Sprintf("invalid arguments: not a JSON object: %v", raw), false)
	}

	runCtx := ctx
	if r.opts.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, r.opts.Timeout)
		defer cancel()
	}

	out, err := safeExecute(runCtx, e.tool, call)
	if err == nil {
		return chat.Success(out)
	}
	switch {
	case ctx.Err() != nil:
		return chat.Failure("tool call cancelled", false)
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(runCtx.Err(), context.DeadlineExceeded):
		return chat.Failure(fmt.Sprintf("tool call timed out after %s", r.opts.Timeout), true)
	default:
		return chat.Failure(err.Error(), IsRetryable(err))
	}
}

func safeExecute(ctx context.Context, t Tool, call chat.ToolCall) (out string, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("tool %s panicked: %v", call.Name, p)
		}
	}()
	return t.Execute(ctx, []byte(call.ArgumentsJSON()))
}

type sessionKey struct{}

// WithSessionID tags ctx with the session a tool call runs for; used by audit records.
func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionKey{}, id)
}

func SessionIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(sessionKey{}).(string)
	return id
}
