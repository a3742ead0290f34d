// Package tools maps tool names surfaced by the model to local capabilities
// and guarantees exactly one response per tool call id.
package tools

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/quillon/liveagent/internal/config"
	"github.com/quillon/liveagent/internal/observability"
	"github.com/quillon/liveagent/internal/protocol"
)

// settledCacheSize bounds the window in which duplicate or cancelled call
// ids are remembered.
const settledCacheSize = 1024

// ErrDuplicateTool is returned by Register when the name is already taken.
var ErrDuplicateTool = errors.New("tool already registered")

// CallContext carries caller identity into a tool run. Tools get nothing
// else from the orchestrator.
type CallContext struct {
	Caller string
}

// Result is a tool outcome: Output on success, Error on failure. A tool
// that populates both is coerced to an error response.
type Result struct {
	Output map[string]any
	Error  string
}

// Tool is one named capability the model may invoke.
type Tool interface {
	Name() string
	Description() string

	// Parameters returns the JSON schema for the tool's arguments.
	Parameters() map[string]any

	Execute(ctx context.Context, args map[string]any, call CallContext) Result
}

// Dispatcher executes tool calls and settles every call id exactly once.
type Dispatcher interface {
	// Register adds a tool. Duplicate names are rejected.
	Register(tool Tool) error

	// Declarations returns metadata for every registered tool, sorted by
	// name, for inclusion in the session setup.
	Declarations() []protocol.FunctionDeclaration

	// Dispatch runs one call and returns the response owed for it. The
	// second return is false when no response is owed: the id was already
	// settled by an earlier delivery or a cancellation.
	Dispatch(ctx context.Context, call protocol.ToolCall) (protocol.ToolResponse, bool)

	// DispatchBatch runs calls sequentially in delivery order and returns
	// the responses still owed.
	DispatchBatch(ctx context.Context, calls []protocol.ToolCall) []protocol.ToolResponse

	// Cancel retracts pending call ids. Retracted ids never produce a
	// response; ids already settled are unaffected.
	Cancel(ids []string)
}

type dispatcher struct {
	logger  *zap.Logger
	metrics *observability.Metrics
	caller  string

	mu      sync.RWMutex
	tools   map[string]Tool
	settled *lru.Cache[string, struct{}]
}

func NewDispatcher(logger *zap.Logger, cfg *config.Config, metrics *observability.Metrics) (Dispatcher, error) {
	settled, err := lru.New[string, struct{}](settledCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create settled id cache: %w", err)
	}

	return &dispatcher{
		logger:  logger,
		metrics: metrics,
		caller:  cfg.Session.Caller,
		tools:   make(map[string]Tool),
		settled: settled,
	}, nil
}

func (d *dispatcher) Register(tool Tool) error {
	name := tool.Name()
	if name == "" {
		return fmt.Errorf("tool has no name")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.tools[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, name)
	}
	d.tools[name] = tool

	d.logger.Info("Registered tool", zap.String("tool", name))
	return nil
}

func (d *dispatcher) Declarations() []protocol.FunctionDeclaration {
	d.mu.RLock()
	defer d.mu.RUnlock()

	decls := make([]protocol.FunctionDeclaration, 0, len(d.tools))
	for _, tool := range d.tools {
		decls = append(decls, protocol.FunctionDeclaration{
			Name:        tool.Name(),
			Description: tool.Description(),
			Parameters:  tool.Parameters(),
		})
	}
	sort.Slice(decls, func(i, j int) bool { return decls[i].Name < decls[j].Name })

	return decls
}

func (d *dispatcher) Dispatch(ctx context.Context, call protocol.ToolCall) (protocol.ToolResponse, bool) {
	if call.ID == "" {
		// Without a correlation id no response can be matched to the call.
		d.logger.Warn("Dropping tool call without id", zap.String("tool", call.Name))
		d.metrics.ToolCalls.WithLabelValues("invalid").Inc()
		return protocol.ToolResponse{}, false
	}

	d.mu.Lock()
	if d.settled.Contains(call.ID) {
		d.mu.Unlock()
		d.logger.Debug("Dropping duplicate tool call delivery",
			zap.String("tool", call.Name),
			zap.String("call_id", call.ID))
		d.metrics.ToolCalls.WithLabelValues("duplicate").Inc()
		return protocol.ToolResponse{}, false
	}
	// Claim the id before executing so a duplicate delivery arriving
	// mid-run is dropped too.
	d.settled.Add(call.ID, struct{}{})
	tool, registered := d.tools[call.Name]
	d.mu.Unlock()

	if !registered {
		d.logger.Warn("Tool call for unregistered tool",
			zap.String("tool", call.Name),
			zap.String("call_id", call.ID))
		d.metrics.ToolCalls.WithLabelValues("unregistered").Inc()
		return protocol.ToolResponse{
			ID:    call.ID,
			Name:  call.Name,
			Error: fmt.Sprintf("tool not registered: %s", call.Name),
		}, true
	}

	started := time.Now()
	result := d.execute(ctx, tool, call)
	d.metrics.ToolDuration.Observe(time.Since(started).Seconds())

	if result.Error == "" && result.Output != nil {
		d.metrics.ToolCalls.WithLabelValues("ok").Inc()
		return protocol.ToolResponse{ID: call.ID, Name: call.Name, Output: result.Output}, true
	}

	errText := result.Error
	switch {
	case errText != "" && result.Output != nil:
		d.logger.Warn("Tool returned both output and error, keeping error",
			zap.String("tool", call.Name),
			zap.String("call_id", call.ID))
	case errText == "":
		errText = fmt.Sprintf("tool %s produced neither output nor error", call.Name)
	}

	d.metrics.ToolCalls.WithLabelValues("error").Inc()
	return protocol.ToolResponse{ID: call.ID, Name: call.Name, Error: errText}, true
}

func (d *dispatcher) DispatchBatch(ctx context.Context, calls []protocol.ToolCall) []protocol.ToolResponse {
	// Sequential on purpose: responses keep delivery order and tools never
	// observe each other running concurrently.
	responses := make([]protocol.ToolResponse, 0, len(calls))
	for _, call := range calls {
		if resp, owed := d.Dispatch(ctx, call); owed {
			responses = append(responses, resp)
		}
	}
	return responses
}

func (d *dispatcher) Cancel(ids []string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, id := range ids {
		if id == "" || d.settled.Contains(id) {
			continue
		}
		d.settled.Add(id, struct{}{})
		d.metrics.ToolCalls.WithLabelValues("cancelled").Inc()
		d.logger.Info("Tool call cancelled by server", zap.String("call_id", id))
	}
}

// execute runs the tool with panic containment so a misbehaving tool turns
// into an error response instead of unwinding the read loop.
func (d *dispatcher) execute(ctx context.Context, tool Tool, call protocol.ToolCall) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Tool panicked",
				zap.String("tool", call.Name),
				zap.String("call_id", call.ID),
				zap.Any("panic", r))
			result = Result{Error: fmt.Sprintf("tool %s panicked: %v", call.Name, r)}
		}
	}()

	return tool.Execute(ctx, call.Args, CallContext{Caller: d.caller})
}
