package tools_test

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/quillon/liveagent/internal/config"
	"github.com/quillon/liveagent/internal/observability"
	"github.com/quillon/liveagent/internal/protocol"
	"github.com/quillon/liveagent/internal/tools"
)

func TestDispatcher_RegisterRejectsDuplicates(t *testing.T) {
	d, _ := newTestDispatcher(t)

	require.NoError(t, d.Register(&stubTool{name: "weather"}))

	err := d.Register(&stubTool{name: "weather"})
	require.ErrorIs(t, err, tools.ErrDuplicateTool)

	require.Error(t, d.Register(&stubTool{}), "unnamed tools are rejected")
}

func TestDispatcher_DeclarationsSortedByName(t *testing.T) {
	d, _ := newTestDispatcher(t)

	require.NoError(t, d.Register(&stubTool{name: "search", description: "web search"}))
	require.NoError(t, d.Register(&stubTool{name: "calc", description: "math", params: map[string]any{"type": "object"}}))
	require.NoError(t, d.Register(&stubTool{name: "lookup"}))

	decls := d.Declarations()
	require.Len(t, decls, 3)
	assert.Equal(t, []protocol.FunctionDeclaration{
		{Name: "calc", Description: "math", Parameters: map[string]any{"type": "object"}},
		{Name: "lookup"},
		{Name: "search", Description: "web search"},
	}, decls)
}

func TestDispatcher_Dispatch(t *testing.T) {
	tests := map[string]struct {
		result          tools.Result
		call            protocol.ToolCall
		wantOwed        bool
		wantOutput      map[string]any
		wantErrContains string
	}{
		"success with output": {
			result:     tools.Result{Output: map[string]any{"answer": 42}},
			call:       protocol.ToolCall{ID: "call-1", Name: "echo"},
			wantOwed:   true,
			wantOutput: map[string]any{"answer": 42},
		},
		"tool failure becomes error response": {
			result:          tools.Result{Error: "upstream unavailable"},
			call:            protocol.ToolCall{ID: "call-2", Name: "echo"},
			wantOwed:        true,
			wantErrContains: "upstream unavailable",
		},
		"both fields coerced to error": {
			result:          tools.Result{Output: map[string]any{"answer": 1}, Error: "conflicted"},
			call:            protocol.ToolCall{ID: "call-3", Name: "echo"},
			wantOwed:        true,
			wantErrContains: "conflicted",
		},
		"neither field becomes error response": {
			result:          tools.Result{},
			call:            protocol.ToolCall{ID: "call-4", Name: "echo"},
			wantOwed:        true,
			wantErrContains: "neither output nor error",
		},
		"unregistered tool": {
			call:            protocol.ToolCall{ID: "call-5", Name: "missing"},
			wantOwed:        true,
			wantErrContains: "tool not registered: missing",
		},
		"call without id is dropped": {
			call:     protocol.ToolCall{Name: "echo"},
			wantOwed: false,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			d, _ := newTestDispatcher(t)
			require.NoError(t, d.Register(&stubTool{
				name: "echo",
				fn: func(context.Context, map[string]any, tools.CallContext) tools.Result {
					return tc.result
				},
			}))

			resp, owed := d.Dispatch(context.Background(), tc.call)

			require.Equal(t, tc.wantOwed, owed)
			if !tc.wantOwed {
				return
			}

			assert.Equal(t, tc.call.ID, resp.ID)
			assert.Equal(t, tc.call.Name, resp.Name)
			if tc.wantErrContains != "" {
				assert.Contains(t, resp.Error, tc.wantErrContains)
				assert.Nil(t, resp.Output, "error responses carry no output")
				return
			}
			assert.Empty(t, resp.Error)
			assert.Equal(t, tc.wantOutput, resp.Output)
		})
	}
}

func TestDispatcher_PanicBecomesErrorResponse(t *testing.T) {
	d, metrics := newTestDispatcher(t)
	require.NoError(t, d.Register(&stubTool{
		name: "volatile",
		fn: func(context.Context, map[string]any, tools.CallContext) tools.Result {
			panic("kaboom")
		},
	}))

	resp, owed := d.Dispatch(context.Background(), protocol.ToolCall{ID: "call-1", Name: "volatile"})

	require.True(t, owed)
	assert.Contains(t, resp.Error, "panicked")
	assert.Contains(t, resp.Error, "kaboom")
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.ToolCalls.WithLabelValues("error")))

	// The dispatcher survives the panic.
	require.NoError(t, d.Register(&stubTool{name: "stable"}))
}

func TestDispatcher_DuplicateDeliveryDropped(t *testing.T) {
	d, metrics := newTestDispatcher(t)
	calls := 0
	require.NoError(t, d.Register(&stubTool{
		name: "echo",
		fn: func(context.Context, map[string]any, tools.CallContext) tools.Result {
			calls++
			return tools.Result{Output: map[string]any{"n": calls}}
		},
	}))

	call := protocol.ToolCall{ID: "call-1", Name: "echo"}

	_, owed := d.Dispatch(context.Background(), call)
	require.True(t, owed)

	_, owed = d.Dispatch(context.Background(), call)
	assert.False(t, owed, "second delivery of the same id owes no response")

	assert.Equal(t, 1, calls, "the tool must run once")
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.ToolCalls.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.ToolCalls.WithLabelValues("duplicate")))
}

func TestDispatcher_CancelRetractsPendingIds(t *testing.T) {
	d, metrics := newTestDispatcher(t)
	require.NoError(t, d.Register(&stubTool{
		name: "echo",
		fn: func(context.Context, map[string]any, tools.CallContext) tools.Result {
			return tools.Result{Output: map[string]any{}}
		},
	}))

	d.Cancel([]string{"call-1", ""})

	_, owed := d.Dispatch(context.Background(), protocol.ToolCall{ID: "call-1", Name: "echo"})
	assert.False(t, owed, "cancelled ids never produce a response")

	// Cancelling an already-answered id changes nothing.
	_, owed = d.Dispatch(context.Background(), protocol.ToolCall{ID: "call-2", Name: "echo"})
	require.True(t, owed)
	d.Cancel([]string{"call-2"})

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.ToolCalls.WithLabelValues("cancelled")))
}

func TestDispatcher_BatchRunsSequentiallyInOrder(t *testing.T) {
	d, _ := newTestDispatcher(t)

	var order []string
	require.NoError(t, d.Register(&stubTool{
		name: "echo",
		fn: func(_ context.Context, args map[string]any, _ tools.CallContext) tools.Result {
			order = append(order, args["step"].(string))
			return tools.Result{Output: map[string]any{"step": args["step"]}}
		},
	}))

	responses := d.DispatchBatch(context.Background(), []protocol.ToolCall{
		{ID: "c1", Name: "echo", Args: map[string]any{"step": "first"}},
		{ID: "c2", Name: "missing"},
		{ID: "c3", Name: "echo", Args: map[string]any{"step": "second"}},
		{ID: "c1", Name: "echo", Args: map[string]any{"step": "dup"}},
	})

	// The duplicate id owes nothing; the unregistered call still gets an
	// error response in its slot.
	require.Len(t, responses, 3)
	assert.Equal(t, []string{"c1", "c2", "c3"}, []string{responses[0].ID, responses[1].ID, responses[2].ID})
	assert.Contains(t, responses[1].Error, "not registered")
	assert.Equal(t, []string{"first", "second"}, order)
}

func TestDispatcher_CallerIdentity(t *testing.T) {
	d, _ := newTestDispatcher(t)

	var seen tools.CallContext
	require.NoError(t, d.Register(&stubTool{
		name: "whoami",
		fn: func(_ context.Context, _ map[string]any, call tools.CallContext) tools.Result {
			seen = call
			return tools.Result{Output: map[string]any{}}
		},
	}))

	_, owed := d.Dispatch(context.Background(), protocol.ToolCall{ID: "call-1", Name: "whoami"})
	require.True(t, owed)
	assert.Equal(t, "tester", seen.Caller)
}

// Helper functions

type stubTool struct {
	name        string
	description string
	params      map[string]any
	fn          func(ctx context.Context, args map[string]any, call tools.CallContext) tools.Result
}

func (s *stubTool) Name() string               { return s.name }
func (s *stubTool) Description() string        { return s.description }
func (s *stubTool) Parameters() map[string]any { return s.params }

func (s *stubTool) Execute(ctx context.Context, args map[string]any, call tools.CallContext) tools.Result {
	if s.fn == nil {
		return tools.Result{Output: map[string]any{}}
	}
	return s.fn(ctx, args, call)
}

func newTestDispatcher(t *testing.T) (tools.Dispatcher, *observability.Metrics) {
	t.Helper()

	cfg := &config.Config{}
	cfg.Session.Caller = "tester"

	metrics := observability.NewMetrics()
	d, err := tools.NewDispatcher(zaptest.NewLogger(t), cfg, metrics)
	require.NoError(t, err)
	return d, metrics
}
