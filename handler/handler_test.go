package handler_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	tracetap "github.com/frobware/go-tracetap"
	"github.com/frobware/go-tracetap/handler"
)

func TestCompile_CallStyle(t *testing.T) {
	h, err := handler.Compile("h1", `
		defineHandler({
			onEnter = function(ctx, args) end,
			onLeave = function(ctx, ret) end,
		})
	`)
	require.NoError(t, err)
	defer h.Close()

	assert.Equal(t, handler.KindCall, h.Kind())
	assert.Equal(t, "h1", h.HookID())
}

func TestCompile_InstructionStyle(t *testing.T) {
	h, err := handler.Compile("h1", `defineHandler(function(ctx, args) end)`)
	require.NoError(t, err)
	defer h.Close()

	assert.Equal(t, handler.KindInstruction, h.Kind())
}

func TestCompile_MissingMembersDefaultToNoOp(t *testing.T) {
	h, err := handler.Compile("h1", `defineHandler({ onEnter = function() end })`)
	require.NoError(t, err)
	defer h.Close()

	// No onLeave registered; invoking it must be a silent no-op.
	require.NoError(t, h.InvokeLeave(handler.Invocation{ThreadID: 1}, nil))

	empty, err := handler.Compile("h2", `defineHandler({})`)
	require.NoError(t, err)
	defer empty.Close()

	require.NoError(t, empty.InvokeEnter(handler.Invocation{ThreadID: 1}, nil))
	require.NoError(t, empty.InvokeLeave(handler.Invocation{ThreadID: 1}, nil))
}

func TestCompile_Failures(t *testing.T) {
	tests := []struct {
		name string
		code string
	}{
		{"never calls defineHandler", `local x = 1 + 1`},
		{"raises during evaluation", `error("boom")`},
		{"syntax error", `defineHandler(`},
		{"called twice", `
			defineHandler(function() end)
			defineHandler(function() end)
		`},
		{"wrong argument type", `defineHandler("nope")`},
		{"two arguments", `defineHandler(function() end, function() end)`},
		{"non-function member", `defineHandler({ onEnter = 42 })`},
		{"filesystem escape stripped", `dofile("/etc/passwd")`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := handler.Compile("h1", tt.code)
			require.Error(t, err)

			var defErr tracetap.ErrHandlerDefinition
			require.ErrorAs(t, err, &defErr)
			assert.Equal(t, "h1", defErr.HookID)
		})
	}
}

func TestInvokeEnter_LogPayloads(t *testing.T) {
	h, err := handler.Compile("h1", `
		defineHandler({
			onEnter = function(ctx, args)
				log("malloc", args[1])
				log("ctx", ctx.hook, ctx.thread, ctx.depth)
			end,
		})
	`)
	require.NoError(t, err)
	defer h.Close()

	var payloads [][]any
	err = h.InvokeEnter(handler.Invocation{
		HookID:   "h1",
		ThreadID: 7,
		Depth:    2,
		Args:     []uint64{4096},
	}, func(p []any) { payloads = append(payloads, p) })
	require.NoError(t, err)

	require.Len(t, payloads, 2, "one payload per log() call")
	assert.Equal(t, []any{"malloc", int64(4096)}, payloads[0])
	assert.Equal(t, []any{"ctx", "h1", int64(7), int64(2)}, payloads[1])
}

func TestInvokeEnter_ArgMutation(t *testing.T) {
	h, err := handler.Compile("h1", `
		defineHandler({
			onEnter = function(ctx, args)
				args[1] = 8192
				args[2] = -1
			end,
		})
	`)
	require.NoError(t, err)
	defer h.Close()

	args := []uint64{4096, 0}
	err = h.InvokeEnter(handler.Invocation{ThreadID: 1, Args: args}, nil)
	require.NoError(t, err)

	assert.Equal(t, uint64(8192), args[0])
	assert.Equal(t, ^uint64(0), args[1], "negative writes take two's-complement form")
}

func TestInvokeLeave_RetMutation(t *testing.T) {
	h, err := handler.Compile("h1", `
		defineHandler({
			onLeave = function(ctx, ret)
				if ret.value == 0 then
					ret.value = 1
				end
			end,
		})
	`)
	require.NoError(t, err)
	defer h.Close()

	ret := uint64(0)
	err = h.InvokeLeave(handler.Invocation{ThreadID: 1, Ret: &ret}, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), ret)
}

func TestInvoke_RuntimeErrorIsReturnedNotPropagated(t *testing.T) {
	h, err := handler.Compile("h1", `
		defineHandler({
			onEnter = function(ctx, args)
				error("handler exploded")
			end,
			onLeave = function(ctx, ret)
				log("still alive")
			end,
		})
	`)
	require.NoError(t, err)
	defer h.Close()

	err = h.InvokeEnter(handler.Invocation{ThreadID: 1}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "handler exploded")

	// The state survives a protected error; later callbacks still run.
	var payloads [][]any
	err = h.InvokeLeave(handler.Invocation{ThreadID: 1}, func(p []any) {
		payloads = append(payloads, p)
	})
	require.NoError(t, err)
	require.Len(t, payloads, 1)
}

func TestInvoke_LateDefineHandlerFails(t *testing.T) {
	h, err := handler.Compile("h1", `
		defineHandler({
			onEnter = function(ctx, args)
				defineHandler(function() end)
			end,
		})
	`)
	require.NoError(t, err)
	defer h.Close()

	err = h.InvokeEnter(handler.Invocation{ThreadID: 1}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "more than once")
}

func TestLog_StructuredPayload(t *testing.T) {
	h, err := handler.Compile("h1", `
		defineHandler(function(ctx, args)
			log({ size = args[1], tags = { "alloc", "hot" }, ok = true })
		end)
	`)
	require.NoError(t, err)
	defer h.Close()

	var payloads [][]any
	err = h.InvokeHit(handler.Invocation{ThreadID: 1, Args: []uint64{64}},
		func(p []any) { payloads = append(payloads, p) })
	require.NoError(t, err)

	require.Len(t, payloads, 1)
	require.Len(t, payloads[0], 1)

	m, ok := payloads[0][0].(map[string]any)
	require.True(t, ok, "table payload converts to a map, got %T", payloads[0][0])
	assert.Equal(t, int64(64), m["size"])
	assert.Equal(t, true, m["ok"])
	assert.Equal(t, []any{"alloc", "hot"}, m["tags"])
}

func TestLog_OutsideInvocationIsDropped(t *testing.T) {
	// Top-level log() during compilation has no firing context; it
	// must be dropped, not crash.
	h, err := handler.Compile("h1", `
		log("compiling")
		defineHandler(function() end)
	`)
	require.NoError(t, err)
	h.Close()
}

func TestClose_Idempotent(t *testing.T) {
	h, err := handler.Compile("h1", `defineHandler(function() end)`)
	require.NoError(t, err)

	h.Close()
	h.Close()

	// Invoking a closed handler is a no-op, not a crash.
	require.NoError(t, h.InvokeHit(handler.Invocation{ThreadID: 1}, nil))
}
