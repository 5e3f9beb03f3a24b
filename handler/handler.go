// Package handler compiles untrusted hook source into callable
// handlers.
//
// Hook code is Lua, evaluated once at compile time in a sandboxed
// state that exposes a single registration primitive, defineHandler,
// plus a log primitive for use inside callbacks. The code must call
// defineHandler exactly once with either a table {onEnter=, onLeave=}
// (a call-style handler; missing members default to no-ops) or a
// bare function (an instruction-style handler).
//
// A compiled Handler owns its Lua state. States are not safe for
// concurrent use; the engine serializes all handler invocation, so
// one state per hook suffices. Close releases the state when the
// hook detaches.
package handler

import (
	"math"
	"strings"

	lua "github.com/yuin/gopher-lua"

	tracetap "github.com/frobware/go-tracetap"
)

// Kind discriminates the two handler shapes a hook can define.
type Kind string

const (
	// KindCall pairs an enter callback with a leave callback.
	KindCall Kind = "call"

	// KindInstruction fires a single callback each time the
	// anchored instruction executes.
	KindInstruction Kind = "instruction"
)

// LogFunc receives one payload per log() call made by handler code
// during an invocation.
type LogFunc func(payload []any)

// Invocation carries the firing state a callback observes. Args and
// Ret are mutable: assignments the handler makes into its args table
// or ret.value are copied back so drivers that support write-back
// can apply them.
type Invocation struct {
	HookID   string
	ThreadID uint32
	Depth    int
	Caller   uint64
	Args     []uint64
	Ret      *uint64
}

// Handler is a compiled hook body bound to its own Lua state.
type Handler struct {
	hookID string
	kind   Kind

	state   *lua.LState
	onEnter *lua.LFunction
	onLeave *lua.LFunction
	onHit   *lua.LFunction

	// emit is set for the duration of one invocation; log() calls
	// outside an invocation (top-level code, stray coroutines) are
	// dropped.
	emit LogFunc

	registered bool
	closed     bool
}

// Compile evaluates code in a fresh sandboxed state and returns the
// handler it registers. Compilation fails with ErrHandlerDefinition
// if the code raises, never calls defineHandler, calls it more than
// once, or passes it anything other than a function or an
// enter/leave table.
func Compile(hookID, code string) (*Handler, error) {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})

	h := &Handler{hookID: hookID, state: L}

	if err := openSandboxLibs(L); err != nil {
		L.Close()
		return nil, tracetap.ErrHandlerDefinition{HookID: hookID, Reason: err.Error()}
	}

	L.SetGlobal("defineHandler", L.NewFunction(h.defineHandler))
	L.SetGlobal("log", L.NewFunction(h.logValues))

	fn, err := L.Load(strings.NewReader(code), "hook:"+hookID)
	if err != nil {
		L.Close()
		return nil, tracetap.ErrHandlerDefinition{HookID: hookID, Reason: err.Error()}
	}

	L.Push(fn)
	if err := L.PCall(0, 0, nil); err != nil {
		L.Close()
		return nil, tracetap.ErrHandlerDefinition{HookID: hookID, Reason: err.Error()}
	}

	if !h.registered {
		L.Close()
		return nil, tracetap.ErrHandlerDefinition{HookID: hookID, Reason: "defineHandler was never called"}
	}

	return h, nil
}

// openSandboxLibs loads the base, table, string, and math libraries
// and strips the base functions that reach the filesystem or load
// further chunks. Everything else (io, os, package, debug) is never
// opened.
func openSandboxLibs(L *lua.LState) error {
	for _, lib := range []struct {
		name string
		open lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		if err := L.CallByParam(lua.P{
			Fn:      L.NewFunction(lib.open),
			NRet:    0,
			Protect: true,
		}, lua.LString(lib.name)); err != nil {
			return err
		}
	}

	for _, name := range []string{"dofile", "loadfile", "load", "loadstring"} {
		L.SetGlobal(name, lua.LNil)
	}
	return nil
}

// defineHandler is the registration primitive exposed to hook code.
func (h *Handler) defineHandler(L *lua.LState) int {
	if h.registered {
		L.RaiseError("defineHandler called more than once")
		return 0
	}
	if L.GetTop() != 1 {
		L.RaiseError("defineHandler takes exactly one argument, got %d", L.GetTop())
		return 0
	}

	switch v := L.Get(1).(type) {
	case *lua.LFunction:
		h.kind = KindInstruction
		h.onHit = v

	case *lua.LTable:
		h.kind = KindCall
		h.onEnter = tableFunc(L, v, "onEnter")
		h.onLeave = tableFunc(L, v, "onLeave")

	default:
		L.RaiseError("defineHandler wants a function or a table with onEnter/onLeave, got %s", v.Type())
		return 0
	}

	h.registered = true
	return 0
}

// tableFunc extracts an optional callback member, raising if the
// member is present but not callable.
func tableFunc(L *lua.LState, t *lua.LTable, key string) *lua.LFunction {
	v := t.RawGetString(key)
	switch fn := v.(type) {
	case *lua.LNilType:
		return nil
	case *lua.LFunction:
		return fn
	default:
		L.RaiseError("%s must be a function, got %s", key, v.Type())
		return nil
	}
}

// logValues implements the log() primitive: each call forwards one
// payload to the current invocation's sink.
func (h *Handler) logValues(L *lua.LState) int {
	if h.emit == nil {
		return 0
	}
	n := L.GetTop()
	payload := make([]any, 0, n)
	for i := 1; i <= n; i++ {
		payload = append(payload, luaToGo(L.Get(i), 0))
	}
	h.emit(payload)
	return 0
}

// Kind reports the handler shape the hook code registered.
func (h *Handler) Kind() Kind { return h.kind }

// HookID returns the owning hook's id.
func (h *Handler) HookID() string { return h.hookID }

// InvokeEnter runs the enter callback, if any. Args assignments made
// by the handler are copied back into inv.Args. A Lua error is
// returned, not propagated: the engine reports it and the firing
// completes.
func (h *Handler) InvokeEnter(inv Invocation, log LogFunc) error {
	if h.onEnter == nil || h.closed {
		return nil
	}
	args := h.argsTable(inv.Args)
	err := h.call(h.onEnter, log, h.ctxTable(inv), args)
	h.readBackArgs(args, inv.Args)
	return err
}

// InvokeLeave runs the leave callback, if any. An assignment to
// ret.value is copied back through inv.Ret.
func (h *Handler) InvokeLeave(inv Invocation, log LogFunc) error {
	if h.onLeave == nil || h.closed {
		return nil
	}
	ret := h.state.NewTable()
	if inv.Ret != nil {
		ret.RawSetString("value", lua.LNumber(*inv.Ret))
	}
	err := h.call(h.onLeave, log, h.ctxTable(inv), ret)
	if inv.Ret != nil {
		if n, ok := ret.RawGetString("value").(lua.LNumber); ok {
			*inv.Ret = numToWord(n)
		}
	}
	return err
}

// InvokeHit runs the instruction callback.
func (h *Handler) InvokeHit(inv Invocation, log LogFunc) error {
	if h.onHit == nil || h.closed {
		return nil
	}
	args := h.argsTable(inv.Args)
	err := h.call(h.onHit, log, h.ctxTable(inv), args)
	h.readBackArgs(args, inv.Args)
	return err
}

// Close releases the handler's Lua state. Safe to call more than
// once.
func (h *Handler) Close() {
	if h.closed {
		return
	}
	h.closed = true
	h.state.Close()
}

func (h *Handler) call(fn *lua.LFunction, log LogFunc, args ...lua.LValue) error {
	if h.closed {
		return nil
	}
	h.emit = log
	defer func() { h.emit = nil }()

	return h.state.CallByParam(lua.P{
		Fn:      fn,
		NRet:    0,
		Protect: true,
	}, args...)
}

func (h *Handler) ctxTable(inv Invocation) *lua.LTable {
	ctx := h.state.NewTable()
	ctx.RawSetString("hook", lua.LString(inv.HookID))
	ctx.RawSetString("thread", lua.LNumber(inv.ThreadID))
	ctx.RawSetString("depth", lua.LNumber(inv.Depth))
	ctx.RawSetString("caller", lua.LNumber(inv.Caller))
	return ctx
}

func (h *Handler) argsTable(args []uint64) *lua.LTable {
	t := h.state.NewTable()
	for i, v := range args {
		t.RawSetInt(i+1, lua.LNumber(v))
	}
	return t
}

func (h *Handler) readBackArgs(t *lua.LTable, args []uint64) {
	for i := range args {
		if n, ok := t.RawGetInt(i + 1).(lua.LNumber); ok {
			args[i] = numToWord(n)
		}
	}
}

// numToWord converts a Lua number to a register word. Negative
// values take their two's-complement representation, which is what a
// handler writing -1 into an argument register means.
func numToWord(n lua.LNumber) uint64 {
	if n < 0 {
		return uint64(int64(n))
	}
	return uint64(n)
}

// luaToGo converts a handler-supplied value into a JSON-friendly Go
// value. Tables with a contiguous 1..n integer sequence become
// slices, everything else becomes a string-keyed map. Nesting is
// capped to keep cyclic tables from recursing forever.
func luaToGo(v lua.LValue, nesting int) any {
	const maxNesting = 8

	switch val := v.(type) {
	case *lua.LNilType:
		return nil
	case lua.LBool:
		return bool(val)
	case lua.LNumber:
		f := float64(val)
		if f == math.Trunc(f) && math.Abs(f) < 1<<62 {
			return int64(f)
		}
		return f
	case lua.LString:
		return string(val)
	case *lua.LTable:
		if nesting >= maxNesting {
			return "<table>"
		}
		if n := val.Len(); n > 0 {
			seq := make([]any, 0, n)
			for i := 1; i <= n; i++ {
				seq = append(seq, luaToGo(val.RawGetInt(i), nesting+1))
			}
			return seq
		}
		m := make(map[string]any)
		val.ForEach(func(k, v lua.LValue) {
			m[k.String()] = luaToGo(v, nesting+1)
		})
		return m
	default:
		return v.String()
	}
}
