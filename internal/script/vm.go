// Package script runs user Lua handlers for function nodes.
package script

import (
	"context"
	"errors"
	"fmt"
	"sync"

	lua "github.com/yuin/gopher-lua"

	"github.com/dokzlo13/hubitatd/internal/device"
	"github.com/dokzlo13/hubitatd/internal/storage/kv"
)

// HandlerName is the global function a script must define.
const HandlerName = "handle"

// ErrClosed is returned by Handle after Close.
var ErrClosed = errors.New("lua vm closed")

// Options configures a VM.
type Options struct {
	// Node names the owner in script log lines.
	Node string
	// Store backs the "flow" module. Nil leaves the module out.
	Store kv.Bucket
	// Devices backs the "hubitat" module. Nil makes every lookup miss.
	Devices device.Source
}

// VM is one Lua state. Calls are serialized.
type VM struct {
	mu     sync.Mutex
	L      *lua.LState
	closed bool
}

// New compiles source and checks that it defines handle(msg).
func New(source string, opts Options) (*VM, error) {
	L := lua.NewState()

	L.PreloadModule("log", (&logModule{node: opts.Node}).loader)
	L.PreloadModule("hubitat", (&devicesModule{source: opts.Devices}).loader)
	if opts.Store != nil {
		L.PreloadModule("flow", (&storeModule{bucket: opts.Store}).loader)
	}

	if err := L.DoString(source); err != nil {
		L.Close()
		return nil, fmt.Errorf("load script: %w", err)
	}
	if _, ok := L.GetGlobal(HandlerName).(*lua.LFunction); !ok {
		L.Close()
		return nil, fmt.Errorf("script does not define %s(msg)", HandlerName)
	}

	return &VM{L: L}, nil
}

// Handle calls handle(msg). A nil or false return is reported as a nil map.
func (vm *VM) Handle(ctx context.Context, msg map[string]any) (map[string]any, error) {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	if vm.closed {
		return nil, ErrClosed
	}

	vm.L.SetContext(ctx)
	defer vm.L.RemoveContext()

	err := vm.L.CallByParam(lua.P{
		Fn:      vm.L.GetGlobal(HandlerName),
		NRet:    1,
		Protect: true,
	}, MapToTable(vm.L, msg))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", HandlerName, err)
	}

	ret := vm.L.Get(-1)
	vm.L.Pop(1)

	switch val := ret.(type) {
	case *lua.LNilType:
		return nil, nil
	case lua.LBool:
		if !bool(val) {
			return nil, nil
		}
	case *lua.LTable:
		return TableToMap(val), nil
	}
	return nil, fmt.Errorf("%s returned %s, want table or nil", HandlerName, ret.Type())
}

// Close releases the Lua state.
func (vm *VM) Close() {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if !vm.closed {
		vm.closed = true
		vm.L.Close()
	}
}
