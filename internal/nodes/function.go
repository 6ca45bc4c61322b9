package nodes

import (
	"context"
	"errors"

	"github.com/dokzlo13/hubitatd/internal/device"
	"github.com/dokzlo13/hubitatd/internal/flow"
	"github.com/dokzlo13/hubitatd/internal/script"
)

// Function runs a Lua handle(msg) on every input. A returned table is sent,
// nil suppresses the output.
type Function struct {
	base
	vm *script.VM
}

// NewFunction compiles the node script. The hub is optional here.
func NewFunction(conf Config, deps Deps) (flow.Node, error) {
	if conf.Script == "" {
		return nil, errors.New("function node needs a script")
	}

	var devices device.Source
	if deps.Hub != nil {
		devices = deps.Hub
	}

	vm, err := script.New(conf.Script, script.Options{
		Node:    conf.ID,
		Store:   deps.Port.Store(),
		Devices: devices,
	})
	if err != nil {
		return nil, err
	}
	return &Function{base: newBase(conf, deps), vm: vm}, nil
}

func (n *Function) Input(ctx context.Context, msg flow.Message) error {
	out, err := n.vm.Handle(ctx, msg)
	if err != nil {
		n.port.Status(flow.Error("script error"))
		return err
	}
	if out == nil {
		n.port.Send(nil)
		return nil
	}
	n.port.Send(flow.Message(out))
	return nil
}

func (n *Function) Close(context.Context, bool) error {
	n.vm.Close()
	return nil
}
