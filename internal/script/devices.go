package script

import (
	lua "github.com/yuin/gopher-lua"

	"github.com/dokzlo13/hubitatd/internal/device"
)

// devicesModule gives scripts read access to the hub's device cache as the
// "hubitat" module.
type devicesModule struct {
	source device.Source
}

func (m *devicesModule) loader(L *lua.LState) int {
	mod := L.NewTable()
	L.SetField(mod, "device", L.NewFunction(m.device))
	L.SetField(mod, "attribute", L.NewFunction(m.attribute))
	L.Push(mod)
	return 1
}

func (m *devicesModule) lookup(id string) (*device.Device, bool) {
	if m.source == nil {
		return nil, false
	}
	return device.Lookup(m.source.Devices(), id)
}

// device(id) -> {id, name, label, attributes} | nil
func (m *devicesModule) device(L *lua.LState) int {
	d, ok := m.lookup(lua.LVAsString(L.CheckAny(1)))
	if !ok {
		L.Push(lua.LNil)
		return 1
	}

	attrs := make(map[string]any, len(d.Attributes))
	for _, a := range d.Attributes {
		attrs[a.Name] = a.Value
	}
	L.Push(MapToTable(L, map[string]any{
		"id":         d.ID,
		"name":       d.Name,
		"label":      d.Label,
		"attributes": attrs,
	}))
	return 1
}

// attribute(id, name) -> value | nil
func (m *devicesModule) attribute(L *lua.LState) int {
	d, ok := m.lookup(lua.LVAsString(L.CheckAny(1)))
	name := L.CheckString(2)
	if !ok {
		L.Push(lua.LNil)
		return 1
	}
	v, _ := d.Attribute(name)
	L.Push(ToLua(L, v))
	return 1
}
