package script

import (
	"time"

	"github.com/rs/zerolog/log"
	lua "github.com/yuin/gopher-lua"

	"github.com/dokzlo13/hubitatd/internal/storage/kv"
)

// storeModule exposes the flow-scoped store as the "flow" module.
type storeModule struct {
	bucket kv.Bucket
}

func (m *storeModule) loader(L *lua.LState) int {
	mod := L.NewTable()
	L.SetField(mod, "get", L.NewFunction(m.get))
	L.SetField(mod, "set", L.NewFunction(m.set))
	L.SetField(mod, "delete", L.NewFunction(m.delete))
	L.SetField(mod, "keys", L.NewFunction(m.keys))
	L.Push(mod)
	return 1
}

// get(key) -> value | nil
func (m *storeModule) get(L *lua.LState) int {
	key := L.CheckString(1)

	value, err := m.bucket.Get(key)
	if err != nil {
		log.Warn().Err(err).Str("bucket", m.bucket.Name()).Str("key", key).Msg("Failed to get value")
		L.Push(lua.LNil)
		return 1
	}
	L.Push(ToLua(L, value))
	return 1
}

// set(key, value, opts) -> bool
// opts: { ttl = seconds }
func (m *storeModule) set(L *lua.LState) int {
	key := L.CheckString(1)
	value := ToGo(L.Get(2))

	var opts *kv.StoreOptions
	if tbl := L.OptTable(3, nil); tbl != nil {
		if ttl, ok := L.GetField(tbl, "ttl").(lua.LNumber); ok {
			opts = &kv.StoreOptions{TTL: time.Duration(float64(ttl) * float64(time.Second))}
		}
	}

	if err := m.bucket.Store(key, value, opts); err != nil {
		log.Warn().Err(err).Str("bucket", m.bucket.Name()).Str("key", key).Msg("Failed to store value")
		L.Push(lua.LFalse)
		return 1
	}
	L.Push(lua.LTrue)
	return 1
}

// delete(key) -> bool
func (m *storeModule) delete(L *lua.LState) int {
	key := L.CheckString(1)

	deleted, err := m.bucket.Delete(key)
	if err != nil {
		log.Warn().Err(err).Str("bucket", m.bucket.Name()).Str("key", key).Msg("Failed to delete value")
		L.Push(lua.LFalse)
		return 1
	}
	L.Push(lua.LBool(deleted))
	return 1
}

// keys(prefix) -> table
func (m *storeModule) keys(L *lua.LState) int {
	prefix := L.OptString(1, "")

	keys, err := m.bucket.Keys(prefix)
	if err != nil {
		log.Warn().Err(err).Str("bucket", m.bucket.Name()).Msg("Failed to list keys")
		L.Push(L.NewTable())
		return 1
	}
	L.Push(ToLua(L, keys))
	return 1
}
