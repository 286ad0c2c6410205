package interpreter

import (
	"encoding/json"
	"os"
	"strings"

	lua "github.com/yuin/gopher-lua"

	"github.com/apphub-core/platform/internal/apherr"
)

func osReadFile(path string) ([]byte, error) { return os.ReadFile(path) }

// jsonToLua converts a decoded JSON value into the equivalent Lua value.
func jsonToLua(L *lua.LState, v any) lua.LValue {
	switch t := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(t)
	case float64:
		return lua.LNumber(t)
	case string:
		return lua.LString(t)
	case []any:
		arr := L.NewTable()
		for i, item := range t {
			arr.RawSetInt(i+1, jsonToLua(L, item))
		}
		return arr
	case map[string]any:
		tbl := L.NewTable()
		for k, item := range t {
			tbl.RawSetString(k, jsonToLua(L, item))
		}
		return tbl
	default:
		return lua.LNil
	}
}

// luaToJSON converts a Lua value returned by a bundle handler back into JSON for JobRun.result.
func luaToJSON(v lua.LValue) (json.RawMessage, error) {
	decoded := luaValueToGo(v)
	return json.Marshal(decoded)
}

func luaValueToGo(v lua.LValue) any {
	switch t := v.(type) {
	case *lua.LNilType:
		return nil
	case lua.LBool:
		return bool(t)
	case lua.LNumber:
		return float64(t)
	case lua.LString:
		return string(t)
	case *lua.LTable:
		if isArray(t) {
			var out []any
			t.ForEach(func(_, val lua.LValue) { out = append(out, luaValueToGo(val)) })
			return out
		}
		out := map[string]any{}
		t.ForEach(func(key, val lua.LValue) { out[key.String()] = luaValueToGo(val) })
		return out
	default:
		return nil
	}
}

func isArray(t *lua.LTable) bool {
	return t.Len() > 0
}

// capabilityDeniedMarker prefixes the error a denied capability stub raises; the suffix is the
// capability name itself, so classification never depends on the VM's own message wording.
const capabilityDeniedMarker = "capability-denied:"

// classifyCapabilityError extracts the structured marker a denied capability stub raised,
// surfacing it as {kind: not-authorized, capability}
func classifyCapabilityError(err error) (apherr.Kind, string, bool) {
	msg := err.Error()
	idx := strings.Index(msg, capabilityDeniedMarker)
	if idx < 0 {
		return "", "", false
	}
	capability := msg[idx+len(capabilityDeniedMarker):]
	if end := strings.IndexAny(capability, " \n\t"); end >= 0 {
		capability = capability[:end]
	}
	return apherr.KindNotAuthorized, capability, true
}
