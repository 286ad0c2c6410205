// Package interpreter runs bundles in-process on a Lua VM embedded via
// github.com/yuin/gopher-lua, with a capability-fenced global table.
package interpreter

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/apphub-core/platform/internal/apherr"
	"github.com/apphub-core/platform/internal/bundle"
	"github.com/apphub-core/platform/internal/metadata"
	"github.com/apphub-core/platform/internal/sandbox"
)

const maxBufferedLogs = 500

// Sandbox is the in-process Lua executor.
type Sandbox struct{}

// New builds a Lua Sandbox.
func New() *Sandbox { return &Sandbox{} }

func (s *Sandbox) Name() string { return "interpreter-inproc-lua" }

// CanHandle matches bundle-backed definitions whose manifest declares runtime "inproc-lua".
func (s *Sandbox) CanHandle(def metadata.JobDefinition, binding *bundle.Binding) bool {
	return def.Runtime == metadata.RuntimeInterpreter && binding != nil
}

// bundleManifest is the BundleVersion.manifest shape this sandbox consumes.
type bundleManifest struct {
	Entry        string   `json:"entry"`
	Runtime      string   `json:"runtime"`
	Capabilities []string `json:"capabilities"`
	Exports      []string `json:"exports"`
}

func (s *Sandbox) Execute(
	ctx context.Context,
	acquired *bundle.AcquiredBundle,
	def metadata.JobDefinition,
	run metadata.JobRun,
	parameters json.RawMessage,
	timeoutMs int64,
	exportName string,
	logger sandbox.Logger,
	update sandbox.Update,
	resolveSecret sandbox.SecretResolver,
) (sandbox.Telemetry, error) {
	start := time.Now()
	if acquired == nil {
		return sandbox.Telemetry{}, apherr.New(apherr.KindExecution, "interpreter sandbox requires an acquired bundle")
	}

	var manifest bundleManifest
	manifestPath := filepath.Join(acquired.Dir, "manifest.json")
	if raw, err := readFile(manifestPath); err == nil {
		_ = json.Unmarshal(raw, &manifest)
	}
	if manifest.Entry == "" {
		manifest.Entry = "main.lua"
	}

	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	defer L.Close()

	for _, mod := range []struct {
		name string
		open lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		if err := L.CallByParam(lua.P{Fn: L.NewFunction(mod.open), NRet: 0, Protect: true}, lua.LString(mod.name)); err != nil {
			return sandbox.Telemetry{}, apherr.Wrap(apherr.KindExecution, fmt.Errorf("open lua stdlib %s: %w", mod.name, err))
		}
	}

	var logsMu sync.Mutex
	var logs []sandbox.LogLine
	truncated := 0
	record := func(level, msg string) {
		logsMu.Lock()
		defer logsMu.Unlock()
		if len(logs) >= maxBufferedLogs {
			truncated++
			return
		}
		logs = append(logs, sandbox.LogLine{Timestamp: time.Now().UTC(), Level: level, Message: msg})
	}

	s.registerCapabilities(L, manifest.Capabilities, record)
	s.registerHostBridge(L, parameters, record, logger, update)

	timeout := time.Duration(timeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// The context must be attached before the VM starts so its cooperative checks can abort
	// execution once the deadline passes.
	L.SetContext(runCtx)

	done := make(chan error, 1)
	go func() {
		entryPath := filepath.Join(acquired.Dir, manifest.Entry)
		done <- L.DoFile(entryPath)
	}()

	select {
	case err := <-done:
		if err != nil {
			if runCtx.Err() != nil {
				return sandbox.Telemetry{}, apherr.New(apherr.KindTimeout, "lua sandbox exceeded wall-clock timeout")
			}
			if kind, capability, ok := classifyCapabilityError(err); ok {
				return sandbox.Telemetry{}, apherr.New(kind, "capability not authorized").
					WithProperties(map[string]any{"capability": capability})
			}
			return sandbox.Telemetry{}, apherr.Wrap(apherr.KindExecution, err)
		}
	case <-runCtx.Done():
		// Wait for the VM goroutine to observe the cancellation and return before this
		// function's deferred L.Close runs; the state is not safe for concurrent use.
		<-done
		return sandbox.Telemetry{}, apherr.New(apherr.KindTimeout, "lua sandbox exceeded wall-clock timeout")
	}

	result := L.GetGlobal("__result")
	var resultJSON json.RawMessage
	if result != lua.LNil {
		if encoded, err := luaToJSON(result); err == nil {
			resultJSON = encoded
		}
	}

	return sandbox.Telemetry{
		TaskID:            run.ID,
		DurationMs:        time.Since(start).Milliseconds(),
		Logs:              logs,
		TruncatedLogCount: truncated,
		ResourceUsage:     sandbox.ResourceUsage{WallTimeMs: time.Since(start).Milliseconds()},
		Result:            resultJSON,
	}, nil
}

// registerCapabilities installs the host functions the manifest's capability list authorizes;
// a denied capability's global is replaced with a stub that raises a structured marker, so the
// fence reports {kind: not-authorized, capability} without parsing the VM's own error text.
func (s *Sandbox) registerCapabilities(L *lua.LState, capabilities []string, record func(level, msg string)) {
	allowed := make(map[string]bool, len(capabilities))
	for _, c := range capabilities {
		allowed[c] = true
	}

	register := func(global, capability string, impl lua.LGFunction) {
		if allowed[capability] {
			L.SetGlobal(global, L.NewFunction(impl))
			return
		}
		L.SetGlobal(global, L.NewFunction(func(L *lua.LState) int {
			L.RaiseError("%s%s", capabilityDeniedMarker, capability)
			return 0
		}))
	}

	register("fs_read", "fs", func(L *lua.LState) int {
		record("info", fmt.Sprintf("fs_read invoked: %s", L.ToString(1)))
		L.Push(lua.LString(""))
		return 1
	})
	register("net_fetch", "net", func(L *lua.LState) int {
		record("info", fmt.Sprintf("net_fetch invoked: %s", L.ToString(1)))
		L.Push(lua.LString(""))
		return 1
	})
}

// registerHostBridge wires the parameters table and the log/update host calls every bundle can
// use regardless of capability.
func (s *Sandbox) registerHostBridge(L *lua.LState, parameters json.RawMessage, record func(level, msg string), logger sandbox.Logger, update sandbox.Update) {
	params := lua.LNil
	if len(parameters) > 0 {
		var v any
		if err := json.Unmarshal(parameters, &v); err == nil {
			params = jsonToLua(L, v)
		}
	}
	L.SetGlobal("params", params)

	L.SetGlobal("log", L.NewFunction(func(L *lua.LState) int {
		msg := L.ToString(1)
		record("info", msg)
		if logger != nil {
			logger(msg, nil)
		}
		return 0
	}))

	L.SetGlobal("heartbeat", L.NewFunction(func(L *lua.LState) int {
		if update != nil {
			_ = update(map[string]any{"heartbeat": true})
		}
		return 0
	}))

	L.SetGlobal("set_result", L.NewFunction(func(L *lua.LState) int {
		L.SetGlobal("__result", L.Get(1))
		return 0
	}))
}

func readFile(path string) ([]byte, error) {
	return osReadFile(path)
}
