package runtime

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"
	"github.com/dop251/goja_nodejs/buffer"
	"github.com/dop251/goja_nodejs/require"
	"github.com/dop251/goja_nodejs/url"

	"nodebooks/engine/workspace"
)

// interceptedModules is the set of specifiers the module interceptor
// virtualizes instead of resolving from disk.
var interceptedModules = func() map[string]bool {
	names := []string{
		"@nodebooks/ui",
		"fs", "node:fs", "fs/promises", "node:fs/promises",
		"process", "node:process",
		"child_process", "node:child_process",
		"http", "node:http", "https", "node:https",
		"http2", "node:http2", "net", "node:net", "tls", "node:tls",
		"dgram", "node:dgram",
		"path", "node:path", "os", "node:os", "util", "node:util",
	}
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return set
}()

// sandbox owns one JavaScript runtime bound to a (notebook, packages
// fingerprint) pair. globalThis persists across cells while the binding is
// stable; a binding change discards the sandbox and builds a fresh one.
type sandbox struct {
	vm       *goja.Runtime
	registry *require.Registry
	req      *require.RequireModule
	ws       *workspace.Workspace
	loop     *eventLoop
	timers   *timerRegistry
	env      *envView
	fs       *fsModule

	// per-run state, owned by the execution loop
	mu          sync.Mutex
	emit        streamEmitFunc
	displayHook displayHookFunc
	runErr      *errCapture
	deadline    time.Time
}

func (s *sandbox) currentEmit() streamEmitFunc {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.emit
}

func (s *sandbox) currentHook() displayHookFunc {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.displayHook
}

func (s *sandbox) currentDeadline() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deadline
}

// beginRun installs the per-run emitters and deadline.
func (s *sandbox) beginRun(emit streamEmitFunc, hook displayHookFunc, deadline time.Time) {
	// Jobs left over from a previous run's cancelled timers are stale.
	s.loop.drain()
	s.runErr.reset()
	s.mu.Lock()
	s.emit = emit
	s.displayHook = hook
	s.deadline = deadline
	s.mu.Unlock()

	s.vm.GlobalObject().Set("__nodebooks_display", func(call goja.FunctionCall) goja.Value {
		value := call.Argument(0)
		if h := s.currentHook(); h != nil {
			h(value)
		}
		return goja.Undefined()
	})
}

// endRun detaches emitters and cancels anything the cell left behind.
func (s *sandbox) endRun() {
	s.timers.CancelAll()
	s.loop.drain()
	s.vm.ClearInterrupt()
	s.vm.GlobalObject().Delete("__nodebooks_display")

	s.mu.Lock()
	s.emit = nil
	s.displayHook = nil
	s.deadline = time.Time{}
	s.mu.Unlock()
}

// newSandbox builds the execution context: curated globals, timer
// wrappers, and the intercepted require rooted at the workspace.
func newSandbox(ws *workspace.Workspace) (*sandbox, error) {
	vm := goja.New()

	loop := newEventLoop()
	timers := newTimerRegistry()
	runErr := &errCapture{}

	s := &sandbox{
		vm:     vm,
		ws:     ws,
		loop:   loop,
		timers: timers,
		runErr: runErr,
	}

	// The registry resolves bare specifiers against the workspace's
	// node_modules; native modules below shadow host modules.
	registry := require.NewRegistry(
		require.WithGlobalFolders(ws.NodeModulesPath),
	)
	s.registry = registry

	s.fs = newFSModule(vm, loop, ws.Dir)
	netMods := newNetModules(vm, loop, s.currentDeadline)

	proc, env, err := newProcessProxy(vm, ws.Dir, s.currentEmit)
	if err != nil {
		return nil, fmt.Errorf("install process proxy: %w", err)
	}
	s.env = env

	registerAll := func(names []string, loader require.ModuleLoader) {
		for _, name := range names {
			registry.RegisterNativeModule(name, loader)
		}
	}

	registerAll([]string{"@nodebooks/ui"}, func(_ *goja.Runtime, module *goja.Object) {
		module.Set("exports", uiModuleExports(vm, s.currentHook))
	})
	registerAll([]string{"fs", "node:fs"}, func(_ *goja.Runtime, module *goja.Object) {
		module.Set("exports", s.fs.exports())
	})
	registerAll([]string{"fs/promises", "node:fs/promises"}, func(_ *goja.Runtime, module *goja.Object) {
		module.Set("exports", s.fs.promisesExports())
	})
	registerAll([]string{"process", "node:process"}, func(_ *goja.Runtime, module *goja.Object) {
		module.Set("exports", proc)
	})
	registerAll([]string{"child_process", "node:child_process"}, func(_ *goja.Runtime, _ *goja.Object) {
		panic(throwError(vm, "Access to child_process is disabled in NodeBooks runtime"))
	})
	registerAll([]string{"http", "node:http"}, func(_ *goja.Runtime, module *goja.Object) {
		module.Set("exports", netMods.httpExports("http", "http"))
	})
	registerAll([]string{"https", "node:https"}, func(_ *goja.Runtime, module *goja.Object) {
		module.Set("exports", netMods.httpExports("https", "https"))
	})
	registerAll([]string{"http2", "node:http2"}, func(_ *goja.Runtime, module *goja.Object) {
		module.Set("exports", netMods.http2Exports())
	})
	registerAll([]string{"net", "node:net"}, func(_ *goja.Runtime, module *goja.Object) {
		module.Set("exports", netMods.netExports("net", "tcp"))
	})
	registerAll([]string{"tls", "node:tls"}, func(_ *goja.Runtime, module *goja.Object) {
		module.Set("exports", netMods.netExports("tls", "tls"))
	})
	registerAll([]string{"dgram", "node:dgram"}, func(_ *goja.Runtime, module *goja.Object) {
		module.Set("exports", netMods.dgramExports())
	})
	registerAll([]string{"path", "node:path"}, func(_ *goja.Runtime, module *goja.Object) {
		module.Set("exports", pathExports(vm))
	})
	registerAll([]string{"os", "node:os"}, func(_ *goja.Runtime, module *goja.Object) {
		module.Set("exports", osExports(vm, filepath.Join(ws.Dir, ".tmp")))
	})
	registerAll([]string{"util", "node:util"}, func(_ *goja.Runtime, module *goja.Object) {
		module.Set("exports", utilExports(vm))
	})

	s.req = registry.Enable(vm)
	buffer.Enable(vm)
	url.Enable(vm)

	if err := installConsole(vm, s.currentEmit); err != nil {
		return nil, fmt.Errorf("install console: %w", err)
	}
	if err := installTimers(vm, loop, timers, runErr); err != nil {
		return nil, fmt.Errorf("install timers: %w", err)
	}
	if err := vm.Set("process", proc); err != nil {
		return nil, fmt.Errorf("install process global: %w", err)
	}
	if err := netMods.installFetch(); err != nil {
		return nil, fmt.Errorf("install fetch: %w", err)
	}
	if err := vm.Set("global", vm.GlobalObject()); err != nil {
		return nil, fmt.Errorf("install global alias: %w", err)
	}

	if err := os.MkdirAll(filepath.Join(ws.Dir, ".tmp"), 0o755); err != nil {
		return nil, fmt.Errorf("create workspace tmp: %w", err)
	}

	return s, nil
}

// prepareRunScope refreshes the per-run module scope: module, exports,
// __filename, __dirname, with module.require delegating to the
// intercepted require.
func (s *sandbox) prepareRunScope() error {
	vm := s.vm
	exports := vm.NewObject()
	module := vm.NewObject()
	if err := module.Set("exports", exports); err != nil {
		return err
	}
	requireVal := vm.Get("require")
	if requireVal != nil {
		if err := module.Set("require", requireVal); err != nil {
			return err
		}
		if reqObj, ok := requireVal.(*goja.Object); ok {
			// Enough of require's introspection surface that code probing
			// resolution keeps working.
			reqObj.Set("resolve", func(call goja.FunctionCall) goja.Value {
				return vm.ToValue(s.resolveSpecifier(call.Argument(0).String()))
			})
			if cache := reqObj.Get("cache"); cache == nil || goja.IsUndefined(cache) {
				reqObj.Set("cache", vm.NewObject())
			}
			reqObj.Set("main", module)
			reqObj.Set("extensions", vm.NewObject())
		}
	}
	fields := map[string]any{
		"module":     module,
		"exports":    exports,
		"__filename": s.ws.EntryPath,
		"__dirname":  s.ws.Dir,
	}
	for name, v := range fields {
		if err := vm.Set(name, v); err != nil {
			return err
		}
	}
	return nil
}

// resolveSpecifier mirrors the interceptor's resolution order: intercepted
// names resolve to themselves, relative paths against the workspace, bare
// names into the workspace node_modules.
func (s *sandbox) resolveSpecifier(specifier string) string {
	if interceptedModules[specifier] {
		return specifier
	}
	if strings.HasPrefix(specifier, "./") || strings.HasPrefix(specifier, "../") || strings.HasPrefix(specifier, "/") {
		return filepath.Join(s.ws.Dir, specifier)
	}
	return filepath.Join(s.ws.NodeModulesPath, specifier)
}

// close shuts the sandbox down. The goja runtime needs no explicit
// disposal; stopping the loop unblocks any straggling timer goroutines.
func (s *sandbox) close() {
	s.timers.CancelAll()
	s.loop.close()
}
