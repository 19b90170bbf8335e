package runtime

import (
	"runtime"
	"strings"

	"github.com/dop251/goja"
)

// envView is a live process.env backed by the per-cell variables map.
// Reads, writes, deletes and enumeration all operate on the map, so a cell
// can mutate its own environment without touching the host's.
type envView struct {
	vm   *goja.Runtime
	vars map[string]string
}

var _ goja.DynamicObject = (*envView)(nil)

func (e *envView) Get(key string) goja.Value {
	if v, ok := e.vars[key]; ok {
		return e.vm.ToValue(v)
	}
	return goja.Undefined()
}

func (e *envView) Set(key string, val goja.Value) bool {
	e.vars[key] = val.String()
	return true
}

func (e *envView) Has(key string) bool {
	_, ok := e.vars[key]
	return ok
}

func (e *envView) Delete(key string) bool {
	delete(e.vars, key)
	return true
}

func (e *envView) Keys() []string {
	keys := make([]string, 0, len(e.vars))
	for k := range e.vars {
		keys = append(keys, k)
	}
	return keys
}

// buildEnvVars canonicalizes notebook variables for exposure: keys
// trimmed, empties dropped, FORCE_COLOR defaulted.
func buildEnvVars(vars map[string]string) map[string]string {
	out := make(map[string]string, len(vars)+1)
	for k, v := range vars {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		out[k] = v
	}
	if _, ok := out["FORCE_COLOR"]; !ok {
		out["FORCE_COLOR"] = "1"
	}
	return out
}

// newProcessProxy builds the curated process object. The env view is
// swapped per cell via setVars.
func newProcessProxy(vm *goja.Runtime, cwd string, emit func() streamEmitFunc) (*goja.Object, *envView, error) {
	proc := vm.NewObject()
	env := &envView{vm: vm, vars: map[string]string{}}

	disabled := func(name string) func(goja.FunctionCall) goja.Value {
		return func(goja.FunctionCall) goja.Value {
			panic(throwError(vm, "process.%s is disabled in NodeBooks runtime", name))
		}
	}

	fields := map[string]any{
		"cwd":      func(goja.FunctionCall) goja.Value { return vm.ToValue(cwd) },
		"chdir":    disabled("chdir"),
		"exit":     disabled("exit"),
		"kill":     disabled("kill"),
		"platform": nodePlatform(),
		"arch":     runtime.GOARCH,
		"version":  "v20.0.0",
		"pid":      1,
		"argv":     []string{"node", cwd},
		"nextTick": func(call goja.FunctionCall) goja.Value {
			// Delivered through the microtask queue: queue a resolved
			// promise reaction so ordering beats timers.
			fn, ok := goja.AssertFunction(call.Argument(0))
			if !ok {
				panic(throwTypeError(vm, "process.nextTick requires a callback"))
			}
			args := timerArgs(call, 1)
			promise, resolve, _ := vm.NewPromise()
			thenFn, _ := goja.AssertFunction(vm.ToValue(promise).ToObject(vm).Get("then"))
			thenFn(vm.ToValue(promise), vm.ToValue(func(goja.FunctionCall) goja.Value {
				v, _ := fn(goja.Undefined(), args...)
				return v
			}))
			resolve(goja.Undefined())
			return goja.Undefined()
		},
	}
	for name, v := range fields {
		if err := proc.Set(name, v); err != nil {
			return nil, nil, err
		}
	}

	if err := proc.Set("env", vm.NewDynamicObject(env)); err != nil {
		return nil, nil, err
	}

	for _, name := range []string{"stdout", "stderr"} {
		stream := vm.NewObject()
		target := name
		if err := stream.Set("isTTY", true); err != nil {
			return nil, nil, err
		}
		if err := stream.Set("write", func(call goja.FunctionCall) goja.Value {
			if e := emit(); e != nil {
				e(target, call.Argument(0).String())
			}
			return vm.ToValue(true)
		}); err != nil {
			return nil, nil, err
		}
		if err := proc.Set(name, stream); err != nil {
			return nil, nil, err
		}
	}

	return proc, env, nil
}

// setVars swaps the live variables map for a new cell run.
func (e *envView) setVars(vars map[string]string) {
	e.vars = vars
}

func nodePlatform() string {
	switch runtime.GOOS {
	case "windows":
		return "win32"
	default:
		return runtime.GOOS
	}
}
