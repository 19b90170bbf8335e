package runtime

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/dop251/goja"
)

// pathExports is a host shim for the path module: enough surface for the
// packages notebooks commonly pull in.
func pathExports(vm *goja.Runtime) *goja.Object {
	mod := vm.NewObject()
	strArgs := func(call goja.FunctionCall) []string {
		parts := make([]string, 0, len(call.Arguments))
		for _, a := range call.Arguments {
			parts = append(parts, a.String())
		}
		return parts
	}
	mod.Set("join", func(call goja.FunctionCall) goja.Value {
		return vm.ToValue(filepath.Join(strArgs(call)...))
	})
	mod.Set("resolve", func(call goja.FunctionCall) goja.Value {
		joined := filepath.Join(strArgs(call)...)
		if !filepath.IsAbs(joined) {
			cwd, _ := os.Getwd()
			joined = filepath.Join(cwd, joined)
		}
		return vm.ToValue(filepath.Clean(joined))
	})
	mod.Set("dirname", func(call goja.FunctionCall) goja.Value {
		return vm.ToValue(filepath.Dir(call.Argument(0).String()))
	})
	mod.Set("basename", func(call goja.FunctionCall) goja.Value {
		base := filepath.Base(call.Argument(0).String())
		if ext := call.Argument(1); !goja.IsUndefined(ext) && !goja.IsNull(ext) {
			base = strings.TrimSuffix(base, ext.String())
		}
		return vm.ToValue(base)
	})
	mod.Set("extname", func(call goja.FunctionCall) goja.Value {
		return vm.ToValue(filepath.Ext(call.Argument(0).String()))
	})
	mod.Set("isAbsolute", func(call goja.FunctionCall) goja.Value {
		return vm.ToValue(filepath.IsAbs(call.Argument(0).String()))
	})
	mod.Set("relative", func(call goja.FunctionCall) goja.Value {
		rel, err := filepath.Rel(call.Argument(0).String(), call.Argument(1).String())
		if err != nil {
			panic(throwError(vm, "path.relative: %s", err.Error()))
		}
		return vm.ToValue(rel)
	})
	mod.Set("normalize", func(call goja.FunctionCall) goja.Value {
		return vm.ToValue(filepath.Clean(call.Argument(0).String()))
	})
	mod.Set("sep", string(filepath.Separator))
	return mod
}

// osExports is a host shim for the os module. tmpdir points inside the
// workspace so fs confinement still holds for code that writes there.
func osExports(vm *goja.Runtime, workspaceTmp string) *goja.Object {
	mod := vm.NewObject()
	mod.Set("tmpdir", func(goja.FunctionCall) goja.Value { return vm.ToValue(workspaceTmp) })
	mod.Set("homedir", func(goja.FunctionCall) goja.Value { return vm.ToValue(workspaceTmp) })
	mod.Set("platform", func(goja.FunctionCall) goja.Value { return vm.ToValue(nodePlatform()) })
	mod.Set("hostname", func(goja.FunctionCall) goja.Value { return vm.ToValue("nodebooks") })
	mod.Set("cpus", func(goja.FunctionCall) goja.Value { return vm.ToValue([]any{}) })
	mod.Set("EOL", "\n")
	return mod
}

// utilExports is a host shim for the util module, reusing the kernel
// inspector for format/inspect.
func utilExports(vm *goja.Runtime) *goja.Object {
	mod := vm.NewObject()
	mod.Set("format", func(call goja.FunctionCall) goja.Value {
		return vm.ToValue(formatConsoleArgs(vm, call.Arguments))
	})
	mod.Set("inspect", func(call goja.FunctionCall) goja.Value {
		return vm.ToValue(formatValue(vm, call.Argument(0), inspectDepth))
	})
	mod.Set("promisify", func(call goja.FunctionCall) goja.Value {
		fn, ok := goja.AssertFunction(call.Argument(0))
		if !ok {
			panic(throwTypeError(vm, "util.promisify requires a function"))
		}
		return vm.ToValue(func(inner goja.FunctionCall) goja.Value {
			promise, resolve, reject := vm.NewPromise()
			args := append([]goja.Value{}, inner.Arguments...)
			args = append(args, vm.ToValue(func(cb goja.FunctionCall) goja.Value {
				if errArg := cb.Argument(0); !goja.IsUndefined(errArg) && !goja.IsNull(errArg) {
					reject(errArg)
				} else {
					resolve(cb.Argument(1))
				}
				return goja.Undefined()
			}))
			if _, err := fn(goja.Undefined(), args...); err != nil {
				reject(vm.ToValue(err.Error()))
			}
			return vm.ToValue(promise)
		})
	})
	return mod
}
