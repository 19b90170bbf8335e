package runtime

import (
	"github.com/dop251/goja"
)

// streamEmitFunc receives one newline-terminated chunk for the named
// stream ("stdout" or "stderr").
type streamEmitFunc func(name, text string)

// installConsole wires the console proxy: log/info/debug go to stdout,
// warn/error to stderr. Each call formats its arguments with the kernel
// inspector and emits a single chunk.
func installConsole(vm *goja.Runtime, emit func() streamEmitFunc) error {
	console := vm.NewObject()

	method := func(stream string) func(call goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			if e := emit(); e != nil {
				e(stream, formatConsoleArgs(vm, call.Arguments)+"\n")
			}
			return goja.Undefined()
		}
	}

	for _, name := range []string{"log", "info", "debug"} {
		if err := console.Set(name, method("stdout")); err != nil {
			return err
		}
	}
	for _, name := range []string{"warn", "error", "trace"} {
		if err := console.Set(name, method("stderr")); err != nil {
			return err
		}
	}
	return vm.Set("console", console)
}
