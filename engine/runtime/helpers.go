package runtime

import (
	"fmt"
	"sync"

	"github.com/dop251/goja"
)

// throwError builds a JS Error value for panicking out of a native
// binding. goja converts the panic into a pending exception in the caller.
func throwError(vm *goja.Runtime, format string, args ...any) goja.Value {
	msg := fmt.Sprintf(format, args...)
	if errCtor := vm.Get("Error"); errCtor != nil {
		if obj, err := vm.New(errCtor, vm.ToValue(msg)); err == nil {
			return obj
		}
	}
	return vm.ToValue(msg)
}

func throwTypeError(vm *goja.Runtime, format string, args ...any) *goja.Object {
	return vm.NewTypeError(fmt.Sprintf(format, args...))
}

// errCapture records the first error raised by a callback running on the
// event loop, so the execution loop can surface it after the fact.
type errCapture struct {
	mu  sync.Mutex
	err error
}

func (c *errCapture) set(err error) {
	if err == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil {
		c.err = err
	}
}

func (c *errCapture) get() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *errCapture) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = nil
}

// argString extracts a required string argument.
func argString(vm *goja.Runtime, call goja.FunctionCall, idx int, what string) string {
	v := call.Argument(idx)
	if goja.IsUndefined(v) || goja.IsNull(v) {
		panic(throwTypeError(vm, "%s: argument %d is required", what, idx))
	}
	return v.String()
}

// optObject returns the argument as an object, or nil when absent.
func optObject(call goja.FunctionCall, idx int) *goja.Object {
	v := call.Argument(idx)
	if goja.IsUndefined(v) || goja.IsNull(v) {
		return nil
	}
	if obj, ok := v.(*goja.Object); ok {
		return obj
	}
	return nil
}

// callbackArg returns the trailing callback when present.
func callbackArg(call goja.FunctionCall) (goja.Callable, bool) {
	for i := len(call.Arguments) - 1; i >= 0; i-- {
		if fn, ok := goja.AssertFunction(call.Arguments[i]); ok {
			return fn, true
		}
	}
	return nil, false
}
