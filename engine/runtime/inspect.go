package runtime

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dop251/goja"
)

// inspectDepth caps recursion when formatting values for display and
// console output.
const inspectDepth = 4

// formatValue renders a value the way a REPL would print it: strings bare
// at the top level, nested structure single-line, depth capped.
func formatValue(vm *goja.Runtime, v goja.Value, depth int) string {
	return inspectValue(vm, v, depth, false, make(map[*goja.Object]bool))
}

// formatConsoleArgs renders console arguments space-joined, strings bare.
func formatConsoleArgs(vm *goja.Runtime, args []goja.Value) string {
	parts := make([]string, 0, len(args))
	for _, a := range args {
		parts = append(parts, inspectValue(vm, a, 2, false, make(map[*goja.Object]bool)))
	}
	return strings.Join(parts, " ")
}

func inspectValue(vm *goja.Runtime, v goja.Value, depth int, quote bool, seen map[*goja.Object]bool) string {
	if v == nil || goja.IsUndefined(v) {
		return "undefined"
	}
	if goja.IsNull(v) {
		return "null"
	}

	exported := v.Export()
	switch ev := exported.(type) {
	case string:
		if quote {
			return "'" + strings.ReplaceAll(ev, "'", "\\'") + "'"
		}
		return ev
	case bool:
		return strconv.FormatBool(ev)
	case int64:
		return strconv.FormatInt(ev, 10)
	case float64:
		return formatNumber(ev)
	case time.Time:
		return ev.UTC().Format("2006-01-02T15:04:05.000Z")
	}

	obj, ok := v.(*goja.Object)
	if !ok {
		return v.String()
	}

	if _, isFn := goja.AssertFunction(obj); isFn {
		name := ""
		if n := obj.Get("name"); n != nil && !goja.IsUndefined(n) {
			name = n.String()
		}
		if name == "" {
			return "[Function (anonymous)]"
		}
		return "[Function: " + name + "]"
	}

	if seen[obj] {
		return "[Circular]"
	}
	seen[obj] = true
	defer delete(seen, obj)

	class := obj.ClassName()

	if class == "Error" || isErrorLike(obj) {
		return errorText(obj)
	}

	if class == "Array" {
		if depth <= 0 {
			return "[Array]"
		}
		length := int(obj.Get("length").ToInteger())
		parts := make([]string, 0, length)
		for i := 0; i < length; i++ {
			parts = append(parts, inspectValue(vm, obj.Get(strconv.Itoa(i)), depth-1, true, seen))
		}
		if len(parts) == 0 {
			return "[]"
		}
		return "[ " + strings.Join(parts, ", ") + " ]"
	}

	if class == "RegExp" {
		return obj.String()
	}

	if depth <= 0 {
		return "[Object]"
	}

	keys := obj.Keys()
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, formatKey(k)+": "+inspectValue(vm, obj.Get(k), depth-1, true, seen))
	}
	prefix := ""
	if class != "Object" && class != "" {
		prefix = class + " "
	}
	if len(parts) == 0 {
		return prefix + "{}"
	}
	return prefix + "{ " + strings.Join(parts, ", ") + " }"
}

func formatKey(k string) string {
	for i := 0; i < len(k); i++ {
		c := k[i]
		if !(c == '_' || c == '$' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (i > 0 && c >= '0' && c <= '9')) {
			return "'" + strings.ReplaceAll(k, "'", "\\'") + "'"
		}
	}
	if k == "" {
		return "''"
	}
	return k
}

func formatNumber(f float64) string {
	if f == float64(int64(f)) && f < 1e15 && f > -1e15 {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}

func isErrorLike(obj *goja.Object) bool {
	name := obj.Get("name")
	msg := obj.Get("message")
	stack := obj.Get("stack")
	return name != nil && !goja.IsUndefined(name) &&
		msg != nil && stack != nil && !goja.IsUndefined(stack)
}

// errorText renders an Error object as "Name: message".
func errorText(obj *goja.Object) string {
	name := "Error"
	if n := obj.Get("name"); n != nil && !goja.IsUndefined(n) {
		name = n.String()
	}
	msg := ""
	if m := obj.Get("message"); m != nil && !goja.IsUndefined(m) {
		msg = m.String()
	}
	if msg == "" {
		return name
	}
	return fmt.Sprintf("%s: %s", name, msg)
}
