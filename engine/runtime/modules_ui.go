package runtime

import (
	"github.com/dop251/goja"
)

// uiKinds maps each helper to its display kind and the field its primary
// argument lands in. The on-disk @nodebooks/ui package mirrors this table.
var uiKinds = []struct {
	helper  string
	kind    string
	primary string
}{
	{"UiImage", "image", "src"},
	{"UiMarkdown", "markdown", "markdown"},
	{"UiHTML", "html", "html"},
	{"UiJSON", "json", "value"},
	{"UiCode", "code", "code"},
	{"UiTable", "table", "rows"},
	{"UiDataSummary", "dataSummary", "data"},
	{"UiAlert", "alert", "text"},
	{"UiBadge", "badge", "label"},
	{"UiMetric", "metric", "value"},
	{"UiProgress", "progress", "value"},
	{"UiSpinner", "spinner", "label"},
}

// uiDisplayKinds is the set of recognized `ui` discriminators.
var uiDisplayKinds = func() map[string]bool {
	kinds := make(map[string]bool, len(uiKinds))
	for _, k := range uiKinds {
		kinds[k.kind] = true
	}
	return kinds
}()

// displayHookFunc receives a UI value built by a helper during a run.
type displayHookFunc func(value goja.Value)

// uiModuleExports builds the live @nodebooks/ui module. Helpers construct
// a plain { ui, ... } object, tag it as already emitted, and stream it
// through the registered display hook.
func uiModuleExports(vm *goja.Runtime, hook func() displayHookFunc) *goja.Object {
	exports := vm.NewObject()

	for _, entry := range uiKinds {
		entry := entry
		exports.Set(entry.helper, func(call goja.FunctionCall) goja.Value {
			value := vm.NewObject()
			value.Set("ui", entry.kind)
			if primary := call.Argument(0); !goja.IsUndefined(primary) {
				value.Set(entry.primary, primary)
			}
			if opts := optObject(call, 1); opts != nil {
				for _, key := range opts.Keys() {
					value.Set(key, opts.Get(key))
				}
			}
			markUIEmitted(vm, value)
			if h := hook(); h != nil {
				h(value)
			}
			return value
		})
	}
	return exports
}

// markUIEmitted tags a value so the terminal display suppresses it. The
// property is non-enumerable so it never leaks into serialized output.
func markUIEmitted(vm *goja.Runtime, obj *goja.Object) {
	obj.DefineDataProperty("__nb_ui_emitted",
		vm.ToValue(true), goja.FLAG_FALSE, goja.FLAG_TRUE, goja.FLAG_FALSE)
}

// isUIEmitted reports whether a value carries the emitted tag.
func isUIEmitted(v goja.Value) bool {
	obj, ok := v.(*goja.Object)
	if !ok {
		return false
	}
	tag := obj.Get("__nb_ui_emitted")
	return tag != nil && tag.ToBoolean()
}

// matchesUISchema reports whether an exported value has the UI display
// shape: a map with a recognized `ui` discriminator.
func matchesUISchema(exported any) bool {
	m, ok := exported.(map[string]any)
	if !ok {
		return false
	}
	kind, ok := m["ui"].(string)
	return ok && uiDisplayKinds[kind]
}
