package runtime

import (
	"encoding/json"

	"github.com/dop251/goja"
)

// buildDisplayData assembles the mime bundle for a display value:
// text/plain always, application/json when serializable, and the vendor
// UI MIME when the value matches the UI display schema.
func buildDisplayData(vm *goja.Runtime, v goja.Value) map[string]any {
	data := map[string]any{
		MimeText: formatValue(vm, v, inspectDepth),
	}

	exported := exportPlain(v)
	if b, err := json.Marshal(exported); err == nil {
		var plain any
		if json.Unmarshal(b, &plain) == nil {
			data[MimeJSON] = plain
			if matchesUISchema(plain) {
				data[MimeUI] = plain
			}
		}
	}
	return data
}

// exportPlain converts a JS value to Go data suitable for JSON encoding.
// Functions export as Go func values, which Marshal rejects, so a value
// containing one gets no application/json entry.
func exportPlain(v goja.Value) any {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil
	}
	return v.Export()
}

// displayOutput wraps a mime bundle as a display_data output. streamed
// displays carry metadata.streamed = true; the terminal display carries no
// flag.
func displayOutput(data map[string]any, streamed bool) Output {
	out := Output{
		Type:     OutputDisplay,
		Data:     data,
		Metadata: map[string]any{},
	}
	if streamed {
		out.Metadata["streamed"] = true
	}
	return out
}

// alertDisplay builds the alert display used for timeout conditions.
func alertDisplay(level, title, text string) map[string]any {
	value := map[string]any{
		"ui":    "alert",
		"level": level,
		"title": title,
		"text":  text,
	}
	return map[string]any{
		MimeText: title + ": " + text,
		MimeJSON: value,
		MimeUI:   value,
	}
}
