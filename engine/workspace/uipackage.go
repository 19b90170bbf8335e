package workspace

import (
	"fmt"
	"os"
	"path/filepath"
)

// uiPackageJSON, uiIndexJS and uiIndexDTS are the synthetic @nodebooks/ui
// package written into every workspace's node_modules. The in-process
// module interceptor normally shadows this package; the on-disk copy keeps
// editor tooling and host-resolved requires working, routing displays
// through the globalThis hook the execution loop installs per run.
const uiPackageJSON = `{
  "name": "@nodebooks/ui",
  "version": "0.0.0",
  "private": true,
  "main": "index.js",
  "types": "index.d.ts"
}
`

const uiIndexJS = `"use strict";

function emit(value) {
  Object.defineProperty(value, "__nb_ui_emitted", {
    value: true,
    enumerable: false,
    configurable: true
  });
  var hook = globalThis.__nodebooks_display;
  if (typeof hook === "function") {
    hook(value);
  }
  return value;
}

function make(kind, field) {
  return function (primary, opts) {
    var value = { ui: kind };
    value[field] = primary;
    if (opts && typeof opts === "object") {
      for (var key in opts) {
        if (Object.prototype.hasOwnProperty.call(opts, key)) {
          value[key] = opts[key];
        }
      }
    }
    return emit(value);
  };
}

module.exports = {
  UiImage: make("image", "src"),
  UiMarkdown: make("markdown", "markdown"),
  UiHTML: make("html", "html"),
  UiJSON: make("json", "value"),
  UiCode: make("code", "code"),
  UiTable: make("table", "rows"),
  UiDataSummary: make("dataSummary", "data"),
  UiAlert: make("alert", "text"),
  UiBadge: make("badge", "label"),
  UiMetric: make("metric", "value"),
  UiProgress: make("progress", "value"),
  UiSpinner: make("spinner", "label")
};
`

const uiIndexDTS = `export interface UiDisplay {
  ui: string;
  [key: string]: unknown;
}

export declare function UiImage(src: string, opts?: Record<string, unknown>): UiDisplay;
export declare function UiMarkdown(markdown: string, opts?: Record<string, unknown>): UiDisplay;
export declare function UiHTML(html: string, opts?: Record<string, unknown>): UiDisplay;
export declare function UiJSON(value: unknown, opts?: Record<string, unknown>): UiDisplay;
export declare function UiCode(code: string, opts?: Record<string, unknown>): UiDisplay;
export declare function UiTable(rows: unknown[], opts?: Record<string, unknown>): UiDisplay;
export declare function UiDataSummary(data: unknown, opts?: Record<string, unknown>): UiDisplay;
export declare function UiAlert(text: string, opts?: Record<string, unknown>): UiDisplay;
export declare function UiBadge(label: string, opts?: Record<string, unknown>): UiDisplay;
export declare function UiMetric(value: unknown, opts?: Record<string, unknown>): UiDisplay;
export declare function UiProgress(value: number, opts?: Record<string, unknown>): UiDisplay;
export declare function UiSpinner(label?: string, opts?: Record<string, unknown>): UiDisplay;
`

// WriteUIPackage writes the synthetic @nodebooks/ui package under the
// given node_modules directory.
func WriteUIPackage(nodeModules string) error {
	dir := filepath.Join(nodeModules, "@nodebooks", "ui")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create ui package dir: %w", err)
	}
	files := map[string]string{
		"package.json": uiPackageJSON,
		"index.js":     uiIndexJS,
		"index.d.ts":   uiIndexDTS,
	}
	for name, content := range files {
		if err := atomicWrite(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			return fmt.Errorf("write ui package %s: %w", name, err)
		}
	}
	return nil
}
