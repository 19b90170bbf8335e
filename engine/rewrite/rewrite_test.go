package rewrite

import (
	"strings"
	"testing"
)

func TestLiftConstDeclaration(t *testing.T) {
	got := LiftTopLevel("const x = 41;")
	want := "var x = (globalThis.x = 41);"
	if got != want {
		t.Errorf("lift = %q, want %q", got, want)
	}
}

func TestLiftLetAndVar(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"let", "let y = 'hi';", "var y = (globalThis.y = 'hi');"},
		{"var", "var z = [1, 2];", "var z = (globalThis.z = [1, 2]);"},
		{"export const", "export const n = 7;", "var n = (globalThis.n = 7);"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := LiftTopLevel(tt.in); got != tt.want {
				t.Errorf("lift(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestLiftMultiLineInitializer(t *testing.T) {
	in := "const obj = {\n  a: 1,\n  b: 2\n};"
	got := LiftTopLevel(in)
	want := "var obj = (globalThis.obj = {\n  a: 1,\n  b: 2\n});"
	if got != want {
		t.Errorf("lift = %q, want %q", got, want)
	}
}

func TestLiftASITerminatedInitializers(t *testing.T) {
	got := LiftTopLevel("const x = 1\nconst y = 2")
	if !strings.Contains(got, "var x = (globalThis.x = 1);") {
		t.Errorf("x not lifted: %q", got)
	}
	if !strings.Contains(got, "var y = (globalThis.y = 2);") {
		t.Errorf("y not lifted: %q", got)
	}
}

func TestLiftContinuationLine(t *testing.T) {
	// The next line starts with '.', so the initializer continues.
	in := "const s = 'a'\n  .concat('b');"
	got := LiftTopLevel(in)
	if !strings.Contains(got, "globalThis.s = 'a'\n  .concat('b')") {
		t.Errorf("continuation broken: %q", got)
	}
}

func TestLiftFunctionDeclarations(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			"plain",
			"function add(a, b) { return a + b }",
			"globalThis.add = function add(a, b) { return a + b }",
		},
		{
			"async",
			"async function fetchIt() { return 1 }",
			"globalThis.fetchIt = async function fetchIt() { return 1 }",
		},
		{
			"generator",
			"function* gen() { yield 1 }",
			"globalThis.gen = function* gen() { yield 1 }",
		},
		{
			"exported",
			"export function pub() {}",
			"globalThis.pub = function pub() {}",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := LiftTopLevel(tt.in); got != tt.want {
				t.Errorf("lift = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestLiftClassDeclaration(t *testing.T) {
	got := LiftTopLevel("class Point { constructor(x) { this.x = x } }")
	want := "globalThis.Point = class Point { constructor(x) { this.x = x } }"
	if got != want {
		t.Errorf("lift = %q, want %q", got, want)
	}
}

func TestLiftTypeScriptAnnotation(t *testing.T) {
	got := LiftTopLevel("const n: number = 41;")
	want := "var n = (globalThis.n = 41);"
	if got != want {
		t.Errorf("lift = %q, want %q", got, want)
	}
}

func TestLiftGenericAnnotation(t *testing.T) {
	got := LiftTopLevel("const m: Map<string, number> = new Map();")
	want := "var m = (globalThis.m = new Map());"
	if got != want {
		t.Errorf("lift = %q, want %q", got, want)
	}
}

func TestLiftLeavesAlone(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"inside block", "{ const x = 1; }"},
		{"inside function expression", "run(function () { const x = 1; })"},
		{"for loop header", "for (let i = 0; i < 3; i++) {}"},
		{"in string", "run('const x = 1;')"},
		{"in comment", "// const x = 1"},
		{"in block comment", "/* const x = 1 */"},
		{"destructuring", "const { a } = obj;"},
		{"no initializer", "let pending;"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := LiftTopLevel(tt.in); got != tt.in {
				t.Errorf("lift(%q) = %q, want unchanged", tt.in, got)
			}
		})
	}
}

func TestLiftTemplateLiteral(t *testing.T) {
	in := "const t = `a ${1 + 1} b`;"
	got := LiftTopLevel(in)
	want := "var t = (globalThis.t = `a ${1 + 1} b`);"
	if got != want {
		t.Errorf("lift = %q, want %q", got, want)
	}
}

func TestWrapCapturesLastExpression(t *testing.T) {
	got := WrapLastExpression("const a = 2;\na + b", "js")
	if !strings.Contains(got, "(async () => {") {
		t.Fatalf("missing async wrapper: %q", got)
	}
	if !strings.Contains(got, ResultVar+" = (a + b)") {
		t.Errorf("last expression not captured: %q", got)
	}
	if !strings.Contains(got, "return "+ResultVar) {
		t.Errorf("missing result return: %q", got)
	}
}

func TestWrapSkipsKeywordStatements(t *testing.T) {
	got := WrapLastExpression("doWork();\nfor (const x of xs) { use(x) }", "js")
	if strings.Contains(got, ResultVar+" = (for") {
		t.Errorf("keyword statement captured: %q", got)
	}
}

func TestWrapNoCaptureForEmptyBody(t *testing.T) {
	got := WrapLastExpression("", "js")
	if strings.Contains(got, ResultVar) {
		t.Errorf("capture emitted for empty body: %q", got)
	}
	if !strings.Contains(got, "(async () => {") {
		t.Errorf("missing wrapper: %q", got)
	}
}

func TestWrapTypeScriptBareIdentifier(t *testing.T) {
	got := WrapLastExpression("const x = 1;\nx", "ts")
	if !strings.Contains(got, ResultVar+" = (x)") {
		t.Errorf("bare identifier not captured: %q", got)
	}
}

func TestWrapTypeScriptDottedIdentifier(t *testing.T) {
	got := WrapLastExpression("obj.field.value", "ts")
	if !strings.Contains(got, ResultVar+" = (obj.field.value)") {
		t.Errorf("dotted identifier not captured: %q", got)
	}
}

func TestWrapTypeScriptSkipsCallExpression(t *testing.T) {
	got := WrapLastExpression("compute(1)", "ts")
	if strings.Contains(got, ResultVar+" =") {
		t.Errorf("ts call expression captured: %q", got)
	}
}

func TestWrapHoistsImports(t *testing.T) {
	got := WrapLastExpression("import fs from 'fs';\nfs.readdirSync('.')", "js")
	idx := strings.Index(got, "(async () => {")
	if idx < 0 {
		t.Fatalf("missing wrapper: %q", got)
	}
	header := got[:idx]
	if !strings.Contains(header, "import fs from 'fs';") {
		t.Errorf("import not hoisted to header: %q", got)
	}
	if strings.Contains(got[idx:], "import fs") {
		t.Errorf("import left in body: %q", got)
	}
}

func TestWrapHoistsInterfaceAndType(t *testing.T) {
	src := "interface Point { x: number; y: number }\ntype ID = string;\nconst p = 1;\np"
	got := WrapLastExpression(src, "ts")
	idx := strings.Index(got, "(async () => {")
	if idx < 0 {
		t.Fatalf("missing wrapper: %q", got)
	}
	header := got[:idx]
	if !strings.Contains(header, "interface Point { x: number; y: number }") {
		t.Errorf("interface not hoisted: %q", header)
	}
	if !strings.Contains(header, "type ID = string;") {
		t.Errorf("type alias not hoisted: %q", header)
	}
}

func TestWrapGenericArrowFallback(t *testing.T) {
	got := WrapLastExpression("<T>(x: T) => x", "js")
	if strings.Contains(got, ResultVar+" = (<T>") {
		t.Errorf("generic arrow parenthesized: %q", got)
	}
	if !strings.Contains(got, "return <T>(x: T) => x") {
		t.Errorf("missing un-parenthesized return fallback: %q", got)
	}
}

func TestWrapSemicolonlessLastLine(t *testing.T) {
	got := WrapLastExpression("console.log('hi')", "js")
	if !strings.Contains(got, ResultVar+" = (console.log('hi'))") {
		t.Errorf("capture missing: %q", got)
	}
}

func TestRewriteEndToEnd(t *testing.T) {
	got := Rewrite("const a = 2;\nconst b = 3;\na + b", "js")
	for _, want := range []string{
		"var a = (globalThis.a = 2);",
		"var b = (globalThis.b = 3);",
		ResultVar + " = (a + b)",
		"return " + ResultVar,
	} {
		if !strings.Contains(got, want) {
			t.Errorf("rewrite missing %q in:\n%s", want, got)
		}
	}
}
