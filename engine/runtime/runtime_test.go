package runtime

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"
)

// testKernel builds a kernel against a temp workspace root with a fake
// installer, so no npm process ever runs.
func testKernel(t *testing.T) *Kernel {
	t.Helper()
	k := NewKernel(Options{
		WorkspaceRoot: t.TempDir(),
		InstallDependencies: func(ctx context.Context, dir string, pkgs map[string]string) error {
			return os.MkdirAll(filepath.Join(dir, "node_modules"), 0o755)
		},
	})
	t.Cleanup(k.Close)
	return k
}

func runCell(t *testing.T, k *Kernel, notebookID, code string) ExecuteResult {
	t.Helper()
	return k.Execute(context.Background(), ExecuteRequest{
		Cell:       CodeCell{ID: "c1", Language: "js"},
		Code:       code,
		NotebookID: notebookID,
	})
}

// terminalDisplayOut returns the final non-streamed display output, if any.
func terminalDisplayOut(res ExecuteResult) (Output, bool) {
	for i := len(res.Outputs) - 1; i >= 0; i-- {
		out := res.Outputs[i]
		if out.Type != OutputDisplay {
			continue
		}
		if streamed, ok := out.Metadata["streamed"].(bool); ok && streamed {
			continue
		}
		return out, true
	}
	return Output{}, false
}

func displayText(t *testing.T, res ExecuteResult) string {
	t.Helper()
	out, ok := terminalDisplayOut(res)
	if !ok {
		t.Fatalf("no terminal display in outputs: %+v", res.Outputs)
	}
	text, _ := out.Data[MimeText].(string)
	return text
}

func errorOutput(res ExecuteResult) (Output, bool) {
	for _, out := range res.Outputs {
		if out.Type == OutputError {
			return out, true
		}
	}
	return Output{}, false
}

func streamText(res ExecuteResult, name string) string {
	var b strings.Builder
	for _, out := range res.Outputs {
		if out.Type == OutputStream && out.Name == name {
			b.WriteString(out.Text)
		}
	}
	return b.String()
}

func TestExpressionCapture(t *testing.T) {
	k := testKernel(t)
	res := runCell(t, k, "nb", "const a = 2;\nconst b = 3;\na + b")

	if res.Execution.Status != "ok" {
		t.Fatalf("status = %q, outputs: %+v", res.Execution.Status, res.Outputs)
	}
	out, ok := terminalDisplayOut(res)
	if !ok {
		t.Fatal("no terminal display")
	}
	if text := out.Data[MimeText]; text != "5" {
		t.Errorf("text/plain = %v, want 5", text)
	}
	if n, ok := out.Data[MimeJSON].(float64); !ok || n != 5 {
		t.Errorf("application/json = %v, want 5", out.Data[MimeJSON])
	}
}

func TestStreamedStdout(t *testing.T) {
	k := testKernel(t)
	res := runCell(t, k, "nb", `console.log("hello")`)

	if res.Execution.Status != "ok" {
		t.Fatalf("status = %q", res.Execution.Status)
	}
	if got := streamText(res, "stdout"); got != "hello\n" {
		t.Errorf("stdout = %q, want hello\\n", got)
	}
	if _, ok := terminalDisplayOut(res); ok {
		t.Error("unexpected terminal display for undefined result")
	}
}

func TestUIHelperStreaming(t *testing.T) {
	k := testKernel(t)
	res := runCell(t, k, "nb",
		"const { UiMarkdown } = require(\"@nodebooks/ui\");\nUiMarkdown(\"# Hi\")")

	if res.Execution.Status != "ok" {
		t.Fatalf("status = %q, outputs: %+v", res.Execution.Status, res.Outputs)
	}

	var displays []Output
	for _, out := range res.Outputs {
		if out.Type == OutputDisplay {
			displays = append(displays, out)
		}
	}
	if len(displays) != 1 {
		t.Fatalf("displays = %d, want exactly 1 (no duplicate terminal display)", len(displays))
	}
	if streamed, _ := displays[0].Metadata["streamed"].(bool); !streamed {
		t.Error("display not marked streamed")
	}
	ui, ok := displays[0].Data[MimeUI].(map[string]any)
	if !ok {
		t.Fatalf("vendor MIME missing: %+v", displays[0].Data)
	}
	if ui["ui"] != "markdown" || ui["markdown"] != "# Hi" {
		t.Errorf("ui payload = %v", ui)
	}
}

func TestPathConfinement(t *testing.T) {
	k := testKernel(t)
	res := runCell(t, k, "nb", `require("fs").readFileSync("/etc/passwd")`)

	if res.Execution.Status != "error" {
		t.Fatalf("status = %q, want error", res.Execution.Status)
	}
	out, ok := errorOutput(res)
	if !ok {
		t.Fatal("no error output")
	}
	if matched, _ := regexp.MatchString(`Access to path .* is not allowed`, out.Evalue); !matched {
		t.Errorf("evalue = %q", out.Evalue)
	}
}

func TestWorkspaceFSAllowed(t *testing.T) {
	k := testKernel(t)
	res := runCell(t, k, "nb",
		"const fs = require(\"fs\");\nfs.writeFileSync(\"data.txt\", \"ok\");\nfs.readFileSync(\"data.txt\", \"utf8\")")

	if res.Execution.Status != "ok" {
		t.Fatalf("status = %q, outputs: %+v", res.Execution.Status, res.Outputs)
	}
	if got := displayText(t, res); got != "ok" {
		t.Errorf("display = %q, want ok", got)
	}
}

func TestServerCreationDenied(t *testing.T) {
	k := testKernel(t)
	cases := []string{
		`require("http").createServer(() => {})`,
		`require("https").createServer(() => {})`,
		`require("http2").createServer(() => {})`,
		`require("http2").createSecureServer(() => {})`,
		`require("net").createServer(() => {})`,
		`require("tls").createServer(() => {})`,
	}
	for _, code := range cases {
		t.Run(code, func(t *testing.T) {
			res := runCell(t, k, "nb", code)
			out, ok := errorOutput(res)
			if !ok {
				t.Fatalf("no error output for %s", code)
			}
			if matched, _ := regexp.MatchString(`server creation is not allowed`, out.Evalue); !matched {
				t.Errorf("evalue = %q", out.Evalue)
			}
		})
	}
}

func TestChildProcessDenied(t *testing.T) {
	k := testKernel(t)
	res := runCell(t, k, "nb", `require("child_process")`)
	out, ok := errorOutput(res)
	if !ok {
		t.Fatal("no error output")
	}
	if matched, _ := regexp.MatchString(`disabled in NodeBooks runtime`, out.Evalue); !matched {
		t.Errorf("evalue = %q", out.Evalue)
	}
}

func TestDgramBindDenied(t *testing.T) {
	k := testKernel(t)
	res := runCell(t, k, "nb", `require("dgram").createSocket("udp4").bind(9999)`)
	out, ok := errorOutput(res)
	if !ok {
		t.Fatal("no error output")
	}
	if !strings.Contains(out.Evalue, "not allowed") {
		t.Errorf("evalue = %q", out.Evalue)
	}
}

func TestProcessExitDenied(t *testing.T) {
	k := testKernel(t)
	res := runCell(t, k, "nb", `process.exit(0)`)
	out, ok := errorOutput(res)
	if !ok {
		t.Fatal("no error output")
	}
	if matched, _ := regexp.MatchString(`disabled in NodeBooks runtime`, out.Evalue); !matched {
		t.Errorf("evalue = %q", out.Evalue)
	}
}

func TestHardTimeout(t *testing.T) {
	k := testKernel(t)
	res := k.Execute(context.Background(), ExecuteRequest{
		Cell:       CodeCell{ID: "c1", Language: "js"},
		Code:       "while (true) {}",
		NotebookID: "nb",
		TimeoutMs:  50,
	})

	if res.Execution.Status != "error" {
		t.Fatalf("status = %q, want error", res.Execution.Status)
	}
	out, ok := errorOutput(res)
	if !ok {
		t.Fatal("no error output")
	}
	if matched, _ := regexp.MatchString(`(?i)timed\s*out`, out.Evalue); !matched {
		t.Errorf("evalue = %q", out.Evalue)
	}
	if got := streamText(res, "stderr"); !strings.Contains(got, "[timeout] Execution exceeded 50ms") {
		t.Errorf("stderr = %q", got)
	}
}

func TestTimerQuiescence(t *testing.T) {
	k := testKernel(t)
	res := k.Execute(context.Background(), ExecuteRequest{
		Cell:       CodeCell{ID: "c1", Language: "js"},
		Code:       `setTimeout(() => console.log("late"), 100)`,
		NotebookID: "nb",
		TimeoutMs:  5000,
	})

	if res.Execution.Status != "ok" {
		t.Fatalf("status = %q, outputs: %+v", res.Execution.Status, res.Outputs)
	}
	if got := streamText(res, "stdout"); got != "late\n" {
		t.Errorf("stdout = %q, want late\\n", got)
	}
}

func TestIntervalsCancelledAtCellEnd(t *testing.T) {
	k := testKernel(t)
	res := k.Execute(context.Background(), ExecuteRequest{
		Cell:       CodeCell{ID: "c1", Language: "js"},
		Code:       `setInterval(() => {}, 20)`,
		NotebookID: "nb",
		TimeoutMs:  300,
	})

	// An uncleared interval exhausts the quiescence budget.
	if res.Execution.Status != "error" {
		t.Fatalf("status = %q, want error", res.Execution.Status)
	}
	foundAlert := false
	for _, out := range res.Outputs {
		if out.Type != OutputDisplay {
			continue
		}
		if ui, ok := out.Data[MimeUI].(map[string]any); ok && ui["ui"] == "alert" {
			foundAlert = true
		}
	}
	if !foundAlert {
		t.Error("no alert display for quiescence timeout")
	}

	timeouts, intervals, firstTicks := k.TimerCounts()
	if timeouts != 0 || intervals != 0 || firstTicks != 0 {
		t.Errorf("timer sets not empty after run: %d/%d/%d", timeouts, intervals, firstTicks)
	}
}

func TestClearedIntervalQuiesces(t *testing.T) {
	k := testKernel(t)
	res := k.Execute(context.Background(), ExecuteRequest{
		Cell:       CodeCell{ID: "c1", Language: "js"},
		Code:       "const h = setInterval(() => {}, 20);\nsetTimeout(() => clearInterval(h), 80);",
		NotebookID: "nb",
		TimeoutMs:  5000,
	})
	if res.Execution.Status != "ok" {
		t.Fatalf("status = %q, outputs: %+v", res.Execution.Status, res.Outputs)
	}
}

func TestTopLevelPersistence(t *testing.T) {
	k := testKernel(t)
	if res := runCell(t, k, "nb", "const x = 41;"); res.Execution.Status != "ok" {
		t.Fatalf("cell A status = %q, outputs: %+v", res.Execution.Status, res.Outputs)
	}
	res := runCell(t, k, "nb", "x + 1")
	if res.Execution.Status != "ok" {
		t.Fatalf("cell B status = %q, outputs: %+v", res.Execution.Status, res.Outputs)
	}
	if got := displayText(t, res); got != "42" {
		t.Errorf("display = %q, want 42", got)
	}
}

func TestFunctionPersistence(t *testing.T) {
	k := testKernel(t)
	if res := runCell(t, k, "nb", "function add(a, b) { return a + b }"); res.Execution.Status != "ok" {
		t.Fatalf("cell A status = %q, outputs: %+v", res.Execution.Status, res.Outputs)
	}
	res := runCell(t, k, "nb", "add(20, 22)")
	if got := displayText(t, res); got != "42" {
		t.Errorf("display = %q, want 42", got)
	}
}

func TestReexecutionIdempotence(t *testing.T) {
	k := testKernel(t)
	code := "const x = 41;\nx + 1"
	first := runCell(t, k, "nb", code)
	second := runCell(t, k, "nb", code)

	if first.Execution.Status != "ok" || second.Execution.Status != "ok" {
		t.Fatalf("statuses = %q, %q", first.Execution.Status, second.Execution.Status)
	}
	if a, b := displayText(t, first), displayText(t, second); a != b || a != "42" {
		t.Errorf("displays differ: %q vs %q", a, b)
	}
}

func TestBindingResetOnPackagesChange(t *testing.T) {
	k := testKernel(t)
	if res := runCell(t, k, "nb", "const x = 1;"); res.Execution.Status != "ok" {
		t.Fatalf("cell A failed: %+v", res.Outputs)
	}
	res := k.Execute(context.Background(), ExecuteRequest{
		Cell:       CodeCell{ID: "c2", Language: "js"},
		Code:       "typeof x",
		NotebookID: "nb",
		Env:        NotebookEnv{Packages: map[string]string{"left-pad": "1.3.0"}},
	})
	if res.Execution.Status != "ok" {
		t.Fatalf("cell B failed: %+v", res.Outputs)
	}
	if got := displayText(t, res); got != "undefined" {
		t.Errorf("display = %q, want undefined (fresh context)", got)
	}
}

func TestEnvironmentVariables(t *testing.T) {
	k := testKernel(t)
	res := k.Execute(context.Background(), ExecuteRequest{
		Cell:       CodeCell{ID: "c1", Language: "js"},
		Code:       "process.env.GREETING",
		NotebookID: "nb",
		Env:        NotebookEnv{Variables: map[string]string{"GREETING": "hi"}},
	})
	if got := displayText(t, res); got != "hi" {
		t.Errorf("display = %q, want hi", got)
	}

	res = runCell(t, k, "nb", "process.env.FORCE_COLOR")
	if got := displayText(t, res); got != "1" {
		t.Errorf("FORCE_COLOR = %q, want 1", got)
	}
}

func TestAwaitedResult(t *testing.T) {
	k := testKernel(t)
	res := runCell(t, k, "nb",
		"await new Promise((resolve) => setTimeout(() => resolve(7), 50))")
	if res.Execution.Status != "ok" {
		t.Fatalf("status = %q, outputs: %+v", res.Execution.Status, res.Outputs)
	}
	if got := displayText(t, res); got != "7" {
		t.Errorf("display = %q, want 7", got)
	}
}

func TestThrownErrorClassified(t *testing.T) {
	k := testKernel(t)
	res := runCell(t, k, "nb", `throw new Error("boom")`)
	if res.Execution.Status != "error" {
		t.Fatalf("status = %q, want error", res.Execution.Status)
	}
	out, ok := errorOutput(res)
	if !ok {
		t.Fatal("no error output")
	}
	if out.Ename != "Error" || out.Evalue != "boom" {
		t.Errorf("ename/evalue = %q/%q", out.Ename, out.Evalue)
	}
	if res.Execution.Error == nil || res.Execution.Error.Value != "boom" {
		t.Errorf("execution error = %+v", res.Execution.Error)
	}
}

func TestNonErrorThrow(t *testing.T) {
	k := testKernel(t)
	res := runCell(t, k, "nb", `throw 42`)
	out, ok := errorOutput(res)
	if !ok {
		t.Fatal("no error output")
	}
	if out.Ename != "Error" || out.Evalue != "42" {
		t.Errorf("ename/evalue = %q/%q", out.Ename, out.Evalue)
	}
}

func TestTypeScriptCell(t *testing.T) {
	k := testKernel(t)
	res := k.Execute(context.Background(), ExecuteRequest{
		Cell:       CodeCell{ID: "c1", Language: "ts"},
		Code:       "const n: number = 41;\nn",
		NotebookID: "nb",
	})
	if res.Execution.Status != "ok" {
		t.Fatalf("status = %q, outputs: %+v", res.Execution.Status, res.Outputs)
	}
	if got := displayText(t, res); got != "41" {
		t.Errorf("display = %q, want 41", got)
	}
}

func TestOutputOrdering(t *testing.T) {
	k := testKernel(t)
	res := runCell(t, k, "nb", "console.log(\"a\");\n1 + 1")
	if res.Execution.Status != "ok" {
		t.Fatalf("status = %q", res.Execution.Status)
	}
	if len(res.Outputs) != 2 {
		t.Fatalf("outputs = %d, want 2: %+v", len(res.Outputs), res.Outputs)
	}
	if res.Outputs[0].Type != OutputStream || res.Outputs[1].Type != OutputDisplay {
		t.Errorf("ordering = %s, %s", res.Outputs[0].Type, res.Outputs[1].Type)
	}
}

func TestObjectInspection(t *testing.T) {
	k := testKernel(t)
	res := runCell(t, k, "nb", "({ a: 1, b: 'two' })")
	if got := displayText(t, res); got != "{ a: 1, b: 'two' }" {
		t.Errorf("display = %q", got)
	}

	res = runCell(t, k, "nb", "[1, 2, 3]")
	if got := displayText(t, res); got != "[ 1, 2, 3 ]" {
		t.Errorf("display = %q", got)
	}
}

func TestStreamCallbacksFire(t *testing.T) {
	k := testKernel(t)
	var streamed, displayed int
	res := k.Execute(context.Background(), ExecuteRequest{
		Cell:       CodeCell{ID: "c1", Language: "js"},
		Code:       "console.log(\"x\");\nconst { UiBadge } = require(\"@nodebooks/ui\");\nUiBadge(\"done\")",
		NotebookID: "nb",
		OnStream:   func(Output) { streamed++ },
		OnDisplay:  func(Output) { displayed++ },
	})
	if res.Execution.Status != "ok" {
		t.Fatalf("status = %q, outputs: %+v", res.Execution.Status, res.Outputs)
	}
	if streamed != 1 {
		t.Errorf("onStream fired %d times, want 1", streamed)
	}
	if displayed != 1 {
		t.Errorf("onDisplay fired %d times, want 1", displayed)
	}
}

func TestExecutionRecord(t *testing.T) {
	k := testKernel(t)
	res := runCell(t, k, "nb", "1")
	if res.Execution.ExecutionID == "" {
		t.Error("missing execution id")
	}
	if res.Execution.Ended.Before(res.Execution.Started) {
		t.Error("ended before started")
	}
	if time.Since(res.Execution.Started) > time.Minute {
		t.Error("implausible start time")
	}
}
