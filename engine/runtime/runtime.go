package runtime

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"
	"github.com/evanw/esbuild/pkg/api"
	"github.com/google/uuid"

	"nodebooks/engine/rewrite"
	"nodebooks/engine/workspace"
)

// DefaultTimeout bounds a cell run when neither the request nor the cell
// metadata supplies one. NODEBOOKS_KERNEL_TIMEOUT_MS overrides it.
const DefaultTimeout = 10 * time.Second

var timedOutRe = regexp.MustCompile(`(?i)timed\s*out`)

// Options configures a Kernel.
type Options struct {
	// WorkspaceRoot defaults to <os-temp-dir>/nodebooks-runtime.
	WorkspaceRoot string
	// InstallDependencies overrides the npm-based installer.
	InstallDependencies workspace.InstallFunc
}

// Kernel executes notebook cells against a shared sandboxed context. One
// logical cell is in flight at a time; Execute serializes callers.
type Kernel struct {
	mu         sync.Mutex
	workspaces *workspace.Manager

	sb            *sandbox
	boundNotebook string
	boundKey      string
}

// NewKernel creates a kernel with its workspace root prepared lazily.
func NewKernel(opts Options) *Kernel {
	root := opts.WorkspaceRoot
	if root == "" {
		root = filepath.Join(os.TempDir(), "nodebooks-runtime")
	}
	return &Kernel{
		workspaces: workspace.NewManager(root, opts.InstallDependencies),
	}
}

// Close releases the active sandbox. The kernel may be reused; the next
// Execute rebinds.
func (k *Kernel) Close() {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.sb != nil {
		k.sb.close()
		k.sb = nil
		k.boundNotebook = ""
		k.boundKey = ""
	}
}

// TimerCounts samples the live timer sets of the current binding. Test
// hook for observing cross-cell timer leaks.
func (k *Kernel) TimerCounts() (timeouts, intervals, firstTicks int) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.sb == nil {
		return 0, 0, 0
	}
	return k.sb.timers.Counts()
}

// Execute runs one cell to completion and returns its outputs and
// execution record. All failures are reported through the result; the
// method itself does not error.
func (k *Kernel) Execute(ctx context.Context, req ExecuteRequest) ExecuteResult {
	k.mu.Lock()
	defer k.mu.Unlock()

	r := &run{
		kernel:  k,
		req:     req,
		started: time.Now(),
		timeout: effectiveTimeout(req),
	}
	r.deadline = r.started.Add(r.timeout)
	return r.execute(ctx)
}

func effectiveTimeout(req ExecuteRequest) time.Duration {
	if req.TimeoutMs > 0 {
		return time.Duration(req.TimeoutMs) * time.Millisecond
	}
	if req.Cell.Metadata.TimeoutMs > 0 {
		return time.Duration(req.Cell.Metadata.TimeoutMs) * time.Millisecond
	}
	if env := os.Getenv("NODEBOOKS_KERNEL_TIMEOUT_MS"); env != "" {
		if ms, err := strconv.Atoi(env); err == nil && ms > 0 {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return DefaultTimeout
}

// run carries the state of one cell execution.
type run struct {
	kernel  *Kernel
	req     ExecuteRequest
	outputs []Output

	started  time.Time
	deadline time.Time
	timeout  time.Duration

	softTimedOut bool
	execErr      *ExecutionError
}

func (r *run) emitStream(name, text string) {
	out := Output{Type: OutputStream, Name: name, Text: text}
	r.outputs = append(r.outputs, out)
	if r.req.OnStream != nil {
		r.req.OnStream(out)
	}
}

func (r *run) emitDisplay(data map[string]any, streamed bool) {
	out := displayOutput(data, streamed)
	r.outputs = append(r.outputs, out)
	if streamed && r.req.OnDisplay != nil {
		r.req.OnDisplay(out)
	}
}

func (r *run) appendError(ename, evalue string, traceback []string) {
	r.outputs = append(r.outputs, Output{
		Type:      OutputError,
		Ename:     ename,
		Evalue:    evalue,
		Traceback: traceback,
	})
	r.execErr = &ExecutionError{Name: ename, Value: evalue, Traceback: traceback}
}

func (r *run) finish() ExecuteResult {
	status := "ok"
	if r.execErr != nil || r.softTimedOut {
		status = "error"
	}
	return ExecuteResult{
		Outputs: r.outputs,
		Execution: OutputExecution{
			ExecutionID: uuid.NewString(),
			Started:     r.started,
			Ended:       time.Now(),
			Status:      status,
			Error:       r.execErr,
		},
	}
}

func (r *run) execute(ctx context.Context) ExecuteResult {
	k := r.kernel

	// Environment preparation shares the run's deadline only loosely: an
	// install can legitimately outlast a short cell budget, so it runs
	// under the caller's context instead.
	pkgs := workspace.Canonicalize(r.req.Env.Packages)
	key := workspace.Fingerprint(pkgs)
	if k.sb == nil || k.boundNotebook != r.req.NotebookID || k.boundKey != key {
		ws, err := k.workspaces.Prepare(ctx, r.req.NotebookID, pkgs, key)
		if err != nil {
			r.emitStream("stderr", "[env] Install failed: "+err.Error()+"\n")
			r.appendError("Error", err.Error(), nil)
			return r.finish()
		}
		if k.sb != nil {
			k.sb.close()
		}
		sb, err := newSandbox(ws)
		if err != nil {
			r.appendError("Error", "Failed to prepare notebook sandbox: "+err.Error(), nil)
			return r.finish()
		}
		k.sb = sb
		k.boundNotebook = r.req.NotebookID
		k.boundKey = key
	}
	sb := k.sb

	sb.env.setVars(buildEnvVars(r.req.Env.Variables))

	rewritten := rewrite.Rewrite(r.req.Code, r.req.Cell.Language)
	debug := os.Getenv("NB_DEBUG") == "1"
	if debug {
		r.emitStream("stderr", "[debug] rewritten source:\n"+rewritten+"\n")
	}

	code, err := transpile(rewritten, r.req.Cell.Language)
	if err != nil {
		r.appendError("SyntaxError", err.Error(), nil)
		return r.finish()
	}
	if debug {
		r.emitStream("stderr", "[debug] transpiled source:\n"+code+"\n")
	}

	prog, err := goja.Compile(sb.ws.EntryPath, code, false)
	if err != nil {
		r.appendError("SyntaxError", err.Error(), nil)
		return r.finish()
	}

	hook := func(v goja.Value) {
		r.emitDisplay(buildDisplayData(sb.vm, v), true)
	}
	sb.beginRun(r.emitStream, hook, r.deadline)
	defer sb.endRun()

	if err := sb.prepareRunScope(); err != nil {
		r.appendError("Error", "Failed to prepare run scope: "+err.Error(), nil)
		return r.finish()
	}

	watchdog := time.AfterFunc(time.Until(r.deadline), func() {
		sb.vm.Interrupt(fmt.Sprintf("execution timed out after %dms", r.timeout.Milliseconds()))
	})
	defer watchdog.Stop()

	value, err := sb.vm.RunProgram(prog)
	if err != nil {
		r.handleError(sb, err, nil)
		return r.finish()
	}

	var result goja.Value = goja.Undefined()
	if value == nil {
		value = goja.Undefined()
	}
	if promise, ok := value.Export().(*goja.Promise); ok {
		// The awaited promise shares the run's deadline; there is no
		// fresh budget for the async tail.
		if !r.pump(sb, func() bool { return promise.State() != goja.PromiseStatePending }) {
			r.handleTimeout()
			return r.finish()
		}
		if err := sb.runErr.get(); err != nil {
			r.handleError(sb, err, nil)
			return r.finish()
		}
		if promise.State() == goja.PromiseStateRejected {
			r.handleError(sb, nil, promise.Result())
			return r.finish()
		}
		result = promise.Result()
	} else {
		result = value
	}

	r.quiesce(sb)
	if err := sb.runErr.get(); err != nil {
		r.handleError(sb, err, nil)
		return r.finish()
	}

	r.terminalDisplay(sb, result)
	return r.finish()
}

// pump drains event-loop jobs on the run goroutine until done() holds or
// the deadline passes. It reports false on deadline exhaustion.
func (r *run) pump(sb *sandbox, done func() bool) bool {
	for !done() {
		if sb.runErr.get() != nil {
			return true
		}
		remaining := time.Until(r.deadline)
		if remaining <= 0 {
			return false
		}
		timer := time.NewTimer(remaining)
		select {
		case job := <-sb.loop.jobs:
			timer.Stop()
			job()
		case <-timer.C:
			return false
		}
	}
	return true
}

// quiesce waits, each phase bounded by the remaining budget, until
// (a) pending timeouts drain, (b) every interval has fired once, and
// (c) all intervals have been cleared. Exhausting the budget converts into
// a warning display and an error status without interrupting the result.
func (r *run) quiesce(sb *sandbox) {
	phases := []func() bool{
		sb.timers.timeoutsIdle,
		sb.timers.firstTicksDone,
		sb.timers.intervalsIdle,
	}
	for _, phase := range phases {
		if !r.pump(sb, phase) {
			r.softTimedOut = true
			r.emitDisplay(alertDisplay("warn",
				"Execution time limit reached",
				fmt.Sprintf("Execution exceeded the %dms budget; pending timers were stopped.", r.timeout.Milliseconds()),
			), true)
			return
		}
		if sb.runErr.get() != nil {
			return
		}
	}
}

// terminalDisplay materializes the cell's returned value, except for
// undefined, functions, and values a UI helper already streamed.
func (r *run) terminalDisplay(sb *sandbox, result goja.Value) {
	if result == nil || goja.IsUndefined(result) {
		return
	}
	if _, isFn := goja.AssertFunction(result); isFn {
		return
	}
	if isUIEmitted(result) {
		return
	}
	r.emitDisplay(buildDisplayData(sb.vm, result), false)
}

// handleError classifies a failure (Go error or raw JS rejection value)
// into the cell's error output, with the timeout special case streaming a
// stderr marker and an alert display first.
func (r *run) handleError(sb *sandbox, err error, rejection goja.Value) {
	ename, evalue, traceback := classifyError(sb.vm, err, rejection)
	if timedOutRe.MatchString(evalue) {
		r.streamTimeoutNotice()
	}
	r.appendError(ename, evalue, traceback)
}

// handleTimeout covers deadline exhaustion while awaiting the cell's
// promise, where no JS error value exists yet.
func (r *run) handleTimeout() {
	evalue := fmt.Sprintf("execution timed out after %dms", r.timeout.Milliseconds())
	r.streamTimeoutNotice()
	r.appendError("Error", evalue, nil)
}

func (r *run) streamTimeoutNotice() {
	r.emitStream("stderr", fmt.Sprintf("[timeout] Execution exceeded %dms and was stopped.\n", r.timeout.Milliseconds()))
	r.emitDisplay(alertDisplay("error",
		"Execution time limit reached",
		fmt.Sprintf("Execution exceeded the %dms budget and was stopped.", r.timeout.Milliseconds()),
	), true)
}

// classifyError derives { ename, evalue, traceback } from a thrown value.
// Non-Error throws keep ename "Error" with the value's string or inspected
// form.
func classifyError(vm *goja.Runtime, err error, rejection goja.Value) (string, string, []string) {
	var value goja.Value
	switch e := err.(type) {
	case nil:
		value = rejection
	case *goja.Exception:
		value = e.Value()
	case *goja.InterruptedError:
		return "Error", fmt.Sprintf("%v", e.Value()), nil
	default:
		return "Error", err.Error(), nil
	}

	if value == nil || goja.IsUndefined(value) || goja.IsNull(value) {
		return "Error", "unknown error", nil
	}

	if obj, ok := value.(*goja.Object); ok && isErrorLike(obj) {
		ename := "Error"
		if n := obj.Get("name"); n != nil && !goja.IsUndefined(n) {
			ename = n.String()
		}
		evalue := ""
		if m := obj.Get("message"); m != nil && !goja.IsUndefined(m) {
			evalue = m.String()
		}
		var traceback []string
		if s := obj.Get("stack"); s != nil && !goja.IsUndefined(s) {
			traceback = strings.Split(s.String(), "\n")
		}
		return ename, evalue, traceback
	}

	if _, ok := value.(*goja.Object); ok {
		return "Error", formatValue(vm, value, 2), nil
	}
	return "Error", value.String(), nil
}

// transpile lowers the rewritten cell to CommonJS the engine executes.
func transpile(source, language string) (string, error) {
	loader := api.LoaderJS
	if language == "ts" {
		loader = api.LoaderTS
	}
	result := api.Transform(source, api.TransformOptions{
		Loader:   loader,
		Format:   api.FormatCommonJS,
		Platform: api.PlatformNode,
		Target:   api.ES2017,
		Supported: map[string]bool{
			"dynamic-import": false,
		},
	})
	if len(result.Errors) > 0 {
		msgs := make([]string, 0, len(result.Errors))
		for _, m := range result.Errors {
			msgs = append(msgs, m.Text)
		}
		return "", fmt.Errorf("transpile: %s", strings.Join(msgs, "; "))
	}
	return string(result.Code), nil
}
