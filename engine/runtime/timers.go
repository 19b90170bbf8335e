package runtime

import (
	"sync"
	"time"

	"github.com/dop251/goja"
)

// timerRegistry tracks timers created by user code so the execution loop
// can wait for their first fire and cancel leftovers at cell end.
//
// Interval handles start in both pendingIntervals and
// pendingIntervalFirstTick; the first fire migrates them to a steady-state
// membership in pendingIntervals only. Every handle added is removed on
// fire, on clear, or by CancelAll.
type timerRegistry struct {
	mu     sync.Mutex
	nextID int64

	pendingTimeouts          map[int64]*timerHandle
	pendingIntervals         map[int64]*timerHandle
	pendingIntervalFirstTick map[int64]bool

	timeoutWaiters      []chan struct{}
	intervalWaiters     []chan struct{}
	intervalDoneWaiters []chan struct{}
}

type timerHandle struct {
	id    int64
	timer *time.Timer   // timeouts
	stop  chan struct{} // intervals
	once  sync.Once     // guards interval stop
}

func newTimerRegistry() *timerRegistry {
	return &timerRegistry{
		pendingTimeouts:          make(map[int64]*timerHandle),
		pendingIntervals:         make(map[int64]*timerHandle),
		pendingIntervalFirstTick: make(map[int64]bool),
	}
}

func (r *timerRegistry) addTimeout() *timerHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	h := &timerHandle{id: r.nextID}
	r.pendingTimeouts[h.id] = h
	return h
}

func (r *timerRegistry) addInterval() *timerHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	h := &timerHandle{id: r.nextID, stop: make(chan struct{})}
	r.pendingIntervals[h.id] = h
	r.pendingIntervalFirstTick[h.id] = true
	return h
}

// timeoutFired removes the handle after its callback ran.
func (r *timerRegistry) timeoutFired(id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pendingTimeouts, id)
	if len(r.pendingTimeouts) == 0 {
		r.timeoutWaiters = drainWaiters(r.timeoutWaiters)
	}
}

// clearTimeout cancels the host timer and removes the handle.
func (r *timerRegistry) clearTimeout(id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.pendingTimeouts[id]
	if !ok {
		return
	}
	if h.timer != nil {
		h.timer.Stop()
	}
	delete(r.pendingTimeouts, id)
	if len(r.pendingTimeouts) == 0 {
		r.timeoutWaiters = drainWaiters(r.timeoutWaiters)
	}
}

// intervalTicked records an interval's first fire.
func (r *timerRegistry) intervalTicked(id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.pendingIntervalFirstTick[id] {
		return
	}
	delete(r.pendingIntervalFirstTick, id)
	if len(r.pendingIntervalFirstTick) == 0 {
		r.intervalWaiters = drainWaiters(r.intervalWaiters)
	}
}

// clearInterval stops the ticker goroutine and removes the handle.
func (r *timerRegistry) clearInterval(id int64) {
	r.mu.Lock()
	h, ok := r.pendingIntervals[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.pendingIntervals, id)
	// A cleared interval that never fired no longer blocks the
	// first-tick wait.
	delete(r.pendingIntervalFirstTick, id)
	intervalsDone := len(r.pendingIntervals) == 0
	firstTickDone := len(r.pendingIntervalFirstTick) == 0
	if intervalsDone {
		r.intervalDoneWaiters = drainWaiters(r.intervalDoneWaiters)
	}
	if firstTickDone {
		r.intervalWaiters = drainWaiters(r.intervalWaiters)
	}
	r.mu.Unlock()

	h.once.Do(func() { close(h.stop) })
}

func (r *timerRegistry) timeoutsIdle() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pendingTimeouts) == 0
}

func (r *timerRegistry) firstTicksDone() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pendingIntervalFirstTick) == 0
}

func (r *timerRegistry) intervalsIdle() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pendingIntervals) == 0
}

// Counts reports the live set sizes: pending timeouts, pending intervals,
// and intervals still awaiting their first tick. Exposed for tests and
// follow-up cells that sample handle counts.
func (r *timerRegistry) Counts() (timeouts, intervals, firstTicks int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pendingTimeouts), len(r.pendingIntervals), len(r.pendingIntervalFirstTick)
}

// CancelAll stops every outstanding handle and resets the sets. Called in
// the execution loop's finalization so no timer leaks across cells.
func (r *timerRegistry) CancelAll() {
	r.mu.Lock()
	timeouts := r.pendingTimeouts
	intervals := r.pendingIntervals
	r.pendingTimeouts = make(map[int64]*timerHandle)
	r.pendingIntervals = make(map[int64]*timerHandle)
	r.pendingIntervalFirstTick = make(map[int64]bool)
	r.timeoutWaiters = drainWaiters(r.timeoutWaiters)
	r.intervalWaiters = drainWaiters(r.intervalWaiters)
	r.intervalDoneWaiters = drainWaiters(r.intervalDoneWaiters)
	r.mu.Unlock()

	for _, h := range timeouts {
		if h.timer != nil {
			h.timer.Stop()
		}
	}
	for _, h := range intervals {
		h.once.Do(func() { close(h.stop) })
	}
}

func drainWaiters(waiters []chan struct{}) []chan struct{} {
	for _, w := range waiters {
		close(w)
	}
	return nil
}

// installTimers wires setTimeout/clearTimeout/setInterval/clearInterval
// (and setImmediate/clearImmediate as zero-delay timeouts) into the vm.
// Callbacks are routed through the event loop so they run on the goroutine
// driving the cell.
func installTimers(vm *goja.Runtime, loop *eventLoop, reg *timerRegistry, runErr *errCapture) error {
	setTimeout := func(call goja.FunctionCall) goja.Value {
		fn, ok := goja.AssertFunction(call.Argument(0))
		if !ok {
			panic(throwTypeError(vm, "setTimeout requires a callback"))
		}
		delay := argDelay(call, 1)
		args := timerArgs(call, 2)

		h := reg.addTimeout()
		h.timer = time.AfterFunc(delay, func() {
			submitted := loop.submit(func() {
				defer reg.timeoutFired(h.id)
				if _, err := fn(goja.Undefined(), args...); err != nil {
					runErr.set(err)
				}
			})
			if !submitted {
				reg.timeoutFired(h.id)
			}
		})
		return vm.ToValue(h.id)
	}

	clearTimeout := func(call goja.FunctionCall) goja.Value {
		if id, ok := timerID(call.Argument(0)); ok {
			reg.clearTimeout(id)
		}
		return goja.Undefined()
	}

	setInterval := func(call goja.FunctionCall) goja.Value {
		fn, ok := goja.AssertFunction(call.Argument(0))
		if !ok {
			panic(throwTypeError(vm, "setInterval requires a callback"))
		}
		delay := argDelay(call, 1)
		if delay <= 0 {
			delay = time.Millisecond
		}
		args := timerArgs(call, 2)

		h := reg.addInterval()
		go func() {
			ticker := time.NewTicker(delay)
			defer ticker.Stop()
			for {
				select {
				case <-h.stop:
					return
				case <-ticker.C:
					submitted := loop.submit(func() {
						reg.intervalTicked(h.id)
						if _, err := fn(goja.Undefined(), args...); err != nil {
							runErr.set(err)
						}
					})
					if !submitted {
						return
					}
				}
			}
		}()
		return vm.ToValue(h.id)
	}

	clearInterval := func(call goja.FunctionCall) goja.Value {
		if id, ok := timerID(call.Argument(0)); ok {
			reg.clearInterval(id)
		}
		return goja.Undefined()
	}

	setImmediate := func(call goja.FunctionCall) goja.Value {
		shifted := goja.FunctionCall{This: call.This}
		shifted.Arguments = append(shifted.Arguments, call.Argument(0), vm.ToValue(0))
		shifted.Arguments = append(shifted.Arguments, timerArgs(call, 1)...)
		return setTimeout(shifted)
	}

	pairs := map[string]any{
		"setTimeout":     setTimeout,
		"clearTimeout":   clearTimeout,
		"setInterval":    setInterval,
		"clearInterval":  clearInterval,
		"setImmediate":   setImmediate,
		"clearImmediate": clearTimeout,
	}
	for name, fn := range pairs {
		if err := vm.Set(name, fn); err != nil {
			return err
		}
	}
	return nil
}

func argDelay(call goja.FunctionCall, idx int) time.Duration {
	v := call.Argument(idx)
	if goja.IsUndefined(v) || goja.IsNull(v) {
		return 0
	}
	ms := v.ToFloat()
	if ms < 0 {
		ms = 0
	}
	return time.Duration(ms * float64(time.Millisecond))
}

func timerArgs(call goja.FunctionCall, from int) []goja.Value {
	if len(call.Arguments) <= from {
		return nil
	}
	return call.Arguments[from:]
}

func timerID(v goja.Value) (int64, bool) {
	if goja.IsUndefined(v) || goja.IsNull(v) {
		return 0, false
	}
	return v.ToInteger(), true
}
