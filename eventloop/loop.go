package eventloop

import (
	"context"
	"runtime"
	"slices"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/joeycumines/logiface"
	"golang.org/x/sys/unix"
)

// Loop is a single-goroutine reactor: it owns a readiness multiplexer, a
// task queue and a timer heap, and runs every callback bound to it.
type Loop struct { // betteralign:ignore
	// Prevent copying
	_ [0]func()

	state fastState

	id     uint64
	opts   *loopOptions
	logger *logiface.Logger[logiface.Event]

	queueMu sync.Mutex
	queue   taskQueue
	batch   []func()

	// loop goroutine only
	timers               timerHeap
	timerSeq             uint64
	forceNonBlockingPoll bool
	fatalErr             error

	poller poller

	wakeFd      int
	wakeWriteFd int
	wakeBuf     [8]byte
	wakePending atomic.Uint32

	runMu           sync.Mutex
	loopGoroutineID atomic.Uint64
	inflight        atomic.Int64

	hooksMu    sync.Mutex
	hooks      map[uint64]func(error)
	hookSeq    uint64
	hooksFired bool

	shutdownOnce sync.Once
	loopDone     chan struct{}

	stats loopStats
}

var loopIDCounter atomic.Uint64

// New creates a loop in StateAwake. Nothing runs until Run or RunOnce.
func New(opts ...LoopOption) (*Loop, error) {
	cfg, err := resolveLoopOptions(opts)
	if err != nil {
		return nil, err
	}

	wakeFd, wakeWriteFd, err := createWakeFd()
	if err != nil {
		return nil, err
	}

	l := &Loop{
		id:          loopIDCounter.Add(1),
		opts:        cfg,
		logger:      cfg.logger,
		batch:       make([]func(), cfg.taskBudget),
		wakeFd:      wakeFd,
		wakeWriteFd: wakeWriteFd,
		hooks:       make(map[uint64]func(error)),
		loopDone:    make(chan struct{}),
	}

	closeWake := func() {
		_ = unix.Close(wakeFd)
		if wakeWriteFd != wakeFd {
			_ = unix.Close(wakeWriteFd)
		}
	}

	if err := l.poller.init(); err != nil {
		closeWake()
		return nil, err
	}

	if err := l.poller.registerFD(wakeFd, EventRead, func(IOEvents) {
		l.drainWakeUpPipe()
	}); err != nil {
		_ = l.poller.close()
		closeWake()
		return nil, err
	}

	return l, nil
}

// ID returns a process-unique identifier for the loop, starting at 1.
func (l *Loop) ID() uint64 { return l.id }

// State returns the current loop state.
func (l *Loop) State() LoopState { return l.state.Load() }

// Next returns l, so that a single loop can be used wherever a Chooser is
// expected.
func (l *Loop) Next() *Loop { return l }

// Done is closed once the loop has fully terminated.
func (l *Loop) Done() <-chan struct{} { return l.loopDone }

// Run drives the loop on the calling goroutine, locked to its OS thread,
// until Shutdown, Close, a fatal poll error, or ctx cancellation.
//
// It returns nil after a graceful shutdown, ctx.Err() on cancellation, or the
// multiplexer error that terminated the loop.
func (l *Loop) Run(ctx context.Context) error {
	if l.isLoopThread() {
		return ErrReentrantRun
	}
	if !l.runMu.TryLock() {
		return ErrLoopAlreadyRunning
	}
	defer l.runMu.Unlock()

	if err := l.start(); err != nil {
		return err
	}

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	l.loopGoroutineID.Store(getGoroutineID())
	defer l.loopGoroutineID.Store(0)

	// wake the poller on cancellation
	ctxDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = l.submitWakeup()
		case <-ctxDone:
		}
	}()
	defer close(ctxDone)

	for {
		if err := ctx.Err(); err != nil {
			l.state.beginTermination()
			l.shutdown()
			return err
		}

		if s := l.state.Load(); s == StateTerminating || s == StateTerminated {
			l.shutdown()
			return l.fatalErr
		}

		l.tick(-1)
	}
}

// RunOnce performs a single iteration on the calling goroutine, for
// embedders that drive the loop themselves: due timers run, a bounded batch
// of queued tasks runs, the multiplexer is polled for at most timeout (never
// longer than the configured maximum, and not at all if tasks are pending),
// ready callbacks are dispatched, and queued tasks are drained once more.
//
// Calls must not overlap with Run or with each other. If the loop was asked
// to terminate, RunOnce completes the shutdown and returns ErrLoopTerminated
// (or the fatal poll error).
func (l *Loop) RunOnce(timeout time.Duration) error {
	if l.isLoopThread() {
		return ErrReentrantRun
	}
	if !l.runMu.TryLock() {
		return ErrLoopAlreadyRunning
	}
	defer l.runMu.Unlock()

	if err := l.start(); err != nil {
		return err
	}

	l.loopGoroutineID.Store(getGoroutineID())
	defer l.loopGoroutineID.Store(0)

	if timeout < 0 {
		timeout = 0
	}
	if l.state.Load() == StateRunning {
		l.tick(timeout)
	}

	if s := l.state.Load(); s == StateTerminating || s == StateTerminated {
		l.shutdown()
		if l.fatalErr != nil {
			return l.fatalErr
		}
		return ErrLoopTerminated
	}
	return nil
}

func (l *Loop) start() error {
	if l.state.TryTransition(StateAwake, StateRunning) {
		return nil
	}
	if l.state.Load() == StateTerminated {
		return ErrLoopTerminated
	}
	return nil
}

// Shutdown gracefully terminates the loop: queued tasks are drained,
// termination hooks run with ErrLoopTerminated, and all descriptors owned by
// the loop are closed. It blocks until termination completes or ctx expires.
//
// If no goroutine is currently driving the loop, the shutdown sequence runs
// on the caller. Called from the loop goroutine, it returns without waiting.
func (l *Loop) Shutdown(ctx context.Context) error {
	l.requestTermination()
	if l.isLoopThread() {
		// completes once the current callback returns
		return nil
	}
	select {
	case <-l.loopDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close initiates termination without waiting for it to complete.
func (l *Loop) Close() error {
	if !l.requestTermination() {
		return ErrLoopTerminated
	}
	return nil
}

func (l *Loop) requestTermination() bool {
	prev, ok := l.state.beginTermination()
	if !ok {
		return prev != StateTerminated
	}
	if l.runMu.TryLock() {
		// idle, possibly never started
		l.loopGoroutineID.Store(getGoroutineID())
		l.shutdown()
		l.loopGoroutineID.Store(0)
		l.runMu.Unlock()
		return true
	}
	if prev == StateSleeping {
		_ = l.submitWakeup()
	}
	return true
}

// shutdown performs the termination sequence on the loop goroutine.
func (l *Loop) shutdown() {
	l.shutdownOnce.Do(func() {
		cause := l.fatalErr
		if cause == nil {
			cause = ErrLoopTerminated
		}

		l.drainTasks()
		l.runTerminateHooks(cause)

		// Submit stays open until Terminated, so drain until both the
		// in-flight counter and the queue are observed empty repeatedly.
		l.state.Store(StateTerminated)
		emptyChecks := 0
		const requiredEmptyChecks = 3
		for emptyChecks < requiredEmptyChecks {
			spinCount := 0
			for l.inflight.Load() > 0 {
				spinCount++
				if spinCount > 1000 {
					time.Sleep(100 * time.Microsecond)
				} else {
					runtime.Gosched()
				}
			}
			if l.drainTasks() || l.inflight.Load() > 0 {
				emptyChecks = 0
			} else {
				emptyChecks++
				runtime.Gosched()
			}
		}

		l.timers = nil
		l.closeFDs()
		l.logDebug("event loop terminated")
		close(l.loopDone)
	})
}

func (l *Loop) tick(maxWait time.Duration) {
	if l.opts.metricsEnabled {
		l.stats.ticks.Add(1)
	}
	l.runTimers()
	l.runTasks()
	l.poll(maxWait)
	l.runTasks()
}

// runTasks runs at most one budget of queued tasks.
func (l *Loop) runTasks() {
	l.queueMu.Lock()
	n := l.queue.popBatch(l.batch)
	remaining := l.queue.len()
	l.queueMu.Unlock()

	for i := 0; i < n; i++ {
		l.safeExecute(l.batch[i])
		l.batch[i] = nil
	}
	if l.opts.metricsEnabled {
		l.stats.tasks.Add(uint64(n))
	}
	if remaining > 0 {
		l.forceNonBlockingPoll = true
	}
}

// drainTasks runs queued tasks until the queue is empty.
func (l *Loop) drainTasks() bool {
	var drained bool
	for {
		l.queueMu.Lock()
		task, ok := l.queue.pop()
		l.queueMu.Unlock()
		if !ok {
			return drained
		}
		l.safeExecute(task)
		drained = true
	}
}

func (l *Loop) queueLen() int {
	l.queueMu.Lock()
	defer l.queueMu.Unlock()
	return l.queue.len()
}

// poll blocks in the multiplexer. The Sleeping state is entered before the
// queue is checked, so a concurrent Submit either is seen here or sees
// Sleeping and wakes the poller.
func (l *Loop) poll(maxWait time.Duration) {
	if !l.state.TryTransition(StateRunning, StateSleeping) {
		return
	}

	forced := l.forceNonBlockingPoll
	l.forceNonBlockingPoll = false

	timeout := 0
	if !forced && l.queueLen() == 0 {
		timeout = l.calculateTimeout(maxWait)
	}

	n, err := l.poller.poll(timeout, l.dispatch)
	if err != nil {
		l.fatalErr = err
		l.logCritical("poll failed, terminating loop", err)
		l.state.TryTransition(StateSleeping, StateTerminating)
		return
	}

	if l.opts.metricsEnabled {
		l.stats.polls.Add(1)
		l.stats.ioEvents.Add(uint64(n))
	}

	l.state.TryTransition(StateSleeping, StateRunning)
}

func (l *Loop) dispatch(cb IOCallback, events IOEvents) {
	defer func() {
		if r := recover(); r != nil {
			l.logPanic("io callback", r)
		}
	}()
	cb(events)
}

// calculateTimeout returns the poll timeout in milliseconds, capped by the
// configured maximum, maxWait (if non-negative) and the next timer.
func (l *Loop) calculateTimeout(maxWait time.Duration) int {
	d := l.opts.maxPollTimeout
	if maxWait >= 0 && maxWait < d {
		d = maxWait
	}
	if len(l.timers) > 0 {
		delay := max(time.Until(l.timers[0].when), 0)
		if delay < d {
			d = delay
		}
	}
	// round sub-millisecond waits up, rather than spinning
	if d > 0 && d < time.Millisecond {
		return 1
	}
	return int(d.Milliseconds())
}

func (l *Loop) drainWakeUpPipe() {
	for {
		if _, err := unix.Read(l.wakeFd, l.wakeBuf[:]); err != nil {
			break
		}
	}
	l.wakePending.Store(0)
}

// submitWakeup writes to the wake descriptor. It is allowed while
// terminating, since the loop must wake to drain.
func (l *Loop) submitWakeup() error {
	if l.state.Load() == StateTerminated {
		return ErrLoopTerminated
	}
	var one uint64 = 1
	buf := (*[8]byte)(unsafe.Pointer(&one))[:]
	_, err := unix.Write(l.wakeWriteFd, buf)
	return err
}

// Submit queues task to run on the loop goroutine. It never blocks, and is
// accepted until the loop reaches StateTerminated.
func (l *Loop) Submit(task func()) error {
	l.inflight.Add(1)
	defer l.inflight.Add(-1)

	if l.state.Load() == StateTerminated {
		return ErrLoopTerminated
	}

	l.queueMu.Lock()
	l.queue.push(task)
	l.queueMu.Unlock()

	if l.state.Load() == StateSleeping && l.wakePending.CompareAndSwap(0, 1) {
		if err := l.submitWakeup(); err != nil {
			// the task is queued regardless, EBADF/EPIPE are expected
			// while terminating
			l.wakePending.Store(0)
		}
	}
	return nil
}

// Execute runs task immediately when called on the loop goroutine, and
// otherwise submits it.
func (l *Loop) Execute(task func()) error {
	if l.isLoopThread() {
		task()
		return nil
	}
	return l.Submit(task)
}

// InLoop reports whether the caller is running on the loop goroutine.
func (l *Loop) InLoop() bool { return l.isLoopThread() }

// RegisterFD registers a file descriptor for readiness notification. The
// callback runs on the loop goroutine.
func (l *Loop) RegisterFD(fd int, events IOEvents, callback IOCallback) error {
	return l.poller.registerFD(fd, events, callback)
}

// UnregisterFD removes a file descriptor from monitoring. It does not close
// the descriptor.
func (l *Loop) UnregisterFD(fd int) error {
	return l.poller.unregisterFD(fd)
}

// ModifyFD replaces the readiness conditions monitored for fd.
func (l *Loop) ModifyFD(fd int, events IOEvents) error {
	return l.poller.modifyFD(fd, events)
}

// OnTerminate registers fn to run on the loop goroutine when the loop
// terminates, receiving ErrLoopTerminated after a graceful shutdown or the
// fatal multiplexer error. Hooks run in registration order. If the loop has
// already terminated, fn runs immediately on the caller.
func (l *Loop) OnTerminate(fn func(error)) (remove func()) {
	l.hooksMu.Lock()
	if l.hooksFired {
		l.hooksMu.Unlock()
		cause := l.fatalErr
		if cause == nil {
			cause = ErrLoopTerminated
		}
		fn(cause)
		return func() {}
	}
	l.hookSeq++
	id := l.hookSeq
	l.hooks[id] = fn
	l.hooksMu.Unlock()
	return func() {
		l.hooksMu.Lock()
		delete(l.hooks, id)
		l.hooksMu.Unlock()
	}
}

func (l *Loop) runTerminateHooks(cause error) {
	l.hooksMu.Lock()
	l.hooksFired = true
	ids := make([]uint64, 0, len(l.hooks))
	for id := range l.hooks {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	fns := make([]func(error), len(ids))
	for i, id := range ids {
		fns[i] = l.hooks[id]
	}
	clear(l.hooks)
	l.hooksMu.Unlock()

	for _, fn := range fns {
		l.safeExecute(func() { fn(cause) })
	}
}

// Registrable is a resource that binds itself to a loop, for the rest of its
// life, when registered.
type Registrable interface {
	// OnRegister runs on the loop goroutine.
	OnRegister(l *Loop) error
}

// Register binds r to the loop. The returned promise settles on the loop
// goroutine once r.OnRegister returns.
func (l *Loop) Register(r Registrable) *Promise {
	p := NewPromise(l)
	if err := l.Execute(func() {
		if err := r.OnRegister(l); err != nil {
			p.Reject(err)
			return
		}
		p.Resolve(nil)
	}); err != nil {
		p.Reject(err)
	}
	return p
}

// safeExecute runs fn, recovering and logging any panic.
func (l *Loop) safeExecute(fn func()) {
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			l.logPanic("task", r)
		}
	}()
	fn()
}

func (l *Loop) closeFDs() {
	_ = l.poller.close()
	_ = unix.Close(l.wakeFd)
	if l.wakeWriteFd != l.wakeFd {
		_ = unix.Close(l.wakeWriteFd)
	}
}

func (l *Loop) isLoopThread() bool {
	loopID := l.loopGoroutineID.Load()
	if loopID == 0 {
		return false
	}
	return getGoroutineID() == loopID
}

// getGoroutineID parses the current goroutine's ID from its stack header.
func getGoroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] >= '0' && buf[i] <= '9' {
			id = id*10 + uint64(buf[i]-'0')
		} else {
			break
		}
	}
	return id
}
