// Package eventloop implements the reactor that drives channel I/O.
//
// # Architecture
//
// A [Loop] owns one readiness multiplexer (epoll on Linux, kqueue on Darwin),
// a task queue, and a timer heap. A single goroutine, locked to its OS thread
// while [Loop.Run] is active, alternates between running due timers, draining
// a bounded batch of queued tasks, and blocking in the multiplexer until a
// registered file descriptor is ready, a task is submitted, or the next timer
// is due. Embedders that own their own thread may drive the loop manually with
// [Loop.RunOnce].
//
// # Thread Safety
//
//   - [Loop.Submit], [Loop.Execute], [Loop.ScheduleTimer] and
//     [Loop.OnTerminate] are safe to call from any goroutine.
//   - File descriptor callbacks, timers and tasks all run on the loop
//     goroutine, so resources bound to a loop need no further locking.
//   - [Promise] settlement runs listeners synchronously on the settling
//     goroutine, which for I/O completions is always the owning loop.
//
// # Failure Isolation
//
// Panics raised by tasks, timers and I/O callbacks are recovered and logged,
// and never stop the loop. A fatal multiplexer error terminates the loop;
// every hook registered with [Loop.OnTerminate] then observes that error,
// which is how channels bound to the loop are closed.
//
// # Usage
//
//	loop, err := eventloop.New(eventloop.WithLogger(logger))
//	if err != nil {
//	    return err
//	}
//	go loop.Run(ctx)
//	defer loop.Shutdown(context.Background())
//
//	_ = loop.Submit(func() {
//	    // runs on the loop goroutine
//	})
package eventloop
