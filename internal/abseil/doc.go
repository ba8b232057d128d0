// Package abseil implements a supervised, bounded-time execution of a stream
// of work.
//
// A Controller drains a WorkSource through a worker Pool until the source is
// exhausted or something asks it to stop: the maximum runtime watchdog, a
// termination signal or the owner calling Shutdown. It then shuts the pool
// down, gracefully when possible and forcibly when the pool does not
// terminate within the grace window.
//
// # Overview
//
//	Controller              supervisor                  Pool
//	    |                       |                         |
//	Process() ---- go run() --->| init: INIT->STARTING->RUNNING
//	    |                       | Next() -> unitMonitor -> Submit()
//	    |                       |   ...                   | worker: unit.run()
//	watchdog ---- requestShutdown(true)                   |   stats <- duration
//	exit hook --- requestShutdown(true)                   |
//	Shutdown() -- requestShutdown(false) --------------> Shutdown(graceful)
//	    |                       | RUNNING->SHUTTING_DOWN  |
//	    |                       | AwaitTermination(window)|
//	    |                       | SHUTTING_DOWN->SHUTDOWN or forced kill
//	Done() <--- all goroutines exited
//
// Invariants:
//   - the state only moves forward, every transition is a single compare
//     and swap, so exactly one caller wins RUNNING->SHUTTING_DOWN.
//   - the grace window is average runtime times active units, clamped to
//     [min wait, max wait].
//   - a forced kill cancels the run context and leaves the state in
//     SHUTTING_DOWN; it never returns to RUNNING.
//   - load statistics are best-effort and only size the grace window.
package abseil
