// Package kernel drives one accepted graph to a terminal state.
//
// A run walks the resolver's batches strictly in order. Nodes inside a batch
// execute concurrently, bounded by the graph's max_parallel setting and by
// the concurrency governor. For each node the kernel evaluates its guard,
// acquires a slot, resolves input references against upstream outputs,
// invokes the capability executor under a per-node timeout and checks the
// declared outputs. Failures are handed to the recovery policy, whose
// instruction (RETRY, SKIP, ABORT or REPLAN) decides how the run proceeds.
//
// Progress is published on the event bus as run.* and node.* events.
package kernel
