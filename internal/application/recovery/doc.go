// Package recovery decides what happens after a node fails.
//
// A Policy maps each error category to a Rule (RETRY with a retry limit,
// SKIP, ABORT or REPLAN). Policies are immutable and shared; each run gets
// its own Tracker that counts attempts per node and spends the run-wide
// retry budget. When retries run out the rule escalates, by default to
// ABORT.
package recovery
