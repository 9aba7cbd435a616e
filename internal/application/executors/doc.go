// Package executors maps capability types to executors and ships the
// built-in capabilities (passthrough, set, branch, delay, http and llm).
//
// Each capability is registered with a Descriptor that the validator reads
// to check configuration and resource use, and the kernel reads to pick a
// concurrency category.
package executors
