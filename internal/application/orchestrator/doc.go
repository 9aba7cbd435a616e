// Package orchestrator handles decision intake and run lifecycle.
//
// The validator checks decision payloads (required fields, graph structure,
// cycles via the resolver, capability configuration and resource policy)
// and performs at most one correction pass on a copy. The manager publishes
// the verdict, keeps the catalog of accepted graphs, starts runs on the
// kernel and persists run records.
package orchestrator
