// Package domain defines the data model shared by the execution kernel and
// its adapters.
//
// A Graph is a set of Nodes wired through data-flow references: an Input
// that refers to another node's output field implies an Edge from that node.
// Edges are always derived, never authored. Decisions are the payloads
// submitted by external planners; the orchestrator validates them before any
// Graph reaches the kernel.
//
// Events emitted by the kernel carry a monotonically increasing sequence
// number so external collaborators can replay them in order.
package domain
