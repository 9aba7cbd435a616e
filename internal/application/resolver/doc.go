// Package resolver derives data-flow edges from node input references and
// orders nodes into layered execution batches.
package resolver
