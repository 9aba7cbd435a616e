// Package ports declares the interfaces the kernel uses to reach its
// collaborators: the event bus, run storage, metrics and language models.
package ports
