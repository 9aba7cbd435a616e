// Package events provides event channel implementations.
//
// Implementations:
//   - memory: the in-process EventChannel with an ordered interceptor chain
//   - redis: a Redis Streams sink that persists published events for replay
package events
