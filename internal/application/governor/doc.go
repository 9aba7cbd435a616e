// Package governor bounds how many nodes execute at once.
//
// The Governor hands out slots under a global ceiling and optional
// per-category ceilings. Callers that cannot get a slot immediately either
// queue (FIFO or priority order) or are rejected, depending on the
// configured discipline. Categories may also carry a token-bucket rate
// limit applied before queueing.
//
// The Monitor periodically logs utilization and reports it to metrics.
package governor
