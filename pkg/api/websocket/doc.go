// Package websocket streams run events to clients over WebSocket.
//
// A connection to /api/v1/runs/:id/ws receives every event of that run as a
// JSON message and is closed once the run reaches a terminal state.
package websocket
