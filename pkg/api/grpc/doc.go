// Package grpc provides the gRPC server.
//
// It exposes the standard grpc.health.v1 service, reporting SERVING while
// the orchestrator accepts new decisions, plus server reflection.
package grpc
