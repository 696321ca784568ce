// Package logger provides structured logging capabilities.
//
// The logger package builds the zap logger shared by the sandbox, the
// workflow orchestrator and the servers. Development mode uses a coloured
// console encoder, production mode JSON with ISO8601 timestamps.
//
// Usage:
//
//	log, err := logger.New("production", "info")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	log.Info("workflow started", zap.String("run_id", id))
package logger
