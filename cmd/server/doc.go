// Package main is the entry point for the codechain MCP server.
//
// The codechain server implements a Model Context Protocol (MCP) server that
// executes untrusted Python, Java and JavaScript code in disposable Docker or
// Podman containers, one snippet at a time or chained into pipelines where
// each step reads the previous step's output. The server supports both stdio
// and HTTP transports.
//
// The application uses Uber's fx framework for dependency injection and lifecycle
// management, with zap for structured logging and viper for configuration.
package main
