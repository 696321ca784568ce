// Package mcpserver provides the Model Context Protocol (MCP) server implementation.
//
// The mcpserver package implements an MCP-compliant server that exposes tools
// for code execution. It uses the mark3labs/mcp-go library to handle the
// protocol details and provides two tools:
//
//   - execute_code runs one snippet and returns its stdout, stderr and exit code
//   - execute_workflow chains snippets so each step reads the previous step's
//     stdout, returning the partial results when a step fails
//
// Snippets are written to the language's default file name (main.py,
// Main.java, main.js) and run through a single shared sandbox. Executions are
// serialized because a sandbox runs one container at a time.
//
// The server supports both stdio and HTTP transports as configured by the
// application configuration.
//
// Usage:
//
//	server, err := mcpserver.New(config, logger, sb)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	err = server.ServeStdio(ctx, os.Stdin, os.Stdout) // or server.ServeHTTP()
package mcpserver
