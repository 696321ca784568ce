// Package mcpserver provides the Model Context Protocol (MCP) server implementation.
//
// The mcpserver package implements an MCP-compliant server that exposes the
// execute_code and execute_workflow tools on top of a shared sandbox.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/isdmx/codechain/config"
	"github.com/isdmx/codechain/sandbox"
	"github.com/isdmx/codechain/workflow"
)

// MCPServer represents the MCP server
type MCPServer struct {
	config    *config.Config
	logger    *zap.Logger
	runner    workflow.Runner
	mcpServer *server.MCPServer

	// mu serializes sandbox use: a sandbox runs one execution at a time.
	mu sync.Mutex

	httpMu     sync.Mutex
	httpServer *server.StreamableHTTPServer
}

// New creates a new MCPServer executing code through runner
func New(cfg *config.Config, logger *zap.Logger, runner workflow.Runner) (*MCPServer, error) {
	if runner == nil {
		return nil, errors.New("mcpserver: runner is required")
	}
	s := &MCPServer{
		config: cfg,
		logger: logger,
		runner: runner,
	}

	// Log configuration parameters on startup
	logger.Info("configuration loaded",
		zap.String("server.transport", s.config.Server.Transport),
		zap.Int("server.http_port", s.config.Server.HTTPPort),
		zap.String("sandbox.backend", s.config.Sandbox.Backend),
		zap.String("sandbox.build_dir", s.config.Sandbox.BuildDir),
		zap.String("sandbox.image_tag", s.config.Sandbox.ImageTag),
		zap.String("sandbox.workdir", s.config.Sandbox.Workdir),
		zap.Int("sandbox.timeout_sec", s.config.Sandbox.TimeoutSec),
	)

	s.mcpServer = server.NewMCPServer("codechain", "1.0.0",
		server.WithToolCapabilities(false),
		server.WithInstructions("Runs Python, Java and JavaScript code in disposable containers, alone or chained into pipelines."),
	)

	s.registerExecuteCodeTool()
	s.registerExecuteWorkflowTool()

	return s, nil
}

func languageNames() []string {
	var names []string
	for _, lang := range sandbox.Languages() {
		names = append(names, lang.String())
	}
	return names
}

// registerExecuteCodeTool registers the execute_code tool
func (s *MCPServer) registerExecuteCodeTool() {
	tool := mcp.Tool{
		Name:        "execute_code",
		Description: "Execute untrusted code in a disposable container and return its output",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"language": map[string]any{
					"type":        "string",
					"description": "Source language",
					"enum":        languageNames(),
				},
				"code": map[string]any{
					"type":        "string",
					"description": "Source code. Java code must declare a public class named Main",
				},
				"stdin": map[string]any{
					"type":        "string",
					"description": "Text written to the program's standard input (optional)",
				},
				"timeout_sec": map[string]any{
					"type":        "integer",
					"description": "Wall-clock limit in seconds (optional)",
					"minimum":     1,
				},
			},
			Required: []string{"language", "code"},
		},
	}

	s.mcpServer.AddTool(tool, s.handleExecuteCode)
}

// registerExecuteWorkflowTool registers the execute_workflow tool
func (s *MCPServer) registerExecuteWorkflowTool() {
	tool := mcp.Tool{
		Name: "execute_workflow",
		Description: "Execute a pipeline of code steps. Each step reads the previous step's stdout; " +
			"execution stops at the first failing step",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"input": map[string]any{
					"type":        "string",
					"description": "Standard input of the first step (optional)",
				},
				"steps": map[string]any{
					"type":     "array",
					"minItems": 1,
					"items": map[string]any{
						"type": "object",
						"properties": map[string]any{
							"language":    map[string]any{"type": "string", "enum": languageNames()},
							"code":        map[string]any{"type": "string"},
							"timeout_sec": map[string]any{"type": "integer", "minimum": 1},
							"description": map[string]any{"type": "string"},
						},
						"required": []string{"language", "code"},
					},
				},
			},
			Required: []string{"steps"},
		},
	}

	s.mcpServer.AddTool(tool, s.handleExecuteWorkflow)
}

type executeCodeArgs struct {
	Language   string  `json:"language"`
	Code       string  `json:"code"`
	Stdin      *string `json:"stdin"`
	TimeoutSec int     `json:"timeout_sec"`
}

type codeResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int64  `json:"exit_code"`
}

// handleExecuteCode handles the execute_code tool
func (s *MCPServer) handleExecuteCode(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args executeCodeArgs
	if err := request.BindArguments(&args); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	if args.Code == "" {
		return nil, errors.New("code parameter is required")
	}
	lang, err := sandbox.ParseLanguage(args.Language)
	if err != nil {
		return nil, err
	}
	timeout, err := s.timeout(args.TimeoutSec)
	if err != nil {
		return nil, err
	}

	s.logger.Info("code execution requested",
		zap.String("language", lang.String()),
		zap.Bool("has_stdin", args.Stdin != nil),
		zap.Duration("timeout", timeout))

	dir, err := os.MkdirTemp("", "codechain-mcp-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create code directory: %w", err)
	}
	defer s.removeAll(dir)

	codeFile, err := stage(dir, lang, args.Code)
	if err != nil {
		return nil, err
	}

	out, err := s.Run(ctx, sandbox.RunRequest{
		CodeFile: codeFile,
		Language: lang,
		Timeout:  timeout,
		Stdin:    args.Stdin,
	})
	if err != nil {
		s.logger.Error("sandbox execution failed", zap.Error(err), zap.String("language", lang.String()))
		return mcp.NewToolResultError(fmt.Sprintf("Execution failed: %v", err)), nil
	}

	s.logger.Info("code execution completed",
		zap.String("language", lang.String()),
		zap.Int64("exit_code", out.ExitCode),
		zap.Int("stdout_len", len(out.Stdout)),
		zap.Int("stderr_len", len(out.Stderr)))

	return jsonResult(codeResult{Stdout: out.Stdout, Stderr: out.Stderr, ExitCode: out.ExitCode}, false)
}

type workflowStepArgs struct {
	Language    string `json:"language"`
	Code        string `json:"code"`
	TimeoutSec  int    `json:"timeout_sec"`
	Description string `json:"description"`
}

type executeWorkflowArgs struct {
	Input *string            `json:"input"`
	Steps []workflowStepArgs `json:"steps"`
}

type stepResult struct {
	Index     int    `json:"index"`
	Stdout    string `json:"stdout"`
	Stderr    string `json:"stderr"`
	ExitCode  int64  `json:"exit_code"`
	ElapsedMS int64  `json:"elapsed_ms"`
}

type workflowResponse struct {
	RunID      string       `json:"run_id,omitempty"`
	Output     *string      `json:"output,omitempty"`
	Steps      []stepResult `json:"steps"`
	FailedStep *int         `json:"failed_step,omitempty"`
	Error      string       `json:"error,omitempty"`
}

// handleExecuteWorkflow handles the execute_workflow tool
func (s *MCPServer) handleExecuteWorkflow(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args executeWorkflowArgs
	if err := request.BindArguments(&args); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	if len(args.Steps) == 0 {
		return nil, errors.New("steps parameter must contain at least one step")
	}

	dir, err := os.MkdirTemp("", "codechain-mcp-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create code directory: %w", err)
	}
	defer s.removeAll(dir)

	b := workflow.NewBuilder("", "").WithRunner(s).WithLogger(s.logger)
	if args.Input != nil {
		b.Input(*args.Input)
	}
	for i, step := range args.Steps {
		if step.Code == "" {
			return nil, fmt.Errorf("step %d: code is required", i)
		}
		lang, err := sandbox.ParseLanguage(step.Language)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
		timeout, err := s.timeout(step.TimeoutSec)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
		// One directory per step: Java steps all use Main.java.
		stepDir := filepath.Join(dir, fmt.Sprintf("step-%d", i))
		if err := os.Mkdir(stepDir, sandbox.DirPermission); err != nil {
			return nil, fmt.Errorf("failed to create step directory: %w", err)
		}
		codeFile, err := stage(stepDir, lang, step.Code)
		if err != nil {
			return nil, err
		}
		b.AddStep(workflow.NewStep(lang, codeFile, timeout, step.Description))
	}

	wf, err := b.Build(ctx)
	if err != nil {
		return nil, err
	}

	s.logger.Info("workflow execution requested", zap.Int("steps", len(args.Steps)))

	res, err := wf.Execute(ctx)
	if err != nil {
		var stepErr *workflow.StepError
		if !errors.As(err, &stepErr) {
			return mcp.NewToolResultError(fmt.Sprintf("Workflow failed: %v", err)), nil
		}
		index := stepErr.Index
		return jsonResult(workflowResponse{
			RunID:      stepErr.RunID,
			Steps:      toStepResults(stepErr.Results),
			FailedStep: &index,
			Error:      stepErr.Error(),
		}, true)
	}

	resp := workflowResponse{RunID: res.RunID, Steps: toStepResults(res.StepResults)}
	if out, ok := res.Output(); ok {
		resp.Output = &out
	}
	return jsonResult(resp, false)
}

// Run implements workflow.Runner, holding the sandbox lock for one step at a
// time so code and workflow calls interleave between steps.
func (s *MCPServer) Run(ctx context.Context, req sandbox.RunRequest) (sandbox.Output, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runner.Run(ctx, req)
}

func (s *MCPServer) timeout(sec int) (time.Duration, error) {
	switch {
	case sec < 0:
		return 0, fmt.Errorf("timeout_sec must be positive, got: %d", sec)
	case sec == 0:
		return s.config.GetTimeout(), nil
	default:
		return time.Duration(sec) * time.Second, nil
	}
}

func (s *MCPServer) removeAll(dir string) {
	if err := os.RemoveAll(dir); err != nil {
		s.logger.Error("failed to remove code directory", zap.String("path", dir), zap.Error(err))
	}
}

// stage writes code to the language's default file name in dir.
func stage(dir string, lang sandbox.Language, code string) (string, error) {
	path := filepath.Join(dir, lang.DefaultFileName())
	if err := os.WriteFile(path, []byte(code), sandbox.FilePermission); err != nil {
		return "", fmt.Errorf("failed to write code file: %w", err)
	}
	return path, nil
}

func toStepResults(results []workflow.StepResult) []stepResult {
	out := make([]stepResult, 0, len(results))
	for _, r := range results {
		out = append(out, stepResult{
			Index:     r.Index,
			Stdout:    r.Stdout,
			Stderr:    r.Stderr,
			ExitCode:  r.ExitCode,
			ElapsedMS: r.Elapsed.Milliseconds(),
		})
	}
	return out
}

func jsonResult(v any, isError bool) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode result: %w", err)
	}
	result := mcp.NewToolResultText(string(data))
	result.IsError = isError
	return result, nil
}

// ServeStdio serves the protocol on in and out until ctx is done or in is
// closed.
func (s *MCPServer) ServeStdio(ctx context.Context, in io.Reader, out io.Writer) error {
	s.logger.Info("starting MCP server on stdio")
	stdio := server.NewStdioServer(s.mcpServer)
	stdio.SetErrorLogger(zap.NewStdLog(s.logger))
	return stdio.Listen(ctx, in, out)
}

// ServeHTTP starts the server on HTTP
func (s *MCPServer) ServeHTTP() error {
	port := s.config.Server.HTTPPort
	s.logger.Info("starting MCP server on HTTP", zap.Int("port", port))

	s.httpMu.Lock()
	s.httpServer = server.NewStreamableHTTPServer(s.mcpServer)
	httpServer := s.httpServer
	s.httpMu.Unlock()
	return httpServer.Start(fmt.Sprintf(":%d", port))
}

// Shutdown stops the HTTP server, if one is running
func (s *MCPServer) Shutdown(ctx context.Context) error {
	s.httpMu.Lock()
	httpServer := s.httpServer
	s.httpMu.Unlock()
	if httpServer == nil {
		return nil
	}
	return httpServer.Shutdown(ctx)
}

// GetMCPServer returns the underlying MCP server for fx
func (s *MCPServer) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}
