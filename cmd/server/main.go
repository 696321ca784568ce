package main

import (
	"context"
	"errors"
	"net/http"
	"os"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/isdmx/codechain/config"
	"github.com/isdmx/codechain/logger"
	"github.com/isdmx/codechain/mcpserver"
	"github.com/isdmx/codechain/sandbox"
	"github.com/isdmx/codechain/workflow"
)

func main() {
	app := fx.New(
		// Provide dependencies
		fx.Provide(
			// Config
			config.New,

			// Logger with configuration
			logger.NewFromConfig,

			// Container runtime selected by sandbox.backend, closed on stop
			newRuntime,

			// Sandbox with its image built, used as the workflow runner
			fx.Annotate(
				sandbox.NewFromConfig,
				fx.As(new(workflow.Runner)),
			),

			// MCP Server
			mcpserver.New,
		),

		// Start the appropriate transport based on config
		fx.Invoke(serve),

		// Use the application logger for fx logs
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log}
		}),
	)

	// Start the application
	app.Run()
}

func newRuntime(lc fx.Lifecycle, log *zap.Logger, cfg *config.Config) (sandbox.Runtime, error) {
	rt, err := sandbox.NewRuntime(log, cfg)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.StopHook(func() error {
		return rt.Close()
	}))
	return rt, nil
}

func serve(lc fx.Lifecycle, shutdowner fx.Shutdowner, cfg *config.Config, log *zap.Logger, server *mcpserver.MCPServer) error {
	switch cfg.Server.Transport {
	case "stdio":
		ctx, cancel := context.WithCancel(context.Background())
		lc.Append(fx.Hook{
			OnStart: func(context.Context) error {
				go func() {
					err := server.ServeStdio(ctx, os.Stdin, os.Stdout)
					if err != nil && !errors.Is(err, context.Canceled) {
						log.Error("stdio server stopped", zap.Error(err))
						_ = shutdowner.Shutdown(fx.ExitCode(1))
						return
					}
					// The client closed stdin.
					_ = shutdowner.Shutdown()
				}()
				return nil
			},
			OnStop: func(context.Context) error {
				cancel()
				return nil
			},
		})
	case "http":
		lc.Append(fx.Hook{
			OnStart: func(context.Context) error {
				go func() {
					if err := server.ServeHTTP(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						log.Error("http server stopped", zap.Error(err))
						_ = shutdowner.Shutdown(fx.ExitCode(1))
					}
				}()
				return nil
			},
			OnStop: server.Shutdown,
		})
	default:
		return errors.New("unsupported transport: " + cfg.Server.Transport)
	}
	return nil
}
