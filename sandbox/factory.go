package sandbox

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/isdmx/codechain/config"
)

// NewRuntime creates the container runtime selected by the configuration
func NewRuntime(logger *zap.Logger, cfg *config.Config) (Runtime, error) {
	switch cfg.Sandbox.Backend {
	case "docker":
		var opts []DockerRuntimeOption
		if cfg.Sandbox.Host != "" {
			opts = append(opts, WithDockerHost(cfg.Sandbox.Host))
		}
		rt, err := NewDockerRuntime(logger, opts...)
		if err != nil {
			return nil, err
		}
		return rt, nil
	case "podman":
		rt, err := NewPodmanRuntime(logger, cfg.Sandbox.Host)
		if err != nil {
			return nil, err
		}
		return rt, nil
	default:
		return nil, fmt.Errorf("unsupported backend: %s", cfg.Sandbox.Backend)
	}
}

// NewFromConfig builds the configured runtime image and returns the Sandbox
// using it.
func NewFromConfig(logger *zap.Logger, cfg *config.Config, rt Runtime) (*Sandbox, error) {
	return New(context.Background(), logger, rt, cfg.Sandbox.BuildDir, cfg.Sandbox.ImageTag,
		WithWorkdir(cfg.Sandbox.Workdir),
		WithRemoveTimeout(cfg.GetRemoveTimeout()),
	)
}
