// Package sandbox provides secure code execution capabilities.
//
// Podman serves the Docker Engine API on its own socket, so the Podman
// backend is a DockerRuntime pointed at that socket.
package sandbox

import (
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

const rootfulPodmanSocket = "/run/podman/podman.sock"

// NewPodmanRuntime creates a runtime talking to Podman's Docker-compatible
// API. An empty host is resolved with PodmanHost.
func NewPodmanRuntime(logger *zap.Logger, host string) (*DockerRuntime, error) {
	if host == "" {
		host = PodmanHost()
	}
	return NewDockerRuntime(logger, WithDockerHost(host))
}

// PodmanHost returns the Podman API address: $CONTAINER_HOST when set, the
// rootless socket under $XDG_RUNTIME_DIR when it exists, else the rootful one.
func PodmanHost() string {
	if host := os.Getenv("CONTAINER_HOST"); host != "" {
		return host
	}
	if runtimeDir := os.Getenv("XDG_RUNTIME_DIR"); runtimeDir != "" {
		sock := filepath.Join(runtimeDir, "podman", "podman.sock")
		if _, err := os.Stat(sock); err == nil {
			return "unix://" + sock
		}
	}
	return "unix://" + rootfulPodmanSocket
}
