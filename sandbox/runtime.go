package sandbox

import (
	"context"
	"io"
)

// DefaultWorkdir is where the staging directory is mounted inside containers.
const DefaultWorkdir = "/home/sandbox"

// ContainerSpec describes a throwaway container: one command, one read-write
// bind mount of HostDir at WorkDir, which is also the working directory.
type ContainerSpec struct {
	Name    string
	Image   string
	Cmd     []string
	HostDir string
	WorkDir string
	Labels  map[string]string
}

// Stream is an attached container connection. Reads yield the multiplexed
// stdout/stderr stream, writes go to the container's stdin.
type Stream interface {
	io.Reader
	io.Writer
	// CloseWrite signals end of input to the container.
	CloseWrite() error
	Close() error
}

// Runtime is the container capability the sandbox consumes.
type Runtime interface {
	// BuildImage builds contextDir, which holds a Dockerfile, and tags the
	// result. It fails on the first error reported by the build.
	BuildImage(ctx context.Context, contextDir, tag string) error
	CreateContainer(ctx context.Context, spec ContainerSpec) (string, error)
	AttachContainer(ctx context.Context, id string) (Stream, error)
	StartContainer(ctx context.Context, id string) error
	// WaitContainer blocks until the container stops and returns its exit code.
	WaitContainer(ctx context.Context, id string) (int64, error)
	// RemoveContainer force-removes the container and its anonymous volumes.
	RemoveContainer(ctx context.Context, id string) error
	Close() error
}
