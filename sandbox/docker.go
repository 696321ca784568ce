// Package sandbox provides secure code execution capabilities.
//
// The DockerRuntime talks to the Docker Engine API to build the runtime image
// and to create, attach, start, wait for and remove the throwaway containers
// each run uses.
package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/jsonmessage"
	archive "github.com/moby/go-archive"
	"github.com/moby/patternmatcher/ignorefile"
	"go.uber.org/zap"
)

// DockerRuntime implements Runtime on top of the Docker Engine API
type DockerRuntime struct {
	logger *zap.Logger
	client client.APIClient
}

// DockerRuntimeOption defines a functional option for DockerRuntime
type DockerRuntimeOption func(*dockerOptions)

type dockerOptions struct {
	host   string
	client client.APIClient
}

// WithDockerHost points the runtime at a specific daemon socket
func WithDockerHost(host string) DockerRuntimeOption {
	return func(o *dockerOptions) {
		o.host = host
	}
}

// WithDockerClient sets the API client used by the runtime
func WithDockerClient(c client.APIClient) DockerRuntimeOption {
	return func(o *dockerOptions) {
		o.client = c
	}
}

// NewDockerRuntime creates a DockerRuntime. Without options the client is
// configured from the environment (DOCKER_HOST and friends).
func NewDockerRuntime(logger *zap.Logger, opts ...DockerRuntimeOption) (*DockerRuntime, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var o dockerOptions
	for _, opt := range opts {
		opt(&o)
	}

	c := o.client
	if c == nil {
		clientOpts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
		if o.host != "" {
			clientOpts = append(clientOpts, client.WithHost(o.host))
		}
		cli, err := client.NewClientWithOpts(clientOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create docker client: %w", err)
		}
		c = cli
	}

	return &DockerRuntime{logger: logger, client: c}, nil
}

// BuildImage tars contextDir and builds it, draining the whole build stream.
func (d *DockerRuntime) BuildImage(ctx context.Context, contextDir, tag string) error {
	buildContext, err := archiveBuildContext(contextDir)
	if err != nil {
		return err
	}
	defer buildContext.Close()

	resp, err := d.client.ImageBuild(ctx, buildContext, types.ImageBuildOptions{
		Tags:        []string{tag},
		Dockerfile:  "Dockerfile",
		Remove:      true,
		ForceRemove: true,
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return drainBuildStream(resp.Body, d.logger.With(zap.String("image_tag", tag)))
}

// archiveBuildContext tars contextDir, leaving out what .dockerignore
// excludes. The Dockerfile and .dockerignore are always sent.
func archiveBuildContext(contextDir string) (io.ReadCloser, error) {
	excludes, err := readDockerignore(contextDir)
	if err != nil {
		return nil, err
	}
	if len(excludes) > 0 {
		excludes = append(excludes, "!"+dockerfileName, "!.dockerignore")
	}

	buildContext, err := archive.TarWithOptions(contextDir, &archive.TarOptions{ExcludePatterns: excludes})
	if err != nil {
		return nil, fmt.Errorf("failed to archive build context: %w", err)
	}
	return buildContext, nil
}

func readDockerignore(contextDir string) ([]string, error) {
	f, err := os.Open(filepath.Join(contextDir, ".dockerignore"))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open .dockerignore: %w", err)
	}
	defer f.Close()

	patterns, err := ignorefile.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read .dockerignore: %w", err)
	}
	return patterns, nil
}

// drainBuildStream reads build progress messages until the stream ends,
// returning the first error event.
func drainBuildStream(r io.Reader, logger *zap.Logger) error {
	dec := json.NewDecoder(r)
	for {
		var msg jsonmessage.JSONMessage
		if err := dec.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("failed to decode build output: %w", err)
		}
		if msg.Error != nil {
			return msg.Error
		}
		if msg.ErrorMessage != "" {
			return errors.New(msg.ErrorMessage)
		}
		if msg.Stream != "" {
			logger.Debug("image build", zap.String("stream", msg.Stream))
		}
	}
}

// CreateContainer creates a container with stdin, stdout and stderr attachable.
func (d *DockerRuntime) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	cfg := &container.Config{
		Image:        spec.Image,
		Cmd:          spec.Cmd,
		WorkingDir:   spec.WorkDir,
		Labels:       spec.Labels,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		OpenStdin:    true,
		StdinOnce:    true,
	}
	hostCfg := &container.HostConfig{
		Mounts: []mount.Mount{{
			Type:   mount.TypeBind,
			Source: spec.HostDir,
			Target: spec.WorkDir,
		}},
	}

	resp, err := d.client.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return "", err
	}
	for _, w := range resp.Warnings {
		d.logger.Warn("container create warning", zap.String("container_id", resp.ID), zap.String("warning", w))
	}
	return resp.ID, nil
}

// AttachContainer attaches to all three standard streams.
func (d *DockerRuntime) AttachContainer(ctx context.Context, id string) (Stream, error) {
	resp, err := d.client.ContainerAttach(ctx, id, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		return nil, err
	}
	return &hijackedStream{resp: resp}, nil
}

// StartContainer starts a created container.
func (d *DockerRuntime) StartContainer(ctx context.Context, id string) error {
	return d.client.ContainerStart(ctx, id, container.StartOptions{})
}

// WaitContainer blocks until the container is no longer running.
func (d *DockerRuntime) WaitContainer(ctx context.Context, id string) (int64, error) {
	statusCh, errCh := d.client.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return 0, err
	case status := <-statusCh:
		if status.Error != nil && status.Error.Message != "" {
			return status.StatusCode, errors.New(status.Error.Message)
		}
		return status.StatusCode, nil
	}
}

// RemoveContainer force-removes the container together with its volumes.
func (d *DockerRuntime) RemoveContainer(ctx context.Context, id string) error {
	return d.client.ContainerRemove(ctx, id, container.RemoveOptions{
		Force:         true,
		RemoveVolumes: true,
	})
}

// Close releases the API client.
func (d *DockerRuntime) Close() error {
	return d.client.Close()
}

// hijackedStream adapts a hijacked attach connection to Stream
type hijackedStream struct {
	resp types.HijackedResponse
}

func (h *hijackedStream) Read(p []byte) (int, error) {
	return h.resp.Reader.Read(p)
}

func (h *hijackedStream) Write(p []byte) (int, error) {
	return h.resp.Conn.Write(p)
}

func (h *hijackedStream) CloseWrite() error {
	return h.resp.CloseWrite()
}

func (h *hijackedStream) Close() error {
	h.resp.Close()
	return nil
}
