package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	dockerfileName       = "Dockerfile"
	defaultRemoveTimeout = 10 * time.Second
	containerLabel       = "io.codechain.sandbox"
)

// RunRequest describes one execution of a code file
type RunRequest struct {
	CodeFile string
	Language Language
	Timeout  time.Duration
	// Stdin is written to the program when non-nil.
	Stdin *string
}

// Output holds what a run wrote to its standard streams
type Output struct {
	Stdout   string
	Stderr   string
	ExitCode int64
}

// Sandbox runs code files in throwaway containers created from one image.
// Runs on the same Sandbox must not overlap unless the caller serializes them.
type Sandbox struct {
	logger        *zap.Logger
	runtime       Runtime
	fs            FileSystem
	imageTag      string
	workdir       string
	removeTimeout time.Duration
}

// Option defines a functional option for Sandbox
type Option func(*Sandbox)

// WithFileSystem sets the FileSystem used for validation and staging
func WithFileSystem(fs FileSystem) Option {
	return func(s *Sandbox) {
		s.fs = fs
	}
}

// WithWorkdir sets where the staging directory is mounted in containers
func WithWorkdir(dir string) Option {
	return func(s *Sandbox) {
		s.workdir = dir
	}
}

// WithRemoveTimeout bounds container removal during teardown
func WithRemoveTimeout(d time.Duration) Option {
	return func(s *Sandbox) {
		s.removeTimeout = d
	}
}

// New validates directory, builds the runtime image from it and returns a
// Sandbox ready to run code. Nothing is sent to the runtime unless directory
// is an existing directory holding a Dockerfile.
func New(ctx context.Context, logger *zap.Logger, rt Runtime, directory, imageTag string, opts ...Option) (*Sandbox, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Sandbox{
		logger:        logger,
		runtime:       rt,
		fs:            &RealFileSystem{},
		imageTag:      imageTag,
		workdir:       DefaultWorkdir,
		removeTimeout: defaultRemoveTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}

	contextDir, err := s.validateDirectory(directory)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	logger.Info("building runtime image", zap.String("context", contextDir), zap.String("image_tag", imageTag))
	if err := rt.BuildImage(ctx, contextDir, imageTag); err != nil {
		return nil, newError(ErrBuildImage, imageTag, err)
	}
	logger.Info("runtime image built", zap.String("image_tag", imageTag), zap.Duration("elapsed", time.Since(start)))

	return s, nil
}

// ImageTag returns the tag of the image every run uses.
func (s *Sandbox) ImageTag() string {
	return s.imageTag
}

func (s *Sandbox) validateDirectory(dir string) (string, error) {
	info, err := s.fs.Stat(dir)
	if err != nil {
		return "", newError(ErrInvalidDirectory, dir, err)
	}
	if !info.IsDir() {
		return "", newError(ErrInvalidDirectory, dir, errors.New("not a directory"))
	}

	dockerfile, err := s.fs.Stat(filepath.Join(dir, dockerfileName))
	if err != nil || !dockerfile.Mode().IsRegular() {
		return "", newError(ErrMissingDockerfile, dir, nil)
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", newError(ErrAbsolutePath, dir, err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", newError(ErrAbsolutePath, dir, err)
	}
	return resolved, nil
}

// Run executes req.CodeFile. Compiled languages are built in one container
// and run in another; both share a per-call staging directory that is
// removed before Run returns, as are the containers.
func (s *Sandbox) Run(ctx context.Context, req RunRequest) (out Output, err error) {
	if req.Timeout <= 0 {
		return Output{}, newError(ErrInvalidTimeout, req.Timeout.String(), nil)
	}
	if !req.Language.Valid() {
		return Output{}, newError(ErrUnsupportedLanguage, req.Language.String(), nil)
	}
	stem, err := s.codeFileStem(req.CodeFile)
	if err != nil {
		return Output{}, err
	}

	stagingDir, err := s.fs.MkdirTemp("", "codechain-run-*")
	if err != nil {
		return Output{}, newError(ErrCreateTempDir, "", err)
	}
	defer func() {
		if rmErr := s.fs.RemoveAll(stagingDir); rmErr != nil {
			if err == nil {
				out, err = Output{}, newError(ErrRemoveTempDir, stagingDir, rmErr)
				return
			}
			s.logger.Error("failed to remove staging directory", zap.String("path", stagingDir), zap.Error(rmErr))
		}
	}()

	stagedSource := filepath.Join(stagingDir, req.Language.SourceFile(stem))
	if cpErr := s.fs.CopyFile(req.CodeFile, stagedSource); cpErr != nil {
		return Output{}, newError(ErrCopyCodeFile, fmt.Sprintf("%s -> %s", req.CodeFile, stagedSource), cpErr)
	}

	logger := s.logger.With(zap.String("language", req.Language.String()), zap.String("code_file", req.CodeFile))

	// The build and run containers share one budget of req.Timeout.
	deadline := time.Now().Add(req.Timeout)

	if buildCmd := req.Language.BuildCommand(stem); len(buildCmd) > 0 {
		logger.Debug("building code", zap.Strings("cmd", buildCmd))
		build, buildErr := s.exec(ctx, logger, stagingDir, buildCmd, nil, req.Timeout, req.Timeout)
		if buildErr != nil {
			return Output{}, buildErr
		}
		if build.ExitCode != 0 {
			return Output{}, newError(ErrCompile, strings.Join(buildCmd, " "),
				fmt.Errorf("exit status %d: %s", build.ExitCode, strings.TrimSpace(build.Stderr)))
		}
	}

	runCmd := req.Language.RunCommand(stem)
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return Output{}, newError(ErrTimeout, fmt.Sprintf("%s after %s", strings.Join(runCmd, " "), req.Timeout), nil)
	}
	logger.Debug("running code", zap.Strings("cmd", runCmd), zap.Duration("remaining", remaining))
	return s.exec(ctx, logger, stagingDir, runCmd, req.Stdin, remaining, req.Timeout)
}

func (s *Sandbox) codeFileStem(path string) (string, error) {
	base := filepath.Base(path)
	stem := base
	// A leading dot names the file rather than starting an extension.
	if i := strings.LastIndex(base, "."); i > 0 {
		stem = base[:i]
	}
	if path == "" || stem == "" || stem == "." || base == string(filepath.Separator) {
		return "", newError(ErrInvalidCodeFile, path, nil)
	}
	info, err := s.fs.Stat(path)
	if err != nil {
		return "", newError(ErrInvalidCodeFile, path, err)
	}
	if info.IsDir() {
		return "", newError(ErrInvalidCodeFile, path, errors.New("is a directory"))
	}
	return stem, nil
}

// exec runs cmd in a fresh container with stagingDir mounted and tears the
// container down on every path. A nil stdin closes the program's input
// immediately. The container is killed after timeout; limit is the step
// timeout reported in the error.
func (s *Sandbox) exec(ctx context.Context, logger *zap.Logger, stagingDir string, cmd []string, stdin *string, timeout, limit time.Duration) (out Output, err error) {
	cmdline := strings.Join(cmd, " ")

	id, err := s.runtime.CreateContainer(ctx, ContainerSpec{
		Name:    "codechain-" + uuid.NewString(),
		Image:   s.imageTag,
		Cmd:     cmd,
		HostDir: stagingDir,
		WorkDir: s.workdir,
		Labels:  map[string]string{containerLabel: "true"},
	})
	if err != nil {
		return Output{}, newError(ErrCreateContainer, s.imageTag, err)
	}
	logger = logger.With(zap.String("container_id", id))

	removed := false
	defer func() {
		if removed {
			return
		}
		if rmErr := s.removeContainer(ctx, id); rmErr != nil {
			if err == nil {
				out, err = Output{}, newError(ErrRemoveContainer, id, rmErr)
				return
			}
			logger.Error("failed to remove container", zap.Error(rmErr))
		}
	}()

	stream, err := s.runtime.AttachContainer(ctx, id)
	if err != nil {
		return Output{}, newError(ErrAttachContainer, id, err)
	}
	defer stream.Close()

	// Output is drained from the moment of attaching so nothing written
	// early is lost and a chatty program never blocks on a full pipe.
	var stdout, stderr bytes.Buffer
	var streams errgroup.Group
	streams.Go(func() error {
		if _, copyErr := stdcopy.StdCopy(&stdout, &stderr, stream); copyErr != nil {
			return newError(ErrExecute, cmdline, copyErr)
		}
		return nil
	})

	if startErr := s.runtime.StartContainer(ctx, id); startErr != nil {
		stream.Close()
		_ = streams.Wait()
		return Output{}, newError(ErrStartContainer, id, startErr)
	}

	streams.Go(func() error {
		if stdin != nil {
			if _, writeErr := stream.Write([]byte(*stdin)); writeErr != nil {
				return newError(ErrWriteStdin, id, writeErr)
			}
		}
		if closeErr := stream.CloseWrite(); closeErr != nil {
			return newError(ErrCloseStdin, id, closeErr)
		}
		return nil
	})

	waitCtx, cancelWait := context.WithCancel(ctx)
	defer cancelWait()

	type exit struct {
		code int64
		err  error
	}
	exited := make(chan exit, 1)
	go func() {
		code, waitErr := s.runtime.WaitContainer(waitCtx, id)
		exited <- exit{code: code, err: waitErr}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-exited:
		if res.err != nil {
			stream.Close()
			_ = streams.Wait()
			return Output{}, newError(ErrExecute, cmdline, res.err)
		}
		if ioErr := streams.Wait(); ioErr != nil {
			return Output{}, ioErr
		}
		out.ExitCode = res.code
	case <-timer.C:
		logger.Warn("execution timed out, removing container", zap.Duration("timeout", timeout))
		removed = true
		rmErr := s.removeContainer(ctx, id)
		stream.Close()
		_ = streams.Wait()
		return Output{}, newError(ErrTimeout, fmt.Sprintf("%s after %s", cmdline, limit), rmErr)
	case <-ctx.Done():
		removed = true
		rmErr := s.removeContainer(ctx, id)
		stream.Close()
		_ = streams.Wait()
		return Output{}, newError(ErrExecute, cmdline, errors.Join(ctx.Err(), rmErr))
	}

	removed = true
	if rmErr := s.removeContainer(ctx, id); rmErr != nil {
		return Output{}, newError(ErrRemoveContainer, id, rmErr)
	}

	if !utf8.Valid(stdout.Bytes()) {
		return Output{}, newError(ErrInvalidStdout, cmdline, nil)
	}
	if !utf8.Valid(stderr.Bytes()) {
		return Output{}, newError(ErrInvalidStderr, cmdline, nil)
	}

	out.Stdout = stdout.String()
	out.Stderr = stderr.String()
	logger.Debug("execution finished",
		zap.Int64("exit_code", out.ExitCode),
		zap.Int("stdout_len", len(out.Stdout)),
		zap.Int("stderr_len", len(out.Stderr)))
	return out, nil
}

// removeContainer uses a context detached from ctx so teardown still happens
// after the caller's context is done.
func (s *Sandbox) removeContainer(ctx context.Context, id string) error {
	rmCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.removeTimeout)
	defer cancel()
	return s.runtime.RemoveContainer(rmCtx, id)
}
