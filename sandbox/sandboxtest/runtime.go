// Package sandboxtest provides an in-memory sandbox.Runtime for tests.
//
// Containers created by Runtime do not run real interpreters. The runner in
// the container command (python, node, java, javac) reads the staged file
// from the mounted host directory and the first line of that file selects a
// scripted behaviour:
//
//	hello            prints "Hello World\n"
//	echo             copies stdin to stdout
//	sum              prints the sum of the integers on stdin and a newline
//	sum-raw          like sum, without the newline
//	sleep <dur>      waits dur, then prints "awake\n"
//	point <op>...    reads {"x":..,"y":..} from stdin, applies ops such as
//	                 x*2 or y+1 and prints the point as JSON and a newline
//	warn             prints "ok\n" on stdout and "warning\n" on stderr
//	exit <n>         exits with status n
//	bad-stdout       writes invalid UTF-8 to stdout
//	bad-stderr       writes invalid UTF-8 to stderr
//
// javac fails with a compiler error when the source contains
// "compile-error"; otherwise it writes a <stem>.class file that java runs.
package sandboxtest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/docker/docker/pkg/stdcopy"

	"github.com/isdmx/codechain/sandbox"
)

const killedExitCode = 137

// Build records one BuildImage call
type Build struct {
	ContextDir string
	Tag        string
}

// Execution records a program that ran to completion or was killed
type Execution struct {
	ContainerID string
	Cmd         []string
	Stdin       string
	Killed      bool
}

// Runtime is a fake sandbox.Runtime. The exported error fields inject
// failures into the matching operation.
type Runtime struct {
	BuildErr  error
	CreateErr error
	AttachErr error
	StartErr  error
	WaitErr   error
	RemoveErr error
	// ProgramDelay is added to the running time of every program,
	// javac included.
	ProgramDelay time.Duration

	mu         sync.Mutex
	nextID     int
	containers map[string]*container
	builds     []Build
	created    []sandbox.ContainerSpec
	removed    []string
	executions []Execution
	closed     bool
}

var _ sandbox.Runtime = (*Runtime)(nil)

// NewRuntime returns an empty fake runtime
func NewRuntime() *Runtime {
	return &Runtime{containers: make(map[string]*container)}
}

// BuildImage records the build.
func (r *Runtime) BuildImage(_ context.Context, contextDir, tag string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builds = append(r.builds, Build{ContextDir: contextDir, Tag: tag})
	return r.BuildErr
}

// CreateContainer registers a container that has not started yet.
func (r *Runtime) CreateContainer(_ context.Context, spec sandbox.ContainerSpec) (string, error) {
	if r.CreateErr != nil {
		return "", r.CreateErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	id := fmt.Sprintf("fake-%d", r.nextID)
	outR, outW := io.Pipe()
	r.containers[id] = &container{
		id:          id,
		spec:        spec,
		outR:        outR,
		outW:        outW,
		stdinClosed: make(chan struct{}),
		killed:      make(chan struct{}),
		done:        make(chan struct{}),
	}
	r.created = append(r.created, spec)
	return id, nil
}

// AttachContainer returns the container's stream.
func (r *Runtime) AttachContainer(_ context.Context, id string) (sandbox.Stream, error) {
	if r.AttachErr != nil {
		return nil, r.AttachErr
	}
	c, err := r.get(id)
	if err != nil {
		return nil, err
	}
	return &stream{c: c}, nil
}

// StartContainer runs the program in the background.
func (r *Runtime) StartContainer(_ context.Context, id string) error {
	if r.StartErr != nil {
		return r.StartErr
	}
	c, err := r.get(id)
	if err != nil {
		return err
	}
	go r.run(c)
	return nil
}

// WaitContainer blocks until the program finishes or ctx is done.
func (r *Runtime) WaitContainer(ctx context.Context, id string) (int64, error) {
	if r.WaitErr != nil {
		return 0, r.WaitErr
	}
	c, err := r.get(id)
	if err != nil {
		return 0, err
	}
	select {
	case <-c.done:
		return c.exitCode, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// RemoveContainer kills the program. With RemoveErr set the container is
// still killed, so tests do not leak goroutines, but it is not recorded as
// removed.
func (r *Runtime) RemoveContainer(_ context.Context, id string) error {
	c, err := r.get(id)
	if err != nil {
		return err
	}
	c.kill()
	if r.RemoveErr != nil {
		return r.RemoveErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.containers, id)
	r.removed = append(r.removed, id)
	return nil
}

// Close marks the runtime closed.
func (r *Runtime) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

// Builds returns the recorded image builds.
func (r *Runtime) Builds() []Build {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Build(nil), r.builds...)
}

// Created returns the specs of every container created so far.
func (r *Runtime) Created() []sandbox.ContainerSpec {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sandbox.ContainerSpec(nil), r.created...)
}

// Removed returns the ids of removed containers in removal order.
func (r *Runtime) Removed() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.removed...)
}

// Executions returns the programs that ran, in completion order.
func (r *Runtime) Executions() []Execution {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Execution(nil), r.executions...)
}

// Live returns the number of containers that were created and not removed.
func (r *Runtime) Live() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.containers)
}

// Closed reports whether Close was called.
func (r *Runtime) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *Runtime) get(id string) (*container, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.containers[id]
	if !ok {
		return nil, fmt.Errorf("no such container: %s", id)
	}
	return c, nil
}

func (r *Runtime) record(e Execution) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executions = append(r.executions, e)
}

func (r *Runtime) run(c *container) {
	select {
	case <-c.stdinClosed:
	case <-c.killed:
		r.record(Execution{ContainerID: c.id, Cmd: c.spec.Cmd, Killed: true})
		c.finish(killedExitCode)
		return
	}

	stdin := c.input()
	res := execute(c.spec, stdin)
	if delay := res.delay + r.ProgramDelay; delay > 0 {
		select {
		case <-time.After(delay):
		case <-c.killed:
			r.record(Execution{ContainerID: c.id, Cmd: c.spec.Cmd, Stdin: stdin, Killed: true})
			c.finish(killedExitCode)
			return
		}
	}

	// Write errors mean the reader went away; the program still exits.
	if len(res.stdout) > 0 {
		_, _ = stdcopy.NewStdWriter(c.outW, stdcopy.Stdout).Write(res.stdout)
	}
	if len(res.stderr) > 0 {
		_, _ = stdcopy.NewStdWriter(c.outW, stdcopy.Stderr).Write(res.stderr)
	}
	r.record(Execution{ContainerID: c.id, Cmd: c.spec.Cmd, Stdin: stdin})
	c.finish(res.exitCode)
}

type container struct {
	id   string
	spec sandbox.ContainerSpec
	outR *io.PipeReader
	outW *io.PipeWriter

	stdinMu     sync.Mutex
	stdin       bytes.Buffer
	stdinClosed chan struct{}
	closeStdin  sync.Once

	killed   chan struct{}
	killOnce sync.Once

	done       chan struct{}
	finishOnce sync.Once
	exitCode   int64
}

func (c *container) input() string {
	c.stdinMu.Lock()
	defer c.stdinMu.Unlock()
	return c.stdin.String()
}

func (c *container) kill() {
	c.killOnce.Do(func() { close(c.killed) })
	// A killed container's output stream ends.
	_ = c.outW.Close()
}

func (c *container) finish(code int64) {
	c.finishOnce.Do(func() {
		_ = c.outW.Close()
		c.exitCode = code
		close(c.done)
	})
}

type stream struct {
	c *container
}

func (s *stream) Read(p []byte) (int, error) {
	return s.c.outR.Read(p)
}

func (s *stream) Write(p []byte) (int, error) {
	select {
	case <-s.c.stdinClosed:
		return 0, errors.New("write to closed stdin")
	default:
	}
	s.c.stdinMu.Lock()
	defer s.c.stdinMu.Unlock()
	return s.c.stdin.Write(p)
}

func (s *stream) CloseWrite() error {
	s.c.closeStdin.Do(func() { close(s.c.stdinClosed) })
	return nil
}

func (s *stream) Close() error {
	return s.c.outR.Close()
}
