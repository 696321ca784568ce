package workflow

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/isdmx/codechain/sandbox"
)

// Runner executes a single code file. *sandbox.Sandbox implements it.
type Runner interface {
	Run(ctx context.Context, req sandbox.RunRequest) (sandbox.Output, error)
}

// Exporter applies an export to the final output of a workflow
type Exporter interface {
	Export(ctx context.Context, exp Export, output string) error
}

// ExporterFunc adapts a function to the Exporter interface
type ExporterFunc func(ctx context.Context, exp Export, output string) error

// Export calls f.
func (f ExporterFunc) Export(ctx context.Context, exp Export, output string) error {
	return f(ctx, exp, output)
}

// Builder accumulates the configuration of a Workflow
type Builder struct {
	directory   string
	imageTag    string
	input       *string
	steps       []Step
	exports     []Export
	logger      *zap.Logger
	runtime     sandbox.Runtime
	runner      Runner
	exporter    Exporter
	sandboxOpts []sandbox.Option
}

// NewBuilder starts a workflow whose sandbox image is built from directory
// and tagged imageTag.
func NewBuilder(directory, imageTag string) *Builder {
	return &Builder{
		directory: directory,
		imageTag:  imageTag,
	}
}

// Input sets the stdin of the first step
func (b *Builder) Input(value string) *Builder {
	b.input = &value
	return b
}

// AddStep appends a step
func (b *Builder) AddStep(step Step) *Builder {
	b.steps = append(b.steps, step)
	return b
}

// AddExport appends an export
func (b *Builder) AddExport(exp Export) *Builder {
	b.exports = append(b.exports, exp)
	return b
}

// WithLogger sets the logger used by the workflow and its sandbox
func (b *Builder) WithLogger(logger *zap.Logger) *Builder {
	b.logger = logger
	return b
}

// WithRuntime sets the container runtime the sandbox is built on. Without it
// Build connects to Docker using the environment and the workflow owns that
// connection.
func (b *Builder) WithRuntime(rt sandbox.Runtime) *Builder {
	b.runtime = rt
	return b
}

// WithSandboxOptions passes options to the sandbox created by Build
func (b *Builder) WithSandboxOptions(opts ...sandbox.Option) *Builder {
	b.sandboxOpts = append(b.sandboxOpts, opts...)
	return b
}

// WithRunner makes the workflow run its steps on an existing runner, such as
// a sandbox shared with other workflows. No image is built.
func (b *Builder) WithRunner(r Runner) *Builder {
	b.runner = r
	return b
}

// WithExporter sets the collaborator that performs exports
func (b *Builder) WithExporter(e Exporter) *Builder {
	b.exporter = e
	return b
}

// Build validates the steps and exports, then builds the sandbox. No step is
// run when the sandbox cannot be built.
func (b *Builder) Build(ctx context.Context) (*Workflow, error) {
	logger := b.logger
	if logger == nil {
		logger = zap.NewNop()
	}

	for i, step := range b.steps {
		if err := step.validate(); err != nil {
			return nil, fmt.Errorf("%w %d: %w", ErrInvalidStep, i, err)
		}
	}
	for i, exp := range b.exports {
		if err := exp.Validate(); err != nil {
			return nil, fmt.Errorf("%w %d: %w", ErrInvalidExport, i, err)
		}
	}
	if len(b.exports) > 0 && b.exporter == nil {
		return nil, ErrNoExporter
	}

	wf := &Workflow{
		logger:   logger,
		runner:   b.runner,
		exporter: b.exporter,
		steps:    append([]Step(nil), b.steps...),
		exports:  append([]Export(nil), b.exports...),
	}
	if b.input != nil {
		input := *b.input
		wf.input = &input
	}

	if wf.runner != nil {
		return wf, nil
	}

	rt := b.runtime
	if rt == nil {
		docker, err := sandbox.NewDockerRuntime(logger)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrSandboxInit, err)
		}
		rt = docker
		wf.closer = docker
	}

	sb, err := sandbox.New(ctx, logger, rt, b.directory, b.imageTag, b.sandboxOpts...)
	if err != nil {
		if wf.closer != nil {
			_ = wf.closer.Close()
		}
		return nil, fmt.Errorf("%w: %w", ErrSandboxInit, err)
	}
	wf.runner = sb
	return wf, nil
}

// Workflow is an immutable, re-runnable pipeline of steps and exports.
// Execute calls share the runner; callers that execute concurrently must
// make sure the runner tolerates it.
type Workflow struct {
	logger   *zap.Logger
	runner   Runner
	exporter Exporter
	input    *string
	steps    []Step
	exports  []Export
	closer   io.Closer
}

// Close releases the container runtime connection when the workflow created
// it. It is a no-op otherwise.
func (w *Workflow) Close() error {
	if w.closer == nil {
		return nil
	}
	return w.closer.Close()
}

// Execute runs every step in order, feeding each step's stdout to the next,
// then every export with the last step's stdout. It stops at the first
// failure with a *StepError or *ExportError.
func (w *Workflow) Execute(ctx context.Context) (*Result, error) {
	runID := uuid.NewString()
	logger := w.logger.With(zap.String("run_id", runID))
	var m machine

	if err := m.to(RunningSteps); err != nil {
		return nil, err
	}
	logger.Info("workflow started", zap.Int("steps", len(w.steps)), zap.Int("exports", len(w.exports)))

	stepResults := make([]StepResult, 0, len(w.steps))
	input := w.input
	for i, step := range w.steps {
		stepLogger := logger.With(zap.Int("step", i), zap.String("language", step.Language.String()))
		stepLogger.Debug("running step", zap.String("description", step.Description))

		start := time.Now()
		out, err := w.runner.Run(ctx, sandbox.RunRequest{
			CodeFile: step.CodeFile,
			Language: step.Language,
			Timeout:  step.Timeout,
			Stdin:    input,
		})
		elapsed := time.Since(start)
		if err != nil {
			stepLogger.Error("step failed", zap.Error(err), zap.Duration("elapsed", elapsed))
			if tErr := m.to(StepFailed); tErr != nil {
				return nil, tErr
			}
			return nil, &StepError{RunID: runID, Index: i, Step: step, Err: err, Results: stepResults}
		}

		stepResults = append(stepResults, StepResult{
			Index:    i,
			Stdout:   out.Stdout,
			Stderr:   out.Stderr,
			ExitCode: out.ExitCode,
			Elapsed:  elapsed,
		})
		stepLogger.Info("step completed", zap.Int64("exit_code", out.ExitCode), zap.Duration("elapsed", elapsed))

		stdout := out.Stdout
		input = &stdout
	}

	if err := m.to(AllStepsDone); err != nil {
		return nil, err
	}
	if err := m.to(RunningExports); err != nil {
		return nil, err
	}

	var output string
	if len(stepResults) > 0 {
		output = stepResults[len(stepResults)-1].Stdout
	}

	exportResults := make([]ExportResult, 0, len(w.exports))
	for i, exp := range w.exports {
		exportLogger := logger.With(zap.Int("export", i), zap.String("kind", string(exp.Kind)))

		start := time.Now()
		err := w.exporter.Export(ctx, exp, output)
		elapsed := time.Since(start)
		if err != nil {
			exportLogger.Error("export failed", zap.Error(err), zap.Duration("elapsed", elapsed))
			if tErr := m.to(ExportFailed); tErr != nil {
				return nil, tErr
			}
			return nil, &ExportError{
				RunID:         runID,
				Index:         i,
				Export:        exp,
				Err:           err,
				StepResults:   stepResults,
				ExportResults: exportResults,
			}
		}
		exportResults = append(exportResults, ExportResult{Index: i, Elapsed: elapsed})
		exportLogger.Info("export completed", zap.Duration("elapsed", elapsed))
	}

	if err := m.to(Completed); err != nil {
		return nil, err
	}

	res := &Result{
		RunID:         runID,
		State:         m.state,
		StepResults:   stepResults,
		ExportResults: exportResults,
	}
	logger.Info("workflow completed", zap.Duration("exec_time", res.ExecTime()))
	return res, nil
}
