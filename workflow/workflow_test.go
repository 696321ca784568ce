package workflow_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/codechain/sandbox"
	"github.com/isdmx/codechain/sandbox/sandboxtest"
	"github.com/isdmx/codechain/workflow"
)

type point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// fixture holds a build directory and the scripted programs used by the
// fake runtime.
type fixture struct {
	buildDir string
	movePy   string
	moveJS   string
	sleepPy  string
	broken   string
	echoPy   string
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	dir := t.TempDir()
	write := func(name, content string) string {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
		return path
	}
	buildDir := filepath.Join(dir, "docker")
	require.NoError(t, os.Mkdir(buildDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(buildDir, "Dockerfile"), []byte("FROM scratch\n"), 0o644))

	return fixture{
		buildDir: buildDir,
		movePy:   write("move_point.py", "point x*3 y+3\n"),
		moveJS:   write("move_point.js", "point x+3 y+5\n"),
		sleepPy:  write("sleep.py", "sleep 2s\n"),
		broken:   write("Broken.java", "compile-error\n"),
		echoPy:   write("echo.py", "echo\n"),
	}
}

func pointInput(t *testing.T, p point) string {
	t.Helper()
	data, err := json.Marshal(p)
	require.NoError(t, err)
	return string(data) + "\n"
}

// recordingExporter remembers every export it was asked to perform and fails
// the ones listed in fail.
type recordingExporter struct {
	calls   []workflow.Export
	outputs []string
	fail    map[int]error
}

func (e *recordingExporter) Export(_ context.Context, exp workflow.Export, output string) error {
	idx := len(e.calls)
	e.calls = append(e.calls, exp)
	e.outputs = append(e.outputs, output)
	return e.fail[idx]
}

func TestWorkflowChainsStdout(t *testing.T) {
	fx := newFixture(t)
	rt := sandboxtest.NewRuntime()

	wf, err := workflow.NewBuilder(fx.buildDir, "sandbox").
		Input(pointInput(t, point{X: 2, Y: 5})).
		AddStep(workflow.NewStep(sandbox.Python, fx.movePy, 3*time.Second, "python script to move a point")).
		AddStep(workflow.NewStep(sandbox.JavaScript, fx.moveJS, 3*time.Second, "JS script to move a point")).
		AddStep(workflow.NewStep(sandbox.Python, fx.movePy, 3*time.Second, "python script to move a point")).
		AddStep(workflow.NewStep(sandbox.JavaScript, fx.moveJS, 3*time.Second, "JS script to move a point")).
		WithLogger(zaptest.NewLogger(t)).
		WithRuntime(rt).
		Build(context.Background())
	require.NoError(t, err)

	res, err := wf.Execute(context.Background())
	require.NoError(t, err)

	out, ok := res.Output()
	require.True(t, ok)
	var got point
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, point{X: 30, Y: 21}, got)

	require.Len(t, res.StepResults, 4)
	for i, sr := range res.StepResults {
		assert.Equal(t, i, sr.Index)
		assert.Empty(t, sr.Stderr)
		assert.Positive(t, sr.Elapsed)
	}
	assert.LessOrEqual(t, res.ExecTime(), 12*time.Second)
	assert.Equal(t, workflow.Completed, res.State)
	assert.NotEmpty(t, res.RunID)
	assert.Equal(t, 0, rt.Live())
	assert.Len(t, rt.Builds(), 1)
}

func TestWorkflowInputs(t *testing.T) {
	fx := newFixture(t)

	t.Run("NoInitialInput", func(t *testing.T) {
		runner := &scriptedRunner{outputs: []sandbox.Output{{Stdout: "a\n", Stderr: "noise\n"}, {Stdout: "b\n"}}}
		wf, err := workflow.NewBuilder(fx.buildDir, "sandbox").
			AddStep(workflow.NewStep(sandbox.Python, fx.echoPy, time.Second, "")).
			AddStep(workflow.NewStep(sandbox.Java, fx.broken, 2*time.Second, "")).
			WithRunner(runner).
			Build(context.Background())
		require.NoError(t, err)

		_, err = wf.Execute(context.Background())
		require.NoError(t, err)

		require.Len(t, runner.requests, 2)
		assert.Nil(t, runner.requests[0].Stdin)
		require.NotNil(t, runner.requests[1].Stdin)
		// Only stdout is passed on.
		assert.Equal(t, "a\n", *runner.requests[1].Stdin)
		assert.Equal(t, sandbox.Java, runner.requests[1].Language)
		assert.Equal(t, 2*time.Second, runner.requests[1].Timeout)
		assert.Equal(t, fx.broken, runner.requests[1].CodeFile)
	})

	t.Run("EmptyInitialInputIsSent", func(t *testing.T) {
		runner := &scriptedRunner{}
		wf, err := workflow.NewBuilder(fx.buildDir, "sandbox").
			Input("").
			AddStep(workflow.NewStep(sandbox.Python, fx.echoPy, time.Second, "")).
			WithRunner(runner).
			Build(context.Background())
		require.NoError(t, err)

		_, err = wf.Execute(context.Background())
		require.NoError(t, err)
		require.NotNil(t, runner.requests[0].Stdin)
		assert.Equal(t, "", *runner.requests[0].Stdin)
	})
}

func TestWorkflowStepFailureCarriesPriorResults(t *testing.T) {
	for failing := 0; failing < 4; failing++ {
		t.Run(fmt.Sprintf("FailAtStep%d", failing), func(t *testing.T) {
			fx := newFixture(t)
			rt := sandboxtest.NewRuntime()
			exporter := &recordingExporter{}

			b := workflow.NewBuilder(fx.buildDir, "sandbox").
				Input(pointInput(t, point{X: 1, Y: 1})).
				WithLogger(zaptest.NewLogger(t)).
				WithRuntime(rt).
				WithExporter(exporter).
				AddExport(workflow.SaveFile("keep", "out.json"))
			for i := 0; i < 4; i++ {
				switch {
				case i == failing:
					b.AddStep(workflow.NewStep(sandbox.Python, fx.sleepPy, 30*time.Millisecond, "too slow"))
				case i%2 == 0:
					b.AddStep(workflow.NewStep(sandbox.Python, fx.movePy, time.Second, ""))
				default:
					b.AddStep(workflow.NewStep(sandbox.JavaScript, fx.moveJS, time.Second, ""))
				}
			}
			wf, err := b.Build(context.Background())
			require.NoError(t, err)

			res, err := wf.Execute(context.Background())
			require.Error(t, err)
			assert.Nil(t, res)

			var stepErr *workflow.StepError
			require.True(t, errors.As(err, &stepErr))
			assert.Equal(t, failing, stepErr.Index)
			assert.Equal(t, "too slow", stepErr.Step.Description)
			assert.Len(t, stepErr.Results, failing)
			for i, r := range stepErr.Results {
				assert.Equal(t, i, r.Index)
			}
			assert.NotEmpty(t, stepErr.RunID)
			assert.True(t, sandbox.IsTimeout(err))

			assert.Empty(t, exporter.calls)
			assert.Len(t, rt.Created(), failing+1)
			assert.Equal(t, 0, rt.Live())
		})
	}
}

func TestWorkflowCompileFailureHaltsPipeline(t *testing.T) {
	fx := newFixture(t)
	rt := sandboxtest.NewRuntime()

	wf, err := workflow.NewBuilder(fx.buildDir, "sandbox").
		Input("7\n").
		AddStep(workflow.NewStep(sandbox.Python, fx.echoPy, time.Second, "echo")).
		AddStep(workflow.NewStep(sandbox.Java, fx.broken, time.Second, "broken")).
		AddStep(workflow.NewStep(sandbox.Python, fx.echoPy, time.Second, "never runs")).
		WithRuntime(rt).
		Build(context.Background())
	require.NoError(t, err)

	_, err = wf.Execute(context.Background())
	var stepErr *workflow.StepError
	require.True(t, errors.As(err, &stepErr))
	assert.Equal(t, 1, stepErr.Index)
	assert.True(t, errors.Is(err, sandbox.ErrCompile))
	require.Len(t, stepErr.Results, 1)
	assert.Equal(t, "7\n", stepErr.Results[0].Stdout)
	assert.Contains(t, err.Error(), "step 1 (broken)")
	assert.Len(t, rt.Created(), 2)
}

func TestWorkflowExports(t *testing.T) {
	fx := newFixture(t)

	t.Run("RunInOrderWithFinalOutput", func(t *testing.T) {
		exporter := &recordingExporter{}
		wf, err := workflow.NewBuilder(fx.buildDir, "sandbox").
			Input("hi\n").
			AddStep(workflow.NewStep(sandbox.Python, fx.echoPy, time.Second, "")).
			AddExport(workflow.SaveFile("keep", "out.txt")).
			AddExport(workflow.SendEmail("notify", "ops@example.com", "done")).
			WithRuntime(sandboxtest.NewRuntime()).
			WithExporter(exporter).
			Build(context.Background())
		require.NoError(t, err)

		res, err := wf.Execute(context.Background())
		require.NoError(t, err)

		require.Len(t, exporter.calls, 2)
		assert.Equal(t, workflow.ExportSaveFile, exporter.calls[0].Kind)
		assert.Equal(t, workflow.ExportSendEmail, exporter.calls[1].Kind)
		assert.Equal(t, []string{"hi\n", "hi\n"}, exporter.outputs)
		require.Len(t, res.ExportResults, 2)
		assert.Equal(t, 1, res.ExportResults[1].Index)
		assert.Equal(t, workflow.Completed, res.State)
	})

	t.Run("FailureCarriesAllResults", func(t *testing.T) {
		boom := errors.New("smtp unavailable")
		exporter := &recordingExporter{fail: map[int]error{1: boom}}
		wf, err := workflow.NewBuilder(fx.buildDir, "sandbox").
			Input("hi\n").
			AddStep(workflow.NewStep(sandbox.Python, fx.echoPy, time.Second, "")).
			AddStep(workflow.NewStep(sandbox.Python, fx.echoPy, time.Second, "")).
			AddExport(workflow.SaveFile("keep", "out.txt")).
			AddExport(workflow.SendEmail("notify", "ops@example.com", "done")).
			AddExport(workflow.SaveFile("never", "never.txt")).
			WithRuntime(sandboxtest.NewRuntime()).
			WithExporter(exporter).
			Build(context.Background())
		require.NoError(t, err)

		_, err = wf.Execute(context.Background())
		require.Error(t, err)
		assert.True(t, errors.Is(err, boom))

		var exportErr *workflow.ExportError
		require.True(t, errors.As(err, &exportErr))
		assert.Equal(t, 1, exportErr.Index)
		assert.Equal(t, "notify", exportErr.Export.Description)
		assert.Len(t, exportErr.StepResults, 2)
		assert.Len(t, exportErr.ExportResults, 1)
		assert.Len(t, exporter.calls, 2)
	})

	t.Run("NoStepsExportsEmptyOutput", func(t *testing.T) {
		exporter := &recordingExporter{}
		wf, err := workflow.NewBuilder(fx.buildDir, "sandbox").
			AddExport(workflow.SaveFile("keep", "out.txt")).
			WithRuntime(sandboxtest.NewRuntime()).
			WithExporter(exporter).
			Build(context.Background())
		require.NoError(t, err)

		res, err := wf.Execute(context.Background())
		require.NoError(t, err)
		_, ok := res.Output()
		assert.False(t, ok)
		assert.Equal(t, []string{""}, exporter.outputs)
	})
}

func TestWorkflowExecuteTwice(t *testing.T) {
	fx := newFixture(t)
	rt := sandboxtest.NewRuntime()

	wf, err := workflow.NewBuilder(fx.buildDir, "sandbox").
		Input(pointInput(t, point{X: 2, Y: 5})).
		AddStep(workflow.NewStep(sandbox.Python, fx.movePy, time.Second, "")).
		AddStep(workflow.NewStep(sandbox.JavaScript, fx.moveJS, time.Second, "")).
		WithRuntime(rt).
		Build(context.Background())
	require.NoError(t, err)

	first, err := wf.Execute(context.Background())
	require.NoError(t, err)
	second, err := wf.Execute(context.Background())
	require.NoError(t, err)

	firstOut, _ := first.Output()
	secondOut, _ := second.Output()
	assert.Equal(t, firstOut, secondOut)
	assert.NotEqual(t, first.RunID, second.RunID)
	assert.Len(t, rt.Builds(), 1)
	assert.Len(t, rt.Created(), 4)
	assert.Equal(t, 0, rt.Live())
	for _, spec := range rt.Created() {
		_, statErr := os.Stat(spec.HostDir)
		assert.True(t, os.IsNotExist(statErr))
	}
}

func TestWorkflowRetryAfterTimeout(t *testing.T) {
	fx := newFixture(t)
	rt := sandboxtest.NewRuntime()
	slow := filepath.Join(t.TempDir(), "slow.py")
	require.NoError(t, os.WriteFile(slow, []byte("sleep 100ms\n"), 0o644))

	build := func(timeout time.Duration) *workflow.Workflow {
		wf, err := workflow.NewBuilder(fx.buildDir, "sandbox").
			AddStep(workflow.NewStep(sandbox.Python, slow, timeout, "")).
			WithRuntime(rt).
			Build(context.Background())
		require.NoError(t, err)
		return wf
	}

	_, err := build(20 * time.Millisecond).Execute(context.Background())
	require.True(t, sandbox.IsTimeout(err))

	res, err := build(5 * time.Second).Execute(context.Background())
	require.NoError(t, err)
	out, _ := res.Output()
	assert.Equal(t, "awake\n", out)
}

func TestBuilderValidation(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	t.Run("SandboxInitFailure", func(t *testing.T) {
		rt := sandboxtest.NewRuntime()
		_, err := workflow.NewBuilder(t.TempDir(), "sandbox").
			AddStep(workflow.NewStep(sandbox.Python, fx.echoPy, time.Second, "")).
			WithRuntime(rt).
			Build(ctx)
		require.Error(t, err)
		assert.True(t, errors.Is(err, workflow.ErrSandboxInit))
		assert.True(t, errors.Is(err, sandbox.ErrMissingDockerfile))
		assert.Empty(t, rt.Created())
	})

	t.Run("ImageBuildFailure", func(t *testing.T) {
		rt := sandboxtest.NewRuntime()
		rt.BuildErr = errors.New("no space left on device")
		_, err := workflow.NewBuilder(fx.buildDir, "sandbox").WithRuntime(rt).Build(ctx)
		assert.True(t, errors.Is(err, workflow.ErrSandboxInit))
		assert.True(t, errors.Is(err, sandbox.ErrBuildImage))
	})

	t.Run("NonPositiveTimeout", func(t *testing.T) {
		_, err := workflow.NewBuilder(fx.buildDir, "sandbox").
			AddStep(workflow.NewStep(sandbox.Python, fx.echoPy, 0, "")).
			WithRuntime(sandboxtest.NewRuntime()).
			Build(ctx)
		assert.True(t, errors.Is(err, workflow.ErrInvalidStep))
	})

	t.Run("UnknownLanguage", func(t *testing.T) {
		_, err := workflow.NewBuilder(fx.buildDir, "sandbox").
			AddStep(workflow.NewStep(sandbox.Language(0), fx.echoPy, time.Second, "")).
			WithRuntime(sandboxtest.NewRuntime()).
			Build(ctx)
		assert.True(t, errors.Is(err, workflow.ErrInvalidStep))
	})

	t.Run("InvalidExport", func(t *testing.T) {
		_, err := workflow.NewBuilder(fx.buildDir, "sandbox").
			AddExport(workflow.SendEmail("notify", "", "subject")).
			WithExporter(&recordingExporter{}).
			WithRuntime(sandboxtest.NewRuntime()).
			Build(ctx)
		assert.True(t, errors.Is(err, workflow.ErrInvalidExport))
	})

	t.Run("ExportWithoutExporter", func(t *testing.T) {
		_, err := workflow.NewBuilder(fx.buildDir, "sandbox").
			AddExport(workflow.SaveFile("keep", "out.txt")).
			WithRuntime(sandboxtest.NewRuntime()).
			Build(ctx)
		assert.True(t, errors.Is(err, workflow.ErrNoExporter))
	})

	t.Run("RunnerSkipsImageBuild", func(t *testing.T) {
		rt := sandboxtest.NewRuntime()
		wf, err := workflow.NewBuilder("/does/not/exist", "sandbox").
			WithRuntime(rt).
			WithRunner(&scriptedRunner{}).
			Build(ctx)
		require.NoError(t, err)
		assert.Empty(t, rt.Builds())
		assert.NoError(t, wf.Close())
	})

	t.Run("BuilderChangesDoNotAffectBuiltWorkflow", func(t *testing.T) {
		runner := &scriptedRunner{}
		b := workflow.NewBuilder(fx.buildDir, "sandbox").
			AddStep(workflow.NewStep(sandbox.Python, fx.echoPy, time.Second, "")).
			WithRunner(runner)
		wf, err := b.Build(ctx)
		require.NoError(t, err)
		b.AddStep(workflow.NewStep(sandbox.Python, fx.echoPy, time.Second, ""))

		res, err := wf.Execute(ctx)
		require.NoError(t, err)
		assert.Len(t, res.StepResults, 1)
	})
}

// scriptedRunner returns canned outputs in order and records requests.
type scriptedRunner struct {
	requests []sandbox.RunRequest
	outputs  []sandbox.Output
}

func (r *scriptedRunner) Run(_ context.Context, req sandbox.RunRequest) (sandbox.Output, error) {
	idx := len(r.requests)
	r.requests = append(r.requests, req)
	if idx < len(r.outputs) {
		return r.outputs[idx], nil
	}
	return sandbox.Output{}, nil
}
