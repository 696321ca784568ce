// Command chain runs a workflow definition once and prints its final output.
//
//	chain --workflow pipeline.yaml [--config config.yaml] [--json]
//
// The sandbox backend, workdir and export settings come from the
// configuration; the build directory, image tag, input, steps and exports
// come from the workflow definition.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/isdmx/codechain/config"
	"github.com/isdmx/codechain/export"
	"github.com/isdmx/codechain/logger"
	"github.com/isdmx/codechain/sandbox"
	"github.com/isdmx/codechain/workflow"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

type stepReport struct {
	Index    int    `json:"index"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int64  `json:"exit_code"`
	Elapsed  string `json:"elapsed"`
}

type report struct {
	RunID    string       `json:"run_id,omitempty"`
	State    string       `json:"state"`
	Output   *string      `json:"output,omitempty"`
	Steps    []stepReport `json:"steps"`
	Exports  int          `json:"exports_completed"`
	ExecTime string       `json:"exec_time,omitempty"`
	Error    string       `json:"error,omitempty"`
}

func run(args []string, stdout, stderr io.Writer) int {
	flags := pflag.NewFlagSet("chain", pflag.ContinueOnError)
	flags.SetOutput(stderr)
	configPath := flags.StringP("config", "c", "", "path to config.yaml (default: ./config.yaml or ./config/config.yaml)")
	workflowPath := flags.StringP("workflow", "w", "", "path to the workflow definition (required)")
	asJSON := flags.Bool("json", false, "print every step result as JSON instead of the final output")
	if err := flags.Parse(args); err != nil {
		return 2
	}
	if *workflowPath == "" {
		fmt.Fprintln(stderr, "--workflow is required")
		flags.Usage()
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	log, err := logger.NewFromConfig(cfg)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer func() { _ = log.Sync() }()

	def, err := workflow.LoadDefinition(*workflowPath)
	if err != nil {
		log.Error("failed to load workflow", zap.Error(err))
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := sandbox.NewRuntime(log, cfg)
	if err != nil {
		log.Error("failed to create container runtime", zap.Error(err))
		return 1
	}
	defer func() {
		if err := rt.Close(); err != nil {
			log.Warn("failed to close container runtime", zap.Error(err))
		}
	}()

	exporter, err := export.NewFromConfig(log, cfg)
	if err != nil {
		log.Error("failed to configure exports", zap.Error(err))
		return 1
	}

	wf, err := def.Builder().
		WithLogger(log).
		WithRuntime(rt).
		WithExporter(exporter).
		WithSandboxOptions(
			sandbox.WithWorkdir(cfg.Sandbox.Workdir),
			sandbox.WithRemoveTimeout(cfg.GetRemoveTimeout()),
		).
		Build(ctx)
	if err != nil {
		log.Error("failed to build workflow", zap.Error(err))
		return 1
	}

	res, err := wf.Execute(ctx)
	if err != nil {
		log.Error("workflow failed", zap.Error(err))
		if *asJSON {
			writeJSON(stdout, failureReport(err))
		}
		return 1
	}

	if *asJSON {
		writeJSON(stdout, successReport(res))
		return 0
	}
	if out, ok := res.Output(); ok {
		fmt.Fprint(stdout, out)
	}
	return 0
}

func successReport(res *workflow.Result) report {
	r := report{
		RunID:    res.RunID,
		State:    res.State.String(),
		Steps:    stepReports(res.StepResults),
		Exports:  len(res.ExportResults),
		ExecTime: res.ExecTime().String(),
	}
	if out, ok := res.Output(); ok {
		r.Output = &out
	}
	return r
}

func failureReport(err error) report {
	r := report{Error: err.Error(), Steps: []stepReport{}}
	var stepErr *workflow.StepError
	var exportErr *workflow.ExportError
	switch {
	case errors.As(err, &stepErr):
		r.RunID = stepErr.RunID
		r.State = workflow.StepFailed.String()
		r.Steps = stepReports(stepErr.Results)
	case errors.As(err, &exportErr):
		r.RunID = exportErr.RunID
		r.State = workflow.ExportFailed.String()
		r.Steps = stepReports(exportErr.StepResults)
		r.Exports = len(exportErr.ExportResults)
	}
	return r
}

func stepReports(results []workflow.StepResult) []stepReport {
	out := make([]stepReport, 0, len(results))
	for _, s := range results {
		out = append(out, stepReport{
			Index:    s.Index,
			Stdout:   s.Stdout,
			Stderr:   s.Stderr,
			ExitCode: s.ExitCode,
			Elapsed:  s.Elapsed.Round(time.Millisecond).String(),
		})
	}
	return out
}

func writeJSON(w io.Writer, v any) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
