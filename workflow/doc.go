// Package workflow chains sandboxed code executions into a pipeline.
//
// A Workflow runs its steps strictly in order through one sandbox. The first
// step reads the workflow's initial input, when there is one, and every later
// step reads the previous step's stdout verbatim. Stderr is recorded in the
// step results but never passed on. Execution halts at the first failing step
// and the returned *StepError carries the results of every step that
// completed before it. When all steps succeed the exports run in order with
// the final output, halting the same way with an *ExportError.
//
// Nothing is retried. A caller that wants to retry, for example with a longer
// timeout after sandbox.IsTimeout, calls Execute again.
//
// Usage:
//
//	wf, err := workflow.NewBuilder("./docker", "sandbox").
//	    Input(`{"x":2,"y":5}` + "\n").
//	    AddStep(workflow.NewStep(sandbox.Python, "./move_point.py", 3*time.Second, "move with python")).
//	    AddStep(workflow.NewStep(sandbox.JavaScript, "./move_point.js", 3*time.Second, "move with node")).
//	    WithLogger(logger).
//	    Build(ctx)
//	if err != nil {
//	    return err
//	}
//	defer wf.Close()
//	res, err := wf.Execute(ctx)
//
// Workflows can also be described in YAML and loaded with LoadDefinition.
package workflow
