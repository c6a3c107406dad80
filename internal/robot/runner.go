package robot

import (
	"context"
	"encoding/json"
)

// Job is one workflow execution handed to the Runner. WorkflowJSON is the
// opaque definition exactly as submitted to the orchestrator.
type Job struct {
	ID             string
	WorkflowID     string
	WorkflowName   string
	WorkflowJSON   json.RawMessage
	TimeoutSeconds int
	Parameters     map[string]any
}

// Reporter lets a Runner publish progress and diagnostics while executing.
// Both methods are safe for concurrent use and never block on the network.
type Reporter interface {
	Progress(jobID string, percent float64, currentNode, message string)
	Log(jobID, level, source, message string)
}

// Runner executes workflows. Execute blocks until the job finishes, fails,
// or ctx is cancelled; a cancellation must return ctx.Err(). The returned
// map becomes the job's result payload.
type Runner interface {
	Execute(ctx context.Context, job Job, rep Reporter) (map[string]any, error)
}
