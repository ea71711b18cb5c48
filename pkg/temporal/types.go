package temporal

// DefaultNamespace is used when TEMPORAL_NAMESPACE is unset.
const DefaultNamespace = "commercex"

// Queue names
const (
	QueuePipeline = "pipeline"
)

// Workflow and query names
const (
	// WorkflowIDPipelineRun is fixed so the server admits one open run at a time.
	WorkflowIDPipelineRun = "pipeline:run"

	PipelineWorkflowName = "PipelineWorkflow"
	QueryPipelineState   = "pipeline_state"
)
