package temporal

import (
	"context"
	"errors"
	"time"

	"github.com/canopy-network/commercex/pkg/utils"
	"go.uber.org/zap"

	"go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	taskqueuepb "go.temporal.io/api/taskqueue/v1"
	workflowservicepb "go.temporal.io/api/workflowservice/v1"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/log"
)

type Client struct {
	TClient   client.Client
	Namespace string

	// PipelineQueue carries the pipeline workflow and its activities.
	PipelineQueue string
}

type Health struct {
	ConnectionOK  bool                      `json:"connection_ok"`
	PipelineQueue []*taskqueuepb.PollerInfo `json:"pipeline_queue"`
}

func NewClient(ctx context.Context, logger *zap.Logger) (*Client, error) {
	host := utils.Env("TEMPORAL_HOSTPORT", "localhost:7233")
	ns := utils.Env("TEMPORAL_NAMESPACE", DefaultNamespace)

	logger.Info("Connecting to Temporal", zap.String("host", host), zap.String("namespace", ns))
	tClient, err := Dial(ctx, host, ns, NewZapAdapter(logger))
	if err != nil {
		return nil, err
	}

	if _, err = tClient.CheckHealth(ctx, nil); err != nil {
		tClient.Close()
		return nil, err
	}

	return &Client{
		TClient:       tClient,
		Namespace:     ns,
		PipelineQueue: utils.Env("TEMPORAL_PIPELINE_QUEUE", QueuePipeline),
	}, nil
}

// Dial connects to Temporal using the provided hostPort and namespace.
func Dial(ctx context.Context, hostPort, namespace string, logger log.Logger) (client.Client, error) {
	return client.DialContext(
		ctx,
		client.Options{
			HostPort:  hostPort,
			Namespace: namespace,
			Logger:    logger,
		},
	)
}

func (c *Client) Close() {
	if c.TClient != nil {
		c.TClient.Close()
	}
}

// PipelineWorkflowOptions starts the pipeline under its fixed id. A second start
// while one execution is open is rejected by the server, which keeps runs single.
func (c *Client) PipelineWorkflowOptions() client.StartWorkflowOptions {
	return client.StartWorkflowOptions{
		ID:                       WorkflowIDPipelineRun,
		TaskQueue:                c.PipelineQueue,
		WorkflowIDReusePolicy:    enums.WORKFLOW_ID_REUSE_POLICY_ALLOW_DUPLICATE,
		WorkflowIDConflictPolicy: enums.WORKFLOW_ID_CONFLICT_POLICY_FAIL,
		WorkflowExecutionTimeout: 12 * time.Hour,

		// without this the client silently attaches to the open run
		WorkflowExecutionErrorWhenAlreadyStarted: true,
	}
}

// IsAlreadyStarted reports whether err is the server rejecting a duplicate workflow id.
func IsAlreadyStarted(err error) bool {
	var started *serviceerror.WorkflowExecutionAlreadyStarted
	return errors.As(err, &started)
}

// Health reports the connection and the pollers on the pipeline queue.
func (c *Client) Health(ctx context.Context) (Health, error) {
	ctx, cancel := context.WithTimeout(ctx, 1*time.Second)
	defer cancel()

	if _, err := c.TClient.CheckHealth(ctx, nil); err != nil {
		return Health{}, err
	}
	h := Health{ConnectionOK: true}

	svc := c.TClient.WorkflowService()
	if svc != nil {
		if rep, err := svc.DescribeTaskQueue(ctx, &workflowservicepb.DescribeTaskQueueRequest{
			Namespace:     c.Namespace,
			TaskQueue:     &taskqueuepb.TaskQueue{Name: c.PipelineQueue},
			TaskQueueType: enums.TASK_QUEUE_TYPE_WORKFLOW,
		}); err == nil {
			h.PipelineQueue = rep.GetPollers()
		}
	}
	return h, nil
}
