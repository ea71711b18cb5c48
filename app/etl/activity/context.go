package activity

import (
	"errors"

	"github.com/canopy-network/commercex/pkg/etlerr"
	"github.com/canopy-network/commercex/pkg/pipeline"
	"go.temporal.io/sdk/temporal"
	"go.uber.org/zap"
)

// ErrTypeRunInProgress is the application error type of a rejected concurrent run.
const ErrTypeRunInProgress = "run_in_progress"

// Context carries the dependencies shared by the pipeline activities.
type Context struct {
	Logger       *zap.Logger
	Orchestrator *pipeline.Orchestrator
}

// applicationError tags err with its etlerr kind so the workflow can count it, and
// attaches details the workflow would otherwise lose with the failed result.
// Consistency and validation failures, and a held run lock, are not retried.
func applicationError(err error, details ...any) error {
	if err == nil {
		return nil
	}
	kind := string(etlerr.KindOf(err))
	var ve *etlerr.ValidationError
	opts := temporal.ApplicationErrorOptions{Cause: err, Details: details}
	switch {
	case errors.Is(err, etlerr.ErrRunInProgress):
		kind, opts.NonRetryable = ErrTypeRunInProgress, true
	case etlerr.IsFatal(err), errors.As(err, &ve):
		opts.NonRetryable = true
	}
	return temporal.NewApplicationErrorWithOptions(err.Error(), kind, opts)
}
