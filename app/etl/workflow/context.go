package workflow

import (
	"time"

	"github.com/canopy-network/commercex/app/etl/activity"
)

// Config holds the workflow timeouts.
type Config struct {
	// StageTimeout bounds one stage attempt, including the stage's own store retries.
	StageTimeout time.Duration
	// StageAttempts is how often Temporal re-runs a failed stage.
	StageAttempts int32
}

// DefaultConfig returns the timeouts used by the worker.
func DefaultConfig() Config {
	return Config{StageTimeout: 2 * time.Hour, StageAttempts: 3}
}

// Context holds the workflow context.
type Context struct {
	ActivityContext *activity.Context
	Config          Config
}
