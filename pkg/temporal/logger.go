package temporal

import (
	"go.temporal.io/sdk/log"
	"go.uber.org/zap"
)

var _ log.Logger = (*ZapAdapter)(nil)

// ZapAdapter is a Temporal logger adapter for Zap.
type ZapAdapter struct{ *zap.SugaredLogger }

// NewZapAdapter creates a new Temporal logger adapter from a Zap logger.
func NewZapAdapter(logger *zap.Logger) *ZapAdapter {
	// sugared, since Temporal passes keyvals
	return &ZapAdapter{logger.With(zap.String("component", "temporal")).Sugar()}
}

func (z *ZapAdapter) Debug(msg string, keyvals ...any) { z.Debugw(msg, keyvals...) }
func (z *ZapAdapter) Info(msg string, keyvals ...any)  { z.Infow(msg, keyvals...) }
func (z *ZapAdapter) Warn(msg string, keyvals ...any)  { z.Warnw(msg, keyvals...) }
func (z *ZapAdapter) Error(msg string, keyvals ...any) { z.Errorw(msg, keyvals...) }
