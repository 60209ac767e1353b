// Package oplog forwards gate and scheduler operations to zap.
package oplog

import (
	"context"

	"github.com/MarkoPoloResearchLab/oregate/pkg/budget"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ZapLogger implements budget.OperationLogger on top of a zap.Logger.
// Failures go to Error, denials to Info, everything else to Debug.
type ZapLogger struct {
	logger *zap.Logger
}

// NewZapLogger wires a ZapLogger. A nil logger discards everything.
func NewZapLogger(logger *zap.Logger) *ZapLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapLogger{logger: logger.Named("operation")}
}

// LogOperation writes one structured line per operation.
func (zapLogger *ZapLogger) LogOperation(_ context.Context, entry budget.OperationLog) {
	entry = entry.Resolved()
	level := zapcore.DebugLevel
	switch {
	case entry.Error != nil:
		level = zapcore.ErrorLevel
	case !entry.Decision.Allowed:
		level = zapcore.InfoLevel
	}
	checked := zapLogger.logger.Check(level, entry.Operation)
	if checked == nil {
		return
	}
	fields := []zap.Field{
		zap.String("status", entry.Status),
		zap.String("entity_id", entry.EntityID.String()),
		zap.Bool("allowed", entry.Decision.Allowed),
		zap.String("reason", string(entry.Decision.Reason)),
		zap.Int64("points_after", entry.PointsAfter.Int64()),
	}
	if entry.Material != "" {
		fields = append(fields, zap.String("material", string(entry.Material)))
	}
	if entry.Zone != "" {
		fields = append(fields, zap.String("zone", entry.Zone.String()))
	}
	if entry.Decision.Cost > 0 {
		fields = append(fields, zap.Int64("cost", entry.Decision.Cost.Int64()))
	}
	if entry.Decision.WaitMinutes > 0 {
		fields = append(fields, zap.Int64("wait_minutes", entry.Decision.WaitMinutes))
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
		if path := budget.ErrorPath(entry.Error); path != "" {
			fields = append(fields, zap.String("error_code", path))
		}
	}
	checked.Write(fields...)
}
