package bus

import (
	"context"

	"go.uber.org/zap"
)

// MirrorToLog attaches a permanent subscriber that writes every event to the
// structured log, which is how the bus doubles as the audit trail on stdout.
// The subscription uses a deep buffer; if the process ever logs slower than
// it publishes, the mirror is dropped like any other subscriber rather than
// stalling publishers.
func MirrorToLog(ctx context.Context, b *Bus, logger *zap.Logger) {
	events, _ := b.SubscribeBuffered(ctx, Filter{}, 4*DefaultBufferSize)
	log := logger.Named("audit")
	go func() {
		for ev := range events {
			fields := make([]zap.Field, 0, len(ev.Context)+3)
			fields = append(fields,
				zap.String("event", ev.Message),
				zap.String("category", string(ev.Category)),
			)
			if ev.TraceID != "" {
				fields = append(fields, zap.String("trace_id", ev.TraceID))
			}
			for k, v := range ev.Context {
				fields = append(fields, zap.Any(k, v))
			}
			switch ev.Severity {
			case SeverityError:
				log.Error(ev.Message, fields...)
			case SeverityWarn:
				log.Warn(ev.Message, fields...)
			default:
				log.Info(ev.Message, fields...)
			}
		}
	}()
}
