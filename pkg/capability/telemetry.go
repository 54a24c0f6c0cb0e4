package capability

import "go.uber.org/zap"

// TelemetryPort is the capability the reducer calls through to emit
// structured diagnostic events, decoupling reducer logic from the concrete
// logging backend the host wires up (zap, per the teacher repo).
type TelemetryPort interface {
	Event(name string, fields map[string]string)
	Error(name string, err error, fields map[string]string)
}

// ZapTelemetry implements TelemetryPort over zap.Logger.
type ZapTelemetry struct {
	logger *zap.Logger
}

// NewZapTelemetry constructs a ZapTelemetry.
func NewZapTelemetry(logger *zap.Logger) *ZapTelemetry {
	return &ZapTelemetry{logger: logger}
}

func (t *ZapTelemetry) Event(name string, fields map[string]string) {
	t.logger.Info(name, toZapFields(fields)...)
}

func (t *ZapTelemetry) Error(name string, err error, fields map[string]string) {
	zf := toZapFields(fields)
	zf = append(zf, zap.Error(err))
	t.logger.Error(name, zf...)
}

func toZapFields(fields map[string]string) []zap.Field {
	out := make([]zap.Field, 0, len(fields))
	for k, v := range fields {
		out = append(out, zap.String(k, v))
	}
	return out
}
