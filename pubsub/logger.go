package pubsub

import "go.uber.org/zap"

// logger is a tiny slog-shaped facade over *zap.Logger so the rest of the
// package can log with alternating key/value pairs without importing zap
// everywhere. It is the concrete backing for the "opaque sink" §1 treats
// as external.
type logger struct {
	z *zap.Logger
}

func newLogger(z *zap.Logger) logger {
	if z == nil {
		z = zap.NewNop()
	}
	return logger{z: z}
}

func (l logger) fields(kv []any) []zap.Field {
	fields := make([]zap.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		fields = append(fields, zap.Any(key, kv[i+1]))
	}
	return fields
}

func (l logger) Info(msg string, kv ...any)  { l.z.Info(msg, l.fields(kv)...) }
func (l logger) Warn(msg string, kv ...any)  { l.z.Warn(msg, l.fields(kv)...) }
func (l logger) Error(msg string, kv ...any) { l.z.Error(msg, l.fields(kv)...) }
