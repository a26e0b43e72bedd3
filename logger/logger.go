package logger

// Logger is the minimal structured logging surface the gateway components
// depend on. Key/value pairs alternate; odd trailing values are dropped.
type Logger interface {
	Error(msg string, keyvals ...any)
	Info(msg string, keyvals ...any)
	Debug(msg string, keyvals ...any)
}
