package log

import "io"

// Logger is what any chainsync library should take.
type Logger interface {
	Debug(msg string, keyvals ...interface{})
	Info(msg string, keyvals ...interface{})
	Error(msg string, keyvals ...interface{})

	With(keyvals ...interface{}) Logger
}

// NewLogger returns a logger that writes structured lines to w.
func NewLogger(w io.Writer) Logger {
	return newDefaultLogger(w)
}
