// Package log defines the logging interface shared by every go-sipua package.
package log

// Logger is an interface that wraps the basic printf-style logging methods
// and can be used to bridge go-sipua with a real logger implementation.
// A *zap.SugaredLogger satisfies it as is.
type Logger interface {
	Debugf(template string, args ...interface{})
	Infof(template string, args ...interface{})
	Warnf(template string, args ...interface{})
	Errorf(template string, args ...interface{})
}

// nopLogger is a no-op implementation of [Logger] (does nothing)
type nopLogger struct{}

func (nopLogger) Debugf(_ string, _ ...interface{}) {}
func (nopLogger) Infof(_ string, _ ...interface{})  {}
func (nopLogger) Warnf(_ string, _ ...interface{})  {}
func (nopLogger) Errorf(_ string, _ ...interface{}) {}

// Nop returns a [Logger] discarding everything.
func Nop() Logger { return nopLogger{} }

// OrNop returns l, or a no-op logger when l is nil.
func OrNop(l Logger) Logger {
	if l == nil {
		return nopLogger{}
	}
	return l
}
