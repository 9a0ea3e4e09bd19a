package accounts

import "fmt"

// LevelLogger is the message plus key/value shape of glog.Logger.
type LevelLogger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// NewLevelLogger adapts a structured logger such as glog.Logger to the
// format string Logger used by this package. Messages are rendered before
// they reach l and an error argument is attached as the "error" attribute.
func NewLevelLogger(l LevelLogger) Logger {
	if l == nil {
		return nopLogger{}
	}
	return levelLogger{l: l}
}

type levelLogger struct {
	l LevelLogger
}

func (g levelLogger) Debug(format string, args ...any) {
	g.l.Debug(fmt.Sprintf(format, args...), errorAttr(args)...)
}

func (g levelLogger) Info(format string, args ...any) {
	g.l.Info(fmt.Sprintf(format, args...), errorAttr(args)...)
}

func (g levelLogger) Warn(format string, args ...any) {
	g.l.Warn(fmt.Sprintf(format, args...), errorAttr(args)...)
}

func (g levelLogger) Error(format string, args ...any) {
	g.l.Error(fmt.Sprintf(format, args...), errorAttr(args)...)
}

func errorAttr(args []any) []any {
	for _, arg := range args {
		if err, ok := arg.(error); ok && err != nil {
			return []any{"error", err}
		}
	}
	return nil
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}
