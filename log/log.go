// Package log provides the host's leveled, field-tagged logger: a
// thin field-carrying wrapper over github.com/golang/glog so every
// line can be tagged with host_id and, where applicable, component_id
// / provider_id / invocation_id.
package log

import (
	"fmt"

	"github.com/golang/glog"
)

// Fields is an ordered set of key/value pairs appended to a log line.
// A plain slice (not a map) keeps allocation and ordering predictable
// on the hot RPC path, where logging is expected to be rare/sampled.
type Fields []Field

type Field struct {
	Key string
	Val interface{}
}

func F(key string, val interface{}) Field { return Field{Key: key, Val: val} }

func (f Fields) format() string {
	s := ""
	for _, kv := range f {
		s += fmt.Sprintf(" %s=%v", kv.Key, kv.Val)
	}
	return s
}

// Logger is a narrow, concurrency-safe leveled logger bound to a fixed
// set of base fields (typically host_id).
type Logger struct {
	base Fields
}

func New(base ...Field) *Logger { return &Logger{base: Fields(base)} }

func (l *Logger) With(extra ...Field) *Logger {
	merged := make(Fields, 0, len(l.base)+len(extra))
	merged = append(merged, l.base...)
	merged = append(merged, extra...)
	return &Logger{base: merged}
}

func (l *Logger) Infof(format string, args ...interface{}) {
	glog.InfoDepth(1, fmt.Sprintf(format, args...)+l.base.format())
}

func (l *Logger) Warnf(format string, args ...interface{}) {
	glog.WarningDepth(1, fmt.Sprintf(format, args...)+l.base.format())
}

func (l *Logger) Errorf(format string, args ...interface{}) {
	glog.ErrorDepth(1, fmt.Sprintf(format, args...)+l.base.format())
}

// Fatalf logs and terminates the process -- reserved for fatal,
// unrecoverable conditions; never called on the RPC hot path.
func (l *Logger) Fatalf(format string, args ...interface{}) {
	glog.FatalDepth(1, fmt.Sprintf(format, args...)+l.base.format())
}

func Flush() { glog.Flush() }
