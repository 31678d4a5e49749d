package logger

import (
	"github.com/sirupsen/logrus"

	"metacache"
)

type Logrus struct {
	entry *logrus.Entry
}

// NewLogrus returns a metacache.Logger writing through l rather than the
// package-level logrus logger.
func NewLogrus(l *logrus.Logger) metacache.Logger {
	return &Logrus{entry: l.WithField(componentKey, component)}
}

func (l *Logrus) Error(msg string, args ...any) { l.with(args).Error(msg) }

func (l *Logrus) Warn(msg string, args ...any) { l.with(args).Warn(msg) }

func (l *Logrus) Info(msg string, args ...any) { l.with(args).Info(msg) }

func (l *Logrus) with(args []any) *logrus.Entry {
	if len(args) == 0 {
		return l.entry
	}
	kv := pairs(args)
	fields := make(logrus.Fields, len(kv)/2)
	for i := 0; i < len(kv); i += 2 {
		fields[kv[i].(string)] = kv[i+1]
	}
	return l.entry.WithFields(fields)
}
