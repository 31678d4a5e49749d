package logger

import (
	"go.uber.org/zap"

	"metacache"
)

type Zap struct {
	s *zap.SugaredLogger
}

// NewZap returns a metacache.Logger writing through l.
func NewZap(l *zap.Logger) metacache.Logger {
	return &Zap{s: l.Sugar().With(componentKey, component)}
}

func (z *Zap) Error(msg string, args ...any) { z.s.Errorw(msg, pairs(args)...) }

func (z *Zap) Warn(msg string, args ...any) { z.s.Warnw(msg, pairs(args)...) }

func (z *Zap) Info(msg string, args ...any) { z.s.Infow(msg, pairs(args)...) }
