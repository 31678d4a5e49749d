package metacache

// Logger receives the cache's operational events: files opening and
// closing, failed or retried metadata loads and background evictions that
// could not complete. Arguments are alternating keys and values, as with
// log/slog, so a *slog.Logger can be passed to WithLogger as is. The logger
// package adapts zap and logrus.
type Logger interface {
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
	Info(msg string, args ...any)
}

// DiscardLogger drops everything. It is the default.
type DiscardLogger struct{}

func (DiscardLogger) Error(string, ...any) {}
func (DiscardLogger) Warn(string, ...any)  {}
func (DiscardLogger) Info(string, ...any)  {}
