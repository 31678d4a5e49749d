// Package logger adapts zap and logrus to metacache.Logger.
//
// Every record carries component=metacache. Key/value arguments are tidied
// the way log/slog does it: a key that is not a string is formatted, a
// trailing value without a key is logged under !BADKEY, and values with a
// String method (addresses, file IDs) are logged as text.
//
//	zl, _ := zap.NewProduction()
//	f, err := metacache.Open("meta.h5", metacache.WithLogger(logger.NewZap(zl)))
package logger

import "fmt"

const (
	componentKey = "component"
	component    = "metacache"
	badKey       = "!BADKEY"
)

// pairs normalizes slog-style arguments into string-keyed pairs.
func pairs(args []any) []any {
	out := make([]any, 0, len(args)+1)
	for i := 0; i < len(args); i += 2 {
		if i+1 == len(args) {
			out = append(out, badKey, value(args[i]))
			break
		}
		key, ok := args[i].(string)
		if !ok {
			key = fmt.Sprint(args[i])
		}
		out = append(out, key, value(args[i+1]))
	}
	return out
}

func value(v any) any {
	switch v := v.(type) {
	case error:
		return v
	case fmt.Stringer:
		return v.String()
	}
	return v
}
