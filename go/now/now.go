// Package now provides a function to return the current time that is
// easily overridden for testing.
package now

import (
	"context"
	"time"
)

type contextKeyType string

// ContextKey is used by tests to make the time deterministic:
//
//	ctx = context.WithValue(ctx, now.ContextKey, time.Unix(0, 12).UTC())
//
// The value may also be a NowProvider, which is evaluated on every call.
const ContextKey contextKeyType = "overwriteNow"

// NowProvider is a function returning the current time, usable as a context
// value under ContextKey.
type NowProvider func() time.Time

// Now returns the current time, or the time from the context.
func Now(ctx context.Context) time.Time {
	if ts := ctx.Value(ContextKey); ts != nil {
		switch v := ts.(type) {
		case NowProvider:
			return v()
		case time.Time:
			return v
		}
	}
	return time.Now()
}
