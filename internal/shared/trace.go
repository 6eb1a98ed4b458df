// Package shared holds leaf helpers imported by both the store and the
// telemetry layer. It must stay dependency-light; nothing here may
// import another taskdeck package.
package shared

import (
	"context"

	"github.com/google/uuid"
)

// DefaultAgentID is assigned to work that does not name an agent.
const DefaultAgentID = "default"

type ctxKey int

const (
	keyTraceID ctxKey = iota
	keyTaskID
	keySessionID
	keyRunID
)

// NewTraceID generates a fresh trace identifier.
func NewTraceID() string { return uuid.NewString() }

// NewRunID generates a fresh run identifier.
func NewRunID() string { return uuid.NewString() }

func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, keyTraceID, id)
}

func WithTaskID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, keyTaskID, id)
}

func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, keySessionID, id)
}

func WithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, keyRunID, id)
}

// TraceID returns the trace id carried by ctx, or "-" when none is set
// so log lines always have a value.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(keyTraceID).(string); ok && v != "" {
		return v
	}
	return "-"
}

// TaskID returns the task id carried by ctx, or "".
func TaskID(ctx context.Context) string {
	v, _ := ctx.Value(keyTaskID).(string)
	return v
}

// SessionID returns the session id carried by ctx, or "".
func SessionID(ctx context.Context) string {
	v, _ := ctx.Value(keySessionID).(string)
	return v
}

// RunID returns the run id carried by ctx, or "".
func RunID(ctx context.Context) string {
	v, _ := ctx.Value(keyRunID).(string)
	return v
}
