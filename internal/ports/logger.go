package ports

import "context"

// Logger is the structured logging boundary for the signal pipeline.
// Adapters, the registry, and the orchestration loop all log through it,
// so swapping the implementation changes the whole process's output.
// Fields carry the trade/signal context (tradeID, ticket, symbol) as
// key/value pairs.
type Logger interface {
	// Debug logs per-signal processing detail.
	Debug(ctx context.Context, msg string, fields ...map[string]interface{})
	// Info logs lifecycle events: trades opened, closed, reconciled.
	Info(ctx context.Context, msg string, fields ...map[string]interface{})
	// Warn logs recoverable anomalies, e.g. rejected or ambiguous signals.
	Warn(ctx context.Context, msg string, fields ...map[string]interface{})
	// Error logs failures that need operator attention, with the cause.
	Error(ctx context.Context, err error, msg string, fields ...map[string]interface{})
}
