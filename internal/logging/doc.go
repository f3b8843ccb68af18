// Package logging builds the process logger.
//
// Components take a plain *zap.Logger; this package only decides what that
// logger writes and where. Output goes to stdout (JSON or console), to an
// OpenTelemetry log provider through the otelzap bridge, or both. Entries
// below Error are sampled per level; Error and above always pass. Field
// names listed in the redaction config are replaced before encoding.
//
// Request-scoped correlation (trace and span ids, request id, consumer) is
// carried in the context and added with ContextFields:
//
//	ctx = logging.WithRequestID(ctx, id)
//	ctx = logging.WithConsumer(ctx, "risk_assessor")
//	logger.Info(ctx, "context served", zap.Int("lessons", n))
//
// TestLogger records entries in memory for assertions.
package logging
