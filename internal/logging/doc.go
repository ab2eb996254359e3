// Package logging provides structured logging for cogflow.
//
// Logger wraps zap with context-aware methods. Every call prepends the
// correlation fields found in the context: OpenTelemetry trace and span ids,
// task id, session id, correlation id and the current stage.
//
//	ctx = logging.WithTaskID(ctx, state.TaskID)
//	ctx = logging.WithStage(ctx, "plan")
//	logger.Info(ctx, "stage completed", zap.Duration("duration", d))
//
// Output goes to stdout (JSON or console) and, when an OpenTelemetry log
// provider is configured, through the otelzap bridge as well. Keys such as
// api_key or token are redacted by the encoder. Levels below error are
// sampled when sampling is enabled.
//
// Tests use NewTestLogger, which records entries in memory.
package logging
