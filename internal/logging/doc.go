// Package logging provides structured logging for tacit.
//
// Logger wraps Zap with:
//   - a Trace level (-2, below Debug)
//   - stdout output plus an optional OpenTelemetry bridge
//   - context field injection (trace_id, span_id, repo, run_id, request.id)
//   - field and pattern based secret redaction
//   - level-aware sampling (errors are never sampled)
//
// Usage:
//
//	logger, err := logging.NewLogger(logging.NewDefaultConfig(), nil)
//	if err != nil {
//	    return err
//	}
//	defer logger.Sync()
//
//	ctx = logging.WithRepo(ctx, "acme/widgets")
//	ctx = logging.WithRunID(ctx, 42)
//	logger.Info(ctx, "phase complete", zap.Int("rules", 7))
//
// Components that only need a *zap.Logger receive logger.Underlying() and
// attach correlation with zap.Logger.With(logging.ContextFields(ctx)...).
package logging
