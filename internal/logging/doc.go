// Package logging provides structured logging for patchflow.
//
// Logger wraps Zap with context-aware methods. Every call prepends the
// correlation fields carried by the context: OpenTelemetry trace and span
// ids, the workflow id, and the executing phase and attempt.
//
//	ctx = logging.WithWorkflow(ctx, state.ID)
//	ctx = logging.WithPhase(ctx, "TEST", 2)
//	logger.Info(ctx, "phase completed", zap.String("verdict", "allow"))
//
// produces
//
//	{"level":"info","msg":"phase completed","workflow.id":"wf-...","workflow.phase":"TEST","workflow.attempt":2,"verdict":"allow"}
//
// Output goes to stdout (JSON or console) and optionally to an OpenTelemetry
// log provider. Sensitive field names and value patterns are redacted by the
// stdout encoder. Below-error levels are sampled; errors never are.
//
// Tests use NewTestLogger, which records entries in memory.
package logging
