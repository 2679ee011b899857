package logging

import (
	"context"
	"testing"
	"time"

	"github.com/fyrsmithlabs/patchflow/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewLogger(t *testing.T) {
	cfg := NewDefaultConfig()

	logger, err := NewLogger(cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, cfg, logger.config)
	_ = logger.Sync()
}

func TestNewLogger_NoOutputs(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Output.Stdout = false
	cfg.Output.OTEL = true

	// OTEL enabled in config but no provider available.
	_, err := NewLogger(cfg, nil)
	require.Error(t, err)
}

func TestLogger_LevelMethods(t *testing.T) {
	tl := NewTestLogger()
	ctx := context.Background()

	tl.Trace(ctx, "trace message")
	tl.Debug(ctx, "debug message")
	tl.Info(ctx, "info message")
	tl.Warn(ctx, "warn message")
	tl.Error(ctx, "error message")

	entries := tl.All()
	require.Len(t, entries, 5)
	assert.Equal(t, TraceLevel, entries[0].Level)
	assert.Equal(t, zapcore.DebugLevel, entries[1].Level)
	assert.Equal(t, zapcore.InfoLevel, entries[2].Level)
	assert.Equal(t, zapcore.WarnLevel, entries[3].Level)
	assert.Equal(t, zapcore.ErrorLevel, entries[4].Level)
}

func TestLogger_WorkflowContextFields(t *testing.T) {
	tl := NewTestLogger()

	ctx := WithWorkflow(context.Background(), "wf-1")
	tl.Info(ctx, "started")

	ctx = WithPhase(ctx, "TEST", 2)
	tl.Info(ctx, "phase done", zap.String("verdict", "allow"))

	tl.AssertField(t, "started", "workflow.id", "wf-1")
	tl.AssertField(t, "phase done", "workflow.id", "wf-1")
	tl.AssertField(t, "phase done", "workflow.phase", "TEST")
	tl.AssertField(t, "phase done", "workflow.attempt", int64(2))
	tl.AssertField(t, "phase done", "verdict", "allow")

	_, hasPhase := tl.FilterMessage("started").All()[0].ContextMap()["workflow.phase"]
	assert.False(t, hasPhase)
	assert.Equal(t, "wf-1", WorkflowIDFromContext(ctx))
}

func TestContextFields_Trace(t *testing.T) {
	traceID, _ := trace.TraceIDFromHex("0102030405060708090a0b0c0d0e0f10")
	spanID, _ := trace.SpanIDFromHex("0102030405060708")
	sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: spanID})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	fields := ContextFields(WithRequestID(ctx, "req-9"))
	keys := make([]string, 0, len(fields))
	for _, f := range fields {
		keys = append(keys, f.Key)
	}
	assert.Equal(t, []string{"trace_id", "span_id", "request.id"}, keys)
}

func TestFromContext(t *testing.T) {
	assert.NotNil(t, FromContext(context.Background()), "missing logger yields nop")

	tl := NewTestLogger()
	ctx := WithLogger(context.Background(), tl.Logger)
	FromContext(ctx).Info(ctx, "via context")
	tl.AssertLogged(t, zapcore.InfoLevel, "via context")
}

func TestLevelFromString(t *testing.T) {
	lvl, err := LevelFromString("trace")
	require.NoError(t, err)
	assert.Equal(t, TraceLevel, lvl)

	lvl, err = LevelFromString("warn")
	require.NoError(t, err)
	assert.Equal(t, zapcore.WarnLevel, lvl)

	_, err = LevelFromString("loud")
	assert.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"defaults", func(*Config) {}, true},
		{"bad format", func(c *Config) { c.Format = "xml" }, false},
		{"no outputs", func(c *Config) { c.Output = OutputConfig{} }, false},
		{"zero tick", func(c *Config) { c.Sampling.Tick = 0 }, false},
		{"bad pattern", func(c *Config) { c.Redaction.Patterns = []string{"[unclosed"} }, false},
		{"empty field value", func(c *Config) { c.Fields = map[string]string{"env": ""} }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mutate(cfg)
			if tt.ok {
				assert.NoError(t, cfg.Validate())
			} else {
				assert.Error(t, cfg.Validate())
			}
		})
	}
}

func TestRedactingEncoder(t *testing.T) {
	enc, err := NewRedactingEncoder(zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()), NewDefaultConfig().Redaction)
	require.NoError(t, err)

	buf, err := enc.EncodeEntry(zapcore.Entry{Message: "runner output"}, []zapcore.Field{
		zap.String("github_token", "ghp_012345678901234567890123"),
		zap.String("stdout", "export API_KEY=abc123 and more"),
		zap.String("phase", "CODE"),
	})
	require.NoError(t, err)
	out := buf.String()

	assert.NotContains(t, out, "ghp_012345678901234567890123")
	assert.NotContains(t, out, "abc123")
	assert.Contains(t, out, `"phase":"CODE"`)
}

func TestSecretField(t *testing.T) {
	f := Secret("token", config.Secret("abcd"))
	assert.Equal(t, "[REDACTED:4]", f.String)
}

func TestSampledCore_ErrorsNeverSampled(t *testing.T) {
	core, observed := observer.New(zapcore.DebugLevel)
	cfg := SamplingConfig{
		Enabled: true,
		Tick:    config.Duration(time.Minute),
		Levels: map[zapcore.Level]LevelSamplingConfig{
			zapcore.InfoLevel:  {Initial: 1, Thereafter: 0},
			zapcore.ErrorLevel: {Initial: 1, Thereafter: 0},
		},
	}
	logger := zap.New(newSampledCore(core, cfg))

	for i := 0; i < 5; i++ {
		logger.Info("repeated")
		logger.Error("failure")
		logger.Warn("unsampled level")
	}

	assert.Equal(t, 1, observed.FilterMessage("repeated").Len())
	assert.Equal(t, 5, observed.FilterMessage("failure").Len())
	assert.Equal(t, 5, observed.FilterMessage("unsampled level").Len())
}
