package connector

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoggerFieldsReachOutput(t *testing.T) {
	var out bytes.Buffer
	logger := WithLoggerFields(NewDefaultGlog(&out, "debug", "json"), map[string]any{"participant": "p-1"})
	logger = WithLoggerFields(logger.WithContext(context.Background()), map[string]any{"entity_id": "cn-1"})
	logger.Warn("entity %s stuck", "cn-1")

	line := out.String()
	assert.Contains(t, line, "entity cn-1 stuck")
	assert.Contains(t, line, `"participant":"p-1"`)
	assert.Contains(t, line, `"entity_id":"cn-1"`)
}

func TestNormalizeLogger(t *testing.T) {
	assert.IsType(t, &GlogLogger{}, NormalizeLogger(nil))
	assert.Same(t, NormalizeLogger(nil), NormalizeLogger(nil))
	assert.IsType(t, &GlogLogger{}, WithLoggerFields(nil, map[string]any{"manager": "m"}))
	assert.IsType(t, &GlogLogger{}, NewGlogLogger(nil))
}

func TestDefaultGlogWritesToOut(t *testing.T) {
	var out bytes.Buffer
	logger := NewDefaultGlog(&out, "info", "json")
	logger.Debug("hidden")
	logger.Info("listening on %s", ":8282")
	assert.Contains(t, out.String(), "listening on :8282")
	assert.NotContains(t, out.String(), "hidden")
}
