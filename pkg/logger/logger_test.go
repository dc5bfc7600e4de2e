package logx

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/cota-go/dialogue/internal/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInit_OutputOverride(t *testing.T) {
	var buf bytes.Buffer
	Init(LoggerOpts{Environment: core.Testing, Output: &buf})
	t.Cleanup(func() { Init() })

	Info().Str("component", "dst").Str("action", "BotUtter").Msg("applied")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "dst", line["component"])
	assert.Equal(t, "BotUtter", line["action"])
	assert.Equal(t, "applied", line["message"])
}
