package schema

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshforge-dev/meshforge/wire"
)

func TestForReflectsRequestShape(t *testing.T) {
	raw, err := For(wire.Request{})
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(raw, &doc))

	props, ok := doc["properties"].(map[string]any)
	require.True(t, ok, "expanded root must carry properties inline")
	assert.Contains(t, props, "command")
	assert.Contains(t, props, "args")
}

func TestGenerateCoversAllProtocolTypes(t *testing.T) {
	out, err := Generate()
	require.NoError(t, err)

	for _, name := range []string{
		"request", "response", "event",
		"init_args", "add_file_args", "check_file_args",
		"run_code_args", "execute_args",
	} {
		raw, ok := out[name]
		require.True(t, ok, "missing schema for %s", name)
		assert.True(t, json.Valid(raw), "schema for %s is not valid JSON", name)
	}
}
