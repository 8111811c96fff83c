// Package schema reflects the command channel's wire types into JSON
// Schema, so external callers can generate typed clients instead of
// hand-writing the message shapes.
package schema

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"

	"github.com/meshforge-dev/meshforge/wire"
)

// protocolTypes are the shapes exposed through the protocol_schema
// command, keyed by their published name.
var protocolTypes = map[string]any{
	"request":         wire.Request{},
	"response":        wire.Response{},
	"event":           wire.Event{},
	"init_args":       wire.InitArgs{},
	"add_file_args":   wire.AddFileArgs{},
	"check_file_args": wire.CheckFileArgs{},
	"run_code_args":   wire.RunCodeArgs{},
	"execute_args":    wire.ExecuteArgs{},
}

// For reflects one Go value into a JSON Schema document
// (Draft 2020-12), expanding the root struct inline.
func For(v any) ([]byte, error) {
	reflector := jsonschema.Reflector{
		ExpandedStruct: true,
	}
	s := reflector.Reflect(v)

	raw, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("schema: marshal: %w", err)
	}
	return raw, nil
}

// Generate returns the full protocol schema set: one schema document
// per wire type, keyed by name.
func Generate() (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage, len(protocolTypes))
	for name, v := range protocolTypes {
		raw, err := For(v)
		if err != nil {
			return nil, fmt.Errorf("schema: %s: %w", name, err)
		}
		out[name] = raw
	}
	return out, nil
}
