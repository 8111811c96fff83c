package wire

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// validate is a package-level singleton; constructing a validator per
// call is expensive and reuse is the recommended pattern.
var validate = validator.New()

// InitArgs carries the initialization payload: both compiled binary
// modules, the initializer script, and an optional first script file.
// Script byte fields travel base64-encoded under JSON's []byte rules.
type InitArgs struct {
	GuestModule  []byte `json:"guest_module" validate:"required"`
	KernelModule []byte `json:"kernel_module" validate:"required"`
	InitScript   []byte `json:"init_script" validate:"required"`
	ScriptName   string `json:"script_name,omitempty" validate:"required_with=ScriptSource"`
	ScriptSource []byte `json:"script_source,omitempty" validate:"required_with=ScriptName"`
}

// AddFileArgs inserts or overwrites one virtual file. Data may be empty
// for an empty regular file.
type AddFileArgs struct {
	Path string `json:"path" validate:"required"`
	Data []byte `json:"data"`
}

// CheckFileArgs queries existence of one path.
type CheckFileArgs struct {
	Path string `json:"path" validate:"required"`
}

// RunCodeArgs executes guest source text directly.
type RunCodeArgs struct {
	Source string `json:"source" validate:"required"`
}

// ExecuteArgs invokes a named entry point in a script module with
// positional and keyword arguments.
type ExecuteArgs struct {
	Module     string         `json:"module" validate:"required"`
	EntryPoint string         `json:"entry_point" validate:"required"`
	Args       []any          `json:"args,omitempty"`
	Kwargs     map[string]any `json:"kwargs,omitempty"`
}

// DecodeArgs converts a command's raw argument map into its typed
// struct and validates it. Any failure is a *BoundaryUsageError with
// code BAD_ARGS; the command must not have touched state yet.
func DecodeArgs(args Args, target any) error {
	raw, err := json.Marshal(args)
	if err != nil {
		return &BoundaryUsageError{
			Code:    CodeBadArgs,
			Message: fmt.Sprintf("marshal args: %v", err),
		}
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return &BoundaryUsageError{
			Code:    CodeBadArgs,
			Message: fmt.Sprintf("decode args: %v", err),
		}
	}
	if err := validate.Struct(target); err != nil {
		return &BoundaryUsageError{
			Code:    CodeBadArgs,
			Message: fmt.Sprintf("validate args: %v", err),
		}
	}
	return nil
}
