package kernel

import "fmt"

// ErrorCode is a numeric failure code returned by a kernel export. The
// set is fixed by the kernel build; codes outside it map to
// CodeUnrecognized when decoded.
type ErrorCode uint32

const (
	CodeNone ErrorCode = iota
	CodeMutex
	CodeGeneration
	CodeNotImplemented
	CodeCompile
	CodeInstance
	CodeExecution
	CodeModuleNotRecognized
	CodeGeneratorNotFound
	CodeParameterCount
	CodeParameterType
	CodeParameterOutOfRange
	CodeOutputNotGLB
	CodePointerTooLow
	CodeUnrecognized
	CodeHandleOutOfBounds
	CodeNotInitialized
	CodeSizeOutOfBounds
	CodeUnicode
	CodeVertexOutOfBounds
	CodeTriangleOutOfBounds

	codeCount
)

var codeNames = [...]string{
	"none",
	"mutex",
	"generation",
	"not implemented",
	"compile",
	"instance",
	"execution",
	"module not recognized",
	"model generator not found",
	"parameter count",
	"parameter type",
	"parameter out of range",
	"output not GLB",
	"pointer too low",
	"unrecognized error code",
	"handle out of bounds",
	"not initialized",
	"size out of bounds",
	"unicode",
	"vertex out of bounds",
	"triangle out of bounds",
}

func (c ErrorCode) String() string {
	if c < codeCount {
		return codeNames[c]
	}
	return fmt.Sprintf("code %d", uint32(c))
}

// CallError reports a kernel export returning an error code.
type CallError struct {
	Fn   string
	Code ErrorCode
}

func (e *CallError) Error() string {
	return fmt.Sprintf("kernel: %s failed: %s", e.Fn, e.Code)
}

// decodeCode normalizes raw codes from the result word, collapsing
// values outside the fixed set.
func decodeCode(raw uint32) ErrorCode {
	c := ErrorCode(raw)
	if c >= codeCount {
		return CodeUnrecognized
	}
	return c
}
