// Package startup defines the categorized failures that stop a router from
// becoming ready. Each category has its own code so an operator can tell a
// configuration problem from an I/O problem or a bad handler binding; the
// server uses the code as the process exit status.
package startup

import (
	"errors"
	"fmt"
)

// Code identifies a startup failure category.
type Code int

const (
	CodeMissingNamespace      Code = 200
	CodeInvalidSchemaDir      Code = 201
	CodeSchemaIO              Code = 202
	CodeEmptySchemaDir        Code = 203
	CodeUnresolvedType        Code = 204
	CodeMissingDecoder        Code = 205
	CodeNoParameters          Code = 206
	CodeInvalidPayloadParam   Code = 207
	CodeInvalidReturnType     Code = 208
	CodeInvalidSessionParam   Code = 209
	CodeUnresolvedBindingType Code = 210
	CodeDuplicateHandler      Code = 211
	CodeDuplicateMessageType  Code = 212
	CodeTooManyParameters     Code = 213
)

var codeNames = map[Code]string{
	CodeMissingNamespace:      "missing namespace declaration",
	CodeInvalidSchemaDir:      "invalid schema directory",
	CodeSchemaIO:              "schema read error",
	CodeEmptySchemaDir:        "empty schema directory setting",
	CodeUnresolvedType:        "unresolved message type",
	CodeMissingDecoder:        "missing decoder",
	CodeNoParameters:          "handler has no parameters",
	CodeInvalidPayloadParam:   "invalid payload parameter",
	CodeInvalidReturnType:     "invalid return type",
	CodeInvalidSessionParam:   "invalid session parameter",
	CodeUnresolvedBindingType: "unresolved handler binding type",
	CodeDuplicateHandler:      "duplicate handler",
	CodeDuplicateMessageType:  "duplicate message type",
	CodeTooManyParameters:     "too many handler parameters",
}

func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("startup code %d", int(c))
}

// Error is a fatal startup failure.
type Error struct {
	Code    Code
	Message string
	Err     error
}

// Errorf builds an Error with a formatted message.
func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an Error around a lower-level cause.
func Wrap(code Code, err error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("startup: %s (%d): %s: %v", e.Code, int(e.Code), e.Message, e.Err)
	}
	return fmt.Sprintf("startup: %s (%d): %s", e.Code, int(e.Code), e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// CodeOf returns the code of the first *Error in err's chain.
func CodeOf(err error) (Code, bool) {
	var se *Error
	if errors.As(err, &se) {
		return se.Code, true
	}
	return 0, false
}
