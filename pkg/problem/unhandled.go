package problem

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// UndefinedType stands in for the message type when a failure happens before
// the type is known.
const UndefinedType = "Undefined"

const unhandledTitle = "Unhandled exception"

// Verbosity controls how much of an unanticipated failure reaches the client.
type Verbosity struct {
	FillMessage    bool
	FillErrorType  bool
	FillStackTrace bool
}

// PanicError is a recovered handler panic.
type PanicError struct {
	Value any
	Stack string
}

// Recovered wraps a value returned by recover.
func Recovered(v any, stack []byte) *PanicError {
	return &PanicError{Value: v, Stack: string(stack)}
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// Unwrap exposes a panicked error, so a handler may panic with a *Error.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

type stackTracer interface {
	StackTrace() errors.StackTrace
}

// From converts any failure raised while handling a frame. A *Error anywhere in
// the chain is sent as the handler described it; anything else is Unhandled.
func From(err error, v Verbosity, basePath, messageType, messageID string) Detail {
	var pe *Error
	if errors.As(err, &pe) {
		d := pe.Detail
		d.MessageID = messageID
		if d.Kind == "" {
			d.Kind = KindDefault
		}
		if d.Status == 0 {
			d.Status = DefaultStatus
		}
		return d
	}
	return Unhandled(err, v, basePath, messageType, messageID)
}

// Unhandled converts an unanticipated failure to a 500. The title is the error
// text when FillMessage is set; the detail grows one line per enabled flag.
func Unhandled(err error, v Verbosity, basePath, messageType, messageID string) Detail {
	if messageType == "" {
		messageType = UndefinedType
	}
	msg := Message(err)

	title := unhandledTitle
	if v.FillMessage && msg != "" {
		title = msg
	}

	var b strings.Builder
	b.WriteString(unhandledTitle)
	if v.FillMessage {
		b.WriteString("\nMessage: ")
		b.WriteString(msg)
	}
	if v.FillErrorType {
		b.WriteString("\nError type: ")
		b.WriteString(TypeName(err))
	}
	if v.FillStackTrace {
		if st := StackTrace(err); st != "" {
			b.WriteString("\nStack trace: ")
			b.WriteString(st)
		}
	}

	return Detail{
		Kind:      KindDefault,
		Title:     title,
		Status:    DefaultStatus,
		Detail:    b.String(),
		Instance:  basePath + "#" + messageType,
		MessageID: messageID,
	}
}

// Message is the text of err, or of the panicked value.
func Message(err error) string {
	if err == nil {
		return ""
	}
	var pe *PanicError
	if errors.As(err, &pe) {
		if inner, ok := pe.Value.(error); ok {
			return inner.Error()
		}
		return fmt.Sprint(pe.Value)
	}
	return err.Error()
}

// TypeName is the Go type of the root cause of err, or of the panicked value.
func TypeName(err error) string {
	if err == nil {
		return ""
	}
	var pe *PanicError
	if errors.As(err, &pe) {
		if inner, ok := pe.Value.(error); ok {
			return fmt.Sprintf("%T", errors.Cause(inner))
		}
		return fmt.Sprintf("%T", pe.Value)
	}
	return fmt.Sprintf("%T", errors.Cause(err))
}

// StackTrace returns the panic stack, or the stack recorded by
// github.com/pkg/errors, or "" when err carries neither.
func StackTrace(err error) string {
	if err == nil {
		return ""
	}
	var pe *PanicError
	if errors.As(err, &pe) {
		return pe.Stack
	}
	var st stackTracer
	if errors.As(err, &st) {
		return strings.TrimPrefix(fmt.Sprintf("%+v", st.StackTrace()), "\n")
	}
	return ""
}
