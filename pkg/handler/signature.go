package handler

import (
	"fmt"
	"reflect"

	"github.com/binaflow/binaflow-go/pkg/envelope"
	"github.com/binaflow/binaflow-go/pkg/session"
	"github.com/binaflow/binaflow-go/pkg/startup"
)

var (
	messageIface = reflect.TypeOf((*envelope.Message)(nil)).Elem()
	errorIface   = reflect.TypeOf((*error)(nil)).Elem()
	sessionType  = reflect.TypeOf((*session.Session)(nil))
)

type resultShape int

const (
	resultNone resultShape = iota
	resultError
	resultMessage
	resultMessageError
)

type signature struct {
	payload     reflect.Type
	withSession bool
	result      resultShape
}

// inspect validates a handler function in the order the registry reports
// failures: parameters, return type, session parameter, parameter count.
func inspect(d Declaration) (signature, error) {
	var sig signature
	if d.Func == nil {
		return sig, startup.Errorf(startup.CodeNoParameters, "binding error for %s: handler is nil", d)
	}
	ft := reflect.TypeOf(d.Func)
	if ft.Kind() != reflect.Func {
		return sig, startup.Errorf(startup.CodeNoParameters, "binding error for %s: handler is a %s, not a function", d, ft.Kind())
	}
	if ft.NumIn() == 0 {
		return sig, startup.Errorf(startup.CodeNoParameters, "binding error for %s: handler has no parameters", d)
	}

	in0 := ft.In(0)
	if !isPayloadParam(in0) {
		return sig, startup.Errorf(startup.CodeInvalidPayloadParam,
			"binding error for %s: first parameter must be a pointer to a message type, got %s", d, in0)
	}
	sig.payload = in0

	switch ft.NumOut() {
	case 0:
		sig.result = resultNone
	case 1:
		switch out := ft.Out(0); {
		case out == errorIface:
			sig.result = resultError
		case isPayloadResult(out):
			sig.result = resultMessage
		default:
			return sig, startup.Errorf(startup.CodeInvalidReturnType,
				"binding error for %s: return type must be a message type or error, got %s", d, out)
		}
	case 2:
		if !isPayloadResult(ft.Out(0)) || ft.Out(1) != errorIface {
			return sig, startup.Errorf(startup.CodeInvalidReturnType,
				"binding error for %s: two results must be (message, error), got (%s, %s)", d, ft.Out(0), ft.Out(1))
		}
		sig.result = resultMessageError
	default:
		return sig, startup.Errorf(startup.CodeInvalidReturnType,
			"binding error for %s: handler returns %d values", d, ft.NumOut())
	}

	if ft.NumIn() >= 2 {
		if ft.In(1) != sessionType {
			return sig, startup.Errorf(startup.CodeInvalidSessionParam,
				"binding error for %s: second parameter must be %s, got %s", d, sessionType, ft.In(1))
		}
		sig.withSession = true
	}
	if ft.NumIn() > 2 {
		return sig, startup.Errorf(startup.CodeTooManyParameters,
			"binding error for %s: handler declares %d parameters, at most 2 are supported", d, ft.NumIn())
	}
	return sig, nil
}

func isPayloadParam(t reflect.Type) bool {
	return t != sessionType &&
		t.Kind() == reflect.Ptr &&
		t.Elem().Kind() == reflect.Struct &&
		t.Elem().Name() != "" &&
		t.Implements(messageIface)
}

func isPayloadResult(t reflect.Type) bool {
	if t == sessionType {
		return false
	}
	switch t.Kind() {
	case reflect.Interface:
		return t.Implements(messageIface)
	case reflect.Ptr:
		return t.Elem().Kind() == reflect.Struct && t.Implements(messageIface)
	}
	return false
}

// bind turns a validated function into an invocation closure.
func bind(d Declaration, sig signature) func(envelope.Message, *session.Session) (envelope.Message, error) {
	fv := reflect.ValueOf(d.Func)
	return func(msg envelope.Message, sess *session.Session) (envelope.Message, error) {
		mv := reflect.ValueOf(msg)
		if !mv.IsValid() || mv.Type() != sig.payload {
			return nil, fmt.Errorf("handler %s expects %s, got %T", d, sig.payload, msg)
		}
		args := []reflect.Value{mv}
		if sig.withSession {
			args = append(args, reflect.ValueOf(sess))
		}
		out := fv.Call(args)

		switch sig.result {
		case resultError:
			return nil, asError(out[0])
		case resultMessage:
			return asMessage(out[0]), nil
		case resultMessageError:
			return asMessage(out[0]), asError(out[1])
		}
		return nil, nil
	}
}

func asMessage(v reflect.Value) envelope.Message {
	if v.IsNil() {
		return nil
	}
	return v.Interface().(envelope.Message)
}

func asError(v reflect.Value) error {
	if v.IsNil() {
		return nil
	}
	return v.Interface().(error)
}
