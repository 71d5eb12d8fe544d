// Package handler builds the handler registry: the startup-time table from wire
// type name to the one function that handles it.
//
// Handlers are plain functions. The first parameter is the request message, an
// optional second parameter is the *session.Session, and the result is one of
// nothing, error, a message, or (message, error):
//
//	func(*dto.Ping) *dto.Pong
//	func(*notespb.WatchNotes, *session.Session) error
//
// Every declaration is validated once, in Build, so a bad binding stops
// startup instead of failing on the first frame.
package handler

import (
	"fmt"
	"log/slog"
	"reflect"
	"runtime"
	"sort"
	"strings"

	"github.com/binaflow/binaflow-go/pkg/envelope"
	"github.com/binaflow/binaflow-go/pkg/schema"
	"github.com/binaflow/binaflow-go/pkg/session"
	"github.com/binaflow/binaflow-go/pkg/startup"
)

const logPrefix = "handler:registry"

// Declaration names one handler function and the component that owns it.
type Declaration struct {
	Owner string
	Name  string
	Func  any
}

func (d Declaration) String() string {
	switch {
	case d.Owner != "" && d.Name != "":
		return d.Owner + "." + d.Name
	case d.Name != "":
		return d.Name
	case d.Owner != "":
		return d.Owner + ".<handler>"
	}
	return "<handler>"
}

// Func declares fn under owner, naming it after the Go function.
func Func(owner string, fn any) Declaration {
	return Declaration{Owner: owner, Name: funcName(fn), Func: fn}
}

// Controller groups the handlers of one component.
type Controller interface {
	Handlers() []Declaration
}

// FromControllers flattens the declarations of several controllers, in order.
func FromControllers(controllers ...Controller) []Declaration {
	var decls []Declaration
	for _, c := range controllers {
		decls = append(decls, c.Handlers()...)
	}
	return decls
}

// Arity records whether a handler takes the session.
type Arity int

const (
	PayloadOnly       Arity = 1
	PayloadAndSession Arity = 2
)

// Binding is a validated handler bound to a wire type name.
type Binding struct {
	TypeName    string
	Handler     string
	Arity       Arity
	PayloadType reflect.Type
	invoke      func(envelope.Message, *session.Session) (envelope.Message, error)
}

// WantsSession reports whether the handler declared a session parameter.
func (b *Binding) WantsSession() bool {
	return b.Arity == PayloadAndSession
}

// Invoke calls the handler. sess is ignored unless the handler asked for it.
func (b *Binding) Invoke(msg envelope.Message, sess *session.Session) (envelope.Message, error) {
	return b.invoke(msg, sess)
}

// Registry maps wire type names to bindings. It is immutable once built.
type Registry struct {
	bindings map[string]*Binding
}

// Lookup returns the binding for a wire type name.
func (r *Registry) Lookup(typeName string) (*Binding, bool) {
	b, ok := r.bindings[typeName]
	return b, ok
}

// TypeNames returns the bound type names, sorted.
func (r *Registry) TypeNames() []string {
	names := make([]string, 0, len(r.bindings))
	for n := range r.bindings {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of bindings.
func (r *Registry) Len() int {
	return len(r.bindings)
}

// Build validates decls against schemas and returns the registry, or a
// *startup.Error describing the first invalid declaration.
func Build(schemas *schema.Registry, decls ...Declaration) (*Registry, error) {
	if schemas == nil {
		return nil, fmt.Errorf("%s - schema registry is nil", logPrefix)
	}
	reg := &Registry{bindings: make(map[string]*Binding, len(decls))}

	for _, d := range decls {
		sig, err := inspect(d)
		if err != nil {
			slog.Error(fmt.Sprintf("%s - %v", logPrefix, err))
			return nil, err
		}

		key := sig.payload.Elem().Name()
		entry, ok := schemas.Lookup(key)
		if !ok {
			return nil, startup.Errorf(startup.CodeUnresolvedBindingType,
				"binding error for %s: request message type %s is not declared in any schema", d, key)
		}
		if entry.GoType != nil && entry.GoType != sig.payload {
			return nil, startup.Errorf(startup.CodeUnresolvedBindingType,
				"binding error for %s: message type %s resolves to %s, handler expects %s", d, key, entry.GoType, sig.payload)
		}

		if existing, ok := reg.bindings[key]; ok {
			return nil, startup.Errorf(startup.CodeDuplicateHandler,
				"duplicated handler for message type %q: 1) %s 2) %s", key, d, existing.Handler)
		}

		arity := PayloadOnly
		if sig.withSession {
			arity = PayloadAndSession
		}
		reg.bindings[key] = &Binding{
			TypeName:    key,
			Handler:     d.String(),
			Arity:       arity,
			PayloadType: sig.payload,
			invoke:      bind(d, sig),
		}
		slog.Debug(fmt.Sprintf("%s - Handler for message type %s registered in %s", logPrefix, key, d))
	}

	slog.Info(fmt.Sprintf("%s - Registered handlers for %v", logPrefix, reg.TypeNames()))
	return reg, nil
}

func funcName(fn any) string {
	if fn == nil {
		return ""
	}
	v := reflect.ValueOf(fn)
	if v.Kind() != reflect.Func {
		return ""
	}
	rf := runtime.FuncForPC(v.Pointer())
	if rf == nil {
		return ""
	}
	name := strings.TrimSuffix(rf.Name(), "-fm")
	if i := strings.LastIndex(name, "."); i >= 0 {
		name = name[i+1:]
	}
	return name
}
