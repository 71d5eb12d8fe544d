package dispatcher

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/binaflow/binaflow-go/pkg/handler"
	"github.com/binaflow/binaflow-go/pkg/schema"
)

const bootstrapLogPrefix = "dispatcher:bootstrap"

// Phase is the startup state of a router. Only PhaseReady serves frames.
type Phase int32

const (
	PhaseInitializing Phase = iota
	PhaseSchemaLoaded
	PhaseHandlersLoaded
	PhaseReady
)

func (p Phase) String() string {
	switch p {
	case PhaseInitializing:
		return "initializing"
	case PhaseSchemaLoaded:
		return "schema_loaded"
	case PhaseHandlersLoaded:
		return "handlers_loaded"
	case PhaseReady:
		return "ready"
	}
	return fmt.Sprintf("phase(%d)", int32(p))
}

// Sources are the inputs of the startup build.
type Sources struct {
	Schema   schema.Options
	Handlers []handler.Declaration
}

// Bootstrap builds the registries once and tracks how far it got, so health
// endpoints can report the phase while startup is running or after it failed.
type Bootstrap struct {
	src   Sources
	opts  Options
	phase atomic.Int32
	ran   atomic.Bool
}

func NewBootstrap(src Sources, opts Options) *Bootstrap {
	return &Bootstrap{src: src, opts: opts}
}

func (b *Bootstrap) Phase() Phase {
	return Phase(b.phase.Load())
}

// Run builds the schema registry, then the handler registry with the Ping
// handler first, and returns the ready Dispatcher. Build failures are
// *startup.Error values and leave the phase where the build stopped.
func (b *Bootstrap) Run() (*Dispatcher, error) {
	if !b.ran.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("%s - bootstrap already ran", bootstrapLogPrefix)
	}

	slog.Info(fmt.Sprintf("%s - Building schema registry from %s", bootstrapLogPrefix, b.src.Schema.Directory))
	schemas, err := schema.Build(b.src.Schema)
	if err != nil {
		return nil, err
	}
	b.phase.Store(int32(PhaseSchemaLoaded))

	decls := append(PingController{}.Handlers(), b.src.Handlers...)
	handlers, err := handler.Build(schemas, decls...)
	if err != nil {
		return nil, err
	}
	b.phase.Store(int32(PhaseHandlersLoaded))

	d := New(schemas, handlers, b.opts)
	b.phase.Store(int32(PhaseReady))
	slog.Info(fmt.Sprintf("%s - Ready with %d message types and %d handlers", bootstrapLogPrefix, schemas.Len(), handlers.Len()))
	return d, nil
}

// Start is NewBootstrap(src, opts).Run().
func Start(src Sources, opts Options) (*Dispatcher, error) {
	return NewBootstrap(src, opts).Run()
}
