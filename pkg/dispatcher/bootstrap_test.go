package dispatcher

import (
	"reflect"
	"sort"
	"testing"

	"github.com/binaflow/binaflow-go/pkg/dto"
	"github.com/binaflow/binaflow-go/pkg/handler"
	"github.com/binaflow/binaflow-go/pkg/schema"
	"github.com/binaflow/binaflow-go/pkg/startup"
)

func TestPhase_String(t *testing.T) {
	tests := []struct {
		phase Phase
		want  string
	}{
		{PhaseInitializing, "initializing"},
		{PhaseSchemaLoaded, "schema_loaded"},
		{PhaseHandlersLoaded, "handlers_loaded"},
		{PhaseReady, "ready"},
		{Phase(9), "phase(9)"},
	}
	for _, tt := range tests {
		if got := tt.phase.String(); got != tt.want {
			t.Errorf("dispatcher:bootstrap_test - Phase(%d).String() = %q, want %q", tt.phase, got, tt.want)
		}
	}
}

func TestBootstrap_Ready(t *testing.T) {
	ctrl := &testController{}
	b := NewBootstrap(Sources{
		Schema:   schema.Options{Directory: writeSchema(t, testSchema), Catalog: testCatalog(t)},
		Handlers: ctrl.Handlers(),
	}, Options{})

	if b.Phase() != PhaseInitializing {
		t.Fatalf("dispatcher:bootstrap_test - initial phase = %s", b.Phase())
	}
	d, err := b.Run()
	if err != nil {
		t.Fatalf("dispatcher:bootstrap_test - Run failed: %v", err)
	}
	if b.Phase() != PhaseReady {
		t.Errorf("dispatcher:bootstrap_test - phase = %s, want ready", b.Phase())
	}

	want := []string{"Boom", "Echo", "Lookup", "Ping", "Silent", "Watch"}
	if got := d.Handlers().TypeNames(); !reflect.DeepEqual(got, want) {
		t.Errorf("dispatcher:bootstrap_test - handler types = %v, want %v", got, want)
	}
	if _, err := b.Run(); err == nil {
		t.Error("dispatcher:bootstrap_test - second Run should fail")
	}
}

func TestBootstrap_FailurePhases(t *testing.T) {
	userPing := func(p *dto.Ping) *dto.Pong { return &dto.Pong{} }

	tests := []struct {
		name      string
		src       Sources
		wantCode  startup.Code
		wantPhase Phase
	}{
		{
			name:      "unset schema directory",
			src:       Sources{Schema: schema.Options{Directory: ""}},
			wantCode:  startup.CodeEmptySchemaDir,
			wantPhase: PhaseInitializing,
		},
		{
			name: "user ping duplicates the built-in handler",
			src: Sources{
				Schema:   schema.Options{Directory: writeSchema(t, "")},
				Handlers: []handler.Declaration{handler.Func("userPing", userPing)},
			},
			wantCode:  startup.CodeDuplicateHandler,
			wantPhase: PhaseSchemaLoaded,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewBootstrap(tt.src, Options{})
			d, err := b.Run()
			if err == nil {
				t.Fatal("dispatcher:bootstrap_test - expected error")
			}
			if d != nil {
				t.Error("dispatcher:bootstrap_test - expected nil dispatcher on failure")
			}
			code, ok := startup.CodeOf(err)
			if !ok || code != tt.wantCode {
				t.Errorf("dispatcher:bootstrap_test - code = %d (%v), want %d", code, ok, tt.wantCode)
			}
			if b.Phase() != tt.wantPhase {
				t.Errorf("dispatcher:bootstrap_test - phase = %s, want %s", b.Phase(), tt.wantPhase)
			}
		})
	}
}

func TestBootstrap_Deterministic(t *testing.T) {
	dir := writeSchema(t, testSchema)
	build := func() ([]string, []string) {
		ctrl := &testController{}
		d, err := Start(Sources{
			Schema:   schema.Options{Directory: dir, Catalog: testCatalog(t)},
			Handlers: ctrl.Handlers(),
		}, Options{})
		if err != nil {
			t.Fatalf("dispatcher:bootstrap_test - Start failed: %v", err)
		}
		return d.Schemas().TypeNames(), d.Handlers().TypeNames()
	}

	s1, h1 := build()
	s2, h2 := build()
	if !reflect.DeepEqual(s1, s2) || !reflect.DeepEqual(h1, h2) {
		t.Errorf("dispatcher:bootstrap_test - builds differ: %v/%v vs %v/%v", s1, h1, s2, h2)
	}
}

func TestPingController_EchoesID(t *testing.T) {
	pong := PingController{}.Ping(&dto.Ping{})
	if pong.MessageID != "" {
		t.Errorf("dispatcher:bootstrap_test - MessageID = %q, want empty", pong.MessageID)
	}
	p := &dto.Ping{}
	p.MessageID = "abc"
	if got := (PingController{}).Ping(p).MessageID; got != "abc" {
		t.Errorf("dispatcher:bootstrap_test - MessageID = %q, want abc", got)
	}
}

func TestDispatcher_Routes(t *testing.T) {
	d, _ := newTestDispatcher(t, Options{})

	routes := map[string]Route{}
	var order []string
	for _, r := range d.Routes() {
		routes[r.TypeName] = r
		order = append(order, r.TypeName)
	}
	if !sort.StringsAreSorted(order) {
		t.Errorf("dispatcher:bootstrap_test - routes not sorted: %v", order)
	}

	tests := []struct {
		typeName     string
		wantHandler  string
		wantSession  bool
		wantBuiltins bool
	}{
		{"Ping", "PingController.Ping", false, true},
		{"Echo", "testController.Echo", false, false},
		{"EchoReply", "", false, false},
		{"Watch", "testController.Watch", true, false},
	}
	for _, tt := range tests {
		r, ok := routes[tt.typeName]
		if !ok {
			t.Errorf("dispatcher:bootstrap_test - no route for %s", tt.typeName)
			continue
		}
		if r.Handler != tt.wantHandler || r.WantsSession != tt.wantSession {
			t.Errorf("dispatcher:bootstrap_test - %s route = %+v", tt.typeName, r)
		}
		if (r.Source == "") != tt.wantBuiltins {
			t.Errorf("dispatcher:bootstrap_test - %s Source = %q", tt.typeName, r.Source)
		}
	}
}
