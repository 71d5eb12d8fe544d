package dispatcher

import (
	"context"
	"fmt"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/binaflow/binaflow-go/pkg/dto"
	"github.com/binaflow/binaflow-go/pkg/envelope"
	"github.com/binaflow/binaflow-go/pkg/events"
	"github.com/binaflow/binaflow-go/pkg/handler"
	"github.com/binaflow/binaflow-go/pkg/metrics"
	"github.com/binaflow/binaflow-go/pkg/problem"
	"github.com/binaflow/binaflow-go/pkg/schema"
	"github.com/binaflow/binaflow-go/pkg/session"
)

const testSchema = `syntax = "proto3";

option go_package = "github.com/binaflow/binaflow-go/pkg/dispatcher";

message Echo {
  string message_type = 1;
  string message_id = 2;
  string text = 3;
}

message EchoReply {
  string message_type = 1;
  string message_id = 2;
  string text = 3;
}

message Boom {
  string message_type = 1;
  string message_id = 2;
}

message Silent {
  string message_type = 1;
  string message_id = 2;
}

message Lookup {
  string message_type = 1;
  string message_id = 2;
}

message Watch {
  string message_type = 1;
  string message_id = 2;
}
`

type Echo struct {
	envelope.Envelope
	Text string
}

func (m *Echo) MarshalBinary() ([]byte, error) {
	return envelope.NewWriter(&m.Envelope).String(3, m.Text).Bytes(), nil
}

func (m *Echo) UnmarshalBinary(b []byte) error {
	return envelope.Unmarshal(b, &m.Envelope, func(f envelope.Field) error {
		if f.Num != 3 {
			return nil
		}
		var err error
		m.Text, err = f.AsString()
		return err
	})
}

type EchoReply struct {
	envelope.Envelope
	Text string
}

func (m *EchoReply) MarshalBinary() ([]byte, error) {
	return envelope.NewWriter(&m.Envelope).String(3, m.Text).Bytes(), nil
}

func (m *EchoReply) UnmarshalBinary(b []byte) error {
	return envelope.Unmarshal(b, &m.Envelope, func(f envelope.Field) error {
		if f.Num != 3 {
			return nil
		}
		var err error
		m.Text, err = f.AsString()
		return err
	})
}

type Boom struct{ envelope.Envelope }
type Silent struct{ envelope.Envelope }
type Lookup struct{ envelope.Envelope }
type Watch struct{ envelope.Envelope }

type testController struct {
	mu      sync.Mutex
	silent  int
	watched []*session.Session
}

func (c *testController) Handlers() []handler.Declaration {
	return []handler.Declaration{
		handler.Func("testController", c.Echo),
		handler.Func("testController", c.Boom),
		handler.Func("testController", c.Silent),
		handler.Func("testController", c.Lookup),
		handler.Func("testController", c.Watch),
	}
}

func (c *testController) Echo(m *Echo) (*EchoReply, error) {
	// Deliberately wrong type name; the router must correct it.
	return &EchoReply{Envelope: envelope.Envelope{MessageType: "Wrong", MessageID: m.MessageID}, Text: m.Text}, nil
}

func (c *testController) Boom(*Boom) *EchoReply {
	panic(fmt.Errorf("kaboom"))
}

func (c *testController) Silent(*Silent) {
	c.mu.Lock()
	c.silent++
	c.mu.Unlock()
}

func (c *testController) Lookup(*Lookup) error {
	return problem.NotFound("Thing not found", "thing 7 does not exist")
}

func (c *testController) Watch(m *Watch, sess *session.Session) error {
	c.mu.Lock()
	c.watched = append(c.watched, sess)
	c.mu.Unlock()
	return sess.Send(&EchoReply{Envelope: envelope.Envelope{MessageID: m.MessageID}, Text: "pushed"})
}

type frameRecorder struct {
	mu     sync.Mutex
	frames [][]byte
	err    error
}

func (r *frameRecorder) SendFrame(_ context.Context, frame []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.frames = append(r.frames, append([]byte(nil), frame...))
	return nil
}

func (r *frameRecorder) all() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]byte(nil), r.frames...)
}

func writeSchema(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	if content != "" {
		if err := os.WriteFile(filepath.Join(dir, "test.proto"), []byte(content), 0o644); err != nil {
			t.Fatalf("dispatcher:dispatcher_test - failed to write schema: %v", err)
		}
	}
	return dir
}

func testCatalog(t *testing.T) *schema.Catalog {
	t.Helper()
	c := schema.DefaultCatalog()
	if err := c.Register(&Echo{}, &EchoReply{}, &Boom{}, &Silent{}, &Lookup{}, &Watch{}); err != nil {
		t.Fatalf("dispatcher:dispatcher_test - failed to register catalog: %v", err)
	}
	return c
}

func newTestDispatcher(t *testing.T, opts Options) (*Dispatcher, *testController) {
	t.Helper()
	ctrl := &testController{}
	d, err := Start(Sources{
		Schema:   schema.Options{Directory: writeSchema(t, testSchema), Catalog: testCatalog(t)},
		Handlers: ctrl.Handlers(),
	}, opts)
	if err != nil {
		t.Fatalf("dispatcher:dispatcher_test - Start failed: %v", err)
	}
	return d, ctrl
}

func newTestSession(rec *frameRecorder) *session.Session {
	return session.New(context.Background(), rec, session.Options{Transport: "test"})
}

func frameOf(messageType, messageID string) []byte {
	return envelope.NewWriter(&envelope.Envelope{MessageType: messageType, MessageID: messageID}).Bytes()
}

func decodeError(t *testing.T, frame []byte) *dto.Error {
	t.Helper()
	var e dto.Error
	if err := e.UnmarshalBinary(frame); err != nil {
		t.Fatalf("dispatcher:dispatcher_test - failed to decode error frame: %v", err)
	}
	if e.MessageType != dto.ErrorMessageType {
		t.Fatalf("dispatcher:dispatcher_test - expected Error frame, got %q", e.MessageType)
	}
	return &e
}

func onlyFrame(t *testing.T, rec *frameRecorder) []byte {
	t.Helper()
	frames := rec.all()
	if len(frames) != 1 {
		t.Fatalf("dispatcher:dispatcher_test - expected exactly 1 frame, got %d", len(frames))
	}
	return frames[0]
}

func TestDispatch_PingWithEmptySchemaDirectory(t *testing.T) {
	d, err := Start(Sources{Schema: schema.Options{Directory: writeSchema(t, "")}}, Options{})
	if err != nil {
		t.Fatalf("dispatcher:dispatcher_test - Start failed: %v", err)
	}

	ids := []string{"x-1", "", "ünïcode-id"}
	for _, id := range ids {
		rec := &frameRecorder{}
		d.Dispatch(newTestSession(rec), frameOf("Ping", id))

		env, err := envelope.Decode(onlyFrame(t, rec))
		if err != nil {
			t.Fatalf("dispatcher:dispatcher_test - decode failed: %v", err)
		}
		if env.MessageType != "Pong" {
			t.Errorf("dispatcher:dispatcher_test - MessageType = %q, want Pong", env.MessageType)
		}
		if env.MessageID != id {
			t.Errorf("dispatcher:dispatcher_test - MessageID = %q, want %q", env.MessageID, id)
		}
	}
}

func TestDispatch_EmptyMessageType(t *testing.T) {
	d, _ := newTestDispatcher(t, Options{})

	for _, id := range []string{"m-1", ""} {
		rec := &frameRecorder{}
		d.Dispatch(newTestSession(rec), frameOf("", id))

		e := decodeError(t, onlyFrame(t, rec))
		if e.Status != 400 {
			t.Errorf("dispatcher:dispatcher_test - Status = %d, want 400", e.Status)
		}
		if e.MessageID != id {
			t.Errorf("dispatcher:dispatcher_test - MessageID = %q, want %q", e.MessageID, id)
		}
		if e.Title != "Message type is empty" {
			t.Errorf("dispatcher:dispatcher_test - Title = %q", e.Title)
		}
	}
}

func TestDispatch_UnknownMessageType(t *testing.T) {
	d, _ := newTestDispatcher(t, Options{})
	rec := &frameRecorder{}

	d.Dispatch(newTestSession(rec), frameOf("Teleport", "m-2"))

	e := decodeError(t, onlyFrame(t, rec))
	if e.Status != 400 {
		t.Errorf("dispatcher:dispatcher_test - Status = %d, want 400", e.Status)
	}
	if !strings.Contains(e.Detail, "Teleport") {
		t.Errorf("dispatcher:dispatcher_test - Detail %q does not name the type", e.Detail)
	}
	if e.MessageID != "m-2" {
		t.Errorf("dispatcher:dispatcher_test - MessageID = %q, want m-2", e.MessageID)
	}
	if e.Type != problem.KindMessageTypeNotFound {
		t.Errorf("dispatcher:dispatcher_test - Type = %q, want %q", e.Type, problem.KindMessageTypeNotFound)
	}
}

func TestDispatch_MalformedEnvelope(t *testing.T) {
	d, _ := newTestDispatcher(t, Options{})
	rec := &frameRecorder{}

	// message_id first, then message_type encoded as a varint.
	frame := envelope.NewWriter(nil).String(2, "m-3").Int64(1, 7).Bytes()
	d.Dispatch(newTestSession(rec), frame)

	e := decodeError(t, onlyFrame(t, rec))
	if e.Status != 400 || e.Type != problem.KindMalformedEnvelope {
		t.Errorf("dispatcher:dispatcher_test - got %d %q, want 400 %q", e.Status, e.Type, problem.KindMalformedEnvelope)
	}
	if e.MessageID != "m-3" {
		t.Errorf("dispatcher:dispatcher_test - MessageID = %q, want m-3", e.MessageID)
	}
}

func TestDispatch_ResponseTypeCorrected(t *testing.T) {
	d, _ := newTestDispatcher(t, Options{})
	rec := &frameRecorder{}

	req := &Echo{Envelope: envelope.Envelope{MessageType: "Echo", MessageID: "m-4"}, Text: "héllo"}
	frame, _, err := envelope.Marshal(req)
	if err != nil {
		t.Fatalf("dispatcher:dispatcher_test - marshal failed: %v", err)
	}
	d.Dispatch(newTestSession(rec), frame)

	var reply EchoReply
	if err := reply.UnmarshalBinary(onlyFrame(t, rec)); err != nil {
		t.Fatalf("dispatcher:dispatcher_test - decode failed: %v", err)
	}
	if reply.MessageType != "EchoReply" {
		t.Errorf("dispatcher:dispatcher_test - MessageType = %q, want EchoReply", reply.MessageType)
	}
	if reply.MessageID != "m-4" || reply.Text != "héllo" {
		t.Errorf("dispatcher:dispatcher_test - reply = %+v", reply)
	}
}

func TestDispatch_NoReply(t *testing.T) {
	d, ctrl := newTestDispatcher(t, Options{})
	rec := &frameRecorder{}

	d.Dispatch(newTestSession(rec), frameOf("Silent", "m-5"))

	if n := len(rec.all()); n != 0 {
		t.Errorf("dispatcher:dispatcher_test - expected no frames, got %d", n)
	}
	if ctrl.silent != 1 {
		t.Errorf("dispatcher:dispatcher_test - Silent handler calls = %d, want 1", ctrl.silent)
	}
}

func TestDispatch_HandlerProblem(t *testing.T) {
	d, _ := newTestDispatcher(t, Options{BasePath: "/binaflow"})
	rec := &frameRecorder{}

	d.Dispatch(newTestSession(rec), frameOf("Lookup", "m-6"))

	e := decodeError(t, onlyFrame(t, rec))
	if e.Status != 404 {
		t.Errorf("dispatcher:dispatcher_test - Status = %d, want 404", e.Status)
	}
	if e.Title != "Thing not found" || e.Detail != "thing 7 does not exist" {
		t.Errorf("dispatcher:dispatcher_test - unexpected error %+v", e)
	}
	if e.MessageID != "m-6" {
		t.Errorf("dispatcher:dispatcher_test - MessageID = %q, want m-6", e.MessageID)
	}
}

func TestDispatch_HandlerNotFound(t *testing.T) {
	d, _ := newTestDispatcher(t, Options{})
	rec := &frameRecorder{}

	d.Dispatch(newTestSession(rec), frameOf("EchoReply", "m-7"))

	e := decodeError(t, onlyFrame(t, rec))
	if e.Status != 400 || e.Type != problem.KindHandlerNotFound {
		t.Errorf("dispatcher:dispatcher_test - got %d %q, want 400 %q", e.Status, e.Type, problem.KindHandlerNotFound)
	}
}

func TestDispatch_PanicVerbosity(t *testing.T) {
	tests := []struct {
		name      string
		verbosity problem.Verbosity
		wantTitle string
		contains  []string
		absent    []string
	}{
		{
			name:      "quiet",
			wantTitle: "Unhandled exception",
			absent:    []string{"kaboom", "Error type", "Stack trace"},
		},
		{
			name:      "message",
			verbosity: problem.Verbosity{FillMessage: true},
			wantTitle: "kaboom",
			contains:  []string{"Message: kaboom"},
			absent:    []string{"Error type", "Stack trace"},
		},
		{
			name:      "all",
			verbosity: problem.Verbosity{FillMessage: true, FillErrorType: true, FillStackTrace: true},
			wantTitle: "kaboom",
			contains:  []string{"Message: kaboom", "Error type: *errors.errorString", "Stack trace: ", "Boom"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, _ := newTestDispatcher(t, Options{BasePath: "/binaflow", Verbosity: tt.verbosity})
			rec := &frameRecorder{}
			sess := newTestSession(rec)

			d.Dispatch(sess, frameOf("Boom", "m-8"))

			e := decodeError(t, onlyFrame(t, rec))
			if e.Status != 500 {
				t.Errorf("dispatcher:dispatcher_test - Status = %d, want 500", e.Status)
			}
			if e.Title != tt.wantTitle {
				t.Errorf("dispatcher:dispatcher_test - Title = %q, want %q", e.Title, tt.wantTitle)
			}
			if e.Instance != "/binaflow#Boom" {
				t.Errorf("dispatcher:dispatcher_test - Instance = %q, want /binaflow#Boom", e.Instance)
			}
			for _, s := range tt.contains {
				if !strings.Contains(e.Detail, s) {
					t.Errorf("dispatcher:dispatcher_test - Detail does not contain %q:\n%s", s, e.Detail)
				}
			}
			for _, s := range tt.absent {
				if strings.Contains(e.Detail, s) {
					t.Errorf("dispatcher:dispatcher_test - Detail should not contain %q:\n%s", s, e.Detail)
				}
			}

			// The session stays usable after the failure.
			d.Dispatch(sess, frameOf("Ping", "m-9"))
			frames := rec.all()
			if len(frames) != 2 {
				t.Fatalf("dispatcher:dispatcher_test - expected 2 frames, got %d", len(frames))
			}
			env, _ := envelope.Decode(frames[1])
			if env.MessageType != "Pong" || env.MessageID != "m-9" {
				t.Errorf("dispatcher:dispatcher_test - follow-up reply = %+v", env)
			}
		})
	}
}

// brittleReply panics while it is encoded, like a response holding a nil
// nested message.
type brittleReply struct {
	envelope.Envelope
	Items []*EchoReply
}

func (m *brittleReply) MarshalBinary() ([]byte, error) {
	w := envelope.NewWriter(&m.Envelope)
	for _, item := range m.Items {
		w.String(3, item.Text)
	}
	return w.Bytes(), nil
}

func (m *brittleReply) UnmarshalBinary([]byte) error { return nil }

func TestDispatch_ResponseEncodingPanic(t *testing.T) {
	brittle := func(m *Echo) *brittleReply {
		return &brittleReply{Envelope: envelope.Envelope{MessageID: m.MessageID}, Items: []*EchoReply{nil}}
	}
	d, err := Start(Sources{
		Schema:   schema.Options{Directory: writeSchema(t, testSchema), Catalog: testCatalog(t)},
		Handlers: []handler.Declaration{handler.Func("brittleController", brittle)},
	}, Options{BasePath: "/binaflow"})
	if err != nil {
		t.Fatalf("dispatcher:dispatcher_test - Start failed: %v", err)
	}
	rec := &frameRecorder{}
	sess := newTestSession(rec)

	func() {
		defer func() {
			if r := recover(); r != nil {
				t.Fatalf("dispatcher:dispatcher_test - panic escaped Dispatch: %v", r)
			}
		}()
		d.Dispatch(sess, frameOf("Echo", "m-15"))
	}()

	e := decodeError(t, onlyFrame(t, rec))
	if e.Status != 500 {
		t.Errorf("dispatcher:dispatcher_test - Status = %d, want 500", e.Status)
	}
	if e.MessageID != "m-15" || e.Instance != "/binaflow#Echo" {
		t.Errorf("dispatcher:dispatcher_test - error frame = %+v", e)
	}
	if sess.Closed() {
		t.Fatal("dispatcher:dispatcher_test - encoding panic closed the session")
	}

	d.Dispatch(sess, frameOf("Ping", "m-16"))
	frames := rec.all()
	if len(frames) != 2 {
		t.Fatalf("dispatcher:dispatcher_test - expected 2 frames, got %d", len(frames))
	}
	if env, _ := envelope.Decode(frames[1]); env.MessageType != "Pong" || env.MessageID != "m-16" {
		t.Errorf("dispatcher:dispatcher_test - follow-up reply = %+v", env)
	}
}

func TestDispatch_ErrorKindLabelBounded(t *testing.T) {
	lookup := func(m *Lookup) error {
		return problem.NotFound("Thing not found", "no such thing").WithKind("ThingNotFound-" + m.MessageID)
	}
	m := metrics.New(nil)
	d, err := Start(Sources{
		Schema:   schema.Options{Directory: writeSchema(t, testSchema), Catalog: testCatalog(t)},
		Handlers: []handler.Declaration{handler.Func("kindController", lookup)},
	}, Options{Metrics: m})
	if err != nil {
		t.Fatalf("dispatcher:dispatcher_test - Start failed: %v", err)
	}
	rec := &frameRecorder{}
	sess := newTestSession(rec)

	d.Dispatch(sess, frameOf("Lookup", "m-17"))
	d.Dispatch(sess, frameOf("Lookup", "m-18"))
	d.Dispatch(sess, frameOf("Teleport", "m-19"))

	if e := decodeError(t, rec.all()[0]); e.Type != "ThingNotFound-m-17" {
		t.Errorf("dispatcher:dispatcher_test - client should see the handler kind, got %q", e.Type)
	}

	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	body := w.Body.String()
	for _, want := range []string{
		`binaflow_dispatch_error_frames_total{kind="custom",status="404"} 2`,
		`binaflow_dispatch_error_frames_total{kind="MessageTypeNotFound",status="400"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("dispatcher:dispatcher_test - exposition missing %s:\n%s", want, body)
		}
	}
	if strings.Contains(body, "ThingNotFound") {
		t.Errorf("dispatcher:dispatcher_test - handler kind leaked into metric labels:\n%s", body)
	}
}

func TestDispatch_SessionAwareHandler(t *testing.T) {
	d, ctrl := newTestDispatcher(t, Options{})
	rec := &frameRecorder{}
	sess := newTestSession(rec)

	d.Dispatch(sess, frameOf("Watch", "m-10"))

	if len(ctrl.watched) != 1 || ctrl.watched[0] != sess {
		t.Fatalf("dispatcher:dispatcher_test - handler did not receive the dispatching session")
	}
	env, _ := envelope.Decode(onlyFrame(t, rec))
	if env.MessageType != "EchoReply" || env.MessageID != "m-10" {
		t.Errorf("dispatcher:dispatcher_test - pushed frame = %+v", env)
	}
}

func TestDispatch_NilAndClosedSession(t *testing.T) {
	d, _ := newTestDispatcher(t, Options{})

	d.Dispatch(nil, frameOf("Ping", "m-11"))

	rec := &frameRecorder{}
	sess := newTestSession(rec)
	sess.Close()
	d.Dispatch(sess, frameOf("Ping", "m-12"))
	if n := len(rec.all()); n != 0 {
		t.Errorf("dispatcher:dispatcher_test - closed session received %d frames", n)
	}
}

func TestDispatch_SendFailureIsSwallowed(t *testing.T) {
	d, _ := newTestDispatcher(t, Options{})
	rec := &frameRecorder{err: fmt.Errorf("broken pipe")}
	sess := newTestSession(rec)

	d.Dispatch(sess, frameOf("Ping", "m-13"))
	d.Dispatch(sess, frameOf("Teleport", "m-14"))

	if sess.Closed() {
		t.Error("dispatcher:dispatcher_test - send failure closed the session")
	}
}

func TestDispatch_PublishesFailures(t *testing.T) {
	var mu sync.Mutex
	var got []*events.DispatchFailedEvent
	pub := events.NewCallbackPublisher(func(_ context.Context, ev *events.DispatchFailedEvent) error {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
		return nil
	}, nil)

	d, _ := newTestDispatcher(t, Options{Publisher: pub})
	rec := &frameRecorder{}
	sess := newTestSession(rec)

	d.Dispatch(sess, frameOf("Teleport", "m-15"))
	d.Dispatch(sess, frameOf("Ping", "m-16"))

	if len(got) != 1 {
		t.Fatalf("dispatcher:dispatcher_test - expected 1 failure event, got %d", len(got))
	}
	if got[0].MessageID != "m-15" || got[0].Status != 400 || got[0].Transport != "test" || got[0].SessionID != sess.ID() {
		t.Errorf("dispatcher:dispatcher_test - unexpected event %+v", got[0])
	}
}

func TestDispatch_PerSessionOrdering(t *testing.T) {
	d, _ := newTestDispatcher(t, Options{})

	const sessions = 8
	const perSession = 50

	recs := make([]*frameRecorder, sessions)
	var wg sync.WaitGroup
	for i := 0; i < sessions; i++ {
		recs[i] = &frameRecorder{}
		sess := newTestSession(recs[i])
		wg.Add(1)
		go func(i int, sess *session.Session) {
			defer wg.Done()
			for j := 0; j < perSession; j++ {
				req := &Echo{Envelope: envelope.Envelope{MessageID: fmt.Sprintf("%d-%d", i, j)}, Text: "x"}
				frame, _, err := envelope.Marshal(req)
				if err != nil {
					t.Errorf("dispatcher:dispatcher_test - marshal failed: %v", err)
					return
				}
				d.Dispatch(sess, frame)
			}
		}(i, sess)
	}
	wg.Wait()

	for i, rec := range recs {
		frames := rec.all()
		if len(frames) != perSession {
			t.Fatalf("dispatcher:dispatcher_test - session %d got %d frames, want %d", i, len(frames), perSession)
		}
		for j, f := range frames {
			env, _ := envelope.Decode(f)
			if want := fmt.Sprintf("%d-%d", i, j); env.MessageID != want {
				t.Errorf("dispatcher:dispatcher_test - session %d frame %d id = %q, want %q", i, j, env.MessageID, want)
				break
			}
		}
	}
}
