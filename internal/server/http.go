package server

import (
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"time"

	"github.com/binaflow/binaflow-go/pkg/dispatcher"
)

// Health is the body of /health.
type Health struct {
	Status    string       `json:"status"`
	Phase     string       `json:"phase"`
	Checks    HealthChecks `json:"checks"`
	Sessions  Sessions     `json:"sessions"`
	Timestamp string       `json:"timestamp"`
}

// HealthChecks reports each dependency as "ok", "disabled" or the failure.
type HealthChecks struct {
	Database string `json:"database"`
	COMMS    string `json:"comms"`
}

// Sessions counts open sessions per transport.
type Sessions struct {
	WebSocket int `json:"websocket"`
	COMMS     int `json:"comms"`
}

const (
	statusHealthy   = "healthy"
	statusUnhealthy = "unhealthy"
	checkOK         = "ok"
	checkDisabled   = "disabled"
)

// Handler returns the HTTP routes of the router.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleHome())
	mux.HandleFunc(s.cfg.HTTPPath, s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)
	mux.Handle("/metrics", s.metrics.Handler())
	return mux
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws := s.ws.Load()
	if ws == nil {
		http.Error(w, "router is starting", http.StatusServiceUnavailable)
		return
	}
	ws.ServeHTTP(w, r)
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	phase := s.Phase()
	w.Header().Set("Content-Type", "application/json")
	if phase != dispatcher.PhaseReady {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(map[string]string{"status": phase.String()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.HealthCheckTimeout)
	defer cancel()
	h := s.Health(ctx)
	w.Header().Set("Content-Type", "application/json")
	if h.Status != statusHealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(h)
}

// Health checks the database and COMMS connection. The router is healthy when
// startup finished and every enabled dependency answers.
func (s *Server) Health(ctx context.Context) *Health {
	h := &Health{
		Status:    statusHealthy,
		Phase:     s.Phase().String(),
		Checks:    HealthChecks{Database: checkDisabled, COMMS: checkDisabled},
		Sessions:  s.sessions(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if s.Phase() != dispatcher.PhaseReady {
		h.Status = statusUnhealthy
	}
	if s.pool != nil {
		h.Checks.Database = checkOK
		if err := s.pool.Ping(ctx); err != nil {
			h.Checks.Database = err.Error()
			h.Status = statusUnhealthy
		}
	}
	if s.nc != nil {
		h.Checks.COMMS = checkOK
		if !s.nc.IsConnected() {
			h.Checks.COMMS = "disconnected"
			h.Status = statusUnhealthy
		}
	}
	return h
}

func (s *Server) sessions() Sessions {
	var n Sessions
	if ws := s.ws.Load(); ws != nil {
		n.WebSocket = ws.SessionCount()
	}
	if s.comms != nil {
		n.COMMS = s.comms.SessionCount()
	}
	return n
}

// homePageTemplate is the HTML for the router status page (white bg, black/blue text).
const homePageTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="UTF-8">
  <meta name="viewport" content="width=device-width, initial-scale=1">
  <title>binaflow</title>
  <style>
    * { box-sizing: border-box; }
    body { background: #fff; color: #000; font-family: system-ui, sans-serif; margin: 0; padding: 2rem; line-height: 1.5; }
    h1, h2 { color: #0066cc; }
    .status-healthy { color: #0066cc; font-weight: bold; }
    .status-unhealthy { color: #cc0000; font-weight: bold; }
    table { border-collapse: collapse; width: 100%; max-width: 900px; margin-top: 0.5rem; }
    th, td { text-align: left; padding: 0.5rem 0.75rem; border: 1px solid #ccc; }
    th { background: #f0f4f8; color: #0066cc; }
    .stat { font-weight: bold; color: #0066cc; }
    .meta { color: #333; font-size: 0.9rem; margin-top: 1rem; }
    .muted { color: #777; }
    section { margin-bottom: 2rem; }
  </style>
</head>
<body>
  <h1>binaflow</h1>
  <p class="meta">WebSocket endpoint <code>{{.Path}}</code>, up since {{.Started}}.</p>

  <section>
    <h2>Health</h2>
    <p>Status: <span class="status-{{.Health.Status}}">{{.Health.Status}}</span></p>
    <p>Phase: <span class="stat">{{.Health.Phase}}</span></p>
    <p>Database: {{.Health.Checks.Database}}</p>
    <p>COMMS: {{.Health.Checks.COMMS}}</p>
  </section>

  <section>
    <h2>Sessions</h2>
    <p>WebSocket: <span class="stat">{{.Health.Sessions.WebSocket}}</span></p>
    <p>COMMS: <span class="stat">{{.Health.Sessions.COMMS}}</span></p>
  </section>

  <section>
    <h2>Message types</h2>
    {{if not .Routes}}
    <p>No message types loaded.</p>
    {{else}}
    <table>
      <thead>
        <tr><th>Type</th><th>Qualified name</th><th>Handler</th><th>Schema</th></tr>
      </thead>
      <tbody>
        {{range .Routes}}
        <tr>
          <td>{{.TypeName}}</td>
          <td>{{.QualifiedName}}</td>
          <td>{{if .Handler}}{{.Handler}}{{if .WantsSession}} (session){{end}}{{else}}<span class="muted">response only</span>{{end}}</td>
          <td>{{if .Source}}{{.Source}}{{else}}<span class="muted">built-in</span>{{end}}</td>
        </tr>
        {{end}}
      </tbody>
    </table>
    {{end}}
  </section>
</body>
</html>
`

// homeData is the data passed to the home page template.
type homeData struct {
	Path    string
	Started string
	Health  *Health
	Routes  []dispatcher.Route
}

// handleHome returns an HTTP handler for the router status page.
func (s *Server) handleHome() http.HandlerFunc {
	tmpl := template.Must(template.New("home").Parse(homePageTemplate))
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), s.cfg.HealthCheckTimeout)
		defer cancel()

		data := homeData{
			Path:    s.cfg.HTTPPath,
			Started: s.started.Format(time.RFC3339),
			Health:  s.Health(ctx),
		}
		if d := s.disp.Load(); d != nil {
			data.Routes = d.Routes()
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := tmpl.Execute(w, data); err != nil {
			slog.Error(fmt.Sprintf("%s - home template execute: %v", logPrefix, err))
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
	}
}
