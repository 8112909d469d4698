// Package httpserver exposes the websocket upgrade endpoint and the small
// operational surface around it: connection status, the wire schema, health,
// and metrics. The websocket transport hands each accepted connection to a
// session.Machine which owns it for its lifetime.
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/chatbridge/chat-server-go/internal/logctx"
	"github.com/chatbridge/chat-server-go/registry"
	"github.com/chatbridge/chat-server-go/session"
)

var jsonMediaType = contenttype.NewMediaType("application/json")

// writeTimeout bounds a single frame write.
const writeTimeout = 10 * time.Second

// Option configures the Handler.
type Option func(*Handler)

// WithLogger sets the handler's logger; it is wrapped with the context
// enrichment handler so request and connection attributes appear on every
// record. Defaults to a discard logger.
func WithLogger(log *slog.Logger) Option {
	return func(h *Handler) { h.log = log }
}

// WithSessionConfig overrides the session timing knobs.
func WithSessionConfig(cfg session.Config) Option {
	return func(h *Handler) { h.sessionCfg = cfg }
}

// WithMetricsHandler mounts a metrics endpoint at /metrics.
func WithMetricsHandler(metrics http.Handler) Option {
	return func(h *Handler) { h.metrics = metrics }
}

// WithCheckOrigin overrides the websocket origin policy. The default accepts
// any origin; deployments behind a browser front end should restrict it.
func WithCheckOrigin(f func(r *http.Request) bool) Option {
	return func(h *Handler) { h.upgrader.CheckOrigin = f }
}

// Handler is the HTTP entry point.
type Handler struct {
	deps       session.Deps
	sessionCfg session.Config
	log        *slog.Logger
	metrics    http.Handler
	upgrader   websocket.Upgrader
	mux        *http.ServeMux
}

// New constructs the Handler. deps must carry the registry, limiter, auth
// validator, history ring, and bridge.
func New(deps session.Deps, opts ...Option) (*Handler, error) {
	if deps.Registry == nil || deps.Limiter == nil || deps.Auth == nil || deps.History == nil || deps.Bridge == nil {
		return nil, errors.New("httpserver: registry, limiter, auth, history, and bridge are required")
	}
	h := &Handler{
		deps:       deps,
		sessionCfg: session.DefaultConfig(),
		log:        slog.New(slog.DiscardHandler),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(h)
	}
	h.log = slog.New(logctx.Handler{Handler: h.log.Handler()})
	if h.deps.Log == nil {
		h.deps.Log = h.log
	}

	h.mux = http.NewServeMux()
	h.mux.HandleFunc("GET /ws", h.handleWS)
	h.mux.HandleFunc("GET /ws/status", h.handleStatus)
	h.mux.HandleFunc("GET /ws/schema", h.handleSchema)
	h.mux.HandleFunc("GET /healthz", h.handleHealth)
	if h.metrics != nil {
		h.mux.Handle("GET /metrics", h.metrics)
	}
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
		UserAgent:  r.UserAgent(),
	})
	h.mux.ServeHTTP(w, r.WithContext(ctx))
}

// clientIP resolves the peer address, honoring a forwarding proxy.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			fwd = fwd[:i]
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// handleWS upgrades the connection and hands it to a session machine. The
// bearer token rides the query string: websocket clients cannot portably set
// headers.
func (h *Handler) handleWS(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	conversationID := r.URL.Query().Get("conversation")

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote an HTTP error.
		h.log.DebugContext(r.Context(), "websocket upgrade failed", "error", err)
		return
	}

	transport := &wsTransport{ws: ws, remoteIP: clientIP(r)}
	machine := session.New(transport, token, conversationID, h.deps, h.sessionCfg)
	h.log.InfoContext(r.Context(), "websocket connection accepted", "conn_id", machine.ID())

	// The machine owns the connection from here; detach from the request
	// context so an HTTP server shutdown doesn't yank live sessions, which
	// are closed via the registry instead.
	go machine.Run(context.WithoutCancel(r.Context()))
}

// negotiateJSON guards the small JSON endpoints with media-type negotiation.
// A 406 is returned when the client cannot accept JSON.
func negotiateJSON(w http.ResponseWriter, r *http.Request) bool {
	if r.Header.Get("Accept") == "" {
		return true
	}
	_, _, err := contenttype.GetAcceptableMediaType(r, []contenttype.MediaType{jsonMediaType})
	if err != nil {
		http.Error(w, "only application/json is served", http.StatusNotAcceptable)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// statusResponse is the admin listing payload.
type statusResponse struct {
	ActiveConnections []registry.Metadata `json:"active_connections"`
	Total             int                 `json:"total"`
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !negotiateJSON(w, r) {
		return
	}
	snapshot := h.deps.Registry.Snapshot()
	writeJSON(w, http.StatusOK, statusResponse{ActiveConnections: snapshot, Total: len(snapshot)})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// wsTransport adapts a gorilla websocket connection to the session transport
// contract.
type wsTransport struct {
	ws       *websocket.Conn
	remoteIP string
}

func (t *wsTransport) ReadFrame(ctx context.Context) ([]byte, error) {
	mt, data, err := t.ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	if mt != websocket.TextMessage {
		return nil, session.ErrBinaryFrame
	}
	return data, nil
}

func (t *wsTransport) WriteFrame(ctx context.Context, data []byte) error {
	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = t.ws.SetWriteDeadline(deadline)
	return t.ws.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) RemoteIP() string { return t.remoteIP }

func (t *wsTransport) Close(code int, reason string) error {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = t.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return t.ws.Close()
}

var _ session.Transport = (*wsTransport)(nil)
