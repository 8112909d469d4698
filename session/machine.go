package session

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/chatbridge/chat-server-go/auth"
	"github.com/chatbridge/chat-server-go/history"
	"github.com/chatbridge/chat-server-go/internal/logctx"
	"github.com/chatbridge/chat-server-go/llm"
	"github.com/chatbridge/chat-server-go/ratelimit"
	"github.com/chatbridge/chat-server-go/registry"
	"github.com/chatbridge/chat-server-go/store"
	"github.com/chatbridge/chat-server-go/telemetry"
	"github.com/chatbridge/chat-server-go/wire"
)

// Deps bundles the collaborators a Machine consumes. All fields except
// Messages, Sink, and Log are required.
type Deps struct {
	Registry *registry.Registry
	Limiter  *ratelimit.Limiter
	Auth     *auth.Validator
	History  *history.Ring
	Bridge   *llm.Bridge
	Messages store.MessageRepository
	Sink     telemetry.Sink
	Log      *slog.Logger
}

// Machine is the per-connection logical process. Exactly one Machine owns a
// connection; Run drives it from handshake to CLOSED.
type Machine struct {
	id        string
	transport Transport
	token     string
	// conversationID is the optional conversation requested at handshake.
	conversationID string

	deps Deps
	cfg  Config

	conn      *registry.Conn
	principal auth.Principal

	// in-flight stream state; owned by the Run goroutine.
	streamID     string
	streamCancel context.CancelFunc
	streamCh     <-chan wire.Envelope
	assembled    []byte

	lastActivity time.Time
	malformed    burstTracker
}

// New creates a Machine for a freshly upgraded transport. token and
// conversationID come from the handshake query string.
func New(transport Transport, token, conversationID string, deps Deps, cfg Config) *Machine {
	if deps.Sink == nil {
		deps.Sink = telemetry.Noop{}
	}
	if deps.Log == nil {
		deps.Log = slog.New(slog.DiscardHandler)
	}
	return &Machine{
		id:             uuid.NewString(),
		transport:      transport,
		token:          token,
		conversationID: conversationID,
		deps:           deps,
		cfg:            cfg.withDefaults(),
	}
}

// ID returns the server-assigned connection id.
func (m *Machine) ID() string { return m.id }

// writeDirect encodes and writes an envelope straight to the transport. Only
// used before the write pump starts (auth and admission rejections).
func (m *Machine) writeDirect(ctx context.Context, env wire.Envelope) {
	data, err := wire.Encode(env)
	if err != nil {
		return
	}
	_ = m.transport.WriteFrame(ctx, data)
}

// reject sends the in-band error for kind and closes the transport with the
// kind's close code. Pre-registration path only.
func (m *Machine) reject(ctx context.Context, kind wire.Kind, msg string) {
	m.writeDirect(ctx, wire.NewError(kind, msg))
	_ = m.transport.Close(kind.CloseCode(), string(kind))
}

// Run drives the connection until it is CLOSED. It owns all state for the
// connection: inbound frames, bridge chunks, and registry broadcasts are
// multiplexed here and nowhere else.
func (m *Machine) Run(ctx context.Context) {
	ip := m.transport.RemoteIP()
	ctx = logctx.WithConnData(ctx, &logctx.ConnData{ConnID: m.id, RemoteIP: ip})

	// Authentication must conclude within the connect timeout.
	authCtx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	principal, err := m.deps.Auth.Validate(authCtx, m.token)
	cancel()
	if err != nil {
		m.deps.Log.InfoContext(ctx, "handshake rejected", "error", err)
		m.deps.Sink.IncCounter(telemetry.CounterConnectionsRejected, 1)
		m.reject(ctx, wire.KindAuthenticationRequired, "authentication failed")
		return
	}
	m.principal = principal
	ctx = logctx.WithConnData(ctx, &logctx.ConnData{ConnID: m.id, UserID: principal.UserID, RemoteIP: ip})

	if err := m.deps.Limiter.AllowConnection(ctx, m.id, principal.UserID, ip); err != nil {
		m.deps.Sink.IncCounter(telemetry.CounterConnectionsRejected, 1)
		switch {
		case errors.Is(err, ratelimit.ErrConnectionLimit):
			m.reject(ctx, wire.KindConnectionLimitExceeded, "too many concurrent connections")
		default:
			// Admission fails closed when the store is unreachable.
			m.reject(ctx, wire.KindServerError, "connection admission unavailable")
		}
		return
	}

	conn, err := m.deps.Registry.Register(m.id, principal.UserID, principal.Admin, ip)
	if err != nil {
		m.deps.Limiter.ReleaseConnection(context.WithoutCancel(ctx), m.id, principal.UserID, ip)
		m.reject(ctx, wire.KindServerError, "registration failed")
		return
	}
	m.conn = conn
	_ = m.deps.Registry.Transition(m.id, registry.StateAuthenticating)
	_ = m.deps.Registry.Transition(m.id, registry.StateAuthenticated)
	m.deps.Sink.IncCounter(telemetry.CounterConnectionsAccepted, 1)

	runCtx, cancelAll := context.WithCancel(ctx)
	defer cancelAll()

	// Single writer: the pump is the only goroutine touching the transport
	// after this point, preserving submission order.
	pumpDone := make(chan struct{})
	go m.writePump(runCtx, pumpDone)

	frames := make(chan frameResult)
	go m.readPump(runCtx, frames)

	closeKind := m.steadyState(runCtx, frames)

	cancelAll()
	m.teardown(ctx, closeKind)
	<-pumpDone
}

type frameResult struct {
	data []byte
	err  error
}

// readPump feeds raw frames to the Run goroutine.
func (m *Machine) readPump(ctx context.Context, frames chan<- frameResult) {
	for {
		data, err := m.transport.ReadFrame(ctx)
		select {
		case frames <- frameResult{data: data, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil && !errors.Is(err, ErrBinaryFrame) {
			return
		}
	}
}

// writePump drains the connection's ordered outgoing queue onto the
// transport.
func (m *Machine) writePump(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case env := <-m.conn.Out():
			data, err := wire.Encode(env)
			if err != nil {
				m.deps.Log.ErrorContext(ctx, "dropping unencodable envelope", "type", env.EnvelopeType(), "error", err)
				continue
			}
			if err := m.transport.WriteFrame(ctx, data); err != nil {
				m.deps.Log.DebugContext(ctx, "write failed", "error", err)
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// enqueue submits a machine-originated envelope to the ordered outgoing
// queue. A send that cannot complete within the message timeout marks the
// connection for teardown.
func (m *Machine) enqueue(ctx context.Context, env wire.Envelope) bool {
	if err := m.conn.Send(ctx, env, m.cfg.MessageTimeout); err != nil {
		if errors.Is(err, registry.ErrSendTimeout) {
			m.conn.RequestClose(wire.KindServerError)
		}
		return false
	}
	return true
}

// steadyState runs the READY/STREAMING loop and returns the close kind.
func (m *Machine) steadyState(ctx context.Context, frames <-chan frameResult) wire.Kind {
	if m.conversationID != "" {
		m.conn.JoinConversation(m.conversationID)
	}

	// Welcome, then the history snapshot, then presence fan-out. Welcome and
	// history ride this connection's ordered queue ahead of any steady-state
	// traffic; presence goes to the other conversation members.
	welcome := &wire.Welcome{
		Type:         wire.TypeWelcome,
		ServerTime:   time.Now().UTC(),
		ConnectionID: m.id,
		Limits:       m.deps.Limiter.Config().Limits(),
	}
	if !m.enqueue(ctx, welcome) {
		return wire.KindServerError
	}

	snapshot := []*wire.ChatMessage{}
	if m.conversationID != "" {
		msgs, err := m.deps.History.Range(ctx, m.conversationID, 0, -1)
		if err != nil {
			m.deps.Log.WarnContext(ctx, "history replay failed", "error", err)
		} else {
			snapshot = msgs
		}
	}
	if !m.enqueue(ctx, &wire.History{Type: wire.TypeHistory, Messages: snapshot}) {
		return wire.KindServerError
	}

	if err := m.deps.Registry.Transition(m.id, registry.StateReady); err != nil {
		m.deps.Log.ErrorContext(ctx, "transition to ready failed", "error", err)
		return wire.KindServerError
	}
	if m.conversationID != "" {
		m.deps.Registry.Broadcast(m.conversationID, &wire.Presence{
			Type: wire.TypePresence, UserID: m.principal.UserID, State: wire.PresenceOnline,
		}, m.id)
	}

	m.lastActivity = time.Now()
	heartbeat := time.NewTicker(m.cfg.MessageTimeout / 2)
	defer heartbeat.Stop()

	for {
		select {
		case fr := <-frames:
			if fr.err != nil {
				if errors.Is(fr.err, ErrBinaryFrame) {
					if kind, terminal := m.malformedInput(ctx, "binary frames are not supported"); terminal {
						return kind
					}
					continue
				}
				// Peer close or transport failure.
				return wire.KindNormalShutdown
			}
			m.lastActivity = time.Now()
			_ = m.deps.Registry.Heartbeat(m.id)
			if kind, terminal := m.handleFrame(ctx, fr.data); terminal {
				return kind
			}

		case env, ok := <-m.streamCh:
			if !ok {
				m.finishStream(ctx)
				continue
			}
			m.lastActivity = time.Now()
			m.forwardStreamEnvelope(ctx, env)

		case <-heartbeat.C:
			idle := time.Since(m.lastActivity)
			if m.conn.State() == registry.StateStreaming && idle > m.cfg.MessageTimeout {
				m.deps.Log.InfoContext(ctx, "streaming connection idle past message timeout")
				return wire.KindServerError
			}
			if idle >= m.cfg.MessageTimeout/2 {
				m.enqueue(ctx, &wire.Ping{Type: wire.TypePing, Nonce: uuid.NewString()})
			}

		case <-m.conn.CloseRequested():
			return m.conn.CloseKind()

		case <-ctx.Done():
			return wire.KindNormalShutdown
		}
	}
}

// handleFrame decodes and dispatches one inbound frame. The returned kind is
// meaningful only when terminal is true.
func (m *Machine) handleFrame(ctx context.Context, data []byte) (wire.Kind, bool) {
	env, err := wire.Decode(data)
	if err != nil {
		return m.malformedInput(ctx, "invalid message format")
	}

	switch e := env.(type) {
	case *wire.Ping:
		m.enqueue(ctx, &wire.Pong{Type: wire.TypePong, Nonce: e.Nonce})
		return "", false

	case *wire.Pong:
		return "", false

	case *wire.Typing:
		prev, err := m.deps.Registry.SetTyping(m.id, e.IsTyping)
		if err != nil || prev == e.IsTyping {
			return "", false
		}
		state := wire.PresenceOnline
		if e.IsTyping {
			state = wire.PresenceTyping
		}
		m.deps.Registry.Broadcast(m.conn.ConversationID(), &wire.Presence{
			Type: wire.TypePresence, UserID: m.principal.UserID, State: state,
		}, m.id)
		return "", false

	case *wire.Cancel:
		if m.streamID != "" && e.ID == m.streamID && m.streamCancel != nil {
			m.streamCancel()
		}
		return "", false

	case *wire.ChatMessage:
		return m.handleChatMessage(ctx, e)

	case *wire.System:
		return m.handleSystem(ctx, e)

	default:
		// Server-originated types are not valid inbound.
		return m.malformedInput(ctx, "unexpected envelope type")
	}
}

// malformedInput reports one validation failure and escalates on a burst.
func (m *Machine) malformedInput(ctx context.Context, msg string) (wire.Kind, bool) {
	m.deps.Sink.IncCounter(telemetry.CounterMalformedEnvelopes, 1)
	m.enqueue(ctx, wire.NewError(wire.KindInvalidMessageFormat, msg))
	if m.malformed.hit(time.Now()) {
		m.deps.Log.InfoContext(ctx, "closing connection after malformed input burst")
		return wire.KindInvalidMessageFormat, true
	}
	return "", false
}

// handleChatMessage admits, records, fans out, and answers one user message.
func (m *Machine) handleChatMessage(ctx context.Context, msg *wire.ChatMessage) (wire.Kind, bool) {
	if msg.Content == "" || len(msg.Content) > m.cfg.MaxMessageLength {
		return m.malformedInput(ctx, "missing or oversized content")
	}

	if err := m.deps.Limiter.AllowMessage(ctx, m.principal.UserID, m.transport.RemoteIP(), m.principal.Admin, false); err != nil {
		m.enqueue(ctx, wire.NewError(wire.KindRateLimitExceeded, "rate limit exceeded"))
		return "", false
	}
	m.deps.Sink.IncCounter(telemetry.CounterMessagesAccepted, 1)

	// Server-side normalization: ids and timestamps are authoritative here.
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Role == "" {
		msg.Role = wire.RoleUser
	}
	msg.Timestamp = time.Now().UTC()
	if msg.ConversationID == "" {
		msg.ConversationID = m.conn.ConversationID()
	}
	if msg.ConversationID == "" {
		msg.ConversationID = uuid.NewString()
	}
	if m.conn.ConversationID() == "" {
		m.conn.JoinConversation(msg.ConversationID)
		m.conversationID = msg.ConversationID
	}
	m.conn.SetLastMessageID(msg.ID)

	sctx := logctx.WithStreamData(ctx, &logctx.StreamData{MessageID: msg.ID, ConversationID: msg.ConversationID})

	// History first so replay order matches broadcast order.
	replay, err := m.deps.History.Range(sctx, msg.ConversationID, 0, -1)
	if err != nil {
		m.deps.Log.WarnContext(sctx, "history read failed", "error", err)
		replay = nil
	}
	if err := m.deps.History.Append(sctx, msg.ConversationID, msg); err != nil {
		m.deps.Log.WarnContext(sctx, "history append failed", "error", err)
	}
	m.deps.Registry.Broadcast(msg.ConversationID, msg, m.id)
	m.persist(sctx, msg)

	// One upstream request at a time: a newer message supersedes the
	// in-flight stream, which terminates with a cancelled marker that is
	// still delivered so the peer can release the old id.
	if m.streamCancel != nil {
		m.streamCancel()
		m.drainStream(sctx)
		m.finishStream(sctx)
	}

	streamCtx, cancel := context.WithCancel(sctx)
	m.streamID = msg.ID
	m.streamCancel = cancel
	m.assembled = m.assembled[:0]
	m.streamCh = m.deps.Bridge.Respond(streamCtx, msg, replay)
	if err := m.deps.Registry.Transition(m.id, registry.StateStreaming); err != nil {
		m.deps.Log.ErrorContext(sctx, "transition to streaming failed", "error", err)
	}
	return "", false
}

// handleSystem fans out a system envelope. Admin traffic bypasses message
// accounting; the bypass itself is audited by the limiter.
func (m *Machine) handleSystem(ctx context.Context, env *wire.System) (wire.Kind, bool) {
	if err := m.deps.Limiter.AllowMessage(ctx, m.principal.UserID, m.transport.RemoteIP(), m.principal.Admin, true); err != nil {
		m.enqueue(ctx, wire.NewError(wire.KindRateLimitExceeded, "rate limit exceeded"))
		return "", false
	}
	if env.ID == "" {
		env.ID = uuid.NewString()
	}
	conversation := env.ConversationID
	if conversation == "" {
		conversation = m.conn.ConversationID()
	}
	m.deps.Registry.Broadcast(conversation, env, m.id)
	return "", false
}

// forwardStreamEnvelope relays one bridge envelope to the peer, assembling
// the full assistant message as deltas pass through.
func (m *Machine) forwardStreamEnvelope(ctx context.Context, env wire.Envelope) {
	if chunk, ok := env.(*wire.ChatChunk); ok {
		m.assembled = append(m.assembled, chunk.Delta...)
	}
	m.enqueue(ctx, env)
}

// finishStream runs when the bridge channel closes: the assembled assistant
// message joins the conversation record and fans out to the other members,
// and the machine returns to READY.
func (m *Machine) finishStream(ctx context.Context) {
	m.streamCh = nil
	if m.streamCancel != nil {
		m.streamCancel()
		m.streamCancel = nil
	}
	m.streamID = ""

	if len(m.assembled) > 0 {
		conversation := m.conn.ConversationID()
		reply := wire.NewChatMessage(uuid.NewString(), wire.RoleAssistant, string(m.assembled), conversation, time.Now())
		if err := m.deps.History.Append(ctx, conversation, reply); err != nil {
			m.deps.Log.WarnContext(ctx, "assistant history append failed", "error", err)
		}
		m.deps.Registry.Broadcast(conversation, reply, m.id)
		m.persist(ctx, reply)
		m.assembled = m.assembled[:0]
	}

	if m.conn.State() == registry.StateStreaming {
		if err := m.deps.Registry.Transition(m.id, registry.StateReady); err != nil {
			m.deps.Log.ErrorContext(ctx, "transition to ready failed", "error", err)
		}
	}
}

// drainStream forwards a superseded stream's remaining envelopes (including
// its cancelled terminator) until the bridge closes the channel.
func (m *Machine) drainStream(ctx context.Context) {
	if m.streamCh == nil {
		return
	}
	for {
		select {
		case env, ok := <-m.streamCh:
			if !ok {
				return
			}
			m.forwardStreamEnvelope(ctx, env)
		case <-time.After(llmDrainTimeout):
			m.deps.Log.WarnContext(ctx, "superseded stream did not terminate in time")
			return
		}
	}
}

const llmDrainTimeout = 3 * time.Second

// persist hands the message to the repository fire-and-forget.
func (m *Machine) persist(ctx context.Context, msg *wire.ChatMessage) {
	if m.deps.Messages == nil {
		return
	}
	bg := context.WithoutCancel(ctx)
	go func() {
		if err := m.deps.Messages.Persist(bg, msg); err != nil {
			m.deps.Log.WarnContext(bg, "message persistence failed", "id", msg.ID, "error", err)
		}
	}()
}

// teardown transitions to CLOSING, closes the transport with the mapped
// code, and releases registry and limiter state.
func (m *Machine) teardown(ctx context.Context, kind wire.Kind) {
	bg := context.WithoutCancel(ctx)
	if m.streamCancel != nil {
		m.streamCancel()
	}
	_ = m.deps.Registry.Transition(m.id, registry.StateClosing)

	code := kind.CloseCode()
	if code == 0 {
		// Non-terminal kinds reach here only via escalation (for example a
		// malformed-input burst), which is a policy violation.
		code = 1008
	}
	_ = m.transport.Close(code, string(kind))

	conversation := m.conn.ConversationID()
	m.deps.Registry.Unregister(bg, m.id)

	// Offline presence once the user's last connection is gone.
	if conversation != "" && m.deps.Registry.CountByUser(m.principal.UserID) == 0 {
		m.deps.Registry.Broadcast(conversation, &wire.Presence{
			Type: wire.TypePresence, UserID: m.principal.UserID, State: wire.PresenceOffline,
		}, m.id)
	}
	m.deps.Log.InfoContext(ctx, "connection closed", "kind", string(kind))
}
