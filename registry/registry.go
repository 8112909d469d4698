// Package registry holds the authoritative in-process map of live
// connections, their metadata, and the bounded per-connection outgoing
// queues used for fan-out. All operations are safe for concurrent callers.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chatbridge/chat-server-go/telemetry"
	"github.com/chatbridge/chat-server-go/wire"
)

// State is the lifecycle state of a connection.
type State string

const (
	StateInitial        State = "initial"
	StateConnecting     State = "connecting"
	StateAuthenticating State = "authenticating"
	StateAuthenticated  State = "authenticated"
	StateReady          State = "ready"
	StateStreaming      State = "streaming"
	StateUnresponsive   State = "unresponsive"
	StateClosing        State = "closing"
	StateClosed         State = "closed"
)

// validNext enumerates the permitted transitions. CLOSING is reachable from
// every state except CLOSING and CLOSED; CLOSED only from CLOSING.
var validNext = map[State][]State{
	StateInitial:        {StateConnecting},
	StateConnecting:     {StateAuthenticating},
	StateAuthenticating: {StateAuthenticated},
	StateAuthenticated:  {StateReady},
	StateReady:          {StateStreaming, StateUnresponsive},
	StateStreaming:      {StateReady, StateUnresponsive},
	StateUnresponsive:   {},
	StateClosing:        {StateClosed},
}

// CanTransition reports whether from -> to is a permitted state change.
func CanTransition(from, to State) bool {
	if to == StateClosing {
		return from != StateClosing && from != StateClosed
	}
	for _, next := range validNext[from] {
		if next == to {
			return true
		}
	}
	return false
}

var (
	// ErrUnknownConnection reports an operation against an id that is not
	// registered.
	ErrUnknownConnection = errors.New("registry: unknown connection")
	// ErrInvalidTransition reports a state change the lifecycle table forbids.
	ErrInvalidTransition = errors.New("registry: invalid state transition")
)

// DefaultQueueSize bounds each connection's outgoing channel.
const DefaultQueueSize = 64

// Conn is one live connection. The session machine that created it is the
// sole owner of its lifecycle; the registry holds it for lookup and fan-out.
type Conn struct {
	ID       string
	UserID   string
	Admin    bool
	RemoteIP string

	mu             sync.Mutex
	conversationID string
	createdAt      time.Time
	lastSeen       time.Time
	state          State
	typing         bool
	lastMessageID  string
	blockedSince   time.Time

	out      chan wire.Envelope
	closeReq chan struct{}
	closeErr wire.Kind
	closed   sync.Once
}

// Out is the connection's ordered outgoing channel. The transport write pump
// is its sole consumer.
func (c *Conn) Out() <-chan wire.Envelope { return c.out }

// CloseRequested is closed when the registry schedules the connection for
// disconnect (queue saturation, shutdown). The session machine selects on it.
func (c *Conn) CloseRequested() <-chan struct{} { return c.closeReq }

// CloseKind returns the failure kind recorded when close was requested.
func (c *Conn) CloseKind() wire.Kind {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

// RequestClose schedules the connection for disconnect with the given kind.
// Safe to call more than once; the first kind wins.
func (c *Conn) RequestClose(kind wire.Kind) {
	c.closed.Do(func() {
		c.mu.Lock()
		c.closeErr = kind
		c.mu.Unlock()
		close(c.closeReq)
	})
}

// State returns the connection's current lifecycle state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ConversationID returns the conversation this connection joined, if any.
func (c *Conn) ConversationID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conversationID
}

// JoinConversation records the conversation the connection participates in.
func (c *Conn) JoinConversation(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conversationID = id
}

// SetLastMessageID records the id of the last message received from the peer.
func (c *Conn) SetLastMessageID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastMessageID = id
}

// Offer attempts a non-blocking enqueue onto the outgoing channel. It returns
// false when the queue is full; the registry tracks how long the queue has
// been saturated and escalates past the configured timeout.
func (c *Conn) Offer(env wire.Envelope) bool {
	select {
	case <-c.closeReq:
		return false
	default:
	}
	select {
	case c.out <- env:
		c.mu.Lock()
		c.blockedSince = time.Time{}
		c.mu.Unlock()
		return true
	default:
		c.mu.Lock()
		if c.blockedSince.IsZero() {
			c.blockedSince = time.Now()
		}
		c.mu.Unlock()
		return false
	}
}

// ErrSendTimeout reports that a blocking enqueue could not complete within
// its deadline.
var ErrSendTimeout = errors.New("registry: outgoing queue send timed out")

// Send is the blocking enqueue used by the owning session machine. It waits
// up to timeout for queue space; a timeout means the queue has been saturated
// the whole window and the caller should escalate.
func (c *Conn) Send(ctx context.Context, env wire.Envelope, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case c.out <- env:
		c.mu.Lock()
		c.blockedSince = time.Time{}
		c.mu.Unlock()
		return nil
	case <-c.closeReq:
		return fmt.Errorf("registry: connection %s closing", c.ID)
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return ErrSendTimeout
	}
}

// saturatedFor returns how long the outgoing queue has been full.
func (c *Conn) saturatedFor() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.blockedSince.IsZero() {
		return 0
	}
	return time.Since(c.blockedSince)
}

// Metadata is the serializable projection of a connection for admin listings
// and presence. It never holds transport handles.
type Metadata struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	RemoteIP       string    `json:"remote_ip"`
	ConversationID string    `json:"conversation_id,omitempty"`
	State          State     `json:"state"`
	CreatedAt      time.Time `json:"created_at"`
	LastSeen       time.Time `json:"last_seen"`
	Typing         bool      `json:"typing"`
	LastMessageID  string    `json:"last_message_id,omitempty"`
}

func (c *Conn) metadata() Metadata {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Metadata{
		ID:             c.ID,
		UserID:         c.UserID,
		RemoteIP:       c.RemoteIP,
		ConversationID: c.conversationID,
		State:          c.state,
		CreatedAt:      c.createdAt,
		LastSeen:       c.lastSeen,
		Typing:         c.typing,
		LastMessageID:  c.lastMessageID,
	}
}

// EventKind classifies lifecycle events published by the registry.
type EventKind string

const (
	EventRegistered   EventKind = "registered"
	EventTransitioned EventKind = "transitioned"
	EventUnregistered EventKind = "unregistered"
)

// Event is a lifecycle notification.
type Event struct {
	Kind   EventKind
	ConnID string
	UserID string
	State  State
}

// ReleaseFunc is invoked after unregister so the rate limiter's connection
// counters can be decremented.
type ReleaseFunc func(ctx context.Context, connID, userID, ip string)

// Registry is the shared connection table.
type Registry struct {
	queueSize      int
	messageTimeout time.Duration
	release        ReleaseFunc
	sink           telemetry.Sink
	log            *slog.Logger

	mu        sync.RWMutex
	conns     map[string]*Conn
	byUser    map[string]map[string]*Conn
	byIP      map[string]map[string]*Conn
	listeners []func(Event)
}

// Option configures a Registry.
type Option func(*Registry)

// WithQueueSize overrides the per-connection outgoing queue bound.
func WithQueueSize(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.queueSize = n
		}
	}
}

// WithMessageTimeout sets the saturation grace before a connection is marked
// unresponsive.
func WithMessageTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.messageTimeout = d
		}
	}
}

// WithReleaseFunc wires the unregister hook.
func WithReleaseFunc(f ReleaseFunc) Option {
	return func(r *Registry) { r.release = f }
}

// WithLogger sets the logger. Defaults to a discard logger.
func WithLogger(log *slog.Logger) Option {
	return func(r *Registry) { r.log = log }
}

// WithSink sets the telemetry sink.
func WithSink(sink telemetry.Sink) Option {
	return func(r *Registry) { r.sink = sink }
}

// New constructs an empty Registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		queueSize:      DefaultQueueSize,
		messageTimeout: 30 * time.Second,
		sink:           telemetry.Noop{},
		log:            slog.New(slog.DiscardHandler),
		conns:          make(map[string]*Conn),
		byUser:         make(map[string]map[string]*Conn),
		byIP:           make(map[string]map[string]*Conn),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// OnEvent registers a lifecycle listener. Listeners run synchronously on the
// mutating goroutine and must not block.
func (r *Registry) OnEvent(f func(Event)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, f)
}

func (r *Registry) publish(ev Event) {
	r.mu.RLock()
	listeners := r.listeners
	r.mu.RUnlock()
	for _, f := range listeners {
		f(ev)
	}
}

// Register creates and inserts a connection in CONNECTING state.
func (r *Registry) Register(id, userID string, admin bool, remoteIP string) (*Conn, error) {
	now := time.Now()
	conn := &Conn{
		ID:        id,
		UserID:    userID,
		Admin:     admin,
		RemoteIP:  remoteIP,
		createdAt: now,
		lastSeen:  now,
		state:     StateConnecting,
		out:       make(chan wire.Envelope, r.queueSize),
		closeReq:  make(chan struct{}),
	}

	r.mu.Lock()
	if _, exists := r.conns[id]; exists {
		r.mu.Unlock()
		return nil, fmt.Errorf("registry: duplicate connection id %s", id)
	}
	r.conns[id] = conn
	if r.byUser[userID] == nil {
		r.byUser[userID] = make(map[string]*Conn)
	}
	r.byUser[userID][id] = conn
	if r.byIP[remoteIP] == nil {
		r.byIP[remoteIP] = make(map[string]*Conn)
	}
	r.byIP[remoteIP][id] = conn
	total := len(r.conns)
	r.mu.Unlock()

	r.sink.SetGauge(telemetry.GaugeSessionsActive, float64(total))
	r.publish(Event{Kind: EventRegistered, ConnID: id, UserID: userID, State: StateConnecting})
	return conn, nil
}

// Get returns the connection with the given id.
func (r *Registry) Get(id string) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	return c, ok
}

// Transition applies a validated state change.
func (r *Registry) Transition(id string, to State) error {
	conn, ok := r.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownConnection, id)
	}
	conn.mu.Lock()
	from := conn.state
	if !CanTransition(from, to) {
		conn.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	conn.state = to
	conn.lastSeen = time.Now()
	conn.mu.Unlock()

	r.publish(Event{Kind: EventTransitioned, ConnID: id, UserID: conn.UserID, State: to})
	return nil
}

// Heartbeat updates a connection's last-seen timestamp.
func (r *Registry) Heartbeat(id string) error {
	conn, ok := r.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownConnection, id)
	}
	conn.mu.Lock()
	conn.lastSeen = time.Now()
	conn.mu.Unlock()
	return nil
}

// SetTyping updates the typing flag and returns the previous value.
func (r *Registry) SetTyping(id string, typing bool) (bool, error) {
	conn, ok := r.Get(id)
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownConnection, id)
	}
	conn.mu.Lock()
	prev := conn.typing
	conn.typing = typing
	conn.lastSeen = time.Now()
	conn.mu.Unlock()
	return prev, nil
}

// Broadcast delivers an envelope to every connection joined to the
// conversation, except an optional sender. The recipient set is snapshotted
// before delivery so no lock is held across queue operations. Recipients with
// saturated queues past the message timeout are marked UNRESPONSIVE and
// scheduled for disconnect; failures for one recipient never affect others.
func (r *Registry) Broadcast(conversationID string, env wire.Envelope, exceptID string) {
	r.mu.RLock()
	recipients := make([]*Conn, 0, len(r.conns))
	for id, c := range r.conns {
		if id == exceptID {
			continue
		}
		if c.ConversationID() != conversationID {
			continue
		}
		recipients = append(recipients, c)
	}
	r.mu.RUnlock()

	for _, c := range recipients {
		st := c.State()
		if st != StateReady && st != StateStreaming {
			continue
		}
		if c.Offer(env) {
			continue
		}
		r.sink.IncCounter(telemetry.CounterBroadcastDropped, 1)
		if c.saturatedFor() > r.messageTimeout {
			r.markUnresponsive(c)
		}
	}
}

// markUnresponsive transitions the connection and schedules its disconnect.
func (r *Registry) markUnresponsive(c *Conn) {
	c.mu.Lock()
	from := c.state
	if from != StateReady && from != StateStreaming {
		c.mu.Unlock()
		return
	}
	c.state = StateUnresponsive
	c.mu.Unlock()

	r.log.Warn("connection unresponsive, scheduling disconnect", "conn_id", c.ID, "user_id", c.UserID)
	r.publish(Event{Kind: EventTransitioned, ConnID: c.ID, UserID: c.UserID, State: StateUnresponsive})
	c.RequestClose(wire.KindServerError)
}

// CountByUser returns the number of live connections for a user.
func (r *Registry) CountByUser(userID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID])
}

// CountByIP returns the number of live connections from an ip.
func (r *Registry) CountByIP(ip string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byIP[ip])
}

// Snapshot returns metadata for every live connection, for admin listings.
func (r *Registry) Snapshot() []Metadata {
	r.mu.RLock()
	conns := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.RUnlock()

	out := make([]Metadata, 0, len(conns))
	for _, c := range conns {
		out = append(out, c.metadata())
	}
	return out
}

// Unregister removes the connection and invokes the release hook. The
// connection's queue is not closed; the write pump drains until its transport
// ends.
func (r *Registry) Unregister(ctx context.Context, id string) {
	r.mu.Lock()
	conn, ok := r.conns[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.conns, id)
	if m := r.byUser[conn.UserID]; m != nil {
		delete(m, id)
		if len(m) == 0 {
			delete(r.byUser, conn.UserID)
		}
	}
	if m := r.byIP[conn.RemoteIP]; m != nil {
		delete(m, id)
		if len(m) == 0 {
			delete(r.byIP, conn.RemoteIP)
		}
	}
	total := len(r.conns)
	r.mu.Unlock()

	conn.mu.Lock()
	conn.state = StateClosed
	conn.mu.Unlock()

	r.sink.SetGauge(telemetry.GaugeSessionsActive, float64(total))
	if r.release != nil {
		r.release(ctx, conn.ID, conn.UserID, conn.RemoteIP)
	}
	r.publish(Event{Kind: EventUnregistered, ConnID: id, UserID: conn.UserID, State: StateClosed})
}

// CloseAll schedules every live connection for disconnect. Used on server
// shutdown.
func (r *Registry) CloseAll(kind wire.Kind) {
	r.mu.RLock()
	conns := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.RUnlock()
	for _, c := range conns {
		c.RequestClose(kind)
	}
}
