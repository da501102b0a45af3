package taskdeck

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures push channels.
type RealtimeConfig struct {
	// Endpoint is the base URL of the realtime server (http, https, ws or wss).
	Endpoint string
	Token    string
	// Transports are tried in order on every connection attempt.
	Transports []Transport
	// MaxReconnectAttempts is the reconnect ceiling per outage. Negative
	// disables automatic reconnection.
	MaxReconnectAttempts int
	ReconnectDelay       time.Duration
	DialTimeout          time.Duration
	WriteTimeout         time.Duration
	HTTPClient           *http.Client
	Logger               *slog.Logger
	Metrics              *Metrics
}

func (c *RealtimeConfig) defaults() {
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 5
	}
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = 1 * time.Second
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if len(c.Transports) == 0 {
		c.Transports = DefaultTransports(c.HTTPClient)
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
}

// ConnectionStatus is the connection state of a channel.
type ConnectionStatus string

const (
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusConnecting   ConnectionStatus = "connecting"
	StatusConnected    ConnectionStatus = "connected"
)

// ConnectionState is a snapshot of a channel's state.
type ConnectionState struct {
	Status     ConnectionStatus
	RetryCount int
	Rooms      []string
	Transport  string
}

// ============================================================================
// Event Dispatcher
// ============================================================================

// Handler receives channel events. Handlers run on the channel's read
// goroutine in arrival order and must not call Close on their own channel.
type Handler func(Event)

type registration struct {
	id uint64
	h  Handler
}

type eventDispatcher struct {
	log *slog.Logger

	mu       sync.Mutex
	nextID   uint64
	handlers map[string][]registration

	// fire is read-held while handlers run; close takes it exclusively so no
	// handler runs once close has returned.
	fire   sync.RWMutex
	closed bool
}

func newEventDispatcher(log *slog.Logger) *eventDispatcher {
	return &eventDispatcher{
		log:      log,
		handlers: make(map[string][]registration),
	}
}

func (d *eventDispatcher) subscribe(event string, h Handler) *Subscription {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	d.handlers[event] = append(d.handlers[event], registration{id: d.nextID, h: h})
	return &Subscription{d: d, event: event, id: d.nextID}
}

func (d *eventDispatcher) unsubscribe(event string, id uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	regs := d.handlers[event]
	for i, r := range regs {
		if r.id == id {
			d.handlers[event] = append(regs[:i:i], regs[i+1:]...)
			return
		}
	}
}

func (d *eventDispatcher) dispatch(ev Event) {
	d.fire.RLock()
	defer d.fire.RUnlock()
	if d.closed {
		return
	}

	d.mu.Lock()
	regs := append([]registration(nil), d.handlers[ev.EventName()]...)
	d.mu.Unlock()

	for _, r := range regs {
		d.call(r.h, ev)
	}
}

func (d *eventDispatcher) call(h Handler, ev Event) {
	defer func() {
		if rec := recover(); rec != nil {
			d.log.Error("channel.handler.panic", "event", ev.EventName(), "panic", rec)
		}
	}()
	h(ev)
}

func (d *eventDispatcher) close() {
	d.mu.Lock()
	d.handlers = make(map[string][]registration)
	d.mu.Unlock()

	d.fire.Lock()
	d.closed = true
	d.fire.Unlock()
}

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	d     *eventDispatcher
	event string
	id    uint64
	once  sync.Once
}

// Unsubscribe removes exactly this registration. It is safe to call more than once.
func (s *Subscription) Unsubscribe() {
	if s == nil {
		return
	}
	s.once.Do(func() { s.d.unsubscribe(s.event, s.id) })
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	maxAttempts int
	policy      backoff.BackOff
	attempt     int
}

func newReconnector(config *RealtimeConfig) *reconnector {
	r := &reconnector{maxAttempts: config.MaxReconnectAttempts}
	if r.maxAttempts > 0 {
		r.policy = backoff.WithMaxRetries(backoff.NewConstantBackOff(config.ReconnectDelay), uint64(r.maxAttempts))
	}
	return r
}

// next returns the delay before the next attempt, or false once the ceiling is reached.
func (r *reconnector) next() (time.Duration, bool) {
	if r.policy == nil {
		return 0, false
	}
	d := r.policy.NextBackOff()
	if d == backoff.Stop {
		return 0, false
	}
	r.attempt++
	return d, true
}

func (r *reconnector) reset() {
	r.attempt = 0
	if r.policy != nil {
		r.policy.Reset()
	}
}

// ============================================================================
// Channel
// ============================================================================

// Channel is one push connection owned by a single identity. It is created
// for an identity and closed, never resumed, when that identity goes away.
type Channel struct {
	identity Identity
	cfg      *RealtimeConfig
	log      *slog.Logger

	mu        sync.Mutex
	status    ConnectionStatus
	retries   int
	rooms     map[string]struct{}
	conn      Conn
	transport string
	err       error
	closed    bool
	cancel    context.CancelFunc

	writeMu    sync.Mutex
	dispatcher *eventDispatcher
	recon      *reconnector
}

// NewChannel creates a disconnected channel for id. Call Connect to start it.
func NewChannel(id Identity, config *RealtimeConfig) *Channel {
	var cfg RealtimeConfig
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	log := cfg.Logger.With("user_id", id.ID)
	return &Channel{
		identity:   id,
		cfg:        &cfg,
		log:        log,
		status:     StatusDisconnected,
		rooms:      make(map[string]struct{}),
		dispatcher: newEventDispatcher(log),
		recon:      newReconnector(&cfg),
	}
}

// Identity returns the identity that owns the channel.
func (c *Channel) Identity() Identity {
	return c.identity
}

// Status returns the current connection status.
func (c *Channel) Status() ConnectionStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// State returns a snapshot of the connection state.
func (c *Channel) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	rooms := make([]string, 0, len(c.rooms))
	for r := range c.rooms {
		rooms = append(rooms, r)
	}
	sort.Strings(rooms)
	return ConnectionState{
		Status:     c.status,
		RetryCount: c.retries,
		Rooms:      rooms,
		Transport:  c.transport,
	}
}

// Err returns the terminal error of the last connection lifecycle, such as
// ErrReconnectExhausted, or nil.
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Subscribe registers h for the named event. The same event may have any
// number of subscribers.
func (c *Channel) Subscribe(event string, h Handler) *Subscription {
	return c.dispatcher.subscribe(event, h)
}

func (c *Channel) setStatusLocked(s ConnectionStatus) {
	c.status = s
	c.cfg.Metrics.setState(s)
}

// Connect establishes the connection, retrying up to the reconnect ceiling.
// ctx bounds the whole connection lifetime, not only the dial. Connect
// returns nil immediately if the channel is already connecting or connected.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrChannelClosed
	}
	if c.status != StatusDisconnected {
		c.mu.Unlock()
		return nil
	}
	if c.cancel != nil {
		c.cancel()
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.err = nil
	c.setStatusLocked(StatusConnecting)
	c.mu.Unlock()

	return c.connectLoop(runCtx)
}

func (c *Channel) connectLoop(ctx context.Context) error {
	c.recon.reset()
	for {
		conn, name, err := c.dial(ctx)
		if err == nil {
			if !c.attach(ctx, conn, name) {
				_ = conn.Close("channel closed")
				return ErrChannelClosed
			}
			go c.readLoop(ctx, conn)
			return nil
		}

		if c.isClosed() {
			return ErrChannelClosed
		}
		if ctx.Err() != nil {
			c.fail(ctx.Err())
			return ctx.Err()
		}

		attempt := c.recon.attempt + 1
		delay, ok := c.recon.next()
		if !ok {
			c.fail(ErrReconnectExhausted)
			c.log.Warn("channel.connect.exhausted", "attempts", attempt, "err", err)
			c.dispatcher.dispatch(ConnectError{Err: err, Attempt: attempt, Final: true})
			return fmt.Errorf("%w: %v", ErrReconnectExhausted, err)
		}

		c.mu.Lock()
		c.retries = c.recon.attempt
		c.mu.Unlock()

		c.log.Info("channel.connect.fail", "attempt", attempt, "retry_in", delay, "err", err)
		c.dispatcher.dispatch(ConnectError{Err: err, Attempt: attempt})
		c.cfg.Metrics.reconnectAttempt()

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			if c.isClosed() {
				return ErrChannelClosed
			}
			c.fail(ctx.Err())
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// dial tries every transport in order and returns the first connection.
func (c *Channel) dial(ctx context.Context) (Conn, string, error) {
	auth := DialAuth{Identity: c.identity, Token: c.cfg.Token}
	var errs []error
	for _, t := range c.cfg.Transports {
		dctx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
		conn, err := t.Dial(dctx, c.cfg.Endpoint, auth)
		cancel()
		if err == nil {
			return conn, t.Name(), nil
		}
		c.log.Debug("channel.transport.fail", "transport", t.Name(), "err", err)
		errs = append(errs, fmt.Errorf("%s: %w", t.Name(), err))
		if ctx.Err() != nil {
			break
		}
	}
	if len(errs) == 0 {
		return nil, "", errors.New("no transports configured")
	}
	return nil, "", errors.Join(errs...)
}

// attach installs a freshly dialed connection and rejoins subscribed rooms.
func (c *Channel) attach(ctx context.Context, conn Conn, transport string) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.conn = conn
	c.transport = transport
	c.retries = 0
	c.err = nil
	c.setStatusLocked(StatusConnected)
	rooms := make([]string, 0, len(c.rooms))
	for r := range c.rooms {
		rooms = append(rooms, r)
	}
	c.mu.Unlock()

	sort.Strings(rooms)
	for _, room := range rooms {
		if err := c.writeJSON(ctx, conn, EventJoinChat, joinChatPayload{Room: room}); err != nil {
			c.log.Warn("channel.rejoin.fail", "room", room, "err", err)
		}
	}

	c.log.Info("channel.connected", "transport", transport, "rooms", len(rooms))
	c.dispatcher.dispatch(Connected{Transport: transport})
	return true
}

func (c *Channel) readLoop(ctx context.Context, conn Conn) {
	for {
		env, err := conn.Read(ctx)
		if err != nil {
			c.mu.Lock()
			if c.closed || c.conn != conn {
				c.mu.Unlock()
				return
			}
			c.conn = nil
			c.setStatusLocked(StatusDisconnected)
			c.mu.Unlock()

			_ = conn.Close("read failed")
			c.log.Info("channel.disconnected", "err", err)
			c.dispatcher.dispatch(Disconnected{Reason: err.Error()})

			if c.cfg.MaxReconnectAttempts < 0 || ctx.Err() != nil {
				return
			}
			c.mu.Lock()
			if c.closed || c.status != StatusDisconnected {
				// closed, or a concurrent Connect already took over
				c.mu.Unlock()
				return
			}
			c.setStatusLocked(StatusConnecting)
			c.mu.Unlock()

			if err := c.connectLoop(ctx); err != nil && !errors.Is(err, ErrChannelClosed) {
				c.log.Warn("channel.reconnect.fail", "err", err)
			}
			return
		}

		ev, err := decodeEvent(env)
		if err != nil {
			c.log.Debug("channel.frame.drop", "type", env.Type, "err", err)
			continue
		}
		c.dispatcher.dispatch(ev)
	}
}

func (c *Channel) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
	c.setStatusLocked(StatusDisconnected)
}

func (c *Channel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// JoinRoom subscribes the connection to room. It is idempotent and only
// effective while connected; joined rooms are rejoined after a reconnect.
func (c *Channel) JoinRoom(ctx context.Context, room string) bool {
	c.mu.Lock()
	if c.status != StatusConnected || c.conn == nil {
		c.mu.Unlock()
		return false
	}
	if _, ok := c.rooms[room]; ok {
		c.mu.Unlock()
		return true
	}
	c.rooms[room] = struct{}{}
	conn := c.conn
	c.mu.Unlock()

	if err := c.writeJSON(ctx, conn, EventJoinChat, joinChatPayload{Room: room}); err != nil {
		c.log.Warn("channel.join.fail", "room", room, "err", err)
	}
	return true
}

// Emit sends an application event. While not connected the event is dropped,
// not queued; the return value reports whether it was written.
func (c *Channel) Emit(ctx context.Context, event string, payload any) bool {
	c.mu.Lock()
	conn := c.conn
	connected := c.status == StatusConnected && conn != nil
	c.mu.Unlock()

	if !connected {
		c.log.Debug("channel.emit.drop", "event", event)
		return false
	}
	if err := c.writeJSON(ctx, conn, event, payload); err != nil {
		c.log.Warn("channel.emit.fail", "event", event, "err", err)
		return false
	}
	return true
}

func (c *Channel) writeJSON(ctx context.Context, conn Conn, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, c.cfg.WriteTimeout)
	defer cancel()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.Write(wctx, Envelope{Type: event, Payload: data})
}

// Close tears the channel down: the transport is released, subscriptions are
// cleared and no handler fires after Close returns.
func (c *Channel) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.rooms = make(map[string]struct{})
	c.setStatusLocked(StatusDisconnected)
	cancel := c.cancel
	c.mu.Unlock()

	c.dispatcher.close()
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close("client disconnect")
	}
	c.log.Info("channel.closed")
}

// ============================================================================
// Realtime (connection manager)
// ============================================================================

// Realtime owns at most one Channel, bound to the current identity.
type Realtime struct {
	cfg RealtimeConfig
	log *slog.Logger

	mu      sync.Mutex
	current *Channel
	hooks   []func(*Channel)
}

// NewRealtime creates a connection manager; no connection is made until an
// identity is supplied.
func NewRealtime(config *RealtimeConfig) *Realtime {
	var cfg RealtimeConfig
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	return &Realtime{cfg: cfg, log: cfg.Logger}
}

// OnChannel registers a hook that runs whenever the channel is replaced,
// before the new channel starts connecting. The hook receives nil when the
// identity is cleared.
func (r *Realtime) OnChannel(h func(*Channel)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = append(r.hooks, h)
}

// Channel returns the current channel, or nil without an identity.
func (r *Realtime) Channel() *Channel {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// SetToken changes the bearer token presented by channels created afterwards.
func (r *Realtime) SetToken(token string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cfg.Token = token
}

// SetIdentity is the only trigger for connection setup and teardown. An
// absent or id-less identity closes the current channel; a different
// identity replaces it with a new channel that connects in the background.
// Passing the current identity again is a no-op.
func (r *Realtime) SetIdentity(ctx context.Context, id *Identity) *Channel {
	r.mu.Lock()
	prev := r.current
	if id.usable() && prev != nil && prev.identity.ID == id.ID {
		r.mu.Unlock()
		return prev
	}
	var next *Channel
	if id.usable() {
		next = NewChannel(*id, &r.cfg)
	}
	r.current = next
	hooks := append([]func(*Channel){}, r.hooks...)
	r.mu.Unlock()

	if prev != nil {
		prev.Close()
	}
	for _, h := range hooks {
		h(next)
	}
	if next == nil {
		return nil
	}

	runCtx := context.WithoutCancel(ctx)
	go func() {
		if err := next.Connect(runCtx); err != nil && !errors.Is(err, ErrChannelClosed) {
			r.log.Warn("realtime.connect.fail", "user_id", next.identity.ID, "err", err)
		}
	}()
	return next
}

// Close tears down the current channel.
func (r *Realtime) Close() {
	r.SetIdentity(context.Background(), nil)
}
