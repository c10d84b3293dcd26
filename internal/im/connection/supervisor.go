package connection

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"imgateway/internal/eventbus"
	"imgateway/internal/im"
	"imgateway/internal/im/suppress"
	rtsup "imgateway/internal/runtime/supervisor"
	logx "imgateway/pkg/logx"
)

// Event types published on the bus.
const (
	EventConnection = "im.connection"
	EventInbound    = "im.inbound"
)

// Alert keys, each throttled independently.
const (
	AlertDisconnect      = "disconnect"
	AlertConnectionError = "connection_error"
	AlertLoginError      = "login_error"
)

var (
	ErrDisabled      = errors.New("provider disabled")
	errSessionClosed = errors.New("session closed")
)

// ConnectionEvent is the payload of EventConnection.
type ConnectionEvent struct {
	Provider im.Provider `json:"provider"`
	State    string      `json:"state"` // connected | resumed | disconnected | login_failed
	Error    string      `json:"error,omitempty"`
}

// InboundEvent is the payload of EventInbound.
type InboundEvent struct {
	Provider  im.Provider `json:"provider"`
	MessageID string      `json:"message_id"`
	SenderID  string      `json:"sender_id"`
	ChatID    string      `json:"chat_id"`
}

// AffinitySetter records which provider a user was last seen on.
type AffinitySetter interface {
	Set(ctx context.Context, userID string, p im.Provider, ttl time.Duration) error
}

type Option func(*Supervisor)

func WithLogger(log logx.Logger) Option     { return func(s *Supervisor) { s.log = log } }
func WithHandler(h im.Handler) Option       { return func(s *Supervisor) { s.handler = h } }
func WithAlert(fn im.AlertFunc) Option      { return func(s *Supervisor) { s.alert = fn } }
func WithAffinity(a AffinitySetter) Option  { return func(s *Supervisor) { s.affinity = a } }
func WithBus(b eventbus.Bus) Option         { return func(s *Supervisor) { s.bus = b } }
func WithClock(now func() time.Time) Option { return func(s *Supervisor) { s.now = now } }
func WithBackoff(fn func(int) time.Duration) Option {
	return func(s *Supervisor) { s.backoff = fn }
}

// Supervisor keeps one Transport connected until Stop.
type Supervisor struct {
	cfg       Config
	transport Transport
	provider  im.Provider

	log      logx.Logger
	handler  im.Handler
	alert    im.AlertFunc
	affinity AffinitySetter
	bus      eventbus.Bus
	now      func() time.Time
	backoff  func(int) time.Duration

	dedup    *suppress.DedupCache
	throttle *suppress.AlertThrottle

	// lifecycle serializes Start/Stop.
	lifecycle sync.Mutex
	cur       *session
	// runtime mirrors cur.sup for Runtime, which must not wait on lifecycle.
	runtime atomic.Pointer[rtsup.Supervisor]

	mu              sync.Mutex
	running         bool
	connected       bool
	attempts        int
	lastConnectedAt time.Time
	lastEventAt     time.Time
	lastErrorAt     time.Time
	lastError       string

	dropped atomic.Uint64
}

func New(t Transport, cfg Config, opts ...Option) *Supervisor {
	s := &Supervisor{
		cfg:       cfg.withDefaults(),
		transport: t,
		provider:  t.Provider(),
		now:       time.Now,
		backoff:   Backoff,
	}
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	s.log = s.log.With(logx.String("provider", string(s.provider)))
	s.dedup = suppress.NewDedupCache(s.cfg.DedupCapacity, s.now)
	s.throttle = suppress.NewAlertThrottle(s.log, s.alert, s.now)
	return s
}

func (s *Supervisor) Provider() im.Provider { return s.provider }

// Start launches the reconnect loop and waits for the first attempt's
// outcome, bounded by ctx and the start timeout. A login failure is returned
// and stops the loop; any other outcome leaves the loop retrying.
// Calling Start on a running supervisor is a no-op.
func (s *Supervisor) Start(ctx context.Context) error {
	if !s.cfg.Enabled {
		return ErrDisabled
	}

	s.lifecycle.Lock()
	if old := s.cur; old != nil {
		if s.isRunning() {
			s.lifecycle.Unlock()
			return nil
		}
		// Previous session gave up on a login failure.
		s.cur = nil
		if err := s.teardown(ctx, old); err != nil {
			s.log.Warn("stale session teardown", logx.Err(err))
		}
	}

	r := s.newSession()
	s.cur = r
	s.runtime.Store(r.sup)
	s.mu.Lock()
	s.running = true
	s.attempts = 0
	s.mu.Unlock()

	r.sup.GoRestart("session", r.attempt,
		rtsup.WithStopOnCleanExit(false),
		rtsup.WithRestartDelay(s.nextDelay),
	)
	r.sup.Go0("inbound", r.work)
	r.sup.Go0("inbound.drop_report", r.reportDrops)
	s.lifecycle.Unlock()

	s.log.Info("session supervisor started")

	timer := time.NewTimer(s.cfg.StartTimeout)
	defer timer.Stop()

	select {
	case err := <-r.first:
		if err == nil {
			return nil
		}
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		s.lifecycle.Lock()
		if s.cur == r {
			s.cur = nil
			_ = s.teardown(sctx, r)
		}
		s.lifecycle.Unlock()
		return err
	case <-timer.C:
		s.log.Warn("first connection attempt still pending, continuing in background", logx.Duration("timeout", s.cfg.StartTimeout))
		return nil
	case <-ctx.Done():
		s.log.Debug("start wait abandoned", logx.Err(ctx.Err()))
		return nil
	}
}

// Stop is a barrier: once it returns (with a nil error) no event callback,
// grace timer or handler invocation for this supervisor runs any more.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	r := s.cur
	s.cur = nil
	s.runtime.Store(nil)
	if r == nil {
		return nil
	}
	err := s.teardown(ctx, r)
	s.log.Info("session supervisor stopped", logx.Uint64("dropped_pending", s.dropped.Load()))
	return err
}

func (s *Supervisor) teardown(ctx context.Context, r *session) error {
	s.mu.Lock()
	s.running = false
	s.connected = false
	s.mu.Unlock()

	r.sup.Cancel()
	r.close()
	r.cancelGrace()

	closeErr := s.transport.Close()
	if err := r.sup.Wait(ctx); err != nil && ctx.Err() != nil {
		return fmt.Errorf("%s: wait for session shutdown: %w", s.provider, err)
	}
	if closeErr != nil {
		return &im.TransportError{Provider: s.provider, Op: "close", Err: closeErr}
	}
	return nil
}

// Runtime snapshots the current session's goroutines. ok is false while
// stopped.
func (s *Supervisor) Runtime() (snap rtsup.Snapshot, ok bool) {
	sup := s.runtime.Load()
	if sup == nil {
		return rtsup.Snapshot{}, false
	}
	return sup.Snapshot(), true
}

func (s *Supervisor) isRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Connected reports whether the session is currently live.
func (s *Supervisor) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running && s.connected
}

func (s *Supervisor) Status() im.ConnectionStatus {
	s.mu.Lock()
	st := im.ConnectionStatus{
		Provider:          s.provider,
		Enabled:           s.cfg.Enabled,
		Running:           s.running,
		Connected:         s.connected,
		ReconnectAttempts: s.attempts,
		LastConnectedAt:   s.lastConnectedAt,
		LastEventAt:       s.lastEventAt,
		LastErrorAt:       s.lastErrorAt,
		LastError:         s.lastError,
	}
	s.mu.Unlock()
	st.Extras = s.transport.Extras()
	return st.Clone()
}

// SendDirect messages userID over the live session. It never panics or
// returns an error; a missing session yields "<provider> bot unavailable".
func (s *Supervisor) SendDirect(ctx context.Context, userID, text string) im.SendResult {
	if !s.Connected() {
		return im.Failed(s.provider, fmt.Sprintf("%s bot unavailable", s.provider))
	}
	id, err := s.transport.Send(ctx, userID, text)
	if err != nil {
		s.log.Warn("direct send failed", logx.String("user", userID), logx.Err(err))
		return im.Failed(s.provider, err.Error())
	}
	return im.Succeeded(s.provider, id)
}

func (s *Supervisor) nextDelay(_ int, err error) time.Duration {
	s.mu.Lock()
	s.attempts++
	attempt := s.attempts
	s.mu.Unlock()

	d := s.backoff(attempt)
	s.log.Warn("session ended, reconnecting", logx.Int("attempt", attempt), logx.Duration("delay", d), logx.Err(err))
	return d
}

func (s *Supervisor) recordError(msg string) {
	s.mu.Lock()
	s.lastError = msg
	s.lastErrorAt = s.now()
	s.mu.Unlock()
}

func (s *Supervisor) publish(typ string, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: data})
}

func (s *Supervisor) publishConn(state string, err error) {
	ev := ConnectionEvent{Provider: s.provider, State: state}
	if err != nil {
		ev.Error = err.Error()
	}
	s.publish(EventConnection, ev)
}

func (s *Supervisor) dispatch(ctx context.Context, msg im.InboundMessage) {
	if s.affinity != nil && msg.SenderID != "" {
		if err := s.affinity.Set(ctx, msg.SenderID, s.provider, s.cfg.AffinityTTL); err != nil {
			s.log.Warn("affinity update failed", logx.String("user", msg.SenderID), logx.Err(err))
		}
	}
	s.publish(EventInbound, InboundEvent{Provider: s.provider, MessageID: msg.ID, SenderID: msg.SenderID, ChatID: msg.ChatID})

	if s.handler == nil {
		return
	}
	hctx, cancel := context.WithTimeout(ctx, s.cfg.HandlerTimeout)
	defer cancel()
	if err := s.invoke(hctx, msg); err != nil {
		cerr := &im.CallbackError{MessageID: msg.ID, Err: err}
		s.recordError(cerr.Error())
		s.log.Error("message handler failed", logx.String("message_id", msg.ID), logx.Err(err))
	}
}

func (s *Supervisor) invoke(ctx context.Context, msg im.InboundMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.log.Debug("handler panic stack", logx.Stack(string(debug.Stack())))
		}
	}()
	return s.handler.HandleMessage(ctx, msg)
}

// session is one Start..Stop cycle. It is the Events sink handed to the
// transport, so callbacks from a previous cycle hit a closed gate.
type session struct {
	s     *Supervisor
	sup   *rtsup.Supervisor
	queue chan im.InboundMessage

	gate   sync.RWMutex
	closed bool

	first     chan error
	firstOnce sync.Once

	// up is set when the current attempt reached Connected/Resumed.
	up atomic.Bool

	timerMu sync.Mutex
	timer   *time.Timer
}

func (s *Supervisor) newSession() *session {
	return &session{
		s: s,
		sup: rtsup.NewSupervisor(context.Background(),
			rtsup.WithLogger(s.log.With(logx.String("comp", "im.session"))),
			rtsup.WithCancelOnError(false),
		),
		queue: make(chan im.InboundMessage, s.cfg.QueueSize),
		first: make(chan error, 1),
	}
}

func (r *session) enter() bool {
	r.gate.RLock()
	if r.closed {
		r.gate.RUnlock()
		return false
	}
	return true
}

func (r *session) leave() { r.gate.RUnlock() }

// close waits for in-flight callbacks and rejects new ones.
func (r *session) close() {
	r.gate.Lock()
	r.closed = true
	r.gate.Unlock()
}

func (r *session) signalFirst(err error) {
	r.firstOnce.Do(func() { r.first <- err })
}

func (r *session) attempt(ctx context.Context) error {
	s := r.s
	r.up.Store(false)
	s.log.Debug("connecting")

	err := s.transport.Run(ctx, r)
	if ctx.Err() != nil {
		return nil
	}
	if !r.enter() {
		return nil
	}
	defer r.leave()

	if im.IsAuthentication(err) {
		s.mu.Lock()
		s.running = false
		s.connected = false
		s.mu.Unlock()
		s.recordError("login failed: " + err.Error())
		s.throttle.Alert(AlertLoginError, fmt.Sprintf("%s bot login failed: %v", s.provider.DisplayName(), err), s.cfg.AlertCooldown)
		s.publishConn("login_failed", err)
		r.signalFirst(err)
		return rtsup.Permanent(err)
	}

	if err == nil {
		err = errSessionClosed
	}
	s.recordError(err.Error())
	r.down(err)
	if !r.up.Load() {
		// Never got a session on this attempt; a drop of a live session is
		// reported by the disconnect grace timer instead.
		s.mu.Lock()
		attempt := s.attempts + 1
		s.mu.Unlock()
		s.throttle.Alert(AlertConnectionError, fmt.Sprintf("%s bot connection error (attempt=%d): %v", s.provider.DisplayName(), attempt, err), s.cfg.AlertCooldown)
	}
	r.signalFirst(nil)
	return err
}

func (r *session) Connected() {
	if !r.enter() {
		return
	}
	defer r.leave()
	r.markUp("connected")
}

func (r *session) Resumed() {
	if !r.enter() {
		return
	}
	defer r.leave()
	r.markUp("resumed")
}

func (r *session) markUp(state string) {
	s := r.s
	r.up.Store(true)
	r.cancelGrace()

	s.mu.Lock()
	s.connected = true
	s.attempts = 0
	s.lastConnectedAt = s.now()
	s.mu.Unlock()

	s.log.Info("session " + state)
	s.publishConn(state, nil)
	r.signalFirst(nil)
}

func (r *session) Disconnected(err error) {
	if !r.enter() {
		return
	}
	defer r.leave()
	r.down(err)
}

func (r *session) down(err error) {
	s := r.s
	s.mu.Lock()
	was := s.connected
	s.connected = false
	running := s.running
	s.mu.Unlock()

	if !was {
		return
	}
	s.log.Warn("session disconnected", logx.Err(err))
	s.publishConn("disconnected", err)
	if running {
		r.armGrace()
	}
}

func (r *session) Message(msg im.InboundMessage) {
	if !r.enter() {
		return
	}
	defer r.leave()

	s := r.s
	if msg.FromSelf || msg.FromBot {
		return
	}
	if s.dedup.IsDuplicate(msg.ID, s.cfg.DedupTTL) {
		s.log.Debug("duplicate inbound dropped", logx.String("message_id", msg.ID))
		return
	}

	now := s.now()
	s.mu.Lock()
	s.lastEventAt = now
	s.mu.Unlock()

	msg.Provider = s.provider
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = now
	}
	select {
	case r.queue <- msg:
	default:
		// A redelivery of a dropped message must not count as a duplicate.
		s.dedup.Forget(msg.ID)
		s.dropped.Add(1)
	}
}

func (r *session) Error(err error) {
	if err == nil || !r.enter() {
		return
	}
	defer r.leave()

	s := r.s
	s.recordError(err.Error())
	s.throttle.Alert(AlertConnectionError, fmt.Sprintf("%s bot error: %v", s.provider.DisplayName(), err), s.cfg.AlertCooldown)
}

func (r *session) armGrace() {
	r.timerMu.Lock()
	defer r.timerMu.Unlock()
	if r.timer != nil {
		return
	}
	r.timer = time.AfterFunc(r.s.cfg.DisconnectGrace, r.confirmDisconnect)
}

func (r *session) cancelGrace() {
	r.timerMu.Lock()
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.timerMu.Unlock()
}

func (r *session) confirmDisconnect() {
	if !r.enter() {
		return
	}
	defer r.leave()

	r.timerMu.Lock()
	r.timer = nil
	r.timerMu.Unlock()

	s := r.s
	s.mu.Lock()
	running, connected, attempts := s.running, s.connected, s.attempts
	s.mu.Unlock()
	if !running || connected {
		return
	}

	grace := s.cfg.DisconnectGrace
	s.recordError(fmt.Sprintf("disconnected for more than %s", grace))
	s.throttle.Alert(AlertDisconnect, fmt.Sprintf("%s bot disconnected (attempt=%d, >%s)", s.provider.DisplayName(), attempts, grace), s.cfg.AlertCooldown)
}

func (r *session) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-r.queue:
			r.s.dispatch(ctx, msg)
		}
	}
}

func (r *session) reportDrops(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	flush := func() {
		if n := r.s.dropped.Swap(0); n > 0 {
			r.s.log.Warn("inbound messages dropped (queue full)", logx.Uint64("count", n), logx.Int("queue_cap", cap(r.queue)))
		}
	}
	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case <-ticker.C:
			flush()
		}
	}
}
