package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/fairyhunter13/storefront-core/internal/model"
	"github.com/fairyhunter13/storefront-core/internal/obs"
)

// Phase is the connection lifecycle state.
type Phase string

const (
	PhaseDisconnected Phase = "disconnected"
	PhaseConnecting   Phase = "connecting"
	PhaseConnected    Phase = "connected"
	PhaseReconnecting Phase = "reconnecting"
	PhaseFailed       Phase = "failed"
)

// Status is the observable connection state.
type Status struct {
	Phase   Phase `json:"phase"`
	Attempt int   `json:"attempt"`
}

// Publisher receives every delivered event for process-wide fan-out.
type Publisher interface {
	Publish(model.Event) bool
}

// Options configures a Manager.
type Options struct {
	URL              string
	Backoff          []time.Duration
	MaxAttempts      int
	HandshakeTimeout time.Duration
	InvokeTimeout    time.Duration
}

type stopper interface{ Stop() bool }

// Manager owns one hub connection. Create it once in the composition root and pass it to
// consumers; Close releases it.
type Manager struct {
	opts Options
	dial DialFunc
	pub  Publisher

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	phase      Phase
	attempt    int
	gen        uint64
	conn       Transport
	startLost  bool
	caps       Capabilities
	credential string
	timer      stopper
	closed     bool

	listeners  *registry
	dispatchMu sync.Mutex
	wg         sync.WaitGroup

	afterFunc func(time.Duration, func()) stopper
}

// NewManager builds an idle Manager. pub may be nil.
func NewManager(opts Options, dial DialFunc, pub Publisher) *Manager {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 15 * time.Second
	}
	if opts.InvokeTimeout <= 0 {
		opts.InvokeTimeout = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		opts:      opts,
		dial:      dial,
		pub:       pub,
		ctx:       ctx,
		cancel:    cancel,
		phase:     PhaseDisconnected,
		caps:      NewCapabilities(),
		listeners: newRegistry(),
		afterFunc: func(d time.Duration, f func()) stopper { return time.AfterFunc(d, f) },
	}
}

// Status returns the current phase and reconnect attempt count.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{Phase: m.phase, Attempt: m.attempt}
}

// Capabilities returns the capability set negotiated by the current connection.
func (m *Manager) Capabilities() Capabilities {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.caps
}

// Connect opens the connection with credential as bearer token. It reports false without
// raising when the credential is empty or the handshake fails; an initial failure is not
// retried. A fresh Connect always resets the attempt counter.
func (m *Manager) Connect(ctx context.Context, credential string) bool {
	if credential == "" {
		obs.Logger.Warn("connection_unavailable", "reason", "missing_credential")
		return false
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	if m.phase == PhaseConnected && m.credential == credential {
		m.mu.Unlock()
		return true
	}
	m.cancelTimerLocked()
	m.gen++
	gen := m.gen
	old := m.conn
	m.conn = nil
	m.attempt = 0
	m.credential = credential
	m.phase = PhaseConnecting
	m.mu.Unlock()

	if old != nil {
		if err := old.Stop(ctx); err != nil {
			obs.Logger.Warn("connection_stop_failed", "error", err)
		}
	}
	obs.Logger.Info("connection_connecting", "url", m.opts.URL)
	if err := m.open(ctx, gen, credential); err != nil {
		m.mu.Lock()
		if m.gen == gen {
			m.phase = PhaseDisconnected
		}
		m.mu.Unlock()
		obs.Logger.Warn("connection_failed", "error", err)
		return false
	}
	obs.Logger.Info("connection_established", "url", m.opts.URL)
	return true
}

// open dials, installs handlers and starts a transport for generation gen. On success the
// transport becomes current and the phase connected.
func (m *Manager) open(ctx context.Context, gen uint64, credential string) (err error) {
	ctx, span := obs.Tracer().Start(ctx, "realtime.connect")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	t, err := m.dial(m.opts.URL, credential)
	if err != nil {
		return fmt.Errorf("dial hub: %w", err)
	}
	for _, kind := range model.Kinds {
		t.On(kind.HubTarget(), func(args []json.RawMessage) { m.deliver(gen, kind, args) })
	}
	t.OnClose(func(cause error) { m.transportClosed(gen, t, cause) })

	m.mu.Lock()
	m.startLost = false
	m.mu.Unlock()

	hsCtx, cancel := context.WithTimeout(ctx, m.opts.HandshakeTimeout)
	caps, err := t.Start(hsCtx)
	cancel()
	if err != nil {
		_ = t.Stop(context.Background())
		return fmt.Errorf("hub handshake: %w", err)
	}

	m.mu.Lock()
	if m.gen != gen || m.closed {
		m.mu.Unlock()
		_ = t.Stop(context.Background())
		return errors.New("connection superseded")
	}
	if m.startLost {
		m.mu.Unlock()
		_ = t.Stop(context.Background())
		return errors.New("connection lost during handshake")
	}
	m.conn = t
	m.caps = caps
	m.phase = PhaseConnected
	m.attempt = 0
	m.mu.Unlock()
	span.SetAttributes(attribute.StringSlice("hub.capabilities", caps.Methods()))
	return nil
}

// transportClosed handles an unexpected close of t.
func (m *Manager) transportClosed(gen uint64, t Transport, cause error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen != gen || m.closed {
		return
	}
	if m.conn != t {
		m.startLost = true
		return
	}
	m.conn = nil
	obs.Logger.Warn("connection_lost", "error", cause)
	m.scheduleReconnectLocked()
}

// scheduleReconnectLocked moves to reconnecting with the next backoff delay, or to failed
// once MaxAttempts reconnects were made.
func (m *Manager) scheduleReconnectLocked() {
	// attempt counts reconnects already made, so the close that follows the last one gives up.
	if m.attempt >= m.opts.MaxAttempts {
		m.phase = PhaseFailed
		obs.Logger.Error("connection_gave_up", "attempts", m.attempt)
		return
	}
	var delay time.Duration
	if n := len(m.opts.Backoff); n > 0 {
		delay = m.opts.Backoff[min(m.attempt, n-1)]
	}
	m.attempt++
	m.phase = PhaseReconnecting
	gen := m.gen
	m.wg.Add(1)
	m.timer = m.afterFunc(delay, func() {
		defer m.wg.Done()
		m.reconnect(gen)
	})
	obs.Logger.Info("connection_reconnect_scheduled", "attempt", m.attempt, "delay_ms", delay.Milliseconds())
}

// cancelTimerLocked stops a scheduled reconnect that has not fired yet.
func (m *Manager) cancelTimerLocked() {
	if m.timer == nil {
		return
	}
	if m.timer.Stop() {
		m.wg.Done()
	}
	m.timer = nil
}

func (m *Manager) reconnect(gen uint64) {
	m.mu.Lock()
	if m.gen != gen || m.closed || m.phase != PhaseReconnecting {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	m.phase = PhaseConnecting
	attempt := m.attempt
	credential := m.credential
	m.mu.Unlock()

	err := m.open(m.ctx, gen, credential)
	if err == nil {
		obs.Logger.Info("connection_reconnected", "attempt", attempt)
		return
	}
	obs.Logger.Warn("connection_reconnect_failed", "attempt", attempt, "error", err)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen == gen && !m.closed {
		m.scheduleReconnectLocked()
	}
}

// Disconnect stops the connection and any scheduled reconnect. It is safe in every phase and
// leaves registered listeners in place.
func (m *Manager) Disconnect(ctx context.Context) {
	m.mu.Lock()
	m.cancelTimerLocked()
	m.gen++
	t := m.conn
	m.conn = nil
	prev := m.phase
	m.phase = PhaseDisconnected
	m.caps = NewCapabilities()
	m.mu.Unlock()

	if t != nil {
		if err := t.Stop(ctx); err != nil {
			obs.Logger.Warn("connection_stop_failed", "error", err)
		}
	}
	if prev != PhaseDisconnected {
		obs.Logger.Info("connection_disconnected", "previous_phase", string(prev))
	}
}

// Close disconnects, aborts in-flight reconnects and waits for them to finish. The Manager
// cannot be reconnected afterwards.
func (m *Manager) Close() {
	m.Disconnect(context.Background())
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.cancel()
	m.wg.Wait()
}

// AddEventListener registers fn for kind. Registrations survive reconnects and may be made
// in any phase.
func (m *Manager) AddEventListener(kind model.Kind, fn Listener) ListenerID {
	return m.listeners.add(kind, fn)
}

// RemoveEventListener unregisters id; unknown ids are ignored.
func (m *Manager) RemoveEventListener(kind model.Kind, id ListenerID) {
	m.listeners.remove(kind, id)
}

// ListenerCount returns the number of listeners registered for kind.
func (m *Manager) ListenerCount(kind model.Kind) int { return m.listeners.count(kind) }

// JoinGroup scopes server-side routing to group id. Unsupported hubs succeed silently.
func (m *Manager) JoinGroup(ctx context.Context, id string) error {
	return m.invokeOptional(ctx, MethodJoinGroup, id)
}

// LeaveGroup undoes JoinGroup. Unsupported hubs succeed silently.
func (m *Manager) LeaveGroup(ctx context.Context, id string) error {
	return m.invokeOptional(ctx, MethodLeaveGroup, id)
}

// NotifyAdmins asks the hub to broadcast message to administrators, when supported.
func (m *Manager) NotifyAdmins(ctx context.Context, message string) error {
	return m.invokeOptional(ctx, MethodNotifyAdmins, message)
}

// Invoke calls a hub method that is expected to exist.
func (m *Manager) Invoke(ctx context.Context, method string, args ...any) error {
	m.mu.Lock()
	t := m.conn
	m.mu.Unlock()
	if t == nil {
		return ErrNotConnected
	}
	ictx, cancel := context.WithTimeout(ctx, m.opts.InvokeTimeout)
	defer cancel()
	if err := t.Invoke(ictx, method, args...); err != nil {
		obs.Logger.Warn("hub_invoke_failed", "method", method, "error", err)
		return fmt.Errorf("invoke %s: %w", method, err)
	}
	return nil
}

func (m *Manager) invokeOptional(ctx context.Context, method string, args ...any) error {
	m.mu.Lock()
	t := m.conn
	supported := m.caps.Has(method)
	m.mu.Unlock()
	if t == nil {
		return ErrNotConnected
	}
	if !supported {
		obs.Logger.Debug("hub_capability_unsupported", "method", method)
		return nil
	}
	ictx, cancel := context.WithTimeout(ctx, m.opts.InvokeTimeout)
	defer cancel()
	err := t.Invoke(ictx, method, args...)
	if errors.Is(err, ErrMethodNotFound) {
		m.mu.Lock()
		if m.conn == t {
			m.caps = m.caps.without(method)
		}
		m.mu.Unlock()
		obs.Logger.Info("hub_capability_withdrawn", "method", method)
		return nil
	}
	if err != nil {
		obs.Logger.Warn("hub_invoke_failed", "method", method, "error", err)
		return fmt.Errorf("invoke %s: %w", method, err)
	}
	return nil
}

// deliver decodes one server message and runs the listener pass for it, then republishes.
func (m *Manager) deliver(gen uint64, kind model.Kind, args []json.RawMessage) {
	m.mu.Lock()
	stale := m.gen != gen
	m.mu.Unlock()
	if stale {
		return
	}
	ev, err := decodeEvent(kind, args)
	if err != nil {
		obs.Logger.Warn("event_decode_failed", "kind", string(kind), "error", err)
		return
	}

	m.dispatchMu.Lock()
	for _, l := range m.listeners.snapshot(kind) {
		safeCall(kind, l, ev)
	}
	m.dispatchMu.Unlock()

	if m.pub != nil && !m.pub.Publish(ev) {
		obs.Logger.Debug("event_publish_rejected", "topic", kind.Topic())
	}
}

func safeCall(kind model.Kind, l listenerEntry, ev model.Event) {
	defer func() {
		if r := recover(); r != nil {
			obs.Logger.Error("listener_panic", "kind", string(kind), "listener", uint64(l.id), "panic", fmt.Sprint(r))
		}
	}()
	l.fn(ev)
}

func decodeEvent(kind model.Kind, args []json.RawMessage) (model.Event, error) {
	ev := model.Event{Kind: kind, ReceivedAt: time.Now().UTC()}
	if len(args) == 0 {
		return ev, errors.New("missing payload")
	}
	var err error
	switch kind {
	case model.KindNotification:
		ev.Notification, err = decode[model.Notification](args[0])
	case model.KindOrderUpdate:
		ev.Order, err = decode[model.OrderUpdate](args[0])
	case model.KindRechargeUpdate:
		ev.Recharge, err = decode[model.RechargeUpdate](args[0])
	case model.KindBalanceUpdate:
		ev.Balance, err = decode[model.BalanceUpdate](args[0])
	default:
		err = fmt.Errorf("unknown kind %q", kind)
	}
	return ev, err
}

func decode[T any](raw json.RawMessage) (*T, error) {
	v := new(T)
	if err := json.Unmarshal(raw, v); err != nil {
		return nil, err
	}
	return v, nil
}
