// Package channel maintains the delivery channel that feeds raw attendance
// payloads into the pipeline.
//
// The manager prefers a live push connection. When the push handshake fails
// or the connection drops it polls the REST endpoint, attempting to restore
// push on an exponential backoff. After FailureThreshold consecutive failures
// with no successful contact it falls back to synthetic payloads, tagged
// simulated, until a health probe succeeds.
//
//	Disconnected -> Connecting -> Live | Polling | Simulating
//	Live -> Polling (disconnect)
//	Polling -> Live (reconnect)
//	any -> Simulating (failure threshold)
//	Simulating -> Connecting (probe succeeded)
package channel

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/onnwee/attendsync/internal/attendance"
	"github.com/onnwee/attendsync/internal/clock"
	"github.com/onnwee/attendsync/internal/transport"
)

// Manager errors.
var (
	ErrAlreadyRunning = errors.New("channel manager already running")
	ErrNilFetcher     = errors.New("fetcher cannot be nil")
)

// Fetcher performs bounded-time requests. *transport.Gateway satisfies it.
type Fetcher interface {
	Request(ctx context.Context, endpoint string, opts transport.Options, timeout time.Duration) (transport.Payload, error)
}

// PayloadHandler receives every payload the manager emits, one at a time,
// from the manager's run goroutine.
type PayloadHandler func(attendance.RawPayload)

// Option configures a Manager.
type Option func(*Manager)

// WithDialer replaces the default WebSocket dialer.
func WithDialer(d PushDialer) Option {
	return func(m *Manager) { m.dialer = d }
}

// WithSimulator replaces the default simulator.
func WithSimulator(s *Simulator) Option {
	return func(m *Manager) { m.sim = s }
}

// WithClock sets the time source for timers and receive timestamps.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithMetrics enables metrics.
func WithMetrics(mt *Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// Status is a point-in-time view of the manager.
type Status struct {
	State     State     `json:"state"`
	Since     time.Time `json:"since"`
	Failures  int       `json:"consecutiveFailures"`
	LastError string    `json:"lastError,omitempty"`
}

// Manager runs the delivery channel state machine.
type Manager struct {
	cfg     Config
	fetcher Fetcher
	dialer  PushDialer
	sim     *Simulator
	handler PayloadHandler
	clock   clock.Clock
	logger  *slog.Logger
	metrics *Metrics

	// owned by the run goroutine
	backoff *backoff
	conn    PushConn

	mu        sync.Mutex
	state     State
	since     time.Time
	failures  int
	lastErr   error
	listeners []func(Transition)
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewManager creates a Manager. Payloads are delivered to handler.
func NewManager(cfg Config, fetcher Fetcher, handler PayloadHandler, opts ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if fetcher == nil {
		return nil, ErrNilFetcher
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}

	m := &Manager{
		cfg:     cfg,
		fetcher: fetcher,
		handler: handler,
	}
	for _, opt := range opts {
		opt(m)
	}

	if m.dialer == nil {
		if cfg.PushURL == "" {
			return nil, ErrEmptyPushURL
		}
		m.dialer = WebSocketDialer{
			URL:              cfg.PushURL,
			HandshakeTimeout: cfg.HandshakeTimeout,
			ReadTimeout:      cfg.ReadTimeout,
		}
	}
	if m.sim == nil {
		m.sim = NewSimulator(SimulatorConfig{})
	}
	if m.clock == nil {
		m.clock = clock.Real()
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	m.backoff = newBackoff(cfg.BackoffBase, cfg.BackoffCeiling, cfg.JitterFactor, m.clock.Now().UnixNano())
	m.since = m.clock.Now()
	return m, nil
}

// OnStateChange registers fn to be called after every transition. Listeners
// run on the manager's goroutine and must not call Stop.
func (m *Manager) OnStateChange(fn func(Transition)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Status returns the current state with failure details.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Status{State: m.state, Since: m.since, Failures: m.failures}
	if m.lastErr != nil {
		s.LastError = m.lastErr.Error()
	}
	return s
}

// Start launches the state machine. The manager runs until Stop is called or
// ctx is canceled.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.cancel != nil {
		m.mu.Unlock()
		return ErrAlreadyRunning
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	m.cancel = cancel
	m.done = done
	m.mu.Unlock()

	go m.run(runCtx, done)
	return nil
}

// Stop tears down the active channel and waits for the run goroutine to
// exit. No payload is emitted after Stop returns. Stop is safe to call more
// than once.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (m *Manager) run(ctx context.Context, done chan struct{}) {
	defer func() {
		m.transition(StateDisconnected, "stopped")
		m.mu.Lock()
		if m.done == done {
			m.cancel()
			m.cancel = nil
			m.done = nil
		}
		m.mu.Unlock()
		close(done)
	}()

	m.contact()
	m.transition(StateConnecting, "start")

	state := StateConnecting
	for ctx.Err() == nil {
		next, reason := m.step(ctx, state)
		if ctx.Err() != nil {
			return
		}
		m.transition(next, reason)
		state = next
	}
}

func (m *Manager) step(ctx context.Context, s State) (State, string) {
	switch s {
	case StateConnecting:
		return m.connecting(ctx)
	case StateLive:
		return m.live(ctx)
	case StatePolling:
		return m.polling(ctx)
	case StateSimulating:
		return m.simulating(ctx)
	}
	return StateConnecting, "reconnect"
}

func (m *Manager) connecting(ctx context.Context) (State, string) {
	conn, err := m.dial(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return StateDisconnected, "stopped"
		}
		if m.fail(&Error{Kind: KindHandshakeFailed, Err: err}) {
			return StateSimulating, "failure threshold reached"
		}
		return StatePolling, "push handshake failed"
	}
	m.conn = conn
	return StateLive, "push handshake succeeded"
}

func (m *Manager) live(ctx context.Context) (State, string) {
	conn := m.conn
	m.conn = nil
	if conn == nil {
		return StateConnecting, "no push connection"
	}

	// ReadMessage does not observe ctx; closing the conn unblocks it.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stop:
		}
	}()
	defer conn.Close()

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return StateDisconnected, "stopped"
			}
			if m.fail(&Error{Kind: KindDisconnected, Err: err}) {
				return StateSimulating, "failure threshold reached"
			}
			return StatePolling, "push channel disconnected"
		}

		enc := attendance.EncodingJSON
		if messageType == websocket.BinaryMessage {
			enc = attendance.EncodingCBOR
		}
		m.emit(ctx, StateLive, attendance.RawPayload{
			Body:       data,
			Encoding:   enc,
			Source:     m.cfg.Source,
			ReceivedAt: m.clock.Now(),
		})
	}
}

func (m *Manager) polling(ctx context.Context) (State, string) {
	ticker := m.clock.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()
	reconnect := m.clock.After(m.reconnectDelay())

	if next, reason, leave := m.pollOnce(ctx); leave {
		return next, reason
	}

	for {
		select {
		case <-ctx.Done():
			return StateDisconnected, "stopped"

		case <-ticker.C():
			if next, reason, leave := m.pollOnce(ctx); leave {
				return next, reason
			}

		case <-reconnect:
			conn, err := m.dial(ctx)
			if err == nil {
				m.conn = conn
				return StateLive, "push reconnect succeeded"
			}
			if ctx.Err() != nil {
				return StateDisconnected, "stopped"
			}
			if m.fail(&Error{Kind: KindHandshakeFailed, Err: err}) {
				return StateSimulating, "failure threshold reached"
			}
			reconnect = m.clock.After(m.reconnectDelay())
		}
	}
}

// pollOnce fetches the poll endpoint. leave reports whether the polling
// state must be exited for next.
func (m *Manager) pollOnce(ctx context.Context) (next State, reason string, leave bool) {
	p, err := m.fetcher.Request(ctx, m.cfg.PollURL, transport.Options{}, m.cfg.RequestTimeout)
	if err != nil {
		if ctx.Err() != nil {
			return StateDisconnected, "stopped", true
		}
		if m.fail(err) {
			return StateSimulating, "failure threshold reached", true
		}
		return 0, "", false
	}

	m.contact()
	m.emit(ctx, StatePolling, attendance.RawPayload{
		Body:       p.Body,
		Encoding:   attendance.EncodingJSON,
		Source:     m.cfg.Source,
		ReceivedAt: m.clock.Now(),
	})
	return 0, "", false
}

func (m *Manager) simulating(ctx context.Context) (State, string) {
	emitTicker := m.clock.NewTicker(m.cfg.PollInterval)
	defer emitTicker.Stop()
	probeTicker := m.clock.NewTicker(m.cfg.ProbeInterval)
	defer probeTicker.Stop()

	m.emit(ctx, StateSimulating, m.sim.Generate(m.clock.Now()))

	for {
		select {
		case <-ctx.Done():
			return StateDisconnected, "stopped"

		case <-emitTicker.C():
			m.emit(ctx, StateSimulating, m.sim.Generate(m.clock.Now()))

		case <-probeTicker.C():
			_, err := m.fetcher.Request(ctx, m.cfg.ProbeURL, transport.Options{SkipJSONValidation: true}, m.cfg.RequestTimeout)
			if err == nil {
				m.contact()
				return StateConnecting, "health probe succeeded"
			}
			if ctx.Err() != nil {
				return StateDisconnected, "stopped"
			}
			m.logger.Debug("health probe failed", slog.String("error", err.Error()))
		}
	}
}

func (m *Manager) dial(ctx context.Context) (PushConn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.HandshakeTimeout)
	defer cancel()

	conn, err := m.dialer.Dial(dialCtx)
	if err != nil {
		return nil, err
	}
	m.contact()
	return conn, nil
}

// reconnectDelay is the next backoff step, never shorter than two poll intervals.
func (m *Manager) reconnectDelay() time.Duration {
	d := m.backoff.next()
	if floor := 2 * m.cfg.PollInterval; d < floor {
		d = floor
	}
	return d
}

// fail records a failed contact attempt and reports whether the failure
// threshold for simulation has been reached.
func (m *Manager) fail(err error) bool {
	m.mu.Lock()
	m.failures++
	n := m.failures
	m.lastErr = err
	m.mu.Unlock()

	m.metrics.setFailures(n)
	m.logger.Warn("delivery channel failure",
		slog.String("error", err.Error()),
		slog.Int("consecutive_failures", n),
		slog.Int("threshold", m.cfg.FailureThreshold),
	)
	return m.cfg.SimulationEnabled && n >= m.cfg.FailureThreshold
}

// contact records a successful contact with the remote side.
func (m *Manager) contact() {
	m.mu.Lock()
	m.failures = 0
	m.lastErr = nil
	m.mu.Unlock()

	m.metrics.setFailures(0)
	m.backoff.reset()
}

func (m *Manager) emit(ctx context.Context, s State, p attendance.RawPayload) {
	if ctx.Err() != nil {
		return
	}
	m.metrics.incPayloads(s)
	if m.handler != nil {
		m.handler(p)
	}
}

func (m *Manager) transition(to State, reason string) {
	now := m.clock.Now()

	m.mu.Lock()
	from := m.state
	if from == to {
		m.mu.Unlock()
		return
	}
	m.state = to
	m.since = now
	t := Transition{From: from, To: to, Reason: reason, Failures: m.failures, At: now}
	listeners := append([]func(Transition){}, m.listeners...)
	m.mu.Unlock()

	m.metrics.observeTransition(from, to)

	attrs := []any{
		slog.String("from", from.String()),
		slog.String("to", to.String()),
		slog.String("reason", reason),
		slog.Int("consecutive_failures", t.Failures),
	}
	if to == StateSimulating {
		m.logger.Warn("delivery channel unreachable, emitting simulated attendance", attrs...)
	} else {
		m.logger.Info("delivery channel state changed", attrs...)
	}

	for _, fn := range listeners {
		fn(t)
	}
}
