package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/dukerupert/rideline/internal/event"
	"github.com/dukerupert/rideline/internal/model"
)

// State represents the channel connection state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateError        State = "error"
)

const joinRoomCommand = "join-room"

// Config holds the channel connection configuration.
type Config struct {
	URL                  string
	MaxReconnectAttempts uint
	MinRetryDelay        time.Duration
	MaxRetryDelay        time.Duration
	PingInterval         time.Duration
	DialTimeout          time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 5
	}
	if c.MinRetryDelay <= 0 {
		c.MinRetryDelay = time.Second
	}
	if c.MaxRetryDelay < c.MinRetryDelay {
		c.MaxRetryDelay = 30 * time.Second
		if c.MaxRetryDelay < c.MinRetryDelay {
			c.MaxRetryDelay = c.MinRetryDelay
		}
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 15 * time.Second
	}
	return c
}

// Status is a read-only snapshot of the connection.
type Status struct {
	State                State      `json:"state"`
	ReconnectAttempts    uint       `json:"reconnect_attempts"`
	MaxReconnectAttempts uint       `json:"max_reconnect_attempts"`
	LastConnectedAt      *time.Time `json:"last_connected_at,omitempty"`
	Rooms                []string   `json:"rooms,omitempty"`
	Error                string     `json:"error,omitempty"`
	Err                  error      `json:"-"`
}

// StatusCallback is called whenever the connection state changes.
type StatusCallback func(Status)

// MessageSink receives every inbound frame, in arrival order, on the read
// goroutine. It must not block on I/O.
type MessageSink func([]byte)

// Manager owns at most one live push-channel connection.
type Manager struct {
	mu       sync.Mutex
	cfg      Config
	dialer   Dialer
	sink     MessageSink
	callback StatusCallback
	logger   *slog.Logger
	now      func() time.Time

	status   Status
	rooms    map[string]struct{}
	token    string
	identity model.Identity

	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager creates a disconnected channel manager.
func NewManager(cfg Config, dialer Dialer, sink MessageSink, cb StatusCallback, logger *slog.Logger) *Manager {
	cfg = cfg.withDefaults()
	if dialer == nil {
		dialer = WebSocketDialer{}
	}
	if sink == nil {
		sink = func([]byte) {}
	}
	return &Manager{
		cfg:      cfg,
		dialer:   dialer,
		sink:     sink,
		callback: cb,
		logger:   logger,
		now:      time.Now,
		status: Status{
			State:                StateDisconnected,
			MaxReconnectAttempts: cfg.MaxReconnectAttempts,
		},
		rooms: make(map[string]struct{}),
	}
}

// Status returns the current connection snapshot.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot()
}

// Rooms derives the room set for an identity: the per-user room, the role
// room and one room per store.
func Rooms(id model.Identity) []string {
	rooms := []string{"user-" + id.UserID}
	if id.Role != "" {
		rooms = append(rooms, "role-"+id.Role)
	}
	for _, store := range id.StoreIDs {
		if store != "" {
			rooms = append(rooms, "store-"+store)
		}
	}
	return rooms
}

// Connect opens the channel, authenticates and joins the identity's rooms.
// Any existing connection is torn down first. On a transport failure the
// error is returned and automatic reconnection continues in the background
// while attempts remain. An explicit Connect always resets the attempt count.
func (m *Manager) Connect(ctx context.Context, token string, identity model.Identity) error {
	if identity.UserID == "" {
		return errors.New("identity user id is required")
	}

	m.Disconnect()

	if err := checkToken(token, m.now()); err != nil {
		m.terminal(err)
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	m.mu.Lock()
	m.token = token
	m.identity = identity
	m.cancel = cancel
	m.done = done
	m.status.ReconnectAttempts = 0
	m.status.Error = ""
	m.status.Err = nil
	m.mu.Unlock()

	conn, err := m.dial(ctx, runCtx)
	if err != nil {
		if errors.Is(err, ErrAuthRejected) {
			m.mu.Lock()
			m.cancel = nil
			m.done = nil
			m.mu.Unlock()
			cancel()
			close(done)
			m.terminal(err)
			return err
		}
		m.fail(err)
	}

	go m.run(runCtx, done, conn)
	return err
}

// Disconnect tears down the channel and cancels any pending reconnection.
// It is idempotent.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	cancel := m.cancel
	done := m.done
	m.cancel = nil
	m.done = nil
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done

	m.update(func(s *Status) {
		s.State = StateDisconnected
		s.Error = ""
		s.Err = nil
	})
	m.mu.Lock()
	m.rooms = make(map[string]struct{})
	m.mu.Unlock()
	m.logger.Info("channel disconnected")
}

func (m *Manager) run(ctx context.Context, done chan struct{}, conn Conn) {
	defer close(done)

	backoff := m.newBackoff()
	for {
		if conn != nil {
			err := m.serve(ctx, conn)
			conn.Close()
			if ctx.Err() != nil {
				return
			}
			m.logger.Warn("channel dropped", "error", err)
			m.fail(&TransportError{Op: "read", Err: err})
			backoff = m.newBackoff()
		}

		if m.exhausted() {
			m.terminal(ErrRetriesExhausted)
			return
		}

		delay, _ := backoff.Next()
		if delay < m.cfg.MinRetryDelay {
			delay = m.cfg.MinRetryDelay
		}
		m.logger.Info("channel reconnecting", "delay", delay, "attempt", m.Status().ReconnectAttempts+1, "max", m.cfg.MaxReconnectAttempts)

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		var err error
		conn, err = m.dial(ctx, ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, ErrAuthRejected) {
				m.terminal(err)
				return
			}
			m.fail(err)
		}
	}
}

// serve pumps inbound frames into the sink until the connection fails or ctx
// is cancelled. A ping failure closes the connection, which ends the read.
func (m *Manager) serve(ctx context.Context, conn Conn) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go m.pingLoop(ctx, conn)

	for {
		data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		m.sink(data)
	}
}

func (m *Manager) pingLoop(ctx context.Context, conn Conn) {
	ticker := time.NewTicker(m.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.Ping(ctx); err != nil {
				if ctx.Err() == nil {
					m.logger.Warn("channel ping failed", "error", err)
					conn.Close()
				}
				return
			}
		}
	}
}

// dial opens a connection and joins rooms. dialCtx bounds the handshake;
// runCtx is the connection lifetime.
func (m *Manager) dial(dialCtx, runCtx context.Context) (Conn, error) {
	m.mu.Lock()
	token := m.token
	identity := m.identity
	m.mu.Unlock()

	m.update(func(s *Status) {
		s.State = StateConnecting
	})

	ctx, cancel := context.WithTimeout(dialCtx, m.cfg.DialTimeout)
	defer cancel()

	conn, err := m.dialer.Dial(ctx, m.cfg.URL, token)
	if err != nil {
		return nil, classify("dial", err)
	}

	rooms := Rooms(identity)
	for _, room := range rooms {
		if err := m.join(ctx, conn, room); err != nil {
			conn.Close()
			return nil, err
		}
	}

	if runCtx.Err() != nil {
		conn.Close()
		return nil, runCtx.Err()
	}

	now := m.now()
	m.mu.Lock()
	m.rooms = make(map[string]struct{}, len(rooms))
	for _, r := range rooms {
		m.rooms[r] = struct{}{}
	}
	m.mu.Unlock()

	m.update(func(s *Status) {
		s.State = StateConnected
		s.ReconnectAttempts = 0
		s.LastConnectedAt = &now
		s.Error = ""
		s.Err = nil
	})
	m.logger.Info("channel connected", "url", m.cfg.URL, "rooms", rooms)
	return conn, nil
}

func (m *Manager) join(ctx context.Context, conn Conn, room string) error {
	env, err := event.NewEnvelope(joinRoomCommand, map[string]string{"room": room})
	if err != nil {
		return err
	}
	data, err := marshalEnvelope(env)
	if err != nil {
		return err
	}
	if err := conn.Write(ctx, data); err != nil {
		return &TransportError{Op: "join " + room, Err: err}
	}
	return nil
}

func (m *Manager) fail(err error) {
	m.mu.Lock()
	m.rooms = make(map[string]struct{})
	m.mu.Unlock()

	m.update(func(s *Status) {
		s.State = StateDisconnected
		s.ReconnectAttempts++
		s.Error = err.Error()
		s.Err = err
	})
}

func (m *Manager) terminal(err error) {
	m.mu.Lock()
	m.rooms = make(map[string]struct{})
	m.mu.Unlock()

	m.update(func(s *Status) {
		s.State = StateError
		s.Error = err.Error()
		s.Err = err
	})
	m.logger.Error("channel connection error", "error", err)
}

func (m *Manager) exhausted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status.ReconnectAttempts >= m.cfg.MaxReconnectAttempts
}

func (m *Manager) newBackoff() retry.Backoff {
	b := retry.NewExponential(m.cfg.MinRetryDelay)
	b = retry.WithJitterPercent(10, b)
	return retry.WithCappedDuration(m.cfg.MaxRetryDelay, b)
}

// update mutates the status under lock and notifies the callback outside it.
func (m *Manager) update(fn func(*Status)) {
	m.mu.Lock()
	fn(&m.status)
	snap := m.snapshot()
	cb := m.callback
	m.mu.Unlock()

	if cb != nil {
		cb(snap)
	}
}

func (m *Manager) snapshot() Status {
	s := m.status
	if s.LastConnectedAt != nil {
		t := *s.LastConnectedAt
		s.LastConnectedAt = &t
	}
	if len(m.rooms) > 0 {
		s.Rooms = make([]string, 0, len(m.rooms))
		for r := range m.rooms {
			s.Rooms = append(s.Rooms, r)
		}
		sort.Strings(s.Rooms)
	} else {
		s.Rooms = nil
	}
	return s
}

func marshalEnvelope(env event.Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", env.Type, err)
	}
	return data, nil
}
