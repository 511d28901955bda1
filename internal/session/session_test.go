package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dukerupert/rideline/internal/channel"
	"github.com/dukerupert/rideline/internal/delivery"
	"github.com/dukerupert/rideline/internal/event"
	"github.com/dukerupert/rideline/internal/logging"
	"github.com/dukerupert/rideline/internal/model"
	"github.com/dukerupert/rideline/internal/notification"
)

// stubActions answers every action with an empty body unless err is set, so
// the optimistic state becomes authoritative. gate, when set, holds the reply.
type stubActions struct {
	mu   sync.Mutex
	err  error
	gate chan struct{}
}

func (a *stubActions) reply(ctx context.Context) (model.Delivery, error) {
	a.mu.Lock()
	gate, err := a.gate, a.err
	a.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return model.Delivery{}, ctx.Err()
		}
	}
	return model.Delivery{}, err
}

func (a *stubActions) Accept(ctx context.Context, _ string) (model.Delivery, error) {
	return a.reply(ctx)
}
func (a *stubActions) PickUp(ctx context.Context, _ string) (model.Delivery, error) {
	return a.reply(ctx)
}
func (a *stubActions) Start(ctx context.Context, _ string) (model.Delivery, error) {
	return a.reply(ctx)
}
func (a *stubActions) Complete(ctx context.Context, _ string, _ model.Proof) (model.Delivery, error) {
	return a.reply(ctx)
}
func (a *stubActions) ReportIssue(ctx context.Context, _ string, _ model.Issue) (model.Delivery, error) {
	return a.reply(ctx)
}

type pipeConn struct {
	in     chan []byte
	closed chan struct{}
	once   sync.Once
	mu     sync.Mutex
	writes [][]byte
}

func newPipeConn() *pipeConn {
	return &pipeConn{in: make(chan []byte, 16), closed: make(chan struct{})}
}

func (c *pipeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case b := <-c.in:
		return b, nil
	case <-c.closed:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *pipeConn) Write(_ context.Context, data []byte) error {
	c.mu.Lock()
	c.writes = append(c.writes, data)
	c.mu.Unlock()
	return nil
}

func (c *pipeConn) Ping(context.Context) error { return nil }

func (c *pipeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

type dialerFunc func(ctx context.Context, url, token string) (channel.Conn, error)

func (f dialerFunc) Dial(ctx context.Context, url, token string) (channel.Conn, error) {
	return f(ctx, url, token)
}

type chanAlerter struct {
	got chan model.Notification
}

func (a *chanAlerter) Alert(_ context.Context, n model.Notification) error {
	a.got <- n
	return nil
}

type fakeStats struct {
	mu    sync.Mutex
	calls int
	stats model.DashboardStats
	err   error
}

func (f *fakeStats) DashboardStats(context.Context) (model.DashboardStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.stats, f.err
}

func (f *fakeStats) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func setupSession(t *testing.T, deps Deps) *Session {
	t.Helper()
	if deps.Actions == nil {
		deps.Actions = &stubActions{}
	}
	if deps.Dialer == nil {
		deps.Dialer = dialerFunc(func(context.Context, string, string) (channel.Conn, error) {
			return newPipeConn(), nil
		})
	}
	s, err := New(Config{
		Channel: channel.Config{
			URL:           "ws://test/ws",
			MinRetryDelay: time.Millisecond,
			MaxRetryDelay: 2 * time.Millisecond,
		},
		Token:         "opaque-token",
		Identity:      model.Identity{UserID: "r1", Role: "rider"},
		Notifications: notification.DefaultSettings(),
		SweepInterval: time.Hour,
	}, deps, logging.Discard())
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	return s
}

func frame(t *testing.T, kind string, data any) []byte {
	t.Helper()
	b, err := json.Marshal(map[string]any{"type": kind, "data": data})
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	return b
}

func ingest(t *testing.T, s *Session, kind string, data any) {
	t.Helper()
	if err := s.Ingest(frame(t, kind, data)); err != nil {
		t.Fatalf("ingest %s: %v", kind, err)
	}
}

func deliveryIDs(ds []model.Delivery) []string {
	out := make([]string, len(ds))
	for i, d := range ds {
		out[i] = d.ID
	}
	return out
}

func TestNewRequiresIdentityAndActions(t *testing.T) {
	if _, err := New(Config{}, Deps{Actions: &stubActions{}}, logging.Discard()); err == nil {
		t.Error("expected error without user id")
	}
	if _, err := New(Config{Identity: model.Identity{UserID: "r1"}}, Deps{}, logging.Discard()); err == nil {
		t.Error("expected error without action client")
	}
}

func TestNewDeliveryThenOptimisticAccept(t *testing.T) {
	actions := &stubActions{gate: make(chan struct{})}
	s := setupSession(t, Deps{Actions: actions})

	ingest(t, s, "new-delivery-assignment", map[string]any{
		"id": "O1", "order_number": "ORD-1", "status": "pending", "delivery_fee": "4.50",
	})

	avail := s.Deliveries().Available()
	if len(avail) != 1 || avail[0].ID != "O1" {
		t.Fatalf("available = %v", deliveryIDs(avail))
	}
	feed := s.Notifications().List()
	if len(feed) != 1 || feed[0].Kind != model.NotifDeliveryAvailable {
		t.Fatalf("feed = %+v", feed)
	}

	done := make(chan error, 1)
	go func() {
		_, err := s.Deliveries().Accept(context.Background(), "O1")
		done <- err
	}()

	deadline := time.After(time.Second)
	for len(s.Deliveries().Mine()) == 0 {
		select {
		case <-deadline:
			t.Fatal("accept not applied optimistically")
		case <-time.After(time.Millisecond):
		}
	}
	if len(s.Deliveries().Available()) != 0 {
		t.Error("O1 still available while pending confirmation")
	}

	close(actions.gate)
	if err := <-done; err != nil {
		t.Fatalf("accept: %v", err)
	}
	if mine := s.Deliveries().Mine(); len(mine) != 1 || mine[0].ID != "O1" {
		t.Errorf("mine = %v", deliveryIDs(mine))
	}
}

func TestAcceptRejectedRestoresAvailable(t *testing.T) {
	actions := &stubActions{err: &delivery.ActionRejectedError{StatusCode: 409, Message: "already assigned"}}
	s := setupSession(t, Deps{Actions: actions})
	ingest(t, s, "new-order", map[string]any{"id": "O1", "status": "pending"})

	_, err := s.Deliveries().Accept(context.Background(), "O1")
	if !errors.Is(err, delivery.ErrActionRejected) {
		t.Fatalf("expected rejection, got %v", err)
	}
	if len(s.Deliveries().Mine()) != 0 {
		t.Error("O1 left in mine after rejection")
	}
	if avail := s.Deliveries().Available(); len(avail) != 1 || avail[0].ID != "O1" {
		t.Errorf("available = %v", deliveryIDs(avail))
	}

	// The winner's assignment arrives afterwards.
	ingest(t, s, "delivery-update", map[string]any{"orderId": "O1", "status": "assigned", "assignedRider": "r2"})
	if len(s.Deliveries().Available()) != 0 {
		t.Error("O1 should leave available once taken by another rider")
	}
}

func TestMarkDeliveredScenario(t *testing.T) {
	s := setupSession(t, Deps{})
	ctx := context.Background()
	ingest(t, s, "new-delivery-assignment", map[string]any{"id": "O1", "status": "pending", "delivery_fee": "6.25"})

	m := s.Deliveries()
	if _, err := m.Accept(ctx, "O1"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.PickUp(ctx, "O1"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Start(ctx, "O1"); err != nil {
		t.Fatal(err)
	}
	d, err := m.MarkDelivered(ctx, "O1", model.Proof{PhotoURL: "https://img/1.jpg"})
	if err != nil {
		t.Fatal(err)
	}
	if d.Status != model.DeliveryDelivered {
		t.Errorf("status = %s", d.Status)
	}
	if _, ok := m.Active(); ok {
		t.Error("active delivery not cleared")
	}
	if c := m.Counters(); c.Completed != 1 || !c.Earnings.Equal(decimal.RequireFromString("6.25")) {
		t.Errorf("counters = %+v", c)
	}
}

func TestDuplicateEventsAreIdempotent(t *testing.T) {
	s := setupSession(t, Deps{})

	for i := 0; i < 2; i++ {
		ingest(t, s, "new-delivery-assignment", map[string]any{"id": "O1", "status": "pending"})
		ingest(t, s, "delivery-update", map[string]any{
			"orderId": "O1", "status": "assigned", "assignedRider": "r1",
			"timeline": []map[string]any{{"status": "assigned", "timestamp": "2026-03-01T10:00:00Z"}},
		})
		ingest(t, s, "delivery-assignment", map[string]any{"orderId": "O1", "orderNumber": "ORD-1"})
		ingest(t, s, "new-user-registration", map[string]any{"id": "u7", "name": "Kai"})
		ingest(t, s, "inventory-update", map[string]any{"productId": "p1", "productName": "Milk", "currentStock": 2, "type": "low_stock"})
	}

	d, _ := s.Deliveries().Get("O1")
	if d.Status != model.DeliveryAssigned || len(d.Timeline) != 1 {
		t.Errorf("delivery = %+v", d)
	}
	if mine := s.Deliveries().Mine(); len(mine) != 1 {
		t.Errorf("mine = %v", deliveryIDs(mine))
	}
	// available, assigned, user, low stock: one each
	if n := len(s.Notifications().List()); n != 4 {
		t.Errorf("notifications = %d, want 4", n)
	}
	if n := s.Dashboard().Stats().NewUsersToday; n != 1 {
		t.Errorf("new users = %d, want 1", n)
	}
	if n := len(s.Dashboard().Activity()); n != 2 {
		t.Errorf("activity = %d, want 2", n)
	}
}

func TestRoutingTable(t *testing.T) {
	tests := []struct {
		kind  string
		data  any
		check func(t *testing.T, s *Session)
	}{
		{
			kind: "new-notification",
			data: map[string]any{"kind": "order", "title": "Order ready", "message": "ORD-9", "priority": "low"},
			check: func(t *testing.T, s *Session) {
				feed := s.Notifications().List()
				if len(feed) != 1 || feed[0].Title != "Order ready" || feed[0].Priority != model.PriorityLow {
					t.Errorf("feed = %+v", feed)
				}
			},
		},
		{
			kind: "urgent-delivery",
			data: map[string]any{"message": "Cold chain order", "data": map[string]any{"orderId": "O5"}},
			check: func(t *testing.T, s *Session) {
				feed := s.Notifications().List()
				if len(feed) != 1 || feed[0].Priority != model.PriorityUrgent || feed[0].Kind != model.NotifUrgentDelivery {
					t.Fatalf("feed = %+v", feed)
				}
				if feed[0].Title != "Urgent delivery" || feed[0].RelatedEntity == nil || feed[0].RelatedEntity.EntityID != "O5" {
					t.Errorf("notification = %+v", feed[0])
				}
			},
		},
		{
			kind: "system-alert",
			data: map[string]any{"title": "Maintenance", "message": "Back at 2am"},
			check: func(t *testing.T, s *Session) {
				feed := s.Notifications().List()
				if len(feed) != 1 || feed[0].Priority != model.PriorityHigh || feed[0].Kind != model.NotifSystem {
					t.Errorf("feed = %+v", feed)
				}
			},
		},
		{
			kind: "inventory-update",
			data: map[string]any{"productId": "p1", "productName": "Bread", "currentStock": 40, "type": "restock"},
			check: func(t *testing.T, s *Session) {
				if n := len(s.Notifications().List()); n != 0 {
					t.Errorf("restock should not notify, got %d", n)
				}
				if n := len(s.Dashboard().Activity()); n != 1 {
					t.Errorf("activity = %d", n)
				}
			},
		},
		{
			kind: "stats-update",
			data: map[string]any{"ordersToday": 31, "activeRiders": 6},
			check: func(t *testing.T, s *Session) {
				st := s.Dashboard().Stats()
				if st.OrdersToday != 31 || st.ActiveRiders != 6 {
					t.Errorf("stats = %+v", st)
				}
			},
		},
		{
			kind: "order-status-changed",
			data: map[string]any{"orderId": "O8", "status": "cancelled"},
			check: func(t *testing.T, s *Session) {
				d, ok := s.Deliveries().Get("O8")
				if !ok || d.Status != model.DeliveryCancelled {
					t.Errorf("delivery = %+v, %v", d, ok)
				}
				if len(s.Deliveries().Available()) != 0 {
					t.Error("cancelled delivery should not be available")
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.kind, func(t *testing.T) {
			s := setupSession(t, Deps{})
			ingest(t, s, tt.kind, tt.data)
			tt.check(t, s)
		})
	}
}

func TestMalformedFramesAreDropped(t *testing.T) {
	s := setupSession(t, Deps{})

	frames := [][]byte{
		[]byte(`not json`),
		[]byte(`{"data":{}}`),
		[]byte(`{"type":"teleport","data":{}}`),
	}
	for _, f := range frames {
		if err := s.Ingest(f); err == nil {
			t.Errorf("expected error for %s", f)
		}
	}

	// Bad payloads for known kinds are logged by the dispatcher, not returned.
	for _, f := range [][]byte{
		frame(t, "delivery-update", map[string]any{"status": "assigned"}),
		frame(t, "new-order", "oops"),
		frame(t, "new-notification", map[string]any{}),
	} {
		if err := s.Ingest(f); err != nil {
			t.Errorf("ingest %s: %v", f, err)
		}
	}
	if len(s.Notifications().List()) != 0 || len(s.Deliveries().Available()) != 0 {
		t.Error("malformed payload changed state")
	}
}

func TestRunConnectsAndDispatches(t *testing.T) {
	conn := newPipeConn()
	var tokens []string
	var mu sync.Mutex
	dialer := dialerFunc(func(_ context.Context, _ string, token string) (channel.Conn, error) {
		mu.Lock()
		tokens = append(tokens, token)
		mu.Unlock()
		return conn, nil
	})
	desktop := &chanAlerter{got: make(chan model.Notification, 4)}
	s := setupSession(t, Deps{Dialer: dialer, Desktop: desktop})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	conn.in <- frame(t, "urgent-delivery", map[string]any{"title": "Hot food", "message": "ORD-3"})

	select {
	case n := <-desktop.got:
		if n.Title != "Hot food" {
			t.Errorf("desktop alert = %+v", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("urgent alert never reached the desktop alerter")
	}

	st := s.Channel().Status()
	if st.State != channel.StateConnected || len(st.Rooms) == 0 {
		t.Errorf("status = %+v", st)
	}
	mu.Lock()
	if len(tokens) != 1 || tokens[0] != "opaque-token" {
		t.Errorf("tokens = %v", tokens)
	}
	mu.Unlock()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("run did not return after cancel")
	}
	if st := s.Channel().Status(); st.State != channel.StateDisconnected {
		t.Errorf("state after run = %s", st.State)
	}
}

func TestRunStopsOnAuthRejection(t *testing.T) {
	dialer := dialerFunc(func(context.Context, string, string) (channel.Conn, error) {
		return nil, channel.ErrAuthRejected
	})
	s := setupSession(t, Deps{Dialer: dialer})

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	select {
	case err := <-done:
		if !errors.Is(err, channel.ErrAuthRejected) {
			t.Errorf("expected ErrAuthRejected, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop on auth rejection")
	}
}

func TestRunDrivesScheduler(t *testing.T) {
	stats := &fakeStats{stats: model.DashboardStats{OrdersToday: 9}}
	s := setupSession(t, Deps{Stats: stats})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for s.Dashboard().Stats().OrdersToday != 9 {
		select {
		case <-deadline:
			t.Fatalf("scheduler never refreshed stats, %d calls", stats.Calls())
		case <-time.After(time.Millisecond):
		}
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
	// Close already waited for the loop; a second Stop must not block.
	s.Scheduler().Stop()
}

func TestEveryKindHasHandler(t *testing.T) {
	s := setupSession(t, Deps{})
	for _, k := range event.Kinds() {
		if !s.dispatcher.Registered(k) {
			t.Errorf("kind %s has no handler", k)
		}
	}
}

func TestIngestRunsOneEventAtATime(t *testing.T) {
	conn := newPipeConn()
	dialer := dialerFunc(func(context.Context, string, string) (channel.Conn, error) {
		return conn, nil
	})
	s := setupSession(t, Deps{Dialer: dialer})

	var running, overlap, handled atomic.Int32
	s.dispatcher.Register(event.KindStatsUpdate, func(event.Event) error {
		if running.Add(1) > 1 {
			overlap.Add(1)
		}
		time.Sleep(time.Millisecond)
		running.Add(-1)
		handled.Add(1)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	const perPath = 10
	raw := frame(t, "stats-update", map[string]any{"ordersToday": 1})
	var wg sync.WaitGroup
	for i := 0; i < perPath; i++ {
		conn.in <- raw
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Ingest(raw)
		}()
	}
	wg.Wait()

	deadline := time.After(2 * time.Second)
	for handled.Load() < 2*perPath {
		select {
		case <-deadline:
			t.Fatalf("handled %d of %d events", handled.Load(), 2*perPath)
		case <-time.After(time.Millisecond):
		}
	}
	cancel()
	<-done

	if n := overlap.Load(); n != 0 {
		t.Errorf("%d events overlapped another handler", n)
	}
}

func TestAssignmentWithoutRiderIsMine(t *testing.T) {
	s := setupSession(t, Deps{})
	ingest(t, s, "new-delivery-assignment", map[string]any{"id": "O5", "status": "assigned"})

	if mine := s.Deliveries().Mine(); len(mine) != 1 || mine[0].ID != "O5" || mine[0].AssignedRider != "r1" {
		t.Errorf("mine = %+v", mine)
	}
	if len(s.Deliveries().Available()) != 0 {
		t.Errorf("available = %v", deliveryIDs(s.Deliveries().Available()))
	}
}

func TestLowPrioritySkipsDesktop(t *testing.T) {
	var effects []notification.Effect
	var mu sync.Mutex
	sink := notification.EffectSinkFunc(func(e notification.Effect) error {
		mu.Lock()
		effects = append(effects, e)
		mu.Unlock()
		return nil
	})
	engine := notification.NewEngine(notification.DefaultSettings(), sink, logging.Discard())
	engine.Add(model.NotificationDraft{Title: "fyi", Priority: model.PriorityLow})

	mu.Lock()
	defer mu.Unlock()
	for _, e := range effects {
		if e.Kind == notification.EffectDesktop {
			t.Error("low priority fired a desktop alert")
		}
	}
}
