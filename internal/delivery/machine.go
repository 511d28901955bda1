package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dukerupert/rideline/internal/model"
)

// ActionClient issues delivery actions to the backend. Every successful call
// returns the authoritative delivery.
type ActionClient interface {
	Accept(ctx context.Context, id string) (model.Delivery, error)
	PickUp(ctx context.Context, id string) (model.Delivery, error)
	Start(ctx context.Context, id string) (model.Delivery, error)
	Complete(ctx context.Context, id string, proof model.Proof) (model.Delivery, error)
	ReportIssue(ctx context.Context, id string, issue model.Issue) (model.Delivery, error)
}

type Config struct {
	// RiderID identifies "me" when deciding which index a delivery belongs to.
	RiderID string
	// RequirePickup restricts Start to deliveries already picked up.
	RequirePickup bool
}

// Counters are session-local completion totals.
type Counters struct {
	Completed int             `json:"completed"`
	Earnings  decimal.Decimal `json:"earnings"`
}

// Machine is the authoritative in-memory store of deliveries. Records are
// held once; "available", "mine", "current" and "active" are id indices over
// them, so a mutation is visible through every view at once.
type Machine struct {
	mu        sync.RWMutex
	cfg       Config
	client    ActionClient
	records   map[string]*model.Delivery
	versions  map[string]uint64 // bumped on every server push
	inflight  map[string]int    // actions awaiting the server
	available []string // newest first
	mine      []string // newest first
	current   string
	active    string
	counters  Counters
	now       func() time.Time
	logger    *slog.Logger
}

func NewMachine(cfg Config, client ActionClient, logger *slog.Logger) *Machine {
	return &Machine{
		cfg:     cfg,
		client:  client,
		records:  make(map[string]*model.Delivery),
		versions: make(map[string]uint64),
		inflight: make(map[string]int),
		now:     time.Now,
		logger:  logger,
	}
}

// SetClock overrides the time source.
func (m *Machine) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

// Accept claims a pending delivery for this rider.
func (m *Machine) Accept(ctx context.Context, id string) (model.Delivery, error) {
	return m.commit(ctx, id, ActionAccept,
		func(d *model.Delivery) error {
			if d.Status != model.DeliveryPending {
				return &TransitionError{DeliveryID: id, Action: ActionAccept, From: d.Status}
			}
			d.Status = model.DeliveryAssigned
			d.AssignedRider = m.cfg.RiderID
			m.appendTimeline(d, "Accepted by rider")
			m.available = without(m.available, id)
			m.mine = prepend(m.mine, id)
			m.current = id
			return nil
		},
		func(ctx context.Context) (model.Delivery, error) {
			return m.client.Accept(ctx, id)
		})
}

// PickUp records that the rider has collected the order.
func (m *Machine) PickUp(ctx context.Context, id string) (model.Delivery, error) {
	return m.commit(ctx, id, ActionPickUp,
		func(d *model.Delivery) error {
			if d.Status != model.DeliveryAssigned {
				return &TransitionError{DeliveryID: id, Action: ActionPickUp, From: d.Status}
			}
			d.Status = model.DeliveryPickedUp
			m.appendTimeline(d, "Order picked up")
			return nil
		},
		func(ctx context.Context) (model.Delivery, error) {
			return m.client.PickUp(ctx, id)
		})
}

// Start puts the delivery in transit and makes it the active delivery.
func (m *Machine) Start(ctx context.Context, id string) (model.Delivery, error) {
	return m.commit(ctx, id, ActionStart,
		func(d *model.Delivery) error {
			ok := d.Status == model.DeliveryPickedUp || (d.Status == model.DeliveryAssigned && !m.cfg.RequirePickup)
			if !ok {
				return &TransitionError{DeliveryID: id, Action: ActionStart, From: d.Status}
			}
			if m.active != "" && m.active != id {
				return fmt.Errorf("%w: %s", ErrActiveDelivery, m.active)
			}
			d.Status = model.DeliveryInTransit
			m.appendTimeline(d, "Out for delivery")
			m.active = id
			m.current = id
			return nil
		},
		func(ctx context.Context) (model.Delivery, error) {
			return m.client.Start(ctx, id)
		})
}

// MarkDelivered completes an in-transit delivery. At least one proof element
// must be present; the server enforces anything stricter.
func (m *Machine) MarkDelivered(ctx context.Context, id string, proof model.Proof) (model.Delivery, error) {
	if proof.Empty() {
		return model.Delivery{}, ErrProofRequired
	}
	return m.commit(ctx, id, ActionComplete,
		func(d *model.Delivery) error {
			if d.Status != model.DeliveryInTransit {
				return &TransitionError{DeliveryID: id, Action: ActionComplete, From: d.Status}
			}
			d.Status = model.DeliveryDelivered
			m.appendTimeline(d, "Delivered")
			if m.active == id {
				m.active = ""
			}
			m.counters.Completed++
			m.counters.Earnings = m.counters.Earnings.Add(d.DeliveryFee)
			return nil
		},
		func(ctx context.Context) (model.Delivery, error) {
			return m.client.Complete(ctx, id, proof)
		})
}

// ReportIssue attaches an issue without changing the delivery status.
func (m *Machine) ReportIssue(ctx context.Context, id string, issue model.Issue) (model.Delivery, error) {
	if strings.TrimSpace(issue.Type) == "" && strings.TrimSpace(issue.Description) == "" {
		return model.Delivery{}, ErrInvalidIssue
	}
	return m.commit(ctx, id, ActionReportIssue,
		func(d *model.Delivery) error {
			if d.Status.Terminal() {
				return &TransitionError{DeliveryID: id, Action: ActionReportIssue, From: d.Status}
			}
			if issue.ReportedAt.IsZero() {
				issue.ReportedAt = m.now()
			}
			d.Issues = append(d.Issues, issue)
			desc := "Issue reported: " + issue.Type
			if issue.Description != "" {
				desc += " - " + issue.Description
			}
			m.appendTimeline(d, desc)
			return nil
		},
		func(ctx context.Context) (model.Delivery, error) {
			return m.client.ReportIssue(ctx, id, issue)
		})
}

// commit runs the optimistic two-phase update: apply locally, issue the
// request without holding the lock, then either adopt the server's entity or
// roll back. A server push that lands while the request is in flight wins
// over the optimistic record in both outcomes.
func (m *Machine) commit(
	ctx context.Context,
	id string,
	action Action,
	apply func(*model.Delivery) error,
	issue func(context.Context) (model.Delivery, error),
) (model.Delivery, error) {
	m.mu.Lock()
	d, ok := m.records[id]
	if !ok {
		m.mu.Unlock()
		return model.Delivery{}, fmt.Errorf("%s %s: %w", action, id, ErrNotFound)
	}
	snap := m.capture(id)
	if err := apply(d); err != nil {
		m.restore(id, snap)
		m.mu.Unlock()
		return model.Delivery{}, err
	}
	optimistic := d.Clone()
	m.inflight[id]++
	m.mu.Unlock()

	confirmed, err := issue(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inflight[id]--; m.inflight[id] <= 0 {
		delete(m.inflight, id)
	}

	current, known := m.records[id]
	if !known {
		// Reset while in flight; nothing left to reconcile.
		if err != nil {
			return model.Delivery{}, fmt.Errorf("%s delivery %s: %w", action, id, err)
		}
		return confirmed, nil
	}
	pushed := m.versions[id] != snap.version

	if err != nil {
		if pushed {
			m.restoreMarkers(id, snap)
		} else {
			m.restore(id, snap)
		}
		m.logger.Warn("delivery action rolled back", "action", action, "delivery_id", id, "pushed", pushed, "error", err)

		var rejected *ActionRejectedError
		if errors.As(err, &rejected) {
			if rejected.DeliveryID == "" {
				rejected.DeliveryID = id
			}
			if rejected.Action == "" {
				rejected.Action = action
			}
			return model.Delivery{}, rejected
		}
		return model.Delivery{}, fmt.Errorf("%s delivery %s: %w", action, id, err)
	}

	switch {
	case confirmed.ID == "" && pushed:
		confirmed = current.Clone()
	case confirmed.ID == "":
		confirmed = optimistic
	case pushed && current.Status.Terminal() && confirmed.Status != current.Status:
		confirmed = current.Clone()
	}
	confirmed.ID = id
	if action == ActionComplete && confirmed.Status != model.DeliveryDelivered {
		m.counters = snap.counters
	}
	m.store(confirmed)
	m.logger.Debug("delivery action confirmed", "action", action, "delivery_id", id, "status", confirmed.Status, "pushed", pushed)
	return m.records[id].Clone(), nil
}

// ApplySnapshot inserts a delivery announced by the server. A delivery that
// is already known is left untouched, which makes duplicate pushes harmless.
func (m *Machine) ApplySnapshot(d model.Delivery) (bool, error) {
	if strings.TrimSpace(d.ID) == "" {
		return false, errors.New("delivery snapshot without id")
	}
	if d.Status == "" {
		d.Status = model.DeliveryPending
	}
	if !d.Status.Valid() {
		return false, fmt.Errorf("delivery %s: unknown status %q", d.ID, d.Status)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.records[d.ID]; ok {
		return false, nil
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = m.now()
	}
	m.versions[d.ID]++
	m.store(d)
	return true, nil
}

// ApplyUpdate merges a server status push. Unknown deliveries are inserted;
// confirmed terminal statuses are never left. Applying the same update twice
// yields the same state.
func (m *Machine) ApplyUpdate(u model.DeliveryUpdate) error {
	if strings.TrimSpace(u.OrderID) == "" {
		return errors.New("delivery update without order id")
	}
	if !u.Status.Valid() {
		return fmt.Errorf("delivery %s: unknown status %q", u.OrderID, u.Status)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.versions[u.OrderID]++
	existing, ok := m.records[u.OrderID]
	if !ok {
		d := model.Delivery{
			ID:            u.OrderID,
			Status:        u.Status,
			AssignedRider: u.AssignedRider,
			Timeline:      append([]model.TimelineEntry(nil), u.Timeline...),
			RiderLocation: u.RiderLocation,
			CreatedAt:     m.now(),
		}
		m.store(d)
		return nil
	}

	// An optimistic terminal status is not final until the server confirms it.
	if existing.Status.Terminal() && u.Status != existing.Status && m.inflight[u.OrderID] == 0 {
		m.logger.Debug("ignore update for finished delivery", "delivery_id", u.OrderID, "status", existing.Status, "update", u.Status)
		return nil
	}

	d := existing.Clone()
	d.Status = u.Status
	if u.AssignedRider != "" {
		d.AssignedRider = u.AssignedRider
	}
	if u.Timeline != nil {
		d.Timeline = append([]model.TimelineEntry(nil), u.Timeline...)
	}
	if u.RiderLocation != nil {
		loc := *u.RiderLocation
		d.RiderLocation = &loc
	}
	m.store(d)
	return nil
}

// store replaces the record and brings every index in line with it.
func (m *Machine) store(d model.Delivery) {
	rec := d.Clone()
	m.records[d.ID] = &rec
	m.settle(d.ID)
}

// settle brings every index and marker in line with the stored record.
func (m *Machine) settle(id string) {
	m.reindex(id)
	if m.records[id].Status.Terminal() && m.active == id {
		m.active = ""
	}
}

// reindex enforces that a delivery is never both available and mine. A
// delivery taken by another rider leaves both indices.
func (m *Machine) reindex(id string) {
	d := m.records[id]
	mine := contains(m.mine, id)

	switch {
	case d.AssignedRider != "" && d.AssignedRider == m.cfg.RiderID && d.Status != model.DeliveryPending:
		m.available = without(m.available, id)
		if !mine {
			m.mine = prepend(m.mine, id)
		}
	case d.AssignedRider != "" && d.AssignedRider != m.cfg.RiderID:
		if mine || contains(m.available, id) {
			m.logger.Info("delivery taken by another rider", "delivery_id", id, "rider", d.AssignedRider, "status", d.Status)
		}
		m.available = without(m.available, id)
		m.mine = without(m.mine, id)
	case mine:
		m.available = without(m.available, id)
	case d.Status == model.DeliveryPending && d.AssignedRider == "":
		if !contains(m.available, id) {
			m.available = prepend(m.available, id)
		}
	default:
		if d.AssignedRider == "" && !d.Status.Terminal() {
			m.logger.Warn("delivery without rider outside pending, not indexed", "delivery_id", id, "status", d.Status)
		}
		m.available = without(m.available, id)
	}
}

type snapshot struct {
	record       *model.Delivery
	version      uint64
	availablePos int
	minePos      int
	current      string
	active       string
	counters     Counters
}

func (m *Machine) capture(id string) snapshot {
	s := snapshot{
		availablePos: indexOf(m.available, id),
		minePos:      indexOf(m.mine, id),
		current:      m.current,
		active:       m.active,
		counters:     m.counters,
		version:      m.versions[id],
	}
	if d, ok := m.records[id]; ok {
		c := d.Clone()
		s.record = &c
	}
	return s
}

func (m *Machine) restore(id string, s snapshot) {
	if s.record == nil {
		delete(m.records, id)
	} else {
		c := s.record.Clone()
		m.records[id] = &c
	}
	m.restoreIndices(id, s)
}

// restoreMarkers undoes the index and marker changes of an action but keeps
// the record, which a server push has replaced in the meantime.
func (m *Machine) restoreMarkers(id string, s snapshot) {
	m.restoreIndices(id, s)
	m.settle(id)
}

func (m *Machine) restoreIndices(id string, s snapshot) {
	m.available = restorePos(without(m.available, id), id, s.availablePos)
	m.mine = restorePos(without(m.mine, id), id, s.minePos)
	m.current = s.current
	m.active = s.active
	m.counters = s.counters
}

func (m *Machine) appendTimeline(d *model.Delivery, desc string) {
	d.Timeline = append(d.Timeline, model.TimelineEntry{
		Status:      d.Status,
		Timestamp:   m.now(),
		Description: desc,
	})
}

// Open makes id the current detail record.
func (m *Machine) Open(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[id]; !ok {
		return ErrNotFound
	}
	m.current = id
	return nil
}

// CloseDetail clears the current detail record.
func (m *Machine) CloseDetail() {
	m.mu.Lock()
	m.current = ""
	m.mu.Unlock()
}

// Available lists unclaimed deliveries, newest first.
func (m *Machine) Available() []model.Delivery {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.list(m.available)
}

// Mine lists deliveries assigned to this rider, newest first.
func (m *Machine) Mine() []model.Delivery {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.list(m.mine)
}

// Current returns the delivery open in the detail view.
func (m *Machine) Current() (model.Delivery, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lookup(m.current)
}

// Active returns the delivery in transit, if any.
func (m *Machine) Active() (model.Delivery, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lookup(m.active)
}

// Get returns a copy of the delivery with the given id.
func (m *Machine) Get(id string) (model.Delivery, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lookup(id)
}

// Counters returns the session completion totals.
func (m *Machine) Counters() Counters {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.counters
}

// Reset drops every record and index. Called when the session ends.
func (m *Machine) Reset() {
	m.mu.Lock()
	m.records = make(map[string]*model.Delivery)
	m.versions = make(map[string]uint64)
	m.inflight = make(map[string]int)
	m.available = nil
	m.mine = nil
	m.current = ""
	m.active = ""
	m.counters = Counters{}
	m.mu.Unlock()
}

func (m *Machine) list(ids []string) []model.Delivery {
	out := make([]model.Delivery, 0, len(ids))
	for _, id := range ids {
		if d, ok := m.records[id]; ok {
			out = append(out, d.Clone())
		}
	}
	return out
}

func (m *Machine) lookup(id string) (model.Delivery, bool) {
	if id == "" {
		return model.Delivery{}, false
	}
	d, ok := m.records[id]
	if !ok {
		return model.Delivery{}, false
	}
	return d.Clone(), true
}

func indexOf(ids []string, id string) int {
	for i, v := range ids {
		if v == id {
			return i
		}
	}
	return -1
}

func contains(ids []string, id string) bool {
	return indexOf(ids, id) >= 0
}

func without(ids []string, id string) []string {
	i := indexOf(ids, id)
	if i < 0 {
		return ids
	}
	out := make([]string, 0, len(ids)-1)
	out = append(out, ids[:i]...)
	return append(out, ids[i+1:]...)
}

func prepend(ids []string, id string) []string {
	return append([]string{id}, ids...)
}

// restorePos reinserts id at pos; a negative pos leaves it out.
func restorePos(ids []string, id string, pos int) []string {
	if pos < 0 {
		return ids
	}
	if pos > len(ids) {
		pos = len(ids)
	}
	out := make([]string, 0, len(ids)+1)
	out = append(out, ids[:pos]...)
	out = append(out, id)
	return append(out, ids[pos:]...)
}
