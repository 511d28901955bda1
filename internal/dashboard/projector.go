package dashboard

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dukerupert/rideline/internal/model"
)

// ActivityCap bounds the recent-activity log.
const ActivityCap = 50

// Projector folds stats and activity pushes into the dashboard view.
type Projector struct {
	mu       sync.RWMutex
	stats    model.DashboardStats
	activity []model.ActivityEntry // newest first
	users    map[string]struct{}
	now      func() time.Time
	logger   *slog.Logger
}

func NewProjector(logger *slog.Logger) *Projector {
	return &Projector{
		users:  make(map[string]struct{}),
		now:    time.Now,
		logger: logger,
	}
}

// SetClock overrides the time source.
func (p *Projector) SetClock(now func() time.Time) {
	p.mu.Lock()
	p.now = now
	p.mu.Unlock()
}

// ApplyStats merges the non-nil fields of patch into the current stats.
func (p *Projector) ApplyStats(patch model.StatsPatch) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := &p.stats
	if patch.OrdersToday != nil {
		s.OrdersToday = *patch.OrdersToday
	}
	if patch.RevenueToday != nil {
		s.RevenueToday = *patch.RevenueToday
	}
	if patch.ActivePickers != nil {
		s.ActivePickers = *patch.ActivePickers
	}
	if patch.ActiveRiders != nil {
		s.ActiveRiders = *patch.ActiveRiders
	}
	if patch.PendingOrders != nil {
		s.PendingOrders = *patch.PendingOrders
	}
	if patch.LowStockItems != nil {
		s.LowStockItems = *patch.LowStockItems
	}
	if patch.NewUsersToday != nil {
		s.NewUsersToday = *patch.NewUsersToday
	}
}

// Replace overwrites the stats with a full server copy.
func (p *Projector) Replace(stats model.DashboardStats) {
	p.mu.Lock()
	p.stats = stats
	p.mu.Unlock()
}

// AddActivity prepends e to the log. An entry whose id is already present is
// ignored and false is returned.
func (p *Projector) AddActivity(e model.ActivityEntry) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.addActivity(e)
}

func (p *Projector) addActivity(e model.ActivityEntry) bool {
	if e.ID != "" {
		for _, existing := range p.activity {
			if existing.ID == e.ID {
				return false
			}
		}
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = p.now()
	}
	p.activity = append([]model.ActivityEntry{e}, p.activity...)
	if len(p.activity) > ActivityCap {
		p.activity = p.activity[:ActivityCap]
	}
	return true
}

// RecordInventory logs an inventory push as activity.
func (p *Projector) RecordInventory(u model.InventoryUpdate) {
	msg := fmt.Sprintf("%s stock now %d", u.ProductName, u.CurrentStock)
	if u.Type == model.InventoryLowStock {
		msg = fmt.Sprintf("Low stock: %s (%d left)", u.ProductName, u.CurrentStock)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.addActivity(model.ActivityEntry{
		ID:      fmt.Sprintf("inventory-%s-%d", u.ProductID, u.CurrentStock),
		Type:    "inventory",
		Message: msg,
	})
}

// RecordRegistration logs a new user and bumps the new-user counter the
// first time the user id is seen.
func (p *Projector) RecordRegistration(u model.UserRegistration) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, seen := p.users[u.ID]; seen {
		p.logger.Debug("duplicate user registration", "user_id", u.ID)
		return false
	}
	p.users[u.ID] = struct{}{}
	p.stats.NewUsersToday++

	name := u.Name
	if name == "" {
		name = u.Email
	}
	p.addActivity(model.ActivityEntry{
		ID:        "user-" + u.ID,
		Type:      "user",
		Message:   "New user registered: " + name,
		Timestamp: u.CreatedAt,
	})
	return true
}

// Stats returns the current counters.
func (p *Projector) Stats() model.DashboardStats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.stats
}

// Activity returns the recent activity, newest first.
func (p *Projector) Activity() []model.ActivityEntry {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]model.ActivityEntry(nil), p.activity...)
}

// Snapshot is a consistent copy of the dashboard.
type Snapshot struct {
	Stats    model.DashboardStats  `json:"stats"`
	Activity []model.ActivityEntry `json:"recentActivity"`
}

// Snapshot copies stats and activity under one lock.
func (p *Projector) Snapshot() Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return Snapshot{
		Stats:    p.stats,
		Activity: append([]model.ActivityEntry(nil), p.activity...),
	}
}
