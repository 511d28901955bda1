package notification

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dukerupert/rideline/internal/model"
)

const (
	// RetentionCap is the maximum number of notifications kept in the feed.
	RetentionCap = 100
	// DefaultRetentionDays is the age horizon used by the periodic sweep.
	DefaultRetentionDays = 7
)

var (
	ErrNotFound     = errors.New("notification not found")
	ErrSnoozeInPast = errors.New("snooze time must be in the future")
)

// Settings controls side effects and retention for the feed.
type Settings struct {
	EnableSound   bool
	EnableDesktop bool
	// Categories toggles sound per notification kind. Kinds missing from the
	// map are enabled.
	Categories    map[model.NotificationKind]bool
	RetentionDays int
}

// DefaultSettings returns sound on, desktop alerts on, every category
// enabled and a seven day horizon.
func DefaultSettings() Settings {
	return Settings{
		EnableSound:   true,
		EnableDesktop: true,
		RetentionDays: DefaultRetentionDays,
	}
}

func (s Settings) categoryEnabled(k model.NotificationKind) bool {
	enabled, ok := s.Categories[k]
	return !ok || enabled
}

func (s Settings) clone() Settings {
	out := s
	if s.Categories != nil {
		out.Categories = make(map[model.NotificationKind]bool, len(s.Categories))
		for k, v := range s.Categories {
			out.Categories[k] = v
		}
	}
	return out
}

// Filter selects a view over the feed. Empty slices match everything.
type Filter struct {
	Kinds      []model.NotificationKind
	Priorities []model.Priority
	UnreadOnly bool
}

// Engine owns the notification feed and its unread counter.
type Engine struct {
	mu       sync.RWMutex
	feed     []model.Notification // newest first
	unread   int
	settings Settings
	sink     EffectSink
	now      func() time.Time
	logger   *slog.Logger
}

// NewEngine creates an empty feed. sink may be nil, in which case effects are
// computed but discarded.
func NewEngine(settings Settings, sink EffectSink, logger *slog.Logger) *Engine {
	if settings.RetentionDays <= 0 {
		settings.RetentionDays = DefaultRetentionDays
	}
	return &Engine{
		settings: settings.clone(),
		sink:     sink,
		now:      time.Now,
		logger:   logger,
	}
}

// SetClock overrides the time source.
func (e *Engine) SetClock(now func() time.Time) {
	e.mu.Lock()
	e.now = now
	e.mu.Unlock()
}

// counted reports whether n contributes to the unread counter.
func counted(n model.Notification) bool {
	return !n.IsRead && n.SnoozedUntil == nil
}

func (e *Engine) adjust(before, after bool) {
	switch {
	case before && !after:
		e.unread--
	case !before && after:
		e.unread++
	}
	if e.unread < 0 {
		e.unread = 0
	}
}

// Add records a new notification at the head of the feed and fires its side
// effects after the state change is committed. A draft whose DedupKey is
// already in the feed returns the existing entry untouched.
func (e *Engine) Add(draft model.NotificationDraft) model.Notification {
	e.mu.Lock()

	if draft.DedupKey != "" {
		for _, existing := range e.feed {
			if existing.DedupKey == draft.DedupKey {
				e.mu.Unlock()
				return clone(existing)
			}
		}
	}

	priority := draft.Priority
	if !priority.Valid() {
		priority = model.PriorityMedium
	}
	kind := draft.Kind
	if kind == "" {
		kind = model.NotifSystem
	}

	n := model.Notification{
		ID:            newID(),
		Kind:          kind,
		Title:         draft.Title,
		Message:       draft.Message,
		Priority:      priority,
		CreatedAt:     e.now(),
		RelatedEntity: cloneRef(draft.RelatedEntity),
		DedupKey:      draft.DedupKey,
		Data:          cloneData(draft.Data),
	}

	e.feed = append([]model.Notification{n}, e.feed...)
	e.adjust(false, counted(n))

	if len(e.feed) > RetentionCap {
		for _, evicted := range e.feed[RetentionCap:] {
			e.adjust(counted(evicted), false)
		}
		e.feed = e.feed[:RetentionCap:RetentionCap]
	}

	effects := e.effectsFor(n)
	e.mu.Unlock()

	e.fire(effects)
	return clone(n)
}

func (e *Engine) effectsFor(n model.Notification) []Effect {
	var out []Effect
	if e.settings.EnableSound && e.settings.categoryEnabled(n.Kind) {
		out = append(out, Effect{Kind: EffectSound, Notification: clone(n)})
	}
	if e.settings.EnableDesktop && (n.Priority == model.PriorityHigh || n.Priority == model.PriorityUrgent) {
		out = append(out, Effect{Kind: EffectDesktop, Notification: clone(n)})
	}
	return out
}

// fire hands effects to the sink. Errors and panics never reach the caller.
func (e *Engine) fire(effects []Effect) {
	if e.sink == nil {
		return
	}
	for _, eff := range effects {
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.logger.Warn("notification effect panicked", "effect", eff.Kind, "panic", r)
				}
			}()
			if err := e.sink.Fire(eff); err != nil {
				e.logger.Warn("notification effect failed", "effect", eff.Kind, "id", eff.Notification.ID, "error", err)
			}
		}()
	}
}

// MarkAsRead marks one entry read. It reports false when the entry is absent
// or already read.
func (e *Engine) MarkAsRead(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	i := e.index(id)
	if i < 0 || e.feed[i].IsRead {
		return false
	}
	before := counted(e.feed[i])
	now := e.now()
	e.feed[i].IsRead = true
	e.feed[i].ReadAt = &now
	e.adjust(before, counted(e.feed[i]))
	return true
}

// MarkAllAsRead marks every unread entry read and returns how many changed.
func (e *Engine) MarkAllAsRead() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	changed := 0
	for i := range e.feed {
		if e.feed[i].IsRead {
			continue
		}
		readAt := now
		e.feed[i].IsRead = true
		e.feed[i].ReadAt = &readAt
		changed++
	}
	e.unread = 0
	return changed
}

// Snooze hides an entry from the unread count and default views until until.
func (e *Engine) Snooze(id string, until time.Time) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	i := e.index(id)
	if i < 0 {
		return ErrNotFound
	}
	if !until.After(e.now()) {
		return ErrSnoozeInPast
	}
	before := counted(e.feed[i])
	u := until
	e.feed[i].SnoozedUntil = &u
	e.adjust(before, counted(e.feed[i]))
	return nil
}

// UnsnoozeExpired restores every entry whose snooze has passed to unread.
// Running it twice is harmless.
func (e *Engine) UnsnoozeExpired() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	restored := 0
	for i := range e.feed {
		until := e.feed[i].SnoozedUntil
		if until == nil || now.Before(*until) {
			continue
		}
		before := counted(e.feed[i])
		e.feed[i].SnoozedUntil = nil
		e.feed[i].IsRead = false
		e.feed[i].ReadAt = nil
		e.adjust(before, counted(e.feed[i]))
		restored++
	}
	return restored
}

// Remove deletes one entry.
func (e *Engine) Remove(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	i := e.index(id)
	if i < 0 {
		return false
	}
	e.adjust(counted(e.feed[i]), false)
	e.feed = append(e.feed[:i], e.feed[i+1:]...)
	return true
}

// ClearAll empties the feed.
func (e *Engine) ClearAll() {
	e.mu.Lock()
	e.feed = nil
	e.unread = 0
	e.mu.Unlock()
}

// ClearOlderThan removes read entries created before the horizon and returns
// how many were removed. Unread entries are kept regardless of age.
func (e *Engine) ClearOlderThan(days int) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	horizon := e.now().AddDate(0, 0, -days)
	kept := e.feed[:0]
	removed := 0
	for _, n := range e.feed {
		if n.IsRead && n.CreatedAt.Before(horizon) {
			removed++
			continue
		}
		kept = append(kept, n)
	}
	// Zero the tail so evicted entries can be collected.
	for i := len(kept); i < len(e.feed); i++ {
		e.feed[i] = model.Notification{}
	}
	e.feed = kept
	return removed
}

// Filter returns a copy of the matching entries, newest first. Currently
// snoozed entries are never included.
func (e *Engine) Filter(f Filter) []model.Notification {
	e.mu.RLock()
	defer e.mu.RUnlock()

	now := e.now()
	out := []model.Notification{}
	for _, n := range e.feed {
		if n.SnoozedUntil != nil && now.Before(*n.SnoozedUntil) {
			continue
		}
		if f.UnreadOnly && n.IsRead {
			continue
		}
		if len(f.Kinds) > 0 && !contains(f.Kinds, n.Kind) {
			continue
		}
		if len(f.Priorities) > 0 && !contains(f.Priorities, n.Priority) {
			continue
		}
		out = append(out, clone(n))
	}
	return out
}

// List returns the whole feed, snoozed entries included, newest first.
func (e *Engine) List() []model.Notification {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]model.Notification, len(e.feed))
	for i, n := range e.feed {
		out[i] = clone(n)
	}
	return out
}

// Get returns a copy of the notification with the given id.
func (e *Engine) Get(id string) (model.Notification, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	i := e.index(id)
	if i < 0 {
		return model.Notification{}, false
	}
	return clone(e.feed[i]), true
}

// UnreadCount counts unread notifications that are not snoozed.
func (e *Engine) UnreadCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.unread
}

// Settings returns a copy of the current settings.
func (e *Engine) Settings() Settings {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.settings.clone()
}

// UpdateSettings replaces the settings. A non-positive retention falls back
// to the default.
func (e *Engine) UpdateSettings(s Settings) {
	if s.RetentionDays <= 0 {
		s.RetentionDays = DefaultRetentionDays
	}
	e.mu.Lock()
	e.settings = s.clone()
	e.mu.Unlock()
}

func (e *Engine) index(id string) int {
	for i := range e.feed {
		if e.feed[i].ID == id {
			return i
		}
	}
	return -1
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func contains[T comparable](list []T, v T) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func clone(n model.Notification) model.Notification {
	out := n
	if n.ReadAt != nil {
		t := *n.ReadAt
		out.ReadAt = &t
	}
	if n.SnoozedUntil != nil {
		t := *n.SnoozedUntil
		out.SnoozedUntil = &t
	}
	out.RelatedEntity = cloneRef(n.RelatedEntity)
	out.Data = cloneData(n.Data)
	return out
}

func cloneRef(r *model.EntityRef) *model.EntityRef {
	if r == nil {
		return nil
	}
	v := *r
	return &v
}

func cloneData(d map[string]any) map[string]any {
	if d == nil {
		return nil
	}
	out := make(map[string]any, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}
