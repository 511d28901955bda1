package model

import "time"

// NotificationKind groups notifications into user-toggleable categories.
type NotificationKind string

const (
	NotifDeliveryAvailable NotificationKind = "delivery_available"
	NotifDeliveryAssigned  NotificationKind = "delivery_assigned"
	NotifUrgentDelivery    NotificationKind = "urgent_delivery"
	NotifOrder             NotificationKind = "order"
	NotifUser              NotificationKind = "user"
	NotifInventory         NotificationKind = "inventory"
	NotifSystem            NotificationKind = "system"
)

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

type EntityRef struct {
	EntityType string `json:"entityType"`
	EntityID   string `json:"entityId"`
}

type Notification struct {
	ID            string           `json:"id"`
	Kind          NotificationKind `json:"kind"`
	Title         string           `json:"title"`
	Message       string           `json:"message"`
	Priority      Priority         `json:"priority"`
	IsRead        bool             `json:"isRead"`
	CreatedAt     time.Time        `json:"createdAt"`
	ReadAt        *time.Time       `json:"readAt,omitempty"`
	SnoozedUntil  *time.Time       `json:"snoozedUntil,omitempty"`
	RelatedEntity *EntityRef       `json:"relatedEntity,omitempty"`
	DedupKey      string           `json:"-"`
	Data          map[string]any   `json:"data,omitempty"`
}

// NotificationDraft is the caller-supplied part of a notification.
type NotificationDraft struct {
	Kind          NotificationKind `json:"kind"`
	Title         string           `json:"title"`
	Message       string           `json:"message"`
	Priority      Priority         `json:"priority"`
	RelatedEntity *EntityRef       `json:"relatedEntity,omitempty"`
	DedupKey      string           `json:"dedupKey,omitempty"`
	Data          map[string]any   `json:"data,omitempty"`
}

// Alert is the payload of urgent-delivery and system-alert pushes.
type Alert struct {
	Title   string         `json:"title"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}
