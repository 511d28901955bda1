package session

import (
	"fmt"
	"strings"

	"github.com/dukerupert/rideline/internal/event"
	"github.com/dukerupert/rideline/internal/model"
)

// register installs the routing table. Every handler is safe to apply
// twice: deliveries merge by id and notifications carry a dedup key.
func (s *Session) register() {
	d := s.dispatcher

	d.Register(event.KindNewNotification, s.onNotification)
	d.Register(event.KindNewDeliveryAssigned, s.onNewDelivery)
	d.Register(event.KindNewOrder, s.onNewDelivery)
	d.Register(event.KindDeliveryUpdate, s.onDeliveryUpdate)
	d.Register(event.KindOrderStatusChanged, s.onDeliveryUpdate)
	d.Register(event.KindDeliveryAssignment, s.onAssignment)
	d.Register(event.KindUrgentDelivery, s.onAlert)
	d.Register(event.KindSystemAlert, s.onAlert)
	d.Register(event.KindInventoryUpdate, s.onInventory)
	d.Register(event.KindStatsUpdate, s.onStats)
	d.Register(event.KindNewUserRegistration, s.onRegistration)
}

func (s *Session) onNotification(ev event.Event) error {
	draft, err := event.Decode[model.NotificationDraft](ev)
	if err != nil {
		return err
	}
	if strings.TrimSpace(draft.Title) == "" && strings.TrimSpace(draft.Message) == "" {
		return event.Required(ev, "title", "")
	}
	s.notifications.Add(draft)
	return nil
}

func (s *Session) onNewDelivery(ev event.Event) error {
	d, err := event.Decode[model.Delivery](ev)
	if err != nil {
		return err
	}
	if err := event.Required(ev, "id", d.ID); err != nil {
		return err
	}

	// An assignment that already left pending without naming a rider was
	// addressed to this session.
	if ev.Kind == event.KindNewDeliveryAssigned && d.AssignedRider == "" &&
		d.Status != "" && d.Status != model.DeliveryPending {
		d.AssignedRider = s.cfg.Identity.UserID
	}

	inserted, err := s.deliveries.ApplySnapshot(d)
	if err != nil {
		return err
	}
	if !inserted {
		return nil
	}

	draft := model.NotificationDraft{
		Kind:          model.NotifDeliveryAvailable,
		Title:         "New delivery available",
		Message:       fmt.Sprintf("Order %s is ready for pickup", orderLabel(d.OrderNumber, d.ID)),
		Priority:      model.PriorityMedium,
		RelatedEntity: &model.EntityRef{EntityType: "delivery", EntityID: d.ID},
		DedupKey:      string(ev.Kind) + ":" + d.ID,
	}
	if ev.Kind == event.KindNewOrder {
		draft.Kind = model.NotifOrder
		draft.Title = "New order"
		draft.Message = fmt.Sprintf("Order %s was placed", orderLabel(d.OrderNumber, d.ID))
		draft.RelatedEntity.EntityType = "order"
	}
	if d.Urgent {
		draft.Priority = model.PriorityHigh
	}
	s.notifications.Add(draft)
	return nil
}

func (s *Session) onDeliveryUpdate(ev event.Event) error {
	u, err := event.Decode[model.DeliveryUpdate](ev)
	if err != nil {
		return err
	}
	if err := event.Required(ev, "orderId", u.OrderID); err != nil {
		return err
	}
	return s.deliveries.ApplyUpdate(u)
}

func (s *Session) onAssignment(ev event.Event) error {
	a, err := event.Decode[model.DeliveryAssignment](ev)
	if err != nil {
		return err
	}
	if err := event.Required(ev, "orderId", a.OrderID); err != nil {
		return err
	}
	s.notifications.Add(model.NotificationDraft{
		Kind:          model.NotifDeliveryAssigned,
		Title:         "Delivery assigned",
		Message:       fmt.Sprintf("Order %s has been assigned to you", orderLabel(a.OrderNumber, a.OrderID)),
		Priority:      model.PriorityHigh,
		RelatedEntity: &model.EntityRef{EntityType: "delivery", EntityID: a.OrderID},
		DedupKey:      string(ev.Kind) + ":" + a.OrderID,
	})
	return nil
}

func (s *Session) onAlert(ev event.Event) error {
	a, err := event.Decode[model.Alert](ev)
	if err != nil {
		return err
	}

	draft := model.NotificationDraft{
		Kind:     model.NotifSystem,
		Title:    a.Title,
		Message:  a.Message,
		Priority: model.PriorityHigh,
		Data:     a.Data,
	}
	if ev.Kind == event.KindUrgentDelivery {
		draft.Kind = model.NotifUrgentDelivery
		draft.Priority = model.PriorityUrgent
		if draft.Title == "" {
			draft.Title = "Urgent delivery"
		}
	} else if draft.Title == "" {
		draft.Title = "System alert"
	}

	if id := dataString(a.Data, "orderId"); id != "" {
		draft.RelatedEntity = &model.EntityRef{EntityType: "delivery", EntityID: id}
	}
	if id := dataString(a.Data, "id"); id != "" {
		draft.DedupKey = string(ev.Kind) + ":" + id
	} else if draft.RelatedEntity != nil {
		draft.DedupKey = string(ev.Kind) + ":" + draft.RelatedEntity.EntityID
	}

	s.notifications.Add(draft)
	return nil
}

func (s *Session) onInventory(ev event.Event) error {
	u, err := event.Decode[model.InventoryUpdate](ev)
	if err != nil {
		return err
	}
	if err := event.Required(ev, "productId", u.ProductID); err != nil {
		return err
	}

	s.dashboard.RecordInventory(u)
	if u.Type != model.InventoryLowStock {
		return nil
	}
	s.notifications.Add(model.NotificationDraft{
		Kind:          model.NotifInventory,
		Title:         "Low stock alert",
		Message:       fmt.Sprintf("%s is running low (%d left)", u.ProductName, u.CurrentStock),
		Priority:      model.PriorityHigh,
		RelatedEntity: &model.EntityRef{EntityType: "product", EntityID: u.ProductID},
		DedupKey:      fmt.Sprintf("%s:%s:%d", ev.Kind, u.ProductID, u.CurrentStock),
	})
	return nil
}

func (s *Session) onStats(ev event.Event) error {
	patch, err := event.Decode[model.StatsPatch](ev)
	if err != nil {
		return err
	}
	s.dashboard.ApplyStats(patch)
	return nil
}

func (s *Session) onRegistration(ev event.Event) error {
	u, err := event.Decode[model.UserRegistration](ev)
	if err != nil {
		return err
	}
	if err := event.Required(ev, "id", u.ID); err != nil {
		return err
	}
	if !s.dashboard.RecordRegistration(u) {
		return nil
	}

	name := u.Name
	if name == "" {
		name = u.Email
	}
	s.notifications.Add(model.NotificationDraft{
		Kind:          model.NotifUser,
		Title:         "New user registered",
		Message:       fmt.Sprintf("%s just signed up", name),
		Priority:      model.PriorityLow,
		RelatedEntity: &model.EntityRef{EntityType: "user", EntityID: u.ID},
		DedupKey:      string(ev.Kind) + ":" + u.ID,
	})
	return nil
}

func orderLabel(number, id string) string {
	if number != "" {
		return number
	}
	return id
}

func dataString(data map[string]any, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}
