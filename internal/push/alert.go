package push

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/dukerupert/rideline/internal/model"
)

// Sender delivers one push payload.
type Sender interface {
	Send(ctx context.Context, sub Subscription, payload Payload, urgency webpush.Urgency) error
}

// DesktopAlerter turns notifications into web push messages for a single
// subscription. After the push service reports the subscription gone, the
// alerter stops sending.
type DesktopAlerter struct {
	mu      sync.Mutex
	sender  Sender
	sub     Subscription
	expired bool
	logger  *slog.Logger
}

func NewDesktopAlerter(sender Sender, sub Subscription, logger *slog.Logger) *DesktopAlerter {
	return &DesktopAlerter{sender: sender, sub: sub, logger: logger}
}

func (a *DesktopAlerter) Alert(ctx context.Context, n model.Notification) error {
	a.mu.Lock()
	expired := a.expired
	a.mu.Unlock()
	if expired {
		return nil
	}

	err := a.sender.Send(ctx, a.sub, PayloadFor(n), urgencyFor(n.Priority))
	if errors.Is(err, ErrExpired) {
		a.mu.Lock()
		a.expired = true
		a.mu.Unlock()
		a.logger.Warn("push subscription expired, desktop alerts disabled", "endpoint", a.sub.Endpoint)
	}
	return err
}

// PayloadFor builds the push payload for a notification.
func PayloadFor(n model.Notification) Payload {
	p := Payload{
		Title:    n.Title,
		Body:     n.Message,
		Tag:      n.ID,
		Priority: string(n.Priority),
	}
	if ref := n.RelatedEntity; ref != nil && ref.EntityID != "" {
		p.URL = fmt.Sprintf("/%s/%s", ref.EntityType, ref.EntityID)
	}
	return p
}

func urgencyFor(p model.Priority) webpush.Urgency {
	switch p {
	case model.PriorityUrgent:
		return webpush.UrgencyHigh
	case model.PriorityLow:
		return webpush.UrgencyLow
	}
	return webpush.UrgencyNormal
}

// Bell rings the terminal bell as the notification sound.
type Bell struct {
	mu sync.Mutex
	w  io.Writer
}

func NewBell(w io.Writer) *Bell {
	return &Bell{w: w}
}

func (b *Bell) Alert(context.Context, model.Notification) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, err := io.WriteString(b.w, "\a")
	return err
}
