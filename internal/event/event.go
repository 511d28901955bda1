package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
)

// Kind is the discriminator carried in the "type" field of every channel frame.
type Kind string

const (
	KindNewNotification     Kind = "new-notification"
	KindNewDeliveryAssigned Kind = "new-delivery-assignment"
	KindNewOrder            Kind = "new-order"
	KindDeliveryUpdate      Kind = "delivery-update"
	KindOrderStatusChanged  Kind = "order-status-changed"
	KindDeliveryAssignment  Kind = "delivery-assignment"
	KindUrgentDelivery      Kind = "urgent-delivery"
	KindSystemAlert         Kind = "system-alert"
	KindInventoryUpdate     Kind = "inventory-update"
	KindStatsUpdate         Kind = "stats-update"
	KindNewUserRegistration Kind = "new-user-registration"
)

var knownKinds = map[Kind]struct{}{
	KindNewNotification:     {},
	KindNewDeliveryAssigned: {},
	KindNewOrder:            {},
	KindDeliveryUpdate:      {},
	KindOrderStatusChanged:  {},
	KindDeliveryAssignment:  {},
	KindUrgentDelivery:      {},
	KindSystemAlert:         {},
	KindInventoryUpdate:     {},
	KindStatsUpdate:         {},
	KindNewUserRegistration: {},
}

// Kinds lists every kind the backend emits, sorted.
func Kinds() []Kind {
	return slices.Sorted(maps.Keys(knownKinds))
}

// Known reports whether k is one of the kinds the backend emits.
func (k Kind) Known() bool {
	_, ok := knownKinds[k]
	return ok
}

// ErrMalformedEvent is returned for frames that cannot be normalized.
var ErrMalformedEvent = errors.New("malformed event")

// MalformedError describes why a raw frame was dropped.
type MalformedError struct {
	Kind   Kind
	Reason string
	Err    error
}

func (e *MalformedError) Error() string {
	msg := "malformed event"
	if e.Kind != "" {
		msg += fmt.Sprintf(" %q", e.Kind)
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *MalformedError) Is(target error) bool {
	return target == ErrMalformedEvent
}

func (e *MalformedError) Unwrap() error {
	return e.Err
}

// Envelope is the wire shape shared by inbound events and outbound commands.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals data into an envelope of the given type.
func NewEnvelope(typ string, data any) (Envelope, error) {
	env := Envelope{Type: typ}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return Envelope{}, fmt.Errorf("marshal %s payload: %w", typ, err)
		}
		env.Data = raw
	}
	return env, nil
}
