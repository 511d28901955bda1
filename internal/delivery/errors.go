package delivery

import (
	"errors"
	"fmt"

	"github.com/dukerupert/rideline/internal/model"
)

var (
	ErrNotFound          = errors.New("delivery not found")
	ErrInvalidTransition = errors.New("invalid delivery transition")
	ErrProofRequired     = errors.New("proof of delivery required")
	ErrInvalidIssue      = errors.New("issue type or description required")
	ErrActiveDelivery    = errors.New("another delivery is already active")

	// ErrActionRejected matches every *ActionRejectedError.
	ErrActionRejected = errors.New("delivery action rejected")
)

// Action names a rider-initiated delivery operation.
type Action string

const (
	ActionAccept      Action = "accept"
	ActionPickUp      Action = "pickup"
	ActionStart       Action = "start"
	ActionComplete    Action = "complete"
	ActionReportIssue Action = "report_issue"
)

// ActionRejectedError is returned when the server refuses an action. The
// optimistic change has already been rolled back when the caller sees it.
type ActionRejectedError struct {
	DeliveryID string
	Action     Action
	StatusCode int
	Message    string
}

func (e *ActionRejectedError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "rejected by server"
	}
	if e.DeliveryID == "" {
		return fmt.Sprintf("%s: %s", e.Action, msg)
	}
	return fmt.Sprintf("%s delivery %s: %s", e.Action, e.DeliveryID, msg)
}

func (e *ActionRejectedError) Is(target error) bool {
	return target == ErrActionRejected
}

// TransitionError reports an action attempted from the wrong status.
type TransitionError struct {
	DeliveryID string
	Action     Action
	From       model.DeliveryStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot %s delivery %s from status %s", e.Action, e.DeliveryID, e.From)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}
