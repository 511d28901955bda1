package event

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Event is a normalized inbound frame. It lives only for the duration of one
// handler invocation.
type Event struct {
	Kind       Kind
	Payload    json.RawMessage
	ReceivedAt time.Time
}

// Handler consumes one event. Returned errors are logged, never propagated.
type Handler func(Event) error

// Dispatcher is the single ingress for raw channel frames.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[Kind][]Handler
	now      func() time.Time
	logger   *slog.Logger
}

// NewDispatcher creates an empty dispatch table.
func NewDispatcher(logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		handlers: make(map[Kind][]Handler),
		now:      time.Now,
		logger:   logger,
	}
}

// SetClock overrides the receipt timestamp source.
func (d *Dispatcher) SetClock(now func() time.Time) {
	d.mu.Lock()
	d.now = now
	d.mu.Unlock()
}

// Register adds h to the registry entry for kind. Handlers within one entry
// run in registration order.
func (d *Dispatcher) Register(kind Kind, h Handler) {
	d.mu.Lock()
	d.handlers[kind] = append(d.handlers[kind], h)
	d.mu.Unlock()
}

// Registered reports whether kind has a registry entry.
func (d *Dispatcher) Registered(kind Kind) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.handlers[kind]) > 0
}

// Ingest normalizes raw and runs the matching registry entry to completion.
// Malformed frames are logged and returned as *MalformedError; they never
// panic. A known kind without handlers is a no-op.
func (d *Dispatcher) Ingest(raw []byte) error {
	ev, err := d.normalize(raw)
	if err != nil {
		d.logger.Warn("drop inbound event", "error", err)
		return err
	}

	d.mu.RLock()
	handlers := d.handlers[ev.Kind]
	d.mu.RUnlock()

	if len(handlers) == 0 {
		d.logger.Debug("no handler for event", "kind", ev.Kind)
		return nil
	}

	for _, h := range handlers {
		d.run(h, ev)
	}
	return nil
}

func (d *Dispatcher) normalize(raw []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Event{}, &MalformedError{Reason: "invalid json", Err: err}
	}

	kind := Kind(strings.TrimSpace(env.Type))
	if kind == "" {
		return Event{}, &MalformedError{Reason: "missing type"}
	}
	if !kind.Known() {
		return Event{}, &MalformedError{Kind: kind, Reason: "unknown kind"}
	}

	payload := env.Data
	if len(bytes.TrimSpace(payload)) == 0 {
		payload = json.RawMessage("null")
	}

	d.mu.RLock()
	now := d.now
	d.mu.RUnlock()

	return Event{Kind: kind, Payload: payload, ReceivedAt: now()}, nil
}

func (d *Dispatcher) run(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("event handler panicked", "kind", ev.Kind, "panic", r)
		}
	}()

	if err := h(ev); err != nil {
		d.logger.Warn("event handler failed", "kind", ev.Kind, "error", err)
	}
}

// Decode unmarshals the event payload into T. Shape errors are reported as
// *MalformedError so handlers can return them directly.
func Decode[T any](ev Event) (T, error) {
	var v T
	if err := json.Unmarshal(ev.Payload, &v); err != nil {
		return v, &MalformedError{Kind: ev.Kind, Reason: "decode payload", Err: err}
	}
	return v, nil
}

// Required returns a *MalformedError when value is blank.
func Required(ev Event, field, value string) error {
	if strings.TrimSpace(value) == "" {
		return &MalformedError{Kind: ev.Kind, Reason: fmt.Sprintf("missing %s", field)}
	}
	return nil
}
