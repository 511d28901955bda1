package notification

import (
	"context"
	"errors"
	"log/slog"

	"github.com/dukerupert/rideline/internal/model"
)

type EffectKind string

const (
	EffectSound   EffectKind = "sound"
	EffectDesktop EffectKind = "desktop"
)

// Effect is a post-commit side effect of adding a notification.
type Effect struct {
	Kind         EffectKind
	Notification model.Notification
}

// EffectSink receives effects once the feed mutation is committed.
type EffectSink interface {
	Fire(Effect) error
}

// EffectSinkFunc adapts a function to EffectSink.
type EffectSinkFunc func(Effect) error

func (f EffectSinkFunc) Fire(e Effect) error { return f(e) }

// Alerter performs one kind of user-facing alert.
type Alerter interface {
	Alert(ctx context.Context, n model.Notification) error
}

var ErrEffectQueueFull = errors.New("effect queue full")

const defaultEffectBuffer = 32

// Runner executes effects on its own goroutine so slow alerters never stall
// event processing.
type Runner struct {
	queue   chan Effect
	sound   Alerter
	desktop Alerter
	logger  *slog.Logger
}

// NewRunner creates a runner. Either alerter may be nil to disable it.
func NewRunner(buffer int, sound, desktop Alerter, logger *slog.Logger) *Runner {
	if buffer <= 0 {
		buffer = defaultEffectBuffer
	}
	return &Runner{
		queue:   make(chan Effect, buffer),
		sound:   sound,
		desktop: desktop,
		logger:  logger,
	}
}

// Fire enqueues e without blocking. A full queue drops the effect.
func (r *Runner) Fire(e Effect) error {
	select {
	case r.queue <- e:
		return nil
	default:
		return ErrEffectQueueFull
	}
}

// Run drains the queue until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case e := <-r.queue:
			r.handle(ctx, e)
		}
	}
}

func (r *Runner) handle(ctx context.Context, e Effect) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Warn("alerter panicked", "effect", e.Kind, "panic", rec)
		}
	}()

	var a Alerter
	switch e.Kind {
	case EffectSound:
		a = r.sound
	case EffectDesktop:
		a = r.desktop
	}
	if a == nil {
		return
	}
	if err := a.Alert(ctx, e.Notification); err != nil {
		r.logger.Warn("alert failed", "effect", e.Kind, "id", e.Notification.ID, "error", err)
	}
}
