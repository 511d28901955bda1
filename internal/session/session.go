package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/dukerupert/rideline/internal/channel"
	"github.com/dukerupert/rideline/internal/dashboard"
	"github.com/dukerupert/rideline/internal/delivery"
	"github.com/dukerupert/rideline/internal/event"
	"github.com/dukerupert/rideline/internal/model"
	"github.com/dukerupert/rideline/internal/notification"
)

type Config struct {
	Channel       channel.Config
	Token         string
	Identity      model.Identity
	RequirePickup bool
	Notifications notification.Settings
	SweepInterval time.Duration
	EffectBuffer  int
}

// Deps are the outside-world collaborators of a session. Nil alerters and a
// nil stats source disable the corresponding feature.
type Deps struct {
	Dialer   channel.Dialer
	Actions  delivery.ActionClient
	Stats    StatsSource
	Sound    notification.Alerter
	Desktop  notification.Alerter
	OnStatus channel.StatusCallback
}

// Session owns one set of sync components for a signed-in user. Nothing is
// shared between sessions.
type Session struct {
	cfg    Config
	logger *slog.Logger

	channel       *channel.Manager
	dispatcher    *event.Dispatcher
	notifications *notification.Engine
	deliveries    *delivery.Machine
	dashboard     *dashboard.Projector
	effects       *notification.Runner
	scheduler     *Scheduler

	// ingestMu runs one event to completion before the next starts,
	// whichever path it arrived on.
	ingestMu sync.Mutex
}

func New(cfg Config, deps Deps, logger *slog.Logger) (*Session, error) {
	if cfg.Identity.UserID == "" {
		return nil, errors.New("session identity user id is required")
	}
	if deps.Actions == nil {
		return nil, errors.New("session action client is required")
	}

	s := &Session{cfg: cfg, logger: logger}

	s.effects = notification.NewRunner(cfg.EffectBuffer, deps.Sound, deps.Desktop, logger.With("component", "effects"))
	s.notifications = notification.NewEngine(cfg.Notifications, s.effects, logger.With("component", "notifications"))
	s.deliveries = delivery.NewMachine(delivery.Config{
		RiderID:       cfg.Identity.UserID,
		RequirePickup: cfg.RequirePickup,
	}, deps.Actions, logger.With("component", "deliveries"))
	s.dashboard = dashboard.NewProjector(logger.With("component", "dashboard"))
	s.dispatcher = event.NewDispatcher(logger.With("component", "dispatcher"))
	s.register()
	for _, k := range event.Kinds() {
		if !s.dispatcher.Registered(k) {
			return nil, fmt.Errorf("no handler registered for %s", k)
		}
	}

	onStatus := func(st channel.Status) {
		s.logger.Debug("channel status", "state", st.State, "attempts", st.ReconnectAttempts)
		if deps.OnStatus != nil {
			deps.OnStatus(st)
		}
	}
	sink := func(raw []byte) { _ = s.Ingest(raw) }
	s.channel = channel.NewManager(cfg.Channel, deps.Dialer, sink, onStatus, logger.With("component", "channel"))

	s.scheduler = NewScheduler(s.notifications, s.dashboard, deps.Stats, cfg.SweepInterval, logger.With("component", "scheduler"))

	return s, nil
}

// Run connects the channel and drives the effect runner and the scheduler
// until ctx is cancelled or the channel rejects the token.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.effects.Run(gctx) })
	s.scheduler.Start(gctx)

	var connErr error
	if err := s.channel.Connect(gctx, s.cfg.Token, s.cfg.Identity); err != nil {
		if errors.Is(err, channel.ErrAuthRejected) {
			connErr = fmt.Errorf("connect channel: %w", err)
			cancel()
		} else {
			s.logger.Warn("channel connect failed, retrying in background", "error", err)
		}
	}

	err := g.Wait()
	return multierr.Combine(connErr, err, s.Close())
}

// Close disconnects the channel and drops session state. A channel that had
// run out of reconnection attempts is reported as an error.
func (s *Session) Close() error {
	var errs error
	if st := s.channel.Status(); st.State == channel.StateError && errors.Is(st.Err, channel.ErrRetriesExhausted) {
		errs = multierr.Append(errs, fmt.Errorf("channel: %w", st.Err))
	}
	s.channel.Disconnect()
	s.scheduler.Stop()
	s.deliveries.Reset()
	return errs
}

// Ingest feeds one raw frame through the same path as the channel. It is
// safe to call while connected.
func (s *Session) Ingest(raw []byte) error {
	s.ingestMu.Lock()
	defer s.ingestMu.Unlock()
	return s.dispatcher.Ingest(raw)
}

// Reconnect re-opens the channel after it gave up or the token changed.
func (s *Session) Reconnect(ctx context.Context, token string) error {
	s.cfg.Token = token
	return s.channel.Connect(ctx, token, s.cfg.Identity)
}

func (s *Session) Channel() *channel.Manager { return s.channel }
func (s *Session) Notifications() *notification.Engine { return s.notifications }
func (s *Session) Deliveries() *delivery.Machine { return s.deliveries }
func (s *Session) Dashboard() *dashboard.Projector { return s.dashboard }
func (s *Session) Scheduler() *Scheduler { return s.scheduler }
