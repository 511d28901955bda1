package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/dukerupert/rideline/internal/api"
	"github.com/dukerupert/rideline/internal/channel"
	"github.com/dukerupert/rideline/internal/config"
	"github.com/dukerupert/rideline/internal/logging"
	"github.com/dukerupert/rideline/internal/notification"
	"github.com/dukerupert/rideline/internal/push"
	"github.com/dukerupert/rideline/internal/session"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "vapid-keys" {
		pub, priv, err := push.GenerateVAPIDKeys()
		if err != nil {
			fmt.Fprintf(os.Stderr, "generate VAPID keys: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("RIDELINE_VAPID_PUBLIC_KEY=%s\nRIDELINE_VAPID_PRIVATE_KEY=%s\n", pub, priv)
		return
	}

	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.Setup(cfg.LogLevel, cfg.LogFormat)
	if envErr != nil {
		logger.Debug("no .env file found, using environment variables")
	}

	apiClient := api.NewClient(api.Config{
		BaseURL:    cfg.APIURL,
		Token:      cfg.Token,
		MaxRetries: 2,
	}, logger.With("component", "api"))

	var sound notification.Alerter
	if cfg.EnableSound {
		sound = push.NewBell(os.Stderr)
	}

	var desktop notification.Alerter
	if cfg.EnableDesktop {
		if cfg.PushConfigured() {
			svc := push.NewService(cfg.VAPIDPublicKey, cfg.VAPIDPrivateKey, nil)
			logger.Info("desktop push enabled", "vapid_public_key", svc.VAPIDPublicKey())
			desktop = push.NewDesktopAlerter(svc, push.Subscription{
				Endpoint: cfg.PushEndpoint,
				P256dh:   cfg.PushP256dh,
				Auth:     cfg.PushAuth,
			}, logger.With("component", "push"))
		} else {
			logger.Warn("desktop alerts enabled but push is not configured")
		}
	}

	settings := notification.DefaultSettings()
	settings.EnableSound = cfg.EnableSound
	settings.EnableDesktop = desktop != nil
	settings.RetentionDays = cfg.RetentionDays

	var stats session.StatsSource
	if cfg.StatsRefresh {
		stats = apiClient
	}

	sess, err := session.New(session.Config{
		Channel: channel.Config{
			URL:                  cfg.ChannelURL,
			MaxReconnectAttempts: uint(cfg.MaxReconnectAttempts),
			MinRetryDelay:        cfg.ReconnectMinDelay,
			MaxRetryDelay:        cfg.ReconnectMaxDelay,
		},
		Token:         cfg.Token,
		Identity:      cfg.Identity(),
		RequirePickup: cfg.RequirePickup,
		Notifications: settings,
		SweepInterval: cfg.SweepInterval,
	}, session.Deps{
		Dialer:  channel.WebSocketDialer{},
		Actions: apiClient,
		Stats:   stats,
		Sound:   sound,
		Desktop: desktop,
		OnStatus: func(st channel.Status) {
			if st.State == channel.StateError {
				logger.Error("channel unavailable, reconnect required", "error", st.Error, "attempts", st.ReconnectAttempts)
			}
		},
	}, logger)
	if err != nil {
		logger.Error("failed to create session", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("rideline starting", "user_id", cfg.UserID, "role", cfg.Role, "channel", cfg.ChannelURL)
	if err := sess.Run(ctx); err != nil {
		logger.Error("session ended with error", "error", err)
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}
