package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/CollotsSpot/Massiv/internal/config"
	"github.com/CollotsSpot/Massiv/internal/ensemble"
	"github.com/CollotsSpot/Massiv/internal/logging"
	"github.com/CollotsSpot/Massiv/internal/player"
	"github.com/CollotsSpot/Massiv/internal/serverurl"
	"github.com/CollotsSpot/Massiv/internal/state"
)

var Version = "dev"

func main() {
	if err := run(); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment)
	logger.Info("massiv starting",
		slog.String("version", Version),
		slog.String("server", cfg.ServerAddress),
	)

	wsURL, err := serverurl.Normalize(cfg.ServerAddress)
	if err != nil {
		return fmt.Errorf("normalizing server address: %w", err)
	}

	appState, err := state.Load()
	if err != nil {
		return fmt.Errorf("loading state: %w", err)
	}
	defer appState.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := ensemble.NewClient(ensemble.ClientConfig{
		URL:            wsURL,
		RequestTimeout: cfg.RequestTimeout,
		ReconnectDelay: cfg.ReconnectDelay,
	}, logger)

	// Subscribed before Connect so the controller sees the initial
	// Connected transition and every one after it.
	states := client.StateChanges()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return client.Run(gctx)
	})

	// A server that is down at startup is not fatal: the supervisor
	// keeps retrying and the controller registers once Connected arrives.
	if err := client.Connect(gctx); err != nil {
		logger.Warn("initial connect failed, retrying in the background",
			slog.String("error", err.Error()),
		)
	}

	if info := client.ServerInfo(); info != nil {
		if prev := appState.ServerID(); prev != "" && prev != info.ServerID {
			logger.Warn("connected to a different server instance",
				slog.String("previous", prev),
				slog.String("current", info.ServerID),
			)
		}

		if err := appState.SetServerID(info.ServerID); err != nil {
			logger.Warn("saving server id", slog.String("error", err.Error()))
		}
	}

	owner := cfg.OwnerName
	if owner == "" {
		owner = appState.OwnerName()
	} else if err := appState.SetOwnerName(owner); err != nil {
		logger.Warn("saving owner name", slog.String("error", err.Error()))
	}

	// Identity resolution: adoption runs strictly before the first
	// GetOrCreate so a fresh install can reuse a ghost registration
	// instead of minting a new identifier.
	ids := player.NewIdentityStore(appState, logger)

	adoption, err := player.ResolveGhost(gctx, client, ids, owner, logger)
	switch {
	case err != nil:
		logger.Warn("ghost adoption failed, proceeding with a fresh identity",
			slog.String("error", err.Error()),
		)
	case adoption.Adopted:
		logger.Info("reusing ghost registration", slog.String("player_id", adoption.PlayerID))
	default:
		logger.Debug("adoption skipped", slog.String("reason", adoption.Reason))
	}

	identity, err := ids.GetOrCreate()
	if err != nil {
		return fmt.Errorf("resolving identity: %w", err)
	}

	playerName := cfg.PlayerName
	if playerName == "" {
		if owner != "" {
			playerName = player.PossessivePhoneName(owner)
		} else {
			playerName = config.FallbackPlayerName()
		}
	}

	controller := player.NewController(client, player.IdleSource{}, appState, player.ControllerConfig{
		PlayerID:          identity.ID,
		PlayerName:        playerName,
		Attempts:          cfg.RegistrationAttempts,
		Backoff:           cfg.RegistrationBackoff,
		VerifyDelay:       cfg.VerifyDelay,
		HeartbeatInterval: cfg.HeartbeatInterval,
	}, logger)
	controller.OnStateChange(func(s player.LifecycleState) {
		logger.Info("lifecycle", slog.String("state", s.String()))
	})

	g.Go(func() error {
		return controller.Run(gctx, states)
	})

	// Server-directed playback instructions scoped to this identity.
	// Instructions for other installations are filtered out before
	// delivery.
	sub := client.Subscribe("builtin_player", ensemble.ForPlayer(identity.ID))
	defer sub.Close()

	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case ev := <-sub.Events():
				logger.Info("player instruction received", slog.String("event", ev.Name))
			}
		}
	})

	return g.Wait()
}
