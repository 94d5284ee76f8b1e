// streamtest connects to the game server and dumps the raw event
// stream to the console. Useful for checking credentials and watching
// what the server actually sends.
// Usage: go run ./cmd/streamtest --config configs/client.local.yaml
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/duskhollow/mudclient/internal/config"
	"github.com/duskhollow/mudclient/internal/connection"
	"github.com/duskhollow/mudclient/internal/events"
)

func main() {
	configPath := flag.String("config", "configs/client.local.yaml", "path to config file")
	verbose := flag.Bool("verbose", false, "print full event JSON")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))

	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal")
		cancel()
	}()

	var received, dropped atomic.Int64

	mgr := connection.NewManager(connection.ManagerConfig{
		WSURL:                cfg.Server.WSURL,
		SSEURL:               cfg.Server.SSEURL,
		Token:                cfg.Auth.Token,
		CharacterID:          cfg.Session.CharacterID,
		Transport:            cfg.Connection.Transport,
		MaxReconnectAttempts: cfg.Connection.MaxReconnectAttempts,
		ConnectTimeout:       cfg.Connection.ConnectTimeout,
		PingInterval:         cfg.Connection.PingInterval,
		StaleAfter:           cfg.Connection.StaleAfter,
	}, connection.Callbacks{
		OnEvent: func(ev events.Event) {
			received.Add(1)
			if *verbose {
				data, _ := json.MarshalIndent(ev, "", "  ")
				fmt.Printf("[EVENT] %s\n", data)
			} else {
				fmt.Printf("[EVENT] type=%s seq=%d room=%s\n", ev.Type, ev.Sequence, ev.RoomID)
			}
		},
		OnConnect:    func() { logger.Info("connected") },
		OnDisconnect: func() { logger.Info("disconnected") },
		OnError: func(reason string) {
			dropped.Add(1)
			logger.Warn("connection error", "reason", reason)
		},
	}, logger)

	mgr.Start(ctx)
	mgr.Connect()

	// Stats printer
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				st := mgr.Status()
				logger.Info("stats",
					"state", st.State,
					"session", st.SessionID,
					"events_received", received.Load(),
					"errors", dropped.Load(),
				)
			}
		}
	}()

	logger.Info("streaming started - press Ctrl+C to stop")

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	logger.Info("shutting down...")
	mgr.Stop(shutdownCtx)

	logger.Info("shutdown complete")
}
