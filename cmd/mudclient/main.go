// mudclient is a console client for the game server: it maintains the
// connection, reconciles world state from the event stream, and relays
// commands typed on stdin.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"github.com/duskhollow/mudclient/internal/api"
	"github.com/duskhollow/mudclient/internal/config"
	"github.com/duskhollow/mudclient/internal/connection"
	"github.com/duskhollow/mudclient/internal/database"
	"github.com/duskhollow/mudclient/internal/events"
	"github.com/duskhollow/mudclient/internal/fsm"
	"github.com/duskhollow/mudclient/internal/journal"
	"github.com/duskhollow/mudclient/internal/reconcile"
	"github.com/duskhollow/mudclient/internal/version"
)

func main() {
	configPath := flag.String("config", "configs/client.local.yaml", "path to config file")
	flag.Parse()

	// Set up structured logging
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	logger.Info("starting mudclient",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
	)

	// Load configuration
	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Optional event journal
	var pool *pgxpool.Pool
	var jl *journal.Journal
	if cfg.Journal.Enabled {
		logger.Info("connecting to journal database",
			"host", cfg.Journal.Database.Host,
			"database", cfg.Journal.Database.Name,
		)
		pool, err = database.Connect(ctx, cfg.Journal.Database)
		if err != nil {
			logger.Error("failed to connect to journal database", "error", err)
			os.Exit(1)
		}
		defer pool.Close()

		jl = journal.New(journal.Config{
			BatchSize:     cfg.Journal.BatchSize,
			FlushInterval: cfg.Journal.FlushInterval,
			BufferSize:    cfg.Journal.BufferSize,
		}, pool, logger)
		if err := jl.Start(ctx); err != nil {
			logger.Error("failed to start journal", "error", err)
			os.Exit(1)
		}
	}

	// REST client doubles as the dev-mode health prober.
	restClient := api.NewClient(
		cfg.Server.RestURL,
		cfg.Auth.Token,
		api.WithLogger(logger),
		api.WithTimeout(10*time.Second),
	)

	// World state reconciler
	world := reconcile.New(reconcile.Config{
		LocalPlayerID: cfg.Player.ID,
		DefaultRoom:   reconcile.PlaceholderRoom(cfg.Player.DefaultRoom),
		Logger:        logger,
	})
	world.OnNarrative(func(line string) {
		fmt.Println(line)
	})

	// Connection orchestrator
	var mgr *connection.Manager
	mgr = connection.NewManager(connection.ManagerConfig{
		WSURL:                cfg.Server.WSURL,
		SSEURL:               cfg.Server.SSEURL,
		Token:                cfg.Auth.Token,
		CharacterID:          cfg.Session.CharacterID,
		Transport:            cfg.Connection.Transport,
		MaxReconnectAttempts: cfg.Connection.MaxReconnectAttempts,
		ConnectTimeout:       cfg.Connection.ConnectTimeout,
		PingInterval:         cfg.Connection.PingInterval,
		StaleAfter:           cfg.Connection.StaleAfter,
		BufferSize:           cfg.Connection.BufferSize,
		DevMode:              cfg.Connection.DevMode,
		Prober:               restClient,
	}, connection.Callbacks{
		OnEvent: func(ev events.Event) {
			world.Apply(ev)
			if jl != nil {
				jl.Record(mgr.SessionID(), ev)
			}
		},
		OnConnect: func() {
			fmt.Println("* connected")
		},
		OnDisconnect: func() {
			fmt.Println("* connection lost")
		},
		OnError: func(reason string) {
			logger.Warn("connection trouble", "reason", reason)
		},
		OnSessionChange: func(id string) {
			logger.Info("session changed", "session_id", id)
		},
	}, logger)

	mgr.Start(ctx)
	if cfg.Session.ID != "" {
		mgr.SwitchSession(cfg.Session.ID)
	} else {
		mgr.Connect()
	}

	g, gctx := errgroup.WithContext(ctx)

	// Relay stdin lines as game commands.
	g.Go(func() error {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			select {
			case <-gctx.Done():
				return nil
			default:
			}
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			if handleLocalCommand(mgr, line) {
				continue
			}
			parts := strings.Fields(line)
			if !mgr.SendCommand(parts[0], parts[1:]) {
				fmt.Println("* not connected; command dropped")
			}
		}
		// stdin closed: the player is done.
		cancel()
		return scanner.Err()
	})

	// Periodic status line while not connected.
	g.Go(func() error {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				st := mgr.Status()
				if st.State != fsm.StateConnected {
					logger.Info("connection status",
						"state", st.State,
						"attempts", st.ReconnectAttempts,
						"last_error", st.LastError,
					)
				}
			}
		}
	})

	logger.Info("mudclient running - press Ctrl+C to stop")

	// Wait for shutdown
	<-ctx.Done()
	if err := g.Wait(); err != nil {
		logger.Warn("worker exited with error", "error", err)
	}

	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	// Best-effort logout; the server closes the session either way.
	if mgr.Status().State == fsm.StateConnected {
		if err := restClient.Logout(shutdownCtx); err != nil {
			logger.Warn("logout failed", "error", err)
		}
	}

	mgr.Stop(shutdownCtx)
	if jl != nil {
		jl.Stop(shutdownCtx)
	}

	logger.Info("mudclient stopped")
}

// handleLocalCommand intercepts client-side commands. Returns true if
// the line was consumed locally.
func handleLocalCommand(mgr *connection.Manager, line string) bool {
	switch {
	case line == "/status":
		st := mgr.Status()
		fmt.Printf("* state=%s session=%s attempts=%d last_error=%q\n",
			st.State, st.SessionID, st.ReconnectAttempts, st.LastError)
		return true
	case line == "/retry":
		mgr.Retry()
		return true
	case line == "/disconnect":
		mgr.Disconnect()
		return true
	case line == "/connect":
		mgr.Connect()
		return true
	case strings.HasPrefix(line, "/session "):
		mgr.SwitchSession(strings.TrimSpace(strings.TrimPrefix(line, "/session ")))
		return true
	}
	return false
}
