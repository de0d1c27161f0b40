package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/user/classwatch/internal/alert"
	"github.com/user/classwatch/internal/api"
	"github.com/user/classwatch/internal/dashboard"
	"github.com/user/classwatch/internal/delivery"
	"github.com/user/classwatch/internal/ingest"
	"github.com/user/classwatch/internal/scheduler"
	"github.com/user/classwatch/internal/store"
	"github.com/user/classwatch/internal/telegram"
	"github.com/user/classwatch/internal/types"
)

const shutdownTimeout = 5 * time.Second

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the classwatch daemon",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	setupLogging(cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if cfg.Reset.Schedule != "" {
		if err := scheduler.Validate(cfg.Reset.Schedule); err != nil {
			return err
		}
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	pidPath := cfg.PIDPath()
	if err := writePIDFile(pidPath); err != nil {
		return err
	}
	defer os.Remove(pidPath)

	st, err := store.Open(cfg.DBPath(), store.WithLogger(slog.Default()))
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	// Alerts
	deliveryReg := delivery.NewRegistry()
	deliveryReg.Register("log:", func(_ context.Context, key types.DeliveryKey, message string) error {
		slog.Warn("behavior alert", "key", key, "message", message)
		return nil
	})
	alertKeys := []types.DeliveryKey{types.NewDeliveryKey("log", "alerts")}
	for _, chatID := range cfg.Telegram.ChatIDs {
		alertKeys = append(alertKeys, telegram.ChatKey(chatID))
	}
	dispatcher := alert.NewDispatcher(cfg.Window.AlertCategories, alertKeys, deliveryReg,
		alert.WithLogger(slog.Default()))
	defer dispatcher.Close()

	// Window
	hub := dashboard.New(st,
		dashboard.WithCapacity(cfg.Window.Capacity),
		dashboard.WithReconnectPolicy(cfg.Reconnect.Policy()),
		dashboard.WithDeletePolicy(cfg.Retry.Policy()),
		dashboard.WithLogger(slog.Default()),
	)
	hub.Start(gctx)
	defer hub.Stop()

	unsubscribe := hub.Subscribe(dispatcher.Consume)
	defer unsubscribe()

	// Telegram adapter
	if cfg.Telegram.Token != "" {
		adapter, err := telegram.New(cfg.Telegram.Token, hub, dispatcher,
			cfg.Window.AlertCategories, cfg.Telegram.ChatIDs, slog.Default())
		if err != nil {
			return fmt.Errorf("create telegram adapter: %w", err)
		}
		deliveryReg.Register("telegram:", adapter.Deliver)
		g.Go(func() error {
			adapter.Start(gctx)
			return nil
		})
		slog.Info("telegram adapter started", "chats", len(cfg.Telegram.ChatIDs))
	} else {
		slog.Warn("telegram adapter disabled (no token)")
	}

	// Detector feed
	if cfg.Kafka.Enabled {
		consumer, err := ingest.NewConsumer(ingest.Config{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.Topic,
			GroupID: cfg.Kafka.GroupID,
		}, st, cfg.Retry.Policy(), slog.Default())
		if err != nil {
			return fmt.Errorf("create kafka consumer: %w", err)
		}
		g.Go(func() error { return consumer.Run(gctx) })
	}

	// Scheduled reset
	sched := scheduler.New(slog.Default(), time.Minute)
	if err := sched.Add("window-reset", cfg.Reset.Schedule, func(ctx context.Context) error {
		_, err := hub.Reset(ctx)
		return err
	}); err != nil {
		return err
	}
	sched.Start()
	defer sched.Stop()

	// HTTP API
	if cfg.HTTP.Enabled {
		httpServer := &http.Server{
			Addr:              cfg.HTTP.Listen,
			Handler:           api.NewServer(hub, st, cfg.Window.AlertCategories, slog.Default()),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			slog.Info("http server started", "listen", cfg.HTTP.Listen)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return httpServer.Shutdown(shutdownCtx)
		})
	}

	slog.Info("classwatch started",
		"data_dir", cfg.DataDir,
		"db_path", cfg.DBPath(),
		"capacity", cfg.Window.Capacity,
		"kafka", cfg.Kafka.Enabled,
		"http", cfg.HTTP.Enabled,
		"reset_schedule", cfg.Reset.Schedule,
		"pid_file", pidPath,
	)

	g.Go(func() error {
		waitForSignal(gctx, pidPath)
		cancel()
		return nil
	})

	return g.Wait()
}

// waitForSignal returns on SIGINT, SIGTERM or when ctx ends. SIGHUP
// re-executes the binary in place.
func waitForSignal(ctx context.Context, pidPath string) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	for {
		var sig os.Signal
		select {
		case <-ctx.Done():
			return
		case sig = <-sigChan:
		}
		if sig == syscall.SIGHUP {
			slog.Info("received SIGHUP, restarting")
			execPath, err := os.Executable()
			if err != nil {
				slog.Error("failed to get executable path", "error", err)
				continue
			}
			// Clean up PID file before re-exec
			os.Remove(pidPath)
			if err := syscall.Exec(execPath, os.Args, os.Environ()); err != nil {
				slog.Error("failed to re-exec", "error", err)
				if writeErr := writePIDFile(pidPath); writeErr != nil {
					slog.Error("failed to re-write PID file", "error", writeErr)
				}
			}
			continue
		}
		slog.Info("shutting down", "signal", sig)
		return
	}
}
