package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jholhewres/storeclaw/pkg/storeclaw/assistant"
	"github.com/jholhewres/storeclaw/pkg/storeclaw/channels"
	"github.com/jholhewres/storeclaw/pkg/storeclaw/channels/whatsapp"
	"github.com/jholhewres/storeclaw/pkg/storeclaw/credentials"
	"github.com/jholhewres/storeclaw/pkg/storeclaw/gateway"
	"github.com/jholhewres/storeclaw/pkg/storeclaw/queue"
	"github.com/jholhewres/storeclaw/pkg/storeclaw/scheduler"
)

// newServeCmd creates the `storeclaw serve` command that runs the daemon.
func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Connect every enabled store to WhatsApp and answer customers",
		Long: `Start StoreClaw as a daemon: one WhatsApp session per enabled tenant,
the admin gateway (when enabled) and the maintenance scheduler.

Unpaired tenants wait for a QR scan; fetch the code from
GET /api/tenants/<id>/qr or watch GET /api/tenants/<id>/events.

Examples:
  storeclaw serve
  storeclaw serve --config ./storeclaw.yaml
  storeclaw serve --tenant acme`,
		RunE: runServe,
	}

	cmd.Flags().StringSlice("tenant", nil, "only serve these tenants")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	// ── Load config ──
	cfg, configPath, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cmd, cfg)
	logger.Info("config loaded", "path", configPath)

	if only, _ := cmd.Flags().GetStringSlice("tenant"); len(only) > 0 {
		keep := make(map[string]bool, len(only))
		for _, id := range only {
			if _, err := requireTenant(cfg, id); err != nil {
				return err
			}
			keep[id] = true
		}
		for i := range cfg.Tenants {
			cfg.Tenants[i].Disabled = !keep[cfg.Tenants[i].ID]
		}
	}
	if len(cfg.EnabledTenants()) == 0 {
		return fmt.Errorf("no enabled tenants in configuration")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Storage ──
	db, err := openDatabase(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	creds, err := credentials.Open(cfg.Credentials, credentials.TerminalPrompt(), logger)
	if err != nil {
		return fmt.Errorf("opening credentials store: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.WhatsApp.DatabasePath), 0o700); err != nil {
		return fmt.Errorf("creating whatsapp data directory: %w", err)
	}
	container, err := whatsapp.OpenContainer(ctx, cfg.WhatsApp.DatabasePath)
	if err != nil {
		return err
	}
	defer container.Close()

	// ── Create assistant ──
	a, err := assistant.New(ctx, cfg, assistant.Deps{
		DB:          db,
		Credentials: creds,
		Transports: func(tenantID string) (channels.Transport, error) {
			return whatsapp.New(tenantID, container, cfg.WhatsApp, logger), nil
		},
	}, logger)
	if err != nil {
		return err
	}

	if err := a.Start(ctx); err != nil {
		logger.Warn("assistant started with warnings", "error", err)
	}

	// ── Start gateway if enabled ──
	var gw *gateway.Gateway
	if cfg.Gateway.Enabled {
		gw = gateway.New(a, cfg.Gateway, logger)
		if err := gw.Start(ctx); err != nil {
			logger.Error("failed to start gateway", "error", err)
			gw = nil
		}
	}

	// ── Maintenance jobs ──
	sched := scheduler.New(logger)
	if err := sched.Add(scheduler.JobRedeliver, cfg.Outbound.RedeliverySchedule,
		scheduler.RedeliveryJob(a.Redeliverer(), logger)); err != nil {
		return err
	}
	if mem, ok := a.Dedup().(*queue.MemoryDedup); ok {
		if err := sched.Add(scheduler.JobDedupSweep, cfg.Queue.SweepSchedule,
			scheduler.SweepJob(mem, logger)); err != nil {
			return err
		}
	}
	if err := sched.Start(ctx); err != nil {
		return err
	}

	// ── Wait for shutdown ──
	logger.Info("StoreClaw running. Press Ctrl+C to stop.",
		"name", cfg.Name,
		"tenants", len(cfg.EnabledTenants()),
		"gateway", gw != nil,
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutdown signal received, stopping...")

	// Graceful shutdown with timeout.
	done := make(chan struct{})
	go func() {
		sched.Stop()
		if gw != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = gw.Stop(shutdownCtx)
			cancel()
		}
		a.Stop()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("shutdown complete")
	case <-time.After(15 * time.Second):
		logger.Warn("shutdown timed out after 15s, forcing exit")
	}
	return nil
}
