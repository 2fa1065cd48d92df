package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"go.mau.fi/whatsmeow/types"

	"github.com/jholhewres/storeclaw/pkg/storeclaw/channels"
	"github.com/jholhewres/storeclaw/pkg/storeclaw/channels/whatsapp"
	"github.com/jholhewres/storeclaw/pkg/storeclaw/credentials"
	"github.com/jholhewres/storeclaw/pkg/storeclaw/database"
	"github.com/jholhewres/storeclaw/pkg/storeclaw/session"
)

// newTenantCmd creates `storeclaw tenant` for offline administration.
func newTenantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Inspect and administer stores",
		Long: `Inspect stores without running the daemon: pairing state, delivery
counts, undelivered replies and alerts. logout unlinks a store's WhatsApp
device so the next start shows a new QR code.

Examples:
  storeclaw tenant status
  storeclaw tenant pending acme
  storeclaw tenant alerts acme
  storeclaw tenant logout acme`,
	}

	cmd.AddCommand(
		newTenantStatusCmd(),
		newTenantPendingCmd(),
		newTenantAlertsCmd(),
		newTenantLogoutCmd(),
	)
	return cmd
}

func newTenantStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status [tenant...]",
		Short: "Show pairing and delivery status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			logger := quietLogger(cmd)
			ctx := context.Background()

			db, err := openDatabase(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer db.Close()
			history := database.NewHistoryStore(db)

			creds, err := credentials.Open(cfg.Credentials, credentials.TerminalPrompt(), logger)
			if err != nil {
				return fmt.Errorf("opening credentials store: %w", err)
			}

			ids := args
			if len(ids) == 0 {
				for _, t := range cfg.Tenants {
					ids = append(ids, t.ID)
				}
			}

			fmt.Printf("%-16s %-24s %-9s %-32s %6s %8s %7s\n", "TENANT", "NAME", "ENABLED", "DEVICE", "SENT", "PENDING", "FAILED")
			for _, id := range ids {
				tc, err := requireTenant(cfg, id)
				if err != nil {
					return err
				}
				device := "-"
				if c, err := creds.Load(ctx, id); err != nil {
					device = "error: " + err.Error()
				} else if c != nil {
					device = c.DeviceID
				}
				counts, err := history.CountByStatus(ctx, id)
				if err != nil {
					return err
				}
				fmt.Printf("%-16s %-24s %-9t %-32s %6d %8d %7d\n",
					tc.ID, tc.Name, !tc.Disabled, device,
					counts[channels.StatusSent], counts[channels.StatusPending], counts[channels.StatusFailed])
			}
			return nil
		},
	}
}

func newTenantPendingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pending <tenant>",
		Short: "List replies waiting for delivery",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			if _, err := requireTenant(cfg, args[0]); err != nil {
				return err
			}
			limit, _ := cmd.Flags().GetInt("limit")
			ctx := context.Background()

			db, err := openDatabase(ctx, cfg, quietLogger(cmd))
			if err != nil {
				return err
			}
			defer db.Close()

			pending, err := database.NewHistoryStore(db).Pending(ctx, args[0], limit)
			if err != nil {
				return err
			}
			if len(pending) == 0 {
				fmt.Println("No pending replies.")
				return nil
			}
			for _, m := range pending {
				fmt.Printf("%s  %s  attempts=%d  to=%s\n  %s\n",
					m.CreatedAt.Format(time.DateTime), m.ID, m.Attempts, m.ConversationID, m.Text)
			}
			return nil
		},
	}
	cmd.Flags().Int("limit", 50, "maximum number of replies")
	return cmd
}

func newTenantAlertsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "alerts [tenant]",
		Short: "List recent operator alerts",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			tenantID := ""
			if len(args) == 1 {
				if _, err := requireTenant(cfg, args[0]); err != nil {
					return err
				}
				tenantID = args[0]
			}
			limit, _ := cmd.Flags().GetInt("limit")
			ctx := context.Background()

			db, err := openDatabase(ctx, cfg, quietLogger(cmd))
			if err != nil {
				return err
			}
			defer db.Close()

			alerts, err := database.NewAlertStore(db).List(ctx, tenantID, limit)
			if err != nil {
				return err
			}
			if len(alerts) == 0 {
				fmt.Println("No alerts.")
				return nil
			}
			for _, a := range alerts {
				fmt.Printf("%s  %-12s %-20s %s\n", a.CreatedAt.Format(time.DateTime), a.TenantID, a.Kind, a.Message)
			}
			return nil
		},
	}
	cmd.Flags().Int("limit", 20, "maximum number of alerts")
	return cmd
}

func newTenantLogoutCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logout <tenant>",
		Short: "Unlink a store's WhatsApp device",
		Long: `Connect with the stored device and log it out, which removes it from
the phone's linked devices. When the connection cannot be opened, the local
pairing is deleted instead and the phone entry must be removed by hand.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			tenantID := args[0]
			tc, err := requireTenant(cfg, tenantID)
			if err != nil {
				return err
			}
			timeout, _ := cmd.Flags().GetDuration("timeout")
			logger := quietLogger(cmd)
			ctx := context.Background()

			creds, err := credentials.Open(cfg.Credentials, credentials.TerminalPrompt(), logger)
			if err != nil {
				return fmt.Errorf("opening credentials store: %w", err)
			}
			stored, err := creds.Load(ctx, tenantID)
			if err != nil {
				return err
			}
			if stored == nil {
				fmt.Printf("%s is not paired.\n", tenantID)
				return nil
			}

			if err := os.MkdirAll(filepath.Dir(cfg.WhatsApp.DatabasePath), 0o700); err != nil {
				return err
			}
			container, err := whatsapp.OpenContainer(ctx, cfg.WhatsApp.DatabasePath)
			if err != nil {
				return err
			}
			defer container.Close()

			transport := whatsapp.New(tenantID, container, cfg.WhatsApp, logger)
			sess := session.New(tenantID, transport, creds, cfg.SessionConfig(tc), logger)
			events, unsubscribe := sess.Subscribe()
			defer unsubscribe()

			if err := sess.Initialize(ctx); err == nil && waitOpen(events, timeout) {
				if err := sess.Logout(ctx); err != nil {
					return err
				}
				fmt.Printf("%s logged out; the device was removed from the phone.\n", tenantID)
				return nil
			}
			sess.Disconnect()

			// Offline cleanup.
			if jid, err := types.ParseJID(stored.DeviceID); err == nil {
				if device, err := container.GetDevice(ctx, jid); err == nil && device != nil {
					if err := device.Delete(ctx); err != nil {
						logger.Warn("failed to delete local device", "error", err)
					}
				}
			}
			if err := creds.Clear(ctx, tenantID); err != nil {
				return err
			}
			fmt.Printf("%s could not connect; local pairing deleted. Remove the linked device from the phone manually.\n", tenantID)
			return nil
		},
	}
	cmd.Flags().Duration("timeout", 30*time.Second, "how long to wait for the connection")
	return cmd
}

// waitOpen waits for the session to report Open.
func waitOpen(events <-chan session.StateChange, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return false
			}
			switch ev.State {
			case session.StateOpen:
				return true
			case session.StateNeedsAuth:
				return false
			}
		case <-deadline:
			return false
		}
	}
}
