package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/jholhewres/storeclaw/pkg/storeclaw/assistant"
	"github.com/jholhewres/storeclaw/pkg/storeclaw/channels"
	"github.com/jholhewres/storeclaw/pkg/storeclaw/channels/console"
	"github.com/jholhewres/storeclaw/pkg/storeclaw/config"
	"github.com/jholhewres/storeclaw/pkg/storeclaw/credentials"
	"github.com/jholhewres/storeclaw/pkg/storeclaw/queue"
)

// newSimulateCmd creates `storeclaw simulate`, a local chat with a store.
func newSimulateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Chat with a store's assistant from the terminal",
		Long: `Run the full reply pipeline (dedup, prompt, AI provider, directives,
orders and history) against a local console instead of WhatsApp.

Commands inside the session:
  /sender <id>   continue as another customer
  /drop          simulate a lost connection
  /reconnect     restart the session
  /status        show the session state
  /pending       list undelivered replies
  /redeliver     resend undelivered replies
  exit           quit

Examples:
  storeclaw simulate --tenant acme
  storeclaw simulate --tenant acme --sender 201000000001`,
		RunE: runSimulate,
	}
	cmd.Flags().StringP("tenant", "t", "", "tenant to talk to (default: the first configured)")
	cmd.Flags().StringP("sender", "s", "201000000000", "customer phone number")
	return cmd
}

func runSimulate(cmd *cobra.Command, _ []string) error {
	tenantID, _ := cmd.Flags().GetString("tenant")
	sender, _ := cmd.Flags().GetString("sender")

	cfg, _, err := resolveConfig(cmd)
	if err != nil {
		if tenantID == "" {
			tenantID = "demo"
		}
		fmt.Printf("No configuration found; simulating tenant %q with defaults.\n", tenantID)
		cfg = config.DefaultConfig()
		cfg.Tenants = []config.TenantConfig{{ID: tenantID}}
	}
	if tenantID == "" {
		if len(cfg.Tenants) == 0 {
			return fmt.Errorf("no tenants configured")
		}
		tenantID = cfg.Tenants[0].ID
	}
	if _, err := requireTenant(cfg, tenantID); err != nil {
		return err
	}

	logger := quietLogger(cmd)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := openDatabase(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          promptFor(sender),
		HistoryFile:     filepath.Join(os.TempDir(), ".storeclaw_history"),
		HistoryLimit:    100,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("initializing readline: %w", err)
	}
	defer rl.Close()
	out := rl.Stdout()

	var conn *console.Console
	a, err := assistant.New(ctx, cfg, assistant.Deps{
		DB:          db,
		Credentials: credentials.NewMemoryStore(),
		Dedup:       queue.NewMemoryDedup(),
		Transports: func(id string) (channels.Transport, error) {
			c := console.New(id, func(o console.Outgoing) { printOutgoing(out, o) })
			if id == tenantID {
				conn = c
			}
			return c, nil
		},
	}, logger)
	if err != nil {
		return err
	}
	defer a.Stop()

	tenant, err := a.Tenant(tenantID)
	if err != nil {
		return err
	}
	if err := tenant.Session.Initialize(ctx); err != nil {
		return err
	}

	fmt.Fprintf(out, "Connected to %s as %s. Type a message, or exit to quit.\n\n", tenantID, sender)

	for {
		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
				fmt.Fprintln(out, "Goodbye!")
				return nil
			}
			fmt.Fprintf(out, "Error reading input: %v\n", err)
			continue
		}

		input := strings.TrimSpace(line)
		switch {
		case input == "":
			continue

		case input == "exit" || input == "quit":
			fmt.Fprintln(out, "Goodbye!")
			return nil

		case strings.HasPrefix(input, "/sender"):
			next := strings.TrimSpace(strings.TrimPrefix(input, "/sender"))
			if next == "" {
				fmt.Fprintln(out, "usage: /sender <id>")
				continue
			}
			sender = next
			rl.SetPrompt(promptFor(sender))

		case input == "/drop":
			conn.Drop(channels.CloseConnectionLost)

		case input == "/reconnect":
			if err := tenant.Session.Restart(ctx); err != nil {
				fmt.Fprintf(out, "reconnect failed: %v\n", err)
			}

		case input == "/status":
			snap := tenant.Session.Snapshot()
			fmt.Fprintf(out, "state=%s attempts=%d last_close=%q\n", snap.State, snap.ReconnectAttempts, snap.LastCloseReason)

		case input == "/pending":
			pending, err := a.Stores().History.Pending(ctx, tenantID, 20)
			if err != nil {
				fmt.Fprintf(out, "error: %v\n", err)
				continue
			}
			if len(pending) == 0 {
				fmt.Fprintln(out, "no pending replies")
			}
			for _, m := range pending {
				fmt.Fprintf(out, "  %s → %s: %s\n", m.ID, m.ConversationID, m.Text)
			}

		case input == "/redeliver":
			stats, err := a.Redeliverer().Run(ctx)
			if err != nil {
				fmt.Fprintf(out, "error: %v\n", err)
				continue
			}
			fmt.Fprintf(out, "sent=%d retried=%d failed=%d skipped=%d\n", stats.Sent, stats.Retried, stats.Failed, stats.Skipped)

		default:
			conn.Receive(sender, input)
		}
	}
}

func promptFor(sender string) string {
	return fmt.Sprintf("%s › ", sender)
}

func printOutgoing(w io.Writer, o console.Outgoing) {
	switch {
	case o.Media != nil:
		fmt.Fprintf(w, "🖼  %s %s\n", o.Media.URL, o.Media.Caption)
	default:
		fmt.Fprintf(w, "🤖 %s\n", o.Text)
	}
}
