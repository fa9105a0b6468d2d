// ABOUTME: Minimal agent process for E2E use — connects to the broker, funnels
// ABOUTME: inbound messages through the inbox, and echoes correlated DMs.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/pi-hive/hive/internal/client"
	"github.com/pi-hive/hive/internal/discovery"
	"github.com/pi-hive/hive/internal/identity"
	"github.com/pi-hive/hive/internal/inbox"
)

func main() {
	var flags identity.Identity
	var cwd string

	root := &cobra.Command{
		Use:          "hive-agent",
		Short:        "Echo agent for the pi-hive network",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			// The --role default must not shadow the environment.
			if !cmd.Flags().Changed("role") {
				if r := os.Getenv(identity.EnvRole); r != "" {
					flags.Role = r
				}
			}
			return run(cmd.Context(), flags, cwd)
		},
	}
	root.Flags().StringVar(&flags.BrokerURL, "broker-url", "", "broker websocket URL (falls back to "+identity.EnvBrokerURL+", then the discovery sidecar)")
	root.Flags().StringVar(&flags.Name, "name", "", "display name")
	root.Flags().StringVar(&flags.ID, "id", "", "agent id (generated when empty)")
	root.Flags().StringVar(&flags.ParentID, "parent-id", "", "id of the spawning agent")
	root.Flags().StringVar(&flags.Role, "role", "echo", "role description")
	root.Flags().BoolVar(&flags.Interactive, "interactive", false, "keep running after reaching done")
	root.Flags().StringVar(&cwd, "cwd", "", "working directory to declare (defaults to the process cwd)")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, flags identity.Identity, cwd string) error {
	id := identity.Resolve(flags)
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	url := id.BrokerURL
	if url == "" {
		info, err := discovery.Read()
		if err != nil {
			return fmt.Errorf("no broker URL given and no discovery sidecar: %w", err)
		}
		url = info.URL()
	}

	c, err := client.Dial(ctx, url, client.Info{
		ID:          id.ID,
		Name:        id.Name,
		Role:        id.Role,
		ParentID:    id.ParentID,
		CWD:         cwd,
		Interactive: id.Interactive,
	}, logger)
	if err != nil {
		return err
	}
	defer c.Close()

	fmt.Fprintf(os.Stderr, "registered as %s (%s)\n", c.Self().Name, c.Self().ID)

	rt := &echoRuntime{logger: logger}
	ib := inbox.New(rt, c.RespondDM, logger)
	rt.inbox = ib

	removeListener := c.OnMessage(ib.Deliver)
	defer removeListener()

	g, ctx := errgroup.WithContext(ctx)

	// Periodic presence so the roster shows liveness beyond heartbeats.
	g.Go(func() error {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-c.Done():
				return c.Err()
			case <-ticker.C:
				_ = c.UpdatePresence("echoing", time.Now())
			}
		}
	})

	g.Go(func() error {
		select {
		case <-ctx.Done():
			return nil
		case <-c.Done():
			return c.Err()
		}
	})

	return g.Wait()
}

// echoRuntime stands in for an LLM-driven conversation: every injected turn
// immediately completes with an echo of its content.
type echoRuntime struct {
	inbox  *inbox.Inbox
	logger *slog.Logger
}

func (r *echoRuntime) Inject(ctx context.Context, text string) error {
	go r.turn(text)
	return nil
}

func (r *echoRuntime) InjectFollowUp(ctx context.Context, text string) error {
	go r.turn(text)
	return nil
}

func (r *echoRuntime) turn(text string) {
	r.inbox.AgentStart()
	r.logger.Info("received message", "text", text)

	// Small delay to simulate a thinking turn.
	time.Sleep(50 * time.Millisecond)

	r.inbox.AgentEnd([]inbox.TranscriptMessage{
		{Role: "user", Blocks: []inbox.Block{{Type: "text", Text: text}}},
		{Role: "assistant", Blocks: []inbox.Block{{Type: "text", Text: echoReply(text)}}},
	})
}

// echoReply strips the injection label and mirrors the content back.
func echoReply(text string) string {
	if i := strings.Index(text, "]: "); i >= 0 {
		text = text[i+3:]
	}
	return "Echo: " + text
}
