package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/dotsetgreg/shopkeeper/pkg/assistant"
	"github.com/dotsetgreg/shopkeeper/pkg/bus"
	"github.com/dotsetgreg/shopkeeper/pkg/channels"
	"github.com/dotsetgreg/shopkeeper/pkg/config"
	"github.com/dotsetgreg/shopkeeper/pkg/insights"
	"github.com/dotsetgreg/shopkeeper/pkg/persona"
	"github.com/dotsetgreg/shopkeeper/pkg/response"
	"github.com/dotsetgreg/shopkeeper/pkg/store"
)

const shutdownTimeout = 30 * time.Second

type globalOptions struct {
	configPath string
	debug      bool
}

func (g *globalOptions) load() (*config.Config, error) {
	return loadConfig(g.configPath, g.debug)
}

func executeCLI() error {
	return buildRootCommand().Execute()
}

func buildRootCommand() *cobra.Command {
	var showVersion bool
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:   appName,
		Short: "Conversational business assistant for small shops",
		Long: strings.TrimSpace(`shopkeeper answers inventory, sales, supplier and cash questions over chat,
remembers each conversation, adapts its replies to the person asking, and
pushes urgent insights on a schedule.

Run the Discord gateway, chat locally, inspect insights, or seed demo data.`),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				printVersion(cmd.OutOrStdout())
				return nil
			}
			_ = cmd.Help()
			return fmt.Errorf("a subcommand is required")
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.Flags().BoolVarP(&showVersion, "version", "v", false, "Show build/version metadata")
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", defaultConfigPath(), "Path to config.json")
	root.PersistentFlags().BoolVarP(&opts.debug, "debug", "d", false, "Enable debug logging")

	root.AddCommand(newGatewayCommand(opts))
	root.AddCommand(newChatCommand(opts))
	root.AddCommand(newInsightsCommand(opts))
	root.AddCommand(newFeedbackCommand(opts))
	root.AddCommand(newSeedDemoCommand(opts))
	root.AddCommand(newPersonaCommand(opts))
	root.AddCommand(newStatusCommand(opts))
	root.AddCommand(newVersionCommand())

	return root
}

func newGatewayCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "gateway",
		Short:   "Run the Discord gateway and insight scheduler",
		Long:    "Start channel adapters, the conversation loop, the snapshot persister and the insight scheduler.",
		Example: "  shopkeeper gateway --debug",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			return runGateway(cmd.OutOrStdout(), cfg)
		},
	}
}

func runGateway(out io.Writer, cfg *config.Config) error {
	msgBus := bus.NewMessageBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rt, err := assistant.NewRuntime(ctx, cfg, msgBus)
	if err != nil {
		return err
	}

	manager, err := channels.NewManager(cfg, msgBus)
	if err != nil {
		_ = rt.Close(ctx)
		return err
	}
	enabled := manager.GetEnabledChannels()
	if len(enabled) == 0 {
		fmt.Fprintln(out, "! No channels enabled; set channels.discord.token to receive messages")
	} else {
		fmt.Fprintf(out, "✓ Channels enabled: %s\n", strings.Join(enabled, ", "))
	}

	if err := manager.StartAll(ctx); err != nil {
		_ = rt.Close(ctx)
		return err
	}
	rt.Messenger.Route(enabled...)
	rt.Start()
	if rt.Scheduler != nil {
		if next, err := rt.Scheduler.NextRun(time.Now()); err == nil {
			fmt.Fprintf(out, "✓ Insight scheduler started (next cycle %s)\n", next.Format(time.RFC3339))
		}
	}

	done := make(chan error, 1)
	go func() { done <- rt.Orchestrator.Run(ctx, msgBus) }()
	fmt.Fprintln(out, "✓ Gateway started. Press Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	fmt.Fprintln(out, "\nShutting down...")
	cancel()
	<-done

	stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stopCancel()
	_ = manager.StopAll(stopCtx)
	stats := msgBus.Stats()
	closeErr := rt.Close(stopCtx)
	msgBus.Close()
	fmt.Fprintf(out, "✓ Gateway stopped (dropped inbound=%d outbound=%d)\n", stats.DroppedInbound, stats.DroppedOutbound)
	return closeErr
}

func newChatCommand(opts *globalOptions) *cobra.Command {
	var (
		message string
		user    string
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with the assistant locally",
		Long:  "Run an interactive local session or send one message without Discord. Urgent insights are printed inline.",
		Example: strings.Join([]string{
			"  shopkeeper chat",
			"  shopkeeper chat --user owner",
			"  shopkeeper chat --message \"check stock ABC123\"",
		}, "\n"),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			msgBus := bus.NewMessageBus()
			ctx := context.Background()
			rt, err := assistant.NewRuntime(ctx, cfg, msgBus)
			if err != nil {
				return err
			}
			defer func() {
				stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				_ = rt.Close(stopCtx)
				msgBus.Close()
			}()

			send := func(text string) string {
				return rt.Orchestrator.HandleMessage(ctx, bus.InboundMessage{
					Channel:  channels.LocalChannel,
					SenderID: user,
					ChatID:   "local",
					Content:  text,
				})
			}

			if strings.TrimSpace(message) != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\n", send(message))
				return nil
			}
			rt.Messenger.Route(channels.LocalChannel)
			rt.Start()
			fmt.Fprintf(cmd.OutOrStdout(), "%s interactive mode as %s:%s (Ctrl+C to exit)\n\n", appName, channels.LocalChannel, user)
			return interactiveMode(cmd.OutOrStdout(), msgBus, send)
		},
	}

	cmd.Flags().StringVarP(&message, "message", "m", "", "One message to send")
	cmd.Flags().StringVarP(&user, "user", "u", "local", "Sender id for the local session")
	return cmd
}

func interactiveMode(out io.Writer, msgBus *bus.MessageBus, send func(string) string) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "you> ",
		HistoryFile:     filepath.Join(os.TempDir(), ".shopkeeper_history"),
		HistoryLimit:    100,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("initialize readline: %w", err)
	}
	defer rl.Close()

	pushCtx, stopPushes := context.WithCancel(context.Background())
	defer stopPushes()
	go printPushes(pushCtx, rl.Stdout(), msgBus)

	for {
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt || err == io.EOF {
				fmt.Fprintln(out, "\nGoodbye!")
				return nil
			}
			return fmt.Errorf("read input: %w", err)
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			fmt.Fprintln(out, "Goodbye!")
			return nil
		}

		fmt.Fprintf(out, "\n%s> %s\n\n", appName, send(input))
	}
}

// printPushes shows unsolicited messages addressed to the local channel.
func printPushes(ctx context.Context, w io.Writer, msgBus *bus.MessageBus) {
	for {
		msg, ok := msgBus.SubscribeOutbound(ctx)
		if !ok {
			return
		}
		if msg.Channel != channels.LocalChannel {
			continue
		}
		fmt.Fprintf(w, "\n%s (insight)> %s\n\n", appName, msg.Content)
	}
}

func newInsightsCommand(opts *globalOptions) *cobra.Command {
	var (
		history bool
		limit   int
	)

	cmd := &cobra.Command{
		Use:   "insights <identity>",
		Short: "Preview or list proactive insights for an identity",
		Long:  "Generate the insights the next cycle would consider for an identity, or list the ones already sent.",
		Args:  cobra.ExactArgs(1),
		Example: strings.Join([]string{
			"  shopkeeper insights discord:1234",
			"  shopkeeper insights cli:local --history",
		}, "\n"),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			ctx := context.Background()
			identity := args[0]
			out := cmd.OutOrStdout()

			if history {
				db, err := store.NewSQLiteStore(cfg.StoragePath())
				if err != nil {
					return err
				}
				defer db.Close()
				sent, err := db.ListInsights(ctx, identity, limit)
				if err != nil {
					return err
				}
				if len(sent) == 0 {
					fmt.Fprintln(out, "No insights sent yet.")
					return nil
				}
				for _, in := range sent {
					fmt.Fprintf(out, "%s  %-8s %-12s %s\n", in.CreatedAt.Format(time.RFC3339), in.Priority, in.Type, in.Title)
				}
				return nil
			}

			rt, err := assistant.NewRuntime(ctx, cfg, bus.NewMessageBus())
			if err != nil {
				return err
			}
			defer rt.Close(ctx)

			found, err := rt.Engine.GenerateForUser(ctx, identity)
			if err != nil {
				return err
			}
			if len(found) == 0 {
				fmt.Fprintln(out, "No insights above the confidence threshold.")
				return nil
			}
			c, err := rt.Contexts.Peek(ctx, identity)
			if err != nil {
				return err
			}
			for i, in := range found {
				if i > 0 {
					fmt.Fprintln(out, "\n---")
				}
				fmt.Fprintln(out, insights.Format(in, c.Persona))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&history, "history", false, "List insights already sent")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum insights to list with --history")
	return cmd
}

func newFeedbackCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "feedback <identity> <positive|negative>",
		Short: "Rate the last reply sent to an identity",
		Long:  "Positive feedback stores the reply as a learned pattern; negative feedback decays it.",
		Args:  cobra.ExactArgs(2),
		Example: strings.Join([]string{
			"  shopkeeper feedback discord:1234 positive",
			"  shopkeeper feedback cli:local -",
		}, "\n"),
		RunE: func(cmd *cobra.Command, args []string) error {
			fb, err := response.ParseFeedback(args[1])
			if err != nil {
				return err
			}
			id, err := assistant.ParseIdentity(args[0])
			if err != nil {
				return err
			}
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			ctx := context.Background()
			rt, err := assistant.NewRuntime(ctx, cfg, bus.NewMessageBus())
			if err != nil {
				return err
			}
			defer rt.Close(ctx)

			if _, err := rt.Contexts.GetOrCreate(ctx, id.String(), id.SenderID); err != nil {
				return err
			}
			if err := rt.Orchestrator.ApplyFeedback(ctx, id.String(), fb); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Recorded %s feedback for %s\n", fb, id)
			return nil
		},
	}
}

func newSeedDemoCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "seed-demo",
		Short:   "Load sample inventory, suppliers, sales and cash flow",
		Long:    "Insert demo business data into the SQLite store so every intent and detector has something to work with.",
		Example: "  shopkeeper seed-demo",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			db, err := store.NewSQLiteStore(cfg.StoragePath())
			if err != nil {
				return err
			}
			defer db.Close()

			sum, err := db.SeedDemo(context.Background(), time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Seeded %d items, %d suppliers, %d sales, %d weeks of cash flow into %s\n",
				sum.Items, sum.Suppliers, sum.Sales, sum.Weeks, cfg.StoragePath())
			return nil
		},
	}
}

func newPersonaCommand(opts *globalOptions) *cobra.Command {
	root := &cobra.Command{
		Use:   "persona",
		Short: "Manage persona assignments",
		Long:  "Assign one of the persona profiles to a user. Assignments apply to conversations created afterwards.",
	}

	root.AddCommand(&cobra.Command{
		Use:     "list",
		Short:   "List persona profiles",
		Example: "  shopkeeper persona list",
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, p := range persona.All {
				prof := p.Profile()
				fmt.Fprintf(cmd.OutOrStdout(), "%-20s %s\n", p, prof.Description)
			}
			return nil
		},
	})

	root.AddCommand(&cobra.Command{
		Use:     "set <user_id> <persona>",
		Short:   "Assign a persona to a user",
		Args:    cobra.ExactArgs(2),
		Example: "  shopkeeper persona set 1234 analytical_manager",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, ok := persona.Parse(args[1])
			if !ok {
				return fmt.Errorf("unknown persona %q", args[1])
			}
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			db, err := store.NewSQLiteStore(cfg.StoragePath())
			if err != nil {
				return err
			}
			defer db.Close()
			if err := db.SetPersonaAssignment(context.Background(), args[0], p); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ %s is now %s\n", args[0], p)
			return nil
		},
	})

	return root
}

func newStatusCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "status",
		Short:   "Show configuration, storage and scheduler readiness",
		Example: "  shopkeeper status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			return printStatus(cmd.OutOrStdout(), opts.configPath, cfg)
		},
	}
}

func printStatus(out io.Writer, configPath string, cfg *config.Config) error {
	mark := func(ok bool) string {
		if ok {
			return "✓"
		}
		return "✗"
	}

	fmt.Fprintf(out, "%s Status\n", appName)
	fmt.Fprintf(out, "Version: %s\n\n", formatVersion())

	_, err := os.Stat(configPath)
	fmt.Fprintln(out, "Config:", configPath, mark(err == nil))

	dbPath := cfg.StoragePath()
	if _, err := os.Stat(dbPath); err != nil {
		fmt.Fprintln(out, "State DB:", dbPath, "not initialized")
	} else {
		fmt.Fprintln(out, "State DB:", dbPath, "✓")
		db, err := store.NewSQLiteStore(dbPath)
		if err != nil {
			return err
		}
		defer db.Close()
		ctx := context.Background()
		if n, err := db.SnapshotCount(ctx); err == nil {
			fmt.Fprintf(out, "Persisted conversations: %d\n", n)
		}
		if patterns, err := db.LoadPatterns(ctx); err == nil {
			fmt.Fprintf(out, "Learned patterns: %d\n", len(patterns))
		}
	}
	fmt.Fprintf(out, "Snapshot backend: %s\n", cfg.Storage.Backend)

	if cfg.Insights.Enabled {
		sched, err := insights.NewScheduler(insights.NewEngine(insights.Options{}), insights.SchedulerOptions{Schedule: cfg.Insights.Schedule})
		if err != nil {
			fmt.Fprintln(out, "Insights: invalid schedule:", err)
		} else if next, err := sched.NextRun(time.Now()); err == nil {
			fmt.Fprintf(out, "Insights: %s (next %s)\n", cfg.Insights.Schedule, next.Format(time.RFC3339))
		}
	} else {
		fmt.Fprintln(out, "Insights: disabled")
	}
	fmt.Fprintln(out, "Discord token:", mark(strings.TrimSpace(cfg.Channels.Discord.Token) != ""))
	return nil
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "version",
		Short:   "Show build/version metadata",
		Example: "  shopkeeper version",
		RunE: func(cmd *cobra.Command, args []string) error {
			printVersion(cmd.OutOrStdout())
			return nil
		},
	}
}
