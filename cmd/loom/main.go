// Command loom runs an agent session from the terminal.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/openloom/loom/internal/agent"
	"github.com/openloom/loom/internal/chat"
	"github.com/openloom/loom/internal/compaction"
	"github.com/openloom/loom/internal/config"
	"github.com/openloom/loom/internal/journal"
	"github.com/openloom/loom/internal/observability"
	"github.com/openloom/loom/internal/pipeline"
	"github.com/openloom/loom/internal/session"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "loom",
		Short:         "loom is a multi-turn tool-using agent runtime",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config file")
	root.AddCommand(newRunCmd(&configPath))
	return root
}

func newRunCmd(configPath *string) *cobra.Command {
	var (
		maxTurns int
		yolo     bool
		mode     string
	)

	cmd := &cobra.Command{
		Use:   "run \"prompt\"",
		Short: "Run the agent once over a prompt and stream the result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("max-turns") {
				cfg.Agent.MaxTurns = maxTurns
			}
			if yolo {
				cfg.Agent.YoloMode = true
			}
			if mode != "" {
				cfg.Agent.PermissionMode = mode
			}
			return run(cfg, args[0])
		},
	}
	cmd.Flags().IntVar(&maxTurns, "max-turns", 0, "turn budget override (-1 for unlimited)")
	cmd.Flags().BoolVar(&yolo, "yolo", false, "skip the interactive turn cap")
	cmd.Flags().StringVar(&mode, "mode", "", "permission mode (default|plan|yolo)")
	return cmd
}

func run(cfg *config.Config, prompt string) error {
	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	})
	metrics := observability.NewMetrics()

	shutdownTracing, err := observability.SetupTracing(context.Background(), observability.TraceConfig{
		ServiceName:  "loom",
		Environment:  cfg.Trace.Environment,
		Endpoint:     cfg.Trace.Endpoint,
		SamplingRate: cfg.Trace.SamplingRate,
		Insecure:     cfg.Trace.Insecure,
	})
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer shutdownTracing(context.Background())

	chatSvc, err := chat.New(cfg.Model.Provider, agent.ModelConfig{
		Model:            cfg.Model.Name,
		MaxContextTokens: cfg.Model.MaxContextTokens,
		MaxOutputTokens:  cfg.Model.MaxOutputTokens,
		APIKey:           cfg.Model.APIKey,
		BaseURL:          cfg.Model.BaseURL,
	})
	if err != nil {
		return err
	}

	registry := pipeline.NewRegistry()
	if err := pipeline.RegisterBuiltins(registry); err != nil {
		return err
	}

	var store journal.Journal
	if cfg.Journal.Backend == "sqlite" {
		store, err = journal.OpenSQLite(cfg.Journal.Path, metrics)
		if err != nil {
			return err
		}
		defer store.Close()
	} else {
		store = journal.NewMemoryStore()
	}

	sess, err := session.New(session.Options{
		SystemPrompt:     cfg.Agent.SystemPrompt,
		MaxTurns:         cfg.Agent.MaxTurns,
		YoloMode:         cfg.Agent.YoloMode,
		PermissionMode:   cfg.Agent.PermissionMode,
		MaxContextTokens: cfg.Model.MaxContextTokens,
		Chat:             chatSvc,
		Pipeline:         registry,
		Tools:            registry.Definitions(),
		Journal:          store,
		Compactor:        compaction.NewService(chatSvc, cfg.Agent.CompactionKeepRecent, logger, metrics),
		Logger:           logger,
		Metrics:          metrics,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := sess.Send(ctx, prompt); err != nil {
		return err
	}
	events, results, err := sess.Stream(ctx)
	if err != nil {
		return err
	}

	for event := range events {
		renderEvent(event)
	}
	result := <-results
	if result == nil {
		return errors.New("run produced no result")
	}
	if !result.Success {
		if result.Error != nil {
			return fmt.Errorf("%s: %s", result.Error.Type, result.Error.Message)
		}
		return errors.New("run failed")
	}
	fmt.Println()
	return nil
}

func renderEvent(event agent.Event) {
	switch event.Type {
	case agent.EventContentDelta:
		fmt.Print(event.Delta)
	case agent.EventContent:
		fmt.Print(event.Text)
	case agent.EventToolStart:
		fmt.Fprintf(os.Stderr, "\n[tool] %s (%s)\n", event.ToolCall.Name, event.ToolKind)
	case agent.EventToolResult:
		status := "ok"
		if event.Result != nil && !event.Result.Success {
			status = "failed"
		}
		fmt.Fprintf(os.Stderr, "[tool] %s %s\n", event.ToolCall.Name, status)
	case agent.EventCompacting:
		if event.Compacting {
			fmt.Fprintln(os.Stderr, "[compacting context]")
		}
	case agent.EventError:
		fmt.Fprintln(os.Stderr, "[error]", event.Message)
	}
}
