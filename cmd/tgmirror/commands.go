package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"tgmirror/internal/engine"
	"tgmirror/pkg/mirror"
)

const defaultShutdownTimeout = 10 * time.Second

type rootOptions struct {
	configPath string
	source     string
	target     string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "tgmirror",
		Short:         "Mirror one Telegram chat into another",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (default $"+envConfigFile+", "+defaultConfigFilePath+" or "+alternateConfigPath+")")
	cmd.PersistentFlags().StringVar(&opts.source, "source", "", "source chat id, overrides mirror.source")
	cmd.PersistentFlags().StringVar(&opts.target, "target", "", "target chat id, overrides mirror.target")

	cmd.AddCommand(newRunCommand(opts))
	cmd.AddCommand(newCopyCommand(opts))
	cmd.AddCommand(newStatsCommand(opts))
	cmd.AddCommand(newChatsCommand(opts))
	cmd.AddCommand(newCloneTargetCommand(opts))

	return cmd
}

func (o *rootOptions) load() (appConfig, error) {
	cfg, err := loadConfig(o.configPath)
	if err != nil {
		return appConfig{}, fmt.Errorf("load config: %w", err)
	}

	if raw := strings.TrimSpace(o.source); raw != "" {
		if cfg.source, err = mirror.ParseChatRef(raw); err != nil {
			return appConfig{}, fmt.Errorf("parse --source: %w", err)
		}
	}
	if raw := strings.TrimSpace(o.target); raw != "" {
		if cfg.target, err = mirror.ParseChatRef(raw); err != nil {
			return appConfig{}, fmt.Errorf("parse --target: %w", err)
		}
	}
	if err := validateAppConfig(cfg); err != nil {
		return appConfig{}, fmt.Errorf("validate flags: %w", err)
	}

	return cfg, nil
}

// withApp builds the app, runs fn under a signal-aware context and always
// closes the app afterwards.
func (o *rootOptions) withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) (err error) {
	cfg, err := o.load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
		defer cancel()
		err = errors.Join(err, a.Close(closeCtx))
	}()

	if err := fn(ctx, a); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

func newRunCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Copy the source history, then mirror new messages, edits and deletions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *app) error {
				return a.runMirror(ctx)
			})
		},
	}
}

func newCopyCommand(opts *rootOptions) *cobra.Command {
	var fromID int

	cmd := &cobra.Command{
		Use:   "copy",
		Short: "Copy source history into the target once",
		Long: `Copy source history into the target without enabling live mirroring.

With --from the copy starts at that message id (inclusive); otherwise the
whole history is copied.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if fromID < 0 {
				return fmt.Errorf("--from must be >= 0")
			}
			return opts.withApp(cmd, func(ctx context.Context, a *app) error {
				result, err := a.runCopy(ctx, fromID)
				if err != nil {
					return err
				}
				return writeJSON(cmd, result)
			})
		},
	}
	cmd.Flags().IntVar(&fromID, "from", 0, "first source message id to copy")

	return cmd
}

type statsOutput struct {
	engine.Stats
	RecentLogs []mirror.LogRecord `json:"recent_logs,omitempty"`
}

func newStatsCommand(opts *rootOptions) *cobra.Command {
	var logLimit int

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print mapping statistics and recent worker logs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *app) error {
				stats, err := a.engine.Stats(ctx)
				if err != nil {
					return err
				}
				output := statsOutput{Stats: stats}
				if logLimit > 0 {
					output.RecentLogs, err = a.store.RecentLogs(ctx, a.cfg.worker.ID, logLimit)
					if err != nil {
						return fmt.Errorf("recent logs: %w", err)
					}
				}
				return writeJSON(cmd, output)
			})
		},
	}
	cmd.Flags().IntVar(&logLimit, "logs", 10, "number of recent log records to include")

	return cmd
}

func newChatsCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "chats",
		Short: "List groups and channels the account can use as source or target",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *app) error {
				dialogs, err := a.listDialogs(ctx)
				if err != nil {
					return err
				}

				writer := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(writer, "ID\tFORUM\tTITLE")
				for _, dialog := range dialogs {
					fmt.Fprintf(writer, "%d\t%t\t%s\n", dialog.Chat.ID, dialog.Forum, dialog.Chat.Title)
				}
				return writer.Flush()
			})
		},
	}
}

func newCloneTargetCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "clone-target",
		Short: "Create a supergroup with the source's title and description to use as target",
		Long: `Create a new supergroup named after the source chat, copying its
description and forum mode, and print it as JSON. Set mirror.target (or pass
--target) to the printed id to mirror into it.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *app) error {
				clone, err := a.cloneTarget(ctx)
				if err != nil {
					return err
				}
				return writeJSON(cmd, clone)
			})
		},
	}
}

func writeJSON(cmd *cobra.Command, value any) error {
	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(value); err != nil {
		return fmt.Errorf("write output: %w", err)
	}

	return nil
}
