package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dharsanguruparan/facescan/internal/app"
	"github.com/dharsanguruparan/facescan/internal/classify"
	"github.com/dharsanguruparan/facescan/internal/config"
	"github.com/dharsanguruparan/facescan/internal/logging"
	"github.com/dharsanguruparan/facescan/internal/signing"
)

var logLevel string

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rootCmd := newRootCommand()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "facescan: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "facescan",
		Short: "Find a guest's photos in a shared event folder",
		Long: `facescan runs the face-matching engine against a shared photo folder.
Use "serve" for the HTTP API or "scan" for a one-off run from the terminal.
Settings come from FACESCAN_* environment variables, a .env file, and the
optional TOML file named by FACESCAN_CONFIG.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override the configured log level (debug, info, warn, error)")
	cmd.AddCommand(
		newServeCmd(),
		newScanCmd(),
		newSessionCmd(),
		newClassifyCmd(),
		newCheckCmd(),
	)
	return cmd
}

// loadConfig reads configuration and builds a logger writing to w.
func loadConfig(w io.Writer) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	logger, err := logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat, Output: w})
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(os.Stdout)
			if err != nil {
				return err
			}
			if cfg.SessionSecretGenerated {
				logger.Warn("FACESCAN_SESSION_SECRET not set; sessions will not survive a restart")
			}
			ctx := cmd.Context()
			a, err := app.New(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close(context.Background())
			return a.Run(ctx)
		},
	}
}

func newSessionCmd() *cobra.Command {
	var (
		owner string
		ttl   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Mint a session token for an owner id",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(io.Discard)
			if err != nil {
				return err
			}
			if cfg.SessionSecretGenerated {
				return errors.New("FACESCAN_SESSION_SECRET must be set; a generated secret would not match the server's")
			}
			if ttl <= 0 {
				ttl = cfg.SessionTTL
			}
			token, exp, err := signing.NewSigner(cfg.SessionSecret).Issue(owner, ttl)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", exp.UTC().Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "Owner id to embed in the token")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Token lifetime (defaults to the configured session TTL)")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}

func newClassifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "classify [text]",
		Short: "Print the guest-facing message for raw engine output",
		Long:  "Reads the text from the arguments, or from stdin when none are given.",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw := strings.Join(args, " ")
			if len(args) == 0 {
				data, err := io.ReadAll(io.LimitReader(cmd.InOrStdin(), 1<<20))
				if err != nil {
					return fmt.Errorf("read stdin: %w", err)
				}
				raw = string(data)
			}
			fmt.Fprintln(cmd.OutOrStdout(), classify.Message(raw))
			return nil
		},
	}
}

func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Verify the matching engine and result backend are reachable",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(io.Discard)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			var failed bool

			if err := app.NewRunner(cfg, logger).Check(); err != nil {
				fmt.Fprintf(out, "engine   FAIL  %v\n", err)
				failed = true
			} else {
				fmt.Fprintf(out, "engine   ok    %s %s\n", cfg.EngineCommand, strings.Join(cfg.EngineArgs, " "))
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
			defer cancel()
			_, closeFn, err := app.OpenResults(ctx, cfg)
			if err != nil {
				fmt.Fprintf(out, "results  FAIL  %v\n", err)
				failed = true
			} else {
				_ = closeFn(ctx)
				fmt.Fprintf(out, "results  ok    %s\n", cfg.ResultBackend)
			}

			if failed {
				return errors.New("checks failed")
			}
			return nil
		},
	}
}
