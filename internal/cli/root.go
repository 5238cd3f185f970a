package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/vledger/internal/config"
	"github.com/roach88/vledger/internal/ledger"
	"github.com/roach88/vledger/internal/telemetry"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose    bool
	Format     string // "text" | "json" | "yaml"
	LogFormat  string // "text" | "json"
	ConfigPath string

	// LogWriter receives structured logs. Defaults to stderr.
	LogWriter io.Writer

	logger *slog.Logger
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json", "yaml"}

// ValidLogFormats defines the allowed log formats.
var ValidLogFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the vledger CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "vledger",
		Short: "vledger - tamper-evident verdict ledger",
		Long: `Seal governance verdicts into a hash-chained, append-only ledger.

Every verdict is classified into a retention tier, sealed into the durable
ledger (SQLite or PostgreSQL), and falls back to a local JSONL ledger when
the durable store is unreachable. Sessions that die without sealing are
detected and closed with a VOID verdict.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			if !slices.Contains(ValidLogFormats, opts.LogFormat) {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid log format %q: must be one of %v", opts.LogFormat, ValidLogFormats))
			}
			opts.setupLogging(cmd)
			return nil
		},
	}

	// Global flags
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (text|json|yaml)")
	cmd.PersistentFlags().StringVar(&opts.LogFormat, "log-format", "text", "log format (text|json)")
	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "config file (yaml or toml)")

	// Add subcommands
	cmd.AddCommand(NewSealCommand(opts))
	cmd.AddCommand(NewQueryCommand(opts))
	cmd.AddCommand(NewVerifyCommand(opts))
	cmd.AddCommand(NewPromoteCommand(opts))
	cmd.AddCommand(NewExpiredCommand(opts))
	cmd.AddCommand(NewRebuildHeadCommand(opts))
	cmd.AddCommand(NewResumeCommand(opts))
	cmd.AddCommand(NewSessionCommand(opts))
	cmd.AddCommand(NewMaintainCommand(opts))

	return cmd
}

// setupLogging installs the slog handler selected by --log-format and
// --verbose as the process default.
func (o *RootOptions) setupLogging(cmd *cobra.Command) {
	w := o.LogWriter
	if w == nil {
		w = cmd.ErrOrStderr()
	}
	level := slog.LevelInfo
	if o.Verbose {
		level = slog.LevelDebug
	}
	handlerOpts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if o.LogFormat == "json" {
		handler = slog.NewJSONHandler(w, handlerOpts)
	} else {
		handler = slog.NewTextHandler(w, handlerOpts)
	}
	o.logger = slog.New(handler)
	slog.SetDefault(o.logger)
}

// Logger returns the configured logger, or the default before setup.
func (o *RootOptions) Logger() *slog.Logger {
	if o.logger == nil {
		return slog.Default()
	}
	return o.logger
}

func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(), // Verbose logs go to stderr to avoid corrupting structured output
		Verbose:   o.Verbose,
	}
}

// ledgerStack is an open config.Stack plus the telemetry it exports to.
type ledgerStack struct {
	*config.Stack
	telemetry *telemetry.Provider
}

// Close releases the ledgers and flushes pending metrics.
func (s *ledgerStack) Close() error {
	err := s.Stack.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if terr := s.telemetry.Shutdown(ctx); terr != nil && err == nil {
		err = terr
	}
	return err
}

// openStack loads configuration, installs telemetry and opens every
// backend. The caller must Close the stack.
func (o *RootOptions) openStack(ctx context.Context, f *OutputFormatter) (*ledgerStack, error) {
	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		_ = f.Error(ErrCodeConfig, err.Error(), nil)
		return nil, WrapExitError(ExitCommandError, ErrCodeConfig+": invalid configuration", err)
	}
	f.VerboseLog("durable driver %s, fallback %s, sessions %s", cfg.Durable.Driver, cfg.Fallback.Path, cfg.Sessions.Path)

	tp, err := telemetry.Init(ctx, cfg.Telemetry, f.GetErrWriter())
	if err != nil {
		_ = f.Error(ErrCodeConfig, err.Error(), nil)
		return nil, WrapExitError(ExitCommandError, ErrCodeConfig+": telemetry setup failed", err)
	}

	stack, err := config.OpenStack(ctx, cfg, o.Logger())
	if err != nil {
		_ = tp.Shutdown(context.Background())
		return nil, fail(f, "failed to open ledger", err)
	}
	return &ledgerStack{Stack: stack, telemetry: tp}, nil
}

func closeStack(s *ledgerStack) {
	if err := s.Close(); err != nil {
		slog.Error("error closing ledger", "error", err)
	}
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// parseLineage accepts a lineage name in any case.
func parseLineage(s string) (ledger.Lineage, error) {
	l := ledger.Lineage(strings.ToLower(strings.TrimSpace(s)))
	switch l {
	case ledger.LineageSeal, ledger.LineageCooling, ledger.LineageFallback:
		return l, nil
	}
	return "", &ledger.ValidationError{Field: "lineage", Message: fmt.Sprintf("unknown lineage %q (valid: seal, cooling, fallback)", s)}
}

// ExitCodeOf maps an error returned by Execute to a process exit code.
// Errors that carry no code (flag parsing, unknown commands) are command
// errors.
func ExitCodeOf(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitCommandError
}

// Main runs the CLI with os.Args and returns the process exit code.
func Main() int {
	cmd := NewRootCommand()
	err := cmd.Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	return ExitCodeOf(err)
}
