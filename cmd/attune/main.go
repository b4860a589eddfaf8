package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nous-labs/attune/internal/daemon"
	"github.com/nous-labs/attune/internal/pipeline"
	"github.com/nous-labs/attune/pkg/brain"
	coredaemon "github.com/nous-labs/attune/pkg/daemon"
)

var (
	version = "dev"
	commit  = "unknown"
)

var (
	configPath string
	brainPath  string
	logLevel   string
	logFormat  string
	askUser    string
	askSession string
)

var rootCmd = &cobra.Command{
	Use:           "attune",
	Short:         "attune - emotionally aware personal assistant",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the assistant daemon (HTTP, realtime events, Matrix)",
	RunE:  runServe,
}

var askCmd = &cobra.Command{
	Use:   "ask [message]",
	Short: "Run a single turn through the pipeline and print the reply",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runAsk,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "attune %s (%s)\n", version, commit)
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&configPath, "config", "c", os.Getenv("ATTUNE_CONFIG_PATH"), "Path to config file (JSON or YAML)")
	pf.StringVar(&brainPath, "brain", "", "Path to brain directory (overrides config)")
	pf.StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (overrides config)")
	pf.StringVar(&logFormat, "log-format", "text", "Log format: text or json")

	askCmd.Flags().StringVarP(&askUser, "user", "u", "cli", "User ID for the turn")
	askCmd.Flags().StringVarP(&askSession, "session", "s", "", "Session ID (defaults to the user ID)")

	rootCmd.AddCommand(serveCmd, askCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// setupLogger installs the default slog handler.
func setupLogger(w io.Writer, level, format string) {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	var h slog.Handler = slog.NewTextHandler(w, opts)
	if strings.EqualFold(format, "json") {
		h = slog.NewJSONHandler(w, opts)
	}
	slog.SetDefault(slog.New(h))
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// host loads config, opens the brain and builds the daemon with the
// assistant module registered. The caller closes the brain.
func host(ctx context.Context, logOut io.Writer) (*coredaemon.Daemon, *daemon.Assistant, *brain.Brain, error) {
	cfg, err := coredaemon.LoadConfig(configPath)
	if err != nil {
		return nil, nil, nil, err
	}
	if logLevel == "" {
		logLevel = cfg.LogLevel
	}
	setupLogger(logOut, logLevel, logFormat)

	if brainPath != "" {
		cfg.BrainPath = brainPath
	}
	b, err := brain.Open(cfg.BrainPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open brain %s: %w", cfg.BrainPath, err)
	}

	d, err := coredaemon.New(ctx, b, cfg)
	if err != nil {
		b.Close()
		return nil, nil, nil, err
	}
	a := daemon.New()
	if err := d.RegisterModule(a); err != nil {
		b.Close()
		return nil, nil, nil, err
	}
	return d, a, b, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d, _, b, err := host(ctx, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer b.Close()

	slog.Info("attune starting", "version", version, "brain", b.Path())
	if err := d.Run(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("daemon: %w", err)
	}
	slog.Info("attune stopped")
	return nil
}

func runAsk(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if logLevel == "" {
		logLevel = "warn"
	}
	d, a, b, err := host(ctx, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer b.Close()

	if err := a.Init(d); err != nil {
		return err
	}
	defer a.Stop()

	reply, err := a.Handle(ctx, pipeline.Turn{
		UserID:    askUser,
		SessionID: askSession,
		Text:      strings.Join(args, " "),
	})
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), reply.Text)
	return nil
}
