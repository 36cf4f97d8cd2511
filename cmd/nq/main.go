package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/chainguard-dev/clog"
	"github.com/sethvargo/go-envconfig"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/schaermu/nq/internal/config"
	nqerrors "github.com/schaermu/nq/internal/errors"
	"github.com/schaermu/nq/internal/git"
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile   string
	logLevel  string
	logFormat string
	dryRun    bool
)

// environment supplies defaults for flags the user did not set.
type environment struct {
	Config    string `env:"NQ_CONFIG"`
	LogLevel  string `env:"NQ_LOG_LEVEL,default=info"`
	LogFormat string `env:"NQ_LOG_FORMAT,default=text"`
}

func main() {
	os.Exit(run())
}

func run() int {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(rootCmd.ErrOrStderr(), "Error: %v\n", err)
		return nqerrors.ExitCode(err)
	}
	return nqerrors.ExitOK
}

var rootCmd = &cobra.Command{
	Use:   "nq",
	Short: "Maintain local patches on top of git submodules",
	Long: `nq keeps a directory of numbered patch files in sync with the commits a
git submodule carries on top of the commit its parent repository pins.

Every command inspects the submodule first and refuses to run when the working
tree, the commit history and the patch files disagree in a way that could lose
work. Run "nq status" to see what nq sees.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: applyEnvironment,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "nq %s\n", version)
		fmt.Fprintf(w, "  commit: %s\n", commit)
		fmt.Fprintf(w, "  built:  %s\n", date)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is the nearest nq.toml in the current directory or its parents)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")

	for _, cmd := range []*cobra.Command{exportCmd, applyCmd, resetCmd, pullCmd} {
		cmd.Flags().BoolVar(&dryRun, "dry-run", false, "show what would be done without making changes")
	}
	pullCmd.Flags().StringVarP(&pullMessage, "message", "m", "", "parent repository commit message (default \"Update <pkg> to latest\")")
	pullCmd.Flags().BoolVar(&pullNoCommit, "no-commit", false, "stage the new submodule pointer without committing it")

	rootCmd.AddCommand(exportCmd, applyCmd, resetCmd, pullCmd, statusCmd, listCmd, versionCmd)
}

// applyEnvironment fills global flags from NQ_* variables unless they were
// given on the command line.
func applyEnvironment(cmd *cobra.Command, args []string) error {
	var env environment
	if err := envconfig.Process(cmd.Context(), &env); err != nil {
		return fmt.Errorf("failed to process environment: %w", err)
	}
	overrideUnset(cmd.Flags(), "config", &cfgFile, env.Config)
	overrideUnset(cmd.Flags(), "log-level", &logLevel, env.LogLevel)
	overrideUnset(cmd.Flags(), "log-format", &logFormat, env.LogFormat)
	return nil
}

func overrideUnset(flags *pflag.FlagSet, name string, dst *string, value string) {
	if flags.Changed(name) || value == "" {
		return
	}
	*dst = value
}

func setupLogger(w io.Writer) *slog.Logger {
	// Parse log level
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	// Create handler based on format
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if logFormat == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}

func loadConfig(logger *slog.Logger) (*config.Config, error) {
	// Determine config file path
	configPath := cfgFile
	if configPath == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get working directory: %w", err)
		}
		if configPath, err = config.Discover(cwd); err != nil {
			return nil, err
		}
	}

	logger.Debug("loading configuration", "path", configPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger.Debug("configuration loaded",
		"dir", cfg.Dir,
		"workspace_prefix", cfg.WorkspacePrefix,
		"packages", len(cfg.Patches),
		"auth", cfg.AuthMethod())

	return cfg, nil
}

// session holds what every command needs once flags are parsed.
type session struct {
	ctx    context.Context
	logger *slog.Logger
	cfg    *config.Config
	git    *git.ShellClient
	bases  *git.SubmoduleResolver
}

func newSession(cmd *cobra.Command) (*session, error) {
	logger := setupLogger(cmd.ErrOrStderr())
	ctx := clog.WithLogger(cmd.Context(), clog.NewLogger(logger))

	cfg, err := loadConfig(logger)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return &session{
		ctx:    ctx,
		logger: logger,
		cfg:    cfg,
		git:    git.NewShellClient(cfg.Auth.SSHKeyFile, cfg.Auth.HTTPSTokenFile),
		bases:  git.NewSubmoduleResolver(),
	}, nil
}

// target resolves the package argument, or the package whose workspace
// contains the working directory when none is given.
func (s *session) target(args []string) (config.Target, error) {
	if len(args) > 0 {
		return s.cfg.Target(args[0])
	}
	cwd, err := os.Getwd()
	if err != nil {
		return config.Target{}, fmt.Errorf("failed to get working directory: %w", err)
	}
	target, ok := s.cfg.TargetForDir(cwd)
	if !ok {
		return config.Target{}, fmt.Errorf("no package given and %s is not inside a package workspace", cwd)
	}
	return target, nil
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		cancel()
	}()

	return ctx, cancel
}
