// Package cli wires the takt commands.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/yoshihiko555/takt/internal/agent"
	"github.com/yoshihiko555/takt/internal/config"
	"github.com/yoshihiko555/takt/internal/logging"
	"github.com/yoshihiko555/takt/internal/secrets"
	"github.com/yoshihiko555/takt/internal/version"

	// Register agent providers.
	_ "github.com/yoshihiko555/takt/internal/agent/anthropic"
	_ "github.com/yoshihiko555/takt/internal/agent/claudecode"
	_ "github.com/yoshihiko555/takt/internal/agent/openai"
)

// ExitInterrupted is the exit code after a SIGINT-driven shutdown.
const ExitInterrupted = 130

var rootCmd = &cobra.Command{
	Use:   "takt",
	Short: "Takt - piece-driven orchestration of AI coding agents",
	Long: `Takt runs pieces: YAML-defined state machines whose movements are
executed by AI coding agents. Movements transition on tagged rules in the
agent output, run in parallel, and are guarded by loop monitors.

Example:
  takt run --piece review "Fix the flaky TestStoreClaim test"
  takt tasks add fix-claim "Fix the flaky TestStoreClaim test"
  takt tasks run --concurrency 3`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.Version = version.Short()
	rootCmd.SetVersionTemplate("{{.Name}} {{.Version}}\n")

	rootCmd.PersistentFlags().String("cwd", "", "project directory (default: current directory)")
}

// signalContext returns a context cancelled on SIGINT/SIGTERM. The second
// return reports whether a signal arrived, for exit-code mapping.
func signalContext() (context.Context, func() bool, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	interrupted := false

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\nInterrupt received, finishing in-flight work...")
		interrupted = true
		cancel()
	}()

	return ctx, func() bool { return interrupted }, cancel
}

// setup loads configuration for the project directory and resolves the
// configured API key into the provider's environment variable.
func setup(cmd *cobra.Command) (string, *config.Config, *logging.Logger, error) {
	projectCwd, _ := cmd.Flags().GetString("cwd")
	if projectCwd == "" {
		var err error
		projectCwd, err = os.Getwd()
		if err != nil {
			return "", nil, nil, fmt.Errorf("getting working directory: %w", err)
		}
	}

	cfg, err := config.Load(projectCwd)
	if err != nil {
		return "", nil, nil, err
	}

	log := logging.New()
	if err := log.AttachFile(filepath.Join(projectCwd, ".takt", "logs")); err != nil {
		log.Warnf("file logging disabled: %v", err)
	}

	if err := resolveAPIKey(cmd.Context(), cfg); err != nil {
		return "", nil, nil, err
	}

	return projectCwd, cfg, log, nil
}

// resolveAPIKey places the configured key where the provider SDK expects it.
// The environment always wins over the config file.
func resolveAPIKey(ctx context.Context, cfg *config.Config) error {
	if cfg.Provider.APIKey == "" {
		return nil
	}
	envVar := ""
	switch cfg.Provider.Default {
	case "anthropic":
		envVar = "ANTHROPIC_API_KEY"
	case "openai":
		envVar = "OPENAI_API_KEY"
	default:
		return nil
	}
	if os.Getenv(envVar) != "" {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	key, err := secrets.Resolve(ctx, cfg.Provider.APIKey)
	if err != nil {
		return fmt.Errorf("resolving provider.api_key: %w", err)
	}
	return os.Setenv(envVar, key)
}

func newRouter(cfg *config.Config) *agent.Router {
	return agent.NewRouter(cfg.Provider.Default)
}

func taskListPath(projectCwd string) string {
	return filepath.Join(projectCwd, ".takt", "tasks.yaml")
}
