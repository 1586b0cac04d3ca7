package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/yoshihiko555/takt/internal/engine"
	"github.com/yoshihiko555/takt/internal/piece"
	"github.com/yoshihiko555/takt/internal/tui"
)

var runCmd = &cobra.Command{
	Use:   "run [task...]",
	Short: "Run a piece for a single task, without the queue",
	Long: `Run a piece against the given task prompt and stream the agent output.

Example:
  takt run --piece review "Tighten error handling in the store package"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runPiece,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().String("piece", "", "piece name or path (default: piece.default from config)")
	runCmd.Flags().String("provider", "", "agent provider override (claude-code, anthropic, openai)")
	runCmd.Flags().String("model", "", "model override")
	runCmd.Flags().String("permission-mode", "", "permission mode passed to the agent")
	runCmd.Flags().String("start-movement", "", "start from this movement instead of the piece's initial movement")
	runCmd.Flags().StringSlice("input", nil, "additional user inputs appended to every instruction")
}

func runPiece(cmd *cobra.Command, args []string) error {
	projectCwd, cfg, log, err := setup(cmd)
	if err != nil {
		return err
	}
	defer log.Close()

	pieceRef, _ := cmd.Flags().GetString("piece")
	if pieceRef == "" {
		pieceRef = cfg.Piece.Default
	}
	if pieceRef == "" {
		return fmt.Errorf("no piece given; pass --piece or set piece.default in .takt/config.yaml")
	}

	pieceCfg, err := piece.Resolve(projectCwd, pieceRef)
	if err != nil {
		return err
	}

	provider, _ := cmd.Flags().GetString("provider")
	if provider == "" {
		provider = cfg.Provider.Default
	}
	model, _ := cmd.Flags().GetString("model")
	if model == "" {
		model = cfg.Provider.Model
	}
	permissionMode, _ := cmd.Flags().GetString("permission-mode")
	if permissionMode == "" {
		permissionMode = cfg.Provider.PermissionMode
	}
	startMovement, _ := cmd.Flags().GetString("start-movement")
	userInputs, _ := cmd.Flags().GetStringSlice("input")

	task := strings.Join(args, " ")
	printer := tui.NewStreamPrinter(os.Stdout, true, len(pieceCfg.Name))
	colorIndex := 0

	hooks := &engine.Hooks{
		MovementStart: func(movement string, iteration int, _ string) {
			log.Infof("movement %s (iteration %d)", movement, iteration)
		},
		CycleDetected: func(monitor string, count int) {
			log.Warnf("cycle %s repeated %d times, judge takes over", monitor, count)
		},
	}

	eng, err := engine.New(pieceCfg, projectCwd, task, newRouter(cfg), log, engine.Options{
		ProjectCwd:     projectCwd,
		Provider:       provider,
		Model:          model,
		PermissionMode: permissionMode,
		StartMovement:  startMovement,
		UserInputs:     userInputs,
		Language:       cfg.Language,
		OnStream:       printer.StreamFunc(pieceCfg.Name, colorIndex),
		TaskPrefix:     pieceCfg.Name,
		TaskColorIndex: &colorIndex,
		Hooks:          hooks,
	})
	if err != nil {
		return err
	}

	ctx, interrupted, cancel := signalContext()
	defer cancel()

	log.Infof("run directory: %s", eng.RunDir())
	state, err := eng.Run(ctx)
	if err != nil {
		return err
	}
	if interrupted() {
		os.Exit(ExitInterrupted)
	}

	switch state.Status {
	case engine.StatusCompleted:
		log.Infof("piece %q completed after %d iterations", pieceCfg.Name, state.Iteration)
		return nil
	default:
		return fmt.Errorf("piece %q aborted at movement %q: %s", pieceCfg.Name, state.CurrentMovement, state.AbortReason)
	}
}
