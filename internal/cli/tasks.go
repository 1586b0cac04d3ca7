package cli

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/yoshihiko555/takt/internal/runner"
	"github.com/yoshihiko555/takt/internal/task"
	"github.com/yoshihiko555/takt/internal/tui"
)

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "Manage and run the task queue",
}

var tasksAddCmd = &cobra.Command{
	Use:   "add <name> <prompt...>",
	Short: "Queue a task",
	Args:  cobra.MinimumNArgs(2),
	RunE:  tasksAdd,
}

var tasksListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued tasks",
	Args:  cobra.NoArgs,
	RunE:  tasksList,
}

var tasksRetryCmd = &cobra.Command{
	Use:   "retry <name>",
	Short: "Requeue a failed task",
	Args:  cobra.ExactArgs(1),
	RunE:  tasksRetry,
}

var tasksClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove completed and failed tasks",
	Args:  cobra.NoArgs,
	RunE:  tasksClear,
}

var tasksRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Drain the queue through the worker pool",
	Args:  cobra.NoArgs,
	RunE:  tasksRun,
}

func init() {
	rootCmd.AddCommand(tasksCmd)
	tasksCmd.AddCommand(tasksAddCmd, tasksListCmd, tasksRetryCmd, tasksClearCmd, tasksRunCmd)

	tasksAddCmd.Flags().String("piece", "", "piece for this task (default: piece.default from config)")

	tasksRetryCmd.Flags().String("note", "", "correction recorded as the task's retry note")
	tasksRetryCmd.Flags().Bool("from-failed", false, "resume from the movement the task failed at")
	tasksRetryCmd.Flags().Bool("now", false, "re-execute immediately instead of requeueing")

	tasksRunCmd.Flags().Int("concurrency", 0, "worker count (default: runner.concurrency from config)")
	tasksRunCmd.Flags().Duration("poll-interval", 0, "queue poll interval (default: runner.poll_interval from config)")
	tasksRunCmd.Flags().String("provider", "", "agent provider override")
	tasksRunCmd.Flags().String("model", "", "model override")
}

func tasksAdd(cmd *cobra.Command, args []string) error {
	projectCwd, cfg, log, err := setup(cmd)
	if err != nil {
		return err
	}
	defer log.Close()

	name := args[0]
	prompt := strings.Join(args[1:], " ")
	pieceRef, _ := cmd.Flags().GetString("piece")
	if pieceRef == "" {
		pieceRef = cfg.Piece.Default
	}

	store := task.NewStore(taskListPath(projectCwd))
	if err := store.AddTask(name, prompt, pieceRef); err != nil {
		return err
	}
	log.Infof("queued task %q", name)
	return nil
}

func tasksList(cmd *cobra.Command, _ []string) error {
	projectCwd, _, log, err := setup(cmd)
	if err != nil {
		return err
	}
	defer log.Close()

	store := task.NewStore(taskListPath(projectCwd))
	tasks, err := store.List()
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		fmt.Println("no tasks")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tSTATUS\tPIECE\tCREATED\tDETAIL")
	for _, t := range tasks {
		detail := ""
		if t.Failure != nil {
			detail = t.Failure.Error
			if t.Failure.Movement != "" {
				detail = fmt.Sprintf("%s (at %s)", detail, t.Failure.Movement)
			}
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			t.Name, t.Status, t.Piece, t.CreatedAt.Local().Format(time.DateTime), detail)
	}
	return w.Flush()
}

func tasksRetry(cmd *cobra.Command, args []string) error {
	projectCwd, cfg, log, err := setup(cmd)
	if err != nil {
		return err
	}
	defer log.Close()

	name := args[0]
	note, _ := cmd.Flags().GetString("note")
	fromFailed, _ := cmd.Flags().GetBool("from-failed")
	runNow, _ := cmd.Flags().GetBool("now")

	store := task.NewStore(taskListPath(projectCwd))
	startMovement := ""
	if fromFailed {
		rec, err := store.Get(name)
		if err != nil {
			return err
		}
		if rec.Failure != nil {
			startMovement = rec.Failure.Movement
		}
		if startMovement == "" {
			log.Warnf("task %q has no failure movement recorded, restarting from the beginning", name)
		}
	}
	fromStatuses := []string{task.StatusFailed}

	if runNow {
		rec, err := store.StartReExecution(name, fromStatuses, startMovement, note)
		if err != nil {
			return err
		}
		ctx, interrupted, cancel := signalContext()
		defer cancel()

		ok := runner.ExecuteAndCompleteTask(ctx, store, rec, 0, runner.Options{
			Cwd:            projectCwd,
			ProjectCwd:     projectCwd,
			DefaultPiece:   cfg.Piece.Default,
			Provider:       cfg.Provider.Default,
			Model:          cfg.Provider.Model,
			PermissionMode: cfg.Provider.PermissionMode,
			Language:       cfg.Language,
			Concurrency:    1,
			Agent:          newRouter(cfg),
			Printer:        tui.NewStreamPrinter(os.Stdout, true, len(rec.Name)),
			Logger:         log,
		})
		if interrupted() {
			os.Exit(ExitInterrupted)
		}
		if !ok {
			return fmt.Errorf("task %q failed again", name)
		}
		log.Infof("task %q completed", name)
		return nil
	}

	if err := store.RequeueTask(name, fromStatuses, startMovement, note); err != nil {
		return err
	}
	if startMovement != "" {
		log.Infof("requeued task %q, resuming at movement %q", name, startMovement)
	} else {
		log.Infof("requeued task %q", name)
	}
	return nil
}

func tasksClear(cmd *cobra.Command, _ []string) error {
	projectCwd, _, log, err := setup(cmd)
	if err != nil {
		return err
	}
	defer log.Close()

	store := task.NewStore(taskListPath(projectCwd))
	removed, err := store.ClearFinished()
	if err != nil {
		return err
	}
	log.Infof("removed %d finished tasks", removed)
	return nil
}

func tasksRun(cmd *cobra.Command, _ []string) error {
	projectCwd, cfg, log, err := setup(cmd)
	if err != nil {
		return err
	}
	defer log.Close()

	concurrency, _ := cmd.Flags().GetInt("concurrency")
	if concurrency <= 0 {
		concurrency = cfg.Runner.Concurrency
	}
	pollInterval, _ := cmd.Flags().GetDuration("poll-interval")
	if pollInterval <= 0 {
		pollInterval = cfg.Runner.PollInterval
	}
	provider, _ := cmd.Flags().GetString("provider")
	if provider == "" {
		provider = cfg.Provider.Default
	}
	model, _ := cmd.Flags().GetString("model")
	if model == "" {
		model = cfg.Provider.Model
	}

	store := task.NewStore(taskListPath(projectCwd))
	if recovered, err := store.RecoverInterruptedRunningTasks(); err != nil {
		return err
	} else if recovered > 0 {
		log.Warnf("recovered %d tasks left running by a previous process", recovered)
	}

	tasks, err := store.List()
	if err != nil {
		return err
	}
	prefixWidth := 0
	for _, t := range tasks {
		if len(t.Name) > prefixWidth {
			prefixWidth = len(t.Name)
		}
	}

	ctx, interrupted, cancel := signalContext()
	defer cancel()

	opts := runner.Options{
		Cwd:            projectCwd,
		ProjectCwd:     projectCwd,
		DefaultPiece:   cfg.Piece.Default,
		Provider:       provider,
		Model:          model,
		PermissionMode: cfg.Provider.PermissionMode,
		Language:       cfg.Language,
		Concurrency:    concurrency,
		Agent:          newRouter(cfg),
		Printer:        tui.NewStreamPrinter(os.Stdout, true, prefixWidth),
		Logger:         log,
	}

	succeeded, failed, err := runner.RunWithWorkerPool(ctx, store, concurrency, pollInterval, opts)
	if err != nil {
		return err
	}
	log.Infof("queue drained: %d succeeded, %d failed", succeeded, failed)
	if interrupted() {
		os.Exit(ExitInterrupted)
	}
	if failed > 0 {
		return fmt.Errorf("%d tasks failed", failed)
	}
	return nil
}
