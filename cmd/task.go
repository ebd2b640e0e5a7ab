package cmd

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/adharvest/internal/app"
	"github.com/JakeFAU/adharvest/internal/harvest"
)

func newTaskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Runs and inspects single extraction tasks",
	}
	cmd.AddCommand(newTaskRunCmd())
	cmd.AddCommand(newTaskResumeCmd())
	cmd.AddCommand(newTaskStatusCmd())
	cmd.AddCommand(newTaskListCmd())
	return cmd
}

func newTaskRunCmd() *cobra.Command {
	var (
		flags  specFlags
		target string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Starts a task and waits for it to finish",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			spec, err := flags.spec()
			if err != nil {
				return err
			}
			t := harvest.Target{URL: target}
			if t.URL == "" {
				t = a.Rotation().Current()
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			id, err := a.Tasks().StartTask(ctx, t, spec)
			if err != nil {
				return err
			}
			return followTask(ctx, cmd, a, id)
		},
	}
	flags.bind(cmd.Flags())
	cmd.Flags().StringVar(&target, "target", "", "target URL (defaults to the first configured target)")
	return cmd
}

func newTaskResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume TASK_ID",
		Short: "Resumes an interrupted task from its checkpoint and waits for it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			if _, err := a.Reconcile(ctx); err != nil {
				a.Logger().Warn("reconciliation incomplete", zap.Error(err))
			}
			if err := a.Tasks().ResumeTask(ctx, args[0]); err != nil {
				return err
			}
			return followTask(ctx, cmd, a, args[0])
		},
	}
}

func newTaskStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status TASK_ID",
		Short: "Prints a task's last known status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			task, err := a.Tasks().Status(args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), task)
		},
	}
}

func newTaskListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Lists known tasks, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			tasks, err := a.Tasks().List()
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), tasks)
		},
	}
}

// followTask waits for the task to end on its own or stops it when ctx ends,
// then prints its final state.
func followTask(ctx context.Context, cmd *cobra.Command, a *app.App, id string) error {
	tasks := a.Tasks()
	poll := time.NewTicker(250 * time.Millisecond)
	defer poll.Stop()
	for {
		select {
		case <-ctx.Done():
			task, err := tasks.StopTask(id)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), task)
		case <-poll.C:
		}
		task, err := tasks.Status(id)
		if err != nil && !errors.Is(err, harvest.ErrNotFound) {
			return err
		}
		if err == nil && task.EndedAt != nil {
			return printJSON(cmd.OutOrStdout(), task)
		}
	}
}
