package main

import (
	"fmt"
	"net/http"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"github.com/talkarr/talkarr/internal"
	"github.com/talkarr/talkarr/jobs"
	"github.com/talkarr/talkarr/server"
	"github.com/talkarr/talkarr/settings"
	"github.com/talkarr/talkarr/workers"
)

func newTasksCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "tasks",
		Short: "List the tasks and their schedules",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := ctx.ensureSettings()
			if err != nil {
				return err
			}

			schedules := s.TaskSchedules()
			rows := make([][]string, 0, len(workers.Tasks))
			for _, task := range workers.Tasks {
				spec, described := "-", "on demand"
				if schedules[task] != "" {
					spec = schedules[task]
					described = internal.DescribeCron(spec)
				}
				rows = append(rows, []string{task, spec, described})
			}

			fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"Task", "Schedule", "Runs"}, rows))
			return nil
		},
	}
}

func newRunCommand(ctx *commandContext) *cobra.Command {
	var wait bool

	cmd := &cobra.Command{
		Use:   "run <task>",
		Short: "Enqueue a run of a task on the daemon",
		Long: "Enqueue a run of a task on the daemon. Task names may be given as listed by the tasks command " +
			"or in snake or kebab case, e.g. check-for-root-folders.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			task := settings.TaskName(args[0])
			if !workers.IsTask(task) {
				return fmt.Errorf("%w: %s", workers.ErrUnknownTask, args[0])
			}

			client, err := ctx.client()
			if err != nil {
				return err
			}

			var enqueued server.EnqueuedView
			err = client.do(cmd.Context(), http.MethodPost, "/api/v1/tasks/"+task, nil, &enqueued)
			if isStatus(err, http.StatusConflict) {
				fmt.Fprintf(cmd.OutOrStdout(), "%s is already pending\n", task)
				return nil
			}
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "enqueued %s as job %s\n", task, enqueued.JobID)
			if !wait {
				return nil
			}

			job, err := waitForJob(cmd, client, enqueued.JobID)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderJob(job))
			if job.Status != jobs.StatusProcessed {
				return fmt.Errorf("job %s %s", job.ID, job.Status)
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "Wait for the job to finish")

	return cmd
}

var finishedStatuses = []string{jobs.StatusProcessed, jobs.StatusFailed, jobs.StatusDead}

func waitForJob(cmd *cobra.Command, client *apiClient, id string) (*server.JobView, error) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		var job server.JobView
		if err := client.do(cmd.Context(), http.MethodGet, "/api/v1/jobs/"+escape(id), nil, &job); err != nil {
			return nil, err
		}
		if slices.Contains(finishedStatuses, job.Status) {
			return &job, nil
		}

		select {
		case <-cmd.Context().Done():
			return nil, cmd.Context().Err()
		case <-ticker.C:
		}
	}
}
