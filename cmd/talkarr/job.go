package main

import (
	"fmt"
	"net/http"
	"strconv"

	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/talkarr/talkarr/server"
)

func newJobCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "job <id>",
		Short: "Show the status of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}

			var job server.JobView
			err = client.do(cmd.Context(), http.MethodGet, "/api/v1/jobs/"+escape(args[0]), nil, &job)
			if isStatus(err, http.StatusNotFound) {
				return fmt.Errorf("job %s not found, finished jobs are only kept for a while", args[0])
			}
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), renderJob(&job))
			return nil
		},
	}
}

func renderJob(job *server.JobView) string {
	rows := [][]string{
		{"ID", job.ID},
		{"Task", job.Queue},
		{"Status", job.Status},
		{"Created", formatTime(job.CreatedAt)},
		{"Run after", formatTime(job.RunAfter)},
		{"Ran", formatTime(job.RanAt.Time)},
		{"Retries", strconv.Itoa(job.Retries)},
	}
	if len(job.Payload) > 0 {
		payload, _ := json.Marshal(job.Payload)
		rows = append(rows, []string{"Payload", string(payload)})
	}
	if job.Error.Valid {
		rows = append(rows, []string{"Error", job.Error.String})
	}

	return renderTable([]string{"Field", "Value"}, rows)
}
