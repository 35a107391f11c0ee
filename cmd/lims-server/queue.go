package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"github.com/lims/lims/internal/config"
	"github.com/lims/lims/internal/platform/db"
	"github.com/lims/lims/internal/platform/queue"
)

var queueStates = []queue.State{
	queue.StateWaiting, queue.StateDelayed, queue.StateActive, queue.StateCompleted, queue.StateFailed,
}

func queueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect the document render queue",
	}

	withQueue := func(fn func(ctx context.Context, q *queue.Queue) error) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		ctx := context.Background()
		rdb, err := queue.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		defer rdb.Close()
		return fn(ctx, queue.New(rdb, queue.RenderQueueName, queue.Options{}))
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "counts",
		Short: "Show job counts per state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withQueue(func(ctx context.Context, q *queue.Queue) error {
				counts, err := q.Counts(ctx)
				if err != nil {
					return err
				}
				fmt.Println(countsTable(counts))
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "job <id>",
		Short: "Show one job, e.g. <tenantId>__<documentId>",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withQueue(func(ctx context.Context, q *queue.Queue) error {
				job, err := q.GetJob(ctx, args[0])
				if errors.Is(err, queue.ErrJobNotFound) {
					return fmt.Errorf("job %q not found (finished jobs are pruned after %d)", args[0], queue.DefaultKeep)
				}
				if err != nil {
					return err
				}
				fmt.Println(jobDetail(job, time.Now()))
				return nil
			})
		},
	})

	jobsCmd := &cobra.Command{
		Use:   "jobs",
		Short: "List recent jobs in a state",
		RunE: func(cmd *cobra.Command, args []string) error {
			state, _ := cmd.Flags().GetString("state")
			limit, _ := cmd.Flags().GetInt64("limit")
			if !validState(queue.State(state)) {
				return fmt.Errorf("unknown state %q", state)
			}
			return withQueue(func(ctx context.Context, q *queue.Queue) error {
				jobs, err := q.Jobs(ctx, queue.State(state), limit)
				if err != nil {
					return err
				}
				fmt.Println(jobsTable(jobs, time.Now()))
				return nil
			})
		},
	}
	jobsCmd.Flags().String("state", string(queue.StateFailed), "Job state: waiting, delayed, active, completed or failed")
	jobsCmd.Flags().Int64("limit", 20, "Maximum number of jobs to list")
	cmd.AddCommand(jobsCmd)

	return cmd
}

func validState(s queue.State) bool {
	for _, st := range queueStates {
		if st == s {
			return true
		}
	}
	return false
}

func newTable(headers ...string) table.Writer {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	row := make(table.Row, len(headers))
	for i, h := range headers {
		row[i] = h
	}
	tw.AppendHeader(row)
	return tw
}

func countsTable(counts map[queue.State]int64) string {
	tw := newTable("STATE", "JOBS")
	var total int64
	for _, st := range queueStates {
		tw.AppendRow(table.Row{string(st), humanize.Comma(counts[st])})
		total += counts[st]
	}
	tw.AppendFooter(table.Row{"total", humanize.Comma(total)})
	tw.SetColumnConfigs([]table.ColumnConfig{{Number: 2, Align: text.AlignRight, AlignFooter: text.AlignRight}})
	return tw.Render()
}

func jobsTable(jobs []*queue.Job, now time.Time) string {
	tw := newTable("JOB", "STATE", "ATTEMPTS", "CREATED", "FINISHED", "REASON")
	for _, j := range jobs {
		tw.AppendRow(table.Row{
			j.ID,
			string(j.State),
			strconv.Itoa(j.AttemptsMade) + "/" + strconv.Itoa(j.Attempts),
			relTime(j.CreatedAt, now),
			relTime(j.FinishedAt, now),
			j.FailedReason,
		})
	}
	tw.SetColumnConfigs([]table.ColumnConfig{
		{Number: 3, Align: text.AlignRight},
		{Number: 6, WidthMax: 60},
	})
	return tw.Render()
}

func jobDetail(j *queue.Job, now time.Time) string {
	tw := newTable("FIELD", "VALUE")
	tw.AppendRows([]table.Row{
		{"id", j.ID},
		{"name", j.Name},
		{"state", string(j.State)},
		{"attempts", strconv.Itoa(j.AttemptsMade) + "/" + strconv.Itoa(j.Attempts)},
		{"created", relTime(j.CreatedAt, now)},
		{"processed", relTime(j.ProcessedAt, now)},
		{"finished", relTime(j.FinishedAt, now)},
		{"reason", j.FailedReason},
		{"data", humanize.IBytes(uint64(len(j.Data)))},
	})
	tw.SetColumnConfigs([]table.ColumnConfig{{Number: 2, WidthMax: 80}})
	return tw.Render()
}

func migrationTable(statuses []db.MigrationStatus, now time.Time) string {
	tw := newTable("VERSION", "NAME", "STATUS", "APPLIED")
	for _, s := range statuses {
		status, applied := "pending", ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				applied = relTime(*s.AppliedAt, now)
			}
		}
		tw.AppendRow(table.Row{s.Version, s.Name, status, applied})
	}
	return tw.Render()
}

func relTime(t, now time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return humanize.RelTime(t, now, "ago", "from now")
}
