package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v3"

	"github.com/phonecheck/phonecheck/internal/config"
	"github.com/phonecheck/phonecheck/internal/job"
)

// jobsAction prints the stored jobs as a table. It only reads the store, so
// it can run next to a live bot.
func jobsAction(ctx context.Context, cmd *cli.Command) error {
	cfg, err := config.LoadOffline(cmd.String("env"))
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	setupLogger(cfg)

	var statuses []job.Status
	for _, s := range cmd.StringSlice("status") {
		st := job.Status(s)
		if !st.Known() {
			return fmt.Errorf("unknown status %q", s)
		}
		statuses = append(statuses, st)
	}

	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	jobs, err := job.NewRegistry(s).ListByStatus(ctx, statuses...)
	if err != nil {
		return fmt.Errorf("list jobs: %w", err)
	}
	renderJobs(os.Stdout, jobs)
	return nil
}

func renderJobs(w io.Writer, jobs []*job.Job) {
	if len(jobs) == 0 {
		fmt.Fprintln(w, "no jobs")
		return
	}

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"ID", "Owner", "Status", "Progress", "Valid", "Invalid", "Multi", "Errors", "Updated"})
	for _, j := range jobs {
		table.Append([]string{
			j.ID,
			strconv.FormatInt(j.Owner, 10),
			string(j.Status),
			fmt.Sprintf("%d/%d", j.Processed, j.Total),
			strconv.Itoa(j.Valid),
			strconv.Itoa(j.Invalid),
			strconv.Itoa(j.MultiAccount),
			strconv.Itoa(j.Errors),
			j.UpdatedAt.UTC().Format(time.DateTime),
		})
	}
	table.Render()
}
