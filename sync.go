package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/campusline/edusync/internal/config"
	"github.com/campusline/edusync/internal/model"
	"github.com/campusline/edusync/internal/scheduler"
)

func newSyncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync [integration...]",
		Short: "Run one sync cycle",
		Long: `Sync the named integrations, or every connected integration, once
and push any queued local writes.

serve must not be running; use the local API to trigger a sync on a
running daemon.`,
		RunE: runSync,
	}

	cmd.Flags().Bool("no-push", false, "do not push queued local writes")

	return cmd
}

// syncResult is one row of sync output.
type syncResult struct {
	Integration string            `json:"integration"`
	Status      string            `json:"status"`
	Items       int               `json:"itemsProcessed"`
	Errors      []model.SyncError `json:"errors,omitempty"`
	Duration    string            `json:"duration"`
}

type syncOutput struct {
	Results []syncResult `json:"results"`
	Pushed  int          `json:"pushed"`
	Pending int          `json:"pending"`
}

func runSync(cmd *cobra.Command, args []string) error {
	cfg := resolvedCfg
	logger := buildLogger(cfg)

	cleanup, err := acquireStoreLock(config.DefaultPIDPath(), "sync")
	if err != nil {
		return err
	}
	defer cleanup()

	ctx := shutdownContext(cmd.Context(), logger)

	a, err := openApp(ctx, config.NewHolder(cfg, resolvedPath), logger)
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	ids := args
	if len(ids) == 0 {
		ids = connectedIDs(a.sched.Integrations())
	}

	if len(ids) == 0 {
		if flagJSON {
			return printJSON(os.Stdout, syncOutput{Results: []syncResult{}})
		}

		statusf("No connected integrations. Run 'edusync integration add' to add one.\n")

		return nil
	}

	out := syncOutput{Results: make([]syncResult, 0, len(ids))}
	failed := false

	for _, id := range ids {
		res := syncOne(ctx, a.sched, id)
		if res.Status != "ok" {
			failed = true
		}

		out.Results = append(out.Results, res)
	}

	noPush, err := cmd.Flags().GetBool("no-push")
	if err != nil {
		return err
	}

	if !noPush {
		out.Pushed, err = a.outbox.Flush(ctx)
		if err != nil {
			return fmt.Errorf("pushing queued writes: %w", err)
		}
	}

	if pending, err := a.outbox.Pending(); err == nil {
		out.Pending = len(pending)
	}

	if flagJSON {
		if err := printJSON(os.Stdout, out); err != nil {
			return err
		}
	} else {
		printSyncTable(out)
	}

	if failed {
		return errSilent
	}

	return nil
}

func connectedIDs(ins []model.Integration) []string {
	var ids []string

	for i := range ins {
		if ins[i].Status == model.StatusConnected {
			ids = append(ids, ins[i].ID)
		}
	}

	return ids
}

func syncOne(ctx context.Context, s *scheduler.Scheduler, id string) syncResult {
	res := syncResult{Integration: id, Status: "ok"}
	start := time.Now()

	err := s.SyncIntegration(ctx, id)
	res.Duration = time.Since(start).Round(time.Millisecond).String()

	if st, ok := s.Status(id); ok {
		res.Items = st.ItemsProcessed
		res.Errors = st.Errors
	}

	switch {
	case err == nil && len(res.Errors) > 0:
		res.Status = "partial"
	case errors.Is(err, scheduler.ErrNotConnected):
		res.Status = "not connected"
	case errors.Is(err, scheduler.ErrUnknownIntegration):
		res.Status = "unknown"
	case err != nil:
		res.Status = "failed"
	}

	return res
}

func printSyncTable(out syncOutput) {
	rows := make([][]string, len(out.Results))
	for i, r := range out.Results {
		rows[i] = []string{r.Integration, r.Status, strconv.Itoa(r.Items), strconv.Itoa(len(r.Errors)), r.Duration}
	}

	printTable(os.Stdout, []string{"INTEGRATION", "STATUS", "ITEMS", "ERRORS", "TOOK"}, rows)

	for _, r := range out.Results {
		for _, e := range r.Errors {
			fmt.Fprintf(os.Stderr, "  %s: %s\n", r.Integration, e.Message)
		}
	}

	statusf("Pushed %d queued write(s), %d pending.\n", out.Pushed, out.Pending)
}
