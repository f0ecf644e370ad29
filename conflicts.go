package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/campusline/edusync/internal/config"
	"github.com/campusline/edusync/internal/model"
	"github.com/campusline/edusync/internal/scheduler"
)

func newConflictsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "conflicts [kind]",
		Short: "List unresolved sync conflicts",
		Long: `Display the records held for manual conflict resolution, for one
entity kind or all of them.

Use 'edusync conflicts resolve' to pick a version. While serve is running
use the local API instead.`,
		Args: cobra.MaximumNArgs(1),
		RunE: runConflicts,
	}

	cmd.AddCommand(newResolveCmd())

	return cmd
}

// conflictJSON is the JSON-serializable representation of a conflict.
type conflictJSON struct {
	ID            string         `json:"id"`
	Kind          model.Kind     `json:"kind"`
	RecordID      string         `json:"recordId"`
	IntegrationID string         `json:"integrationId"`
	DetectedAt    string         `json:"detectedAt"`
	Local         map[string]any `json:"local,omitempty"`
	Remote        map[string]any `json:"remote"`
}

// withLocalApp runs fn against a store opened under the store lock.
func withLocalApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	cfg := resolvedCfg
	logger := buildLogger(cfg)

	cleanup, err := acquireStoreLock(config.DefaultPIDPath(), "conflicts")
	if err != nil {
		if errors.Is(err, errStoreBusy) {
			return fmt.Errorf("%w; use the local API at %s", err, cfg.ListenAddr)
		}

		return err
	}
	defer cleanup()

	ctx := cmd.Context()

	a, err := openApp(ctx, config.NewHolder(cfg, resolvedPath), logger)
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	return fn(ctx, a)
}

func runConflicts(cmd *cobra.Command, args []string) error {
	kinds := model.AllKinds

	if len(args) == 1 {
		k, err := model.ParseKind(args[0])
		if err != nil {
			return err
		}

		kinds = []model.Kind{k}
	}

	return withLocalApp(cmd, func(_ context.Context, a *app) error {
		var all []scheduler.Conflict

		for _, k := range kinds {
			cs, err := a.sched.Conflicts(k)
			if err != nil {
				return err
			}

			all = append(all, cs...)
		}

		if flagJSON {
			return printConflictsJSON(all)
		}

		if len(all) == 0 {
			fmt.Println("No unresolved conflicts.")
			return nil
		}

		printConflictsTable(all)

		return nil
	})
}

func printConflictsJSON(conflicts []scheduler.Conflict) error {
	items := make([]conflictJSON, len(conflicts))

	for i := range conflicts {
		c := &conflicts[i]
		items[i] = conflictJSON{
			ID:            c.ID,
			Kind:          c.Kind,
			RecordID:      c.RecordID,
			IntegrationID: c.IntegrationID,
			DetectedAt:    c.DetectedAt.UTC().Format(time.RFC3339),
			Remote:        c.Remote.Flat(),
		}

		if c.Local.ID != "" {
			items[i].Local = c.Local.Flat()
		}
	}

	return printJSON(os.Stdout, items)
}

func printConflictsTable(conflicts []scheduler.Conflict) {
	headers := []string{"KIND", "RECORD", "INTEGRATION", "DETECTED"}
	rows := make([][]string, len(conflicts))

	for i := range conflicts {
		c := &conflicts[i]
		rows[i] = []string{string(c.Kind), c.RecordID, c.IntegrationID, formatTime(c.DetectedAt)}
	}

	printTable(os.Stdout, headers, rows)
}

func newResolveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resolve <kind> <record-id>",
		Short: "Resolve a conflict by keeping one version",
		Long: `Keep the local or the remote version of a conflicted record.

--keep remote stores the remote version as synced. --keep local marks the
local version pending and queues it for push.`,
		Args: cobra.ExactArgs(2),
		RunE: runResolve,
	}

	cmd.Flags().String("keep", "", "version to keep: local or remote")
	_ = cmd.MarkFlagRequired("keep")

	return cmd
}

func runResolve(cmd *cobra.Command, args []string) error {
	kind, err := model.ParseKind(args[0])
	if err != nil {
		return err
	}

	keep, _ := cmd.Flags().GetString("keep")

	choice, err := scheduler.ParseChoice(keep)
	if err != nil {
		return err
	}

	return withLocalApp(cmd, func(ctx context.Context, a *app) error {
		rec, err := a.sched.ResolveConflict(kind, args[1], choice)
		if err != nil {
			return err
		}

		if choice == scheduler.ChoiceLocal {
			if _, err := a.outbox.Flush(ctx); err != nil {
				statusf("Queued for push; delivery will retry: %v\n", err)
			}
		}

		if flagJSON {
			return printJSON(os.Stdout, rec.Flat())
		}

		statusf("Resolved %s/%s: kept %s version\n", kind, rec.ID, choice)

		return nil
	})
}
