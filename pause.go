package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/campusline/edusync/internal/config"
)

func newIntegrationPauseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pause <id>",
		Short: "Stop syncing an integration",
		Long: `Mark the integration disabled. Its timer stops and its records stay in
the local store. A running daemon picks up the change on reload.`,
		Args: cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return setDisabled(resolvedPath, resolvedCfg, args, true)
		},
	}
}

func newIntegrationResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume [id]",
		Short: "Resume syncing a paused integration",
		Long: `Clear the disabled flag of the integration, or of every paused
integration when no id is given.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return setDisabled(resolvedPath, resolvedCfg, args, false)
		},
	}
}

// setDisabled writes the disabled key for the named integrations. With no
// names, resume applies to every disabled integration.
func setDisabled(cfgPath string, cfg *config.Config, args []string, disabled bool) error {
	ids := args

	if len(ids) == 0 {
		for _, id := range cfg.IntegrationIDs() {
			if cfg.Integrations[id].Disabled {
				ids = append(ids, id)
			}
		}

		if len(ids) == 0 {
			statusf("No paused integrations.\n")
			return nil
		}
	}

	var errs []error

	for _, id := range ids {
		ic, exists := cfg.Integrations[id]
		if !exists {
			errs = append(errs, fmt.Errorf("integration %q is not configured", id))
			continue
		}

		if ic.Disabled == disabled {
			statusf("Integration %s is already %s\n", id, pauseWord(disabled))
			continue
		}

		if err := config.SetIntegrationKey(cfgPath, id, "disabled", fmt.Sprint(disabled)); err != nil {
			errs = append(errs, fmt.Errorf("updating %s: %w", id, err))
			continue
		}

		statusf("Integration %s %s\n", id, pauseWord(disabled))
	}

	if err := errors.Join(errs...); err != nil {
		return err
	}

	notifyDaemon()

	return nil
}

func pauseWord(disabled bool) string {
	if disabled {
		return "paused"
	}

	return "resumed"
}
