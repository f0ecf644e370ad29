package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/campusline/edusync/internal/config"
	"github.com/campusline/edusync/internal/credfile"
	"github.com/campusline/edusync/internal/model"
)

func newIntegrationCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "integration",
		Short: "Manage integrations",
		Long: `Add, remove and reconnect the external systems edusync syncs with.

Integrations live in the config file as [integration.<id>] tables.
Credentials are kept in a separate owner-only file per integration.`,
	}

	cmd.AddCommand(newIntegrationListCmd())
	cmd.AddCommand(newIntegrationAddCmd())
	cmd.AddCommand(newIntegrationRemoveCmd())
	cmd.AddCommand(newIntegrationReconnectCmd())
	cmd.AddCommand(newIntegrationPauseCmd())
	cmd.AddCommand(newIntegrationResumeCmd())

	return cmd
}

func newIntegrationListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List configured integrations",
		Args:  cobra.NoArgs,
		RunE:  runIntegrationList,
	}
}

// integrationEntry is one row of integration list output.
type integrationEntry struct {
	ID          string                  `json:"id"`
	Type        string                  `json:"type"`
	BaseURL     string                  `json:"baseUrl,omitempty"`
	Status      model.IntegrationStatus `json:"status"`
	Kinds       []model.Kind            `json:"kinds"`
	Frequency   model.SyncFrequency     `json:"syncFrequency"`
	Policy      model.ConflictPolicy    `json:"conflictResolution"`
	Credentials string                  `json:"credentialsFile"`
}

func runIntegrationList(_ *cobra.Command, _ []string) error {
	entries, err := listIntegrations(resolvedCfg)
	if err != nil {
		return err
	}

	if flagJSON {
		return printJSON(os.Stdout, entries)
	}

	if len(entries) == 0 {
		fmt.Println("No integrations configured. Run 'edusync integration add' to add one.")
		return nil
	}

	rows := make([][]string, len(entries))
	for i, e := range entries {
		kinds := make([]string, len(e.Kinds))
		for j, k := range e.Kinds {
			kinds[j] = string(k)
		}

		rows[i] = []string{e.ID, e.Type, string(e.Status), string(e.Frequency), strings.Join(kinds, ",")}
	}

	printTable(os.Stdout, []string{"ID", "TYPE", "STATUS", "FREQUENCY", "KINDS"}, rows)

	return nil
}

func listIntegrations(cfg *config.Config) ([]integrationEntry, error) {
	ids := cfg.IntegrationIDs()
	entries := make([]integrationEntry, 0, len(ids))

	for _, id := range ids {
		in, err := cfg.Integration(id)
		if err != nil {
			return nil, err
		}

		ic := cfg.Integrations[id]
		entries = append(entries, integrationEntry{
			ID:          id,
			Type:        ic.Type,
			BaseURL:     ic.BaseURL,
			Status:      in.Status,
			Kinds:       in.EnabledKinds(),
			Frequency:   in.Settings.SyncFrequency,
			Policy:      in.Settings.ConflictResolution,
			Credentials: cfg.CredentialsPath(id),
		})
	}

	return entries, nil
}

// secretFlags are the credential fields accepted on the command line,
// keyed by flag name.
var secretFlags = map[string]string{
	"token":         "token",
	"api-key":       "apiKey",
	"institution":   "institution",
	"client-id":     "clientId",
	"token-url":     "tokenUrl",
	"refresh-token": "refreshToken",
}

func addSecretFlags(cmd *cobra.Command) {
	cmd.Flags().String("token", "", "bearer token")
	cmd.Flags().String("api-key", "", "API key")
	cmd.Flags().String("institution", "", "institution identifier")
	cmd.Flags().String("client-id", "", "OAuth client ID")
	cmd.Flags().String("token-url", "", "OAuth token endpoint")
	cmd.Flags().String("refresh-token", "", "OAuth refresh token")
}

// secretsFromFlags collects the credential flags the user set.
func secretsFromFlags(cmd *cobra.Command) map[string]any {
	fields := make(map[string]any)

	for flag, key := range secretFlags {
		if f := cmd.Flags().Lookup(flag); f != nil && f.Changed {
			fields[key] = f.Value.String()
		}
	}

	return fields
}

func newIntegrationAddCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add <id>",
		Short: "Add an integration",
		Long: `Add an [integration.<id>] table to the config file and store its
credentials.

Without credentials the integration is pending_auth until 'integration
reconnect' supplies them.`,
		Args: cobra.ExactArgs(1),
		RunE: runIntegrationAdd,
	}

	cmd.Flags().String("type", "", "integration type: lms, erp, cloud_storage")
	cmd.Flags().String("base-url", "", "base URL of the remote API")
	cmd.Flags().StringSlice("kinds", nil, "entity kinds to sync (default: all the type serves)")
	cmd.Flags().String("frequency", "", "realtime, hourly, daily, weekly or manual")
	cmd.Flags().String("policy", "", "conflict resolution: local_wins, remote_wins, merge or manual")
	addSecretFlags(cmd)

	_ = cmd.MarkFlagRequired("type")

	return cmd
}

func runIntegrationAdd(cmd *cobra.Command, args []string) error {
	id := args[0]
	cfg := resolvedCfg

	if _, exists := cfg.Integrations[id]; exists {
		return fmt.Errorf("integration %q already exists", id)
	}

	ic := config.IntegrationConfig{}
	ic.Type, _ = cmd.Flags().GetString("type")
	ic.BaseURL, _ = cmd.Flags().GetString("base-url")
	ic.Kinds, _ = cmd.Flags().GetStringSlice("kinds")
	ic.SyncFrequency, _ = cmd.Flags().GetString("frequency")
	ic.ConflictResolution, _ = cmd.Flags().GetString("policy")

	if err := validateCandidate(cfg, id, ic); err != nil {
		return err
	}

	if fields := secretsFromFlags(cmd); len(fields) > 0 {
		if ic.BaseURL != "" {
			fields["baseUrl"] = ic.BaseURL
		}

		creds, err := json.Marshal(fields)
		if err != nil {
			return fmt.Errorf("encoding credentials: %w", err)
		}

		if err := credfile.Save(config.DefaultCredentialsPath(id), creds, nil); err != nil {
			return err
		}
	}

	if err := config.AppendIntegrationSection(resolvedPath, id, &ic); err != nil {
		return err
	}

	statusf("Added integration %q to %s\n", id, resolvedPath)
	notifyDaemon()

	return nil
}

// validateCandidate checks the whole config with the new table in place so
// errors surface before anything is written.
func validateCandidate(cfg *config.Config, id string, ic config.IntegrationConfig) error {
	candidate := *cfg
	candidate.Integrations = make(map[string]config.IntegrationConfig, len(cfg.Integrations)+1)

	for k, v := range cfg.Integrations {
		candidate.Integrations[k] = v
	}

	candidate.Integrations[id] = ic

	return config.Validate(&candidate)
}

func newIntegrationRemoveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove an integration",
		Long: `Remove the [integration.<id>] table from the config file. A running
daemon purges the integration's local records on reload.`,
		Args: cobra.ExactArgs(1),
		RunE: runIntegrationRemove,
	}

	cmd.Flags().Bool("purge", false, "also delete the stored credentials")

	return cmd
}

func runIntegrationRemove(cmd *cobra.Command, args []string) error {
	id := args[0]
	cfg := resolvedCfg

	if _, exists := cfg.Integrations[id]; !exists {
		return fmt.Errorf("integration %q is not configured", id)
	}

	credPath := cfg.CredentialsPath(id)

	if err := config.DeleteIntegrationSection(resolvedPath, id); err != nil {
		return err
	}

	purge, _ := cmd.Flags().GetBool("purge")
	if purge {
		if err := os.Remove(credPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("removing credentials: %w", err)
		}
	}

	statusf("Removed integration %q\n", id)
	notifyDaemon()

	return nil
}

func newIntegrationReconnectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconnect <id>",
		Short: "Supply new credentials for an integration",
		Long: `Merge new credentials into the integration's credential file and ask
a running daemon to reload. An integration in error returns to connected.`,
		Args: cobra.ExactArgs(1),
		RunE: runIntegrationReconnect,
	}

	addSecretFlags(cmd)

	return cmd
}

func runIntegrationReconnect(cmd *cobra.Command, args []string) error {
	id := args[0]
	cfg := resolvedCfg

	if _, exists := cfg.Integrations[id]; !exists {
		return fmt.Errorf("integration %q is not configured", id)
	}

	fields := secretsFromFlags(cmd)
	if len(fields) == 0 {
		return errors.New("no credentials given, pass --token, --api-key or the OAuth flags")
	}

	path := cfg.CredentialsPath(id)

	creds, _, err := credfile.Load(path)
	if err != nil {
		return err
	}

	if creds == nil {
		raw, err := json.Marshal(fields)
		if err != nil {
			return fmt.Errorf("encoding credentials: %w", err)
		}

		err = credfile.Save(path, raw, nil)
		if err != nil {
			return err
		}
	} else if err := credfile.MergeCredentials(path, fields); err != nil {
		return err
	}

	statusf("Updated credentials for %q\n", id)
	notifyDaemon()

	return nil
}

// notifyDaemon asks a running serve to reload. No daemon is not an error.
func notifyDaemon() {
	if err := signalReload(config.DefaultPIDPath()); err != nil {
		if flagVerbose {
			statusf("Daemon not notified: %v\n", err)
		}

		return
	}

	statusf("Daemon notified.\n")
}
