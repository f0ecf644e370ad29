package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"

	"github.com/campusline/edusync/internal/config"
	"github.com/campusline/edusync/internal/model"
	"github.com/campusline/edusync/internal/scheduler"
)

const daemonQueryTimeout = 3 * time.Second

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show integrations and their sync state",
		Long: `Display every integration with its connection status, last sync
and sync indicator.

Asks the running daemon when there is one, otherwise reads the local store.`,
		RunE: runStatus,
	}
}

// statusIntegration is one row of status output.
type statusIntegration struct {
	ID        string                  `json:"id"`
	Type      model.IntegrationType   `json:"type"`
	Status    model.IntegrationStatus `json:"status"`
	Kinds     []model.Kind            `json:"kinds"`
	LastSync  *time.Time              `json:"lastSync"`
	Indicator scheduler.Indicator     `json:"indicator"`
}

type statusReport struct {
	Source        string              `json:"source"`
	Online        *bool               `json:"online,omitempty"`
	StorageErrors int                 `json:"storageErrors"`
	Integrations  []statusIntegration `json:"integrations"`
}

func runStatus(cmd *cobra.Command, _ []string) error {
	cfg := resolvedCfg
	logger := buildLogger(cfg)

	report, err := queryDaemon(cmd.Context(), http.DefaultClient, cfg.ListenAddr)
	if err != nil {
		logger.Debug("daemon not reachable, reading local store", "error", err)

		report, err = localStatus(cmd.Context(), cfg)
		if err != nil {
			return err
		}
	}

	if flagJSON {
		return printJSON(os.Stdout, report)
	}

	printStatusText(os.Stdout, report, time.Now())

	return nil
}

// queryDaemon reads status from the local API of a running serve.
func queryDaemon(ctx context.Context, client *http.Client, addr string) (*statusReport, error) {
	ctx, cancel := context.WithTimeout(ctx, daemonQueryTimeout)
	defer cancel()

	base := "http://" + addr
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		base = strings.TrimSuffix(addr, "/")
	}

	health, err := getBody(ctx, client, base+"/health")
	if err != nil {
		return nil, err
	}

	body, err := getBody(ctx, client, base+"/integrations")
	if err != nil {
		return nil, err
	}

	report := &statusReport{
		Source:        "daemon",
		StorageErrors: int(gjson.GetBytes(health, "storageErrors").Int()),
	}

	if state := gjson.GetBytes(health, "network"); state.Exists() {
		online := state.String() != "offline"
		report.Online = &online
	}

	list := gjson.GetBytes(body, "integrations")
	if !list.IsArray() {
		return nil, errors.New("unexpected integrations response")
	}

	if err := json.Unmarshal([]byte(list.Raw), &report.Integrations); err != nil {
		return nil, fmt.Errorf("decoding integrations: %w", err)
	}

	return report, nil
}

func getBody(ctx context.Context, client *http.Client, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, err
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: HTTP %d", url, resp.StatusCode)
	}

	return body, nil
}

// localStatus opens the store directly. It refuses while another process
// holds the store lock.
func localStatus(ctx context.Context, cfg *config.Config) (*statusReport, error) {
	cleanup, err := acquireStoreLock(config.DefaultPIDPath(), "status")
	if err != nil {
		return nil, fmt.Errorf("daemon holds the store but its API is unreachable at %s: %w", cfg.ListenAddr, err)
	}
	defer cleanup()

	a, err := openApp(ctx, config.NewHolder(cfg, resolvedPath), buildLogger(cfg))
	if err != nil {
		return nil, err
	}
	defer a.close(context.Background())

	return buildLocalReport(a.sched.Integrations(), a.sched.Status, a.storageErrors()), nil
}

func buildLocalReport(
	ins []model.Integration, status func(string) (model.SyncStatus, bool), storageErrors int,
) *statusReport {
	report := &statusReport{
		Source:        "local",
		StorageErrors: storageErrors,
		Integrations:  make([]statusIntegration, 0, len(ins)),
	}

	for i := range ins {
		in := &ins[i]
		st, _ := status(in.ID)

		report.Integrations = append(report.Integrations, statusIntegration{
			ID:        in.ID,
			Type:      in.Type,
			Status:    in.Status,
			Kinds:     in.EnabledKinds(),
			LastSync:  in.LastSync,
			Indicator: scheduler.IndicatorFor(*in, st),
		})
	}

	return report
}

func printStatusText(w io.Writer, r *statusReport, now time.Time) {
	if len(r.Integrations) == 0 {
		fmt.Fprintln(w, "No integrations configured. Run 'edusync integration add' to add one.")
		return
	}

	rows := make([][]string, len(r.Integrations))

	for i, in := range r.Integrations {
		last := time.Time{}
		if in.LastSync != nil {
			last = *in.LastSync
		}

		indicator := string(in.Indicator.Level)
		if in.Indicator.Message != "" {
			indicator += ": " + in.Indicator.Message
		}

		rows[i] = []string{in.ID, string(in.Type), string(in.Status), formatAgo(last, now), indicator}
	}

	printTable(w, []string{"INTEGRATION", "TYPE", "STATUS", "LAST SYNC", "STATE"}, rows)

	if r.Online != nil && !*r.Online {
		fmt.Fprintln(w, "\nOffline: changes are queued and pushed when the network returns.")
	}

	if r.StorageErrors > 0 {
		fmt.Fprintf(w, "\nWarning: %d local storage write(s) failed, see the log.\n", r.StorageErrors)
	}
}
