//go:build e2e

package e2e

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/campusline/edusync/testutil"
)

const (
	ownerID   = "u1"
	apiKey    = "e2e-key"
	readyWait = 10 * time.Second
)

var (
	binaryPath string

	// docsURL is the base URL of the devserver every test syncs against.
	docsURL string

	// lmsToken is a bearer token issued by the devserver for ownerID.
	lmsToken string
)

func TestMain(m *testing.M) {
	root := testutil.FindModuleRoot("..")
	testutil.LoadDotEnv(filepath.Join(root, ".env"))

	tmpDir, err := os.MkdirTemp("", "edusync-e2e-*")
	if err != nil {
		fmt.Fprintf(os.Stderr, "creating temp dir: %v\n", err)
		os.Exit(1)
	}

	binaryPath = filepath.Join(tmpDir, "edusync")

	build := exec.Command("go", "build", "-o", binaryPath, ".")
	build.Dir = root
	build.Stdout = os.Stdout
	build.Stderr = os.Stderr

	if err := build.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "building binary: %v\n", err)
		os.Exit(1)
	}

	// Keep the suite away from the user's real config and data.
	os.Setenv("HOME", filepath.Join(tmpDir, "home"))
	os.Setenv("XDG_CONFIG_HOME", filepath.Join(tmpDir, "config"))
	os.Setenv("XDG_DATA_HOME", filepath.Join(tmpDir, "data"))

	stop, err := startDevserver()
	if err != nil {
		fmt.Fprintf(os.Stderr, "starting devserver: %v\n", err)
		os.RemoveAll(tmpDir)
		os.Exit(1)
	}

	code := m.Run()

	stop()
	os.RemoveAll(tmpDir)
	os.Exit(code)
}

func startDevserver() (func(), error) {
	addr, err := testutil.FreeAddr()
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(binaryPath, "devserver", "--listen", addr, "--api-key", apiKey, "--token", ownerID, "--quiet")
	cmd.Stderr = os.Stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	stop := func() {
		_ = cmd.Process.Signal(os.Interrupt)
		_ = cmd.Wait()
	}

	line, err := bufio.NewReader(stdout).ReadString('\n')
	if err != nil {
		stop()
		return nil, fmt.Errorf("reading token: %w", err)
	}

	lmsToken = strings.TrimSpace(line)
	docsURL = "http://" + addr

	if err := testutil.WaitForHTTP(docsURL+"/health", readyWait); err != nil {
		stop()
		return nil, err
	}

	return stop, nil
}

// env is one isolated edusync installation: its own config file and store.
type env struct {
	dir        string
	configPath string
	listenAddr string
}

func newEnv(t *testing.T) *env {
	t.Helper()

	dir := t.TempDir()

	addr, err := testutil.FreeAddr()
	require.NoError(t, err)

	e := &env{dir: dir, configPath: filepath.Join(dir, "config.toml"), listenAddr: addr}

	content := fmt.Sprintf("owner_id = %q\nstorage_url = %q\nlisten_addr = %q\nprobe_url = \"\"\n",
		ownerID, testutil.StorageURL(dir), addr)
	require.NoError(t, os.WriteFile(e.configPath, []byte(content), 0o600))

	return e
}

// addLMS registers an lms integration named id against the devserver.
func (e *env) addLMS(t *testing.T, id string, extra ...string) {
	t.Helper()

	args := append([]string{
		"integration", "add", id,
		"--type", "lms",
		"--base-url", docsURL,
		"--token", lmsToken,
		"--frequency", "manual",
	}, extra...)

	e.run(t, args...)
}

func (e *env) command(args ...string) *exec.Cmd {
	fullArgs := append([]string{"--config", e.configPath}, args...)
	cmd := exec.Command(binaryPath, fullArgs...)
	cmd.Env = append(os.Environ(), "XDG_DATA_HOME="+filepath.Join(e.dir, "data"))

	return cmd
}

func (e *env) run(t *testing.T, args ...string) (string, string) {
	t.Helper()

	stdout, stderr, err := e.tryRun(args...)
	if err != nil {
		t.Fatalf("CLI command %v failed: %v\nstdout: %s\nstderr: %s", args, err, stdout, stderr)
	}

	return stdout, stderr
}

func (e *env) tryRun(args ...string) (string, string, error) {
	cmd := e.command(args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	return stdout.String(), stderr.String(), err
}

// serve starts the daemon and waits for its local API.
func (e *env) serve(t *testing.T) {
	t.Helper()

	cmd := e.command("serve")
	cmd.Stderr = os.Stderr
	require.NoError(t, cmd.Start())

	t.Cleanup(func() {
		_ = cmd.Process.Signal(os.Interrupt)
		_ = cmd.Wait()
	})

	require.NoError(t, testutil.WaitForHTTP(e.apiURL("/health"), readyWait))
}

func (e *env) apiURL(path string) string {
	return "http://" + e.listenAddr + path
}

func decodeJSON(t *testing.T, data string, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal([]byte(data), v), "output: %s", data)
}

// putDoc writes a document to the devserver as another client would.
func putDoc(t *testing.T, collection string, doc map[string]any) {
	t.Helper()

	body, err := json.Marshal(doc)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPut, docsURL+"/collections/"+collection+"/"+doc["id"].(string), bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("X-Api-Key", apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
}

// getDoc reads a document from the devserver. Missing documents return nil.
func getDoc(t *testing.T, collection, id string) map[string]any {
	t.Helper()

	req, err := http.NewRequest(http.MethodGet, docsURL+"/collections/"+collection+"/"+id, http.NoBody)
	require.NoError(t, err)
	req.Header.Set("X-Api-Key", apiKey)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil
	}

	require.Equal(t, http.StatusOK, resp.StatusCode)

	var doc map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&doc))

	return doc
}

// apiDo calls the daemon's local API.
func apiDo(t *testing.T, method, url string, body any) (int, map[string]any) {
	t.Helper()

	var rd io.Reader = http.NoBody

	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)

		rd = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, url, rd)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)

	return resp.StatusCode, out
}
