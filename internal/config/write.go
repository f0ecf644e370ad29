package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// configFilePermissions is the standard permission mode for config files.
// Owner read/write, group and others read-only.
const configFilePermissions = 0o644

// configDirPermissions is the standard permission mode for config directories.
const configDirPermissions = 0o755

// sectionHeaderPrefix starts any TOML table header. Used to detect section
// boundaries in line-based edits.
const sectionHeaderPrefix = "["

// configTemplate is the config file content written when the first
// integration is added. Global settings are present as commented-out
// defaults. Later edits are text-level so user changes are preserved.
const configTemplate = `# edusync configuration

# ── Global settings ──
# Uncomment and modify to override defaults.

# User the daemon syncs records for
# owner_id = ""

# Durable backend: sqlite:///path, redis://host/db, postgres://..., memory://
# storage_url = ""

# Integration used for cache-first reads when a record names none
# primary_integration = ""

# Local status API
# listen_addr = "127.0.0.1:7420"

# Log verbosity: debug, info, warn, error
# log_level = "info"

# ── Integrations ──
# Added by 'edusync integration add'.
`

// integrationSection generates the TOML text for a new integration table.
func integrationSection(id string, ic *IntegrationConfig) string {
	var b strings.Builder

	fmt.Fprintf(&b, "\n[integration.%s]\n", id)
	fmt.Fprintf(&b, "type = %q\n", ic.Type)

	if ic.BaseURL != "" {
		fmt.Fprintf(&b, "base_url = %q\n", ic.BaseURL)
	}

	if ic.CredentialsFile != "" {
		fmt.Fprintf(&b, "credentials_file = %q\n", ic.CredentialsFile)
	}

	if len(ic.Kinds) > 0 {
		quoted := make([]string, len(ic.Kinds))
		for i, k := range ic.Kinds {
			quoted[i] = fmt.Sprintf("%q", k)
		}

		fmt.Fprintf(&b, "kinds = [%s]\n", strings.Join(quoted, ", "))
	}

	if ic.SyncFrequency != "" {
		fmt.Fprintf(&b, "sync_frequency = %q\n", ic.SyncFrequency)
	}

	if ic.ConflictResolution != "" {
		fmt.Fprintf(&b, "conflict_resolution = %q\n", ic.ConflictResolution)
	}

	if ic.NotifyOnSync {
		b.WriteString("notify_on_sync = true\n")
	}

	return b.String()
}

// AppendIntegrationSection appends an [integration.<id>] table to the
// config file, creating the file from the default template when it does
// not exist. The write is atomic.
func AppendIntegrationSection(path, id string, ic *IntegrationConfig) error {
	slog.Info("appending integration section to config",
		"path", path,
		"integration_id", id,
		"type", ic.Type,
	)

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		data = []byte(configTemplate)
	} else if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}

	lines := strings.Split(string(data), "\n")
	if header, _ := findSectionHeader(lines, id); header >= 0 {
		return fmt.Errorf("integration %q already exists in config", id)
	}

	content := string(data)
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}

	content += integrationSection(id, ic)

	return atomicWriteFile(path, []byte(content))
}

// SetIntegrationKey finds an integration table and sets a key-value pair.
// If the key already exists within the section, its line is replaced. If not
// found, the key is inserted on the line after the section header.
//
// Value formatting: booleans ("true"/"false") are written without quotes;
// all other values are written as quoted strings.
func SetIntegrationKey(path, id, key, value string) error {
	slog.Info("setting integration key in config",
		"path", path,
		"integration_id", id,
		"key", key,
		"value", value,
	)

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}

	lines := strings.Split(string(data), "\n")

	headerLine, sectionStart := findSectionHeader(lines, id)
	if sectionStart < 0 {
		return fmt.Errorf("integration section %q not found in config", id)
	}

	newLine := fmt.Sprintf("%s = %s", key, formatTOMLValue(value))
	lines = setKeyInSection(lines, headerLine, sectionStart, key, newLine)

	return atomicWriteFile(path, []byte(strings.Join(lines, "\n")))
}

// DeleteIntegrationSection removes an integration table (header and all
// keys) from the config file, together with the blank lines preceding it.
func DeleteIntegrationSection(path, id string) error {
	slog.Info("deleting integration section from config",
		"path", path,
		"integration_id", id,
	)

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}

	lines := strings.Split(string(data), "\n")

	headerLine, sectionStart := findSectionHeader(lines, id)
	if sectionStart < 0 {
		return fmt.Errorf("integration section %q not found in config", id)
	}

	sectionEnd := findSectionEnd(lines, sectionStart)

	blankStart := headerLine
	for blankStart > 0 && strings.TrimSpace(lines[blankStart-1]) == "" {
		blankStart--
	}

	lines = append(lines[:blankStart], lines[sectionEnd:]...)

	return atomicWriteFile(path, []byte(strings.Join(lines, "\n")))
}

// findSectionHeader locates the line index of an integration table header,
// bare or quoted. Returns the header line index and the section content
// start (header + 1). Returns -1 for both if the section is not found.
func findSectionHeader(lines []string, id string) (int, int) {
	bare := fmt.Sprintf("[%s.%s]", integrationTable, id)
	quoted := fmt.Sprintf("[%s.%q]", integrationTable, id)

	for i, line := range lines {
		if trimmed := strings.TrimSpace(line); trimmed == bare || trimmed == quoted {
			return i, i + 1
		}
	}

	return -1, -1
}

// findSectionEnd returns the index of the first line after the section's
// own content. This excludes blank lines and comments that precede the
// next section header (those belong to the next section's preamble, not
// this section's content).
func findSectionEnd(lines []string, sectionStart int) int {
	nextHeader := len(lines)

	for i := sectionStart; i < len(lines); i++ {
		trimmed := strings.TrimSpace(lines[i])
		if strings.HasPrefix(trimmed, sectionHeaderPrefix) {
			nextHeader = i

			break
		}
	}

	// Walk backwards from the next section header to skip blank lines and
	// comment lines that belong to the next section's preamble.
	end := nextHeader
	for end > sectionStart {
		trimmed := strings.TrimSpace(lines[end-1])
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			end--

			continue
		}

		break
	}

	return end
}

// setKeyInSection either replaces an existing key line or inserts a new
// one after the section header.
func setKeyInSection(lines []string, headerLine, sectionStart int, key, newLine string) []string {
	sectionEnd := findSectionEnd(lines, sectionStart)
	keyPrefix := key + " "
	keyPrefixEq := key + "="

	// Search for existing key within the section.
	for i := headerLine + 1; i < sectionEnd; i++ {
		trimmed := strings.TrimSpace(lines[i])
		if strings.HasPrefix(trimmed, keyPrefix) || strings.HasPrefix(trimmed, keyPrefixEq) {
			lines[i] = newLine

			return lines
		}
	}

	// Key not found, insert after header.
	inserted := make([]string, 0, len(lines)+1)
	inserted = append(inserted, lines[:headerLine+1]...)
	inserted = append(inserted, newLine)
	inserted = append(inserted, lines[headerLine+1:]...)

	return inserted
}

// formatTOMLValue formats a value for TOML output. Booleans are written
// bare (true/false); all other values are quoted strings.
func formatTOMLValue(value string) string {
	if value == "true" || value == "false" {
		return value
	}

	return fmt.Sprintf("%q", value)
}

// atomicWriteFile writes data to a temporary file in the same directory as
// path, then renames it to the target path. This prevents partial writes
// from corrupting the config file on crash. Parent directories are created
// as needed. Files are created with configFilePermissions (0644).
func atomicWriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, configDirPermissions); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	f, err := os.CreateTemp(dir, ".config-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}

	tempPath := f.Name()

	// Clean up the temp file on any error path.
	succeeded := false
	defer func() {
		if !succeeded {
			os.Remove(tempPath)
		}
	}()

	if _, err := f.Write(data); err != nil {
		f.Close()

		return fmt.Errorf("writing temp file: %w", err)
	}

	if err := f.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Chmod(tempPath, configFilePermissions); err != nil {
		return fmt.Errorf("setting file permissions: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}

	succeeded = true

	return nil
}
