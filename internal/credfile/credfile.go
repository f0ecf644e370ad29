// Package credfile reads and writes integration credential files. A file
// holds the opaque credential blob of one integration plus cached metadata
// (institution name, account label). Files are written atomically with
// owner-only permissions and their contents are never logged.
package credfile

import (
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"
)

// FilePerms restricts credential files to owner-only read/write.
const FilePerms = 0o600

// DirPerms is used when creating the credentials directory.
const DirPerms = 0o700

// File is the on-disk format.
type File struct {
	Credentials json.RawMessage   `json:"credentials"`
	Meta        map[string]string `json:"meta,omitempty"`
}

// Load reads a credential file. It returns (nil, nil, nil) if the file does
// not exist.
func Load(path string) (json.RawMessage, map[string]string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil, nil //nolint:nilnil // sentinel for "not found"
	}

	if err != nil {
		return nil, nil, fmt.Errorf("credfile: reading %s: %w", path, err)
	}

	var cf File
	if err := json.Unmarshal(data, &cf); err != nil {
		return nil, nil, fmt.Errorf("credfile: decoding %s: %w", path, err)
	}

	if len(cf.Credentials) == 0 || string(cf.Credentials) == "null" {
		return nil, nil, fmt.Errorf("credfile: %s missing credentials field", path)
	}

	return cf.Credentials, cf.Meta, nil
}

// Save writes a credential file atomically (write-to-temp + rename).
func Save(path string, creds json.RawMessage, meta map[string]string) error {
	if !json.Valid(creds) {
		return errors.New("credfile: credentials are not valid JSON")
	}

	data, err := json.MarshalIndent(File{Credentials: creds, Meta: meta}, "", "  ")
	if err != nil {
		return fmt.Errorf("credfile: encoding: %w", err)
	}

	dir := filepath.Dir(path)
	if mkErr := os.MkdirAll(dir, DirPerms); mkErr != nil {
		return fmt.Errorf("credfile: creating directory %s: %w", dir, mkErr)
	}

	// Temp file in the same directory so rename(2) stays on one filesystem.
	tmp, err := os.CreateTemp(dir, ".cred-*.tmp")
	if err != nil {
		return fmt.Errorf("credfile: creating temp file: %w", err)
	}

	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = os.Remove(tmpPath)
		}
	}()

	if err := os.Chmod(tmpPath, FilePerms); err != nil {
		tmp.Close()
		return fmt.Errorf("credfile: setting permissions: %w", err)
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("credfile: writing: %w", err)
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("credfile: syncing: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("credfile: closing: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("credfile: renaming: %w", err)
	}

	success = true

	return nil
}

// MergeCredentials overlays fields onto the stored credential object and
// saves the result, keeping the metadata. Fields set to nil are removed.
// Used to persist refreshed OAuth tokens.
func MergeCredentials(path string, fields map[string]any) error {
	creds, meta, err := Load(path)
	if err != nil {
		return err
	}

	if creds == nil {
		return fmt.Errorf("credfile: no credential file at %s", path)
	}

	var obj map[string]any
	if err := json.Unmarshal(creds, &obj); err != nil {
		return fmt.Errorf("credfile: credentials in %s are not an object: %w", path, err)
	}

	for k, v := range fields {
		if v == nil {
			delete(obj, k)
			continue
		}

		obj[k] = v
	}

	merged, err := json.Marshal(obj)
	if err != nil {
		return fmt.Errorf("credfile: encoding merged credentials: %w", err)
	}

	return Save(path, merged, meta)
}

// MergeMeta reads the file, overlays meta keys, and saves.
func MergeMeta(path string, meta map[string]string) error {
	creds, existing, err := Load(path)
	if err != nil {
		return err
	}

	if creds == nil {
		return fmt.Errorf("credfile: no credential file at %s", path)
	}

	if existing == nil {
		existing = make(map[string]string, len(meta))
	}

	maps.Copy(existing, meta)

	return Save(path, creds, existing)
}
