package config

import (
	"errors"
	"fmt"
	"sort"

	"github.com/BurntSushi/toml"
)

// maxLevenshteinDistance is the maximum edit distance for "did you mean?"
// suggestions when unknown config keys are detected.
const maxLevenshteinDistance = 3

// knownGlobalKeys are the valid flat top-level keys in the config file.
var knownGlobalKeys = map[string]bool{
	"app_name": true, "owner_id": true, "storage_url": true, "primary_integration": true,
	"listen_addr": true,
	// Network settings
	"probe_url": true, "probe_timeout": true, "check_interval": true, "request_rate": true,
	"connect_timeout": true, "data_timeout": true, "user_agent": true,
	// Outbox settings
	"outbox_interval": true, "outbox_max_attempts": true,
	// Logging settings
	"log_level": true, "log_file": true, "log_format": true, "log_retention_days": true,
	// Integration tables
	integrationTable: true,
}

// knownIntegrationKeys are the valid keys inside an [integration.<id>] table.
var knownIntegrationKeys = map[string]bool{
	"type": true, "base_url": true, "credentials_file": true, "kinds": true,
	"sync_frequency": true, "conflict_resolution": true, "notify_on_sync": true,
	"disabled": true,
}

const integrationTable = "integration"

// Sorted slice forms for Levenshtein matching. Sorted for deterministic
// suggestions when two candidates have the same edit distance.
var (
	knownGlobalKeysList      = sortedKeys(knownGlobalKeys)
	knownIntegrationKeysList = sortedKeys(knownIntegrationKeys)
)

func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}

// checkUnknownKeys inspects TOML metadata for undecoded keys and returns
// an error with "did you mean?" suggestions for each unknown key.
func checkUnknownKeys(md *toml.MetaData) error {
	undecoded := md.Undecoded()
	if len(undecoded) == 0 {
		return nil
	}

	var errs []error

	for _, key := range undecoded {
		if len(key) >= 3 && key[0] == integrationTable {
			errs = append(errs, unknownKeyError(key[2], knownIntegrationKeysList,
				fmt.Sprintf(" in [integration.%s]", key[1])))

			continue
		}

		errs = append(errs, unknownKeyError(key[0], knownGlobalKeysList, ""))
	}

	return errors.Join(errs...)
}

func unknownKeyError(key string, known []string, where string) error {
	if suggestion := closestMatch(key, known); suggestion != "" {
		return fmt.Errorf("unknown config key %q%s, did you mean %q?", key, where, suggestion)
	}

	return fmt.Errorf("unknown config key %q%s", key, where)
}

// closestMatch finds the closest known key by Levenshtein distance.
// Returns empty string if no match is within maxLevenshteinDistance.
func closestMatch(unknown string, known []string) string {
	best := ""
	bestDist := maxLevenshteinDistance + 1

	for _, k := range known {
		d := levenshtein(unknown, k)
		if d < bestDist {
			bestDist = d
			best = k
		}
	}

	if bestDist <= maxLevenshteinDistance {
		return best
	}

	return ""
}

// levenshtein computes the edit distance between two strings.
func levenshtein(a, b string) int {
	if a == "" {
		return len(b)
	}

	if b == "" {
		return len(a)
	}

	// Use single-row optimization to avoid allocating a full matrix.
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)

	for j := range prev {
		prev[j] = j
	}

	for i := range len(a) {
		curr[0] = i + 1

		for j := range len(b) {
			cost := 1
			if a[i] == b[j] {
				cost = 0
			}

			curr[j+1] = minOf(curr[j]+1, prev[j+1]+1, prev[j]+cost)
		}

		prev, curr = curr, prev
	}

	return prev[len(b)]
}

// minOf returns the minimum of three integers.
func minOf(a, b, c int) int {
	m := a
	if b < m {
		m = b
	}

	if c < m {
		m = c
	}

	return m
}
