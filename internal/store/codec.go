package store

import (
	"fmt"

	"github.com/goccy/go-json"

	"github.com/campusline/edusync/internal/model"
)

// encodeSnapshot serializes a table as a JSON array of flat records.
func encodeSnapshot(records []model.Record) ([]byte, error) {
	flat := make([]map[string]any, len(records))
	for i := range records {
		flat[i] = records[i].Flat()
	}

	data, err := json.Marshal(flat)
	if err != nil {
		return nil, fmt.Errorf("store: encoding snapshot: %w", err)
	}

	return data, nil
}

// decodeSnapshot parses a persisted table. Any malformed record fails the
// whole table so callers never observe a partial load.
func decodeSnapshot(data []byte) ([]model.Record, error) {
	if len(data) == 0 {
		return nil, nil
	}

	var flat []map[string]any
	if err := json.Unmarshal(data, &flat); err != nil {
		return nil, fmt.Errorf("store: decoding snapshot: %w", err)
	}

	records := make([]model.Record, 0, len(flat))
	seen := make(map[string]bool, len(flat))

	for i, m := range flat {
		r, err := model.RecordFromFlat(m)
		if err != nil {
			return nil, fmt.Errorf("store: snapshot record %d: %w", i, err)
		}

		if seen[r.ID] {
			return nil, fmt.Errorf("store: snapshot record %d: %w: %s", i, ErrDuplicate, r.ID)
		}

		seen[r.ID] = true
		records = append(records, r)
	}

	return records, nil
}
