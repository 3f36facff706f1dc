package audit

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"strconv"
	"time"
)

// WriteCSV renders audit entries as CSV for export downloads. Before/after
// snapshots are embedded as JSON cells.
func WriteCSV(entries []Entry) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write([]string{"at", "actor_id", "action", "entity", "entity_id", "before", "after"}); err != nil {
		return nil, err
	}
	for _, e := range entries {
		before, err := changeCell(e.Before)
		if err != nil {
			return nil, err
		}
		after, err := changeCell(e.After)
		if err != nil {
			return nil, err
		}
		record := []string{
			e.At.UTC().Format(time.RFC3339),
			strconv.FormatInt(e.ActorID, 10),
			e.Action,
			e.Entity,
			e.EntityID,
			before,
			after,
		}
		if err := w.Write(record); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func changeCell(m map[string]any) (string, error) {
	if m == nil {
		return "", nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
