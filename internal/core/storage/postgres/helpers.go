package postgres

import (
	"database/sql"
	"encoding/json"
	"fmt"

	v1 "github.com/aevon-lab/linkpulse/internal/api/v1"
)

// marshalEvaluationRequest marshals the payload column of pending_evaluations.
func marshalEvaluationRequest(req v1.EvaluationRequest) ([]byte, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal evaluation request: %w", err)
	}
	return payload, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

// scanPendingEvaluation scans a pending_evaluations row.
// Compatible with both sql.Row (single) and sql.Rows (multiple).
func scanPendingEvaluation(row scanner) (*v1.PendingEvaluation, error) {
	var p v1.PendingEvaluation
	var payloadJSON []byte

	if err := row.Scan(&payloadJSON, &p.Attempts, &p.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(payloadJSON, &p.Request); err != nil {
		return nil, fmt.Errorf("failed to unmarshal evaluation request: %w", err)
	}
	return &p, nil
}

// scanClickRows drains rows of (latitude, longitude, country, time).
func scanClickRows(rows *sql.Rows) ([]v1.GeoClick, error) {
	defer rows.Close()

	var clicks []v1.GeoClick
	for rows.Next() {
		var c v1.GeoClick
		if err := rows.Scan(&c.Latitude, &c.Longitude, &c.Country, &c.Time); err != nil {
			return nil, fmt.Errorf("failed to scan click row: %w", err)
		}
		clicks = append(clicks, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating clicks: %w", err)
	}
	return clicks, nil
}

// scanKeys drains a single-column result of actor keys.
func scanKeys(rows *sql.Rows) ([]string, error) {
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("failed to scan key row: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating keys: %w", err)
	}
	return keys, nil
}
