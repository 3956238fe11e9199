package database

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"
	"time"

	"github.com/TobiSchelling/caremonitor/internal/analysis"
)

// PersistAnalysis writes a completed analysis. Records are write-once; a
// second write with the same id fails.
func (db *DB) PersistAnalysis(ctx context.Context, rec analysis.Record) (string, error) {
	if rec.ID == "" {
		return "", storageErr("persisting analysis", errors.New("record has no id"))
	}
	payload, err := rec.Payload()
	if err != nil {
		return "", storageErr("persisting analysis", err)
	}
	_, err = db.conn.ExecContext(ctx,
		`INSERT INTO analyses (id, user_id, timestamp, payload) VALUES (?, ?, ?, ?)`,
		rec.ID, rec.UserID, rec.Timestamp.UTC().UnixMilli(), string(payload),
	)
	if err != nil {
		return "", storageErr("persisting analysis "+rec.ID, err)
	}
	return rec.ID, nil
}

// ImportAnalysis stores a payload with a raw timestamp value, as found in
// exports from earlier deployments.
func (db *DB) ImportAnalysis(ctx context.Context, id, userID string, timestamp any, payload []byte) error {
	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO analyses (id, user_id, timestamp, payload) VALUES (?, ?, ?, ?)`,
		id, userID, timestamp, string(payload),
	)
	if err != nil {
		return storageErr("importing analysis "+id, err)
	}
	return nil
}

// ExportedAnalysis is one line of an analysis export. Timestamp is either
// an ISO-8601 string or unix milliseconds.
type ExportedAnalysis struct {
	ID        string          `json:"id"`
	UserID    string          `json:"user_id"`
	Timestamp any             `json:"timestamp"`
	Analysis  json.RawMessage `json:"analysis"`
}

const maxExportLine = 4 << 20

// ImportAnalyses reads a JSON-lines export and stores each entry with
// ImportAnalysis. Blank lines are skipped. It stops at the first bad line
// and returns how many entries were stored before it.
func (db *DB) ImportAnalyses(ctx context.Context, r io.Reader) (int, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxExportLine)
	n, line := 0, 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		var ex ExportedAnalysis
		if err := json.Unmarshal([]byte(text), &ex); err != nil {
			return n, fmt.Errorf("line %d: %w", line, err)
		}
		ts, err := exportTimestamp(ex.Timestamp)
		if err != nil {
			return n, fmt.Errorf("line %d: %w", line, err)
		}
		if ex.ID == "" || ex.UserID == "" || len(ex.Analysis) == 0 {
			return n, fmt.Errorf("line %d: id, user_id and analysis are required", line)
		}
		if err := db.ImportAnalysis(ctx, ex.ID, ex.UserID, ts, ex.Analysis); err != nil {
			return n, fmt.Errorf("line %d: %w", line, err)
		}
		n++
	}
	if err := sc.Err(); err != nil {
		return n, fmt.Errorf("reading export: %w", err)
	}
	return n, nil
}

func exportTimestamp(v any) (any, error) {
	switch ts := v.(type) {
	case string:
		if strings.TrimSpace(ts) == "" {
			return nil, errors.New("empty timestamp")
		}
		return ts, nil
	case float64:
		if ts != math.Trunc(ts) {
			return nil, fmt.Errorf("timestamp %v is not whole milliseconds", ts)
		}
		return int64(ts), nil
	}
	return nil, fmt.Errorf("unsupported timestamp %v", v)
}

// GetAnalysis returns one stored analysis.
func (db *DB) GetAnalysis(ctx context.Context, id string) (*StoredAnalysis, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT id, user_id, timestamp, payload FROM analyses WHERE id = ?`, id,
	)
	a, err := scanAnalysis(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("analysis %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, storageErr("reading analysis "+id, err)
	}
	return a, nil
}

// FetchAnalysesSince returns the user's analyses with a numeric timestamp at
// or after since. Rows whose timestamp is stored as text cannot be compared
// in SQL and are always included; callers normalize and filter them.
func (db *DB) FetchAnalysesSince(ctx context.Context, userID string, since time.Time) ([]StoredAnalysis, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT id, user_id, timestamp, payload FROM analyses
		WHERE user_id = ? AND (typeof(timestamp) != 'integer' OR timestamp >= ?)
		ORDER BY rowid`,
		userID, since.UTC().UnixMilli(),
	)
	if err != nil {
		return nil, storageErr("fetching analyses", err)
	}
	defer rows.Close()

	var out []StoredAnalysis
	for rows.Next() {
		a, err := scanAnalysis(rows)
		if err != nil {
			return nil, storageErr("scanning analysis", err)
		}
		out = append(out, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("fetching analyses", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAnalysis(s scanner) (*StoredAnalysis, error) {
	var a StoredAnalysis
	var payload string
	if err := s.Scan(&a.ID, &a.UserID, &a.Timestamp, &payload); err != nil {
		return nil, err
	}
	if b, ok := a.Timestamp.([]byte); ok {
		a.Timestamp = string(b)
	}
	a.Payload = []byte(payload)
	return &a, nil
}
