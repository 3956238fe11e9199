package database

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/TobiSchelling/caremonitor/internal/analysis"
)

// PersistNotification stores a notification record and sets n.ID.
func (db *DB) PersistNotification(ctx context.Context, n *Notification) (int64, error) {
	recs := n.Recommendations
	if recs == nil {
		recs = []analysis.Recommendation{}
	}
	recJSON, err := json.Marshal(recs)
	if err != nil {
		return 0, storageErr("encoding recommendations", err)
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}

	result, err := db.conn.ExecContext(ctx,
		`INSERT INTO notifications (user_id, analysis_id, title, body, summary, primary_category,
			category_group, severity, abuse_flag, sentiment, recommendations, read, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		n.UserID, n.AnalysisID, n.Title, n.Body, n.Summary, n.PrimaryCategory,
		n.CategoryGroup, n.Severity, n.AbuseFlag, n.Sentiment, string(recJSON), n.Read, n.CreatedAt.UnixNano(),
	)
	if err != nil {
		return 0, storageErr("persisting notification", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, storageErr("persisting notification", err)
	}
	n.ID = id
	return id, nil
}

// ListNotifications returns the user's notifications, newest first.
func (db *DB) ListNotifications(ctx context.Context, userID string, limit int) ([]Notification, error) {
	if limit <= 0 {
		limit = defaultEpisodeLimit
	}
	rows, err := db.conn.QueryContext(ctx,
		`SELECT id, user_id, analysis_id, title, body, summary, primary_category, category_group,
			severity, abuse_flag, sentiment, recommendations, read, created_at
		FROM notifications WHERE user_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`,
		userID, limit,
	)
	if err != nil {
		return nil, storageErr("listing notifications", err)
	}
	defer rows.Close()

	var out []Notification
	for rows.Next() {
		var n Notification
		var recJSON string
		var created int64
		if err := rows.Scan(&n.ID, &n.UserID, &n.AnalysisID, &n.Title, &n.Body, &n.Summary,
			&n.PrimaryCategory, &n.CategoryGroup, &n.Severity, &n.AbuseFlag, &n.Sentiment,
			&recJSON, &n.Read, &created,
		); err != nil {
			return nil, storageErr("scanning notification", err)
		}
		if err := json.Unmarshal([]byte(recJSON), &n.Recommendations); err != nil {
			return nil, storageErr("decoding recommendations", err)
		}
		n.CreatedAt = time.Unix(0, created).UTC()
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("listing notifications", err)
	}
	return out, nil
}

// MarkNotificationRead flags a notification as read.
func (db *DB) MarkNotificationRead(ctx context.Context, id int64) error {
	result, err := db.conn.ExecContext(ctx, `UPDATE notifications SET read = 1 WHERE id = ?`, id)
	if err != nil {
		return storageErr("marking notification read", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// AddDeviceToken registers a push token for the user. Re-adding is a no-op.
func (db *DB) AddDeviceToken(ctx context.Context, userID, token string) error {
	token = strings.TrimSpace(token)
	_, err := db.conn.ExecContext(ctx,
		`INSERT OR IGNORE INTO device_tokens (user_id, token) VALUES (?, ?)`, userID, token,
	)
	if err != nil {
		return storageErr("adding device token", err)
	}
	return nil
}

// RemoveDeviceToken unregisters a push token.
func (db *DB) RemoveDeviceToken(ctx context.Context, userID, token string) error {
	_, err := db.conn.ExecContext(ctx,
		`DELETE FROM device_tokens WHERE user_id = ? AND token = ?`, userID, token,
	)
	if err != nil {
		return storageErr("removing device token", err)
	}
	return nil
}

// ListDeviceTokens returns the user's push tokens in registration order.
func (db *DB) ListDeviceTokens(ctx context.Context, userID string) ([]string, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT token FROM device_tokens WHERE user_id = ? ORDER BY rowid`, userID,
	)
	if err != nil {
		return nil, storageErr("listing device tokens", err)
	}
	defer rows.Close()

	var tokens []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, storageErr("listing device tokens", err)
		}
		tokens = append(tokens, t)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("listing device tokens", err)
	}
	return tokens, nil
}

// GetStats returns row counts across the store.
func (db *DB) GetStats(ctx context.Context) (*Stats, error) {
	var s Stats
	queries := []struct {
		dest  *int
		query string
	}{
		{&s.Analyses, "SELECT COUNT(*) FROM analyses"},
		{&s.Users, "SELECT COUNT(DISTINCT user_id) FROM analyses"},
		{&s.Episodes, "SELECT COUNT(*) FROM episodes"},
		{&s.Notifications, "SELECT COUNT(*) FROM notifications"},
		{&s.Unread, "SELECT COUNT(*) FROM notifications WHERE read = 0"},
		{&s.DeviceTokens, "SELECT COUNT(*) FROM device_tokens"},
	}
	for _, q := range queries {
		if err := db.conn.QueryRowContext(ctx, q.query).Scan(q.dest); err != nil {
			return nil, storageErr("reading stats", err)
		}
	}
	return &s, nil
}
