package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const defaultEpisodeLimit = 50

const episodeColumns = `id, user_id, category_group, primary_category, start_time, end_time,
	snippet, summary, avg_sentiment, max_toxicity, count, abuse_flag, visible`

// FetchLastEpisode returns the user's most recently ended episode. Ties on
// end_time go to the most recently created one. ErrNotFound when the user
// has no episodes.
func (db *DB) FetchLastEpisode(ctx context.Context, userID string) (*Episode, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT `+episodeColumns+` FROM episodes WHERE user_id = ?
		ORDER BY end_time DESC, id DESC LIMIT 1`, userID,
	)
	ep, err := scanEpisode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("episode for %s: %w", userID, ErrNotFound)
	}
	if err != nil {
		return nil, storageErr("fetching last episode", err)
	}
	if err := db.loadResultIDs(ctx, ep); err != nil {
		return nil, err
	}
	return ep, nil
}

// GetEpisode returns one episode by id.
func (db *DB) GetEpisode(ctx context.Context, id int64) (*Episode, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT `+episodeColumns+` FROM episodes WHERE id = ?`, id)
	ep, err := scanEpisode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("episode %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, storageErr("reading episode", err)
	}
	if err := db.loadResultIDs(ctx, ep); err != nil {
		return nil, err
	}
	return ep, nil
}

// UpsertEpisode inserts ep when it has no id, otherwise updates it guarded
// by expectedCount, the count the caller read before merging.
func (db *DB) UpsertEpisode(ctx context.Context, ep *Episode, expectedCount int) (int64, error) {
	if ep.ID == 0 {
		return db.InsertEpisode(ctx, ep)
	}
	return ep.ID, db.UpdateEpisode(ctx, ep, expectedCount)
}

// InsertEpisode creates an episode with its result ids and sets ep.ID.
func (db *DB) InsertEpisode(ctx context.Context, ep *Episode) (int64, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, storageErr("inserting episode", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		`INSERT INTO episodes (user_id, category_group, primary_category, start_time, end_time,
			snippet, summary, avg_sentiment, max_toxicity, count, abuse_flag, visible)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ep.UserID, ep.CategoryGroup, ep.PrimaryCategory, ep.StartTime.UnixNano(), ep.EndTime.UnixNano(),
		ep.Snippet, ep.Summary, ep.AvgSentiment, ep.MaxToxicity, ep.Count, ep.AbuseFlag, ep.Visible,
	)
	if err != nil {
		return 0, storageErr("inserting episode", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, storageErr("inserting episode", err)
	}
	if err := insertResultIDs(ctx, tx, id, 0, ep.ResultIDs); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, storageErr("inserting episode", err)
	}
	ep.ID = id
	return id, nil
}

// UpdateEpisode writes a merged episode. It fails with ErrConflict when the
// stored count no longer equals expectedCount. Result ids past
// expectedCount are appended.
func (db *DB) UpdateEpisode(ctx context.Context, ep *Episode, expectedCount int) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("updating episode", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		`UPDATE episodes SET start_time = ?, end_time = ?, summary = ?, avg_sentiment = ?, max_toxicity = ?,
			count = ?, abuse_flag = ?, visible = ?
		WHERE id = ? AND count = ?`,
		ep.StartTime.UnixNano(), ep.EndTime.UnixNano(), ep.Summary, ep.AvgSentiment, ep.MaxToxicity,
		ep.Count, ep.AbuseFlag, ep.Visible, ep.ID, expectedCount,
	)
	if err != nil {
		return storageErr("updating episode", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return storageErr("updating episode", err)
	}
	if n == 0 {
		return fmt.Errorf("episode %d at count %d: %w", ep.ID, expectedCount, ErrConflict)
	}

	if expectedCount < len(ep.ResultIDs) {
		if err := insertResultIDs(ctx, tx, ep.ID, expectedCount, ep.ResultIDs[expectedCount:]); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return storageErr("updating episode", err)
	}
	return nil
}

// ListEpisodesBetween returns episodes starting in [start, end), oldest first.
func (db *DB) ListEpisodesBetween(ctx context.Context, userID string, start, end time.Time) ([]Episode, error) {
	return db.listEpisodes(ctx,
		`SELECT `+episodeColumns+` FROM episodes
		WHERE user_id = ? AND start_time >= ? AND start_time < ?
		ORDER BY start_time, id`,
		userID, start.UnixNano(), end.UnixNano(),
	)
}

// ListRecentEpisodes returns the latest episodes by start time, newest
// first. A non-positive limit means 50.
func (db *DB) ListRecentEpisodes(ctx context.Context, userID string, limit int) ([]Episode, error) {
	if limit <= 0 {
		limit = defaultEpisodeLimit
	}
	return db.listEpisodes(ctx,
		`SELECT `+episodeColumns+` FROM episodes WHERE user_id = ?
		ORDER BY start_time DESC, id DESC LIMIT ?`,
		userID, limit,
	)
}

func (db *DB) listEpisodes(ctx context.Context, query string, args ...any) ([]Episode, error) {
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("listing episodes", err)
	}
	var episodes []Episode
	for rows.Next() {
		ep, err := scanEpisode(rows)
		if err != nil {
			rows.Close()
			return nil, storageErr("scanning episode", err)
		}
		episodes = append(episodes, *ep)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, storageErr("listing episodes", err)
	}

	for i := range episodes {
		if err := db.loadResultIDs(ctx, &episodes[i]); err != nil {
			return nil, err
		}
	}
	return episodes, nil
}

func (db *DB) loadResultIDs(ctx context.Context, ep *Episode) error {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT analysis_id FROM episode_results WHERE episode_id = ? ORDER BY position`, ep.ID,
	)
	if err != nil {
		return storageErr("loading episode results", err)
	}
	defer rows.Close()

	ep.ResultIDs = []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return storageErr("loading episode results", err)
		}
		ep.ResultIDs = append(ep.ResultIDs, id)
	}
	if err := rows.Err(); err != nil {
		return storageErr("loading episode results", err)
	}
	return nil
}

func insertResultIDs(ctx context.Context, tx *sql.Tx, episodeID int64, offset int, ids []string) error {
	for i, aid := range ids {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO episode_results (episode_id, position, analysis_id) VALUES (?, ?, ?)`,
			episodeID, offset+i, aid,
		); err != nil {
			return storageErr("linking episode result", err)
		}
	}
	return nil
}

func scanEpisode(s scanner) (*Episode, error) {
	var ep Episode
	var start, end int64
	if err := s.Scan(&ep.ID, &ep.UserID, &ep.CategoryGroup, &ep.PrimaryCategory, &start, &end,
		&ep.Snippet, &ep.Summary, &ep.AvgSentiment, &ep.MaxToxicity, &ep.Count, &ep.AbuseFlag, &ep.Visible,
	); err != nil {
		return nil, err
	}
	ep.StartTime = time.Unix(0, start).UTC()
	ep.EndTime = time.Unix(0, end).UTC()
	return &ep, nil
}
