// Package timeline folds persisted analyses into per-user episodes: runs of
// related interactions shown to parents as a single card.
package timeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/TobiSchelling/caremonitor/internal/analysis"
	"github.com/TobiSchelling/caremonitor/internal/config"
	"github.com/TobiSchelling/caremonitor/internal/database"
	"github.com/TobiSchelling/caremonitor/internal/metrics"
	"github.com/TobiSchelling/caremonitor/internal/transcript"
)

const (
	snippetChars      = 120
	defaultMaxRetries = 3
)

// Action is what Apply did with an analysis.
type Action string

const (
	ActionHidden  Action = "hidden"
	ActionCreated Action = "created"
	ActionMerged  Action = "merged"
)

// Store is the episode storage the engine needs.
type Store interface {
	FetchLastEpisode(ctx context.Context, userID string) (*database.Episode, error)
	UpsertEpisode(ctx context.Context, ep *database.Episode, expectedCount int) (int64, error)
}

// Outcome reports the episode an analysis landed in. Episode is nil for
// hidden analyses.
type Outcome struct {
	Action  Action
	Episode *database.Episode
}

// Options configure visibility and merging.
type Options struct {
	Categories   *config.Categories
	Milestones   []string
	AnchorGroups []string
	MaxRetries   int
}

// Engine is the episode merge engine. Updates for one user are serialized
// in-process and guarded by a count check in the store.
type Engine struct {
	store      Store
	cats       *config.Categories
	milestones map[string]bool
	anchors    map[string]bool
	maxRetries int
	logger     *zap.Logger
	metrics    *metrics.Metrics

	mu    sync.Mutex
	users map[string]*userLock
}

// userLock is dropped from Engine.users once nobody holds or waits on it.
type userLock struct {
	sync.Mutex
	refs int
}

// New creates an engine. logger and m may be nil.
func New(store Store, opts Options, logger *zap.Logger, m *metrics.Metrics) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	return &Engine{
		store:      store,
		cats:       opts.Categories,
		milestones: toSet(opts.Milestones),
		anchors:    toSet(opts.AnchorGroups),
		maxRetries: opts.MaxRetries,
		logger:     logger,
		metrics:    m,
		users:      make(map[string]*userLock),
	}
}

// NewFromConfig builds an engine from the timeline section of cfg.
func NewFromConfig(store Store, cfg *config.Config, logger *zap.Logger, m *metrics.Metrics) *Engine {
	return New(store, Options{
		Categories:   cfg.Categories,
		Milestones:   cfg.Timeline.Milestones,
		AnchorGroups: cfg.Timeline.AnchorGroups,
	}, logger, m)
}

// IsVisible reports whether an analysis belongs on the parent timeline.
func (e *Engine) IsVisible(rec analysis.Record) bool {
	return rec.SendNotification ||
		rec.AbuseFlag ||
		e.milestones[rec.PrimaryCategory] ||
		e.anchors[rec.CategoryGroup]
}

// ShouldMerge reports whether an analysis in group at t extends last.
func ShouldMerge(last *database.Episode, group string, t time.Time, window time.Duration) bool {
	if last == nil || last.CategoryGroup != group {
		return false
	}
	gap := t.Sub(last.EndTime)
	if gap < 0 {
		gap = -gap
	}
	return gap <= window
}

// Seed starts a new episode from one analysis.
func Seed(rec analysis.Record, t time.Time) *database.Episode {
	return &database.Episode{
		UserID:          rec.UserID,
		CategoryGroup:   rec.CategoryGroup,
		PrimaryCategory: rec.PrimaryCategory,
		StartTime:       t,
		EndTime:         t,
		Snippet:         transcript.Snippet(rec.Transcript, snippetChars),
		Summary:         rec.ParentNotification,
		AvgSentiment:    rec.SentimentScore,
		MaxToxicity:     rec.Toxicity,
		Count:           1,
		ResultIDs:       []string{rec.ID},
		AbuseFlag:       rec.AbuseFlag,
		Visible:         true,
	}
}

// Merge folds an analysis into a copy of ep. The mean is updated
// incrementally and the group never changes. The bounds only widen, so an
// analysis stamped before start_time moves start_time back.
func Merge(ep database.Episode, rec analysis.Record, t time.Time) database.Episode {
	n := float64(ep.Count)
	ep.AvgSentiment = (ep.AvgSentiment*n + rec.SentimentScore) / (n + 1)
	ep.MaxToxicity = math.Max(ep.MaxToxicity, rec.Toxicity)
	ep.Count++
	ep.AbuseFlag = ep.AbuseFlag || rec.AbuseFlag
	if t.After(ep.EndTime) {
		ep.EndTime = t
	}
	if t.Before(ep.StartTime) {
		ep.StartTime = t
	}
	if rec.ParentNotification != "" {
		ep.Summary = rec.ParentNotification
	}
	ep.ResultIDs = append(append([]string(nil), ep.ResultIDs...), rec.ID)
	ep.Visible = true
	return ep
}

// Apply places a persisted analysis on its user's timeline at time t.
func (e *Engine) Apply(ctx context.Context, rec analysis.Record, t time.Time) (Outcome, error) {
	if !e.IsVisible(rec) {
		e.metrics.ObserveEpisode(string(ActionHidden))
		return Outcome{Action: ActionHidden}, nil
	}
	t = t.UTC()

	unlock := e.lockUser(rec.UserID)
	defer unlock()

	window := e.cats.MergeWindow(rec.CategoryGroup)
	for attempt := 0; ; attempt++ {
		last, err := e.store.FetchLastEpisode(ctx, rec.UserID)
		if err != nil && !errors.Is(err, database.ErrNotFound) {
			return Outcome{}, err
		}

		if !ShouldMerge(last, rec.CategoryGroup, t, window) {
			ep := Seed(rec, t)
			if _, err := e.store.UpsertEpisode(ctx, ep, 0); err != nil {
				return Outcome{}, err
			}
			e.metrics.ObserveEpisode(string(ActionCreated))
			return Outcome{Action: ActionCreated, Episode: ep}, nil
		}

		merged := Merge(*last, rec, t)
		_, err = e.store.UpsertEpisode(ctx, &merged, last.Count)
		if err == nil {
			e.metrics.ObserveEpisode(string(ActionMerged))
			return Outcome{Action: ActionMerged, Episode: &merged}, nil
		}
		if !errors.Is(err, database.ErrConflict) {
			return Outcome{}, err
		}

		e.metrics.ObserveConflict()
		if attempt+1 >= e.maxRetries {
			return Outcome{}, fmt.Errorf("merging into episode %d after %d attempts: %w", last.ID, attempt+1, err)
		}
		e.logger.Debug("episode changed concurrently, retrying",
			zap.String("user_id", rec.UserID), zap.Int64("episode_id", last.ID), zap.Int("attempt", attempt+1))
	}
}

func (e *Engine) lockUser(userID string) func() {
	e.mu.Lock()
	l, ok := e.users[userID]
	if !ok {
		l = &userLock{}
		e.users[userID] = l
	}
	l.refs++
	e.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		e.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(e.users, userID)
		}
		e.mu.Unlock()
	}
}

// lockedUsers is the number of users with a live lock entry.
func (e *Engine) lockedUsers() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.users)
}

func toSet(items []string) map[string]bool {
	m := make(map[string]bool, len(items))
	for _, it := range items {
		m[it] = true
	}
	return m
}
