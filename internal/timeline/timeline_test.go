package timeline

import (
	"context"
	"fmt"
	"math/rand"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TobiSchelling/caremonitor/internal/analysis"
	"github.com/TobiSchelling/caremonitor/internal/config"
	"github.com/TobiSchelling/caremonitor/internal/database"
)

var base = time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)

func openTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func newEngine(t *testing.T, store Store) *Engine {
	t.Helper()
	cats, err := config.ParseCategories(map[string]any{
		"Meals":    map[string]any{"items": []any{"Lunch", "Snack"}, "merge_window_min": 30},
		"Outdoor":  map[string]any{"items": []any{"Park"}, "merge_window_min": 60},
		"Learning": []any{"First Word", "Reading"},
	}, 30*time.Minute)
	require.NoError(t, err)
	return New(store, Options{
		Categories:   cats,
		Milestones:   []string{"First Word", "First Steps"},
		AnchorGroups: []string{"Meals", "Sleep", "Hygiene", "Health", "Safety"},
	}, nil, nil)
}

func record(id, category, group string, sentiment, toxicity float64) analysis.Record {
	c := analysis.New(id, "u1", "[00:01] Caregiver: Time to eat.\n[00:04] Child: Okay!", base)
	c.Category = analysis.Category{Primary: category, Group: group, Secondary: []string{}}
	c.Sentiment.Score = sentiment
	c.Toxicity.Max = toxicity
	return c.Record()
}

func TestApplyMergesWithinWindow(t *testing.T) {
	db := openTestDB(t)
	e := newEngine(t, db)
	ctx := context.Background()

	out, err := e.Apply(ctx, record("a1", "Lunch", "Meals", 0.4, 0.1), base)
	require.NoError(t, err)
	assert.Equal(t, ActionCreated, out.Action)

	out, err = e.Apply(ctx, record("a2", "Snack", "Meals", -0.2, 0.3), base.Add(10*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, ActionMerged, out.Action)

	eps, err := db.ListRecentEpisodes(ctx, "u1", 10)
	require.NoError(t, err)
	require.Len(t, eps, 1)
	ep := eps[0]
	assert.Equal(t, 2, ep.Count)
	assert.InDelta(t, 0.1, ep.AvgSentiment, 1e-9)
	assert.Equal(t, 0.3, ep.MaxToxicity)
	assert.Equal(t, []string{"a1", "a2"}, ep.ResultIDs)
	assert.True(t, ep.StartTime.Equal(base))
	assert.True(t, ep.EndTime.Equal(base.Add(10*time.Minute)))
	assert.Equal(t, "Lunch", ep.PrimaryCategory)
	assert.Equal(t, "[00:01] Caregiver: Time to eat.", ep.Snippet)
}

func TestApplyOutsideWindowCreatesNewEpisode(t *testing.T) {
	db := openTestDB(t)
	e := newEngine(t, db)
	ctx := context.Background()

	_, err := e.Apply(ctx, record("a1", "Lunch", "Meals", 0.4, 0.1), base)
	require.NoError(t, err)
	out, err := e.Apply(ctx, record("a2", "Lunch", "Meals", 0.4, 0.1), base.Add(40*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, ActionCreated, out.Action)

	eps, err := db.ListRecentEpisodes(ctx, "u1", 10)
	require.NoError(t, err)
	assert.Len(t, eps, 2)
}

func TestApplyDifferentGroupCreatesNewEpisode(t *testing.T) {
	db := openTestDB(t)
	e := newEngine(t, db)
	ctx := context.Background()

	_, err := e.Apply(ctx, record("a1", "Lunch", "Meals", 0, 0), base)
	require.NoError(t, err)

	rec := record("a2", "Park", "Outdoor", 0, 0)
	rec.SendNotification = true
	out, err := e.Apply(ctx, rec, base.Add(5*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, ActionCreated, out.Action)
	assert.Equal(t, "Outdoor", out.Episode.CategoryGroup)
}

func TestVisibility(t *testing.T) {
	e := newEngine(t, nil)

	assert.True(t, e.IsVisible(record("a", "Lunch", "Meals", 0, 0)), "anchor group")
	assert.False(t, e.IsVisible(record("a", "Park", "Outdoor", 0, 0)), "no flags")
	assert.True(t, e.IsVisible(record("a", "First Word", "Learning", 0, 0)), "milestone")
	assert.False(t, e.IsVisible(record("a", "Reading", "Learning", 0, 0)))

	notify := record("a", "Park", "Outdoor", 0, 0)
	notify.SendNotification = true
	assert.True(t, e.IsVisible(notify))

	abuse := record("a", "Park", "Outdoor", 0, 0)
	abuse.AbuseFlag = true
	assert.True(t, e.IsVisible(abuse))
}

func TestApplyHiddenWritesNothing(t *testing.T) {
	db := openTestDB(t)
	e := newEngine(t, db)
	ctx := context.Background()

	out, err := e.Apply(ctx, record("a1", "Park", "Outdoor", 0, 0), base)
	require.NoError(t, err)
	assert.Equal(t, ActionHidden, out.Action)
	assert.Nil(t, out.Episode)

	_, err = db.FetchLastEpisode(ctx, "u1")
	assert.ErrorIs(t, err, database.ErrNotFound)
}

func TestIncrementalMeanMatchesDirectMean(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	values := make([]float64, 50)
	for i := range values {
		values[i] = rng.Float64()*2 - 1
	}

	ep := *Seed(record("a0", "Lunch", "Meals", values[0], 0), base)
	sum := values[0]
	for i, v := range values[1:] {
		ep = Merge(ep, record(fmt.Sprintf("a%d", i+1), "Lunch", "Meals", v, 0), base.Add(time.Duration(i+1)*time.Minute))
		sum += v
	}
	assert.Equal(t, len(values), ep.Count)
	assert.InDelta(t, sum/float64(len(values)), ep.AvgSentiment, 1e-9)
	assert.Len(t, ep.ResultIDs, len(values))
}

func TestMergeKeepsInvariants(t *testing.T) {
	first := record("a1", "Lunch", "Meals", 0.5, 0.7)
	first.AbuseFlag = true
	first.ParentNotification = "Lunch got tense."
	ep := *Seed(first, base)

	later := Merge(ep, record("a2", "Snack", "Meals", 0, 0.1), base.Add(-5*time.Minute))
	assert.Equal(t, "Meals", later.CategoryGroup)
	assert.Equal(t, "Lunch", later.PrimaryCategory)
	assert.True(t, later.EndTime.Equal(base), "end time must not move backwards")
	assert.True(t, later.StartTime.Equal(base.Add(-5*time.Minute)), "start time widens to the earlier analysis")
	assert.Equal(t, 0.7, later.MaxToxicity)
	assert.True(t, later.AbuseFlag)
	assert.Equal(t, "Lunch got tense.", later.Summary, "summary carried forward")
	assert.Equal(t, []string{"a1"}, ep.ResultIDs, "input episode not modified")
}

func TestShouldMergeBoundary(t *testing.T) {
	last := &database.Episode{CategoryGroup: "Meals", EndTime: base}
	assert.True(t, ShouldMerge(last, "Meals", base.Add(30*time.Minute), 30*time.Minute))
	assert.False(t, ShouldMerge(last, "Meals", base.Add(30*time.Minute+time.Second), 30*time.Minute))
	assert.True(t, ShouldMerge(last, "Meals", base.Add(-10*time.Minute), 30*time.Minute))
	assert.False(t, ShouldMerge(nil, "Meals", base, 30*time.Minute))
}

func TestApplyTieBreakUsesNewestEpisode(t *testing.T) {
	db := openTestDB(t)
	e := newEngine(t, db)
	ctx := context.Background()

	_, err := db.InsertEpisode(ctx, Seed(record("a1", "Park", "Outdoor", 0, 0), base))
	require.NoError(t, err)
	newest := Seed(record("a2", "Lunch", "Meals", 0, 0), base)
	_, err = db.InsertEpisode(ctx, newest)
	require.NoError(t, err)

	out, err := e.Apply(ctx, record("a3", "Snack", "Meals", 0, 0), base.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, ActionMerged, out.Action)
	assert.Equal(t, newest.ID, out.Episode.ID)
}

// conflictingStore fails the first n updates with ErrConflict.
type conflictingStore struct {
	*database.DB
	n       int
	updates int
}

func (s *conflictingStore) UpsertEpisode(ctx context.Context, ep *database.Episode, expected int) (int64, error) {
	if ep.ID == 0 {
		return s.DB.UpsertEpisode(ctx, ep, expected)
	}
	s.updates++
	if s.updates <= s.n {
		return 0, fmt.Errorf("episode %d: %w", ep.ID, database.ErrConflict)
	}
	return s.DB.UpsertEpisode(ctx, ep, expected)
}

func TestApplyRetriesOnConflict(t *testing.T) {
	store := &conflictingStore{DB: openTestDB(t), n: 2}
	e := newEngine(t, store)
	ctx := context.Background()

	_, err := e.Apply(ctx, record("a1", "Lunch", "Meals", 0, 0), base)
	require.NoError(t, err)
	out, err := e.Apply(ctx, record("a2", "Lunch", "Meals", 0, 0), base.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, ActionMerged, out.Action)
	assert.Equal(t, 3, store.updates)
}

func TestApplyGivesUpAfterRetries(t *testing.T) {
	store := &conflictingStore{DB: openTestDB(t), n: 100}
	e := newEngine(t, store)
	ctx := context.Background()

	_, err := e.Apply(ctx, record("a1", "Lunch", "Meals", 0, 0), base)
	require.NoError(t, err)
	_, err = e.Apply(ctx, record("a2", "Lunch", "Meals", 0, 0), base.Add(time.Minute))
	assert.ErrorIs(t, err, database.ErrConflict)
	assert.Equal(t, defaultMaxRetries, store.updates)
}

func TestApplyConcurrentSameUser(t *testing.T) {
	db := openTestDB(t)
	e := newEngine(t, db)
	ctx := context.Background()

	_, err := e.Apply(ctx, record("seed", "Lunch", "Meals", 0, 0), base)
	require.NoError(t, err)

	const n = 16
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = e.Apply(ctx, record(fmt.Sprintf("a%d", i), "Lunch", "Meals", 0, 0), base.Add(time.Minute))
		}()
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	eps, err := db.ListRecentEpisodes(ctx, "u1", 10)
	require.NoError(t, err)
	require.Len(t, eps, 1)
	assert.Equal(t, n+1, eps[0].Count)
	assert.Len(t, eps[0].ResultIDs, n+1)
}

func TestApplyEarlierAnalysisWidensStart(t *testing.T) {
	db := openTestDB(t)
	e := newEngine(t, db)
	ctx := context.Background()

	_, err := e.Apply(ctx, record("a1", "Lunch", "Meals", 0, 0), base)
	require.NoError(t, err)
	early := base.Add(-20 * time.Minute)
	out, err := e.Apply(ctx, record("a2", "Lunch", "Meals", 0, 0), early)
	require.NoError(t, err)
	require.Equal(t, ActionMerged, out.Action)
	assert.Equal(t, 2, out.Episode.Count)
	assert.True(t, out.Episode.StartTime.Equal(early), "start = %v", out.Episode.StartTime)
	assert.True(t, out.Episode.EndTime.Equal(base), "end = %v", out.Episode.EndTime)

	stored, err := db.GetEpisode(ctx, out.Episode.ID)
	require.NoError(t, err)
	assert.True(t, stored.StartTime.Equal(early), "stored start = %v", stored.StartTime)
	assert.True(t, stored.EndTime.Equal(base), "stored end = %v", stored.EndTime)
}

func TestUserLocksAreReleased(t *testing.T) {
	e := newEngine(t, openTestDB(t))
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec := record(fmt.Sprintf("a%d", i), "Lunch", "Meals", 0, 0)
			rec.UserID = fmt.Sprintf("u%d", i%3)
			_, err := e.Apply(ctx, rec, base)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Zero(t, e.lockedUsers())
}
