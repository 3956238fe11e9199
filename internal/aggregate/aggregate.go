// Package aggregate computes rolling per-user summaries over stored
// analyses.
package aggregate

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/TobiSchelling/caremonitor/internal/database"
)

// NumericKeys are the analysis fields averaged per window.
var NumericKeys = []string{
	"sentiment_score",
	"toxicity",
	"sarcasm",
	"caregiver_score",
	"tone",
	"empathy",
	"responsiveness",
}

const (
	Hourly = "hourly"
	Daily  = "daily"
	Weekly = "weekly"

	labelBound = 0.2
)

// Spans maps each window to its length. Weekly is also the fetch bound.
var Spans = map[string]time.Duration{
	Hourly: time.Hour,
	Daily:  24 * time.Hour,
	Weekly: 7 * 24 * time.Hour,
}

// Summary is one window's aggregate.
type Summary struct {
	Means          map[string]float64
	Count          int
	SentimentLabel string
}

// MarshalJSON flattens the means next to count and sentiment_label.
func (s Summary) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(s.Means)+2)
	for k, v := range s.Means {
		m[k] = v
	}
	m["count"] = s.Count
	m["sentiment_label"] = s.SentimentLabel
	return json.Marshal(m)
}

// Result holds the three windows for one user.
type Result struct {
	Hourly Summary `json:"hourly"`
	Daily  Summary `json:"daily"`
	Weekly Summary `json:"weekly"`
}

// Source reads stored analyses.
type Source interface {
	FetchAnalysesSince(ctx context.Context, userID string, since time.Time) ([]database.StoredAnalysis, error)
}

// Aggregator computes rolling windows from a single fetch.
type Aggregator struct {
	src    Source
	logger *zap.Logger
	now    func() time.Time
}

// New creates an aggregator. logger may be nil.
func New(src Source, logger *zap.Logger) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{src: src, logger: logger, now: time.Now}
}

type row struct {
	ts     time.Time
	fields map[string]any
}

// Compute fetches the last seven days once and derives every window from
// that snapshot.
func (a *Aggregator) Compute(ctx context.Context, userID string) (*Result, error) {
	now := a.now().UTC()
	since := now.Add(-Spans[Weekly])

	stored, err := a.src.FetchAnalysesSince(ctx, userID, since)
	if err != nil {
		return nil, fmt.Errorf("aggregating %s: %w", userID, err)
	}

	rows := make([]row, 0, len(stored))
	for _, s := range stored {
		r, err := decodeRow(s)
		if err != nil {
			a.logger.Warn("skipping unreadable analysis", zap.String("id", s.ID), zap.Error(err))
			continue
		}
		if r.ts.Before(since) || r.ts.After(now) {
			continue
		}
		rows = append(rows, r)
	}

	return &Result{
		Hourly: summarize(within(rows, now.Add(-Spans[Hourly]))),
		Daily:  summarize(within(rows, now.Add(-Spans[Daily]))),
		Weekly: summarize(rows),
	}, nil
}

func decodeRow(s database.StoredAnalysis) (row, error) {
	var fields map[string]any
	if err := json.Unmarshal(s.Payload, &fields); err != nil {
		return row{}, fmt.Errorf("decoding payload: %w", err)
	}
	raw := s.Timestamp
	if raw == nil {
		raw = fields["timestamp"]
	}
	ts, err := NormalizeTimestamp(raw)
	if err != nil {
		return row{}, err
	}
	return row{ts: ts, fields: fields}, nil
}

func within(rows []row, cut time.Time) []row {
	var out []row
	for _, r := range rows {
		if !r.ts.Before(cut) {
			out = append(out, r)
		}
	}
	return out
}

// summarize averages each numeric key over the rows where it is present
// and numeric. A key with no usable values averages to 0. Means are kept
// at full precision; the sentiment label is taken from the mean rounded
// to one decimal, so 0.24 is neutral and 0.25 is positive.
func summarize(rows []row) Summary {
	s := Summary{Means: make(map[string]float64, len(NumericKeys)), Count: len(rows)}
	for _, k := range NumericKeys {
		var sum float64
		var n int
		for _, r := range rows {
			if v, ok := r.fields[k].(float64); ok {
				sum += v
				n++
			}
		}
		if n > 0 {
			s.Means[k] = sum / float64(n)
		} else {
			s.Means[k] = 0
		}
	}
	s.SentimentLabel = Label(math.Round(s.Means["sentiment_score"]*10) / 10)
	return s
}

// Label buckets a mean sentiment score.
func Label(v float64) string {
	switch {
	case v > labelBound:
		return "positive"
	case v < -labelBound:
		return "negative"
	}
	return "neutral"
}
