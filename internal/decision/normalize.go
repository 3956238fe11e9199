package decision

import (
	"math"
	"strconv"
	"strings"

	"github.com/TobiSchelling/caremonitor/internal/analysis"
)

const (
	MinScore = 1
	MaxScore = 10

	MaxRecommendations         = 3
	MaxRecommendationChars     = 140
	MaxNotificationChars       = 180
	DefaultRecommendationGroup = "General"
)

// ClampScore rounds an LLM-sourced score to the nearest integer within
// [1,10]. Out-of-range values clamp to the nearest bound; values that are
// not numbers at all clamp to the lower bound.
func ClampScore(v any) int {
	f, ok := toFloat(v)
	if !ok || math.IsNaN(f) {
		return MinScore
	}
	if math.IsInf(f, 1) {
		return MaxScore
	}
	if math.IsInf(f, -1) {
		return MinScore
	}
	r := math.Round(f)
	if r < MinScore {
		return MinScore
	}
	if r > MaxScore {
		return MaxScore
	}
	return int(r)
}

// NormalizeRecommendations accepts the shapes LLMs produce for the
// recommendations field: a list of objects, a single object or a bare
// string. At most three entries are kept, descriptions cut to 140 chars.
func NormalizeRecommendations(v any) []analysis.Recommendation {
	var items []any
	switch t := v.(type) {
	case nil:
		return []analysis.Recommendation{}
	case []any:
		items = t
	case map[string]any:
		items = []any{t}
	case string:
		if strings.TrimSpace(t) == "" {
			return []analysis.Recommendation{}
		}
		items = []any{t}
	case []analysis.Recommendation:
		for _, r := range t {
			items = append(items, map[string]any{"category": r.Category, "description": r.Description})
		}
	default:
		return []analysis.Recommendation{}
	}

	out := make([]analysis.Recommendation, 0, MaxRecommendations)
	for _, item := range items {
		if len(out) == MaxRecommendations {
			break
		}
		switch r := item.(type) {
		case string:
			out = append(out, analysis.Recommendation{
				Category:    DefaultRecommendationGroup,
				Description: truncate(r, MaxRecommendationChars),
			})
		case map[string]any:
			cat, _ := r["category"].(string)
			if strings.TrimSpace(cat) == "" {
				cat = DefaultRecommendationGroup
			}
			desc, _ := r["description"].(string)
			out = append(out, analysis.Recommendation{
				Category:    cat,
				Description: truncate(desc, MaxRecommendationChars),
			})
		}
	}
	return out
}

// NormalizeNotificationText trims and cuts the parent-facing text.
func NormalizeNotificationText(v any) string {
	s, _ := v.(string)
	return truncate(strings.TrimSpace(s), MaxNotificationChars)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
