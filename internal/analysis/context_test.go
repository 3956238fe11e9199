package analysis

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewHasDefaults(t *testing.T) {
	c := New("a1", "u1", "hello", time.Date(2025, 3, 1, 10, 0, 0, 0, time.FixedZone("CET", 3600)))

	assert.Equal(t, time.UTC, c.Timestamp.Location())
	assert.Equal(t, DefaultPrimaryCategory, c.Category.Primary)
	assert.Equal(t, DefaultCategoryGroup, c.Category.Group)
	assert.Equal(t, SentimentNeutral, c.Sentiment.Label)
	assert.Equal(t, "hello", c.Text())
	assert.Empty(t, c.Notification.Recommendations)
}

func TestRecordCarriesRequiredKeys(t *testing.T) {
	c := New("a1", "u1", "hello", time.Now())
	payload, err := c.Record().Payload()
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(payload, &m))
	for _, k := range RequiredKeys {
		assert.Contains(t, m, k)
	}
	assert.Equal(t, []any{}, m["recommendations"])
	assert.Equal(t, "", m["parent_notification"])
}

func TestMergeLaterSectionWins(t *testing.T) {
	c := New("a1", "u1", "x", time.Now())
	c.Merge(Partial{Category: &Category{Primary: "Lunch", Group: "Meals"}})
	c.Merge(Partial{Category: &Category{Primary: "Nap"}})

	assert.Equal(t, "Nap", c.Category.Primary)
	// empty group falls back to the default, not the earlier value
	assert.Equal(t, DefaultCategoryGroup, c.Category.Group)
}

func TestMergeLanguageChangesWorkingText(t *testing.T) {
	c := New("a1", "u1", "Iss auf", time.Now())
	c.Merge(Partial{Language: &Language{Code: "de", Text: "Eat up", Translated: true}})

	assert.Equal(t, "Eat up", c.Text())
	assert.Equal(t, "Iss auf", c.Transcript())
	assert.True(t, c.Record().Translated)
}

func TestMarkError(t *testing.T) {
	c := New("a1", "u1", "x", time.Now())
	c.MarkError("sarcasm", errors.New("timeout"))
	c.MarkError("toxicity", errors.New("down"))
	c.MarkError("ignored", nil)

	assert.Equal(t, []string{"sarcasm", "toxicity"}, c.FailedStages())
	assert.Equal(t, "timeout", c.Record().Errors["sarcasm"])
}

func TestToxicityMean(t *testing.T) {
	assert.Equal(t, 0.0, Toxicity{}.Mean())
	assert.InDelta(t, 0.3, Toxicity{Scores: []float64{0.2, 0.4}}.Mean(), 1e-12)
}

func TestDecodeRecordRoundTrip(t *testing.T) {
	c := New("a1", "u1", "x", time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC))
	c.Decision = Decision{Notify: true, Reason: "r"}
	payload, err := c.Record().Payload()
	require.NoError(t, err)

	r, err := DecodeRecord(payload)
	require.NoError(t, err)
	assert.True(t, r.SendNotification)
	assert.True(t, r.Timestamp.Equal(c.Timestamp))
}
