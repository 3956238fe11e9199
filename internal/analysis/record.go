package analysis

import (
	"encoding/json"
	"fmt"
	"time"
)

// Record is the persisted, flat form of a completed Context. Once written it
// is never modified; timelines and aggregates are derived from it.
type Record struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	Timestamp  time.Time `json:"timestamp"`
	Transcript string    `json:"transcript"`
	Language   string    `json:"language,omitempty"`
	Translated bool      `json:"translation_used"`

	Toxicity       float64   `json:"toxicity"`
	ToxicityScores []float64 `json:"toxicity_scores"`

	Sentiment           string    `json:"sentiment"`
	SentimentScore      float64   `json:"sentiment_score"`
	SentimentScores     []float64 `json:"sentiment_scores"`
	ToneLabel           string    `json:"tone_label,omitempty"`
	EmpathyLabel        string    `json:"empathy_label,omitempty"`
	ResponsivenessLabel string    `json:"responsiveness_label,omitempty"`

	PrimaryCategory     string   `json:"primary_category"`
	CategoryGroup       string   `json:"category_group"`
	SecondaryCategories []string `json:"secondary_categories"`

	Sarcasm      float64       `json:"sarcasm"`
	SarcasmLines []SarcasmLine `json:"sarcasm_lines"`

	CaregiverScore int    `json:"caregiver_score"`
	Tone           int    `json:"tone"`
	Empathy        int    `json:"empathy"`
	Responsiveness int    `json:"responsiveness"`
	Justification  string `json:"justification"`

	SendNotification   bool             `json:"send_notification"`
	AbuseFlag          bool             `json:"abuse_flag"`
	DecisionReason     string           `json:"decision_reason"`
	ParentNotification string           `json:"parent_notification"`
	Recommendations    []Recommendation `json:"recommendations"`

	Errors map[string]string `json:"errors,omitempty"`
}

// Record flattens the context for persistence.
func (c *Context) Record() Record {
	r := Record{
		ID:         c.ID,
		UserID:     c.UserID,
		Timestamp:  c.Timestamp.UTC(),
		Transcript: c.transcript,
		Language:   c.Language.Code,
		Translated: c.Language.Translated,

		Toxicity:       c.Toxicity.Max,
		ToxicityScores: nonNil(c.Toxicity.Scores),

		Sentiment:           c.Sentiment.Label,
		SentimentScore:      c.Sentiment.Score,
		SentimentScores:     nonNil(c.Sentiment.Scores),
		ToneLabel:           c.Sentiment.ToneLabel,
		EmpathyLabel:        c.Sentiment.EmpathyLabel,
		ResponsivenessLabel: c.Sentiment.ResponsivenessLabel,

		PrimaryCategory:     c.Category.Primary,
		CategoryGroup:       c.Category.Group,
		SecondaryCategories: c.Category.Secondary,

		Sarcasm:      c.Sarcasm.Max,
		SarcasmLines: c.Sarcasm.Lines,

		CaregiverScore: c.Caregiver.Score,
		Tone:           c.Caregiver.Tone,
		Empathy:        c.Caregiver.Empathy,
		Responsiveness: c.Caregiver.Responsiveness,
		Justification:  c.Caregiver.Justification,

		SendNotification:   c.Decision.Notify,
		AbuseFlag:          c.Decision.Abuse,
		DecisionReason:     c.Decision.Reason,
		ParentNotification: c.Notification.Text,
		Recommendations:    c.Notification.Recommendations,
	}
	if r.SecondaryCategories == nil {
		r.SecondaryCategories = []string{}
	}
	if r.SarcasmLines == nil {
		r.SarcasmLines = []SarcasmLine{}
	}
	if r.Recommendations == nil {
		r.Recommendations = []Recommendation{}
	}
	if len(c.Errors) > 0 {
		r.Errors = make(map[string]string, len(c.Errors))
		for k, v := range c.Errors {
			r.Errors[k] = v
		}
	}
	return r
}

// Payload encodes the record as stored JSON.
func (r Record) Payload() ([]byte, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encoding analysis %s: %w", r.ID, err)
	}
	return b, nil
}

// DecodeRecord parses a stored payload.
func DecodeRecord(payload []byte) (Record, error) {
	var r Record
	if err := json.Unmarshal(payload, &r); err != nil {
		return Record{}, fmt.Errorf("decoding analysis payload: %w", err)
	}
	return r, nil
}

// RequiredKeys must be present in every persisted record.
var RequiredKeys = []string{
	"sentiment_score",
	"toxicity",
	"primary_category",
	"caregiver_score",
	"abuse_flag",
	"send_notification",
}

func nonNil(v []float64) []float64 {
	if v == nil {
		return []float64{}
	}
	return v
}
