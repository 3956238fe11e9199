// Package analysis defines the per-transcript analysis record and the rules
// for merging stage outputs into it.
package analysis

import (
	"sort"
	"time"
)

const (
	DefaultPrimaryCategory = "Uncategorised"
	DefaultCategoryGroup   = "General"
	SentimentNeutral       = "Neutral"
	SentimentPositive      = "Positive"
	SentimentNegative      = "Negative"
)

type Toxicity struct {
	Max    float64
	Scores []float64
}

// Mean is the arithmetic mean of the per-utterance scores, 0 when empty.
func (t Toxicity) Mean() float64 {
	if len(t.Scores) == 0 {
		return 0
	}
	var sum float64
	for _, s := range t.Scores {
		sum += s
	}
	return sum / float64(len(t.Scores))
}

type Sentiment struct {
	Label  string
	Score  float64
	Scores []float64

	// coarse descriptors derived from the label
	ToneLabel           string
	EmpathyLabel        string
	ResponsivenessLabel string
}

type Category struct {
	Primary   string
	Group     string
	Secondary []string
}

type SarcasmLine struct {
	Text         string  `json:"text"`
	ProbIrony    float64 `json:"prob_irony"`
	ProbNonIrony float64 `json:"prob_non_irony"`
}

type Sarcasm struct {
	Max   float64
	Lines []SarcasmLine
}

// Caregiver holds LLM-sourced quality scores in [1,10]; 0 means unscored.
type Caregiver struct {
	Score          int
	Tone           int
	Empathy        int
	Responsiveness int
	Justification  string
}

type Decision struct {
	Notify bool
	Abuse  bool
	Reason string
}

type Recommendation struct {
	Category    string `json:"category"`
	Description string `json:"description"`
}

type Notification struct {
	Text            string
	Recommendations []Recommendation
}

type Language struct {
	Code       string
	Text       string
	Translated bool
}

// Context accumulates everything known about one transcript. It is owned by
// a single pipeline run until persisted.
type Context struct {
	ID        string
	UserID    string
	Timestamp time.Time

	transcript string
	Language   Language

	Toxicity     Toxicity
	Sentiment    Sentiment
	Category     Category
	Sarcasm      Sarcasm
	Caregiver    Caregiver
	Decision     Decision
	Notification Notification

	// Errors maps a stage name to its failure message.
	Errors map[string]string
}

// New returns a context with every required field at its typed default.
func New(id, userID, transcript string, ts time.Time) *Context {
	return &Context{
		ID:         id,
		UserID:     userID,
		Timestamp:  ts.UTC(),
		transcript: transcript,
		Language:   Language{Text: transcript},
		Toxicity:   Toxicity{Scores: []float64{}},
		Sentiment: Sentiment{
			Label:  SentimentNeutral,
			Scores: []float64{},
		},
		Category: Category{
			Primary:   DefaultPrimaryCategory,
			Group:     DefaultCategoryGroup,
			Secondary: []string{},
		},
		Sarcasm:      Sarcasm{Lines: []SarcasmLine{}},
		Notification: Notification{Recommendations: []Recommendation{}},
		Errors:       map[string]string{},
	}
}

// Transcript is the text as submitted. It never changes.
func (c *Context) Transcript() string { return c.transcript }

// Text is the working text for analysis stages: the normalized transcript
// when language normalization ran, otherwise the original.
func (c *Context) Text() string {
	if c.Language.Text != "" {
		return c.Language.Text
	}
	return c.transcript
}

// Clone returns a copy safe to hand to a concurrently running stage. Slices
// are shared; Merge replaces them rather than writing into them.
func (c *Context) Clone() *Context {
	cp := *c
	cp.Errors = make(map[string]string, len(c.Errors))
	for k, v := range c.Errors {
		cp.Errors[k] = v
	}
	return &cp
}

// Partial is the output of one stage. Only non-nil sections are applied.
type Partial struct {
	Language     *Language
	Toxicity     *Toxicity
	Sentiment    *Sentiment
	Category     *Category
	Sarcasm      *Sarcasm
	Caregiver    *Caregiver
	Notification *Notification
}

// Merge applies p to c. Sections later in merge order overwrite earlier ones,
// so callers must merge partials in a fixed order.
func (c *Context) Merge(p Partial) {
	if p.Language != nil {
		c.Language = *p.Language
	}
	if p.Toxicity != nil {
		c.Toxicity = *p.Toxicity
		if c.Toxicity.Scores == nil {
			c.Toxicity.Scores = []float64{}
		}
	}
	if p.Sentiment != nil {
		c.Sentiment = *p.Sentiment
		if c.Sentiment.Label == "" {
			c.Sentiment.Label = SentimentNeutral
		}
		if c.Sentiment.Scores == nil {
			c.Sentiment.Scores = []float64{}
		}
	}
	if p.Category != nil {
		c.Category = *p.Category
		if c.Category.Primary == "" {
			c.Category.Primary = DefaultPrimaryCategory
		}
		if c.Category.Group == "" {
			c.Category.Group = DefaultCategoryGroup
		}
		if c.Category.Secondary == nil {
			c.Category.Secondary = []string{}
		}
	}
	if p.Sarcasm != nil {
		c.Sarcasm = *p.Sarcasm
		if c.Sarcasm.Lines == nil {
			c.Sarcasm.Lines = []SarcasmLine{}
		}
	}
	if p.Caregiver != nil {
		c.Caregiver = *p.Caregiver
	}
	if p.Notification != nil {
		c.Notification = *p.Notification
		if c.Notification.Recommendations == nil {
			c.Notification.Recommendations = []Recommendation{}
		}
	}
}

// MarkError records a stage failure.
func (c *Context) MarkError(stage string, err error) {
	if err == nil {
		return
	}
	if c.Errors == nil {
		c.Errors = map[string]string{}
	}
	c.Errors[stage] = err.Error()
}

// FailedStages lists stages with an error marker, sorted.
func (c *Context) FailedStages() []string {
	out := make([]string, 0, len(c.Errors))
	for s := range c.Errors {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
