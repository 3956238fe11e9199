// Package decision turns numeric analysis signals into the notify and abuse
// outcomes. Everything here is a pure function of its input.
package decision

import (
	"fmt"
	"math"
	"strings"

	"github.com/TobiSchelling/caremonitor/internal/analysis"
)

// HighPriorityCategories always warrant a parent notification.
var HighPriorityCategories = map[string]bool{
	"Feeding":       true,
	"Health":        true,
	"Safety":        true,
	"Medication":    true,
	"Emotions":      true,
	"Accident":      true,
	"Sleep-Routine": true,
	"Devices":       true,
}

// sensitiveGroups lower the toxicity bar for abuse.
var sensitiveGroups = map[string]bool{
	"Safety":     true,
	"Health":     true,
	"Discipline": true,
}

// Input is the subset of an analysis the decision depends on.
type Input struct {
	ToxicityMax     float64
	ToxicityScores  []float64
	SentimentScore  float64
	Sarcasm         float64
	CaregiverScore  int
	PrimaryCategory string
	CategoryGroup   string
}

// InputFrom extracts the decision input from a context.
func InputFrom(c *analysis.Context) Input {
	return Input{
		ToxicityMax:     c.Toxicity.Max,
		ToxicityScores:  c.Toxicity.Scores,
		SentimentScore:  c.Sentiment.Score,
		Sarcasm:         c.Sarcasm.Max,
		CaregiverScore:  c.Caregiver.Score,
		PrimaryCategory: c.Category.Primary,
		CategoryGroup:   c.Category.Group,
	}
}

type condition struct {
	name string
	hit  func(in Input, toxMean float64) bool
}

var abuseConditions = []condition{
	{"toxicity_max>=0.60", func(in Input, _ float64) bool {
		return in.ToxicityMax >= 0.60
	}},
	{"toxicity_max>=0.45 with sentiment<=-0.5 and sarcasm<0.4", func(in Input, _ float64) bool {
		return in.ToxicityMax >= 0.45 && in.SentimentScore <= -0.5 && in.Sarcasm < 0.4
	}},
	{"toxicity_mean>=0.35 with sentiment<=-0.3 and sarcasm<0.3", func(in Input, mean float64) bool {
		return mean >= 0.35 && in.SentimentScore <= -0.3 && in.Sarcasm < 0.3
	}},
	{"sensitive group with toxicity_max>=0.45", func(in Input, _ float64) bool {
		return sensitiveGroups[in.CategoryGroup] && in.ToxicityMax >= 0.45
	}},
	// The 0.005 toxicity floor is far below every other threshold. It is kept
	// as calibrated; treat it as a tuning artifact when revisiting thresholds.
	{"sarcasm>=0.80 with toxicity_max>=0.005", func(in Input, _ float64) bool {
		return in.Sarcasm >= 0.80 && in.ToxicityMax >= 0.005
	}},
	{"caregiver_score<=3 with sarcasm>=0.70", func(in Input, _ float64) bool {
		return in.CaregiverScore <= 3 && in.Sarcasm >= 0.70
	}},
}

var notifyConditions = []condition{
	{"high-priority category", func(in Input, _ float64) bool {
		return HighPriorityCategories[in.PrimaryCategory]
	}},
	{"toxicity_max>0.35 with neutral sentiment", func(in Input, _ float64) bool {
		return in.ToxicityMax > 0.35 && math.Abs(in.SentimentScore) < 0.2
	}},
	{"sarcasm>0.88 with sentiment<0.2", func(in Input, _ float64) bool {
		return in.Sarcasm > 0.88 && in.SentimentScore < 0.2
	}},
	{"caregiver_score<=5 with toxicity_max>0.1", func(in Input, _ float64) bool {
		return in.CaregiverScore <= 5 && in.ToxicityMax > 0.1
	}},
	{"sentiment<-0.7 with caregiver_score<=4", func(in Input, _ float64) bool {
		return in.SentimentScore < -0.7 && in.CaregiverScore <= 4
	}},
}

// Decide evaluates the abuse and notification disjunctions independently.
// Reason names every condition that fired.
func Decide(in Input) analysis.Decision {
	mean := analysis.Toxicity{Scores: in.ToxicityScores}.Mean()

	abuse := fired(abuseConditions, in, mean)
	notify := fired(notifyConditions, in, mean)

	var parts []string
	if len(abuse) > 0 {
		parts = append(parts, "abuse: "+strings.Join(abuse, "; "))
	}
	if len(notify) > 0 {
		parts = append(parts, "notify: "+strings.Join(notify, "; "))
	}
	reason := "no condition met"
	if len(parts) > 0 {
		reason = strings.Join(parts, " | ")
	}

	return analysis.Decision{
		Notify: len(notify) > 0,
		Abuse:  len(abuse) > 0,
		Reason: reason,
	}
}

func fired(conds []condition, in Input, mean float64) []string {
	var out []string
	for _, c := range conds {
		if c.hit(in, mean) {
			out = append(out, c.name)
		}
	}
	return out
}

// DescribeInput renders the numeric input for prompts and logs.
func DescribeInput(in Input) string {
	return fmt.Sprintf("toxicity_max=%.3f sentiment=%.3f sarcasm=%.3f caregiver_score=%d category=%s/%s",
		in.ToxicityMax, in.SentimentScore, in.Sarcasm, in.CaregiverScore, in.PrimaryCategory, in.CategoryGroup)
}
