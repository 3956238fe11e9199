package pipeline

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/TobiSchelling/caremonitor/internal/analysis"
	"github.com/TobiSchelling/caremonitor/internal/capability"
	"github.com/TobiSchelling/caremonitor/internal/decision"
	"github.com/TobiSchelling/caremonitor/internal/llm"
	"github.com/TobiSchelling/caremonitor/internal/transcript"
)

type caregiverReply struct {
	CaregiverScore int    `json:"caregiver_score"`
	Tone           int    `json:"tone"`
	Empathy        int    `json:"empathy"`
	Responsiveness int    `json:"responsiveness"`
	Justification  string `json:"justification"`
}

type notificationReply struct {
	ParentNotification string                    `json:"parent_notification"`
	Recommendations    []analysis.Recommendation `json:"recommendations"`
}

var (
	caregiverSchema    = llm.GenerateSchema[caregiverReply]()
	notificationSchema = llm.GenerateSchema[notificationReply]()
)

var caregiverScoreKeys = []string{"caregiver_score", "tone", "empathy", "responsiveness"}

const defaultJustification = "No explanation."

const caregiverSystemPrompt = `You are a child-development expert reviewing how an adult caregiver
handled a conversation with a child. Rate the caregiver on a 1-10 scale (10 = outstanding)
and give 1-10 sub-scores for tone, empathy and responsiveness. Base your judgement only
on the numbers and dialogue provided. Return strict JSON with no extra keys.`

const notificationSystemPrompt = `Parents rely on concise, kind notifications about their child's care.
Write one short paragraph for the parent (parent_notification) and up to 3 recommendations,
each with a category and one sentence of description. Return strict JSON with no extra keys.`

// CaregiverStage asks the LLM for holistic caregiver scores. Scores are
// clamped to [1,10]; a failed call leaves them at 0.
type CaregiverStage struct {
	LLM       llm.Provider
	MaxTokens int
}

func (s *CaregiverStage) Name() string { return StageCaregiver }

func (s *CaregiverStage) Fallback() analysis.Partial {
	return analysis.Partial{Caregiver: &analysis.Caregiver{}}
}

func (s *CaregiverStage) Run(ctx context.Context, in *analysis.Context) (analysis.Partial, error) {
	if s.LLM == nil {
		return analysis.Partial{}, unavailable(StageCaregiver)
	}

	var b strings.Builder
	b.WriteString("### NUMERICAL CONTEXT\n")
	fmt.Fprintf(&b, "Primary topic: %s\n", in.Category.Primary)
	writeSignals(&b, in)
	b.WriteString("\n### CONVERSATION (truncated)\n")
	b.WriteString(transcript.Head(in.Text(), caregiverTextChars))

	out, err := s.LLM.Generate(ctx, llm.Request{
		System:     caregiverSystemPrompt,
		Prompt:     b.String(),
		MaxTokens:  s.MaxTokens,
		SchemaName: "CaregiverReview",
		Schema:     caregiverSchema,
	})
	if err != nil {
		return analysis.Partial{}, fmt.Errorf("%s: %w: %v", StageCaregiver, capability.ErrUnavailable, err)
	}

	m := llm.ExtractJSON(out)
	if llm.IsRaw(m) || !hasAnyKey(m, caregiverScoreKeys) {
		return analysis.Partial{}, fmt.Errorf("%s: %w", StageCaregiver, llm.ErrMalformedOutput)
	}

	cg := analysis.Caregiver{
		Score:          decision.ClampScore(m["caregiver_score"]),
		Tone:           decision.ClampScore(m["tone"]),
		Empathy:        decision.ClampScore(m["empathy"]),
		Responsiveness: decision.ClampScore(m["responsiveness"]),
		Justification:  defaultJustification,
	}
	if j, ok := m["justification"].(string); ok && strings.TrimSpace(j) != "" {
		cg.Justification = strings.TrimSpace(j)
	}
	return analysis.Partial{Caregiver: &cg}, nil
}

// NotificationStage writes the parent-facing text and recommendations,
// grounded on best-practice snippets for the primary category.
type NotificationStage struct {
	LLM       llm.Provider
	Retriever capability.Retriever
	MaxTokens int

	logger *zap.Logger
}

func (s *NotificationStage) Name() string { return StageNotification }

func (s *NotificationStage) Fallback() analysis.Partial {
	return analysis.Partial{Notification: &analysis.Notification{Recommendations: []analysis.Recommendation{}}}
}

func (s *NotificationStage) Run(ctx context.Context, in *analysis.Context) (analysis.Partial, error) {
	if s.LLM == nil {
		return analysis.Partial{}, unavailable(StageNotification)
	}

	var b strings.Builder
	b.WriteString("### CONTEXT METRICS\n")
	fmt.Fprintf(&b, "Category: %s (%s)\n", in.Category.Primary, in.Category.Group)
	writeSignals(&b, in)
	fmt.Fprintf(&b, "Caregiver score (1-10): %d\n", in.Caregiver.Score)
	if in.Decision.Reason != "" {
		fmt.Fprintf(&b, "Flagged because: %s\n", in.Decision.Reason)
	}
	b.WriteString("\n### CONVERSATION (trimmed)\n")
	b.WriteString(transcript.Head(in.Text(), notifyTextChars))
	if practices := s.practices(ctx, in.Category.Primary); len(practices) > 0 {
		b.WriteString("\n\n### BEST PRACTICES\n")
		b.WriteString(strings.Join(practices, "\n"))
	}

	out, err := s.LLM.Generate(ctx, llm.Request{
		System:     notificationSystemPrompt,
		Prompt:     b.String(),
		MaxTokens:  s.MaxTokens,
		SchemaName: "ParentNotification",
		Schema:     notificationSchema,
	})
	if err != nil {
		return analysis.Partial{}, fmt.Errorf("%s: %w: %v", StageNotification, capability.ErrUnavailable, err)
	}

	m := llm.ExtractJSON(out)
	if llm.IsRaw(m) {
		return analysis.Partial{}, fmt.Errorf("%s: %w", StageNotification, llm.ErrMalformedOutput)
	}
	return analysis.Partial{Notification: &analysis.Notification{
		Text:            decision.NormalizeNotificationText(m["parent_notification"]),
		Recommendations: decision.NormalizeRecommendations(m["recommendations"]),
	}}, nil
}

// practices never fails the stage; without snippets the prompt just has
// less grounding.
func (s *NotificationStage) practices(ctx context.Context, category string) []string {
	if s.Retriever == nil {
		return nil
	}
	docs, err := s.Retriever.RetrieveSimilar(ctx, category, practicesPerPrompt)
	if err != nil {
		if s.logger != nil {
			s.logger.Warn("best-practice retrieval failed", zap.String("category", category), zap.Error(err))
		}
		return nil
	}
	return docs
}

func writeSignals(b *strings.Builder, in *analysis.Context) {
	fmt.Fprintf(b, "Avg sentiment score: %.3f\n", in.Sentiment.Score)
	fmt.Fprintf(b, "Sentence sentiments: %s\n", formatScores(in.Sentiment.Scores))
	fmt.Fprintf(b, "Max toxicity: %.3f (mean %.3f)\n", in.Toxicity.Max, in.Toxicity.Mean())
	fmt.Fprintf(b, "Toxicity per caregiver sentence: %s\n", formatScores(in.Toxicity.Scores))
	irony := make([]float64, len(in.Sarcasm.Lines))
	for i, l := range in.Sarcasm.Lines {
		irony[i] = l.ProbIrony
	}
	fmt.Fprintf(b, "Max sarcasm: %.3f\n", in.Sarcasm.Max)
	fmt.Fprintf(b, "Sarcasm per caregiver sentence: %s\n", formatScores(irony))
}

func formatScores(scores []float64) string {
	parts := make([]string, len(scores))
	for i, s := range scores {
		parts[i] = fmt.Sprintf("%.3f", s)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

func hasAnyKey(m map[string]any, keys []string) bool {
	for _, k := range keys {
		if _, ok := m[k]; ok {
			return true
		}
	}
	return false
}
