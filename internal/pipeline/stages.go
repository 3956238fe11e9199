package pipeline

import (
	"context"
	"fmt"
	"math"
	"strings"

	"go.uber.org/zap"

	"github.com/TobiSchelling/caremonitor/internal/analysis"
	"github.com/TobiSchelling/caremonitor/internal/capability"
	"github.com/TobiSchelling/caremonitor/internal/config"
	"github.com/TobiSchelling/caremonitor/internal/llm"
	"github.com/TobiSchelling/caremonitor/internal/transcript"
)

const (
	StageLanguage       = "language"
	StageToxicity       = "toxicity"
	StageSentiment      = "sentiment"
	StageCategorization = "categorization"
	StageSarcasm        = "sarcasm"
	StageCaregiver      = "caregiver"
	StageDecision       = "decision"
	StageNotification   = "notification"
)

const (
	toxicityTextChars   = 2048
	classifierMaxChars  = 512
	sentimentMaxLines   = 128
	categoryTextChars   = 512
	sarcasmLineChars    = 256
	caregiverTextChars  = 2000
	notifyTextChars     = 1200
	sentimentLabelBound = 0.2
	practicesPerPrompt  = 2
)

// BuildStages wires the capability set into the fixed topology. The
// language stage is only present when translation is enabled.
func BuildStages(set *capability.Set, cats *config.Categories, translate bool, maxTokens int, logger *zap.Logger) Stages {
	if logger == nil {
		logger = zap.NewNop()
	}
	st := Stages{
		Wave1: []Stage{
			&ToxicityStage{Client: set.Toxicity},
			&SentimentStage{Client: set.Sentiment},
			&CategorizationStage{Client: set.ZeroShot, Categories: cats},
			&SarcasmStage{Client: set.Sarcasm},
		},
		Caregiver:    &CaregiverStage{LLM: set.LLM, MaxTokens: maxTokens},
		Notification: &NotificationStage{LLM: set.LLM, Retriever: set.Retriever, MaxTokens: maxTokens, logger: logger},
	}
	if translate && set.Normalizer != nil {
		st.Language = &LanguageStage{Normalizer: set.Normalizer}
	}
	return st
}

func unavailable(stage string) error {
	return fmt.Errorf("%s: %w: no client configured", stage, capability.ErrUnavailable)
}

// LanguageStage normalizes the transcript language. On failure the original
// text stays the working text.
type LanguageStage struct {
	Normalizer capability.LanguageNormalizer
}

func (s *LanguageStage) Name() string               { return StageLanguage }
func (s *LanguageStage) Fallback() analysis.Partial { return analysis.Partial{} }

func (s *LanguageStage) Run(ctx context.Context, in *analysis.Context) (analysis.Partial, error) {
	if s.Normalizer == nil {
		return analysis.Partial{}, unavailable(StageLanguage)
	}
	n, err := s.Normalizer.Normalize(ctx, in.Transcript())
	if err != nil {
		return analysis.Partial{}, err
	}
	if transcript.IsBlank(n.Text) {
		return analysis.Partial{}, fmt.Errorf("%s: %w: empty translation", StageLanguage, llm.ErrMalformedOutput)
	}
	return analysis.Partial{Language: &analysis.Language{Code: n.Language, Text: n.Text, Translated: n.Translated}}, nil
}

// ToxicityStage scores every caregiver utterance; the utterance score is its
// highest label probability.
type ToxicityStage struct {
	Client capability.TextClassifier
}

func (s *ToxicityStage) Name() string { return StageToxicity }

func (s *ToxicityStage) Fallback() analysis.Partial {
	return analysis.Partial{Toxicity: &analysis.Toxicity{Scores: []float64{}}}
}

func (s *ToxicityStage) Run(ctx context.Context, in *analysis.Context) (analysis.Partial, error) {
	if s.Client == nil {
		return analysis.Partial{}, unavailable(StageToxicity)
	}
	lines := transcript.CaregiverLines(transcript.Head(in.Text(), toxicityTextChars))
	preds, err := s.Client.ClassifyText(ctx, lines, classifierMaxChars)
	if err != nil {
		return analysis.Partial{}, err
	}

	tox := analysis.Toxicity{Scores: make([]float64, 0, len(preds))}
	for _, labels := range preds {
		score := 0.0
		for _, l := range labels {
			score = math.Max(score, l.Score)
		}
		score = round(score, 3)
		tox.Scores = append(tox.Scores, score)
		tox.Max = math.Max(tox.Max, score)
	}
	return analysis.Partial{Toxicity: &tox}, nil
}

// SentimentStage scores every tagged utterance as P(positive) - P(negative).
type SentimentStage struct {
	Client capability.TextClassifier
}

func (s *SentimentStage) Name() string { return StageSentiment }

func (s *SentimentStage) Fallback() analysis.Partial {
	return analysis.Partial{Sentiment: &analysis.Sentiment{Label: analysis.SentimentNeutral, Scores: []float64{}}}
}

func (s *SentimentStage) Run(ctx context.Context, in *analysis.Context) (analysis.Partial, error) {
	if s.Client == nil {
		return analysis.Partial{}, unavailable(StageSentiment)
	}
	lines := transcript.SpeakerLines(in.Text())
	if len(lines) > sentimentMaxLines {
		lines = lines[:sentimentMaxLines]
	}
	preds, err := s.Client.ClassifyText(ctx, lines, classifierMaxChars)
	if err != nil {
		return analysis.Partial{}, err
	}
	if len(preds) == 0 {
		return analysis.Partial{}, fmt.Errorf("%s: %w: no predictions", StageSentiment, llm.ErrMalformedOutput)
	}

	sent := analysis.Sentiment{Scores: make([]float64, 0, len(preds))}
	var sum float64
	for _, labels := range preds {
		var pos, neg float64
		for _, l := range labels {
			switch strings.ToLower(l.Label) {
			case "label_2", "positive":
				pos = l.Score
			case "label_0", "negative":
				neg = l.Score
			}
		}
		score := round(pos-neg, 3)
		sent.Scores = append(sent.Scores, score)
		sum += score
	}
	sent.Score = round(sum/float64(len(sent.Scores)), 3)
	sent.Label = SentimentLabel(sent.Score)
	sent.ToneLabel, sent.EmpathyLabel, sent.ResponsivenessLabel = describeSentiment(sent.Label)
	return analysis.Partial{Sentiment: &sent}, nil
}

// SentimentLabel buckets a score at ±0.2.
func SentimentLabel(score float64) string {
	switch {
	case score > sentimentLabelBound:
		return analysis.SentimentPositive
	case score < -sentimentLabelBound:
		return analysis.SentimentNegative
	}
	return analysis.SentimentNeutral
}

func describeSentiment(label string) (tone, empathy, responsiveness string) {
	switch label {
	case analysis.SentimentPositive:
		return "Playful", "High", "Engaged"
	case analysis.SentimentNegative:
		return "Harsh", "Low", "Passive"
	}
	return "Calm", "Moderate", "Engaged"
}

// CategorizationStage ranks every configured category label against the
// start of the transcript.
type CategorizationStage struct {
	Client     capability.ZeroShotClassifier
	Categories *config.Categories
}

func (s *CategorizationStage) Name() string { return StageCategorization }

func (s *CategorizationStage) Fallback() analysis.Partial {
	return analysis.Partial{Category: &analysis.Category{
		Primary:   analysis.DefaultPrimaryCategory,
		Group:     analysis.DefaultCategoryGroup,
		Secondary: []string{},
	}}
}

func (s *CategorizationStage) Run(ctx context.Context, in *analysis.Context) (analysis.Partial, error) {
	if s.Client == nil {
		return analysis.Partial{}, unavailable(StageCategorization)
	}
	labels := s.Categories.Labels()
	if len(labels) == 0 {
		return s.Fallback(), nil
	}
	res, err := s.Client.ZeroShotClassify(ctx, transcript.Head(in.Text(), categoryTextChars), labels)
	if err != nil {
		return analysis.Partial{}, err
	}

	cat := analysis.Category{
		Primary:   analysis.DefaultPrimaryCategory,
		Group:     analysis.DefaultCategoryGroup,
		Secondary: []string{},
	}
	if len(res.Labels) > 0 {
		cat.Primary = res.Labels[0]
		cat.Group = s.Categories.GroupOf(cat.Primary)
	}
	if len(res.Labels) > 1 {
		end := min(3, len(res.Labels))
		cat.Secondary = append(cat.Secondary, res.Labels[1:end]...)
	}
	return analysis.Partial{Category: &cat}, nil
}

// SarcasmStage takes the highest irony probability over caregiver
// utterances, each limited to its last 256 characters.
type SarcasmStage struct {
	Client capability.TextClassifier
}

func (s *SarcasmStage) Name() string { return StageSarcasm }

func (s *SarcasmStage) Fallback() analysis.Partial {
	return analysis.Partial{Sarcasm: &analysis.Sarcasm{Lines: []analysis.SarcasmLine{}}}
}

func (s *SarcasmStage) Run(ctx context.Context, in *analysis.Context) (analysis.Partial, error) {
	if s.Client == nil {
		return analysis.Partial{}, unavailable(StageSarcasm)
	}
	lines := transcript.CaregiverLines(in.Text())
	for i, l := range lines {
		lines[i] = transcript.Tail(l, sarcasmLineChars)
	}
	preds, err := s.Client.ClassifyText(ctx, lines, 0)
	if err != nil {
		return analysis.Partial{}, err
	}
	if len(preds) != len(lines) {
		return analysis.Partial{}, fmt.Errorf("%s: %w: %d predictions for %d lines", StageSarcasm, llm.ErrMalformedOutput, len(preds), len(lines))
	}

	sar := analysis.Sarcasm{Lines: make([]analysis.SarcasmLine, 0, len(preds))}
	for i, labels := range preds {
		irony, nonIrony := -1.0, -1.0
		for _, l := range labels {
			switch strings.ToLower(l.Label) {
			case "irony", "label_1":
				irony = l.Score
			case "non_irony", "label_0":
				nonIrony = l.Score
			}
		}
		if irony < 0 {
			irony = 0
		}
		if nonIrony < 0 {
			nonIrony = 1 - irony
		}
		sar.Lines = append(sar.Lines, analysis.SarcasmLine{
			Text:         lines[i],
			ProbIrony:    round(irony, 4),
			ProbNonIrony: round(nonIrony, 4),
		})
		sar.Max = math.Max(sar.Max, irony)
	}
	sar.Max = round(sar.Max, 3)
	return analysis.Partial{Sarcasm: &sar}, nil
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
