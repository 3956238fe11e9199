package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TobiSchelling/caremonitor/internal/analysis"
	"github.com/TobiSchelling/caremonitor/internal/capability"
	"github.com/TobiSchelling/caremonitor/internal/llm"
)

func newInput(text string) *analysis.Context {
	return analysis.New("a-1", "user-1", text, time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC))
}

func TestToxicityStage(t *testing.T) {
	var gotTexts []string
	var gotMax int
	client := classifierFunc(func(_ context.Context, texts []string, maxLen int) ([][]capability.Label, error) {
		gotTexts, gotMax = texts, maxLen
		return [][]capability.Label{
			{{Label: "toxic", Score: 0.12345}, {Label: "insult", Score: 0.02}},
			{{Label: "toxic", Score: 0.4}, {Label: "insult", Score: 0.6789}},
		}, nil
	})

	p, err := (&ToxicityStage{Client: client}).Run(context.Background(), newInput(sampleTranscript))
	require.NoError(t, err)
	assert.Equal(t, []string{"Sit down, lunch is ready.", "Fine, stay hungry then."}, gotTexts)
	assert.Equal(t, classifierMaxChars, gotMax)
	require.NotNil(t, p.Toxicity)
	assert.Equal(t, []float64{0.123, 0.679}, p.Toxicity.Scores)
	assert.Equal(t, 0.679, p.Toxicity.Max)
}

func TestToxicityStageUnavailable(t *testing.T) {
	st := &ToxicityStage{}
	_, err := st.Run(context.Background(), newInput(sampleTranscript))
	assert.ErrorIs(t, err, capability.ErrUnavailable)

	fb := st.Fallback()
	require.NotNil(t, fb.Toxicity)
	assert.Zero(t, fb.Toxicity.Max)
}

func TestSentimentStage(t *testing.T) {
	client := classifierFunc(func(_ context.Context, texts []string, _ int) ([][]capability.Label, error) {
		require.Len(t, texts, 3)
		return [][]capability.Label{
			{{Label: "LABEL_2", Score: 0.9}, {Label: "LABEL_1", Score: 0.05}, {Label: "LABEL_0", Score: 0.05}},
			{{Label: "LABEL_0", Score: 0.8}, {Label: "LABEL_2", Score: 0.1}},
			{{Label: "LABEL_1", Score: 1}},
		}, nil
	})

	p, err := (&SentimentStage{Client: client}).Run(context.Background(), newInput(sampleTranscript))
	require.NoError(t, err)
	require.NotNil(t, p.Sentiment)
	assert.Equal(t, []float64{0.85, -0.7, 0}, p.Sentiment.Scores)
	assert.InDelta(t, 0.05, p.Sentiment.Score, 1e-9)
	assert.Equal(t, analysis.SentimentNeutral, p.Sentiment.Label)
	assert.Equal(t, "Calm", p.Sentiment.ToneLabel)
}

func TestSentimentStageNoPredictions(t *testing.T) {
	client := classifierFunc(func(context.Context, []string, int) ([][]capability.Label, error) {
		return nil, nil
	})
	_, err := (&SentimentStage{Client: client}).Run(context.Background(), newInput(sampleTranscript))
	assert.ErrorIs(t, err, llm.ErrMalformedOutput)
}

func TestSentimentLabel(t *testing.T) {
	tests := []struct {
		score float64
		want  string
	}{
		{0.2, analysis.SentimentNeutral},
		{0.21, analysis.SentimentPositive},
		{-0.2, analysis.SentimentNeutral},
		{-0.25, analysis.SentimentNegative},
		{0, analysis.SentimentNeutral},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SentimentLabel(tt.score), "score %v", tt.score)
	}
}

func TestCategorizationStage(t *testing.T) {
	cats := testCategories(t)
	var gotCandidates []string
	client := zeroShotFunc(func(_ context.Context, _ string, candidates []string) (capability.ZeroShotResult, error) {
		gotCandidates = candidates
		return capability.ZeroShotResult{
			Labels: []string{"Snack", "Lunch", "Crossing Road", "Conversation"},
			Scores: []float64{0.6, 0.2, 0.1, 0.1},
		}, nil
	})

	p, err := (&CategorizationStage{Client: client, Categories: cats}).Run(context.Background(), newInput(sampleTranscript))
	require.NoError(t, err)
	assert.ElementsMatch(t, cats.Labels(), gotCandidates)
	require.NotNil(t, p.Category)
	assert.Equal(t, "Snack", p.Category.Primary)
	assert.Equal(t, "Meals", p.Category.Group)
	assert.Equal(t, []string{"Lunch", "Crossing Road"}, p.Category.Secondary)
}

func TestCategorizationStageUnknownLabel(t *testing.T) {
	client := zeroShotFunc(func(context.Context, string, []string) (capability.ZeroShotResult, error) {
		return capability.ZeroShotResult{Labels: []string{"Astronomy"}}, nil
	})
	p, err := (&CategorizationStage{Client: client, Categories: testCategories(t)}).Run(context.Background(), newInput(sampleTranscript))
	require.NoError(t, err)
	assert.Equal(t, "Astronomy", p.Category.Primary)
	assert.Equal(t, "General", p.Category.Group)
	assert.Empty(t, p.Category.Secondary)
}

func TestSarcasmStage(t *testing.T) {
	client := classifierFunc(func(_ context.Context, texts []string, _ int) ([][]capability.Label, error) {
		require.Len(t, texts, 2)
		return [][]capability.Label{
			{{Label: "irony", Score: 0.91234}, {Label: "non_irony", Score: 0.08766}},
			{{Label: "LABEL_1", Score: 0.3}},
		}, nil
	})

	p, err := (&SarcasmStage{Client: client}).Run(context.Background(), newInput(sampleTranscript))
	require.NoError(t, err)
	require.NotNil(t, p.Sarcasm)
	assert.Equal(t, 0.912, p.Sarcasm.Max)
	require.Len(t, p.Sarcasm.Lines, 2)
	assert.Equal(t, analysis.SarcasmLine{Text: "Sit down, lunch is ready.", ProbIrony: 0.9123, ProbNonIrony: 0.0877}, p.Sarcasm.Lines[0])
	assert.Equal(t, 0.3, p.Sarcasm.Lines[1].ProbIrony)
	assert.Equal(t, 0.7, p.Sarcasm.Lines[1].ProbNonIrony)
}

func TestSarcasmStageCountMismatch(t *testing.T) {
	client := classifierFunc(func(context.Context, []string, int) ([][]capability.Label, error) {
		return [][]capability.Label{{{Label: "irony", Score: 0.5}}}, nil
	})
	_, err := (&SarcasmStage{Client: client}).Run(context.Background(), newInput(sampleTranscript))
	assert.ErrorIs(t, err, llm.ErrMalformedOutput)
}

func TestLanguageStage(t *testing.T) {
	st := &LanguageStage{Normalizer: fakeNormalizer{out: capability.Normalized{Text: "Caregiver: hello", Language: "de", Translated: true}}}
	p, err := st.Run(context.Background(), newInput("Caregiver: hallo"))
	require.NoError(t, err)
	assert.Equal(t, &analysis.Language{Code: "de", Text: "Caregiver: hello", Translated: true}, p.Language)

	st = &LanguageStage{Normalizer: fakeNormalizer{out: capability.Normalized{Text: "  "}}}
	_, err = st.Run(context.Background(), newInput("Caregiver: hallo"))
	assert.ErrorIs(t, err, llm.ErrMalformedOutput)
}

func TestCaregiverStage(t *testing.T) {
	provider := &scriptedLLM{replies: map[string]string{
		"CaregiverReview": "```json\n{\"caregiver_score\": 12, \"tone\": \"7\", \"empathy\": 3.6, \"justification\": \"\"}\n```",
	}}
	in := newInput(sampleTranscript)
	in.Category.Primary = "Lunch"

	p, err := (&CaregiverStage{LLM: provider, MaxTokens: 256}).Run(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, &analysis.Caregiver{
		Score:          10,
		Tone:           7,
		Empathy:        4,
		Responsiveness: 1,
		Justification:  defaultJustification,
	}, p.Caregiver)

	prompt := provider.prompt("CaregiverReview")
	assert.Contains(t, prompt, "Primary topic: Lunch")
	assert.Contains(t, prompt, "Fine, stay hungry then.")
}

func TestCaregiverStageFailures(t *testing.T) {
	tests := []struct {
		name     string
		provider llm.Provider
		want     error
	}{
		{"no provider", nil, capability.ErrUnavailable},
		{"provider error", &scriptedLLM{err: errors.New("connection refused")}, capability.ErrUnavailable},
		{"prose reply", &scriptedLLM{replies: map[string]string{"CaregiverReview": "The caregiver did fine."}}, llm.ErrMalformedOutput},
		{"no score keys", &scriptedLLM{replies: map[string]string{"CaregiverReview": `{"verdict": "ok"}`}}, llm.ErrMalformedOutput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := (&CaregiverStage{LLM: tt.provider}).Run(context.Background(), newInput(sampleTranscript))
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestNotificationStage(t *testing.T) {
	provider := &scriptedLLM{replies: map[string]string{
		"ParentNotification": `Sure! {"parent_notification": "  Lunch got tense today.  ",
			"recommendations": {"category": "Meals", "description": "Offer a small choice of vegetables."}}`,
	}}
	retriever := &fakeRetriever{docs: []string{"Offer choices at meals.", "Stay calm.", "Unused."}}
	in := newInput(sampleTranscript)
	in.Category = analysis.Category{Primary: "Lunch", Group: "Meals"}

	st := &NotificationStage{LLM: provider, Retriever: retriever}
	p, err := st.Run(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, &analysis.Notification{
		Text:            "Lunch got tense today.",
		Recommendations: []analysis.Recommendation{{Category: "Meals", Description: "Offer a small choice of vegetables."}},
	}, p.Notification)

	assert.Equal(t, "Lunch", retriever.query)
	prompt := provider.prompt("ParentNotification")
	assert.Contains(t, prompt, "BEST PRACTICES")
	assert.Contains(t, prompt, "Stay calm.")
	assert.NotContains(t, prompt, "Unused.")
}

func TestNotificationStageRetrievalFailure(t *testing.T) {
	provider := &scriptedLLM{replies: map[string]string{
		"ParentNotification": `{"parent_notification": "All good.", "recommendations": []}`,
	}}
	st := &NotificationStage{LLM: provider, Retriever: &fakeRetriever{err: errors.New("index missing")}}

	p, err := st.Run(context.Background(), newInput(sampleTranscript))
	require.NoError(t, err)
	assert.Equal(t, "All good.", p.Notification.Text)
	assert.Empty(t, p.Notification.Recommendations)
	assert.NotContains(t, provider.prompt("ParentNotification"), "BEST PRACTICES")
}

func TestNotificationStageMalformed(t *testing.T) {
	provider := &scriptedLLM{replies: map[string]string{"ParentNotification": "I cannot help with that."}}
	_, err := (&NotificationStage{LLM: provider}).Run(context.Background(), newInput(sampleTranscript))
	assert.ErrorIs(t, err, llm.ErrMalformedOutput)
}

func TestBuildStagesTopology(t *testing.T) {
	set := &capability.Set{Normalizer: fakeNormalizer{}}
	st := BuildStages(set, testCategories(t), true, 512, nil)
	require.NotNil(t, st.Language)

	var names []string
	for _, s := range st.Wave1 {
		names = append(names, s.Name())
	}
	assert.Equal(t, []string{StageToxicity, StageSentiment, StageCategorization, StageSarcasm}, names)
	assert.Equal(t, StageCaregiver, st.Caregiver.Name())
	assert.Equal(t, StageNotification, st.Notification.Name())

	assert.Nil(t, BuildStages(set, testCategories(t), false, 512, nil).Language)
}
