// Package capability holds the clients for the external models the analysis
// pipeline depends on: text classifiers, the zero-shot topic classifier, the
// LLM, the best-practice retriever and the language normalizer.
package capability

import (
	"context"
	"errors"

	"github.com/TobiSchelling/caremonitor/internal/llm"
)

// ErrUnavailable marks a capability call that failed or timed out.
var ErrUnavailable = errors.New("capability unavailable")

// Label is one classifier label with its probability.
type Label struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

// TextClassifier scores each input text. The result holds one label set per
// input, in input order.
type TextClassifier interface {
	ClassifyText(ctx context.Context, texts []string, maxLen int) ([][]Label, error)
}

// ZeroShotResult lists candidate labels ranked by descending score.
type ZeroShotResult struct {
	Labels []string  `json:"labels"`
	Scores []float64 `json:"scores"`
}

// ZeroShotClassifier ranks candidate labels for a text.
type ZeroShotClassifier interface {
	ZeroShotClassify(ctx context.Context, text string, candidates []string) (ZeroShotResult, error)
}

// Retriever returns stored snippets similar to a query.
type Retriever interface {
	RetrieveSimilar(ctx context.Context, query string, k int) ([]string, error)
}

// Normalized is the outcome of language normalization.
type Normalized struct {
	Text       string
	Language   string
	Translated bool
}

// LanguageNormalizer detects the transcript language and translates it to
// the pipeline's working language when needed.
type LanguageNormalizer interface {
	Normalize(ctx context.Context, text string) (Normalized, error)
}

// Set is the bundle of capability clients built once at startup and handed
// to the pipeline. Nil members are treated as unavailable.
type Set struct {
	Toxicity   TextClassifier
	Sentiment  TextClassifier
	Sarcasm    TextClassifier
	ZeroShot   ZeroShotClassifier
	LLM        llm.Provider
	Retriever  Retriever
	Normalizer LanguageNormalizer
}
