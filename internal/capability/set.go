package capability

import (
	"go.uber.org/zap"

	"github.com/TobiSchelling/caremonitor/internal/config"
	"github.com/TobiSchelling/caremonitor/internal/llm"
)

// Build constructs the capability set from configuration. Members that
// cannot be constructed are left nil and logged; the pipeline falls back to
// defaults for them.
func Build(cfg *config.Config, logger *zap.Logger) *Set {
	if logger == nil {
		logger = zap.NewNop()
	}
	cc := cfg.Classifier
	set := &Set{
		Toxicity:  NewHTTPClassifier(cc.BaseURL, cc.ToxicityModel, cc.APIKeyEnv, cc.RequestsPerSecond),
		Sentiment: NewHTTPClassifier(cc.BaseURL, cc.SentimentModel, cc.APIKeyEnv, cc.RequestsPerSecond),
		Sarcasm:   NewHTTPClassifier(cc.BaseURL, cc.SarcasmModel, cc.APIKeyEnv, cc.RequestsPerSecond),
		ZeroShot:  NewHTTPClassifier(cc.BaseURL, cc.ZeroShotModel, cc.APIKeyEnv, cc.RequestsPerSecond),
	}

	lc := cfg.LLM
	provider := llm.CreateProvider(lc.Provider, lc.Model, lc.OllamaURL, lc.OpenAIModel, lc.APIKeyEnv, logger)
	if provider != nil {
		set.LLM = llm.WithRateLimit(provider, lc.RequestsPerSecond)
	}

	if cfg.Pipeline.Translation {
		if set.LLM != nil {
			set.Normalizer = NewLLMNormalizer(set.LLM, cfg.Pipeline.TargetLanguage)
		} else {
			logger.Warn("translation enabled but no LLM provider; transcripts pass through untranslated")
		}
	}

	if cfg.Retrieval.Enabled {
		embedder := llm.NewOllamaEmbedder(lc.EmbeddingModel, lc.OllamaURL)
		r, err := OpenPracticeRetriever(cfg.GetRetrievalPath(), cfg.Retrieval.Collection, embedder, logger)
		if err != nil {
			logger.Warn("best-practice retrieval disabled", zap.Error(err))
		} else {
			set.Retriever = r
		}
	}

	return set
}
