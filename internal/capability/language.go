package capability

import (
	"context"
	"fmt"
	"strings"

	"github.com/TobiSchelling/caremonitor/internal/llm"
)

type languageReply struct {
	Language string `json:"language"`
	Text     string `json:"text"`
}

var languageSchema = llm.GenerateSchema[languageReply]()

const languageSystemPrompt = `You detect the language of a conversation transcript and translate it.
Keep every line, its [mm:ss] timestamp and its "Speaker:" prefix exactly as given;
translate only the spoken text. If the transcript is already in the target
language, return it unchanged. Answer with JSON {"language": "<ISO 639-1 code>", "text": "<transcript>"}.`

// LLMNormalizer detects and translates transcripts using the LLM.
type LLMNormalizer struct {
	Provider  llm.Provider
	Target    string
	MaxTokens int
}

// NewLLMNormalizer creates a normalizer translating into target (e.g. "en").
func NewLLMNormalizer(p llm.Provider, target string) *LLMNormalizer {
	if target == "" {
		target = "en"
	}
	return &LLMNormalizer{Provider: p, Target: target, MaxTokens: 4096}
}

// Normalize returns the text in the target language.
func (n *LLMNormalizer) Normalize(ctx context.Context, text string) (Normalized, error) {
	if n.Provider == nil {
		return Normalized{}, fmt.Errorf("language normalizer: %w", ErrUnavailable)
	}
	out, err := n.Provider.Generate(ctx, llm.Request{
		System:     languageSystemPrompt,
		Prompt:     fmt.Sprintf("Target language: %s\n\nTranscript:\n%s", n.Target, text),
		MaxTokens:  n.MaxTokens,
		SchemaName: "LanguageNormalization",
		Schema:     languageSchema,
	})
	if err != nil {
		return Normalized{}, fmt.Errorf("language normalizer: %w: %v", ErrUnavailable, err)
	}

	m := llm.ExtractJSON(out)
	lang, _ := m["language"].(string)
	translated, _ := m["text"].(string)
	if llm.IsRaw(m) || strings.TrimSpace(translated) == "" {
		return Normalized{}, fmt.Errorf("language normalizer: %w", llm.ErrMalformedOutput)
	}

	lang = strings.ToLower(strings.TrimSpace(lang))
	if lang == n.Target {
		return Normalized{Text: text, Language: lang}, nil
	}
	return Normalized{Text: translated, Language: lang, Translated: true}, nil
}
