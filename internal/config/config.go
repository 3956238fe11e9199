package config

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var DefaultConfigYAML []byte

type Config struct {
	LLM            LLM            `yaml:"llm"`
	Classifier     Classifier     `yaml:"classifier"`
	Retrieval      Retrieval      `yaml:"retrieval"`
	Pipeline       Pipeline       `yaml:"pipeline"`
	RawCategories  map[string]any `yaml:"categories"`
	CategoriesFile string         `yaml:"categories_file"`
	Timeline       Timeline       `yaml:"timeline"`
	Notifications  Notifications  `yaml:"notifications"`
	Output         Output         `yaml:"output"`
	Server         Server         `yaml:"server"`
	Logging        Logging        `yaml:"logging"`

	// Categories is the normalized form of RawCategories (or CategoriesFile).
	Categories *Categories `yaml:"-"`
}

type LLM struct {
	Provider          string  `yaml:"provider"`
	Model             string  `yaml:"model"`
	OllamaURL         string  `yaml:"ollama_url"`
	EmbeddingModel    string  `yaml:"embedding_model"`
	OpenAIModel       string  `yaml:"openai_model"`
	APIKeyEnv         string  `yaml:"api_key_env"`
	MaxTokens         int     `yaml:"max_tokens"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
}

type Classifier struct {
	BaseURL           string  `yaml:"base_url"`
	APIKeyEnv         string  `yaml:"api_key_env"`
	ToxicityModel     string  `yaml:"toxicity_model"`
	SentimentModel    string  `yaml:"sentiment_model"`
	SarcasmModel      string  `yaml:"sarcasm_model"`
	ZeroShotModel     string  `yaml:"zero_shot_model"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
}

type Retrieval struct {
	Enabled    bool   `yaml:"enabled"`
	Path       string `yaml:"path"`
	Collection string `yaml:"collection"`
	K          int    `yaml:"k"`
}

type Pipeline struct {
	Translation       bool   `yaml:"translation"`
	TargetLanguage    string `yaml:"target_language"`
	StageTimeoutSec   int    `yaml:"stage_timeout_sec"`
	LLMTimeoutSec     int    `yaml:"llm_timeout_sec"`
	OverallTimeoutSec int    `yaml:"overall_timeout_sec"`
}

type Timeline struct {
	FallbackMergeWindowMin int      `yaml:"fallback_merge_window_min"`
	Milestones             []string `yaml:"milestones"`
	AnchorGroups           []string `yaml:"anchor_groups"`
	Timezone               string   `yaml:"timezone"`
}

type Notifications struct {
	NATSURL       string `yaml:"nats_url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

type Output struct {
	DataDir string `yaml:"data_dir"`
}

type Server struct {
	Port      int    `yaml:"port"`
	APIKeyEnv string `yaml:"api_key_env"`
}

type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ConfigDir returns the XDG config directory for caremonitor.
func ConfigDir() string {
	return filepath.Join(homeDir(), ".config", "caremonitor")
}

// DataDir returns the XDG data directory for caremonitor.
func DataDir() string {
	return filepath.Join(homeDir(), ".local", "share", "caremonitor")
}

// ResolveConfigPath finds the config file following priority:
// explicit path > ~/.config/caremonitor/config.yaml > ./config.yaml
func ResolveConfigPath(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	xdgConfig := filepath.Join(ConfigDir(), "config.yaml")
	if _, err := os.Stat(xdgConfig); err == nil {
		return xdgConfig, nil
	}

	cwdConfig := "config.yaml"
	if _, err := os.Stat(cwdConfig); err == nil {
		return cwdConfig, nil
	}

	return "", fmt.Errorf(
		"no config file found; searched:\n  %s\n  ./config.yaml\n\nRun 'caremonitor init' to create a default config",
		xdgConfig,
	)
}

// LoadEnv loads a .env file from the working directory and the config
// directory. Missing files are not an error; variables already set win.
func LoadEnv() {
	for _, p := range []string{".env", filepath.Join(ConfigDir(), ".env")} {
		if _, err := os.Stat(p); err == nil {
			_ = godotenv.Load(p)
		}
	}
}

// Load reads and parses a config YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	cfg, err := parse(data)
	if err != nil {
		return nil, err
	}
	if cfg.CategoriesFile != "" {
		catPath := cfg.CategoriesFile
		if !filepath.IsAbs(catPath) {
			catPath = filepath.Join(filepath.Dir(path), catPath)
		}
		cats, err := LoadCategoriesFile(catPath, cfg.FallbackMergeWindow())
		if err != nil {
			return nil, err
		}
		cfg.Categories = cats
	}
	return cfg, nil
}

// parse parses YAML bytes into a Config, applying defaults.
func parse(data []byte) (*Config, error) {
	cfg := &Config{
		LLM: LLM{
			Provider:          "ollama",
			Model:             "qwen2.5:7b",
			OllamaURL:         "http://localhost:11434",
			EmbeddingModel:    "nomic-embed-text",
			OpenAIModel:       "gpt-4o-mini",
			APIKeyEnv:         "OPENAI_API_KEY",
			MaxTokens:         512,
			RequestsPerSecond: 2,
		},
		Classifier: Classifier{
			BaseURL:           "http://localhost:8080",
			APIKeyEnv:         "CLASSIFIER_API_KEY",
			ToxicityModel:     "unitary/toxic-bert",
			SentimentModel:    "cardiffnlp/twitter-roberta-base-sentiment",
			SarcasmModel:      "cardiffnlp/twitter-roberta-base-irony",
			ZeroShotModel:     "facebook/bart-large-mnli",
			RequestsPerSecond: 10,
		},
		Retrieval: Retrieval{
			Enabled:    true,
			Collection: "best_practices",
			K:          2,
		},
		Pipeline: Pipeline{
			TargetLanguage:    "en",
			StageTimeoutSec:   30,
			LLMTimeoutSec:     120,
			OverallTimeoutSec: 300,
		},
		Timeline: Timeline{
			FallbackMergeWindowMin: DefaultMergeWindowMinutes,
			Milestones:             []string{"First Word", "First Steps", "New Skill"},
			AnchorGroups:           []string{"Meals", "Sleep", "Hygiene", "Health", "Safety"},
		},
		Notifications: Notifications{SubjectPrefix: "caremonitor.push"},
		Server:        Server{Port: 8000, APIKeyEnv: "CAREMONITOR_API_KEY"},
		Logging:       Logging{Level: "INFO", Format: "console"},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cats, err := ParseCategories(cfg.RawCategories, cfg.FallbackMergeWindow())
	if err != nil {
		return nil, err
	}
	cfg.Categories = cats

	return cfg, nil
}

// GetDataDir returns the effective data directory from config or XDG default.
func (c *Config) GetDataDir() string {
	if c.Output.DataDir != "" {
		return c.Output.DataDir
	}
	return DataDir()
}

// GetRetrievalPath returns the chromem persistence directory.
func (c *Config) GetRetrievalPath() string {
	if c.Retrieval.Path != "" {
		return c.Retrieval.Path
	}
	return filepath.Join(c.GetDataDir(), "practices")
}

// FallbackMergeWindow is the merge window used for groups declared in the
// flat legacy schema and for unknown groups.
func (c *Config) FallbackMergeWindow() time.Duration {
	if c.Timeline.FallbackMergeWindowMin <= 0 {
		return DefaultMergeWindowMinutes * time.Minute
	}
	return time.Duration(c.Timeline.FallbackMergeWindowMin) * time.Minute
}

// Location is the zone used to interpret calendar days in timeline
// queries. Empty or unknown names mean the server's local zone.
func (t Timeline) Location() *time.Location {
	if t.Timezone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(t.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// StageTimeout is the per-call timeout for classifier stages.
func (p Pipeline) StageTimeout() time.Duration {
	return seconds(p.StageTimeoutSec, 30)
}

// LLMTimeout is the per-call timeout for LLM stages.
func (p Pipeline) LLMTimeout() time.Duration {
	return seconds(p.LLMTimeoutSec, 120)
}

// OverallTimeout bounds a whole pipeline run.
func (p Pipeline) OverallTimeout() time.Duration {
	return seconds(p.OverallTimeoutSec, 300)
}

func seconds(n, fallback int) time.Duration {
	if n <= 0 {
		n = fallback
	}
	return time.Duration(n) * time.Second
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}
