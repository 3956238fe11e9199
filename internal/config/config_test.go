package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDefaultConfig(t *testing.T) {
	cfg, err := parse(DefaultConfigYAML)
	require.NoError(t, err)

	assert.Equal(t, "ollama", cfg.LLM.Provider)
	assert.Equal(t, "qwen2.5:7b", cfg.LLM.Model)
	assert.Equal(t, 8000, cfg.Server.Port)
	assert.Equal(t, 2, cfg.Retrieval.K)

	require.NotNil(t, cfg.Categories)
	assert.Equal(t, "Meals", cfg.Categories.GroupOf("Snack"))
	assert.Equal(t, 30*time.Minute, cfg.Categories.MergeWindow("Meals"))
	assert.Contains(t, cfg.Categories.Labels(), "First Word")
}

func TestParseMinimalConfig(t *testing.T) {
	data := []byte(`
llm:
  provider: openai
  model: gpt-4o
server:
  port: 9000
`)
	cfg, err := parse(data)
	require.NoError(t, err)

	assert.Equal(t, "openai", cfg.LLM.Provider)
	assert.Equal(t, 9000, cfg.Server.Port)
	// defaults survive for unspecified fields
	assert.Equal(t, "http://localhost:11434", cfg.LLM.OllamaURL)
	assert.Equal(t, []string{"Meals", "Sleep", "Hygiene", "Health", "Safety"}, cfg.Timeline.AnchorGroups)
	assert.Equal(t, GeneralGroup, cfg.Categories.GroupOf("anything"))
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, DefaultConfigYAML, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.NotEmpty(t, cfg.Categories.Groups())
}

func TestLoadConfigWithCategoriesFile(t *testing.T) {
	dir := t.TempDir()
	catJSON := `{"Meals": {"merge_window_min": 45, "items": ["Lunch"]}, "Play": ["Toys"]}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "categories.json"), []byte(catJSON), 0o644))

	path := filepath.Join(dir, "config.yaml")
	cfgYAML := "categories_file: categories.json\ntimeline:\n  fallback_merge_window_min: 25\n"
	require.NoError(t, os.WriteFile(path, []byte(cfgYAML), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "Meals", cfg.Categories.GroupOf("Lunch"))
	assert.Equal(t, 45*time.Minute, cfg.Categories.MergeWindow("Meals"))
	assert.Equal(t, 25*time.Minute, cfg.Categories.MergeWindow("Play"))
}

func TestResolveConfigPathExplicitMissing(t *testing.T) {
	_, err := ResolveConfigPath(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestGetDataDir(t *testing.T) {
	cfg := &Config{}
	assert.NotEmpty(t, cfg.GetDataDir())

	cfg.Output.DataDir = "/custom/path"
	assert.Equal(t, "/custom/path", cfg.GetDataDir())
	assert.Equal(t, filepath.Join("/custom/path", "practices"), cfg.GetRetrievalPath())
}

func TestPipelineTimeoutDefaults(t *testing.T) {
	p := Pipeline{}
	assert.Equal(t, 30*time.Second, p.StageTimeout())
	assert.Equal(t, 120*time.Second, p.LLMTimeout())
	assert.Equal(t, 300*time.Second, p.OverallTimeout())
}
