package capability

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"strings"

	"github.com/philippgille/chromem-go"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/TobiSchelling/caremonitor/internal/llm"
)

// Practice is one best-practice snippet in the retrieval corpus.
type Practice struct {
	ID       string `yaml:"id"`
	Category string `yaml:"category"`
	Text     string `yaml:"text"`
}

// LoadPracticesFile reads a YAML corpus. The file is either a list of
// practices or a map from category to a list of snippet texts.
func LoadPracticesFile(path string) ([]Practice, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading practices: %w", err)
	}
	return ParsePractices(data)
}

// ParsePractices parses the YAML forms accepted by LoadPracticesFile.
func ParsePractices(data []byte) ([]Practice, error) {
	var list []Practice
	if err := yaml.Unmarshal(data, &list); err == nil {
		return cleanPractices(list)
	}

	var byCategory map[string][]string
	if err := yaml.Unmarshal(data, &byCategory); err != nil {
		return nil, fmt.Errorf("parsing practices: expected a list or a category map: %w", err)
	}
	for cat, texts := range byCategory {
		for i, text := range texts {
			list = append(list, Practice{ID: fmt.Sprintf("%s-%d", cat, i), Category: cat, Text: text})
		}
	}
	return cleanPractices(list)
}

func cleanPractices(list []Practice) ([]Practice, error) {
	out := make([]Practice, 0, len(list))
	for i, p := range list {
		p.Category = strings.TrimSpace(p.Category)
		p.Text = strings.TrimSpace(p.Text)
		if p.Text == "" {
			continue
		}
		if p.Category == "" {
			return nil, fmt.Errorf("practice %d has no category", i)
		}
		out = append(out, p)
	}
	return out, nil
}

// PracticeRetriever stores best-practice snippets in a persistent chromem
// collection and answers similarity queries against it.
type PracticeRetriever struct {
	db         *chromem.DB
	collection *chromem.Collection
	logger     *zap.Logger
}

// OpenPracticeRetriever opens (or creates) the store at path. An empty path
// keeps the store in memory.
func OpenPracticeRetriever(path, collection string, embedder llm.Embedder, logger *zap.Logger) (*PracticeRetriever, error) {
	if embedder == nil {
		return nil, errors.New("practice retriever needs an embedder")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	var db *chromem.DB
	if path == "" {
		db = chromem.NewDB()
	} else {
		var err error
		db, err = chromem.NewPersistentDB(path, false)
		if err != nil {
			return nil, fmt.Errorf("opening practice store %s: %w", path, err)
		}
	}

	coll, err := db.GetOrCreateCollection(collection, nil, EmbeddingFunc(embedder))
	if err != nil {
		return nil, fmt.Errorf("getting/creating collection %s: %w", collection, err)
	}
	return &PracticeRetriever{db: db, collection: coll, logger: logger}, nil
}

// EmbeddingFunc adapts an llm.Embedder to chromem, normalizing each vector.
func EmbeddingFunc(embedder llm.Embedder) chromem.EmbeddingFunc {
	return func(ctx context.Context, text string) ([]float32, error) {
		vecs, err := embedder.Embed(ctx, []string{text})
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		if len(vecs) != 1 {
			return nil, fmt.Errorf("%w: got %d embeddings", llm.ErrMalformedOutput, len(vecs))
		}
		return normalize(vecs[0]), nil
	}
}

// AddPractices embeds and stores snippets. Existing IDs are overwritten.
func (r *PracticeRetriever) AddPractices(ctx context.Context, practices []Practice) error {
	if len(practices) == 0 {
		return nil
	}
	docs := make([]chromem.Document, 0, len(practices))
	for i, p := range practices {
		id := p.ID
		if id == "" {
			id = fmt.Sprintf("%s-%d", p.Category, i)
		}
		docs = append(docs, chromem.Document{
			ID:       id,
			Content:  p.Text,
			Metadata: map[string]string{"category": p.Category},
		})
	}
	if err := r.collection.AddDocuments(ctx, docs, 1); err != nil {
		return fmt.Errorf("adding practices: %w", err)
	}
	r.logger.Debug("added practices", zap.Int("count", len(docs)))
	return nil
}

// Count returns the number of stored snippets.
func (r *PracticeRetriever) Count() int {
	return r.collection.Count()
}

// RetrieveSimilar returns up to k snippet texts ordered by similarity.
func (r *PracticeRetriever) RetrieveSimilar(ctx context.Context, query string, k int) ([]string, error) {
	if k <= 0 || query == "" {
		return nil, nil
	}
	// chromem rejects k above the document count
	n := r.collection.Count()
	if n == 0 {
		return nil, nil
	}
	if k > n {
		k = n
	}

	results, err := r.collection.Query(ctx, query, k, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("querying practices: %w", err)
	}
	out := make([]string, 0, len(results))
	for _, res := range results {
		out = append(out, res.Content)
	}
	return out, nil
}

func normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	norm := float32(math.Sqrt(sum))
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = x / norm
	}
	return out
}
