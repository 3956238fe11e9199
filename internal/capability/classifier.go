package capability

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/TobiSchelling/caremonitor/internal/llm"
)

// HTTPClassifier calls a hosted inference endpoint of the form
// POST {BaseURL}/models/{Model}.
type HTTPClassifier struct {
	BaseURL string
	Model   string
	apiKey  string
	client  *http.Client
	limiter *rate.Limiter
}

// NewHTTPClassifier creates a classifier for one model. apiKeyEnv may be
// empty for unauthenticated endpoints; rps <= 0 disables throttling.
func NewHTTPClassifier(baseURL, model, apiKeyEnv string, rps float64) *HTTPClassifier {
	c := &HTTPClassifier{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Model:   model,
		client:  &http.Client{Timeout: 60 * time.Second},
	}
	if apiKeyEnv != "" {
		c.apiKey = os.Getenv(apiKeyEnv)
	}
	if rps > 0 {
		burst := int(rps)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
	return c
}

// ClassifyText scores texts, each truncated to maxLen runes when maxLen > 0.
// The endpoint may answer a single input with a flat label list; it is
// accepted as a batch of one.
func (c *HTTPClassifier) ClassifyText(ctx context.Context, texts []string, maxLen int) ([][]Label, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	inputs := make([]string, len(texts))
	for i, t := range texts {
		inputs[i] = truncateRunes(t, maxLen)
	}

	body := map[string]any{
		"inputs":  inputs,
		"options": map[string]any{"wait_for_model": true},
	}
	var raw json.RawMessage
	if err := c.post(ctx, body, &raw); err != nil {
		return nil, err
	}

	var batch [][]Label
	if err := json.Unmarshal(raw, &batch); err != nil {
		var single []Label
		if err2 := json.Unmarshal(raw, &single); err2 != nil {
			return nil, fmt.Errorf("%s: %w: %v", c.Model, llm.ErrMalformedOutput, err)
		}
		batch = [][]Label{single}
	}
	if len(batch) != len(texts) {
		return nil, fmt.Errorf("%s: %w: %d label sets for %d inputs", c.Model, llm.ErrMalformedOutput, len(batch), len(texts))
	}
	return batch, nil
}

// ZeroShotClassify ranks candidates for text.
func (c *HTTPClassifier) ZeroShotClassify(ctx context.Context, text string, candidates []string) (ZeroShotResult, error) {
	if len(candidates) == 0 {
		return ZeroShotResult{}, nil
	}
	body := map[string]any{
		"inputs": text,
		"parameters": map[string]any{
			"candidate_labels": candidates,
			"multi_label":      false,
		},
	}
	var result ZeroShotResult
	if err := c.post(ctx, body, &result); err != nil {
		return ZeroShotResult{}, err
	}
	if len(result.Labels) != len(result.Scores) {
		return ZeroShotResult{}, fmt.Errorf("%s: %w: %d labels, %d scores", c.Model, llm.ErrMalformedOutput, len(result.Labels), len(result.Scores))
	}
	return result, nil
}

func (c *HTTPClassifier) post(ctx context.Context, body, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("%s: %w: %v", c.Model, ErrUnavailable, err)
		}
	}

	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/models/"+c.Model, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w: %v", c.Model, ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s: %w: status %d: %s", c.Model, ErrUnavailable, resp.StatusCode, string(respBody))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: %w: %v", c.Model, llm.ErrMalformedOutput, err)
	}
	return nil
}

func truncateRunes(s string, n int) string {
	if n <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
