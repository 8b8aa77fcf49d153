package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"math"
	"net/http"
	"strings"
	"time"
)

// Embedder turns text into vectors for catalog search.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// NewEmbedder selects an embedder for the configured provider. Providers
// without an API key (or without an embedding API) get the local embedder
// so ingest and retrieval keep working offline.
func NewEmbedder(cfg Config) Embedder {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		apiKey = envAPIKeyForProvider(provider)
	}
	if apiKey == "" {
		return NewLocalEmbedder(256)
	}
	switch provider {
	case "openai", "openai_compatible", "openrouter":
		return NewOpenAIEmbedder(OpenAIEmbedConfig{
			APIKey:  apiKey,
			Model:   cfg.EmbedModel,
			BaseURL: cfg.OpenAICompatibleBaseURL,
		})
	case "google", "":
		return NewGoogleEmbedder(GoogleEmbedConfig{
			APIKey: apiKey,
			Model:  cfg.EmbedModel,
		})
	default:
		// Anthropic has no embedding API.
		return NewLocalEmbedder(256)
	}
}

// OpenAIEmbedder generates embeddings using OpenAI's API.
type OpenAIEmbedder struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
}

// OpenAIEmbedConfig configures the OpenAI embedder.
type OpenAIEmbedConfig struct {
	APIKey  string
	Model   string // default: text-embedding-3-small
	BaseURL string // default: https://api.openai.com/v1
}

// NewOpenAIEmbedder creates a new OpenAI embedding provider.
func NewOpenAIEmbedder(cfg OpenAIEmbedConfig) *OpenAIEmbedder {
	model := cfg.Model
	if model == "" || strings.HasPrefix(model, "text-embedding-0") {
		model = "text-embedding-3-small"
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	return &OpenAIEmbedder{
		apiKey:  cfg.APIKey,
		model:   model,
		baseURL: baseURL,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type openAIEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type openAIEmbedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

// Embed generates embeddings for the given texts.
func (e *OpenAIEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	jsonBody, err := json.Marshal(openAIEmbedRequest{Model: e.model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("marshal embed request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/embeddings", bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("create embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.apiKey)

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read embed response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embedding API error (status %d): %s", resp.StatusCode, string(body))
	}

	var embedResp openAIEmbedResponse
	if err := json.Unmarshal(body, &embedResp); err != nil {
		return nil, fmt.Errorf("parse embed response: %w", err)
	}

	// Sort by index to maintain order.
	result := make([][]float32, len(texts))
	for _, d := range embedResp.Data {
		if d.Index < len(result) {
			result[d.Index] = d.Embedding
		}
	}
	return result, nil
}

// Dimension returns the embedding dimension for the model.
func (e *OpenAIEmbedder) Dimension() int {
	switch e.model {
	case "text-embedding-3-large":
		return 3072
	default:
		return 1536
	}
}

// GoogleEmbedder generates embeddings using the Gemini API.
type GoogleEmbedder struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
}

// GoogleEmbedConfig configures the Gemini embedder.
type GoogleEmbedConfig struct {
	APIKey  string
	Model   string // default: text-embedding-004
	BaseURL string // default: https://generativelanguage.googleapis.com/v1beta
}

// NewGoogleEmbedder creates a new Gemini embedding provider.
func NewGoogleEmbedder(cfg GoogleEmbedConfig) *GoogleEmbedder {
	model := cfg.Model
	if model == "" {
		model = "text-embedding-004"
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://generativelanguage.googleapis.com/v1beta"
	}
	return &GoogleEmbedder{
		apiKey:  cfg.APIKey,
		model:   model,
		baseURL: baseURL,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type googleEmbedPart struct {
	Text string `json:"text"`
}

type googleEmbedContent struct {
	Parts []googleEmbedPart `json:"parts"`
}

type googleEmbedEntry struct {
	Model   string             `json:"model"`
	Content googleEmbedContent `json:"content"`
}

type googleBatchEmbedRequest struct {
	Requests []googleEmbedEntry `json:"requests"`
}

type googleBatchEmbedResponse struct {
	Embeddings []struct {
		Values []float32 `json:"values"`
	} `json:"embeddings"`
}

// Embed generates embeddings for the given texts.
func (e *GoogleEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	reqBody := googleBatchEmbedRequest{}
	for _, text := range texts {
		reqBody.Requests = append(reqBody.Requests, googleEmbedEntry{
			Model:   "models/" + e.model,
			Content: googleEmbedContent{Parts: []googleEmbedPart{{Text: text}}},
		})
	}
	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal embed request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:batchEmbedContents", e.baseURL, e.model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("create embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", e.apiKey)

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read embed response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embedding API error (status %d): %s", resp.StatusCode, string(body))
	}

	var embedResp googleBatchEmbedResponse
	if err := json.Unmarshal(body, &embedResp); err != nil {
		return nil, fmt.Errorf("parse embed response: %w", err)
	}
	if len(embedResp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("embedding count mismatch: got %d, want %d", len(embedResp.Embeddings), len(texts))
	}

	result := make([][]float32, len(texts))
	for i, emb := range embedResp.Embeddings {
		result[i] = emb.Values
	}
	return result, nil
}

// Dimension returns the embedding dimension for the model.
func (e *GoogleEmbedder) Dimension() int {
	return 768
}

// LocalEmbedder produces deterministic vectors by hashing word trigrams.
// It needs no network or key, so ingest and retrieval work in every
// environment; quality is only sufficient for coarse lexical matching.
type LocalEmbedder struct {
	dimension int
}

// NewLocalEmbedder creates a deterministic local embedder.
func NewLocalEmbedder(dimension int) *LocalEmbedder {
	if dimension <= 0 {
		dimension = 256
	}
	return &LocalEmbedder{dimension: dimension}
}

// Embed hashes normalized tokens and character trigrams into a fixed-size
// vector, then L2-normalizes it.
func (e *LocalEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	results := make([][]float32, len(texts))
	for i, text := range texts {
		vec := make([]float32, e.dimension)
		for _, feature := range localFeatures(text) {
			h := fnv.New32a()
			_, _ = h.Write([]byte(feature))
			idx := int(h.Sum32()) % e.dimension
			if idx < 0 {
				idx += e.dimension
			}
			// Alternate sign by a second hash bit to reduce collisions
			// piling up in one direction.
			if h.Sum32()&1 == 0 {
				vec[idx]++
			} else {
				vec[idx]--
			}
		}
		var norm float64
		for _, v := range vec {
			norm += float64(v) * float64(v)
		}
		if norm > 0 {
			inv := float32(1 / math.Sqrt(norm))
			for j := range vec {
				vec[j] *= inv
			}
		}
		results[i] = vec
	}
	return results, nil
}

// Dimension returns the embedding dimension.
func (e *LocalEmbedder) Dimension() int {
	return e.dimension
}

func localFeatures(text string) []string {
	lower := strings.ToLower(text)
	fields := strings.FieldsFunc(lower, func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	})
	var features []string
	for _, f := range fields {
		features = append(features, "w:"+f)
		for i := 0; i+3 <= len(f); i++ {
			features = append(features, "t:"+f[i:i+3])
		}
	}
	return features
}
