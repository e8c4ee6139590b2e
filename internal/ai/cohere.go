package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"
)

const (
	embedTimeout = 10 * time.Second
	chatTimeout  = 30 * time.Second

	// maxErrorBody caps how much of a provider error response lands in logs.
	maxErrorBody = 512
)

// Cohere is an HTTP client for the Cohere v2 API implementing both the
// Embedder and ChatModel contracts. One instance is shared by all workspaces;
// it holds no per-request state beyond the API key.
type Cohere struct {
	baseURL    string
	apiKey     string
	embedModel string
	chatModel  string
	dimensions int
	httpClient *http.Client
	logger     *log.Logger
}

// NewCohere builds a client for the given credentials. dimensions is the
// vector width requested from the embed endpoint and validated on every
// response.
func NewCohere(baseURL, apiKey, embedModel, chatModel string, dimensions int) *Cohere {
	return &Cohere{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		embedModel: embedModel,
		chatModel:  chatModel,
		dimensions: dimensions,
		httpClient: &http.Client{},
		logger:     log.New(log.Writer(), "[COHERE] ", log.LstdFlags),
	}
}

// ===== EMBEDDINGS =====

type embedRequest struct {
	Model           string   `json:"model"`
	Texts           []string `json:"texts"`
	InputType       string   `json:"input_type"`
	EmbeddingTypes  []string `json:"embedding_types"`
	OutputDimension int      `json:"output_dimension,omitempty"`
}

type embedResponse struct {
	Embeddings struct {
		Float [][]float32 `json:"float"`
	} `json:"embeddings"`
}

// Embed returns one vector for the given text. inputType must match how the
// vector will be used: queries and documents are embedded asymmetrically.
func (c *Cohere) Embed(ctx context.Context, text string, inputType InputType) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("embed: empty text")
	}

	req := embedRequest{
		Model:           c.embedModel,
		Texts:           []string{text},
		InputType:       string(inputType),
		EmbeddingTypes:  []string{"float"},
		OutputDimension: c.dimensions,
	}

	var resp embedResponse
	if err := c.post(ctx, "/v2/embed", embedTimeout, req, &resp); err != nil {
		return nil, err
	}

	if len(resp.Embeddings.Float) == 0 {
		return nil, fmt.Errorf("embed: provider returned no embeddings")
	}
	vec := resp.Embeddings.Float[0]
	if len(vec) != c.dimensions {
		return nil, fmt.Errorf("embed: expected %d dimensions, got %d", c.dimensions, len(vec))
	}
	return vec, nil
}

// ===== CHAT =====

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Message struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"message"`
	Usage struct {
		BilledUnits Usage `json:"billed_units"`
	} `json:"usage"`
}

// Chat runs one completion. The system prompt and user message map directly
// to the v2 messages array; the assistant's text segments are concatenated.
func (c *Cohere) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	body := chatRequest{
		Model:       c.chatModel,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Messages: []chatMessage{
			{Role: "system", Content: req.System},
			{Role: "user", Content: req.User},
		},
	}

	var resp chatResponse
	if err := c.post(ctx, "/v2/chat", chatTimeout, body, &resp); err != nil {
		return nil, err
	}

	var sb strings.Builder
	for _, part := range resp.Message.Content {
		if part.Type == "text" {
			sb.WriteString(part.Text)
		}
	}
	text := strings.TrimSpace(sb.String())
	if text == "" {
		return nil, fmt.Errorf("chat: provider returned empty completion")
	}

	usage := resp.Usage.BilledUnits
	return &ChatResponse{Text: text, Usage: &usage}, nil
}

// ===== TRANSPORT =====

// post sends one JSON request and decodes the JSON response. Non-2xx answers
// become *StatusError so retry policies can classify them.
func (c *Cohere) post(ctx context.Context, path string, timeout time.Duration, in, out interface{}) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", path, err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Printf("❌ POST %s failed after %v: %v", path, time.Since(start).Round(time.Millisecond), err)
		return fmt.Errorf("POST %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		c.logger.Printf("⚠️ POST %s returned %d: %s", path, resp.StatusCode, string(raw))
		return &StatusError{Endpoint: path, Code: resp.StatusCode, Body: string(raw)}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
