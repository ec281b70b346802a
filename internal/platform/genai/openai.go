package genai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/dpa/dpa/internal/sectioncfg"
)

// OpenAIClient calls an OpenAI-compatible chat completions endpoint and
// parses the ===SECTION=== delimited response into a Draft.
type OpenAIClient struct {
	baseURL  string
	apiKey   string
	model    string
	sections sectioncfg.Config
	http     *http.Client

	// retryInterval seeds the exponential backoff; tests shrink it.
	retryInterval time.Duration
}

// NewOpenAIClient builds a client against baseURL (e.g.
// "https://api.openai.com/v1"). timeout bounds a single whole generation
// attempt including retries.
func NewOpenAIClient(baseURL, apiKey, model string, sections sectioncfg.Config, timeout time.Duration) *OpenAIClient {
	return &OpenAIClient{
		baseURL:       baseURL,
		apiKey:        apiKey,
		model:         model,
		sections:      sections,
		http:          &http.Client{Timeout: timeout},
		retryInterval: 2 * time.Second,
	}
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// retryableError marks transient transport or server failures.
type retryableError struct{ err error }

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

// Generate implements Generator. Transient failures (network errors, 429,
// 5xx) are retried with exponential backoff until the context is done; a
// malformed or incomplete response fails without retry since the prompt
// would produce the same shape again.
func (c *OpenAIClient) Generate(ctx context.Context, in PatientInputs, style StyleConfig) (*Draft, error) {
	prompt := buildPrompt(c.sections, in, style)

	var content string
	operation := func() error {
		var err error
		content, err = c.complete(ctx, prompt)
		if err != nil {
			var re *retryableError
			if errors.As(err, &re) {
				return err
			}
			return backoff.Permanent(err)
		}
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.retryInterval
	bo.MaxInterval = 20 * time.Second
	if err := backoff.Retry(operation, backoff.WithContext(bo, ctx)); err != nil {
		return nil, err
	}

	sections, err := parseSections(c.sections, content, style.IncludeCaregiver)
	if err != nil {
		return nil, err
	}
	return &Draft{Sections: sections}, nil
}

func (c *OpenAIClient) complete(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: "You are a medical discharge planner creating stroke discharge plans."},
			{Role: "user", Content: prompt},
		},
		Temperature: 0.3,
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", &retryableError{fmt.Errorf("call completion endpoint: %w", err)}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", &retryableError{fmt.Errorf("read response: %w", err)}
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return "", &retryableError{fmt.Errorf("completion endpoint returned %d", resp.StatusCode)}
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("completion endpoint returned %d: %s", resp.StatusCode, truncate(string(data), 200))
	}

	var parsed chatResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if parsed.Error != nil {
		return "", fmt.Errorf("completion error: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 || parsed.Choices[0].Message.Content == "" {
		return "", fmt.Errorf("completion response has no content")
	}

	return parsed.Choices[0].Message.Content, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
