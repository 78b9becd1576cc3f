package predict

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	defaultAnthropicURL = "https://api.anthropic.com/v1/messages"
	anthropicVersion    = "2023-06-01"

	// Haiku: fast and cheap enough to run 19 instruments at session open.
	haikuModel = "claude-haiku-4-5-20251001"
	modelKey   = "claude_haiku_45"

	// Rough per-prediction cost, tracked for the dashboard.
	haikuCostUSD = 0.001

	predictMaxRetries = 3
	predictBaseDelay  = 2 * time.Second
)

// AnthropicClient calls the Anthropic messages API with a chart image and
// the analysis prompt.
type AnthropicClient struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewAnthropicClient builds a client using the Haiku model.
func NewAnthropicClient(apiKey string) *AnthropicClient {
	return &AnthropicClient{
		apiKey:     apiKey,
		baseURL:    defaultAnthropicURL,
		model:      haikuModel,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

// ModelKey identifies this predictor in window records.
func (c *AnthropicClient) ModelKey() string { return modelKey }

type messagesRequest struct {
	Model     string    `json:"model"`
	MaxTokens int       `json:"max_tokens"`
	Messages  []message `json:"messages"`
}

type message struct {
	Role    string         `json:"role"`
	Content []contentBlock `json:"content"`
}

type contentBlock struct {
	Type   string       `json:"type"`
	Text   string       `json:"text,omitempty"`
	Source *imageSource `json:"source,omitempty"`
}

type imageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type messagesResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// Predict encodes the chart, sends it with the analysis prompt, and parses
// the bias out of the response. Rate limits and timeouts retry with
// exponential backoff.
func (c *AnthropicClient) Predict(ctx context.Context, chartPath, pair, sessionID string) (*Prediction, error) {
	start := time.Now()

	imgData, err := os.ReadFile(chartPath)
	if err != nil {
		return nil, fmt.Errorf("predict: read chart: %w", err)
	}

	body, err := json.Marshal(messagesRequest{
		Model:     c.model,
		MaxTokens: 2000,
		Messages: []message{{
			Role: "user",
			Content: []contentBlock{
				{Type: "image", Source: &imageSource{
					Type:      "base64",
					MediaType: "image/png",
					Data:      base64.StdEncoding.EncodeToString(imgData),
				}},
				{Type: "text", Text: buildPrompt(pair, sessionID)},
			},
		}},
	})
	if err != nil {
		return nil, fmt.Errorf("predict: marshal request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < predictMaxRetries; attempt++ {
		if attempt > 0 {
			delay := predictBaseDelay * time.Duration(1<<(attempt-1))
			log.Warn().Str("pair", pair).Dur("delay", delay).Err(lastErr).Msg("retrying prediction")
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		text, err := c.send(ctx, body)
		if err != nil {
			if isRetryable(err) {
				lastErr = err
				continue
			}
			return nil, err
		}

		dir, conviction := ParseRationale(text)
		return &Prediction{
			Direction:  dir,
			Conviction: conviction,
			Rationale:  text,
			Model:      c.model,
			CostUSD:    haikuCostUSD,
			LatencyMS:  time.Since(start).Milliseconds(),
		}, nil
	}

	return nil, fmt.Errorf("predict: %s: %w", pair, lastErr)
}

type retryableError struct{ err error }

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

func isRetryable(err error) bool {
	var re *retryableError
	return errors.As(err, &re)
}

func (c *AnthropicClient) send(ctx context.Context, body []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", anthropicVersion)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Transport timeouts are worth a retry.
		return "", &retryableError{err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		io.Copy(io.Discard, resp.Body)
		return "", &retryableError{err: fmt.Errorf("HTTP %d", resp.StatusCode)}
	}

	var out messagesResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if out.Error != nil {
		return "", fmt.Errorf("API error %s: %s", out.Error.Type, out.Error.Message)
	}
	if len(out.Content) == 0 {
		return "", fmt.Errorf("empty response content")
	}
	return out.Content[0].Text, nil
}
