// internal/ai/client.go
package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tomknightatl/diocesan-vitality-sub000/internal/utils"
)

// Analyzer is the content-analysis collaborator: prompt in, free text
// out. The response is expected, but not guaranteed, to contain an
// embedded JSON object.
type Analyzer interface {
	Analyze(ctx context.Context, prompt string) (string, error)
}

// Config points the client at an OpenAI-compatible completion endpoint.
type Config struct {
	Endpoint    string        `yaml:"endpoint" json:"endpoint"`
	APIKey      string        `yaml:"api_key" json:"api_key"`
	Model       string        `yaml:"model" json:"model"`
	Temperature float64       `yaml:"temperature" json:"temperature"`
	Timeout     time.Duration `yaml:"timeout" json:"timeout"`
}

// UnmarshalYAML accepts the timeout as a string ("60s") or nanoseconds.
func (c *Config) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		Endpoint    string         `yaml:"endpoint"`
		APIKey      string         `yaml:"api_key"`
		Model       string         `yaml:"model"`
		Temperature float64        `yaml:"temperature"`
		Timeout     utils.Duration `yaml:"timeout"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	c.Endpoint = raw.Endpoint
	c.APIKey = raw.APIKey
	c.Model = raw.Model
	c.Temperature = raw.Temperature
	c.Timeout = time.Duration(raw.Timeout)
	return nil
}

// Client is an HTTP Analyzer.
type Client struct {
	cfg    Config
	client *http.Client
	logger utils.Logger
}

// NewClient creates an analysis client. A zero timeout defaults to 60s;
// AI calls are the slowest operation in the system.
func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &Client{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: utils.NewComponentLogger("ai"),
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
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Analyze sends the prompt and returns the raw completion text.
func (c *Client) Analyze(ctx context.Context, prompt string) (string, error) {
	payload, err := json.Marshal(chatRequest{
		Model:       c.cfg.Model,
		Messages:    []chatMessage{{Role: "user", Content: prompt}},
		Temperature: c.cfg.Temperature,
	})
	if err != nil {
		return "", fmt.Errorf("ai service error: encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("ai service error: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("ai service error: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("ai service error: reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("ai service error: status %d: %s", resp.StatusCode, utils.TruncateString(string(body), 200))
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("ai service error: decoding response: %w", err)
	}
	if parsed.Error != nil {
		return "", fmt.Errorf("ai service error: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return "", errors.New("ai service error: empty response")
	}
	return parsed.Choices[0].Message.Content, nil
}

// ExtractJSON defensively pulls the first balanced JSON object out of a
// model response. Models wrap JSON in prose and code fences; any parse
// failure here is fallback-eligible, never fatal.
func ExtractJSON(text string) (json.RawMessage, error) {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return nil, errors.New("no json object in response")
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		ch := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				candidate := json.RawMessage(text[start : i+1])
				if !json.Valid(candidate) {
					return nil, errors.New("no json object in response")
				}
				return candidate, nil
			}
		}
	}
	return nil, errors.New("no json object in response")
}
