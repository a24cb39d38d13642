package compose

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

	"github.com/stoik/herald/internal/models"
)

// AIClient paraphrases summaries through an OpenAI-compatible chat
// completions endpoint.
type AIClient struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
}

// NewAIClient creates a new AI paraphraser client
func NewAIClient(baseURL, apiKey, model string, timeout time.Duration) *AIClient {
	if model == "" {
		model = "gpt-4o-mini"
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &AIClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		client:  &http.Client{Timeout: timeout},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Paraphrase implements Paraphraser
func (c *AIClient) Paraphrase(ctx context.Context, events []models.Event, name string, style models.Style, loc *time.Location) (string, error) {
	if c.baseURL == "" || c.apiKey == "" {
		return "", errors.New("AI client not configured")
	}

	payload := chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: stylePrompt(style)},
			{Role: "user", Content: describe(events, name, loc)},
		},
		MaxTokens:   300,
		Temperature: 0.7,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to call AI endpoint: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(msg))
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", errors.New("AI response has no choices")
	}
	return out.Choices[0].Message.Content, nil
}

// stylePrompt maps every style onto its system prompt.
func stylePrompt(style models.Style) string {
	const rules = " Keep it under 600 characters, plain text only, no markdown." +
		" Mention every event with its start time. Address the reader by the given name."

	switch style {
	case models.StylePlain:
		return "You write short, neutral daily calendar summaries sent by SMS." + rules
	case models.StyleFriendly:
		return "You write warm, upbeat daily calendar summaries sent by SMS, like a helpful friend." + rules
	case models.StyleConcise:
		return "You write terse daily calendar summaries sent by SMS. Use as few words as possible." + rules
	case models.StylePlayful:
		return "You write playful, lightly humorous daily calendar summaries sent by SMS." + rules
	}
	return stylePrompt(models.StylePlain)
}

// describe is the factual input handed to the model: the deterministic
// rendering, which already carries local times and grouping.
func describe(events []models.Event, name string, loc *time.Location) string {
	return fmt.Sprintf("Name: %s\nToday's schedule:\n%s", name, Format(events, name, models.StylePlain, loc))
}
