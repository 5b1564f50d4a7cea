package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/kalambet/leadscout/internal/storage"
)

// Message represents a chat message in the Perplexity API format.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// PerplexityClient talks to the Perplexity-style chat-completion API. It
// doubles as a Tier 2 email source and as the backend for organization and
// people discovery.
type PerplexityClient struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
}

// NewPerplexity creates a PerplexityClient targeting the given base URL.
func NewPerplexity(baseURL, apiKey, model string) *PerplexityClient {
	return &PerplexityClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

func (c *PerplexityClient) Name() string { return "perplexity" }

// chatRequest is the JSON body for POST /chat/completions.
type chatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
}

// chatResponse is the JSON returned by POST /chat/completions.
type chatResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
}

// Chat sends messages to the completion endpoint and returns the assistant's
// response text.
func (c *PerplexityClient) Chat(ctx context.Context, messages []Message) (string, error) {
	body, err := json.Marshal(chatRequest{Model: c.model, Messages: messages})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("chat request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("chat: unexpected status %d", resp.StatusCode)
	}

	var result chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decoding chat response: %w", err)
	}
	if len(result.Choices) == 0 {
		return "", fmt.Errorf("chat: empty choices array")
	}
	return result.Choices[0].Message.Content, nil
}

// emailAnswer is the structured reply the search prompt asks for.
type emailAnswer struct {
	Email       string  `json:"email"`
	LinkedInURL string  `json:"linkedin_url"`
	Confidence  float64 `json:"confidence"`
}

// Search asks the model for the contact's work email, expecting a strict
// JSON object back. A reply that does not parse is treated as no result, not
// an error — full-text search is best-effort by nature.
func (c *PerplexityClient) Search(ctx context.Context, contact storage.Contact, org storage.Organization) (Result, error) {
	prompt := fmt.Sprintf(
		"Find the current work email address of %s, %s at %s (%s). "+
			`Respond with only a JSON object: {"email": "", "linkedin_url": "", "confidence": 0.0}. `+
			"Use an empty email string if you cannot verify one. Confidence is 0 to 1.",
		contact.FullName, contact.Title, org.Name, org.Domain)

	raw, err := c.Chat(ctx, []Message{{Role: "user", Content: prompt}})
	if err != nil {
		return Result{}, err
	}

	var answer emailAnswer
	if err := json.Unmarshal([]byte(ExtractJSON(raw)), &answer); err != nil {
		return Result{Source: c.Name()}, nil
	}

	return Result{
		Found:       answer.Email != "",
		Email:       answer.Email,
		LinkedInURL: answer.LinkedInURL,
		Confidence:  answer.Confidence,
		Source:      c.Name(),
	}, nil
}

// ExtractJSON trims prose around the first JSON value in a model reply.
// Models occasionally wrap the object in markdown fences or a sentence.
func ExtractJSON(s string) string {
	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return s
	}
	var end int
	if s[start] == '{' {
		end = strings.LastIndex(s, "}")
	} else {
		end = strings.LastIndex(s, "]")
	}
	if end < start {
		return s
	}
	return s[start : end+1]
}
