package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kalambet/leadscout/internal/storage"
)

// HunterClient queries the Hunter-style email-finder directory. It is a
// Tier 2 supplementary source.
type HunterClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewHunter creates a HunterClient targeting the given base URL.
func NewHunter(baseURL, apiKey string) *HunterClient {
	return &HunterClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

func (c *HunterClient) Name() string { return "hunter" }

// finderResponse mirrors the JSON returned by GET /v2/email-finder.
type finderResponse struct {
	Data struct {
		Email    string `json:"email"`
		Score    int    `json:"score"`
		LinkedIn string `json:"linkedin_url"`
	} `json:"data"`
}

// Search looks the contact up in the email directory by organization domain
// and full name. A domain-less organization cannot be searched and reports
// no result.
func (c *HunterClient) Search(ctx context.Context, contact storage.Contact, org storage.Organization) (Result, error) {
	if org.Domain == "" {
		return Result{Source: c.Name()}, nil
	}

	q := url.Values{}
	q.Set("domain", org.Domain)
	q.Set("full_name", contact.FullName)
	q.Set("api_key", c.apiKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v2/email-finder?"+q.Encode(), nil)
	if err != nil {
		return Result{}, fmt.Errorf("creating finder request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("finder request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return Result{Source: c.Name()}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("finder: unexpected status %d", resp.StatusCode)
	}

	var fr finderResponse
	if err := json.NewDecoder(resp.Body).Decode(&fr); err != nil {
		return Result{}, fmt.Errorf("decoding finder response: %w", err)
	}

	return Result{
		Found:       fr.Data.Email != "",
		Email:       fr.Data.Email,
		LinkedInURL: fr.Data.LinkedIn,
		Confidence:  float64(fr.Data.Score) / 100,
		Source:      c.Name(),
	}, nil
}
