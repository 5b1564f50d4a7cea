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

const apolloMaxAttempts = 3

// ApolloClient queries the Apollo-style people-match API. It is the primary
// (Tier 1) email source.
type ApolloClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewApollo creates an ApolloClient targeting the given base URL.
func NewApollo(baseURL, apiKey string) *ApolloClient {
	return &ApolloClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

func (c *ApolloClient) Name() string { return "apollo" }

// matchRequest is the JSON body for POST /v1/people/match.
type matchRequest struct {
	Name             string `json:"name"`
	Title            string `json:"title,omitempty"`
	OrganizationName string `json:"organization_name,omitempty"`
	Domain           string `json:"domain,omitempty"`
	RevealEmails     bool   `json:"reveal_personal_emails"`
}

// matchResponse mirrors the JSON returned by POST /v1/people/match.
type matchResponse struct {
	Person struct {
		Email           string  `json:"email"`
		LinkedInURL     string  `json:"linkedin_url"`
		EmailConfidence float64 `json:"email_confidence"`
	} `json:"person"`
}

// Search resolves a contact's email through the people-match endpoint.
// Rate-limit responses are retried internally up to apolloMaxAttempts; once
// that budget is spent the error carries the ErrExhausted marker.
func (c *ApolloClient) Search(ctx context.Context, contact storage.Contact, org storage.Organization) (Result, error) {
	body, err := json.Marshal(matchRequest{
		Name:             contact.FullName,
		Title:            contact.Title,
		OrganizationName: org.Name,
		Domain:           org.Domain,
		RevealEmails:     true,
	})
	if err != nil {
		return Result{}, err
	}

	for attempt := 1; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/people/match", bytes.NewReader(body))
		if err != nil {
			return Result{}, fmt.Errorf("creating match request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Api-Key", c.apiKey)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return Result{}, fmt.Errorf("match request: %w", err)
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			resp.Body.Close()
			if attempt >= apolloMaxAttempts {
				return Result{}, fmt.Errorf("apollo rate limited after %d attempts: %w", attempt, ErrExhausted)
			}
			select {
			case <-ctx.Done():
				return Result{}, ctx.Err()
			case <-time.After(time.Duration(attempt) * time.Second):
			}
			continue
		}

		if resp.StatusCode == http.StatusNotFound {
			resp.Body.Close()
			return Result{Source: c.Name()}, nil
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return Result{}, fmt.Errorf("match: unexpected status %d", resp.StatusCode)
		}

		var mr matchResponse
		err = json.NewDecoder(resp.Body).Decode(&mr)
		resp.Body.Close()
		if err != nil {
			return Result{}, fmt.Errorf("decoding match response: %w", err)
		}

		return Result{
			Found:       mr.Person.Email != "",
			Email:       mr.Person.Email,
			LinkedInURL: mr.Person.LinkedInURL,
			Confidence:  mr.Person.EmailConfidence,
			Source:      c.Name(),
		}, nil
	}
}
