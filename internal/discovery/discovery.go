// Package discovery finds organizations matching a query and the people
// working at them, using the full-text research provider with a
// structured-JSON prompt.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/kalambet/leadscout/internal/provider"
	"github.com/kalambet/leadscout/internal/storage"
)

// Chatter is the interface for chat completion against the research provider.
type Chatter interface {
	Chat(ctx context.Context, messages []provider.Message) (string, error)
}

// Finder discovers organizations and contacts through the research provider.
type Finder struct {
	client Chatter
	logger *slog.Logger
}

// NewFinder creates a Finder over the given chat client.
func NewFinder(client Chatter) *Finder {
	return &Finder{client: client, logger: slog.Default()}
}

// foundOrg mirrors one element of the JSON array the discovery prompt asks for.
type foundOrg struct {
	Name        string `json:"name"`
	Domain      string `json:"domain"`
	Industry    string `json:"industry"`
	Location    string `json:"location"`
	Description string `json:"description"`
}

// foundPerson mirrors one element of the people-discovery reply.
type foundPerson struct {
	FullName    string `json:"full_name"`
	Title       string `json:"title"`
	LinkedInURL string `json:"linkedin_url"`
	Relevance   int    `json:"relevance"`
}

// FindOrganizations returns up to limit organizations matching the query.
// The returned records carry no ids — the orchestrator assigns them when
// persisting.
func (f *Finder) FindOrganizations(ctx context.Context, query string, limit int) ([]storage.Organization, error) {
	prompt := fmt.Sprintf(
		"Find up to %d real companies matching: %q. "+
			`Respond with only a JSON array of objects: [{"name": "", "domain": "", "industry": "", "location": "", "description": ""}]. `+
			"Use an empty string for unknown fields. No prose.",
		limit, query)

	raw, err := f.client.Chat(ctx, []provider.Message{{Role: "user", Content: prompt}})
	if err != nil {
		return nil, fmt.Errorf("organization discovery: %w", err)
	}

	var found []foundOrg
	if err := json.Unmarshal([]byte(provider.ExtractJSON(raw)), &found); err != nil {
		f.logger.Warn("unparseable organization discovery reply", "error", err)
		return nil, nil
	}

	orgs := make([]storage.Organization, 0, len(found))
	for _, o := range found {
		if o.Name == "" {
			continue
		}
		orgs = append(orgs, storage.Organization{
			Name:        o.Name,
			Domain:      o.Domain,
			Industry:    o.Industry,
			Location:    o.Location,
			Description: o.Description,
		})
		if len(orgs) == limit {
			break
		}
	}
	return orgs, nil
}

// FindPeople returns up to limit likely decision makers at the organization,
// ranked by the model's relevance score (mapped onto the contact probability
// field).
func (f *Finder) FindPeople(ctx context.Context, org storage.Organization, limit int) ([]storage.Contact, error) {
	prompt := fmt.Sprintf(
		"List up to %d decision makers (marketing, sales, or leadership) currently working at %s (%s). "+
			`Respond with only a JSON array: [{"full_name": "", "title": "", "linkedin_url": "", "relevance": 0}]. `+
			"Relevance is 1-10, highest for the best outreach target. No prose.",
		limit, org.Name, org.Domain)

	raw, err := f.client.Chat(ctx, []provider.Message{{Role: "user", Content: prompt}})
	if err != nil {
		return nil, fmt.Errorf("people discovery for %s: %w", org.Name, err)
	}

	var found []foundPerson
	if err := json.Unmarshal([]byte(provider.ExtractJSON(raw)), &found); err != nil {
		f.logger.Warn("unparseable people discovery reply", "organization", org.Name, "error", err)
		return nil, nil
	}

	contacts := make([]storage.Contact, 0, len(found))
	for _, p := range found {
		if p.FullName == "" {
			continue
		}
		contacts = append(contacts, storage.Contact{
			FullName:    p.FullName,
			Title:       p.Title,
			LinkedInURL: p.LinkedInURL,
			Probability: p.Relevance,
		})
		if len(contacts) == limit {
			break
		}
	}
	return contacts, nil
}
