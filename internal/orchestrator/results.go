package orchestrator

import (
	"encoding/json"
	"fmt"

	"github.com/kalambet/leadscout/internal/storage"
)

// JobResults is the shape stored in the job's results column. Lists only
// ever grow: re-running a job unions new findings with what is already
// there, keyed by id.
type JobResults struct {
	Organizations []OrganizationResult `json:"organizations,omitempty"`
	Contacts      []ContactResult      `json:"contacts,omitempty"`
	EmailsFound   int                  `json:"emails_found"`
}

type OrganizationResult struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Domain   string `json:"domain,omitempty"`
	Industry string `json:"industry,omitempty"`
	Location string `json:"location,omitempty"`
}

type ContactResult struct {
	ID             string `json:"id"`
	OrganizationID string `json:"organization_id"`
	FullName       string `json:"full_name"`
	Title          string `json:"title,omitempty"`
	Email          string `json:"email,omitempty"`
	LinkedInURL    string `json:"linkedin_url,omitempty"`
	Probability    int    `json:"probability"`
	EmailSource    string `json:"email_source,omitempty"`
}

func organizationResult(org storage.Organization) OrganizationResult {
	return OrganizationResult{
		ID: org.ID, Name: org.Name, Domain: org.Domain,
		Industry: org.Industry, Location: org.Location,
	}
}

func contactResult(c storage.Contact) ContactResult {
	return ContactResult{
		ID: c.ID, OrganizationID: c.OrganizationID, FullName: c.FullName,
		Title: c.Title, Email: c.Email, LinkedInURL: c.LinkedInURL,
		Probability: c.Probability,
	}
}

// MergeJobResults unions incoming results into the job's stored results
// JSON. Existing entries win on id collision except that an empty email is
// upgraded by a filled one; nothing is ever removed.
func MergeJobResults(storedJSON string, incoming JobResults) (string, error) {
	var merged JobResults
	if storedJSON != "" && storedJSON != "{}" {
		if err := json.Unmarshal([]byte(storedJSON), &merged); err != nil {
			return "", fmt.Errorf("decoding stored results: %w", err)
		}
	}

	orgIdx := make(map[string]int, len(merged.Organizations))
	for i, o := range merged.Organizations {
		orgIdx[o.ID] = i
	}
	for _, o := range incoming.Organizations {
		if _, ok := orgIdx[o.ID]; !ok {
			orgIdx[o.ID] = len(merged.Organizations)
			merged.Organizations = append(merged.Organizations, o)
		}
	}

	contactIdx := make(map[string]int, len(merged.Contacts))
	for i, c := range merged.Contacts {
		contactIdx[c.ID] = i
	}
	for _, c := range incoming.Contacts {
		i, ok := contactIdx[c.ID]
		if !ok {
			contactIdx[c.ID] = len(merged.Contacts)
			merged.Contacts = append(merged.Contacts, c)
			continue
		}
		if merged.Contacts[i].Email == "" && c.Email != "" {
			merged.Contacts[i].Email = c.Email
			merged.Contacts[i].EmailSource = c.EmailSource
			if merged.Contacts[i].LinkedInURL == "" {
				merged.Contacts[i].LinkedInURL = c.LinkedInURL
			}
		}
	}

	merged.EmailsFound = 0
	for _, c := range merged.Contacts {
		if c.Email != "" {
			merged.EmailsFound++
		}
	}

	data, err := json.Marshal(merged)
	if err != nil {
		return "", fmt.Errorf("encoding merged results: %w", err)
	}
	return string(data), nil
}
