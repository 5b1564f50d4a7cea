package storage

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// SearchType enumerates the kinds of search jobs the orchestrator runs.
type SearchType string

const (
	SearchOrganization       SearchType = "organization"
	SearchOrganizationPeople SearchType = "organization_people"
	SearchEmailEnrichment    SearchType = "email_enrichment"
	SearchSingleEmail        SearchType = "single_email"
	SearchBulkEmail          SearchType = "bulk_email"
	SearchExtension          SearchType = "extension"
	SearchIndividual         SearchType = "individual"
)

// ParseSearchType converts a raw string to a SearchType, returning an error
// for unknown values.
func ParseSearchType(s string) (SearchType, error) {
	st := SearchType(s)
	switch st {
	case SearchOrganization, SearchOrganizationPeople, SearchEmailEnrichment,
		SearchSingleEmail, SearchBulkEmail, SearchExtension, SearchIndividual:
		return st, nil
	}
	return "", fmt.Errorf("unknown search type %q", s)
}

// JobStatus values mirror the status column in SQLite.
//
// Valid status graph:
//
//	pending ──► processing ──► completed
//	   ▲  │          │    ├──► failed ──► pending (retry)
//	   │  ├──────────┴────┴──► terminated
//	   │  └──► failed (credit precheck)
//	   └──── processing (stuck reclaim)
type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
	StatusTerminated JobStatus = "terminated"
)

// validTransitions lists every allowed (from → to) pair.
var validTransitions = map[JobStatus][]JobStatus{
	StatusPending:    {StatusProcessing, StatusFailed, StatusTerminated},
	StatusProcessing: {StatusCompleted, StatusFailed, StatusTerminated, StatusPending},
	StatusFailed:     {StatusPending},
	// completed and terminated are terminal — no outgoing transitions
}

// allStatuses fixes an iteration order for derivations from the transition
// table.
var allStatuses = []JobStatus{
	StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusTerminated,
}

// IsTransitionAllowed reports whether moving from → to is permitted by the
// job state machine.
func IsTransitionAllowed(from, to JobStatus) bool {
	allowed, ok := validTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// TransitionSources returns every status from which the state machine
// permits a move to target. Status UPDATEs use it to guard their WHERE
// clauses so an out-of-order writer loses instead of clobbering.
func TransitionSources(target JobStatus) []JobStatus {
	var from []JobStatus
	for _, s := range allStatuses {
		if IsTransitionAllowed(s, target) {
			from = append(from, s)
		}
	}
	return from
}

// IsTerminal reports whether a job in this status will never run again.
func IsTerminal(s JobStatus) bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusTerminated
}

// TerminalStatuses returns the statuses with no outgoing transitions.
func TerminalStatuses() []JobStatus {
	var terminal []JobStatus
	for _, s := range allStatuses {
		if IsTerminal(s) {
			terminal = append(terminal, s)
		}
	}
	return terminal
}

// Progress is the logical milestone counter reported to callers.
type Progress struct {
	Phase     string `json:"phase"`
	Completed int    `json:"completed"`
	Total     int    `json:"total"`
	Message   string `json:"message"`
}

type Job struct {
	ID          int64
	PublicID    string
	UserID      int64
	SearchType  SearchType
	Query       string
	Source      string
	Status      JobStatus
	Progress    Progress
	ResultsJSON string // accumulated results, JSON object stored as text
	Metadata    string // free-form search-type-specific JSON stored as text
	Priority    int
	RetryCount  int
	MaxRetries  int
	LastError   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	StartedAt   time.Time // zero when never claimed
	CompletedAt time.Time // zero until terminal
}

type Organization struct {
	ID          string
	JobPublicID string
	UserID      int64
	Name        string
	Domain      string
	Industry    string
	Location    string
	Description string
	CreatedAt   time.Time
}

type Contact struct {
	ID                string
	OrganizationID    string
	FullName          string
	Title             string
	Email             string
	LinkedInURL       string
	PhoneNumber       string
	Probability       int
	CompletedSearches string // JSON array stored as text
	LastValidated     time.Time
	CreatedAt         time.Time
}
