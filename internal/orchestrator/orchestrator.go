// Package orchestrator owns the search-job lifecycle: creation, claiming,
// phased execution, termination, retry, and the reaper's recovery sweeps.
// All state lives in the store; the orchestrator itself can be restarted at
// any point and picks up where the rows say it left off.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/leadscout/internal/batch"
	"github.com/kalambet/leadscout/internal/credits"
	"github.com/kalambet/leadscout/internal/provider"
	"github.com/kalambet/leadscout/internal/search"
	"github.com/kalambet/leadscout/internal/storage"
)

// ErrTerminated is returned out of a phase when the job's row left the
// processing state mid-run (user termination or reaper reclaim). The row is
// already settled; execution just needs to unwind.
var ErrTerminated = errors.New("job no longer processing")

const (
	defaultOrgLimit    = 5
	defaultPeopleLimit = 10
	enrichBatchWidth   = 3
)

// Discoverer finds organizations and people for a query.
type Discoverer interface {
	FindOrganizations(ctx context.Context, query string, limit int) ([]storage.Organization, error)
	FindPeople(ctx context.Context, org storage.Organization, limit int) ([]storage.Contact, error)
}

// Enricher fills missing contact emails for one organization.
type Enricher interface {
	EnrichOrganization(ctx context.Context, org storage.Organization, contacts []storage.Contact, gate search.Gate) ([]search.EmailResult, error)
}

// Orchestrator drives search jobs through their state machine.
type Orchestrator struct {
	store  *storage.Store
	ledger *credits.Ledger
	finder Discoverer
	engine Enricher
	logger *slog.Logger
}

// New creates an Orchestrator over its collaborators.
func New(store *storage.Store, ledger *credits.Ledger, finder Discoverer, engine Enricher) *Orchestrator {
	return &Orchestrator{
		store:  store,
		ledger: ledger,
		finder: finder,
		engine: engine,
		logger: slog.Default(),
	}
}

// CreateJobParams carries everything needed to enqueue a search job.
type CreateJobParams struct {
	UserID     int64
	SearchType string
	Query      string
	Source     string
	Metadata   map[string]string
	Priority   int
}

// queryRequired lists the search types that run discovery and therefore need
// a query; the rest act on a contact id carried in metadata.
var queryRequired = map[storage.SearchType]bool{
	storage.SearchOrganization:       true,
	storage.SearchOrganizationPeople: true,
	storage.SearchEmailEnrichment:    true,
	storage.SearchBulkEmail:          true,
}

// CreateJob validates the parameters, persists a pending job, and returns
// its public id. The background worker picks it up from there.
func (o *Orchestrator) CreateJob(params CreateJobParams) (string, error) {
	searchType, err := storage.ParseSearchType(params.SearchType)
	if err != nil {
		return "", err
	}
	if queryRequired[searchType] && params.Query == "" {
		return "", fmt.Errorf("%s search requires a query", searchType)
	}
	if !queryRequired[searchType] && params.Metadata["contact_id"] == "" {
		return "", fmt.Errorf("%s search requires metadata.contact_id", searchType)
	}

	metadata := "{}"
	if len(params.Metadata) > 0 {
		data, err := json.Marshal(params.Metadata)
		if err != nil {
			return "", fmt.Errorf("encoding metadata: %w", err)
		}
		metadata = string(data)
	}

	job := storage.Job{
		PublicID:   uuid.NewString(),
		UserID:     params.UserID,
		SearchType: searchType,
		Query:      params.Query,
		Source:     params.Source,
		Status:     storage.StatusPending,
		Metadata:   metadata,
		Priority:   params.Priority,
		MaxRetries: 3,
		CreatedAt:  time.Now().UTC(),
		UpdatedAt:  time.Now().UTC(),
	}
	if err := o.store.CreateJob(job); err != nil {
		return "", fmt.Errorf("persisting job: %w", err)
	}
	o.logger.Info("job created", "job_id", job.PublicID, "search_type", searchType, "user_id", params.UserID)
	return job.PublicID, nil
}

// GetJob returns a job owned by userID. A job belonging to someone else is
// reported as not found rather than forbidden.
func (o *Orchestrator) GetJob(publicID string, userID int64) (storage.Job, error) {
	job, err := o.store.GetJob(publicID)
	if err != nil {
		return storage.Job{}, err
	}
	if job.UserID != userID {
		return storage.Job{}, storage.ErrNotFound
	}
	return job, nil
}

// ListJobs returns the user's most recent jobs.
func (o *Orchestrator) ListJobs(userID int64, limit int) ([]storage.Job, error) {
	return o.store.ListJobs(userID, limit)
}

// ExecuteJob runs one pending job end to end: credit precheck, atomic
// claim, phased execution, terminal transition. Safe to call for a job
// another worker already claimed — the claim simply loses and nothing runs.
func (o *Orchestrator) ExecuteJob(ctx context.Context, publicID string) error {
	job, err := o.store.GetJob(publicID)
	if err != nil {
		return err
	}
	if job.Status != storage.StatusPending {
		return nil
	}

	// The precheck gates entry: a short balance fails the job permanently,
	// since waiting will not refill it. The typed error is still returned so
	// direct callers can distinguish the outcome.
	if err := o.ledger.EnsureBalance(job.UserID, job.SearchType); err != nil {
		var short *credits.InsufficientCreditsError
		if errors.As(err, &short) {
			o.logger.Warn("job failed credit precheck", "job_id", publicID, "error", err)
			if failErr := o.store.FailJob(publicID, err.Error()); failErr != nil {
				return failErr
			}
		}
		return err
	}

	claimed, err := o.store.ClaimJob(publicID)
	if err != nil {
		return err
	}
	if !claimed {
		return nil
	}

	o.logger.Info("job claimed", "job_id", publicID, "search_type", job.SearchType)
	return o.settle(job, o.runPhases(ctx, job))
}

// settle maps the phase outcome onto a terminal (or re-queued) state.
func (o *Orchestrator) settle(job storage.Job, runErr error) error {
	switch {
	case runErr == nil:
		if err := o.store.CompleteJob(job.PublicID); err != nil {
			return err
		}
		if err := o.ledger.Deduct(job.UserID, job.SearchType); err != nil {
			// The search succeeded; a deduction hiccup must not fail it.
			o.logger.Error("credit deduction failed", "job_id", job.PublicID, "error", err)
		}
		o.logger.Info("job completed", "job_id", job.PublicID)
		return nil

	case errors.Is(runErr, ErrTerminated):
		o.logger.Info("job terminated mid-run", "job_id", job.PublicID)
		return nil

	case errors.Is(runErr, provider.ErrExhausted):
		o.logger.Warn("job failed, provider budget exhausted", "job_id", job.PublicID, "error", runErr)
		return o.store.FailJob(job.PublicID, runErr.Error())

	default:
		return o.FailOrRetry(job.PublicID, runErr.Error())
	}
}

// FailOrRetry re-queues the job when retry budget remains, otherwise fails
// it. Also used by the worker's panic recovery.
func (o *Orchestrator) FailOrRetry(publicID, cause string) error {
	job, err := o.store.GetJob(publicID)
	if err != nil {
		return err
	}
	if job.RetryCount < job.MaxRetries {
		o.logger.Warn("job re-queued", "job_id", publicID,
			"attempt", job.RetryCount+1, "max_retries", job.MaxRetries, "error", cause)
		return o.store.RequeueJob(publicID, cause)
	}
	o.logger.Error("job failed, retries exhausted", "job_id", publicID, "error", cause)
	return o.store.FailJob(publicID, cause)
}

// TerminateJob cooperatively stops a pending or processing job owned by
// userID. Returns false when the job was already terminal.
func (o *Orchestrator) TerminateJob(publicID string, userID int64) (bool, error) {
	if _, err := o.GetJob(publicID, userID); err != nil {
		return false, err
	}
	return o.store.TerminateJob(publicID, "terminated by user")
}

// CancelJob removes a job from the queue before it starts. Only pending
// jobs qualify; if the worker claims it between the check and the update,
// the cancellation degrades into a cooperative termination, which is what
// the caller wanted anyway.
func (o *Orchestrator) CancelJob(publicID string, userID int64) (bool, error) {
	job, err := o.GetJob(publicID, userID)
	if err != nil {
		return false, err
	}
	if job.Status != storage.StatusPending {
		return false, nil
	}
	return o.store.TerminateJob(publicID, "cancelled before start")
}

// RetryJob manually re-queues a failed job.
func (o *Orchestrator) RetryJob(publicID string, userID int64) error {
	job, err := o.GetJob(publicID, userID)
	if err != nil {
		return err
	}
	if job.Status != storage.StatusFailed {
		return fmt.Errorf("job %s is %s, only failed jobs can be retried", publicID, job.Status)
	}
	return o.store.ResetJobToPending(publicID)
}

// ReclaimStuck re-queues processing jobs whose heartbeat (updated_at) went
// quiet for longer than timeout — the mark of a crashed worker. Jobs out of
// retry budget fail instead. Returns the number of jobs touched.
func (o *Orchestrator) ReclaimStuck(timeout time.Duration) (int, error) {
	stuck, err := o.store.GetStuckProcessingJobs(timeout)
	if err != nil {
		return 0, err
	}
	for _, job := range stuck {
		if job.RetryCount < job.MaxRetries {
			o.logger.Warn("reclaiming stuck job", "job_id", job.PublicID, "attempt", job.RetryCount+1)
			err = o.store.ResetJobToPending(job.PublicID)
		} else {
			o.logger.Error("stuck job out of retries", "job_id", job.PublicID)
			err = o.store.FailJob(job.PublicID, "processing timed out")
		}
		if err != nil {
			return 0, err
		}
	}
	return len(stuck), nil
}

// CleanupOldJobs deletes terminal jobs older than the retention window.
func (o *Orchestrator) CleanupOldJobs(retention time.Duration) (int64, error) {
	n, err := o.store.DeleteOldJobs(time.Now().UTC().Add(-retention))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		o.logger.Info("cleaned up old jobs", "deleted", n)
	}
	return n, nil
}

// --- phased execution ---

// phaseTotal fixes the progress denominator before the first phase so the
// bar never moves backwards.
func phaseTotal(searchType storage.SearchType) int {
	switch searchType {
	case storage.SearchOrganization:
		return 3
	case storage.SearchOrganizationPeople:
		return 4
	case storage.SearchEmailEnrichment, storage.SearchBulkEmail:
		return 5
	default: // single-contact types
		return 3
	}
}

func (o *Orchestrator) runPhases(ctx context.Context, job storage.Job) error {
	switch job.SearchType {
	case storage.SearchOrganization:
		return o.runOrganizationJob(ctx, job)
	case storage.SearchOrganizationPeople:
		return o.runPeopleJob(ctx, job, false)
	case storage.SearchEmailEnrichment, storage.SearchBulkEmail:
		return o.runPeopleJob(ctx, job, true)
	case storage.SearchSingleEmail, storage.SearchIndividual, storage.SearchExtension:
		return o.runContactJob(ctx, job)
	default:
		return fmt.Errorf("unknown search type %q", job.SearchType)
	}
}

// gate is polled at phase boundaries and inside the tiered engine. It turns
// a terminated row into cooperative unwinding.
func (o *Orchestrator) gate(publicID string) search.Gate {
	return func(ctx context.Context) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		job, err := o.store.GetJob(publicID)
		if err != nil {
			return err
		}
		if job.Status != storage.StatusProcessing {
			return ErrTerminated
		}
		return nil
	}
}

// advance records a completed phase. Progress only ever moves forward;
// decorative status text goes through the message column instead.
func (o *Orchestrator) advance(publicID, phase string, completed, total int) error {
	return o.store.UpdateJobProgress(publicID, storage.Progress{
		Phase:     phase,
		Completed: completed,
		Total:     total,
		Message:   phase,
	})
}

func (o *Orchestrator) runOrganizationJob(ctx context.Context, job storage.Job) error {
	total := phaseTotal(job.SearchType)
	gate := o.gate(job.PublicID)

	if err := o.advance(job.PublicID, "discovering organizations", 0, total); err != nil {
		return err
	}
	orgs, err := o.discoverOrganizations(ctx, job)
	if err != nil {
		return err
	}
	if err := o.advance(job.PublicID, "saving organizations", 1, total); err != nil {
		return err
	}
	if err := gate(ctx); err != nil {
		return err
	}

	incoming := JobResults{}
	for _, org := range orgs {
		incoming.Organizations = append(incoming.Organizations, organizationResult(org))
	}
	if err := o.advance(job.PublicID, "finalizing", 2, total); err != nil {
		return err
	}
	if err := o.mergeResults(job.PublicID, incoming); err != nil {
		return err
	}
	return o.advance(job.PublicID, "done", total, total)
}

// runPeopleJob covers organization_people (withEmails=false) and the
// email-bearing bulk types (withEmails=true). The shared front half finds
// organizations and their people; the email phases bolt on after.
func (o *Orchestrator) runPeopleJob(ctx context.Context, job storage.Job, withEmails bool) error {
	total := phaseTotal(job.SearchType)
	gate := o.gate(job.PublicID)

	if err := o.advance(job.PublicID, "discovering organizations", 0, total); err != nil {
		return err
	}
	orgs, err := o.discoverOrganizations(ctx, job)
	if err != nil {
		return err
	}
	if err := o.advance(job.PublicID, "discovering people", 1, total); err != nil {
		return err
	}

	incoming := JobResults{}
	contactsByOrg := make(map[string][]storage.Contact, len(orgs))
	for _, org := range orgs {
		if err := gate(ctx); err != nil {
			return err
		}
		o.noteProgress(job.PublicID, fmt.Sprintf("looking up people at %s", org.Name))

		people, err := o.finder.FindPeople(ctx, org, defaultPeopleLimit)
		if err != nil {
			return fmt.Errorf("discovering people at %s: %w", org.Name, err)
		}
		for i := range people {
			people[i].ID = uuid.NewString()
			people[i].OrganizationID = org.ID
			people[i].CreatedAt = time.Now().UTC()
			if err := o.store.SaveContact(people[i]); err != nil {
				return fmt.Errorf("saving contact: %w", err)
			}
			incoming.Contacts = append(incoming.Contacts, contactResult(people[i]))
		}
		contactsByOrg[org.ID] = people
		incoming.Organizations = append(incoming.Organizations, organizationResult(org))
	}

	phase := 2
	if withEmails {
		if err := o.advance(job.PublicID, "searching emails", phase, total); err != nil {
			return err
		}
		emails, err := o.enrichOrganizations(ctx, job, orgs, contactsByOrg, gate)
		if err != nil {
			return err
		}
		phase++
		if err := o.advance(job.PublicID, "merging results", phase, total); err != nil {
			return err
		}
		applyEmailResults(&incoming, emails)
		phase++
	} else {
		if err := o.advance(job.PublicID, "saving results", phase, total); err != nil {
			return err
		}
		phase++
	}

	if err := o.advance(job.PublicID, "finalizing", phase, total); err != nil {
		return err
	}
	if err := o.mergeResults(job.PublicID, incoming); err != nil {
		return err
	}
	return o.advance(job.PublicID, "done", total, total)
}

func (o *Orchestrator) runContactJob(ctx context.Context, job storage.Job) error {
	total := phaseTotal(job.SearchType)
	gate := o.gate(job.PublicID)

	if err := o.advance(job.PublicID, "loading contact", 0, total); err != nil {
		return err
	}
	var meta struct {
		ContactID string `json:"contact_id"`
	}
	if err := json.Unmarshal([]byte(job.Metadata), &meta); err != nil {
		return fmt.Errorf("decoding job metadata: %w", err)
	}
	contact, err := o.store.GetContact(meta.ContactID)
	if err != nil {
		return fmt.Errorf("loading contact %s: %w", meta.ContactID, err)
	}
	org, err := o.store.GetOrganization(contact.OrganizationID)
	if err != nil {
		return fmt.Errorf("loading organization %s: %w", contact.OrganizationID, err)
	}

	if err := o.advance(job.PublicID, "searching email", 1, total); err != nil {
		return err
	}
	emails, err := o.engine.EnrichOrganization(ctx, org, []storage.Contact{contact}, gate)
	if err != nil {
		return err
	}

	if err := o.advance(job.PublicID, "finalizing", 2, total); err != nil {
		return err
	}
	incoming := JobResults{
		Organizations: []OrganizationResult{organizationResult(org)},
		Contacts:      []ContactResult{contactResult(contact)},
	}
	applyEmailResults(&incoming, emails)
	if err := o.mergeResults(job.PublicID, incoming); err != nil {
		return err
	}
	return o.advance(job.PublicID, "done", total, total)
}

// discoverOrganizations runs discovery and persists what it finds. Zero
// findings is a valid outcome — the job completes with empty results.
func (o *Orchestrator) discoverOrganizations(ctx context.Context, job storage.Job) ([]storage.Organization, error) {
	orgs, err := o.finder.FindOrganizations(ctx, job.Query, defaultOrgLimit)
	if err != nil {
		return nil, fmt.Errorf("discovering organizations: %w", err)
	}
	for i := range orgs {
		orgs[i].ID = uuid.NewString()
		orgs[i].JobPublicID = job.PublicID
		orgs[i].UserID = job.UserID
		orgs[i].CreatedAt = time.Now().UTC()
		if err := o.store.SaveOrganization(orgs[i]); err != nil {
			return nil, fmt.Errorf("saving organization: %w", err)
		}
	}
	if len(orgs) == 0 {
		o.noteProgress(job.PublicID, "no matching organizations found")
	}
	return orgs, nil
}

// enrichOrganizations fans the tiered email search out over organizations
// in checkpointed batches, so a crash loses at most one batch of work and
// partial results land as they are found.
func (o *Orchestrator) enrichOrganizations(ctx context.Context, job storage.Job, orgs []storage.Organization, contactsByOrg map[string][]storage.Contact, gate search.Gate) ([]search.EmailResult, error) {
	var (
		mu     sync.Mutex
		emails []search.EmailResult
	)

	err := batch.Process(ctx, orgs, enrichBatchWidth,
		func(ctx context.Context, org storage.Organization) error {
			found, err := o.engine.EnrichOrganization(ctx, org, contactsByOrg[org.ID], gate)
			mu.Lock()
			emails = append(emails, found...)
			mu.Unlock()
			return err
		},
		func(ctx context.Context, results []batch.Result[storage.Organization]) error {
			for _, r := range batch.Failed(results) {
				// Terminations and exhausted provider budgets must stop the
				// run; anything else costs only that organization's emails.
				if errors.Is(r.Err, ErrTerminated) || errors.Is(r.Err, provider.ErrExhausted) {
					return r.Err
				}
				o.logger.Warn("email search failed for organization",
					"job_id", job.PublicID, "organization", r.Item.Name, "error", r.Err)
			}
			mu.Lock()
			done := len(emails)
			mu.Unlock()
			o.noteProgress(job.PublicID, fmt.Sprintf("found %d emails so far", done))
			return nil
		})
	return emails, err
}

// noteProgress updates the decorative status line. Failing to write it is
// not worth failing the job over.
func (o *Orchestrator) noteProgress(publicID, message string) {
	if err := o.store.UpdateJobMessage(publicID, message); err != nil {
		o.logger.Warn("progress message update failed", "job_id", publicID, "error", err)
	}
}

func (o *Orchestrator) mergeResults(publicID string, incoming JobResults) error {
	job, err := o.store.GetJob(publicID)
	if err != nil {
		return err
	}
	merged, err := MergeJobResults(job.ResultsJSON, incoming)
	if err != nil {
		return err
	}
	return o.store.UpdateJobResults(publicID, merged)
}

// applyEmailResults folds found emails into the result contacts.
func applyEmailResults(results *JobResults, emails []search.EmailResult) {
	byContact := make(map[string]search.EmailResult, len(emails))
	for _, e := range emails {
		byContact[e.ContactID] = e
	}
	for i, c := range results.Contacts {
		if e, ok := byContact[c.ID]; ok && c.Email == "" {
			results.Contacts[i].Email = e.Email
			results.Contacts[i].EmailSource = e.Source
			if results.Contacts[i].LinkedInURL == "" {
				results.Contacts[i].LinkedInURL = e.LinkedInURL
			}
		}
	}
}
