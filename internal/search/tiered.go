// Package search implements the tiered waterfall that fills in missing
// contact emails for one organization across the configured providers.
package search

import (
	"context"
	"errors"
	"log/slog"
	"slices"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/leadscout/internal/provider"
	"github.com/kalambet/leadscout/internal/ratelimit"
	"github.com/kalambet/leadscout/internal/storage"
)

const (
	// Only the top-ranked contacts are searched in one pass; the rest wait
	// for a later job.
	maxContactsPerPass = 3

	// Tier 2 is skipped once Tier 1 resolves this many new emails — the
	// company is well covered.
	tier2SkipThreshold = 2

	// exhaustiveMarker guards the one-time no-email penalty across retries.
	exhaustiveMarker = "exhaustive_search"

	primaryProvider   = "apollo"
	secondaryProvider = "perplexity"
	directoryProvider = "hunter"
)

// Tier 2 contact-rank assignment. The overlap on rank 0 is intentional (both
// supplementary providers try the top lead); the exact split is an empirical
// load-balancing choice, tunable rather than a contract.
var (
	secondaryRanks = []int{0, 2}
	directoryRanks = []int{0, 1}
)

// SourceExisting marks a contact whose email was already present before the
// search; it counts toward the tier's yield but costs no provider call.
const SourceExisting = "existing"

// EmailResult is the ephemeral per-attempt record. Only its effect on the
// contact row is durable.
type EmailResult struct {
	ContactID   string
	Email       string
	Source      string
	Confidence  float64
	LinkedInURL string
}

// ContactStore is the subset of the storage layer the engine mutates.
type ContactStore interface {
	FillContactEmail(id, email, linkedinURL string) (bool, error)
	AppendCompletedSearch(id, marker string) error
	ApplySearchPenalty(id, marker string) (bool, error)
}

// Gate is polled before each provider dispatch; returning an error aborts
// the remaining tiers (cooperative cancellation).
type Gate func(ctx context.Context) error

// Engine runs the two-tier waterfall for one organization at a time.
type Engine struct {
	providers *provider.Registry
	limiter   *ratelimit.Limiter
	store     ContactStore
	logger    *slog.Logger
}

// NewEngine creates an Engine over the given provider registry, rate
// limiter, and contact store.
func NewEngine(providers *provider.Registry, limiter *ratelimit.Limiter, store ContactStore) *Engine {
	return &Engine{
		providers: providers,
		limiter:   limiter,
		store:     store,
		logger:    slog.Default(),
	}
}

// EnrichOrganization fills missing emails for up to three of the
// organization's best-ranked contacts:
//
//  1. Tier 1 queries the primary provider sequentially — its rate limit is
//     the binding constraint, so parallelism would only queue on the limiter.
//  2. When Tier 1 yields fewer than two new emails, Tier 2 fans out up to
//     four supplementary lookups in parallel.
//  3. Contacts left without an email receive the one-time ranking penalty.
//
// Every resolution is persisted immediately so progressive readers see
// emails appear as they are found. gate may be nil.
func (e *Engine) EnrichOrganization(ctx context.Context, org storage.Organization, contacts []storage.Contact, gate Gate) ([]EmailResult, error) {
	selected := selectTopContacts(contacts)
	if len(selected) == 0 {
		return nil, nil
	}

	results := make([]EmailResult, 0, len(selected))
	resolved := make(map[string]bool, len(selected))
	newEmails := 0

	// Tier 1: primary provider, strictly sequential.
	for i := range selected {
		c := &selected[i]
		if c.Email != "" {
			resolved[c.ID] = true
			results = append(results, EmailResult{ContactID: c.ID, Email: c.Email, Source: SourceExisting, Confidence: 1})
			continue
		}

		if gate != nil {
			if err := gate(ctx); err != nil {
				return results, err
			}
		}

		res, err := e.searchOne(ctx, primaryProvider, *c, org)
		if err != nil {
			if errors.Is(err, provider.ErrExhausted) {
				return results, err
			}
			e.logger.Warn("tier 1 lookup failed", "provider", primaryProvider, "contact_id", c.ID, "error", err)
			continue
		}
		if res.Found {
			applied, err := e.store.FillContactEmail(c.ID, res.Email, res.LinkedInURL)
			if err != nil {
				return results, err
			}
			if applied {
				c.Email = res.Email
				resolved[c.ID] = true
				newEmails++
				results = append(results, EmailResult{
					ContactID: c.ID, Email: res.Email, Source: res.Source,
					Confidence: res.Confidence, LinkedInURL: res.LinkedInURL,
				})
			}
		}
	}

	// Tier 2: only when the company is not yet well covered.
	if newEmails < tier2SkipThreshold {
		tier2, err := e.runTier2(ctx, org, selected, resolved, gate)
		results = append(results, tier2...)
		if err != nil {
			return results, err
		}
	}

	// Penalize contacts that a full search still could not resolve; the
	// marker keeps the penalty from reapplying on job retries.
	for _, c := range selected {
		if resolved[c.ID] {
			continue
		}
		current, err := e.store.ApplySearchPenalty(c.ID, exhaustiveMarker)
		if err != nil {
			return results, err
		}
		if current {
			e.logger.Debug("applied exhaustive-search penalty", "contact_id", c.ID)
		}
	}

	return results, nil
}

// tier2Lookup pairs one supplementary provider with one contact rank.
type tier2Lookup struct {
	providerName string
	contact      storage.Contact
}

func (e *Engine) runTier2(ctx context.Context, org storage.Organization, selected []storage.Contact, resolved map[string]bool, gate Gate) ([]EmailResult, error) {
	var lookups []tier2Lookup
	addLookup := func(name string, rank int) {
		if rank >= len(selected) || resolved[selected[rank].ID] {
			return
		}
		lookups = append(lookups, tier2Lookup{providerName: name, contact: selected[rank]})
	}
	for _, rank := range secondaryRanks {
		addLookup(secondaryProvider, rank)
	}
	for _, rank := range directoryRanks {
		addLookup(directoryProvider, rank)
	}
	if len(lookups) == 0 {
		return nil, nil
	}

	var (
		results = make([]EmailResult, 0, len(lookups))
		g, gCtx = errgroup.WithContext(ctx)
		applyCh = make(chan EmailResult, len(lookups))
	)

	for _, lu := range lookups {
		lu := lu
		g.Go(func() error {
			if gate != nil {
				if err := gate(gCtx); err != nil {
					return err
				}
			}
			res, err := e.searchOne(gCtx, lu.providerName, lu.contact, org)
			if err != nil {
				if errors.Is(err, provider.ErrExhausted) {
					return err
				}
				e.logger.Warn("tier 2 lookup failed", "provider", lu.providerName, "contact_id", lu.contact.ID, "error", err)
				return nil
			}
			if !res.Found {
				return nil
			}
			// The conditional update makes the first settled result win;
			// a slower provider resolving the same contact is a no-op.
			applied, err := e.store.FillContactEmail(lu.contact.ID, res.Email, res.LinkedInURL)
			if err != nil {
				return err
			}
			if applied {
				applyCh <- EmailResult{
					ContactID: lu.contact.ID, Email: res.Email, Source: res.Source,
					Confidence: res.Confidence, LinkedInURL: res.LinkedInURL,
				}
			}
			return nil
		})
	}

	err := g.Wait()
	close(applyCh)
	for r := range applyCh {
		resolved[r.ContactID] = true
		results = append(results, r)
	}
	return results, err
}

// searchOne dispatches a single provider call behind the rate limiter and
// records the attempt marker on the contact.
func (e *Engine) searchOne(ctx context.Context, providerName string, contact storage.Contact, org storage.Organization) (provider.Result, error) {
	adapter, ok := e.providers.Get(providerName)
	if !ok {
		return provider.Result{}, nil
	}

	var res provider.Result
	err := e.limiter.Do(ctx, providerName, func() error {
		var searchErr error
		res, searchErr = adapter.Search(ctx, contact, org)
		return searchErr
	})
	if err != nil {
		return provider.Result{}, err
	}

	if markErr := e.store.AppendCompletedSearch(contact.ID, providerName); markErr != nil {
		e.logger.Warn("recording search marker failed", "contact_id", contact.ID, "error", markErr)
	}
	return res, nil
}

// selectTopContacts returns up to maxContactsPerPass contacts ranked by
// probability, best first.
func selectTopContacts(contacts []storage.Contact) []storage.Contact {
	ranked := slices.Clone(contacts)
	slices.SortStableFunc(ranked, func(a, b storage.Contact) int {
		return b.Probability - a.Probability
	})
	if len(ranked) > maxContactsPerPass {
		ranked = ranked[:maxContactsPerPass]
	}
	return ranked
}
