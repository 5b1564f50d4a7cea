// Package provider contains the adapters for the external contact-data
// services. Each adapter is a black box returning a normalized Result; the
// tiered search engine decides which adapters run and how results merge.
package provider

import (
	"context"
	"errors"
	"sort"

	"github.com/kalambet/leadscout/internal/storage"
)

// ErrExhausted marks an error from a provider whose own internal retry
// budget is spent. Jobs seeing this marker fail immediately — retrying at
// the job level would just repeat the exhausted attempts.
var ErrExhausted = errors.New("provider retry budget exhausted")

// Result is the normalized outcome of one provider lookup for one contact.
// It is never persisted on its own; only its effect on the contact row is.
type Result struct {
	Found       bool
	Email       string
	LinkedInURL string
	Confidence  float64
	Source      string
}

// Adapter is the contract every provider implements.
type Adapter interface {
	Name() string
	Search(ctx context.Context, contact storage.Contact, org storage.Organization) (Result, error)
}

// Registry maps provider identifiers to statically-typed adapters, resolved
// once at startup.
type Registry struct {
	adapters map[string]Adapter
}

// NewRegistry builds a registry from the given adapters.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Name()] = a
	}
	return r
}

// Get returns the adapter registered under name.
func (r *Registry) Get(name string) (Adapter, bool) {
	a, ok := r.adapters[name]
	return a, ok
}

// Names returns the registered provider names in stable order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.adapters))
	for n := range r.adapters {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
