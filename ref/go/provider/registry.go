package provider

import (
	"sort"
	"strings"

	"go.climref.org/infra/go/skerr"
)

// Registry holds the registered providers, keyed by slug. It is built once
// at process start and read-only afterwards.
type Registry struct {
	providers map[string]Provider
}

// NewRegistry builds a registry from the given providers. Duplicate slugs
// are an error.
func NewRegistry(providers ...Provider) (*Registry, error) {
	r := &Registry{providers: map[string]Provider{}}
	for _, p := range providers {
		if p.Slug() == "" {
			return nil, skerr.Fmt("provider has an empty slug")
		}
		if _, ok := r.providers[p.Slug()]; ok {
			return nil, skerr.Fmt("duplicate provider slug %q", p.Slug())
		}
		r.providers[p.Slug()] = p
	}
	return r, nil
}

// Providers returns all providers, sorted by slug.
func (r *Registry) Providers() []Provider {
	slugs := make([]string, 0, len(r.providers))
	for slug := range r.providers {
		slugs = append(slugs, slug)
	}
	sort.Strings(slugs)
	rv := make([]Provider, 0, len(slugs))
	for _, slug := range slugs {
		rv = append(rv, r.providers[slug])
	}
	return rv
}

// Provider returns the provider with the given slug.
func (r *Registry) Provider(slug string) (Provider, error) {
	p, ok := r.providers[slug]
	if !ok {
		return nil, skerr.Fmt("unknown provider %q", slug)
	}
	return p, nil
}

// Diagnostic resolves a fully-qualified "provider/diagnostic" name.
func (r *Registry) Diagnostic(fullSlug string) (Provider, Diagnostic, error) {
	parts := strings.SplitN(fullSlug, "/", 2)
	if len(parts) != 2 {
		return nil, nil, skerr.Fmt("diagnostic name %q must be provider/diagnostic", fullSlug)
	}
	p, err := r.Provider(parts[0])
	if err != nil {
		return nil, nil, err
	}
	for _, d := range p.Diagnostics() {
		if d.Slug() == parts[1] {
			return p, d, nil
		}
	}
	return nil, nil, skerr.Fmt("provider %q has no diagnostic %q", parts[0], parts[1])
}
