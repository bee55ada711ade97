// Package solver turns registered diagnostics plus the current catalog into
// the minimal set of executions needing work. Two successive solves with no
// dataset changes in between produce zero new executions.
package solver

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"go.climref.org/infra/go/metrics2"
	"go.climref.org/infra/go/skerr"
	"go.climref.org/infra/go/sklog"
	"go.climref.org/infra/ref/go/db"
	"go.climref.org/infra/ref/go/provider"
	"go.climref.org/infra/ref/go/requirements"
	"go.climref.org/infra/ref/go/types"
)

// advisoryLockName serializes solver passes against each other.
const advisoryLockName = "solver"

// lockStaleAfter is how long a held solver lock is honored before it is
// considered abandoned by a dead process.
const lockStaleAfter = 30 * time.Minute

// Options narrow one solve pass. Slug filters are substring matches, like
// the CLI flags they back.
type Options struct {
	ProviderFilter   string
	DiagnosticFilter string
	// OnePerProvider solves only the first diagnostic of each provider,
	// for quick smoke passes over a new catalog.
	OnePerProvider bool
	// DryRun resolves and diffs but writes nothing.
	DryRun bool
}

// Summary reports what one solve pass did.
type Summary struct {
	DiagnosticsSolved  int
	CandidatesResolved int
	GroupsCreated      int
	ExecutionsCreated  int
	GroupsUpToDate     int
}

// Solver drives the requirement resolver over all registered diagnostics
// and diffs the result against the store.
type Solver struct {
	store    db.Store
	registry *provider.Registry
	liveness *metrics2.Liveness
}

// New returns a Solver over the given store and provider registry.
func New(store db.Store, registry *provider.Registry) *Solver {
	return &Solver{
		store:    store,
		registry: registry,
		liveness: metrics2.NewLiveness("ref_solver"),
	}
}

// Solve runs one full pass under the solver advisory lock.
func (s *Solver) Solve(ctx context.Context, opts Options) (*Summary, error) {
	summary := &Summary{}
	err := s.store.WithAdvisoryLock(ctx, advisoryLockName, lockStaleAfter, func(ctx context.Context) error {
		return s.solveLocked(ctx, opts, summary)
	})
	if err != nil {
		return nil, err
	}
	s.liveness.Reset()
	return summary, nil
}

func (s *Solver) solveLocked(ctx context.Context, opts Options, summary *Summary) error {
	selected := s.selectDiagnostics(opts)
	if len(selected) == 0 {
		sklog.Warningf("No diagnostics match provider=%q diagnostic=%q", opts.ProviderFilter, opts.DiagnosticFilter)
		return nil
	}

	if !opts.DryRun {
		if err := s.registerDiagnostics(ctx); err != nil {
			return err
		}
	}

	catalogs, err := s.loadCatalogs(ctx, selected)
	if err != nil {
		return err
	}

	for _, sel := range selected {
		if err := s.solveDiagnostic(ctx, sel, catalogs, opts, summary); err != nil {
			return skerr.Wrapf(err, "solving %s/%s", sel.provider.Slug(), sel.diagnostic.Slug())
		}
		summary.DiagnosticsSolved++
	}
	sklog.Infof("Solve done: %d diagnostic(s), %d candidate(s), %d new group(s), %d new execution(s), %d up to date",
		summary.DiagnosticsSolved, summary.CandidatesResolved, summary.GroupsCreated,
		summary.ExecutionsCreated, summary.GroupsUpToDate)
	return nil
}

type selectedDiagnostic struct {
	provider   provider.Provider
	diagnostic provider.Diagnostic
}

// selectDiagnostics applies the provider/diagnostic substring filters and
// the one-per-provider cap.
func (s *Solver) selectDiagnostics(opts Options) []selectedDiagnostic {
	rv := []selectedDiagnostic{}
	for _, p := range s.registry.Providers() {
		if opts.ProviderFilter != "" && !strings.Contains(p.Slug(), opts.ProviderFilter) {
			continue
		}
		taken := 0
		for _, d := range p.Diagnostics() {
			if opts.DiagnosticFilter != "" && !strings.Contains(d.Slug(), opts.DiagnosticFilter) {
				continue
			}
			if opts.OnePerProvider && taken > 0 {
				break
			}
			rv = append(rv, selectedDiagnostic{provider: p, diagnostic: d})
			taken++
		}
	}
	return rv
}

// registerDiagnostics upserts every registry diagnostic and stales the rest.
func (s *Solver) registerDiagnostics(ctx context.Context) error {
	keep := []string{}
	for _, p := range s.registry.Providers() {
		for _, d := range p.Diagnostics() {
			meta := types.DiagnosticMeta{
				ProviderSlug:    p.Slug(),
				Slug:            d.Slug(),
				ProviderVersion: p.Version(),
				Facets:          d.Facets(),
			}
			if _, err := s.store.RegisterDiagnostic(ctx, meta); err != nil {
				return skerr.Wrap(err)
			}
			keep = append(keep, meta.FullSlug())
		}
	}
	return skerr.Wrap(s.store.MarkMissingDiagnosticsStale(ctx, keep))
}

// loadCatalogs fetches the active catalog once per source type any selected
// diagnostic needs.
func (s *Solver) loadCatalogs(ctx context.Context, selected []selectedDiagnostic) (map[types.SourceType][]types.CatalogEntry, error) {
	needed := map[types.SourceType]bool{}
	for _, sel := range selected {
		for _, req := range sel.diagnostic.DataRequirements() {
			needed[req.SourceType] = true
		}
	}
	rv := map[types.SourceType][]types.CatalogEntry{}
	for _, st := range types.AllSourceTypes() {
		if !needed[st] {
			continue
		}
		entries, err := s.store.ActiveCatalog(ctx, st)
		if err != nil {
			return nil, skerr.Wrapf(err, "loading %s catalog", st)
		}
		rv[st] = entries
		sklog.Infof("Catalog %s: %d file(s)", st, len(entries))
	}
	return rv, nil
}

func (s *Solver) solveDiagnostic(ctx context.Context, sel selectedDiagnostic, catalogs map[types.SourceType][]types.CatalogEntry, opts Options, summary *Summary) error {
	candidates, err := requirements.Resolve(sel.diagnostic.DataRequirements(), catalogs)
	if err != nil {
		return err
	}
	summary.CandidatesResolved += len(candidates)
	if opts.DryRun {
		return s.dryRunDiagnostic(ctx, sel, candidates, summary)
	}

	diagID, err := s.store.RegisterDiagnostic(ctx, types.DiagnosticMeta{
		ProviderSlug:    sel.provider.Slug(),
		Slug:            sel.diagnostic.Slug(),
		ProviderVersion: sel.provider.Version(),
		Facets:          sel.diagnostic.Facets(),
	})
	if err != nil {
		return err
	}

	liveKeys := make([]string, 0, len(candidates))
	for i := range candidates {
		c := &candidates[i]
		liveKeys = append(liveKeys, c.Key.String())
		hash := DatasetHash(c.InstanceIDs())

		group, created, err := s.store.GetOrCreateExecutionGroup(ctx, diagID, c.Key)
		if err != nil {
			return err
		}
		if created {
			summary.GroupsCreated++
		}

		if _, err := s.store.FindSucceededExecution(ctx, group.ID, hash); err == nil {
			// The current dataset versions already ran successfully.
			summary.GroupsUpToDate++
			if group.Dirty {
				if err := s.store.SetGroupDirty(ctx, group.ID, false); err != nil {
					return err
				}
			}
			continue
		} else if !errors.Is(err, db.ErrNotFound) {
			return err
		}

		if !group.Dirty {
			if err := s.store.SetGroupDirty(ctx, group.ID, true); err != nil {
				return err
			}
		}
		fragment := outputFragment(sel.provider.Slug(), sel.diagnostic.Slug(), group.ID, hash)
		_, createdExec, err := s.store.CreateExecution(ctx, group.ID, hash, fragment, datasetIDs(c))
		if err != nil {
			return err
		}
		if createdExec {
			summary.ExecutionsCreated++
			metrics2.GetCounter("ref_executions_enqueued", map[string]string{
				"provider": sel.provider.Slug(),
			}).Inc(1)
			sklog.Infof("Enqueued %s/%s [%s] hash=%s", sel.provider.Slug(), sel.diagnostic.Slug(), c.Key, hash[:12])
		}
	}
	return skerr.Wrap(s.store.MarkMissingGroupsStale(ctx, diagID, liveKeys))
}

// dryRunDiagnostic diffs candidates against the store without writing.
func (s *Solver) dryRunDiagnostic(ctx context.Context, sel selectedDiagnostic, candidates []requirements.Candidate, summary *Summary) error {
	groups, err := s.store.ListExecutionGroups(ctx, db.GroupFilter{
		ProviderSlug:   sel.provider.Slug(),
		DiagnosticSlug: sel.diagnostic.Slug(),
	})
	if err != nil {
		return err
	}
	byKey := map[string]*types.ExecutionGroup{}
	for i := range groups {
		byKey[groups[i].Key.String()] = &groups[i]
	}
	for i := range candidates {
		c := &candidates[i]
		hash := DatasetHash(c.InstanceIDs())
		group, ok := byKey[c.Key.String()]
		if ok {
			if _, err := s.store.FindSucceededExecution(ctx, group.ID, hash); err == nil {
				summary.GroupsUpToDate++
				continue
			} else if !errors.Is(err, db.ErrNotFound) {
				return err
			}
		} else {
			summary.GroupsCreated++
		}
		summary.ExecutionsCreated++
		sklog.Infof("Would run %s/%s [%s] hash=%s", sel.provider.Slug(), sel.diagnostic.Slug(), c.Key, hash[:12])
	}
	return nil
}

// outputFragment is the execution's results subtree, relative to the
// results root. Kept relative so stored rows survive a results-root move.
func outputFragment(providerSlug, diagnosticSlug string, groupID int64, hash string) string {
	return path.Join(providerSlug, diagnosticSlug, fmt.Sprintf("%d", groupID), hash[:12])
}

func datasetIDs(c *requirements.Candidate) []int64 {
	seen := map[int64]bool{}
	rv := []int64{}
	for _, st := range types.AllSourceTypes() {
		for i := range c.Datasets[st] {
			id := c.Datasets[st][i].DatasetID
			if id != 0 && !seen[id] {
				seen[id] = true
				rv = append(rv, id)
			}
		}
	}
	return rv
}
