// Package refresh coordinates forced backend recomputations with the
// result cache so stale data is never displayed as fresh.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/junho-song/marketdeck/internal/cache"
	"github.com/junho-song/marketdeck/pkg/logger"
)

// ErrInFlight reports an overlapping forced refresh for the same
// fingerprint. The caller shows it as transient feedback; no second
// recomputation is issued.
var ErrInFlight = errors.New("refresh already in progress")

// RecomputeFunc asks the upstream to bypass its cache and recompute
// the dataset behind fp
type RecomputeFunc func(ctx context.Context, fp cache.Fingerprint) error

// Invalidator is the slice of the cache the orchestrator needs
type Invalidator interface {
	Invalidate(cache.Predicate) int
}

// Scope controls how wide a cache invalidation a successful refresh
// causes
type Scope int

const (
	// ScopeDataset invalidates every cached view of the dataset
	// family. Default: a backend recomputation affects all window
	// variants, not just the one that was clicked.
	ScopeDataset Scope = iota
	// ScopeSymbol invalidates all variants of the refreshed symbol
	ScopeSymbol
	// ScopeExact invalidates only the exact fingerprint
	ScopeExact
)

// ParseScope maps a config string to a Scope, defaulting to dataset
func ParseScope(s string) Scope {
	switch s {
	case "exact":
		return ScopeExact
	case "symbol":
		return ScopeSymbol
	default:
		return ScopeDataset
	}
}

// Orchestrator serializes forced refreshes per fingerprint and routes
// their cache invalidation
type Orchestrator struct {
	mu       sync.Mutex
	inflight map[cache.Fingerprint]bool

	recompute RecomputeFunc
	caches    []Invalidator
	scope     Scope
	log       *logger.Logger
}

// New creates an orchestrator invalidating the given caches on success
func New(recompute RecomputeFunc, scope Scope, log *logger.Logger, caches ...Invalidator) *Orchestrator {
	return &Orchestrator{
		inflight:  make(map[cache.Fingerprint]bool),
		recompute: recompute,
		caches:    caches,
		scope:     scope,
		log:       log,
	}
}

// Force triggers a backend recomputation for fp and, on success,
// invalidates the dependent cache entries. On failure the cache is
// left untouched: previously displayed data survives a failed refresh.
func (o *Orchestrator) Force(ctx context.Context, fp cache.Fingerprint) error {
	o.mu.Lock()
	if o.inflight[fp] {
		o.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrInFlight, fp)
	}
	o.inflight[fp] = true
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		delete(o.inflight, fp)
		o.mu.Unlock()
	}()

	if err := o.recompute(ctx, fp); err != nil {
		o.log.WithError(err).WithField("fingerprint", fp.String()).Warn("Forced refresh failed, cache untouched")
		return fmt.Errorf("recompute %s: %w", fp, err)
	}

	pred := o.predicate(fp)
	total := 0
	for _, c := range o.caches {
		total += c.Invalidate(pred)
	}

	o.log.WithFields(map[string]interface{}{
		"fingerprint": fp.String(),
		"invalidated": total,
	}).Info("Forced refresh completed")

	return nil
}

// predicate builds the invalidation predicate for the configured scope
func (o *Orchestrator) predicate(fp cache.Fingerprint) cache.Predicate {
	switch o.scope {
	case ScopeExact:
		return cache.MatchExact(fp)
	case ScopeSymbol:
		return cache.MatchSymbol(fp.Dataset, fp.Symbol)
	default:
		return cache.MatchDataset(fp.Dataset)
	}
}
