package resolver

import (
	"context"
	"log/slog"

	"golang.org/x/sync/semaphore"
)

// DefaultPrefetchConcurrency is the orchestrator's default bound on
// concurrent speculative metadata fetches.
const DefaultPrefetchConcurrency = 16

// speculationTask bundles what the orchestrator needs to launch speculative
// fetches for one main-loop iteration, without giving it write access to
// the constraint store.
type speculationTask struct {
	currentName string
	otherNames  []string
	allowedFor  func(string) ([]CandidateVersion, error)
	current     []CandidateVersion
	chosen      CandidateVersion
	metadata    MetadataProvider
}

// orchestrator launches bounded, best-effort speculative metadata fetches
// while the main loop is suspended on its own fetch. It
// never blocks the caller and never reports an error: a failed speculative
// fetch simply leaves the cache unpopulated, to be retried for real when
// the main loop reaches that decision point.
type orchestrator struct {
	sem    *semaphore.Weighted
	logger *slog.Logger
}

// newOrchestrator builds an orchestrator bounding concurrent speculative
// fetches to maxConcurrent. maxConcurrent <= 0 uses DefaultPrefetchConcurrency.
func newOrchestrator(maxConcurrent int, logger *slog.Logger) *orchestrator {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultPrefetchConcurrency
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &orchestrator{
		sem:    semaphore.NewWeighted(int64(maxConcurrent)),
		logger: logger,
	}
}

// Speculate launches, without blocking, a metadata fetch for the top
// allowed candidate of every other unpinned package, plus the next-highest
// candidate of the package currently being decided. Results only populate
// the MetadataProvider's own cache; Speculate never touches the constraint
// store.
func (o *orchestrator) Speculate(ctx context.Context, task speculationTask) {
	for _, name := range task.otherNames {
		allowed, err := task.allowedFor(name)
		if err != nil || len(allowed) == 0 {
			continue
		}

		o.prefetch(ctx, task.metadata, name, allowed[0])
	}

	if next, ok := nextCandidate(task.current, task.chosen); ok {
		o.prefetch(ctx, task.metadata, task.currentName, next)
	}
}

// nextCandidate returns the allowed candidate immediately after chosen in
// current (assumed sorted descending), i.e. the version the main loop would
// try next if chosen is later rejected. ok is false if chosen is absent or
// already last.
func nextCandidate(current []CandidateVersion, chosen CandidateVersion) (CandidateVersion, bool) {
	for i, c := range current {
		if c.Raw == chosen.Raw && i+1 < len(current) {
			return current[i+1], true
		}
	}

	return CandidateVersion{}, false
}

// prefetch launches a single speculative metadata fetch if a semaphore slot
// is immediately available; otherwise it is skipped this round rather than
// blocking the caller, keeping speculation a strictly best-effort optimization.
func (o *orchestrator) prefetch(ctx context.Context, provider MetadataProvider, name string, cand CandidateVersion) {
	if !o.sem.TryAcquire(1) {
		return
	}

	go func() {
		defer o.sem.Release(1)

		fetchCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		if _, err := provider.Metadata(fetchCtx, name, cand.Raw); err != nil {
			o.logger.Debug("speculative metadata fetch failed",
				slog.String("package", name), slog.String("version", cand.Raw), slog.Any("err", err))
		}
	}()
}
