package resolver

import (
	"context"
	"errors"
	"log/slog"
	"sort"
)

// MetadataRecord is the normalized result of resolving a (name, version) to
// its dependencies.
type MetadataRecord struct {
	RequiresPython string
	RequiresDist   []Requirement
	ProvidesExtras []string
}

// MetadataProvider resolves a (name, version) to its MetadataRecord.
// Implementations choose between a wheel-metadata fast path and an
// sdist-build slow path; the engine only consumes the result.
type MetadataProvider interface {
	Metadata(ctx context.Context, name, version string) (MetadataRecord, error)
}

// decisionFrame is one entry of the backtracking decision stack: a
// committed candidate, identified by its pin id.
type decisionFrame struct {
	pinID int
	name  string
	raw   string
}

// Resolution is the deterministic output of a successful Engine.Resolve
// call: the pinned (name, version) pairs sorted by canonical name.
type Resolution struct {
	Packages []ResolvedPackage
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithEngineLogger sets the engine's structured logger.
func WithEngineLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithEngineAllowPreReleases admits pre-release versions even when no
// contributor explicitly pins one, corresponding to the CLI's --pre flag.
func WithEngineAllowPreReleases(allow bool) EngineOption {
	return func(e *Engine) {
		e.allowPre = allow
	}
}

// WithPrefetch enables speculative metadata prefetching, bounding
// concurrent speculative fetches to maxConcurrent (<=0 uses
// DefaultPrefetchConcurrency). Omitting this option (the default) makes
// speculation a no-op, which must never change the resolution's observable
// result.
func WithPrefetch(maxConcurrent int) EngineOption {
	return func(e *Engine) {
		e.orchestrator = newOrchestrator(maxConcurrent, e.logger)
	}
}

// Engine is the resolver's single logical thread of decision-making: it
// selects, chooses, fetches, validates, expands and backtracks until every
// contributed package is pinned or the attempt is exhausted.
type Engine struct {
	candidates CandidateSource
	metadata   MetadataProvider
	env        MarkerEnv
	allowPre   bool

	logger       *slog.Logger
	orchestrator *orchestrator
}

// NewEngine constructs an Engine over the given candidate source and
// metadata provider, evaluating markers against env.
func NewEngine(candidates CandidateSource, metadata MetadataProvider, env MarkerEnv, opts ...EngineOption) *Engine {
	e := &Engine{
		candidates: candidates,
		metadata:   metadata,
		env:        env,
		logger:     slog.Default(),
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

var errUnsatisfiableRoot = errors.New("resolution exhausted at root")

// Resolve runs the decision loop to a fixed point, returning the
// deterministic pinned Resolution or an *UnsatisfiableError.
func (e *Engine) Resolve(ctx context.Context, rootRequirements []Requirement) (Resolution, error) {
	cs := NewConstraintStore(e.env)

	for _, req := range rootRequirements {
		cs.Add(RootPinID, req, "")
	}

	candCache := make(map[string][]CandidateVersion)
	depNames := make(map[string][]string)

	getCandidates := func(name string) ([]CandidateVersion, error) {
		if cached, ok := candCache[name]; ok {
			return cached, nil
		}

		versions, err := e.candidates.Versions(ctx, name)
		if err != nil {
			return nil, err
		}

		candCache[name] = versions

		return versions, nil
	}

	allowedFor := func(name string) ([]CandidateVersion, error) {
		candidates, err := getCandidates(name)
		if err != nil {
			return nil, err
		}

		return cs.Allowed(name, candidates)
	}

	var stack []decisionFrame

	var lastConflict *UnsatisfiableError

	for {
		if err := ctx.Err(); err != nil {
			return Resolution{}, err
		}

		names := cs.UnpinnedWithContributors()
		if len(names) == 0 {
			break
		}

		selected, allowed, err := e.selectPackage(names, getCandidates, cs)
		if err != nil {
			var unsat *UnsatisfiableError
			if errors.As(err, &unsat) {
				return Resolution{}, unsat
			}

			return Resolution{}, err
		}

		chosen, ok := choose(allowed, e.allowPre, cs.AdmitsPreReleases(selected))
		if !ok {
			e.logger.Debug("no candidate left, backtracking", slog.String("package", selected))

			// Only record this as the explanation if no genuine
			// Constraint-Store conflict has been seen yet: exhaustion
			// here is usually a downstream echo of an earlier conflict
			// (the package that actually caused it has no alternate
			// version either), and that earlier, more specific
			// explanation is more useful than this one.
			if lastConflict == nil {
				lastConflict = &UnsatisfiableError{Conflicts: []ConflictDetail{{
					Package:      selected,
					Contributors: cs.ContributorStrings(selected),
				}}}
			}

			stack, err = e.backtrack(cs, stack)
			if err != nil {
				return Resolution{}, lastConflict
			}

			continue
		}

		if e.orchestrator != nil {
			e.orchestrator.Speculate(ctx, speculationTask{
				currentName: selected,
				otherNames:  otherThan(names, selected),
				allowedFor:  allowedFor,
				current:     allowed,
				chosen:      chosen,
				metadata:    e.metadata,
			})
		}

		meta, err := e.metadata.Metadata(ctx, selected, chosen.Raw)
		if err != nil {
			e.logger.Warn("metadata fetch failed, forbidding candidate",
				slog.String("package", selected), slog.String("version", chosen.Raw), slog.Any("err", err))
			cs.Forbid(selected, chosen.Raw, PermanentForbidDepth)

			continue
		}

		if meta.RequiresPython != "" && e.env.PythonVersion != "" {
			ok, err := MatchesAll(e.env.PythonVersion, []string{meta.RequiresPython})
			if err != nil {
				return Resolution{}, err
			}

			if !ok {
				e.logger.Debug("interpreter incompatible, forbidding candidate",
					slog.String("package", selected), slog.String("version", chosen.Raw))
				cs.Forbid(selected, chosen.Raw, PermanentForbidDepth)

				continue
			}
		}

		pinID := cs.Pin(selected, chosen)
		stack = append(stack, decisionFrame{pinID: pinID, name: selected, raw: chosen.Raw})

		conflictPkg, names2, err := e.expand(cs, selected, pinID, meta, allowedFor)
		if err != nil {
			return Resolution{}, err
		}

		depNames[selected] = names2

		if conflictPkg != "" {
			lastConflict = &UnsatisfiableError{Conflicts: []ConflictDetail{{
				Package:      conflictPkg,
				Contributors: cs.ContributorStrings(conflictPkg),
			}}}

			stack, err = e.backtrack(cs, stack)
			if err != nil {
				return Resolution{}, lastConflict
			}

			continue
		}
	}

	return e.finalize(cs, depNames), nil
}

// selectPackage picks the unpinned package with the fewest allowed versions
// (most-constrained first), tie-broken by ascending canonical name. names
// must already be sorted ascending.
func (e *Engine) selectPackage(
	names []string,
	getCandidates func(string) ([]CandidateVersion, error),
	cs *ConstraintStore,
) (string, []CandidateVersion, error) {
	selected := ""

	var selAllowed []CandidateVersion

	bestCount := -1

	for _, name := range names {
		candidates, err := getCandidates(name)
		if err != nil {
			if errors.Is(err, ErrNoSuchPackage) {
				return "", nil, &UnsatisfiableError{Conflicts: []ConflictDetail{{
					Package:      name,
					Contributors: cs.ContributorStrings(name),
				}}}
			}

			return "", nil, err
		}

		allowed, err := cs.Allowed(name, candidates)
		if err != nil {
			return "", nil, err
		}

		if bestCount == -1 || len(allowed) < bestCount {
			bestCount = len(allowed)
			selected = name
			selAllowed = allowed
		}
	}

	return selected, selAllowed, nil
}

// expand registers this candidate's requirements (and, for each extra
// demanded of it, that extra's gated requirements) in the constraint store.
// It returns the name of the first package found in conflict, if any, and
// the list of dependency names added for diagnostic/output purposes.
func (e *Engine) expand(
	cs *ConstraintStore,
	name string,
	pinID int,
	meta MetadataRecord,
	allowedFor func(string) ([]CandidateVersion, error),
) (conflictPkg string, names []string, err error) {
	seen := make(map[string]bool)

	checkConflict := func(name string) error {
		if conflictPkg != "" {
			return nil
		}

		candidates, err := allowedFor(name)
		if err != nil {
			return err
		}

		if len(candidates) == 0 {
			conflictPkg = name

			return nil
		}

		if pinned := cs.State(name).Pinned; pinned != nil {
			stillAllowed := false

			for _, c := range candidates {
				if c.Raw == pinned.Raw {
					stillAllowed = true

					break
				}
			}

			if !stillAllowed {
				conflictPkg = name
			}
		}

		return nil
	}

	addAll := func(activeExtra string) error {
		for _, req := range meta.RequiresDist {
			added := cs.Add(pinID, req, activeExtra)
			if !added {
				continue
			}

			if !seen[req.Name] {
				seen[req.Name] = true

				names = append(names, req.Name)
			}

			if err := checkConflict(req.Name); err != nil {
				return err
			}
		}

		return nil
	}

	if err := addAll(""); err != nil {
		return "", nil, err
	}

	for _, extra := range cs.State(name).Extras() {
		if err := addAll(extra); err != nil {
			return "", nil, err
		}
	}

	return conflictPkg, names, nil
}

// choose selects the highest non-forbidden allowed version, preferring
// stable releases unless pre-releases are allowed globally (allowPre).
// Without allowPre, a pre-release is chosen only when no stable version is
// allowed and a contributor's specifier names a pre-release (admitPre).
// allowed is assumed sorted descending.
func choose(allowed []CandidateVersion, allowPre, admitPre bool) (CandidateVersion, bool) {
	if allowPre && len(allowed) > 0 {
		return allowed[0], true
	}

	for _, c := range allowed {
		if !c.Version.IsPreRelease() {
			return c, true
		}
	}

	if admitPre && len(allowed) > 0 {
		return allowed[0], true
	}

	return CandidateVersion{}, false
}

// otherThan returns names without the given one, preserving order.
func otherThan(names []string, exclude string) []string {
	out := make([]string, 0, len(names))

	for _, n := range names {
		if n != exclude {
			out = append(out, n)
		}
	}

	return out
}

// backtrack pops the most recent decision frame, withdraws its
// contributions, unpins it, and forbids its version at the remaining stack
// depth, after withdrawing any deeper forbids whose causes have just been
// unwound. An empty stack means the synthetic root was popped: resolution
// has failed.
func (e *Engine) backtrack(cs *ConstraintStore, stack []decisionFrame) ([]decisionFrame, error) {
	if len(stack) == 0 {
		return nil, errUnsatisfiableRoot
	}

	top := stack[len(stack)-1]
	stack = stack[:len(stack)-1]

	cs.Remove(top.pinID)
	cs.Unpin(top.name)
	cs.PruneForbidden(len(stack))
	cs.Forbid(top.name, top.raw, len(stack))

	return stack, nil
}

// finalize sorts the pinned packages by canonical name.
func (e *Engine) finalize(cs *ConstraintStore, depNames map[string][]string) Resolution {
	names := make([]string, 0, len(depNames))

	for name := range depNames {
		names = append(names, name)
	}

	sort.Strings(names)

	result := make([]ResolvedPackage, 0, len(names))

	for _, name := range names {
		ps := cs.State(name)
		if ps.Pinned == nil {
			continue
		}

		result = append(result, ResolvedPackage{
			Name:         name,
			Version:      ps.Pinned.Raw,
			Dependencies: depNames[name],
		})
	}

	return Resolution{Packages: result}
}
