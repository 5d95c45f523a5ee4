package resolver

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bilusteknoloji/pipg/internal/pypi"
)

// Resolver defines the interface for resolving package dependencies.
type Resolver interface {
	Resolve(ctx context.Context, requirements []string) ([]ResolvedPackage, error)
}

// ResolvedPackage represents a package with its resolved version and dependencies.
type ResolvedPackage struct {
	Name         string
	Version      string
	Dependencies []string
}

// Option configures a Service.
type Option func(*Service)

// WithNoDeps disables dependency resolution; only root packages are resolved.
func WithNoDeps(noDeps bool) Option {
	return func(s *Service) {
		s.noDeps = noDeps
	}
}

// WithMarkerEnv sets the environment for evaluating PEP 508 markers.
func WithMarkerEnv(env MarkerEnv) Option {
	return func(s *Service) {
		s.markerEnv = env
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithAllowPreReleases admits pre-release versions at every package, not
// just ones a contributor pins explicitly (the CLI's --pre flag).
func WithAllowPreReleases(allow bool) Option {
	return func(s *Service) {
		s.allowPre = allow
	}
}

// WithPrefetchConcurrency enables speculative metadata prefetching bounded
// to n concurrent fetches. n <= 0 disables prefetching.
func WithPrefetchConcurrency(n int) Option {
	return func(s *Service) {
		s.prefetch = n
	}
}

// WithMetadataProvider overrides the metadata acquisition strategy; the
// default resolves requires_dist directly from the PyPI JSON API without a
// wheel-metadata fast path or sdist build driver.
func WithMetadataProvider(p MetadataProvider) Option {
	return func(s *Service) {
		s.metadata = p
	}
}

// Service resolves package dependencies using the backtracking Engine,
// keeping the same construction and configuration shape as the BFS
// resolver it replaced.
type Service struct {
	client    pypi.Client
	noDeps    bool
	markerEnv MarkerEnv
	logger    *slog.Logger
	allowPre  bool
	prefetch  int
	metadata  MetadataProvider
}

// compile-time proof that Service implements Resolver.
var _ Resolver = (*Service)(nil)

// New creates a new dependency resolver with the given PyPI client.
func New(client pypi.Client, opts ...Option) *Service {
	s := &Service{
		client: client,
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.metadata == nil {
		s.metadata = newJSONMetadataProvider(client, s.logger)
	}

	return s
}

// Resolve resolves every root requirement and its transitive dependencies
// into a deterministic, internally consistent pinned set.
func (s *Service) Resolve(ctx context.Context, requirements []string) ([]ResolvedPackage, error) {
	roots := make([]Requirement, 0, len(requirements))

	for _, raw := range requirements {
		req, err := Fixup(s.logger, raw, "<root>")
		if err != nil {
			return nil, newError(KindInvalidRequirement, "", err)
		}

		roots = append(roots, req)
	}

	var metadata MetadataProvider = s.metadata
	if s.noDeps {
		metadata = noDepsProvider{inner: s.metadata}
	}

	engineOpts := []EngineOption{
		WithEngineLogger(s.logger),
		WithEngineAllowPreReleases(s.allowPre),
	}

	if s.prefetch > 0 {
		engineOpts = append(engineOpts, WithPrefetch(s.prefetch))
	}

	engine := NewEngine(NewCandidateSource(s.client), metadata, s.markerEnv, engineOpts...)

	resolution, err := engine.Resolve(ctx, roots)
	if err != nil {
		return nil, fmt.Errorf("resolving requirements: %w", err)
	}

	return resolution.Packages, nil
}

// noDepsProvider wraps a MetadataProvider to report no dependencies at all,
// implementing the --no-deps flag without threading a flag through Engine.
type noDepsProvider struct {
	inner MetadataProvider
}

func (p noDepsProvider) Metadata(ctx context.Context, name, version string) (MetadataRecord, error) {
	rec, err := p.inner.Metadata(ctx, name, version)
	if err != nil {
		return MetadataRecord{}, err
	}

	rec.RequiresDist = nil

	return rec, nil
}
