// Package metadata implements the two-path MetadataProvider: a
// wheel-metadata range-fetch fast path, and an sdist-build slow path
// serialized per (name, version). internal/resolver
// only depends on the MetadataProvider interface it declares; cmd/pipg
// wires this package in as the concrete implementation.
package metadata

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"golang.org/x/sync/singleflight"

	"github.com/bilusteknoloji/pipg/internal/cache"
	"github.com/bilusteknoloji/pipg/internal/downloader"
	"github.com/bilusteknoloji/pipg/internal/pypi"
	"github.com/bilusteknoloji/pipg/internal/resolver"
	"github.com/bilusteknoloji/pipg/internal/sdist"
)

const (
	namespaceWheelMetadata = "wheel-metadata"
	namespaceSdistBuild    = "sdist-build"
)

// BuildDriver builds a source distribution into a metadata record.
// internal/sdist.Driver is the production implementation.
type BuildDriver interface {
	Build(ctx context.Context, archivePath, filename, workDir string) (sdist.Result, error)
}

// Option configures a Provider.
type Option func(*Provider)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithCache enables the (namespace, key) metadata cache. Without it,
// every lookup is a miss and nothing is persisted, which is still correct,
// just slower across process runs.
func WithCache(c cache.KV) Option {
	return func(p *Provider) {
		p.cache = c
	}
}

// WithCompatTags restricts wheel selection to wheels compatible with these
// tags, ordered by priority. Omitting this option treats every wheel as
// compatible and falls back to the lexicographically smallest filename.
func WithCompatTags(tags []downloader.WheelTag) Option {
	return func(p *Provider) {
		p.compatTags = tags
	}
}

// WithWheelFetcher overrides how wheel metadata is fetched. Defaults to
// HTTP range requests against the release file's URL.
func WithWheelFetcher(f WheelFetcher) Option {
	return func(p *Provider) {
		if f != nil {
			p.wheels = f
		}
	}
}

// WithBuildDriver overrides the sdist build driver. Defaults to
// sdist.New().
func WithBuildDriver(d BuildDriver) Option {
	return func(p *Provider) {
		if d != nil {
			p.builder = d
		}
	}
}

// WithHTTPClient sets the client used to download sdist archives before
// handing them to the BuildDriver.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		if c != nil {
			p.httpClient = c
		}
	}
}

// WithWorkDir sets the parent directory under which per-build temporary
// directories are created. Defaults to os.TempDir().
func WithWorkDir(dir string) Option {
	return func(p *Provider) {
		if dir != "" {
			p.workDir = dir
		}
	}
}

// WithAllowSdistBuild gates the sdist slow path. When false, a package with
// no compatible wheel is reported as NoUsableArtifact rather than built
// from source, the same outcome a wheel-only index would produce.
func WithAllowSdistBuild(allow bool) Option {
	return func(p *Provider) {
		p.allowSdistBuild = allow
	}
}

// Provider is the default resolver.MetadataProvider: per (name, version) it
// prefers a compatible wheel's embedded metadata, falling back to building
// the sdist.
type Provider struct {
	candidates      resolver.CandidateSource
	cache           cache.KV
	compatTags      []downloader.WheelTag
	wheels          WheelFetcher
	builder         BuildDriver
	httpClient      *http.Client
	workDir         string
	logger          *slog.Logger
	allowSdistBuild bool

	sf singleflight.Group
}

// compile-time proof that Provider implements resolver.MetadataProvider.
var _ resolver.MetadataProvider = (*Provider)(nil)

// New builds a Provider that resolves (name, version) release files via
// candidates.
func New(candidates resolver.CandidateSource, opts ...Option) *Provider {
	p := &Provider{
		candidates:      candidates,
		httpClient:      &http.Client{},
		workDir:         os.TempDir(),
		logger:          slog.Default(),
		allowSdistBuild: true,
	}

	for _, opt := range opts {
		opt(p)
	}

	if p.wheels == nil {
		p.wheels = NewHTTPWheelFetcher(p.httpClient)
	}

	if p.builder == nil {
		p.builder = sdist.New(sdist.WithLogger(p.logger))
	}

	return p
}

// Metadata resolves (name, version) to its MetadataRecord, preferring the
// wheel fast path over the sdist slow path.
func (p *Provider) Metadata(ctx context.Context, name, version string) (resolver.MetadataRecord, error) {
	files, err := p.releaseFiles(ctx, name, version)
	if err != nil {
		return resolver.MetadataRecord{}, err
	}

	if wheel, ok := p.bestWheel(files); ok {
		raw, err := p.wheelMetadata(ctx, wheel)
		if err != nil {
			return resolver.MetadataRecord{}, resolver.NewError(resolver.KindNoUsableArtifact, name, err)
		}

		return p.toRecord(name, version, raw)
	}

	if file, ok := p.bestSdist(files); ok && p.allowSdistBuild {
		raw, err := p.sdistMetadata(ctx, file)
		if err != nil {
			return resolver.MetadataRecord{}, err
		}

		return p.toRecord(name, version, raw)
	}

	return resolver.MetadataRecord{}, resolver.NewError(resolver.KindNoUsableArtifact, name,
		fmt.Errorf("no compatible wheel or sdist for %s %s", name, version))
}

// releaseFiles looks up the release files for (name, version) among the
// CandidateSource's versions.
func (p *Provider) releaseFiles(ctx context.Context, name, version string) ([]resolver.ReleaseFile, error) {
	versions, err := p.candidates.Versions(ctx, name)
	if err != nil {
		if errors.Is(err, resolver.ErrNoSuchPackage) {
			return nil, resolver.NewError(resolver.KindNoSuchPackage, name, err)
		}

		return nil, err
	}

	for _, v := range versions {
		if v.Raw == version {
			return v.Files, nil
		}
	}

	// Some indexes key a release differently from the filenames they serve
	// (underscores vs. hyphens, mostly); fall back to matching the
	// requested version against sdist filenames before giving up.
	for _, v := range versions {
		for _, f := range v.Files {
			if f.Kind != resolver.FileSdist {
				continue
			}

			if got, err := resolver.VersionFromSdistFilename(name, f.Filename); err == nil && got == version {
				return v.Files, nil
			}
		}
	}

	return nil, resolver.NewError(resolver.KindNoUsableArtifact, name, fmt.Errorf("version %s not found", version))
}

// bestWheel selects the highest-priority compatible wheel, tie-breaking on
// the smallest filename.
func (p *Provider) bestWheel(files []resolver.ReleaseFile) (resolver.ReleaseFile, bool) {
	var wheels []resolver.ReleaseFile

	for _, f := range files {
		if f.Kind == resolver.FileWheel {
			wheels = append(wheels, f)
		}
	}

	if len(wheels) == 0 {
		return resolver.ReleaseFile{}, false
	}

	if len(p.compatTags) == 0 {
		// files are already filename-ascending (candidate.go's
		// classifyFiles); the first wheel is the lexicographically
		// smallest.
		return wheels[0], true
	}

	urls := make([]pypi.URL, len(wheels))
	for i, w := range wheels {
		urls[i] = pypi.URL{Filename: w.Filename, URL: w.URL, PackageType: "bdist_wheel", Digests: pypi.Digests{SHA256: w.SHA256}}
	}

	chosen, err := downloader.SelectWheel(urls, p.compatTags)
	if err != nil {
		return resolver.ReleaseFile{}, false
	}

	for _, w := range wheels {
		if w.Filename == chosen.Filename {
			return w, true
		}
	}

	return resolver.ReleaseFile{}, false
}

// bestSdist selects the lexicographically smallest sdist filename.
func (p *Provider) bestSdist(files []resolver.ReleaseFile) (resolver.ReleaseFile, bool) {
	for _, f := range files {
		if f.Kind == resolver.FileSdist {
			return f, true
		}
	}

	return resolver.ReleaseFile{}, false
}

// wheelKey is the cache key for a wheel's metadata: its checksum if known,
// else its filename.
func wheelKey(f resolver.ReleaseFile) string {
	if f.SHA256 != "" {
		return f.SHA256
	}

	return f.Filename
}

// wheelMetadata fetches (or serves from cache) the raw core-metadata bytes
// embedded in a wheel, without downloading the whole archive.
func (p *Provider) wheelMetadata(ctx context.Context, f resolver.ReleaseFile) ([]byte, error) {
	key := wheelKey(f)

	if p.cache != nil {
		if raw, ok := p.cache.GetBytes(namespaceWheelMetadata, key); ok {
			return raw, nil
		}
	}

	raw, err := p.wheels.FetchMetadata(ctx, f.URL)
	if err != nil {
		return nil, err
	}

	if p.cache != nil {
		if err := p.cache.PutBytes(namespaceWheelMetadata, key, raw); err != nil {
			p.logger.Debug("caching wheel metadata failed", slog.String("file", f.Filename), slog.String("error", err.Error()))
		}
	}

	return raw, nil
}

// sdistMetadata downloads and builds an sdist to obtain its metadata,
// serialized per (name, version) via singleflight so concurrent speculative
// fetches never build the same sdist twice.
func (p *Provider) sdistMetadata(ctx context.Context, f resolver.ReleaseFile) ([]byte, error) {
	if p.cache != nil {
		if raw, ok := p.cache.GetBytes(namespaceSdistBuild, f.Filename); ok {
			return raw, nil
		}
	}

	result, err, _ := p.sf.Do(f.Filename, func() (any, error) {
		// Re-check the cache: another goroutine may have populated it
		// while this one waited to acquire the singleflight key.
		if p.cache != nil {
			if raw, ok := p.cache.GetBytes(namespaceSdistBuild, f.Filename); ok {
				return raw, nil
			}
		}

		raw, err := p.build(ctx, f)
		if err != nil {
			return nil, err
		}

		if p.cache != nil {
			if err := p.cache.PutBytes(namespaceSdistBuild, f.Filename, raw); err != nil {
				p.logger.Debug("caching sdist metadata failed", slog.String("file", f.Filename), slog.String("error", err.Error()))
			}
		}

		return raw, nil
	})
	if err != nil {
		return nil, err
	}

	return result.([]byte), nil
}

// build downloads the sdist archive to a fresh temporary directory, drives
// the BuildDriver, and returns the raw METADATA bytes. The temporary
// directory is released on every exit path.
func (p *Provider) build(ctx context.Context, f resolver.ReleaseFile) ([]byte, error) {
	workDir, err := os.MkdirTemp(p.workDir, "pipg-sdist-*")
	if err != nil {
		return nil, fmt.Errorf("creating sdist build workdir: %w", err)
	}
	defer func() { _ = os.RemoveAll(workDir) }()

	archivePath := filepath.Join(workDir, f.Filename)
	if err := p.downloadArchive(ctx, f.URL, archivePath); err != nil {
		return nil, resolver.NewError(resolver.KindNoUsableArtifact, "", fmt.Errorf("downloading sdist %s: %w", f.Filename, err))
	}

	result, err := p.builder.Build(ctx, archivePath, f.Filename, filepath.Join(workDir, "build"))
	if err != nil {
		var buildErr *sdist.BuildError
		if errors.As(err, &buildErr) {
			return nil, resolver.NewError(resolver.KindPermanentBuildFailure, "", buildErr)
		}

		return nil, resolver.NewError(resolver.KindNoUsableArtifact, "", err)
	}

	return result.Raw, nil
}

func (p *Provider) downloadArchive(ctx context.Context, url, destPath string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d from %s", resp.StatusCode, url)
	}

	out, err := os.Create(destPath)
	if err != nil {
		return err
	}
	defer func() { _ = out.Close() }()

	_, err = io.Copy(out, resp.Body) //nolint:gosec // archive size is bounded by PyPI's own published file size

	return err
}

// toRecord parses raw core-metadata bytes (either a wheel's METADATA or an
// sdist build's METADATA) into a normalized resolver.MetadataRecord,
// running each requirement through Fixup.
func (p *Provider) toRecord(name, version string, raw []byte) (resolver.MetadataRecord, error) {
	cm, err := parseCoreMetadata(raw)
	if err != nil {
		return resolver.MetadataRecord{}, resolver.NewError(resolver.KindMetadataCorrupt, name, err)
	}

	fixupContext := fmt.Sprintf("%s %s", name, version)

	reqs := make([]resolver.Requirement, 0, len(cm.RequiresDist))

	for _, reqStr := range cm.RequiresDist {
		req, err := resolver.Fixup(p.logger, reqStr, fixupContext)
		if err != nil {
			return resolver.MetadataRecord{}, resolver.NewError(resolver.KindMetadataCorrupt, name, err)
		}

		reqs = append(reqs, req)
	}

	extras := make([]string, 0, len(cm.ProvidesExtra))
	for _, e := range cm.ProvidesExtra {
		extras = append(extras, resolver.NormalizeName(e))
	}

	return resolver.MetadataRecord{
		RequiresPython: cm.RequiresPython,
		RequiresDist:   reqs,
		ProvidesExtras: extras,
	}, nil
}
