package resolver

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"

	"github.com/bilusteknoloji/pipg/internal/pypi"
)

// jsonMetadataProvider is the default MetadataProvider: it resolves
// dependencies directly from the PyPI JSON API's requires_dist field,
// without a wheel-metadata range-fetch fast path or an sdist build driver.
// cmd/pipg substitutes internal/metadata.Provider for the full two-path
// behavior; this implementation exists so Service works standalone and in
// tests.
type jsonMetadataProvider struct {
	client pypi.Client
	logger *slog.Logger
}

func newJSONMetadataProvider(client pypi.Client, logger *slog.Logger) MetadataProvider {
	if logger == nil {
		logger = slog.Default()
	}

	return &jsonMetadataProvider{client: client, logger: logger}
}

func (p *jsonMetadataProvider) Metadata(ctx context.Context, name, version string) (MetadataRecord, error) {
	info, err := p.client.GetPackageVersion(ctx, name, version)
	if err != nil {
		return MetadataRecord{}, newError(KindNoUsableArtifact, name, err)
	}

	fixupContext := fmt.Sprintf("%s %s", name, version)

	reqs := make([]Requirement, 0, len(info.Info.RequiresDist))

	for _, raw := range info.Info.RequiresDist {
		req, err := Fixup(p.logger, raw, fixupContext)
		if err != nil {
			return MetadataRecord{}, newError(KindMetadataCorrupt, name, err)
		}

		reqs = append(reqs, req)
	}

	return MetadataRecord{
		RequiresPython: info.Info.RequiresPython,
		RequiresDist:   reqs,
		ProvidesExtras: extractExtras(reqs),
	}, nil
}

var extraNameRe = regexp.MustCompile(`extra\s*==\s*["']([\w.-]+)["']`)

// extractExtras derives the set of extras a package provides from the
// `extra == "name"` markers appearing in its own requires_dist, since the
// PyPI JSON API does not separately expose provides_extras.
func extractExtras(reqs []Requirement) []string {
	seen := make(map[string]bool)

	var extras []string

	for _, r := range reqs {
		m := extraNameRe.FindStringSubmatch(r.Marker)
		if m == nil {
			continue
		}

		if !seen[m[1]] {
			seen[m[1]] = true

			extras = append(extras, m[1])
		}
	}

	return extras
}
