package resolver

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	pep440 "github.com/aquasecurity/go-pep440-version"

	"github.com/bilusteknoloji/pipg/internal/pypi"
)

// ErrNoSuchPackage is returned by a CandidateSource when the index has no
// entry at all for the requested name.
var ErrNoSuchPackage = errors.New("no such package")

// FileKind classifies a release file as a wheel or a source distribution.
type FileKind int

const (
	FileSdist FileKind = iota
	FileWheel
)

// ReleaseFile is one downloadable artifact for a given (name, version).
type ReleaseFile struct {
	Filename string
	URL      string
	SHA256   string
	Kind     FileKind
}

// CandidateVersion is one version of a package together with its release
// files, as returned by a CandidateSource.
type CandidateVersion struct {
	Version pep440.Version
	Raw     string // original version string, preserved for API round-trips
	Files   []ReleaseFile
}

// HasWheel reports whether any release file for this version is a wheel.
func (c CandidateVersion) HasWheel() bool {
	for _, f := range c.Files {
		if f.Kind == FileWheel {
			return true
		}
	}

	return false
}

// HasSdist reports whether any release file for this version is an sdist.
func (c CandidateVersion) HasSdist() bool {
	for _, f := range c.Files {
		if f.Kind == FileSdist {
			return true
		}
	}

	return false
}

// CandidateSource discovers the versions available for a package name.
type CandidateSource interface {
	// Versions returns every known version of name, sorted descending by
	// the standard PEP 440 total order (pre-releases included, ordered
	// after their matching release for iteration purposes). Returns
	// ErrNoSuchPackage if the index has no entry for name at all.
	Versions(ctx context.Context, name string) ([]CandidateVersion, error)
}

// pypiCandidateSource implements CandidateSource against the PyPI JSON API,
// classifying each release's files into wheel/sdist.
type pypiCandidateSource struct {
	client pypi.Client
}

// NewCandidateSource wraps a pypi.Client as a CandidateSource.
func NewCandidateSource(client pypi.Client) CandidateSource {
	return &pypiCandidateSource{client: client}
}

func (s *pypiCandidateSource) Versions(ctx context.Context, name string) ([]CandidateVersion, error) {
	info, err := s.client.GetPackage(ctx, name)
	if err != nil {
		// A missing index entry is a resolution fact; anything else is a
		// transport failure and propagates unchanged.
		if errors.Is(err, pypi.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s: %w", ErrNoSuchPackage, name, err)
		}

		return nil, err
	}

	candidates := make([]CandidateVersion, 0, len(info.Releases))

	for raw, urls := range info.Releases {
		if len(urls) == 0 {
			continue
		}

		v, err := pep440.Parse(raw)
		if err != nil {
			continue // unparseable version strings are not candidates
		}

		candidates = append(candidates, CandidateVersion{
			Version: v,
			Raw:     raw,
			Files:   classifyFiles(urls),
		})
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Version.GreaterThan(candidates[j].Version)
	})

	return candidates, nil
}

// VersionFromSdistFilename extracts the version segment of an sdist
// filename. The convention is <name>-<version><ext>, where the name is not
// necessarily spelled canonically; every prefix ending in "-" is tried
// until one canonicalizes to the requested name, so "typed_ast-0.5.1.tar.gz"
// yields "0.5.1" for the package "typed-ast".
func VersionFromSdistFilename(canonName, filename string) (string, error) {
	stem := strings.TrimSuffix(filename, filepath.Ext(filename))
	stem = strings.TrimSuffix(stem, ".tar")

	want := NormalizeName(canonName)

	for i, r := range stem {
		if r != '-' {
			continue
		}

		if NormalizeName(stem[:i]) == want {
			return stem[i+1:], nil
		}
	}

	return "", fmt.Errorf("cannot extract a version for %s from filename %q", canonName, filename)
}

// classifyFiles converts PyPI release files into ReleaseFiles, sorted so
// that files of otherwise equal priority tie-break on the
// lexicographically smallest filename.
func classifyFiles(urls []pypi.URL) []ReleaseFile {
	files := make([]ReleaseFile, 0, len(urls))

	for _, u := range urls {
		if u.Yanked {
			continue
		}

		kind := FileSdist
		if u.PackageType == "bdist_wheel" {
			kind = FileWheel
		}

		files = append(files, ReleaseFile{
			Filename: u.Filename,
			URL:      u.URL,
			SHA256:   u.Digests.SHA256,
			Kind:     kind,
		})
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].Filename < files[j].Filename
	})

	return files
}
