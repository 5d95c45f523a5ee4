package resolver

import (
	"fmt"
	"sort"
	"strings"

	pep440 "github.com/aquasecurity/go-pep440-version"
)

// MatchesAll checks if a version string satisfies all the given specifier strings.
func MatchesAll(versionStr string, specifiers []string) (bool, error) {
	v, err := pep440.Parse(versionStr)
	if err != nil {
		return false, fmt.Errorf("parsing version %q: %w", versionStr, err)
	}

	for _, spec := range specifiers {
		ss, err := pep440.NewSpecifiers(spec)
		if err != nil {
			return false, fmt.Errorf("parsing specifier %q: %w", spec, err)
		}

		if !ss.Check(v) {
			return false, nil
		}
	}

	return true, nil
}

// FindBestVersion finds the highest version from candidates that satisfies all specifiers.
// Candidates are version strings. Pre-release versions are excluded unless no stable version matches.
// Returns empty string if no version matches.
func FindBestVersion(candidates []string, specifiers []string) (string, error) {
	sorted, err := SortVersionsDesc(candidates)
	if err != nil {
		return "", err
	}

	for _, v := range sorted {
		parsed, _ := pep440.Parse(v)
		if parsed.IsPreRelease() {
			continue
		}

		matches, err := MatchesAll(v, specifiers)
		if err != nil {
			return "", err
		}

		if matches {
			return v, nil
		}
	}

	for _, v := range sorted {
		matches, err := MatchesAll(v, specifiers)
		if err != nil {
			return "", err
		}

		if matches {
			return v, nil
		}
	}

	return "", nil
}

// SortVersionsDesc sorts version strings in descending order (highest first).
// Invalid version strings are filtered out.
func SortVersionsDesc(versions []string) ([]string, error) {
	type parsed struct {
		raw string
		ver pep440.Version
	}

	var valid []parsed

	for _, raw := range versions {
		v, err := pep440.Parse(raw)
		if err != nil {
			continue
		}

		valid = append(valid, parsed{raw: raw, ver: v})
	}

	sort.Slice(valid, func(i, j int) bool {
		return valid[i].ver.GreaterThan(valid[j].ver)
	})

	result := make([]string, len(valid))
	for i, v := range valid {
		result[i] = v.raw
	}

	return result, nil
}

// FormatPythonVersion converts a compact version like "312" to dotted "3.12".
func FormatPythonVersion(v string) string {
	if len(v) >= 2 {
		return v[:1] + "." + v[1:]
	}

	return v
}

// SpecifierAdmitsPreRelease reports whether spec explicitly names a
// pre-release version in one of its clauses, which per PEP 440 is what
// lets a specifier set match pre-release candidates without a global
// opt-in.
func SpecifierAdmitsPreRelease(spec string) bool {
	for _, clause := range strings.Split(spec, ",") {
		clause = strings.TrimSpace(clause)
		raw := strings.TrimLeft(clause, "=<>!~ ")
		raw = strings.TrimSuffix(raw, ".*")

		if v, err := pep440.Parse(raw); err == nil && v.IsPreRelease() {
			return true
		}
	}

	return false
}

// VersionSet is the intersection of every contributor's specifier string
// for a single package. It is built fresh from whatever specifiers are
// currently contributed and never mutated in place; adding
// or removing a contributor replaces the set rather than editing it, which
// is what makes ConstraintStore's LIFO backtracking correct.
type VersionSet struct {
	specifiers []pep440.Specifiers
}

// NewVersionSet parses each specifier string and builds their intersection.
// An empty specifier string matches every version and contributes nothing.
func NewVersionSet(raw []string) (VersionSet, error) {
	var vs VersionSet

	for _, s := range raw {
		if s == "" {
			continue
		}

		ss, err := pep440.NewSpecifiers(s)
		if err != nil {
			return VersionSet{}, fmt.Errorf("parsing specifier %q: %w", s, err)
		}

		vs.specifiers = append(vs.specifiers, ss)
	}

	return vs, nil
}

// Allows reports whether v satisfies every specifier in the set. An empty
// set allows every version.
func (vs VersionSet) Allows(v pep440.Version) bool {
	for _, ss := range vs.specifiers {
		if !ss.Check(v) {
			return false
		}
	}

	return true
}

// Empty reports whether the set carries no constraints at all.
func (vs VersionSet) Empty() bool {
	return len(vs.specifiers) == 0
}
