package resolver

import (
	"golang.org/x/xerrors"
)

// Kind classifies a resolver failure, so the CLI can decide
// whether a failure is worth retrying, reporting with an explanation, or
// treating as an internal bug.
type Kind int

const (
	// KindInvalidRequirement: a requirement string could not be parsed or
	// repaired by Fixup.
	KindInvalidRequirement Kind = iota
	// KindNoSuchPackage: the index has no entry at all for a name.
	KindNoSuchPackage
	// KindNoUsableArtifact: every file of every candidate version was
	// rejected (no compatible wheel, no sdist, or both failed metadata
	// acquisition).
	KindNoUsableArtifact
	// KindPermanentBuildFailure: an sdist's build backend failed in a way
	// that retrying would not fix.
	KindPermanentBuildFailure
	// KindMetadataCorrupt: a wheel or sdist produced metadata that could
	// not be parsed as a requirement set.
	KindMetadataCorrupt
	// KindConflict: two contributors' specifiers for the same package
	// have no version in common.
	KindConflict
	// KindTransient: a network or subprocess failure that a retry might
	// resolve; never folded into the final Unsatisfiable explanation.
	KindTransient
	// KindUnsatisfiable: backtracking exhausted every candidate at the
	// root without finding a consistent assignment.
	KindUnsatisfiable
)

func (k Kind) String() string {
	switch k {
	case KindInvalidRequirement:
		return "invalid_requirement"
	case KindNoSuchPackage:
		return "no_such_package"
	case KindNoUsableArtifact:
		return "no_usable_artifact"
	case KindPermanentBuildFailure:
		return "permanent_build_failure"
	case KindMetadataCorrupt:
		return "metadata_corrupt"
	case KindConflict:
		return "conflict"
	case KindTransient:
		return "transient"
	case KindUnsatisfiable:
		return "unsatisfiable"
	default:
		return "unknown"
	}
}

// Error is the resolver's typed failure, carrying the package name that
// triggered it (if any) and the underlying cause.
type Error struct {
	Kind    Kind
	Package string
	Err     error
}

func (e *Error) Error() string {
	if e.Package == "" {
		return xerrors.Errorf("%s: %w", e.Kind, e.Err).Error()
	}

	return xerrors.Errorf("%s (%s): %w", e.Kind, e.Package, e.Err).Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// newError wraps err as a resolver Error of kind k for package name.
func newError(k Kind, name string, err error) *Error {
	return &Error{Kind: k, Package: name, Err: err}
}

// NewError builds a resolver Error of kind k for package name, err. Exported
// so out-of-package MetadataProvider implementations (internal/metadata)
// can surface the same error taxonomy without duplicating it.
func NewError(k Kind, name string, err error) *Error {
	return newError(k, name, err)
}

// UnsatisfiableError is returned by Engine.Resolve when backtracking
// exhausts every root candidate without finding a consistent assignment. It
// carries a minimal explanation: the package of the last recorded conflict
// and the contributors narrowing it at that point. The decisions that led
// there are not recorded.
type UnsatisfiableError struct {
	// Conflicts holds the recorded conflict; Engine.Resolve fills in a
	// single entry.
	Conflicts []ConflictDetail
}

// ConflictDetail names one package-level conflict contributing to an
// Unsatisfiable result.
type ConflictDetail struct {
	Package      string
	Contributors []string // CanonicalString of each requirement that narrowed this package
}

func (e *UnsatisfiableError) Error() string {
	if len(e.Conflicts) == 0 {
		return "unsatisfiable: no candidate satisfied every constraint"
	}

	c := e.Conflicts[0]

	return xerrors.Errorf("unsatisfiable: no version of %s satisfies %v", c.Package, c.Contributors).Error()
}
