package resolver

import (
	"fmt"
	"log/slog"
	"regexp"

	pep440 "github.com/aquasecurity/go-pep440-version"
)

// missingCommaRe matches a release segment immediately followed by a
// comparator with no separating comma, e.g. the "0<8.0.0" in
// ">=7.2.0<8.0.0". It only matches between two bound tokens, never at the
// start of the specifier.
var missingCommaRe = regexp.MustCompile(`(\d)\s*(>=|<=|==|!=|~=|>|<)`)

// Fixup tolerantly repairs a raw PEP 508 requirement string emitted by
// buggy upstream metadata. context is a diagnostic string of the form
// "<parent-name> <parent-version>", used only in the warning.
//
// It first attempts a strict parse: the requirement's specifier portion
// must parse as a valid set of PEP 440 specifiers and must not run two
// clauses together without a comma. If that fails, it applies exactly one
// repair to the specifier: inserting a comma between adjacent bound tokens
// where a comparator directly follows a numeric release segment with no
// separator. If the repaired string then parses, a warning
// is logged naming the original string and the context, and the repaired
// requirement is returned. If it still fails to parse, the original parse
// error is returned unchanged — no further repairs are attempted.
func Fixup(logger *slog.Logger, raw, context string) (Requirement, error) {
	if logger == nil {
		logger = slog.Default()
	}

	req := ParseRequirement(raw)

	origErr := validateSpecifier(req.Specifier)
	if !missingCommaRe.MatchString(req.Specifier) {
		if origErr != nil {
			return Requirement{}, fmt.Errorf("invalid requirement %q (%s): %w", raw, context, origErr)
		}

		return req, nil
	}

	fixedReq := req
	fixedReq.Specifier = missingCommaRe.ReplaceAllString(req.Specifier, "$1,$2")

	if err := validateSpecifier(fixedReq.Specifier); err != nil {
		if origErr == nil {
			origErr = err
		}

		return Requirement{}, fmt.Errorf("invalid requirement %q (%s): %w", raw, context, origErr)
	}

	logger.Warn("repaired invalid requirement (missing comma)",
		slog.String("raw", raw),
		slog.String("context", context),
	)

	return fixedReq, nil
}

// validateSpecifier reports whether spec parses as a valid (possibly empty)
// set of PEP 440 specifiers.
func validateSpecifier(spec string) error {
	if spec == "" {
		return nil
	}

	_, err := pep440.NewSpecifiers(spec)

	return err
}
