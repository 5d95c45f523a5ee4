package sdist

import (
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	goversion "github.com/aquasecurity/go-version/pkg/version"
)

// buildSystemRequiresPattern extracts the `requires = [...]` array of a
// pyproject.toml's [build-system] table well enough for a diagnostic log
// line; it is not a general TOML parser.
var buildSystemRequiresPattern = regexp.MustCompile(`(?s)\[build-system\].*?requires\s*=\s*\[(.*?)\]`)

// quotedEntryPattern pulls quoted strings ("setuptools>=61", 'wheel', ...)
// out of a requires array body.
var quotedEntryPattern = regexp.MustCompile(`['"]([^'"]+)['"]`)

// specifierPattern splits a PEP 508-ish requirement string into its bare
// name and the version specifier trailing it, e.g. "setuptools>=61" ->
// ("setuptools", ">=61").
var specifierPattern = regexp.MustCompile(`^([A-Za-z0-9._-]+)\s*(.*)$`)

// logBuildBackendRequirement reads srcDir/pyproject.toml, if present, and
// logs the declared build-backend requirement for diagnostics. This uses
// go-version (not go-pep440-version, the package dependency resolver uses)
// since [build-system] requires entries are plain setuptools-style
// specifiers, a distinct comparator from PEP 440 package versions.
func logBuildBackendRequirement(logger *slog.Logger, srcDir, filename string) {
	data, err := os.ReadFile(filepath.Join(srcDir, "pyproject.toml"))
	if err != nil {
		return
	}

	m := buildSystemRequiresPattern.FindSubmatch(data)
	if m == nil {
		return
	}

	for _, entry := range quotedEntryPattern.FindAllStringSubmatch(string(m[1]), -1) {
		raw := strings.TrimSpace(entry[1])

		parts := specifierPattern.FindStringSubmatch(raw)
		if parts == nil {
			continue
		}

		name, specifier := parts[1], strings.TrimSpace(parts[2])
		if specifier == "" {
			logger.Debug("build backend requirement", slog.String("file", filename), slog.String("requirement", name))

			continue
		}

		ver := strings.TrimLeft(specifier, "=<>!~ ")
		if v, err := goversion.Parse(ver); err == nil {
			logger.Debug("build backend requirement",
				slog.String("file", filename),
				slog.String("name", name),
				slog.String("specifier", specifier),
				slog.String("parsed_version", v.String()),
			)
		} else {
			logger.Debug("build backend requirement",
				slog.String("file", filename),
				slog.String("name", name),
				slog.String("specifier", specifier),
			)
		}
	}
}
