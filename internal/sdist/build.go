// Package sdist builds Python source distributions far enough to read their
// metadata: given a downloaded archive, it extracts, invokes the
// upstream PEP 517 build backend to produce a metadata directory, and
// returns the raw METADATA contents. internal/metadata is the only caller;
// the resolver engine never depends on this package directly.
package sdist

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// buildMetadataScript invokes the `build` package's ProjectBuilder to run
// only the backend's prepare_metadata_for_build_wheel hook, stopping short
// of building a full wheel.
const buildMetadataScript = `import sys
from build import ProjectBuilder
ProjectBuilder(sys.argv[1]).metadata_path(sys.argv[2])
`

// CommandRunner executes the build backend in an isolated subprocess and
// returns its captured stdout/stderr separately.
type CommandRunner func(ctx context.Context, dir string, env []string, name string, args ...string) (stdout, stderr []byte, err error)

// BuildError is returned when the build backend subprocess fails; it
// carries the captured output for diagnostics.
type BuildError struct {
	Filename string
	Stdout   string
	Stderr   string
	Err      error
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("building %s: %v\n--- stdout:\n%s\n--- stderr:\n%s", e.Filename, e.Err, e.Stdout, e.Stderr)
}

func (e *BuildError) Unwrap() error { return e.Err }

// Result is the outcome of a successful build: the raw bytes of the
// produced *.dist-info/METADATA file, unparsed.
type Result struct {
	Raw []byte
}

// Option configures a Driver.
type Option func(*Driver)

// WithCommandRunner overrides how the build backend subprocess is invoked.
// Defaults to exec.CommandContext. Tests inject a fake to avoid requiring a
// real Python toolchain.
func WithCommandRunner(fn CommandRunner) Option {
	return func(d *Driver) {
		if fn != nil {
			d.runCmd = fn
		}
	}
}

// WithBuildBackendBin sets the Python interpreter used to drive the build
// backend. Defaults to "python3".
func WithBuildBackendBin(bin string) Option {
	return func(d *Driver) {
		if bin != "" {
			d.backendBin = bin
		}
	}
}

// WithEnv sets additional environment variables layered on top of the
// inherited process environment.
func WithEnv(overrides map[string]string) Option {
	return func(d *Driver) {
		d.envOverrides = overrides
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Driver) {
		if l != nil {
			d.logger = l
		}
	}
}

// Driver is the default BuildDriver: extract, run the backend, read
// METADATA.
type Driver struct {
	runCmd       CommandRunner
	backendBin   string
	envOverrides map[string]string
	logger       *slog.Logger
}

// New creates a new sdist build Driver.
func New(opts ...Option) *Driver {
	d := &Driver{
		runCmd:     defaultRunCmd,
		backendBin: "python3",
		logger:     slog.Default(),
	}

	for _, opt := range opts {
		opt(d)
	}

	return d
}

// Build extracts archivePath (named filename, to pick the right archive
// format), runs the upstream build backend's metadata-only hook under
// workDir, and returns the resulting METADATA file's raw bytes. workDir is
// owned by the caller, who is responsible for removing it on every exit
// path.
func (d *Driver) Build(ctx context.Context, archivePath, filename, workDir string) (Result, error) {
	extractDir := filepath.Join(workDir, "extracted")

	if err := extractArchive(archivePath, filename, extractDir); err != nil {
		return Result{}, fmt.Errorf("extracting %s: %w", filename, err)
	}

	srcDir, err := singleTopLevelDir(extractDir)
	if err != nil {
		return Result{}, fmt.Errorf("extracting %s: %w", filename, err)
	}

	logBuildBackendRequirement(d.logger, srcDir, filename)

	metadataDir := filepath.Join(workDir, "metadata")

	stdout, stderr, err := d.runCmd(ctx, srcDir, d.environ(), d.backendBin, "-c", buildMetadataScript, srcDir, metadataDir)
	if err != nil {
		return Result{}, &BuildError{Filename: filename, Stdout: string(stdout), Stderr: string(stderr), Err: err}
	}

	distInfo, err := singleDistInfoDir(metadataDir)
	if err != nil {
		return Result{}, fmt.Errorf("reading build output for %s: %w", filename, err)
	}

	raw, err := os.ReadFile(filepath.Join(distInfo, "METADATA"))
	if err != nil {
		return Result{}, fmt.Errorf("reading METADATA for %s: %w", filename, err)
	}

	return Result{Raw: raw}, nil
}

// environ layers envOverrides on top of the inherited process environment.
func (d *Driver) environ() []string {
	env := os.Environ()

	for k, v := range d.envOverrides {
		env = append(env, k+"="+v)
	}

	return env
}

// defaultRunCmd runs the build backend as a real subprocess, capturing
// stdout and stderr into separate buffers.
func defaultRunCmd(ctx context.Context, dir string, env []string, name string, args ...string) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Env = env

	var stdout, stderr strings.Builder

	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	return []byte(stdout.String()), []byte(stderr.String()), err
}

// singleTopLevelDir returns the sole entry of dir. An extraction yielding
// zero or more than one top-level entry is a build failure.
func singleTopLevelDir(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("reading extracted archive: %w", err)
	}

	if len(entries) != 1 {
		return "", fmt.Errorf("archive extracted to %d top-level entries, expected exactly 1", len(entries))
	}

	return filepath.Join(dir, entries[0].Name()), nil
}

// singleDistInfoDir finds the one *.dist-info directory a metadata build is
// expected to produce.
func singleDistInfoDir(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("reading metadata directory: %w", err)
	}

	found := ""

	for _, e := range entries {
		if !e.IsDir() || !strings.HasSuffix(e.Name(), ".dist-info") {
			continue
		}

		if found != "" {
			return "", fmt.Errorf("multiple .dist-info directories produced")
		}

		found = e.Name()
	}

	if found == "" {
		return "", fmt.Errorf("no .dist-info directory produced")
	}

	return filepath.Join(dir, found), nil
}

// extractArchive extracts archivePath (a tar.gz/tgz or zip sdist, chosen by
// filename extension) into destDir, which must not already exist.
func extractArchive(archivePath, filename, destDir string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return err
	}

	switch {
	case strings.HasSuffix(filename, ".tar.gz"), strings.HasSuffix(filename, ".tgz"):
		gz, err := gzip.NewReader(f)
		if err != nil {
			return err
		}
		defer func() { _ = gz.Close() }()

		return extractTar(gz, destDir)
	case strings.HasSuffix(filename, ".zip"):
		info, err := f.Stat()
		if err != nil {
			return err
		}

		return extractZip(f, info.Size(), destDir)
	default:
		return fmt.Errorf("unsupported sdist archive format: %s", filename)
	}
}

func extractTar(r io.Reader, destDir string) error {
	tr := tar.NewReader(r)

	for {
		h, err := tr.Next()
		if err == io.EOF {
			return nil
		}

		if err != nil {
			return err
		}

		target, err := safeJoin(destDir, h.Name)
		if err != nil {
			return err
		}

		switch h.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}

			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
			if err != nil {
				return err
			}

			_, copyErr := io.Copy(out, tr) //nolint:gosec // archive size is bounded by the sdist download itself

			closeErr := out.Close()
			if copyErr != nil {
				return copyErr
			}

			if closeErr != nil {
				return closeErr
			}
		default:
			// Symlinks and other special entries have no metadata-parsing
			// relevance; skip them.
		}
	}
}

func extractZip(r io.ReaderAt, size int64, destDir string) error {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return err
	}

	for _, f := range zr.File {
		target, err := safeJoin(destDir, f.Name)
		if err != nil {
			return err
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}

			continue
		}

		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}

		rc, err := f.Open()
		if err != nil {
			return err
		}

		out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
		if err != nil {
			_ = rc.Close()

			return err
		}

		_, copyErr := io.Copy(out, rc) //nolint:gosec // archive size is bounded by the sdist download itself

		closeErr1 := out.Close()
		closeErr2 := rc.Close()

		if copyErr != nil {
			return copyErr
		}

		if closeErr1 != nil {
			return closeErr1
		}

		if closeErr2 != nil {
			return closeErr2
		}
	}

	return nil
}

// safeJoin joins dir with an archive-supplied relative name, rejecting
// entries that would escape dir (a zip-slip/tar-slip attempt).
func safeJoin(dir, name string) (string, error) {
	target := filepath.Join(dir, name)

	if !strings.HasPrefix(target, filepath.Clean(dir)+string(os.PathSeparator)) && target != filepath.Clean(dir) {
		return "", fmt.Errorf("archive entry %q escapes extraction directory", name)
	}

	return target, nil
}
