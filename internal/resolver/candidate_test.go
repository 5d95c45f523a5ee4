package resolver_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/bilusteknoloji/pipg/internal/pypi"
	"github.com/bilusteknoloji/pipg/internal/resolver"
)

type fakeClient struct {
	packages map[string]*pypi.PackageInfo
}

func (f *fakeClient) GetPackage(_ context.Context, name string) (*pypi.PackageInfo, error) {
	info, ok := f.packages[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", pypi.ErrNotFound, name)
	}

	return info, nil
}

func (f *fakeClient) GetPackageVersion(ctx context.Context, name, _ string) (*pypi.PackageInfo, error) {
	return f.GetPackage(ctx, name)
}

func TestCandidateSourceVersionsDescendingOrder(t *testing.T) {
	client := &fakeClient{
		packages: map[string]*pypi.PackageInfo{
			"six": {
				Releases: map[string][]pypi.URL{
					"1.15.0": {{Filename: "six-1.15.0-py2.py3-none-any.whl", PackageType: "bdist_wheel"}},
					"1.16.0": {{Filename: "six-1.16.0-py2.py3-none-any.whl", PackageType: "bdist_wheel"}},
					"1.9.0":  {{Filename: "six-1.9.0.tar.gz", PackageType: "sdist"}},
				},
			},
		},
	}

	src := resolver.NewCandidateSource(client)

	versions, err := src.Versions(context.Background(), "six")
	if err != nil {
		t.Fatalf("Versions() error: %v", err)
	}

	if len(versions) != 3 {
		t.Fatalf("expected 3 versions, got %d", len(versions))
	}

	want := []string{"1.16.0", "1.15.0", "1.9.0"}
	for i, w := range want {
		if versions[i].Raw != w {
			t.Errorf("position %d: got %q, want %q", i, versions[i].Raw, w)
		}
	}

	if !versions[0].HasWheel() {
		t.Error("1.16.0 should report HasWheel")
	}

	if versions[0].HasSdist() {
		t.Error("1.16.0 should not report HasSdist")
	}

	if !versions[2].HasSdist() {
		t.Error("1.9.0 should report HasSdist")
	}
}

func TestCandidateSourceNoSuchPackage(t *testing.T) {
	client := &fakeClient{packages: map[string]*pypi.PackageInfo{}}
	src := resolver.NewCandidateSource(client)

	_, err := src.Versions(context.Background(), "nonexistent")
	if !errors.Is(err, resolver.ErrNoSuchPackage) {
		t.Fatalf("expected ErrNoSuchPackage, got %v", err)
	}
}

type failingClient struct {
	err error
}

func (f *failingClient) GetPackage(context.Context, string) (*pypi.PackageInfo, error) {
	return nil, f.err
}

func (f *failingClient) GetPackageVersion(context.Context, string, string) (*pypi.PackageInfo, error) {
	return nil, f.err
}

func TestCandidateSourceTransportErrorPropagates(t *testing.T) {
	transportErr := errors.New("connection reset")
	src := resolver.NewCandidateSource(&failingClient{err: transportErr})

	_, err := src.Versions(context.Background(), "pkg")
	if !errors.Is(err, transportErr) {
		t.Fatalf("expected transport error to propagate, got %v", err)
	}

	if errors.Is(err, resolver.ErrNoSuchPackage) {
		t.Error("transport error must not be reported as ErrNoSuchPackage")
	}
}

func TestVersionFromSdistFilename(t *testing.T) {
	tests := []struct {
		name     string
		filename string
		want     string
		wantErr  bool
	}{
		{"typed-ast", "typed_ast-0.5.1.tar.gz", "0.5.1", false},
		{"typed-ast", "typed-ast-0.5.1.tar.gz", "0.5.1", false},
		{"pkg", "pkg-2.0.0.zip", "2.0.0", false},
		{"python-dateutil", "python_dateutil-2.8.2.tar.gz", "2.8.2", false},
		{"other", "pkg-1.0.0.tar.gz", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.filename, func(t *testing.T) {
			got, err := resolver.VersionFromSdistFilename(tt.name, tt.filename)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %q", got)
				}

				return
			}

			if err != nil {
				t.Fatalf("VersionFromSdistFilename() error: %v", err)
			}

			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCandidateSourceFileTieBreakLexicographic(t *testing.T) {
	client := &fakeClient{
		packages: map[string]*pypi.PackageInfo{
			"pkg": {
				Releases: map[string][]pypi.URL{
					"1.0.0": {
						{Filename: "pkg-1.0.0-cp312-cp312-manylinux.whl", PackageType: "bdist_wheel"},
						{Filename: "pkg-1.0.0-cp38-cp38-manylinux.whl", PackageType: "bdist_wheel"},
					},
				},
			},
		},
	}

	src := resolver.NewCandidateSource(client)

	versions, err := src.Versions(context.Background(), "pkg")
	if err != nil {
		t.Fatalf("Versions() error: %v", err)
	}

	if versions[0].Files[0].Filename != "pkg-1.0.0-cp312-cp312-manylinux.whl" {
		t.Errorf("expected lexicographically smallest filename first, got %q", versions[0].Files[0].Filename)
	}
}

func TestCandidateSourceSkipsYankedFiles(t *testing.T) {
	client := &fakeClient{
		packages: map[string]*pypi.PackageInfo{
			"pkg": {
				Releases: map[string][]pypi.URL{
					"1.0.0": {
						{Filename: "pkg-1.0.0.whl", PackageType: "bdist_wheel", Yanked: true},
					},
				},
			},
		},
	}

	src := resolver.NewCandidateSource(client)

	versions, err := src.Versions(context.Background(), "pkg")
	if err != nil {
		t.Fatalf("Versions() error: %v", err)
	}

	if len(versions[0].Files) != 0 {
		t.Errorf("expected yanked file to be excluded, got %v", versions[0].Files)
	}
}
