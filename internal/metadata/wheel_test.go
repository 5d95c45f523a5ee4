package metadata_test

import (
	"archive/zip"
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bilusteknoloji/pipg/internal/metadata"
)

func buildWheel(t *testing.T, files map[string]string) []byte {
	t.Helper()

	var buf bytes.Buffer

	zw := zip.NewWriter(&buf)

	for name, content := range files {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("creating zip entry %s: %v", name, err)
		}

		if _, err := w.Write([]byte(content)); err != nil {
			t.Fatalf("writing zip entry %s: %v", name, err)
		}
	}

	if err := zw.Close(); err != nil {
		t.Fatalf("closing zip writer: %v", err)
	}

	return buf.Bytes()
}

func wheelServer(t *testing.T, wheel []byte) *httptest.Server {
	t.Helper()

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "pkg-1.0.0-py3-none-any.whl", time.Time{}, bytes.NewReader(wheel))
	}))
}

func TestHTTPWheelFetcherReadsEmbeddedMetadata(t *testing.T) {
	metadataBody := "Metadata-Version: 2.1\nName: pkg\nVersion: 1.0.0\n"

	wheel := buildWheel(t, map[string]string{
		"pkg-1.0.0.dist-info/METADATA": metadataBody,
		"pkg/__init__.py":              "",
	})

	srv := wheelServer(t, wheel)
	t.Cleanup(srv.Close)

	fetcher := metadata.NewHTTPWheelFetcher(srv.Client())

	raw, err := fetcher.FetchMetadata(context.Background(), srv.URL+"/pkg-1.0.0-py3-none-any.whl")
	if err != nil {
		t.Fatalf("FetchMetadata() error: %v", err)
	}

	if string(raw) != metadataBody {
		t.Errorf("raw = %q, want %q", raw, metadataBody)
	}
}

func TestHTTPWheelFetcherMissingMetadataErrors(t *testing.T) {
	wheel := buildWheel(t, map[string]string{
		"pkg/__init__.py": "",
	})

	srv := wheelServer(t, wheel)
	t.Cleanup(srv.Close)

	fetcher := metadata.NewHTTPWheelFetcher(srv.Client())

	_, err := fetcher.FetchMetadata(context.Background(), srv.URL+"/pkg-1.0.0-py3-none-any.whl")
	if err == nil {
		t.Fatal("expected error for a wheel with no dist-info/METADATA member")
	}
}
