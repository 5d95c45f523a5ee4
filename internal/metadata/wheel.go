package metadata

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// WheelFetcher fetches just the embedded dist-info METADATA member of a
// wheel, using HTTP range requests over an io.ReaderAt so only the zip central
// directory and the one member are ever transferred.
type WheelFetcher interface {
	FetchMetadata(ctx context.Context, url string) ([]byte, error)
}

// httpWheelFetcher is the default WheelFetcher, using Range requests.
type httpWheelFetcher struct {
	client *http.Client
}

// NewHTTPWheelFetcher wraps an *http.Client as a WheelFetcher.
func NewHTTPWheelFetcher(client *http.Client) WheelFetcher {
	if client == nil {
		client = http.DefaultClient
	}

	return &httpWheelFetcher{client: client}
}

func (f *httpWheelFetcher) FetchMetadata(ctx context.Context, url string) ([]byte, error) {
	r, err := newHTTPRangeReader(ctx, f.client, url)
	if err != nil {
		return nil, fmt.Errorf("opening wheel %s: %w", url, err)
	}

	zr, err := zip.NewReader(r, r.size)
	if err != nil {
		return nil, fmt.Errorf("reading wheel zip structure of %s: %w", url, err)
	}

	for _, zf := range zr.File {
		dir, name, ok := strings.Cut(zf.Name, "/")
		if !ok || !strings.HasSuffix(dir, ".dist-info") || name != "METADATA" {
			continue
		}

		rc, err := zf.Open()
		if err != nil {
			return nil, fmt.Errorf("opening METADATA in %s: %w", url, err)
		}
		defer func() { _ = rc.Close() }()

		return io.ReadAll(rc)
	}

	return nil, fmt.Errorf("no *.dist-info/METADATA member found in %s", url)
}

// httpRangeReader implements io.ReaderAt over HTTP Range requests, so
// archive/zip can read a wheel's central directory and a single member
// without downloading the whole file.
type httpRangeReader struct {
	ctx    context.Context
	client *http.Client
	url    string
	size   int64
}

func newHTTPRangeReader(ctx context.Context, client *http.Client, url string) (*httpRangeReader, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HEAD %s: unexpected status %d", url, resp.StatusCode)
	}

	if resp.ContentLength <= 0 {
		return nil, fmt.Errorf("HEAD %s: missing Content-Length", url)
	}

	return &httpRangeReader{ctx: ctx, client: client, url: url, size: resp.ContentLength}, nil
}

func (r *httpRangeReader) ReadAt(p []byte, off int64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	end := off + int64(len(p)) - 1
	if end >= r.size {
		end = r.size - 1
	}

	req, err := http.NewRequestWithContext(r.ctx, http.MethodGet, r.url, nil)
	if err != nil {
		return 0, err
	}

	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", off, end))

	resp, err := r.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()

	// A 200 reply carries the whole file from byte 0, which only lines up
	// with p when off is 0.
	if resp.StatusCode != http.StatusPartialContent && (resp.StatusCode != http.StatusOK || off != 0) {
		return 0, fmt.Errorf("range request to %s: unexpected status %d", r.url, resp.StatusCode)
	}

	n, err := io.ReadFull(resp.Body, p)
	if err == io.ErrUnexpectedEOF || err == io.EOF {
		err = io.EOF
	}

	return n, err
}
