// Package media stores inbound attachment blobs. Platform CDN links expire,
// so attachments worth keeping are mirrored into a blob store and the message
// keeps both the mirrored URI and the original URL as fallback.
package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"time"

	"github.com/nvats/unibox/retry"
)

// ErrTooLarge is returned when a download exceeds the mirror size limit.
var ErrTooLarge = errors.New("media: attachment exceeds size limit")

// MaxMirrorSize bounds how much of a platform CDN object is mirrored.
const MaxMirrorSize = 32 << 20 // 32 MiB

// downloadSchedule bounds CDN download retries. Message processing waits on
// this work, so it gives up far sooner than queue redelivery would.
var downloadSchedule = retry.Schedule{
	Base:        250 * time.Millisecond,
	Cap:         2 * time.Second,
	MaxAttempts: 3,
	Deadline:    15 * time.Second,
}

// Store persists attachment blobs addressed by opaque URIs.
type Store interface {
	// Upload stores content and returns its URI.
	Upload(ctx context.Context, filename, contentType string, content io.Reader) (string, error)

	// Load opens the blob at uri for reading.
	Load(ctx context.Context, uri string) (io.ReadCloser, error)

	// Delete removes the blob at uri.
	Delete(ctx context.Context, uri string) error
}

// Mirror downloads externalURL and uploads it into the store, returning the
// stored URI. The download is bounded in size; oversized or failed downloads
// leave the caller with only the external URL. Transient CDN failures are
// retried in-process; 4xx responses are not.
func Mirror(ctx context.Context, st Store, client *http.Client, externalURL string) (string, error) {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	resp, err := retry.DoWithResult(ctx, downloadSchedule, func(ctx context.Context) (*http.Response, error) {
		return download(ctx, client, externalURL)
	})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.ContentLength > MaxMirrorSize {
		return "", ErrTooLarge
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	// LimitReader with one extra byte detects bodies that lied about their
	// length without buffering the whole object.
	limited := &limitedReader{r: io.LimitReader(resp.Body, MaxMirrorSize+1)}
	uri, err := st.Upload(ctx, path.Base(resp.Request.URL.Path), contentType, limited)
	if err != nil {
		return "", err
	}
	if limited.n > MaxMirrorSize {
		_ = st.Delete(ctx, uri)
		return "", ErrTooLarge
	}
	return uri, nil
}

// download fetches the CDN object, classifying failures so the retry loop
// only repeats the ones another attempt can fix.
func download(ctx context.Context, client *http.Client, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, retry.MarkNotRetryable(fmt.Errorf("media: build download request: %w", err))
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("media: download: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		serr := fmt.Errorf("media: download returned status %d", resp.StatusCode)
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return nil, serr
		}
		return nil, retry.MarkNotRetryable(serr)
	}
	return resp, nil
}

type limitedReader struct {
	r io.Reader
	n int64
}

func (l *limitedReader) Read(p []byte) (int, error) {
	n, err := l.r.Read(p)
	l.n += int64(n)
	return n, err
}
