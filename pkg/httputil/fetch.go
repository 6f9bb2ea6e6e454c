package httputil

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/postalworks/batchpress/pkg/errors"
	"github.com/postalworks/batchpress/pkg/observability"
)

// MaxAssetSize bounds how much of a remote asset is read into memory.
// Recipient QR images and template sources are small; anything larger is a
// misconfigured URL, not a printable asset.
const MaxAssetSize = 16 << 20 // 16 MiB

// defaultClient is shared across fetches so connections are pooled.
var defaultClient = &http.Client{Timeout: 30 * time.Second}

// fetchRetryDelay is the initial backoff between fetch attempts.
// Overridden in tests.
var fetchRetryDelay = time.Second

// FetchAsset downloads a remote asset with retry on transient failures.
// Network errors and 5xx responses are retried with backoff; 4xx responses
// fail immediately. The returned error carries ErrCodeAssetUnreachable so
// the per-recipient boundary can record it without aborting the batch.
func FetchAsset(ctx context.Context, url string) ([]byte, error) {
	var body []byte
	err := Retry(ctx, 3, fetchRetryDelay, func() error {
		data, err := fetchOnce(ctx, url)
		if err != nil {
			return err
		}
		body = data
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeAssetUnreachable, err, "fetch %s", url)
	}
	return body, nil
}

func fetchOnce(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	observability.HTTP().OnRequest(ctx, req.Method, req.URL.Host, req.URL.Path)

	resp, err := defaultClient.Do(req)
	if err != nil {
		observability.HTTP().OnError(ctx, req.Method, req.URL.Host, req.URL.Path, err)
		return nil, Retryable(err)
	}
	defer resp.Body.Close()

	observability.HTTP().OnResponse(ctx, req.Method, req.URL.Host, req.URL.Path,
		resp.StatusCode, time.Since(start))

	switch {
	case resp.StatusCode >= 500:
		return nil, Retryable(fmt.Errorf("server error %d", resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxAssetSize+1))
	if err != nil {
		return nil, Retryable(err)
	}
	if len(data) > MaxAssetSize {
		return nil, fmt.Errorf("asset exceeds %d bytes", MaxAssetSize)
	}
	return data, nil
}
