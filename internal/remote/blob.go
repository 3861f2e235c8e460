package remote

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// BlobClient writes media objects to the hosted blob storage. The caller
// chooses the object path; the response carries the public address.
type BlobClient struct {
	baseURL string
	http    *http.Client
}

// NewBlobClient creates a blob storage client for the given base URL.
func NewBlobClient(baseURL string) *BlobClient {
	return &BlobClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		// Uploads can be tens of megabytes on slow links.
		http: &http.Client{Timeout: 2 * time.Minute},
	}
}

// Put uploads data under path and returns its public address.
func (c *BlobClient) Put(ctx context.Context, path string, data []byte, contentType string) (string, error) {
	url := c.baseURL + "/v1/blobs/" + strings.TrimLeft(path, "/")
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", contentType)
	req.ContentLength = int64(len(data))

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("put blob: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("put blob: status %d: %s", resp.StatusCode, snippet)
	}

	// The service echoes the public address in Location; fall back to the
	// upload URL for stores that serve objects where they were written.
	if loc := resp.Header.Get("Location"); loc != "" {
		return loc, nil
	}
	return url, nil
}
