// Package parser fetches and parses DASH manifests.
package parser

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/mohaanymo/mpdecrypt/internal/models"
)

// maxManifestSize bounds the manifest body read into memory.
const maxManifestSize = 32 << 20

// Doer is satisfied by *http.Client.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Fetch downloads manifest bytes. Any transport failure or non-200 status
// is a NetworkError.
func Fetch(ctx context.Context, client Doer, urlStr string, headers map[string]string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
	if err != nil {
		return nil, models.NewError(models.KindNetwork, "build manifest request", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		e := models.NewError(models.KindNetwork, "fetch manifest", err)
		e.URL = urlStr
		return nil, e
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		e := models.NewError(models.KindNetwork, fmt.Sprintf("HTTP %d", resp.StatusCode), nil)
		e.URL = urlStr
		return nil, e
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxManifestSize+1))
	if err != nil {
		e := models.NewError(models.KindNetwork, "read manifest", err)
		e.URL = urlStr
		return nil, e
	}
	if len(body) > maxManifestSize {
		return nil, models.NewError(models.KindManifest, "manifest exceeds size limit", nil)
	}
	return body, nil
}

// Load fetches and parses the manifest at urlStr.
func Load(ctx context.Context, client Doer, urlStr string, headers map[string]string) (*models.Manifest, error) {
	data, err := Fetch(ctx, client, urlStr, headers)
	if err != nil {
		return nil, err
	}
	return Parse(data, urlStr)
}

// resolveURL resolves a relative URL against a base URL.
func resolveURL(base *url.URL, relative string) (*url.URL, error) {
	rel, err := url.Parse(strings.TrimSpace(relative))
	if err != nil {
		return nil, err
	}
	return base.ResolveReference(rel), nil
}
