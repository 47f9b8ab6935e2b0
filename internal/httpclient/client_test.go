package httpclient

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeadersApplied(t *testing.T) {
	var gotRef, gotUA, gotCookie string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotRef = r.Header.Get("Referer")
		gotUA = r.Header.Get("User-Agent")
		gotCookie = r.Header.Get("Cookie")
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.Headers = map[string]string{"Referer": "https://example.com/", "Cookie": "a=b"}
	client := New(cfg)

	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	req.Header.Set("Cookie", "override=1")
	resp, err := client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, "https://example.com/", gotRef)
	assert.Equal(t, DefaultUserAgent, gotUA)
	assert.Equal(t, "override=1", gotCookie, "request headers win")
}

func TestBandwidthCap(t *testing.T) {
	body := strings.Repeat("x", 96*1024)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, body)
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.MaxBandwidth = 64 * 1024
	client := New(cfg)

	start := time.Now()
	resp, err := client.Get(srv.URL)
	require.NoError(t, err)
	data, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)

	assert.Len(t, data, len(body))
	// 64 KiB burst is free, the remaining 32 KiB takes about half a second.
	assert.GreaterOrEqual(t, time.Since(start), 300*time.Millisecond)
}
