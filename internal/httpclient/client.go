// Package httpclient provides the shared HTTP client for manifest and
// segment downloads.
package httpclient

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// DefaultUserAgent is sent when the caller supplies none.
const DefaultUserAgent = "mpdecrypt/1.0"

// burstBytes is the largest read admitted by the bandwidth limiter at once.
const burstBytes = 64 * 1024

// Config holds HTTP client configuration.
type Config struct {
	Timeout         time.Duration
	HeaderTimeout   time.Duration // wait for response headers, default 30s
	MaxConnsPerHost int
	DisableHTTP2    bool
	Headers         map[string]string
	MaxBandwidth    int64 // bytes per second, 0 = unlimited
}

// DefaultConfig returns sensible defaults for media downloads.
func DefaultConfig() Config {
	return Config{
		Timeout:         0, // No overall timeout, handled per-request
		MaxConnsPerHost: 100,
		DisableHTTP2:    false,
	}
}

// New creates an HTTP client tuned for many parallel segment requests.
// Configured headers are added to every request that does not set them,
// and MaxBandwidth caps the aggregate body read rate.
func New(cfg Config) *http.Client {
	if cfg.MaxConnsPerHost == 0 {
		cfg.MaxConnsPerHost = 100
	}
	if cfg.HeaderTimeout <= 0 {
		cfg.HeaderTimeout = 30 * time.Second
	}

	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}

	var transport http.RoundTripper = &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        200,
		MaxIdleConnsPerHost: cfg.MaxConnsPerHost,
		MaxConnsPerHost:     cfg.MaxConnsPerHost,
		IdleConnTimeout:     90 * time.Second,

		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: cfg.HeaderTimeout,
		ExpectContinueTimeout: 1 * time.Second,

		DisableCompression: true, // Segments are already compressed
		ForceAttemptHTTP2:  !cfg.DisableHTTP2,
		DialContext:        dialer.DialContext,

		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
	}

	if cfg.MaxBandwidth > 0 {
		transport = &rateLimitedTransport{
			base:    transport,
			limiter: rate.NewLimiter(rate.Limit(cfg.MaxBandwidth), burstBytes),
		}
	}

	transport = &headerTransport{base: transport, headers: cfg.Headers}

	return &http.Client{
		Transport: transport,
		Timeout:   cfg.Timeout,
	}
}

// headerTransport adds default headers without overriding per-request ones.
type headerTransport struct {
	base    http.RoundTripper
	headers map[string]string
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	for k, v := range t.headers {
		if req.Header.Get(k) == "" {
			req.Header.Set(k, v)
		}
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", DefaultUserAgent)
	}
	return t.base.RoundTrip(req)
}

// rateLimitedTransport wraps a transport with rate limiting.
type rateLimitedTransport struct {
	base    http.RoundTripper
	limiter *rate.Limiter
}

func (t *rateLimitedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return nil, err
	}

	resp.Body = &rateLimitedReader{
		r:       resp.Body,
		limiter: t.limiter,
		ctx:     req.Context(),
	}
	return resp, nil
}

// rateLimitedReader wraps an io.ReadCloser with rate limiting.
type rateLimitedReader struct {
	r       io.ReadCloser
	limiter *rate.Limiter
	ctx     context.Context
}

func (r *rateLimitedReader) Read(p []byte) (int, error) {
	if len(p) > burstBytes {
		p = p[:burstBytes]
	}
	n, err := r.r.Read(p)
	if n > 0 {
		if werr := r.limiter.WaitN(r.ctx, n); werr != nil {
			return n, werr
		}
	}
	return n, err
}

func (r *rateLimitedReader) Close() error {
	return r.r.Close()
}
