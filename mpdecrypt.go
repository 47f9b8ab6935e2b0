// Package mpdecrypt downloads and decrypts CENC-protected DASH streams.
//
// Basic usage:
//
//	req, err := mpdecrypt.NewRequest(
//		"https://example.com/stream.mpd",
//		[]string{"0123456789abcdef0123456789abcdef:fedcba9876543210fedcba9876543210"},
//		"episode-01",
//	)
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	res := mpdecrypt.Run(ctx, req, mpdecrypt.WithOutputDir("/srv/media"))
//	if res.Err != nil {
//		log.Fatal(res.Err)
//	}
//	fmt.Println("saved", res.Output)
//
// Several requests can be queued on a Manager, which runs them with bounded
// concurrency.
package mpdecrypt

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net/url"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/mohaanymo/mpdecrypt/internal/config"
	"github.com/mohaanymo/mpdecrypt/internal/engine"
	"github.com/mohaanymo/mpdecrypt/internal/httpclient"
	"github.com/mohaanymo/mpdecrypt/internal/logger"
	"github.com/mohaanymo/mpdecrypt/internal/models"
	"github.com/mohaanymo/mpdecrypt/internal/parser"
	"github.com/mohaanymo/mpdecrypt/internal/progress"
)

// ErrInvalidRequest is wrapped by every NewRequest validation failure.
var ErrInvalidRequest = errors.New("invalid request")

// Request is a validated pipeline input. Build one with NewRequest.
type Request struct {
	URL              string
	SaveName         string
	RepresentationID string
	Language         string

	keys models.KeyMap
}

// RequestOption adjusts a Request before validation.
type RequestOption func(*Request)

// WithRepresentation selects the representation with this exact id instead
// of the highest bandwidth one.
func WithRepresentation(id string) RequestOption {
	return func(r *Request) {
		r.RepresentationID = strings.TrimSpace(id)
	}
}

// WithLanguage sets the preferred language of the companion track.
func WithLanguage(lang string) RequestOption {
	return func(r *Request) {
		r.Language = strings.TrimSpace(lang)
	}
}

// NewRequest validates the manifest URL, the key list and the output base
// name. Keys are "KID:KEY" or "audio=KID:KEY"/"video=KID:KEY" with 32 hex
// characters on each side; their order is kept.
func NewRequest(manifestURL string, keys []string, saveName string, opts ...RequestOption) (*Request, error) {
	r := &Request{URL: strings.TrimSpace(manifestURL), SaveName: strings.TrimSpace(saveName)}
	for _, opt := range opts {
		opt(r)
	}

	if err := validateURL(r.URL); err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("%w: at least one key is required", ErrInvalidRequest)
	}
	km, err := models.ParseKeyMap(keys)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	r.keys = km
	if err := validateSaveName(r.SaveName); err != nil {
		return nil, err
	}
	return r, nil
}

// KeyCount returns the number of content keys.
func (r *Request) KeyCount() int {
	return r.keys.Len()
}

func (r *Request) job(cfg *config.Config) engine.Job {
	name := r.SaveName
	ext := "." + cfg.Format
	if !strings.HasSuffix(strings.ToLower(name), ext) {
		name += ext
	}
	return engine.Job{
		ManifestURL:      r.URL,
		RepresentationID: r.RepresentationID,
		Language:         r.Language,
		Keys:             r.keys,
		Output:           filepath.Join(cfg.OutputDir, name),
	}
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: manifest url: %v", ErrInvalidRequest, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: manifest url must be http or https, got %q", ErrInvalidRequest, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: manifest url has no host", ErrInvalidRequest)
	}
	return nil
}

func validateSaveName(name string) error {
	switch name {
	case "":
		return fmt.Errorf("%w: save name is empty", ErrInvalidRequest)
	case ".", "..":
		return fmt.Errorf("%w: save name %q is not a file name", ErrInvalidRequest, name)
	}
	if strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("%w: save name %q contains a path separator", ErrInvalidRequest, name)
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return fmt.Errorf("%w: save name contains control characters", ErrInvalidRequest)
		}
	}
	return nil
}

// settings collects what Options configure for one run.
type settings struct {
	cfg    *config.Config
	sink   progress.Sink
	log    logger.Logger
	engine []engine.Option
}

// Option configures a run.
type Option func(*settings)

func newSettings(opts []Option) *settings {
	s := &settings{cfg: config.New()}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = logger.NewNop()
	}
	return s
}

// WithConfig replaces the whole configuration with a copy of cfg. Options
// applied after it adjust the copy.
func WithConfig(cfg *config.Config) Option {
	return func(s *settings) {
		if cfg == nil {
			return
		}
		c := *cfg
		c.Headers = maps.Clone(cfg.Headers)
		s.cfg = &c
	}
}

// WithThreads sets the number of concurrent segment downloads.
func WithThreads(n int) Option {
	return func(s *settings) {
		s.cfg.Threads = n
	}
}

// WithDecryptWorkers sets the number of concurrent decryptions.
func WithDecryptWorkers(n int) Option {
	return func(s *settings) {
		s.cfg.DecryptWorkers = n
	}
}

// WithFormat sets the output container (mp4 or mkv).
func WithFormat(format string) Option {
	return func(s *settings) {
		s.cfg.Format = format
	}
}

// WithOutputDir sets the directory the output file is written to.
func WithOutputDir(dir string) Option {
	return func(s *settings) {
		s.cfg.OutputDir = dir
	}
}

// WithWorkRoot sets the parent directory of per-run working directories.
func WithWorkRoot(dir string) Option {
	return func(s *settings) {
		s.cfg.WorkRoot = dir
	}
}

// WithHeaders sets custom HTTP headers.
func WithHeaders(headers map[string]string) Option {
	return func(s *settings) {
		s.ensureHeaders()
		for k, v := range headers {
			s.cfg.Headers[k] = v
		}
	}
}

// WithHeader adds a single custom HTTP header.
func WithHeader(key, value string) Option {
	return func(s *settings) {
		s.ensureHeaders()
		s.cfg.Headers[key] = value
	}
}

// WithMaxBandwidth limits download speed in bytes per second.
func WithMaxBandwidth(bytesPerSec int64) Option {
	return func(s *settings) {
		s.cfg.MaxBandwidth = bytesPerSec
	}
}

// WithDecryptBackend chooses "mp4decrypt" (default) or "builtin".
func WithDecryptBackend(name string) Option {
	return func(s *settings) {
		s.cfg.DecryptBackend = name
	}
}

// WithCompanion toggles fetching the best track of the other media type.
func WithCompanion(on bool) Option {
	return func(s *settings) {
		s.cfg.Companion = on
	}
}

// WithSink delivers progress and state events to sink. Delivery never
// blocks the pipeline; a sink returning *progress.RateLimitError is paused.
func WithSink(sink Sink) Option {
	return func(s *settings) {
		s.sink = sink
	}
}

// WithLogger sets the structured logger.
func WithLogger(log logger.Logger) Option {
	return func(s *settings) {
		s.log = log
	}
}

func (s *settings) ensureHeaders() {
	if s.cfg.Headers == nil {
		s.cfg.Headers = make(map[string]string)
	}
}

// withEngine passes options straight to the pipeline.
func withEngine(opts ...engine.Option) Option {
	return func(s *settings) {
		s.engine = append(s.engine, opts...)
	}
}

// prepare validates the configuration and resolves the external tools.
func (s *settings) prepare() error {
	if err := s.cfg.Validate(); err != nil {
		return err
	}
	return s.cfg.ResolveTools()
}

func (s *settings) pipeline(extra ...engine.Option) (*engine.Pipeline, error) {
	opts := []engine.Option{engine.WithLogger(s.log)}
	if s.sink != nil {
		opts = append(opts, engine.WithSink(s.sink))
	}
	opts = append(opts, s.engine...)
	opts = append(opts, extra...)
	return engine.New(s.cfg, opts...)
}

// Run executes the whole pipeline for req and returns its terminal result.
// The output is written to <OutputDir>/<SaveName>.<format>.
func Run(ctx context.Context, req *Request, opts ...Option) Result {
	if req == nil {
		return Result{State: StateFailed, Err: fmt.Errorf("%w: nil request", ErrInvalidRequest)}
	}
	s := newSettings(opts)
	if err := s.prepare(); err != nil {
		return Result{State: StateFailed, Err: err}
	}
	p, err := s.pipeline()
	if err != nil {
		return Result{State: StateFailed, Err: err}
	}
	return resultFrom(p.Run(ctx, req.job(s.cfg)))
}

// ListRepresentations fetches and parses a manifest and returns every
// representation in document order.
func ListRepresentations(ctx context.Context, manifestURL string, opts ...Option) ([]Representation, error) {
	if err := validateURL(manifestURL); err != nil {
		return nil, err
	}
	s := newSettings(opts)
	if err := s.cfg.Validate(); err != nil {
		return nil, err
	}
	client := httpclient.New(httpclient.Config{
		HeaderTimeout: s.cfg.Timeout,
		Headers:       s.cfg.Headers,
		MaxBandwidth:  s.cfg.MaxBandwidth,
	})
	m, err := parser.Load(ctx, client, manifestURL, s.cfg.Headers)
	if err != nil {
		return nil, err
	}
	return wrapRepresentations(m.Representations()), nil
}
