// Package config provides configuration types for the pipeline.
package config

import (
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// Common errors.
var (
	ErrInvalidFormat  = errors.New("invalid output format")
	ErrInvalidBackend = errors.New("invalid decrypt backend")
	ErrInvalidPolicy  = errors.New("invalid segment count policy")
)

// Decrypt backends.
const (
	BackendMp4decrypt = "mp4decrypt"
	BackendBuiltin    = "builtin"
)

// Segment count policies.
const (
	// PolicyLegacy enumerates numbers 0, d, 2d, ... below timescale.
	PolicyLegacy = "legacy"
	// PolicyDuration derives the count from the presentation duration.
	PolicyDuration = "duration"
)

// Config holds all pipeline configuration.
type Config struct {
	// Output
	OutputDir string
	Format    string // mp4, mkv
	WorkRoot  string // parent of per-run working directories

	// Download settings
	Threads       int
	RetryAttempts int // total attempts per segment, including the first
	RetryDelay    time.Duration
	Timeout       time.Duration
	MaxBandwidth  int64 // bytes per second, 0 = unlimited

	// HTTP settings
	Headers map[string]string

	// Decryption
	DecryptBackend string
	DecryptWorkers int

	// Planning
	SegmentCountPolicy string
	SegmentCount       int // overrides the policy when > 0

	// Also fetch the best track of the complementary media type.
	Companion bool

	// External tools. Resolved to absolute paths by ResolveTools.
	Mp4decryptPath string
	FFmpegPath     string

	// UI/Logging
	ProgressInterval time.Duration
	NoProgress       bool
	LogLevel         string
}

// Default configuration values.
const (
	DefaultThreads          = 16
	DefaultDecryptWorkers   = 4
	DefaultFormat           = "mp4"
	DefaultRetryAttempts    = 2
	DefaultRetryDelay       = 500 * time.Millisecond
	DefaultTimeout          = 30 * time.Second
	DefaultProgressInterval = 5 * time.Second
	DefaultMp4decrypt       = "mp4decrypt"
	DefaultFFmpeg           = "ffmpeg"
	DefaultLogLevel         = "info"

	MaxThreads = 128
	MinThreads = 1
)

// New returns a Config with sensible defaults.
func New() *Config {
	return &Config{
		OutputDir:          ".",
		Format:             DefaultFormat,
		Threads:            DefaultThreads,
		RetryAttempts:      DefaultRetryAttempts,
		RetryDelay:         DefaultRetryDelay,
		Timeout:            DefaultTimeout,
		Headers:            make(map[string]string),
		DecryptBackend:     BackendMp4decrypt,
		DecryptWorkers:     DefaultDecryptWorkers,
		SegmentCountPolicy: PolicyLegacy,
		Companion:          true,
		Mp4decryptPath:     DefaultMp4decrypt,
		FFmpegPath:         DefaultFFmpeg,
		ProgressInterval:   DefaultProgressInterval,
		LogLevel:           DefaultLogLevel,
	}
}

// Validate checks if the configuration is valid and normalizes values.
func (c *Config) Validate() error {
	// Clamp threads to valid range
	if c.Threads < MinThreads {
		c.Threads = MinThreads
	}
	if c.Threads > MaxThreads {
		c.Threads = MaxThreads
	}
	if c.DecryptWorkers < 1 {
		c.DecryptWorkers = 1
	}
	if c.DecryptWorkers > MaxThreads {
		c.DecryptWorkers = MaxThreads
	}
	if c.RetryAttempts < 1 {
		c.RetryAttempts = 1
	}
	if c.RetryDelay < 0 {
		c.RetryDelay = 0
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.ProgressInterval <= 0 {
		c.ProgressInterval = DefaultProgressInterval
	}
	if c.MaxBandwidth < 0 {
		c.MaxBandwidth = 0
	}
	if c.SegmentCount < 0 {
		c.SegmentCount = 0
	}

	c.Format = strings.ToLower(strings.TrimSpace(c.Format))
	if c.Format == "" {
		c.Format = DefaultFormat
	}
	switch c.Format {
	case "mp4", "mkv":
	default:
		return fmt.Errorf("%w: %q", ErrInvalidFormat, c.Format)
	}

	c.DecryptBackend = strings.ToLower(strings.TrimSpace(c.DecryptBackend))
	switch c.DecryptBackend {
	case "":
		c.DecryptBackend = BackendMp4decrypt
	case BackendMp4decrypt, BackendBuiltin:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidBackend, c.DecryptBackend)
	}

	c.SegmentCountPolicy = strings.ToLower(strings.TrimSpace(c.SegmentCountPolicy))
	switch c.SegmentCountPolicy {
	case "":
		c.SegmentCountPolicy = PolicyLegacy
	case PolicyLegacy, PolicyDuration:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidPolicy, c.SegmentCountPolicy)
	}

	// Initialize headers map if nil
	if c.Headers == nil {
		c.Headers = make(map[string]string)
	}

	return nil
}

// ResolveTools replaces the tool names with absolute executable paths.
// Only the tools the configured backends need are resolved; the process
// environment is never modified.
func (c *Config) ResolveTools() error {
	ffmpeg, err := resolveExecutable(c.FFmpegPath, DefaultFFmpeg)
	if err != nil {
		return err
	}
	c.FFmpegPath = ffmpeg

	if c.DecryptBackend == BackendMp4decrypt {
		mp4decrypt, err := resolveExecutable(c.Mp4decryptPath, DefaultMp4decrypt)
		if err != nil {
			return err
		}
		c.Mp4decryptPath = mp4decrypt
	}
	return nil
}

func resolveExecutable(value, fallback string) (string, error) {
	name := strings.TrimSpace(value)
	if name == "" {
		name = fallback
	}
	path, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", name, err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %s: %w", name, err)
	}
	return abs, nil
}
