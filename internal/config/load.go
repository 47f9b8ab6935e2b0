package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cast"
)

// EnvPrefix is prepended to every environment override.
const EnvPrefix = "MPDECRYPT_"

// fileConfig mirrors Config in TOML form. Durations are strings like "5s".
type fileConfig struct {
	OutputDir          *string           `toml:"output_dir"`
	Format             *string           `toml:"format"`
	WorkRoot           *string           `toml:"work_root"`
	Threads            *int              `toml:"threads"`
	RetryAttempts      *int              `toml:"retry_attempts"`
	RetryDelay         *string           `toml:"retry_delay"`
	Timeout            *string           `toml:"timeout"`
	MaxBandwidth       *int64            `toml:"max_bandwidth"`
	Headers            map[string]string `toml:"headers"`
	DecryptBackend     *string           `toml:"decrypt_backend"`
	DecryptWorkers     *int              `toml:"decrypt_workers"`
	SegmentCountPolicy *string           `toml:"segment_count_policy"`
	SegmentCount       *int              `toml:"segment_count"`
	Companion          *bool             `toml:"companion"`
	Mp4decryptPath     *string           `toml:"mp4decrypt"`
	FFmpegPath         *string           `toml:"ffmpeg"`
	ProgressInterval   *string           `toml:"progress_interval"`
	LogLevel           *string           `toml:"log_level"`
}

// Load builds a Config from defaults, an optional TOML file, an optional
// .env file in the working directory and MPDECRYPT_* environment variables,
// in increasing precedence. An empty path skips the file layer; a named file
// that does not exist is an error.
func Load(path string) (*Config, error) {
	cfg := New()

	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	expanded, err := expandPath(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		return fmt.Errorf("open config: %w", err)
	}

	var fc fileConfig
	if err := toml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	return c.applyFile(fc)
}

func (c *Config) applyFile(fc fileConfig) error {
	setString(&c.OutputDir, fc.OutputDir)
	setString(&c.Format, fc.Format)
	setString(&c.WorkRoot, fc.WorkRoot)
	setString(&c.DecryptBackend, fc.DecryptBackend)
	setString(&c.SegmentCountPolicy, fc.SegmentCountPolicy)
	setString(&c.Mp4decryptPath, fc.Mp4decryptPath)
	setString(&c.FFmpegPath, fc.FFmpegPath)
	setString(&c.LogLevel, fc.LogLevel)
	if fc.Threads != nil {
		c.Threads = *fc.Threads
	}
	if fc.RetryAttempts != nil {
		c.RetryAttempts = *fc.RetryAttempts
	}
	if fc.MaxBandwidth != nil {
		c.MaxBandwidth = *fc.MaxBandwidth
	}
	if fc.DecryptWorkers != nil {
		c.DecryptWorkers = *fc.DecryptWorkers
	}
	if fc.SegmentCount != nil {
		c.SegmentCount = *fc.SegmentCount
	}
	if fc.Companion != nil {
		c.Companion = *fc.Companion
	}
	for k, v := range fc.Headers {
		c.Headers[k] = v
	}

	var err error
	if fc.RetryDelay != nil {
		if c.RetryDelay, err = cast.ToDurationE(*fc.RetryDelay); err != nil {
			return fmt.Errorf("parse config: retry_delay: %w", err)
		}
	}
	if fc.Timeout != nil {
		if c.Timeout, err = cast.ToDurationE(*fc.Timeout); err != nil {
			return fmt.Errorf("parse config: timeout: %w", err)
		}
	}
	if fc.ProgressInterval != nil {
		if c.ProgressInterval, err = cast.ToDurationE(*fc.ProgressInterval); err != nil {
			return fmt.Errorf("parse config: progress_interval: %w", err)
		}
	}
	return nil
}

// applyEnv overlays environment overrides read through lookup.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	get := func(name string) (string, bool) {
		v, ok := lookup(EnvPrefix + name)
		if !ok || strings.TrimSpace(v) == "" {
			return "", false
		}
		return strings.TrimSpace(v), true
	}

	strs := map[string]*string{
		"OUTPUT_DIR":      &c.OutputDir,
		"FORMAT":          &c.Format,
		"WORK_ROOT":       &c.WorkRoot,
		"DECRYPT_BACKEND": &c.DecryptBackend,
		"SEGMENT_POLICY":  &c.SegmentCountPolicy,
		"MP4DECRYPT":      &c.Mp4decryptPath,
		"FFMPEG":          &c.FFmpegPath,
		"LOG_LEVEL":       &c.LogLevel,
	}
	for name, dst := range strs {
		if v, ok := get(name); ok {
			*dst = v
		}
	}

	ints := map[string]*int{
		"THREADS":         &c.Threads,
		"RETRY_ATTEMPTS":  &c.RetryAttempts,
		"DECRYPT_WORKERS": &c.DecryptWorkers,
		"SEGMENT_COUNT":   &c.SegmentCount,
	}
	for name, dst := range ints {
		if v, ok := get(name); ok {
			n, err := cast.ToIntE(v)
			if err != nil {
				return fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
			}
			*dst = n
		}
	}

	if v, ok := get("MAX_BANDWIDTH"); ok {
		n, err := cast.ToInt64E(v)
		if err != nil {
			return fmt.Errorf("%sMAX_BANDWIDTH: %w", EnvPrefix, err)
		}
		c.MaxBandwidth = n
	}
	if v, ok := get("COMPANION"); ok {
		b, err := cast.ToBoolE(v)
		if err != nil {
			return fmt.Errorf("%sCOMPANION: %w", EnvPrefix, err)
		}
		c.Companion = b
	}

	durs := map[string]*time.Duration{
		"RETRY_DELAY":       &c.RetryDelay,
		"TIMEOUT":           &c.Timeout,
		"PROGRESS_INTERVAL": &c.ProgressInterval,
	}
	for name, dst := range durs {
		if v, ok := get(name); ok {
			d, err := cast.ToDurationE(v)
			if err != nil {
				return fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
			}
			*dst = d
		}
	}
	return nil
}

func setString(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}

func expandPath(pathValue string) (string, error) {
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	absolute, err := filepath.Abs(filepath.Clean(pathValue))
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", pathValue, err)
	}
	return absolute, nil
}
