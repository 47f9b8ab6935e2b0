// Package decryptor provides the per-segment decryption primitives.
package decryptor

import (
	"context"
	"errors"
	"fmt"

	"github.com/mohaanymo/mpdecrypt/internal/config"
	"github.com/mohaanymo/mpdecrypt/internal/logger"
	"github.com/mohaanymo/mpdecrypt/internal/models"
	"github.com/mohaanymo/mpdecrypt/internal/procexec"
)

// Job is one segment decryption.
type Job struct {
	Input  string
	Output string
	Key    models.KeyPair
	Init   bool   // Input is an initialization segment
	InitOf string // encrypted init segment of the same track, if known
}

// Primitive decrypts one segment file into another. Implementations hold no
// shared mutable state and may be called concurrently for distinct files.
type Primitive interface {
	Decrypt(ctx context.Context, job Job) error
	Name() string
}

// New returns the primitive selected by cfg.DecryptBackend.
func New(cfg *config.Config, runner procexec.Runner, log logger.Logger) (Primitive, error) {
	switch cfg.DecryptBackend {
	case config.BackendMp4decrypt, "":
		return NewMp4decrypt(cfg.Mp4decryptPath, runner), nil
	case config.BackendBuiltin:
		return NewBuiltin(log), nil
	default:
		return nil, fmt.Errorf("%w: %q", config.ErrInvalidBackend, cfg.DecryptBackend)
	}
}

// Diagnostic returns the tool diagnostic text carried by err, or err's
// message when there is none.
func Diagnostic(err error) string {
	var ee *procexec.ExitError
	if errors.As(err, &ee) && ee.Stderr != "" {
		return ee.Stderr
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
