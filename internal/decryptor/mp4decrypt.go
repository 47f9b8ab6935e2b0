package decryptor

import (
	"context"
	"fmt"

	"github.com/mohaanymo/mpdecrypt/internal/procexec"
)

// Mp4decrypt runs the Bento4 mp4decrypt tool once per segment.
type Mp4decrypt struct {
	path   string
	runner procexec.Runner
}

// NewMp4decrypt uses the executable at path, which should be absolute.
func NewMp4decrypt(path string, runner procexec.Runner) *Mp4decrypt {
	return &Mp4decrypt{path: path, runner: runner}
}

// Name implements Primitive.
func (m *Mp4decrypt) Name() string { return "mp4decrypt" }

// Args returns the command line for job.
func (m *Mp4decrypt) Args(job Job) []string {
	args := []string{"--key", job.Key.String()}
	if !job.Init && job.InitOf != "" {
		args = append(args, "--fragments-info", job.InitOf)
	}
	return append(args, job.Input, job.Output)
}

// Decrypt implements Primitive. The output is removed if the tool fails or
// ctx is canceled.
func (m *Mp4decrypt) Decrypt(ctx context.Context, job Job) error {
	if job.Input == job.Output {
		return fmt.Errorf("input and output are the same file: %s", job.Input)
	}
	_, err := m.runner.Run(ctx, procexec.Spec{
		Name:   m.path,
		Args:   m.Args(job),
		Output: job.Output,
	})
	return err
}
