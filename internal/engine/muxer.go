package engine

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/mohaanymo/mpdecrypt/internal/config"
	"github.com/mohaanymo/mpdecrypt/internal/decryptor"
	"github.com/mohaanymo/mpdecrypt/internal/logger"
	"github.com/mohaanymo/mpdecrypt/internal/models"
	"github.com/mohaanymo/mpdecrypt/internal/procexec"
)

// StageRemux names the remux stage in events and errors.
const StageRemux = "remux"

// Remuxer merges decrypted segment sequences into one container with
// ffmpeg, copying streams without re-encoding.
type Remuxer struct {
	ffmpegPath string
	format     string
	runner     procexec.Runner
	log        logger.Logger
}

// NewRemuxer creates a remuxer using cfg.FFmpegPath, which should already be
// resolved to an absolute path.
func NewRemuxer(cfg *config.Config, runner procexec.Runner, log logger.Logger) *Remuxer {
	if log == nil {
		log = logger.NewNop()
	}
	return &Remuxer{
		ffmpegPath: cfg.FFmpegPath,
		format:     cfg.Format,
		runner:     runner,
		log:        log,
	}
}

// Partition splits decrypted segments by track tag, keeping order within
// each sequence. Segments whose tag is neither audio nor video are dropped.
func Partition(segs []models.DecryptedSegment) (audio, video []string) {
	for _, s := range segs {
		track := s.Track
		if track == models.TrackUnknown {
			track = TrackFromFileName(s.Path)
		}
		switch track {
		case models.TrackAudio:
			audio = append(audio, s.Path)
		case models.TrackVideo:
			video = append(video, s.Path)
		}
	}
	return audio, video
}

// Remux concatenates each sequence into one elementary fMP4 file, in the
// given order, and merges video and audio into out.
func (r *Remuxer) Remux(ctx context.Context, audio, video []string, out string) error {
	if len(video) == 0 {
		return models.NewError(models.KindRemux, "video sequence is empty", nil)
	}
	if len(audio) == 0 {
		return models.NewError(models.KindRemux, "audio sequence is empty", nil)
	}
	return r.merge(ctx, [][]string{video, audio}, []string{"video", "audio"}, out)
}

// RemuxSingle writes one sequence to out. It serves runs that planned a
// single track.
func (r *Remuxer) RemuxSingle(ctx context.Context, seq []string, out string) error {
	if len(seq) == 0 {
		return models.NewError(models.KindRemux, "sequence is empty", nil)
	}
	return r.merge(ctx, [][]string{seq}, []string{"track"}, out)
}

func (r *Remuxer) merge(ctx context.Context, seqs [][]string, names []string, out string) error {
	if err := ctx.Err(); err != nil {
		return models.NewError(models.KindCanceled, "remux canceled", err)
	}
	start := time.Now()

	if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		return models.NewError(models.KindRemux, "create output dir", err)
	}

	inputs := make([]string, 0, len(seqs))
	defer func() {
		for _, f := range inputs {
			os.Remove(f)
		}
	}()

	for i, seq := range seqs {
		elementary := filepath.Join(filepath.Dir(seq[0]), names[i]+"_elementary.mp4")
		inputs = append(inputs, elementary)
		n, err := concatFiles(seq, elementary)
		if err != nil {
			return models.NewError(models.KindRemux, "concat "+names[i]+" segments", err)
		}
		r.log.Debug("concatenated sequence",
			logger.String("track", names[i]),
			logger.Int("segments", len(seq)),
			logger.Int64("bytes", n))
	}

	args := r.Args(inputs, out)
	r.log.Debug("ffmpeg command", logger.String("cmd", r.ffmpegPath+" "+strings.Join(args, " ")))

	_, err := r.runner.Run(ctx, procexec.Spec{Name: r.ffmpegPath, Args: args, Output: out})
	if err != nil {
		if ctx.Err() != nil {
			return models.NewError(models.KindCanceled, "remux canceled", ctx.Err())
		}
		return models.NewError(models.KindRemux, decryptor.Diagnostic(err), nil)
	}

	r.log.Info("remux finished",
		logger.String("output", out),
		logger.Duration("elapsed", time.Since(start)))
	return nil
}

// Args returns the ffmpeg command line merging inputs into out. Every stream
// of every input is mapped and copied; bitexact flags keep the output
// reproducible.
func (r *Remuxer) Args(inputs []string, out string) []string {
	args := []string{"-y", "-hide_banner", "-loglevel", "error"}
	for _, in := range inputs {
		args = append(args, "-i", in)
	}
	for i := range inputs {
		args = append(args, "-map", strconv.Itoa(i))
	}
	args = append(args, "-c", "copy", "-bitexact", "-fflags", "+bitexact", "-map_metadata", "-1")
	if r.format == "" || r.format == "mp4" {
		args = append(args, "-movflags", "+faststart")
	}
	return append(args, out)
}

// concatFiles byte-concatenates paths into dst in order.
func concatFiles(paths []string, dst string) (int64, error) {
	f, err := os.Create(dst)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", dst, err)
	}
	defer f.Close()

	var total int64
	for _, p := range paths {
		in, err := os.Open(p)
		if err != nil {
			return total, err
		}
		n, err := io.Copy(f, in)
		in.Close()
		total += n
		if err != nil {
			return total, fmt.Errorf("copy %s: %w", p, err)
		}
	}
	if total == 0 {
		return 0, fmt.Errorf("no data written to %s", dst)
	}
	return total, f.Close()
}
