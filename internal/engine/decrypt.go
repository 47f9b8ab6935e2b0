package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/mohaanymo/mpdecrypt/internal/config"
	"github.com/mohaanymo/mpdecrypt/internal/decryptor"
	"github.com/mohaanymo/mpdecrypt/internal/logger"
	"github.com/mohaanymo/mpdecrypt/internal/models"
	"github.com/mohaanymo/mpdecrypt/internal/procexec"
	"github.com/mohaanymo/mpdecrypt/internal/progress"
)

// StageDecrypt names the decryption stage in events and errors.
const StageDecrypt = "decrypt"

// Decrypter applies content keys to downloaded segments.
type Decrypter struct {
	primitive decryptor.Primitive
	workers   int
	interval  time.Duration
	sink      progress.Sink
	log       logger.Logger

	// probe inspects init segments; nil disables the KID check.
	probe func(path string) (decryptor.ProbeInfo, error)
}

// NewDecrypter creates the stage around primitive.
func NewDecrypter(cfg *config.Config, primitive decryptor.Primitive, sink progress.Sink, log logger.Logger) *Decrypter {
	if log == nil {
		log = logger.NewNop()
	}
	if sink == nil {
		sink = progress.Discard
	}
	return &Decrypter{
		primitive: primitive,
		workers:   cfg.DecryptWorkers,
		interval:  cfg.ProgressInterval,
		sink:      sink,
		log:       log,
		probe:     decryptor.Probe,
	}
}

// Decrypt decrypts segs and returns the decrypted files in the same order.
// The key for the segment at position i is keys.For(i, track). Each
// encrypted media original is deleted once its decrypted file exists; init
// originals are deleted when the whole stage succeeds because later media
// segments read them. On failure the decrypted files produced so far are
// discarded and the error names the failing position.
func (d *Decrypter) Decrypt(ctx context.Context, segs []models.DownloadedSegment, keys models.KeyMap) ([]models.DecryptedSegment, error) {
	if len(segs) == 0 {
		return nil, nil
	}
	if keys.Len() == 0 {
		return nil, models.NewError(models.KindDecryption, "no keys supplied", nil)
	}

	start := time.Now()
	d.log.Info("decryption started",
		logger.Int("segments", len(segs)),
		logger.Int("keys", keys.Len()),
		logger.String("backend", d.primitive.Name()))

	meter := progress.NewMeter(StageDecrypt, len(segs), d.interval, d.sink)
	results := make([]models.DecryptedSegment, len(segs))

	pool := NewWorkerPool(d.workers)
	err := pool.Run(ctx, len(segs), func(ctx context.Context, i int) error {
		seg := segs[i]
		track := seg.Track
		if track == models.TrackUnknown {
			track = TrackFromFileName(seg.Path)
		}

		key, err := keys.For(i, track)
		if err != nil {
			return models.SegmentError(models.KindDecryption, i, seg.URL, err.Error(), nil)
		}
		if seg.Init {
			d.checkKID(seg, key)
		}

		meter.Start(i, 0)
		out := decryptedPath(seg.Path)
		job := decryptor.Job{Input: seg.Path, Output: out, Key: key, Init: seg.Init, InitOf: seg.InitOf}
		if !seg.Init && seg.InitOf != "" {
			info := seg.Path + ".init"
			if err := copyFile(seg.InitOf, info); err != nil {
				meter.Reset(i)
				return models.SegmentError(models.KindDecryption, i, seg.URL, "copy init segment", err)
			}
			defer os.Remove(info)
			job.InitOf = info
		}
		if err := d.primitive.Decrypt(ctx, job); err != nil {
			os.Remove(out)
			meter.Reset(i)
			return decryptionError(ctx, i, seg.URL, err)
		}

		if !seg.Init {
			if err := os.Remove(seg.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
				d.log.Warn("remove encrypted segment", logger.String("path", seg.Path), logger.Error(err))
			}
		}
		results[i] = models.DecryptedSegment{Index: seg.Index, Track: track, Init: seg.Init, Path: out, KeyID: key.KID}
		meter.Finish(ctx, i)
		return nil
	})
	if err != nil {
		for _, r := range results {
			if r.Path != "" {
				os.Remove(r.Path)
			}
		}
		return nil, err
	}

	for _, seg := range segs {
		if seg.Init {
			os.Remove(seg.Path)
		}
	}

	meter.Flush(ctx)
	completed, _ := pool.Stats()
	d.log.Info("decryption finished",
		logger.Int("segments", len(results)),
		logger.Int64("completed", completed),
		logger.Duration("elapsed", time.Since(start)))
	return results, nil
}

// checkKID warns when the init segment announces a different default KID
// than the key chosen for it. Keys are never reordered.
func (d *Decrypter) checkKID(seg models.DownloadedSegment, key models.KeyPair) {
	if d.probe == nil {
		return
	}
	info, err := d.probe(seg.Path)
	if err != nil {
		d.log.Debug("init probe failed", logger.String("path", seg.Path), logger.Error(err))
		return
	}
	if info.DefaultKID != "" && info.DefaultKID != key.KID {
		d.log.Warn("key id does not match init segment",
			logger.String("path", seg.Path),
			logger.String("track", info.Track.String()),
			logger.String("init_kid", info.DefaultKID),
			logger.String("key_kid", key.KID))
	}
}

func decryptionError(ctx context.Context, index int, url string, err error) error {
	if ctx.Err() != nil {
		return models.SegmentError(models.KindCanceled, index, url, "decryption canceled", ctx.Err())
	}
	var ee *procexec.ExitError
	if errors.As(err, &ee) && ee.Stderr != "" {
		return models.SegmentError(models.KindDecryption, index, url, decryptor.Diagnostic(err), nil)
	}
	return models.SegmentError(models.KindDecryption, index, url, "", err)
}

// copyFile gives a media job its own copy of the track's encrypted init, so
// no two tool processes open the same input file.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("copy %s: %w", src, err)
	}
	return out.Close()
}

func decryptedPath(path string) string {
	return strings.TrimSuffix(path, ".m4s") + ".dec.m4s"
}
