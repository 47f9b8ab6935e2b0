package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mohaanymo/mpdecrypt/internal/config"
	"github.com/mohaanymo/mpdecrypt/internal/logger"
	"github.com/mohaanymo/mpdecrypt/internal/models"
	"github.com/mohaanymo/mpdecrypt/internal/parser"
	"github.com/mohaanymo/mpdecrypt/internal/progress"
)

// chunkSize is the fixed read buffer per in-flight segment.
const chunkSize = 32 << 10

// StageDownload names the fetch stage in events and errors.
const StageDownload = "download"

// Fetcher downloads segment plans to a local directory.
type Fetcher struct {
	client     parser.Doer
	headers    map[string]string
	threads    int
	attempts   int
	retryDelay time.Duration
	interval   time.Duration
	sink       progress.Sink
	log        logger.Logger
}

// NewFetcher creates a fetcher from cfg. sink should not block; the
// pipeline hands it a progress.Throttle.
func NewFetcher(cfg *config.Config, client parser.Doer, sink progress.Sink, log logger.Logger) *Fetcher {
	if log == nil {
		log = logger.NewNop()
	}
	if sink == nil {
		sink = progress.Discard
	}
	attempts := cfg.RetryAttempts
	if attempts < 1 {
		attempts = 1
	}
	return &Fetcher{
		client:     client,
		headers:    cfg.Headers,
		threads:    cfg.Threads,
		attempts:   attempts,
		retryDelay: cfg.RetryDelay,
		interval:   cfg.ProgressInterval,
		sink:       sink,
		log:        log,
	}
}

type fetchTask struct {
	seg    models.Segment
	rep    *models.Representation
	path   string
	initOf string
}

// Fetch downloads every segment of plans into dir. The result lists the
// segments in plan order, plans concatenated. On failure every file the
// call created is removed and the first exhausted failure is returned as a
// NetworkError naming its index and URL.
func (f *Fetcher) Fetch(ctx context.Context, plans []models.SegmentPlan, dir string) ([]models.DownloadedSegment, error) {
	var tasks []fetchTask
	for _, plan := range plans {
		rep := plan.Representation
		initPath := ""
		for _, seg := range plan.Segments {
			path := filepath.Join(dir, SegmentFileName(rep.Type, rep.ID, seg.Index))
			t := fetchTask{seg: seg, rep: rep, path: path, initOf: initPath}
			if seg.Init {
				initPath = path
				t.initOf = ""
			}
			tasks = append(tasks, t)
		}
	}

	if len(tasks) == 0 {
		return nil, nil
	}

	start := time.Now()
	f.log.Info("download started",
		logger.Int("segments", len(tasks)),
		logger.Int("threads", f.threads))

	meter := progress.NewMeter(StageDownload, len(tasks), f.interval, f.sink)
	results := make([]models.DownloadedSegment, len(tasks))

	pool := NewWorkerPool(f.threads)
	err := pool.Run(ctx, len(tasks), func(ctx context.Context, i int) error {
		t := tasks[i]
		size, err := f.fetchWithRetry(ctx, meter, i, t)
		if err != nil {
			return err
		}
		results[i] = models.DownloadedSegment{
			Index:  i,
			Track:  t.rep.Type,
			RepID:  t.rep.ID,
			Init:   t.seg.Init,
			URL:    t.seg.URL,
			Path:   t.path,
			Size:   size,
			InitOf: t.initOf,
		}
		return nil
	})
	if err != nil {
		completed, failed := pool.Stats()
		f.log.Warn("download aborted",
			logger.Int64("completed", completed),
			logger.Int64("failed", failed),
			logger.Int("segments", len(tasks)))
		for _, t := range tasks {
			os.Remove(t.path)
		}
		if models.KindOf(err) == models.KindUnknown && ctx.Err() != nil {
			return nil, models.NewError(models.KindCanceled, "download canceled", ctx.Err())
		}
		return nil, err
	}

	meter.Flush(ctx)
	snap := meter.Snapshot()
	f.log.Info("download finished",
		logger.Int("segments", len(results)),
		logger.Int64("bytes", snap.Bytes),
		logger.Duration("elapsed", time.Since(start)))
	return results, nil
}

func (f *Fetcher) fetchWithRetry(ctx context.Context, meter *progress.Meter, index int, t fetchTask) (int64, error) {
	var lastErr error
	for attempt := 0; attempt < f.attempts; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, backoff(f.retryDelay, attempt)); err != nil {
				return 0, err
			}
		}

		size, err := f.fetchOnce(ctx, meter, index, t)
		if err == nil {
			meter.Finish(ctx, index)
			return size, nil
		}
		meter.Reset(index)
		os.Remove(t.path)
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}

		lastErr = err
		var se *statusError
		if errors.As(err, &se) && !se.retryable() {
			break
		}
		if attempt+1 < f.attempts {
			f.log.Warn("segment fetch failed, retrying",
				logger.Int("segment", index),
				logger.Int("attempt", attempt+1),
				logger.Error(err))
		}
	}
	return 0, models.SegmentError(models.KindNetwork, index, t.seg.URL, "", lastErr)
}

func (f *Fetcher) fetchOnce(ctx context.Context, meter *progress.Meter, index int, t fetchTask) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.seg.URL, nil)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	for k, v := range f.headers {
		req.Header.Set(k, v)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, &statusError{code: resp.StatusCode}
	}

	out, err := os.OpenFile(t.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, fmt.Errorf("create segment file: %w", err)
	}

	meter.Start(index, resp.ContentLength)
	written, err := copyChunks(ctx, out, resp.Body, func(n int) { meter.Add(ctx, index, int64(n)) })
	if cerr := out.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("close segment file: %w", cerr)
	}
	if err != nil {
		return written, err
	}
	if resp.ContentLength >= 0 && written != resp.ContentLength {
		return written, fmt.Errorf("short body: got %d of %d bytes", written, resp.ContentLength)
	}
	return written, nil
}

// copyChunks streams src to dst through a fixed buffer, reporting each chunk.
func copyChunks(ctx context.Context, dst io.Writer, src io.Reader, onChunk func(int)) (int64, error) {
	buf := make([]byte, chunkSize)
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return written, fmt.Errorf("write segment: %w", werr)
			}
			written += int64(n)
			onChunk(n)
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}

type statusError struct {
	code int
}

func (e *statusError) Error() string { return fmt.Sprintf("HTTP %d", e.code) }

// retryable is false for client errors other than timeouts and rate limits.
func (e *statusError) retryable() bool {
	if e.code == http.StatusRequestTimeout || e.code == http.StatusTooManyRequests {
		return true
	}
	return e.code < 400 || e.code >= 500
}

// SegmentFileName returns the stable local name of a segment. The track tag
// leads the name so later stages can partition by it.
func SegmentFileName(track models.TrackType, repID string, index int) string {
	return fmt.Sprintf("%s_%s_%d.m4s", track, sanitizeName(repID), index)
}

// TrackFromFileName recovers the track tag from a SegmentFileName.
func TrackFromFileName(name string) models.TrackType {
	base := filepath.Base(name)
	if i := strings.IndexByte(base, '_'); i > 0 {
		return models.ParseTrackType(base[:i])
	}
	return models.TrackUnknown
}

func sanitizeName(s string) string {
	if s == "" {
		return "rep"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '.':
			return r
		default:
			return '-'
		}
	}, s)
}
