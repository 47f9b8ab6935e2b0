package engine

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mohaanymo/mpdecrypt/internal/config"
	"github.com/mohaanymo/mpdecrypt/internal/models"
	"github.com/mohaanymo/mpdecrypt/internal/progress"
)

type eventLog struct {
	mu     sync.Mutex
	events []progress.Event
}

func (l *eventLog) Send(_ context.Context, ev progress.Event) error {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
	return nil
}

func (l *eventLog) all() []progress.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]progress.Event(nil), l.events...)
}

func testConfig() *config.Config {
	cfg := config.New()
	cfg.Threads = 4
	cfg.RetryDelay = 0
	cfg.ProgressInterval = 0
	return cfg
}

func planFor(base, repID string, typ models.TrackType, names ...string) models.SegmentPlan {
	rep := &models.Representation{ID: repID, Type: typ}
	plan := models.SegmentPlan{Representation: rep}
	for i, n := range names {
		plan.Segments = append(plan.Segments, models.Segment{Index: i, URL: base + "/" + n, Init: strings.HasPrefix(n, "init")})
	}
	return plan
}

func TestFetchPreservesOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("body:" + r.URL.Path))
	}))
	defer srv.Close()

	dir := t.TempDir()
	sink := &eventLog{}
	f := NewFetcher(testConfig(), srv.Client(), sink, nil)

	plans := []models.SegmentPlan{
		planFor(srv.URL, "v1", models.TrackVideo, "init-v.mp4", "v0.m4s", "v2.m4s", "v4.m4s"),
		planFor(srv.URL, "a/1", models.TrackAudio, "init-a.mp4", "a0.m4s"),
	}
	got, err := f.Fetch(context.Background(), plans, dir)
	require.NoError(t, err)
	require.Len(t, got, 6)

	wantNames := []string{
		"video_v1_0.m4s", "video_v1_1.m4s", "video_v1_2.m4s", "video_v1_3.m4s",
		"audio_a-1_0.m4s", "audio_a-1_1.m4s",
	}
	for i, seg := range got {
		assert.Equal(t, i, seg.Index)
		assert.Equal(t, filepath.Join(dir, wantNames[i]), seg.Path)
		data, err := os.ReadFile(seg.Path)
		require.NoError(t, err)
		assert.Equal(t, "body:"+strings.TrimPrefix(seg.URL, srv.URL), string(data))
		assert.Equal(t, int64(len(data)), seg.Size)
	}

	assert.True(t, got[0].Init)
	assert.Empty(t, got[0].InitOf)
	assert.Equal(t, got[0].Path, got[2].InitOf)
	assert.Equal(t, got[4].Path, got[5].InitOf)
	assert.Equal(t, models.TrackAudio, got[5].Track)
	assert.Equal(t, "a/1", got[5].RepID)

	events := sink.all()
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, 6, last.Done)
	assert.Equal(t, 6, last.Total)
	assert.InDelta(t, 100, last.Percent, 0.001)
}

func TestFetch404FailsAndCleansUp(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/seg_4.m4s" {
			hits.Add(1)
			http.NotFound(w, r)
			return
		}
		w.Write(bytes.Repeat([]byte{1}, 1024))
	}))
	defer srv.Close()

	dir := t.TempDir()
	f := NewFetcher(testConfig(), srv.Client(), nil, nil)
	plan := planFor(srv.URL, "v1", models.TrackVideo, "init.mp4", "seg_0.m4s", "seg_2.m4s", "seg_4.m4s", "seg_6.m4s")

	_, err := f.Fetch(context.Background(), []models.SegmentPlan{plan}, dir)
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrNetwork))

	var pe *models.Error
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, 3, pe.Index)
	assert.Equal(t, srv.URL+"/seg_4.m4s", pe.URL)
	assert.Contains(t, err.Error(), "HTTP 404")
	assert.Equal(t, int32(1), hits.Load(), "client errors are not retried")

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestFetchRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.RetryAttempts = 2
	f := NewFetcher(cfg, srv.Client(), nil, nil)

	got, err := f.Fetch(context.Background(), []models.SegmentPlan{planFor(srv.URL, "v1", models.TrackVideo, "seg.m4s")}, t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, int64(2), got[0].Size)
	assert.Equal(t, int32(2), calls.Load())
}

func TestFetchGivesUpAfterAttempts(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.RetryAttempts = 3
	f := NewFetcher(cfg, srv.Client(), nil, nil)

	_, err := f.Fetch(context.Background(), []models.SegmentPlan{planFor(srv.URL, "v1", models.TrackVideo, "seg.m4s")}, t.TempDir())
	assert.True(t, errors.Is(err, models.ErrNetwork))
	assert.Equal(t, int32(3), calls.Load())
}

func TestFetchUnknownLengthOmitsPercent(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Flushing before the body is complete forces chunked encoding.
		w.Write([]byte("part1"))
		w.(http.Flusher).Flush()
		<-release
		w.Write([]byte("part2"))
	}))
	defer srv.Close()

	var (
		mu      sync.Mutex
		partial []progress.Event
	)
	sink := progress.SinkFunc(func(_ context.Context, ev progress.Event) error {
		mu.Lock()
		defer mu.Unlock()
		if ev.Done == 0 && ev.Bytes > 0 {
			partial = append(partial, ev)
			select {
			case <-release:
			default:
				close(release)
			}
		}
		return nil
	})

	f := NewFetcher(testConfig(), srv.Client(), sink, nil)
	got, err := f.Fetch(context.Background(), []models.SegmentPlan{planFor(srv.URL, "v1", models.TrackVideo, "seg.m4s")}, t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, int64(10), got[0].Size)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, partial)
	assert.False(t, partial[0].HasPercent())
	assert.LessOrEqual(t, partial[0].Bytes, int64(5))
}

func TestFetchCanceled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("x"))
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	dir := t.TempDir()
	f := NewFetcher(testConfig(), srv.Client(), nil, nil)
	_, err := f.Fetch(ctx, []models.SegmentPlan{planFor(srv.URL, "v1", models.TrackVideo, "a.m4s", "b.m4s")}, dir)
	require.Error(t, err)
	assert.False(t, errors.Is(err, models.ErrNetwork))

	entries, _ := os.ReadDir(dir)
	assert.Empty(t, entries)
}

func TestSegmentFileName(t *testing.T) {
	assert.Equal(t, "video_v1_0.m4s", SegmentFileName(models.TrackVideo, "v1", 0))
	assert.Equal(t, "audio_audio-eng-1_12.m4s", SegmentFileName(models.TrackAudio, "audio_eng=1", 12))
	assert.Equal(t, "unknown_rep_3.m4s", SegmentFileName(models.TrackUnknown, "", 3))

	assert.Equal(t, models.TrackAudio, TrackFromFileName("/tmp/x/audio_audio-eng-1_12.m4s"))
	assert.Equal(t, models.TrackVideo, TrackFromFileName("video_v1_0.m4s"))
	assert.Equal(t, models.TrackUnknown, TrackFromFileName("segment.m4s"))
}

func TestWorkerPoolStopsOnFirstError(t *testing.T) {
	pool := NewWorkerPool(1)
	var ran []int
	boom := errors.New("boom")
	err := pool.Run(context.Background(), 10, func(_ context.Context, i int) error {
		ran = append(ran, i)
		if i == 2 {
			return boom
		}
		return nil
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []int{0, 1, 2}, ran)

	completed, failed := pool.Stats()
	assert.Equal(t, int64(2), completed)
	assert.Equal(t, int64(1), failed)
}

func TestBackoff(t *testing.T) {
	base := config.DefaultRetryDelay
	assert.Equal(t, base, backoff(base, 1))
	assert.Equal(t, 2*base, backoff(base, 2))
	assert.Equal(t, 4*base, backoff(base, 3))
	assert.Zero(t, backoff(base, 0))
}
