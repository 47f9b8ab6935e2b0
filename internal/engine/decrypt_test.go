package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/mohaanymo/mpdecrypt/internal/decryptor"
	"github.com/mohaanymo/mpdecrypt/internal/logger"
	"github.com/mohaanymo/mpdecrypt/internal/models"
	"github.com/mohaanymo/mpdecrypt/internal/procexec"
)

// fakePrimitive "decrypts" by prefixing the content with the key id.
type fakePrimitive struct {
	mu     sync.Mutex
	used   map[string]models.KeyPair // input base name -> key
	jobs   []decryptor.Job
	failOn string
	stderr string
}

func (f *fakePrimitive) Name() string { return "fake" }

func (f *fakePrimitive) Decrypt(_ context.Context, job decryptor.Job) error {
	f.mu.Lock()
	if f.used == nil {
		f.used = make(map[string]models.KeyPair)
	}
	f.used[filepath.Base(job.Input)] = job.Key
	f.jobs = append(f.jobs, job)
	f.mu.Unlock()

	if f.failOn != "" && strings.HasSuffix(job.Input, f.failOn) {
		return &procexec.ExitError{Name: "mp4decrypt", Code: 1, Stderr: f.stderr}
	}
	data, err := os.ReadFile(job.Input)
	if err != nil {
		return err
	}
	return os.WriteFile(job.Output, append([]byte(job.Key.KID+"|"), data...), 0o644)
}

func kp(n int, tag models.TrackType) models.KeyPair {
	return models.KeyPair{KID: fmt.Sprintf("%032x", n), Key: fmt.Sprintf("%032x", n+100), Tag: tag}
}

func writeSegments(t *testing.T, dir string, specs ...models.DownloadedSegment) []models.DownloadedSegment {
	t.Helper()
	for i := range specs {
		s := &specs[i]
		s.Index = i
		if s.Path == "" {
			s.Path = filepath.Join(dir, SegmentFileName(s.Track, "r", i))
		}
		require.NoError(t, os.WriteFile(s.Path, []byte(fmt.Sprintf("seg%d", i)), 0o644))
	}
	return specs
}

func newTestDecrypter(p decryptor.Primitive, log logger.Logger) *Decrypter {
	cfg := testConfig()
	cfg.DecryptWorkers = 3
	d := NewDecrypter(cfg, p, nil, log)
	d.probe = nil
	return d
}

func TestDecryptCyclicKeys(t *testing.T) {
	dir := t.TempDir()
	segs := writeSegments(t, dir,
		models.DownloadedSegment{Track: models.TrackVideo},
		models.DownloadedSegment{Track: models.TrackVideo},
		models.DownloadedSegment{Track: models.TrackVideo},
		models.DownloadedSegment{Track: models.TrackVideo},
		models.DownloadedSegment{Track: models.TrackVideo},
	)
	keys := models.KeyMap{Pairs: []models.KeyPair{kp(1, models.TrackUnknown), kp(2, models.TrackUnknown)}}

	p := &fakePrimitive{}
	out, err := newTestDecrypter(p, nil).Decrypt(context.Background(), segs, keys)
	require.NoError(t, err)
	require.Len(t, out, 5)

	for i, seg := range out {
		want := keys.Pairs[i%2]
		assert.Equal(t, want.KID, seg.KeyID, "segment %d", i)
		assert.Equal(t, want, p.used[filepath.Base(segs[i].Path)])
		assert.Equal(t, i, seg.Index)

		data, err := os.ReadFile(seg.Path)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("%s|seg%d", want.KID, i), string(data))
		assert.NoFileExists(t, segs[i].Path, "encrypted original removed")
	}
}

func TestDecryptTaggedKeysNeverCrossApplied(t *testing.T) {
	dir := t.TempDir()
	segs := writeSegments(t, dir,
		models.DownloadedSegment{Track: models.TrackAudio},
		models.DownloadedSegment{Track: models.TrackVideo},
		models.DownloadedSegment{Track: models.TrackAudio},
		models.DownloadedSegment{Track: models.TrackVideo},
	)
	// Track identified only by the filename tag.
	for i := range segs {
		segs[i].Track = models.TrackUnknown
	}

	audioKey := kp(1, models.TrackAudio)
	videoKey := kp(2, models.TrackVideo)
	keys := models.KeyMap{Pairs: []models.KeyPair{audioKey, videoKey, kp(3, models.TrackAudio), kp(4, models.TrackVideo)}}

	p := &fakePrimitive{}
	out, err := newTestDecrypter(p, nil).Decrypt(context.Background(), segs, keys)
	require.NoError(t, err)

	for i, seg := range out {
		want := audioKey
		if i%2 == 1 {
			want = videoKey
		}
		assert.Equal(t, want.KID, seg.KeyID, "segment %d", i)
		assert.Equal(t, want.Tag, seg.Track)
	}

	audio, video := Partition(out)
	assert.Len(t, audio, 2)
	assert.Len(t, video, 2)
}

func TestDecryptKeepsInitUntilStageEnds(t *testing.T) {
	dir := t.TempDir()
	segs := writeSegments(t, dir,
		models.DownloadedSegment{Track: models.TrackVideo, Init: true},
		models.DownloadedSegment{Track: models.TrackVideo},
		models.DownloadedSegment{Track: models.TrackVideo},
	)
	segs[1].InitOf = segs[0].Path
	segs[2].InitOf = segs[0].Path

	var (
		mu      sync.Mutex
		initSaw []bool
	)
	p := &fakePrimitive{}
	check := primitiveFunc(func(ctx context.Context, job decryptor.Job) error {
		if job.InitOf != "" {
			_, err := os.Stat(job.InitOf)
			mu.Lock()
			initSaw = append(initSaw, err == nil)
			mu.Unlock()
		}
		return p.Decrypt(ctx, job)
	})

	keys := models.KeyMap{Pairs: []models.KeyPair{kp(1, models.TrackUnknown)}}
	out, err := newTestDecrypter(check, nil).Decrypt(context.Background(), segs, keys)
	require.NoError(t, err)
	require.Len(t, out, 3)

	assert.Equal(t, []bool{true, true}, initSaw)
	assert.NoFileExists(t, segs[0].Path)
	assert.True(t, out[0].Init)
	assert.FileExists(t, out[0].Path)
}

func TestDecryptFailureCarriesDiagnostic(t *testing.T) {
	dir := t.TempDir()
	segs := writeSegments(t, dir,
		models.DownloadedSegment{Track: models.TrackVideo, URL: "https://x/0"},
		models.DownloadedSegment{Track: models.TrackVideo, URL: "https://x/1"},
		models.DownloadedSegment{Track: models.TrackVideo, URL: "https://x/2"},
	)
	p := &fakePrimitive{failOn: "_1.m4s", stderr: "ERROR: invalid key (-10)"}

	_, err := newTestDecrypter(p, nil).Decrypt(context.Background(), segs,
		models.KeyMap{Pairs: []models.KeyPair{kp(1, models.TrackUnknown)}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrDecryption))

	var pe *models.Error
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, 1, pe.Index)
	assert.Equal(t, "ERROR: invalid key (-10)", pe.Detail)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".dec.", "decrypted siblings discarded")
	}
}

func TestDecryptMissingTaggedKey(t *testing.T) {
	dir := t.TempDir()
	segs := writeSegments(t, dir, models.DownloadedSegment{Track: models.TrackAudio})
	keys := models.KeyMap{Pairs: []models.KeyPair{kp(1, models.TrackVideo)}}

	_, err := newTestDecrypter(&fakePrimitive{}, nil).Decrypt(context.Background(), segs, keys)
	assert.True(t, errors.Is(err, models.ErrDecryption))

	_, err = newTestDecrypter(&fakePrimitive{}, nil).Decrypt(context.Background(), segs, models.KeyMap{})
	assert.True(t, errors.Is(err, models.ErrDecryption))
}

func TestDecryptWarnsOnKIDMismatch(t *testing.T) {
	dir := t.TempDir()
	segs := writeSegments(t, dir, models.DownloadedSegment{Track: models.TrackVideo, Init: true})

	core, logs := observer.New(zapcore.WarnLevel)
	d := newTestDecrypter(&fakePrimitive{}, logger.FromZap(zap.New(core)))
	d.probe = func(string) (decryptor.ProbeInfo, error) {
		return decryptor.ProbeInfo{Track: models.TrackVideo, Encrypted: true, DefaultKID: fmt.Sprintf("%032x", 9)}, nil
	}

	_, err := d.Decrypt(context.Background(), segs, models.KeyMap{Pairs: []models.KeyPair{kp(1, models.TrackUnknown)}})
	require.NoError(t, err)
	assert.Equal(t, 1, logs.FilterMessage("key id does not match init segment").Len())
}

func TestDecryptGivesEachMediaJobItsOwnInit(t *testing.T) {
	dir := t.TempDir()
	initPath := filepath.Join(dir, SegmentFileName(models.TrackVideo, "r", 0))
	segs := writeSegments(t, dir,
		models.DownloadedSegment{Track: models.TrackVideo, Init: true, Path: initPath},
		models.DownloadedSegment{Track: models.TrackVideo, InitOf: initPath},
		models.DownloadedSegment{Track: models.TrackVideo, InitOf: initPath},
		models.DownloadedSegment{Track: models.TrackVideo, InitOf: initPath},
	)

	var (
		mu    sync.Mutex
		infos []string
	)
	p := primitiveFunc(func(_ context.Context, job decryptor.Job) error {
		if !job.Init {
			data, err := os.ReadFile(job.InitOf)
			if err != nil {
				return err
			}
			if string(data) != "seg0" {
				return fmt.Errorf("init copy has %q", data)
			}
			mu.Lock()
			infos = append(infos, job.InitOf)
			mu.Unlock()
		}
		return os.WriteFile(job.Output, []byte("clear"), 0o644)
	})

	_, err := newTestDecrypter(p, nil).Decrypt(context.Background(), segs,
		models.KeyMap{Pairs: []models.KeyPair{kp(1, models.TrackUnknown)}})
	require.NoError(t, err)

	require.Len(t, infos, 3)
	seen := map[string]bool{}
	for _, info := range infos {
		assert.NotEqual(t, initPath, info, "media jobs never read the shared init")
		assert.False(t, seen[info], "copy %s reused", info)
		seen[info] = true
		assert.NoFileExists(t, info, "copy removed after the job")
	}
}

type primitiveFunc func(ctx context.Context, job decryptor.Job) error

func (f primitiveFunc) Name() string { return "func" }
func (f primitiveFunc) Decrypt(ctx context.Context, job decryptor.Job) error { return f(ctx, job) }
