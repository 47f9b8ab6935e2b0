package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mohaanymo/mpdecrypt"
	"github.com/mohaanymo/mpdecrypt/internal/models"
)

const cliMPD = `<?xml version="1.0" encoding="UTF-8"?>
<MPD xmlns="urn:mpeg:dash:schema:mpd:2011" xmlns:cenc="urn:mpeg:cenc:2013">
  <Period>
    <AdaptationSet mimeType="video/mp4">
      <ContentProtection schemeIdUri="urn:mpeg:dash:mp4protection:2011" value="cenc" cenc:default_KID="9eb4050d-e44b-4802-932e-27d75083e266"/>
      <Representation id="v540" bandwidth="900000" width="960" height="540" codecs="avc1.4d401f">
        <SegmentTemplate initialization="v/init.mp4" media="v/$Number$.m4s" timescale="4" duration="2"/>
      </Representation>
    </AdaptationSet>
    <AdaptationSet mimeType="audio/mp4" lang="de">
      <Representation id="stereo" bandwidth="96000" codecs="mp4a.40.2">
        <SegmentTemplate initialization="a/init.mp4" media="a/$Number$.m4s" timescale="4" duration="2"/>
      </Representation>
    </AdaptationSet>
  </Period>
</MPD>`

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestParseHeaders(t *testing.T) {
	headers, err := parseHeaders([]string{"Referer: https://example.com/a:b", "X-Token:abc "})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"Referer": "https://example.com/a:b",
		"X-Token": "abc",
	}, headers)

	_, err = parseHeaders([]string{"no-colon"})
	assert.Error(t, err)
	_, err = parseHeaders([]string{": value"})
	assert.Error(t, err)
}

func TestDefaultSaveName(t *testing.T) {
	tests := map[string]string{
		"https://cdn.example.com/show/ep01.mpd":         "ep01",
		"https://cdn.example.com/show/manifest.mpd?t=1": "manifest",
		"https://cdn.example.com/":                      "output",
		"https://cdn.example.com":                       "output",
		"https://cdn.example.com/live/stream":           "stream",
	}
	for in, want := range tests {
		assert.Equal(t, want, defaultSaveName(in), in)
	}
}

func TestListCommand(t *testing.T) {
	var (
		mu        sync.Mutex
		gotHeader string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		gotHeader = r.Header.Get("X-Token")
		mu.Unlock()
		_, _ = w.Write([]byte(cliMPD))
	}))
	t.Cleanup(srv.Close)

	out, err := runCLI(t, "list", srv.URL+"/stream.mpd", "-H", "X-Token: secret")
	require.NoError(t, err)
	assert.Contains(t, out, "v540")
	assert.Contains(t, out, "960x540")
	assert.Contains(t, out, "stereo")
	assert.Contains(t, out, "de")
	assert.Contains(t, out, "9eb4050d")
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "secret", gotHeader)
}

func TestListCommandRejectsBadHeader(t *testing.T) {
	_, err := runCLI(t, "list", "https://cdn.example.com/a.mpd", "-H", "broken")
	assert.ErrorContains(t, err, "invalid header")
}

func TestDownloadRequiresKey(t *testing.T) {
	_, err := runCLI(t, "download", "https://cdn.example.com/a.mpd")
	assert.Error(t, err)
}

func TestLoadBatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[[job]]
url = "https://cdn.example.com/ep1.mpd"
keys = ["eb676abbcb345e96bbcf616630f1a3da:100b6c20940f779a4589152b57d2dacb"]
save_name = "first"
representation = "1080p"

[[job]]
url = "https://cdn.example.com/show/ep2.mpd"
keys = ["eb676abbcb345e96bbcf616630f1a3da:100b6c20940f779a4589152b57d2dacb"]
language = "fr"
`), 0o644))

	reqs, err := loadBatch(path)
	require.NoError(t, err)
	require.Len(t, reqs, 2)
	assert.Equal(t, "first", reqs[0].SaveName)
	assert.Equal(t, "1080p", reqs[0].RepresentationID)
	assert.Equal(t, "ep2", reqs[1].SaveName)
	assert.Equal(t, "fr", reqs[1].Language)
}

func TestLoadBatchErrors(t *testing.T) {
	dir := t.TempDir()

	empty := filepath.Join(dir, "empty.toml")
	require.NoError(t, os.WriteFile(empty, []byte("# nothing\n"), 0o644))
	_, err := loadBatch(empty)
	assert.ErrorContains(t, err, "no [[job]] entries")

	noKeys := filepath.Join(dir, "nokeys.toml")
	require.NoError(t, os.WriteFile(noKeys, []byte("[[job]]\nurl = \"https://cdn.example.com/a.mpd\"\n"), 0o644))
	_, err = loadBatch(noKeys)
	assert.ErrorIs(t, err, mpdecrypt.ErrInvalidRequest)
	assert.ErrorContains(t, err, "job 1")

	_, err = loadBatch(filepath.Join(dir, "missing.toml"))
	assert.Error(t, err)
}

func TestTaskTableMarksRetryable(t *testing.T) {
	req, err := mpdecrypt.NewRequest("https://cdn.example.com/a.mpd",
		[]string{"eb676abbcb345e96bbcf616630f1a3da:100b6c20940f779a4589152b57d2dacb"}, "ep")
	require.NoError(t, err)

	out := taskTable([]mpdecrypt.Task{
		{Request: req, State: mpdecrypt.TaskFailed, Err: models.NewError(models.KindNetwork, "HTTP 503", nil)},
		{Request: req, State: mpdecrypt.TaskFailed, Err: models.NewError(models.KindSelection, "requested id not found", nil)},
	})
	assert.Equal(t, 1, strings.Count(out, "(retryable)"))
}

func TestBatchError(t *testing.T) {
	assert.NoError(t, batchError([]mpdecrypt.Task{{State: mpdecrypt.TaskCompleted}}))
	err := batchError([]mpdecrypt.Task{
		{State: mpdecrypt.TaskCompleted},
		{State: mpdecrypt.TaskFailed},
		{State: mpdecrypt.TaskCanceled},
	})
	assert.EqualError(t, err, "2 of 3 jobs did not complete")
}
