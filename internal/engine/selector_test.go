package engine

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mohaanymo/mpdecrypt/internal/models"
)

func tmpl() *models.SegmentTemplate {
	return &models.SegmentTemplate{Media: "seg_$Number$.m4s", Timescale: 10, Duration: 2}
}

// createTestManifest builds a manifest with one adaptation set per entry.
func createTestManifest(sets ...*models.AdaptationSet) *models.Manifest {
	p := &models.Period{}
	for _, as := range sets {
		for _, r := range as.Representations {
			r.Adaptation = as
			r.Period = p
			if r.Type == models.TrackUnknown {
				r.Type = as.Type
			}
		}
		p.AdaptationSets = append(p.AdaptationSets, as)
	}
	return &models.Manifest{URL: "https://example.com/a.mpd", BaseURL: "https://example.com/a.mpd", Periods: []*models.Period{p}}
}

func videoSet(reps ...*models.Representation) *models.AdaptationSet {
	return &models.AdaptationSet{MimeType: "video/mp4", Type: models.TrackVideo, Representations: reps}
}

func audioSet(lang string, reps ...*models.Representation) *models.AdaptationSet {
	return &models.AdaptationSet{MimeType: "audio/mp4", Lang: lang, Type: models.TrackAudio, Representations: reps}
}

func rep(id string, bw int64) *models.Representation {
	return &models.Representation{ID: id, Bandwidth: bw, Template: tmpl()}
}

func TestSelectHighestBandwidth(t *testing.T) {
	m := createTestManifest(videoSet(rep("low", 128000), rep("high", 256000)))
	got, err := Select(m, "")
	require.NoError(t, err)
	assert.Equal(t, "high", got.ID)
}

func TestSelectMaxAcrossSets(t *testing.T) {
	m := createTestManifest(
		audioSet("en", rep("a1", 900000)),
		videoSet(rep("v1", 500000), rep("v2", 800000)),
	)
	got, err := Select(m, "")
	require.NoError(t, err)
	assert.Equal(t, "a1", got.ID)
}

func TestSelectTieFirstSeen(t *testing.T) {
	m := createTestManifest(
		videoSet(rep("first", 1000), rep("second", 1000)),
		audioSet("", rep("third", 1000)),
	)
	for i := 0; i < 10; i++ {
		got, err := Select(m, "")
		require.NoError(t, err)
		assert.Equal(t, "first", got.ID)
	}
}

func TestSelectSkipsUnselectable(t *testing.T) {
	bare := &models.Representation{ID: "bare", Bandwidth: 9_000_000}
	sub := rep("sub", 8_000_000)
	sub.Type = models.TrackSubtitle
	m := createTestManifest(
		videoSet(bare, rep("ok", 100)),
		&models.AdaptationSet{Type: models.TrackSubtitle, Representations: []*models.Representation{sub}},
	)
	got, err := Select(m, "")
	require.NoError(t, err)
	assert.Equal(t, "ok", got.ID)
}

func TestSelectByID(t *testing.T) {
	m := createTestManifest(videoSet(rep("v1", 100), rep("v2", 200)), audioSet("en", rep("a1", 64)))

	tests := []struct {
		name    string
		id      string
		want    string
		wantErr bool
	}{
		{name: "exact", id: "v1", want: "v1"},
		{name: "other set", id: "a1", want: "a1"},
		{name: "unknown", id: "v3", wantErr: true},
		{name: "no prefix match", id: "v", wantErr: true},
		{name: "case sensitive", id: "V1", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Select(m, tt.id)
			if tt.wantErr {
				require.Error(t, err)
				assert.Nil(t, got)
				assert.True(t, errors.Is(err, models.ErrSelection))
				assert.Contains(t, err.Error(), "requested id not found")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.ID)
		})
	}
}

func TestSelectByIDWithoutTemplate(t *testing.T) {
	m := createTestManifest(videoSet(&models.Representation{ID: "bare"}, rep("ok", 1)))
	_, err := Select(m, "bare")
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrSelection))
}

func TestSelectEmpty(t *testing.T) {
	_, err := Select(createTestManifest(), "")
	assert.True(t, errors.Is(err, models.ErrSelection))
	_, err = Select(nil, "")
	assert.True(t, errors.Is(err, models.ErrSelection))
}

func TestSelectCompanion(t *testing.T) {
	m := createTestManifest(
		videoSet(rep("v1", 5_000_000), rep("v2", 2_500_000)),
		audioSet("en", rep("a-en", 128000)),
		audioSet("ara", rep("a-ar-low", 64000), rep("a-ar", 192000)),
	)
	v1 := m.Representations()[0]

	assert.Equal(t, "a-ar", SelectCompanion(m, v1, "").ID)
	assert.Equal(t, "a-en", SelectCompanion(m, v1, "eng").ID)
	assert.Equal(t, "a-ar", SelectCompanion(m, v1, "ar").ID)
	assert.Equal(t, "a-ar", SelectCompanion(m, v1, "ja").ID, "falls back to best of any language")

	audio := m.Representations()[2]
	assert.Equal(t, "v1", SelectCompanion(m, audio, "").ID)

	onlyVideo := createTestManifest(videoSet(rep("v", 1)))
	assert.Nil(t, SelectCompanion(onlyVideo, onlyVideo.Representations()[0], ""))
}

func TestNormalizeLanguage(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"en", "en"},
		{"eng", "en"},
		{"English", "en"},
		{"en-US", "en"},
		{"ara", "ar"},
		{"arb", "ar"},
		{"jpn", "ja"},
		{"deu", "de"},
		{"ger", "de"},
		{"pt-BR", "pt"},
		{"und", ""},
		{"unknown", "unknown"}, // passthrough
		{"", ""},
	}

	for _, tt := range tests {
		result := normalizeLanguage(tt.input)
		if result != tt.expected {
			t.Errorf("normalizeLanguage(%q) = %q, want %q", tt.input, result, tt.expected)
		}
	}
}
