package engine

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mohaanymo/mpdecrypt/internal/config"
	"github.com/mohaanymo/mpdecrypt/internal/models"
)

func planRep(t *models.SegmentTemplate) *models.Representation {
	return &models.Representation{
		ID:        "v1",
		Bandwidth: 500000,
		Type:      models.TrackVideo,
		BaseURL:   "https://cdn.example.com/content/manifest.mpd",
		Template:  t,
	}
}

func TestPlanLegacyCount(t *testing.T) {
	rep := planRep(&models.SegmentTemplate{
		Initialization: "init.mp4",
		Media:          "seg_$Number$.m4s",
		Timescale:      10,
		Duration:       2,
	})

	plan, err := Plan(rep, PlanOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{
		"https://cdn.example.com/content/init.mp4",
		"https://cdn.example.com/content/seg_0.m4s",
		"https://cdn.example.com/content/seg_2.m4s",
		"https://cdn.example.com/content/seg_4.m4s",
		"https://cdn.example.com/content/seg_6.m4s",
		"https://cdn.example.com/content/seg_8.m4s",
	}, plan.URLs())
	assert.True(t, plan.HasInit())
	assert.Equal(t, 6, plan.Len())
	for i, s := range plan.Segments {
		assert.Equal(t, i, s.Index)
	}
}

func TestPlanWithoutInit(t *testing.T) {
	rep := planRep(&models.SegmentTemplate{Media: "seg_$Number$.m4s", Timescale: 4, Duration: 4})
	plan, err := Plan(rep, PlanOptions{Policy: config.PolicyLegacy})
	require.NoError(t, err)
	assert.False(t, plan.HasInit())
	assert.Equal(t, []string{"https://cdn.example.com/content/seg_0.m4s"}, plan.URLs())
}

func TestPlanDurationPolicy(t *testing.T) {
	rep := planRep(&models.SegmentTemplate{
		Initialization: "$RepresentationID$/init.mp4",
		Media:          "$RepresentationID$/$Number%05d$.m4s",
		Timescale:      1000,
		Duration:       4000,
		StartNumber:    1,
		HasStartNumber: true,
	})
	rep.Period = &models.Period{Duration: 10 * time.Second}

	plan, err := Plan(rep, PlanOptions{Policy: config.PolicyDuration})
	require.NoError(t, err)
	assert.Equal(t, []string{
		"https://cdn.example.com/content/v1/init.mp4",
		"https://cdn.example.com/content/v1/00001.m4s",
		"https://cdn.example.com/content/v1/00002.m4s",
		"https://cdn.example.com/content/v1/00003.m4s",
	}, plan.URLs())

	rep.Period = nil
	_, err = Plan(rep, PlanOptions{Policy: config.PolicyDuration})
	assert.True(t, errors.Is(err, models.ErrPlan))

	plan, err = Plan(rep, PlanOptions{Policy: config.PolicyDuration, Duration: 8 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, 3, plan.Len())
}

func TestPlanCountOverride(t *testing.T) {
	rep := planRep(&models.SegmentTemplate{Media: "seg_$Number$.m4s", Timescale: 10, Duration: 2})
	plan, err := Plan(rep, PlanOptions{Count: 3})
	require.NoError(t, err)
	assert.Equal(t, []string{
		"https://cdn.example.com/content/seg_1.m4s",
		"https://cdn.example.com/content/seg_2.m4s",
		"https://cdn.example.com/content/seg_3.m4s",
	}, plan.URLs())
}

func TestPlanTimeline(t *testing.T) {
	rep := planRep(&models.SegmentTemplate{
		Initialization: "init.mp4",
		Media:          "t_$Time$.m4s",
		Timescale:      10,
		Timeline: []models.TimelineEntry{
			{T: 100, D: 20, R: 1, HasT: true},
			{D: 10},
		},
	})
	plan, err := Plan(rep, PlanOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{
		"https://cdn.example.com/content/init.mp4",
		"https://cdn.example.com/content/t_100.m4s",
		"https://cdn.example.com/content/t_120.m4s",
		"https://cdn.example.com/content/t_140.m4s",
	}, plan.URLs())
}

func TestPlanTimelineOpenRepeat(t *testing.T) {
	rep := planRep(&models.SegmentTemplate{
		Media:     "n_$Number$.m4s",
		Timescale: 10,
		Timeline:  []models.TimelineEntry{{T: 0, D: 20, R: -1, HasT: true}},
	})
	_, err := Plan(rep, PlanOptions{})
	assert.True(t, errors.Is(err, models.ErrPlan))

	rep.Period = &models.Period{Duration: 5 * time.Second}
	plan, err := Plan(rep, PlanOptions{})
	require.NoError(t, err)
	assert.Equal(t, 3, plan.Len())
	assert.Equal(t, "https://cdn.example.com/content/n_3.m4s", plan.Segments[2].URL)
}

func TestPlanErrors(t *testing.T) {
	tests := []struct {
		name string
		rep  *models.Representation
	}{
		{name: "no template", rep: &models.Representation{ID: "x", BaseURL: "https://a/b"}},
		{name: "no media", rep: planRep(&models.SegmentTemplate{Initialization: "init.mp4", Timescale: 1, Duration: 1})},
		{name: "no placeholder", rep: planRep(&models.SegmentTemplate{Media: "seg.m4s", Timescale: 10, Duration: 2})},
		{name: "unterminated number", rep: planRep(&models.SegmentTemplate{Media: "seg_$Number.m4s", Timescale: 10, Duration: 2})},
		{name: "unsupported format", rep: planRep(&models.SegmentTemplate{Media: "seg_$Number%05x$.m4s", Timescale: 10, Duration: 2})},
		{name: "unknown identifier", rep: planRep(&models.SegmentTemplate{Media: "seg_$NumberX$.m4s", Timescale: 10, Duration: 2})},
		{name: "zero duration", rep: planRep(&models.SegmentTemplate{Media: "seg_$Number$.m4s", Timescale: 10})},
		{name: "zero timescale", rep: planRep(&models.SegmentTemplate{Media: "seg_$Number$.m4s", Duration: 2})},
		{name: "relative base", rep: &models.Representation{
			ID:       "x",
			BaseURL:  "content/",
			Template: &models.SegmentTemplate{Media: "seg_$Number$.m4s", Timescale: 10, Duration: 2},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Plan(tt.rep, PlanOptions{})
			require.Error(t, err)
			assert.True(t, errors.Is(err, models.ErrPlan), "got %v", err)
		})
	}

	_, err := Plan(planRep(&models.SegmentTemplate{Media: "seg_$Number.m4s", Timescale: 10, Duration: 2}), PlanOptions{Count: 3})
	assert.True(t, errors.Is(err, models.ErrPlan), "explicit count still needs a placeholder")

	_, err = Plan(nil, PlanOptions{})
	assert.True(t, errors.Is(err, models.ErrPlan))

	_, err = Plan(planRep(tmpl()), PlanOptions{Policy: "bogus"})
	assert.True(t, errors.Is(err, models.ErrPlan))
}

func TestExpandTemplate(t *testing.T) {
	rep := &models.Representation{ID: "video=1", Bandwidth: 250000}

	tests := []struct {
		in   string
		want string
	}{
		{"seg_$Number$.m4s", "seg_7.m4s"},
		{"seg_$Number%05d$.m4s", "seg_00007.m4s"},
		{"$RepresentationID$/$Bandwidth$/$Time$.m4s", "video=1/250000/140.m4s"},
		{"cost$$_$Number$", "cost$_7"},
		{"$Time%08d$", "00000140"},
		{"$Unknown$", "$Unknown$"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, expandTemplate(tt.in, rep, 7, 140), tt.in)
	}
}
