package engine

import (
	"fmt"
	"math"
	"net/url"
	"regexp"
	"strconv"
	"time"

	"github.com/mohaanymo/mpdecrypt/internal/config"
	"github.com/mohaanymo/mpdecrypt/internal/models"
)

// PlanOptions controls how many media segments a template expands to.
type PlanOptions struct {
	Policy string // config.PolicyLegacy (default) or config.PolicyDuration
	Count  int    // explicit media segment count, overrides Policy when > 0

	// Duration is the presentation duration used by PolicyDuration when
	// the representation's period declares none.
	Duration time.Duration
}

var templateIdent = regexp.MustCompile(`\$\$|\$(RepresentationID|Number|Bandwidth|Time)(?:%0?(\d+)d)?\$`)

// Plan expands rep's SegmentTemplate into the ordered list of segment URLs.
// The init segment, when declared, comes first.
func Plan(rep *models.Representation, opts PlanOptions) (models.SegmentPlan, error) {
	if rep == nil || rep.Template == nil {
		return models.SegmentPlan{}, models.NewError(models.KindPlan, "representation has no SegmentTemplate", nil)
	}
	tmpl := rep.Template
	if tmpl.Media == "" {
		return models.SegmentPlan{}, models.NewError(models.KindPlan, "SegmentTemplate has no media attribute", nil)
	}

	base, err := url.Parse(rep.BaseURL)
	if err != nil {
		return models.SegmentPlan{}, models.NewError(models.KindPlan, "invalid base URL "+rep.BaseURL, err)
	}

	numbers, times, err := mediaNumbers(rep, opts)
	if err != nil {
		return models.SegmentPlan{}, err
	}

	plan := models.SegmentPlan{
		Representation: rep,
		Segments:       make([]models.Segment, 0, len(numbers)+1),
	}

	if tmpl.Initialization != "" {
		u, err := resolveSegment(base, expandTemplate(tmpl.Initialization, rep, 0, 0))
		if err != nil {
			return models.SegmentPlan{}, err
		}
		plan.Segments = append(plan.Segments, models.Segment{Index: 0, URL: u, Init: true})
	}

	for i, n := range numbers {
		u, err := resolveSegment(base, expandTemplate(tmpl.Media, rep, n, times[i]))
		if err != nil {
			return models.SegmentPlan{}, err
		}
		plan.Segments = append(plan.Segments, models.Segment{Index: len(plan.Segments), URL: u, Number: n})
	}
	return plan, nil
}

// mediaNumbers returns the $Number$ and $Time$ values of each media segment.
func mediaNumbers(rep *models.Representation, opts PlanOptions) ([]int64, []int64, error) {
	tmpl := rep.Template
	hasNumber, hasTime := mediaIdentifiers(tmpl.Media)

	start := int64(1)
	if tmpl.HasStartNumber {
		start = tmpl.StartNumber
	}

	switch {
	case opts.Count > 0:
		if !hasNumber && !hasTime {
			return nil, nil, placeholderError(tmpl.Media)
		}
		return sequence(start, int64(opts.Count), tmpl.Duration)

	case len(tmpl.Timeline) > 0:
		if !hasNumber && !hasTime {
			return nil, nil, placeholderError(tmpl.Media)
		}
		return expandTimeline(tmpl, start, periodDuration(rep, opts))
	}

	if !hasNumber {
		return nil, nil, placeholderError(tmpl.Media)
	}
	if tmpl.Timescale < 1 || tmpl.Duration < 1 {
		return nil, nil, models.NewError(models.KindPlan,
			fmt.Sprintf("timescale %d and duration %d must both be >= 1", tmpl.Timescale, tmpl.Duration), nil)
	}

	switch opts.Policy {
	case config.PolicyLegacy, "":
		var numbers, times []int64
		for n := int64(0); n < tmpl.Timescale; n += tmpl.Duration {
			numbers = append(numbers, n)
			times = append(times, n)
		}
		return numbers, times, nil

	case config.PolicyDuration:
		total := periodDuration(rep, opts)
		if total <= 0 {
			return nil, nil, models.NewError(models.KindPlan, "presentation duration unknown", nil)
		}
		count := int64(math.Ceil(total.Seconds() * float64(tmpl.Timescale) / float64(tmpl.Duration)))
		return sequence(start, count, tmpl.Duration)

	default:
		return nil, nil, models.NewError(models.KindPlan, "unknown segment count policy "+opts.Policy, nil)
	}
}

// mediaIdentifiers reports which substitutable identifiers media carries.
// Malformed ones such as "$Number" or "$Number%05x$" do not count.
func mediaIdentifiers(media string) (hasNumber, hasTime bool) {
	for _, sub := range templateIdent.FindAllStringSubmatch(media, -1) {
		switch sub[1] {
		case "Number":
			hasNumber = true
		case "Time":
			hasTime = true
		}
	}
	return hasNumber, hasTime
}

func sequence(start, count, duration int64) ([]int64, []int64, error) {
	numbers := make([]int64, count)
	times := make([]int64, count)
	for i := int64(0); i < count; i++ {
		numbers[i] = start + i
		times[i] = i * duration
	}
	return numbers, times, nil
}

// expandTimeline walks SegmentTimeline S entries. A negative repeat count
// repeats until the period end, which must then be known.
func expandTimeline(tmpl *models.SegmentTemplate, start int64, period time.Duration) ([]int64, []int64, error) {
	var numbers, times []int64
	n := start
	var t int64
	for i, s := range tmpl.Timeline {
		if s.D <= 0 {
			return nil, nil, models.NewError(models.KindPlan, fmt.Sprintf("timeline entry %d has no duration", i), nil)
		}
		if s.HasT {
			t = s.T
		}
		repeat := s.R
		if repeat < 0 {
			end := int64(0)
			if i+1 < len(tmpl.Timeline) && tmpl.Timeline[i+1].HasT {
				end = tmpl.Timeline[i+1].T
			} else if period > 0 && tmpl.Timescale > 0 {
				end = int64(math.Ceil(period.Seconds() * float64(tmpl.Timescale)))
			} else {
				return nil, nil, models.NewError(models.KindPlan, "open-ended timeline repeat without period duration", nil)
			}
			repeat = (end-t+s.D-1)/s.D - 1
		}
		for r := int64(0); r <= repeat; r++ {
			numbers = append(numbers, n)
			times = append(times, t)
			n++
			t += s.D
		}
	}
	return numbers, times, nil
}

func periodDuration(rep *models.Representation, opts PlanOptions) time.Duration {
	if rep.Period != nil && rep.Period.Duration > 0 {
		return rep.Period.Duration
	}
	return opts.Duration
}

// expandTemplate substitutes the DASH template identifiers in s.
func expandTemplate(s string, rep *models.Representation, number, t int64) string {
	return templateIdent.ReplaceAllStringFunc(s, func(match string) string {
		if match == "$$" {
			return "$"
		}
		sub := templateIdent.FindStringSubmatch(match)
		var value string
		switch sub[1] {
		case "RepresentationID":
			return rep.ID
		case "Number":
			value = strconv.FormatInt(number, 10)
		case "Bandwidth":
			value = strconv.FormatInt(rep.Bandwidth, 10)
		case "Time":
			value = strconv.FormatInt(t, 10)
		}
		if sub[2] != "" {
			width, _ := strconv.Atoi(sub[2])
			for len(value) < width {
				value = "0" + value
			}
		}
		return value
	})
}

func resolveSegment(base *url.URL, ref string) (string, error) {
	rel, err := url.Parse(ref)
	if err != nil {
		return "", models.NewError(models.KindPlan, "invalid segment URL "+ref, err)
	}
	u := base.ResolveReference(rel)
	if !u.IsAbs() || u.Host == "" {
		return "", models.NewError(models.KindPlan, "segment URL is not absolute: "+u.String(), nil)
	}
	return u.String(), nil
}

func placeholderError(media string) error {
	return models.NewError(models.KindPlan, fmt.Sprintf("media template %q has no $Number$ placeholder", media), nil)
}
