package parser

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mohaanymo/mpdecrypt/internal/models"
)

// Namespace is the required namespace of the MPD root element.
const Namespace = "urn:mpeg:dash:schema:mpd:2011"

// DASH MPD XML structures

type mpdXML struct {
	XMLName                   xml.Name    `xml:"MPD"`
	MediaPresentationDuration string      `xml:"mediaPresentationDuration,attr"`
	BaseURLs                  []string    `xml:"BaseURL"`
	Periods                   []periodXML `xml:"Period"`
}

type periodXML struct {
	ID              string              `xml:"id,attr"`
	Duration        string              `xml:"duration,attr"`
	BaseURLs        []string            `xml:"BaseURL"`
	SegmentTemplate *segmentTemplateXML `xml:"SegmentTemplate"`
	AdaptationSets  []adaptationSetXML  `xml:"AdaptationSet"`
}

type adaptationSetXML struct {
	ID                 string                 `xml:"id,attr"`
	MimeType           string                 `xml:"mimeType,attr"`
	ContentType        string                 `xml:"contentType,attr"`
	Lang               string                 `xml:"lang,attr"`
	Codecs             string                 `xml:"codecs,attr"`
	Width              int                    `xml:"width,attr"`
	Height             int                    `xml:"height,attr"`
	BaseURLs           []string               `xml:"BaseURL"`
	ContentProtections []contentProtectionXML `xml:"ContentProtection"`
	SegmentTemplate    *segmentTemplateXML    `xml:"SegmentTemplate"`
	Representations    []representationXML    `xml:"Representation"`
}

type representationXML struct {
	ID                 string                 `xml:"id,attr"`
	Bandwidth          int64                  `xml:"bandwidth,attr"`
	Width              int                    `xml:"width,attr"`
	Height             int                    `xml:"height,attr"`
	Codecs             string                 `xml:"codecs,attr"`
	MimeType           string                 `xml:"mimeType,attr"`
	BaseURLs           []string               `xml:"BaseURL"`
	ContentProtections []contentProtectionXML `xml:"ContentProtection"`
	SegmentTemplate    *segmentTemplateXML    `xml:"SegmentTemplate"`
}

type segmentTemplateXML struct {
	Media          *string      `xml:"media,attr"`
	Initialization *string      `xml:"initialization,attr"`
	Timescale      *int64       `xml:"timescale,attr"`
	Duration       *int64       `xml:"duration,attr"`
	StartNumber    *int64       `xml:"startNumber,attr"`
	Timeline       *timelineXML `xml:"SegmentTimeline"`
}

type timelineXML struct {
	S []segmentTimeXML `xml:"S"`
}

type segmentTimeXML struct {
	T *int64 `xml:"t,attr"` // Start time
	D int64  `xml:"d,attr"` // Duration
	R int64  `xml:"r,attr"` // Repeat count
}

type contentProtectionXML struct {
	SchemeIDURI string `xml:"schemeIdUri,attr"`
	DefaultKID  string `xml:"default_KID,attr"`
}

// Parse parses DASH manifest bytes fetched from sourceURL. Every failure is
// a ManifestError.
func Parse(data []byte, sourceURL string) (*models.Manifest, error) {
	source, err := url.Parse(strings.TrimSpace(sourceURL))
	if err != nil {
		return nil, models.NewError(models.KindManifest, "invalid source URL", err)
	}

	var mpd mpdXML
	dec := xml.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&mpd); err != nil {
		return nil, models.NewError(models.KindManifest, "parse MPD", err)
	}
	if mpd.XMLName.Space != Namespace {
		return nil, models.NewError(models.KindManifest,
			fmt.Sprintf("root element namespace %q, want %q", mpd.XMLName.Space, Namespace), nil)
	}
	if len(mpd.Periods) == 0 {
		return nil, models.NewError(models.KindManifest, "manifest has no Period", nil)
	}

	return convertMPD(&mpd, source)
}

// convertMPD converts parsed MPD to the manifest model.
func convertMPD(mpd *mpdXML, source *url.URL) (*models.Manifest, error) {
	mpdBase, err := resolveBase(source, mpd.BaseURLs)
	if err != nil {
		return nil, models.NewError(models.KindManifest, "resolve MPD BaseURL", err)
	}

	duration, err := parseDuration(mpd.MediaPresentationDuration)
	if err != nil {
		return nil, models.NewError(models.KindManifest, "mediaPresentationDuration", err)
	}

	manifest := &models.Manifest{
		URL:      source.String(),
		BaseURL:  mpdBase.String(),
		Duration: duration,
	}

	fetchable := 0
	for pi, px := range mpd.Periods {
		periodDur, err := parseDuration(px.Duration)
		if err != nil {
			return nil, models.NewError(models.KindManifest, fmt.Sprintf("period %d duration", pi), err)
		}
		if periodDur == 0 && len(mpd.Periods) == 1 {
			periodDur = duration
		}
		period := &models.Period{ID: px.ID, Duration: periodDur}

		periodBase, err := resolveBase(mpdBase, px.BaseURLs)
		if err != nil {
			return nil, models.NewError(models.KindManifest, "resolve Period BaseURL", err)
		}

		for _, ax := range px.AdaptationSets {
			asBase, err := resolveBase(periodBase, ax.BaseURLs)
			if err != nil {
				return nil, models.NewError(models.KindManifest, "resolve AdaptationSet BaseURL", err)
			}

			as := &models.AdaptationSet{
				ID:          ax.ID,
				MimeType:    ax.MimeType,
				ContentType: ax.ContentType,
				Lang:        ax.Lang,
				Type:        detectTrackType(ax.MimeType, ax.ContentType, ax.Codecs),
				DefaultKID:  defaultKID(ax.ContentProtections),
			}

			asTemplate := mergeTemplate(px.SegmentTemplate, ax.SegmentTemplate)
			seen := make(map[string]bool, len(ax.Representations))

			for _, rx := range ax.Representations {
				if seen[rx.ID] {
					return nil, models.NewError(models.KindManifest,
						fmt.Sprintf("duplicate representation id %q in adaptation set %q", rx.ID, ax.ID), nil)
				}
				seen[rx.ID] = true

				repBase, err := resolveBase(asBase, rx.BaseURLs)
				if err != nil {
					return nil, models.NewError(models.KindManifest,
						fmt.Sprintf("resolve BaseURL of representation %q", rx.ID), err)
				}

				trackType := as.Type
				if trackType == models.TrackUnknown {
					trackType = detectTrackType(rx.MimeType, "", firstNonEmpty(rx.Codecs, ax.Codecs))
				}

				rep := &models.Representation{
					ID:         rx.ID,
					Bandwidth:  rx.Bandwidth,
					Codecs:     firstNonEmpty(rx.Codecs, ax.Codecs),
					Width:      firstNonZero(rx.Width, ax.Width),
					Height:     firstNonZero(rx.Height, ax.Height),
					Type:       trackType,
					BaseURL:    repBase.String(),
					Template:   convertTemplate(mergeTemplate(asTemplate, rx.SegmentTemplate)),
					Period:     period,
					Adaptation: as,
				}
				if kid := defaultKID(rx.ContentProtections); kid != "" && as.DefaultKID == "" {
					as.DefaultKID = kid
				}
				if rep.Template != nil {
					fetchable++
				}
				as.Representations = append(as.Representations, rep)
			}
			period.AdaptationSets = append(period.AdaptationSets, as)
		}
		manifest.Periods = append(manifest.Periods, period)
	}

	if fetchable == 0 {
		return nil, models.NewError(models.KindManifest, "no representation has a SegmentTemplate", nil)
	}
	return manifest, nil
}

// mergeTemplate overlays child attributes onto parent. Either may be nil.
func mergeTemplate(parent, child *segmentTemplateXML) *segmentTemplateXML {
	if parent == nil {
		return child
	}
	if child == nil {
		return parent
	}
	merged := *parent
	if child.Media != nil {
		merged.Media = child.Media
	}
	if child.Initialization != nil {
		merged.Initialization = child.Initialization
	}
	if child.Timescale != nil {
		merged.Timescale = child.Timescale
	}
	if child.Duration != nil {
		merged.Duration = child.Duration
	}
	if child.StartNumber != nil {
		merged.StartNumber = child.StartNumber
	}
	if child.Timeline != nil {
		merged.Timeline = child.Timeline
	}
	return &merged
}

func convertTemplate(tx *segmentTemplateXML) *models.SegmentTemplate {
	if tx == nil {
		return nil
	}
	tmpl := &models.SegmentTemplate{Timescale: 1}
	if tx.Media != nil {
		tmpl.Media = *tx.Media
	}
	if tx.Initialization != nil {
		tmpl.Initialization = *tx.Initialization
	}
	if tx.Timescale != nil {
		tmpl.Timescale = *tx.Timescale
	}
	if tx.Duration != nil {
		tmpl.Duration = *tx.Duration
	}
	if tx.StartNumber != nil {
		tmpl.StartNumber = *tx.StartNumber
		tmpl.HasStartNumber = true
	}
	if tx.Timeline != nil {
		for _, s := range tx.Timeline.S {
			e := models.TimelineEntry{D: s.D, R: s.R}
			if s.T != nil {
				e.T = *s.T
				e.HasT = true
			}
			tmpl.Timeline = append(tmpl.Timeline, e)
		}
	}
	return tmpl
}

// Helper functions

func detectTrackType(mimeType, contentType, codecs string) models.TrackType {
	check := strings.ToLower(mimeType + " " + contentType)
	switch {
	case strings.Contains(check, "video"):
		return models.TrackVideo
	case strings.Contains(check, "audio"):
		return models.TrackAudio
	case strings.Contains(check, "text"), strings.Contains(check, "subtitle"), strings.Contains(check, "application/ttml"):
		return models.TrackSubtitle
	}

	c := strings.ToLower(codecs)
	switch {
	case strings.HasPrefix(c, "avc"), strings.HasPrefix(c, "hvc"), strings.HasPrefix(c, "hev"),
		strings.HasPrefix(c, "vp0"), strings.HasPrefix(c, "vp9"), strings.HasPrefix(c, "av01"):
		return models.TrackVideo
	case strings.HasPrefix(c, "mp4a"), strings.HasPrefix(c, "ac-3"), strings.HasPrefix(c, "ec-3"),
		strings.HasPrefix(c, "opus"), strings.HasPrefix(c, "flac"):
		return models.TrackAudio
	case strings.HasPrefix(c, "wvtt"), strings.HasPrefix(c, "stpp"):
		return models.TrackSubtitle
	}
	return models.TrackUnknown
}

func defaultKID(cps []contentProtectionXML) string {
	for _, cp := range cps {
		if cp.DefaultKID != "" {
			return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(cp.DefaultKID), "-", ""))
		}
	}
	return ""
}

// resolveBase resolves the first BaseURL element, if any, against parent.
func resolveBase(parent *url.URL, baseURLs []string) (*url.URL, error) {
	for _, b := range baseURLs {
		if strings.TrimSpace(b) == "" {
			continue
		}
		return resolveURL(parent, b)
	}
	return parent, nil
}

// parseDuration parses an ISO 8601 duration such as PT1H2M3.5S or P1DT2H.
func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if !strings.HasPrefix(s, "P") {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	rest := s[1:]
	inTime := false
	var total float64

	for rest != "" {
		if rest[0] == 'T' {
			inTime = true
			rest = rest[1:]
			continue
		}
		i := 0
		for i < len(rest) && (rest[i] >= '0' && rest[i] <= '9' || rest[i] == '.') {
			i++
		}
		if i == 0 || i == len(rest) {
			return 0, fmt.Errorf("invalid duration %q", s)
		}
		v, err := strconv.ParseFloat(rest[:i], 64)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q: %w", s, err)
		}
		unit := rest[i]
		rest = rest[i+1:]

		switch {
		case unit == 'D' && !inTime:
			total += v * 86400
		case unit == 'H' && inTime:
			total += v * 3600
		case unit == 'M' && inTime:
			total += v * 60
		case unit == 'S' && inTime:
			total += v
		default:
			return 0, fmt.Errorf("unsupported duration component %q in %q", string(unit), s)
		}
	}
	return time.Duration(total * float64(time.Second)), nil
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

func firstNonZero(a, b int) int {
	if a != 0 {
		return a
	}
	return b
}
