// Package models defines core data structures for the DASH decrypt pipeline.
package models

import (
	"fmt"
	"strings"
	"time"
)

// TrackType represents the type of media track.
type TrackType int

const (
	TrackUnknown TrackType = iota
	TrackVideo
	TrackAudio
	TrackSubtitle
)

func (t TrackType) String() string {
	switch t {
	case TrackVideo:
		return "video"
	case TrackAudio:
		return "audio"
	case TrackSubtitle:
		return "subtitle"
	default:
		return "unknown"
	}
}

// ParseTrackType maps a tag such as "video" or "a" to a TrackType.
func ParseTrackType(s string) TrackType {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "video", "v", "vide":
		return TrackVideo
	case "audio", "a", "soun":
		return TrackAudio
	case "subtitle", "sub", "s", "text":
		return TrackSubtitle
	default:
		return TrackUnknown
	}
}

// Manifest represents a parsed DASH manifest.
type Manifest struct {
	URL      string // source URL the manifest was fetched from
	BaseURL  string // resolved MPD-level base
	Duration time.Duration
	Periods  []*Period
}

// Representations returns every representation in document order.
func (m *Manifest) Representations() []*Representation {
	var reps []*Representation
	for _, p := range m.Periods {
		for _, as := range p.AdaptationSets {
			reps = append(reps, as.Representations...)
		}
	}
	return reps
}

// Period is an ordered container of adaptation sets.
type Period struct {
	ID             string
	Duration       time.Duration
	AdaptationSets []*AdaptationSet
}

// AdaptationSet groups representations sharing a media type.
type AdaptationSet struct {
	ID              string
	MimeType        string
	ContentType     string
	Lang            string
	Type            TrackType
	DefaultKID      string
	Representations []*Representation
}

// Representation is one encoding option.
type Representation struct {
	ID         string
	Bandwidth  int64
	Codecs     string
	Width      int
	Height     int
	Type       TrackType
	BaseURL    string // fully resolved base for segment URLs
	Template   *SegmentTemplate
	Period     *Period
	Adaptation *AdaptationSet
}

// Selectable reports whether the representation can be fetched.
func (r *Representation) Selectable() bool {
	return r.Template != nil && (r.Type == TrackVideo || r.Type == TrackAudio)
}

// Label returns a short human-readable description.
func (r *Representation) Label() string {
	var b strings.Builder
	b.WriteString(r.Type.String())
	b.WriteString(" ")
	b.WriteString(r.ID)
	if r.Height > 0 {
		fmt.Fprintf(&b, " %dx%d", r.Width, r.Height)
	}
	if r.Bandwidth > 0 {
		fmt.Fprintf(&b, " %dkbps", r.Bandwidth/1000)
	}
	return b.String()
}

// SegmentTemplate describes how to generate segment URLs.
type SegmentTemplate struct {
	Initialization string
	Media          string
	Timescale      int64
	Duration       int64
	StartNumber    int64
	HasStartNumber bool
	Timeline       []TimelineEntry
}

// TimelineEntry is one S element of a SegmentTimeline.
type TimelineEntry struct {
	T int64
	D int64
	R int64
	HasT bool
}

// Segment is one concrete URL in a plan.
type Segment struct {
	Index  int // position within the plan
	URL    string
	Init   bool
	Number int64
}

// SegmentPlan is the ordered list of URLs for one representation.
// The init segment, when present, is always first.
type SegmentPlan struct {
	Representation *Representation
	Segments       []Segment
}

// Len returns the number of segments including init.
func (p SegmentPlan) Len() int { return len(p.Segments) }

// URLs returns the plan URLs in order.
func (p SegmentPlan) URLs() []string {
	urls := make([]string, len(p.Segments))
	for i, s := range p.Segments {
		urls[i] = s.URL
	}
	return urls
}

// HasInit reports whether the first segment is an initialization segment.
func (p SegmentPlan) HasInit() bool {
	return len(p.Segments) > 0 && p.Segments[0].Init
}

// DownloadedSegment is a segment written to local disk by the fetcher.
type DownloadedSegment struct {
	Index  int // position in the combined download order
	Track  TrackType
	RepID  string
	Init   bool
	URL    string
	Path   string
	Size   int64
	InitOf string // path of the init segment of the same track, if any
}

// DecryptedSegment is the decrypted counterpart of a DownloadedSegment.
type DecryptedSegment struct {
	Index int
	Track TrackType
	Init  bool
	Path  string
	KeyID string
}
