package mpdecrypt

import (
	"errors"
	"fmt"
	"time"

	"github.com/mohaanymo/mpdecrypt/internal/engine"
	"github.com/mohaanymo/mpdecrypt/internal/models"
	"github.com/mohaanymo/mpdecrypt/internal/progress"
)

// TrackType represents the media type of a representation.
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

// Representation is a read-only view of one encoding option in a manifest.
type Representation struct {
	internal *models.Representation
}

func wrapRepresentations(reps []*models.Representation) []Representation {
	out := make([]Representation, 0, len(reps))
	for _, r := range reps {
		out = append(out, Representation{internal: r})
	}
	return out
}

// ID returns the representation id.
func (r Representation) ID() string {
	return r.internal.ID
}

// Type returns the media type.
func (r Representation) Type() TrackType {
	return TrackType(r.internal.Type)
}

// Codec returns the codecs string.
func (r Representation) Codec() string {
	return r.internal.Codecs
}

// Bandwidth returns the advertised bandwidth in bits per second.
func (r Representation) Bandwidth() int64 {
	return r.internal.Bandwidth
}

// Width returns the video width, 0 for audio.
func (r Representation) Width() int {
	return r.internal.Width
}

// Height returns the video height, 0 for audio.
func (r Representation) Height() int {
	return r.internal.Height
}

// Resolution returns WxH, or empty when unknown.
func (r Representation) Resolution() string {
	if r.internal.Height == 0 {
		return ""
	}
	return fmt.Sprintf("%dx%d", r.internal.Width, r.internal.Height)
}

// QualityLabel returns a label like "1080p", or the id when there is no
// height.
func (r Representation) QualityLabel() string {
	if r.internal.Height > 0 {
		return fmt.Sprintf("%dp", r.internal.Height)
	}
	return r.internal.ID
}

// Language returns the adaptation set language.
func (r Representation) Language() string {
	if r.internal.Adaptation == nil {
		return ""
	}
	return r.internal.Adaptation.Lang
}

// IsVideo reports whether this is a video representation.
func (r Representation) IsVideo() bool {
	return r.internal.Type == models.TrackVideo
}

// IsAudio reports whether this is an audio representation.
func (r Representation) IsAudio() bool {
	return r.internal.Type == models.TrackAudio
}

// IsEncrypted reports whether the adaptation set announces a default KID.
func (r Representation) IsEncrypted() bool {
	return r.internal.Adaptation != nil && r.internal.Adaptation.DefaultKID != ""
}

// DefaultKID returns the announced default KID in lowercase hex, if any.
func (r Representation) DefaultKID() string {
	if r.internal.Adaptation == nil {
		return ""
	}
	return r.internal.Adaptation.DefaultKID
}

// Selectable reports whether the representation can be downloaded.
func (r Representation) Selectable() bool {
	return r.internal.Selectable()
}

// Label returns a short human-readable description.
func (r Representation) Label() string {
	return r.internal.Label()
}

// State is the pipeline state of a run.
type State = engine.State

// Pipeline states, in order.
const (
	StateIdle            = engine.StateIdle
	StateManifestFetched = engine.StateManifestFetched
	StateSelected        = engine.StateSelected
	StatePlanned         = engine.StatePlanned
	StateDownloading     = engine.StateDownloading
	StateDecrypting      = engine.StateDecrypting
	StateRemuxing        = engine.StateRemuxing
	StateDone            = engine.StateDone
	StateFailed          = engine.StateFailed
)

// Event is a progress or status update delivered to a Sink.
type Event = progress.Event

// Sink receives progress events. See WithSink.
type Sink = progress.Sink

// SinkFunc adapts a function to Sink.
type SinkFunc = progress.SinkFunc

// Result is the terminal outcome of one run.
type Result struct {
	State    State
	Output   string
	Err      error
	Selected []Representation
	Elapsed  time.Duration
}

// OK reports whether the run produced an output file.
func (r Result) OK() bool {
	return r.Err == nil && r.State == StateDone
}

func resultFrom(res engine.Result) Result {
	return Result{
		State:    res.State,
		Output:   res.Output,
		Err:      res.Err,
		Selected: wrapRepresentations(res.Selected),
		Elapsed:  res.Elapsed,
	}
}

// Error kinds, matched with errors.Is against an error from a Result.
var (
	ErrManifest   = models.ErrManifest
	ErrSelection  = models.ErrSelection
	ErrPlan       = models.ErrPlan
	ErrNetwork    = models.ErrNetwork
	ErrDecryption = models.ErrDecryption
	ErrRemux      = models.ErrRemux
	ErrCanceled   = models.ErrCanceled
)

// Retryable reports whether err is a transient failure, so running the same
// request again may succeed.
func Retryable(err error) bool {
	var pe *models.Error
	return errors.As(err, &pe) && pe.Retryable()
}
