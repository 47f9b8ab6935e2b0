package models

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a pipeline failure.
type Kind int

const (
	KindUnknown Kind = iota
	KindManifest
	KindSelection
	KindPlan
	KindNetwork
	KindDecryption
	KindRemux
	KindCanceled
)

func (k Kind) String() string {
	switch k {
	case KindManifest:
		return "ManifestError"
	case KindSelection:
		return "SelectionError"
	case KindPlan:
		return "PlanError"
	case KindNetwork:
		return "NetworkError"
	case KindDecryption:
		return "DecryptionError"
	case KindRemux:
		return "RemuxError"
	case KindCanceled:
		return "Canceled"
	default:
		return "UnknownError"
	}
}

// Sentinels for errors.Is matching by kind.
var (
	ErrManifest   = &Error{Kind: KindManifest, Index: -1}
	ErrSelection  = &Error{Kind: KindSelection, Index: -1}
	ErrPlan       = &Error{Kind: KindPlan, Index: -1}
	ErrNetwork    = &Error{Kind: KindNetwork, Index: -1}
	ErrDecryption = &Error{Kind: KindDecryption, Index: -1}
	ErrRemux      = &Error{Kind: KindRemux, Index: -1}
	ErrCanceled   = &Error{Kind: KindCanceled, Index: -1}
)

// Error is a typed pipeline failure.
type Error struct {
	Kind   Kind
	Stage  string
	Index  int    // failing segment index, -1 when not segment-specific
	URL    string // failing URL, if any
	Detail string // human-readable cause, or tool diagnostics
	Err    error
}

// NewError builds a typed error that is not tied to a segment.
func NewError(kind Kind, detail string, err error) *Error {
	return &Error{Kind: kind, Index: -1, Detail: detail, Err: err}
}

// SegmentError builds a typed error for a specific segment.
func SegmentError(kind Kind, index int, url, detail string, err error) *Error {
	return &Error{Kind: kind, Index: index, URL: url, Detail: detail, Err: err}
}

func (e *Error) Error() string {
	parts := make([]string, 0, 5)
	parts = append(parts, e.Kind.String())
	if e.Stage != "" {
		parts = append(parts, e.Stage)
	}
	if e.Index >= 0 {
		parts = append(parts, fmt.Sprintf("segment %d", e.Index))
	}
	if e.URL != "" {
		parts = append(parts, e.URL)
	}
	if d := strings.TrimSpace(e.Detail); d != "" {
		parts = append(parts, d)
	}
	msg := strings.Join(parts, ": ")
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Retryable reports whether the failure may succeed on a later attempt.
func (e *Error) Retryable() bool {
	return e.Kind == KindNetwork
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindUnknown
}

// WithStage sets the stage on a typed error if it has none and returns it.
// Errors that are not typed are returned unchanged.
func WithStage(err error, stage string) error {
	var pe *Error
	if errors.As(err, &pe) && pe.Stage == "" {
		pe.Stage = stage
	}
	return err
}
