package models

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// KeyPair is one KID:KEY content key, optionally tagged with a track type.
type KeyPair struct {
	KID string
	Key string
	Tag TrackType // TrackUnknown when untagged
}

// String renders the pair in KID:KEY form.
func (k KeyPair) String() string {
	return k.KID + ":" + k.Key
}

// KeyMap is the caller-ordered list of content keys for one run.
// Order is significant for cyclic application and is never changed.
type KeyMap struct {
	Pairs []KeyPair
}

// ParseKeyPair parses "KID:KEY" or "tag=KID:KEY".
func ParseKeyPair(s string) (KeyPair, error) {
	s = strings.TrimSpace(s)
	var tag TrackType
	if i := strings.IndexByte(s, '='); i >= 0 {
		tag = ParseTrackType(s[:i])
		if tag != TrackVideo && tag != TrackAudio {
			return KeyPair{}, fmt.Errorf("invalid key tag %q (expected audio or video)", s[:i])
		}
		s = s[i+1:]
	}

	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return KeyPair{}, fmt.Errorf("invalid key format %q (expected KID:KEY)", s)
	}
	kid := strings.ToLower(strings.TrimSpace(parts[0]))
	key := strings.ToLower(strings.TrimSpace(parts[1]))
	if err := validateHex16(kid); err != nil {
		return KeyPair{}, fmt.Errorf("invalid KID: %w", err)
	}
	if err := validateHex16(key); err != nil {
		return KeyPair{}, fmt.Errorf("invalid key: %w", err)
	}
	return KeyPair{KID: kid, Key: key, Tag: tag}, nil
}

// ParseKeyMap parses every entry in order.
func ParseKeyMap(entries []string) (KeyMap, error) {
	km := KeyMap{Pairs: make([]KeyPair, 0, len(entries))}
	for _, e := range entries {
		kp, err := ParseKeyPair(e)
		if err != nil {
			return KeyMap{}, err
		}
		km.Pairs = append(km.Pairs, kp)
	}
	return km, nil
}

func validateHex16(s string) error {
	if len(s) != 32 {
		return fmt.Errorf("must be 32 hex characters, got %d", len(s))
	}
	if _, err := hex.DecodeString(s); err != nil {
		return fmt.Errorf("not valid hex: %w", err)
	}
	return nil
}

// Len returns the number of keys.
func (km KeyMap) Len() int { return len(km.Pairs) }

// Tagged reports whether any key carries a track tag.
func (km KeyMap) Tagged() bool {
	for _, p := range km.Pairs {
		if p.Tag != TrackUnknown {
			return true
		}
	}
	return false
}

// For returns the key for the segment at position index with the given
// track type. A tagged map with a known track type picks the first key
// with a matching tag; without one it cycles through the untagged keys in
// caller order. Otherwise keys apply cyclically by position.
func (km KeyMap) For(index int, track TrackType) (KeyPair, error) {
	if len(km.Pairs) == 0 {
		return KeyPair{}, fmt.Errorf("no keys supplied")
	}
	if index < 0 {
		return KeyPair{}, fmt.Errorf("negative segment index %d", index)
	}
	if !km.Tagged() || track == TrackUnknown {
		return km.Pairs[index%len(km.Pairs)], nil
	}

	var untagged []KeyPair
	for _, p := range km.Pairs {
		if p.Tag == track {
			return p, nil
		}
		if p.Tag == TrackUnknown {
			untagged = append(untagged, p)
		}
	}
	if len(untagged) == 0 {
		return KeyPair{}, fmt.Errorf("no key tagged %s", track)
	}
	return untagged[index%len(untagged)], nil
}
