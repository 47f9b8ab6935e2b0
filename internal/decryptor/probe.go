package decryptor

import (
	"encoding/hex"
	"fmt"
	"os"

	"github.com/Eyevinn/mp4ff/mp4"

	"github.com/mohaanymo/mpdecrypt/internal/models"
)

// ProbeInfo describes the first track of an init segment.
type ProbeInfo struct {
	Track      models.TrackType
	Encrypted  bool
	DefaultKID string // lowercase hex, empty when clear
}

// Probe reads an init segment and reports its track type and default KID.
func Probe(path string) (ProbeInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return ProbeInfo{}, err
	}
	defer f.Close()

	parsed, err := mp4.DecodeFile(f)
	if err != nil {
		return ProbeInfo{}, fmt.Errorf("parse init segment: %w", err)
	}
	if parsed.Init == nil || parsed.Init.Moov == nil || len(parsed.Init.Moov.Traks) == 0 {
		return ProbeInfo{}, fmt.Errorf("%s is not an init segment", path)
	}

	trak := parsed.Init.Moov.Traks[0]
	info := ProbeInfo{Track: models.TrackUnknown}
	if trak.Mdia != nil && trak.Mdia.Hdlr != nil {
		info.Track = models.ParseTrackType(trak.Mdia.Hdlr.HandlerType)
	}
	if tenc := trakTenc(trak); tenc != nil {
		info.Encrypted = true
		info.DefaultKID = hex.EncodeToString(tenc.DefaultKID)
	}
	return info, nil
}
