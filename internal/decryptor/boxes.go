package decryptor

import (
	"encoding/binary"
	"fmt"

	"github.com/Eyevinn/mp4ff/mp4"
)

// tencInfo holds encryption parameters from the tenc box
type tencInfo struct {
	defaultIsProtected byte
	defaultPerSampleIV byte
	defaultKID         []byte
	defaultConstantIV  []byte
}

// extractTencInfo extracts encryption info from init segment
func extractTencInfo(init *mp4.InitSegment) (*tencInfo, error) {
	if init.Moov == nil {
		return nil, fmt.Errorf("no moov box")
	}

	for _, trak := range init.Moov.Traks {
		if tenc := trakTenc(trak); tenc != nil {
			return &tencInfo{
				defaultIsProtected: tenc.DefaultIsProtected,
				defaultPerSampleIV: tenc.DefaultPerSampleIVSize,
				defaultKID:         tenc.DefaultKID,
				defaultConstantIV:  tenc.DefaultConstantIV,
			}, nil
		}
	}

	return nil, fmt.Errorf("no tenc box found")
}

// trakTenc returns the tenc box of the first protected sample entry.
func trakTenc(trak *mp4.TrakBox) *mp4.TencBox {
	if trak.Mdia == nil || trak.Mdia.Minf == nil || trak.Mdia.Minf.Stbl == nil {
		return nil
	}
	stsd := trak.Mdia.Minf.Stbl.Stsd
	if stsd == nil {
		return nil
	}
	for _, child := range stsd.Children {
		var sinf *mp4.SinfBox
		switch entry := child.(type) {
		case *mp4.VisualSampleEntryBox:
			sinf = entry.Sinf
		case *mp4.AudioSampleEntryBox:
			sinf = entry.Sinf
		}
		if sinf != nil && sinf.Schi != nil && sinf.Schi.Tenc != nil {
			return sinf.Schi.Tenc
		}
	}
	return nil
}

type sencInfo struct {
	ivs        [][]byte
	subsamples [][]subsampleEntry
}

type subsampleEntry struct {
	clearBytes     uint16
	protectedBytes uint32
}

type trunInfo struct {
	samples []sampleEntry
}

type sampleEntry struct {
	size uint32
}

// parseMoofForDecryption extracts senc and trun info from moof box
func parseMoofForDecryption(moofData []byte, defaultIVSize byte) (*sencInfo, *trunInfo, error) {
	var senc *sencInfo
	trun := &trunInfo{}
	var defaultSampleSize uint32

	offset := 8 // skip moof header

	for offset+8 <= len(moofData) {
		size := int(binary.BigEndian.Uint32(moofData[offset:]))
		if size < 8 || offset+size > len(moofData) {
			return nil, nil, fmt.Errorf("malformed box at offset %d", offset)
		}

		if string(moofData[offset+4:offset+8]) == "traf" {
			trafEnd := offset + size
			trafOffset := offset + 8

			for trafOffset+8 <= trafEnd {
				trafBoxSize := int(binary.BigEndian.Uint32(moofData[trafOffset:]))
				if trafBoxSize < 8 || trafOffset+trafBoxSize > trafEnd {
					return nil, nil, fmt.Errorf("malformed traf child at offset %d", trafOffset)
				}

				box := moofData[trafOffset : trafOffset+trafBoxSize]
				switch string(box[4:8]) {
				case "tfhd":
					defaultSampleSize = parseTfhdDefaultSize(box)
				case "trun":
					trun = parseTrun(box, defaultSampleSize)
				case "senc":
					senc = parseSenc(box, defaultIVSize)
				}

				trafOffset += trafBoxSize
			}
		}

		offset += size
	}

	return senc, trun, nil
}

// parseTfhdDefaultSize returns default_sample_size from a tfhd box, or 0.
func parseTfhdDefaultSize(data []byte) uint32 {
	if len(data) < 16 {
		return 0
	}
	flags := binary.BigEndian.Uint32(data[8:12]) & 0x00FFFFFF
	offset := 16 // header + version/flags + track_ID
	if flags&0x01 != 0 {
		offset += 8 // base data offset
	}
	if flags&0x02 != 0 {
		offset += 4 // sample description index
	}
	if flags&0x08 != 0 {
		offset += 4 // default sample duration
	}
	if flags&0x10 != 0 && offset+4 <= len(data) {
		return binary.BigEndian.Uint32(data[offset:])
	}
	return 0
}

// parseTrun extracts sample info from trun box
func parseTrun(data []byte, defaultSize uint32) *trunInfo {
	if len(data) < 16 {
		return &trunInfo{}
	}

	// trun: 8 header + 1 version + 3 flags + 4 sample_count
	flags := binary.BigEndian.Uint32(data[8:12]) & 0x00FFFFFF
	sampleCount := binary.BigEndian.Uint32(data[12:16])

	offset := 16

	// data offset present
	if flags&0x001 != 0 {
		offset += 4
	}
	// first sample flags present
	if flags&0x004 != 0 {
		offset += 4
	}

	samples := make([]sampleEntry, 0, sampleCount)

	for i := uint32(0); i < sampleCount && offset <= len(data); i++ {
		sample := sampleEntry{size: defaultSize}

		if flags&0x100 != 0 {
			offset += 4
		}
		if flags&0x200 != 0 {
			if offset+4 <= len(data) {
				sample.size = binary.BigEndian.Uint32(data[offset:])
			}
			offset += 4
		}
		if flags&0x400 != 0 {
			offset += 4
		}
		if flags&0x800 != 0 {
			offset += 4
		}

		samples = append(samples, sample)
	}

	return &trunInfo{samples: samples}
}

// parseSenc extracts IVs and subsamples from senc box
func parseSenc(data []byte, defaultIVSize byte) *sencInfo {
	if len(data) < 16 {
		return nil
	}

	// senc: 8 header + 1 version + 3 flags + 4 sample_count
	flags := binary.BigEndian.Uint32(data[8:12]) & 0x00FFFFFF
	sampleCount := binary.BigEndian.Uint32(data[12:16])

	hasSubsamples := flags&0x2 != 0
	ivSize := int(defaultIVSize)

	offset := 16
	info := &sencInfo{
		ivs:        make([][]byte, 0, sampleCount),
		subsamples: make([][]subsampleEntry, 0, sampleCount),
	}

	for i := uint32(0); i < sampleCount && offset <= len(data); i++ {
		if offset+ivSize > len(data) {
			break
		}
		iv := make([]byte, ivSize)
		copy(iv, data[offset:offset+ivSize])
		info.ivs = append(info.ivs, iv)
		offset += ivSize

		var subs []subsampleEntry
		if hasSubsamples && offset+2 <= len(data) {
			subCount := binary.BigEndian.Uint16(data[offset:])
			offset += 2

			for j := uint16(0); j < subCount && offset+6 <= len(data); j++ {
				subs = append(subs, subsampleEntry{
					clearBytes:     binary.BigEndian.Uint16(data[offset:]),
					protectedBytes: binary.BigEndian.Uint32(data[offset+2:]),
				})
				offset += 6
			}
		}
		info.subsamples = append(info.subsamples, subs)
	}

	return info
}

// getBoxSize returns the size of an MP4 box
func getBoxSize(data []byte, offset int) int {
	if offset+8 > len(data) {
		return -1
	}

	size := int(binary.BigEndian.Uint32(data[offset:]))

	switch {
	case size == 1 && offset+16 <= len(data):
		// Extended size - use lower 32 bits for practical purposes
		size = int(binary.BigEndian.Uint32(data[offset+12:]))
	case size == 0:
		// Box extends to end of file
		size = len(data) - offset
	}

	return size
}

// Sample entry header lengths before child boxes.
const (
	visualEntryHeader = 8 + 78
	audioEntryHeader  = 8 + 28
)

// clearInitProtection rewrites an init segment in place so that protected
// sample entries carry their original format and the sinf and pssh boxes
// become free boxes. Box sizes are unchanged.
func clearInitProtection(data []byte) []byte {
	out := make([]byte, len(data))
	copy(out, data)
	walkBoxes(out, 0, len(out))
	return out
}

func walkBoxes(data []byte, start, end int) {
	offset := start
	for offset+8 <= end {
		size := getBoxSize(data, offset)
		if size < 8 || offset+size > end {
			return
		}
		box := data[offset : offset+size]

		switch string(box[4:8]) {
		case "moov", "trak", "mdia", "minf", "stbl":
			walkBoxes(data, offset+8, offset+size)
		case "stsd":
			// version/flags + entry_count precede the entries
			walkBoxes(data, offset+16, offset+size)
		case "encv":
			clearSampleEntry(box, visualEntryHeader)
		case "enca":
			clearSampleEntry(box, audioEntryHeader)
		case "pssh":
			copy(box[4:8], "free")
		}

		offset += size
	}
}

// clearSampleEntry replaces the entry type with the frma data format and
// turns its sinf child into a free box.
func clearSampleEntry(entry []byte, headerLen int) {
	offset := headerLen
	for offset+8 <= len(entry) {
		size := getBoxSize(entry, offset)
		if size < 8 || offset+size > len(entry) {
			return
		}
		if string(entry[offset+4:offset+8]) == "sinf" {
			sinf := entry[offset : offset+size]
			if format := frmaFormat(sinf); format != "" {
				copy(entry[4:8], format)
			}
			copy(sinf[4:8], "free")
		}
		offset += size
	}
}

func frmaFormat(sinf []byte) string {
	offset := 8
	for offset+8 <= len(sinf) {
		size := getBoxSize(sinf, offset)
		if size < 8 || offset+size > len(sinf) {
			return ""
		}
		if string(sinf[offset+4:offset+8]) == "frma" && size >= 12 {
			return string(sinf[offset+8 : offset+12])
		}
		offset += size
	}
	return ""
}
