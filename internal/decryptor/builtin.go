package decryptor

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/Eyevinn/mp4ff/mp4"

	"github.com/mohaanymo/mpdecrypt/internal/logger"
)

// Builtin decrypts CENC ('cenc' scheme, AES-CTR) segments in-process.
// Init segments have their protection boxes neutralised so the output
// demuxes as clear media; media segments need the encrypted init segment
// of the same track for the tenc parameters.
type Builtin struct {
	log logger.Logger
}

// NewBuiltin returns the in-process primitive.
func NewBuiltin(log logger.Logger) *Builtin {
	if log == nil {
		log = logger.NewNop()
	}
	return &Builtin{log: log}
}

// Name implements Primitive.
func (b *Builtin) Name() string { return "builtin" }

// Decrypt implements Primitive.
func (b *Builtin) Decrypt(ctx context.Context, job Job) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}
	defer func() {
		if err != nil {
			os.Remove(job.Output)
		}
	}()

	data, err := os.ReadFile(job.Input)
	if err != nil {
		return fmt.Errorf("read segment: %w", err)
	}

	if job.Init {
		return os.WriteFile(job.Output, clearInitProtection(data), 0o644)
	}

	if job.InitOf == "" {
		return fmt.Errorf("no init segment available for %s", job.Input)
	}
	initData, err := os.ReadFile(job.InitOf)
	if err != nil {
		return fmt.Errorf("read init segment: %w", err)
	}
	initSeg, err := mp4.DecodeFile(bytes.NewReader(initData))
	if err != nil {
		return fmt.Errorf("parse init segment: %w", err)
	}
	if initSeg.Init == nil {
		return fmt.Errorf("no init segment found in %s", job.InitOf)
	}

	tenc, err := extractTencInfo(initSeg.Init)
	if err != nil {
		// Clear track: pass the segment through.
		b.log.Debug("no tenc box, copying segment", logger.String("input", job.Input))
		return os.WriteFile(job.Output, data, 0o644)
	}

	kid, err := hex.DecodeString(job.Key.KID)
	if err != nil {
		return fmt.Errorf("invalid KID hex: %w", err)
	}
	if !bytes.Equal(tenc.defaultKID, kid) {
		return fmt.Errorf("invalid decryption key, KID %s does not match init KID %x", job.Key.KID, tenc.defaultKID)
	}
	key, err := hex.DecodeString(job.Key.Key)
	if err != nil || len(key) != 16 {
		return fmt.Errorf("KEY must be 16 bytes of hex")
	}

	out, err := decryptSegmentData(data, tenc, key)
	if err != nil {
		return fmt.Errorf("decrypt segment: %w", err)
	}
	return os.WriteFile(job.Output, out, 0o644)
}

// decryptSegmentData decrypts the samples of every moof/mdat pair.
func decryptSegmentData(segData []byte, tenc *tencInfo, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	// Make a copy to modify
	result := make([]byte, len(segData))
	copy(result, segData)

	offset := 0
	var moofData []byte

	for offset+8 <= len(result) {
		size := getBoxSize(result, offset)
		if size < 8 || offset+size > len(result) {
			break
		}

		switch string(result[offset+4 : offset+8]) {
		case "moof":
			moofData = result[offset : offset+size]
		case "mdat":
			if moofData != nil {
				if err := decryptFragment(block, moofData, result[offset:offset+size], tenc); err != nil {
					return nil, err
				}
				moofData = nil
			}
		}

		offset += size
	}

	return result, nil
}

func decryptFragment(block cipher.Block, moofData, mdatData []byte, tenc *tencInfo) error {
	senc, trun, err := parseMoofForDecryption(moofData, tenc.defaultPerSampleIV)
	if err != nil {
		return fmt.Errorf("parse moof: %w", err)
	}

	if (senc == nil || len(senc.ivs) == 0) && (len(tenc.defaultConstantIV) == 0 || tenc.defaultIsProtected == 0) {
		return nil // Not encrypted
	}

	// mdat structure: 8 bytes header (size + "mdat") + data
	mdatHeaderSize := 8
	if binary.BigEndian.Uint32(mdatData[0:4]) == 1 {
		mdatHeaderSize = 16 // extended size
	}
	payload := mdatData[mdatHeaderSize:]

	sampleOffset := 0
	for i, sample := range trun.samples {
		end := sampleOffset + int(sample.size)
		if end > len(payload) {
			return fmt.Errorf("sample %d exceeds mdat", i)
		}

		var iv []byte
		if senc != nil && i < len(senc.ivs) {
			iv = senc.ivs[i]
		}
		if len(iv) == 0 {
			iv = tenc.defaultConstantIV
		}
		if len(iv) == 0 {
			sampleOffset = end
			continue
		}

		var subsamples []subsampleEntry
		if senc != nil && i < len(senc.subsamples) {
			subsamples = senc.subsamples[i]
		}

		if err := decryptSample(block, payload[sampleOffset:end], iv, subsamples); err != nil {
			return fmt.Errorf("decrypt sample %d: %w", i, err)
		}
		sampleOffset = end
	}
	return nil
}

// decryptSample decrypts a single sample in place. Protected ranges of one
// sample share a single counter stream.
func decryptSample(block cipher.Block, sample, iv []byte, subsamples []subsampleEntry) error {
	if len(sample) == 0 {
		return nil
	}

	// Pad 8-byte IVs to 16 bytes
	ctr := make([]byte, aes.BlockSize)
	copy(ctr, iv)
	stream := cipher.NewCTR(block, ctr)

	if len(subsamples) == 0 {
		stream.XORKeyStream(sample, sample)
		return nil
	}

	offset := 0
	for _, sub := range subsamples {
		offset += int(sub.clearBytes)
		end := offset + int(sub.protectedBytes)
		if end > len(sample) {
			return fmt.Errorf("subsample exceeds sample size %d", len(sample))
		}
		stream.XORKeyStream(sample[offset:end], sample[offset:end])
		offset = end
	}
	return nil
}
