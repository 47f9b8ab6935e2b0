package decryptor

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/Eyevinn/mp4ff/mp4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mohaanymo/mpdecrypt/internal/config"
	"github.com/mohaanymo/mpdecrypt/internal/models"
	"github.com/mohaanymo/mpdecrypt/internal/procexec"
)

const (
	testKID = "0123456789abcdef0123456789abcdef"
	testKey = "00112233445566778899aabbccddeeff"
)

func box(typ string, payload ...[]byte) []byte {
	body := bytes.Join(payload, nil)
	out := make([]byte, 8, 8+len(body))
	binary.BigEndian.PutUint32(out, uint32(8+len(body)))
	copy(out[4:], typ)
	return append(out, body...)
}

func u32(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

func u16(v uint16) []byte {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, v)
	return b
}

// encryptedFragment builds moof{traf{trun,senc}} + mdat for the given clear
// samples, encrypting them with per-sample 8-byte IVs. When subsample is
// true every sample keeps its first 2 bytes clear.
func encryptedFragment(t *testing.T, key []byte, samples [][]byte, subsample bool) []byte {
	t.Helper()
	block, err := aes.NewCipher(key)
	require.NoError(t, err)

	trun := [][]byte{u32(0x000200), u32(uint32(len(samples)))}
	sencFlags := uint32(0)
	if subsample {
		sencFlags = 0x2
	}
	senc := [][]byte{u32(sencFlags), u32(uint32(len(samples)))}
	var mdat [][]byte

	for i, s := range samples {
		trun = append(trun, u32(uint32(len(s))))
		iv := []byte{0, 0, 0, 0, 0, 0, 0, byte(i + 1)}
		senc = append(senc, iv)

		ctr := make([]byte, 16)
		copy(ctr, iv)
		enc := append([]byte(nil), s...)
		stream := cipher.NewCTR(block, ctr)
		if subsample {
			senc = append(senc, u16(1), u16(2), u32(uint32(len(s)-2)))
			stream.XORKeyStream(enc[2:], enc[2:])
		} else {
			stream.XORKeyStream(enc, enc)
		}
		mdat = append(mdat, enc)
	}

	moof := box("moof", box("traf", box("trun", trun...), box("senc", senc...)))
	return append(moof, box("mdat", mdat...)...)
}

func TestDecryptSegmentData(t *testing.T) {
	key := []byte("0123456789abcdef")
	samples := [][]byte{
		[]byte("first sample payload, long enough to span blocks"),
		[]byte("second"),
	}
	tenc := &tencInfo{defaultIsProtected: 1, defaultPerSampleIV: 8}

	for _, subsample := range []bool{false, true} {
		seg := encryptedFragment(t, key, samples, subsample)
		out, err := decryptSegmentData(seg, tenc, key)
		require.NoError(t, err)

		mdat := out[len(out)-8-len(samples[0])-len(samples[1]):]
		payload := mdat[8:]
		assert.Equal(t, samples[0], payload[:len(samples[0])], "subsample=%v", subsample)
		assert.Equal(t, samples[1], payload[len(samples[0]):], "subsample=%v", subsample)
	}
}

func TestDecryptSampleRejectsOversizedSubsample(t *testing.T) {
	block, err := aes.NewCipher(make([]byte, 16))
	require.NoError(t, err)
	err = decryptSample(block, make([]byte, 4), make([]byte, 8), []subsampleEntry{{clearBytes: 2, protectedBytes: 10}})
	assert.Error(t, err)
}

func TestClearInitProtection(t *testing.T) {
	frma := box("frma", []byte("avc1"))
	sinf := box("sinf", frma, box("schm", make([]byte, 12)))
	encv := box("encv", make([]byte, 78), box("avcC", []byte{1}), sinf)
	stsd := box("stsd", u32(0), u32(1), encv)
	moov := box("moov", box("trak", box("mdia", box("minf", box("stbl", stsd)))), box("pssh", make([]byte, 20)))
	init := append(box("ftyp", []byte("iso6")), moov...)

	out := clearInitProtection(init)
	require.Len(t, out, len(init))
	assert.True(t, bytes.Contains(out, []byte("avc1")))
	assert.False(t, bytes.Contains(out, []byte("encv")))
	assert.False(t, bytes.Contains(out, []byte("sinf")))
	assert.False(t, bytes.Contains(out, []byte("pssh")))
	assert.True(t, bytes.Contains(init, []byte("encv")), "input untouched")
}

func TestMp4decryptArgs(t *testing.T) {
	m := NewMp4decrypt("/usr/local/bin/mp4decrypt", nil)
	key := models.KeyPair{KID: testKID, Key: testKey}

	args := m.Args(Job{Input: "in.m4s", Output: "out.m4s", Key: key, InitOf: "init.mp4"})
	assert.Equal(t, []string{"--key", testKID + ":" + testKey, "--fragments-info", "init.mp4", "in.m4s", "out.m4s"}, args)

	args = m.Args(Job{Input: "init.mp4", Output: "out.mp4", Key: key, Init: true, InitOf: "init.mp4"})
	assert.Equal(t, []string{"--key", testKID + ":" + testKey, "init.mp4", "out.mp4"}, args)
}

func TestMp4decryptRunsTool(t *testing.T) {
	var got procexec.Spec
	runner := procexec.Func(func(_ context.Context, spec procexec.Spec) (procexec.Result, error) {
		got = spec
		return procexec.Result{}, &procexec.ExitError{Name: spec.Name, Code: 1, Stderr: "ERROR: failed to decrypt (-8)"}
	})

	m := NewMp4decrypt("/opt/mp4decrypt", runner)
	err := m.Decrypt(context.Background(), Job{Input: "a", Output: "b", Key: models.KeyPair{KID: testKID, Key: testKey}})
	require.Error(t, err)
	assert.Equal(t, "/opt/mp4decrypt", got.Name)
	assert.Equal(t, "b", got.Output)
	assert.Equal(t, "ERROR: failed to decrypt (-8)", Diagnostic(err))

	err = m.Decrypt(context.Background(), Job{Input: "same", Output: "same"})
	assert.Error(t, err)
}

func TestDiagnosticFallsBackToMessage(t *testing.T) {
	assert.Equal(t, "boom", Diagnostic(errors.New("boom")))
	assert.Equal(t, "", Diagnostic(nil))
}

func TestNewSelectsBackend(t *testing.T) {
	cfg := config.New()
	p, err := New(cfg, procexec.NewExec(nil), nil)
	require.NoError(t, err)
	assert.Equal(t, "mp4decrypt", p.Name())

	cfg.DecryptBackend = config.BackendBuiltin
	p, err = New(cfg, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "builtin", p.Name())

	cfg.DecryptBackend = "other"
	_, err = New(cfg, nil, nil)
	assert.Error(t, err)
}

func TestBuiltinCopiesInitAndRequiresInitForMedia(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "video_v1_0.m4s")
	out := filepath.Join(dir, "video_v1_0.dec.m4s")
	require.NoError(t, os.WriteFile(in, box("ftyp", []byte("iso6")), 0o644))

	b := NewBuiltin(nil)
	key := models.KeyPair{KID: testKID, Key: testKey}
	require.NoError(t, b.Decrypt(context.Background(), Job{Input: in, Output: out, Key: key, Init: true}))
	assert.FileExists(t, out)

	media := filepath.Join(dir, "video_v1_1.m4s")
	mediaOut := filepath.Join(dir, "video_v1_1.dec.m4s")
	require.NoError(t, os.WriteFile(media, []byte("x"), 0o644))
	err := b.Decrypt(context.Background(), Job{Input: media, Output: mediaOut, Key: key})
	assert.Error(t, err)
	assert.NoFileExists(t, mediaOut)
}

func TestProbeAudioInit(t *testing.T) {
	init := mp4.CreateEmptyInit()
	init.AddEmptyTrack(48000, "audio", "en")

	var buf bytes.Buffer
	require.NoError(t, init.Encode(&buf))
	path := filepath.Join(t.TempDir(), "audio_a1_0.m4s")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))

	info, err := Probe(path)
	require.NoError(t, err)
	assert.Equal(t, models.TrackAudio, info.Track)
	assert.False(t, info.Encrypted)
	assert.Empty(t, info.DefaultKID)
}

func TestProbeRejectsMediaSegment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seg.m4s")
	require.NoError(t, os.WriteFile(path, []byte("not mp4"), 0o644))
	_, err := Probe(path)
	assert.Error(t, err)
}
