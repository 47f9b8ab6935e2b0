package engine

import (
	"context"

	"github.com/mohaanymo/mpdecrypt/internal/models"
)

// SegmentFetcher downloads segment plans to a directory.
type SegmentFetcher interface {
	Fetch(ctx context.Context, plans []models.SegmentPlan, dir string) ([]models.DownloadedSegment, error)
}

// SegmentDecrypter turns downloaded segments into decrypted ones.
type SegmentDecrypter interface {
	Decrypt(ctx context.Context, segs []models.DownloadedSegment, keys models.KeyMap) ([]models.DecryptedSegment, error)
}

// Muxer assembles decrypted sequences into the output container.
type Muxer interface {
	Remux(ctx context.Context, audio, video []string, out string) error
	RemuxSingle(ctx context.Context, seq []string, out string) error
}

var (
	_ SegmentFetcher   = (*Fetcher)(nil)
	_ SegmentDecrypter = (*Decrypter)(nil)
	_ Muxer            = (*Remuxer)(nil)
)
