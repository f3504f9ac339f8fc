package pipeline

import (
	"fmt"
	"io"

	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"

	"github.com/keepsakefs/keepsake/internal/group"
)

// Native level ranges. Zstd levels follow the zstd CLI scale; s2 has
// three effort steps.
const (
	zstdMinLevel = 1
	zstdMaxLevel = 19
	s2MinLevel   = 1
	s2MaxLevel   = 3

	defaultZstdLevel = 3
	defaultS2Level   = 1
)

func validateLevel(alg group.Compression, level int) error {
	switch alg {
	case group.CompressionNone, "":
		if level != 0 {
			return fmt.Errorf("compression level %d set without an algorithm", level)
		}
	case group.CompressionZstd:
		if level != 0 && (level < zstdMinLevel || level > zstdMaxLevel) {
			return fmt.Errorf("zstd level %d out of range [%d,%d]", level, zstdMinLevel, zstdMaxLevel)
		}
	case group.CompressionS2:
		if level != 0 && (level < s2MinLevel || level > s2MaxLevel) {
			return fmt.Errorf("s2 level %d out of range [%d,%d]", level, s2MinLevel, s2MaxLevel)
		}
	default:
		return fmt.Errorf("unknown compression algorithm %q", alg)
	}
	return nil
}

// newCompressor wraps w so writes are compressed with alg at level.
// Single-goroutine encoders: the engine already runs one copy per
// worker and per-file concurrency would fight the pool.
func newCompressor(w io.Writer, alg group.Compression, level int) (io.WriteCloser, error) {
	switch alg {
	case group.CompressionZstd:
		if level == 0 {
			level = defaultZstdLevel
		}
		return zstd.NewWriter(w,
			zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)),
			zstd.WithEncoderConcurrency(1))
	case group.CompressionS2:
		if level == 0 {
			level = defaultS2Level
		}
		opts := []s2.WriterOption{s2.WriterConcurrency(1)}
		switch level {
		case 2:
			opts = append(opts, s2.WriterBetterCompression())
		case 3:
			opts = append(opts, s2.WriterBestCompression())
		}
		return s2.NewWriter(w, opts...), nil
	}
	return nil, fmt.Errorf("no compressor for algorithm %q", alg)
}

// newDecompressor wraps r to undo newCompressor.
func newDecompressor(r io.Reader, alg group.Compression) (io.ReadCloser, error) {
	switch alg {
	case group.CompressionZstd:
		zr, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, fmt.Errorf("zstd reader: %w", err)
		}
		return &zstdReadCloser{zr}, nil
	case group.CompressionS2:
		return io.NopCloser(s2.NewReader(r)), nil
	}
	return nil, fmt.Errorf("no decompressor for algorithm %q", alg)
}

// zstdReadCloser adapts the zstd decoder's Close() to io.ReadCloser.
type zstdReadCloser struct {
	*zstd.Decoder
}

func (z *zstdReadCloser) Close() error {
	z.Decoder.Close()
	return nil
}
