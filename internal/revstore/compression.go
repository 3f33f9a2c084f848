package revstore

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

var zstdMagic = []byte{0x28, 0xB5, 0x2F, 0xFD}

// CompressionOptions configures blob compression in log tiers.
type CompressionOptions struct {
	// Minimum size in bytes before compressing
	MinSize int
	// Compression level (1=fastest, 3=best)
	Level int
}

func DefaultCompressionOptions() CompressionOptions {
	return CompressionOptions{
		MinSize: 512,
		Level:   2,
	}
}

// compressor pools zstd encoders and decoders. Stored payloads carry a one
// byte tag so content that happens to start with the zstd magic still
// round-trips.
type compressor struct {
	opts     CompressionOptions
	encoders sync.Pool
	decoders sync.Pool
}

const (
	tagRaw  byte = 0
	tagZstd byte = 1
)

func newCompressor(opts CompressionOptions) (*compressor, error) {
	level := zstd.EncoderLevelFromZstd(opts.Level)

	// Validate options once up front
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(level), zstd.WithEncoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("creating encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("creating decoder: %w", err)
	}

	c := &compressor{opts: opts}
	c.encoders.New = func() interface{} {
		e, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(level), zstd.WithEncoderConcurrency(1))
		return e
	}
	c.decoders.New = func() interface{} {
		d, _ := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
		return d
	}
	c.encoders.Put(enc)
	c.decoders.Put(dec)
	return c, nil
}

func (c *compressor) compress(data []byte) []byte {
	if len(data) < c.opts.MinSize {
		out := make([]byte, 0, len(data)+1)
		out = append(out, tagRaw)
		return append(out, data...)
	}

	enc := c.encoders.Get().(*zstd.Encoder)
	defer c.encoders.Put(enc)

	out := make([]byte, 1, len(data)/2+16)
	out[0] = tagZstd
	return enc.EncodeAll(data, out)
}

func (c *compressor) decompress(stored []byte) ([]byte, error) {
	if len(stored) == 0 {
		return nil, fmt.Errorf("empty payload")
	}
	payload := stored[1:]

	switch stored[0] {
	case tagRaw:
		return append([]byte(nil), payload...), nil
	case tagZstd:
		if len(payload) < 4 || !bytes.Equal(payload[:4], zstdMagic) {
			return nil, fmt.Errorf("zstd payload without frame magic")
		}
		dec := c.decoders.Get().(*zstd.Decoder)
		defer c.decoders.Put(dec)

		out, err := dec.DecodeAll(payload, nil)
		if err != nil {
			return nil, fmt.Errorf("decompressing: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown payload tag %d", stored[0])
	}
}
