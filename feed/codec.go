package feed

import (
	"bytes"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"
)

// zstd frame magic, used to detect compressed payloads on decode
var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// Codec serializes RawChangeMessage for the wire. Messages are msgpack
// encoded and, at compression levels above zero, zstd compressed. Decode
// accepts both forms regardless of the configured level, so a feed can mix
// compressed and uncompressed publishers.
type Codec struct {
	enc *zstd.Encoder // nil when compression is disabled
	dec *zstd.Decoder
}

// NewCodec creates a codec. Level 0 disables compression on encode;
// levels 1-4 map to zstd fastest through best.
func NewCodec(level int) (*Codec, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	c := &Codec{dec: dec}

	if level > 0 {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(configLevelToZstd(level)))
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
		}
		c.enc = enc
	}

	return c, nil
}

// configLevelToZstd maps the config compression level to a zstd encoder level
func configLevelToZstd(level int) zstd.EncoderLevel {
	switch level {
	case 1:
		return zstd.SpeedFastest
	case 2:
		return zstd.SpeedDefault
	case 3:
		return zstd.SpeedBetterCompression
	default:
		return zstd.SpeedBestCompression
	}
}

// Encode serializes a message, compressing when the codec was built with a
// nonzero level.
func (c *Codec) Encode(m RawChangeMessage) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	if err := enc.Encode(&m); err != nil {
		return nil, fmt.Errorf("failed to encode change message: %w", err)
	}

	if c.enc == nil {
		return buf.Bytes(), nil
	}
	return c.enc.EncodeAll(buf.Bytes(), nil), nil
}

// Decode deserializes a wire payload, transparently decompressing zstd frames.
// Row values decode with loose interface decoding so string columns come back
// as Go strings rather than []byte.
func (c *Codec) Decode(data []byte) (RawChangeMessage, error) {
	if bytes.HasPrefix(data, zstdMagic) {
		plain, err := c.dec.DecodeAll(data, nil)
		if err != nil {
			return RawChangeMessage{}, fmt.Errorf("failed to decompress change message: %w", err)
		}
		data = plain
	}

	var m RawChangeMessage
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.UseLooseInterfaceDecoding(true)
	if err := dec.Decode(&m); err != nil {
		return RawChangeMessage{}, fmt.Errorf("failed to decode change message: %w", err)
	}

	return m, nil
}
