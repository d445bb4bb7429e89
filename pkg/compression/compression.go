// Package compression wraps the update-history payload a commit fans out
// to peers with the same Compressor/Config shape the teacher's storage
// layer uses for page/document bodies — scoped down to the one algorithm
// the fan-out path actually needs. Page/document compression in the
// teacher's lineage also reaches for Snappy, Gzip, and Zlib for different
// storage tiers; none of those fit a wire payload that's either shipped
// as-is below a size threshold or zstd-compressed above it, so those
// paths aren't carried here (see DESIGN.md).
package compression

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Algorithm selects how a fan-out payload is encoded on the wire.
type Algorithm int

const (
	// AlgorithmNone ships the payload uncompressed: the coordinator's
	// own size threshold already decides when this applies, but a
	// Config can also force it off entirely (e.g. for a cluster of
	// sites on a trusted, high-bandwidth link where the CPU cost isn't
	// worth it).
	AlgorithmNone Algorithm = iota
	// AlgorithmZstd is the default: balanced speed and ratio on the
	// short, highly repetitive SQL statement text a commit's update
	// history is made of.
	AlgorithmZstd
)

// String returns the string representation of the algorithm.
func (a Algorithm) String() string {
	switch a {
	case AlgorithmNone:
		return "none"
	case AlgorithmZstd:
		return "zstd"
	default:
		return "unknown"
	}
}

// Config holds compression configuration.
type Config struct {
	Algorithm Algorithm
	Level     int // zstd compression level; ignored by AlgorithmNone
}

// DefaultConfig returns the default fan-out compression configuration:
// Zstd at a balanced level.
func DefaultConfig() *Config {
	return &Config{
		Algorithm: AlgorithmZstd,
		Level:     3,
	}
}

// NoneConfig disables fan-out compression outright.
func NoneConfig() *Config {
	return &Config{Algorithm: AlgorithmNone}
}

// ZstdConfig returns a Zstd configuration at the given level. A level
// outside zstd's valid range (1, fastest, through 19, best ratio) is
// replaced by the default level 3.
func ZstdConfig(level int) *Config {
	if level < 1 || level > 19 {
		level = 3
	}
	return &Config{
		Algorithm: AlgorithmZstd,
		Level:     level,
	}
}

// Compressor compresses and decompresses fan-out payloads according to its
// Config.
type Compressor struct {
	config  *Config
	zstdEnc *zstd.Encoder
	zstdDec *zstd.Decoder
}

// NewCompressor creates a Compressor for the given configuration.
func NewCompressor(config *Config) (*Compressor, error) {
	if config == nil {
		config = DefaultConfig()
	}

	c := &Compressor{config: config}

	if config.Algorithm == AlgorithmZstd {
		var err error
		encLevel := zstd.EncoderLevelFromZstd(config.Level)
		c.zstdEnc, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(encLevel))
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
		}

		c.zstdDec, err = zstd.NewReader(nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
		}
	}

	return c, nil
}

// Compress compresses the input data per the Compressor's configured
// algorithm.
func (c *Compressor) Compress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return data, nil
	}

	switch c.config.Algorithm {
	case AlgorithmNone:
		return data, nil
	case AlgorithmZstd:
		return c.zstdEnc.EncodeAll(data, nil), nil
	default:
		return nil, fmt.Errorf("unsupported compression algorithm: %v", c.config.Algorithm)
	}
}

// Decompress reverses Compress.
func (c *Compressor) Decompress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return data, nil
	}

	switch c.config.Algorithm {
	case AlgorithmNone:
		return data, nil
	case AlgorithmZstd:
		decoded, err := c.zstdDec.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to decode zstd: %w", err)
		}
		return decoded, nil
	default:
		return nil, fmt.Errorf("unsupported compression algorithm: %v", c.config.Algorithm)
	}
}

// Close releases the zstd encoder/decoder's resources, if any were
// allocated.
func (c *Compressor) Close() error {
	if c.zstdEnc != nil {
		c.zstdEnc.Close()
	}
	if c.zstdDec != nil {
		c.zstdDec.Close()
	}
	return nil
}

// CompressionRatio returns compressedSize/originalSize, for the
// replication coordinator's fan-out logging.
func CompressionRatio(originalSize, compressedSize int) float64 {
	if originalSize == 0 {
		return 0
	}
	return float64(compressedSize) / float64(originalSize)
}
