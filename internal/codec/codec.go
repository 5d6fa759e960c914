// Package codec decompresses StreamMessage content, adapted from the
// teacher's gRPC Compressor interface but registry-based so the content-type
// suffix convention ("application/json+snappy") can select a codec per
// message instead of negotiating one codec per connection.
package codec

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"strings"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
)

// Compressor applies symmetric compression to payload byte slices.
type Compressor interface {
	Name() string
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte) ([]byte, error)
}

// Registry resolves a Compressor from a content-type suffix.
type Registry struct {
	codecs map[string]Compressor
}

// NewRegistry builds a Registry with gzip, snappy, and zstd registered —
// zstd for resend batches (better ratio, amortised over a burst of
// historical messages) and snappy for real-time content (cheap CPU per
// message), per the codec's home in SPEC_FULL.md.
func NewRegistry() *Registry {
	r := &Registry{codecs: make(map[string]Compressor)}
	r.Register(gzipCompressor{})
	r.Register(snappyCompressor{})
	r.Register(mustZstd())
	return r
}

// Register adds or replaces a codec by name.
func (r *Registry) Register(c Compressor) { r.codecs[c.Name()] = c }

// ForContentType splits "<mime>+<codec>" and returns the matching Compressor,
// or nil if contentType carries no recognised suffix (content is plain).
func (r *Registry) ForContentType(contentType string) Compressor {
	idx := strings.LastIndexByte(contentType, '+')
	if idx < 0 {
		return nil
	}
	return r.codecs[contentType[idx+1:]]
}

// Decode decompresses data if contentType names a registered codec suffix,
// otherwise returns data unchanged.
func (r *Registry) Decode(contentType string, data []byte) ([]byte, error) {
	c := r.ForContentType(contentType)
	if c == nil {
		return data, nil
	}
	return c.Decompress(data)
}

// DecodeContent decompresses data per contentType's codec suffix (if any)
// and returns the base content type with that suffix stripped, so callers
// see "application/json" rather than "application/json+snappy".
func (r *Registry) DecodeContent(contentType string, data []byte) (baseContentType string, decoded []byte, err error) {
	idx := strings.LastIndexByte(contentType, '+')
	if idx < 0 {
		return contentType, data, nil
	}
	c, ok := r.codecs[contentType[idx+1:]]
	if !ok {
		return contentType, data, nil
	}
	decoded, err = c.Decompress(data)
	if err != nil {
		return "", nil, err
	}
	return contentType[:idx], decoded, nil
}

// Encode compresses data under codecName and returns the wire content type
// to advertise, e.g. Encode("application/json", "snappy", data).
func (r *Registry) Encode(baseContentType, codecName string, data []byte) (string, []byte, error) {
	c, ok := r.codecs[codecName]
	if !ok {
		return "", nil, fmt.Errorf("substream: unknown codec %q", codecName)
	}
	out, err := c.Compress(data)
	if err != nil {
		return "", nil, err
	}
	return baseContentType + "+" + c.Name(), out, nil
}

type gzipCompressor struct{}

func (gzipCompressor) Name() string { return "gzip" }

func (gzipCompressor) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		w.Close()
		return nil, fmt.Errorf("gzip write: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("gzip close: %w", err)
	}
	return buf.Bytes(), nil
}

func (gzipCompressor) Decompress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("gzip decompress: empty payload")
	}
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("gzip reader: %w", err)
	}
	defer r.Close()
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		return nil, fmt.Errorf("gzip copy: %w", err)
	}
	return buf.Bytes(), nil
}

type snappyCompressor struct{}

func (snappyCompressor) Name() string { return "snappy" }

func (snappyCompressor) Compress(data []byte) ([]byte, error) {
	return snappy.Encode(nil, data), nil
}

func (snappyCompressor) Decompress(data []byte) ([]byte, error) {
	out, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, fmt.Errorf("snappy decode: %w", err)
	}
	return out, nil
}

type zstdCompressor struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

func mustZstd() Compressor {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		panic(fmt.Sprintf("substream: building zstd encoder: %v", err))
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		panic(fmt.Sprintf("substream: building zstd decoder: %v", err))
	}
	return &zstdCompressor{encoder: enc, decoder: dec}
}

func (z *zstdCompressor) Name() string { return "zstd" }

func (z *zstdCompressor) Compress(data []byte) ([]byte, error) {
	return z.encoder.EncodeAll(data, nil), nil
}

func (z *zstdCompressor) Decompress(data []byte) ([]byte, error) {
	out, err := z.decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decode: %w", err)
	}
	return out, nil
}

var (
	_ Compressor = gzipCompressor{}
	_ Compressor = snappyCompressor{}
	_ Compressor = (*zstdCompressor)(nil)
)
