package squashfs

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
)

// Compression identifies a SquashFS compression algorithm, and doubles as
// the default Compressor implementation the meta-block writer uses: every
// registered algorithm is usable directly as squashfs.Compression(n).
type Compression uint16

const (
	GZip Compression = 1
	LZMA Compression = 2
	LZO  Compression = 3
	XZ   Compression = 4
	LZ4  Compression = 5
	ZSTD Compression = 6
)

func (s Compression) String() string {
	switch s {
	case GZip:
		return "GZip"
	case LZMA:
		return "LZMA"
	case LZO:
		return "LZO"
	case XZ:
		return "XZ"
	case LZ4:
		return "LZ4"
	case ZSTD:
		return "ZSTD"
	}
	return fmt.Sprintf("Compression(%d)", s)
}

// CompHandler pairs a compressor and a decompressor for one algorithm.
// Build-tag-gated files (comp_xz.go, comp_zstd.go, comp_pgzip.go) register
// their handlers from init().
type CompHandler struct {
	Compress   func([]byte) ([]byte, error)
	Decompress func([]byte) ([]byte, error)
}

var compHandlers = map[Compression]*CompHandler{}

// RegisterCompHandler installs both directions for a compression
// algorithm, overwriting any existing registration.
func RegisterCompHandler(c Compression, h *CompHandler) {
	compHandlers[c] = h
}

// RegisterDecompressor installs only the decompress side, leaving an
// existing Compress function (if any) untouched.
func RegisterDecompressor(c Compression, dec func([]byte) ([]byte, error)) {
	h, ok := compHandlers[c]
	if !ok {
		h = &CompHandler{}
		compHandlers[c] = h
	}
	h.Decompress = dec
}

// MakeDecompressor adapts a reader factory that cannot fail (e.g.
// zstd.ZipDecompressor()) into the []byte -> []byte shape the table
// reader and meta writer use.
func MakeDecompressor(newReader func(io.Reader) io.ReadCloser) func([]byte) ([]byte, error) {
	return func(data []byte) ([]byte, error) {
		rc := newReader(bytes.NewReader(data))
		defer rc.Close()
		return io.ReadAll(rc)
	}
}

// MakeDecompressorErr is like MakeDecompressor but for reader factories
// that can fail to even construct the reader.
func MakeDecompressorErr(newReader func(io.Reader) (io.ReadCloser, error)) func([]byte) ([]byte, error) {
	return func(data []byte) ([]byte, error) {
		rc, err := newReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		defer rc.Close()
		return io.ReadAll(rc)
	}
}

func (s Compression) decompress(data []byte) ([]byte, error) {
	if h, ok := compHandlers[s]; ok && h.Decompress != nil {
		return h.Decompress(data)
	}
	return nil, newError(KindUnsupported, "no decompressor registered for %s", s)
}

// Compress implements the Compressor interface consumed by MetaWriter,
// dispatching to whichever algorithm-specific handler is registered.
func (s Compression) Compress(data []byte) ([]byte, error) {
	if h, ok := compHandlers[s]; ok && h.Compress != nil {
		return h.Compress(data)
	}
	return nil, newError(KindUnsupported, "no compressor registered for %s", s)
}

func init() {
	RegisterCompHandler(GZip, &CompHandler{
		Compress: func(data []byte) ([]byte, error) {
			var buf bytes.Buffer
			w := gzip.NewWriter(&buf)
			if _, err := w.Write(data); err != nil {
				return nil, err
			}
			if err := w.Close(); err != nil {
				return nil, err
			}
			return buf.Bytes(), nil
		},
		Decompress: func(data []byte) ([]byte, error) {
			r, err := gzip.NewReader(bytes.NewReader(data))
			if err != nil {
				return nil, err
			}
			defer r.Close()
			return io.ReadAll(r)
		},
	})
}
