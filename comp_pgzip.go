//go:build pgzip

package squashfs

import (
	"bytes"

	"github.com/klauspost/pgzip"
)

// Building with -tags pgzip swaps the GZip handler's compressor for a
// parallel gzip encoder. The produced stream is still plain gzip, so the
// registered Decompress function (stdlib compress/gzip) is unaffected.
func pgzipCompress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := pgzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func init() {
	if h, ok := compHandlers[GZip]; ok {
		h.Compress = pgzipCompress
	} else {
		RegisterCompHandler(GZip, &CompHandler{Compress: pgzipCompress})
	}
}
