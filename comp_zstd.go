//go:build zstd

package squashfs

import "github.com/klauspost/compress/zstd"

func zstdCompress(data []byte) ([]byte, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	defer enc.Close()
	return enc.EncodeAll(data, make([]byte, 0, len(data))), nil
}

func init() {
	RegisterCompHandler(ZSTD, &CompHandler{
		Compress:   zstdCompress,
		Decompress: MakeDecompressor(zstd.ZipDecompressor()),
	})
}
