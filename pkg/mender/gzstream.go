package mender

import (
	"bytes"
	"io"

	"github.com/klauspost/compress/gzip"
)

// gunzipAll fully decompresses a gzip member whose compressed bytes have
// already been accumulated in memory. It answers Open Question 1: the
// HTTP transport delivers raw artifact bytes with no transparent
// decompression, so a gzipped header.tar.gz or data/NNNN.tar.gz member
// must be unwrapped explicitly before its bytes reach the tar parser.
//
// Buffering the whole compressed member (rather than decompressing
// incrementally as bytes arrive) trades peak memory for implementation
// simplicity; see DESIGN.md for why that tradeoff was made here.
func gunzipAll(data []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer func() { _ = zr.Close() }()
	return io.ReadAll(zr)
}
