package provider

import (
	"bytes"
	"compress/gzip"
	"io"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
)

// DecodeAccounting reverses a response's Content-Encoding on the captured
// accounting buffer so ParseSSEUsage can scan plaintext, even when the
// upstream compressed a streaming body end-to-end.
//
// Grounded on the teacher's gzip-decode-before-usage-scan block
// (main.go, the "Try to decompress if gzip" section); generalized to also
// handle brotli, since the teacher's go.mod already carries
// andybalholm/brotli for exactly this kind of transport-level decoding, and
// deflate via klauspost/compress/flate, a drop-in faster decoder for the
// same encoding compress/flate handles.
func DecodeAccounting(contentEncoding string, data []byte) []byte {
	switch contentEncoding {
	case "gzip":
		gr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return data
		}
		defer gr.Close()
		out, err := io.ReadAll(gr)
		if err != nil || len(out) == 0 {
			return data
		}
		return out
	case "br":
		out, err := io.ReadAll(brotli.NewReader(bytes.NewReader(data)))
		if err != nil || len(out) == 0 {
			return data
		}
		return out
	case "deflate":
		fr := flate.NewReader(bytes.NewReader(data))
		defer fr.Close()
		out, err := io.ReadAll(fr)
		if err != nil || len(out) == 0 {
			return data
		}
		return out
	default:
		return data
	}
}
