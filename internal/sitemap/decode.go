package sitemap

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"errors"
	"io"
	"unicode/utf8"

	"github.com/andybalholm/brotli"
)

// ErrInvalidResponseShape indicates a body that is neither XML nor any
// supported compressed encoding of XML.
var ErrInvalidResponseShape = errors.New("body is not a sitemap in any supported encoding")

var xmlMarkers = [][]byte{
	[]byte("<?xml"),
	[]byte("<sitemapindex"),
	[]byte("<urlset"),
}

// utf8BOM is stripped before marker checks; some generators emit it.
var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// startsWithXML reports whether the body begins with a sitemap XML marker,
// ignoring a BOM and leading whitespace.
func startsWithXML(body []byte) bool {
	body = bytes.TrimPrefix(body, utf8BOM)
	body = bytes.TrimLeft(body, " \t\r\n")
	for _, marker := range xmlMarkers {
		if bytes.HasPrefix(body, marker) {
			return true
		}
	}
	return false
}

// looksBinary reports whether the body contains bytes implausible in XML.
func looksBinary(body []byte) bool {
	limit := len(body)
	if limit > 512 {
		limit = 512
	}
	for _, b := range body[:limit] {
		if b == 0 || (b < 0x09 && b != 0) {
			return true
		}
	}
	return !utf8.Valid(body[:limit])
}

// decoder attempts one decompression scheme.
type decoder struct {
	name string
	open func(r io.Reader) (io.Reader, error)
}

// decoders in fallback order. Sitemap servers frequently mislabel their
// compression, so the body bytes are the only reliable signal.
var decoders = []decoder{
	{"gzip", func(r io.Reader) (io.Reader, error) { return gzip.NewReader(r) }},
	{"brotli", func(r io.Reader) (io.Reader, error) { return brotli.NewReader(r), nil }},
	{"deflate", func(r io.Reader) (io.Reader, error) { return zlib.NewReader(r) }},
	{"deflate-raw", func(r io.Reader) (io.Reader, error) { return flate.NewReader(r), nil }},
}

// decodeBody normalizes a sitemap body to plaintext XML. Already-plain XML
// passes through; compressed bodies are tried against each scheme in order
// and the first decoding that yields UTF-8 XML wins.
func decodeBody(body []byte) ([]byte, error) {
	if startsWithXML(body) {
		return body, nil
	}
	if !looksBinary(body) {
		return nil, ErrInvalidResponseShape
	}

	for _, d := range decoders {
		r, err := d.open(bytes.NewReader(body))
		if err != nil {
			continue
		}
		decoded, err := io.ReadAll(io.LimitReader(r, maxSitemapBytes))
		if c, ok := r.(io.Closer); ok {
			c.Close()
		}
		if err != nil {
			continue
		}
		if utf8.Valid(decoded) && startsWithXML(decoded) {
			return decoded, nil
		}
	}
	return nil, ErrInvalidResponseShape
}
