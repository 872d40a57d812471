// internal/network/compression.go
package network

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/andybalholm/brotli"
)

// acceptEncoding matches what current Chrome sends.
const acceptEncoding = "gzip, deflate, br"

var (
	gzipPool   = sync.Pool{New: func() any { return new(gzip.Reader) }}
	brotliPool = sync.Pool{New: func() any { return brotli.NewReader(nil) }}

	// Pooled readers are reset against this before going back to the pool.
	drained = strings.NewReader("")
)

// decoder wraps src with a decompressor. release, if non-nil, returns pooled state.
type decoder func(src io.Reader) (rc io.ReadCloser, release func(), err error)

var decoders = map[string]decoder{
	"gzip":    decodeGzip,
	"x-gzip":  decodeGzip,
	"br":      decodeBrotli,
	"deflate": decodeDeflate,
}

func decodeGzip(src io.Reader) (io.ReadCloser, func(), error) {
	zr := gzipPool.Get().(*gzip.Reader)
	if err := zr.Reset(src); err != nil {
		gzipPool.Put(zr)
		return nil, nil, err
	}
	return zr, func() {
		_ = zr.Reset(drained)
		gzipPool.Put(zr)
	}, nil
}

func decodeBrotli(src io.Reader) (io.ReadCloser, func(), error) {
	br := brotliPool.Get().(*brotli.Reader)
	if err := br.Reset(src); err != nil {
		brotliPool.Put(br)
		return nil, nil, err
	}
	return io.NopCloser(br), func() {
		_ = br.Reset(drained)
		brotliPool.Put(br)
	}, nil
}

// decodeDeflate accepts both zlib-wrapped and raw deflate, since servers send either.
func decodeDeflate(src io.Reader) (io.ReadCloser, func(), error) {
	var head bytes.Buffer
	zr, err := zlib.NewReader(io.TeeReader(src, &head))
	if err == nil {
		return zr, nil, nil
	}
	return flate.NewReader(io.MultiReader(&head, src)), nil, nil
}

// CompressionMiddleware advertises compression support and transparently
// decodes the response body.
type CompressionMiddleware struct {
	Transport http.RoundTripper
}

// NewCompressionMiddleware wraps transport, or http.DefaultTransport when nil.
func NewCompressionMiddleware(transport http.RoundTripper) *CompressionMiddleware {
	if transport == nil {
		transport = http.DefaultTransport
	}
	return &CompressionMiddleware{Transport: transport}
}

// RoundTrip implements http.RoundTripper.
func (cm *CompressionMiddleware) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("Accept-Encoding") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("Accept-Encoding", acceptEncoding)
	}

	resp, err := cm.Transport.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if err := DecompressResponse(resp); err != nil {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("decoding response body: %w", err)
	}
	return resp, nil
}

// layer closes the decoder, returns pooled state, and closes the body beneath.
type layer struct {
	io.ReadCloser
	under   io.ReadCloser
	release func()
}

func (l *layer) Close() error {
	err := l.ReadCloser.Close()
	if l.release != nil {
		l.release()
		l.release = nil
	}
	return errors.Join(err, l.under.Close())
}

// DecompressResponse replaces resp.Body with a decoded stream, peeling
// Content-Encoding layers in reverse order. On error the body may be
// partially consumed and must be discarded.
func DecompressResponse(resp *http.Response) error {
	if resp == nil || resp.Body == nil {
		return nil
	}
	var encodings []string
	for _, v := range resp.Header.Values("Content-Encoding") {
		for _, e := range strings.Split(v, ",") {
			if e = strings.ToLower(strings.TrimSpace(e)); e != "" && e != "identity" {
				encodings = append(encodings, e)
			}
		}
	}
	if len(encodings) == 0 {
		return nil
	}

	for i := len(encodings) - 1; i >= 0; i-- {
		decode, ok := decoders[encodings[i]]
		if !ok {
			return fmt.Errorf("unsupported content encoding %q", encodings[i])
		}
		rc, release, err := decode(resp.Body)
		if err != nil {
			return fmt.Errorf("%s: %w", encodings[i], err)
		}
		resp.Body = &layer{ReadCloser: rc, under: resp.Body, release: release}
	}

	resp.Header.Del("Content-Encoding")
	resp.Header.Del("Content-Length")
	resp.ContentLength = -1
	resp.Uncompressed = true
	return nil
}
