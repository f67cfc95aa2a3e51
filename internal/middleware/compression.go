package middleware

import (
	"bytes"
	"compress/gzip"
	"strings"

	"github.com/koltyakov/expose/internal/domain"
)

// maybeCompress gzips resp.Body in place when it meets the configured
// minimum size and the original request indicated gzip support.
func maybeCompress(req *Request, resp *Response, cfg *domain.CompressionConfig) {
	if cfg == nil || resp == nil || req == nil {
		return
	}
	if int64(len(resp.Body)) < cfg.MinSize {
		return
	}
	if !acceptsGzip(req.Header.Get("Accept-Encoding")) {
		return
	}
	if resp.Header.Get("Content-Encoding") != "" {
		return // already encoded; do not double-compress
	}

	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	if _, err := gw.Write(resp.Body); err != nil {
		_ = gw.Close()
		return
	}
	if err := gw.Close(); err != nil {
		return
	}

	resp.Body = buf.Bytes()
	resp.Header.Set("Content-Encoding", "gzip")
	resp.Header.Del("Content-Length")
}

func acceptsGzip(acceptEncoding string) bool {
	for _, enc := range strings.Split(acceptEncoding, ",") {
		if strings.TrimSpace(strings.SplitN(enc, ";", 2)[0]) == "gzip" {
			return true
		}
	}
	return false
}
