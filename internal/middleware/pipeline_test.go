package middleware

import (
	"net/http"
	"testing"
	"time"

	"github.com/koltyakov/expose/internal/domain"
)

func TestRequestHeadersStageAddsAndRemoves(t *testing.T) {
	t.Parallel()

	p := New([]domain.MiddlewareStage{
		{Kind: "request_headers", HeaderOp: &domain.HeaderOp{
			Set:    map[string]string{"X-Gateway": "1"},
			Remove: []string{"X-Drop-Me"},
		}},
	})

	req := &Request{Header: http.Header{"X-Drop-Me": []string{"y"}}, ClientIP: "10.0.0.1"}
	resp, _, ok := p.ProcessRequest(req)
	if !ok || resp != nil {
		t.Fatal("expected request to pass through")
	}
	if req.Header.Get("X-Gateway") != "1" {
		t.Fatal("expected X-Gateway header to be set")
	}
	if req.Header.Get("X-Drop-Me") != "" {
		t.Fatal("expected X-Drop-Me header to be removed")
	}
}

func TestRequestAuthBearerInjection(t *testing.T) {
	t.Parallel()

	p := New([]domain.MiddlewareStage{
		{Kind: "request_auth", Auth: &domain.AuthInjection{Kind: "bearer", Value: "secret"}},
	})

	req := &Request{Header: http.Header{}, ClientIP: "10.0.0.1"}
	if _, _, ok := p.ProcessRequest(req); !ok {
		t.Fatal("expected pass through")
	}
	if got := req.Header.Get("Authorization"); got != "Bearer secret" {
		t.Fatalf("got %q", got)
	}
}

func TestBodyTransformTextReplace(t *testing.T) {
	t.Parallel()

	p := New([]domain.MiddlewareStage{
		{Kind: "body_transform", BodyOp: &domain.BodyTransform{Kind: "text_replace", Find: "foo", Replace: "bar", MaxBodySize: 1024}},
	})

	req := &Request{Header: http.Header{}, Body: []byte("foo foo baz"), ClientIP: "10.0.0.1"}
	if _, _, ok := p.ProcessRequest(req); !ok {
		t.Fatal("expected pass through")
	}
	if string(req.Body) != "bar bar baz" {
		t.Fatalf("got %q", req.Body)
	}
}

func TestRateLimitStageShortCircuits(t *testing.T) {
	t.Parallel()

	p := New([]domain.MiddlewareStage{
		{Kind: "rate_limit", RateLimit: &domain.RateLimitConfig{RequestsPerWindow: 1, Window: time.Minute}},
	})

	req := &Request{Header: http.Header{}, ClientIP: "10.0.0.5"}

	resp, release, ok := p.ProcessRequest(req)
	if !ok || resp != nil {
		t.Fatal("first request should pass through")
	}
	release()

	resp, release, ok = p.ProcessRequest(req)
	release()
	if ok || resp == nil {
		t.Fatal("second request should be rate limited")
	}
	if resp.Status != http.StatusTooManyRequests {
		t.Fatalf("got status %d, want 429", resp.Status)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header on 429")
	}
}

func TestRateLimitConcurrencyCap(t *testing.T) {
	t.Parallel()

	p := New([]domain.MiddlewareStage{
		{Kind: "rate_limit", RateLimit: &domain.RateLimitConfig{RequestsPerWindow: 100, Window: time.Minute, MaxConcurrent: 1}},
	})

	req := &Request{Header: http.Header{}, ClientIP: "10.0.0.9"}

	_, release1, ok := p.ProcessRequest(req)
	if !ok {
		t.Fatal("expected first request to pass through")
	}

	_, release2, ok := p.ProcessRequest(req)
	release2()
	if ok {
		t.Fatal("expected second concurrent request to be rejected")
	}

	release1()

	_, release3, ok := p.ProcessRequest(req)
	release3()
	if !ok {
		t.Fatal("expected request to pass after releasing the held slot")
	}
}

func TestResponseCompressionGzipsLargeBody(t *testing.T) {
	t.Parallel()

	p := New([]domain.MiddlewareStage{
		{Kind: "response_compression", Compression: &domain.CompressionConfig{MinSize: 4}},
	})

	req := &Request{Header: http.Header{"Accept-Encoding": []string{"gzip, deflate"}}}
	resp := &Response{Header: http.Header{}, Body: []byte("this is a response body long enough to compress")}

	p.ProcessResponse(req, resp)

	if resp.Header.Get("Content-Encoding") != "gzip" {
		t.Fatal("expected Content-Encoding: gzip")
	}
}

func TestResponseCompressionSkipsWithoutAcceptEncoding(t *testing.T) {
	t.Parallel()

	p := New([]domain.MiddlewareStage{
		{Kind: "response_compression", Compression: &domain.CompressionConfig{MinSize: 4}},
	})

	req := &Request{Header: http.Header{}}
	resp := &Response{Header: http.Header{}, Body: []byte("a response body")}

	p.ProcessResponse(req, resp)

	if resp.Header.Get("Content-Encoding") == "gzip" {
		t.Fatal("should not compress without Accept-Encoding: gzip")
	}
}
