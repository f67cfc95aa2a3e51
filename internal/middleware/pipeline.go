// Package middleware implements the six-stage request/response pipeline
// (C5) configured per route.
package middleware

import (
	"fmt"
	"net/http"
	"time"

	"github.com/koltyakov/expose/internal/domain"
)

// Request is the pipeline's in-flight representation of an inbound call.
// Body is fully buffered (the gateway reads at most 32 MiB) so text and JSON
// transforms can run; a body_transform stage leaves bodies larger than its
// MaxBodySize unchanged. The proxy engine re-streams it from here.
type Request struct {
	Method   string
	Path     string
	Header   http.Header
	Body     []byte
	ClientIP string
}

// Response is the pipeline's representation of an outbound call, either
// synthesized by a stage (e.g. a 429) or produced by the proxy engine and
// passed back through the response-direction stages.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Pipeline runs a route's configured middleware stages in order. Built once
// per route at configuration load; the rate limiter's internal state is the
// only mutable part.
type Pipeline struct {
	stages []domain.MiddlewareStage
	limiters map[string]*rateLimiter // keyed by stage index, one limiter per rate_limit stage
}

// New builds a Pipeline from a route's configured stage list.
func New(stages []domain.MiddlewareStage) *Pipeline {
	limiters := make(map[string]*rateLimiter)
	for i, st := range stages {
		if st.Kind == "rate_limit" && st.RateLimit != nil {
			key := fmt.Sprintf("stage-%d", i)
			limiters[key] = newRateLimiter(st.RateLimit.RequestsPerWindow, st.RateLimit.Window, st.RateLimit.MaxConcurrent)
		}
	}
	return &Pipeline{stages: stages, limiters: limiters}
}

// ReleaseFunc must be called exactly once, on every exit path, to release
// any concurrency-limit slot acquired while processing a request.
type ReleaseFunc func()

// ProcessRequest runs every request-direction stage in configured order. If
// a stage short-circuits (rate limiting), it returns the synthetic response
// and ok=false; the proxy call must be skipped. The returned release must
// always be invoked once the request completes.
func (p *Pipeline) ProcessRequest(req *Request) (resp *Response, release ReleaseFunc, ok bool) {
	release = func() {}

	for i, st := range p.stages {
		switch st.Kind {
		case "request_headers":
			applyHeaderOp(req.Header, st.HeaderOp)
		case "request_auth":
			applyAuthInjection(req.Header, st.Auth)
		case "body_transform":
			req.Body = applyBodyTransform(req.Body, st.BodyOp)
		case "rate_limit":
			key := fmt.Sprintf("stage-%d", i)
			rl := p.limiters[key]
			if rl == nil {
				continue
			}
			if !rl.allow(req.ClientIP) {
				return rateLimitResponse(rl, req.ClientIP), release, false
			}
			if !rl.tryEnterConcurrent(req.ClientIP) {
				return rateLimitResponse(rl, req.ClientIP), release, false
			}
			prevRelease := release
			clientIP := req.ClientIP
			release = func() {
				prevRelease()
				rl.leaveConcurrent(clientIP)
			}
		}
	}
	return nil, release, true
}

// ProcessResponse runs every response-direction stage in configured order.
func (p *Pipeline) ProcessResponse(req *Request, resp *Response) {
	for _, st := range p.stages {
		switch st.Kind {
		case "response_headers":
			applyHeaderOp(resp.Header, st.HeaderOp)
		case "response_compression":
			maybeCompress(req, resp, st.Compression)
		}
	}
}

func rateLimitResponse(rl *rateLimiter, key string) *Response {
	wait := rl.retryAfter(key)
	if wait < time.Second {
		wait = time.Second
	}
	h := http.Header{}
	h.Set("Retry-After", fmt.Sprintf("%d", int(wait.Seconds())))
	return &Response{Status: http.StatusTooManyRequests, Header: h, Body: []byte("rate limit exceeded")}
}

// Cleanup evicts idle rate-limiter state. Nothing calls it periodically:
// the server's janitor does not reach gateway pipelines, so idle buckets
// stay in memory until Cleanup is invoked.
func (p *Pipeline) Cleanup() {
	for _, rl := range p.limiters {
		rl.cleanup()
	}
}
