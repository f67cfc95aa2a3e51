package middleware

import (
	"net/http"

	"github.com/koltyakov/expose/internal/domain"
)

// applyHeaderOp performs add/set/remove mutations on h, optionally
// overriding the Host header. Used by both the request-headers and
// response-headers stages.
func applyHeaderOp(h http.Header, op *domain.HeaderOp) {
	if op == nil || h == nil {
		return
	}
	for k, v := range op.Add {
		h.Add(k, v)
	}
	for k, v := range op.Set {
		h.Set(k, v)
	}
	for _, k := range op.Remove {
		h.Del(k)
	}
	if op.HostOverride != "" {
		h.Set("Host", op.HostOverride)
	}
}
