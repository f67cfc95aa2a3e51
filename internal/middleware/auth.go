package middleware

import (
	"encoding/base64"
	"net/http"

	"github.com/koltyakov/expose/internal/domain"
)

// applyAuthInjection adds one of Bearer, Basic, API-key-header, or custom
// header credentials to the outbound request before it reaches the proxy.
func applyAuthInjection(h http.Header, inj *domain.AuthInjection) {
	if inj == nil || h == nil {
		return
	}
	switch inj.Kind {
	case "bearer":
		h.Set("Authorization", "Bearer "+inj.Value)
	case "basic":
		cred := base64.StdEncoding.EncodeToString([]byte(inj.BasicUser + ":" + inj.BasicPass))
		h.Set("Authorization", "Basic "+cred)
	case "api_key_header":
		name := inj.HeaderName
		if name == "" {
			name = "X-API-Key"
		}
		h.Set(name, inj.Value)
	case "custom_header":
		if inj.HeaderName != "" {
			h.Set(inj.HeaderName, inj.Value)
		}
	}
}
