package middleware

import (
	"encoding/json"
	"strings"

	"github.com/koltyakov/expose/internal/domain"
)

// applyBodyTransform performs a text-replace or JSON field add/remove on
// body, bounded by op.MaxBodySize. Bodies larger than the bound, or bodies
// that fail to parse as JSON for a json_* op, pass through unchanged.
func applyBodyTransform(body []byte, op *domain.BodyTransform) []byte {
	if op == nil || len(body) == 0 {
		return body
	}
	if op.MaxBodySize > 0 && int64(len(body)) > op.MaxBodySize {
		return body
	}

	switch op.Kind {
	case "text_replace":
		return []byte(strings.ReplaceAll(string(body), op.Find, op.Replace))
	case "json_set":
		return setJSONField(body, op.JSONPath, op.JSONValue)
	case "json_remove":
		return removeJSONField(body, op.JSONPath)
	default:
		return body
	}
}

func setJSONField(body []byte, path string, value any) []byte {
	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil {
		return body
	}
	doc[path] = value
	out, err := json.Marshal(doc)
	if err != nil {
		return body
	}
	return out
}

func removeJSONField(body []byte, path string) []byte {
	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil {
		return body
	}
	delete(doc, path)
	out, err := json.Marshal(doc)
	if err != nil {
		return body
	}
	return out
}
