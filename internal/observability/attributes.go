// Package observability provides metrics and instrumentation utilities.
package observability

import (
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys
const (
	attrMethod  = "method"
	attrPath    = "path"
	attrStatus  = "status"
	attrPreset  = "preset"
	attrSuccess = "success"
	attrState   = "state"
)

func methodAttr(method string) attribute.KeyValue {
	return attribute.String(attrMethod, method)
}

func pathAttr(path string) attribute.KeyValue {
	return attribute.String(attrPath, normalizePath(path))
}

func statusAttr(code int) attribute.KeyValue {
	// Group status codes to reduce cardinality
	// 200-299 -> 2xx, 400-499 -> 4xx, 500-599 -> 5xx
	group := fmt.Sprintf("%dxx", code/100)
	return attribute.String(attrStatus, group)
}

func presetAttr(preset string) attribute.KeyValue {
	return attribute.String(attrPreset, preset)
}

func successAttr(success bool) attribute.KeyValue {
	return attribute.Bool(attrSuccess, success)
}

func stateAttr(state string) attribute.KeyValue {
	return attribute.String(attrState, state)
}

// normalizePath replaces dynamic path segments with placeholders so metric
// cardinality stays bounded.
// /v1/jobs/abc123/images/output/p1.jpg -> /v1/jobs/{jobId}/images
func normalizePath(path string) string {
	const prefix = "/v1/jobs/"
	if !strings.HasPrefix(path, prefix) || len(path) == len(prefix) {
		return path
	}

	rest := path[len(prefix):]
	if idx := strings.IndexByte(rest, '/'); idx >= 0 {
		suffix := rest[idx+1:]
		if op := strings.SplitN(suffix, "/", 2)[0]; op != "" {
			return prefix + "{jobId}/" + op
		}
	}
	return prefix + "{jobId}"
}
