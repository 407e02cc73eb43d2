package sandbox

import (
	"sort"
	"strings"
)

const redactedPlaceholder = "[REDACTED]"

// redactor replaces every occurrence of a fixed set of secret strings with
// [REDACTED], in log lines and in the deep-walked result value, before
// either leaves the sandbox boundary.
type redactor struct {
	secrets []string // sorted longest-first so a secret that is a substring
	// of another never partially shadows the longer match
}

func newRedactor(secrets []string) *redactor {
	unique := dedupe(secrets)
	sort.Slice(unique, func(i, j int) bool { return len(unique[i]) > len(unique[j]) })
	return &redactor{secrets: unique}
}

func (r *redactor) String(s string) string {
	if len(r.secrets) == 0 {
		return s
	}
	for _, secret := range r.secrets {
		if secret == "" {
			continue
		}
		s = strings.ReplaceAll(s, secret, redactedPlaceholder)
	}
	return s
}

func (r *redactor) Lines(lines []string) []string {
	if len(r.secrets) == 0 {
		return lines
	}
	out := make([]string, len(lines))
	for i, l := range lines {
		out[i] = r.String(l)
	}
	return out
}

// Value walks a decoded JSON-like value (map[string]interface{}, []interface{},
// string, or scalar) and redacts every string leaf it finds.
func (r *redactor) Value(v interface{}) interface{} {
	if len(r.secrets) == 0 {
		return v
	}
	switch t := v.(type) {
	case string:
		return r.String(t)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[k] = r.Value(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = r.Value(val)
		}
		return out
	default:
		return v
	}
}

// collectSecrets gathers every string reachable from credentials, auth, and
// caller-supplied secrets, deduping along the way.
func collectSecrets(credentials, auth map[string]interface{}, callerSecrets []string) []string {
	var out []string
	out = append(out, flattenStrings(credentials)...)
	out = append(out, flattenStrings(auth)...)
	out = append(out, callerSecrets...)
	return dedupe(out)
}

func flattenStrings(v interface{}) []string {
	var out []string
	switch t := v.(type) {
	case string:
		if t != "" {
			out = append(out, t)
		}
	case map[string]interface{}:
		for _, val := range t {
			out = append(out, flattenStrings(val)...)
		}
	case []interface{}:
		for _, val := range t {
			out = append(out, flattenStrings(val)...)
		}
	}
	return out
}
