package wire

import (
	"net/http"
	"strings"

	"github.com/clusterui/realtime/pkg/constants"
)

// Verb is an HTTP method the gateway is willing to forward.
type Verb string

const (
	Get    Verb = http.MethodGet
	Put    Verb = http.MethodPut
	Post   Verb = http.MethodPost
	Delete Verb = http.MethodDelete
	Patch  Verb = http.MethodPatch
)

// Verbs lists every supported verb.
var Verbs = []Verb{Get, Put, Post, Delete, Patch}

// ParseVerb accepts any casing ("get", "GET") and fails with a
// *ValidationError for anything outside Verbs.
func ParseVerb(method string) (Verb, error) {
	v := Verb(strings.ToUpper(strings.TrimSpace(method)))
	for _, known := range Verbs {
		if v == known {
			return v, nil
		}
	}
	return "", &ValidationError{Field: "method", Reason: "unsupported verb " + quote(method)}
}

// Idempotent reports whether repeating the verb is safe.
func (v Verb) Idempotent() bool {
	switch v {
	case Get, Put, Delete:
		return true
	}
	return false
}

// Lower is the wire spelling.
func (v Verb) Lower() string {
	return strings.ToLower(string(v))
}

// StripAPIPrefix removes one leading "/api" segment. "/apis" is left alone.
func StripAPIPrefix(path string) string {
	if path == constants.APIPrefix {
		return "/"
	}
	if strings.HasPrefix(path, constants.APIPrefix+"/") {
		return path[len(constants.APIPrefix):]
	}
	return path
}

func quote(s string) string {
	if s == "" {
		return `""`
	}
	return `"` + s + `"`
}
