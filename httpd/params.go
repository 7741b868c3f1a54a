package httpd

import (
	"net/url"
	"strings"
)

// Params holds decoded query parameters. A key that appears more than once
// keeps every value in arrival order.
type Params map[string][]string

// ParseQuery decodes a URL-encoded query string. Empty pairs are skipped;
// a pair without "=" maps to the empty string. Pieces that fail to decode
// are kept verbatim.
func ParseQuery(query string) Params {
	params := make(Params)
	for _, pair := range strings.Split(query, "&") {
		if pair == "" {
			continue
		}
		name, value, _ := strings.Cut(pair, "=")
		params.Add(unescape(name), unescape(value))
	}
	return params
}

func unescape(s string) string {
	if u, err := url.QueryUnescape(s); err == nil {
		return u
	}
	return s
}

// Add appends value to key.
func (p Params) Add(key, value string) {
	p[key] = append(p[key], value)
}

// Get returns the first value for key, or "".
func (p Params) Get(key string) string {
	if vs := p[key]; len(vs) > 0 {
		return vs[0]
	}
	return ""
}

// Values returns every value for key.
func (p Params) Values(key string) []string {
	return p[key]
}

// Has reports whether key was present.
func (p Params) Has(key string) bool {
	_, ok := p[key]
	return ok
}

// Headers maps header names, as sent, to values. A repeated header keeps the
// last value.
type Headers map[string]string

// Lookup returns the value of name. An exact match wins; otherwise names are
// compared case-insensitively.
func (h Headers) Lookup(name string) (string, bool) {
	if v, ok := h[name]; ok {
		return v, true
	}
	for k, v := range h {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return "", false
}

// Get returns the value of name, or "".
func (h Headers) Get(name string) string {
	v, _ := h.Lookup(name)
	return v
}
