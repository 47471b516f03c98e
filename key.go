package fetchkit

import (
	"net/url"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// RequestKey identifies a logical fetch: an endpoint plus normalized
// parameters. Two keys built from the same parameters in any order are equal.
// RequestKey is comparable and may be used as a map key.
type RequestKey struct {
	endpoint string
	query    string
}

// NewRequestKey builds a key from an endpoint path and optional parameters.
// Leading and trailing slashes on the endpoint are ignored.
func NewRequestKey(endpoint string, params url.Values) RequestKey {
	return RequestKey{
		endpoint: strings.Trim(endpoint, "/"),
		query:    normalizeParams(params),
	}
}

// KeyOf is a shorthand for keys built from alternating name/value pairs.
// A trailing name without a value is ignored.
func KeyOf(endpoint string, pairs ...string) RequestKey {
	params := url.Values{}
	for i := 0; i+1 < len(pairs); i += 2 {
		params.Add(pairs[i], pairs[i+1])
	}
	return NewRequestKey(endpoint, params)
}

func normalizeParams(params url.Values) string {
	if len(params) == 0 {
		return ""
	}
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		values := append([]string(nil), params[name]...)
		sort.Strings(values)
		for _, v := range values {
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(name))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(v))
		}
	}
	return b.String()
}

// Endpoint returns the normalized endpoint path.
func (k RequestKey) Endpoint() string {
	return k.endpoint
}

// Params returns a fresh copy of the key's parameters.
func (k RequestKey) Params() url.Values {
	if k.query == "" {
		return url.Values{}
	}
	values, err := url.ParseQuery(k.query)
	if err != nil {
		return url.Values{}
	}
	return values
}

// IsZero reports whether the key was never initialised.
func (k RequestKey) IsZero() bool {
	return k.endpoint == "" && k.query == ""
}

// String returns the canonical form, e.g. "products?limit=5&sort=desc".
func (k RequestKey) String() string {
	if k.query == "" {
		return k.endpoint
	}
	return k.endpoint + "?" + k.query
}

// Hash returns a 64-bit hash of the canonical form.
func (k RequestKey) Hash() uint64 {
	return xxhash.Sum64String(k.String())
}

// Request builds the GET request the key describes.
func (k RequestKey) Request() *Request {
	return &Request{
		Method: "GET",
		Path:   k.endpoint,
		Query:  k.Params(),
	}
}
