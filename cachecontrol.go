package fetchkit

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// CacheDirectives represents the Cache-Control directives that affect the
// response cache.
type CacheDirectives struct {
	NoStore bool
	NoCache bool
	Private bool
	MaxAge  *time.Duration
}

// parseCacheControl parses a Cache-Control header. Unknown directives are ignored.
func parseCacheControl(header string) CacheDirectives {
	var directives CacheDirectives
	for _, part := range strings.Split(header, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if part == "" {
			continue
		}

		key, value, hasValue := strings.Cut(part, "=")
		key = strings.TrimSpace(key)
		if hasValue {
			value = strings.Trim(strings.TrimSpace(value), "\"")
			if key == "max-age" {
				if seconds, err := strconv.Atoi(value); err == nil && seconds >= 0 {
					maxAge := time.Duration(seconds) * time.Second
					directives.MaxAge = &maxAge
				}
			}
			continue
		}

		switch key {
		case "no-store":
			directives.NoStore = true
		case "no-cache":
			directives.NoCache = true
		case "private":
			directives.Private = true
		}
	}
	return directives
}

// ttlFromHeaders derives a cache lifetime from response headers.
// store is false when the response must not be cached. ok is false when the
// headers say nothing and the caller's default applies.
func ttlFromHeaders(header http.Header, now time.Time) (ttl time.Duration, store, ok bool) {
	if header == nil {
		return 0, true, false
	}
	directives := parseCacheControl(header.Get("Cache-Control"))
	if directives.NoStore || directives.NoCache {
		return 0, false, true
	}
	if directives.MaxAge != nil {
		return *directives.MaxAge, *directives.MaxAge > 0, true
	}
	if expires := header.Get("Expires"); expires != "" {
		t, err := http.ParseTime(expires)
		if err != nil {
			// An invalid Expires means already expired.
			return 0, false, true
		}
		if d := t.Sub(now); d > 0 {
			return d, true, true
		}
		return 0, false, true
	}
	return 0, true, false
}
