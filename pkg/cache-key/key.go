package cachekey

import (
	"errors"
	"net/http"
	"net/url"
	"strings"
)

// ErrorMethodNotSupported is returned for keys of requests that are never stored.
var ErrorMethodNotSupported = errors.New("method not supported")

// ErrorMalformedKey is returned when a key cannot be split into method and URI.
var ErrorMalformedKey = errors.New("malformed key")

const methodSeparator = ":"

// GetKey returns the identity of a request in a cache store.
// Two requests with the same method and request URI (path and query) share a key.
// Headers do not take part in the key, i.e. Vary is not honored.
func GetKey(r *http.Request) string {
	return r.Method + methodSeparator + r.URL.RequestURI()
}

// PathKey returns the key of a GET request for the given path (with optional query).
// It is used for manifest assets and fallback entries, which are configured as paths.
// The path is escaped the way it arrives in requests, e.g. a space becomes %20.
func PathKey(path string) string {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	if u, err := url.Parse(path); err == nil {
		path = u.RequestURI()
	}
	return http.MethodGet + methodSeparator + path
}

// GetRequestFromKey generates a request that results in the provided key.
// Only GET keys can be turned back into requests.
func GetRequestFromKey(key string) (*http.Request, error) {
	method, uri, found := strings.Cut(key, methodSeparator)
	if !found || uri == "" {
		return nil, ErrorMalformedKey
	}
	if method != http.MethodGet {
		return nil, ErrorMethodNotSupported
	}
	return http.NewRequest(method, uri, nil)
}
