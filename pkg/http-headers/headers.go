// Package headers strips connection-specific header fields from messages
// that are forwarded to the origin or written to a cache store.
package headers

import (
	"net/http"
	"strings"
)

// hopByHop are the fields that only make sense for a single connection.
var hopByHop = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// GetListHeader returns the comma-separated elements of all values of a list header field.
func GetListHeader(header http.Header, field string) []string {
	list := make([]string, 0)
	for _, hdr := range header.Values(field) {
		for _, item := range strings.Split(hdr, ",") {
			if item = strings.TrimSpace(item); item != "" {
				list = append(list, item)
			}
		}
	}
	return list
}

// StorableHeader returns a copy of the header without connection-specific fields.
func StorableHeader(header http.Header) http.Header {
	if header == nil {
		return nil
	}
	h := header.Clone()
	removeHopByHop(h)
	return h
}

// GetForwardRequest clones the request for sending it on to the origin.
// Connection-specific fields are removed from the clone.
func GetForwardRequest(req *http.Request) *http.Request {
	r := req.Clone(req.Context())
	removeHopByHop(r.Header)
	return r
}

func removeHopByHop(h http.Header) {
	// fields named in Connection go first, Connection itself is in the list
	for _, name := range GetListHeader(h, "Connection") {
		h.Del(name)
	}
	for _, name := range hopByHop {
		h.Del(name)
	}
}
