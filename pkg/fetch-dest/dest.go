// Package fetchdest determines what kind of resource a request is expected to produce.
//
// Browsers announce it in the Sec-Fetch-Dest header. For clients that do not,
// the destination is derived from Sec-Fetch-Mode, the Accept header and finally
// the file extension of the path.
package fetchdest

import (
	"mime"
	"net/http"
	"path"
	"strings"
)

type Destination string

const (
	Document Destination = "document"
	Image    Destination = "image"
	Style    Destination = "style"
	Script   Destination = "script"
	// Other covers every destination without an offline fallback (fetch, font, manifest, ...).
	Other Destination = ""
)

// Of returns the destination of the request.
func Of(r *http.Request) Destination {
	if dest := r.Header.Get("Sec-Fetch-Dest"); dest != "" {
		return fromFetchDest(dest)
	}
	if r.Header.Get("Sec-Fetch-Mode") == "navigate" {
		return Document
	}
	if dest := fromAccept(r.Header.Get("Accept")); dest != Other {
		return dest
	}
	return fromExtension(r.URL.Path)
}

func fromFetchDest(dest string) Destination {
	switch strings.ToLower(dest) {
	case "document", "iframe", "frame":
		return Document
	case "image":
		return Image
	case "style":
		return Style
	case "script", "worker", "sharedworker", "serviceworker":
		return Script
	}
	return Other
}

// fromAccept looks only at the first media range, which is what browsers put
// first for the resource type they are loading.
func fromAccept(accept string) Destination {
	if accept == "" {
		return Other
	}
	first := strings.TrimSpace(strings.Split(accept, ",")[0])
	mediaType, _, err := mime.ParseMediaType(first)
	if err != nil {
		return Other
	}
	return fromMediaType(mediaType)
}

func fromExtension(p string) Destination {
	ext := path.Ext(p)
	if ext == "" {
		return Other
	}
	if ext == ".html" || ext == ".htm" {
		return Document
	}
	mediaType, _, err := mime.ParseMediaType(mime.TypeByExtension(ext))
	if err != nil {
		return Other
	}
	return fromMediaType(mediaType)
}

func fromMediaType(mediaType string) Destination {
	switch {
	case mediaType == "text/html" || mediaType == "application/xhtml+xml":
		return Document
	case strings.HasPrefix(mediaType, "image/"):
		return Image
	case mediaType == "text/css":
		return Style
	case mediaType == "text/javascript" || mediaType == "application/javascript":
		return Script
	}
	return Other
}
