package serializer

import (
	"bufio"
	"bytes"
	"io"
	"net/http"

	headers "github.com/always-cache/offline-cache/pkg/http-headers"
)

// ResponseToBytes returns the HTTP/1.1 representation of the response, suitable for storing.
// The response body is read completely and set back, so the response can still be sent.
// Status code and body are kept as-is; only connection-specific header fields are dropped.
func ResponseToBytes(res *http.Response) ([]byte, error) {
	body, err := ReadBody(res)
	if err != nil {
		return nil, err
	}
	stored := &http.Response{
		Status:        res.Status,
		StatusCode:    res.StatusCode,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        headers.StorableHeader(res.Header),
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
	}
	if stored.Header == nil {
		stored.Header = http.Header{}
	}
	buf := &bytes.Buffer{}
	if err := stored.Write(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BytesToResponse converts stored bytes back to a http.Response.
// The request, if given, is set as the request of the response.
func BytesToResponse(b []byte, req *http.Request) (*http.Response, error) {
	return http.ReadResponse(bufio.NewReader(bytes.NewReader(b)), req)
}

// ReadBody reads the whole response body and replaces it with an in-memory copy.
func ReadBody(res *http.Response) ([]byte, error) {
	if res.Body == nil || res.Body == http.NoBody {
		return []byte{}, nil
	}
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, err
	}
	res.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}
