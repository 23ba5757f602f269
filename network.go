package offlinecache

import (
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	headers "github.com/always-cache/offline-cache/pkg/http-headers"
	tee "github.com/always-cache/offline-cache/pkg/response-writer-tee"
)

// Network performs the actual fetch for requests the cache cannot answer.
// The request context bounds the fetch.
type Network interface {
	Fetch(r *http.Request) (*http.Response, error)
}

// NetworkFunc adapts a function to the Network interface.
type NetworkFunc func(r *http.Request) (*http.Response, error)

func (f NetworkFunc) Fetch(r *http.Request) (*http.Response, error) {
	return f(r)
}

type OriginConfig struct {
	// URL of the origin server.
	// Origins with paths are not supported.
	OriginURL url.URL
	// Hostname to use for HTTP requests and TLS negotiation.
	// Use if needed if e.g. the origin URL is just an IP address.
	OriginHost string
	// Time limit for a fetch including reading the body. Zero means no limit.
	Timeout time.Duration
	// Transport to use, http.DefaultTransport if nil.
	Transport http.RoundTripper
}

// OriginNetwork fetches from an origin server over HTTP.
type OriginNetwork struct {
	originURL  url.URL
	originHost string
	httpClient http.Client
}

func NewOriginNetwork(config OriginConfig) *OriginNetwork {
	o := &OriginNetwork{
		originURL:  config.OriginURL,
		originHost: config.OriginHost,
		httpClient: http.Client{
			Timeout:   config.Timeout,
			Transport: config.Transport,
			// do not follow redirects
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}

	// use provided hostname for origin if configured
	if o.originHost != "" && o.httpClient.Transport == nil {
		o.httpClient.Transport = &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			TLSClientConfig: &tls.Config{
				ServerName: o.originHost,
			},
		}
	}
	return o
}

// Fetch the resource specified in the incoming request from the origin.
func (o *OriginNetwork) Fetch(r *http.Request) (*http.Response, error) {
	uri := o.originURL.Scheme + "://" + o.originURL.Host + r.URL.RequestURI()
	// need to specifically set body to nil on the outgoing request if content is zero length
	// see https://github.com/golang/go/issues/16036
	body := r.Body
	if r.ContentLength == 0 {
		body = nil
	}
	req, err := http.NewRequestWithContext(r.Context(), r.Method, uri, body)
	if err != nil {
		return nil, fmt.Errorf("create request for %s: %w", uri, err)
	}
	req.ContentLength = r.ContentLength
	req.Header = headers.GetForwardRequest(r).Header
	if o.originHost != "" {
		req.Host = o.originHost
	}
	return o.httpClient.Do(req)
}

// HandlerNetwork fetches by running a local handler, e.g. the app the cache is put in front of.
type HandlerNetwork struct {
	Handler http.Handler
}

// Fetch records the handler response.
// A panic in the handler is returned as an error, like a dropped connection would be.
func (h HandlerNetwork) Fetch(r *http.Request) (res *http.Response, err error) {
	defer func() {
		if p := recover(); p != nil {
			res = nil
			err = fmt.Errorf("handler panic: %v", p)
		}
	}()
	if err := r.Context().Err(); err != nil {
		return nil, err
	}
	rs := tee.NewResponseSaver()
	h.Handler.ServeHTTP(rs, r.Clone(r.Context()))
	return rs.Result(r)
}

// send writes the response to the client.
func send(w http.ResponseWriter, res *http.Response) error {
	if res.Body != nil {
		defer res.Body.Close()
	}
	copyHeader(w.Header(), res.Header)
	w.WriteHeader(res.StatusCode)
	if res.Body == nil {
		return nil
	}
	_, err := io.Copy(w, res.Body)
	return err
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		// this is a workaround to remove default headers sent by an upstream proxy
		// some servers do not like the presence of these headers in the downstream request
		if k != "X-Forwarded-For" && k != "X-Forwarded-Proto" && k != "X-Forwarded-Host" {
			for _, v := range vv {
				dst.Add(k, v)
			}
		}
	}
}
