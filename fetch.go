package offlinecache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	cachekey "github.com/always-cache/offline-cache/pkg/cache-key"
	cachestatus "github.com/always-cache/offline-cache/pkg/cache-status"
	fetchdest "github.com/always-cache/offline-cache/pkg/fetch-dest"
	"github.com/always-cache/offline-cache/pkg/metrics"
	serializer "github.com/always-cache/offline-cache/pkg/response-serializer"

	"github.com/rs/zerolog"
)

// OnFetch answers a GET request cache-first.
// A stored response is returned without touching the network. Otherwise the network
// response is stored as-is and returned. If the network fails, a fallback is chosen by
// the request destination; without one, the error wraps ErrOffline.
// Requests with other methods return ErrNotIntercepted.
//
// The returned response carries a Cache-Status header.
func (m *Manager) OnFetch(ctx context.Context, r *http.Request) (*http.Response, error) {
	if r.Method != http.MethodGet {
		return nil, ErrNotIntercepted
	}

	key := cachekey.GetKey(r)
	dest := fetchdest.Of(r)
	log := m.log.With().Str("key", key).Str("dest", string(dest)).Logger()
	var cacheStatus cachestatus.CacheStatus

	if res, ok := m.match(key, r); ok {
		log.Debug().Msg("Cache hit")
		m.metrics.RecordFetch(metrics.ResultHit, string(dest))
		cacheStatus.Hit()
		res.Header.Set("Cache-Status", cacheStatus.String())
		return res, nil
	}

	log.Debug().Msg("Cache miss, fetching from network")
	cacheStatus.Forward(cachestatus.FwdReasonUriMiss)
	start := time.Now()
	res, err := m.network.Fetch(r.WithContext(ctx))
	var bytes []byte
	if err == nil {
		// the body is part of the fetch, a connection dropped while reading it is a network failure
		bytes, err = serializer.ResponseToBytes(res)
	}
	m.metrics.ObserveNetwork(time.Since(start))
	if err != nil {
		return m.fallback(log, r, dest, err)
	}

	if err := m.put(key, bytes); err != nil {
		log.Error().Err(err).Msg("Could not write to cache")
		m.metrics.RecordStoreFail()
	} else {
		log.Trace().Int("status", res.StatusCode).Msg("Cache write")
		cacheStatus.Stored = true
	}
	m.metrics.RecordFetch(metrics.ResultMiss, string(dest))
	res.Header.Set("Cache-Status", cacheStatus.String())
	return res, nil
}

func (m *Manager) put(key string, bytes []byte) error {
	s, err := m.store()
	if err != nil {
		return err
	}
	return s.Put(key, bytes)
}

// fallback chooses the response for a request whose network fetch failed.
func (m *Manager) fallback(log zerolog.Logger, r *http.Request, dest fetchdest.Destination, netErr error) (*http.Response, error) {
	var candidates []string
	switch dest {
	case fetchdest.Document:
		candidates = []string{m.fallbacks.Document}
	case fetchdest.Image:
		candidates = m.fallbacks.Image
	case fetchdest.Style, fetchdest.Script:
		if !m.fallbacks.DisableEmptyText {
			log.Info().Err(netErr).Msg("Offline, serving empty response")
			m.metrics.RecordFetch(metrics.ResultFallback, string(dest))
			return emptyTextResponse(r, dest), nil
		}
	}

	for _, path := range candidates {
		if path == "" {
			continue
		}
		if res, ok := m.match(cachekey.PathKey(path), r); ok {
			log.Info().Err(netErr).Str("fallback", path).Msg("Offline, serving fallback")
			m.metrics.RecordFetch(metrics.ResultFallback, string(dest))
			cs := cachestatus.CacheStatus{Detail: cachestatus.DetailOfflineFallback}
			cs.Forward(cachestatus.FwdReasonUriMiss)
			res.Header.Set("Cache-Status", cs.String())
			return res, nil
		}
	}

	log.Warn().Err(netErr).Msg("Offline and no fallback")
	m.metrics.RecordFetch(metrics.ResultOffline, string(dest))
	return nil, fmt.Errorf("%w: %s: %w", ErrOffline, r.URL.RequestURI(), netErr)
}

func emptyTextResponse(r *http.Request, dest fetchdest.Destination) *http.Response {
	contentType := "text/plain; charset=utf-8"
	switch dest {
	case fetchdest.Style:
		contentType = "text/css; charset=utf-8"
	case fetchdest.Script:
		contentType = "text/javascript; charset=utf-8"
	}
	cs := cachestatus.CacheStatus{Detail: cachestatus.DetailOfflineFallback}
	cs.Forward(cachestatus.FwdReasonUriMiss)
	return &http.Response{
		Status:     "200 OK",
		StatusCode: http.StatusOK,
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header: http.Header{
			"Content-Type":  {contentType},
			"Cache-Status":  {cs.String()},
			"Cache-Control": {"no-store"},
		},
		Body:          io.NopCloser(strings.NewReader("")),
		ContentLength: 0,
		Request:       r,
	}
}

// IsOffline tells whether the error is the result of a failed fetch without a fallback.
func IsOffline(err error) bool {
	return errors.Is(err, ErrOffline)
}
