package offlinecache

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/always-cache/offline-cache/cache"
	cachekey "github.com/always-cache/offline-cache/pkg/cache-key"
	"github.com/always-cache/offline-cache/pkg/metrics"
	serializer "github.com/always-cache/offline-cache/pkg/response-serializer"

	"golang.org/x/sync/errgroup"
)

// OnInstall opens the store of the generation and fills it with the asset manifest.
// Either every asset is stored or none is: the first failing asset cancels the remaining
// fetches and the install returns an error wrapping ErrInstallFailed.
func (m *Manager) OnInstall(ctx context.Context) (err error) {
	defer func() {
		m.metrics.RecordLifecycle(metrics.PhaseInstall, err)
	}()

	m.log.Info().Int("assets", len(m.assets)).Msg("Installing")
	s, err := m.store()
	if err != nil {
		return fmt.Errorf("%w: open cache: %w", ErrInstallFailed, err)
	}
	m.log.Debug().Msg("Cache opened")

	entries, err := m.fetchAssets(ctx)
	if err != nil {
		m.log.Error().Err(err).Msg("Could not fetch assets")
		return fmt.Errorf("%w: %w", ErrInstallFailed, err)
	}
	if err := s.PutAll(entries); err != nil {
		m.log.Error().Err(err).Msg("Could not store assets")
		return fmt.Errorf("%w: store assets: %w", ErrInstallFailed, err)
	}

	m.log.Info().Int("assets", len(entries)).Msg("Installed")
	return nil
}

// fetchAssets fetches all assets concurrently.
func (m *Manager) fetchAssets(ctx context.Context) ([]cache.Entry, error) {
	entries := make([]cache.Entry, len(m.assets))
	g, ctx := errgroup.WithContext(ctx)
	for i, asset := range m.assets {
		i, asset := i, asset
		g.Go(func() error {
			key := cachekey.PathKey(asset)
			bytes, err := m.fetchAsset(ctx, key)
			if err != nil {
				return fmt.Errorf("asset %s: %w", asset, err)
			}
			entries[i] = cache.Entry{Key: key, Bytes: bytes}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return entries, nil
}

// maxAssetRedirects bounds redirect chains followed for a single asset.
const maxAssetRedirects = 10

// fetchAsset fetches the asset, following redirects within the origin like addAll does.
// The final response is stored under the key of the asset. A redirect to another origin
// cannot be fetched through the network and is stored as-is for the client to follow.
func (m *Manager) fetchAsset(ctx context.Context, key string) ([]byte, error) {
	req, err := cachekey.GetRequestFromKey(key)
	if err != nil {
		return nil, err
	}
	for redirects := 0; ; redirects++ {
		m.log.Trace().Str("key", key).Str("uri", req.URL.RequestURI()).Msg("Fetching asset")
		res, err := m.network.Fetch(req.WithContext(ctx))
		if err != nil {
			return nil, err
		}
		location, follow := sameOriginRedirect(req, res)
		if !follow {
			return assetBytes(res)
		}
		if res.Body != nil {
			res.Body.Close()
		}
		if redirects == maxAssetRedirects {
			return nil, fmt.Errorf("%w: stopped after %d redirects", ErrBadStatus, maxAssetRedirects)
		}
		m.log.Debug().Str("key", key).Str("location", location.RequestURI()).Msg("Following redirect")
		if req, err = http.NewRequest(http.MethodGet, location.RequestURI(), nil); err != nil {
			return nil, err
		}
	}
}

// assetBytes serializes a response that may be stored as an asset.
func assetBytes(res *http.Response) ([]byte, error) {
	if res.Body != nil {
		defer res.Body.Close()
	}
	ok := res.StatusCode >= 200 && res.StatusCode <= 299
	if isRedirect(res.StatusCode) && res.Header.Get("Location") != "" {
		ok = true
	}
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrBadStatus, res.StatusCode)
	}
	return serializer.ResponseToBytes(res)
}

// sameOriginRedirect returns the target of a redirect that stays on the origin.
func sameOriginRedirect(req *http.Request, res *http.Response) (*url.URL, bool) {
	if !isRedirect(res.StatusCode) {
		return nil, false
	}
	header := res.Header.Get("Location")
	if header == "" {
		return nil, false
	}
	location, err := req.URL.Parse(header)
	if err != nil || location.Host != "" {
		return nil, false
	}
	return location, true
}

func isRedirect(statusCode int) bool {
	switch statusCode {
	case http.StatusMovedPermanently,
		http.StatusFound,
		http.StatusSeeOther,
		http.StatusTemporaryRedirect,
		http.StatusPermanentRedirect:
		return true
	}
	return false
}

// Installed tells whether the store of the generation already holds every asset,
// e.g. from a run before a restart. The store is not created if it does not exist.
func (m *Manager) Installed() (bool, error) {
	exists, err := m.storage.Has(m.generation)
	if err != nil || !exists {
		return false, err
	}
	s, err := m.store()
	if err != nil {
		return false, err
	}
	for _, asset := range m.assets {
		if _, ok, err := s.Match(cachekey.PathKey(asset)); err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}
