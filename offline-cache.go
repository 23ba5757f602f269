package offlinecache

import (
	"errors"
	"net/http"
	"sync"

	"github.com/always-cache/offline-cache/cache"
	"github.com/always-cache/offline-cache/pkg/metrics"
	serializer "github.com/always-cache/offline-cache/pkg/response-serializer"

	"github.com/rs/zerolog"
)

var (
	// ErrInstallFailed is returned when the asset manifest could not be stored completely.
	ErrInstallFailed = errors.New("install failed")
	// ErrOffline is returned when the network failed and no fallback applies.
	ErrOffline = errors.New("offline and no fallback")
	// ErrNotIntercepted is returned for requests that must go to the network untouched.
	ErrNotIntercepted = errors.New("request not intercepted")
	// ErrBadStatus is returned when an asset responds with a non-2xx status at install time.
	ErrBadStatus = errors.New("bad response status")
)

// Fallbacks configures what is served for failed network fetches.
type Fallbacks struct {
	// Path of the main HTML entry, served for documents.
	Document string `yaml:"document"`
	// Paths tried in order for images, e.g. a dedicated offline placeholder followed by an icon.
	Image []string `yaml:"image"`
	// Do not answer failed style and script fetches with an empty response.
	DisableEmptyText bool `yaml:"disableEmptyText"`
}

type Config struct {
	// Name of the cache generation. Change it whenever the asset list changes.
	Generation string
	// Paths that are stored on install. All of them must be fetchable.
	Assets []string
	// Fallbacks for failed network fetches. Fallback paths should be listed in Assets.
	Fallbacks Fallbacks
	// Storage for cache generations.
	Storage cache.Storage
	// Network used for fetching assets and cache misses.
	Network Network
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
	// Metrics to record to. Optional.
	Metrics *metrics.Metrics
}

// Manager implements the offline-first caching policy for one cache generation.
// It is a Worker that is driven by a Host.
type Manager struct {
	generation string
	assets     []string
	fallbacks  Fallbacks
	storage    cache.Storage
	network    Network
	log        zerolog.Logger
	metrics    *metrics.Metrics

	mutex  sync.Mutex
	handle cache.Store
}

// New creates a manager for the configured generation.
// Nothing is fetched or stored before OnInstall is called.
func New(config Config) (*Manager, error) {
	if config.Generation == "" {
		return nil, errors.New("generation must not be empty")
	}
	if config.Storage == nil {
		return nil, errors.New("storage must be set")
	}
	if config.Network == nil {
		return nil, errors.New("network must be set")
	}

	// use console logger if not specified in config
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}

	// create a child logger and add defaults
	logger = logger.With().
		Str("generation", config.Generation).
		Logger()

	assets := make([]string, len(config.Assets))
	copy(assets, config.Assets)

	return &Manager{
		generation: config.Generation,
		assets:     assets,
		fallbacks:  config.Fallbacks,
		storage:    config.Storage,
		network:    config.Network,
		log:        logger,
		metrics:    config.Metrics,
	}, nil
}

// Generation returns the name of the cache generation of the manager.
func (m *Manager) Generation() string {
	return m.generation
}

// store returns the store of the generation, opening it on first use.
func (m *Manager) store() (cache.Store, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.handle != nil {
		return m.handle, nil
	}
	s, err := m.storage.Open(m.generation)
	if err != nil {
		return nil, err
	}
	m.handle = s
	return s, nil
}

// match returns the stored response for the key.
// Entries that cannot be read are removed, so they are fetched again.
func (m *Manager) match(key string, r *http.Request) (*http.Response, bool) {
	s, err := m.store()
	if err != nil {
		m.log.Error().Err(err).Msg("Could not open cache")
		return nil, false
	}
	bytes, ok, err := s.Match(key)
	if errors.Is(err, cache.ErrStoreNotFound) {
		m.log.Warn().Str("key", key).Msg("Cache was deleted")
		return nil, false
	} else if err != nil {
		m.log.Error().Err(err).Str("key", key).Msg("Could not read from cache")
		return nil, false
	} else if !ok {
		return nil, false
	}
	res, err := serializer.BytesToResponse(bytes, r)
	if err != nil {
		// in case we have a corrupted cache entry, we delete it and go to the network
		m.log.Error().Err(err).Str("key", key).Msg("Could not parse cached response")
		s.Delete(key)
		return nil, false
	}
	return res, true
}
