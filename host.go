package offlinecache

import (
	"context"
	"errors"
	"net/http"
	"sync"

	cachestatus "github.com/always-cache/offline-cache/pkg/cache-status"
	"github.com/always-cache/offline-cache/pkg/metrics"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
)

// Worker is the set of lifecycle hooks a Host drives.
type Worker interface {
	// Generation names the cache generation the worker serves.
	Generation() string
	// OnInstall prepares the generation. The worker is discarded if it fails.
	OnInstall(ctx context.Context) error
	// OnActivate cleans up after previous generations.
	OnActivate(ctx context.Context) error
	// OnFetch answers a request, or returns ErrNotIntercepted to let it through.
	OnFetch(ctx context.Context, r *http.Request) (*http.Response, error)
}

type HostConfig struct {
	// Network for requests that are not intercepted.
	Network Network
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
	// Metrics to record to. Optional.
	Metrics *metrics.Metrics
}

// Host runs workers the way a browser runs service workers: a registered worker is
// installed, then activated right away (no waiting for clients to go away), and from
// then on it answers every request (it claims all clients).
type Host struct {
	network Network
	log     zerolog.Logger
	metrics *metrics.Metrics

	// serializes registrations
	registerMutex sync.Mutex

	mutex  sync.RWMutex
	active Worker
}

func NewHost(config HostConfig) *Host {
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}
	return &Host{
		network: config.Network,
		log:     logger,
		metrics: config.Metrics,
	}
}

// Register installs the worker and, if that succeeds, makes it the active worker and
// activates it. If install fails, the previously active worker stays in place.
// An activation error is returned, but the worker remains active.
func (h *Host) Register(ctx context.Context, w Worker) error {
	h.registerMutex.Lock()
	defer h.registerMutex.Unlock()

	log := h.log.With().Str("generation", w.Generation()).Logger()
	previous := h.Generation()

	if err := w.OnInstall(ctx); err != nil {
		log.Error().Err(err).Str("active", previous).Msg("Install failed, keeping active generation")
		return err
	}

	return h.activate(ctx, log, w, previous)
}

// Resume makes an already installed worker active without installing it again,
// e.g. a generation stored before a restart while the network is unavailable.
func (h *Host) Resume(ctx context.Context, w Worker) error {
	h.registerMutex.Lock()
	defer h.registerMutex.Unlock()

	log := h.log.With().Str("generation", w.Generation()).Logger()
	log.Info().Msg("Resuming installed generation")
	return h.activate(ctx, log, w, h.Generation())
}

// activate swaps in the worker and runs its activation. Callers hold registerMutex.
func (h *Host) activate(ctx context.Context, log zerolog.Logger, w Worker, previous string) error {
	// skip waiting and claim clients: the old worker stops answering from here on
	h.mutex.Lock()
	h.active = w
	h.mutex.Unlock()
	h.metrics.SetActiveGeneration(w.Generation())

	if err := w.OnActivate(ctx); err != nil {
		log.Warn().Err(err).Msg("Activation did not complete, old caches may remain")
		return err
	}
	log.Info().Str("previous", previous).Msg("Generation active")
	return nil
}

// Active returns the active worker, or nil if none was registered successfully.
func (h *Host) Active() Worker {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.active
}

// Generation returns the generation of the active worker, or an empty string.
func (h *Host) Generation() string {
	if w := h.Active(); w != nil {
		return w.Generation()
	}
	return ""
}

// ServeHTTP implements the http.Handler interface.
func (h *Host) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger := h.getLogger(r)

	worker := h.Active()
	if worker == nil {
		h.passthrough(w, r, cachestatus.FwdReasonBypass)
		return
	}

	res, err := worker.OnFetch(r.Context(), r)
	switch {
	case errors.Is(err, ErrNotIntercepted):
		h.passthrough(w, r, cachestatus.FwdReasonMethod)
		return
	case errors.Is(err, ErrOffline):
		cs := cachestatus.CacheStatus{Detail: cachestatus.DetailOffline}
		cs.Forward(cachestatus.FwdReasonUriMiss)
		w.Header().Set("Cache-Status", cs.String())
		http.Error(w, "Offline", http.StatusServiceUnavailable)
		return
	case err != nil:
		logger.Error().Err(err).Msg("Could not fetch")
		http.Error(w, "Could not get response", http.StatusInternalServerError)
		return
	}

	if err := send(w, res); err != nil {
		logger.Error().Err(err).Msg("Could not write response body to client")
	}
}

// passthrough sends the request to the network without involving the cache.
func (h *Host) passthrough(w http.ResponseWriter, r *http.Request, reason cachestatus.FwdReason) {
	logger := h.getLogger(r)
	logger.Trace().Str("reason", string(reason)).Msg("Passing through")
	h.metrics.RecordFetch(metrics.ResultPassthrough, "")

	cs := cachestatus.CacheStatus{}
	cs.Forward(reason)
	w.Header().Set("Cache-Status", cs.String())

	if h.network == nil {
		http.Error(w, "No network", http.StatusBadGateway)
		return
	}
	res, err := h.network.Fetch(r)
	if err != nil {
		logger.Error().Err(err).Msg("Could not fetch response from network")
		http.Error(w, "Could not get response", http.StatusBadGateway)
		return
	}
	if err := send(w, res); err != nil {
		logger.Error().Err(err).Msg("Could not write response body to client")
	}
}

// getLogger returns the logger from the request context.
// If no logger is found, it will return the host logger.
func (h *Host) getLogger(r *http.Request) *zerolog.Logger {
	logger := hlog.FromRequest(r)
	if logger.GetLevel() == zerolog.Disabled {
		logger = &h.log
	}
	return logger
}
