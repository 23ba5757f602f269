package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	offlinecache "github.com/always-cache/offline-cache"
	"github.com/always-cache/offline-cache/cache"
	"github.com/always-cache/offline-cache/pkg/metrics"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
)

// server wires the host to storage, network and the admin endpoints.
type server struct {
	// admin endpoints and metrics take these paths away from the app
	adminPrefix string
	metricsPath string
	// reload returns the current config for a new generation
	reload  func() (Config, error)
	storage cache.Storage
	network offlinecache.Network
	host    *offlinecache.Host
	metrics *metrics.Metrics
	log     zerolog.Logger
}

func newServer(config Config, reload func() (Config, error), storage cache.Storage, network offlinecache.Network, logger zerolog.Logger) *server {
	m := metrics.NewMetrics()
	return &server{
		adminPrefix: config.AdminPrefix,
		metricsPath: config.MetricsPath,
		reload:      reload,
		storage:     storage,
		network:     network,
		metrics:     m,
		log:         logger,
		host: offlinecache.NewHost(offlinecache.HostConfig{
			Network: network,
			Logger:  &logger,
			Metrics: m,
		}),
	}
}

// install reads the config and registers a manager for its generation.
func (s *server) install(ctx context.Context) (string, error) {
	config, err := s.reload()
	if err != nil {
		return "", err
	}
	manager, err := offlinecache.New(offlinecache.Config{
		Generation: config.Generation,
		Assets:     config.Assets,
		Fallbacks:  config.Fallbacks,
		Storage:    s.storage,
		Network:    s.network,
		Logger:     &s.log,
		Metrics:    s.metrics,
	})
	if err != nil {
		return "", err
	}
	err = s.host.Register(ctx, manager)
	if errors.Is(err, offlinecache.ErrInstallFailed) && s.host.Generation() != manager.Generation() {
		// the generation may be complete on disk from an earlier run
		if installed, ierr := manager.Installed(); ierr != nil {
			s.log.Error().Err(ierr).Msg("Could not check stored generation")
		} else if installed {
			s.log.Warn().Err(err).Str("generation", manager.Generation()).Msg("Install failed, serving stored generation")
			return manager.Generation(), s.host.Resume(ctx, manager)
		}
	}
	return manager.Generation(), err
}

func (s *server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(hlog.NewHandler(s.log))
	r.Use(hlog.RequestIDHandler("req_id", "Request-Id"))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Debug().
			Str("method", r.Method).
			Stringer("url", r.URL).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("Request")
	}))

	if s.adminPrefix != "" {
		r.Route(s.adminPrefix, func(r chi.Router) {
			r.Get("/status", s.handleStatus)
			r.Post("/install", s.handleInstall)
		})
	}
	if s.metricsPath != "" {
		r.Method(http.MethodGet, s.metricsPath, s.metrics.Handler())
	}
	// everything else belongs to the app
	r.Handle("/*", s.host)
	return r
}

type status struct {
	Active string `json:"active"`
	// entries in the active generation
	Entries int      `json:"entries"`
	Stores  []string `json:"stores"`
}

func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	logger := hlog.FromRequest(r)
	names, err := s.storage.Keys()
	if err != nil {
		logger.Error().Err(err).Msg("Could not list caches")
		http.Error(w, "Could not list caches", http.StatusInternalServerError)
		return
	}
	st := status{Active: s.host.Generation(), Stores: names}
	// opening would create the store if it was just deleted
	if exists, _ := s.storage.Has(st.Active); st.Active != "" && exists {
		if store, err := s.storage.Open(st.Active); err == nil {
			keys, err := store.Keys()
			if err != nil {
				logger.Warn().Err(err).Msg("Could not count entries")
			}
			st.Entries = len(keys)
		}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(st)
}

func (s *server) handleInstall(w http.ResponseWriter, r *http.Request) {
	generation, err := s.install(r.Context())
	switch {
	case errors.Is(err, offlinecache.ErrInstallFailed):
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	case generation == "" && err != nil:
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case err != nil:
		// activated, but old generations could not all be removed
		hlog.FromRequest(r).Warn().Err(err).Msg("Activation incomplete")
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"active": s.host.Generation()})
}
