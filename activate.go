package offlinecache

import (
	"context"
	"errors"
	"fmt"

	"github.com/always-cache/offline-cache/pkg/metrics"
)

// OnActivate deletes every cache generation other than the manager's own.
// A failed deletion does not stop the others; all failures are returned joined.
func (m *Manager) OnActivate(ctx context.Context) (err error) {
	defer func() {
		m.metrics.RecordLifecycle(metrics.PhaseActivate, err)
	}()

	m.log.Info().Msg("Activating and deleting old caches")
	names, err := m.storage.Keys()
	if err != nil {
		return fmt.Errorf("list caches: %w", err)
	}

	var errs []error
	for _, name := range names {
		if name == m.generation {
			continue
		}
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		m.log.Info().Str("stale", name).Msg("Deleting old cache")
		if _, err := m.storage.Delete(name); err != nil {
			m.log.Error().Err(err).Str("stale", name).Msg("Could not delete old cache")
			errs = append(errs, fmt.Errorf("delete cache %s: %w", name, err))
			continue
		}
		m.metrics.RecordDeletedStore()
	}
	return errors.Join(errs...)
}
