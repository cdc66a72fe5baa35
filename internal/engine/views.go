package engine

import (
	"sync"

	"github.com/agrisense/telemetry-sync/internal/models"
)

// Views is the memoized query facade over the store's latest map. The
// derived groupings are recomputed only when the store version changes,
// so unchanged state hands back the identical maps and consumers can
// skip re-renders on reference equality. Returned maps and slices are
// shared snapshots; consumers must not mutate them.
type Views struct {
	store *Store

	mu         sync.Mutex
	version    uint64
	fresh      bool
	byType     map[models.SensorType][]models.Reading
	byLocation map[string][]models.Reading
}

func NewViews(store *Store) *Views {
	return &Views{store: store}
}

// refresh recomputes the groupings when the store has moved on.
func (v *Views) refresh() {
	version := v.store.Version()
	if v.fresh && version == v.version {
		return
	}

	latest := v.store.Latest()
	byType := make(map[models.SensorType][]models.Reading)
	byLocation := make(map[string][]models.Reading)
	for _, r := range latest {
		byType[r.Type] = append(byType[r.Type], r)
		byLocation[r.LocationID] = append(byLocation[r.LocationID], r)
	}

	v.version = version
	v.fresh = true
	v.byType = byType
	v.byLocation = byLocation
}

// ByType returns the latest readings grouped by sensor type.
func (v *Views) ByType() map[models.SensorType][]models.Reading {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.refresh()
	return v.byType
}

// ByLocation returns the latest readings grouped by location id.
func (v *Views) ByLocation() map[string][]models.Reading {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.refresh()
	return v.byLocation
}

// OfType returns the latest readings for one sensor type.
func (v *Views) OfType(t models.SensorType) []models.Reading {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.refresh()
	return v.byType[t]
}

// AtLocation returns the latest readings for one location.
func (v *Views) AtLocation(locationID string) []models.Reading {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.refresh()
	return v.byLocation[locationID]
}
