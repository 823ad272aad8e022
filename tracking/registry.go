// Package tracking the live collector view: subscription reconciliation, marker registry
// and marker animation
package tracking

import (
	"sort"

	"github.com/alwitt/gtrack/geo"
	"github.com/alwitt/gtrack/mapview"
	"github.com/dhconnelly/rtreego"
)

const (
	// indexTolerance half width in degrees of a marker's box in the viewport index
	indexTolerance = 1e-9
	indexMinChildren = 2
	indexMaxChildren = 8
)

// MarkerState one collector's marker as known to a view
type MarkerState struct {
	EntityID string
	Handle   mapview.MarkerHandle
	Title    string
	// Displayed where the marker is drawn now
	Displayed geo.Position
	// Target the last committed position of the collector
	Target              geo.Position
	AnimationInProgress bool
	// Generation increments every time Target changes
	Generation uint64
}

// markerEntry registry slot of a marker, indexed by its displayed position
type markerEntry struct {
	state MarkerState
	rect  *rtreego.Rect
}

// Bounds implements rtreego.Spatial
func (e *markerEntry) Bounds() *rtreego.Rect {
	return e.rect
}

// MarkerRegistry entity ID to marker of one view. Not safe for concurrent use; the owning
// subscriber only touches it from its event loop.
type MarkerRegistry struct {
	markers map[string]*markerEntry
	index   *rtreego.Rtree
}

// NewMarkerRegistry define an empty registry
func NewMarkerRegistry() *MarkerRegistry {
	return &MarkerRegistry{
		markers: make(map[string]*markerEntry),
		index:   rtreego.NewTree(2, indexMinChildren, indexMaxChildren),
	}
}

func pointRect(pos geo.Position) *rtreego.Rect {
	return rtreego.Point{pos.Latitude, pos.Longitude}.ToRect(indexTolerance)
}

// Len number of markers
func (r *MarkerRegistry) Len() int {
	return len(r.markers)
}

// Get a copy of the entity's marker state
func (r *MarkerRegistry) Get(entityID string) (MarkerState, bool) {
	entry, ok := r.markers[entityID]
	if !ok {
		return MarkerState{}, false
	}
	return entry.state, true
}

// lookup the entity's live marker state
func (r *MarkerRegistry) lookup(entityID string) *MarkerState {
	entry, ok := r.markers[entityID]
	if !ok {
		return nil
	}
	return &entry.state
}

// Add insert a marker. An existing marker of the entity is replaced.
func (r *MarkerRegistry) Add(state MarkerState) {
	r.Remove(state.EntityID)
	entry := &markerEntry{state: state, rect: pointRect(state.Displayed)}
	r.markers[state.EntityID] = entry
	r.index.Insert(entry)
}

// Remove drop the entity's marker, returning what was removed
func (r *MarkerRegistry) Remove(entityID string) (MarkerState, bool) {
	entry, ok := r.markers[entityID]
	if !ok {
		return MarkerState{}, false
	}
	r.index.Delete(entry)
	delete(r.markers, entityID)
	return entry.state, true
}

// SetDisplayed move where the entity's marker is drawn
func (r *MarkerRegistry) SetDisplayed(entityID string, pos geo.Position) bool {
	entry, ok := r.markers[entityID]
	if !ok {
		return false
	}
	// The index finds entries by their current box, so remove before moving
	r.index.Delete(entry)
	entry.state.Displayed = pos
	entry.rect = pointRect(pos)
	r.index.Insert(entry)
	return true
}

// All copies of every marker, ordered by entity ID
func (r *MarkerRegistry) All() []MarkerState {
	result := make([]MarkerState, 0, len(r.markers))
	for _, entry := range r.markers {
		result = append(result, entry.state)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].EntityID < result[j].EntityID })
	return result
}

// Within copies of the markers drawn inside the bounds, ordered by entity ID
func (r *MarkerRegistry) Within(bounds geo.Bounds) ([]MarkerState, error) {
	latSpan, lonSpan := bounds.Span()
	area, err := rtreego.NewRect(
		rtreego.Point{bounds.SouthWest.Latitude, bounds.SouthWest.Longitude},
		[]float64{latSpan + 2*indexTolerance, lonSpan + 2*indexTolerance},
	)
	if err != nil {
		return nil, err
	}
	result := []MarkerState{}
	for _, hit := range r.index.SearchIntersect(area) {
		entry, ok := hit.(*markerEntry)
		if !ok || !bounds.Contains(entry.state.Displayed) {
			continue
		}
		result = append(result, entry.state)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].EntityID < result[j].EntityID })
	return result, nil
}

// Bounds the box around every displayed marker. ok is false when empty.
func (r *MarkerRegistry) Bounds() (geo.Bounds, bool) {
	positions := make([]geo.Position, 0, len(r.markers))
	for _, entry := range r.markers {
		positions = append(positions, entry.state.Displayed)
	}
	return geo.BoundsOf(positions)
}
