// Package mapview map rendering targets driven by the live tracking view
package mapview

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/alwitt/gtrack/geo"
)

// ErrUnknownMarker the handle does not name a marker on the surface
var ErrUnknownMarker = errors.New("unknown marker handle")

// MarkerHandle reference to a marker on a surface
type MarkerHandle string

// MarkerIcon marker appearance
type MarkerIcon struct {
	Name  string `json:"name"`
	Color string `json:"color"`
}

// CollectorIcon the green marker used for collectors
var CollectorIcon = MarkerIcon{Name: "collector", Color: "#2E7D32"}

// MapSurface a map the live view draws on
type MapSurface interface {
	// AddMarker place a new marker for the entity
	AddMarker(entityID string, pos geo.Position, icon MarkerIcon) (MarkerHandle, error)
	// SetMarkerTitle change the marker's title
	SetMarkerTitle(handle MarkerHandle, title string) error
	// UpdateMarkerPosition move a marker
	UpdateMarkerPosition(handle MarkerHandle, pos geo.Position) error
	// RemoveMarker take a marker off the map
	RemoveMarker(handle MarkerHandle) error
	// MoveCamera center the camera on the position at the zoom level
	MoveCamera(pos geo.Position, zoom float64) error
	// AnimateCamera fit the camera to the bounds with padding in pixels
	AnimateCamera(bounds geo.Bounds, paddingPx int) error
}

// handleAllocator hand out unique marker handles
type handleAllocator struct {
	prefix string
	next   atomic.Uint64
}

func (a *handleAllocator) allocate() MarkerHandle {
	return MarkerHandle(fmt.Sprintf("%s-%d", a.prefix, a.next.Add(1)))
}
