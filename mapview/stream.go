package mapview

import (
	"context"
	"fmt"
	"sync"

	"github.com/alwitt/gtrack/common"
	"github.com/alwitt/gtrack/geo"
	"github.com/apex/log"
)

// SurfaceEvent a surface operation sent to a remote map client
type SurfaceEvent struct {
	Type     OpKind       `json:"type"`
	Marker   MarkerHandle `json:"marker,omitempty"`
	EntityID string       `json:"entity_id,omitempty"`
	Title    string       `json:"title,omitempty"`
	Icon     *MarkerIcon  `json:"icon,omitempty"`
	// Position in WGS84
	Position *geo.Position `json:"position,omitempty"`
	// Mercator the position in EPSG:3857 meters, [x, y]
	Mercator []float64   `json:"mercator,omitempty"`
	Zoom     float64     `json:"zoom,omitempty"`
	Bounds   *geo.Bounds `json:"bounds,omitempty"`
	Padding  int         `json:"padding_px,omitempty"`
}

// StreamSurface a surface forwarding every operation as an event
type StreamSurface struct {
	common.Component
	ctxt    context.Context
	events  chan SurfaceEvent
	handles handleAllocator
	lock    sync.Mutex
	markers map[MarkerHandle]string
}

// NewStreamSurface define a stream surface
//
// Operations block while the event buffer is full, until ctxt is done.
func NewStreamSurface(ctxt context.Context, name string, buffer int) (*StreamSurface, error) {
	if buffer < 1 {
		return nil, fmt.Errorf("event buffer must be at least 1")
	}
	return &StreamSurface{
		Component: common.Component{LogTags: log.Fields{
			"module": "mapview", "component": "stream", "instance": name,
		}},
		ctxt:    ctxt,
		events:  make(chan SurfaceEvent, buffer),
		handles: handleAllocator{prefix: "m"},
		markers: make(map[MarkerHandle]string),
	}, nil
}

// Events the surface event feed
func (s *StreamSurface) Events() <-chan SurfaceEvent {
	return s.events
}

// positionEvent fill the event's position fields
func positionEvent(event SurfaceEvent, pos geo.Position) SurfaceEvent {
	p := pos
	event.Position = &p
	x, y := pos.WebMercator()
	event.Mercator = []float64{x, y}
	return event
}

func (s *StreamSurface) send(event SurfaceEvent) error {
	select {
	case s.events <- event:
		return nil
	case <-s.ctxt.Done():
		return s.ctxt.Err()
	}
}

// entityOf look up the entity of a handle
func (s *StreamSurface) entityOf(handle MarkerHandle, remove bool) (string, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	entityID, ok := s.markers[handle]
	if !ok {
		return "", ErrUnknownMarker
	}
	if remove {
		delete(s.markers, handle)
	}
	return entityID, nil
}

func (s *StreamSurface) AddMarker(
	entityID string, pos geo.Position, icon MarkerIcon,
) (MarkerHandle, error) {
	handle := s.handles.allocate()
	s.lock.Lock()
	s.markers[handle] = entityID
	s.lock.Unlock()
	markerIcon := icon
	event := positionEvent(SurfaceEvent{
		Type: OpAddMarker, Marker: handle, EntityID: entityID, Icon: &markerIcon,
	}, pos)
	if err := s.send(event); err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf("Marker %s not sent", entityID)
		return "", err
	}
	return handle, nil
}

func (s *StreamSurface) SetMarkerTitle(handle MarkerHandle, title string) error {
	entityID, err := s.entityOf(handle, false)
	if err != nil {
		return err
	}
	return s.send(SurfaceEvent{Type: OpSetTitle, Marker: handle, EntityID: entityID, Title: title})
}

func (s *StreamSurface) UpdateMarkerPosition(handle MarkerHandle, pos geo.Position) error {
	entityID, err := s.entityOf(handle, false)
	if err != nil {
		return err
	}
	return s.send(positionEvent(
		SurfaceEvent{Type: OpMoveMarker, Marker: handle, EntityID: entityID}, pos,
	))
}

func (s *StreamSurface) RemoveMarker(handle MarkerHandle) error {
	entityID, err := s.entityOf(handle, true)
	if err != nil {
		return err
	}
	return s.send(SurfaceEvent{Type: OpRemoveMarker, Marker: handle, EntityID: entityID})
}

func (s *StreamSurface) MoveCamera(pos geo.Position, zoom float64) error {
	return s.send(positionEvent(SurfaceEvent{Type: OpMoveCamera, Zoom: zoom}, pos))
}

func (s *StreamSurface) AnimateCamera(bounds geo.Bounds, paddingPx int) error {
	b := bounds
	return s.send(SurfaceEvent{Type: OpAnimateCamera, Bounds: &b, Padding: paddingPx})
}
