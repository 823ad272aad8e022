package mapview

import (
	"sync"

	"github.com/alwitt/gtrack/common"
	"github.com/alwitt/gtrack/geo"
	"github.com/apex/log"
)

// OpKind a kind of surface operation
type OpKind string

// Surface operation kinds
const (
	OpAddMarker     OpKind = "add-marker"
	OpSetTitle      OpKind = "set-title"
	OpMoveMarker    OpKind = "move-marker"
	OpRemoveMarker  OpKind = "remove-marker"
	OpMoveCamera    OpKind = "move-camera"
	OpAnimateCamera OpKind = "animate-camera"
)

// Operation one recorded surface call
type Operation struct {
	Kind     OpKind
	Handle   MarkerHandle
	EntityID string
	Position geo.Position
	Icon     MarkerIcon
	Title    string
	Zoom     float64
	Bounds   geo.Bounds
	Padding  int
}

// RecordedMarker a marker currently on a recording surface
type RecordedMarker struct {
	EntityID string
	Position geo.Position
	Icon     MarkerIcon
	Title    string
}

// RecordingSurface a headless surface remembering what was drawn
type RecordingSurface struct {
	common.Component
	lock       sync.Mutex
	handles    handleAllocator
	markers    map[MarkerHandle]*RecordedMarker
	history    []Operation
	maxHistory int
	logOps     bool
}

// NewRecordingSurface define a recording surface
//
// maxHistory caps the kept operations, 0 keeps all. logOps logs every operation at info.
func NewRecordingSurface(name string, maxHistory int, logOps bool) *RecordingSurface {
	return &RecordingSurface{
		Component: common.Component{LogTags: log.Fields{
			"module": "mapview", "component": "recorder", "instance": name,
		}},
		handles:    handleAllocator{prefix: name},
		markers:    make(map[MarkerHandle]*RecordedMarker),
		maxHistory: maxHistory,
		logOps:     logOps,
	}
}

// record keep an operation. Caller holds the lock.
func (s *RecordingSurface) record(op Operation) {
	s.history = append(s.history, op)
	if s.maxHistory > 0 && len(s.history) > s.maxHistory {
		s.history = s.history[len(s.history)-s.maxHistory:]
	}
	if s.logOps {
		log.WithFields(s.LogTags).WithFields(log.Fields{
			"op": op.Kind, "marker": op.Handle, "entity": op.EntityID,
		}).Infof("%s %s", op.Kind, op.Position)
	}
}

func (s *RecordingSurface) AddMarker(
	entityID string, pos geo.Position, icon MarkerIcon,
) (MarkerHandle, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	handle := s.handles.allocate()
	s.markers[handle] = &RecordedMarker{EntityID: entityID, Position: pos, Icon: icon}
	s.record(Operation{
		Kind: OpAddMarker, Handle: handle, EntityID: entityID, Position: pos, Icon: icon,
	})
	return handle, nil
}

func (s *RecordingSurface) SetMarkerTitle(handle MarkerHandle, title string) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	marker, ok := s.markers[handle]
	if !ok {
		return ErrUnknownMarker
	}
	marker.Title = title
	s.record(Operation{Kind: OpSetTitle, Handle: handle, EntityID: marker.EntityID, Title: title})
	return nil
}

func (s *RecordingSurface) UpdateMarkerPosition(handle MarkerHandle, pos geo.Position) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	marker, ok := s.markers[handle]
	if !ok {
		return ErrUnknownMarker
	}
	marker.Position = pos
	s.record(Operation{
		Kind: OpMoveMarker, Handle: handle, EntityID: marker.EntityID, Position: pos,
	})
	return nil
}

func (s *RecordingSurface) RemoveMarker(handle MarkerHandle) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	marker, ok := s.markers[handle]
	if !ok {
		return ErrUnknownMarker
	}
	delete(s.markers, handle)
	s.record(Operation{Kind: OpRemoveMarker, Handle: handle, EntityID: marker.EntityID})
	return nil
}

func (s *RecordingSurface) MoveCamera(pos geo.Position, zoom float64) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.record(Operation{Kind: OpMoveCamera, Position: pos, Zoom: zoom})
	return nil
}

func (s *RecordingSurface) AnimateCamera(bounds geo.Bounds, paddingPx int) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.record(Operation{Kind: OpAnimateCamera, Bounds: bounds, Padding: paddingPx})
	return nil
}

// Markers the markers currently on the surface
func (s *RecordingSurface) Markers() map[MarkerHandle]RecordedMarker {
	s.lock.Lock()
	defer s.lock.Unlock()
	result := make(map[MarkerHandle]RecordedMarker, len(s.markers))
	for handle, marker := range s.markers {
		result[handle] = *marker
	}
	return result
}

// History the recorded operations, oldest first
func (s *RecordingSurface) History() []Operation {
	s.lock.Lock()
	defer s.lock.Unlock()
	result := make([]Operation, len(s.history))
	copy(result, s.history)
	return result
}

// Count number of recorded operations of a kind
func (s *RecordingSurface) Count(kind OpKind) int {
	s.lock.Lock()
	defer s.lock.Unlock()
	count := 0
	for _, op := range s.history {
		if op.Kind == kind {
			count++
		}
	}
	return count
}

// Reset forget the recorded operations, keeping the markers
func (s *RecordingSurface) Reset() {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.history = nil
}
