package tracking

import (
	"testing"
	"time"

	"github.com/alwitt/gtrack/geo"
	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

func TestMarkerRegistry(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	uut := NewMarkerRegistry()
	assert.Equal(0, uut.Len())
	_, ok := uut.Bounds()
	assert.False(ok)

	posA := geo.Position{Latitude: 37.77, Longitude: -122.42}
	posB := geo.Position{Latitude: 37.80, Longitude: -122.27}
	posC := geo.Position{Latitude: 40.71, Longitude: -74.0}
	uut.Add(MarkerState{EntityID: "a", Handle: "m-1", Displayed: posA, Target: posA})
	uut.Add(MarkerState{EntityID: "b", Handle: "m-2", Displayed: posB, Target: posB})
	uut.Add(MarkerState{EntityID: "c", Handle: "m-3", Displayed: posC, Target: posC})
	assert.Equal(3, uut.Len())

	all := uut.All()
	assert.Len(all, 3)
	assert.Equal("a", all[0].EntityID)
	assert.Equal("c", all[2].EntityID)

	// Viewport query
	bayArea := geo.Bounds{
		SouthWest: geo.Position{Latitude: 37.0, Longitude: -123.0},
		NorthEast: geo.Position{Latitude: 38.0, Longitude: -122.0},
	}
	hits, err := uut.Within(bayArea)
	assert.Nil(err)
	assert.Len(hits, 2)
	assert.Equal("a", hits[0].EntityID)
	assert.Equal("b", hits[1].EntityID)

	// Marker on the edge is inside
	edge := geo.Bounds{SouthWest: posA, NorthEast: posB}
	hits, err = uut.Within(edge)
	assert.Nil(err)
	assert.Len(hits, 2)

	// Moving a marker moves it in the index
	assert.True(uut.SetDisplayed("c", geo.Position{Latitude: 37.5, Longitude: -122.5}))
	hits, err = uut.Within(bayArea)
	assert.Nil(err)
	assert.Len(hits, 3)
	state, ok := uut.Get("c")
	assert.True(ok)
	assert.Equal(posC, state.Target)
	assert.False(uut.SetDisplayed("unknown", posA))

	bounds, ok := uut.Bounds()
	assert.True(ok)
	assert.Equal(37.5, bounds.SouthWest.Latitude)
	assert.Equal(posB.Latitude, bounds.NorthEast.Latitude)

	// Remove
	removed, ok := uut.Remove("a")
	assert.True(ok)
	assert.Equal("m-1", string(removed.Handle))
	_, ok = uut.Remove("a")
	assert.False(ok)
	hits, err = uut.Within(bayArea)
	assert.Nil(err)
	assert.Len(hits, 2)
	assert.Equal(2, uut.Len())

	// Re-adding replaces
	uut.Add(MarkerState{EntityID: "b", Handle: "m-4", Displayed: posC, Target: posC})
	assert.Equal(2, uut.Len())
	hits, err = uut.Within(bayArea)
	assert.Nil(err)
	assert.Len(hits, 1)
	assert.Equal("c", hits[0].EntityID)
}

func TestPositionAnimator(t *testing.T) {
	assert := assert.New(t)

	registry := NewMarkerRegistry()
	start := geo.Position{Latitude: 10, Longitude: 20}
	registry.Add(MarkerState{EntityID: "a", Handle: "m-1", Displayed: start, Target: start})

	uut := NewPositionAnimator(time.Second)
	t0 := time.Unix(1700000000, 0)

	target := geo.Position{Latitude: 12, Longitude: 24}
	state := registry.lookup("a")
	uut.Begin(state, target, t0)
	assert.Equal(uint64(1), state.Generation)
	assert.True(state.AnimationInProgress)
	assert.Equal(target, state.Target)
	assert.Equal(1, uut.InFlight())

	// Half way
	updates := uut.Step(t0.Add(time.Millisecond*500), registry.lookup)
	assert.Len(updates, 1)
	assert.False(updates[0].done)
	assert.InDelta(11.0, updates[0].position.Latitude, 1e-9)
	assert.InDelta(22.0, updates[0].position.Longitude, 1e-9)
	registry.SetDisplayed("a", updates[0].position)

	// New target mid-animation starts from the drawn point
	newTarget := geo.Position{Latitude: 11, Longitude: 30}
	uut.Begin(state, newTarget, t0.Add(time.Millisecond*500))
	assert.Equal(uint64(2), state.Generation)
	assert.Equal(1, uut.InFlight())
	updates = uut.Step(t0.Add(time.Millisecond*1000), registry.lookup)
	assert.Len(updates, 1)
	assert.InDelta(11.0, updates[0].position.Latitude, 1e-9)
	assert.InDelta(26.0, updates[0].position.Longitude, 1e-9)
	registry.SetDisplayed("a", updates[0].position)

	// Overshooting lands exactly on target
	updates = uut.Step(t0.Add(time.Second*5), registry.lookup)
	assert.Len(updates, 1)
	assert.True(updates[0].done)
	assert.Equal(newTarget, updates[0].position)
	assert.False(state.AnimationInProgress)
	assert.Equal(0, uut.InFlight())
	assert.Empty(uut.Step(t0.Add(time.Second*6), registry.lookup))

	// Cancel leaves the marker where it is
	uut.Begin(state, start, t0.Add(time.Second*6))
	uut.Cancel(state)
	assert.False(state.AnimationInProgress)
	assert.Equal(0, uut.InFlight())

	// Removed markers drop their animation
	uut.Begin(state, start, t0.Add(time.Second*7))
	registry.Remove("a")
	assert.Empty(uut.Step(t0.Add(time.Second*8), registry.lookup))
	assert.Equal(0, uut.InFlight())

	// CancelAll
	registry.Add(MarkerState{EntityID: "b", Displayed: start, Target: start})
	stateB := registry.lookup("b")
	uut.Begin(stateB, target, t0)
	uut.CancelAll(registry.lookup)
	assert.False(stateB.AnimationInProgress)
	assert.Equal(0, uut.InFlight())
}
