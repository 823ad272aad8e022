package tracking

import (
	"time"

	"github.com/alwitt/gtrack/geo"
)

// animation one marker's move toward a target
type animation struct {
	generation uint64
	start      geo.Position
	target     geo.Position
	startedAt  time.Time
}

// frameUpdate a marker position produced by a frame
type frameUpdate struct {
	entityID string
	position geo.Position
	done     bool
}

// PositionAnimator linear marker moves over a fixed duration
//
// An animation is keyed by the marker generation it was started for. Starting a new one
// for the same marker replaces it; frames never apply an older generation.
type PositionAnimator struct {
	duration time.Duration
	inflight map[string]animation
}

// NewPositionAnimator define an animator
func NewPositionAnimator(duration time.Duration) *PositionAnimator {
	return &PositionAnimator{duration: duration, inflight: make(map[string]animation)}
}

// Begin move the marker toward target, starting from where it is drawn now
func (a *PositionAnimator) Begin(state *MarkerState, target geo.Position, now time.Time) {
	state.Generation++
	state.Target = target
	state.AnimationInProgress = true
	a.inflight[state.EntityID] = animation{
		generation: state.Generation,
		start:      state.Displayed,
		target:     target,
		startedAt:  now,
	}
}

// Cancel stop the marker's animation where it is
func (a *PositionAnimator) Cancel(state *MarkerState) {
	delete(a.inflight, state.EntityID)
	state.AnimationInProgress = false
}

// CancelAll stop every animation
func (a *PositionAnimator) CancelAll(lookup func(entityID string) *MarkerState) {
	for entityID := range a.inflight {
		if state := lookup(entityID); state != nil {
			state.AnimationInProgress = false
		}
	}
	a.inflight = make(map[string]animation)
}

// InFlight number of running animations
func (a *PositionAnimator) InFlight() int {
	return len(a.inflight)
}

// Step compute the marker positions at now. Finished animations land exactly on target.
func (a *PositionAnimator) Step(
	now time.Time, lookup func(entityID string) *MarkerState,
) []frameUpdate {
	updates := make([]frameUpdate, 0, len(a.inflight))
	for entityID, anim := range a.inflight {
		state := lookup(entityID)
		if state == nil || state.Generation != anim.generation {
			delete(a.inflight, entityID)
			continue
		}
		t := 1.0
		if a.duration > 0 {
			t = float64(now.Sub(anim.startedAt)) / float64(a.duration)
		}
		update := frameUpdate{entityID: entityID, position: geo.Lerp(anim.start, anim.target, t)}
		if t >= 1 {
			update.done = true
			state.AnimationInProgress = false
			delete(a.inflight, entityID)
		}
		updates = append(updates, update)
	}
	return updates
}
