// Package locsource position sources feeding the location publisher
package locsource

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alwitt/gtrack/geo"
)

// ErrStreamActive updates were requested while a stream is still open
var ErrStreamActive = errors.New("position stream already active")

// Sample one position reading
type Sample struct {
	Position  geo.Position
	Timestamp time.Time
}

// PositionSource a location provider
type PositionSource interface {
	// RequestUpdates open a sample stream. A sample is delivered once minInterval has
	// passed or the position moved by minDisplacement meters since the last delivered
	// sample. The stream closes when ctxt is cancelled or the source ends.
	RequestUpdates(
		ctxt context.Context, minInterval time.Duration, minDisplacement float64,
	) (<-chan Sample, error)
	// PermissionGranted whether the source may be read
	PermissionGranted() bool
	// Err why the last stream ended, nil when it was cancelled or ran out normally
	Err() error
	// Close release the source
	Close() error
}

// Permission location access flag which may change while a stream is open
type Permission struct {
	granted atomic.Bool
}

// NewPermission define a permission flag
func NewPermission(granted bool) *Permission {
	p := &Permission{}
	p.granted.Store(granted)
	return p
}

// Granted whether access is allowed
func (p *Permission) Granted() bool {
	return p.granted.Load()
}

// Grant allow access
func (p *Permission) Grant() {
	p.granted.Store(true)
}

// Revoke deny access
func (p *Permission) Revoke() {
	p.granted.Store(false)
}

// UpdatePolicy the sample rate limit: deliver when either threshold is met. A
// MinDisplacement of 0 or less turns the displacement trigger off, leaving only MinInterval.
type UpdatePolicy struct {
	MinInterval     time.Duration
	MinDisplacement float64
	last            *Sample
}

// Admit whether the sample should be delivered. Admitted samples become the reference
// for the next decision.
func (p *UpdatePolicy) Admit(sample Sample) bool {
	if p.last != nil {
		if sample.Timestamp.Sub(p.last.Timestamp) < p.MinInterval {
			if p.MinDisplacement <= 0 {
				return false
			}
			if geo.HaversineMeters(p.last.Position, sample.Position) < p.MinDisplacement {
				return false
			}
		}
	}
	admitted := sample
	p.last = &admitted
	return true
}

// streamState bookkeeping of the one open stream of a source
type streamState struct {
	lock   sync.Mutex
	active bool
	err    error
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// begin claim the stream slot, returning the context the stream runs under
func (s *streamState) begin(parent context.Context) (context.Context, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.active {
		return nil, ErrStreamActive
	}
	ctxt, cancel := context.WithCancel(parent)
	s.active = true
	s.err = nil
	s.cancel = cancel
	return ctxt, nil
}

// stop cancel the open stream and wait for it to end
func (s *streamState) stop() {
	s.lock.Lock()
	cancel := s.cancel
	s.lock.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

// end release the stream slot, recording why the stream ended
func (s *streamState) end(err error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
	s.active = false
	s.err = err
}

func (s *streamState) lastErr() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.err
}

// emit deliver a sample unless the stream is cancelled
func emit(ctxt context.Context, out chan<- Sample, sample Sample) bool {
	select {
	case out <- sample:
		return true
	case <-ctxt.Done():
		return false
	}
}
