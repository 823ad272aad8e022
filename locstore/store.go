// Package locstore the collector location record store and its change feed
package locstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/alwitt/gtrack/geo"
)

// ErrStoreWriteFailed a location write did not reach the store
var ErrStoreWriteFailed = errors.New("location store write failed")

// ErrStoreSubscribeFailed a change subscription could not be opened
var ErrStoreSubscribeFailed = errors.New("location store subscribe failed")

// ErrRecordNotFound no record exists for the entity
var ErrRecordNotFound = errors.New("location record not found")

// Fields the partial record written by Upsert. Nil fields are left untouched.
type Fields struct {
	Latitude    *float64
	Longitude   *float64
	DisplayName *string
}

// PositionFields build the write for a new position sample
func PositionFields(pos geo.Position) Fields {
	lat, lon := pos.Latitude, pos.Longitude
	return Fields{Latitude: &lat, Longitude: &lon}
}

// NameFields build the write for a display name
func NameFields(name string) Fields {
	return Fields{DisplayName: &name}
}

// Empty whether the write changes nothing
func (f Fields) Empty() bool {
	return f.Latitude == nil && f.Longitude == nil && f.DisplayName == nil
}

// Record one collector's location document
type Record struct {
	EntityID    string    `json:"-"`
	Latitude    *float64  `json:"latitude,omitempty"`
	Longitude   *float64  `json:"longitude,omitempty"`
	DisplayName *string   `json:"display_name,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Merge apply a partial write to the record
func (r *Record) Merge(fields Fields) {
	if fields.Latitude != nil {
		v := *fields.Latitude
		r.Latitude = &v
	}
	if fields.Longitude != nil {
		v := *fields.Longitude
		r.Longitude = &v
	}
	if fields.DisplayName != nil {
		v := *fields.DisplayName
		r.DisplayName = &v
	}
}

// Position the record's coordinates. ok is false when either one is missing.
func (r Record) Position() (pos geo.Position, ok bool) {
	if r.Latitude == nil || r.Longitude == nil {
		return geo.Position{}, false
	}
	return geo.Position{Latitude: *r.Latitude, Longitude: *r.Longitude}, true
}

// Name the record's display name, or the entity ID when there is none
func (r Record) Name() string {
	if r.DisplayName != nil && *r.DisplayName != "" {
		return *r.DisplayName
	}
	return r.EntityID
}

// ChangeKind how a record changed
type ChangeKind int

const (
	// ChangeAdded the record is new to the subscription
	ChangeAdded ChangeKind = iota
	// ChangeModified a known record was written
	ChangeModified
	// ChangeRemoved the record was deleted
	ChangeRemoved
)

// String implements fmt.Stringer
func (k ChangeKind) String() string {
	switch k {
	case ChangeAdded:
		return "added"
	case ChangeModified:
		return "modified"
	case ChangeRemoved:
		return "removed"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// Change one record change
type Change struct {
	Kind   ChangeKind
	Record Record
}

// ChangeBatch the changes delivered together by the store
type ChangeBatch struct {
	// Snapshot marks the first batch of a subscription holding every existing record
	Snapshot bool
	Changes  []Change
}

// Filter select the records a subscription sees
type Filter struct {
	// EntityIDs limit the subscription to these entities. Empty means all.
	EntityIDs []string
}

// Match whether the entity passes the filter
func (f Filter) Match(entityID string) bool {
	if len(f.EntityIDs) == 0 {
		return true
	}
	for _, id := range f.EntityIDs {
		if id == entityID {
			return true
		}
	}
	return false
}

// Subscription an open change feed
type Subscription interface {
	// Batches the change batches in delivery order. Closed when the subscription ends.
	Batches() <-chan ChangeBatch
	// Err why the subscription ended, nil after a normal Close
	Err() error
	// Close end the subscription. Idempotent.
	Close() error
}

// LocationStore collector location records with push change notification
type LocationStore interface {
	// Upsert merge a partial write into the entity's record, creating it when needed
	Upsert(ctxt context.Context, entityID string, fields Fields) error
	// Get read the entity's record
	Get(ctxt context.Context, entityID string) (Record, error)
	// Delete remove the entity's record
	Delete(ctxt context.Context, entityID string) error
	// Subscribe open a change feed. The first batch is a snapshot of all matching records.
	Subscribe(ctxt context.Context, filter Filter) (Subscription, error)
	// Close release the store
	Close() error
}

// subscriptionBase the delivery side shared by the store backends
type subscriptionBase struct {
	batches  chan ChangeBatch
	ctxt     context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	lock     sync.Mutex
	err      error
	closed   bool
	onClose  func()
	filter   Filter
	lastSeen map[string]bool
}

func newSubscriptionBase(
	parent context.Context, filter Filter, buffer int, onClose func(),
) *subscriptionBase {
	if buffer < 1 {
		buffer = 1
	}
	ctxt, cancel := context.WithCancel(parent)
	return &subscriptionBase{
		batches:  make(chan ChangeBatch, buffer),
		ctxt:     ctxt,
		cancel:   cancel,
		onClose:  onClose,
		filter:   filter,
		lastSeen: make(map[string]bool),
	}
}

func (s *subscriptionBase) Batches() <-chan ChangeBatch {
	return s.batches
}

func (s *subscriptionBase) Err() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.err
}

func (s *subscriptionBase) Close() error {
	s.lock.Lock()
	if s.closed {
		s.lock.Unlock()
		return nil
	}
	s.closed = true
	s.lock.Unlock()
	s.cancel()
	if s.onClose != nil {
		s.onClose()
	}
	s.wg.Wait()
	return nil
}

// start run the feed producer. The batch channel closes once it returns.
func (s *subscriptionBase) start(producer func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(s.batches)
		producer()
	}()
}

// fail record why the feed ended and stop delivering
func (s *subscriptionBase) fail(err error) {
	s.lock.Lock()
	// An error seen while closing is the close itself
	if s.err == nil && !s.closed {
		s.err = err
	}
	s.lock.Unlock()
	s.cancel()
}

// deliver send a batch, blocking until the consumer takes it or the subscription ends
func (s *subscriptionBase) deliver(batch ChangeBatch) bool {
	if len(batch.Changes) == 0 && !batch.Snapshot {
		return true
	}
	select {
	case s.batches <- batch:
		return true
	case <-s.ctxt.Done():
		return false
	}
}

// classify turn a record write or removal into a change for this subscription.
// ok is false when the subscription should not see it.
func (s *subscriptionBase) classify(record Record, removed bool) (change Change, ok bool) {
	if !s.filter.Match(record.EntityID) {
		return Change{}, false
	}
	known := s.lastSeen[record.EntityID]
	if removed {
		if !known {
			return Change{}, false
		}
		delete(s.lastSeen, record.EntityID)
		return Change{Kind: ChangeRemoved, Record: record}, true
	}
	s.lastSeen[record.EntityID] = true
	if known {
		return Change{Kind: ChangeModified, Record: record}, true
	}
	return Change{Kind: ChangeAdded, Record: record}, true
}
