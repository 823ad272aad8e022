package publisher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/gtrack/geo"
	"github.com/alwitt/gtrack/locsource"
	"github.com/alwitt/gtrack/locstore"
	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

// mockStore mock LocationStore
type mockStore struct {
	mock.Mock
}

func (m *mockStore) Upsert(ctxt context.Context, entityID string, fields locstore.Fields) error {
	args := m.Called(ctxt, entityID, fields)
	return args.Error(0)
}

func (m *mockStore) Get(ctxt context.Context, entityID string) (locstore.Record, error) {
	args := m.Called(ctxt, entityID)
	return args.Get(0).(locstore.Record), args.Error(1)
}

func (m *mockStore) Delete(ctxt context.Context, entityID string) error {
	args := m.Called(ctxt, entityID)
	return args.Error(0)
}

func (m *mockStore) Subscribe(
	ctxt context.Context, filter locstore.Filter,
) (locstore.Subscription, error) {
	args := m.Called(ctxt, filter)
	return nil, args.Error(1)
}

func (m *mockStore) Close() error {
	return nil
}

// fakeSource position source fed by the test
type fakeSource struct {
	permission *locsource.Permission
	feed       chan locsource.Sample
	lock       sync.Mutex
	err        error
	requested  int
	interval   time.Duration
	distance   float64
}

func newFakeSource(granted bool) *fakeSource {
	return &fakeSource{
		permission: locsource.NewPermission(granted),
		feed:       make(chan locsource.Sample),
	}
}

func (f *fakeSource) RequestUpdates(
	ctxt context.Context, minInterval time.Duration, minDisplacement float64,
) (<-chan locsource.Sample, error) {
	f.lock.Lock()
	f.requested++
	f.interval = minInterval
	f.distance = minDisplacement
	f.lock.Unlock()
	out := make(chan locsource.Sample)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctxt.Done():
				return
			case sample, ok := <-f.feed:
				if !ok {
					return
				}
				select {
				case out <- sample:
				case <-ctxt.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (f *fakeSource) PermissionGranted() bool {
	return f.permission.Granted()
}

func (f *fakeSource) Err() error {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.err
}

func (f *fakeSource) Close() error {
	return nil
}

// push hand a sample to the running publisher
func (f *fakeSource) push(t *testing.T, pos geo.Position) {
	select {
	case f.feed <- locsource.Sample{Position: pos, Timestamp: time.Now()}:
	case <-time.After(time.Second):
		assert.FailNow(t, "publisher not reading samples")
	}
}

// matchPosition match a position write
func matchPosition(pos geo.Position) interface{} {
	return mock.MatchedBy(func(f locstore.Fields) bool {
		return f.Latitude != nil && f.Longitude != nil &&
			*f.Latitude == pos.Latitude && *f.Longitude == pos.Longitude
	})
}

// waitSignal wait for the signal channel
func waitSignal(t *testing.T, signal chan struct{}) {
	select {
	case <-signal:
	case <-time.After(time.Second):
		assert.FailNow(t, "timed out")
	}
}

func TestPublisherNoPermission(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	store := &mockStore{}
	source := newFakeSource(false)
	uut, err := GetLocationPublisher(Params{EntityID: "c1"}, source, store)
	assert.Nil(err)

	assert.ErrorIs(uut.Start(context.Background()), ErrPermissionDenied)
	assert.Equal(StateStopped, uut.State())
	assert.Nil(uut.Stop())
	assert.Equal(0, source.requested)
	store.AssertNotCalled(t, "Upsert", mock.Anything, mock.Anything, mock.Anything)
}

func TestPublisherMissingEntityID(t *testing.T) {
	assert := assert.New(t)

	store := &mockStore{}
	uut, err := GetLocationPublisher(Params{}, newFakeSource(true), store)
	assert.Nil(err)
	assert.ErrorIs(uut.Start(context.Background()), ErrMissingEntityID)

	uut, err = GetLocationPublisher(Params{EntityID: "c/1"}, newFakeSource(true), store)
	assert.Nil(err)
	assert.NotNil(uut.Start(context.Background()))
	assert.Equal(StateStopped, uut.State())
	store.AssertNotCalled(t, "Upsert", mock.Anything, mock.Anything, mock.Anything)
}

func TestPublisherRateLimitParams(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	type testCase struct {
		params           Params
		expectedInterval time.Duration
		expectedDistance float64
	}
	testCases := []testCase{
		{
			params:           Params{EntityID: "c1"},
			expectedInterval: DefaultMinInterval,
			expectedDistance: 0,
		},
		{
			params:           Params{EntityID: "c1", MinDisplacement: -1},
			expectedInterval: DefaultMinInterval,
			expectedDistance: DefaultMinDisplacement,
		},
		{
			params:           Params{EntityID: "c1", MinInterval: time.Second, MinDisplacement: 25},
			expectedInterval: time.Second,
			expectedDistance: 25,
		},
	}
	for _, oneTest := range testCases {
		source := newFakeSource(true)
		uut, err := GetLocationPublisher(oneTest.params, source, &mockStore{})
		assert.Nil(err)
		assert.Nil(uut.Start(context.Background()))
		source.lock.Lock()
		assert.Equal(oneTest.expectedInterval, source.interval)
		assert.Equal(oneTest.expectedDistance, source.distance)
		source.lock.Unlock()
		assert.Nil(uut.Stop())
	}
}

func TestPublisherLifecycle(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	transitions := []State{}
	store := &mockStore{}
	source := newFakeSource(true)
	uut, err := GetLocationPublisher(Params{
		EntityID:    "c1",
		DisplayName: "Juan",
		OnStateChange: func(_, to State) {
			transitions = append(transitions, to)
		},
	}, source, store)
	assert.Nil(err)

	p0 := geo.Position{Latitude: 14.6, Longitude: 120.98}
	p1 := geo.Position{Latitude: 14.6001, Longitude: 120.9801}
	written := make(chan struct{}, 4)

	store.On("Upsert", mock.Anything, "c1", locstore.NameFields("Juan")).Return(nil).Once()

	// Case 0: start and publish in sample order
	{
		store.On("Upsert", mock.Anything, "c1", matchPosition(p0)).Return(nil).Once().Run(
			func(args mock.Arguments) { written <- struct{}{} },
		)
		store.On("Upsert", mock.Anything, "c1", matchPosition(p1)).Return(nil).Once().Run(
			func(args mock.Arguments) { written <- struct{}{} },
		)
		assert.Nil(uut.Start(utCtxt))
		assert.Equal(StateActive, uut.State())
		source.push(t, p0)
		waitSignal(t, written)
		source.push(t, p1)
		waitSignal(t, written)
	}

	// Case 1: already running
	{
		assert.ErrorIs(uut.Start(utCtxt), ErrAlreadyRunning)
	}

	// Case 2: stop, twice
	{
		assert.Nil(uut.Stop())
		assert.Equal(StateStopped, uut.State())
		assert.Nil(uut.Stop())
		assert.Nil(uut.LastError())
		assert.Equal([]State{StateStarting, StateActive, StateStopped}, transitions)
	}

	// Case 3: a failed write does not stop sampling
	{
		store.On("Upsert", mock.Anything, "c1", locstore.NameFields("Juan")).Return(nil).Once()
		store.On("Upsert", mock.Anything, "c1", matchPosition(p0)).Return(
			locstore.ErrStoreWriteFailed,
		).Once().Run(func(args mock.Arguments) { written <- struct{}{} })
		store.On("Upsert", mock.Anything, "c1", matchPosition(p1)).Return(nil).Once().Run(
			func(args mock.Arguments) { written <- struct{}{} },
		)
		assert.Nil(uut.Start(utCtxt))
		source.push(t, p0)
		waitSignal(t, written)
		source.push(t, p1)
		waitSignal(t, written)
		assert.Equal(StateActive, uut.State())
		assert.Nil(uut.Stop())
		assert.Equal(2, source.requested)
	}

	store.AssertExpectations(t)
}

func TestPublisherPermissionRevoked(t *testing.T) {
	assert := assert.New(t)

	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	transitionLock := sync.Mutex{}
	transitions := []State{}
	store := &mockStore{}
	source := newFakeSource(true)
	uut, err := GetLocationPublisher(Params{
		EntityID: "c1",
		OnStateChange: func(_, to State) {
			transitionLock.Lock()
			defer transitionLock.Unlock()
			transitions = append(transitions, to)
		},
	}, source, store)
	assert.Nil(err)

	p0 := geo.Position{Latitude: 14.6, Longitude: 120.98}
	written := make(chan struct{}, 1)
	store.On("Upsert", mock.Anything, "c1", matchPosition(p0)).Return(nil).Once().Run(
		func(args mock.Arguments) { written <- struct{}{} },
	)

	assert.Nil(uut.Start(utCtxt))
	source.push(t, p0)
	waitSignal(t, written)

	source.permission.Revoke()
	source.push(t, geo.Position{Latitude: 1, Longitude: 1})

	assert.Eventually(func() bool {
		return uut.State() == StateStopped
	}, time.Second, time.Millisecond*10)
	assert.ErrorIs(uut.LastError(), ErrPermissionRevoked)
	transitionLock.Lock()
	assert.Equal(
		[]State{StateStarting, StateActive, StateError, StateStopped}, transitions,
	)
	transitionLock.Unlock()
	store.AssertExpectations(t)

	// Without permission it won't start again
	assert.ErrorIs(uut.Start(utCtxt), ErrPermissionDenied)
}

func TestPublisherSourceFailure(t *testing.T) {
	assert := assert.New(t)

	store := &mockStore{}
	source := newFakeSource(true)
	uut, err := GetLocationPublisher(Params{EntityID: "c1"}, source, store)
	assert.Nil(err)

	assert.Nil(uut.Start(context.Background()))
	sourceErr := errors.New("provider lost")
	source.lock.Lock()
	source.err = sourceErr
	source.lock.Unlock()
	close(source.feed)

	assert.Eventually(func() bool {
		return uut.State() == StateStopped
	}, time.Second, time.Millisecond*10)
	assert.ErrorIs(uut.LastError(), sourceErr)
	store.AssertNotCalled(t, "Upsert", mock.Anything, mock.Anything, mock.Anything)
}

func TestStateString(t *testing.T) {
	assert := assert.New(t)
	assert.Equal("active", StateActive.String())
	assert.Equal("error", StateError.String())
	assert.Equal("unknown(9)", State(9).String())
}
