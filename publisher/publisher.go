// Package publisher keeps one collector's published position fresh
package publisher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/alwitt/gtrack/common"
	"github.com/alwitt/gtrack/locsource"
	"github.com/alwitt/gtrack/locstore"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ErrPermissionDenied location access is not granted
var ErrPermissionDenied = errors.New("location permission denied")

// ErrPermissionRevoked location access was withdrawn while publishing
var ErrPermissionRevoked = errors.New("location permission revoked")

// ErrMissingEntityID the publisher has no collector to publish for
var ErrMissingEntityID = errors.New("no collector entity ID")

// ErrAlreadyRunning Start called on a publisher that is not stopped
var ErrAlreadyRunning = errors.New("publisher already running")

// State publisher lifecycle state
type State int

const (
	// StateStopped not sampling
	StateStopped State = iota
	// StateStarting opening the position stream
	StateStarting
	// StateActive sampling and writing
	StateActive
	// StateError sampling failed, stopping
	StateError
)

// String implements fmt.Stringer
func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateActive:
		return "active"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// DefaultMinInterval default minimum time between samples
const DefaultMinInterval = time.Second * 5

// DefaultMinDisplacement default displacement in meters that triggers a sample
const DefaultMinDisplacement = 10.0

// Params publisher parameters
type Params struct {
	// EntityID the collector this publisher writes for
	EntityID string
	// DisplayName written once on start when not empty
	DisplayName string
	// MinInterval minimum time between samples
	MinInterval time.Duration
	// MinDisplacement distance in meters that triggers a sample before MinInterval. 0 turns
	// the displacement trigger off; negative selects DefaultMinDisplacement.
	MinDisplacement float64
	// OnStateChange optional observer of state transitions. Called with the publisher
	// lock held; must not call back into the publisher.
	OnStateChange func(from, to State)
}

// LocationPublisher publish one collector's position while permitted
type LocationPublisher interface {
	// Start begin sampling. Sampling runs until Stop, ctxt is cancelled, or the source ends.
	Start(ctxt context.Context) error
	// Stop end sampling and release the position stream. Idempotent.
	Stop() error
	// State current lifecycle state
	State() State
	// LastError why the publisher last went into error
	LastError() error
}

// locationPublisherImpl implements LocationPublisher
type locationPublisherImpl struct {
	common.Component
	params   Params
	source   locsource.PositionSource
	store    locstore.LocationStore
	validate *validator.Validate

	lock      sync.Mutex
	state     State
	lastErr   error
	runCancel context.CancelFunc
	wg        sync.WaitGroup

	received  metric.Int64Counter
	published metric.Int64Counter
	failed    metric.Int64Counter
	attrs     metric.MeasurementOption
}

// GetLocationPublisher define a new location publisher
func GetLocationPublisher(
	params Params, source locsource.PositionSource, store locstore.LocationStore,
) (LocationPublisher, error) {
	logTags := log.Fields{
		"module": "publisher", "component": "location-publisher", "instance": params.EntityID,
	}
	if params.MinInterval <= 0 {
		params.MinInterval = DefaultMinInterval
	}
	if params.MinDisplacement < 0 {
		params.MinDisplacement = DefaultMinDisplacement
	}
	instance := &locationPublisherImpl{
		Component: common.Component{LogTags: logTags},
		params:    params,
		source:    source,
		store:     store,
		validate:  validator.New(),
		state:     StateStopped,
		attrs:     metric.WithAttributes(attribute.String("entity_id", params.EntityID)),
	}

	m := meter()
	var err error
	if instance.received, err = m.Int64Counter(
		"gtrack.publisher.samples_received",
		metric.WithDescription("Position samples delivered by the source"),
	); err != nil {
		return nil, err
	}
	if instance.published, err = m.Int64Counter(
		"gtrack.publisher.samples_published",
		metric.WithDescription("Position samples written to the store"),
	); err != nil {
		return nil, err
	}
	if instance.failed, err = m.Int64Counter(
		"gtrack.publisher.samples_failed",
		metric.WithDescription("Position samples the store did not accept"),
	); err != nil {
		return nil, err
	}
	return instance, nil
}

// transition change state. Caller holds the lock.
func (p *locationPublisherImpl) transition(to State) {
	from := p.state
	if from == to {
		return
	}
	p.state = to
	log.WithFields(p.LogTags).Infof("%s -> %s", from, to)
	if p.params.OnStateChange != nil {
		p.params.OnStateChange(from, to)
	}
}

func (p *locationPublisherImpl) State() State {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.state
}

func (p *locationPublisherImpl) LastError() error {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.lastErr
}

func (p *locationPublisherImpl) Start(ctxt context.Context) error {
	logTags, _ := common.UpdateLogTags(ctxt, p.LogTags)
	p.lock.Lock()
	defer p.lock.Unlock()

	if p.state != StateStopped {
		log.WithError(ErrAlreadyRunning).WithFields(logTags).Error("Unable to start")
		return ErrAlreadyRunning
	}
	if p.params.EntityID == "" {
		log.WithError(ErrMissingEntityID).WithFields(logTags).Error("Unable to start")
		return ErrMissingEntityID
	}
	if err := common.ValidateEntityID(p.params.EntityID, p.validate); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start")
		return err
	}
	if !p.source.PermissionGranted() {
		log.WithError(ErrPermissionDenied).WithFields(logTags).Error("Unable to start")
		return ErrPermissionDenied
	}

	p.transition(StateStarting)
	p.lastErr = nil

	if p.params.DisplayName != "" {
		if err := p.store.Upsert(
			ctxt, p.params.EntityID, locstore.NameFields(p.params.DisplayName),
		); err != nil {
			log.WithError(err).WithFields(logTags).Error("Display name not written")
		}
	}

	runCtxt, cancel := context.WithCancel(ctxt)
	samples, err := p.source.RequestUpdates(
		runCtxt, p.params.MinInterval, p.params.MinDisplacement,
	)
	if err != nil {
		cancel()
		p.lastErr = err
		p.transition(StateError)
		p.transition(StateStopped)
		log.WithError(err).WithFields(logTags).Error("Unable to request position updates")
		return err
	}
	p.runCancel = cancel
	p.transition(StateActive)

	p.wg.Add(1)
	go p.run(runCtxt, samples)
	return nil
}

// run the sampling loop. It is the only writer of the collector's record.
func (p *locationPublisherImpl) run(runCtxt context.Context, samples <-chan locsource.Sample) {
	defer p.wg.Done()
	var runErr error
	defer func() {
		cancelled := runCtxt.Err() != nil
		// Release the stream
		p.lock.Lock()
		if p.runCancel != nil {
			p.runCancel()
			p.runCancel = nil
		}
		p.lock.Unlock()
		// Let the source finish so its error is known
		for range samples {
		}
		if runErr == nil && !cancelled {
			runErr = p.source.Err()
		}
		p.lock.Lock()
		defer p.lock.Unlock()
		if runErr != nil {
			p.lastErr = runErr
			log.WithError(runErr).WithFields(p.LogTags).Error("Sampling failed")
			p.transition(StateError)
		}
		p.transition(StateStopped)
	}()

	for sample := range samples {
		p.received.Add(context.Background(), 1, p.attrs)
		if !p.source.PermissionGranted() {
			runErr = ErrPermissionRevoked
			return
		}
		if err := p.store.Upsert(
			runCtxt, p.params.EntityID, locstore.PositionFields(sample.Position),
		); err != nil {
			if runCtxt.Err() != nil {
				return
			}
			p.failed.Add(context.Background(), 1, p.attrs)
			log.WithError(err).WithFields(p.LogTags).Errorf(
				"Sample %s dropped", sample.Position,
			)
			continue
		}
		p.published.Add(context.Background(), 1, p.attrs)
		log.WithFields(p.LogTags).Debugf("Published %s", sample.Position)
	}
}

func (p *locationPublisherImpl) Stop() error {
	p.lock.Lock()
	cancel := p.runCancel
	p.runCancel = nil
	p.lock.Unlock()
	if cancel != nil {
		cancel()
	}
	p.wg.Wait()
	return nil
}
