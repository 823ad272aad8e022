// Copyright 2026 The gtrack Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package tracking

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alwitt/gtrack/common"
	"github.com/alwitt/gtrack/geo"
	"github.com/alwitt/gtrack/locstore"
	"github.com/alwitt/gtrack/mapview"
	"github.com/apex/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ErrMalformedRecord a change record without both coordinates
var ErrMalformedRecord = errors.New("malformed location record")

// ErrSubscriberClosed the subscriber was closed
var ErrSubscriberClosed = errors.New("location subscriber closed")

// MarkerTitle the title of a collector's marker
func MarkerTitle(record locstore.Record) string {
	return fmt.Sprintf("Collector: %s", record.Name())
}

// Params subscriber parameters
type Params struct {
	// Name identifies the view in logs and metrics
	Name string
	// Store the location store to subscribe to
	Store locstore.LocationStore
	// Surface where the markers are drawn
	Surface mapview.MapSurface
	// AnimationDuration how long a marker takes to reach a new target
	AnimationDuration time.Duration
	// FrameInterval time between animation frames
	FrameInterval time.Duration
	// CameraZoom zoom used when centering on the first collector of an activation
	CameraZoom float64
	// TaskBuffer pending work the event loop will queue
	TaskBuffer int
	// ClearOnDeactivate remove every marker on deactivation instead of leaving them stale
	ClearOnDeactivate bool
	// Clock optional time source, defaults to time.Now
	Clock func() time.Time
}

// ParamsFromConfig build subscriber parameters from the viewer config
func ParamsFromConfig(
	name string, cfg common.ViewerConfig, store locstore.LocationStore, surface mapview.MapSurface,
) Params {
	return Params{
		Name:              name,
		Store:             store,
		Surface:           surface,
		AnimationDuration: cfg.AnimationDurationValue(),
		FrameInterval:     cfg.FrameIntervalValue(),
		CameraZoom:        cfg.CameraZoom,
		TaskBuffer:        cfg.BatchBuffer,
		ClearOnDeactivate: cfg.ClearOnDeactivate,
	}
}

// LocationSubscriber keep a view's markers in step with the location store
type LocationSubscriber interface {
	// Activate open the view's subscription, closing any existing one first. On failure
	// the current markers stay up as stale.
	Activate(ctxt context.Context, filter locstore.Filter) error
	// Deactivate close the subscription and stop animating
	Deactivate(ctxt context.Context) error
	// Markers copies of the view's markers
	Markers(ctxt context.Context) ([]MarkerState, error)
	// MarkersWithin copies of the markers drawn inside the bounds
	MarkersWithin(ctxt context.Context, bounds geo.Bounds) ([]MarkerState, error)
	// FitMarkers fit the camera around every marker
	FitMarkers(ctxt context.Context, paddingPx int) error
	// Stale whether the view stopped receiving updates because of a store failure
	Stale() bool
	// Close deactivate and stop the event loop
	Close() error
}

// subscriberMetrics view instruments
type subscriberMetrics struct {
	batches    metric.Int64Counter
	malformed  metric.Int64Counter
	noop       metric.Int64Counter
	added      metric.Int64Counter
	removed    metric.Int64Counter
	animations metric.Int64Counter
	attrs      metric.MeasurementOption
}

func newSubscriberMetrics(name string) (subscriberMetrics, error) {
	m := meter()
	result := subscriberMetrics{
		attrs: metric.WithAttributes(attribute.String("view", name)),
	}
	var err error
	if result.batches, err = m.Int64Counter(
		"gtrack.tracking.batches_applied", metric.WithDescription("Change batches applied"),
	); err != nil {
		return result, err
	}
	if result.malformed, err = m.Int64Counter(
		"gtrack.tracking.records_malformed",
		metric.WithDescription("Change records skipped for missing coordinates"),
	); err != nil {
		return result, err
	}
	if result.noop, err = m.Int64Counter(
		"gtrack.tracking.records_unchanged",
		metric.WithDescription("Change records matching the current target"),
	); err != nil {
		return result, err
	}
	if result.added, err = m.Int64Counter(
		"gtrack.tracking.markers_added", metric.WithDescription("Markers created"),
	); err != nil {
		return result, err
	}
	if result.removed, err = m.Int64Counter(
		"gtrack.tracking.markers_removed", metric.WithDescription("Markers removed"),
	); err != nil {
		return result, err
	}
	if result.animations, err = m.Int64Counter(
		"gtrack.tracking.animations_started", metric.WithDescription("Marker animations started"),
	); err != nil {
		return result, err
	}
	return result, nil
}

// locationSubscriberImpl implements LocationSubscriber
//
// Everything below the lifecycle fields is owned by the event loop.
type locationSubscriberImpl struct {
	common.Component
	params     Params
	rootCtxt   context.Context
	rootCancel context.CancelFunc
	tp         common.TaskProcessor
	frameClock common.IntervalTimer
	wg         sync.WaitGroup
	metrics    subscriberMetrics

	stale        atomic.Bool
	closed       atomic.Bool
	framePending atomic.Bool

	registry      *MarkerRegistry
	animator      *PositionAnimator
	activation    uint64
	subscription  locstore.Subscription
	cameraFitDone bool
}

// GetLocationSubscriber define a new location subscriber and start its event loop
func GetLocationSubscriber(ctxt context.Context, params Params) (LocationSubscriber, error) {
	logTags := log.Fields{
		"module": "tracking", "component": "location-subscriber", "instance": params.Name,
	}
	if params.Store == nil || params.Surface == nil {
		return nil, fmt.Errorf("subscriber needs a store and a surface")
	}
	if params.AnimationDuration <= 0 || params.FrameInterval <= 0 {
		return nil, fmt.Errorf("animation duration and frame interval must be positive")
	}
	if params.Clock == nil {
		params.Clock = time.Now
	}

	metrics, err := newSubscriberMetrics(params.Name)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define metrics")
		return nil, err
	}

	rootCtxt, rootCancel := context.WithCancel(ctxt)
	instance := &locationSubscriberImpl{
		Component:  common.Component{LogTags: logTags},
		params:     params,
		rootCtxt:   rootCtxt,
		rootCancel: rootCancel,
		metrics:    metrics,
		registry:   NewMarkerRegistry(),
		animator:   NewPositionAnimator(params.AnimationDuration),
	}

	tp, err := common.GetNewTaskProcessorInstance(rootCtxt, params.Name, params.TaskBuffer)
	if err != nil {
		rootCancel()
		log.WithError(err).WithFields(logTags).Error("Unable to define event loop")
		return nil, err
	}
	instance.tp = tp
	frameClock, err := common.GetIntervalTimerInstance(
		rootCtxt, fmt.Sprintf("%s-frames", params.Name), &instance.wg,
	)
	if err != nil {
		rootCancel()
		return nil, err
	}
	instance.frameClock = frameClock

	if err := tp.SetTaskExecutionMap(map[reflect.Type]common.TaskHandler{
		reflect.TypeOf(activateRequest{}):   instance.processActivate,
		reflect.TypeOf(deactivateRequest{}): instance.processDeactivate,
		reflect.TypeOf(changeBatchTask{}):   instance.processChangeBatch,
		reflect.TypeOf(subscriptionEnded{}): instance.processSubscriptionEnded,
		reflect.TypeOf(animationFrame{}):    instance.processAnimationFrame,
		reflect.TypeOf(markersQuery{}):      instance.processMarkersQuery,
		reflect.TypeOf(fitMarkersRequest{}): instance.processFitMarkers,
	}); err != nil {
		rootCancel()
		return nil, err
	}
	if err := tp.StartEventLoop(&instance.wg); err != nil {
		rootCancel()
		return nil, err
	}
	return instance, nil
}

// =========================================================================
// Event loop tasks

type activateRequest struct {
	filter   locstore.Filter
	resultCB func(err error)
}

type deactivateRequest struct {
	resultCB func(err error)
}

type changeBatchTask struct {
	activation uint64
	batch      locstore.ChangeBatch
}

type subscriptionEnded struct {
	activation uint64
	err        error
}

type animationFrame struct{}

type markersQuery struct {
	bounds   *geo.Bounds
	resultCB func(markers []MarkerState, err error)
}

type fitMarkersRequest struct {
	paddingPx int
	resultCB  func(err error)
}

// submitAndWait run a request on the event loop and wait for its result
func (s *locationSubscriberImpl) submitAndWait(
	ctxt context.Context, build func(resultCB func(err error)) interface{},
) error {
	if s.closed.Load() {
		return ErrSubscriberClosed
	}
	// Buffered so a caller that gave up does not stall the loop
	resultChan := make(chan error, 1)
	request := build(func(err error) {
		resultChan <- err
	})
	if err := s.tp.Submit(ctxt, request); err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf(
			"Failed to submit %s", reflect.TypeOf(request),
		)
		return err
	}
	select {
	case err := <-resultChan:
		return err
	case <-ctxt.Done():
		return ctxt.Err()
	case <-s.rootCtxt.Done():
		return ErrSubscriberClosed
	}
}

func (s *locationSubscriberImpl) Activate(ctxt context.Context, filter locstore.Filter) error {
	return s.submitAndWait(ctxt, func(resultCB func(err error)) interface{} {
		return activateRequest{filter: filter, resultCB: resultCB}
	})
}

func (s *locationSubscriberImpl) Deactivate(ctxt context.Context) error {
	return s.submitAndWait(ctxt, func(resultCB func(err error)) interface{} {
		return deactivateRequest{resultCB: resultCB}
	})
}

func (s *locationSubscriberImpl) FitMarkers(ctxt context.Context, paddingPx int) error {
	return s.submitAndWait(ctxt, func(resultCB func(err error)) interface{} {
		return fitMarkersRequest{paddingPx: paddingPx, resultCB: resultCB}
	})
}

// queryMarkers read the registry on the event loop
func (s *locationSubscriberImpl) queryMarkers(
	ctxt context.Context, bounds *geo.Bounds,
) ([]MarkerState, error) {
	var result []MarkerState
	err := s.submitAndWait(ctxt, func(resultCB func(err error)) interface{} {
		return markersQuery{bounds: bounds, resultCB: func(markers []MarkerState, err error) {
			result = markers
			resultCB(err)
		}}
	})
	return result, err
}

func (s *locationSubscriberImpl) Markers(ctxt context.Context) ([]MarkerState, error) {
	return s.queryMarkers(ctxt, nil)
}

func (s *locationSubscriberImpl) MarkersWithin(
	ctxt context.Context, bounds geo.Bounds,
) ([]MarkerState, error) {
	return s.queryMarkers(ctxt, &bounds)
}

func (s *locationSubscriberImpl) Stale() bool {
	return s.stale.Load()
}

func (s *locationSubscriberImpl) Close() error {
	if s.closed.Load() {
		return nil
	}
	// Once the parent context is gone the event loop is stopping, and the teardown
	// below does the rest
	if s.rootCtxt.Err() == nil {
		ctxt, cancel := context.WithTimeout(context.Background(), time.Second*5)
		defer cancel()
		if err := s.Deactivate(ctxt); err != nil {
			log.WithError(err).WithFields(s.LogTags).Error("Deactivate on close failed")
		}
	}
	s.closed.Store(true)
	_ = s.frameClock.Stop()
	_ = s.tp.StopEventLoop()
	s.rootCancel()
	s.wg.Wait()
	// The loop is gone, so a subscription it could not close is closed here
	s.closeSubscription()
	return nil
}

// =========================================================================
// Event loop handlers

// closeSubscription end the current subscription. Batches already queued from it are
// dropped by the activation check.
func (s *locationSubscriberImpl) closeSubscription() {
	if s.subscription == nil {
		return
	}
	if err := s.subscription.Close(); err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Subscription close failed")
	}
	s.subscription = nil
}

// forwardBatches move the subscription's batches onto the event loop
func (s *locationSubscriberImpl) forwardBatches(activation uint64, sub locstore.Subscription) {
	defer s.wg.Done()
	for batch := range sub.Batches() {
		if err := s.tp.Submit(s.rootCtxt, changeBatchTask{
			activation: activation, batch: batch,
		}); err != nil {
			log.WithError(err).WithFields(s.LogTags).Debug("Batch forwarding stopped")
			return
		}
	}
	_ = s.tp.Submit(s.rootCtxt, subscriptionEnded{activation: activation, err: sub.Err()})
}

func (s *locationSubscriberImpl) processActivate(param interface{}) error {
	request, ok := param.(activateRequest)
	if !ok {
		return fmt.Errorf("can not process unknown type %s for activate", reflect.TypeOf(param))
	}
	s.closeSubscription()
	s.activation++
	s.cameraFitDone = false

	sub, err := s.params.Store.Subscribe(s.rootCtxt, request.filter)
	if err != nil {
		s.stale.Store(true)
		if !errors.Is(err, locstore.ErrStoreSubscribeFailed) {
			err = fmt.Errorf("%w: %s", locstore.ErrStoreSubscribeFailed, err)
		}
		log.WithError(err).WithFields(s.LogTags).Error("Activation failed, markers are stale")
		request.resultCB(err)
		return err
	}
	s.subscription = sub
	s.stale.Store(false)
	s.wg.Add(1)
	go s.forwardBatches(s.activation, sub)
	log.WithFields(s.LogTags).Infof("Activation %d started", s.activation)
	request.resultCB(nil)
	return nil
}

func (s *locationSubscriberImpl) processDeactivate(param interface{}) error {
	request, ok := param.(deactivateRequest)
	if !ok {
		return fmt.Errorf("can not process unknown type %s for deactivate", reflect.TypeOf(param))
	}
	s.closeSubscription()
	s.activation++
	s.animator.CancelAll(s.registry.lookup)
	_ = s.frameClock.Stop()
	if s.params.ClearOnDeactivate {
		for _, marker := range s.registry.All() {
			s.removeMarker(marker.EntityID)
		}
	}
	log.WithFields(s.LogTags).Infof("Deactivated, %d markers retained", s.registry.Len())
	request.resultCB(nil)
	return nil
}

func (s *locationSubscriberImpl) processSubscriptionEnded(param interface{}) error {
	event, ok := param.(subscriptionEnded)
	if !ok {
		return fmt.Errorf("can not process unknown type %s for end of feed", reflect.TypeOf(param))
	}
	if event.activation != s.activation || event.err == nil {
		return nil
	}
	s.stale.Store(true)
	log.WithError(event.err).WithFields(s.LogTags).Error("Subscription lost, markers are stale")
	return nil
}

func (s *locationSubscriberImpl) processChangeBatch(param interface{}) error {
	task, ok := param.(changeBatchTask)
	if !ok {
		return fmt.Errorf("can not process unknown type %s for change batch", reflect.TypeOf(param))
	}
	if task.activation != s.activation {
		log.WithFields(s.LogTags).Debugf(
			"Dropping batch of closed activation %d", task.activation,
		)
		return nil
	}
	now := s.params.Clock()
	for _, change := range task.batch.Changes {
		if err := s.applyChange(change, now); err != nil && !errors.Is(err, ErrMalformedRecord) {
			log.WithError(err).WithFields(s.LogTags).Errorf(
				"Change to %s not applied", change.Record.EntityID,
			)
		}
	}
	s.metrics.batches.Add(context.Background(), 1, s.metrics.attrs)
	return nil
}

// removeMarker take the entity's marker off the surface and out of the registry
func (s *locationSubscriberImpl) removeMarker(entityID string) {
	state := s.registry.lookup(entityID)
	if state == nil {
		return
	}
	s.animator.Cancel(state)
	if err := s.params.Surface.RemoveMarker(state.Handle); err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf("Marker of %s not removed", entityID)
	}
	s.registry.Remove(entityID)
	s.metrics.removed.Add(context.Background(), 1, s.metrics.attrs)
}

// applyChange reconcile one record with the view
func (s *locationSubscriberImpl) applyChange(change locstore.Change, now time.Time) error {
	record := change.Record
	if change.Kind == locstore.ChangeRemoved {
		s.removeMarker(record.EntityID)
		return nil
	}

	newPos, ok := record.Position()
	if !ok || newPos.Validate() != nil {
		s.metrics.malformed.Add(context.Background(), 1, s.metrics.attrs)
		log.WithFields(s.LogTags).Debugf("Skipping malformed record of %s", record.EntityID)
		return ErrMalformedRecord
	}

	state := s.registry.lookup(record.EntityID)
	if state == nil {
		return s.addMarker(record, newPos)
	}

	if title := MarkerTitle(record); title != state.Title && record.DisplayName != nil {
		if err := s.params.Surface.SetMarkerTitle(state.Handle, title); err != nil {
			log.WithError(err).WithFields(s.LogTags).Errorf("Title of %s not set", record.EntityID)
		} else {
			state.Title = title
		}
	}

	if state.Target.Equal(newPos) {
		// A marker left short of its target by a deactivation resumes its move
		if !state.AnimationInProgress && !state.Displayed.Equal(newPos) {
			s.startAnimation(state, newPos, now)
			return nil
		}
		s.metrics.noop.Add(context.Background(), 1, s.metrics.attrs)
		return nil
	}
	s.startAnimation(state, newPos, now)
	return nil
}

// addMarker draw a collector seen for the first time
func (s *locationSubscriberImpl) addMarker(record locstore.Record, pos geo.Position) error {
	handle, err := s.params.Surface.AddMarker(record.EntityID, pos, mapview.CollectorIcon)
	if err != nil {
		return err
	}
	title := MarkerTitle(record)
	if err := s.params.Surface.SetMarkerTitle(handle, title); err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf("Title of %s not set", record.EntityID)
	}
	s.registry.Add(MarkerState{
		EntityID:  record.EntityID,
		Handle:    handle,
		Title:     title,
		Displayed: pos,
		Target:    pos,
	})
	s.metrics.added.Add(context.Background(), 1, s.metrics.attrs)
	log.WithFields(s.LogTags).Debugf("Added marker of %s at %s", record.EntityID, pos)

	if !s.cameraFitDone {
		s.cameraFitDone = true
		if err := s.params.Surface.MoveCamera(pos, s.params.CameraZoom); err != nil {
			log.WithError(err).WithFields(s.LogTags).Error("Camera not moved")
		}
	}
	return nil
}

// startAnimation hand a new target to the animator and make sure frames are running
func (s *locationSubscriberImpl) startAnimation(state *MarkerState, target geo.Position, now time.Time) {
	s.animator.Begin(state, target, now)
	s.metrics.animations.Add(context.Background(), 1, s.metrics.attrs)
	if s.frameClock.Running() {
		return
	}
	if err := s.frameClock.Start(s.params.FrameInterval, s.requestFrame, false); err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Frame clock not started")
	}
}

// requestFrame frame clock handler. At most one frame waits on the event loop.
func (s *locationSubscriberImpl) requestFrame() error {
	if !s.framePending.CompareAndSwap(false, true) {
		return nil
	}
	if err := s.tp.Submit(s.rootCtxt, animationFrame{}); err != nil {
		s.framePending.Store(false)
		return err
	}
	return nil
}

func (s *locationSubscriberImpl) processAnimationFrame(param interface{}) error {
	if _, ok := param.(animationFrame); !ok {
		return fmt.Errorf("can not process unknown type %s for frame", reflect.TypeOf(param))
	}
	s.framePending.Store(false)
	for _, update := range s.animator.Step(s.params.Clock(), s.registry.lookup) {
		state := s.registry.lookup(update.entityID)
		if state == nil {
			continue
		}
		s.registry.SetDisplayed(update.entityID, update.position)
		if err := s.params.Surface.UpdateMarkerPosition(state.Handle, update.position); err != nil {
			log.WithError(err).WithFields(s.LogTags).Errorf(
				"Marker of %s not moved", update.entityID,
			)
		}
	}
	if s.animator.InFlight() == 0 {
		_ = s.frameClock.Stop()
	}
	return nil
}

func (s *locationSubscriberImpl) processMarkersQuery(param interface{}) error {
	request, ok := param.(markersQuery)
	if !ok {
		return fmt.Errorf("can not process unknown type %s for markers query", reflect.TypeOf(param))
	}
	if request.bounds == nil {
		request.resultCB(s.registry.All(), nil)
		return nil
	}
	markers, err := s.registry.Within(*request.bounds)
	request.resultCB(markers, err)
	return err
}

func (s *locationSubscriberImpl) processFitMarkers(param interface{}) error {
	request, ok := param.(fitMarkersRequest)
	if !ok {
		return fmt.Errorf("can not process unknown type %s for camera fit", reflect.TypeOf(param))
	}
	bounds, ok := s.registry.Bounds()
	if !ok {
		request.resultCB(nil)
		return nil
	}
	err := s.params.Surface.AnimateCamera(bounds, request.paddingPx)
	request.resultCB(err)
	return err
}
