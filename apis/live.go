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

package apis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alwitt/goutils"
	"github.com/alwitt/gtrack/common"
	"github.com/alwitt/gtrack/geo"
	"github.com/alwitt/gtrack/locstore"
	"github.com/alwitt/gtrack/mapview"
	"github.com/alwitt/gtrack/tracking"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

// DefaultHeartbeatInterval time between heartbeat events on an idle live stream
const DefaultHeartbeatInterval = time.Second * 15

// APIRestLiveHandler REST handler for the live-locate API
type APIRestLiveHandler struct {
	goutils.RestAPIHandler
	APIRestHandler
	store             locstore.LocationStore
	viewer            common.ViewerConfig
	maxSessions       int64
	sessions          *atomic.Int64
	ready             ReadinessCheck
	baseContext       context.Context
	heartbeatInterval time.Duration
	validate          *validator.Validate
}

// GetAPIRestLiveHandler define APIRestLiveHandler
func GetAPIRestLiveHandler(
	baseContext context.Context,
	store locstore.LocationStore,
	viewer common.ViewerConfig,
	httpConfig *common.HTTPConfig,
	endpoints common.LiveEndpointConfig,
	ready ReadinessCheck,
	heartbeatInterval time.Duration,
) (APIRestLiveHandler, error) {
	logTags := log.Fields{
		"module":    "apis",
		"component": "live-locate",
	}
	if store == nil {
		return APIRestLiveHandler{}, fmt.Errorf("live-locate API needs a location store")
	}
	if endpoints.MaxSessions < 1 {
		return APIRestLiveHandler{}, fmt.Errorf("max sessions must be at least 1")
	}
	if heartbeatInterval <= 0 {
		heartbeatInterval = DefaultHeartbeatInterval
	}
	if ready == nil {
		ready = func() bool { return true }
	}
	return APIRestLiveHandler{
		RestAPIHandler: goutils.RestAPIHandler{
			Component: goutils.Component{
				LogTags: logTags,
				LogTagModifiers: []goutils.LogMetadataModifier{
					goutils.ModifyLogMetadataByRestRequestParam,
				},
			},
			CallRequestIDHeaderField: &httpConfig.Logging.RequestIDHeader,
			DoNotLogHeaders: func() map[string]bool {
				result := map[string]bool{}
				for _, v := range httpConfig.Logging.DoNotLogHeaders {
					result[v] = true
				}
				return result
			}(),
		},
		APIRestHandler: APIRestHandler{
			Component:       common.Component{LogTags: logTags},
			requestIDHeader: httpConfig.Logging.RequestIDHeader,
		},
		store:             store,
		viewer:            viewer,
		maxSessions:       int64(endpoints.MaxSessions),
		sessions:          &atomic.Int64{},
		ready:             ready,
		baseContext:       baseContext,
		heartbeatInterval: heartbeatInterval,
		validate:          validator.New(),
	}, nil
}

// ActiveSessions number of open live streams
func (h APIRestLiveHandler) ActiveSessions() int {
	return int(h.sessions.Load())
}

// =======================================================================
// Collector lookup

// APIRestRespCollector response carrying one collector's record
type APIRestRespCollector struct {
	goutils.RestAPIBaseResponse
	// Collector the collector's current record
	Collector CollectorInfo `json:"collector"`
}

// CollectorInfo one collector's location record
type CollectorInfo struct {
	EntityID    string        `json:"entity_id"`
	DisplayName string        `json:"display_name"`
	Position    *geo.Position `json:"position,omitempty"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// GetCollector godoc
// @Summary Get one collector's last location
// @Description Read a collector's record from the location store
// @tags Live
// @Produce json
// @Param Gtrack-Request-ID header string false "User provided request ID to match against logs"
// @Param entityID path string true "Collector ID"
// @Success 200 {object} APIRestRespCollector "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/collectors/{entityID} [get]
func (h APIRestLiveHandler) GetCollector(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	vars := mux.Vars(r)
	entityID, ok := vars["entityID"]
	if !ok {
		msg := "No collector ID provided"
		log.WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, msg)
		return
	}
	if err := common.ValidateEntityID(entityID, h.validate); err != nil {
		msg := "Invalid collector ID"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	record, err := h.store.Get(r.Context(), entityID)
	if err != nil {
		msg := fmt.Sprintf("Unable to read collector %s", entityID)
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusInternalServerError
		if errors.Is(err, locstore.ErrRecordNotFound) {
			respCode = http.StatusNotFound
		}
		respBody = h.GetStdRESTErrorMsg(r.Context(), respCode, msg, err.Error())
		return
	}

	info := CollectorInfo{
		EntityID: record.EntityID, DisplayName: record.Name(), UpdatedAt: record.UpdatedAt,
	}
	if pos, ok := record.Position(); ok {
		info.Position = &pos
	}
	respCode = http.StatusOK
	respBody = APIRestRespCollector{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		}, Collector: info,
	}
}

// GetCollectorHandler Wrapper around GetCollector
func (h APIRestLiveHandler) GetCollectorHandler() http.HandlerFunc {
	return h.attachRequestID(func(w http.ResponseWriter, r *http.Request) {
		h.GetCollector(w, r)
	})
}

// =======================================================================
// Live view

// liveHeartbeat periodic event telling the client whether the view is still fed
type liveHeartbeat struct {
	Session string `json:"session"`
	Stale   bool   `json:"stale"`
}

// writeSSE write one server-sent event and flush it
func writeSSE(w http.ResponseWriter, flusher http.Flusher, event string, payload interface{}) error {
	serialize, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, serialize); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

// LiveStream godoc
// @Summary Open a live collector view
// @Description Open a server-sent event stream of map operations for one live view. The
// view is activated on connect and deactivated on disconnect. Events carry the marker
// add, move, title, remove, and camera operations of the view.
// @tags Live
// @Produce text/event-stream
// @Param Gtrack-Request-ID header string false "User provided request ID to match against logs"
// @Param collector query []string false "Only follow these collectors"
// @Success 200 {object} mapview.SurfaceEvent "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Failure 503 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/live [get]
func (h APIRestLiveHandler) LiveStream(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	respondError := func(respCode int, msg string, detail string) {
		if err := h.WriteRESTResponse(
			w, respCode, h.GetStdRESTErrorMsg(r.Context(), respCode, msg, detail), nil,
		); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}

	// --------------------------------------------------------------------------
	// Read operation parameters
	filter := locstore.Filter{}
	for _, entityID := range r.URL.Query()["collector"] {
		if err := common.ValidateEntityID(entityID, h.validate); err != nil {
			msg := "Invalid collector ID"
			log.WithError(err).WithFields(localLogTags).Error(msg)
			respondError(http.StatusBadRequest, msg, err.Error())
			return
		}
		filter.EntityIDs = append(filter.EntityIDs, entityID)
	}

	writeFlusher, ok := w.(http.Flusher)
	if !ok {
		msg := "Streaming not supported"
		log.WithFields(localLogTags).Error(msg)
		respondError(http.StatusInternalServerError, msg, msg)
		return
	}

	if active := h.sessions.Add(1); active > h.maxSessions {
		h.sessions.Add(-1)
		msg := "Too many live sessions"
		log.WithFields(localLogTags).Errorf("%s: %d", msg, active-1)
		respondError(http.StatusServiceUnavailable, msg, msg)
		return
	}
	defer h.sessions.Add(-1)

	// --------------------------------------------------------------------------
	// Start the view

	sessionID := uuid.NewString()
	logTags := log.Fields{}
	for k, v := range localLogTags {
		logTags[k] = v
	}
	logTags["session"] = sessionID

	sessionCtxt, cancel := context.WithCancel(
		context.WithValue(r.Context(), common.SessionID{}, sessionID),
	)
	defer cancel()

	surface, err := mapview.NewStreamSurface(sessionCtxt, sessionID, h.viewer.BatchBuffer)
	if err != nil {
		msg := "Unable to define map surface"
		log.WithError(err).WithFields(logTags).Error(msg)
		respondError(http.StatusInternalServerError, msg, err.Error())
		return
	}
	subscriber, err := tracking.GetLocationSubscriber(
		sessionCtxt, tracking.ParamsFromConfig(sessionID, h.viewer, h.store, surface),
	)
	if err != nil {
		msg := "Unable to define live view"
		log.WithError(err).WithFields(logTags).Error(msg)
		respondError(http.StatusInternalServerError, msg, err.Error())
		return
	}
	defer func() {
		// Unblock the surface before tearing down the view
		cancel()
		if err := subscriber.Close(); err != nil {
			log.WithError(err).WithFields(logTags).Error("Live view close failed")
		}
	}()
	if err := subscriber.Activate(sessionCtxt, filter); err != nil {
		msg := "Unable to activate live view"
		log.WithError(err).WithFields(logTags).Error(msg)
		respondError(http.StatusInternalServerError, msg, err.Error())
		return
	}

	// Heartbeats are requested from the timer and written by this goroutine
	heartbeats := make(chan struct{}, 1)
	heartbeatWG := sync.WaitGroup{}
	heartbeatTimer, err := common.GetIntervalTimerInstance(
		sessionCtxt, fmt.Sprintf("%s-heartbeat", sessionID), &heartbeatWG,
	)
	if err != nil {
		msg := "Unable to define heartbeat timer"
		log.WithError(err).WithFields(logTags).Error(msg)
		respondError(http.StatusInternalServerError, msg, err.Error())
		return
	}
	if err := heartbeatTimer.Start(h.heartbeatInterval, func() error {
		select {
		case heartbeats <- struct{}{}:
		default:
		}
		return nil
	}, false); err != nil {
		msg := "Unable to start heartbeat timer"
		log.WithError(err).WithFields(logTags).Error(msg)
		respondError(http.StatusInternalServerError, msg, err.Error())
		return
	}
	defer heartbeatWG.Wait()
	defer func() {
		_ = heartbeatTimer.Stop()
	}()

	// Send support headers for SSE
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	if err := writeSSE(w, writeFlusher, "session", liveHeartbeat{Session: sessionID}); err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to open live stream")
		return
	}
	log.WithFields(logTags).Infof("Live view opened for %d collectors", len(filter.EntityIDs))

	for {
		select {
		case <-h.baseContext.Done():
			log.WithFields(logTags).Info("Terminating live view on server stop")
			return
		case <-r.Context().Done():
			log.WithFields(logTags).Info("Terminating live view on request end")
			return
		case <-heartbeats:
			if err := writeSSE(w, writeFlusher, "heartbeat", liveHeartbeat{
				Session: sessionID, Stale: subscriber.Stale(),
			}); err != nil {
				log.WithError(err).WithFields(logTags).Error("Failed to transmit heartbeat")
				return
			}
		case event := <-surface.Events():
			if err := writeSSE(w, writeFlusher, string(event.Type), event); err != nil {
				log.WithError(err).WithFields(logTags).Error("Failed to transmit map event")
				return
			}
		}
	}
}

// LiveStreamHandler Wrapper around LiveStream
func (h APIRestLiveHandler) LiveStreamHandler() http.HandlerFunc {
	return h.attachRequestID(func(w http.ResponseWriter, r *http.Request) {
		h.LiveStream(w, r)
	})
}

// =======================================================================
// Health Checks

// Alive godoc
// @Summary For live-locate REST API liveness check
// @Description Will return success to indicate live-locate REST API module is live
// @tags Live
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/alive [get]
func (h APIRestLiveHandler) Alive(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	if err := h.WriteRESTResponse(
		w, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()), nil,
	); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// AliveHandler Wrapper around Alive
func (h APIRestLiveHandler) AliveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Alive(w, r)
	}
}

// Ready godoc
// @Summary For live-locate REST API readiness check
// @Description Will return success if the location store is usable
// @tags Live
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/ready [get]
func (h APIRestLiveHandler) Ready(w http.ResponseWriter, r *http.Request) {
	msg := "not ready"
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	if h.ready() {
		respCode = http.StatusOK
		respBody = h.GetStdRESTSuccessMsg(r.Context())
	} else {
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, msg)
	}
}

// ReadyHandler Wrapper around Ready
func (h APIRestLiveHandler) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Ready(w, r)
	}
}
