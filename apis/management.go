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
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/alwitt/goutils"
	"github.com/alwitt/gtrack/common"
	"github.com/alwitt/gtrack/management"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/nats-io/nats.go"
)

// APIRestKVBucketHandler REST handler for administering the JetStream KV location buckets
type APIRestKVBucketHandler struct {
	goutils.RestAPIHandler
	APIRestHandler
	buckets  management.KVBucketController
	validate *validator.Validate
}

// GetAPIRestKVBucketHandler define APIRestKVBucketHandler
func GetAPIRestKVBucketHandler(
	buckets management.KVBucketController,
	httpConfig *common.HTTPConfig,
) (APIRestKVBucketHandler, error) {
	logTags := log.Fields{
		"module":    "apis",
		"component": "kv-bucket-admin",
	}
	if buckets == nil {
		return APIRestKVBucketHandler{}, fmt.Errorf("bucket admin API needs a bucket controller")
	}
	return APIRestKVBucketHandler{
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
		buckets:  buckets,
		validate: validator.New(),
	}, nil
}

// APIRestRespBucketInfo adhoc structure for presenting a KV bucket's stream info
type APIRestRespBucketInfo struct {
	// Name is the bucket name
	Name string `json:"name"`
	// Description is an optional description of the bucket
	Description string `json:"description"`
	// History is the number of revisions kept per collector
	History int64 `json:"history"`
	// TTL is the max age (ns) of a collector record, 0 keeps them forever
	TTL time.Duration `json:"ttl" swaggertype:"primitive,integer"`
	// Storage is where the bucket is held: file or memory
	Storage string `json:"storage"`
	// Created is the bucket creation timestamp
	Created time.Time `json:"created"`
	// Entries is the number of stored revisions, including removal markers
	Entries uint64 `json:"entries"`
	// Bytes is the size of the stored revisions
	Bytes uint64 `json:"bytes"`
	// LastUpdate is the time of the last write to the bucket
	LastUpdate time.Time `json:"last_update"`
}

// convertBucketInfo convert the *nats.StreamInfo backing a bucket into APIRestRespBucketInfo
func convertBucketInfo(name string, original *nats.StreamInfo) APIRestRespBucketInfo {
	storage := "file"
	if original.Config.Storage == nats.MemoryStorage {
		storage = "memory"
	}
	return APIRestRespBucketInfo{
		Name:        name,
		Description: original.Config.Description,
		History:     original.Config.MaxMsgsPerSubject,
		TTL:         original.Config.MaxAge,
		Storage:     storage,
		Created:     original.Created,
		Entries:     original.State.Msgs,
		Bytes:       original.State.Bytes,
		LastUpdate:  original.State.LastTime,
	}
}

// readBucketName read and validate the bucket name path parameter
func (h APIRestKVBucketHandler) readBucketName(r *http.Request) (string, string, error) {
	bucketName, ok := mux.Vars(r)["bucketName"]
	if !ok {
		msg := "No bucket name provided"
		return "", msg, errors.New(msg)
	}
	if err := common.ValidateEntityID(bucketName, h.validate); err != nil {
		return "", "Invalid bucket name", err
	}
	return bucketName, "", nil
}

// -----------------------------------------------------------------------

// CreateBucket godoc
// @Summary Define new location bucket
// @Description Define a new JetStream KV bucket for collector locations. An existing bucket
// of the same name is left as is.
// @tags Admin
// @Accept json
// @Produce json
// @Param Gtrack-Request-ID header string false "User provided request ID to match against logs"
// @Param setting body management.KVBucketParam true "KV bucket setting"
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/admin/bucket [post]
func (h APIRestKVBucketHandler) CreateBucket(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	// Parse the parameters
	var params management.KVBucketParam
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		msg := "Unable to parse request body"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}
	if params.History == 0 {
		params.History = 1
	}
	if err := h.validate.Struct(&params); err != nil {
		msg := "Invalid bucket parameters"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}
	if err := common.ValidateEntityID(params.Name, h.validate); err != nil {
		msg := "Invalid bucket name"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	if _, err := h.buckets.EnsureBucket(params); err != nil {
		msg := "Failed to create new bucket"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
		return
	}

	respCode = http.StatusOK
	respBody = h.GetStdRESTSuccessMsg(r.Context())
}

// CreateBucketHandler Wrapper around CreateBucket
func (h APIRestKVBucketHandler) CreateBucketHandler() http.HandlerFunc {
	return h.attachRequestID(func(w http.ResponseWriter, r *http.Request) {
		h.CreateBucket(w, r)
	})
}

// -----------------------------------------------------------------------

// APIRestRespAllBuckets response for listing all buckets
type APIRestRespAllBuckets struct {
	goutils.RestAPIBaseResponse
	// Buckets the set of bucket details mapped against their names
	Buckets map[string]APIRestRespBucketInfo `json:"buckets"`
}

// GetAllBuckets godoc
// @Summary Query for info on all location buckets
// @Description Query for the details of all JetStream KV buckets
// @tags Admin
// @Produce json
// @Param Gtrack-Request-ID header string false "User provided request ID to match against logs"
// @Success 200 {object} APIRestRespAllBuckets "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/admin/bucket [get]
func (h APIRestKVBucketHandler) GetAllBuckets(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	allInfo := h.buckets.GetAllBuckets(r.Context())
	convertedInfo := make(map[string]APIRestRespBucketInfo)
	for bucketName, bucketInfo := range allInfo {
		convertedInfo[bucketName] = convertBucketInfo(bucketName, bucketInfo)
	}
	resp := APIRestRespAllBuckets{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		}, Buckets: convertedInfo,
	}

	if err := h.WriteRESTResponse(w, http.StatusOK, resp, nil); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// GetAllBucketsHandler Wrapper around GetAllBuckets
func (h APIRestKVBucketHandler) GetAllBucketsHandler() http.HandlerFunc {
	return h.attachRequestID(func(w http.ResponseWriter, r *http.Request) {
		h.GetAllBuckets(w, r)
	})
}

// -----------------------------------------------------------------------

// APIRestRespOneBucket response for listing one bucket
type APIRestRespOneBucket struct {
	goutils.RestAPIBaseResponse
	// Bucket the details for this bucket
	Bucket APIRestRespBucketInfo `json:"bucket"`
}

// GetBucket godoc
// @Summary Query for info on one location bucket
// @Description Query for the details of one JetStream KV bucket
// @tags Admin
// @Produce json
// @Param Gtrack-Request-ID header string false "User provided request ID to match against logs"
// @Param bucketName path string true "KV bucket name"
// @Success 200 {object} APIRestRespOneBucket "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/admin/bucket/{bucketName} [get]
func (h APIRestKVBucketHandler) GetBucket(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	bucketName, msg, err := h.readBucketName(r)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	bucketInfo, err := h.buckets.GetBucket(bucketName)
	if err != nil {
		msg := fmt.Sprintf("Unable fetch bucket %s info", bucketName)
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusInternalServerError
		if errors.Is(err, nats.ErrStreamNotFound) {
			respCode = http.StatusNotFound
		}
		respBody = h.GetStdRESTErrorMsg(r.Context(), respCode, msg, err.Error())
		return
	}

	respCode = http.StatusOK
	respBody = APIRestRespOneBucket{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		},
		Bucket: convertBucketInfo(bucketName, bucketInfo),
	}
}

// GetBucketHandler Wrapper around GetBucket
func (h APIRestKVBucketHandler) GetBucketHandler() http.HandlerFunc {
	return h.attachRequestID(func(w http.ResponseWriter, r *http.Request) {
		h.GetBucket(w, r)
	})
}

// -----------------------------------------------------------------------

// DeleteBucket godoc
// @Summary Delete a location bucket
// @Description Delete a JetStream KV bucket and every collector record in it
// @tags Admin
// @Produce json
// @Param Gtrack-Request-ID header string false "User provided request ID to match against logs"
// @Param bucketName path string true "KV bucket name"
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/admin/bucket/{bucketName} [delete]
func (h APIRestKVBucketHandler) DeleteBucket(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	bucketName, msg, err := h.readBucketName(r)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	if err := h.buckets.DeleteBucket(bucketName); err != nil {
		msg := fmt.Sprintf("Unable to delete bucket %s", bucketName)
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
		return
	}

	respCode = http.StatusOK
	respBody = h.GetStdRESTSuccessMsg(r.Context())
}

// DeleteBucketHandler Wrapper around DeleteBucket
func (h APIRestKVBucketHandler) DeleteBucketHandler() http.HandlerFunc {
	return h.attachRequestID(func(w http.ResponseWriter, r *http.Request) {
		h.DeleteBucket(w, r)
	})
}
