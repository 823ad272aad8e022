package apis

import (
	"context"
	"net/http"

	"github.com/alwitt/gtrack/common"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

// MethodHandlers DICT of method-endpoint handler
type MethodHandlers map[string]http.HandlerFunc

// RegisterPathPrefix Register new method handler for an end-point
func RegisterPathPrefix(
	parentRouter *mux.Router, pathPrefix string, methodHandlers MethodHandlers,
) *mux.Router {
	router := parentRouter.PathPrefix(pathPrefix).Subrouter()
	for method, handler := range methodHandlers {
		router.Methods(method).Path("").HandlerFunc(handler)
	}
	return router
}

// ReadinessCheck reports whether the backing services are usable
type ReadinessCheck func() bool

// APIRestHandler base REST handler
type APIRestHandler struct {
	common.Component
	requestIDHeader string
}

// Write logging support
func (h APIRestHandler) Write(p []byte) (n int, err error) {
	log.WithFields(h.LogTags).Infof("%s", p)
	return len(p), nil
}

// attachRequestID middleware function to attach a request ID to a API request
func (h APIRestHandler) attachRequestID(next http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		// use provided request id from incoming request if any
		reqID := ""
		if h.requestIDHeader != "" {
			reqID = r.Header.Get(h.requestIDHeader)
		}
		if reqID == "" {
			// or use some generated string
			reqID = uuid.New().String()
		}
		log.WithFields(h.LogTags).Debugf("New request ID %s", reqID)
		ctx := context.WithValue(
			r.Context(), common.RequestParam{}, common.RequestParam{
				ID: reqID, Method: r.Method, URI: r.URL.String(),
			},
		)
		if h.requestIDHeader != "" {
			rw.Header().Set(h.requestIDHeader, reqID)
		}
		next(rw, r.WithContext(ctx))
	}
}
