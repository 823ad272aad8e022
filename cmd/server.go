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

package cmd

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/gtrack/apis"
	"github.com/alwitt/gtrack/common"
	"github.com/apex/log"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// BuildLiveRouter define the live-locate API routes. The bucket admin routes are only
// added when adminHandler is given.
func BuildLiveRouter(
	httpHandler apis.APIRestLiveHandler,
	adminHandler *apis.APIRestKVBucketHandler,
	pathPrefix string,
) *mux.Router {
	router := mux.NewRouter()
	mainRouter := apis.RegisterPathPrefix(router, pathPrefix, nil)

	v1Router := apis.RegisterPathPrefix(mainRouter, "/v1", nil)

	// Live view
	_ = apis.RegisterPathPrefix(v1Router, "/live", map[string]http.HandlerFunc{
		"get": httpHandler.LiveStreamHandler(),
	})

	// Collector lookup
	_ = apis.RegisterPathPrefix(v1Router, "/collectors/{entityID}", map[string]http.HandlerFunc{
		"get": httpHandler.GetCollectorHandler(),
	})

	// Bucket admin
	if adminHandler != nil {
		adminRouter := apis.RegisterPathPrefix(v1Router, "/admin", nil)
		_ = apis.RegisterPathPrefix(adminRouter, "/bucket", map[string]http.HandlerFunc{
			"post": adminHandler.CreateBucketHandler(),
			"get":  adminHandler.GetAllBucketsHandler(),
		})
		_ = apis.RegisterPathPrefix(adminRouter, "/bucket/{bucketName}", map[string]http.HandlerFunc{
			"get":    adminHandler.GetBucketHandler(),
			"delete": adminHandler.DeleteBucketHandler(),
		})
	}

	// Health check
	_ = apis.RegisterPathPrefix(v1Router, "/alive", map[string]http.HandlerFunc{
		"get": httpHandler.AliveHandler(),
	})
	_ = apis.RegisterPathPrefix(v1Router, "/ready", map[string]http.HandlerFunc{
		"get": httpHandler.ReadyHandler(),
	})

	// Add logging
	router.Use(func(next http.Handler) http.Handler {
		return handlers.CombinedLoggingHandler(httpHandler, next)
	})
	return router
}

// RunLiveServer run the live-locate server
func RunLiveServer(
	runtimeContext context.Context,
	config common.SystemConfig,
	instance string,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "live-server",
		"instance":  instance,
	}
	if config.LiveServer == nil {
		return fmt.Errorf("live server can't start without its configurations")
	}
	serverCfg := config.LiveServer

	storeRuntime, err := OpenStoreRuntime(config, instance)
	if err != nil {
		return err
	}
	defer storeRuntime.Close()

	localCtxt, lclCancel := context.WithCancel(runtimeContext)
	defer lclCancel()
	httpHandler, err := apis.GetAPIRestLiveHandler(
		localCtxt,
		storeRuntime.Store,
		config.Viewer,
		&serverCfg.HTTPSetting,
		serverCfg.Endpoints,
		storeRuntime.Ready(),
		apis.DefaultHeartbeatInterval,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define HTTP handler")
		return err
	}

	var adminHandler *apis.APIRestKVBucketHandler
	if buckets := storeRuntime.Buckets(); buckets != nil {
		handler, err := apis.GetAPIRestKVBucketHandler(buckets, &serverCfg.HTTPSetting)
		if err != nil {
			log.WithError(err).WithFields(logTags).Errorf("Unable to define bucket admin handler")
			return err
		}
		adminHandler = &handler
	}

	// -------------------------------------------------------------------
	// Start the HTTP server

	router := BuildLiveRouter(httpHandler, adminHandler, serverCfg.Endpoints.PathPrefix)

	serverListen := fmt.Sprintf(
		"%s:%d", serverCfg.HTTPSetting.Server.ListenOn, serverCfg.HTTPSetting.Server.Port,
	)
	httpSrv := &http.Server{
		Addr:         serverListen,
		WriteTimeout: time.Second * time.Duration(serverCfg.HTTPSetting.Server.WriteTimeout),
		ReadTimeout:  time.Second * time.Duration(serverCfg.HTTPSetting.Server.ReadTimeout),
		IdleTimeout:  time.Second * time.Duration(serverCfg.HTTPSetting.Server.IdleTimeout),
		Handler:      h2c.NewHandler(router, &http2.Server{}),
	}

	// Cancel runtime context on shutdown
	httpSrv.RegisterOnShutdown(lclCancel)

	// Start the server
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).WithFields(logTags).Error("HTTP Server Failure")
			lclCancel()
		}
	}()

	log.WithFields(logTags).Infof("Started HTTP server on http://%s", serverListen)

	// ============================================================================

	<-localCtxt.Done()

	// Stop the HTTP server
	{
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failure during HTTP shutdown")
		}
	}

	return nil
}
