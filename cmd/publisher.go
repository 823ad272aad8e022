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
	"time"

	"github.com/alwitt/gtrack/common"
	"github.com/alwitt/gtrack/locsource"
	"github.com/alwitt/gtrack/publisher"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
)

// RunPublisher run a location publisher until the context ends or the source fails
func RunPublisher(
	runtimeContext context.Context, config common.SystemConfig, instance string,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "publisher",
		"instance":  instance,
	}

	if config.Publisher == nil {
		return fmt.Errorf("publisher can't start without its configurations")
	}
	params := *config.Publisher
	validate := validator.New()
	if err := validate.Struct(&params); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid publisher config")
		return err
	}
	logTags["entity_id"] = params.EntityID

	permission := locsource.NewPermission(params.LocationPermission)
	source, err := locsource.GetPositionSource(params.Source, permission, validate)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf(
			"Unable to define %s position source", params.Source.Type,
		)
		return err
	}
	defer func() {
		if err := source.Close(); err != nil {
			log.WithError(err).WithFields(logTags).Error("Position source close failed")
		}
	}()

	storeRuntime, err := OpenStoreRuntime(config, instance)
	if err != nil {
		return err
	}
	defer storeRuntime.Close()

	// Learn when the publisher stops on its own
	stopped := make(chan struct{}, 1)
	pub, err := publisher.GetLocationPublisher(publisher.Params{
		EntityID:        params.EntityID,
		DisplayName:     params.DisplayName,
		MinInterval:     time.Millisecond * time.Duration(params.MinInterval),
		MinDisplacement: params.MinDisplacement,
		OnStateChange: func(from, to publisher.State) {
			log.WithFields(logTags).Infof("Publisher %s -> %s", from, to)
			if to == publisher.StateStopped {
				select {
				case stopped <- struct{}{}:
				default:
				}
			}
		},
	}, source, storeRuntime.Store)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define location publisher")
		return err
	}

	if err := pub.Start(runtimeContext); err != nil {
		log.WithError(err).WithFields(logTags).Error("Location publisher did not start")
		return err
	}
	log.WithFields(logTags).Infof("Publishing %s locations", params.Source.Type)

	select {
	case <-runtimeContext.Done():
		log.WithFields(logTags).Info("Stopping publisher on shutdown")
		return pub.Stop()
	case <-stopped:
		if err := pub.LastError(); err != nil {
			log.WithError(err).WithFields(logTags).Error("Publisher stopped on failure")
			return err
		}
		log.WithFields(logTags).Info("Position source finished")
		return nil
	}
}
