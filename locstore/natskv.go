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

package locstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/alwitt/gtrack/common"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// natsKVMaxUpdateAttempts number of read-merge-update rounds before giving up on a write
const natsKVMaxUpdateAttempts = 5

// natsKVStore location store on a JetStream KV bucket. Each entity is one key holding the
// JSON record.
type natsKVStore struct {
	common.Component
	kv     nats.KeyValue
	buffer int
}

// GetNATSKVStore define a location store on a JetStream KV bucket
func GetNATSKVStore(kv nats.KeyValue, subscribeBuffer int) (LocationStore, error) {
	if subscribeBuffer < 1 {
		return nil, fmt.Errorf("subscribe buffer must be at least 1")
	}
	logTags := log.Fields{
		"module": "locstore", "component": "nats-kv", "instance": kv.Bucket(),
	}
	return &natsKVStore{
		Component: common.Component{LogTags: logTags},
		kv:        kv,
		buffer:    subscribeBuffer,
	}, nil
}

// decodeEntry parse a KV entry into a record
func decodeEntry(entry nats.KeyValueEntry) (Record, error) {
	record := Record{}
	if err := json.Unmarshal(entry.Value(), &record); err != nil {
		return Record{}, err
	}
	record.EntityID = entry.Key()
	if record.UpdatedAt.IsZero() {
		record.UpdatedAt = entry.Created()
	}
	return record, nil
}

func (s *natsKVStore) Upsert(ctxt context.Context, entityID string, fields Fields) error {
	logTags, _ := common.UpdateLogTags(ctxt, s.LogTags)
	var lastErr error
	for attempt := 0; attempt < natsKVMaxUpdateAttempts; attempt++ {
		if ctxt.Err() != nil {
			lastErr = ctxt.Err()
			break
		}
		record := Record{EntityID: entityID}
		var revision uint64
		entry, err := s.kv.Get(entityID)
		if err == nil {
			if record, err = decodeEntry(entry); err != nil {
				log.WithError(err).WithFields(logTags).Errorf(
					"Existing record of %s is unreadable, overwriting", entityID,
				)
				record = Record{EntityID: entityID}
			}
			revision = entry.Revision()
		} else if !errors.Is(err, nats.ErrKeyNotFound) {
			lastErr = err
			continue
		}
		record.Merge(fields)
		record.UpdatedAt = time.Now().UTC()
		payload, err := json.Marshal(&record)
		if err != nil {
			lastErr = err
			break
		}
		if revision == 0 {
			err = s.create(entityID, payload)
		} else {
			_, err = s.kv.Update(entityID, payload, revision)
		}
		if err == nil {
			log.WithFields(logTags).Debugf("Upserted %s", entityID)
			return nil
		}
		// Lost a race with another writer, read again
		lastErr = err
	}
	err := fmt.Errorf("%w: %s: %s", ErrStoreWriteFailed, entityID, lastErr)
	log.WithError(err).WithFields(logTags).Error("Upsert failed")
	return err
}

// create write the first value of a key. A key holding only a removal marker is written
// over the marker. A key another writer created first fails, so the caller merges again.
func (s *natsKVStore) create(entityID string, payload []byte) error {
	_, err := s.kv.Create(entityID, payload)
	if err == nil {
		return nil
	}
	history, histErr := s.kv.History(entityID)
	if histErr != nil || len(history) == 0 {
		return err
	}
	latest := history[len(history)-1]
	if latest.Operation() == nats.KeyValuePut {
		return err
	}
	_, err = s.kv.Update(entityID, payload, latest.Revision())
	return err
}

func (s *natsKVStore) Get(_ context.Context, entityID string) (Record, error) {
	entry, err := s.kv.Get(entityID)
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return Record{}, ErrRecordNotFound
		}
		return Record{}, err
	}
	return decodeEntry(entry)
}

func (s *natsKVStore) Delete(ctxt context.Context, entityID string) error {
	if _, err := s.kv.Get(entityID); err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return ErrRecordNotFound
		}
		return err
	}
	if err := s.kv.Delete(entityID); err != nil {
		logTags, _ := common.UpdateLogTags(ctxt, s.LogTags)
		log.WithError(err).WithFields(logTags).Errorf("Failed to delete %s", entityID)
		return fmt.Errorf("%w: %s", ErrStoreWriteFailed, err)
	}
	return nil
}

func (s *natsKVStore) Subscribe(ctxt context.Context, filter Filter) (Subscription, error) {
	logTags, _ := common.UpdateLogTags(ctxt, s.LogTags)
	logTags["subscription"] = uuid.New().String()

	var watcher nats.KeyWatcher
	var err error
	if len(filter.EntityIDs) == 1 {
		watcher, err = s.kv.Watch(filter.EntityIDs[0])
	} else {
		watcher, err = s.kv.WatchAll()
	}
	if err != nil {
		err = fmt.Errorf("%w: %s", ErrStoreSubscribeFailed, err)
		log.WithError(err).WithFields(logTags).Error("Unable to watch bucket")
		return nil, err
	}

	sub := newSubscriptionBase(ctxt, filter, s.buffer, func() {
		if err := watcher.Stop(); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failed to stop watcher")
		}
	})

	// convert turn a KV entry into a change for this subscription
	convert := func(entry nats.KeyValueEntry) (Change, bool) {
		if entry.Operation() != nats.KeyValuePut {
			return sub.classify(Record{EntityID: entry.Key(), UpdatedAt: entry.Created()}, true)
		}
		record, err := decodeEntry(entry)
		if err != nil {
			log.WithError(err).WithFields(logTags).Errorf("Skipping unreadable record %s", entry.Key())
			return Change{}, false
		}
		return sub.classify(record, false)
	}

	sub.start(func() {
		defer log.WithFields(logTags).Debug("Watch loop exiting")
		updates := watcher.Updates()
		// Initial values end with a nil entry
		snapshot := ChangeBatch{Snapshot: true}
		for snapshotDone := false; !snapshotDone; {
			select {
			case <-sub.ctxt.Done():
				return
			case entry, ok := <-updates:
				if !ok {
					sub.fail(fmt.Errorf("%w: watcher closed", ErrStoreSubscribeFailed))
					return
				}
				if entry == nil {
					snapshotDone = true
					break
				}
				if change, ok := convert(entry); ok {
					snapshot.Changes = append(snapshot.Changes, change)
				}
			}
		}
		if !sub.deliver(snapshot) {
			return
		}
		for {
			select {
			case <-sub.ctxt.Done():
				return
			case entry, ok := <-updates:
				if !ok {
					sub.fail(fmt.Errorf("%w: watcher closed", ErrStoreSubscribeFailed))
					return
				}
				batch := ChangeBatch{}
				if entry != nil {
					if change, ok := convert(entry); ok {
						batch.Changes = append(batch.Changes, change)
					}
				}
				// Drain what is already queued into the same batch
				for draining := true; draining; {
					select {
					case more, ok := <-updates:
						if !ok {
							draining = false
							break
						}
						if more == nil {
							continue
						}
						if change, ok := convert(more); ok {
							batch.Changes = append(batch.Changes, change)
						}
					default:
						draining = false
					}
				}
				if !sub.deliver(batch) {
					return
				}
			}
		}
	})
	log.WithFields(logTags).Debug("Opened subscription")
	return sub, nil
}

func (s *natsKVStore) Close() error {
	return nil
}
