package locstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alwitt/gtrack/common"
	"github.com/apex/log"
	"github.com/google/uuid"
)

// memoryStore an in-process location store
type memoryStore struct {
	common.Component
	records     map[string]Record
	subscribers map[string]*memorySubscription
	buffer      int
	lock        sync.Mutex
}

// memorySubscription a change feed on the in-process store
type memorySubscription struct {
	*subscriptionBase
	id    string
	inbox chan pendingWrite
}

// pendingWrite a write waiting to be turned into a change for one subscription
type pendingWrite struct {
	record  Record
	removed bool
}

// GetMemoryStore define an in-process location store
//
// Writes are delivered to every subscription before Upsert returns. A slow subscriber
// slows down writers once its buffer fills.
func GetMemoryStore(instance string, subscribeBuffer int) (LocationStore, error) {
	if subscribeBuffer < 1 {
		return nil, fmt.Errorf("subscribe buffer must be at least 1")
	}
	logTags := log.Fields{
		"module": "locstore", "component": "memory", "instance": instance,
	}
	return &memoryStore{
		Component:   common.Component{LogTags: logTags},
		records:     make(map[string]Record),
		subscribers: make(map[string]*memorySubscription),
		buffer:      subscribeBuffer,
	}, nil
}

func (s *memoryStore) Upsert(ctxt context.Context, entityID string, fields Fields) error {
	logTags, _ := common.UpdateLogTags(ctxt, s.LogTags)
	s.lock.Lock()
	defer s.lock.Unlock()
	record, ok := s.records[entityID]
	if !ok {
		record = Record{EntityID: entityID}
	}
	record.Merge(fields)
	record.UpdatedAt = time.Now().UTC()
	s.records[entityID] = record
	log.WithFields(logTags).Debugf("Upserted %s", entityID)
	return s.broadcast(ctxt, record, false)
}

func (s *memoryStore) Get(_ context.Context, entityID string) (Record, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	record, ok := s.records[entityID]
	if !ok {
		return Record{}, ErrRecordNotFound
	}
	return record, nil
}

func (s *memoryStore) Delete(ctxt context.Context, entityID string) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	record, ok := s.records[entityID]
	if !ok {
		return ErrRecordNotFound
	}
	delete(s.records, entityID)
	record.UpdatedAt = time.Now().UTC()
	return s.broadcast(ctxt, record, true)
}

// broadcast hand the write to every subscription. Caller holds the lock.
func (s *memoryStore) broadcast(ctxt context.Context, record Record, removed bool) error {
	for _, sub := range s.subscribers {
		select {
		case sub.inbox <- pendingWrite{record: record, removed: removed}:
		case <-sub.ctxt.Done():
		case <-ctxt.Done():
			err := fmt.Errorf("%w: %s", ErrStoreWriteFailed, ctxt.Err())
			log.WithError(err).WithFields(s.LogTags).Errorf("Fan out of %s interrupted", record.EntityID)
			return err
		}
	}
	return nil
}

func (s *memoryStore) Subscribe(ctxt context.Context, filter Filter) (Subscription, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	subID := uuid.New().String()
	sub := &memorySubscription{id: subID, inbox: make(chan pendingWrite, s.buffer)}
	sub.subscriptionBase = newSubscriptionBase(ctxt, filter, s.buffer, func() {
		s.lock.Lock()
		defer s.lock.Unlock()
		delete(s.subscribers, subID)
	})

	snapshot := ChangeBatch{Snapshot: true}
	for _, record := range s.records {
		if change, ok := sub.classify(record, false); ok {
			snapshot.Changes = append(snapshot.Changes, change)
		}
	}
	s.subscribers[subID] = sub

	logTags := log.Fields{}
	for k, v := range s.LogTags {
		logTags[k] = v
	}
	logTags["subscription"] = subID
	sub.start(func() {
		if !sub.deliver(snapshot) {
			return
		}
		for {
			select {
			case <-sub.ctxt.Done():
				return
			case write := <-sub.inbox:
				batch := ChangeBatch{}
				if c, ok := sub.classify(write.record, write.removed); ok {
					batch.Changes = append(batch.Changes, c)
				}
				// Drain what is already queued into the same batch
				for draining := true; draining; {
					select {
					case more := <-sub.inbox:
						if c, ok := sub.classify(more.record, more.removed); ok {
							batch.Changes = append(batch.Changes, c)
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

func (s *memoryStore) Close() error {
	s.lock.Lock()
	subs := make([]*memorySubscription, 0, len(s.subscribers))
	for _, sub := range s.subscribers {
		subs = append(subs, sub)
	}
	s.lock.Unlock()
	for _, sub := range subs {
		_ = sub.Close()
	}
	return nil
}
